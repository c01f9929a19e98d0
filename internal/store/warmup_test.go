package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/redact"
)

func TestUpsertWarmupState(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetWarmupState(ctx, "acct", "flux"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetWarmupState before insert error = %v, want ErrNotFound", err)
	}

	now := clock.Now()
	expires := now.Add(time.Hour)
	if err := s.UpsertWarmupState(ctx, &model.WarmupState{
		AccountID:     "acct",
		Model:         "flux",
		LastSuccessAt: &now,
		ExpiresAt:     &expires,
		LastRunID:     "run-1",
	}); err != nil {
		t.Fatalf("UpsertWarmupState: %v", err)
	}

	cooldown := now.Add(5 * time.Minute)
	if err := s.UpsertWarmupState(ctx, &model.WarmupState{
		AccountID:     "acct",
		Model:         "flux",
		LastSuccessAt: &now,
		ExpiresAt:     &expires,
		CooldownUntil: &cooldown,
		LastRunID:     "run-2",
		LastError:     "warmup timed out",
	}); err != nil {
		t.Fatalf("UpsertWarmupState (update): %v", err)
	}

	got, err := s.GetWarmupState(ctx, "acct", "flux")
	if err != nil {
		t.Fatalf("GetWarmupState: %v", err)
	}
	if got.LastRunID != "run-2" || got.LastError != "warmup timed out" {
		t.Errorf("state not replaced: %+v", got)
	}
	if !got.CoolingDown(now) {
		t.Error("CoolingDown(now) = false, want true")
	}
	if !got.Warm(now) {
		t.Error("Warm(now) = false, want true")
	}
	if got.Warm(expires.Add(time.Second)) {
		t.Error("Warm after expiry = true, want false")
	}

	if err := s.UpsertWarmupState(ctx, &model.WarmupState{AccountID: "acct", Model: "sdxl"}); err != nil {
		t.Fatalf("UpsertWarmupState: %v", err)
	}
	states, err := s.ListWarmupStates(ctx, "acct")
	if err != nil {
		t.Fatalf("ListWarmupStates: %v", err)
	}
	if len(states) != 2 || states[0].Model != "flux" || states[1].Model != "sdxl" {
		t.Errorf("ListWarmupStates = %+v", states)
	}
}

func TestWarmupRunLifecycle(t *testing.T) {
	s, clock := newTestStore(t, WithRedactor(redact.New("hf_secret_token")))
	ctx := context.Background()

	run := &model.WarmupRun{
		ID:          model.NewID(),
		TriggeredBy: "api",
		Mode:        model.WarmupBestEffort,
		AccountIDs:  []string{"a1", "a2"},
		Models:      []string{"flux"},
		Status:      model.RunRunning,
	}
	if err := s.CreateWarmupRun(ctx, run); err != nil {
		t.Fatalf("CreateWarmupRun: %v", err)
	}

	got, err := s.GetWarmupRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetWarmupRun: %v", err)
	}
	if got.Status != model.RunRunning || got.FinishedAt != nil {
		t.Errorf("new run = %+v", got)
	}
	if len(got.AccountIDs) != 2 || got.Models[0] != "flux" {
		t.Errorf("run targets = %v / %v", got.AccountIDs, got.Models)
	}

	clock.Advance(time.Minute)
	errs := map[string]string{"a2/flux": "401 using hf_secret_token"}
	summary := model.WarmupSummary{Warmed: 1, Failed: 1, Errors: errs}
	if err := s.FinishWarmupRun(ctx, run.ID, model.RunPartial, summary); err != nil {
		t.Fatalf("FinishWarmupRun: %v", err)
	}
	if errs["a2/flux"] != "401 using hf_secret_token" {
		t.Error("FinishWarmupRun modified the caller's errors map")
	}

	got, err = s.GetWarmupRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetWarmupRun: %v", err)
	}
	if got.Status != model.RunPartial {
		t.Errorf("status = %q, want partial", got.Status)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(clock.Now()) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, clock.Now())
	}
	if got.Summary.Warmed != 1 || got.Summary.Failed != 1 {
		t.Errorf("summary = %+v", got.Summary)
	}
	if strings.Contains(got.Summary.Errors["a2/flux"], "hf_secret_token") {
		t.Errorf("secret leaked into stored summary: %q", got.Summary.Errors["a2/flux"])
	}
}

func TestFinishUnknownWarmupRun(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.FinishWarmupRun(context.Background(), "nope", model.RunFailed, model.WarmupSummary{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
