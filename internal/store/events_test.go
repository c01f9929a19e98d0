package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/redact"
)

func TestInsertAndListEvents(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	steps := []string{model.StepSecretSync, model.StepDeploy, model.StepHealth, model.StepPromote}
	for _, step := range steps {
		e := &model.Event{AccountID: "acct", Step: step, Success: true}
		if err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent(%s): %v", step, err)
		}
		if e.ID == "" {
			t.Error("InsertEvent did not assign an ID")
		}
		if !e.CreatedAt.Equal(clock.Now()) {
			t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, clock.Now())
		}
	}
	if err := s.InsertEvent(ctx, &model.Event{AccountID: "other", Step: model.StepDeploy}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	got, err := s.ListEvents(ctx, "acct", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("len = %d, want %d", len(got), len(steps))
	}
	for i, e := range got {
		if e.Step != steps[i] {
			t.Errorf("event %d step = %q, want %q", i, e.Step, steps[i])
		}
	}

	// A limit keeps the most recent events, still oldest first.
	got, err = s.ListEvents(ctx, "acct", 2)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 || got[0].Step != model.StepHealth || got[1].Step != model.StepPromote {
		t.Errorf("limited events = %+v", got)
	}
}

func TestInsertEventRedactsAndTruncatesDetail(t *testing.T) {
	s, _ := newTestStore(t, WithRedactor(redact.New("as-secret-value")))
	ctx := context.Background()

	long := fmt.Sprintf("token as-secret-value rejected: %s", strings.Repeat("x", 2*redact.MaxDetailLen))
	e := &model.Event{AccountID: "acct", Step: model.StepDeploy, Detail: long}
	if err := s.InsertEvent(ctx, e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	got, err := s.ListEvents(ctx, "acct", 1)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	detail := got[0].Detail
	if strings.Contains(detail, "as-secret-value") {
		t.Errorf("secret persisted in event detail: %q", detail[:64])
	}
	if !strings.HasPrefix(detail, "token "+redact.Placeholder) {
		t.Errorf("detail prefix = %q", detail[:32])
	}
	if !strings.Contains(detail, "truncated") {
		t.Error("long detail was not truncated")
	}
	if e.Detail != detail {
		t.Error("InsertEvent did not update the event to the stored detail")
	}
}
