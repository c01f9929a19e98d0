package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

type warmupStateRow struct {
	AccountID     string         `db:"account_id"`
	Model         string         `db:"model"`
	LastSuccessAt *time.Time     `db:"last_success_at"`
	ExpiresAt     *time.Time     `db:"expires_at"`
	CooldownUntil *time.Time     `db:"cooldown_until"`
	LastRunID     sql.NullString `db:"last_run_id"`
	LastError     sql.NullString `db:"last_error"`
}

func (r *warmupStateRow) toModel() *model.WarmupState {
	return &model.WarmupState{
		AccountID:     r.AccountID,
		Model:         r.Model,
		LastSuccessAt: r.LastSuccessAt,
		ExpiresAt:     r.ExpiresAt,
		CooldownUntil: r.CooldownUntil,
		LastRunID:     r.LastRunID.String,
		LastError:     r.LastError.String,
	}
}

const warmupStateColumns = `account_id, model, last_success_at, expires_at,
	cooldown_until, last_run_id, last_error`

// GetWarmupState returns the warm-up state of one (account, model) pair.
func (s *SQLiteStore) GetWarmupState(ctx context.Context, accountID, modelName string) (*model.WarmupState, error) {
	var row warmupStateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+warmupStateColumns+` FROM warmup_state WHERE account_id = ? AND model = ?`,
		accountID, modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get warmup state: %w", err)
	}
	return row.toModel(), nil
}

// ListWarmupStates returns every model's warm-up state for an account.
func (s *SQLiteStore) ListWarmupStates(ctx context.Context, accountID string) ([]*model.WarmupState, error) {
	var rows []warmupStateRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+warmupStateColumns+` FROM warmup_state WHERE account_id = ? ORDER BY model`,
		accountID); err != nil {
		return nil, fmt.Errorf("list warmup states: %w", err)
	}
	states := make([]*model.WarmupState, 0, len(rows))
	for i := range rows {
		states = append(states, rows[i].toModel())
	}
	return states, nil
}

// UpsertWarmupState inserts or replaces the state of one (account, model) pair.
func (s *SQLiteStore) UpsertWarmupState(ctx context.Context, w *model.WarmupState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warmup_state (`+warmupStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, model) DO UPDATE SET
			last_success_at = excluded.last_success_at,
			expires_at = excluded.expires_at,
			cooldown_until = excluded.cooldown_until,
			last_run_id = excluded.last_run_id,
			last_error = excluded.last_error`,
		w.AccountID, w.Model, w.LastSuccessAt, w.ExpiresAt, w.CooldownUntil,
		nullString(w.LastRunID), nullString(s.detail(w.LastError)),
	)
	if err != nil {
		return fmt.Errorf("upsert warmup state: %w", err)
	}
	return nil
}

type warmupRunRow struct {
	ID          string     `db:"id"`
	TriggeredBy string     `db:"triggered_by"`
	Mode        string     `db:"mode"`
	AccountIDs  string     `db:"account_ids"`
	Models      string     `db:"models"`
	Status      string     `db:"status"`
	Summary     string     `db:"summary"`
	StartedAt   time.Time  `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
}

func (r *warmupRunRow) toModel() (*model.WarmupRun, error) {
	run := &model.WarmupRun{
		ID:          r.ID,
		TriggeredBy: r.TriggeredBy,
		Mode:        r.Mode,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if err := json.Unmarshal([]byte(r.AccountIDs), &run.AccountIDs); err != nil {
		return nil, fmt.Errorf("decode run account ids: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Models), &run.Models); err != nil {
		return nil, fmt.Errorf("decode run models: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	return run, nil
}

// CreateWarmupRun inserts a new warm-up run.
func (s *SQLiteStore) CreateWarmupRun(ctx context.Context, r *model.WarmupRun) error {
	accountIDs, err := json.Marshal(nonNil(r.AccountIDs))
	if err != nil {
		return fmt.Errorf("encode run account ids: %w", err)
	}
	models, err := json.Marshal(nonNil(r.Models))
	if err != nil {
		return fmt.Errorf("encode run models: %w", err)
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO warmup_runs (id, triggered_by, mode, account_ids, models,
			status, summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TriggeredBy, r.Mode, string(accountIDs), string(models),
		r.Status, string(summary), r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert warmup run: %w", err)
	}
	return nil
}

// FinishWarmupRun records the terminal status and summary of a run.
func (s *SQLiteStore) FinishWarmupRun(ctx context.Context, id, status string, summary model.WarmupSummary) error {
	if len(summary.Errors) > 0 {
		scrubbed := make(map[string]string, len(summary.Errors))
		for k, v := range summary.Errors {
			scrubbed[k] = s.detail(v)
		}
		summary.Errors = scrubbed
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE warmup_runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?",
		status, string(encoded), s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish warmup run: %w", err)
	}
	return checkAffected(res)
}

// GetWarmupRun retrieves a warm-up run by ID.
func (s *SQLiteStore) GetWarmupRun(ctx context.Context, id string) (*model.WarmupRun, error) {
	var row warmupRunRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, triggered_by, mode, account_ids, models, status, summary,
			started_at, finished_at
		FROM warmup_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get warmup run: %w", err)
	}
	return row.toModel()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
