package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/seantiz/foundry/internal/failure"
	"github.com/seantiz/foundry/internal/model"
)

const accountColumns = `id, label, secret_ref, workspace, status, fail_count,
	failure_type, last_error, failed_at, last_used, use_count, added_at,
	last_health_check, health_check_result, verified_at`

// accountRow mirrors one row of the accounts table.
type accountRow struct {
	ID                string         `db:"id"`
	Label             string         `db:"label"`
	SecretRef         string         `db:"secret_ref"`
	Workspace         sql.NullString `db:"workspace"`
	Status            string         `db:"status"`
	FailCount         int            `db:"fail_count"`
	FailureType       sql.NullString `db:"failure_type"`
	LastError         sql.NullString `db:"last_error"`
	FailedAt          *time.Time     `db:"failed_at"`
	LastUsed          *time.Time     `db:"last_used"`
	UseCount          int            `db:"use_count"`
	AddedAt           time.Time      `db:"added_at"`
	LastHealthCheck   *time.Time     `db:"last_health_check"`
	HealthCheckResult sql.NullString `db:"health_check_result"`
	VerifiedAt        *time.Time     `db:"verified_at"`
}

func (r *accountRow) toModel() *model.Account {
	return &model.Account{
		ID:                r.ID,
		Label:             r.Label,
		SecretRef:         r.SecretRef,
		Workspace:         r.Workspace.String,
		Status:            r.Status,
		FailCount:         r.FailCount,
		FailureType:       r.FailureType.String,
		LastError:         r.LastError.String,
		FailedAt:          r.FailedAt,
		LastUsed:          r.LastUsed,
		UseCount:          r.UseCount,
		AddedAt:           r.AddedAt,
		LastHealthCheck:   r.LastHealthCheck,
		HealthCheckResult: r.HealthCheckResult.String,
		VerifiedAt:        r.VerifiedAt,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateAccount inserts a new account record.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if !model.ValidStatus(a.Status) {
		return fmt.Errorf("create account: unknown status %q", a.Status)
	}
	if a.AddedAt.IsZero() {
		a.AddedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Label, a.SecretRef, nullString(a.Workspace), a.Status, a.FailCount,
		nullString(a.FailureType), nullString(a.LastError), a.FailedAt, a.LastUsed,
		a.UseCount, a.AddedAt, a.LastHealthCheck, nullString(a.HealthCheckResult), a.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return row.toModel(), nil
}

// ListAccounts returns every account ordered by when it was added.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	return s.selectAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY added_at, id`)
}

// ListReadyAccounts returns accounts in the ready status ordered for
// rotation: least used first, then least recently used (never-used
// accounts ahead of used ones), then oldest.
func (s *SQLiteStore) ListReadyAccounts(ctx context.Context) ([]*model.Account, error) {
	accounts, err := s.selectAccounts(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = ?`, model.StatusReady)
	if err != nil {
		return nil, err
	}
	SortForRotation(accounts)
	return accounts, nil
}

// SortForRotation orders accounts by (use_count asc, last_used asc with nil
// first, added_at asc, id asc).
func SortForRotation(accounts []*model.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.UseCount != b.UseCount {
			return a.UseCount < b.UseCount
		}
		switch {
		case a.LastUsed == nil && b.LastUsed != nil:
			return true
		case a.LastUsed != nil && b.LastUsed == nil:
			return false
		case a.LastUsed != nil && b.LastUsed != nil && !a.LastUsed.Equal(*b.LastUsed):
			return a.LastUsed.Before(*b.LastUsed)
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ID < b.ID
	})
}

func (s *SQLiteStore) selectAccounts(ctx context.Context, query string, args ...any) ([]*model.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]*model.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, rows[i].toModel())
	}
	return accounts, nil
}

// transition loads the account inside tx and verifies that moving it to
// status is allowed.
func transition(ctx context.Context, tx *sqlx.Tx, id, status string) (*model.Account, error) {
	a, err := getAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !model.ValidTransition(a.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}
	return a, nil
}

// UpdateAccountStatus moves an account to status. Transitions outside the
// adjacency table return ErrInvalidTransition and leave the record unchanged.
// Entering checking starts a new onboarding run and clears verified_at until
// that run reaches MarkReady.
func (s *SQLiteStore) UpdateAccountStatus(ctx context.Context, id, status string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := transition(ctx, tx, id, status); err != nil {
			return err
		}
		query := "UPDATE accounts SET status = ? WHERE id = ?"
		if status == model.StatusChecking {
			query = "UPDATE accounts SET status = ?, verified_at = NULL WHERE id = ?"
		}
		if _, err := tx.ExecContext(ctx, query, status, id); err != nil {
			return fmt.Errorf("update account status: %w", err)
		}
		return nil
	})
}

// MarkReady promotes an account to ready, clears its failure state and
// stamps verified_at.
func (s *SQLiteStore) MarkReady(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := transition(ctx, tx, id, model.StatusReady); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET status = ?, fail_count = 0, failure_type = NULL,
				last_error = NULL, failed_at = NULL, verified_at = ?
			WHERE id = ?`, model.StatusReady, s.now(), id); err != nil {
			return fmt.Errorf("mark account ready: %w", err)
		}
		return nil
	})
}

// SetWorkspace records the workspace a deploy produced. A changed workspace
// invalidates the cached health check result.
func (s *SQLiteStore) SetWorkspace(ctx context.Context, id, workspace string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		a, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		query := "UPDATE accounts SET workspace = ? WHERE id = ?"
		if a.Workspace != workspace {
			query = `UPDATE accounts SET workspace = ?, last_health_check = NULL,
				health_check_result = NULL WHERE id = ?`
		}
		if _, err := tx.ExecContext(ctx, query, nullString(workspace), id); err != nil {
			return fmt.Errorf("set workspace: %w", err)
		}
		return nil
	})
}

// UpdateHealthCheck caches a probe outcome with the current time.
func (s *SQLiteStore) UpdateHealthCheck(ctx context.Context, id, result string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET last_health_check = ?, health_check_result = ? WHERE id = ?",
		s.now(), nullString(s.detail(result)), id,
	)
	if err != nil {
		return fmt.Errorf("update health check: %w", err)
	}
	return checkAffected(res)
}

// RecordUse increments use_count, stamps last_used and resets fail_count
// after a successful dispatch.
func (s *SQLiteStore) RecordUse(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET use_count = use_count + 1, last_used = ?, fail_count = 0 WHERE id = ?",
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("record account use: %w", err)
	}
	return checkAffected(res)
}

// MarkFailed classifies errText and applies the failure policy.
// A manual_only failure disables the account at once. Any other failure
// increments fail_count and moves the account to failed, or to disabled once
// fail_count reaches maxFailCount. maxFailCount <= 0 disables escalation.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errText string, maxFailCount int) (*model.Account, error) {
	t, _ := failure.Classify(errText)
	return s.MarkFailedAs(ctx, id, t, errText, maxFailCount)
}

// MarkFailedAs applies the failure policy for an already classified failure.
func (s *SQLiteStore) MarkFailedAs(ctx context.Context, id string, t failure.Type, errText string, maxFailCount int) (*model.Account, error) {
	var updated *model.Account
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}

		failCount := current.FailCount + 1
		target := model.StatusFailed
		if failure.PolicyFor(t) == failure.ManualOnly ||
			(maxFailCount > 0 && failCount >= maxFailCount) {
			target = model.StatusDisabled
		}
		if !model.ValidTransition(current.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, target)
		}

		now := s.now()
		lastError := s.detail(errText)
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET status = ?, fail_count = ?, failure_type = ?,
				last_error = ?, failed_at = ?
			WHERE id = ?`,
			target, failCount, string(t), nullString(lastError), now, id,
		); err != nil {
			return fmt.Errorf("mark account failed: %w", err)
		}

		current.Status = target
		current.FailCount = failCount
		current.FailureType = string(t)
		current.LastError = lastError
		current.FailedAt = &now
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RecoverFailedAccounts returns failed accounts to ready once their failure
// is older than cooldown. Only auto_recover failures on accounts whose
// current workspace completed onboarding qualify; manual_only failures wait
// for an operator, and failures during onboarding need a redeploy. Each account
// passes through checking so both hops are validated against the transition
// table. It returns the recovered ids.
func (s *SQLiteStore) RecoverFailedAccounts(ctx context.Context, cooldown time.Duration) ([]string, error) {
	var recovered []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []accountRow
		if err := tx.SelectContext(ctx, &rows,
			`SELECT `+accountColumns+` FROM accounts WHERE status = ?`, model.StatusFailed); err != nil {
			return fmt.Errorf("list failed accounts: %w", err)
		}

		now := s.now()
		for i := range rows {
			a := rows[i].toModel()
			if !RecoveryDue(a, cooldown, now) {
				continue
			}
			if !model.ValidTransition(a.Status, model.StatusChecking) ||
				!model.ValidTransition(model.StatusChecking, model.StatusReady) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE accounts SET status = ?, failure_type = NULL, failed_at = NULL
				WHERE id = ? AND status = ?`,
				model.StatusReady, a.ID, model.StatusFailed,
			); err != nil {
				return fmt.Errorf("recover account %s: %w", a.ID, err)
			}
			recovered = append(recovered, a.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// RecoveryDue reports whether a failed account qualifies for automatic
// recovery to ready at now.
func RecoveryDue(a *model.Account, cooldown time.Duration, now time.Time) bool {
	if a.Status != model.StatusFailed || a.FailedAt == nil || !a.Verified() {
		return false
	}
	if failure.PolicyFor(failure.Parse(a.FailureType)) != failure.AutoRecover {
		return false
	}
	return now.Sub(*a.FailedAt) > cooldown
}

// EnableAccount is the operator override for a disabled account. It clears
// the failure state and returns the account to pending for a fresh
// onboarding run.
func (s *SQLiteStore) EnableAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := transition(ctx, tx, id, model.StatusPending); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET status = ?, fail_count = 0, failure_type = NULL,
				last_error = NULL, failed_at = NULL
			WHERE id = ?`, model.StatusPending, id); err != nil {
			return fmt.Errorf("enable account: %w", err)
		}
		return nil
	})
}

// DeleteAccount hard-deletes an account together with its warm-up state,
// events and sealed credentials.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		a, err := getAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		stmts := []struct {
			query string
			arg   string
		}{
			{"DELETE FROM warmup_state WHERE account_id = ?", id},
			{"DELETE FROM events WHERE account_id = ?", id},
			{"DELETE FROM secrets WHERE ref = ?", a.SecretRef},
			{"DELETE FROM accounts WHERE id = ?", id},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.arg); err != nil {
				return fmt.Errorf("delete account: %w", err)
			}
		}
		return nil
	})
}

// GetAccountStats returns account counts by status and failure type.
func (s *SQLiteStore) GetAccountStats(ctx context.Context) (*AccountStats, error) {
	stats := &AccountStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	var byStatus []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &byStatus,
		"SELECT status, COUNT(*) AS n FROM accounts GROUP BY status"); err != nil {
		return nil, fmt.Errorf("count accounts by status: %w", err)
	}
	for _, r := range byStatus {
		stats.CountByStatus[r.Status] = r.Count
		stats.Total += r.Count
	}

	var byType []struct {
		Type  string `db:"failure_type"`
		Count int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &byType,
		`SELECT failure_type, COUNT(*) AS n FROM accounts
		WHERE failure_type IS NOT NULL GROUP BY failure_type`); err != nil {
		return nil, fmt.Errorf("count accounts by failure type: %w", err)
	}
	for _, r := range byType {
		stats.CountByType[r.Type] = r.Count
	}

	return stats, nil
}
