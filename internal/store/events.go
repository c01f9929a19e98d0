package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

const defaultEventLimit = 100

type eventRow struct {
	ID        string         `db:"id"`
	AccountID string         `db:"account_id"`
	Step      string         `db:"step"`
	Success   bool           `db:"success"`
	Detail    sql.NullString `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *eventRow) toModel() model.Event {
	return model.Event{
		ID:        r.ID,
		AccountID: r.AccountID,
		Step:      r.Step,
		Success:   r.Success,
		Detail:    r.Detail.String,
		CreatedAt: r.CreatedAt,
	}
}

// InsertEvent persists an audit event. Detail is redacted and truncated
// before it is written, and e is updated to match what was stored.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *model.Event) error {
	if e.ID == "" {
		e.ID = model.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.Detail = s.detail(e.Detail)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, account_id, step, success, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Step, e.Success, nullString(e.Detail), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events of an account in the order they
// were recorded. limit <= 0 uses a default.
func (s *SQLiteStore) ListEvents(ctx context.Context, accountID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, account_id, step, success, detail, created_at FROM (
			SELECT * FROM events WHERE account_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, accountID, limit); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]model.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toModel())
	}
	return events, nil
}
