package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutSecret inserts or replaces sealed ciphertext under ref.
func (s *SQLiteStore) PutSecret(ctx context.Context, ref, ciphertext string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (ref, ciphertext, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		ref, ciphertext, s.now(),
	)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// GetSecret returns the sealed ciphertext stored under ref.
func (s *SQLiteStore) GetSecret(ctx context.Context, ref string) (string, error) {
	var ciphertext string
	err := s.db.GetContext(ctx, &ciphertext, "SELECT ciphertext FROM secrets WHERE ref = ?", ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	return ciphertext, nil
}

// DeleteSecret removes ref. Deleting an unknown ref is not an error.
func (s *SQLiteStore) DeleteSecret(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE ref = ?", ref); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}
