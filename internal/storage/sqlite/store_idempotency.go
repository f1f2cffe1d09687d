package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReserveKey claims a key before side effects run. The second caller for
// the same key gets false and must wait for the stored outcome.
func (s *Store) ReserveKey(ctx context.Context, key string, at time.Time) (bool, error) {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, reserved_at, completed, outcome_json) VALUES (?, ?, 0, '')`,
		key, toMillis(at))
	if isUniqueConstraint(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return true, nil
}

// CompleteKey records the outcome for a reserved key.
func (s *Store) CompleteKey(ctx context.Context, key string, outcome []byte) error {
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE idempotency_keys SET completed = 1, outcome_json = ? WHERE key = ?`,
		string(outcome), key)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete idempotency key: key %q was never reserved", key)
	}
	return nil
}

// GetOutcome returns the stored outcome for a completed key. A reserved
// but unfinished key reports not-ok so callers can retry later.
func (s *Store) GetOutcome(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT completed, outcome_json FROM idempotency_keys WHERE key = ?`, key)

	var completed int
	var outcome string
	err := row.Scan(&completed, &outcome)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency outcome: %w", err)
	}
	if completed == 0 {
		return nil, false, nil
	}
	return []byte(outcome), true, nil
}
