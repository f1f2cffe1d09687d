package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// PutSnapshot stores an immutable pricing snapshot. The full snapshot
// persists as canonical JSON; indexed columns exist only for lookups.
func (s *Store) PutSnapshot(ctx context.Context, snapshot domain.QuotePricingSnapshot) error {
	payload, err := snapshot.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO pricing_snapshots (id, quote_id, quote_version, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.QuoteID, snapshot.QuoteVersion,
		string(payload), toMillis(snapshot.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (domain.QuotePricingSnapshot, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload_json FROM pricing_snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

// LatestSnapshot returns the quote's most recent snapshot.
func (s *Store) LatestSnapshot(ctx context.Context, quoteID string) (domain.QuotePricingSnapshot, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT payload_json FROM pricing_snapshots
		WHERE quote_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, quoteID)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (domain.QuotePricingSnapshot, error) {
	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.QuotePricingSnapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.QuotePricingSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snapshot domain.QuotePricingSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return domain.QuotePricingSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}
