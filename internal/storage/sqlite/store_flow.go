package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// PutFlowState writes flow state under the optimistic version guard.
// expectedVersion zero creates the row; otherwise the update commits only
// when the stored version still matches.
func (s *Store) PutFlowState(ctx context.Context, state domain.FlowState, expectedVersion int64) error {
	required, err := encodeJSON(state.RequiredFields, "[]")
	if err != nil {
		return err
	}
	missing, err := encodeJSON(state.MissingFields, "[]")
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(state.Metadata, "{}")
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		_, err := s.sqlDB.ExecContext(ctx, `
			INSERT INTO flow_states (
				quote_id, status, version, required_fields_json,
				missing_fields_json, metadata_json, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			state.QuoteID, domain.QuoteStatusLabel(state.Status), state.Version,
			required, missing, metadata, toMillis(state.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraint(err) {
				return storage.ErrVersionConflict
			}
			return fmt.Errorf("create flow state: %w", err)
		}
		return nil
	}

	result, err := s.sqlDB.ExecContext(ctx, `
		UPDATE flow_states SET
			status = ?, version = ?, required_fields_json = ?,
			missing_fields_json = ?, metadata_json = ?, updated_at = ?
		WHERE quote_id = ? AND version = ?`,
		domain.QuoteStatusLabel(state.Status), state.Version,
		required, missing, metadata, toMillis(state.UpdatedAt),
		state.QuoteID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update flow state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update flow state: %w", err)
	}
	if affected == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

// GetFlowState loads the quote's flow state.
func (s *Store) GetFlowState(ctx context.Context, quoteID string) (domain.FlowState, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT quote_id, status, version, required_fields_json,
			missing_fields_json, metadata_json, updated_at
		FROM flow_states WHERE quote_id = ?`, quoteID)

	var state domain.FlowState
	var status, required, missing, metadata string
	var updatedAt int64
	err := row.Scan(&state.QuoteID, &status, &state.Version,
		&required, &missing, &metadata, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.FlowState{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.FlowState{}, fmt.Errorf("get flow state: %w", err)
	}
	parsedStatus, err := domain.QuoteStatusFromLabel(status)
	if err != nil {
		return domain.FlowState{}, err
	}
	state.Status = parsedStatus
	if err := decodeJSON(required, &state.RequiredFields); err != nil {
		return domain.FlowState{}, fmt.Errorf("decode required fields: %w", err)
	}
	if err := decodeJSON(missing, &state.MissingFields); err != nil {
		return domain.FlowState{}, fmt.Errorf("decode missing fields: %w", err)
	}
	if err := decodeJSON(metadata, &state.Metadata); err != nil {
		return domain.FlowState{}, fmt.Errorf("decode flow metadata: %w", err)
	}
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}
