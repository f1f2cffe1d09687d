package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// PutChain upserts an approval chain.
func (s *Store) PutChain(ctx context.Context, chain domain.ApprovalChain) error {
	roles, err := encodeJSON(chain.Roles, "[]")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO approval_chains (id, quote_id, roles_json, current_step, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quote_id = excluded.quote_id,
			roles_json = excluded.roles_json,
			current_step = excluded.current_step`,
		chain.ID, chain.QuoteID, roles, chain.CurrentStep, toMillis(chain.CreatedAt))
	if err != nil {
		return fmt.Errorf("put approval chain: %w", err)
	}
	return nil
}

// GetChain loads one approval chain by id.
func (s *Store) GetChain(ctx context.Context, id string) (domain.ApprovalChain, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, quote_id, roles_json, current_step, created_at FROM approval_chains WHERE id = ?`, id)

	var chain domain.ApprovalChain
	var roles string
	var createdAt int64
	err := row.Scan(&chain.ID, &chain.QuoteID, &roles, &chain.CurrentStep, &createdAt)
	if err == sql.ErrNoRows {
		return domain.ApprovalChain{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.ApprovalChain{}, fmt.Errorf("get approval chain: %w", err)
	}
	if err := decodeJSON(roles, &chain.Roles); err != nil {
		return domain.ApprovalChain{}, fmt.Errorf("decode chain roles: %w", err)
	}
	chain.CreatedAt = fromMillis(createdAt)
	return chain, nil
}

// PutRequest upserts an approval request.
func (s *Store) PutRequest(ctx context.Context, request domain.ApprovalRequest) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO approval_requests (
			id, quote_id, snapshot_id, chain_id, step_index, required_role,
			policy_id, reason, status, decided_by, decided_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot_id = excluded.snapshot_id,
			chain_id = excluded.chain_id,
			step_index = excluded.step_index,
			required_role = excluded.required_role,
			policy_id = excluded.policy_id,
			reason = excluded.reason,
			status = excluded.status,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at`,
		request.ID, request.QuoteID, request.SnapshotID, request.ChainID,
		request.StepIndex, request.RequiredRole, request.PolicyID, request.Reason,
		string(request.Status), request.DecidedBy, toNullMillis(request.DecidedAt),
		toMillis(request.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put approval request: %w", err)
	}
	return nil
}

// GetRequest loads one approval request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, quote_id, snapshot_id, chain_id, step_index, required_role,
			policy_id, reason, status, decided_by, decided_at, created_at
		FROM approval_requests WHERE id = ?`, id)
	request, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return domain.ApprovalRequest{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("get approval request: %w", err)
	}
	return request, nil
}

// ListRequestsByQuote returns the quote's requests, oldest first.
func (s *Store) ListRequestsByQuote(ctx context.Context, quoteID string) ([]domain.ApprovalRequest, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, quote_id, snapshot_id, chain_id, step_index, required_role,
			policy_id, reason, status, decided_by, decided_at, created_at
		FROM approval_requests WHERE quote_id = ?
		ORDER BY created_at, id`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var requests []domain.ApprovalRequest
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// PendingRequest returns the quote's open request, if any.
func (s *Store) PendingRequest(ctx context.Context, quoteID string) (domain.ApprovalRequest, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, quote_id, snapshot_id, chain_id, step_index, required_role,
			policy_id, reason, status, decided_by, decided_at, created_at
		FROM approval_requests
		WHERE quote_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		quoteID, string(domain.ApprovalPending))
	request, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return domain.ApprovalRequest{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("pending approval request: %w", err)
	}
	return request, nil
}

func scanRequest(row rowScanner) (domain.ApprovalRequest, error) {
	var request domain.ApprovalRequest
	var status string
	var decidedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&request.ID, &request.QuoteID, &request.SnapshotID,
		&request.ChainID, &request.StepIndex, &request.RequiredRole,
		&request.PolicyID, &request.Reason, &status, &request.DecidedBy,
		&decidedAt, &createdAt); err != nil {
		return domain.ApprovalRequest{}, err
	}
	request.Status = domain.ApprovalStatus(status)
	request.DecidedAt = fromNullMillis(decidedAt)
	request.CreatedAt = fromMillis(createdAt)
	return request, nil
}
