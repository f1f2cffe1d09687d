package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

// ActiveDiscountPolicies returns active discount policies whose scope covers
// the segment and category, ordered by id.
func (s *Store) ActiveDiscountPolicies(ctx context.Context, segment, category string) ([]domain.DiscountPolicy, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, version, segment, product_id, category, max_auto_percent,
			required_role, priority, active, created_at
		FROM discount_policies
		WHERE active = 1
			AND (segment = '' OR segment = ? COLLATE NOCASE)
			AND (category = '' OR category = ? COLLATE NOCASE)
		ORDER BY id`, segment, category)
	if err != nil {
		return nil, fmt.Errorf("active discount policies: %w", err)
	}
	defer rows.Close()

	var policies []domain.DiscountPolicy
	for rows.Next() {
		var policy domain.DiscountPolicy
		var maxAuto string
		var active int64
		var createdAt int64
		if err := rows.Scan(&policy.ID, &policy.Version, &policy.Segment,
			&policy.ProductID, &policy.Category, &maxAuto,
			&policy.RequiredRole, &policy.Priority, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan discount policy: %w", err)
		}
		if policy.MaxAutoPercent, err = decimalFromText(maxAuto); err != nil {
			return nil, fmt.Errorf("decode max auto percent: %w", err)
		}
		policy.Active = active != 0
		policy.CreatedAt = fromMillis(createdAt)
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// ActiveApprovalThresholds returns active thresholds in segment scope,
// ordered by id.
func (s *Store) ActiveApprovalThresholds(ctx context.Context, segment string) ([]domain.ApprovalThreshold, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, version, threshold_type, segment, condition_json,
			required_role, blocking, priority, active, created_at
		FROM approval_thresholds
		WHERE active = 1 AND (segment = '' OR segment = ? COLLATE NOCASE)
		ORDER BY id`, segment)
	if err != nil {
		return nil, fmt.Errorf("active approval thresholds: %w", err)
	}
	defer rows.Close()

	var thresholds []domain.ApprovalThreshold
	for rows.Next() {
		var threshold domain.ApprovalThreshold
		var thresholdType, condition string
		var blocking, active, createdAt int64
		if err := rows.Scan(&threshold.ID, &threshold.Version, &thresholdType,
			&threshold.Segment, &condition, &threshold.RequiredRole,
			&blocking, &threshold.Priority, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan approval threshold: %w", err)
		}
		threshold.ThresholdType = domain.ThresholdType(thresholdType)
		threshold.ConditionJSON = json.RawMessage(condition)
		threshold.Blocking = blocking != 0
		threshold.Active = active != 0
		threshold.CreatedAt = fromMillis(createdAt)
		thresholds = append(thresholds, threshold)
	}
	return thresholds, rows.Err()
}

// PutDiscountPolicy inserts a discount policy row. Existing rows are frozen;
// a replacement must carry a strictly higher version so policy decisions
// already journaled stay reproducible.
func (s *Store) PutDiscountPolicy(ctx context.Context, policy domain.DiscountPolicy) error {
	res, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO discount_policies (
			id, version, segment, product_id, category, max_auto_percent,
			required_role, priority, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			segment = excluded.segment,
			product_id = excluded.product_id,
			category = excluded.category,
			max_auto_percent = excluded.max_auto_percent,
			required_role = excluded.required_role,
			priority = excluded.priority,
			active = excluded.active
		WHERE excluded.version > discount_policies.version`,
		policy.ID, policy.Version, policy.Segment, policy.ProductID, policy.Category,
		decimalText(policy.MaxAutoPercent), policy.RequiredRole, policy.Priority,
		boolToInt(policy.Active), toMillis(policy.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put discount policy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put discount policy: %w", err)
	}
	if affected == 0 {
		return apperrors.WithMetadata(apperrors.CodeReferenceDataImmutable,
			fmt.Sprintf("discount policy %s is frozen; edits need a higher version", policy.ID),
			map[string]string{"PolicyID": policy.ID})
	}
	return nil
}

// PutApprovalThreshold inserts an approval threshold row. Existing rows are
// frozen; a replacement must carry a strictly higher version.
func (s *Store) PutApprovalThreshold(ctx context.Context, threshold domain.ApprovalThreshold) error {
	condition := string(threshold.ConditionJSON)
	if strings.TrimSpace(condition) == "" {
		condition = "{}"
	}
	res, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO approval_thresholds (
			id, version, threshold_type, segment, condition_json,
			required_role, blocking, priority, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			threshold_type = excluded.threshold_type,
			segment = excluded.segment,
			condition_json = excluded.condition_json,
			required_role = excluded.required_role,
			blocking = excluded.blocking,
			priority = excluded.priority,
			active = excluded.active
		WHERE excluded.version > approval_thresholds.version`,
		threshold.ID, threshold.Version, string(threshold.ThresholdType),
		threshold.Segment, condition, threshold.RequiredRole,
		boolToInt(threshold.Blocking), threshold.Priority,
		boolToInt(threshold.Active), toMillis(threshold.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put approval threshold: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put approval threshold: %w", err)
	}
	if affected == 0 {
		return apperrors.WithMetadata(apperrors.CodeReferenceDataImmutable,
			fmt.Sprintf("approval threshold %s is frozen; edits need a higher version", threshold.ID),
			map[string]string{"ThresholdID": threshold.ID})
	}
	return nil
}
