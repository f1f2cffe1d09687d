// Package policy decides whether a priced quote may proceed without human
// review.
//
// Every applicable policy row is evaluated; nothing short-circuits. When
// several rows of the same family match, the most restrictive wins: the
// lowest auto-approval ceiling for discount caps, the most senior required
// role otherwise, with ties broken by lowest policy id. A malformed stored
// condition is an operator-facing data error that aborts the whole
// evaluation instead of being skipped.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// Status is the overall outcome of a policy evaluation.
type Status string

const (
	// StatusAutoApproved indicates no policy requires review.
	StatusAutoApproved Status = "auto_approved"
	// StatusApprovalRequired indicates at least one violation routes to an
	// approver role.
	StatusApprovalRequired Status = "approval_required"
	// StatusBlocked indicates a blocking policy rejects the quote outright.
	StatusBlocked Status = "blocked"
)

// roleRank orders approver roles least to most senior. Unknown roles rank
// above known ones so a new role is never silently treated as junior.
var roleRank = map[string]int{
	"sales_manager":  1,
	"sales_director": 2,
	"vp_sales":       3,
	"finance":        4,
	"cfo":            5,
}

// RankRole returns the seniority rank of an approver role.
func RankRole(role string) int {
	if rank, ok := roleRank[strings.ToLower(role)]; ok {
		return rank
	}
	return len(roleRank) + 1
}

// Violation names one policy the priced quote does not satisfy.
type Violation struct {
	PolicyID      string `json:"policy_id"`
	PolicyVersion int    `json:"policy_version"`
	// Family is "discount_cap" or the threshold type.
	Family string `json:"family"`
	// RequiredApproverRole is empty for blocking violations.
	RequiredApproverRole string `json:"required_approver_role,omitempty"`
	Blocking             bool   `json:"blocking,omitempty"`
	// Observed and Limit are canonical decimal text where numeric.
	Observed string `json:"observed,omitempty"`
	Limit    string `json:"limit,omitempty"`
	Message  string `json:"message"`
}

// Result is the complete, language-model-free policy decision.
type Result struct {
	Status     Status      `json:"status"`
	Violations []Violation `json:"violations"`
	// AutoApprovedPolicies lists the ids of evaluated rows that passed.
	AutoApprovedPolicies []string `json:"auto_approved_policies"`
	// RequiredRoles is the ordered approval chain, least to most senior,
	// one entry per distinct role across the winning violations.
	RequiredRoles []string `json:"required_roles,omitempty"`
}

// Evaluator evaluates stored policies against priced snapshots.
type Evaluator struct {
	Policies storage.PolicyReader
	Catalog  storage.CatalogReader
	Clock    func() time.Time
}

// NewEvaluator creates a policy evaluator reading through the given stores.
func NewEvaluator(policies storage.PolicyReader, catalog storage.CatalogReader) *Evaluator {
	return &Evaluator{Policies: policies, Catalog: catalog}
}

func (e *Evaluator) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

// AutoDiscountCap returns the lowest auto-approval discount ceiling across
// the discount policies matching the quote's lines, together with the id of
// the winning policy. An invalid result means no discount policy is in
// scope.
func (e *Evaluator) AutoDiscountCap(ctx context.Context, quote domain.Quote, lines []domain.QuoteLine) (decimal.NullDecimal, string, error) {
	policies, err := e.matchingDiscountPolicies(ctx, quote, lines)
	if err != nil {
		return decimal.NullDecimal{}, "", err
	}
	var ceiling decimal.NullDecimal
	winner := ""
	for _, p := range policies {
		if !ceiling.Valid || p.MaxAutoPercent.LessThan(ceiling.Decimal) ||
			(p.MaxAutoPercent.Equal(ceiling.Decimal) && p.ID < winner) {
			ceiling = decimal.NewNullDecimal(p.MaxAutoPercent)
			winner = p.ID
		}
	}
	return ceiling, winner, nil
}

// matchingDiscountPolicies collects active discount policies whose scope
// covers at least one quote line, deduplicated by id, ordered by id.
func (e *Evaluator) matchingDiscountPolicies(ctx context.Context, quote domain.Quote, lines []domain.QuoteLine) ([]domain.DiscountPolicy, error) {
	byID := make(map[string]domain.DiscountPolicy)
	for _, line := range domain.SortLines(lines) {
		product, err := e.Catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("get product %s: %w", line.ProductID, err)
		}
		policies, err := e.Policies.ActiveDiscountPolicies(ctx, quote.Segment, product.Category)
		if err != nil {
			return nil, fmt.Errorf("active discount policies: %w", err)
		}
		for _, p := range policies {
			if p.Matches(quote.Segment, line.ProductID, product.Category) {
				byID[p.ID] = p
			}
		}
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	matched := make([]domain.DiscountPolicy, 0, len(ids))
	for _, id := range ids {
		matched = append(matched, byID[id])
	}
	return matched, nil
}

// Evaluate runs every applicable policy against the priced snapshot and
// returns the routing decision.
func (e *Evaluator) Evaluate(ctx context.Context, quote domain.Quote, lines []domain.QuoteLine, snapshot domain.QuotePricingSnapshot) (Result, error) {
	if e == nil || e.Policies == nil || e.Catalog == nil {
		return Result{}, fmt.Errorf("policy and catalog readers are required")
	}

	result := Result{Status: StatusAutoApproved}

	if err := e.evaluateDiscountCaps(ctx, quote, lines, &result); err != nil {
		return Result{}, err
	}
	if err := e.evaluateThresholds(ctx, quote, lines, snapshot, &result); err != nil {
		return Result{}, err
	}

	blocked := false
	for _, violation := range result.Violations {
		if violation.Blocking {
			blocked = true
			break
		}
	}
	switch {
	case blocked:
		result.Status = StatusBlocked
	case len(result.Violations) > 0:
		result.Status = StatusApprovalRequired
		result.RequiredRoles = requiredRoles(result.Violations)
	}
	sort.Strings(result.AutoApprovedPolicies)
	return result, nil
}

func (e *Evaluator) evaluateDiscountCaps(ctx context.Context, quote domain.Quote, lines []domain.QuoteLine, result *Result) error {
	policies, err := e.matchingDiscountPolicies(ctx, quote, lines)
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		return nil
	}
	ceiling, winner, err := e.AutoDiscountCap(ctx, quote, lines)
	if err != nil {
		return err
	}
	requested := quote.RequestedDiscountPct
	for _, p := range policies {
		if p.ID != winner || !requested.GreaterThan(ceiling.Decimal) {
			result.AutoApprovedPolicies = append(result.AutoApprovedPolicies, p.ID)
			continue
		}
		result.Violations = append(result.Violations, Violation{
			PolicyID:             p.ID,
			PolicyVersion:        p.Version,
			Family:               "discount_cap",
			RequiredApproverRole: p.RequiredRole,
			Observed:             requested.String(),
			Limit:                ceiling.Decimal.String(),
			Message:              fmt.Sprintf("requested discount %s%% exceeds auto-approval cap %s%%", requested.String(), ceiling.Decimal.String()),
		})
	}
	return nil
}

func (e *Evaluator) evaluateThresholds(ctx context.Context, quote domain.Quote, lines []domain.QuoteLine, snapshot domain.QuotePricingSnapshot, result *Result) error {
	thresholds, err := e.Policies.ActiveApprovalThresholds(ctx, quote.Segment)
	if err != nil {
		return fmt.Errorf("active approval thresholds: %w", err)
	}
	// Deterministic evaluation order regardless of storage ordering.
	sort.SliceStable(thresholds, func(i, j int) bool {
		if thresholds[i].ThresholdType != thresholds[j].ThresholdType {
			return thresholds[i].ThresholdType < thresholds[j].ThresholdType
		}
		return thresholds[i].ID < thresholds[j].ID
	})

	// One winner per threshold type; losers of the same type that also fire
	// still pass through as auto-approved ids so the trace shows they ran.
	winners := make(map[domain.ThresholdType]*Violation)
	for _, threshold := range thresholds {
		if !threshold.Active {
			continue
		}
		violation, fired, err := e.evaluateThreshold(ctx, quote, lines, snapshot, threshold)
		if err != nil {
			return err
		}
		if !fired {
			result.AutoApprovedPolicies = append(result.AutoApprovedPolicies, threshold.ID)
			continue
		}
		current, ok := winners[threshold.ThresholdType]
		if !ok || moreRestrictive(violation, *current) {
			if ok {
				result.AutoApprovedPolicies = append(result.AutoApprovedPolicies, current.PolicyID)
			}
			v := violation
			winners[threshold.ThresholdType] = &v
			continue
		}
		result.AutoApprovedPolicies = append(result.AutoApprovedPolicies, violation.PolicyID)
	}

	types := make([]string, 0, len(winners))
	for thresholdType := range winners {
		types = append(types, string(thresholdType))
	}
	sort.Strings(types)
	for _, thresholdType := range types {
		result.Violations = append(result.Violations, *winners[domain.ThresholdType(thresholdType)])
	}
	return nil
}

// moreRestrictive orders same-family violations: blocking beats routing,
// then higher role rank, then lower policy id.
func moreRestrictive(a, b Violation) bool {
	if a.Blocking != b.Blocking {
		return a.Blocking
	}
	if ra, rb := RankRole(a.RequiredApproverRole), RankRole(b.RequiredApproverRole); ra != rb {
		return ra > rb
	}
	return a.PolicyID < b.PolicyID
}

func (e *Evaluator) evaluateThreshold(ctx context.Context, quote domain.Quote, lines []domain.QuoteLine, snapshot domain.QuotePricingSnapshot, threshold domain.ApprovalThreshold) (Violation, bool, error) {
	switch threshold.ThresholdType {
	case domain.ThresholdDealSize:
		return e.evaluateDealSize(snapshot, threshold)
	case domain.ThresholdMarginFloor:
		return e.evaluateMarginFloor(ctx, lines, snapshot, threshold)
	case domain.ThresholdTemporal:
		return e.evaluateTemporal(quote, threshold)
	case domain.ThresholdProduct:
		return e.evaluateProduct(lines, threshold)
	default:
		return Violation{}, false, malformed(threshold, fmt.Errorf("unknown threshold type %q", threshold.ThresholdType))
	}
}

func (e *Evaluator) evaluateDealSize(snapshot domain.QuotePricingSnapshot, threshold domain.ApprovalThreshold) (Violation, bool, error) {
	var condition domain.DealSizeCondition
	if err := decodeCondition(threshold, &condition); err != nil {
		return Violation{}, false, err
	}
	minTotal, err := decimal.NewFromString(condition.MinTotal)
	if err != nil {
		return Violation{}, false, malformed(threshold, fmt.Errorf("min_total %q is not a decimal", condition.MinTotal))
	}
	if snapshot.Total.LessThan(minTotal) {
		return Violation{}, false, nil
	}
	return Violation{
		PolicyID:             threshold.ID,
		PolicyVersion:        threshold.Version,
		Family:               string(threshold.ThresholdType),
		RequiredApproverRole: threshold.RequiredRole,
		Blocking:             threshold.Blocking,
		Observed:             snapshot.Total.String(),
		Limit:                minTotal.String(),
		Message:              fmt.Sprintf("deal total %s reaches review threshold %s", snapshot.Total.String(), minTotal.String()),
	}, true, nil
}

// evaluateMarginFloor computes margin over the lines whose products carry
// cost data. When no line has cost data the threshold cannot fire.
func (e *Evaluator) evaluateMarginFloor(ctx context.Context, lines []domain.QuoteLine, snapshot domain.QuotePricingSnapshot, threshold domain.ApprovalThreshold) (Violation, bool, error) {
	var condition domain.MarginFloorCondition
	if err := decodeCondition(threshold, &condition); err != nil {
		return Violation{}, false, err
	}
	floor, err := decimal.NewFromString(condition.MinMarginPercent)
	if err != nil {
		return Violation{}, false, malformed(threshold, fmt.Errorf("min_margin_percent %q is not a decimal", condition.MinMarginPercent))
	}

	bySnapshotLine := make(map[string]domain.SnapshotLine, len(snapshot.Lines))
	for _, line := range snapshot.Lines {
		bySnapshotLine[line.LineID] = line
	}

	revenue := decimal.Zero
	cost := decimal.Zero
	costed := false
	for _, line := range lines {
		priced, ok := bySnapshotLine[line.ID]
		if !ok {
			continue
		}
		product, err := e.Catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return Violation{}, false, fmt.Errorf("get product %s: %w", line.ProductID, err)
		}
		if !product.CostPrice.Valid {
			continue
		}
		costed = true
		revenue = revenue.Add(priced.Subtotal.Sub(priced.DiscountAmount))
		cost = cost.Add(product.CostPrice.Decimal.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if !costed || revenue.IsZero() {
		return Violation{}, false, nil
	}
	margin := domain.EffectivePercent(revenue.Sub(cost), revenue)
	if !margin.LessThan(floor) {
		return Violation{}, false, nil
	}
	return Violation{
		PolicyID:             threshold.ID,
		PolicyVersion:        threshold.Version,
		Family:               string(threshold.ThresholdType),
		RequiredApproverRole: threshold.RequiredRole,
		Blocking:             threshold.Blocking,
		Observed:             margin.String(),
		Limit:                floor.String(),
		Message:              fmt.Sprintf("margin %s%% is below floor %s%%", margin.String(), floor.String()),
	}, true, nil
}

func (e *Evaluator) evaluateTemporal(quote domain.Quote, threshold domain.ApprovalThreshold) (Violation, bool, error) {
	var condition domain.TemporalCondition
	if err := decodeCondition(threshold, &condition); err != nil {
		return Violation{}, false, err
	}
	if condition.MaxValidityDays <= 0 && condition.EndOfPeriodDays <= 0 {
		return Violation{}, false, malformed(threshold, fmt.Errorf("temporal condition sets no bound"))
	}
	now := e.now()

	if condition.MaxValidityDays > 0 && !quote.TermEnd.IsZero() {
		limit := now.AddDate(0, 0, condition.MaxValidityDays)
		if quote.TermEnd.After(limit) {
			return Violation{
				PolicyID:             threshold.ID,
				PolicyVersion:        threshold.Version,
				Family:               string(threshold.ThresholdType),
				RequiredApproverRole: threshold.RequiredRole,
				Blocking:             threshold.Blocking,
				Observed:             quote.TermEnd.Format("2006-01-02"),
				Limit:                limit.Format("2006-01-02"),
				Message:              fmt.Sprintf("term end %s exceeds the %d-day validity window", quote.TermEnd.Format("2006-01-02"), condition.MaxValidityDays),
			}, true, nil
		}
	}
	if condition.EndOfPeriodDays > 0 {
		quarterEnd := endOfQuarter(now)
		if !now.Before(quarterEnd.AddDate(0, 0, -condition.EndOfPeriodDays)) {
			return Violation{
				PolicyID:             threshold.ID,
				PolicyVersion:        threshold.Version,
				Family:               string(threshold.ThresholdType),
				RequiredApproverRole: threshold.RequiredRole,
				Blocking:             threshold.Blocking,
				Observed:             now.Format("2006-01-02"),
				Limit:                quarterEnd.Format("2006-01-02"),
				Message:              fmt.Sprintf("quote falls inside the final %d days of the quarter", condition.EndOfPeriodDays),
			}, true, nil
		}
	}
	return Violation{}, false, nil
}

// endOfQuarter returns the first instant after the calendar quarter
// containing t, in UTC.
func endOfQuarter(t time.Time) time.Time {
	t = t.UTC()
	quarterStartMonth := time.Month((int(t.Month())-1)/3*3 + 1)
	start := time.Date(t.Year(), quarterStartMonth, 1, 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 3, 0)
}

func (e *Evaluator) evaluateProduct(lines []domain.QuoteLine, threshold domain.ApprovalThreshold) (Violation, bool, error) {
	var condition domain.ProductCondition
	if err := decodeCondition(threshold, &condition); err != nil {
		return Violation{}, false, err
	}
	if strings.TrimSpace(condition.ProductID) == "" {
		return Violation{}, false, malformed(threshold, fmt.Errorf("product_id is empty"))
	}
	for _, line := range lines {
		if line.ProductID == condition.ProductID {
			return Violation{
				PolicyID:             threshold.ID,
				PolicyVersion:        threshold.Version,
				Family:               string(threshold.ThresholdType),
				RequiredApproverRole: threshold.RequiredRole,
				Blocking:             threshold.Blocking,
				Observed:             condition.ProductID,
				Message:              fmt.Sprintf("product %s requires review before finalization", condition.ProductID),
			}, true, nil
		}
	}
	return Violation{}, false, nil
}

// requiredRoles orders the distinct approver roles across violations least
// to most senior, forming the sequential approval chain.
func requiredRoles(violations []Violation) []string {
	seen := make(map[string]bool)
	var roles []string
	for _, violation := range violations {
		role := strings.TrimSpace(violation.RequiredApproverRole)
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	sort.SliceStable(roles, func(i, j int) bool {
		if ri, rj := RankRole(roles[i]), RankRole(roles[j]); ri != rj {
			return ri < rj
		}
		return roles[i] < roles[j]
	})
	return roles
}

func decodeCondition(threshold domain.ApprovalThreshold, target any) error {
	if len(threshold.ConditionJSON) == 0 {
		return malformed(threshold, fmt.Errorf("condition payload is empty"))
	}
	if err := threshold.DecodeCondition(target); err != nil {
		return malformed(threshold, err)
	}
	return nil
}

// malformed wraps a stored-policy data problem as an operator-facing error,
// distinct from a legitimate violation. Evaluation fails closed.
func malformed(threshold domain.ApprovalThreshold, cause error) error {
	return apperrors.WrapWithMetadata(apperrors.CodePolicyDataMalformed,
		fmt.Sprintf("approval threshold %s is malformed", threshold.ID),
		map[string]string{"PolicyID": threshold.ID, "ThresholdType": string(threshold.ThresholdType)},
		cause)
}
