// Package constraint validates quote configurations against stored rules.
//
// All active rules in scope are evaluated in ascending priority then stable
// insertion order; evaluation never short-circuits, so the result carries the
// complete violation set. Malformed stored conditions are data errors and
// abort the pass instead of being skipped.
package constraint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// Violation describes one failed rule with remediation context.
type Violation struct {
	RuleID         string                `json:"rule_id"`
	RuleVersion    int                   `json:"rule_version"`
	ConstraintType domain.ConstraintType `json:"constraint_type"`
	Message        string                `json:"message"`
	// ProductIDs names the products involved in the violation.
	ProductIDs []string `json:"product_ids,omitempty"`
	// SuggestedFix is present only when the rule's stored template could be
	// deterministically filled from quote state; it is never guessed.
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Result is the complete outcome of one constraint evaluation.
type Result struct {
	Valid      bool        `json:"valid"`
	RuleIDs    []string    `json:"rule_ids"`
	Violations []Violation `json:"violations"`
}

// Evaluator checks configurations against the catalog's constraint rules.
type Evaluator struct {
	Catalog storage.CatalogReader
}

// NewEvaluator creates a constraint evaluator reading through catalog.
func NewEvaluator(catalog storage.CatalogReader) *Evaluator {
	return &Evaluator{Catalog: catalog}
}

// Evaluate validates the candidate line set against all matching active
// rules. Rules are read at evaluation time, never cached.
func (e *Evaluator) Evaluate(ctx context.Context, quote domain.Quote, lines []domain.QuoteLine) (Result, error) {
	if e == nil || e.Catalog == nil {
		return Result{}, fmt.Errorf("catalog reader is required")
	}

	ordered := domain.SortLines(lines)
	productIDs := make([]string, 0, len(ordered))
	seen := make(map[string]bool, len(ordered))
	for _, line := range ordered {
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			productIDs = append(productIDs, line.ProductID)
		}
	}

	rules, err := e.Catalog.FindConstraintRules(ctx, productIDs)
	if err != nil {
		return Result{}, fmt.Errorf("find constraint rules: %w", err)
	}
	// Ascending priority; stable sort preserves insertion order within a
	// priority band.
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	result := Result{Valid: true}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		result.RuleIDs = append(result.RuleIDs, rule.ID)
		violations, err := e.evaluateRule(ctx, rule, quote, ordered)
		if err != nil {
			return Result{}, err
		}
		result.Violations = append(result.Violations, violations...)
	}
	result.Valid = len(result.Violations) == 0
	return result, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule domain.ConstraintRule, quote domain.Quote, lines []domain.QuoteLine) ([]Violation, error) {
	switch rule.ConstraintType {
	case domain.ConstraintRequires:
		return e.evaluateRequires(ctx, rule, lines)
	case domain.ConstraintExcludes:
		return e.evaluateExcludes(ctx, rule, lines)
	case domain.ConstraintAttribute:
		return e.evaluateAttribute(rule, lines)
	case domain.ConstraintQuantity:
		return e.evaluateQuantity(ctx, rule, lines)
	case domain.ConstraintBundle:
		return e.evaluateBundle(ctx, rule, lines)
	case domain.ConstraintCrossProduct:
		return e.evaluateCrossProduct(ctx, rule, lines)
	default:
		return nil, malformed(rule, fmt.Errorf("unknown constraint type %q", rule.ConstraintType))
	}
}

func (e *Evaluator) evaluateRequires(ctx context.Context, rule domain.ConstraintRule, lines []domain.QuoteLine) ([]Violation, error) {
	var condition domain.RequiresCondition
	if err := decodeCondition(rule, &condition); err != nil {
		return nil, err
	}
	if strings.TrimSpace(condition.RequiredProductID) == "" {
		return nil, malformed(rule, errors.New("required_product_id is empty"))
	}
	if !containsProduct(lines, rule.SourceProductID) {
		return nil, nil
	}
	if containsProduct(lines, condition.RequiredProductID) {
		return nil, nil
	}
	violation := Violation{
		RuleID:         rule.ID,
		RuleVersion:    rule.Version,
		ConstraintType: rule.ConstraintType,
		Message:        rule.Message,
		ProductIDs:     []string{rule.SourceProductID, condition.RequiredProductID},
	}
	violation.SuggestedFix = e.fillTemplate(ctx, rule.SuggestionTemplate, map[string]string{
		"required_product": condition.RequiredProductID,
		"product":          rule.SourceProductID,
	})
	return []Violation{violation}, nil
}

func (e *Evaluator) evaluateExcludes(ctx context.Context, rule domain.ConstraintRule, lines []domain.QuoteLine) ([]Violation, error) {
	var condition domain.ExcludesCondition
	if err := decodeCondition(rule, &condition); err != nil {
		return nil, err
	}
	if strings.TrimSpace(condition.ExcludedProductID) == "" {
		return nil, malformed(rule, errors.New("excluded_product_id is empty"))
	}
	if !containsProduct(lines, rule.SourceProductID) || !containsProduct(lines, condition.ExcludedProductID) {
		return nil, nil
	}
	violation := Violation{
		RuleID:         rule.ID,
		RuleVersion:    rule.Version,
		ConstraintType: rule.ConstraintType,
		Message:        rule.Message,
		ProductIDs:     []string{rule.SourceProductID, condition.ExcludedProductID},
	}
	violation.SuggestedFix = e.fillTemplate(ctx, rule.SuggestionTemplate, map[string]string{
		"excluded_product": condition.ExcludedProductID,
		"product":          rule.SourceProductID,
	})
	return []Violation{violation}, nil
}

func (e *Evaluator) evaluateAttribute(rule domain.ConstraintRule, lines []domain.QuoteLine) ([]Violation, error) {
	var condition domain.AttributeCondition
	if err := decodeCondition(rule, &condition); err != nil {
		return nil, err
	}
	condition.Attribute = strings.TrimSpace(condition.Attribute)
	if condition.Attribute == "" {
		return nil, malformed(rule, errors.New("attribute is empty"))
	}

	var violations []Violation
	for _, line := range lines {
		if rule.SourceProductID != "" && line.ProductID != rule.SourceProductID {
			continue
		}
		value, ok := line.Attributes[condition.Attribute]
		satisfied, err := attributeSatisfied(condition, value, ok)
		if err != nil {
			return nil, malformed(rule, err)
		}
		if satisfied {
			continue
		}
		violations = append(violations, Violation{
			RuleID:         rule.ID,
			RuleVersion:    rule.Version,
			ConstraintType: rule.ConstraintType,
			Message:        rule.Message,
			ProductIDs:     []string{line.ProductID},
		})
	}
	return violations, nil
}

func (e *Evaluator) evaluateQuantity(ctx context.Context, rule domain.ConstraintRule, lines []domain.QuoteLine) ([]Violation, error) {
	var condition domain.QuantityCondition
	if err := decodeCondition(rule, &condition); err != nil {
		return nil, err
	}
	if condition.Min < 0 || (condition.Max != 0 && condition.Max < condition.Min) {
		return nil, malformed(rule, errors.New("quantity bounds are invalid"))
	}
	total := 0
	present := false
	for _, line := range lines {
		if rule.SourceProductID != "" && line.ProductID != rule.SourceProductID {
			continue
		}
		present = true
		total += line.Quantity
	}
	if !present {
		return nil, nil
	}
	if total >= condition.Min && (condition.Max == 0 || total <= condition.Max) {
		return nil, nil
	}
	violation := Violation{
		RuleID:         rule.ID,
		RuleVersion:    rule.Version,
		ConstraintType: rule.ConstraintType,
		Message:        rule.Message,
		ProductIDs:     []string{rule.SourceProductID},
	}
	violation.SuggestedFix = e.fillTemplate(ctx, rule.SuggestionTemplate, map[string]string{
		"product":  rule.SourceProductID,
		"min":      strconv.Itoa(condition.Min),
		"max":      strconv.Itoa(condition.Max),
		"quantity": strconv.Itoa(total),
	})
	return []Violation{violation}, nil
}

func (e *Evaluator) evaluateBundle(ctx context.Context, rule domain.ConstraintRule, lines []domain.QuoteLine) ([]Violation, error) {
	var condition domain.BundleCondition
	if err := decodeCondition(rule, &condition); err != nil {
		return nil, err
	}
	if strings.TrimSpace(condition.BundleID) == "" {
		return nil, malformed(rule, errors.New("bundle_id is empty"))
	}
	bundle, err := e.Catalog.GetBundle(ctx, condition.BundleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, malformed(rule, fmt.Errorf("bundle %s does not exist", condition.BundleID))
		}
		return nil, fmt.Errorf("get bundle: %w", err)
	}

	quantities := make(map[string]int)
	for _, line := range lines {
		quantities[line.ProductID] += line.Quantity
	}
	// Bundle rules fire only when at least one component is present.
	anyPresent := false
	for _, component := range bundle.Components {
		if quantities[component.ProductID] > 0 {
			anyPresent = true
			break
		}
	}
	if !anyPresent {
		return nil, nil
	}

	var violations []Violation
	for _, component := range bundle.Components {
		quantity := quantities[component.ProductID]
		if component.Optional && quantity == 0 {
			continue
		}
		if quantity >= component.MinCount && (component.MaxCount == 0 || quantity <= component.MaxCount) {
			continue
		}
		violation := Violation{
			RuleID:         rule.ID,
			RuleVersion:    rule.Version,
			ConstraintType: rule.ConstraintType,
			Message:        rule.Message,
			ProductIDs:     []string{component.ProductID},
		}
		violation.SuggestedFix = e.fillTemplate(ctx, rule.SuggestionTemplate, map[string]string{
			"bundle":           bundle.Name,
			"required_product": component.ProductID,
			"min":              strconv.Itoa(component.MinCount),
			"max":              strconv.Itoa(component.MaxCount),
			"quantity":         strconv.Itoa(quantity),
		})
		violations = append(violations, violation)
	}
	return violations, nil
}

func (e *Evaluator) evaluateCrossProduct(ctx context.Context, rule domain.ConstraintRule, lines []domain.QuoteLine) ([]Violation, error) {
	var condition domain.CrossProductCondition
	if err := decodeCondition(rule, &condition); err != nil {
		return nil, err
	}

	var actual int64
	metric := strings.TrimSpace(condition.Metric)
	switch {
	case metric == "total_quantity":
		for _, line := range lines {
			actual += int64(line.Quantity)
		}
	case metric == "line_count":
		actual = int64(len(lines))
	case strings.HasPrefix(metric, "attribute_sum:"):
		attribute := strings.TrimPrefix(metric, "attribute_sum:")
		if attribute == "" {
			return nil, malformed(rule, errors.New("attribute_sum metric names no attribute"))
		}
		for _, line := range lines {
			raw, ok := line.Attributes[attribute]
			if !ok {
				continue
			}
			parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return nil, malformed(rule, fmt.Errorf("attribute %q on product %s is not an integer: %q", attribute, line.ProductID, raw))
			}
			actual += parsed * int64(line.Quantity)
		}
	default:
		return nil, malformed(rule, fmt.Errorf("unknown cross_product metric %q", condition.Metric))
	}

	satisfied, err := compareInt(actual, condition.Op, condition.Value)
	if err != nil {
		return nil, malformed(rule, err)
	}
	if satisfied {
		return nil, nil
	}
	violation := Violation{
		RuleID:         rule.ID,
		RuleVersion:    rule.Version,
		ConstraintType: rule.ConstraintType,
		Message:        rule.Message,
	}
	violation.SuggestedFix = e.fillTemplate(ctx, rule.SuggestionTemplate, map[string]string{
		"limit":  strconv.FormatInt(condition.Value, 10),
		"actual": strconv.FormatInt(actual, 10),
	})
	return []Violation{violation}, nil
}

// fillTemplate substitutes {placeholder} values into the stored suggestion
// template. Product ids are resolved to display names when the catalog knows
// them. When any placeholder stays unresolved the suggestion is omitted
// entirely rather than guessed.
func (e *Evaluator) fillTemplate(ctx context.Context, template string, values map[string]string) string {
	template = strings.TrimSpace(template)
	if template == "" {
		return ""
	}
	filled := template
	for key, value := range values {
		if strings.Contains(filled, "{"+key+"}") && value == "" {
			return ""
		}
		resolved := value
		if strings.HasSuffix(key, "product") && e.Catalog != nil {
			if product, err := e.Catalog.GetProduct(ctx, value); err == nil {
				resolved = product.Name
			}
		}
		filled = strings.ReplaceAll(filled, "{"+key+"}", resolved)
	}
	if strings.Contains(filled, "{") {
		return ""
	}
	return filled
}

func decodeCondition(rule domain.ConstraintRule, target any) error {
	if len(rule.ConditionJSON) == 0 {
		return malformed(rule, errors.New("condition payload is empty"))
	}
	if err := rule.DecodeCondition(target); err != nil {
		return malformed(rule, err)
	}
	return nil
}

// malformed wraps a stored-rule parse failure as an operator-facing data
// error, distinct from a business violation.
func malformed(rule domain.ConstraintRule, cause error) error {
	return apperrors.WrapWithMetadata(
		apperrors.CodeConstraintMalformed,
		fmt.Sprintf("constraint rule %s has a malformed condition: %v", rule.ID, cause),
		map[string]string{"RuleID": rule.ID, "ConstraintType": string(rule.ConstraintType)},
		cause,
	)
}

func containsProduct(lines []domain.QuoteLine, productID string) bool {
	if strings.TrimSpace(productID) == "" {
		return false
	}
	for _, line := range lines {
		if line.ProductID == productID {
			return true
		}
	}
	return false
}

func attributeSatisfied(condition domain.AttributeCondition, value string, present bool) (bool, error) {
	op := strings.ToLower(strings.TrimSpace(condition.Op))
	if op == "" {
		return false, errors.New("attribute op is empty")
	}
	if !present {
		return false, nil
	}
	switch op {
	case "eq":
		return compareAttr(value, condition.Value) == 0, nil
	case "ne":
		return compareAttr(value, condition.Value) != 0, nil
	case "lt":
		return compareAttr(value, condition.Value) < 0, nil
	case "lte":
		return compareAttr(value, condition.Value) <= 0, nil
	case "gt":
		return compareAttr(value, condition.Value) > 0, nil
	case "gte":
		return compareAttr(value, condition.Value) >= 0, nil
	case "in":
		for _, candidate := range condition.Values {
			if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(value)) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown attribute op %q", condition.Op)
	}
}

// compareAttr compares numerically when both sides parse as decimals and
// falls back to case-insensitive string comparison otherwise.
func compareAttr(left, right string) int {
	leftDec, leftErr := decimal.NewFromString(strings.TrimSpace(left))
	rightDec, rightErr := decimal.NewFromString(strings.TrimSpace(right))
	if leftErr == nil && rightErr == nil {
		return leftDec.Cmp(rightDec)
	}
	return strings.Compare(strings.ToLower(strings.TrimSpace(left)), strings.ToLower(strings.TrimSpace(right)))
}

func compareInt(actual int64, op string, limit int64) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "lte":
		return actual <= limit, nil
	case "gte":
		return actual >= limit, nil
	case "lt":
		return actual < limit, nil
	case "gt":
		return actual > limit, nil
	case "eq":
		return actual == limit, nil
	default:
		return false, fmt.Errorf("unknown cross_product op %q", op)
	}
}
