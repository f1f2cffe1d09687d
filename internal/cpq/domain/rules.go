package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConstraintType discriminates the stored rule classes.
type ConstraintType string

const (
	// ConstraintRequires demands a companion product when the source is present.
	ConstraintRequires ConstraintType = "requires"
	// ConstraintExcludes forbids mutual presence of two products.
	ConstraintExcludes ConstraintType = "excludes"
	// ConstraintAttribute checks a declared line attribute against a predicate.
	ConstraintAttribute ConstraintType = "attribute"
	// ConstraintQuantity bounds the quantity of a product or bundle.
	ConstraintQuantity ConstraintType = "quantity"
	// ConstraintBundle checks a bundle's exact component cardinalities.
	ConstraintBundle ConstraintType = "bundle"
	// ConstraintCrossProduct checks an aggregate predicate spanning lines.
	ConstraintCrossProduct ConstraintType = "cross_product"
)

// ConstraintTypeFromLabel parses a stored discriminant value.
func ConstraintTypeFromLabel(value string) (ConstraintType, error) {
	switch ConstraintType(strings.ToLower(strings.TrimSpace(value))) {
	case ConstraintRequires:
		return ConstraintRequires, nil
	case ConstraintExcludes:
		return ConstraintExcludes, nil
	case ConstraintAttribute:
		return ConstraintAttribute, nil
	case ConstraintQuantity:
		return ConstraintQuantity, nil
	case ConstraintBundle:
		return ConstraintBundle, nil
	case ConstraintCrossProduct:
		return ConstraintCrossProduct, nil
	default:
		return "", fmt.Errorf("unknown constraint type: %s", value)
	}
}

// ConstraintRule is a versioned configuration rule. Rules cited by a trace
// are immutable; edits create new rows with a higher version.
type ConstraintRule struct {
	ID             string
	Version        int
	ConstraintType ConstraintType
	// SourceProductID scopes the rule to configurations containing the product.
	// Empty means the rule applies to every configuration.
	SourceProductID string
	// ConditionJSON holds the class-specific structured condition payload.
	ConditionJSON json.RawMessage
	// Priority orders evaluation ascending; insertion order breaks ties.
	Priority int
	Active   bool
	// Message is the stored human-readable violation description.
	Message string
	// SuggestionTemplate, when fillable from present quote state, produces a
	// deterministic suggested fix. Unfillable templates are omitted entirely.
	SuggestionTemplate string
	CreatedAt          time.Time
}

// DecodeCondition unmarshals the rule's condition payload strictly: unknown
// fields are rejected so a typo in stored data surfaces as a data error
// instead of silently relaxing the rule.
func (r ConstraintRule) DecodeCondition(target any) error {
	decoder := json.NewDecoder(bytes.NewReader(r.ConditionJSON))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode %s condition: %w", r.ConstraintType, err)
	}
	return nil
}

// RequiresCondition is the condition payload for requires rules.
type RequiresCondition struct {
	RequiredProductID string `json:"required_product_id"`
}

// ExcludesCondition is the condition payload for excludes rules.
type ExcludesCondition struct {
	ExcludedProductID string `json:"excluded_product_id"`
}

// AttributeCondition is the condition payload for attribute rules.
type AttributeCondition struct {
	Attribute string   `json:"attribute"`
	Op        string   `json:"op"` // eq, ne, lt, lte, gt, gte, in
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
}

// QuantityCondition is the condition payload for quantity rules.
type QuantityCondition struct {
	Min int `json:"min"`
	Max int `json:"max"` // zero means unbounded
}

// BundleCondition is the condition payload for bundle rules.
type BundleCondition struct {
	BundleID string `json:"bundle_id"`
}

// CrossProductCondition is the condition payload for cross_product rules.
// Metric is "total_quantity", "line_count", or "attribute_sum:<name>".
type CrossProductCondition struct {
	Metric string `json:"metric"`
	Op     string `json:"op"` // lte, gte, lt, gt, eq
	Value  int64  `json:"value"`
}
