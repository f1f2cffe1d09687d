package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ThresholdType discriminates the stored approval-threshold classes.
type ThresholdType string

const (
	// ThresholdDealSize triggers on total deal value.
	ThresholdDealSize ThresholdType = "deal_size"
	// ThresholdMarginFloor triggers when the computed margin drops too low.
	ThresholdMarginFloor ThresholdType = "margin_floor"
	// ThresholdTemporal triggers on quote validity windows and end-of-period
	// scrutiny rules.
	ThresholdTemporal ThresholdType = "temporal"
	// ThresholdProduct triggers on the presence of specific products.
	ThresholdProduct ThresholdType = "product"
)

// DiscountPolicy caps the discount a quote may carry without approval.
// Versioned like constraint rules: rows cited by a trace are never rewritten.
type DiscountPolicy struct {
	ID      string
	Version int
	// Segment/ProductID/Category scope the cap; empty values are wildcards.
	Segment   string
	ProductID string
	Category  string
	// MaxAutoPercent is the auto-approval discount ceiling.
	MaxAutoPercent decimal.Decimal
	// RequiredRole names the approver role when the cap is exceeded.
	RequiredRole string
	Priority     int
	Active       bool
	CreatedAt    time.Time
}

// Matches reports whether the policy scope covers a segment/product/category.
func (p DiscountPolicy) Matches(segment, productID, category string) bool {
	if !p.Active {
		return false
	}
	if p.Segment != "" && !strings.EqualFold(p.Segment, segment) {
		return false
	}
	if p.ProductID != "" && p.ProductID != productID {
		return false
	}
	if p.Category != "" && !strings.EqualFold(p.Category, category) {
		return false
	}
	return true
}

// ApprovalThreshold is a versioned policy row gating quote finalization.
type ApprovalThreshold struct {
	ID            string
	Version       int
	ThresholdType ThresholdType
	Segment       string
	// ConditionJSON holds the class-specific structured condition payload.
	ConditionJSON json.RawMessage
	// RequiredRole names the approver role the violation routes to.
	RequiredRole string
	// Blocking thresholds reject the quote outright instead of routing.
	Blocking  bool
	Priority  int
	Active    bool
	CreatedAt time.Time
}

// DecodeCondition unmarshals the threshold's condition payload strictly so
// a typo in stored policy data surfaces as a data error.
func (t ApprovalThreshold) DecodeCondition(target any) error {
	decoder := json.NewDecoder(bytes.NewReader(t.ConditionJSON))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode %s condition: %w", t.ThresholdType, err)
	}
	return nil
}

// DealSizeCondition is the condition payload for deal_size thresholds.
type DealSizeCondition struct {
	// MinTotal is the total at or above which the threshold fires,
	// as canonical decimal text.
	MinTotal string `json:"min_total"`
}

// MarginFloorCondition is the condition payload for margin_floor thresholds.
type MarginFloorCondition struct {
	// MinMarginPercent is the floor as canonical decimal text.
	MinMarginPercent string `json:"min_margin_percent"`
}

// TemporalCondition is the condition payload for temporal thresholds.
type TemporalCondition struct {
	// MaxValidityDays bounds how far TermEnd may lie past evaluation time.
	MaxValidityDays int `json:"max_validity_days,omitempty"`
	// EndOfPeriodDays marks the final N days of a calendar quarter as
	// requiring extra scrutiny.
	EndOfPeriodDays int `json:"end_of_period_days,omitempty"`
}

// ProductCondition is the condition payload for product thresholds.
type ProductCondition struct {
	ProductID string `json:"product_id"`
}
