package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/platform/id"
)

var (
	// ErrLineProductRequired indicates a missing product reference.
	ErrLineProductRequired = apperrors.New(apperrors.CodeLineProductRequired, "line product is required")
	// ErrLineQuantityInvalid indicates a non-positive line quantity.
	ErrLineQuantityInvalid = apperrors.New(apperrors.CodeLineQuantityInvalid, "line quantity must be positive")
	// ErrLinePriceAlreadyWritten indicates a second price write for the same pass.
	ErrLinePriceAlreadyWritten = apperrors.New(apperrors.CodeLinePriceAlreadyWritten, "line price is write-once per pricing pass")
)

// QuoteLine is a single product line owned by exactly one quote.
//
// Unit price and subtotal are write-once per pricing pass: a repricing run
// produces a new snapshot and stamps the line with that snapshot's values,
// never mutating a previously recorded snapshot.
type QuoteLine struct {
	ID      string
	QuoteID string
	// ProductID plus ProductRevision pin the exact catalog row priced.
	ProductID       string
	ProductRevision int
	Quantity        int
	// Attributes carry configuration values checked by attribute rules.
	Attributes map[string]string
	// SortOrder is deterministic and stable across reloads.
	SortOrder int

	// Pricing results. Absent until a pricing pass stamps them.
	UnitPrice       decimal.NullDecimal
	Subtotal        decimal.NullDecimal
	DiscountPercent decimal.Decimal
	DiscountAmount  decimal.Decimal
	// PricedSnapshotID names the snapshot that wrote the pricing fields.
	PricedSnapshotID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateQuoteLineInput describes the fields needed to add a line.
type CreateQuoteLineInput struct {
	QuoteID         string
	ProductID       string
	ProductRevision int
	Quantity        int
	Attributes      map[string]string
	SortOrder       int
}

// CreateQuoteLine creates a new unpriced quote line.
func CreateQuoteLine(input CreateQuoteLineInput, now func() time.Time, idGenerator func() (string, error)) (QuoteLine, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.QuoteID = strings.TrimSpace(input.QuoteID)
	if input.QuoteID == "" {
		return QuoteLine{}, apperrors.New(apperrors.CodeQuoteIDRequired, "quote id is required")
	}
	input.ProductID = strings.TrimSpace(input.ProductID)
	if input.ProductID == "" {
		return QuoteLine{}, ErrLineProductRequired
	}
	if input.Quantity <= 0 {
		return QuoteLine{}, ErrLineQuantityInvalid
	}

	lineID, err := idGenerator()
	if err != nil {
		return QuoteLine{}, fmt.Errorf("generate line id: %w", err)
	}

	attributes := make(map[string]string, len(input.Attributes))
	for key, value := range input.Attributes {
		attributes[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	createdAt := now().UTC()
	return QuoteLine{
		ID:              lineID,
		QuoteID:         input.QuoteID,
		ProductID:       input.ProductID,
		ProductRevision: input.ProductRevision,
		Quantity:        input.Quantity,
		Attributes:      attributes,
		SortOrder:       input.SortOrder,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}, nil
}

// StampPricing writes the priced values from a snapshot line onto the quote
// line. Writing twice for the same snapshot is an invariant violation; a new
// snapshot may overwrite a previous pass's values.
func (l QuoteLine) StampPricing(snapshotID string, unitPrice, subtotal, discountAmount, discountPercent decimal.Decimal, now func() time.Time) (QuoteLine, error) {
	if now == nil {
		now = time.Now
	}
	snapshotID = strings.TrimSpace(snapshotID)
	if snapshotID == "" {
		return QuoteLine{}, apperrors.New(apperrors.CodeInvariantViolation, "snapshot id is required to stamp pricing")
	}
	if l.PricedSnapshotID == snapshotID {
		return QuoteLine{}, ErrLinePriceAlreadyWritten
	}
	updated := l
	updated.UnitPrice = decimal.NewNullDecimal(unitPrice)
	updated.Subtotal = decimal.NewNullDecimal(subtotal)
	updated.DiscountAmount = discountAmount
	updated.DiscountPercent = discountPercent
	updated.PricedSnapshotID = snapshotID
	updated.UpdatedAt = now().UTC()
	return updated, nil
}

// SortLines orders lines by SortOrder then ID for a deterministic sequence.
func SortLines(lines []QuoteLine) []QuoteLine {
	sorted := append([]QuoteLine(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SortOrder != sorted[j].SortOrder {
			return sorted[i].SortOrder < sorted[j].SortOrder
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
