package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/platform/id"
)

// TraceStep records one pricing stage: the stage name, the inputs it
// consumed, and the numeric result, in stage order. The full trace is
// serialized once and stored immutably with its snapshot.
type TraceStep struct {
	Stage string `json:"stage"`
	// LineID is set for per-line stages and empty for quote-level stages.
	LineID string            `json:"line_id,omitempty"`
	Inputs map[string]string `json:"inputs,omitempty"`
	Result string            `json:"result"`
	Note   string            `json:"note,omitempty"`
}

// SnapshotLine is the priced, immutable record of one quote line.
type SnapshotLine struct {
	LineID          string          `json:"line_id"`
	ProductID       string          `json:"product_id"`
	ProductRevision int             `json:"product_revision"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	// PreRoundSubtotal preserves the exact pre-rounding value so rounding
	// drift is independently auditable.
	PreRoundSubtotal decimal.Decimal `json:"pre_round_subtotal"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	DiscountPercent  decimal.Decimal `json:"discount_percent"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
}

// QuotePricingSnapshot is the immutable result of one successful pricing
// pass. Superseded snapshots are retained forever for audit.
type QuotePricingSnapshot struct {
	ID      string `json:"id"`
	QuoteID string `json:"quote_id"`
	// QuoteVersion pins the quote version the pass priced.
	QuoteVersion  int64           `json:"quote_version"`
	PriceBookID   string          `json:"price_book_id"`
	Currency      string          `json:"currency"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	Total         decimal.Decimal `json:"total"`
	Lines         []SnapshotLine  `json:"lines"`
	Trace         []TraceStep     `json:"trace"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewSnapshotID generates an identifier for a pricing snapshot.
func NewSnapshotID(idGenerator func() (string, error)) (string, error) {
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	snapshotID, err := idGenerator()
	if err != nil {
		return "", fmt.Errorf("generate snapshot id: %w", err)
	}
	return snapshotID, nil
}

// CanonicalJSON serializes the snapshot deterministically. Two passes over
// identical inputs must produce byte-identical output; this is the form the
// determinism property is asserted against.
func (s QuotePricingSnapshot) CanonicalJSON() ([]byte, error) {
	return json.Marshal(s)
}

// Conserves reports whether the snapshot satisfies the pricing conservation
// property: total == subtotal - discount_total + tax and subtotal equals the
// exact sum of line subtotals.
func (s QuotePricingSnapshot) Conserves() bool {
	lineSum := decimal.Zero
	for _, line := range s.Lines {
		lineSum = lineSum.Add(line.Subtotal)
	}
	if !lineSum.Equal(s.Subtotal) {
		return false
	}
	return s.Subtotal.Sub(s.DiscountTotal).Add(s.TaxTotal).Equal(s.Total)
}
