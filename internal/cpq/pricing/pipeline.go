// Package pricing computes immutable priced snapshots from constraint-valid
// configurations.
//
// The pipeline runs a strict stage order and appends a trace step for every
// stage before the next one runs. Any stage failure aborts the whole pass
// with no partial snapshot; the error names the offending line, product, or
// formula. All arithmetic is exact decimal, rounded once per line at the
// subtotal boundary with round-half-even.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// Trace stage names, in pipeline order.
const (
	StagePriceBookSelection = "price_book_selection"
	StageBasePrice          = "base_price"
	StageVolumeTier         = "volume_tier"
	StageBundleDiscount     = "bundle_discount"
	StageFormula            = "formula"
	StageRequestedDiscount  = "requested_discount"
	StageLineSubtotal       = "line_subtotal"
	StageTaxStub            = "tax_stub"
	StageTotals             = "totals"
)

// Input carries everything one pricing pass may read. The auto-approval
// discount cap is handed in as a plain number so pricing stays testable
// without a policy evaluator; authorization itself is not pricing's concern.
type Input struct {
	Quote domain.Quote
	Lines []domain.QuoteLine
	// AutoDiscountCap bounds the requested discount percentage. Invalid
	// means no cap applies.
	AutoDiscountCap decimal.NullDecimal
	// ApprovedChainID names the approval chain that authorized the requested
	// discount in full. When set the auto-approval ceiling does not apply and
	// the trace cites the chain.
	ApprovedChainID string
	// At is the evaluation instant used for price book validity windows.
	At time.Time
}

// Pipeline prices quotes against catalog reference data.
type Pipeline struct {
	Catalog storage.CatalogReader
	// TaxRates is the fixed-rate tax stub, keyed by lowercase region.
	// Regions without an entry use DefaultTaxRate.
	TaxRates       map[string]decimal.Decimal
	DefaultTaxRate decimal.Decimal
	// SegmentFactors feeds the segment_factor formula variable, keyed by
	// lowercase segment. Missing segments evaluate to 1.
	SegmentFactors map[string]decimal.Decimal
	Clock          func() time.Time
	IDGenerator    func() (string, error)
}

// NewPipeline creates a pricing pipeline reading through catalog.
func NewPipeline(catalog storage.CatalogReader) *Pipeline {
	return &Pipeline{Catalog: catalog}
}

// lineWork accumulates per-line state across stages before the snapshot is
// assembled.
type lineWork struct {
	line       domain.QuoteLine
	entry      domain.PriceBookEntry
	unitPrice  decimal.Decimal
	extended   decimal.Decimal
	bundlePct  decimal.Decimal
	percent    decimal.Decimal
	discount   decimal.Decimal
	subtotal   decimal.Decimal
	preRounded decimal.Decimal
}

// Price runs the full pipeline and returns the immutable snapshot. The
// returned snapshot is not persisted here; the caller stores it and stamps
// the quote lines.
func (p *Pipeline) Price(ctx context.Context, input Input) (domain.QuotePricingSnapshot, error) {
	if p == nil || p.Catalog == nil {
		return domain.QuotePricingSnapshot{}, fmt.Errorf("catalog reader is required")
	}
	if len(input.Lines) == 0 {
		return domain.QuotePricingSnapshot{}, apperrors.WithMetadata(apperrors.CodePricingDataMissing,
			"quote has no lines to price",
			map[string]string{"QuoteID": input.Quote.ID})
	}
	at := input.At
	if at.IsZero() {
		clock := p.Clock
		if clock == nil {
			clock = time.Now
		}
		at = clock().UTC()
	}

	var trace []domain.TraceStep
	quote := input.Quote
	ordered := domain.SortLines(input.Lines)

	// Stage 1: price book selection. Fail closed when nothing matches;
	// the pipeline never substitutes a default price.
	book, err := p.Catalog.SelectPriceBook(ctx, quote.Segment, quote.Region, quote.Currency, at)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.QuotePricingSnapshot{}, apperrors.WithMetadata(apperrors.CodeNoApplicablePriceBook,
				fmt.Sprintf("no applicable price book for segment=%s region=%s currency=%s", quote.Segment, quote.Region, quote.Currency),
				map[string]string{"QuoteID": quote.ID, "Segment": quote.Segment, "Region": quote.Region, "Currency": quote.Currency})
		}
		return domain.QuotePricingSnapshot{}, fmt.Errorf("select price book: %w", err)
	}
	trace = append(trace, domain.TraceStep{
		Stage: StagePriceBookSelection,
		Inputs: map[string]string{
			"segment":  quote.Segment,
			"region":   quote.Region,
			"currency": quote.Currency,
			"at":       at.Format(time.RFC3339),
		},
		Result: book.ID,
		Note:   fmt.Sprintf("priority %d", book.Priority),
	})

	// Stages 2 and 3: base price lookup and volume tier selection, per line.
	work := make([]*lineWork, 0, len(ordered))
	for _, line := range ordered {
		entry, err := p.Catalog.GetPriceBookEntry(ctx, book.ID, line.ProductID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.QuotePricingSnapshot{}, apperrors.WithMetadata(apperrors.CodePriceBookEntryMissing,
					fmt.Sprintf("price book %s has no entry for product %s", book.ID, line.ProductID),
					map[string]string{"LineID": line.ID, "ProductID": line.ProductID, "PriceBookID": book.ID})
			}
			return domain.QuotePricingSnapshot{}, fmt.Errorf("get price book entry: %w", err)
		}
		w := &lineWork{line: line, entry: entry, unitPrice: entry.ListPrice}
		trace = append(trace, domain.TraceStep{
			Stage:  StageBasePrice,
			LineID: line.ID,
			Inputs: map[string]string{"product_id": line.ProductID, "price_book_entry_id": entry.ID},
			Result: entry.ListPrice.String(),
		})

		if len(entry.Tiers) > 0 {
			tier, ok := entry.TierFor(line.Quantity)
			if !ok {
				// Gapless coverage is a load-time invariant, so a miss
				// here is internal inconsistency, not user error.
				return domain.QuotePricingSnapshot{}, apperrors.WithMetadata(apperrors.CodeVolumeTierMissing,
					fmt.Sprintf("no volume tier covers quantity %d for product %s", line.Quantity, line.ProductID),
					map[string]string{"LineID": line.ID, "ProductID": line.ProductID, "PriceBookEntryID": entry.ID})
			}
			w.unitPrice = tier.UnitPrice
			trace = append(trace, domain.TraceStep{
				Stage:  StageVolumeTier,
				LineID: line.ID,
				Inputs: map[string]string{
					"quantity":     strconv.Itoa(line.Quantity),
					"min_quantity": strconv.Itoa(tier.MinQuantity),
					"max_quantity": strconv.Itoa(tier.MaxQuantity),
				},
				Result: tier.UnitPrice.String(),
			})
		}
		work = append(work, w)
	}

	// Stage 4: bundle discounts. Composition is re-checked here rather than
	// assumed from the constraint pass, since pricing may run independently
	// for preview purposes.
	if err := p.applyBundleDiscounts(ctx, ordered, work, &trace); err != nil {
		return domain.QuotePricingSnapshot{}, err
	}

	// Stage 5: stored formulas compute the extended line amount.
	for _, w := range work {
		if w.entry.FormulaID == "" {
			w.extended = w.unitPrice.Mul(decimal.NewFromInt(int64(w.line.Quantity)))
			continue
		}
		formula, err := p.Catalog.GetFormula(ctx, w.entry.FormulaID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.QuotePricingSnapshot{}, apperrors.WithMetadata(apperrors.CodeFormulaInvalid,
					fmt.Sprintf("price book entry %s references unknown formula %s", w.entry.ID, w.entry.FormulaID),
					map[string]string{"LineID": w.line.ID, "FormulaID": w.entry.FormulaID})
			}
			return domain.QuotePricingSnapshot{}, fmt.Errorf("get formula: %w", err)
		}
		vars := Vars{
			"unit_price":     w.unitPrice,
			"list_price":     w.entry.ListPrice,
			"quantity":       decimal.NewFromInt(int64(w.line.Quantity)),
			"term_months":    decimal.NewFromInt(int64(quote.TermMonths)),
			"segment_factor": p.segmentFactor(quote.Segment),
		}
		value, err := EvalFormula(formula.ID, formula.Expression, vars)
		if err != nil {
			return domain.QuotePricingSnapshot{}, apperrors.WrapWithMetadata(apperrors.CodeOf(err),
				fmt.Sprintf("line %s failed formula %s", w.line.ID, formula.ID),
				map[string]string{"LineID": w.line.ID, "ProductID": w.line.ProductID, "FormulaID": formula.ID},
				err)
		}
		w.extended = value
		trace = append(trace, domain.TraceStep{
			Stage:  StageFormula,
			LineID: w.line.ID,
			Inputs: map[string]string{
				"formula_id":     formula.ID,
				"expression":     formula.Expression,
				"unit_price":     vars["unit_price"].String(),
				"quantity":       vars["quantity"].String(),
				"term_months":    vars["term_months"].String(),
				"segment_factor": vars["segment_factor"].String(),
			},
			Result: value.String(),
		})
	}

	// Stage 6: requested discount, capped at the auto-approval ceiling unless
	// an approval chain authorized the excess. The cap is a number handed in
	// by the caller; exceeding it without that authorization is a policy
	// question answered elsewhere, never silent over-discounting here.
	requested := quote.RequestedDiscountPct
	capped := requested
	capNote := ""
	switch {
	case input.ApprovedChainID != "":
		capNote = fmt.Sprintf("requested %s authorized by approval chain %s", requested.String(), input.ApprovedChainID)
	case input.AutoDiscountCap.Valid && capped.GreaterThan(input.AutoDiscountCap.Decimal):
		capped = input.AutoDiscountCap.Decimal
		capNote = fmt.Sprintf("requested %s capped at auto-approval ceiling %s", requested.String(), capped.String())
	}
	for _, w := range work {
		w.percent = w.bundlePct.Add(capped)
		if w.percent.GreaterThan(decimal.NewFromInt(100)) {
			w.percent = decimal.NewFromInt(100)
		}
		inputs := map[string]string{
			"requested_percent": requested.String(),
			"applied_percent":   capped.String(),
			"bundle_percent":    w.bundlePct.String(),
		}
		if input.ApprovedChainID != "" {
			inputs["approved_chain_id"] = input.ApprovedChainID
		}
		trace = append(trace, domain.TraceStep{
			Stage:  StageRequestedDiscount,
			LineID: w.line.ID,
			Inputs: inputs,
			Result: w.percent.String(),
			Note:   capNote,
		})
	}

	// Stage 7: per-line rounding boundary, then exact quote-level sums.
	subtotal := decimal.Zero
	discountTotal := decimal.Zero
	for _, w := range work {
		w.preRounded = w.extended
		w.subtotal = domain.RoundLineSubtotal(w.extended)
		w.discount = domain.RoundLineSubtotal(domain.PercentOf(w.subtotal, w.percent))
		subtotal = subtotal.Add(w.subtotal)
		discountTotal = discountTotal.Add(w.discount)
		trace = append(trace, domain.TraceStep{
			Stage:  StageLineSubtotal,
			LineID: w.line.ID,
			Inputs: map[string]string{
				"pre_round_subtotal": w.preRounded.String(),
				"discount_percent":   w.percent.String(),
			},
			Result: w.subtotal.String(),
			Note:   "round-half-even at 2 decimal places",
		})
	}

	taxRate := p.taxRate(quote.Region)
	taxTotal := domain.RoundLineSubtotal(domain.PercentOf(subtotal.Sub(discountTotal), taxRate))
	trace = append(trace, domain.TraceStep{
		Stage:  StageTaxStub,
		Inputs: map[string]string{"region": quote.Region, "rate_percent": taxRate.String()},
		Result: taxTotal.String(),
		Note:   "fixed-rate stub by region, non-final",
	})

	total := subtotal.Sub(discountTotal).Add(taxTotal)
	trace = append(trace, domain.TraceStep{
		Stage: StageTotals,
		Inputs: map[string]string{
			"subtotal":       subtotal.String(),
			"discount_total": discountTotal.String(),
			"tax_total":      taxTotal.String(),
		},
		Result: total.String(),
	})

	// Stage 8: assemble and seal the snapshot. The caller serializes the
	// trace exactly once when persisting.
	snapshotID, err := domain.NewSnapshotID(p.IDGenerator)
	if err != nil {
		return domain.QuotePricingSnapshot{}, err
	}
	snapshot := domain.QuotePricingSnapshot{
		ID:            snapshotID,
		QuoteID:       quote.ID,
		QuoteVersion:  quote.Version,
		PriceBookID:   book.ID,
		Currency:      quote.Currency,
		Subtotal:      subtotal,
		DiscountTotal: discountTotal,
		TaxTotal:      taxTotal,
		Total:         total,
		Trace:         trace,
		CreatedAt:     at,
	}
	for _, w := range work {
		snapshot.Lines = append(snapshot.Lines, domain.SnapshotLine{
			LineID:           w.line.ID,
			ProductID:        w.line.ProductID,
			ProductRevision:  w.line.ProductRevision,
			Quantity:         w.line.Quantity,
			UnitPrice:        w.unitPrice,
			PreRoundSubtotal: w.preRounded,
			Subtotal:         w.subtotal,
			DiscountPercent:  w.percent,
			DiscountAmount:   w.discount,
		})
	}
	if !snapshot.Conserves() {
		return domain.QuotePricingSnapshot{}, apperrors.WithMetadata(apperrors.CodeInvariantViolation,
			"pricing pass violated the conservation property",
			map[string]string{"QuoteID": quote.ID})
	}
	return snapshot, nil
}

// applyBundleDiscounts discovers bundles referenced by the quote's bundle
// rules, re-checks their component cardinalities against the line set, and
// records the winning discount percent per member line. When several
// satisfied bundles cover one product, the highest percent wins; ties break
// by lowest bundle id.
func (p *Pipeline) applyBundleDiscounts(ctx context.Context, lines []domain.QuoteLine, work []*lineWork, trace *[]domain.TraceStep) error {
	productIDs := make([]string, 0, len(lines))
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			productIDs = append(productIDs, line.ProductID)
		}
	}
	rules, err := p.Catalog.FindConstraintRules(ctx, productIDs)
	if err != nil {
		return fmt.Errorf("find bundle rules: %w", err)
	}

	bundleIDs := make([]string, 0, len(rules))
	seenBundle := make(map[string]bool)
	for _, rule := range rules {
		if !rule.Active || rule.ConstraintType != domain.ConstraintBundle {
			continue
		}
		var condition domain.BundleCondition
		if err := rule.DecodeCondition(&condition); err != nil {
			return apperrors.WrapWithMetadata(apperrors.CodeConstraintMalformed,
				fmt.Sprintf("bundle rule %s has a malformed condition", rule.ID),
				map[string]string{"RuleID": rule.ID}, err)
		}
		if condition.BundleID == "" || seenBundle[condition.BundleID] {
			continue
		}
		seenBundle[condition.BundleID] = true
		bundleIDs = append(bundleIDs, condition.BundleID)
	}
	sort.Strings(bundleIDs)

	quantities := make(map[string]int, len(lines))
	for _, line := range lines {
		quantities[line.ProductID] += line.Quantity
	}

	for _, bundleID := range bundleIDs {
		bundle, err := p.Catalog.GetBundle(ctx, bundleID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.WithMetadata(apperrors.CodeBundleComponentsInvalid,
					fmt.Sprintf("bundle %s does not exist", bundleID),
					map[string]string{"BundleID": bundleID})
			}
			return fmt.Errorf("get bundle: %w", err)
		}
		if !bundleSatisfied(bundle, quantities) {
			continue
		}
		members := make(map[string]bool, len(bundle.Components))
		for _, component := range bundle.Components {
			members[component.ProductID] = true
		}
		for _, w := range work {
			if !members[w.line.ProductID] {
				continue
			}
			if bundle.DiscountPercent.GreaterThan(w.bundlePct) {
				w.bundlePct = bundle.DiscountPercent
			}
			*trace = append(*trace, domain.TraceStep{
				Stage:  StageBundleDiscount,
				LineID: w.line.ID,
				Inputs: map[string]string{"bundle_id": bundle.ID},
				Result: bundle.DiscountPercent.String(),
			})
		}
	}
	return nil
}

// bundleSatisfied re-checks exact component cardinality against aggregated
// line quantities.
func bundleSatisfied(bundle domain.Bundle, quantities map[string]int) bool {
	for _, component := range bundle.Components {
		quantity := quantities[component.ProductID]
		if component.Optional && quantity == 0 {
			continue
		}
		if quantity < component.MinCount {
			return false
		}
		if component.MaxCount != 0 && quantity > component.MaxCount {
			return false
		}
	}
	return true
}

func (p *Pipeline) segmentFactor(segment string) decimal.Decimal {
	if factor, ok := p.SegmentFactors[strings.ToLower(segment)]; ok {
		return factor
	}
	return decimal.NewFromInt(1)
}

func (p *Pipeline) taxRate(region string) decimal.Decimal {
	if rate, ok := p.TaxRates[strings.ToLower(region)]; ok {
		return rate
	}
	return p.DefaultTaxRate
}
