package pricing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage/memory"
)

var evalTime = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// seedStandardCatalog loads the three-product catalog used across the
// pipeline tests: a tiered per-seat plan, a flat add-on, and a flat support
// product, all priced through the monthly term formula.
func seedStandardCatalog(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New(nil)
	ctx := context.Background()

	products := []domain.Product{
		{ID: "prod-pro", SKU: "PRO", Name: "Pro Plan", Category: "plans", Revision: 3, Active: true},
		{ID: "prod-sso", SKU: "SSO", Name: "SSO Add-on", Category: "addons", Revision: 1, Active: true},
		{ID: "prod-support", SKU: "SUP", Name: "Premium Support", Category: "services", Revision: 2, Active: true},
	}
	for _, product := range products {
		if err := store.PutProduct(ctx, product); err != nil {
			t.Fatalf("PutProduct(%s): %v", product.ID, err)
		}
	}

	book := domain.PriceBook{
		ID: "pb-standard", Name: "Standard", Currency: "USD", Priority: 10,
		ValidFrom: evalTime.AddDate(-1, 0, 0), Active: true,
	}
	if err := store.PutPriceBook(ctx, book); err != nil {
		t.Fatalf("PutPriceBook: %v", err)
	}
	if err := store.PutFormula(ctx, domain.PricingFormula{ID: "f-term", Expression: "unit_price * quantity * term_months"}); err != nil {
		t.Fatalf("PutFormula: %v", err)
	}

	entries := []domain.PriceBookEntry{
		{
			ID: "e-pro", PriceBookID: "pb-standard", ProductID: "prod-pro",
			ListPrice: decimal.RequireFromString("8.00"), FormulaID: "f-term",
			Tiers: []domain.VolumeTier{
				{MinQuantity: 0, MaxQuantity: 100, UnitPrice: decimal.RequireFromString("8.00")},
				{MinQuantity: 100, MaxQuantity: 0, UnitPrice: decimal.RequireFromString("6.00")},
			},
		},
		{
			ID: "e-sso", PriceBookID: "pb-standard", ProductID: "prod-sso",
			ListPrice: decimal.RequireFromString("2.00"), FormulaID: "f-term",
		},
		{
			ID: "e-support", PriceBookID: "pb-standard", ProductID: "prod-support",
			ListPrice: decimal.RequireFromString("500.00"), FormulaID: "f-term",
		},
	}
	for _, entry := range entries {
		if err := store.PutPriceBookEntry(ctx, entry); err != nil {
			t.Fatalf("PutPriceBookEntry(%s): %v", entry.ID, err)
		}
	}
	return store
}

func standardQuote() (domain.Quote, []domain.QuoteLine) {
	quote := domain.Quote{
		ID: "q-pro", Version: 3, Status: domain.QuoteStatusValidated,
		AccountID: "acct-1", Currency: "USD", TermMonths: 12,
	}
	lines := []domain.QuoteLine{
		{ID: "l-pro", QuoteID: "q-pro", ProductID: "prod-pro", ProductRevision: 3, Quantity: 150, SortOrder: 1},
		{ID: "l-sso", QuoteID: "q-pro", ProductID: "prod-sso", ProductRevision: 1, Quantity: 150, SortOrder: 2},
		{ID: "l-support", QuoteID: "q-pro", ProductID: "prod-support", ProductRevision: 2, Quantity: 1, SortOrder: 3},
	}
	return quote, lines
}

func fixedID(value string) func() (string, error) {
	return func() (string, error) { return value, nil }
}

func TestPriceProPlanScenario(t *testing.T) {
	store := seedStandardCatalog(t)
	quote, lines := standardQuote()
	pipeline := NewPipeline(store)
	pipeline.IDGenerator = fixedID("snap-1")

	snapshot, err := pipeline.Price(context.Background(), Input{Quote: quote, Lines: lines, At: evalTime})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}

	wantLines := map[string]string{
		"l-pro":     "10800.00",
		"l-sso":     "3600.00",
		"l-support": "6000.00",
	}
	if len(snapshot.Lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(snapshot.Lines))
	}
	for _, line := range snapshot.Lines {
		want := wantLines[line.LineID]
		if line.Subtotal.StringFixed(2) != want {
			t.Fatalf("line %s subtotal = %s, want %s", line.LineID, line.Subtotal.StringFixed(2), want)
		}
	}
	if snapshot.Subtotal.StringFixed(2) != "20400.00" {
		t.Fatalf("subtotal = %s, want 20400.00", snapshot.Subtotal.StringFixed(2))
	}
	if !snapshot.DiscountTotal.IsZero() || !snapshot.TaxTotal.IsZero() {
		t.Fatalf("discount = %s tax = %s, want both zero", snapshot.DiscountTotal, snapshot.TaxTotal)
	}
	if snapshot.Total.StringFixed(2) != "20400.00" {
		t.Fatalf("total = %s, want 20400.00", snapshot.Total.StringFixed(2))
	}
	if !snapshot.Conserves() {
		t.Fatal("snapshot violates conservation")
	}

	// The 150-seat line must have priced through the 100+ tier.
	for _, line := range snapshot.Lines {
		if line.LineID == "l-pro" && line.UnitPrice.StringFixed(2) != "6.00" {
			t.Fatalf("pro plan unit price = %s, want 6.00 from the 100+ tier", line.UnitPrice.StringFixed(2))
		}
	}

	stages := make(map[string]bool)
	for _, step := range snapshot.Trace {
		stages[step.Stage] = true
	}
	for _, want := range []string{StagePriceBookSelection, StageBasePrice, StageVolumeTier, StageFormula, StageLineSubtotal, StageTaxStub, StageTotals} {
		if !stages[want] {
			t.Fatalf("trace is missing stage %s", want)
		}
	}
}

func TestPriceIsDeterministic(t *testing.T) {
	store := seedStandardCatalog(t)
	quote, lines := standardQuote()
	pipeline := NewPipeline(store)
	pipeline.IDGenerator = fixedID("snap-fixed")

	first, err := pipeline.Price(context.Background(), Input{Quote: quote, Lines: lines, At: evalTime})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	second, err := pipeline.Price(context.Background(), Input{Quote: quote, Lines: lines, At: evalTime})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	firstJSON, err := first.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	secondJSON, err := second.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if !bytes.Equal(firstJSON, secondJSON) {
		t.Fatal("identical inputs produced different snapshots")
	}
}

func TestPriceNoApplicableBookFailsClosed(t *testing.T) {
	store := seedStandardCatalog(t)
	quote, lines := standardQuote()
	quote.Currency = "EUR"
	pipeline := NewPipeline(store)

	_, err := pipeline.Price(context.Background(), Input{Quote: quote, Lines: lines, At: evalTime})
	if err == nil {
		t.Fatal("expected no-applicable-price-book error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeNoApplicablePriceBook {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeNoApplicablePriceBook)
	}
}

func TestPriceMissingEntryNamesLine(t *testing.T) {
	store := seedStandardCatalog(t)
	quote, lines := standardQuote()
	lines = append(lines, domain.QuoteLine{ID: "l-ghost", QuoteID: quote.ID, ProductID: "prod-ghost", Quantity: 1, SortOrder: 4})
	pipeline := NewPipeline(store)

	_, err := pipeline.Price(context.Background(), Input{Quote: quote, Lines: lines, At: evalTime})
	if err == nil {
		t.Fatal("expected missing-entry error")
	}
	if apperrors.CodeOf(err) != apperrors.CodePriceBookEntryMissing {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodePriceBookEntryMissing)
	}
	domainErr, ok := apperrors.AsDomain(err)
	if !ok {
		t.Fatal("expected a domain error")
	}
	if domainErr.Metadata["LineID"] != "l-ghost" || domainErr.Metadata["ProductID"] != "prod-ghost" {
		t.Fatalf("error metadata = %v, want the offending line and product", domainErr.Metadata)
	}
}

func TestPriceRequestedDiscountCapped(t *testing.T) {
	store := seedStandardCatalog(t)
	quote, lines := standardQuote()
	quote.RequestedDiscountPct = decimal.RequireFromString("15")
	pipeline := NewPipeline(store)

	snapshot, err := pipeline.Price(context.Background(), Input{
		Quote: quote, Lines: lines, At: evalTime,
		AutoDiscountCap: decimal.NewNullDecimal(decimal.RequireFromString("10")),
	})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	// 10% of 20400.00, never the requested 15%.
	if snapshot.DiscountTotal.StringFixed(2) != "2040.00" {
		t.Fatalf("discount total = %s, want 2040.00", snapshot.DiscountTotal.StringFixed(2))
	}
	if snapshot.Total.StringFixed(2) != "18360.00" {
		t.Fatalf("total = %s, want 18360.00", snapshot.Total.StringFixed(2))
	}
	if !snapshot.Conserves() {
		t.Fatal("snapshot violates conservation")
	}
}

func TestPriceApprovedDiscountOverridesCap(t *testing.T) {
	store := seedStandardCatalog(t)
	quote, lines := standardQuote()
	quote.RequestedDiscountPct = decimal.RequireFromString("15")
	pipeline := NewPipeline(store)

	snapshot, err := pipeline.Price(context.Background(), Input{
		Quote: quote, Lines: lines, At: evalTime,
		AutoDiscountCap: decimal.NewNullDecimal(decimal.RequireFromString("10")),
		ApprovedChainID: "chain-1",
	})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	// The full 15% of 20400.00 applies once a chain authorized it.
	if snapshot.DiscountTotal.StringFixed(2) != "3060.00" {
		t.Fatalf("discount total = %s, want 3060.00", snapshot.DiscountTotal.StringFixed(2))
	}
	if snapshot.Total.StringFixed(2) != "17340.00" {
		t.Fatalf("total = %s, want 17340.00", snapshot.Total.StringFixed(2))
	}
	cited := false
	for _, step := range snapshot.Trace {
		if step.Stage == StageRequestedDiscount && step.Inputs["approved_chain_id"] == "chain-1" {
			cited = true
		}
	}
	if !cited {
		t.Fatal("trace must cite the chain that authorized the excess discount")
	}
	if !snapshot.Conserves() {
		t.Fatal("snapshot violates conservation")
	}
}

func TestPriceTaxStubByRegion(t *testing.T) {
	store := seedStandardCatalog(t)
	quote, lines := standardQuote()
	quote.Region = "US"
	pipeline := NewPipeline(store)
	pipeline.TaxRates = map[string]decimal.Decimal{"us": decimal.RequireFromString("8.5")}

	snapshot, err := pipeline.Price(context.Background(), Input{Quote: quote, Lines: lines, At: evalTime})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if snapshot.TaxTotal.StringFixed(2) != "1734.00" {
		t.Fatalf("tax total = %s, want 1734.00", snapshot.TaxTotal.StringFixed(2))
	}
	labeled := false
	for _, step := range snapshot.Trace {
		if step.Stage == StageTaxStub && step.Note != "" {
			labeled = true
		}
	}
	if !labeled {
		t.Fatal("tax stub stage must carry its non-final label in the trace")
	}
}

func TestPriceVolumeTierMissBelowCoverage(t *testing.T) {
	store := seedStandardCatalog(t)
	ctx := context.Background()
	if err := store.PutProduct(ctx, domain.Product{ID: "prod-partial", Name: "Partial", Revision: 1, Active: true}); err != nil {
		t.Fatalf("PutProduct: %v", err)
	}
	// Coverage starts at quantity 10; smaller quantities hit no tier.
	entry := domain.PriceBookEntry{
		ID: "e-partial", PriceBookID: "pb-standard", ProductID: "prod-partial",
		ListPrice: decimal.RequireFromString("10.00"),
		Tiers:     []domain.VolumeTier{{MinQuantity: 10, MaxQuantity: 0, UnitPrice: decimal.RequireFromString("9.00")}},
	}
	if err := store.PutPriceBookEntry(ctx, entry); err != nil {
		t.Fatalf("PutPriceBookEntry: %v", err)
	}

	quote, _ := standardQuote()
	lines := []domain.QuoteLine{{ID: "l-partial", QuoteID: quote.ID, ProductID: "prod-partial", Quantity: 5, SortOrder: 1}}
	pipeline := NewPipeline(store)

	_, err := pipeline.Price(ctx, Input{Quote: quote, Lines: lines, At: evalTime})
	if err == nil {
		t.Fatal("expected volume-tier error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeVolumeTierMissing {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeVolumeTierMissing)
	}
}

func TestPriceBundleDiscountRequiresComposition(t *testing.T) {
	store := seedStandardCatalog(t)
	ctx := context.Background()
	bundle := domain.Bundle{
		ID: "bundle-pro", Name: "Pro Bundle",
		DiscountPercent: decimal.RequireFromString("5"),
		Components: []domain.BundleComponent{
			{ProductID: "prod-pro", MinCount: 1},
			{ProductID: "prod-sso", MinCount: 100},
		},
	}
	if err := store.PutBundle(ctx, bundle); err != nil {
		t.Fatalf("PutBundle: %v", err)
	}
	rule := domain.ConstraintRule{
		ID: "rule-bundle", Version: 1,
		ConstraintType:  domain.ConstraintBundle,
		SourceProductID: "prod-pro",
		ConditionJSON:   []byte(`{"bundle_id": "bundle-pro"}`),
		Active:          true,
	}
	if err := store.PutConstraintRule(ctx, rule); err != nil {
		t.Fatalf("PutConstraintRule: %v", err)
	}

	quote, lines := standardQuote()
	pipeline := NewPipeline(store)

	snapshot, err := pipeline.Price(ctx, Input{Quote: quote, Lines: lines, At: evalTime})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	// Composition satisfied: 5% off the two member lines, support untouched.
	// 5% of 10800 + 5% of 3600 = 720.00.
	if snapshot.DiscountTotal.StringFixed(2) != "720.00" {
		t.Fatalf("discount total = %s, want 720.00", snapshot.DiscountTotal.StringFixed(2))
	}

	// Dropping below the SSO minimum removes the bundle discount entirely.
	lines[1].Quantity = 50
	snapshot, err = pipeline.Price(ctx, Input{Quote: quote, Lines: lines, At: evalTime})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !snapshot.DiscountTotal.IsZero() {
		t.Fatalf("discount total = %s, want zero when composition is unmet", snapshot.DiscountTotal)
	}
}
