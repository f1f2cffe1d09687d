package seed

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/quoteforge/quoteforge/internal/storage/memory"
)

func TestLoadFixtureRoundTrip(t *testing.T) {
	raw := `{
		"products": [
			{"id": "prod-pro", "sku": "PRO", "name": "Pro Plan", "category": "plans", "revision": 1, "cost_price": "100.00", "active": true}
		],
		"price_books": [
			{"id": "pb-standard", "name": "Standard", "currency": "USD", "priority": 10, "valid_from": "2025-01-01T00:00:00Z", "active": true}
		],
		"formulas": [
			{"id": "f-term", "expression": "unit_price * quantity * term_months"}
		],
		"price_book_entries": [
			{"id": "e-pro", "price_book_id": "pb-standard", "product_id": "prod-pro", "list_price": "8.00", "formula_id": "f-term",
			 "tiers": [
				{"min_quantity": 0, "max_quantity": 100, "unit_price": "8.00"},
				{"min_quantity": 100, "max_quantity": 0, "unit_price": "6.00"}
			 ]}
		],
		"bundles": [
			{"id": "bundle-pro", "name": "Pro Bundle", "discount_percent": "5",
			 "components": [{"product_id": "prod-pro", "min_count": 1}]}
		],
		"constraint_rules": [
			{"id": "rule-1", "version": 1, "constraint_type": "requires", "source_product_id": "prod-pro",
			 "condition": {"required_product_id": "prod-support"}, "active": true,
			 "message": "Pro Plan requires Premium Support"}
		],
		"discount_policies": [
			{"id": "pol-discount-10", "version": 1, "max_auto_percent": "10", "required_role": "sales_manager", "active": true}
		],
		"approval_thresholds": [
			{"id": "thr-deal-50k", "version": 1, "threshold_type": "deal_size",
			 "condition": {"min_total": "50000"}, "required_role": "sales_director", "active": true}
		]
	}`
	var fixture Fixture
	if err := json.Unmarshal([]byte(raw), &fixture); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	store := memory.New(nil)
	ctx := context.Background()
	if err := Load(ctx, store, fixture); err != nil {
		t.Fatalf("load fixture: %v", err)
	}

	product, err := store.GetProduct(ctx, "prod-pro")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.CostPrice.Valid || product.CostPrice.Decimal.StringFixed(2) != "100.00" {
		t.Fatalf("expected cost price 100.00, got %v", product.CostPrice)
	}

	entry, err := store.GetPriceBookEntry(ctx, "pb-standard", "prod-pro")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if len(entry.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(entry.Tiers))
	}

	rules, err := store.FindConstraintRules(ctx, []string{"prod-pro"})
	if err != nil {
		t.Fatalf("find rules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "rule-1" {
		t.Fatalf("expected rule-1, got %+v", rules)
	}

	policies, err := store.ActiveDiscountPolicies(ctx, "", "")
	if err != nil {
		t.Fatalf("active policies: %v", err)
	}
	if len(policies) != 1 || policies[0].MaxAutoPercent.String() != "10" {
		t.Fatalf("expected one policy capped at 10, got %+v", policies)
	}
}

func TestLoadRejectsTierGap(t *testing.T) {
	raw := `{
		"price_book_entries": [
			{"id": "e-bad", "price_book_id": "pb-1", "product_id": "prod-1", "list_price": "8.00",
			 "tiers": [
				{"min_quantity": 0, "max_quantity": 50, "unit_price": "8.00"},
				{"min_quantity": 100, "max_quantity": 0, "unit_price": "6.00"}
			 ]}
		]
	}`
	var fixture Fixture
	if err := json.Unmarshal([]byte(raw), &fixture); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}

	err := Load(context.Background(), memory.New(nil), fixture)
	if err == nil {
		t.Fatalf("expected tier gap to be rejected at load time")
	}
	if !strings.Contains(err.Error(), "e-bad") {
		t.Fatalf("expected error to name the entry, got %v", err)
	}
}
