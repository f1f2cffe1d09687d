// Package seed loads a JSON catalog fixture into the local database.
//
// Loading goes through the storage layer, so every load-time invariant
// (contiguous non-overlapping volume tiers, bundle cardinalities) is
// enforced before pricing can ever observe the data.
package seed

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	entrypoint "github.com/quoteforge/quoteforge/internal/platform/cmd"
	"github.com/quoteforge/quoteforge/internal/storage/sqlite"
)

// Config holds seed command configuration.
type Config struct {
	DBPath      string `env:"QUOTEFORGE_DB_PATH" envDefault:"quoteforge.sqlite"`
	FixturePath string `env:"QUOTEFORGE_SEED_FIXTURE"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the sqlite database file")
	fs.StringVar(&cfg.FixturePath, "fixture", cfg.FixturePath, "Path to the JSON catalog fixture")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Fixture is the JSON catalog document the seeder loads. Monetary values
// are canonical decimal strings.
type Fixture struct {
	Products           []productFixture           `json:"products"`
	PriceBooks         []priceBookFixture         `json:"price_books"`
	PriceBookEntries   []priceBookEntryFixture    `json:"price_book_entries"`
	Formulas           []formulaFixture           `json:"formulas"`
	Bundles            []bundleFixture            `json:"bundles"`
	ConstraintRules    []constraintRuleFixture    `json:"constraint_rules"`
	DiscountPolicies   []discountPolicyFixture    `json:"discount_policies"`
	ApprovalThresholds []approvalThresholdFixture `json:"approval_thresholds"`
}

type productFixture struct {
	ID         string            `json:"id"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	Category   string            `json:"category"`
	Revision   int               `json:"revision"`
	Attributes map[string]string `json:"attributes"`
	CostPrice  string            `json:"cost_price"`
	Active     bool              `json:"active"`
}

type priceBookFixture struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Segment    string     `json:"segment"`
	Region     string     `json:"region"`
	Currency   string     `json:"currency"`
	Priority   int        `json:"priority"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
	Active     bool       `json:"active"`
}

type tierFixture struct {
	MinQuantity int    `json:"min_quantity"`
	MaxQuantity int    `json:"max_quantity"`
	UnitPrice   string `json:"unit_price"`
}

type priceBookEntryFixture struct {
	ID          string        `json:"id"`
	PriceBookID string        `json:"price_book_id"`
	ProductID   string        `json:"product_id"`
	ListPrice   string        `json:"list_price"`
	FormulaID   string        `json:"formula_id"`
	Tiers       []tierFixture `json:"tiers"`
}

type formulaFixture struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
}

type bundleComponentFixture struct {
	ProductID string `json:"product_id"`
	MinCount  int    `json:"min_count"`
	MaxCount  int    `json:"max_count"`
	Optional  bool   `json:"optional"`
}

type bundleFixture struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name"`
	DiscountPercent string                   `json:"discount_percent"`
	Components      []bundleComponentFixture `json:"components"`
}

type constraintRuleFixture struct {
	ID                 string          `json:"id"`
	Version            int             `json:"version"`
	ConstraintType     string          `json:"constraint_type"`
	SourceProductID    string          `json:"source_product_id"`
	Condition          json.RawMessage `json:"condition"`
	Priority           int             `json:"priority"`
	Active             bool            `json:"active"`
	Message            string          `json:"message"`
	SuggestionTemplate string          `json:"suggestion_template"`
}

type discountPolicyFixture struct {
	ID             string `json:"id"`
	Version        int    `json:"version"`
	Segment        string `json:"segment"`
	ProductID      string `json:"product_id"`
	Category       string `json:"category"`
	MaxAutoPercent string `json:"max_auto_percent"`
	RequiredRole   string `json:"required_role"`
	Priority       int    `json:"priority"`
	Active         bool   `json:"active"`
}

type approvalThresholdFixture struct {
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	ThresholdType string          `json:"threshold_type"`
	Segment       string          `json:"segment"`
	Condition     json.RawMessage `json:"condition"`
	RequiredRole  string          `json:"required_role"`
	Blocking      bool            `json:"blocking"`
	Priority      int             `json:"priority"`
	Active        bool            `json:"active"`
}

// Run loads the fixture into the configured database.
func Run(ctx context.Context, cfg Config) error {
	if cfg.FixturePath == "" {
		return fmt.Errorf("a fixture path is required (-fixture)")
	}
	raw, err := os.ReadFile(cfg.FixturePath)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var fixture Fixture
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return fmt.Errorf("decode fixture: %w", err)
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath, nil)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()
		return Load(ctx, store, fixture)
	})
}

// Loader is the storage surface the seeder writes through.
type Loader interface {
	PutProduct(ctx context.Context, product domain.Product) error
	PutPriceBook(ctx context.Context, book domain.PriceBook) error
	PutPriceBookEntry(ctx context.Context, entry domain.PriceBookEntry) error
	PutFormula(ctx context.Context, formula domain.PricingFormula) error
	PutBundle(ctx context.Context, bundle domain.Bundle) error
	PutConstraintRule(ctx context.Context, rule domain.ConstraintRule) error
	PutDiscountPolicy(ctx context.Context, policy domain.DiscountPolicy) error
	PutApprovalThreshold(ctx context.Context, threshold domain.ApprovalThreshold) error
}

// Load writes every fixture row through the storage layer in dependency
// order: products and formulas before entries, entries before rules.
func Load(ctx context.Context, store Loader, fixture Fixture) error {
	now := time.Now().UTC()

	for _, row := range fixture.Products {
		product := domain.Product{
			ID:         row.ID,
			SKU:        row.SKU,
			Name:       row.Name,
			Category:   row.Category,
			Revision:   row.Revision,
			Attributes: row.Attributes,
			Active:     row.Active,
		}
		if row.CostPrice != "" {
			cost, err := decimal.NewFromString(row.CostPrice)
			if err != nil {
				return fmt.Errorf("product %s cost_price: %w", row.ID, err)
			}
			product.CostPrice = decimal.NewNullDecimal(cost)
		}
		if err := store.PutProduct(ctx, product); err != nil {
			return fmt.Errorf("load product %s: %w", row.ID, err)
		}
	}
	for _, row := range fixture.PriceBooks {
		if err := store.PutPriceBook(ctx, domain.PriceBook{
			ID:         row.ID,
			Name:       row.Name,
			Segment:    row.Segment,
			Region:     row.Region,
			Currency:   row.Currency,
			Priority:   row.Priority,
			ValidFrom:  row.ValidFrom,
			ValidUntil: row.ValidUntil,
			Active:     row.Active,
		}); err != nil {
			return fmt.Errorf("load price book %s: %w", row.ID, err)
		}
	}
	for _, row := range fixture.Formulas {
		if err := store.PutFormula(ctx, domain.PricingFormula{ID: row.ID, Expression: row.Expression}); err != nil {
			return fmt.Errorf("load formula %s: %w", row.ID, err)
		}
	}
	for _, row := range fixture.PriceBookEntries {
		listPrice, err := decimal.NewFromString(row.ListPrice)
		if err != nil {
			return fmt.Errorf("entry %s list_price: %w", row.ID, err)
		}
		entry := domain.PriceBookEntry{
			ID:          row.ID,
			PriceBookID: row.PriceBookID,
			ProductID:   row.ProductID,
			ListPrice:   listPrice,
			FormulaID:   row.FormulaID,
		}
		for _, tier := range row.Tiers {
			unitPrice, err := decimal.NewFromString(tier.UnitPrice)
			if err != nil {
				return fmt.Errorf("entry %s tier unit_price: %w", row.ID, err)
			}
			entry.Tiers = append(entry.Tiers, domain.VolumeTier{
				MinQuantity: tier.MinQuantity,
				MaxQuantity: tier.MaxQuantity,
				UnitPrice:   unitPrice,
			})
		}
		if err := store.PutPriceBookEntry(ctx, entry); err != nil {
			return fmt.Errorf("load entry %s: %w", row.ID, err)
		}
	}
	for _, row := range fixture.Bundles {
		discount := decimal.Zero
		if row.DiscountPercent != "" {
			parsed, err := decimal.NewFromString(row.DiscountPercent)
			if err != nil {
				return fmt.Errorf("bundle %s discount_percent: %w", row.ID, err)
			}
			discount = parsed
		}
		bundle := domain.Bundle{ID: row.ID, Name: row.Name, DiscountPercent: discount}
		for _, component := range row.Components {
			bundle.Components = append(bundle.Components, domain.BundleComponent{
				ProductID: component.ProductID,
				MinCount:  component.MinCount,
				MaxCount:  component.MaxCount,
				Optional:  component.Optional,
			})
		}
		if err := store.PutBundle(ctx, bundle); err != nil {
			return fmt.Errorf("load bundle %s: %w", row.ID, err)
		}
	}
	for _, row := range fixture.ConstraintRules {
		constraintType, err := domain.ConstraintTypeFromLabel(row.ConstraintType)
		if err != nil {
			return fmt.Errorf("rule %s: %w", row.ID, err)
		}
		if err := store.PutConstraintRule(ctx, domain.ConstraintRule{
			ID:                 row.ID,
			Version:            row.Version,
			ConstraintType:     constraintType,
			SourceProductID:    row.SourceProductID,
			ConditionJSON:      row.Condition,
			Priority:           row.Priority,
			Active:             row.Active,
			Message:            row.Message,
			SuggestionTemplate: row.SuggestionTemplate,
			CreatedAt:          now,
		}); err != nil {
			return fmt.Errorf("load rule %s: %w", row.ID, err)
		}
	}
	for _, row := range fixture.DiscountPolicies {
		maxAuto, err := decimal.NewFromString(row.MaxAutoPercent)
		if err != nil {
			return fmt.Errorf("policy %s max_auto_percent: %w", row.ID, err)
		}
		if err := store.PutDiscountPolicy(ctx, domain.DiscountPolicy{
			ID:             row.ID,
			Version:        row.Version,
			Segment:        row.Segment,
			ProductID:      row.ProductID,
			Category:       row.Category,
			MaxAutoPercent: maxAuto,
			RequiredRole:   row.RequiredRole,
			Priority:       row.Priority,
			Active:         row.Active,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("load policy %s: %w", row.ID, err)
		}
	}
	for _, row := range fixture.ApprovalThresholds {
		if err := store.PutApprovalThreshold(ctx, domain.ApprovalThreshold{
			ID:            row.ID,
			Version:       row.Version,
			ThresholdType: domain.ThresholdType(row.ThresholdType),
			Segment:       row.Segment,
			ConditionJSON: row.Condition,
			RequiredRole:  row.RequiredRole,
			Blocking:      row.Blocking,
			Priority:      row.Priority,
			Active:        row.Active,
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("load threshold %s: %w", row.ID, err)
		}
	}

	log.Printf("seeded %d products, %d books, %d entries, %d formulas, %d bundles, %d rules, %d policies, %d thresholds",
		len(fixture.Products), len(fixture.PriceBooks), len(fixture.PriceBookEntries),
		len(fixture.Formulas), len(fixture.Bundles), len(fixture.ConstraintRules),
		len(fixture.DiscountPolicies), len(fixture.ApprovalThresholds))
	return nil
}
