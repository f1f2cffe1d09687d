package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

// Product is a sellable catalog item. Reference data is read-only from the
// engine's perspective during an evaluation pass.
type Product struct {
	ID       string
	SKU      string
	Name     string
	Category string
	// Revision increments on every catalog edit; quote lines pin it.
	Revision int
	// Attributes declare configurable values constraint rules can check.
	Attributes map[string]string
	// CostPrice feeds margin-floor policies when present.
	CostPrice decimal.NullDecimal
	Active    bool
}

// PriceBook is a named, scoped collection of per-product prices.
type PriceBook struct {
	ID       string
	Name     string
	Segment  string
	Region   string
	Currency string
	// Priority orders candidate books; highest priority wins selection.
	Priority   int
	ValidFrom  time.Time
	ValidUntil *time.Time
	Active     bool
}

// AppliesTo reports whether the book covers the given scope at the given time.
// Empty segment/region on the book act as wildcards.
func (b PriceBook) AppliesTo(segment, region, currency string, at time.Time) bool {
	if !b.Active {
		return false
	}
	if !strings.EqualFold(b.Currency, currency) {
		return false
	}
	if b.Segment != "" && !strings.EqualFold(b.Segment, segment) {
		return false
	}
	if b.Region != "" && !strings.EqualFold(b.Region, region) {
		return false
	}
	if !b.ValidFrom.IsZero() && at.Before(b.ValidFrom) {
		return false
	}
	if b.ValidUntil != nil && !at.Before(*b.ValidUntil) {
		return false
	}
	return true
}

// VolumeTier maps a [MinQuantity, MaxQuantity) range to a unit price.
// MaxQuantity zero means unbounded.
type VolumeTier struct {
	MinQuantity int
	MaxQuantity int
	UnitPrice   decimal.Decimal
}

// Contains reports whether the tier's half-open range covers quantity.
func (t VolumeTier) Contains(quantity int) bool {
	if quantity < t.MinQuantity {
		return false
	}
	return t.MaxQuantity == 0 || quantity < t.MaxQuantity
}

// PriceBookEntry prices one product within one price book.
type PriceBookEntry struct {
	ID          string
	PriceBookID string
	ProductID   string
	ListPrice   decimal.Decimal
	// FormulaID optionally names the stored pricing formula for the entry.
	FormulaID string
	Tiers     []VolumeTier
}

// TierFor selects the tier containing quantity. The gapless invariant is
// enforced at data-load time, so a miss here is an internal-consistency
// failure, not a user error.
func (e PriceBookEntry) TierFor(quantity int) (VolumeTier, bool) {
	for _, tier := range e.Tiers {
		if tier.Contains(quantity) {
			return tier, true
		}
	}
	return VolumeTier{}, false
}

// ValidateTiers enforces the load-time tier invariants: ranges sorted,
// contiguous, non-overlapping, and unit prices non-increasing as quantity
// grows.
func ValidateTiers(entry PriceBookEntry) error {
	if len(entry.Tiers) == 0 {
		return nil
	}
	tiers := append([]VolumeTier(nil), entry.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinQuantity < tiers[j].MinQuantity })

	for i, tier := range tiers {
		if tier.MaxQuantity != 0 && tier.MaxQuantity <= tier.MinQuantity {
			return apperrors.WithMetadata(apperrors.CodeVolumeTierOverlap,
				fmt.Sprintf("tier range is empty: [%d, %d)", tier.MinQuantity, tier.MaxQuantity),
				map[string]string{"EntryID": entry.ID})
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if prev.MaxQuantity == 0 {
			return apperrors.WithMetadata(apperrors.CodeVolumeTierOverlap,
				"unbounded tier must be the last tier",
				map[string]string{"EntryID": entry.ID})
		}
		if tier.MinQuantity < prev.MaxQuantity {
			return apperrors.WithMetadata(apperrors.CodeVolumeTierOverlap,
				fmt.Sprintf("tier ranges overlap at quantity %d", tier.MinQuantity),
				map[string]string{"EntryID": entry.ID})
		}
		if tier.MinQuantity > prev.MaxQuantity {
			return apperrors.WithMetadata(apperrors.CodeVolumeTierGap,
				fmt.Sprintf("tier ranges leave a gap between %d and %d", prev.MaxQuantity, tier.MinQuantity),
				map[string]string{"EntryID": entry.ID})
		}
		if tier.UnitPrice.GreaterThan(prev.UnitPrice) {
			return apperrors.WithMetadata(apperrors.CodeVolumeTierNotMonotonic,
				fmt.Sprintf("tier unit price rises from %s to %s", prev.UnitPrice, tier.UnitPrice),
				map[string]string{"EntryID": entry.ID})
		}
	}
	return nil
}

// PricingFormula is a stored arithmetic expression evaluated against the
// pricing pipeline's fixed variable set.
type PricingFormula struct {
	ID         string
	Expression string
}

// BundleComponent declares the required cardinality of one product inside a
// bundle.
type BundleComponent struct {
	ProductID string
	// MinCount and MaxCount bound the component quantity within the bundle.
	// MaxCount zero means unbounded.
	MinCount int
	MaxCount int
	Optional bool
}

// Bundle groups products whose exact composition constraints must be met
// before bundle pricing applies.
type Bundle struct {
	ID   string
	Name string
	// DiscountPercent is applied to member lines when composition matches.
	DiscountPercent decimal.Decimal
	Components      []BundleComponent
}

// ValidateBundle enforces load-time bundle invariants.
func ValidateBundle(bundle Bundle) error {
	if len(bundle.Components) == 0 {
		return apperrors.WithMetadata(apperrors.CodeBundleComponentsInvalid,
			"bundle requires at least one component",
			map[string]string{"BundleID": bundle.ID})
	}
	seen := make(map[string]bool, len(bundle.Components))
	for _, component := range bundle.Components {
		if strings.TrimSpace(component.ProductID) == "" {
			return apperrors.WithMetadata(apperrors.CodeBundleComponentsInvalid,
				"bundle component product id is required",
				map[string]string{"BundleID": bundle.ID})
		}
		if seen[component.ProductID] {
			return apperrors.WithMetadata(apperrors.CodeBundleComponentsInvalid,
				fmt.Sprintf("bundle lists product %s twice", component.ProductID),
				map[string]string{"BundleID": bundle.ID})
		}
		seen[component.ProductID] = true
		if component.MinCount < 0 || (component.MaxCount != 0 && component.MaxCount < component.MinCount) {
			return apperrors.WithMetadata(apperrors.CodeBundleComponentsInvalid,
				fmt.Sprintf("bundle component %s has invalid counts", component.ProductID),
				map[string]string{"BundleID": bundle.ID})
		}
		if !component.Optional && component.MinCount == 0 {
			return apperrors.WithMetadata(apperrors.CodeBundleComponentsInvalid,
				fmt.Sprintf("required bundle component %s must have a positive min count", component.ProductID),
				map[string]string{"BundleID": bundle.ID})
		}
	}
	return nil
}
