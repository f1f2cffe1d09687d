package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// PutProduct upserts a catalog product.
func (s *Store) PutProduct(ctx context.Context, product domain.Product) error {
	attributes, err := encodeJSON(product.Attributes, "{}")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, revision, attributes_json, cost_price, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			category = excluded.category,
			revision = excluded.revision,
			attributes_json = excluded.attributes_json,
			cost_price = excluded.cost_price,
			active = excluded.active`,
		product.ID, product.SKU, product.Name, product.Category, product.Revision,
		attributes, nullDecimalText(product.CostPrice), boolToInt(product.Active),
	)
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// GetProduct loads one product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, sku, name, category, revision, attributes_json, cost_price, active
		FROM products WHERE id = ?`, id)

	var product domain.Product
	var attributes string
	var costPrice sql.NullString
	var active int64
	err := row.Scan(&product.ID, &product.SKU, &product.Name, &product.Category,
		&product.Revision, &attributes, &costPrice, &active)
	if err == sql.ErrNoRows {
		return domain.Product{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("get product: %w", err)
	}
	if err := decodeJSON(attributes, &product.Attributes); err != nil {
		return domain.Product{}, fmt.Errorf("decode product attributes: %w", err)
	}
	if product.CostPrice, err = nullDecimalFromText(costPrice); err != nil {
		return domain.Product{}, fmt.Errorf("decode cost price: %w", err)
	}
	product.Active = active != 0
	return product, nil
}

// PutPriceBook upserts a price book.
func (s *Store) PutPriceBook(ctx context.Context, book domain.PriceBook) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO price_books (id, name, segment, region, currency, priority, valid_from, valid_until, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			segment = excluded.segment,
			region = excluded.region,
			currency = excluded.currency,
			priority = excluded.priority,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			active = excluded.active`,
		book.ID, book.Name, book.Segment, book.Region, book.Currency, book.Priority,
		toMillis(book.ValidFrom), toNullMillis(book.ValidUntil), boolToInt(book.Active),
	)
	if err != nil {
		return fmt.Errorf("put price book: %w", err)
	}
	return nil
}

// SelectPriceBook picks the applicable book for the quote's scope at the
// evaluation instant: highest priority wins, ties break by lowest id.
func (s *Store) SelectPriceBook(ctx context.Context, segment, region, currency string, at time.Time) (domain.PriceBook, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, name, segment, region, currency, priority, valid_from, valid_until, active
		FROM price_books WHERE active = 1
		ORDER BY priority DESC, id`)
	if err != nil {
		return domain.PriceBook{}, fmt.Errorf("select price book: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var book domain.PriceBook
		var validFrom int64
		var validUntil sql.NullInt64
		var active int64
		if err := rows.Scan(&book.ID, &book.Name, &book.Segment, &book.Region,
			&book.Currency, &book.Priority, &validFrom, &validUntil, &active); err != nil {
			return domain.PriceBook{}, fmt.Errorf("scan price book: %w", err)
		}
		book.ValidFrom = fromMillis(validFrom)
		book.ValidUntil = fromNullMillis(validUntil)
		book.Active = active != 0
		if book.AppliesTo(segment, region, currency, at) {
			return book, nil
		}
	}
	if err := rows.Err(); err != nil {
		return domain.PriceBook{}, fmt.Errorf("select price book: %w", err)
	}
	return domain.PriceBook{}, storage.ErrNotFound
}

// PutPriceBookEntry upserts an entry after enforcing the load-time tier
// coverage invariant.
func (s *Store) PutPriceBookEntry(ctx context.Context, entry domain.PriceBookEntry) error {
	if err := domain.ValidateTiers(entry); err != nil {
		return err
	}
	tiers, err := encodeJSON(entry.Tiers, "[]")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO price_book_entries (id, price_book_id, product_id, list_price, formula_id, tiers_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			price_book_id = excluded.price_book_id,
			product_id = excluded.product_id,
			list_price = excluded.list_price,
			formula_id = excluded.formula_id,
			tiers_json = excluded.tiers_json`,
		entry.ID, entry.PriceBookID, entry.ProductID,
		decimalText(entry.ListPrice), entry.FormulaID, tiers,
	)
	if err != nil {
		return fmt.Errorf("put price book entry: %w", err)
	}
	return nil
}

// GetPriceBookEntry loads one product's entry in one book.
func (s *Store) GetPriceBookEntry(ctx context.Context, bookID, productID string) (domain.PriceBookEntry, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, price_book_id, product_id, list_price, formula_id, tiers_json
		FROM price_book_entries WHERE price_book_id = ? AND product_id = ?`,
		bookID, productID)

	var entry domain.PriceBookEntry
	var listPrice, tiers string
	err := row.Scan(&entry.ID, &entry.PriceBookID, &entry.ProductID,
		&listPrice, &entry.FormulaID, &tiers)
	if err == sql.ErrNoRows {
		return domain.PriceBookEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.PriceBookEntry{}, fmt.Errorf("get price book entry: %w", err)
	}
	if entry.ListPrice, err = decimalFromText(listPrice); err != nil {
		return domain.PriceBookEntry{}, fmt.Errorf("decode list price: %w", err)
	}
	if err := decodeJSON(tiers, &entry.Tiers); err != nil {
		return domain.PriceBookEntry{}, fmt.Errorf("decode tiers: %w", err)
	}
	return entry, nil
}

// PutFormula upserts a stored pricing formula.
func (s *Store) PutFormula(ctx context.Context, formula domain.PricingFormula) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO pricing_formulas (id, expression) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET expression = excluded.expression`,
		formula.ID, formula.Expression)
	if err != nil {
		return fmt.Errorf("put formula: %w", err)
	}
	return nil
}

// GetFormula loads one stored formula by id.
func (s *Store) GetFormula(ctx context.Context, id string) (domain.PricingFormula, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, expression FROM pricing_formulas WHERE id = ?`, id)
	var formula domain.PricingFormula
	err := row.Scan(&formula.ID, &formula.Expression)
	if err == sql.ErrNoRows {
		return domain.PricingFormula{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.PricingFormula{}, fmt.Errorf("get formula: %w", err)
	}
	return formula, nil
}

// PutBundle upserts a bundle after enforcing load-time cardinality
// invariants.
func (s *Store) PutBundle(ctx context.Context, bundle domain.Bundle) error {
	if err := domain.ValidateBundle(bundle); err != nil {
		return err
	}
	components, err := encodeJSON(bundle.Components, "[]")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO bundles (id, name, discount_percent, components_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			discount_percent = excluded.discount_percent,
			components_json = excluded.components_json`,
		bundle.ID, bundle.Name, decimalText(bundle.DiscountPercent), components)
	if err != nil {
		return fmt.Errorf("put bundle: %w", err)
	}
	return nil
}

// GetBundle loads one bundle by id.
func (s *Store) GetBundle(ctx context.Context, id string) (domain.Bundle, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, discount_percent, components_json FROM bundles WHERE id = ?`, id)
	var bundle domain.Bundle
	var discountPercent, components string
	err := row.Scan(&bundle.ID, &bundle.Name, &discountPercent, &components)
	if err == sql.ErrNoRows {
		return domain.Bundle{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("get bundle: %w", err)
	}
	if bundle.DiscountPercent, err = decimalFromText(discountPercent); err != nil {
		return domain.Bundle{}, fmt.Errorf("decode bundle discount: %w", err)
	}
	if err := decodeJSON(components, &bundle.Components); err != nil {
		return domain.Bundle{}, fmt.Errorf("decode bundle components: %w", err)
	}
	return bundle, nil
}

// PutConstraintRule inserts a rule, preserving first-insertion order for
// deterministic tie-breaks among equal priorities. Stored rules are frozen
// once written; a replacement under the same id must carry a strictly higher
// version so evaluations already journaled stay reproducible.
func (s *Store) PutConstraintRule(ctx context.Context, rule domain.ConstraintRule) error {
	condition := string(rule.ConditionJSON)
	if strings.TrimSpace(condition) == "" {
		condition = "{}"
	}
	res, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO constraint_rules (
			id, version, constraint_type, source_product_id, condition_json,
			priority, active, message, suggestion_template, position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM constraint_rules))
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			constraint_type = excluded.constraint_type,
			source_product_id = excluded.source_product_id,
			condition_json = excluded.condition_json,
			priority = excluded.priority,
			active = excluded.active,
			message = excluded.message,
			suggestion_template = excluded.suggestion_template
		WHERE excluded.version > constraint_rules.version`,
		rule.ID, rule.Version, string(rule.ConstraintType), rule.SourceProductID,
		condition, rule.Priority, boolToInt(rule.Active), rule.Message,
		rule.SuggestionTemplate,
	)
	if err != nil {
		return fmt.Errorf("put constraint rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put constraint rule: %w", err)
	}
	if affected == 0 {
		return apperrors.WithMetadata(apperrors.CodeReferenceDataImmutable,
			fmt.Sprintf("constraint rule %s is frozen; edits need a higher version", rule.ID),
			map[string]string{"RuleID": rule.ID})
	}
	return nil
}

// FindConstraintRules returns the rules scoped to any of the given products
// plus the unscoped rules, in priority order with insertion order breaking
// ties.
func (s *Store) FindConstraintRules(ctx context.Context, productIDs []string) ([]domain.ConstraintRule, error) {
	query := `
		SELECT id, version, constraint_type, source_product_id, condition_json,
			priority, active, message, suggestion_template
		FROM constraint_rules
		WHERE source_product_id = ''`
	args := make([]any, 0, len(productIDs))
	if len(productIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(productIDs)), ", ")
		query += ` OR source_product_id IN (` + placeholders + `)`
		for _, id := range productIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY priority, position`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find constraint rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.ConstraintRule
	for rows.Next() {
		var rule domain.ConstraintRule
		var constraintType, condition string
		var active int64
		if err := rows.Scan(&rule.ID, &rule.Version, &constraintType,
			&rule.SourceProductID, &condition, &rule.Priority, &active,
			&rule.Message, &rule.SuggestionTemplate); err != nil {
			return nil, fmt.Errorf("scan constraint rule: %w", err)
		}
		rule.ConstraintType = domain.ConstraintType(constraintType)
		rule.ConditionJSON = json.RawMessage(condition)
		rule.Active = active != 0
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
