package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// PutQuote upserts the quote aggregate row.
func (s *Store) PutQuote(ctx context.Context, quote domain.Quote) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO quotes (
			id, version, status, parent_quote_id, account_id, currency,
			segment, region, term_start, term_end, term_months,
			requested_discount_pct, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			parent_quote_id = excluded.parent_quote_id,
			account_id = excluded.account_id,
			currency = excluded.currency,
			segment = excluded.segment,
			region = excluded.region,
			term_start = excluded.term_start,
			term_end = excluded.term_end,
			term_months = excluded.term_months,
			requested_discount_pct = excluded.requested_discount_pct,
			created_by = excluded.created_by,
			updated_at = excluded.updated_at`,
		quote.ID, quote.Version, domain.QuoteStatusLabel(quote.Status),
		quote.ParentQuoteID, quote.AccountID, quote.Currency,
		quote.Segment, quote.Region, toMillis(quote.TermStart), toMillis(quote.TermEnd),
		quote.TermMonths, decimalText(quote.RequestedDiscountPct),
		quote.CreatedBy, toMillis(quote.CreatedAt), toMillis(quote.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put quote: %w", err)
	}
	return nil
}

// GetQuote loads one quote by id.
func (s *Store) GetQuote(ctx context.Context, id string) (domain.Quote, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, version, status, parent_quote_id, account_id, currency,
			segment, region, term_start, term_end, term_months,
			requested_discount_pct, created_by, created_at, updated_at
		FROM quotes WHERE id = ?`, id)
	quote, err := scanQuote(row)
	if err == sql.ErrNoRows {
		return domain.Quote{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Quote{}, fmt.Errorf("get quote: %w", err)
	}
	return quote, nil
}

// ListQuotesByAccount returns the account's quotes, oldest first.
func (s *Store) ListQuotesByAccount(ctx context.Context, accountID string) ([]domain.Quote, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, version, status, parent_quote_id, account_id, currency,
			segment, region, term_start, term_end, term_months,
			requested_discount_pct, created_by, created_at, updated_at
		FROM quotes WHERE account_id = ?
		ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()

	var quotes []domain.Quote
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (domain.Quote, error) {
	var quote domain.Quote
	var status, requested string
	var termStart, termEnd, createdAt, updatedAt int64
	if err := row.Scan(
		&quote.ID, &quote.Version, &status, &quote.ParentQuoteID,
		&quote.AccountID, &quote.Currency, &quote.Segment, &quote.Region,
		&termStart, &termEnd, &quote.TermMonths, &requested,
		&quote.CreatedBy, &createdAt, &updatedAt,
	); err != nil {
		return domain.Quote{}, err
	}
	parsedStatus, err := domain.QuoteStatusFromLabel(status)
	if err != nil {
		return domain.Quote{}, err
	}
	quote.Status = parsedStatus
	quote.RequestedDiscountPct, err = decimalFromText(requested)
	if err != nil {
		return domain.Quote{}, err
	}
	quote.TermStart = fromMillis(termStart)
	quote.TermEnd = fromMillis(termEnd)
	quote.CreatedAt = fromMillis(createdAt)
	quote.UpdatedAt = fromMillis(updatedAt)
	return quote, nil
}

// PutLine upserts one quote line.
func (s *Store) PutLine(ctx context.Context, line domain.QuoteLine) error {
	attributes, err := encodeJSON(line.Attributes, "{}")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO quote_lines (
			id, quote_id, product_id, product_revision, quantity,
			attributes_json, sort_order, unit_price, subtotal,
			discount_percent, discount_amount, priced_snapshot_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quote_id = excluded.quote_id,
			product_id = excluded.product_id,
			product_revision = excluded.product_revision,
			quantity = excluded.quantity,
			attributes_json = excluded.attributes_json,
			sort_order = excluded.sort_order,
			unit_price = excluded.unit_price,
			subtotal = excluded.subtotal,
			discount_percent = excluded.discount_percent,
			discount_amount = excluded.discount_amount,
			priced_snapshot_id = excluded.priced_snapshot_id,
			updated_at = excluded.updated_at`,
		line.ID, line.QuoteID, line.ProductID, line.ProductRevision, line.Quantity,
		attributes, line.SortOrder,
		nullDecimalText(line.UnitPrice), nullDecimalText(line.Subtotal),
		decimalText(line.DiscountPercent), decimalText(line.DiscountAmount),
		line.PricedSnapshotID, toMillis(line.CreatedAt), toMillis(line.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put quote line: %w", err)
	}
	return nil
}

// DeleteLine removes one line by id.
func (s *Store) DeleteLine(ctx context.Context, lineID string) error {
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM quote_lines WHERE id = ?`, lineID)
	if err != nil {
		return fmt.Errorf("delete quote line: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete quote line: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListLines returns the quote's lines in deterministic sort order.
func (s *Store) ListLines(ctx context.Context, quoteID string) ([]domain.QuoteLine, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, quote_id, product_id, product_revision, quantity,
			attributes_json, sort_order, unit_price, subtotal,
			discount_percent, discount_amount, priced_snapshot_id,
			created_at, updated_at
		FROM quote_lines WHERE quote_id = ?
		ORDER BY sort_order, id`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list quote lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.QuoteLine
	for rows.Next() {
		var line domain.QuoteLine
		var attributes, discountPercent, discountAmount string
		var unitPrice, subtotal sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&line.ID, &line.QuoteID, &line.ProductID, &line.ProductRevision,
			&line.Quantity, &attributes, &line.SortOrder,
			&unitPrice, &subtotal, &discountPercent, &discountAmount,
			&line.PricedSnapshotID, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan quote line: %w", err)
		}
		if err := decodeJSON(attributes, &line.Attributes); err != nil {
			return nil, fmt.Errorf("decode line attributes: %w", err)
		}
		if line.UnitPrice, err = nullDecimalFromText(unitPrice); err != nil {
			return nil, fmt.Errorf("decode unit price: %w", err)
		}
		if line.Subtotal, err = nullDecimalFromText(subtotal); err != nil {
			return nil, fmt.Errorf("decode subtotal: %w", err)
		}
		if line.DiscountPercent, err = decimalFromText(discountPercent); err != nil {
			return nil, fmt.Errorf("decode discount percent: %w", err)
		}
		if line.DiscountAmount, err = decimalFromText(discountAmount); err != nil {
			return nil, fmt.Errorf("decode discount amount: %w", err)
		}
		line.CreatedAt = fromMillis(createdAt)
		line.UpdatedAt = fromMillis(updatedAt)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
