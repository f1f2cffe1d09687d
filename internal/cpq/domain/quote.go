package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/platform/id"
)

// QuoteStatus describes the lifecycle position of a quote.
type QuoteStatus int

const (
	// QuoteStatusUnspecified represents an invalid quote status value.
	QuoteStatusUnspecified QuoteStatus = iota
	// QuoteStatusDraft indicates the quote is editable.
	QuoteStatusDraft
	// QuoteStatusValidated indicates the configuration passed constraint checks.
	QuoteStatusValidated
	// QuoteStatusPriced indicates a pricing snapshot exists for the current version.
	QuoteStatusPriced
	// QuoteStatusPendingApproval indicates an approval chain is in flight.
	QuoteStatusPendingApproval
	// QuoteStatusApproved indicates the approval chain completed successfully.
	QuoteStatusApproved
	// QuoteStatusFinalized indicates the quote is frozen and ready to send.
	QuoteStatusFinalized
	// QuoteStatusSent indicates the finalized quote was delivered.
	QuoteStatusSent
	// QuoteStatusRejected indicates policy or an approver declined the quote.
	QuoteStatusRejected
	// QuoteStatusExpired indicates the quote passed its validity window.
	QuoteStatusExpired
	// QuoteStatusRevised indicates a successor quote supersedes this one.
	QuoteStatusRevised
	// QuoteStatusCancelled indicates the quote was withdrawn.
	QuoteStatusCancelled
)

var (
	// ErrQuoteCurrencyRequired indicates a missing quote currency.
	ErrQuoteCurrencyRequired = apperrors.New(apperrors.CodeQuoteCurrencyRequired, "quote currency is required")
	// ErrQuoteAccountRequired indicates a missing owning account reference.
	ErrQuoteAccountRequired = apperrors.New(apperrors.CodeQuoteAccountRequired, "quote account is required")
	// ErrQuoteTermInvalid indicates an invalid quote term.
	ErrQuoteTermInvalid = apperrors.New(apperrors.CodeQuoteTermInvalid, "quote term is invalid")
	// ErrQuoteImmutable indicates a mutation attempt against a frozen quote.
	ErrQuoteImmutable = apperrors.New(apperrors.CodeQuoteImmutable, "quote is immutable in its current status")
	// ErrLineDiscountInvalid indicates a requested discount outside [0, 100].
	ErrLineDiscountInvalid = apperrors.New(apperrors.CodeLineDiscountInvalid, "requested discount is invalid")
)

// Quote is the aggregate root for a CPQ quote.
type Quote struct {
	ID      string
	Version int64
	Status  QuoteStatus
	// ParentQuoteID links an amendment to the frozen quote it supersedes.
	ParentQuoteID string
	AccountID     string
	Currency      string
	Segment       string
	Region        string
	// TermStart and TermEnd bound the subscription term.
	TermStart  time.Time
	TermEnd    time.Time
	TermMonths int
	// RequestedDiscountPct is the rep-requested discount percentage.
	RequestedDiscountPct decimal.Decimal
	CreatedBy            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CreateQuoteInput describes the fields needed to create a quote.
type CreateQuoteInput struct {
	AccountID  string
	Currency   string
	Segment    string
	Region     string
	TermStart  time.Time
	TermMonths int
	CreatedBy  string
}

// CreateQuote creates a new draft quote with a generated ID and timestamps.
func CreateQuote(input CreateQuoteInput, now func() time.Time, idGenerator func() (string, error)) (Quote, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateQuoteInput(input)
	if err != nil {
		return Quote{}, err
	}

	quoteID, err := idGenerator()
	if err != nil {
		return Quote{}, fmt.Errorf("generate quote id: %w", err)
	}

	createdAt := now().UTC()
	termStart := normalized.TermStart
	if termStart.IsZero() {
		termStart = createdAt
	}
	return Quote{
		ID:                   quoteID,
		Version:              1,
		Status:               QuoteStatusDraft,
		AccountID:            normalized.AccountID,
		Currency:             normalized.Currency,
		Segment:              normalized.Segment,
		Region:               normalized.Region,
		TermStart:            termStart,
		TermEnd:              termStart.AddDate(0, normalized.TermMonths, 0),
		TermMonths:           normalized.TermMonths,
		RequestedDiscountPct: decimal.Zero,
		CreatedBy:            normalized.CreatedBy,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}, nil
}

// NormalizeCreateQuoteInput trims and validates quote creation input.
func NormalizeCreateQuoteInput(input CreateQuoteInput) (CreateQuoteInput, error) {
	input.AccountID = strings.TrimSpace(input.AccountID)
	if input.AccountID == "" {
		return CreateQuoteInput{}, ErrQuoteAccountRequired
	}
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	if input.Currency == "" {
		return CreateQuoteInput{}, ErrQuoteCurrencyRequired
	}
	input.Segment = strings.TrimSpace(input.Segment)
	input.Region = strings.TrimSpace(input.Region)
	input.CreatedBy = strings.TrimSpace(input.CreatedBy)
	if input.TermMonths <= 0 {
		return CreateQuoteInput{}, ErrQuoteTermInvalid
	}
	return input, nil
}

// Editable reports whether quote content may still be mutated directly.
// Statuses past Draft are read-mostly; the flow engine moves a quote back to
// Draft before edits are accepted again.
func (q Quote) Editable() bool {
	return q.Status == QuoteStatusDraft
}

// Terminal reports whether the status is a terminal lifecycle marker.
func (s QuoteStatus) Terminal() bool {
	switch s {
	case QuoteStatusRejected, QuoteStatusExpired, QuoteStatusRevised, QuoteStatusCancelled:
		return true
	default:
		return false
	}
}

// WithRequestedDiscount returns a copy with the requested discount set.
// Only draft quotes accept discount changes.
func (q Quote) WithRequestedDiscount(percent decimal.Decimal, now func() time.Time) (Quote, error) {
	if now == nil {
		now = time.Now
	}
	if !q.Editable() {
		return Quote{}, ErrQuoteImmutable
	}
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return Quote{}, ErrLineDiscountInvalid
	}
	updated := q
	updated.RequestedDiscountPct = percent
	updated.UpdatedAt = now().UTC()
	return updated, nil
}

// NewRevision creates the successor draft for a frozen quote. The successor
// starts at version 1 in Draft and records the predecessor through
// ParentQuoteID; the predecessor itself is never mutated here.
func NewRevision(parent Quote, now func() time.Time, idGenerator func() (string, error)) (Quote, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	quoteID, err := idGenerator()
	if err != nil {
		return Quote{}, fmt.Errorf("generate quote id: %w", err)
	}

	createdAt := now().UTC()
	revision := parent
	revision.ID = quoteID
	revision.Version = 1
	revision.Status = QuoteStatusDraft
	revision.ParentQuoteID = parent.ID
	revision.CreatedAt = createdAt
	revision.UpdatedAt = createdAt
	return revision, nil
}

// QuoteStatusLabel returns a stable label for a quote status.
func QuoteStatusLabel(status QuoteStatus) string {
	switch status {
	case QuoteStatusDraft:
		return "DRAFT"
	case QuoteStatusValidated:
		return "VALIDATED"
	case QuoteStatusPriced:
		return "PRICED"
	case QuoteStatusPendingApproval:
		return "PENDING_APPROVAL"
	case QuoteStatusApproved:
		return "APPROVED"
	case QuoteStatusFinalized:
		return "FINALIZED"
	case QuoteStatusSent:
		return "SENT"
	case QuoteStatusRejected:
		return "REJECTED"
	case QuoteStatusExpired:
		return "EXPIRED"
	case QuoteStatusRevised:
		return "REVISED"
	case QuoteStatusCancelled:
		return "CANCELLED"
	default:
		return "UNSPECIFIED"
	}
}

// QuoteStatusFromLabel parses a string label into a QuoteStatus.
// It trims whitespace and matches case-insensitively.
func QuoteStatusFromLabel(value string) (QuoteStatus, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return QuoteStatusUnspecified, fmt.Errorf("quote status is required")
	}
	switch strings.ToUpper(trimmed) {
	case "DRAFT":
		return QuoteStatusDraft, nil
	case "VALIDATED":
		return QuoteStatusValidated, nil
	case "PRICED":
		return QuoteStatusPriced, nil
	case "PENDING_APPROVAL":
		return QuoteStatusPendingApproval, nil
	case "APPROVED":
		return QuoteStatusApproved, nil
	case "FINALIZED":
		return QuoteStatusFinalized, nil
	case "SENT":
		return QuoteStatusSent, nil
	case "REJECTED":
		return QuoteStatusRejected, nil
	case "EXPIRED":
		return QuoteStatusExpired, nil
	case "REVISED":
		return QuoteStatusRevised, nil
	case "CANCELLED":
		return QuoteStatusCancelled, nil
	default:
		return QuoteStatusUnspecified, fmt.Errorf("unknown quote status: %s", trimmed)
	}
}
