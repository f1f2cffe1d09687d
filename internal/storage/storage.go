package storage

import (
	"context"
	"time"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrVersionConflict indicates a stale expected version on a guarded write.
	ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "stored version does not match expected version")
)

// QuoteStore persists quote aggregates and their lines.
type QuoteStore interface {
	PutQuote(ctx context.Context, quote domain.Quote) error
	GetQuote(ctx context.Context, id string) (domain.Quote, error)
	ListQuotesByAccount(ctx context.Context, accountID string) ([]domain.Quote, error)
	PutLine(ctx context.Context, line domain.QuoteLine) error
	DeleteLine(ctx context.Context, lineID string) error
	ListLines(ctx context.Context, quoteID string) ([]domain.QuoteLine, error)
}

// CatalogReader serves reference data reads at evaluation time. Evaluators
// read through this contract at the moment of evaluation and never cache
// rules internally.
type CatalogReader interface {
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	FindConstraintRules(ctx context.Context, productIDs []string) ([]domain.ConstraintRule, error)
	SelectPriceBook(ctx context.Context, segment, region, currency string, at time.Time) (domain.PriceBook, error)
	GetPriceBookEntry(ctx context.Context, bookID, productID string) (domain.PriceBookEntry, error)
	GetFormula(ctx context.Context, id string) (domain.PricingFormula, error)
	GetBundle(ctx context.Context, id string) (domain.Bundle, error)
}

// CatalogWriter loads reference data. Load-time invariants (tier coverage,
// bundle cardinalities) are enforced here, not at pricing time.
type CatalogWriter interface {
	PutProduct(ctx context.Context, product domain.Product) error
	PutPriceBook(ctx context.Context, book domain.PriceBook) error
	PutPriceBookEntry(ctx context.Context, entry domain.PriceBookEntry) error
	PutFormula(ctx context.Context, formula domain.PricingFormula) error
	PutBundle(ctx context.Context, bundle domain.Bundle) error
	PutConstraintRule(ctx context.Context, rule domain.ConstraintRule) error
}

// PolicyReader serves active policy rows at evaluation time.
type PolicyReader interface {
	ActiveDiscountPolicies(ctx context.Context, segment, category string) ([]domain.DiscountPolicy, error)
	ActiveApprovalThresholds(ctx context.Context, segment string) ([]domain.ApprovalThreshold, error)
}

// PolicyWriter loads policy reference data.
type PolicyWriter interface {
	PutDiscountPolicy(ctx context.Context, policy domain.DiscountPolicy) error
	PutApprovalThreshold(ctx context.Context, threshold domain.ApprovalThreshold) error
}

// AuditJournal appends to and reads the per-quote audit event chain.
// Events are append-only; implementations assign Seq, hashes, and signature.
type AuditJournal interface {
	AppendEvent(ctx context.Context, evt audit.Event) (audit.Event, error)
	ListEvents(ctx context.Context, quoteID string) ([]audit.Event, error)
}

// SnapshotStore persists immutable pricing snapshots.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snapshot domain.QuotePricingSnapshot) error
	GetSnapshot(ctx context.Context, id string) (domain.QuotePricingSnapshot, error)
	LatestSnapshot(ctx context.Context, quoteID string) (domain.QuotePricingSnapshot, error)
}

// FlowStateStore upserts flow state guarded by optimistic concurrency.
// expectedVersion zero creates the row; otherwise the write commits only
// when the stored version matches, returning ErrVersionConflict on a race.
type FlowStateStore interface {
	PutFlowState(ctx context.Context, state domain.FlowState, expectedVersion int64) error
	GetFlowState(ctx context.Context, quoteID string) (domain.FlowState, error)
}

// ApprovalStore persists approval chains and requests.
type ApprovalStore interface {
	PutChain(ctx context.Context, chain domain.ApprovalChain) error
	GetChain(ctx context.Context, id string) (domain.ApprovalChain, error)
	PutRequest(ctx context.Context, request domain.ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (domain.ApprovalRequest, error)
	ListRequestsByQuote(ctx context.Context, quoteID string) ([]domain.ApprovalRequest, error)
	PendingRequest(ctx context.Context, quoteID string) (domain.ApprovalRequest, error)
}

// IdempotencyStore reserves idempotency keys and records their outcomes.
// A key is reserved before any side effect runs; a completed key replays
// its stored outcome without re-execution.
type IdempotencyStore interface {
	ReserveKey(ctx context.Context, key string, at time.Time) (bool, error)
	CompleteKey(ctx context.Context, key string, outcome []byte) error
	GetOutcome(ctx context.Context, key string) ([]byte, bool, error)
}

// TelemetryEvent records one operational occurrence.
type TelemetryEvent struct {
	Timestamp time.Time
	Severity  string
	Component string
	Message   string
	Fields    map[string]string
}

// TelemetryStore persists operational telemetry events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, evt TelemetryEvent) error
}

// Store is the composite contract a full backend implements.
type Store interface {
	QuoteStore
	CatalogReader
	CatalogWriter
	PolicyReader
	PolicyWriter
	AuditJournal
	SnapshotStore
	FlowStateStore
	ApprovalStore
	IdempotencyStore
	TelemetryStore
}
