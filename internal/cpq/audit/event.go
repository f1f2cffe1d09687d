package audit

import (
	"strings"
	"time"
)

// Type identifies the type of an audit event.
type Type string

// Quote lifecycle events.
const (
	// TypeQuoteCreated records the creation of a quote.
	TypeQuoteCreated Type = "quote.created"
	// TypeQuoteEdited records a content edit that returned the quote to draft.
	TypeQuoteEdited Type = "quote.edited"
	// TypeQuoteStatusChanged records a lifecycle transition.
	TypeQuoteStatusChanged Type = "quote.status_changed"
	// TypeQuoteRevised records the creation of a superseding revision.
	TypeQuoteRevised Type = "quote.revised"
)

// Evaluation events.
const (
	// TypeConfigurationValidated records a constraint evaluation outcome.
	TypeConfigurationValidated Type = "evaluation.configuration_validated"
	// TypePricingComputed records a successful pricing pass.
	TypePricingComputed Type = "evaluation.pricing_computed"
	// TypePricingFailed records a failed pricing pass.
	TypePricingFailed Type = "evaluation.pricing_failed"
	// TypePolicyEvaluated records a policy evaluation outcome.
	TypePolicyEvaluated Type = "evaluation.policy_evaluated"
)

// Approval events.
const (
	// TypeApprovalRequested records the opening of an approval request.
	TypeApprovalRequested Type = "approval.requested"
	// TypeApprovalDecided records an approver decision.
	TypeApprovalDecided Type = "approval.decided"
)

// Category groups event types for queries.
type Category string

const (
	// CategoryLifecycle covers quote lifecycle events.
	CategoryLifecycle Category = "lifecycle"
	// CategoryEvaluation covers evaluator outcomes.
	CategoryEvaluation Category = "evaluation"
	// CategoryApproval covers approval workflow events.
	CategoryApproval Category = "approval"
)

// ActorType identifies who or what triggered an event.
type ActorType string

const (
	// ActorTypeSystem indicates the event was triggered by the system.
	ActorTypeSystem ActorType = "system"
	// ActorTypeRep indicates the event was triggered by a sales rep.
	ActorTypeRep ActorType = "rep"
	// ActorTypeApprover indicates the event was triggered by an approver.
	ActorTypeApprover ActorType = "approver"
)

// Event represents an immutable row in the append-only audit journal.
// Events are never updated or deleted.
type Event struct {
	// QuoteID is the quote this event belongs to.
	QuoteID string
	// Seq is the event sequence number within the quote (starts at 1).
	// Assigned by storage on append.
	Seq uint64
	// Hash is the content hash of the canonical envelope.
	// Assigned by storage on append.
	Hash string
	// PrevHash is the previous event's chain hash ("" for the first event).
	PrevHash string
	// ChainHash links this event to its predecessor.
	ChainHash string
	// Signature is the HMAC signature of ChainHash.
	Signature string
	// SignatureKeyID names the keyring entry that produced Signature.
	SignatureKeyID string
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Type identifies the kind of event.
	Type Type
	// Category groups the event for queries.
	Category Category
	// RequestID correlates related events (e.g., an idempotency key).
	RequestID string
	// ActorType identifies who triggered the event.
	ActorType ActorType
	// ActorID is the user id when ActorType is rep or approver.
	ActorID string
	// QuoteVersion is the quote version after the event applied.
	QuoteVersion int64
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "quote").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// CategoryFor returns the category an event type belongs to.
func CategoryFor(t Type) Category {
	switch t.Domain() {
	case "quote":
		return CategoryLifecycle
	case "evaluation":
		return CategoryEvaluation
	case "approval":
		return CategoryApproval
	default:
		return CategoryLifecycle
	}
}
