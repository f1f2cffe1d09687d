package flow

import (
	"fmt"
	"strings"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

// EventType identifies an inbound flow event. The set is closed and
// versioned; anything outside it is rejected at the boundary.
type EventType string

const (
	// EventRequiredFieldsCollected asks to validate a complete draft.
	EventRequiredFieldsCollected EventType = "required_fields_collected"
	// EventQuoteEdited records a content edit and returns the quote to draft.
	EventQuoteEdited EventType = "quote_edited"
	// EventPricingRequested asks for a pricing pass.
	EventPricingRequested EventType = "pricing_requested"
	// EventFinalizationRequested asks to finalize, routing through policy.
	EventFinalizationRequested EventType = "finalization_requested"
	// EventApprovalDecided carries an approver's decision.
	EventApprovalDecided EventType = "approval_decided"
	// EventSendRequested asks to deliver a finalized quote.
	EventSendRequested EventType = "send_requested"
	// EventExpirationReached marks the quote expired.
	EventExpirationReached EventType = "expiration_reached"
	// EventCancellationRequested withdraws the quote.
	EventCancellationRequested EventType = "cancellation_requested"
	// EventRevisionRequested supersedes the quote with a new draft.
	EventRevisionRequested EventType = "revision_requested"
)

// EventTypeFromLabel parses an inbound event label against the closed set.
func EventTypeFromLabel(value string) (EventType, error) {
	evt := EventType(strings.ToLower(strings.TrimSpace(value)))
	switch evt {
	case EventRequiredFieldsCollected, EventQuoteEdited, EventPricingRequested,
		EventFinalizationRequested, EventApprovalDecided, EventSendRequested,
		EventExpirationReached, EventCancellationRequested, EventRevisionRequested:
		return evt, nil
	default:
		return "", fmt.Errorf("unknown flow event: %s", value)
	}
}

// EffectType names a side effect the orchestrator must execute.
type EffectType string

const (
	// EffectValidateConfiguration runs the constraint evaluator.
	EffectValidateConfiguration EffectType = "validate_configuration"
	// EffectRunPricing runs the pricing pipeline and stores a snapshot.
	EffectRunPricing EffectType = "run_pricing"
	// EffectCreateApprovalRequest opens the next approval request.
	EffectCreateApprovalRequest EffectType = "create_approval_request"
	// EffectEscalateApproval re-issues an expired request.
	EffectEscalateApproval EffectType = "escalate_approval"
	// EffectCreateRevision spawns the superseding draft quote.
	EffectCreateRevision EffectType = "create_revision"
	// EffectDeliverQuote hands the frozen quote to the transport collaborator.
	EffectDeliverQuote EffectType = "deliver_quote"
)

// Effect describes one side effect with its routing metadata.
type Effect struct {
	Type     EffectType
	Metadata map[string]string
}

// PolicyOutcome is the policy evaluator's verdict carried in the context of
// a finalization event.
type PolicyOutcome string

const (
	// PolicyOutcomeUnknown means no policy evaluation was supplied.
	PolicyOutcomeUnknown PolicyOutcome = ""
	// PolicyOutcomeAutoApproved lets the quote finalize without review.
	PolicyOutcomeAutoApproved PolicyOutcome = "auto_approved"
	// PolicyOutcomeApprovalRequired routes the quote into approval.
	PolicyOutcomeApprovalRequired PolicyOutcome = "approval_required"
	// PolicyOutcomeBlocked rejects the quote outright.
	PolicyOutcomeBlocked PolicyOutcome = "blocked"
)

// Context carries the evaluation results a transition branches on. The
// orchestrator computes these before calling Apply; Apply itself stays pure.
type Context struct {
	// MissingFields blocks validation when non-empty.
	MissingFields []string
	// PolicyOutcome is required for finalization from Priced.
	PolicyOutcome PolicyOutcome
	// ApprovalRoles are the ordered approver roles when approval is required.
	ApprovalRoles []string
	// ApprovalDecision is required for EventApprovalDecided.
	ApprovalDecision domain.ApprovalStatus
	// ChainComplete reports whether the approval chain has no further steps.
	ChainComplete bool
	// NextRole names the next approver role when the chain continues.
	NextRole string
}

// Transition is the pure outcome of applying a flow event.
type Transition struct {
	Next    domain.QuoteStatus
	Effects []Effect
}

// Apply maps (current status, event, context) to the next status and the
// effects to execute. Illegal pairs return TransitionIllegal and leave no
// doubt about the violated precondition; they never silently no-op.
func Apply(current domain.QuoteStatus, evt EventType, ctx Context) (Transition, error) {
	if current.Terminal() {
		return Transition{}, illegal(current, evt, "quote is in a terminal state")
	}

	switch evt {
	case EventQuoteEdited:
		switch current {
		case domain.QuoteStatusDraft, domain.QuoteStatusValidated, domain.QuoteStatusPriced:
			return Transition{Next: domain.QuoteStatusDraft}, nil
		}
		return Transition{}, illegal(current, evt, "quote content is frozen")

	case EventRequiredFieldsCollected:
		if current != domain.QuoteStatusDraft {
			return Transition{}, illegal(current, evt, "only draft quotes are validated")
		}
		if len(ctx.MissingFields) > 0 {
			return Transition{}, apperrors.WithMetadata(
				apperrors.CodeMissingFields,
				fmt.Sprintf("required fields are missing: %s", strings.Join(ctx.MissingFields, ", ")),
				map[string]string{"MissingFields": strings.Join(ctx.MissingFields, ",")},
			)
		}
		return Transition{
			Next:    domain.QuoteStatusValidated,
			Effects: []Effect{{Type: EffectValidateConfiguration}},
		}, nil

	case EventPricingRequested:
		switch current {
		case domain.QuoteStatusValidated, domain.QuoteStatusPriced:
			return Transition{
				Next:    domain.QuoteStatusPriced,
				Effects: []Effect{{Type: EffectRunPricing}},
			}, nil
		}
		return Transition{}, illegal(current, evt, "quote must be validated before pricing")

	case EventFinalizationRequested:
		switch current {
		case domain.QuoteStatusPriced:
			switch ctx.PolicyOutcome {
			case PolicyOutcomeAutoApproved:
				return Transition{Next: domain.QuoteStatusFinalized}, nil
			case PolicyOutcomeApprovalRequired:
				role := ""
				if len(ctx.ApprovalRoles) > 0 {
					role = ctx.ApprovalRoles[0]
				}
				return Transition{
					Next: domain.QuoteStatusPendingApproval,
					Effects: []Effect{{
						Type:     EffectCreateApprovalRequest,
						Metadata: map[string]string{"role": role},
					}},
				}, nil
			case PolicyOutcomeBlocked:
				return Transition{Next: domain.QuoteStatusRejected}, nil
			default:
				return Transition{}, apperrors.New(apperrors.CodeInvariantViolation,
					"finalization requires a policy outcome in the event context")
			}
		case domain.QuoteStatusApproved:
			// The chain authorized the requested discount in full; reprice so
			// the frozen totals carry it instead of the auto-approval cap.
			return Transition{
				Next: domain.QuoteStatusFinalized,
				Effects: []Effect{{
					Type:     EffectRunPricing,
					Metadata: map[string]string{"discount": "approved"},
				}},
			}, nil
		}
		return Transition{}, illegal(current, evt, "quote must be priced before finalization")

	case EventApprovalDecided:
		if current != domain.QuoteStatusPendingApproval {
			return Transition{}, illegal(current, evt, "no approval is pending")
		}
		switch ctx.ApprovalDecision {
		case domain.ApprovalApproved:
			if ctx.ChainComplete {
				return Transition{Next: domain.QuoteStatusApproved}, nil
			}
			return Transition{
				Next: domain.QuoteStatusPendingApproval,
				Effects: []Effect{{
					Type:     EffectCreateApprovalRequest,
					Metadata: map[string]string{"role": ctx.NextRole},
				}},
			}, nil
		case domain.ApprovalRejected:
			return Transition{Next: domain.QuoteStatusRejected}, nil
		case domain.ApprovalExpired:
			return Transition{
				Next: domain.QuoteStatusPendingApproval,
				Effects: []Effect{{
					Type:     EffectEscalateApproval,
					Metadata: map[string]string{"role": ctx.NextRole},
				}},
			}, nil
		default:
			return Transition{}, apperrors.New(apperrors.CodeApprovalDecisionInvalid,
				"approval decision must be approved, rejected, or expired")
		}

	case EventSendRequested:
		if current != domain.QuoteStatusFinalized {
			return Transition{}, illegal(current, evt, "only finalized quotes are sent")
		}
		return Transition{
			Next:    domain.QuoteStatusSent,
			Effects: []Effect{{Type: EffectDeliverQuote}},
		}, nil

	case EventExpirationReached:
		return Transition{Next: domain.QuoteStatusExpired}, nil

	case EventCancellationRequested:
		return Transition{Next: domain.QuoteStatusCancelled}, nil

	case EventRevisionRequested:
		return Transition{
			Next:    domain.QuoteStatusRevised,
			Effects: []Effect{{Type: EffectCreateRevision}},
		}, nil

	default:
		return Transition{}, illegal(current, evt, "unknown flow event")
	}
}

func illegal(current domain.QuoteStatus, evt EventType, detail string) error {
	return apperrors.WithMetadata(
		apperrors.CodeTransitionIllegal,
		fmt.Sprintf("event %s is not legal from status %s: %s", evt, domain.QuoteStatusLabel(current), detail),
		map[string]string{
			"FromStatus": domain.QuoteStatusLabel(current),
			"Event":      string(evt),
		},
	)
}
