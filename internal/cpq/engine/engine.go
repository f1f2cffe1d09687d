// Package engine orchestrates quote lifecycle transitions.
//
// The engine owns the sequencing the pure evaluators cannot: it loads state,
// pre-computes the evaluation context a transition branches on, calls the
// flow engine, executes the returned effects, and commits the new flow state
// under an optimistic version check. Every state-mutating entry point
// requires an idempotency key; a repeated key with a completed outcome
// replays the stored result without re-executing side effects. Operations on
// different quotes run in parallel; writes to one quote are serialized by
// the version guard, so a concurrent loser gets a version conflict instead
// of a silent overwrite.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/constraint"
	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/cpq/flow"
	"github.com/quoteforge/quoteforge/internal/cpq/policy"
	"github.com/quoteforge/quoteforge/internal/cpq/pricing"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/platform/id"
	"github.com/quoteforge/quoteforge/internal/storage"
	"github.com/quoteforge/quoteforge/internal/telemetry"
)

// Command is one state-mutating request against a quote.
type Command struct {
	QuoteID string
	// ExpectedVersion must match the stored flow-state version.
	ExpectedVersion int64
	Event           flow.EventType
	// IdempotencyKey derives from the triggering event's identity plus its
	// semantic payload. Required.
	IdempotencyKey string
	ActorType      audit.ActorType
	ActorID        string
	// Decision is required for approval_decided events.
	Decision domain.ApprovalStatus
	// EditedFields documents a quote_edited event in the journal.
	EditedFields map[string]any
}

// Outcome is the committed result of applying one command. It is stored
// verbatim against the idempotency key, so it must round-trip through JSON.
type Outcome struct {
	QuoteID string `json:"quote_id"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
	// Replayed marks an outcome served from the idempotency store.
	Replayed   bool   `json:"replayed,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	// SuccessorQuoteID is set when a revision spawned a new draft.
	SuccessorQuoteID  string             `json:"successor_quote_id,omitempty"`
	ApprovalRequestID string             `json:"approval_request_id,omitempty"`
	ApprovalChainID   string             `json:"approval_chain_id,omitempty"`
	Constraint        *constraint.Result `json:"constraint,omitempty"`
	Policy            *policy.Result     `json:"policy,omitempty"`
	// ErrorCode and ErrorMessage preserve a deterministic business failure
	// so a replayed duplicate reports the same error without re-executing.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Engine wires the pure evaluators to storage.
type Engine struct {
	Store       storage.Store
	Constraints *constraint.Evaluator
	Pricing     *pricing.Pipeline
	Policies    *policy.Evaluator
	Telemetry   *telemetry.Emitter
	Clock       func() time.Time
	IDGenerator func() (string, error)
}

// New creates an engine over the given store with default evaluators.
func New(store storage.Store, emitter *telemetry.Emitter) *Engine {
	return &Engine{
		Store:       store,
		Constraints: constraint.NewEvaluator(store),
		Pricing:     pricing.NewPipeline(store),
		Policies:    policy.NewEvaluator(store, store),
		Telemetry:   emitter,
	}
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() (string, error) {
	if e.IDGenerator != nil {
		return e.IDGenerator()
	}
	return id.NewID()
}

// Apply executes one command end to end: idempotency check, version check,
// context pre-computation, pure transition, effects, and the guarded commit
// with its audit append.
func (e *Engine) Apply(ctx context.Context, cmd Command) (Outcome, error) {
	if strings.TrimSpace(cmd.QuoteID) == "" {
		return Outcome{}, apperrors.New(apperrors.CodeQuoteIDRequired, "quote id is required")
	}
	if strings.TrimSpace(cmd.IdempotencyKey) == "" {
		return Outcome{}, apperrors.New(apperrors.CodeIdempotencyConflict, "idempotency key is required")
	}
	if _, err := flow.EventTypeFromLabel(string(cmd.Event)); err != nil {
		return Outcome{}, apperrors.Wrap(apperrors.CodeTransitionIllegal, "unknown flow event", err)
	}

	// Serve completed duplicates from the idempotency store before touching
	// anything else.
	if stored, ok, err := e.storedOutcome(ctx, cmd.IdempotencyKey); err != nil {
		return Outcome{}, err
	} else if ok {
		return stored.replay()
	}
	// A reserved-but-incomplete key means a previous attempt crashed before
	// commit. Re-execution is safe: the commit below is version-guarded, so
	// only one attempt can win.
	if _, err := e.Store.ReserveKey(ctx, cmd.IdempotencyKey, e.now()); err != nil {
		return Outcome{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	state, err := e.Store.GetFlowState(ctx, cmd.QuoteID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load flow state: %w", err)
	}
	if cmd.ExpectedVersion != state.Version {
		return Outcome{}, apperrors.WithMetadata(apperrors.CodeVersionConflict,
			fmt.Sprintf("expected version %d but quote is at version %d", cmd.ExpectedVersion, state.Version),
			map[string]string{"QuoteID": cmd.QuoteID})
	}
	quote, err := e.Store.GetQuote(ctx, cmd.QuoteID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load quote: %w", err)
	}
	lines, err := e.Store.ListLines(ctx, cmd.QuoteID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load lines: %w", err)
	}

	if state.Metadata == nil {
		state.Metadata = map[string]string{}
	}
	run := &applyRun{
		engine:  e,
		cmd:     cmd,
		state:   state,
		quote:   quote,
		lines:   lines,
		outcome: Outcome{QuoteID: cmd.QuoteID},
	}

	flowCtx, err := run.buildContext(ctx)
	if err != nil {
		var domainErr *apperrors.Error
		if errors.As(err, &domainErr) {
			return run.failDeterministic(ctx, err)
		}
		return Outcome{}, err
	}
	transition, err := flow.Apply(state.Status, cmd.Event, flowCtx)
	if err != nil {
		return run.failDeterministic(ctx, err)
	}
	run.transition = transition

	if cmd.Event == flow.EventApprovalDecided {
		if err := run.recordDecision(ctx); err != nil {
			var domainErr *apperrors.Error
			if errors.As(err, &domainErr) {
				return run.failDeterministic(ctx, err)
			}
			return Outcome{}, err
		}
	}

	for _, effect := range transition.Effects {
		if err := run.execute(ctx, effect); err != nil {
			var domainErr *apperrors.Error
			if errors.As(err, &domainErr) {
				return run.failDeterministic(ctx, err)
			}
			return Outcome{}, err
		}
	}

	return run.commit(ctx)
}

func (e *Engine) storedOutcome(ctx context.Context, key string) (Outcome, bool, error) {
	raw, ok, err := e.Store.GetOutcome(ctx, key)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("load idempotency outcome: %w", err)
	}
	if !ok {
		return Outcome{}, false, nil
	}
	var outcome Outcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return Outcome{}, false, fmt.Errorf("decode stored outcome: %w", err)
	}
	return outcome, true, nil
}

// replay re-materializes a stored outcome, reconstructing the original error
// for failed commands.
func (o Outcome) replay() (Outcome, error) {
	o.Replayed = true
	if o.ErrorCode != "" {
		return o, apperrors.New(apperrors.Code(o.ErrorCode), o.ErrorMessage)
	}
	return o, nil
}
