package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/cpq/flow"
	"github.com/quoteforge/quoteforge/internal/cpq/policy"
	"github.com/quoteforge/quoteforge/internal/cpq/pricing"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
)

// applyRun is the mutable working set of one Apply call.
type applyRun struct {
	engine *Engine
	cmd    Command
	state  domain.FlowState
	quote  domain.Quote
	lines  []domain.QuoteLine

	transition   flow.Transition
	snapshot     domain.QuotePricingSnapshot
	policyResult *policy.Result
	chain        domain.ApprovalChain
	request      domain.ApprovalRequest

	// pending audit events are buffered and appended around the commit so a
	// failed pass still leaves its evaluation record in the journal.
	pending []pendingEvent

	// staged store writes mirror the audit buffer: effects queue their rows
	// here and commit flushes them only after the version-guarded flow-state
	// write wins, so a losing or failed pass leaves no orphan rows.
	staged []func(context.Context) error

	outcome Outcome
}

type pendingEvent struct {
	eventType audit.Type
	payload   any
}

func (r *applyRun) buffer(eventType audit.Type, payload any) {
	r.pending = append(r.pending, pendingEvent{eventType: eventType, payload: payload})
}

func (r *applyRun) stage(write func(context.Context) error) {
	r.staged = append(r.staged, write)
}

func (r *applyRun) flushStaged(ctx context.Context) error {
	for _, write := range r.staged {
		if err := write(ctx); err != nil {
			return err
		}
	}
	r.staged = nil
	return nil
}

// buildContext pre-computes the evaluation results the pure transition
// branches on. Only read-only work happens here.
func (r *applyRun) buildContext(ctx context.Context) (flow.Context, error) {
	var flowCtx flow.Context

	switch r.cmd.Event {
	case flow.EventRequiredFieldsCollected:
		flowCtx.MissingFields = domain.ComputeMissingFields(r.quote, r.lines)

	case flow.EventFinalizationRequested:
		if r.state.Status != domain.QuoteStatusPriced {
			// Finalization from Approved needs no policy context; the
			// repricing effect applies the approved discount instead.
			return flowCtx, nil
		}
		snapshot, err := r.engine.Store.LatestSnapshot(ctx, r.quote.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return flowCtx, apperrors.WithMetadata(apperrors.CodeQuoteNotPriced,
					"quote has no pricing snapshot",
					map[string]string{"QuoteID": r.quote.ID})
			}
			return flowCtx, fmt.Errorf("load latest snapshot: %w", err)
		}
		if snapshot.QuoteVersion != r.quote.Version {
			return flowCtx, apperrors.WithMetadata(apperrors.CodeQuoteNotPriced,
				fmt.Sprintf("latest snapshot prices version %d but quote is at version %d", snapshot.QuoteVersion, r.quote.Version),
				map[string]string{"QuoteID": r.quote.ID, "SnapshotID": snapshot.ID})
		}
		r.snapshot = snapshot
		r.outcome.SnapshotID = snapshot.ID

		result, err := r.engine.Policies.Evaluate(ctx, r.quote, r.lines, snapshot)
		if err != nil {
			return flowCtx, err
		}
		r.policyResult = &result
		r.outcome.Policy = &result
		r.buffer(audit.TypePolicyEvaluated, audit.PolicyEvaluatedPayload{
			SnapshotID: snapshot.ID,
			Status:     string(result.Status),
			PolicyIDs:  violationPolicyIDs(result.Violations),
			Roles:      result.RequiredRoles,
		})
		switch result.Status {
		case policy.StatusAutoApproved:
			flowCtx.PolicyOutcome = flow.PolicyOutcomeAutoApproved
		case policy.StatusApprovalRequired:
			flowCtx.PolicyOutcome = flow.PolicyOutcomeApprovalRequired
			flowCtx.ApprovalRoles = result.RequiredRoles
		case policy.StatusBlocked:
			flowCtx.PolicyOutcome = flow.PolicyOutcomeBlocked
		}

	case flow.EventApprovalDecided:
		request, err := r.engine.Store.PendingRequest(ctx, r.quote.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return flowCtx, apperrors.WithMetadata(apperrors.CodeApprovalNotPending,
					"quote has no pending approval request",
					map[string]string{"QuoteID": r.quote.ID})
			}
			return flowCtx, fmt.Errorf("load pending approval request: %w", err)
		}
		chain, err := r.engine.Store.GetChain(ctx, request.ChainID)
		if err != nil {
			return flowCtx, fmt.Errorf("load approval chain: %w", err)
		}
		r.request = request
		r.chain = chain

		flowCtx.ApprovalDecision = r.cmd.Decision
		nextStep := chain.CurrentStep + 1
		flowCtx.ChainComplete = nextStep >= len(chain.Roles)
		if !flowCtx.ChainComplete {
			flowCtx.NextRole = chain.Roles[nextStep]
		} else if r.cmd.Decision == domain.ApprovalExpired {
			// Nothing more senior exists; re-issue to the same role.
			flowCtx.NextRole = chain.Roles[chain.CurrentStep]
			flowCtx.ChainComplete = false
		}
	}
	return flowCtx, nil
}

// recordDecision applies the approver's decision to the pending request and
// advances the chain, staging both writes for the commit. Called once the
// transition is known to be legal.
func (r *applyRun) recordDecision(ctx context.Context) error {
	decided, err := r.request.Decide(r.cmd.Decision, r.cmd.ActorID, r.engine.Clock)
	if err != nil {
		return err
	}
	r.stage(func(ctx context.Context) error {
		if err := r.engine.Store.PutRequest(ctx, decided); err != nil {
			return fmt.Errorf("store approval decision: %w", err)
		}
		return nil
	})
	r.request = decided
	if decided.Status == domain.ApprovalApproved {
		r.chain.CurrentStep++
		chain := r.chain
		r.stage(func(ctx context.Context) error {
			if err := r.engine.Store.PutChain(ctx, chain); err != nil {
				return fmt.Errorf("advance approval chain: %w", err)
			}
			return nil
		})
	}
	r.buffer(audit.TypeApprovalDecided, audit.ApprovalDecidedPayload{
		RequestID: decided.ID,
		Decision:  string(decided.Status),
		DecidedBy: decided.DecidedBy,
	})
	return nil
}

func (r *applyRun) execute(ctx context.Context, effect flow.Effect) error {
	switch effect.Type {
	case flow.EffectValidateConfiguration:
		return r.validateConfiguration(ctx)
	case flow.EffectRunPricing:
		return r.runPricing(ctx, effect.Metadata["discount"] == "approved")
	case flow.EffectCreateApprovalRequest:
		return r.createApprovalRequest(ctx, effect.Metadata["role"])
	case flow.EffectEscalateApproval:
		return r.escalateApproval(ctx, effect.Metadata["role"])
	case flow.EffectCreateRevision:
		return r.createRevision(ctx)
	case flow.EffectDeliverQuote:
		// Delivery belongs to the transport collaborator; the committed
		// Sent status and journal entry are the engine's record of intent.
		r.engine.Telemetry.Infof(ctx, "engine", "quote ready for delivery", map[string]string{
			"quote_id": r.quote.ID,
		})
		return nil
	default:
		return apperrors.New(apperrors.CodeInvariantViolation,
			fmt.Sprintf("unknown effect type %s", effect.Type))
	}
}

func (r *applyRun) validateConfiguration(ctx context.Context) error {
	result, err := r.engine.Constraints.Evaluate(ctx, r.quote, r.lines)
	if err != nil {
		return err
	}
	r.outcome.Constraint = &result
	r.buffer(audit.TypeConfigurationValidated, audit.ConfigurationValidatedPayload{
		Valid:      result.Valid,
		RuleIDs:    result.RuleIDs,
		Violations: len(result.Violations),
	})
	if !result.Valid {
		return apperrors.WithMetadata(apperrors.CodeConfigurationInvalid,
			fmt.Sprintf("configuration violates %d constraint rule(s)", len(result.Violations)),
			map[string]string{"QuoteID": r.quote.ID})
	}
	return nil
}

// runPricing executes a pricing pass and stages the snapshot and stamped
// lines for the commit. With approvedDiscount set the pass applies the
// requested discount in full, citing the chain that authorized it.
func (r *applyRun) runPricing(ctx context.Context, approvedDiscount bool) error {
	var ceiling decimal.NullDecimal
	chainID := ""
	if approvedDiscount {
		chainID = r.state.Metadata["approval_chain_id"]
		if chainID == "" {
			return apperrors.WithMetadata(apperrors.CodeInvariantViolation,
				"approved repricing has no recorded approval chain",
				map[string]string{"QuoteID": r.quote.ID})
		}
	} else {
		var err error
		ceiling, _, err = r.engine.Policies.AutoDiscountCap(ctx, r.quote, r.lines)
		if err != nil {
			return err
		}
	}
	// The commit below advances the quote to the next version; the
	// snapshot pins that version so finalization detects later edits.
	priced := r.quote
	priced.Version = r.state.Version + 1
	snapshot, err := r.engine.Pricing.Price(ctx, pricing.Input{
		Quote:           priced,
		Lines:           r.lines,
		AutoDiscountCap: ceiling,
		ApprovedChainID: chainID,
		At:              r.engine.now(),
	})
	if err != nil {
		var domainErr *apperrors.Error
		if errors.As(err, &domainErr) {
			r.buffer(audit.TypePricingFailed, audit.PricingFailedPayload{
				Code:      string(domainErr.Code),
				LineID:    domainErr.Metadata["LineID"],
				ProductID: domainErr.Metadata["ProductID"],
				Detail:    domainErr.Message,
			})
		}
		return err
	}

	r.stage(func(ctx context.Context) error {
		if err := r.engine.Store.PutSnapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("store pricing snapshot: %w", err)
		}
		return nil
	})
	byLineID := make(map[string]domain.QuoteLine, len(r.lines))
	for _, line := range r.lines {
		byLineID[line.ID] = line
	}
	for _, priced := range snapshot.Lines {
		line, ok := byLineID[priced.LineID]
		if !ok {
			continue
		}
		stamped, err := line.StampPricing(snapshot.ID, priced.UnitPrice, priced.Subtotal, priced.DiscountAmount, priced.DiscountPercent, r.engine.Clock)
		if err != nil {
			return err
		}
		r.stage(func(ctx context.Context) error {
			if err := r.engine.Store.PutLine(ctx, stamped); err != nil {
				return fmt.Errorf("store priced line: %w", err)
			}
			return nil
		})
	}

	r.snapshot = snapshot
	r.outcome.SnapshotID = snapshot.ID
	r.state.Metadata["last_snapshot_id"] = snapshot.ID
	r.buffer(audit.TypePricingComputed, audit.PricingComputedPayload{
		SnapshotID:    snapshot.ID,
		PriceBookID:   snapshot.PriceBookID,
		Subtotal:      snapshot.Subtotal.String(),
		DiscountTotal: snapshot.DiscountTotal.String(),
		TaxTotal:      snapshot.TaxTotal.String(),
		Total:         snapshot.Total.String(),
	})
	return nil
}

// createApprovalRequest opens the next sequential request. On the first call
// for a quote it also creates the chain from the policy evaluator's ordered
// role list.
func (r *applyRun) createApprovalRequest(ctx context.Context, role string) error {
	if r.chain.ID == "" {
		roles := []string{role}
		if r.policyResult != nil && len(r.policyResult.RequiredRoles) > 0 {
			roles = r.policyResult.RequiredRoles
		}
		chain, err := domain.CreateApprovalChain(r.quote.ID, roles, r.engine.Clock, r.engine.IDGenerator)
		if err != nil {
			return err
		}
		r.stage(func(ctx context.Context) error {
			if err := r.engine.Store.PutChain(ctx, chain); err != nil {
				return fmt.Errorf("store approval chain: %w", err)
			}
			return nil
		})
		r.chain = chain
	}
	if role == "" && r.chain.CurrentStep < len(r.chain.Roles) {
		role = r.chain.Roles[r.chain.CurrentStep]
	}

	policyID, reason := r.violationFor(role)
	request, err := domain.CreateApprovalRequest(domain.CreateApprovalRequestInput{
		QuoteID:      r.quote.ID,
		SnapshotID:   r.snapshotID(ctx),
		ChainID:      r.chain.ID,
		StepIndex:    r.chain.CurrentStep,
		RequiredRole: role,
		PolicyID:     policyID,
		Reason:       reason,
	}, r.engine.Clock, r.engine.IDGenerator)
	if err != nil {
		return err
	}
	r.stage(func(ctx context.Context) error {
		if err := r.engine.Store.PutRequest(ctx, request); err != nil {
			return fmt.Errorf("store approval request: %w", err)
		}
		return nil
	})
	r.request = request
	r.outcome.ApprovalRequestID = request.ID
	r.outcome.ApprovalChainID = r.chain.ID
	r.state.Metadata["approval_chain_id"] = r.chain.ID
	r.buffer(audit.TypeApprovalRequested, audit.ApprovalRequestedPayload{
		RequestID:    request.ID,
		ChainID:      r.chain.ID,
		StepIndex:    request.StepIndex,
		RequiredRole: request.RequiredRole,
		PolicyID:     request.PolicyID,
	})
	return nil
}

// escalateApproval re-issues an expired request at the same chain step,
// addressed to the escalated role.
func (r *applyRun) escalateApproval(ctx context.Context, role string) error {
	if role == "" {
		role = r.request.RequiredRole
	}
	request, err := domain.CreateApprovalRequest(domain.CreateApprovalRequestInput{
		QuoteID:      r.quote.ID,
		SnapshotID:   r.request.SnapshotID,
		ChainID:      r.chain.ID,
		StepIndex:    r.chain.CurrentStep,
		RequiredRole: role,
		PolicyID:     r.request.PolicyID,
		Reason:       r.request.Reason,
	}, r.engine.Clock, r.engine.IDGenerator)
	if err != nil {
		return err
	}
	r.stage(func(ctx context.Context) error {
		if err := r.engine.Store.PutRequest(ctx, request); err != nil {
			return fmt.Errorf("store escalated approval request: %w", err)
		}
		return nil
	})
	r.outcome.ApprovalRequestID = request.ID
	r.outcome.ApprovalChainID = r.chain.ID
	r.buffer(audit.TypeApprovalRequested, audit.ApprovalRequestedPayload{
		RequestID:    request.ID,
		ChainID:      r.chain.ID,
		StepIndex:    request.StepIndex,
		RequiredRole: request.RequiredRole,
		PolicyID:     request.PolicyID,
	})
	return nil
}

// createRevision spawns the superseding draft: a new quote at version 1 with
// the predecessor's lines carried over unpriced.
func (r *applyRun) createRevision(ctx context.Context) error {
	successor, err := domain.NewRevision(r.quote, r.engine.Clock, r.engine.IDGenerator)
	if err != nil {
		return err
	}
	r.stage(func(ctx context.Context) error {
		if err := r.engine.Store.PutQuote(ctx, successor); err != nil {
			return fmt.Errorf("store revision quote: %w", err)
		}
		return nil
	})
	for _, line := range r.lines {
		carried, err := domain.CreateQuoteLine(domain.CreateQuoteLineInput{
			QuoteID:         successor.ID,
			ProductID:       line.ProductID,
			ProductRevision: line.ProductRevision,
			Quantity:        line.Quantity,
			Attributes:      line.Attributes,
			SortOrder:       line.SortOrder,
		}, r.engine.Clock, r.engine.IDGenerator)
		if err != nil {
			return err
		}
		r.stage(func(ctx context.Context) error {
			if err := r.engine.Store.PutLine(ctx, carried); err != nil {
				return fmt.Errorf("store revision line: %w", err)
			}
			return nil
		})
	}
	successorState, err := domain.NewFlowState(successor.ID, r.engine.Clock)
	if err != nil {
		return err
	}
	successorState.MissingFields = domain.ComputeMissingFields(successor, r.lines)
	r.stage(func(ctx context.Context) error {
		if err := r.engine.Store.PutFlowState(ctx, successorState, 0); err != nil {
			return fmt.Errorf("store revision flow state: %w", err)
		}
		return nil
	})
	r.outcome.SuccessorQuoteID = successor.ID
	r.buffer(audit.TypeQuoteRevised, audit.QuoteRevisedPayload{SuccessorQuoteID: successor.ID})
	return nil
}

// commit writes the new flow state under the version guard, flushes the
// staged effect writes, mirrors the status onto the quote, appends the
// buffered audit events plus the status change, and completes the
// idempotency key. A pass that loses the guard flushes nothing.
func (r *applyRun) commit(ctx context.Context) (Outcome, error) {
	previous := r.state.Status
	newVersion := r.state.Version + 1

	r.state.Status = r.transition.Next
	r.state.Version = newVersion
	r.state.MissingFields = domain.ComputeMissingFields(r.quote, r.lines)
	r.state.UpdatedAt = r.engine.now()
	if err := r.engine.Store.PutFlowState(ctx, r.state, r.cmd.ExpectedVersion); err != nil {
		return Outcome{}, err
	}
	if err := r.flushStaged(ctx); err != nil {
		return Outcome{}, err
	}

	r.quote.Status = r.transition.Next
	r.quote.Version = newVersion
	r.quote.UpdatedAt = r.state.UpdatedAt
	if err := r.engine.Store.PutQuote(ctx, r.quote); err != nil {
		return Outcome{}, fmt.Errorf("store quote: %w", err)
	}

	if r.cmd.Event == flow.EventQuoteEdited {
		fields := r.cmd.EditedFields
		if fields == nil {
			fields = map[string]any{}
		}
		r.buffer(audit.TypeQuoteEdited, audit.QuoteEditedPayload{Fields: fields})
	}
	r.buffer(audit.TypeQuoteStatusChanged, audit.QuoteStatusChangedPayload{
		FromStatus: domain.QuoteStatusLabel(previous),
		ToStatus:   domain.QuoteStatusLabel(r.transition.Next),
		FlowEvent:  string(r.cmd.Event),
	})
	if err := r.appendPending(ctx, newVersion); err != nil {
		return Outcome{}, err
	}

	r.outcome.Status = domain.QuoteStatusLabel(r.transition.Next)
	r.outcome.Version = newVersion
	if err := r.completeKey(ctx); err != nil {
		return Outcome{}, err
	}
	return r.outcome, nil
}

// failDeterministic records a business failure: staged effect writes are
// discarded, the buffered evaluation events still reach the journal, and the
// idempotency key completes with the error so duplicates replay it instead
// of re-evaluating.
func (r *applyRun) failDeterministic(ctx context.Context, cause error) (Outcome, error) {
	r.staged = nil
	r.outcome.Status = domain.QuoteStatusLabel(r.state.Status)
	r.outcome.Version = r.state.Version
	r.outcome.ErrorCode = string(apperrors.CodeOf(cause))
	r.outcome.ErrorMessage = cause.Error()

	if err := r.appendPending(ctx, r.state.Version); err != nil {
		return Outcome{}, err
	}
	if err := r.completeKey(ctx); err != nil {
		return Outcome{}, err
	}
	r.engine.Telemetry.Warnf(ctx, "engine", "command failed", map[string]string{
		"quote_id": r.quote.ID,
		"event":    string(r.cmd.Event),
		"code":     r.outcome.ErrorCode,
	})
	return r.outcome, cause
}

func (r *applyRun) appendPending(ctx context.Context, quoteVersion int64) error {
	for _, pending := range r.pending {
		payload, err := json.Marshal(pending.payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		evt := audit.Event{
			QuoteID:      r.quote.ID,
			Timestamp:    r.engine.now(),
			Type:         pending.eventType,
			Category:     audit.CategoryFor(pending.eventType),
			RequestID:    r.cmd.IdempotencyKey,
			ActorType:    r.actorType(),
			ActorID:      r.cmd.ActorID,
			QuoteVersion: quoteVersion,
			PayloadJSON:  payload,
		}
		if _, err := r.engine.Store.AppendEvent(ctx, evt); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
	}
	r.pending = nil
	return nil
}

func (r *applyRun) completeKey(ctx context.Context) error {
	encoded, err := json.Marshal(r.outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := r.engine.Store.CompleteKey(ctx, r.cmd.IdempotencyKey, encoded); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (r *applyRun) actorType() audit.ActorType {
	if r.cmd.ActorType != "" {
		return r.cmd.ActorType
	}
	return audit.ActorTypeSystem
}

// snapshotID resolves the snapshot an approval request cites.
func (r *applyRun) snapshotID(ctx context.Context) string {
	if r.snapshot.ID != "" {
		return r.snapshot.ID
	}
	if id, ok := r.state.Metadata["last_snapshot_id"]; ok {
		return id
	}
	snapshot, err := r.engine.Store.LatestSnapshot(ctx, r.quote.ID)
	if err != nil {
		return ""
	}
	return snapshot.ID
}

// violationFor finds the policy id and message behind the violation routed
// to a role.
func (r *applyRun) violationFor(role string) (string, string) {
	if r.policyResult == nil {
		return "", ""
	}
	for _, violation := range r.policyResult.Violations {
		if violation.RequiredApproverRole == role {
			return violation.PolicyID, violation.Message
		}
	}
	return "", ""
}

func violationPolicyIDs(violations []policy.Violation) []string {
	ids := make([]string, 0, len(violations))
	for _, violation := range violations {
		ids = append(ids, violation.PolicyID)
	}
	return ids
}
