package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/cpq/flow"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
	"github.com/quoteforge/quoteforge/internal/storage/integrity"
	"github.com/quoteforge/quoteforge/internal/storage/memory"
	"github.com/quoteforge/quoteforge/internal/telemetry"
)

var engineTime = time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)

// newTestEngine builds an engine over a fresh in-memory store with a fixed
// clock and sequential ids so runs are reproducible.
func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New(nil)
	engine := New(store, telemetry.NewEmitter(store))
	engine.Clock = func() time.Time { return engineTime }
	counter := 0
	engine.IDGenerator = func() (string, error) {
		counter++
		return fmt.Sprintf("id-%04d", counter), nil
	}
	return engine, store
}

// seedEngineFixture loads a catalog, a discount policy capping auto-approval
// at ten percent, and one draft quote with two lines.
func seedEngineFixture(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()

	products := []domain.Product{
		{ID: "prod-pro", SKU: "PRO", Name: "Pro Plan", Category: "plans", Revision: 1, Active: true},
		{ID: "prod-support", SKU: "SUP", Name: "Premium Support", Category: "services", Revision: 1, Active: true},
	}
	for _, product := range products {
		if err := store.PutProduct(ctx, product); err != nil {
			t.Fatalf("PutProduct(%s): %v", product.ID, err)
		}
	}
	if err := store.PutPriceBook(ctx, domain.PriceBook{
		ID: "pb-standard", Name: "Standard", Currency: "USD", Priority: 10,
		ValidFrom: engineTime.AddDate(-1, 0, 0), Active: true,
	}); err != nil {
		t.Fatalf("PutPriceBook: %v", err)
	}
	if err := store.PutFormula(ctx, domain.PricingFormula{ID: "f-term", Expression: "unit_price * quantity * term_months"}); err != nil {
		t.Fatalf("PutFormula: %v", err)
	}
	entries := []domain.PriceBookEntry{
		{ID: "e-pro", PriceBookID: "pb-standard", ProductID: "prod-pro",
			ListPrice: decimal.RequireFromString("6.00"), FormulaID: "f-term"},
		{ID: "e-support", PriceBookID: "pb-standard", ProductID: "prod-support",
			ListPrice: decimal.RequireFromString("500.00"), FormulaID: "f-term"},
	}
	for _, entry := range entries {
		if err := store.PutPriceBookEntry(ctx, entry); err != nil {
			t.Fatalf("PutPriceBookEntry(%s): %v", entry.ID, err)
		}
	}
	if err := store.PutDiscountPolicy(ctx, domain.DiscountPolicy{
		ID: "pol-discount-10", Version: 1,
		MaxAutoPercent: decimal.RequireFromString("10"),
		RequiredRole:   "sales_manager", Active: true,
	}); err != nil {
		t.Fatalf("PutDiscountPolicy: %v", err)
	}

	seedDraftQuote(t, store, "q-1", decimal.RequireFromString("15"))
}

func seedDraftQuote(t *testing.T, store *memory.Store, quoteID string, requestedDiscount decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	quote := domain.Quote{
		ID: quoteID, Version: 1, Status: domain.QuoteStatusDraft,
		AccountID: "acct-1", Currency: "USD", TermMonths: 12,
		RequestedDiscountPct: requestedDiscount,
		CreatedAt:            engineTime, UpdatedAt: engineTime,
	}
	if err := store.PutQuote(ctx, quote); err != nil {
		t.Fatalf("PutQuote: %v", err)
	}
	lines := []domain.QuoteLine{
		{ID: quoteID + "-l1", QuoteID: quoteID, ProductID: "prod-pro", ProductRevision: 1, Quantity: 150, SortOrder: 1},
		{ID: quoteID + "-l2", QuoteID: quoteID, ProductID: "prod-support", ProductRevision: 1, Quantity: 1, SortOrder: 2},
	}
	for _, line := range lines {
		if err := store.PutLine(ctx, line); err != nil {
			t.Fatalf("PutLine(%s): %v", line.ID, err)
		}
	}
	state, err := domain.NewFlowState(quoteID, func() time.Time { return engineTime })
	if err != nil {
		t.Fatalf("NewFlowState: %v", err)
	}
	state.MissingFields = nil
	if err := store.PutFlowState(ctx, state, 0); err != nil {
		t.Fatalf("PutFlowState: %v", err)
	}
}

func mustApply(t *testing.T, engine *Engine, cmd Command) Outcome {
	t.Helper()
	outcome, err := engine.Apply(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Apply(%s, v%d): %v", cmd.Event, cmd.ExpectedVersion, err)
	}
	return outcome
}

func TestApplyFullLifecycleWithApprovalChain(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)
	ctx := context.Background()

	validated := mustApply(t, engine, Command{
		QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k-validate",
		ActorType: audit.ActorTypeRep, ActorID: "rep-1",
	})
	if validated.Status != "VALIDATED" || validated.Version != 2 {
		t.Fatalf("outcome = %s v%d, want VALIDATED v2", validated.Status, validated.Version)
	}
	if validated.Constraint == nil || !validated.Constraint.Valid {
		t.Fatalf("constraint result = %+v, want a valid configuration", validated.Constraint)
	}

	priced := mustApply(t, engine, Command{
		QuoteID: "q-1", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "k-price",
		ActorType: audit.ActorTypeRep, ActorID: "rep-1",
	})
	if priced.Status != "PRICED" || priced.Version != 3 {
		t.Fatalf("outcome = %s v%d, want PRICED v3", priced.Status, priced.Version)
	}
	if priced.SnapshotID == "" {
		t.Fatal("pricing must name the stored snapshot")
	}
	snapshot, err := store.LatestSnapshot(ctx, "q-1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	// 6*150*12 + 500*1*12, ten percent cap applied against the requested 15.
	if snapshot.Subtotal.StringFixed(2) != "16800.00" {
		t.Fatalf("subtotal = %s, want 16800.00", snapshot.Subtotal.StringFixed(2))
	}
	if snapshot.DiscountTotal.StringFixed(2) != "1680.00" {
		t.Fatalf("discount = %s, want the capped 10%% of 16800", snapshot.DiscountTotal.StringFixed(2))
	}

	pending := mustApply(t, engine, Command{
		QuoteID: "q-1", ExpectedVersion: 3,
		Event: flow.EventFinalizationRequested, IdempotencyKey: "k-finalize",
		ActorType: audit.ActorTypeRep, ActorID: "rep-1",
	})
	if pending.Status != "PENDING_APPROVAL" || pending.Version != 4 {
		t.Fatalf("outcome = %s v%d, want PENDING_APPROVAL v4", pending.Status, pending.Version)
	}
	if pending.Policy == nil || len(pending.Policy.Violations) != 1 {
		t.Fatalf("policy result = %+v, want one discount violation", pending.Policy)
	}
	if pending.ApprovalRequestID == "" || pending.ApprovalChainID == "" {
		t.Fatal("finalization past the cap must open an approval request")
	}
	request, err := store.PendingRequest(ctx, "q-1")
	if err != nil {
		t.Fatalf("PendingRequest: %v", err)
	}
	if request.RequiredRole != "sales_manager" || request.PolicyID != "pol-discount-10" {
		t.Fatalf("request = %+v, want sales_manager citing pol-discount-10", request)
	}
	if request.SnapshotID != priced.SnapshotID {
		t.Fatalf("request cites snapshot %s, want %s", request.SnapshotID, priced.SnapshotID)
	}

	approved := mustApply(t, engine, Command{
		QuoteID: "q-1", ExpectedVersion: 4,
		Event: flow.EventApprovalDecided, IdempotencyKey: "k-approve",
		ActorType: audit.ActorTypeApprover, ActorID: "mgr-1", Decision: domain.ApprovalApproved,
	})
	if approved.Status != "APPROVED" || approved.Version != 5 {
		t.Fatalf("outcome = %s v%d, want APPROVED v5", approved.Status, approved.Version)
	}

	finalized := mustApply(t, engine, Command{
		QuoteID: "q-1", ExpectedVersion: 5,
		Event: flow.EventFinalizationRequested, IdempotencyKey: "k-finalize-2",
		ActorType: audit.ActorTypeRep, ActorID: "rep-1",
	})
	if finalized.Status != "FINALIZED" || finalized.Version != 6 {
		t.Fatalf("outcome = %s v%d, want FINALIZED v6", finalized.Status, finalized.Version)
	}
	// Finalization from APPROVED reprices with the full requested discount,
	// so the frozen totals carry 15% rather than the 10% auto cap.
	frozen, err := store.LatestSnapshot(ctx, "q-1")
	if err != nil {
		t.Fatalf("LatestSnapshot after finalization: %v", err)
	}
	if frozen.DiscountTotal.StringFixed(2) != "2520.00" {
		t.Fatalf("frozen discount = %s, want the approved 15%% of 16800", frozen.DiscountTotal.StringFixed(2))
	}
	if frozen.Total.StringFixed(2) != "14280.00" {
		t.Fatalf("frozen total = %s, want 14280.00", frozen.Total.StringFixed(2))
	}
	if frozen.QuoteVersion != 6 {
		t.Fatalf("frozen snapshot pinned to v%d, want v6", frozen.QuoteVersion)
	}
	cited := false
	for _, step := range frozen.Trace {
		if step.Inputs["approved_chain_id"] == pending.ApprovalChainID {
			cited = true
		}
	}
	if !cited {
		t.Fatalf("frozen trace must cite approval chain %s", pending.ApprovalChainID)
	}

	sent := mustApply(t, engine, Command{
		QuoteID: "q-1", ExpectedVersion: 6,
		Event: flow.EventSendRequested, IdempotencyKey: "k-send",
		ActorType: audit.ActorTypeRep, ActorID: "rep-1",
	})
	if sent.Status != "SENT" || sent.Version != 7 {
		t.Fatalf("outcome = %s v%d, want SENT v7", sent.Status, sent.Version)
	}

	// The journal carries a verifiable hash chain across the whole walk.
	events, err := store.ListEvents(ctx, "q-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("lifecycle left no audit events")
	}
	if err := integrity.VerifyJournal(nil, "q-1", events); err != nil {
		t.Fatalf("VerifyJournal: %v", err)
	}
}

func TestApplyAutoApprovedFinalization(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)
	seedDraftQuote(t, store, "q-2", decimal.RequireFromString("5"))

	mustApply(t, engine, Command{QuoteID: "q-2", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k2-validate"})
	mustApply(t, engine, Command{QuoteID: "q-2", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "k2-price"})

	outcome := mustApply(t, engine, Command{QuoteID: "q-2", ExpectedVersion: 3,
		Event: flow.EventFinalizationRequested, IdempotencyKey: "k2-finalize"})
	if outcome.Status != "FINALIZED" {
		t.Fatalf("status = %s, want FINALIZED when the discount is under the cap", outcome.Status)
	}
	if outcome.ApprovalRequestID != "" {
		t.Fatal("auto-approved finalization must not open an approval request")
	}
}

func TestApplyReplaysCompletedKey(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)

	first := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k-validate"})

	replayed := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k-validate"})
	if !replayed.Replayed {
		t.Fatal("duplicate key must be served from the idempotency store")
	}
	if replayed.Status != first.Status || replayed.Version != first.Version {
		t.Fatalf("replay = %s v%d, want the original %s v%d", replayed.Status, replayed.Version, first.Status, first.Version)
	}

	state, err := store.GetFlowState(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("GetFlowState: %v", err)
	}
	if state.Version != 2 {
		t.Fatalf("version = %d, want 2: a replay must not re-commit", state.Version)
	}
}

func TestApplyVersionConflictIsRetryable(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)

	_, err := engine.Apply(context.Background(), Command{QuoteID: "q-1", ExpectedVersion: 7,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k-stale"})
	if apperrors.CodeOf(err) != apperrors.CodeVersionConflict {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeVersionConflict)
	}

	// The conflict is never stored against the key, so the corrected retry
	// executes normally.
	outcome := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k-stale"})
	if outcome.Replayed {
		t.Fatal("corrected retry must execute, not replay the conflict")
	}
	if outcome.Status != "VALIDATED" {
		t.Fatalf("status = %s, want VALIDATED", outcome.Status)
	}
}

func TestApplyDeterministicFailureReplaysSameError(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)
	ctx := context.Background()

	// Illegal transition: sending a draft quote.
	outcome, err := engine.Apply(ctx, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventSendRequested, IdempotencyKey: "k-bad-send"})
	if apperrors.CodeOf(err) != apperrors.CodeTransitionIllegal {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeTransitionIllegal)
	}
	if outcome.ErrorCode != string(apperrors.CodeTransitionIllegal) {
		t.Fatalf("outcome error code = %s, want the stored failure", outcome.ErrorCode)
	}

	replayed, err := engine.Apply(ctx, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventSendRequested, IdempotencyKey: "k-bad-send"})
	if apperrors.CodeOf(err) != apperrors.CodeTransitionIllegal {
		t.Fatalf("replayed code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeTransitionIllegal)
	}
	if !replayed.Replayed {
		t.Fatal("stored failure must replay without re-evaluating")
	}

	state, err := store.GetFlowState(ctx, "q-1")
	if err != nil {
		t.Fatalf("GetFlowState: %v", err)
	}
	if state.Version != 1 || state.Status != domain.QuoteStatusDraft {
		t.Fatalf("state = %s v%d, want the untouched draft", domain.QuoteStatusLabel(state.Status), state.Version)
	}
}

func TestApplyEditReturnsQuoteToDraft(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)

	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k-validate"})
	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "k-price"})

	edited := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 3,
		Event: flow.EventQuoteEdited, IdempotencyKey: "k-edit",
		EditedFields: map[string]any{"term_months": 24}})
	if edited.Status != "DRAFT" || edited.Version != 4 {
		t.Fatalf("outcome = %s v%d, want DRAFT v4", edited.Status, edited.Version)
	}

	// The pre-edit snapshot no longer matches the quote version, so
	// finalization straight from a re-validated state is refused until a
	// fresh pricing pass runs.
	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 4,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k-revalidate"})
	_, err := engine.Apply(context.Background(), Command{QuoteID: "q-1", ExpectedVersion: 5,
		Event: flow.EventFinalizationRequested, IdempotencyKey: "k-stale-finalize"})
	if apperrors.CodeOf(err) != apperrors.CodeTransitionIllegal {
		t.Fatalf("code = %s, want %s from a validated quote", apperrors.CodeOf(err), apperrors.CodeTransitionIllegal)
	}
}

func TestApplyRevisionSpawnsSuccessorDraft(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)
	seedDraftQuote(t, store, "q-3", decimal.RequireFromString("5"))
	ctx := context.Background()

	mustApply(t, engine, Command{QuoteID: "q-3", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "k3-validate"})
	mustApply(t, engine, Command{QuoteID: "q-3", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "k3-price"})
	mustApply(t, engine, Command{QuoteID: "q-3", ExpectedVersion: 3,
		Event: flow.EventFinalizationRequested, IdempotencyKey: "k3-finalize"})

	revised := mustApply(t, engine, Command{QuoteID: "q-3", ExpectedVersion: 4,
		Event: flow.EventRevisionRequested, IdempotencyKey: "k3-revise"})
	if revised.Status != "REVISED" {
		t.Fatalf("status = %s, want REVISED", revised.Status)
	}
	if revised.SuccessorQuoteID == "" {
		t.Fatal("revision must name the successor quote")
	}

	successor, err := store.GetQuote(ctx, revised.SuccessorQuoteID)
	if err != nil {
		t.Fatalf("GetQuote(successor): %v", err)
	}
	if successor.Status != domain.QuoteStatusDraft || successor.ParentQuoteID != "q-3" {
		t.Fatalf("successor = %+v, want a draft linked to q-3", successor)
	}
	carried, err := store.ListLines(ctx, successor.ID)
	if err != nil {
		t.Fatalf("ListLines(successor): %v", err)
	}
	if len(carried) != 2 {
		t.Fatalf("successor lines = %d, want 2 carried over", len(carried))
	}
	for _, line := range carried {
		if line.UnitPrice.Valid || line.PricedSnapshotID != "" {
			t.Fatalf("line %s carried pricing into the revision", line.ID)
		}
	}

	// The frozen predecessor accepts no further lifecycle events.
	_, err = engine.Apply(ctx, Command{QuoteID: "q-3", ExpectedVersion: 5,
		Event: flow.EventPricingRequested, IdempotencyKey: "k3-after"})
	if apperrors.CodeOf(err) != apperrors.CodeTransitionIllegal {
		t.Fatalf("code = %s, want %s against a revised quote", apperrors.CodeOf(err), apperrors.CodeTransitionIllegal)
	}
}

func TestApplyExpiredDecisionEscalates(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)
	ctx := context.Background()

	// Two thresholds route to a two-role chain.
	if err := store.PutApprovalThreshold(ctx, domain.ApprovalThreshold{
		ID: "thr-deal", Version: 1, ThresholdType: domain.ThresholdDealSize,
		ConditionJSON: []byte(`{"min_total": "10000"}`),
		RequiredRole:  "vp_sales", Active: true,
	}); err != nil {
		t.Fatalf("PutApprovalThreshold: %v", err)
	}

	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "ke-validate"})
	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "ke-price"})
	pending := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 3,
		Event: flow.EventFinalizationRequested, IdempotencyKey: "ke-finalize"})
	if pending.Status != "PENDING_APPROVAL" {
		t.Fatalf("status = %s, want PENDING_APPROVAL", pending.Status)
	}

	first, err := store.PendingRequest(ctx, "q-1")
	if err != nil {
		t.Fatalf("PendingRequest: %v", err)
	}
	if first.RequiredRole != "sales_manager" {
		t.Fatalf("first request role = %s, want sales_manager", first.RequiredRole)
	}

	// An expired decision escalates to the next role at the same step.
	escalated := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 4,
		Event: flow.EventApprovalDecided, IdempotencyKey: "ke-expire",
		Decision: domain.ApprovalExpired})
	if escalated.Status != "PENDING_APPROVAL" {
		t.Fatalf("status = %s, want PENDING_APPROVAL after escalation", escalated.Status)
	}
	second, err := store.PendingRequest(ctx, "q-1")
	if err != nil {
		t.Fatalf("PendingRequest: %v", err)
	}
	if second.RequiredRole != "vp_sales" {
		t.Fatalf("escalated role = %s, want vp_sales", second.RequiredRole)
	}
	if second.StepIndex != first.StepIndex {
		t.Fatalf("escalated step = %d, want the original step %d", second.StepIndex, first.StepIndex)
	}
}

func TestApplyRejectedDecisionRejectsQuote(t *testing.T) {
	engine, store := newTestEngine(t)
	seedEngineFixture(t, store)

	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "kr-validate"})
	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "kr-price"})
	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 3,
		Event: flow.EventFinalizationRequested, IdempotencyKey: "kr-finalize"})

	rejected := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 4,
		Event: flow.EventApprovalDecided, IdempotencyKey: "kr-reject",
		ActorID: "mgr-1", Decision: domain.ApprovalRejected})
	if rejected.Status != "REJECTED" {
		t.Fatalf("status = %s, want REJECTED", rejected.Status)
	}

	_, err := store.PendingRequest(context.Background(), "q-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("PendingRequest after rejection: %v, want not-found", err)
	}
}

// contendedStore fails the next guarded flow-state write once armed,
// simulating a concurrent writer winning the version race mid-commit.
type contendedStore struct {
	*memory.Store
	armed bool
}

func (s *contendedStore) PutFlowState(ctx context.Context, state domain.FlowState, expectedVersion int64) error {
	if s.armed && expectedVersion > 0 {
		s.armed = false
		return storage.ErrVersionConflict
	}
	return s.Store.PutFlowState(ctx, state, expectedVersion)
}

func TestApplyLosingGuardLeavesNoPartialWrites(t *testing.T) {
	inner := memory.New(nil)
	contended := &contendedStore{Store: inner}
	engine := New(contended, telemetry.NewEmitter(inner))
	engine.Clock = func() time.Time { return engineTime }
	counter := 0
	engine.IDGenerator = func() (string, error) {
		counter++
		return fmt.Sprintf("id-%04d", counter), nil
	}
	seedEngineFixture(t, inner)
	ctx := context.Background()

	mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 1,
		Event: flow.EventRequiredFieldsCollected, IdempotencyKey: "kg-validate"})
	before, err := inner.ListEvents(ctx, "q-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	contended.armed = true
	_, err = engine.Apply(ctx, Command{QuoteID: "q-1", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "kg-price"})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("err = %v, want the version conflict from the lost guard", err)
	}

	// The losing pass must leave no snapshot, no stamped lines, and no
	// extra journal rows.
	if _, err := inner.LatestSnapshot(ctx, "q-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("LatestSnapshot after lost guard: %v, want not-found", err)
	}
	lines, err := inner.ListLines(ctx, "q-1")
	if err != nil {
		t.Fatalf("ListLines: %v", err)
	}
	for _, line := range lines {
		if line.UnitPrice.Valid || line.PricedSnapshotID != "" {
			t.Fatalf("line %s carries pricing from the losing pass", line.ID)
		}
	}
	after, err := inner.ListEvents(ctx, "q-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("journal grew from %d to %d rows during the lost pass", len(before), len(after))
	}
	state, err := inner.GetFlowState(ctx, "q-1")
	if err != nil {
		t.Fatalf("GetFlowState: %v", err)
	}
	if state.Version != 2 || state.Status != domain.QuoteStatusValidated {
		t.Fatalf("state = %s v%d, want the untouched VALIDATED v2", domain.QuoteStatusLabel(state.Status), state.Version)
	}

	// The key was reserved but never completed, so the retry executes.
	outcome := mustApply(t, engine, Command{QuoteID: "q-1", ExpectedVersion: 2,
		Event: flow.EventPricingRequested, IdempotencyKey: "kg-price"})
	if outcome.Replayed || outcome.Status != "PRICED" {
		t.Fatalf("retry = %+v, want a fresh PRICED pass", outcome)
	}
	if _, err := inner.LatestSnapshot(ctx, "q-1"); err != nil {
		t.Fatalf("LatestSnapshot after retry: %v", err)
	}
}

func TestApplyIdenticalCommandSequencesConverge(t *testing.T) {
	ctx := context.Background()
	commands := []Command{
		{QuoteID: "q-1", ExpectedVersion: 1, Event: flow.EventRequiredFieldsCollected,
			IdempotencyKey: "kd-validate", ActorType: audit.ActorTypeRep, ActorID: "rep-1"},
		{QuoteID: "q-1", ExpectedVersion: 2, Event: flow.EventPricingRequested,
			IdempotencyKey: "kd-price", ActorType: audit.ActorTypeRep, ActorID: "rep-1"},
		{QuoteID: "q-1", ExpectedVersion: 3, Event: flow.EventFinalizationRequested,
			IdempotencyKey: "kd-finalize", ActorType: audit.ActorTypeRep, ActorID: "rep-1"},
		{QuoteID: "q-1", ExpectedVersion: 4, Event: flow.EventApprovalDecided,
			IdempotencyKey: "kd-approve", ActorType: audit.ActorTypeApprover, ActorID: "mgr-1",
			Decision: domain.ApprovalApproved},
		{QuoteID: "q-1", ExpectedVersion: 5, Event: flow.EventFinalizationRequested,
			IdempotencyKey: "kd-finalize-2", ActorType: audit.ActorTypeRep, ActorID: "rep-1"},
	}

	run := func() (domain.FlowState, []byte, []audit.Event) {
		engine, store := newTestEngine(t)
		seedEngineFixture(t, store)
		for _, cmd := range commands {
			mustApply(t, engine, cmd)
		}
		state, err := store.GetFlowState(ctx, "q-1")
		if err != nil {
			t.Fatalf("GetFlowState: %v", err)
		}
		snapshot, err := store.LatestSnapshot(ctx, "q-1")
		if err != nil {
			t.Fatalf("LatestSnapshot: %v", err)
		}
		canonical, err := snapshot.CanonicalJSON()
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		events, err := store.ListEvents(ctx, "q-1")
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		return state, canonical, events
	}

	firstState, firstSnapshot, firstEvents := run()
	secondState, secondSnapshot, secondEvents := run()

	if !reflect.DeepEqual(firstState, secondState) {
		t.Fatalf("flow states diverge:\n%+v\n%+v", firstState, secondState)
	}
	if !bytes.Equal(firstSnapshot, secondSnapshot) {
		t.Fatalf("canonical snapshots diverge:\n%s\n%s", firstSnapshot, secondSnapshot)
	}
	if len(firstEvents) != len(secondEvents) {
		t.Fatalf("journal lengths diverge: %d vs %d", len(firstEvents), len(secondEvents))
	}
	for i := range firstEvents {
		if firstEvents[i].Hash != secondEvents[i].Hash || firstEvents[i].ChainHash != secondEvents[i].ChainHash {
			t.Fatalf("journal row %d diverges: %+v vs %+v", i, firstEvents[i], secondEvents[i])
		}
	}
}
