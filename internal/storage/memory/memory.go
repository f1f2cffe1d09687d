// Package memory provides an in-memory Store for tests and local
// experimentation. It honors the same append-only, optimistic-concurrency,
// and hash-chain semantics as the durable backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
	"github.com/quoteforge/quoteforge/internal/storage/integrity"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	quotes    map[string]domain.Quote
	lines     map[string]domain.QuoteLine
	products  map[string]domain.Product
	books     map[string]domain.PriceBook
	entries   map[string]domain.PriceBookEntry
	formulas  map[string]domain.PricingFormula
	bundles   map[string]domain.Bundle
	rules     []domain.ConstraintRule
	discounts map[string]domain.DiscountPolicy
	approvals map[string]domain.ApprovalThreshold
	events    map[string][]audit.Event
	snapshots map[string]domain.QuotePricingSnapshot
	flow      map[string]domain.FlowState
	chains    map[string]domain.ApprovalChain
	requests  map[string]domain.ApprovalRequest
	idemKeys  map[string]idemRecord
	telemetry []storage.TelemetryEvent

	keyring *integrity.Keyring
}

type idemRecord struct {
	reservedAt time.Time
	completed  bool
	outcome    []byte
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store. The keyring may be nil, in which
// case appended events carry no signature.
func New(keyring *integrity.Keyring) *Store {
	return &Store{
		quotes:    make(map[string]domain.Quote),
		lines:     make(map[string]domain.QuoteLine),
		products:  make(map[string]domain.Product),
		books:     make(map[string]domain.PriceBook),
		entries:   make(map[string]domain.PriceBookEntry),
		formulas:  make(map[string]domain.PricingFormula),
		bundles:   make(map[string]domain.Bundle),
		discounts: make(map[string]domain.DiscountPolicy),
		approvals: make(map[string]domain.ApprovalThreshold),
		events:    make(map[string][]audit.Event),
		snapshots: make(map[string]domain.QuotePricingSnapshot),
		flow:      make(map[string]domain.FlowState),
		chains:    make(map[string]domain.ApprovalChain),
		requests:  make(map[string]domain.ApprovalRequest),
		idemKeys:  make(map[string]idemRecord),
		keyring:   keyring,
	}
}

// PutQuote stores a quote aggregate.
func (s *Store) PutQuote(ctx context.Context, quote domain.Quote) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[quote.ID] = quote
	return nil
}

// GetQuote loads a quote aggregate.
func (s *Store) GetQuote(ctx context.Context, id string) (domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return domain.Quote{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[id]
	if !ok {
		return domain.Quote{}, storage.ErrNotFound
	}
	return quote, nil
}

// ListQuotesByAccount returns the account's quotes ordered by id.
func (s *Store) ListQuotesByAccount(ctx context.Context, accountID string) ([]domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var quotes []domain.Quote
	for _, quote := range s.quotes {
		if quote.AccountID == accountID {
			quotes = append(quotes, quote)
		}
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].ID < quotes[j].ID })
	return quotes, nil
}

// PutLine stores a quote line.
func (s *Store) PutLine(ctx context.Context, line domain.QuoteLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[line.ID] = line
	return nil
}

// DeleteLine removes a quote line.
func (s *Store) DeleteLine(ctx context.Context, lineID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lines[lineID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.lines, lineID)
	return nil
}

// ListLines returns a quote's lines in deterministic order.
func (s *Store) ListLines(ctx context.Context, quoteID string) ([]domain.QuoteLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []domain.QuoteLine
	for _, line := range s.lines {
		if line.QuoteID == quoteID {
			lines = append(lines, line)
		}
	}
	return domain.SortLines(lines), nil
}

// GetProduct loads a catalog product.
func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, storage.ErrNotFound
	}
	return product, nil
}

// FindConstraintRules returns rules whose source product is in scope or
// that apply globally, in insertion order.
func (s *Store) FindConstraintRules(ctx context.Context, productIDs []string) ([]domain.ConstraintRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inScope := make(map[string]bool, len(productIDs))
	for _, id := range productIDs {
		inScope[id] = true
	}
	var rules []domain.ConstraintRule
	for _, rule := range s.rules {
		if rule.SourceProductID == "" || inScope[rule.SourceProductID] {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// SelectPriceBook returns the highest-priority active book covering the
// scope, ties broken by lowest id.
func (s *Store) SelectPriceBook(ctx context.Context, segment, region, currency string, at time.Time) (domain.PriceBook, error) {
	if err := ctx.Err(); err != nil {
		return domain.PriceBook{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.PriceBook
	found := false
	for _, book := range s.books {
		if !book.AppliesTo(segment, region, currency, at) {
			continue
		}
		if !found || book.Priority > best.Priority ||
			(book.Priority == best.Priority && book.ID < best.ID) {
			best = book
			found = true
		}
	}
	if !found {
		return domain.PriceBook{}, storage.ErrNotFound
	}
	return best, nil
}

// GetPriceBookEntry loads one product's entry in one book.
func (s *Store) GetPriceBookEntry(ctx context.Context, bookID, productID string) (domain.PriceBookEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.PriceBookEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.PriceBookID == bookID && entry.ProductID == productID {
			return entry, nil
		}
	}
	return domain.PriceBookEntry{}, storage.ErrNotFound
}

// GetFormula loads a stored pricing formula.
func (s *Store) GetFormula(ctx context.Context, id string) (domain.PricingFormula, error) {
	if err := ctx.Err(); err != nil {
		return domain.PricingFormula{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	formula, ok := s.formulas[id]
	if !ok {
		return domain.PricingFormula{}, storage.ErrNotFound
	}
	return formula, nil
}

// GetBundle loads a bundle definition.
func (s *Store) GetBundle(ctx context.Context, id string) (domain.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return domain.Bundle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle, ok := s.bundles[id]
	if !ok {
		return domain.Bundle{}, storage.ErrNotFound
	}
	return bundle, nil
}

// PutProduct stores a catalog product.
func (s *Store) PutProduct(ctx context.Context, product domain.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
	return nil
}

// PutPriceBook stores a price book.
func (s *Store) PutPriceBook(ctx context.Context, book domain.PriceBook) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[book.ID] = book
	return nil
}

// PutPriceBookEntry stores an entry after validating its tier coverage.
func (s *Store) PutPriceBookEntry(ctx context.Context, entry domain.PriceBookEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.ValidateTiers(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// PutFormula stores a pricing formula.
func (s *Store) PutFormula(ctx context.Context, formula domain.PricingFormula) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formulas[formula.ID] = formula
	return nil
}

// PutBundle stores a bundle after validating component cardinalities.
func (s *Store) PutBundle(ctx context.Context, bundle domain.Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.ValidateBundle(bundle); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.ID] = bundle
	return nil
}

// PutConstraintRule appends a constraint rule, preserving insertion order.
// Stored rules are frozen once written; a replacement under the same id must
// carry a strictly higher version so evaluations already journaled stay
// reproducible.
func (s *Store) PutConstraintRule(ctx context.Context, rule domain.ConstraintRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.rules {
		if existing.ID != rule.ID {
			continue
		}
		if rule.Version <= existing.Version {
			return apperrors.WithMetadata(apperrors.CodeReferenceDataImmutable,
				fmt.Sprintf("constraint rule %s is frozen at version %d; edits need a higher version", rule.ID, existing.Version),
				map[string]string{"RuleID": rule.ID})
		}
		s.rules[i] = rule
		return nil
	}
	s.rules = append(s.rules, rule)
	return nil
}

// ActiveDiscountPolicies returns active discount policies matching the
// segment and category scope, ordered by id.
func (s *Store) ActiveDiscountPolicies(ctx context.Context, segment, category string) ([]domain.DiscountPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var policies []domain.DiscountPolicy
	for _, policy := range s.discounts {
		if !policy.Active {
			continue
		}
		if policy.Segment != "" && !strings.EqualFold(policy.Segment, segment) {
			continue
		}
		if policy.Category != "" && !strings.EqualFold(policy.Category, category) {
			continue
		}
		policies = append(policies, policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// ActiveApprovalThresholds returns active thresholds in segment scope,
// ordered by id.
func (s *Store) ActiveApprovalThresholds(ctx context.Context, segment string) ([]domain.ApprovalThreshold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var thresholds []domain.ApprovalThreshold
	for _, threshold := range s.approvals {
		if !threshold.Active {
			continue
		}
		if threshold.Segment != "" && !strings.EqualFold(threshold.Segment, segment) {
			continue
		}
		thresholds = append(thresholds, threshold)
	}
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].ID < thresholds[j].ID })
	return thresholds, nil
}

// PutDiscountPolicy stores a discount policy row. Existing rows are frozen;
// a replacement must carry a strictly higher version.
func (s *Store) PutDiscountPolicy(ctx context.Context, policy domain.DiscountPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.discounts[policy.ID]; ok && policy.Version <= existing.Version {
		return apperrors.WithMetadata(apperrors.CodeReferenceDataImmutable,
			fmt.Sprintf("discount policy %s is frozen at version %d; edits need a higher version", policy.ID, existing.Version),
			map[string]string{"PolicyID": policy.ID})
	}
	s.discounts[policy.ID] = policy
	return nil
}

// PutApprovalThreshold stores an approval threshold row. Existing rows are
// frozen; a replacement must carry a strictly higher version.
func (s *Store) PutApprovalThreshold(ctx context.Context, threshold domain.ApprovalThreshold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.approvals[threshold.ID]; ok && threshold.Version <= existing.Version {
		return apperrors.WithMetadata(apperrors.CodeReferenceDataImmutable,
			fmt.Sprintf("approval threshold %s is frozen at version %d; edits need a higher version", threshold.ID, existing.Version),
			map[string]string{"ThresholdID": threshold.ID})
	}
	s.approvals[threshold.ID] = threshold
	return nil
}

// AppendEvent assigns the next sequence number, hashes, chain link, and
// signature, then appends the event to the quote's journal.
func (s *Store) AppendEvent(ctx context.Context, evt audit.Event) (audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return audit.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	journal := s.events[evt.QuoteID]
	evt.Seq = uint64(len(journal) + 1)
	prevChainHash := ""
	if len(journal) > 0 {
		prevChainHash = journal[len(journal)-1].ChainHash
	}
	evt.PrevHash = prevChainHash

	hash, err := audit.EventHash(evt)
	if err != nil {
		return audit.Event{}, err
	}
	evt.Hash = hash
	chainHash, err := audit.ChainHash(evt, prevChainHash)
	if err != nil {
		return audit.Event{}, err
	}
	evt.ChainHash = chainHash

	if s.keyring != nil {
		signature, keyID, err := s.keyring.SignChainHash(evt.QuoteID, chainHash)
		if err != nil {
			return audit.Event{}, err
		}
		evt.Signature = signature
		evt.SignatureKeyID = keyID
	}

	s.events[evt.QuoteID] = append(journal, evt)
	return evt, nil
}

// ListEvents returns the quote's journal in sequence order.
func (s *Store) ListEvents(ctx context.Context, quoteID string) ([]audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events[quoteID]...), nil
}

// PutSnapshot stores an immutable pricing snapshot.
func (s *Store) PutSnapshot(ctx context.Context, snapshot domain.QuotePricingSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.ID] = snapshot
	return nil
}

// GetSnapshot loads a pricing snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (domain.QuotePricingSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.QuotePricingSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[id]
	if !ok {
		return domain.QuotePricingSnapshot{}, storage.ErrNotFound
	}
	return snapshot, nil
}

// LatestSnapshot returns the most recent snapshot for a quote.
func (s *Store) LatestSnapshot(ctx context.Context, quoteID string) (domain.QuotePricingSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.QuotePricingSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest domain.QuotePricingSnapshot
	found := false
	for _, snapshot := range s.snapshots {
		if snapshot.QuoteID != quoteID {
			continue
		}
		if !found || snapshot.CreatedAt.After(latest.CreatedAt) ||
			(snapshot.CreatedAt.Equal(latest.CreatedAt) && snapshot.ID > latest.ID) {
			latest = snapshot
			found = true
		}
	}
	if !found {
		return domain.QuotePricingSnapshot{}, storage.ErrNotFound
	}
	return latest, nil
}

// PutFlowState upserts flow state guarded by the optimistic version token.
func (s *Store) PutFlowState(ctx context.Context, state domain.FlowState, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.flow[state.QuoteID]
	if expectedVersion == 0 {
		if exists {
			return storage.ErrVersionConflict
		}
		s.flow[state.QuoteID] = state
		return nil
	}
	if !exists || current.Version != expectedVersion {
		return storage.ErrVersionConflict
	}
	s.flow[state.QuoteID] = state
	return nil
}

// GetFlowState loads a quote's flow state.
func (s *Store) GetFlowState(ctx context.Context, quoteID string) (domain.FlowState, error) {
	if err := ctx.Err(); err != nil {
		return domain.FlowState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.flow[quoteID]
	if !ok {
		return domain.FlowState{}, storage.ErrNotFound
	}
	return state, nil
}

// PutChain stores an approval chain.
func (s *Store) PutChain(ctx context.Context, chain domain.ApprovalChain) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[chain.ID] = chain
	return nil
}

// GetChain loads an approval chain.
func (s *Store) GetChain(ctx context.Context, id string) (domain.ApprovalChain, error) {
	if err := ctx.Err(); err != nil {
		return domain.ApprovalChain{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[id]
	if !ok {
		return domain.ApprovalChain{}, storage.ErrNotFound
	}
	return chain, nil
}

// PutRequest stores an approval request.
func (s *Store) PutRequest(ctx context.Context, request domain.ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[request.ID] = request
	return nil
}

// GetRequest loads an approval request.
func (s *Store) GetRequest(ctx context.Context, id string) (domain.ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok {
		return domain.ApprovalRequest{}, storage.ErrNotFound
	}
	return request, nil
}

// ListRequestsByQuote returns a quote's approval requests in step order.
func (s *Store) ListRequestsByQuote(ctx context.Context, quoteID string) ([]domain.ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var requests []domain.ApprovalRequest
	for _, request := range s.requests {
		if request.QuoteID == quoteID {
			requests = append(requests, request)
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].StepIndex != requests[j].StepIndex {
			return requests[i].StepIndex < requests[j].StepIndex
		}
		return requests[i].ID < requests[j].ID
	})
	return requests, nil
}

// PendingRequest returns the quote's single pending approval request.
func (s *Store) PendingRequest(ctx context.Context, quoteID string) (domain.ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, request := range s.requests {
		if request.QuoteID == quoteID && request.Status == domain.ApprovalPending {
			return request, nil
		}
	}
	return domain.ApprovalRequest{}, storage.ErrNotFound
}

// ReserveKey reserves an idempotency key. It reports false when the key is
// already reserved or completed.
func (s *Store) ReserveKey(ctx context.Context, key string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idemKeys[key]; ok {
		return false, nil
	}
	s.idemKeys[key] = idemRecord{reservedAt: at}
	return true, nil
}

// CompleteKey records the outcome for a reserved key.
func (s *Store) CompleteKey(ctx context.Context, key string, outcome []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.idemKeys[key]
	if !ok {
		return storage.ErrNotFound
	}
	record.completed = true
	record.outcome = append([]byte(nil), outcome...)
	s.idemKeys[key] = record
	return nil
}

// GetOutcome returns the stored outcome for a completed key. The boolean is
// false while the key is reserved but not yet completed.
func (s *Store) GetOutcome(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.idemKeys[key]
	if !ok || !record.completed {
		return nil, false, nil
	}
	return append([]byte(nil), record.outcome...), true, nil
}

// AppendTelemetryEvent records an operational telemetry event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, evt)
	return nil
}

// TelemetryEvents returns a copy of the recorded telemetry, for tests.
func (s *Store) TelemetryEvents() []storage.TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.TelemetryEvent(nil), s.telemetry...)
}
