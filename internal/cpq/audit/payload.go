package audit

// QuoteCreatedPayload captures the payload for quote.created events.
type QuoteCreatedPayload struct {
	AccountID  string `json:"account_id"`
	Currency   string `json:"currency"`
	Segment    string `json:"segment,omitempty"`
	Region     string `json:"region,omitempty"`
	TermMonths int    `json:"term_months"`
	// ParentQuoteID is set when the quote is a revision of a predecessor.
	ParentQuoteID string `json:"parent_quote_id,omitempty"`
}

// QuoteEditedPayload captures the payload for quote.edited events.
type QuoteEditedPayload struct {
	Fields map[string]any `json:"fields"`
}

// QuoteStatusChangedPayload captures the payload for quote.status_changed events.
type QuoteStatusChangedPayload struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	FlowEvent  string `json:"flow_event"`
}

// QuoteRevisedPayload captures the payload for quote.revised events.
type QuoteRevisedPayload struct {
	SuccessorQuoteID string `json:"successor_quote_id"`
}

// ConfigurationValidatedPayload captures the payload for
// evaluation.configuration_validated events.
type ConfigurationValidatedPayload struct {
	Valid      bool     `json:"valid"`
	RuleIDs    []string `json:"rule_ids,omitempty"`
	Violations int      `json:"violations"`
}

// PricingComputedPayload captures the payload for evaluation.pricing_computed events.
type PricingComputedPayload struct {
	SnapshotID    string `json:"snapshot_id"`
	PriceBookID   string `json:"price_book_id"`
	Subtotal      string `json:"subtotal"`
	DiscountTotal string `json:"discount_total"`
	TaxTotal      string `json:"tax_total"`
	Total         string `json:"total"`
}

// PricingFailedPayload captures the payload for evaluation.pricing_failed events.
type PricingFailedPayload struct {
	Code      string `json:"code"`
	LineID    string `json:"line_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Detail    string `json:"detail"`
}

// PolicyEvaluatedPayload captures the payload for evaluation.policy_evaluated events.
type PolicyEvaluatedPayload struct {
	SnapshotID string   `json:"snapshot_id"`
	Status     string   `json:"status"`
	PolicyIDs  []string `json:"policy_ids,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// ApprovalRequestedPayload captures the payload for approval.requested events.
type ApprovalRequestedPayload struct {
	RequestID    string `json:"request_id"`
	ChainID      string `json:"chain_id"`
	StepIndex    int    `json:"step_index"`
	RequiredRole string `json:"required_role"`
	PolicyID     string `json:"policy_id,omitempty"`
}

// ApprovalDecidedPayload captures the payload for approval.decided events.
type ApprovalDecidedPayload struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by,omitempty"`
}
