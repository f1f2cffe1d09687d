package domain

import (
	"strings"
	"time"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

// FlowState is the versioned record of a quote's position in the lifecycle
// state machine. It is mutated only by the flow engine under version-checked
// transactions.
type FlowState struct {
	QuoteID string
	Status  QuoteStatus
	// Version is the optimistic-concurrency token. Every committed
	// transition increments it; writers must present the stored value.
	Version int64
	// RequiredFields lists the fields the flow demands before validation.
	RequiredFields []string
	// MissingFields is the subset of RequiredFields still absent.
	MissingFields []string
	// Metadata carries flow-specific context (last snapshot id, chain id).
	Metadata  map[string]string
	UpdatedAt time.Time
}

// DefaultRequiredFields are the quote fields collected before validation.
var DefaultRequiredFields = []string{"account_id", "currency", "term_months", "lines"}

// NewFlowState creates the initial draft flow state for a quote.
func NewFlowState(quoteID string, now func() time.Time) (FlowState, error) {
	if now == nil {
		now = time.Now
	}
	quoteID = strings.TrimSpace(quoteID)
	if quoteID == "" {
		return FlowState{}, apperrors.New(apperrors.CodeQuoteIDRequired, "quote id is required")
	}
	return FlowState{
		QuoteID:        quoteID,
		Status:         QuoteStatusDraft,
		Version:        1,
		RequiredFields: append([]string(nil), DefaultRequiredFields...),
		MissingFields:  append([]string(nil), DefaultRequiredFields...),
		Metadata:       map[string]string{},
		UpdatedAt:      now().UTC(),
	}, nil
}

// ComputeMissingFields derives the missing required fields from quote state.
func ComputeMissingFields(quote Quote, lines []QuoteLine) []string {
	var missing []string
	if strings.TrimSpace(quote.AccountID) == "" {
		missing = append(missing, "account_id")
	}
	if strings.TrimSpace(quote.Currency) == "" {
		missing = append(missing, "currency")
	}
	if quote.TermMonths <= 0 {
		missing = append(missing, "term_months")
	}
	if len(lines) == 0 {
		missing = append(missing, "lines")
	}
	return missing
}
