package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/domain"
)

// Monetary values travel as canonical decimal strings on the wire so
// clients never see binary floating point.

type createQuoteRequest struct {
	AccountID  string            `json:"account_id" binding:"required"`
	Currency   string            `json:"currency" binding:"required"`
	Segment    string            `json:"segment"`
	Region     string            `json:"region"`
	TermStart  time.Time         `json:"term_start"`
	TermMonths int               `json:"term_months" binding:"required"`
	Lines      []addLineRequest  `json:"lines"`
	Discount   string            `json:"requested_discount_pct"`
	Attributes map[string]string `json:"-"`
}

type addLineRequest struct {
	ProductID       string            `json:"product_id" binding:"required"`
	ProductRevision int               `json:"product_revision"`
	Quantity        int               `json:"quantity" binding:"required"`
	Attributes      map[string]string `json:"attributes"`
	SortOrder       int               `json:"sort_order"`
}

type setDiscountRequest struct {
	RequestedDiscountPct string `json:"requested_discount_pct" binding:"required"`
}

type applyEventRequest struct {
	Event           string         `json:"event" binding:"required"`
	ExpectedVersion int64          `json:"expected_version"`
	Decision        string         `json:"decision"`
	EditedFields    map[string]any `json:"edited_fields"`
}

type quoteResponse struct {
	ID                   string         `json:"id"`
	Version              int64          `json:"version"`
	Status               string         `json:"status"`
	ParentQuoteID        string         `json:"parent_quote_id,omitempty"`
	AccountID            string         `json:"account_id"`
	Currency             string         `json:"currency"`
	Segment              string         `json:"segment,omitempty"`
	Region               string         `json:"region,omitempty"`
	TermStart            time.Time      `json:"term_start"`
	TermEnd              time.Time      `json:"term_end"`
	TermMonths           int            `json:"term_months"`
	RequestedDiscountPct string         `json:"requested_discount_pct"`
	CreatedBy            string         `json:"created_by,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Lines                []lineResponse `json:"lines,omitempty"`
}

type lineResponse struct {
	ID               string            `json:"id"`
	ProductID        string            `json:"product_id"`
	ProductRevision  int               `json:"product_revision"`
	Quantity         int               `json:"quantity"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	SortOrder        int               `json:"sort_order"`
	UnitPrice        string            `json:"unit_price,omitempty"`
	Subtotal         string            `json:"subtotal,omitempty"`
	DiscountPercent  string            `json:"discount_percent"`
	DiscountAmount   string            `json:"discount_amount"`
	PricedSnapshotID string            `json:"priced_snapshot_id,omitempty"`
}

type flowStateResponse struct {
	QuoteID        string            `json:"quote_id"`
	Status         string            `json:"status"`
	Version        int64             `json:"version"`
	RequiredFields []string          `json:"required_fields"`
	MissingFields  []string          `json:"missing_fields"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type auditEventResponse struct {
	Seq            uint64          `json:"seq"`
	Timestamp      time.Time       `json:"timestamp"`
	Type           string          `json:"type"`
	Category       string          `json:"category"`
	RequestID      string          `json:"request_id,omitempty"`
	ActorType      string          `json:"actor_type"`
	ActorID        string          `json:"actor_id,omitempty"`
	QuoteVersion   int64           `json:"quote_version"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Hash           string          `json:"hash"`
	PrevHash       string          `json:"prev_hash,omitempty"`
	ChainHash      string          `json:"chain_hash"`
	Signature      string          `json:"signature,omitempty"`
	SignatureKeyID string          `json:"signature_key_id,omitempty"`
}

type approvalResponse struct {
	ID           string     `json:"id"`
	QuoteID      string     `json:"quote_id"`
	SnapshotID   string     `json:"snapshot_id"`
	ChainID      string     `json:"chain_id"`
	StepIndex    int        `json:"step_index"`
	RequiredRole string     `json:"required_role"`
	PolicyID     string     `json:"policy_id,omitempty"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toQuoteResponse(quote domain.Quote, lines []domain.QuoteLine) quoteResponse {
	response := quoteResponse{
		ID:                   quote.ID,
		Version:              quote.Version,
		Status:               domain.QuoteStatusLabel(quote.Status),
		ParentQuoteID:        quote.ParentQuoteID,
		AccountID:            quote.AccountID,
		Currency:             quote.Currency,
		Segment:              quote.Segment,
		Region:               quote.Region,
		TermStart:            quote.TermStart,
		TermEnd:              quote.TermEnd,
		TermMonths:           quote.TermMonths,
		RequestedDiscountPct: quote.RequestedDiscountPct.String(),
		CreatedBy:            quote.CreatedBy,
		CreatedAt:            quote.CreatedAt,
		UpdatedAt:            quote.UpdatedAt,
	}
	for _, line := range domain.SortLines(lines) {
		response.Lines = append(response.Lines, toLineResponse(line))
	}
	return response
}

func toLineResponse(line domain.QuoteLine) lineResponse {
	response := lineResponse{
		ID:               line.ID,
		ProductID:        line.ProductID,
		ProductRevision:  line.ProductRevision,
		Quantity:         line.Quantity,
		Attributes:       line.Attributes,
		SortOrder:        line.SortOrder,
		DiscountPercent:  line.DiscountPercent.String(),
		DiscountAmount:   line.DiscountAmount.String(),
		PricedSnapshotID: line.PricedSnapshotID,
	}
	if line.UnitPrice.Valid {
		response.UnitPrice = line.UnitPrice.Decimal.String()
	}
	if line.Subtotal.Valid {
		response.Subtotal = line.Subtotal.Decimal.String()
	}
	return response
}

func toFlowStateResponse(state domain.FlowState) flowStateResponse {
	return flowStateResponse{
		QuoteID:        state.QuoteID,
		Status:         domain.QuoteStatusLabel(state.Status),
		Version:        state.Version,
		RequiredFields: state.RequiredFields,
		MissingFields:  state.MissingFields,
		Metadata:       state.Metadata,
		UpdatedAt:      state.UpdatedAt,
	}
}

func toAuditEventResponse(evt audit.Event) auditEventResponse {
	return auditEventResponse{
		Seq:            evt.Seq,
		Timestamp:      evt.Timestamp,
		Type:           string(evt.Type),
		Category:       string(evt.Category),
		RequestID:      evt.RequestID,
		ActorType:      string(evt.ActorType),
		ActorID:        evt.ActorID,
		QuoteVersion:   evt.QuoteVersion,
		Payload:        json.RawMessage(evt.PayloadJSON),
		Hash:           evt.Hash,
		PrevHash:       evt.PrevHash,
		ChainHash:      evt.ChainHash,
		Signature:      evt.Signature,
		SignatureKeyID: evt.SignatureKeyID,
	}
}

func toApprovalResponse(request domain.ApprovalRequest) approvalResponse {
	return approvalResponse{
		ID:           request.ID,
		QuoteID:      request.QuoteID,
		SnapshotID:   request.SnapshotID,
		ChainID:      request.ChainID,
		StepIndex:    request.StepIndex,
		RequiredRole: request.RequiredRole,
		PolicyID:     request.PolicyID,
		Reason:       request.Reason,
		Status:       string(request.Status),
		DecidedBy:    request.DecidedBy,
		DecidedAt:    request.DecidedAt,
		CreatedAt:    request.CreatedAt,
	}
}

func parseDecimal(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}
