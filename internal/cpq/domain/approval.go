package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/platform/id"
)

// ApprovalStatus describes the lifecycle of one approval request.
type ApprovalStatus string

const (
	// ApprovalPending indicates the request awaits a decision.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved indicates the request was approved. Final.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected indicates the request was rejected. Final.
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalExpired indicates the request timed out unanswered. Final.
	ApprovalExpired ApprovalStatus = "expired"
)

var (
	// ErrApproverRoleRequired indicates a missing approver role.
	ErrApproverRoleRequired = apperrors.New(apperrors.CodeApproverRoleRequired, "approver role is required")
	// ErrApprovalNotPending indicates a decision against a finalized request.
	ErrApprovalNotPending = apperrors.New(apperrors.CodeApprovalNotPending, "approval request is no longer pending")
)

// ApprovalRequest asks one approver role to decide one step of a chain.
// Terminal states are final for the request; the chain may spawn the next
// sequential request.
type ApprovalRequest struct {
	ID         string
	QuoteID    string
	SnapshotID string
	ChainID    string
	// StepIndex is the zero-based position within the chain.
	StepIndex    int
	RequiredRole string
	// PolicyID names the policy row whose violation created the request.
	PolicyID string
	Reason   string
	Status   ApprovalStatus
	DecidedBy string
	DecidedAt *time.Time
	CreatedAt time.Time
}

// ApprovalChain sequences the approver roles a quote must clear in order.
type ApprovalChain struct {
	ID      string
	QuoteID string
	// Roles are ordered least to most senior; each spawns one request.
	Roles []string
	// CurrentStep indexes the active request; equal to len(Roles) when done.
	CurrentStep int
	CreatedAt   time.Time
}

// Complete reports whether every chain step has been approved.
func (c ApprovalChain) Complete() bool {
	return c.CurrentStep >= len(c.Roles)
}

// CreateApprovalChain builds a chain from the ordered required roles.
func CreateApprovalChain(quoteID string, roles []string, now func() time.Time, idGenerator func() (string, error)) (ApprovalChain, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	quoteID = strings.TrimSpace(quoteID)
	if quoteID == "" {
		return ApprovalChain{}, apperrors.New(apperrors.CodeQuoteIDRequired, "quote id is required")
	}
	if len(roles) == 0 {
		return ApprovalChain{}, ErrApproverRoleRequired
	}
	for _, role := range roles {
		if strings.TrimSpace(role) == "" {
			return ApprovalChain{}, ErrApproverRoleRequired
		}
	}
	chainID, err := idGenerator()
	if err != nil {
		return ApprovalChain{}, fmt.Errorf("generate chain id: %w", err)
	}
	return ApprovalChain{
		ID:          chainID,
		QuoteID:     quoteID,
		Roles:       append([]string(nil), roles...),
		CurrentStep: 0,
		CreatedAt:   now().UTC(),
	}, nil
}

// CreateApprovalRequestInput describes the fields needed to open a request.
type CreateApprovalRequestInput struct {
	QuoteID      string
	SnapshotID   string
	ChainID      string
	StepIndex    int
	RequiredRole string
	PolicyID     string
	Reason       string
}

// CreateApprovalRequest opens a pending approval request.
func CreateApprovalRequest(input CreateApprovalRequestInput, now func() time.Time, idGenerator func() (string, error)) (ApprovalRequest, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	input.QuoteID = strings.TrimSpace(input.QuoteID)
	if input.QuoteID == "" {
		return ApprovalRequest{}, apperrors.New(apperrors.CodeQuoteIDRequired, "quote id is required")
	}
	input.RequiredRole = strings.TrimSpace(input.RequiredRole)
	if input.RequiredRole == "" {
		return ApprovalRequest{}, ErrApproverRoleRequired
	}
	requestID, err := idGenerator()
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("generate approval request id: %w", err)
	}
	return ApprovalRequest{
		ID:           requestID,
		QuoteID:      input.QuoteID,
		SnapshotID:   input.SnapshotID,
		ChainID:      input.ChainID,
		StepIndex:    input.StepIndex,
		RequiredRole: input.RequiredRole,
		PolicyID:     input.PolicyID,
		Reason:       input.Reason,
		Status:       ApprovalPending,
		CreatedAt:    now().UTC(),
	}, nil
}

// Decide finalizes a pending request. Deciding a non-pending request is
// rejected; terminal request states are final.
func (r ApprovalRequest) Decide(status ApprovalStatus, decidedBy string, now func() time.Time) (ApprovalRequest, error) {
	if now == nil {
		now = time.Now
	}
	if r.Status != ApprovalPending {
		return ApprovalRequest{}, ErrApprovalNotPending
	}
	switch status {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired:
	default:
		return ApprovalRequest{}, apperrors.New(apperrors.CodeApprovalDecisionInvalid, "approval decision must be approved, rejected, or expired")
	}
	decidedBy = strings.TrimSpace(decidedBy)
	if decidedBy == "" && status != ApprovalExpired {
		return ApprovalRequest{}, apperrors.New(apperrors.CodeActorRequired, "approver identity is required")
	}
	decidedAt := now().UTC()
	updated := r
	updated.Status = status
	updated.DecidedBy = decidedBy
	updated.DecidedAt = &decidedAt
	return updated, nil
}
