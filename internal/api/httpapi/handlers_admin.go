package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
)

// Admin handlers upsert reference data. Load-time invariants (tier
// coverage, bundle cardinalities) are enforced by the storage layer, so a
// bad fixture is rejected here instead of failing a pricing pass later.

type productRequest struct {
	ID         string            `json:"id" binding:"required"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name" binding:"required"`
	Category   string            `json:"category"`
	Revision   int               `json:"revision"`
	Attributes map[string]string `json:"attributes"`
	CostPrice  string            `json:"cost_price"`
	Active     bool              `json:"active"`
}

type priceBookRequest struct {
	ID         string     `json:"id" binding:"required"`
	Name       string     `json:"name" binding:"required"`
	Segment    string     `json:"segment"`
	Region     string     `json:"region"`
	Currency   string     `json:"currency" binding:"required"`
	Priority   int        `json:"priority"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
	Active     bool       `json:"active"`
}

type volumeTierRequest struct {
	MinQuantity int    `json:"min_quantity"`
	MaxQuantity int    `json:"max_quantity"`
	UnitPrice   string `json:"unit_price" binding:"required"`
}

type priceBookEntryRequest struct {
	ID          string              `json:"id" binding:"required"`
	PriceBookID string              `json:"price_book_id" binding:"required"`
	ProductID   string              `json:"product_id" binding:"required"`
	ListPrice   string              `json:"list_price" binding:"required"`
	FormulaID   string              `json:"formula_id"`
	Tiers       []volumeTierRequest `json:"tiers"`
}

type formulaRequest struct {
	ID         string `json:"id" binding:"required"`
	Expression string `json:"expression" binding:"required"`
}

type bundleComponentRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	MinCount  int    `json:"min_count"`
	MaxCount  int    `json:"max_count"`
	Optional  bool   `json:"optional"`
}

type bundleRequest struct {
	ID              string                   `json:"id" binding:"required"`
	Name            string                   `json:"name"`
	DiscountPercent string                   `json:"discount_percent"`
	Components      []bundleComponentRequest `json:"components" binding:"required"`
}

type constraintRuleRequest struct {
	ID                 string          `json:"id" binding:"required"`
	Version            int             `json:"version"`
	ConstraintType     string          `json:"constraint_type" binding:"required"`
	SourceProductID    string          `json:"source_product_id"`
	Condition          json.RawMessage `json:"condition"`
	Priority           int             `json:"priority"`
	Active             bool            `json:"active"`
	Message            string          `json:"message"`
	SuggestionTemplate string          `json:"suggestion_template"`
}

type discountPolicyRequest struct {
	ID             string `json:"id" binding:"required"`
	Version        int    `json:"version"`
	Segment        string `json:"segment"`
	ProductID      string `json:"product_id"`
	Category       string `json:"category"`
	MaxAutoPercent string `json:"max_auto_percent" binding:"required"`
	RequiredRole   string `json:"required_role" binding:"required"`
	Priority       int    `json:"priority"`
	Active         bool   `json:"active"`
}

type approvalThresholdRequest struct {
	ID            string          `json:"id" binding:"required"`
	Version       int             `json:"version"`
	ThresholdType string          `json:"threshold_type" binding:"required"`
	Segment       string          `json:"segment"`
	Condition     json.RawMessage `json:"condition"`
	RequiredRole  string          `json:"required_role" binding:"required"`
	Blocking      bool            `json:"blocking"`
	Priority      int             `json:"priority"`
	Active        bool            `json:"active"`
}

func (s *Server) putProduct(c *gin.Context) {
	var payload productRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid product payload")
		return
	}
	product := domain.Product{
		ID:         payload.ID,
		SKU:        payload.SKU,
		Name:       payload.Name,
		Category:   payload.Category,
		Revision:   payload.Revision,
		Attributes: payload.Attributes,
		Active:     payload.Active,
	}
	if payload.CostPrice != "" {
		cost, err := parseDecimal(payload.CostPrice)
		if err != nil {
			failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "cost_price must be decimal text")
			return
		}
		product.CostPrice.Decimal = cost
		product.CostPrice.Valid = true
	}
	if err := s.store.PutProduct(c.Request.Context(), product); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putPriceBook(c *gin.Context) {
	var payload priceBookRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid price book payload")
		return
	}
	if err := s.store.PutPriceBook(c.Request.Context(), domain.PriceBook{
		ID:         payload.ID,
		Name:       payload.Name,
		Segment:    payload.Segment,
		Region:     payload.Region,
		Currency:   payload.Currency,
		Priority:   payload.Priority,
		ValidFrom:  payload.ValidFrom,
		ValidUntil: payload.ValidUntil,
		Active:     payload.Active,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putPriceBookEntry(c *gin.Context) {
	var payload priceBookEntryRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid price book entry payload")
		return
	}
	listPrice, err := parseDecimal(payload.ListPrice)
	if err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "list_price must be decimal text")
		return
	}
	entry := domain.PriceBookEntry{
		ID:          payload.ID,
		PriceBookID: payload.PriceBookID,
		ProductID:   payload.ProductID,
		ListPrice:   listPrice,
		FormulaID:   payload.FormulaID,
	}
	for _, tier := range payload.Tiers {
		unitPrice, err := parseDecimal(tier.UnitPrice)
		if err != nil {
			failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "tier unit_price must be decimal text")
			return
		}
		entry.Tiers = append(entry.Tiers, domain.VolumeTier{
			MinQuantity: tier.MinQuantity,
			MaxQuantity: tier.MaxQuantity,
			UnitPrice:   unitPrice,
		})
	}
	if err := s.store.PutPriceBookEntry(c.Request.Context(), entry); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putFormula(c *gin.Context) {
	var payload formulaRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid formula payload")
		return
	}
	if err := s.store.PutFormula(c.Request.Context(), domain.PricingFormula{
		ID:         payload.ID,
		Expression: payload.Expression,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putBundle(c *gin.Context) {
	var payload bundleRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid bundle payload")
		return
	}
	discount, err := parseDecimal(payload.DiscountPercent)
	if err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "discount_percent must be decimal text")
		return
	}
	bundle := domain.Bundle{
		ID:              payload.ID,
		Name:            payload.Name,
		DiscountPercent: discount,
	}
	for _, component := range payload.Components {
		bundle.Components = append(bundle.Components, domain.BundleComponent{
			ProductID: component.ProductID,
			MinCount:  component.MinCount,
			MaxCount:  component.MaxCount,
			Optional:  component.Optional,
		})
	}
	if err := s.store.PutBundle(c.Request.Context(), bundle); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putConstraintRule(c *gin.Context) {
	var payload constraintRuleRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid constraint rule payload")
		return
	}
	constraintType, err := domain.ConstraintTypeFromLabel(payload.ConstraintType)
	if err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := s.store.PutConstraintRule(c.Request.Context(), domain.ConstraintRule{
		ID:                 payload.ID,
		Version:            payload.Version,
		ConstraintType:     constraintType,
		SourceProductID:    payload.SourceProductID,
		ConditionJSON:      payload.Condition,
		Priority:           payload.Priority,
		Active:             payload.Active,
		Message:            payload.Message,
		SuggestionTemplate: payload.SuggestionTemplate,
		CreatedAt:          s.now(),
	}); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putDiscountPolicy(c *gin.Context) {
	var payload discountPolicyRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid discount policy payload")
		return
	}
	maxAuto, err := parseDecimal(payload.MaxAutoPercent)
	if err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "max_auto_percent must be decimal text")
		return
	}
	if err := s.store.PutDiscountPolicy(c.Request.Context(), domain.DiscountPolicy{
		ID:             payload.ID,
		Version:        payload.Version,
		Segment:        payload.Segment,
		ProductID:      payload.ProductID,
		Category:       payload.Category,
		MaxAutoPercent: maxAuto,
		RequiredRole:   payload.RequiredRole,
		Priority:       payload.Priority,
		Active:         payload.Active,
		CreatedAt:      s.now(),
	}); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putApprovalThreshold(c *gin.Context) {
	var payload approvalThresholdRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid approval threshold payload")
		return
	}
	if err := s.store.PutApprovalThreshold(c.Request.Context(), domain.ApprovalThreshold{
		ID:            payload.ID,
		Version:       payload.Version,
		ThresholdType: domain.ThresholdType(payload.ThresholdType),
		Segment:       payload.Segment,
		ConditionJSON: payload.Condition,
		RequiredRole:  payload.RequiredRole,
		Blocking:      payload.Blocking,
		Priority:      payload.Priority,
		Active:        payload.Active,
		CreatedAt:     s.now(),
	}); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
