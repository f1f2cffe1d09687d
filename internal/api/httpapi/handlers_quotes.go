package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage"
)

func (s *Server) createQuote(c *gin.Context) {
	var payload createQuoteRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid quote payload")
		return
	}
	discount, err := parseDecimal(payload.Discount)
	if err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "requested_discount_pct must be decimal text")
		return
	}

	ctx := c.Request.Context()
	actorType, actorID := actorFrom(c)

	quote, err := domain.CreateQuote(domain.CreateQuoteInput{
		AccountID:  payload.AccountID,
		Currency:   payload.Currency,
		Segment:    payload.Segment,
		Region:     payload.Region,
		TermStart:  payload.TermStart,
		TermMonths: payload.TermMonths,
		CreatedBy:  actorID,
	}, s.clock, s.engine.IDGenerator)
	if err != nil {
		respondError(c, err)
		return
	}
	if !discount.IsZero() {
		quote, err = quote.WithRequestedDiscount(discount, s.clock)
		if err != nil {
			respondError(c, err)
			return
		}
	}

	var lines []domain.QuoteLine
	for i, lineReq := range payload.Lines {
		sortOrder := lineReq.SortOrder
		if sortOrder == 0 {
			sortOrder = i + 1
		}
		line, err := domain.CreateQuoteLine(domain.CreateQuoteLineInput{
			QuoteID:         quote.ID,
			ProductID:       lineReq.ProductID,
			ProductRevision: lineReq.ProductRevision,
			Quantity:        lineReq.Quantity,
			Attributes:      lineReq.Attributes,
			SortOrder:       sortOrder,
		}, s.clock, s.engine.IDGenerator)
		if err != nil {
			respondError(c, err)
			return
		}
		lines = append(lines, line)
	}

	if err := s.store.PutQuote(ctx, quote); err != nil {
		respondError(c, err)
		return
	}
	for _, line := range lines {
		if err := s.store.PutLine(ctx, line); err != nil {
			respondError(c, err)
			return
		}
	}

	state, err := domain.NewFlowState(quote.ID, s.clock)
	if err != nil {
		respondError(c, err)
		return
	}
	state.MissingFields = domain.ComputeMissingFields(quote, lines)
	if err := s.store.PutFlowState(ctx, state, 0); err != nil {
		respondError(c, err)
		return
	}

	payloadJSON, err := json.Marshal(audit.QuoteCreatedPayload{
		AccountID:  quote.AccountID,
		Currency:   quote.Currency,
		Segment:    quote.Segment,
		Region:     quote.Region,
		TermMonths: quote.TermMonths,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := s.store.AppendEvent(ctx, audit.Event{
		QuoteID:      quote.ID,
		Timestamp:    s.now(),
		Type:         audit.TypeQuoteCreated,
		Category:     audit.CategoryLifecycle,
		ActorType:    actorType,
		ActorID:      actorID,
		QuoteVersion: quote.Version,
		PayloadJSON:  payloadJSON,
	}); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toQuoteResponse(quote, lines))
}

func (s *Server) getQuote(c *gin.Context) {
	ctx := c.Request.Context()
	quote, err := s.store.GetQuote(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	lines, err := s.store.ListLines(ctx, quote.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toQuoteResponse(quote, lines))
}

func (s *Server) listQuotes(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "account_id query parameter is required")
		return
	}
	quotes, err := s.store.ListQuotesByAccount(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]quoteResponse, 0, len(quotes))
	for _, quote := range quotes {
		responses = append(responses, toQuoteResponse(quote, nil))
	}
	c.JSON(http.StatusOK, gin.H{"quotes": responses})
}

func (s *Server) getFlowState(c *gin.Context) {
	state, err := s.store.GetFlowState(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFlowStateResponse(state))
}

// journalContentEdit appends a quote.edited event so draft content mutations
// share the same tamper-evident journal as lifecycle transitions.
func (s *Server) journalContentEdit(c *gin.Context, quote domain.Quote, fields map[string]any) error {
	payloadJSON, err := json.Marshal(audit.QuoteEditedPayload{Fields: fields})
	if err != nil {
		return err
	}
	actorType, actorID := actorFrom(c)
	_, err = s.store.AppendEvent(c.Request.Context(), audit.Event{
		QuoteID:      quote.ID,
		Timestamp:    s.now(),
		Type:         audit.TypeQuoteEdited,
		Category:     audit.CategoryFor(audit.TypeQuoteEdited),
		ActorType:    actorType,
		ActorID:      actorID,
		QuoteVersion: quote.Version,
		PayloadJSON:  payloadJSON,
	})
	return err
}

// editableQuote loads a quote and rejects content mutation outside Draft.
func (s *Server) editableQuote(c *gin.Context) (domain.Quote, bool) {
	quote, err := s.store.GetQuote(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return domain.Quote{}, false
	}
	if !quote.Editable() {
		respondError(c, apperrors.New(apperrors.CodeQuoteImmutable,
			"quote content can only change in draft; apply a quote_edited event first"))
		return domain.Quote{}, false
	}
	return quote, true
}

func (s *Server) addLine(c *gin.Context) {
	var payload addLineRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid line payload")
		return
	}
	quote, ok := s.editableQuote(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	existing, err := s.store.ListLines(ctx, quote.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	sortOrder := payload.SortOrder
	if sortOrder == 0 {
		sortOrder = len(existing) + 1
	}
	line, err := domain.CreateQuoteLine(domain.CreateQuoteLineInput{
		QuoteID:         quote.ID,
		ProductID:       payload.ProductID,
		ProductRevision: payload.ProductRevision,
		Quantity:        payload.Quantity,
		Attributes:      payload.Attributes,
		SortOrder:       sortOrder,
	}, s.clock, s.engine.IDGenerator)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.PutLine(ctx, line); err != nil {
		respondError(c, err)
		return
	}
	if err := s.journalContentEdit(c, quote, map[string]any{
		"line_added": line.ID,
		"product_id": line.ProductID,
		"quantity":   line.Quantity,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toLineResponse(line))
}

func (s *Server) removeLine(c *gin.Context) {
	quote, ok := s.editableQuote(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	lineID := c.Param("lineID")

	lines, err := s.store.ListLines(ctx, quote.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	owned := false
	for _, line := range lines {
		if line.ID == lineID {
			owned = true
			break
		}
	}
	if !owned {
		respondError(c, storage.ErrNotFound)
		return
	}
	if err := s.store.DeleteLine(ctx, lineID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.journalContentEdit(c, quote, map[string]any{"line_removed": lineID}); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setRequestedDiscount(c *gin.Context) {
	var payload setDiscountRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid discount payload")
		return
	}
	discount, err := parseDecimal(payload.RequestedDiscountPct)
	if err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "requested_discount_pct must be decimal text")
		return
	}
	quote, ok := s.editableQuote(c)
	if !ok {
		return
	}
	updated, err := quote.WithRequestedDiscount(discount, s.clock)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.PutQuote(c.Request.Context(), updated); err != nil {
		respondError(c, err)
		return
	}
	if err := s.journalContentEdit(c, updated, map[string]any{
		"requested_discount_pct": discount.String(),
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toQuoteResponse(updated, nil))
}
