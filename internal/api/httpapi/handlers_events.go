package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quoteforge/quoteforge/internal/cpq/domain"
	"github.com/quoteforge/quoteforge/internal/cpq/engine"
	"github.com/quoteforge/quoteforge/internal/cpq/flow"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

// applyEvent is the single mutation entry point for quote lifecycle
// transitions. The Idempotency-Key header is mandatory; a repeated key
// replays the stored outcome, including stored deterministic failures.
func (s *Server) applyEvent(c *gin.Context) {
	var payload applyEventRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		failRequest(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid event payload")
		return
	}
	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey == "" {
		respondError(c, apperrors.New(apperrors.CodeIdempotencyConflict,
			"Idempotency-Key header is required"))
		return
	}

	actorType, actorID := actorFrom(c)
	outcome, err := s.engine.Apply(c.Request.Context(), engine.Command{
		QuoteID:         c.Param("id"),
		ExpectedVersion: payload.ExpectedVersion,
		Event:           flow.EventType(payload.Event),
		IdempotencyKey:  idempotencyKey,
		ActorType:       actorType,
		ActorID:         actorID,
		Decision:        domain.ApprovalStatus(payload.Decision),
		EditedFields:    payload.EditedFields,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}
