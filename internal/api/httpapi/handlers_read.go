package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
	"github.com/quoteforge/quoteforge/internal/storage/integrity"
)

func (s *Server) latestSnapshot(c *gin.Context) {
	snapshot, err := s.store.LatestSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) getSnapshot(c *gin.Context) {
	snapshot, err := s.store.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) listAuditEvents(c *gin.Context) {
	events, err := s.store.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]auditEventResponse, 0, len(events))
	for _, evt := range events {
		responses = append(responses, toAuditEventResponse(evt))
	}
	c.JSON(http.StatusOK, gin.H{"events": responses})
}

// verifyAuditChain recomputes the journal's hash chain and signatures and
// reports the first break, if any.
func (s *Server) verifyAuditChain(c *gin.Context) {
	quoteID := c.Param("id")
	events, err := s.store.ListEvents(c.Request.Context(), quoteID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := integrity.VerifyJournal(s.keyring, quoteID, events); err != nil {
		if domainErr, ok := apperrors.AsDomain(err); ok {
			c.JSON(http.StatusOK, gin.H{
				"quote_id": quoteID,
				"events":   len(events),
				"valid":    false,
				"code":     domainErr.Code,
				"detail":   domainErr.Message,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quote_id": quoteID,
		"events":   len(events),
		"valid":    true,
	})
}

func (s *Server) listApprovals(c *gin.Context) {
	requests, err := s.store.ListRequestsByQuote(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]approvalResponse, 0, len(requests))
	for _, request := range requests {
		responses = append(responses, toApprovalResponse(request))
	}
	c.JSON(http.StatusOK, gin.H{"approvals": responses})
}

func (s *Server) getApproval(c *gin.Context) {
	request, err := s.store.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toApprovalResponse(request))
}
