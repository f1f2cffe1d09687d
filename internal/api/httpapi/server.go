// Package httpapi exposes the quote engine over a JSON REST surface.
//
// The API is a thin translation layer: handlers bind JSON, call the
// orchestrator or storage, and map domain error codes to HTTP statuses.
// All quote mutations flow through POST /v1/quotes/:id/events with an
// Idempotency-Key header, so retries are safe end to end.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quoteforge/quoteforge/internal/cpq/engine"
	"github.com/quoteforge/quoteforge/internal/storage"
	"github.com/quoteforge/quoteforge/internal/storage/integrity"
)

// Server holds the dependencies shared by all handlers.
type Server struct {
	engine  *engine.Engine
	store   storage.Store
	keyring *integrity.Keyring
	// jwtSecret verifies bearer tokens; empty disables authentication,
	// which is only acceptable for local development.
	jwtSecret []byte
	clock     func() time.Time
}

// NewServer creates the API server over an orchestrator and its store.
func NewServer(eng *engine.Engine, store storage.Store, keyring *integrity.Keyring, jwtSecret []byte) *Server {
	return &Server{
		engine:    eng,
		store:     store,
		keyring:   keyring,
		jwtSecret: jwtSecret,
	}
}

func (s *Server) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.tracing(), s.authenticate())

	v1 := router.Group("/v1")

	quotes := v1.Group("/quotes")
	quotes.POST("", s.requireActor(), s.createQuote)
	quotes.GET("", s.listQuotes)
	quotes.GET("/:id", s.getQuote)
	quotes.GET("/:id/state", s.getFlowState)
	quotes.POST("/:id/lines", s.requireActor(), s.addLine)
	quotes.DELETE("/:id/lines/:lineID", s.requireActor(), s.removeLine)
	quotes.PUT("/:id/discount", s.requireActor(), s.setRequestedDiscount)
	quotes.POST("/:id/events", s.requireActor(), s.applyEvent)
	quotes.GET("/:id/snapshot", s.latestSnapshot)
	quotes.GET("/:id/audit", s.listAuditEvents)
	quotes.GET("/:id/audit/verify", s.verifyAuditChain)
	quotes.GET("/:id/approvals", s.listApprovals)

	v1.GET("/snapshots/:id", s.getSnapshot)
	v1.GET("/approvals/:id", s.getApproval)

	admin := v1.Group("/admin", s.requireActor())
	admin.POST("/products", s.putProduct)
	admin.POST("/price-books", s.putPriceBook)
	admin.POST("/price-book-entries", s.putPriceBookEntry)
	admin.POST("/formulas", s.putFormula)
	admin.POST("/bundles", s.putBundle)
	admin.POST("/constraint-rules", s.putConstraintRule)
	admin.POST("/discount-policies", s.putDiscountPolicy)
	admin.POST("/approval-thresholds", s.putApprovalThreshold)

	return router
}
