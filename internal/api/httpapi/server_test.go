package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	"github.com/quoteforge/quoteforge/internal/cpq/engine"
	"github.com/quoteforge/quoteforge/internal/storage/memory"
	"github.com/quoteforge/quoteforge/internal/telemetry"
)

var (
	apiTime   = time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)
	apiSecret = []byte("test-secret")
)

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New(nil)
	eng := engine.New(store, telemetry.NewEmitter(store))
	eng.Clock = func() time.Time { return apiTime }
	counter := 0
	eng.IDGenerator = func() (string, error) {
		counter++
		return fmt.Sprintf("id-%04d", counter), nil
	}

	server := NewServer(eng, store, nil, apiSecret)
	server.clock = eng.Clock
	return server, server.Router()
}

func signToken(t *testing.T, subject, actorType, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "actor_type": actorType}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(apiSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type request struct {
	method  string
	path    string
	body    any
	token   string
	headers map[string]string
}

func do(t *testing.T, router *gin.Engine, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		if err := json.NewEncoder(&body).Encode(req.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	httpReq := httptest.NewRequest(req.method, req.path, &body)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.token)
	}
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httpReq)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %s: %v", recorder.Body.String(), err)
	}
}

func seedCatalogOverAPI(t *testing.T, router *gin.Engine) {
	t.Helper()
	admin := signToken(t, "admin-1", "rep", "")

	fixtures := []struct {
		path string
		body any
	}{
		{"/v1/admin/products", map[string]any{
			"id": "prod-pro", "sku": "PRO", "name": "Pro Plan",
			"category": "plans", "revision": 1, "active": true,
		}},
		{"/v1/admin/products", map[string]any{
			"id": "prod-support", "sku": "SUP", "name": "Premium Support",
			"category": "services", "revision": 1, "active": true,
		}},
		{"/v1/admin/price-books", map[string]any{
			"id": "pb-standard", "name": "Standard", "currency": "USD",
			"priority": 10, "valid_from": apiTime.AddDate(-1, 0, 0), "active": true,
		}},
		{"/v1/admin/formulas", map[string]any{
			"id": "f-term", "expression": "unit_price * quantity * term_months",
		}},
		{"/v1/admin/price-book-entries", map[string]any{
			"id": "e-pro", "price_book_id": "pb-standard", "product_id": "prod-pro",
			"list_price": "6.00", "formula_id": "f-term",
		}},
		{"/v1/admin/price-book-entries", map[string]any{
			"id": "e-support", "price_book_id": "pb-standard", "product_id": "prod-support",
			"list_price": "500.00", "formula_id": "f-term",
		}},
		{"/v1/admin/discount-policies", map[string]any{
			"id": "pol-discount-10", "version": 1, "max_auto_percent": "10",
			"required_role": "sales_manager", "active": true,
		}},
	}
	for _, fixture := range fixtures {
		recorder := do(t, router, request{method: http.MethodPost, path: fixture.path, body: fixture.body, token: admin})
		if recorder.Code != http.StatusNoContent {
			t.Fatalf("seed %s: status %d body %s", fixture.path, recorder.Code, recorder.Body.String())
		}
	}
}

func createQuoteOverAPI(t *testing.T, router *gin.Engine, discount string) quoteResponse {
	t.Helper()
	recorder := do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes",
		token: signToken(t, "rep-1", "rep", ""),
		body: map[string]any{
			"account_id": "acct-1", "currency": "USD", "term_months": 12,
			"requested_discount_pct": discount,
			"lines": []map[string]any{
				{"product_id": "prod-pro", "product_revision": 1, "quantity": 150},
				{"product_id": "prod-support", "product_revision": 1, "quantity": 1},
			},
		},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create quote: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var quote quoteResponse
	decodeBody(t, recorder, &quote)
	return quote
}

func applyEventOverAPI(t *testing.T, router *gin.Engine, quoteID, event, key string, version int64, token string, extra map[string]any) engine.Outcome {
	t.Helper()
	body := map[string]any{"event": event, "expected_version": version}
	for k, v := range extra {
		body[k] = v
	}
	recorder := do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes/" + quoteID + "/events",
		body: body, token: token, headers: map[string]string{"Idempotency-Key": key},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("apply %s: status %d body %s", event, recorder.Code, recorder.Body.String())
	}
	var outcome engine.Outcome
	decodeBody(t, recorder, &outcome)
	return outcome
}

func TestLifecycleOverHTTP(t *testing.T) {
	_, router := newTestServer(t)
	seedCatalogOverAPI(t, router)

	quote := createQuoteOverAPI(t, router, "15")
	if quote.Status != "DRAFT" || quote.Version != 1 {
		t.Fatalf("expected fresh draft, got %s v%d", quote.Status, quote.Version)
	}
	if len(quote.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(quote.Lines))
	}

	rep := signToken(t, "rep-1", "rep", "")
	outcome := applyEventOverAPI(t, router, quote.ID, "required_fields_collected", "k-validate", 1, rep, nil)
	if outcome.Status != "VALIDATED" {
		t.Fatalf("expected VALIDATED, got %s", outcome.Status)
	}
	outcome = applyEventOverAPI(t, router, quote.ID, "pricing_requested", "k-price", 2, rep, nil)
	if outcome.Status != "PRICED" || outcome.SnapshotID == "" {
		t.Fatalf("expected PRICED with snapshot, got %+v", outcome)
	}

	recorder := do(t, router, request{method: http.MethodGet, path: "/v1/quotes/" + quote.ID + "/snapshot"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("latest snapshot: status %d", recorder.Code)
	}
	var snapshot struct {
		ID       string `json:"id"`
		Subtotal string `json:"subtotal"`
		Total    string `json:"total"`
	}
	decodeBody(t, recorder, &snapshot)
	if snapshot.ID != outcome.SnapshotID {
		t.Fatalf("expected snapshot %s, got %s", outcome.SnapshotID, snapshot.ID)
	}
	if snapshot.Subtotal != "16800" {
		t.Fatalf("expected subtotal 16800, got %s", snapshot.Subtotal)
	}

	outcome = applyEventOverAPI(t, router, quote.ID, "finalization_requested", "k-finalize", 3, rep, nil)
	if outcome.Status != "PENDING_APPROVAL" || outcome.ApprovalRequestID == "" {
		t.Fatalf("expected PENDING_APPROVAL with request, got %+v", outcome)
	}

	recorder = do(t, router, request{method: http.MethodGet, path: "/v1/quotes/" + quote.ID + "/approvals"})
	var approvals struct {
		Approvals []approvalResponse `json:"approvals"`
	}
	decodeBody(t, recorder, &approvals)
	if len(approvals.Approvals) != 1 || approvals.Approvals[0].RequiredRole != "sales_manager" {
		t.Fatalf("expected one sales_manager approval, got %+v", approvals.Approvals)
	}

	approver := signToken(t, "mgr-1", "approver", "sales_manager")
	outcome = applyEventOverAPI(t, router, quote.ID, "approval_decided", "k-approve", 4, approver,
		map[string]any{"decision": "approved"})
	if outcome.Status != "APPROVED" {
		t.Fatalf("expected APPROVED, got %s", outcome.Status)
	}
	outcome = applyEventOverAPI(t, router, quote.ID, "finalization_requested", "k-refinalize", 5, rep, nil)
	if outcome.Status != "FINALIZED" {
		t.Fatalf("expected FINALIZED, got %s", outcome.Status)
	}
	outcome = applyEventOverAPI(t, router, quote.ID, "send_requested", "k-send", 6, rep, nil)
	if outcome.Status != "SENT" {
		t.Fatalf("expected SENT, got %s", outcome.Status)
	}

	recorder = do(t, router, request{method: http.MethodGet, path: "/v1/quotes/" + quote.ID + "/audit/verify"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("audit verify: status %d", recorder.Code)
	}
	var verify struct {
		Valid  bool `json:"valid"`
		Events int  `json:"events"`
	}
	decodeBody(t, recorder, &verify)
	if !verify.Valid || verify.Events == 0 {
		t.Fatalf("expected valid journal with events, got %+v", verify)
	}
}

func TestMutationsRequireAuthentication(t *testing.T) {
	_, router := newTestServer(t)

	recorder := do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes",
		body: map[string]any{"account_id": "acct-1", "currency": "USD", "term_months": 12},
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes",
		token: "not-a-jwt",
		body:  map[string]any{"account_id": "acct-1", "currency": "USD", "term_months": 12},
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", recorder.Code)
	}
}

func TestApplyEventRequiresIdempotencyKey(t *testing.T) {
	_, router := newTestServer(t)
	seedCatalogOverAPI(t, router)
	quote := createQuoteOverAPI(t, router, "0")

	recorder := do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes/" + quote.ID + "/events",
		token: signToken(t, "rep-1", "rep", ""),
		body:  map[string]any{"event": "required_fields_collected", "expected_version": 1},
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 without Idempotency-Key, got %d body %s", recorder.Code, recorder.Body.String())
	}
}

func TestVersionConflictSurfacesAsConflict(t *testing.T) {
	_, router := newTestServer(t)
	seedCatalogOverAPI(t, router)
	quote := createQuoteOverAPI(t, router, "0")

	recorder := do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes/" + quote.ID + "/events",
		token:   signToken(t, "rep-1", "rep", ""),
		body:    map[string]any{"event": "required_fields_collected", "expected_version": 9},
		headers: map[string]string{"Idempotency-Key": "k-stale"},
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 on stale version, got %d", recorder.Code)
	}
	var body errorBody
	decodeBody(t, recorder, &body)
	if body.Code != "VERSION_CONFLICT" {
		t.Fatalf("expected VERSION_CONFLICT, got %s", body.Code)
	}
}

func TestContentEditsRejectedOutsideDraft(t *testing.T) {
	_, router := newTestServer(t)
	seedCatalogOverAPI(t, router)
	quote := createQuoteOverAPI(t, router, "0")

	rep := signToken(t, "rep-1", "rep", "")
	applyEventOverAPI(t, router, quote.ID, "required_fields_collected", "k-validate", 1, rep, nil)

	recorder := do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes/" + quote.ID + "/lines",
		token: rep,
		body:  map[string]any{"product_id": "prod-support", "quantity": 1},
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 adding a line outside draft, got %d", recorder.Code)
	}
	var body errorBody
	decodeBody(t, recorder, &body)
	if body.Code != "QUOTE_IMMUTABLE" {
		t.Fatalf("expected QUOTE_IMMUTABLE, got %s", body.Code)
	}
}

func TestDraftContentEditsAreJournaled(t *testing.T) {
	server, router := newTestServer(t)
	seedCatalogOverAPI(t, router)
	quote := createQuoteOverAPI(t, router, "0")
	rep := signToken(t, "rep-1", "rep", "")

	recorder := do(t, router, request{
		method: http.MethodPost, path: "/v1/quotes/" + quote.ID + "/lines",
		token: rep,
		body:  map[string]any{"product_id": "prod-support", "quantity": 2},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("add line: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var added lineResponse
	decodeBody(t, recorder, &added)

	recorder = do(t, router, request{
		method: http.MethodDelete, path: "/v1/quotes/" + quote.ID + "/lines/" + added.ID,
		token: rep,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("remove line: status %d body %s", recorder.Code, recorder.Body.String())
	}

	recorder = do(t, router, request{
		method: http.MethodPut, path: "/v1/quotes/" + quote.ID + "/discount",
		token: rep,
		body:  map[string]any{"requested_discount_pct": "8"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("set discount: status %d body %s", recorder.Code, recorder.Body.String())
	}

	// Every draft content mutation lands in the journal as quote.edited
	// with the touched fields, attributed to the caller.
	events, err := server.store.ListEvents(context.Background(), quote.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var edits []audit.Event
	for _, event := range events {
		if event.Type == audit.TypeQuoteEdited {
			edits = append(edits, event)
		}
	}
	if len(edits) != 3 {
		t.Fatalf("expected 3 quote.edited events, got %d", len(edits))
	}
	for i, edit := range edits {
		if edit.ActorID != "rep-1" {
			t.Fatalf("edit %d attributed to %s, want rep-1", i, edit.ActorID)
		}
	}
	var payload audit.QuoteEditedPayload
	if err := json.Unmarshal(edits[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode edit payload: %v", err)
	}
	if payload.Fields["line_added"] != added.ID {
		t.Fatalf("first edit fields = %v, want the added line id", payload.Fields)
	}
	if err := json.Unmarshal(edits[1].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode edit payload: %v", err)
	}
	if payload.Fields["line_removed"] != added.ID {
		t.Fatalf("second edit fields = %v, want the removed line id", payload.Fields)
	}
	if err := json.Unmarshal(edits[2].PayloadJSON, &payload); err != nil {
		t.Fatalf("decode edit payload: %v", err)
	}
	if payload.Fields["requested_discount_pct"] != "8" {
		t.Fatalf("third edit fields = %v, want the new discount", payload.Fields)
	}
}

func TestReplayedEventReturnsStoredOutcome(t *testing.T) {
	_, router := newTestServer(t)
	seedCatalogOverAPI(t, router)
	quote := createQuoteOverAPI(t, router, "0")

	rep := signToken(t, "rep-1", "rep", "")
	first := applyEventOverAPI(t, router, quote.ID, "required_fields_collected", "k-once", 1, rep, nil)
	replay := applyEventOverAPI(t, router, quote.ID, "required_fields_collected", "k-once", 1, rep, nil)
	if !replay.Replayed {
		t.Fatalf("expected replayed outcome")
	}
	if replay.Status != first.Status || replay.Version != first.Version {
		t.Fatalf("expected identical outcome, got %+v vs %+v", replay, first)
	}
}
