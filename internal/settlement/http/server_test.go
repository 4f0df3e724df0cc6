package settlehttp

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"partnerpay/internal/settlement/activation"
	"partnerpay/internal/settlement/deposit"
	"partnerpay/internal/settlement/dispatch"
	"partnerpay/internal/settlement/fsm"
	"partnerpay/internal/settlement/partner"
	"partnerpay/internal/settlement/pay"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/settle"
	"partnerpay/internal/settlement/settletest"
	"partnerpay/internal/settlement/timeutil"
)

const secret = "whsec_test"

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type savedWebhook struct {
	eventID, eventType string
}

type stubWebhooks struct {
	mu    sync.Mutex
	saved []savedWebhook
}

func (s *stubWebhooks) SaveWebhook(ctx context.Context, eventID, eventType, signature string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedWebhook{eventID, eventType})
	return nil
}

type stubArchive struct {
	keys []string
	err  error
}

func (s *stubArchive) Put(ctx context.Context, eventID string, receivedAt time.Time, body []byte) error {
	s.keys = append(s.keys, eventID)
	return s.err
}

type fixture struct {
	st       *settletest.Store
	server   *Server
	webhooks *stubWebhooks
	archive  *stubArchive
}

func newFixture(t *testing.T, depositsEnabled bool) *fixture {
	t.Helper()
	st := settletest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := timeutil.Fixed(now)

	act, err := activation.New(activation.Config{Fulfillments: st.Fulfillments, Snapshots: st.Snapshots, Orders: st.Orders, Outbox: st.Outbox, Hub: st.Hub, Logger: logger, Now: clock})
	if err != nil {
		t.Fatalf("activator: %v", err)
	}
	engine, err := deposit.New(deposit.Config{Rules: st.Rules, Requests: st.Deposits, Snapshots: st.Snapshots, Fulfillments: st.Fulfillments, Bookings: st.Bookings, Gateway: st.Gateway, Outbox: st.Outbox, Hub: st.Hub, Logger: logger, Now: clock})
	if err != nil {
		t.Fatalf("deposit engine: %v", err)
	}
	handler, err := settle.NewHandler(settle.Config{Orders: st.Orders, Bookings: st.Bookings, Activator: act, Deposits: engine, Audit: st.Audit, Outbox: st.Outbox, Logger: logger, Now: clock})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	svc, err := partner.NewService(partner.Config{Fulfillments: st.Fulfillments, Partners: st.Partners, Orders: st.Orders, Deposits: engine, Audit: st.Audit, Outbox: st.Outbox, Hub: st.Hub, DepositsEnabled: depositsEnabled, Logger: logger, Now: clock})
	if err != nil {
		t.Fatalf("partner service: %v", err)
	}

	f := &fixture{st: st, webhooks: &stubWebhooks{}, archive: &stubArchive{}}
	f.server = NewServer(Config{
		WebhookSecret:   secret,
		Tolerance:       5 * time.Minute,
		Dispatcher:      dispatch.NewSettlement(handler, logger),
		Webhooks:        f.webhooks,
		Archive:         f.archive,
		Partner:         svc,
		Members:         st.Partners,
		DepositsEnabled: depositsEnabled,
		Logger:          logger,
		Now:             clock,
	})
	return f
}

func signedRequest(body string, ts time.Time) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(body))
	req.Header.Set(pay.SignatureHeader, pay.SignHeader(ts.Unix(), []byte(body), secret))
	return req
}

const completedBody = `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_intent":"pi_1","payment_status":"paid","metadata":{"order_id":"O1"}}}}`

func seedOrder(st *settletest.Store) {
	st.PutOrder(repo.Order{ID: "O1", UserID: "C1", Status: repo.OrderPending, Total: 50, Currency: "USD"},
		repo.OrderItem{ID: "I1", OrderID: "O1", ProductID: "SKU1", PartnerID: sql.NullString{String: "P1", Valid: true}, Quantity: 1, UnitPrice: 50})
}

func TestWebhookSettlesOnce(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(f.st)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		f.server.HandleWebhook(rr, signedRequest(completedBody, now))
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d body %s", i, rr.Code, rr.Body.String())
		}
		if strings.TrimSpace(rr.Body.String()) != `{"received":true}` {
			t.Fatalf("unexpected body %s", rr.Body.String())
		}
	}
	if !f.st.Order("O1").ConfirmedAt.Valid {
		t.Fatal("order not confirmed")
	}
	if n := len(f.st.AuditEntries()); n != 1 {
		t.Fatalf("expected one audit row, got %d", n)
	}
	if len(f.webhooks.saved) != 2 || f.webhooks.saved[0].eventType != "checkout.session.completed" {
		t.Fatalf("webhooks not logged: %+v", f.webhooks.saved)
	}
	if len(f.archive.keys) != 2 {
		t.Fatalf("webhooks not archived: %v", f.archive.keys)
	}
}

func TestWebhookRejectsBadInput(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(f.st)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing signature", httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(completedBody))},
		{"stale timestamp", signedRequest(completedBody, now.Add(-time.Hour))},
		{"malformed json", signedRequest(`{"id":`, now)},
		{"missing type", signedRequest(`{"id":"evt_2","data":{}}`, now)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			f.server.HandleWebhook(rr, tt.req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status %d", rr.Code)
			}
		})
	}

	tampered := signedRequest(completedBody, now)
	tampered.Body = io.NopCloser(strings.NewReader(strings.Replace(completedBody, "O1", "O2", 1)))
	rr := httptest.NewRecorder()
	f.server.HandleWebhook(rr, tampered)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("tampered body accepted: %d", rr.Code)
	}
	if f.st.Order("O1").ConfirmedAt.Valid || len(f.webhooks.saved) != 0 {
		t.Fatal("rejected deliveries produced effects")
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(f.st)

	padding := strings.Repeat("x", maxWebhookBody)
	body := strings.Replace(completedBody, `"id":"evt_1"`, `"id":"evt_1","padding":"`+padding+`"`, 1)
	rr := httptest.NewRecorder()
	f.server.HandleWebhook(rr, signedRequest(body, now))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", rr.Code)
	}
	if f.st.Order("O1").ConfirmedAt.Valid || len(f.webhooks.saved) != 0 {
		t.Fatal("oversized delivery must not be processed")
	}
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	f := newFixture(t, false)
	rr := httptest.NewRecorder()
	f.server.HandleWebhook(rr, signedRequest(`{"id":"evt_3","type":"invoice.created","data":{"object":{}}}`, now))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestWebhookInternalFailureIsRetryable(t *testing.T) {
	f := newFixture(t, false)
	seedOrder(f.st)
	f.st.Fail("orders.ConfirmOnce", errors.New("connection reset"))
	f.archive.err = errors.New("bucket unavailable")

	rr := httptest.NewRecorder()
	f.server.HandleWebhook(rr, signedRequest(completedBody, now))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rr.Code)
	}

	f.st.Fail("orders.ConfirmOnce", nil)
	rr = httptest.NewRecorder()
	f.server.HandleWebhook(rr, signedRequest(completedBody, now))
	if rr.Code != http.StatusOK || !f.st.Order("O1").ConfirmedAt.Valid {
		t.Fatalf("redelivery not settled: %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	mux := http.NewServeMux()
	f.server.RegisterRoutes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/payments/webhook", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var body struct {
		OK  bool `json:"ok"`
		Env struct {
			WebhookSecret   bool     `json:"webhook_secret"`
			DepositsEnabled bool     `json:"deposits_enabled"`
			EventTypes      []string `json:"event_types"`
		} `json:"env"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || !body.Env.WebhookSecret || !body.Env.DepositsEnabled || len(body.Env.EventTypes) != 7 {
		t.Fatalf("unexpected health %+v", body)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodHead, "/api/v1/payments/webhook", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("head status %d", rr.Code)
	}
}

func asUser(userID string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(WithUserID(r.Context(), userID)))
	}
}

func actionRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/api/v1/partner/fulfillments/action", bytes.NewBufferString(body))
}

func seedFulfillment(st *settletest.Store, kind repo.ResourceType) {
	st.PutPartner(repo.Partner{ID: "P1"}, "U1")
	f := repo.Fulfillment{
		ID:            "F1",
		Kind:          kind,
		PartnerID:     sql.NullString{String: "P1", Valid: true},
		ResourceID:    sql.NullString{String: "H1", Valid: true},
		Status:        fsm.StatusPendingAcceptance,
		SLADeadlineAt: sql.NullTime{Time: now.Add(time.Hour), Valid: true},
	}
	if kind == repo.ResourceRetail {
		st.PutOrder(repo.Order{ID: "O1", UserID: "C1", Status: repo.OrderConfirmed})
		f.OrderID = sql.NullString{String: "O1", Valid: true}
	} else {
		st.PutBooking(repo.Booking{ID: "B1", Kind: kind, UserID: "C1", PartnerID: f.PartnerID, ResourceID: "H1", Status: repo.BookingConfirmed})
		f.BookingID = sql.NullString{String: "B1", Valid: true}
		st.PutContact(repo.ContactSnapshot{FulfillmentID: "F1", Kind: kind, CustomerEmail: "ann@example.com", Adults: 2})
	}
	st.PutFulfillment(f)
}

func TestPartnerActionStatuses(t *testing.T) {
	f := newFixture(t, false)
	seedFulfillment(f.st, repo.ResourceRetail)

	rr := httptest.NewRecorder()
	f.server.HandlePartnerAction(rr, actionRequest(`{"fulfillment_id":"F1","action":"accept"}`))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rr.Code)
	}

	cases := []struct {
		name   string
		user   string
		body   string
		status int
	}{
		{"bad json", "U1", `{`, http.StatusBadRequest},
		{"bad action", "U1", `{"fulfillment_id":"F1","action":"maybe"}`, http.StatusBadRequest},
		{"blank fulfillment", "U1", `{"fulfillment_id":"  ","action":"accept"}`, http.StatusBadRequest},
		{"unknown fulfillment", "U1", `{"fulfillment_id":"nope","action":"accept"}`, http.StatusNotFound},
		{"not a member", "U2", `{"fulfillment_id":"F1","action":"accept"}`, http.StatusForbidden},
		{"accept", "U1", `{"fulfillment_id":"F1","action":"accept"}`, http.StatusOK},
		{"accept again", "U1", `{"fulfillment_id":"F1","action":"accept"}`, http.StatusOK},
		{"reject after accept", "U1", `{"fulfillment_id":"F1","action":"reject","reason":"late"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		asUser(tc.user, f.server.HandlePartnerAction)(rr, actionRequest(tc.body))
		if rr.Code != tc.status {
			t.Fatalf("%s: status %d body %s", tc.name, rr.Code, rr.Body.String())
		}
	}

	rr = httptest.NewRecorder()
	asUser("U1", f.server.HandlePartnerAction)(rr, actionRequest(`{"fulfillment_id":"F1","action":"accept"}`))
	var body struct {
		OK   bool           `json:"ok"`
		Data partner.Result `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || !body.Data.Skipped || body.Data.Status != fsm.StatusAccepted {
		t.Fatalf("unexpected response %+v", body)
	}
}

func TestPartnerActionDepositStatuses(t *testing.T) {
	t.Run("rule missing", func(t *testing.T) {
		f := newFixture(t, true)
		seedFulfillment(f.st, repo.ResourceHotels)
		rr := httptest.NewRecorder()
		asUser("U1", f.server.HandlePartnerAction)(rr, actionRequest(`{"fulfillment_id":"F1","action":"accept"}`))
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
		}
	})
	t.Run("gateway down", func(t *testing.T) {
		f := newFixture(t, true)
		seedFulfillment(f.st, repo.ResourceHotels)
		f.st.PutRule(repo.DepositRule{ResourceType: repo.ResourceHotels, Mode: repo.DepositFlat, Amount: 25, Currency: "USD", Enabled: true})
		f.st.Fail("gateway.CreatePaymentLink", errors.New("503"))
		rr := httptest.NewRecorder()
		asUser("U1", f.server.HandlePartnerAction)(rr, actionRequest(`{"fulfillment_id":"F1","action":"accept"}`))
		if rr.Code != http.StatusBadGateway {
			t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
		}
	})
	t.Run("link issued", func(t *testing.T) {
		f := newFixture(t, true)
		seedFulfillment(f.st, repo.ResourceHotels)
		f.st.PutRule(repo.DepositRule{ResourceType: repo.ResourceHotels, Mode: repo.DepositFlat, Amount: 25, Currency: "USD", Enabled: true})
		rr := httptest.NewRecorder()
		asUser("U1", f.server.HandlePartnerAction)(rr, actionRequest(`{"fulfillment_id":"F1","action":"accept"}`))
		if rr.Code != http.StatusOK {
			t.Fatalf("status %d body %s", rr.Code, rr.Body.String())
		}
		var body struct {
			Data struct {
				Status  string `json:"status"`
				Deposit struct {
					CheckoutURL string `json:"checkout_url"`
					Status      string `json:"status"`
				} `json:"deposit"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Data.Status != fsm.StatusAwaitingPayment || body.Data.Deposit.CheckoutURL == "" || body.Data.Deposit.Status != repo.DepositPending {
			t.Fatalf("unexpected response %s", rr.Body.String())
		}
	})
}

func TestPartnerWSRequiresMembership(t *testing.T) {
	f := newFixture(t, false)
	f.st.PutPartner(repo.Partner{ID: "P1"}, "U1")

	rr := httptest.NewRecorder()
	f.server.HandlePartnerWS(rr, httptest.NewRequest(http.MethodGet, "/api/v1/partner/ws?partner_id=P1", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	asUser("U2", f.server.HandlePartnerWS)(rr, httptest.NewRequest(http.MethodGet, "/api/v1/partner/ws?partner_id=P1", nil))
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusForbidden {
		t.Fatalf("non member: %d", rr.Code)
	}
}
