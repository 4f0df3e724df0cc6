package settlehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"partnerpay/internal/settlement/deposit"
	"partnerpay/internal/settlement/event"
	"partnerpay/internal/settlement/partner"
	"partnerpay/internal/settlement/pay"
	"partnerpay/internal/settlement/timeutil"
)

const maxWebhookBody = 1 << 20

// Dispatcher routes parsed events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) (bool, error)
	Types() []string
}

// WebhookLog keeps the raw verified deliveries.
type WebhookLog interface {
	SaveWebhook(ctx context.Context, eventID, eventType, signature string, payload []byte) error
}

// Archiver copies raw deliveries to object storage.
type Archiver interface {
	Put(ctx context.Context, eventID string, receivedAt time.Time, body []byte) error
}

// PartnerActions applies partner decisions.
type PartnerActions interface {
	Handle(ctx context.Context, req partner.Request) (partner.Result, error)
}

// Members checks partner membership.
type Members interface {
	IsMember(ctx context.Context, partnerID, userID string) (bool, error)
}

// PartnerFeed serves the partner websocket.
type PartnerFeed interface {
	ServeWS(w http.ResponseWriter, r *http.Request, partnerID, userID string)
}

// Config wires a Server. Webhooks, Archive and Feed are optional.
type Config struct {
	WebhookSecret     string
	Tolerance         time.Duration
	Dispatcher        Dispatcher
	Webhooks          WebhookLog
	Archive           Archiver
	Partner           PartnerActions
	Members           Members
	Feed              PartnerFeed
	GatewayConfigured bool
	DepositsEnabled   bool
	Logger            *slog.Logger
	Now               timeutil.Clock
}

// Server exposes the webhook receiver and the partner endpoints.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// NewServer constructs a Server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Now = cfg.Now.OrDefault()
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// RegisterRoutes registers every route on mux. The partner routes expect the
// caller id in the request context (see WithUserID).
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/payments/webhook", s.handleWebhookRoute)
	mux.HandleFunc("/api/v1/partner/fulfillments/action", s.HandlePartnerAction)
	mux.HandleFunc("/api/v1/partner/ws", s.HandlePartnerWS)
}

func (s *Server) handleWebhookRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.HandleWebhook(w, r)
	case http.MethodGet, http.MethodHead:
		s.HandleHealth(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// HandleWebhook verifies, parses and dispatches one gateway delivery.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.logger.Warn("webhook rejected", "reason", "body too large", "limit", tooLarge.Limit)
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	signature := r.Header.Get(pay.SignatureHeader)
	now := s.cfg.Now()
	if err := pay.VerifySignature(body, signature, s.cfg.WebhookSecret, s.cfg.Tolerance, now); err != nil {
		s.logger.Warn("webhook rejected", "reason", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	ev, err := event.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	ctx := r.Context()
	log := s.logger.With("event_id", ev.EventID(), "type", ev.EventType())
	if s.cfg.Webhooks != nil {
		if err := s.cfg.Webhooks.SaveWebhook(ctx, ev.EventID(), string(ev.EventType()), signature, body); err != nil {
			log.Error("save webhook failed", "err", err)
		}
	}
	if s.cfg.Archive != nil {
		if err := s.cfg.Archive.Put(ctx, ev.EventID(), now, body); err != nil {
			log.Error("archive webhook failed", "err", err)
		}
	}

	handled, err := s.cfg.Dispatcher.Dispatch(ctx, ev)
	if err != nil {
		log.Error("webhook handling failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	log.Info("webhook processed", "handled", handled)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// HandleHealth reports which parts of the receiver are configured.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"env": map[string]interface{}{
			"webhook_secret":   s.cfg.WebhookSecret != "",
			"gateway":          s.cfg.GatewayConfigured,
			"deposits_enabled": s.cfg.DepositsEnabled,
			"archive":          s.cfg.Archive != nil,
			"event_types":      s.cfg.Dispatcher.Types(),
		},
	})
}

type partnerActionPayload struct {
	FulfillmentID string `json:"fulfillment_id"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
}

// HandlePartnerAction accepts or rejects a fulfillment for the caller.
func (s *Server) HandlePartnerAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var payload partnerActionPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.cfg.Partner.Handle(r.Context(), partner.Request{
		FulfillmentID: strings.TrimSpace(payload.FulfillmentID),
		Action:        payload.Action,
		Reason:        payload.Reason,
		UserID:        userID,
	})
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("partner action failed", "fulfillment_id", payload.FulfillmentID, "user_id", userID, "err", err)
		}
		writeError(w, status, errorMessage(status, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "data": res})
}

// HandlePartnerWS upgrades a partner member to the realtime feed.
func (s *Server) HandlePartnerWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	partnerID := strings.TrimSpace(r.URL.Query().Get("partner_id"))
	if partnerID == "" {
		writeError(w, http.StatusBadRequest, "partner_id is required")
		return
	}
	if s.cfg.Feed == nil || s.cfg.Members == nil {
		writeError(w, http.StatusNotFound, "feed disabled")
		return
	}
	member, err := s.cfg.Members.IsMember(r.Context(), partnerID, userID)
	if err != nil {
		s.logger.Error("membership check failed", "partner_id", partnerID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	s.cfg.Feed.ServeWS(w, r, partnerID, userID)
}

// errorStatus maps domain failures to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, partner.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, partner.ErrInvalidAction), errors.Is(err, partner.ErrMissingID):
		return http.StatusBadRequest
	case errors.Is(err, partner.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, partner.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, partner.ErrMissingPartner), errors.Is(err, partner.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, deposit.ErrGateway):
		return http.StatusBadGateway
	case errors.Is(err, deposit.ErrMissingCustomerContact),
		errors.Is(err, deposit.ErrDepositRuleMissing),
		errors.Is(err, deposit.ErrZeroDepositAmount),
		errors.Is(err, deposit.ErrUnsupportedMode),
		errors.Is(err, deposit.ErrNotService):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func errorMessage(status int, err error) string {
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		return "internal error"
	}
	return err.Error()
}
