// Package deposit computes, requests and settles the deposits partners collect
// before a service customer's contact details are released.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"partnerpay/internal/settlement/event"
	"partnerpay/internal/settlement/fsm"
	"partnerpay/internal/settlement/notify"
	"partnerpay/internal/settlement/pay"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/timeutil"
	"partnerpay/internal/settlement/ws"
)

// ErrGateway wraps payment gateway failures while creating a deposit link.
var ErrGateway = errors.New("deposit payment link failed")

// Requests persists deposit requests.
type Requests interface {
	Get(ctx context.Context, id string) (repo.DepositRequest, error)
	GetByFulfillment(ctx context.Context, fulfillmentID string) (repo.DepositRequest, error)
	Insert(ctx context.Context, d repo.DepositRequest) error
	Reopen(ctx context.Context, id string, amount float64, currency string) (bool, error)
	AttachCheckout(ctx context.Context, id, sessionID, url string) (bool, error)
	MarkPaid(ctx context.Context, id string, refs repo.GatewayRefs, now time.Time) (bool, error)
	Expire(ctx context.Context, id string, now time.Time) (bool, error)
}

// Snapshots reads the contact snapshot a deposit is computed from.
type Snapshots interface {
	Contact(ctx context.Context, fulfillmentID string) (repo.ContactSnapshot, error)
}

// Fulfillments completes deposit-gated acceptances.
type Fulfillments interface {
	Get(ctx context.Context, kind repo.ResourceType, id string) (repo.Fulfillment, error)
	RevealContact(ctx context.Context, kind repo.ResourceType, id string, now time.Time) (bool, error)
}

// Bookings stamps the paid deposit on the booking.
type Bookings interface {
	Get(ctx context.Context, kind repo.ResourceType, id string) (repo.Booking, error)
	StampDeposit(ctx context.Context, kind repo.ResourceType, id string, amount float64, currency string, now time.Time) (bool, error)
}

// LinkCreator creates hosted payment links.
type LinkCreator interface {
	CreatePaymentLink(ctx context.Context, req pay.LinkRequest) (pay.Link, error)
}

// Hub pushes realtime events to partner dashboards.
type Hub interface {
	PushPartnerEvent(partnerID string, ev ws.PartnerEvent)
}

// Config wires an Engine.
type Config struct {
	Rules        repo.RuleSource
	Requests     Requests
	Snapshots    Snapshots
	Fulfillments Fulfillments
	Bookings     Bookings
	Gateway      LinkCreator
	Outbox       notify.Enqueuer
	Hub          Hub
	Logger       *slog.Logger
	Now          timeutil.Clock
}

// Engine runs the deposit lifecycle.
type Engine struct {
	cfg Config
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Rules == nil:
		return nil, errors.New("deposit: rules are required")
	case cfg.Requests == nil:
		return nil, errors.New("deposit: requests are required")
	case cfg.Snapshots == nil:
		return nil, errors.New("deposit: snapshots are required")
	case cfg.Fulfillments == nil:
		return nil, errors.New("deposit: fulfillments are required")
	case cfg.Bookings == nil:
		return nil, errors.New("deposit: bookings are required")
	case cfg.Gateway == nil:
		return nil, errors.New("deposit: gateway is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Now = cfg.Now.OrDefault()
	return &Engine{cfg: cfg}, nil
}

// Existing returns the deposit request of a fulfillment, if any.
func (e *Engine) Existing(ctx context.Context, fulfillmentID string) (repo.DepositRequest, bool, error) {
	d, err := e.cfg.Requests.GetByFulfillment(ctx, fulfillmentID)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.DepositRequest{}, false, nil
	}
	if err != nil {
		return repo.DepositRequest{}, false, err
	}
	return d, true, nil
}

// ResolveRule picks the enabled override of the resource, then the enabled
// rule of the resource type.
func (e *Engine) ResolveRule(ctx context.Context, kind repo.ResourceType, resourceID string) (repo.DepositRule, error) {
	if resourceID != "" {
		o, err := e.cfg.Rules.Override(ctx, kind, resourceID)
		switch {
		case err == nil && o.Enabled:
			return o, nil
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return repo.DepositRule{}, fmt.Errorf("load deposit override: %w", err)
		}
	}
	r, err := e.cfg.Rules.Rule(ctx, kind)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.DepositRule{}, ErrDepositRuleMissing
	}
	if err != nil {
		return repo.DepositRule{}, fmt.Errorf("load deposit rule: %w", err)
	}
	if !r.Enabled {
		return repo.DepositRule{}, ErrDepositRuleMissing
	}
	return r, nil
}

// CreateRequest returns the deposit request of an accepted service
// fulfillment, creating it and its payment link when needed. A request that
// already carries a link, or was paid, is returned unchanged. An expired
// request is reopened with a fresh link.
func (e *Engine) CreateRequest(ctx context.Context, f repo.Fulfillment) (repo.DepositRequest, error) {
	if !f.Kind.IsService() {
		return repo.DepositRequest{}, ErrNotService
	}

	cur, found, err := e.Existing(ctx, f.ID)
	if err != nil {
		return repo.DepositRequest{}, err
	}
	if found && (cur.Status == repo.DepositPaid || cur.HasLink()) {
		return cur, nil
	}

	contact, err := e.cfg.Snapshots.Contact(ctx, f.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.DepositRequest{}, ErrMissingCustomerContact
	}
	if err != nil {
		return repo.DepositRequest{}, fmt.Errorf("load contact snapshot: %w", err)
	}
	rule, err := e.ResolveRule(ctx, f.Kind, f.ResourceID.String)
	if err != nil {
		return repo.DepositRequest{}, err
	}
	amount, err := ComputeAmount(rule, contact)
	if err != nil {
		return repo.DepositRequest{}, err
	}

	now := e.cfg.Now()
	reopened := false
	switch {
	case !found:
		cur = repo.DepositRequest{
			ID:            uuid.NewString(),
			FulfillmentID: f.ID,
			PartnerID:     f.PartnerID.String,
			ResourceType:  f.Kind,
			BookingID:     f.BookingID.String,
			Amount:        amount,
			Currency:      rule.Currency,
			Status:        repo.DepositPending,
			CreatedAt:     now,
		}
		if err := e.cfg.Requests.Insert(ctx, cur); err != nil {
			if !errors.Is(err, repo.ErrDuplicate) {
				return repo.DepositRequest{}, fmt.Errorf("insert deposit request: %w", err)
			}
			// Another activation inserted first.
			if cur, err = e.cfg.Requests.GetByFulfillment(ctx, f.ID); err != nil {
				return repo.DepositRequest{}, fmt.Errorf("re-read deposit request: %w", err)
			}
			if cur.Status == repo.DepositPaid || cur.HasLink() {
				return cur, nil
			}
		}
	case cur.Status == repo.DepositExpired:
		if _, err := e.cfg.Requests.Reopen(ctx, cur.ID, amount, rule.Currency); err != nil {
			return repo.DepositRequest{}, fmt.Errorf("reopen deposit request: %w", err)
		}
		if cur, err = e.cfg.Requests.Get(ctx, cur.ID); err != nil {
			return repo.DepositRequest{}, err
		}
		if cur.Status != repo.DepositPending || cur.HasLink() {
			return cur, nil
		}
		reopened = true
	}

	idem := cur.ID
	if reopened {
		idem = fmt.Sprintf("%s:%d", cur.ID, now.Unix())
	}
	link, err := e.cfg.Gateway.CreatePaymentLink(ctx, pay.LinkRequest{
		Reference:      cur.ID,
		IdempotencyKey: idem,
		AmountMinor:    MinorUnits(cur.Amount, cur.Currency),
		Currency:       cur.Currency,
		Description:    fmt.Sprintf("Deposit for %s booking %s", cur.ResourceType, cur.BookingID),
		CustomerEmail:  contact.CustomerEmail,
		Metadata: map[string]string{
			event.MetaDepositRequestID: cur.ID,
			event.MetaBookingID:        cur.BookingID,
			event.MetaBookingType:      string(cur.ResourceType),
			"fulfillment_id":           cur.FulfillmentID,
		},
	})
	if err != nil {
		return repo.DepositRequest{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	attached, err := e.cfg.Requests.AttachCheckout(ctx, cur.ID, link.SessionID, link.URL)
	if err != nil {
		return repo.DepositRequest{}, fmt.Errorf("store deposit link: %w", err)
	}
	if !attached {
		// A concurrent retry stored its link first; return that one.
		return e.cfg.Requests.Get(ctx, cur.ID)
	}
	cur.CheckoutSessionID.String, cur.CheckoutSessionID.Valid = link.SessionID, link.SessionID != ""
	cur.CheckoutURL.String, cur.CheckoutURL.Valid = link.URL, true

	e.cfg.Logger.InfoContext(ctx, "deposit requested", "deposit_request_id", cur.ID, "fulfillment_id", f.ID, "amount", cur.Amount, "currency", cur.Currency, "reopened", reopened)
	e.enqueue(ctx, repo.OutboxEntry{
		Category:  notify.CategoryDeposits,
		Event:     notify.EventDepositRequested,
		RecordID:  cur.ID,
		TableName: "deposit_requests",
		DedupeKey: notify.Key("deposit", cur.ID, notify.EventDepositRequested, link.SessionID),
		Payload: map[string]interface{}{
			notify.PayloadUserID: e.customerOf(ctx, cur),
			"booking_id":         cur.BookingID,
			"checkout_url":       link.URL,
			"amount":             cur.Amount,
			"currency":           cur.Currency,
		},
	})
	return cur, nil
}

// Resolution reports what a deposit payment delivery changed.
type Resolution struct {
	Found    bool
	Paid     bool
	Revealed bool
	Stamped  bool
}

// ResolvePayment settles a paid deposit. Marking the request paid, revealing
// the contact and stamping the booking are each guarded, so a redelivery
// completes whatever an earlier failed delivery left undone without
// repeating anything. Unknown requests are acknowledged.
func (e *Engine) ResolvePayment(ctx context.Context, requestID string, refs repo.GatewayRefs) (Resolution, error) {
	d, err := e.cfg.Requests.Get(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		e.cfg.Logger.WarnContext(ctx, "deposit payment for unknown request", "deposit_request_id", requestID)
		return Resolution{}, nil
	}
	if err != nil {
		return Resolution{}, err
	}

	now := e.cfg.Now()
	res := Resolution{Found: true}
	if res.Paid, err = e.cfg.Requests.MarkPaid(ctx, d.ID, refs, now); err != nil {
		return res, fmt.Errorf("mark deposit paid: %w", err)
	}

	f, err := e.cfg.Fulfillments.Get(ctx, d.ResourceType, d.FulfillmentID)
	if err != nil {
		return res, fmt.Errorf("load fulfillment %s: %w", d.FulfillmentID, err)
	}
	if res.Revealed, err = e.cfg.Fulfillments.RevealContact(ctx, f.Kind, f.ID, now); err != nil {
		return res, fmt.Errorf("reveal contact: %w", err)
	}
	if d.BookingID != "" {
		if res.Stamped, err = e.cfg.Bookings.StampDeposit(ctx, d.ResourceType, d.BookingID, d.Amount, d.Currency, now); err != nil {
			return res, fmt.Errorf("stamp booking deposit: %w", err)
		}
	}

	// Notifications are dedupe-keyed, so the delivery that finishes any
	// step may enqueue them.
	if res.Paid || res.Revealed || res.Stamped {
		e.cfg.Logger.InfoContext(ctx, "deposit paid", "deposit_request_id", d.ID, "fulfillment_id", f.ID, "contact_revealed", res.Revealed)
		e.announcePaid(ctx, d, f)
	}
	return res, nil
}

// ExpireRequest flips a pending request to expired. The fulfillment stays in
// awaiting_payment so the partner can accept again for a new link.
func (e *Engine) ExpireRequest(ctx context.Context, requestID string) (bool, error) {
	expired, err := e.cfg.Requests.Expire(ctx, requestID, e.cfg.Now())
	if err != nil {
		return false, fmt.Errorf("expire deposit request: %w", err)
	}
	if expired {
		e.cfg.Logger.InfoContext(ctx, "deposit request expired", "deposit_request_id", requestID)
	}
	return expired, nil
}

func (e *Engine) announcePaid(ctx context.Context, d repo.DepositRequest, f repo.Fulfillment) {
	base := map[string]interface{}{
		"deposit_request_id": d.ID,
		"fulfillment_id":     f.ID,
		"booking_id":         d.BookingID,
		"amount":             d.Amount,
		"currency":           d.Currency,
	}
	with := func(k string, v interface{}) map[string]interface{} {
		out := make(map[string]interface{}, len(base)+1)
		for key, val := range base {
			out[key] = val
		}
		out[k] = v
		return out
	}

	e.enqueue(ctx, repo.OutboxEntry{
		Category:  notify.CategoryPartners,
		Event:     notify.EventDepositPaid,
		RecordID:  d.ID,
		TableName: "deposit_requests",
		DedupeKey: notify.Key("deposit", d.ID, notify.EventDepositPaid, "partner"),
		Payload:   with(notify.PayloadPartnerID, d.PartnerID),
	})
	e.enqueue(ctx, repo.OutboxEntry{
		Category:  notify.CategoryAdmin,
		Event:     notify.EventDepositPaid,
		RecordID:  d.ID,
		TableName: "deposit_requests",
		DedupeKey: notify.Key("deposit", d.ID, notify.EventDepositPaid, "admin"),
		Payload:   with(notify.PayloadPartnerID, d.PartnerID),
	})
	e.enqueue(ctx, repo.OutboxEntry{
		Category:  notify.CategoryDeposits,
		Event:     notify.EventDepositPaid,
		RecordID:  d.ID,
		TableName: "deposit_requests",
		DedupeKey: notify.Key("deposit", d.ID, notify.EventDepositPaid, "customer"),
		Payload:   with(notify.PayloadUserID, e.customerOf(ctx, d)),
	})

	if e.cfg.Hub != nil {
		e.cfg.Hub.PushPartnerEvent(d.PartnerID, ws.PartnerEvent{
			Type:          notify.EventDepositPaid,
			FulfillmentID: f.ID,
			ResourceType:  string(f.Kind),
			Status:        fsm.StatusAccepted,
			Message:       "deposit paid, customer contact released",
		})
	}
}

func (e *Engine) customerOf(ctx context.Context, d repo.DepositRequest) string {
	if d.BookingID == "" {
		return ""
	}
	b, err := e.cfg.Bookings.Get(ctx, d.ResourceType, d.BookingID)
	if err != nil {
		e.cfg.Logger.WarnContext(ctx, "deposit customer lookup failed", "booking_id", d.BookingID, "err", err)
		return ""
	}
	return b.UserID
}

func (e *Engine) enqueue(ctx context.Context, entry repo.OutboxEntry) {
	if e.cfg.Outbox == nil {
		return
	}
	if err := e.cfg.Outbox.Enqueue(ctx, entry); err != nil {
		e.cfg.Logger.ErrorContext(ctx, "enqueue deposit notification failed", "event", entry.Event, "record_id", entry.RecordID, "err", err)
	}
}
