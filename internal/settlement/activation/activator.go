// Package activation opens partner fulfillments once the parent purchase is
// paid.
package activation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"partnerpay/internal/settlement/fsm"
	"partnerpay/internal/settlement/notify"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/timeutil"
	"partnerpay/internal/settlement/ws"
)

// DefaultWindow is the partner acceptance SLA.
const DefaultWindow = 4 * time.Hour

// Fulfillments is the fulfillment store surface used by the activator.
type Fulfillments interface {
	EnsurePlaceholder(ctx context.Context, f repo.Fulfillment) (repo.Fulfillment, error)
	Activate(ctx context.Context, kind repo.ResourceType, id string, deadline time.Time) (bool, error)
}

// Snapshots stores the insert-once snapshots.
type Snapshots interface {
	InsertContact(ctx context.Context, s repo.ContactSnapshot) error
	InsertForm(ctx context.Context, s repo.FormSnapshot) error
}

// Orders stores the aggregate acceptance of retail orders.
type Orders interface {
	SetAcceptanceStatus(ctx context.Context, id, status string) error
}

// Hub pushes realtime events to partner dashboards.
type Hub interface {
	PushPartnerEvent(partnerID string, ev ws.PartnerEvent)
}

// Config wires an Activator.
type Config struct {
	Fulfillments Fulfillments
	Snapshots    Snapshots
	Orders       Orders
	Outbox       notify.Enqueuer
	Hub          Hub
	Window       time.Duration
	Logger       *slog.Logger
	Now          timeutil.Clock
}

// Activator creates and activates fulfillments.
type Activator struct {
	cfg Config
}

// Result lists the fulfillments this call moved to pending_acceptance.
type Result struct {
	Activated        []repo.Fulfillment
	AcceptanceStatus string
}

// New constructs an Activator.
func New(cfg Config) (*Activator, error) {
	if cfg.Fulfillments == nil || cfg.Snapshots == nil || cfg.Orders == nil {
		return nil, errors.New("activation: fulfillments, snapshots and orders are required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Now = cfg.Now.OrDefault()
	return &Activator{cfg: cfg}, nil
}

type partnerLines struct {
	partnerID string
	items     []repo.OrderItem
}

// groupByPartner keeps partners in the order their first line appears.
func groupByPartner(items []repo.OrderItem) []partnerLines {
	var groups []partnerLines
	index := map[string]int{}
	for _, it := range items {
		if !it.PartnerID.Valid || it.PartnerID.String == "" {
			continue
		}
		i, ok := index[it.PartnerID.String]
		if !ok {
			i = len(groups)
			index[it.PartnerID.String] = i
			groups = append(groups, partnerLines{partnerID: it.PartnerID.String})
		}
		groups[i].items = append(groups[i].items, it)
	}
	return groups
}

type orderForm struct {
	OrderID  string          `json:"order_id"`
	Currency string          `json:"currency"`
	Lines    []orderFormLine `json:"lines"`
}

type orderFormLine struct {
	ProductID string  `json:"product_id"`
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// ActivateOrder opens one fulfillment per partner of a paid order.
func (a *Activator) ActivateOrder(ctx context.Context, order repo.Order, items []repo.OrderItem) (Result, error) {
	groups := groupByPartner(items)
	if len(groups) == 0 {
		if err := a.cfg.Orders.SetAcceptanceStatus(ctx, order.ID, repo.AcceptanceNone); err != nil {
			return Result{}, fmt.Errorf("set acceptance none: %w", err)
		}
		return Result{AcceptanceStatus: repo.AcceptanceNone}, nil
	}

	now := a.cfg.Now()
	res := Result{AcceptanceStatus: repo.AcceptancePending}
	for _, g := range groups {
		form := orderForm{OrderID: order.ID, Currency: order.Currency}
		for _, it := range g.items {
			form.Lines = append(form.Lines, orderFormLine{ProductID: it.ProductID, Title: it.Title, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
		}
		placeholder := repo.Fulfillment{
			Kind:       repo.ResourceRetail,
			OrderID:    nullString(order.ID),
			PartnerID:  nullString(g.partnerID),
			ResourceID: nullString(g.items[0].ProductID),
			CreatedAt:  now,
		}
		contact := repo.ContactSnapshot{
			Kind:            repo.ResourceRetail,
			CustomerName:    order.CustomerName,
			CustomerEmail:   order.CustomerEmail,
			CustomerPhone:   order.CustomerPhone,
			ShippingAddress: order.ShippingAddress,
			CreatedAt:       now,
		}
		f, activated, err := a.open(ctx, placeholder, contact, form, now)
		if err != nil {
			return res, err
		}
		if activated {
			res.Activated = append(res.Activated, f)
		}
	}

	if err := a.cfg.Orders.SetAcceptanceStatus(ctx, order.ID, repo.AcceptancePending); err != nil {
		return res, fmt.Errorf("set acceptance pending: %w", err)
	}
	a.announce(ctx, res.Activated, order.UserID)
	return res, nil
}

type bookingForm struct {
	BookingID  string     `json:"booking_id"`
	Kind       string     `json:"resource_type"`
	ResourceID string     `json:"resource_id"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Adults     int        `json:"adults"`
	Children   int        `json:"children"`
	Total      float64    `json:"total"`
	Currency   string     `json:"currency"`
}

// ActivateBooking opens the fulfillment of a paid service booking.
func (a *Activator) ActivateBooking(ctx context.Context, b repo.Booking) (Result, error) {
	if !b.PartnerID.Valid || b.PartnerID.String == "" {
		return Result{AcceptanceStatus: repo.AcceptanceNone}, nil
	}

	now := a.cfg.Now()
	form := bookingForm{
		BookingID:  b.ID,
		Kind:       string(b.Kind),
		ResourceID: b.ResourceID,
		Adults:     b.Adults,
		Children:   b.Children,
		Total:      b.Total,
		Currency:   b.Currency,
	}
	if b.StartDate.Valid {
		form.StartDate = &b.StartDate.Time
	}
	if b.EndDate.Valid {
		form.EndDate = &b.EndDate.Time
	}
	placeholder := repo.Fulfillment{
		Kind:       b.Kind,
		BookingID:  nullString(b.ID),
		PartnerID:  b.PartnerID,
		ResourceID: nullString(b.ResourceID),
		CreatedAt:  now,
	}
	contact := repo.ContactSnapshot{
		Kind:          b.Kind,
		CustomerName:  b.CustomerName,
		CustomerEmail: b.CustomerEmail,
		CustomerPhone: b.CustomerPhone,
		StartDate:     b.StartDate,
		EndDate:       b.EndDate,
		Adults:        b.Adults,
		Children:      b.Children,
		CreatedAt:     now,
	}

	f, activated, err := a.open(ctx, placeholder, contact, form, now)
	if err != nil {
		return Result{}, err
	}
	res := Result{AcceptanceStatus: repo.AcceptancePending}
	if activated {
		res.Activated = append(res.Activated, f)
	}
	a.announce(ctx, res.Activated, b.UserID)
	return res, nil
}

// open ensures the placeholder, stores both snapshots and then moves the row
// to pending_acceptance, so a partner never sees a pending row without them.
func (a *Activator) open(ctx context.Context, placeholder repo.Fulfillment, contact repo.ContactSnapshot, form interface{}, now time.Time) (repo.Fulfillment, bool, error) {
	f, err := a.cfg.Fulfillments.EnsurePlaceholder(ctx, placeholder)
	if err != nil {
		return repo.Fulfillment{}, false, fmt.Errorf("ensure fulfillment for partner %s: %w", placeholder.PartnerID.String, err)
	}

	contact.FulfillmentID = f.ID
	if err := a.cfg.Snapshots.InsertContact(ctx, contact); err != nil {
		return f, false, fmt.Errorf("contact snapshot %s: %w", f.ID, err)
	}
	payload, err := json.Marshal(form)
	if err != nil {
		return f, false, err
	}
	if err := a.cfg.Snapshots.InsertForm(ctx, repo.FormSnapshot{FulfillmentID: f.ID, Kind: f.Kind, Payload: payload, CreatedAt: now}); err != nil {
		return f, false, fmt.Errorf("form snapshot %s: %w", f.ID, err)
	}

	deadline := now.Add(a.cfg.Window)
	ok, err := a.cfg.Fulfillments.Activate(ctx, f.Kind, f.ID, deadline)
	if err != nil {
		return f, false, fmt.Errorf("activate fulfillment %s: %w", f.ID, err)
	}
	if !ok {
		return f, false, nil
	}
	f.Status = fsm.StatusPendingAcceptance
	f.SLADeadlineAt = sql.NullTime{Time: deadline, Valid: true}
	a.cfg.Logger.InfoContext(ctx, "fulfillment activated", "fulfillment_id", f.ID, "partner_id", f.PartnerID.String, "resource_type", f.Kind, "sla_deadline_at", deadline)
	return f, true, nil
}

func (a *Activator) announce(ctx context.Context, activated []repo.Fulfillment, customerID string) {
	for _, f := range activated {
		if a.cfg.Outbox != nil {
			err := a.cfg.Outbox.Enqueue(ctx, repo.OutboxEntry{
				Category:  notify.CategoryPartners,
				Event:     notify.EventFulfillmentPending,
				RecordID:  f.ID,
				TableName: fulfillmentTable(f.Kind),
				DedupeKey: notify.Key("fulfillment", f.ID, notify.EventFulfillmentPending),
				Payload: map[string]interface{}{
					notify.PayloadPartnerID: f.PartnerID.String,
					"resource_type":         string(f.Kind),
					"parent_id":             f.ParentID(),
					"customer_id":           customerID,
					"sla_deadline_at":       f.SLADeadlineAt.Time,
				},
			})
			if err != nil {
				a.cfg.Logger.ErrorContext(ctx, "enqueue fulfillment notification failed", "fulfillment_id", f.ID, "err", err)
			}
		}
		if a.cfg.Hub != nil {
			deadline := f.SLADeadlineAt.Time
			a.cfg.Hub.PushPartnerEvent(f.PartnerID.String, ws.PartnerEvent{
				Type:          notify.EventFulfillmentPending,
				FulfillmentID: f.ID,
				ResourceType:  string(f.Kind),
				Status:        f.Status,
				SLADeadlineAt: &deadline,
			})
		}
	}
}

func fulfillmentTable(kind repo.ResourceType) string {
	if kind == repo.ResourceRetail {
		return "order_fulfillments"
	}
	return "service_fulfillments"
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
