// Package settle turns verified gateway events into order and booking state.
//
// Every state change is a guarded update whose affected-row count decides
// which delivery performs the follow-up work, so redelivered events settle
// nothing twice.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"partnerpay/internal/settlement/activation"
	"partnerpay/internal/settlement/deposit"
	"partnerpay/internal/settlement/event"
	"partnerpay/internal/settlement/notify"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/sideeffect"
	"partnerpay/internal/settlement/timeutil"
)

// Orders is the retail order store surface.
type Orders interface {
	Get(ctx context.Context, id string) (repo.Order, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (repo.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (repo.Order, error)
	Items(ctx context.Context, orderID string) ([]repo.OrderItem, error)
	ConfirmOnce(ctx context.Context, id string, refs repo.GatewayRefs, now time.Time) (bool, error)
	RefreshGatewayRefs(ctx context.Context, id string, refs repo.GatewayRefs) error
	CancelIfPending(ctx context.Context, id string, now time.Time) (bool, error)
	FailIfUnconfirmed(ctx context.Context, id string, now time.Time) (bool, error)
	ApplyRefund(ctx context.Context, id, status string, now time.Time) (bool, error)
	ReleaseReservation(ctx context.Context, id string) (bool, error)
}

// Bookings is the service booking store surface.
type Bookings interface {
	Get(ctx context.Context, kind repo.ResourceType, id string) (repo.Booking, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (repo.Booking, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (repo.Booking, error)
	ConfirmOnce(ctx context.Context, kind repo.ResourceType, id string, refs repo.GatewayRefs, now time.Time) (bool, error)
	RefreshGatewayRefs(ctx context.Context, kind repo.ResourceType, id string, refs repo.GatewayRefs) error
	CancelIfPending(ctx context.Context, kind repo.ResourceType, id string, now time.Time) (bool, error)
	FailIfUnconfirmed(ctx context.Context, kind repo.ResourceType, id string, now time.Time) (bool, error)
	ApplyRefund(ctx context.Context, kind repo.ResourceType, id, status string, now time.Time) (bool, error)
}

// Activator opens partner fulfillments after the first confirmation.
type Activator interface {
	ActivateOrder(ctx context.Context, order repo.Order, items []repo.OrderItem) (activation.Result, error)
	ActivateBooking(ctx context.Context, b repo.Booking) (activation.Result, error)
}

// Deposits settles deposit sub-payments.
type Deposits interface {
	ResolvePayment(ctx context.Context, requestID string, refs repo.GatewayRefs) (deposit.Resolution, error)
	ExpireRequest(ctx context.Context, requestID string) (bool, error)
}

type (
	Auditor interface {
		Record(ctx context.Context, e repo.AuditEntry) error
	}
	Rewards interface {
		AwardPurchaseXP(ctx context.Context, userID, sourceID string, points int) error
	}
	Discounts interface {
		RecordUsage(ctx context.Context, discountID, userID, orderID string, amount float64) (bool, error)
		IncrementUsage(ctx context.Context, discountID string) error
	}
	Inventory interface {
		Decrement(ctx context.Context, productID string, qty int) error
		Restore(ctx context.Context, productID string, qty int) error
	}
	Carts interface {
		Clear(ctx context.Context, userID string) error
	}
	Subscriptions interface {
		UpdateStatus(ctx context.Context, gatewaySubscriptionID, status string, periodEnd *time.Time, now time.Time) (bool, error)
	}
)

// Config wires a Handler. Orders and Bookings are required; every other
// collaborator is optional and skipped when nil.
type Config struct {
	Orders        Orders
	Bookings      Bookings
	Activator     Activator
	Deposits      Deposits
	Audit         Auditor
	Rewards       Rewards
	Discounts     Discounts
	Inventory     Inventory
	Carts         Carts
	Subscriptions Subscriptions
	Outbox        notify.Enqueuer
	Logger        *slog.Logger
	Now           timeutil.Clock
}

// Handler implements dispatch.Handlers.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	runner sideeffect.Runner
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Orders == nil || cfg.Bookings == nil {
		return nil, errors.New("settle: orders and bookings are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Now = cfg.Now.OrDefault()
	return &Handler{cfg: cfg, logger: cfg.Logger, runner: sideeffect.NewRunner(cfg.Logger)}, nil
}

// target is the purchase an event refers to: exactly one of order or booking.
type target struct {
	order   *repo.Order
	booking *repo.Booking
}

func (t target) attrs() []any {
	if t.order != nil {
		return []any{"order_id", t.order.ID}
	}
	return []any{"booking_id", t.booking.ID, "booking_type", t.booking.Kind}
}

func sessionRefs(s event.CheckoutSession) repo.GatewayRefs {
	return repo.GatewayRefs{CheckoutSessionID: s.ID, PaymentIntentID: s.PaymentIntent, CustomerID: s.Customer}
}

func intentRefs(p event.PaymentIntent) repo.GatewayRefs {
	return repo.GatewayRefs{PaymentIntentID: p.ID, CustomerID: p.Customer}
}

// HandleCheckoutCompleted settles a completed checkout session. A session
// completed with an asynchronous payment method still unpaid only records the
// correlation ids; the later payment_intent.succeeded confirms it.
func (h *Handler) HandleCheckoutCompleted(ctx context.Context, ev event.CheckoutCompleted) error {
	log := h.logger.With("op", "checkout_completed", "event_id", ev.ID, "session_id", ev.Session.ID)
	refs := sessionRefs(ev.Session)
	meta := ev.Session.Metadata

	if id := meta.Get(event.MetaDepositRequestID); id != "" {
		return h.resolveDeposit(ctx, log, id, refs)
	}
	t, ok, err := h.locate(ctx, refs, meta)
	if err != nil {
		return err
	}
	if !ok {
		log.WarnContext(ctx, "checkout completed for unknown purchase")
		return nil
	}
	if strings.EqualFold(ev.Session.PaymentStatus, "unpaid") {
		log.InfoContext(ctx, "checkout completed without payment", t.attrs()...)
		return h.refresh(ctx, t, refs)
	}
	return h.confirm(ctx, log, t, refs, ev.ID)
}

// HandlePaymentSucceeded settles a succeeded payment intent.
func (h *Handler) HandlePaymentSucceeded(ctx context.Context, ev event.PaymentSucceeded) error {
	log := h.logger.With("op", "payment_succeeded", "event_id", ev.ID, "payment_intent_id", ev.Intent.ID)
	refs := intentRefs(ev.Intent)
	meta := ev.Intent.Metadata

	if id := meta.Get(event.MetaDepositRequestID); id != "" {
		return h.resolveDeposit(ctx, log, id, refs)
	}
	t, ok, err := h.locate(ctx, refs, meta)
	if err != nil {
		return err
	}
	if !ok {
		log.WarnContext(ctx, "payment succeeded for unknown purchase")
		return nil
	}
	return h.confirm(ctx, log, t, refs, ev.ID)
}

func (h *Handler) resolveDeposit(ctx context.Context, log *slog.Logger, requestID string, refs repo.GatewayRefs) error {
	if h.cfg.Deposits == nil {
		log.WarnContext(ctx, "deposit payment received while deposits are disabled", "deposit_request_id", requestID)
		return nil
	}
	res, err := h.cfg.Deposits.ResolvePayment(ctx, requestID, refs)
	if err != nil {
		return fmt.Errorf("resolve deposit %s: %w", requestID, err)
	}
	log.InfoContext(ctx, "deposit payment resolved", "deposit_request_id", requestID,
		"found", res.Found, "paid", res.Paid, "revealed", res.Revealed, "stamped", res.Stamped)
	return nil
}

// locate finds the order, then the booking, an event refers to: first by the
// gateway correlation ids, then by the ids stored in the metadata.
func (h *Handler) locate(ctx context.Context, refs repo.GatewayRefs, meta event.Metadata) (target, bool, error) {
	orderLookups := []func() (repo.Order, error){
		func() (repo.Order, error) { return h.cfg.Orders.FindByCheckoutSession(ctx, refs.CheckoutSessionID) },
		func() (repo.Order, error) { return h.cfg.Orders.FindByPaymentIntent(ctx, refs.PaymentIntentID) },
		func() (repo.Order, error) { return h.cfg.Orders.Get(ctx, meta.Get(event.MetaOrderID)) },
	}
	keys := []string{refs.CheckoutSessionID, refs.PaymentIntentID, meta.Get(event.MetaOrderID)}
	for i, find := range orderLookups {
		if keys[i] == "" {
			continue
		}
		o, err := find()
		if err == nil {
			return target{order: &o}, true, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return target{}, false, fmt.Errorf("locate order: %w", err)
		}
	}

	bookingLookups := []func() (repo.Booking, error){
		func() (repo.Booking, error) { return h.cfg.Bookings.FindByCheckoutSession(ctx, refs.CheckoutSessionID) },
		func() (repo.Booking, error) { return h.cfg.Bookings.FindByPaymentIntent(ctx, refs.PaymentIntentID) },
	}
	for i, find := range bookingLookups {
		if keys[i] == "" {
			continue
		}
		b, err := find()
		if err == nil {
			return target{booking: &b}, true, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return target{}, false, fmt.Errorf("locate booking: %w", err)
		}
	}

	id := meta.Get(event.MetaBookingID)
	kind, ok := repo.ParseResourceType(strings.ToLower(meta.Get(event.MetaBookingType)))
	if id == "" || !ok || !kind.IsService() {
		return target{}, false, nil
	}
	b, err := h.cfg.Bookings.Get(ctx, kind, id)
	if errors.Is(err, repo.ErrNotFound) {
		return target{}, false, nil
	}
	if err != nil {
		return target{}, false, fmt.Errorf("locate booking: %w", err)
	}
	return target{booking: &b}, true, nil
}

func (h *Handler) refresh(ctx context.Context, t target, refs repo.GatewayRefs) error {
	var err error
	if t.order != nil {
		err = h.cfg.Orders.RefreshGatewayRefs(ctx, t.order.ID, refs)
	} else {
		err = h.cfg.Bookings.RefreshGatewayRefs(ctx, t.booking.Kind, t.booking.ID, refs)
	}
	if err != nil {
		return fmt.Errorf("refresh gateway refs: %w", err)
	}
	return nil
}

// confirm applies the guarded confirmation and, on the first one only, runs
// the follow-up work.
func (h *Handler) confirm(ctx context.Context, log *slog.Logger, t target, refs repo.GatewayRefs, eventID string) error {
	now := h.cfg.Now()
	var (
		first bool
		err   error
	)
	if t.order != nil {
		first, err = h.cfg.Orders.ConfirmOnce(ctx, t.order.ID, refs, now)
	} else {
		first, err = h.cfg.Bookings.ConfirmOnce(ctx, t.booking.Kind, t.booking.ID, refs, now)
	}
	if err != nil {
		return fmt.Errorf("confirm payment: %w", err)
	}
	if !first {
		log.InfoContext(ctx, "payment already confirmed", t.attrs()...)
		return h.refresh(ctx, t, refs)
	}

	log.InfoContext(ctx, "payment confirmed", t.attrs()...)
	if t.order != nil {
		h.afterOrderConfirmed(ctx, *t.order, refs, eventID, now)
	} else {
		h.afterBookingConfirmed(ctx, *t.booking, refs, eventID, now)
	}
	return nil
}

func (h *Handler) afterOrderConfirmed(ctx context.Context, o repo.Order, refs repo.GatewayRefs, eventID string, now time.Time) {
	attrs := []any{"order_id", o.ID, "event_id", eventID}
	items, itemsErr := h.cfg.Orders.Items(ctx, o.ID)
	if itemsErr != nil {
		h.logger.ErrorContext(ctx, "load order items failed", append(attrs, "err", itemsErr)...)
	}

	tasks := []sideeffect.Task{
		{Name: "audit", Run: func(ctx context.Context) error {
			return h.audit(ctx, "orders", o.ID, "payment_confirmed", eventID, now, map[string]interface{}{
				"checkout_session_id": refs.CheckoutSessionID,
				"payment_intent_id":   refs.PaymentIntentID,
				"total":               o.Total,
				"currency":            o.Currency,
			})
		}},
		{Name: "xp", Run: func(ctx context.Context) error {
			if h.cfg.Rewards == nil {
				return nil
			}
			return h.cfg.Rewards.AwardPurchaseXP(ctx, o.UserID, "order:"+o.ID, int(math.Floor(o.Total)))
		}},
		{Name: "discount", Run: func(ctx context.Context) error {
			if h.cfg.Discounts == nil || !o.DiscountID.Valid || o.DiscountID.String == "" {
				return nil
			}
			inserted, err := h.cfg.Discounts.RecordUsage(ctx, o.DiscountID.String, o.UserID, o.ID, o.DiscountAmount)
			if err != nil || !inserted {
				return err
			}
			return h.cfg.Discounts.IncrementUsage(ctx, o.DiscountID.String)
		}},
		{Name: "cart", Run: func(ctx context.Context) error {
			if h.cfg.Carts == nil || o.UserID == "" {
				return nil
			}
			return h.cfg.Carts.Clear(ctx, o.UserID)
		}},
	}
	if itemsErr == nil {
		tasks = append(tasks,
			sideeffect.Task{Name: "inventory", Run: func(ctx context.Context) error {
				if h.cfg.Inventory == nil || o.InventoryReserved {
					return nil
				}
				var errs []error
				for _, it := range items {
					if err := h.cfg.Inventory.Decrement(ctx, it.ProductID, it.Quantity); err != nil {
						errs = append(errs, fmt.Errorf("product %s: %w", it.ProductID, err))
					}
				}
				return errors.Join(errs...)
			}},
			sideeffect.Task{Name: "activation", Run: func(ctx context.Context) error {
				if h.cfg.Activator == nil {
					return nil
				}
				res, err := h.cfg.Activator.ActivateOrder(ctx, o, items)
				if err == nil {
					h.logger.InfoContext(ctx, "order fulfillments activated", "order_id", o.ID,
						"activated", len(res.Activated), "acceptance_status", res.AcceptanceStatus)
				}
				return err
			}},
		)
	}
	tasks = append(tasks, sideeffect.Task{Name: "notification", Run: func(ctx context.Context) error {
		return h.enqueue(ctx, repo.OutboxEntry{
			Category:  notify.CategoryOrders,
			Event:     notify.EventPaymentReceived,
			RecordID:  o.ID,
			TableName: "orders",
			DedupeKey: notify.Key("order", o.ID, notify.EventPaymentReceived),
			Payload: map[string]interface{}{
				notify.PayloadUserID: o.UserID,
				"order_id":           o.ID,
				"amount":             o.Total,
				"currency":           o.Currency,
			},
		})
	}})
	h.runner.Run(ctx, attrs, tasks...)
}

func (h *Handler) afterBookingConfirmed(ctx context.Context, b repo.Booking, refs repo.GatewayRefs, eventID string, now time.Time) {
	attrs := []any{"booking_id", b.ID, "booking_type", b.Kind, "event_id", eventID}
	table := bookingTable(b.Kind)
	h.runner.Run(ctx, attrs,
		sideeffect.Task{Name: "audit", Run: func(ctx context.Context) error {
			return h.audit(ctx, table, b.ID, "payment_confirmed", eventID, now, map[string]interface{}{
				"checkout_session_id": refs.CheckoutSessionID,
				"payment_intent_id":   refs.PaymentIntentID,
				"total":               b.Total,
				"currency":            b.Currency,
			})
		}},
		sideeffect.Task{Name: "xp", Run: func(ctx context.Context) error {
			if h.cfg.Rewards == nil {
				return nil
			}
			return h.cfg.Rewards.AwardPurchaseXP(ctx, b.UserID, notify.Key("booking", string(b.Kind), b.ID), int(math.Floor(b.Total)))
		}},
		sideeffect.Task{Name: "activation", Run: func(ctx context.Context) error {
			if h.cfg.Activator == nil {
				return nil
			}
			res, err := h.cfg.Activator.ActivateBooking(ctx, b)
			if err == nil {
				h.logger.InfoContext(ctx, "booking fulfillment activated", "booking_id", b.ID,
					"activated", len(res.Activated))
			}
			return err
		}},
		sideeffect.Task{Name: "notification", Run: func(ctx context.Context) error {
			return h.enqueue(ctx, repo.OutboxEntry{
				Category:  notify.CategoryBookings,
				Event:     notify.EventPaymentReceived,
				RecordID:  b.ID,
				TableName: table,
				DedupeKey: notify.Key("booking", string(b.Kind), b.ID, notify.EventPaymentReceived),
				Payload: map[string]interface{}{
					notify.PayloadUserID: b.UserID,
					"booking_id":         b.ID,
					"booking_type":       string(b.Kind),
					"amount":             b.Total,
					"currency":           b.Currency,
				},
			})
		}},
	)
}

// HandleCheckoutExpired cancels a purchase whose checkout session expired
// while still pending, or expires a deposit request.
func (h *Handler) HandleCheckoutExpired(ctx context.Context, ev event.CheckoutExpired) error {
	log := h.logger.With("op", "checkout_expired", "event_id", ev.ID, "session_id", ev.Session.ID)
	meta := ev.Session.Metadata

	if id := meta.Get(event.MetaDepositRequestID); id != "" {
		if h.cfg.Deposits == nil {
			return nil
		}
		expired, err := h.cfg.Deposits.ExpireRequest(ctx, id)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "deposit checkout expired", "deposit_request_id", id, "expired", expired)
		return nil
	}

	t, ok, err := h.locate(ctx, sessionRefs(ev.Session), meta)
	if err != nil {
		return err
	}
	if !ok {
		log.WarnContext(ctx, "checkout expired for unknown purchase")
		return nil
	}

	now := h.cfg.Now()
	if t.booking != nil {
		cancelled, err := h.cfg.Bookings.CancelIfPending(ctx, t.booking.Kind, t.booking.ID, now)
		if err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		log.InfoContext(ctx, "booking checkout expired", append(t.attrs(), "cancelled", cancelled)...)
		if cancelled {
			h.runner.Run(ctx, t.attrs(), sideeffect.Task{Name: "audit", Run: func(ctx context.Context) error {
				return h.audit(ctx, bookingTable(t.booking.Kind), t.booking.ID, "checkout_expired", ev.ID, now, nil)
			}})
		}
		return nil
	}

	o := t.order
	cancelled, err := h.cfg.Orders.CancelIfPending(ctx, o.ID, now)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	log.InfoContext(ctx, "order checkout expired", "order_id", o.ID, "cancelled", cancelled)
	if !cancelled && o.Status != repo.OrderCancelled {
		return nil
	}
	if err := h.restoreReservation(ctx, o.ID); err != nil {
		return err
	}
	if cancelled {
		h.runner.Run(ctx, t.attrs(), sideeffect.Task{Name: "audit", Run: func(ctx context.Context) error {
			return h.audit(ctx, "orders", o.ID, "checkout_expired", ev.ID, now, nil)
		}})
	}
	return nil
}

// restoreReservation gives reserved stock back. The reservation flag is
// cleared by a guarded update first, so stock is restored at most once.
func (h *Handler) restoreReservation(ctx context.Context, orderID string) error {
	if h.cfg.Inventory == nil {
		return nil
	}
	released, err := h.cfg.Orders.ReleaseReservation(ctx, orderID)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if !released {
		return nil
	}
	items, err := h.cfg.Orders.Items(ctx, orderID)
	if err != nil {
		h.logger.ErrorContext(ctx, "restore stock skipped", "order_id", orderID, "err", err)
		return nil
	}
	for _, it := range items {
		if err := h.cfg.Inventory.Restore(ctx, it.ProductID, it.Quantity); err != nil {
			h.logger.ErrorContext(ctx, "restore stock failed", "order_id", orderID, "product_id", it.ProductID, "err", err)
		}
	}
	return nil
}

// HandlePaymentFailed marks an unconfirmed purchase failed. A confirmed one
// is never downgraded.
func (h *Handler) HandlePaymentFailed(ctx context.Context, ev event.PaymentFailed) error {
	log := h.logger.With("op", "payment_failed", "event_id", ev.ID, "payment_intent_id", ev.Intent.ID)
	meta := ev.Intent.Metadata
	if id := meta.Get(event.MetaDepositRequestID); id != "" {
		log.InfoContext(ctx, "deposit payment failed", "deposit_request_id", id, "reason", ev.Intent.FailureMessage())
		return nil
	}

	t, ok, err := h.locate(ctx, intentRefs(ev.Intent), meta)
	if err != nil {
		return err
	}
	if !ok {
		log.WarnContext(ctx, "payment failed for unknown purchase")
		return nil
	}

	now := h.cfg.Now()
	var failed bool
	if t.order != nil {
		failed, err = h.cfg.Orders.FailIfUnconfirmed(ctx, t.order.ID, now)
	} else {
		failed, err = h.cfg.Bookings.FailIfUnconfirmed(ctx, t.booking.Kind, t.booking.ID, now)
	}
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	log.InfoContext(ctx, "payment failure applied", append(t.attrs(), "changed", failed)...)
	if !failed {
		return nil
	}

	reason := ev.Intent.FailureMessage()
	entity, id, userID, category := t.describe()
	h.runner.Run(ctx, t.attrs(),
		sideeffect.Task{Name: "audit", Run: func(ctx context.Context) error {
			return h.audit(ctx, entity, id, "payment_failed", ev.ID, now, map[string]interface{}{"reason": reason})
		}},
		sideeffect.Task{Name: "notification", Run: func(ctx context.Context) error {
			return h.enqueue(ctx, repo.OutboxEntry{
				Category:  category,
				Event:     notify.EventPaymentFailed,
				RecordID:  id,
				TableName: entity,
				DedupeKey: notify.Key(entity, id, notify.EventPaymentFailed, ev.Intent.ID),
				Payload: map[string]interface{}{
					notify.PayloadUserID: userID,
					"reason":             reason,
				},
			})
		}},
	)
	return nil
}

// HandleChargeRefunded records a full or partial refund on a confirmed
// purchase.
func (h *Handler) HandleChargeRefunded(ctx context.Context, ev event.ChargeRefunded) error {
	log := h.logger.With("op", "charge_refunded", "event_id", ev.ID, "charge_id", ev.Charge.ID)
	meta := ev.Charge.Metadata
	if id := meta.Get(event.MetaDepositRequestID); id != "" {
		log.InfoContext(ctx, "deposit charge refunded", "deposit_request_id", id)
		return nil
	}

	t, ok, err := h.locate(ctx, repo.GatewayRefs{PaymentIntentID: ev.Charge.PaymentIntent}, meta)
	if err != nil {
		return err
	}
	if !ok {
		log.WarnContext(ctx, "refund for unknown purchase")
		return nil
	}

	status := repo.PaymentPartiallyRefunded
	if ev.Charge.FullyRefunded() {
		status = repo.PaymentRefunded
	}
	now := h.cfg.Now()
	var changed bool
	if t.order != nil {
		changed, err = h.cfg.Orders.ApplyRefund(ctx, t.order.ID, status, now)
	} else {
		changed, err = h.cfg.Bookings.ApplyRefund(ctx, t.booking.Kind, t.booking.ID, status, now)
	}
	if err != nil {
		return fmt.Errorf("apply refund: %w", err)
	}
	log.InfoContext(ctx, "refund applied", append(t.attrs(), "status", status, "changed", changed)...)
	if !changed {
		return nil
	}

	entity, id, userID, category := t.describe()
	refunded := float64(ev.Charge.AmountRefunded) / 100
	h.runner.Run(ctx, t.attrs(),
		sideeffect.Task{Name: "audit", Run: func(ctx context.Context) error {
			return h.audit(ctx, entity, id, "refund_"+status, ev.ID, now, map[string]interface{}{
				"charge_id":       ev.Charge.ID,
				"amount_refunded": ev.Charge.AmountRefunded,
				"currency":        ev.Charge.Currency,
			})
		}},
		sideeffect.Task{Name: "notification", Run: func(ctx context.Context) error {
			return h.enqueue(ctx, repo.OutboxEntry{
				Category:  category,
				Event:     notify.EventRefundProcessed,
				RecordID:  id,
				TableName: entity,
				DedupeKey: notify.Key(entity, id, notify.EventRefundProcessed, status),
				Payload: map[string]interface{}{
					notify.PayloadUserID: userID,
					"status":             status,
					"amount_refunded":    refunded,
					"currency":           strings.ToUpper(ev.Charge.Currency),
				},
			})
		}},
	)
	return nil
}

// HandleSubscriptionChanged mirrors the gateway subscription status.
func (h *Handler) HandleSubscriptionChanged(ctx context.Context, sub event.Subscription, deleted bool) error {
	if h.cfg.Subscriptions == nil {
		return nil
	}
	status := sub.Status
	if deleted && status == "" {
		status = "canceled"
	}
	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}
	changed, err := h.cfg.Subscriptions.UpdateStatus(ctx, sub.ID, status, periodEnd, h.cfg.Now())
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	h.logger.InfoContext(ctx, "subscription status synced", "op", "subscription_changed",
		"subscription_id", sub.ID, "status", status, "deleted", deleted, "changed", changed)
	return nil
}

// describe returns the audit entity, record id, customer and outbox
// category of the target.
func (t target) describe() (entity, id, userID, category string) {
	if t.order != nil {
		return "orders", t.order.ID, t.order.UserID, notify.CategoryOrders
	}
	return bookingTable(t.booking.Kind), t.booking.ID, t.booking.UserID, notify.CategoryBookings
}

func (h *Handler) audit(ctx context.Context, entity, id, action, eventID string, at time.Time, detail map[string]interface{}) error {
	if h.cfg.Audit == nil {
		return nil
	}
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["event_id"] = eventID
	return h.cfg.Audit.Record(ctx, repo.AuditEntry{
		Entity:    entity,
		EntityID:  id,
		Action:    action,
		ActorID:   "gateway",
		Detail:    detail,
		CreatedAt: at,
	})
}

func (h *Handler) enqueue(ctx context.Context, e repo.OutboxEntry) error {
	if h.cfg.Outbox == nil {
		return nil
	}
	return h.cfg.Outbox.Enqueue(ctx, e)
}

func bookingTable(kind repo.ResourceType) string {
	return strings.TrimSuffix(string(kind), "s") + "_bookings"
}
