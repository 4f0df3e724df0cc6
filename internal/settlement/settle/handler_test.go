package settle

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"partnerpay/internal/settlement/activation"
	"partnerpay/internal/settlement/deposit"
	"partnerpay/internal/settlement/event"
	"partnerpay/internal/settlement/fsm"
	"partnerpay/internal/settlement/notify"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/settletest"
	"partnerpay/internal/settlement/timeutil"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func ns(v string) sql.NullString { return sql.NullString{String: v, Valid: true} }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T, st *settletest.Store) *Handler {
	t.Helper()
	act, err := activation.New(activation.Config{
		Fulfillments: st.Fulfillments,
		Snapshots:    st.Snapshots,
		Orders:       st.Orders,
		Outbox:       st.Outbox,
		Hub:          st.Hub,
		Logger:       quietLogger(),
		Now:          timeutil.Fixed(now),
	})
	if err != nil {
		t.Fatalf("activator: %v", err)
	}
	dep, err := deposit.New(deposit.Config{
		Rules:        st.Rules,
		Requests:     st.Deposits,
		Snapshots:    st.Snapshots,
		Fulfillments: st.Fulfillments,
		Bookings:     st.Bookings,
		Gateway:      st.Gateway,
		Outbox:       st.Outbox,
		Hub:          st.Hub,
		Logger:       quietLogger(),
		Now:          timeutil.Fixed(now),
	})
	if err != nil {
		t.Fatalf("deposit engine: %v", err)
	}
	h, err := NewHandler(Config{
		Orders:        st.Orders,
		Bookings:      st.Bookings,
		Activator:     act,
		Deposits:      dep,
		Audit:         st.Audit,
		Rewards:       st.Rewards,
		Discounts:     st.Discounts,
		Inventory:     st.Inventory,
		Carts:         st.Carts,
		Subscriptions: st.Subscriptions,
		Outbox:        st.Outbox,
		Logger:        quietLogger(),
		Now:           timeutil.Fixed(now),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

// seedOrder stores pending order O1 with lines from partners P1 and P2.
func seedOrder(st *settletest.Store, reserved bool) {
	st.PutOrder(repo.Order{
		ID:                "O1",
		UserID:            "C1",
		Status:            repo.OrderPending,
		PaymentStatus:     repo.PaymentPending,
		Total:             120.75,
		Currency:          "USD",
		DiscountID:        ns("D1"),
		DiscountAmount:    5,
		CustomerName:      "Ann",
		CustomerEmail:     "ann@example.com",
		ShippingAddress:   "1 Main St",
		InventoryReserved: reserved,
		CheckoutSessionID: ns("cs_1"),
	},
		repo.OrderItem{ID: "I1", OrderID: "O1", ProductID: "SKU1", PartnerID: ns("P1"), Quantity: 2, UnitPrice: 30},
		repo.OrderItem{ID: "I2", OrderID: "O1", ProductID: "SKU2", PartnerID: ns("P2"), Quantity: 1, UnitPrice: 60.75},
	)
	st.PutStock("SKU1", 10)
	st.PutStock("SKU2", 5)
}

func checkoutCompleted(id, session string, meta event.Metadata) event.CheckoutCompleted {
	return event.CheckoutCompleted{
		Envelope: event.Envelope{ID: id, RawType: string(event.TypeCheckoutCompleted)},
		Session:  event.CheckoutSession{ID: session, PaymentIntent: "pi_1", Customer: "cus_1", PaymentStatus: "paid", Metadata: meta},
	}
}

func TestCheckoutCompletedSettlesOnce(t *testing.T) {
	st := settletest.New()
	seedOrder(st, false)
	h := newHandler(t, st)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := h.HandleCheckoutCompleted(ctx, checkoutCompleted("evt_1", "cs_1", nil)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	o := st.Order("O1")
	if o.Status != repo.OrderConfirmed || o.PaymentStatus != repo.PaymentPaid || !o.ConfirmedAt.Valid {
		t.Fatalf("order not confirmed: %+v", o)
	}
	if o.PaymentIntentID.String != "pi_1" || o.CustomerID.String != "cus_1" {
		t.Fatalf("correlation ids not stored: %+v", o)
	}
	if n := len(st.AuditEntries()); n != 1 {
		t.Fatalf("expected one audit row, got %d", n)
	}
	if n := st.CountOutbox(notify.EventPaymentReceived); n != 1 {
		t.Fatalf("expected one payment received notification, got %d", n)
	}
	if got := st.XP("order:O1"); got != 120 {
		t.Fatalf("xp: got %d", got)
	}
	if got := st.DiscountCount("D1"); got != 1 {
		t.Fatalf("discount usage counted %d times", got)
	}
	if st.Stock("SKU1") != 8 || st.Stock("SKU2") != 4 {
		t.Fatalf("stock not decremented once: %d %d", st.Stock("SKU1"), st.Stock("SKU2"))
	}
	if carts := st.ClearedCarts(); len(carts) != 1 || carts[0] != "C1" {
		t.Fatalf("cart cleared %v", carts)
	}

	fs := st.FulfillmentsOf("O1")
	if len(fs) != 2 {
		t.Fatalf("expected one fulfillment per partner, got %d", len(fs))
	}
	for _, f := range fs {
		if f.Status != fsm.StatusPendingAcceptance || !f.SLADeadlineAt.Valid {
			t.Fatalf("fulfillment not activated: %+v", f)
		}
		if c, ok := st.Contact(f.ID); !ok || c.ShippingAddress != "1 Main St" {
			t.Fatalf("contact snapshot missing for %s", f.ID)
		}
	}
	if o.AcceptanceStatus.String != repo.AcceptancePending {
		t.Fatalf("acceptance status %q", o.AcceptanceStatus.String)
	}
	if n := st.CountOutbox(notify.EventFulfillmentPending); n != 2 {
		t.Fatalf("expected a pending notice per partner, got %d", n)
	}
}

func TestReservedStockNotDecremented(t *testing.T) {
	st := settletest.New()
	seedOrder(st, true)
	h := newHandler(t, st)

	if err := h.HandleCheckoutCompleted(context.Background(), checkoutCompleted("evt_1", "cs_1", nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st.Stock("SKU1") != 10 || st.Stock("SKU2") != 5 {
		t.Fatal("reserved stock decremented again")
	}
}

func TestUnpaidCheckoutOnlyRecordsRefs(t *testing.T) {
	st := settletest.New()
	seedOrder(st, false)
	h := newHandler(t, st)

	ev := checkoutCompleted("evt_1", "cs_1", nil)
	ev.Session.PaymentStatus = "unpaid"
	if err := h.HandleCheckoutCompleted(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	o := st.Order("O1")
	if o.ConfirmedAt.Valid || o.PaymentIntentID.String != "pi_1" {
		t.Fatalf("unexpected order %+v", o)
	}
}

func TestPaymentSucceededByMetadata(t *testing.T) {
	st := settletest.New()
	st.PutBooking(repo.Booking{
		ID: "B1", Kind: repo.ResourceCars, UserID: "C2", Status: repo.BookingPending,
		PartnerID: ns("P1"), ResourceID: "CAR9", Total: 300, Currency: "USD",
		CustomerEmail: "bob@example.com",
	})
	h := newHandler(t, st)

	ev := event.PaymentSucceeded{
		Envelope: event.Envelope{ID: "evt_2"},
		Intent: event.PaymentIntent{ID: "pi_b1", Metadata: event.Metadata{
			event.MetaBookingID:   "B1",
			event.MetaBookingType: "car",
		}},
	}
	if err := h.HandlePaymentSucceeded(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	b := st.Booking("B1")
	if !b.ConfirmedAt.Valid || b.PaymentIntentID.String != "pi_b1" {
		t.Fatalf("booking not confirmed: %+v", b)
	}
	fs := st.FulfillmentsOf("B1")
	if len(fs) != 1 || fs[0].Status != fsm.StatusPendingAcceptance || fs[0].Kind != repo.ResourceCars {
		t.Fatalf("unexpected fulfillments %+v", fs)
	}
	if st.XP("booking:cars:B1") != 300 {
		t.Fatal("booking xp not awarded")
	}
}

func TestUnknownPurchaseAcknowledged(t *testing.T) {
	st := settletest.New()
	h := newHandler(t, st)
	if err := h.HandleCheckoutCompleted(context.Background(), checkoutCompleted("evt_9", "cs_none", event.Metadata{event.MetaOrderID: "missing"})); err != nil {
		t.Fatalf("unknown purchase must be acknowledged: %v", err)
	}
	if len(st.AuditEntries()) != 0 || len(st.OutboxEntries()) != 0 {
		t.Fatal("unknown purchase produced effects")
	}
}

func TestConfirmFailureIsRetried(t *testing.T) {
	st := settletest.New()
	seedOrder(st, false)
	h := newHandler(t, st)
	st.Fail("orders.ConfirmOnce", errors.New("deadlock"))

	if err := h.HandleCheckoutCompleted(context.Background(), checkoutCompleted("evt_1", "cs_1", nil)); err == nil {
		t.Fatal("expected the store failure to surface")
	}
	st.Fail("orders.ConfirmOnce", nil)
	if err := h.HandleCheckoutCompleted(context.Background(), checkoutCompleted("evt_1", "cs_1", nil)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !st.Order("O1").ConfirmedAt.Valid {
		t.Fatal("redelivery did not confirm")
	}
}

func TestSideEffectFailureDoesNotFailWebhook(t *testing.T) {
	st := settletest.New()
	seedOrder(st, false)
	h := newHandler(t, st)
	st.Fail("audit.Record", errors.New("audit table locked"))
	st.Fail("rewards.AwardPurchaseXP", errors.New("xp down"))

	if err := h.HandleCheckoutCompleted(context.Background(), checkoutCompleted("evt_1", "cs_1", nil)); err != nil {
		t.Fatalf("side effects must not fail the webhook: %v", err)
	}
	if st.CountOutbox(notify.EventPaymentReceived) != 1 || len(st.FulfillmentsOf("O1")) != 2 {
		t.Fatal("remaining side effects were skipped")
	}
}

func TestDepositCheckoutRoutesToEngine(t *testing.T) {
	st := settletest.New()
	st.PutBooking(repo.Booking{ID: "B1", Kind: repo.ResourceHotels, UserID: "C1", PartnerID: ns("P1"), Status: repo.BookingConfirmed, ConfirmedAt: sql.NullTime{Time: now, Valid: true}})
	st.PutFulfillment(repo.Fulfillment{ID: "F1", Kind: repo.ResourceHotels, BookingID: ns("B1"), PartnerID: ns("P1"), Status: fsm.StatusAwaitingPayment, SLADeadlineAt: sql.NullTime{Time: now, Valid: true}})
	st.PutDeposit(repo.DepositRequest{ID: "DR1", FulfillmentID: "F1", PartnerID: "P1", ResourceType: repo.ResourceHotels, BookingID: "B1", Amount: 40, Currency: "USD", Status: repo.DepositPending})
	h := newHandler(t, st)

	ev := checkoutCompleted("evt_3", "cs_dep", event.Metadata{event.MetaDepositRequestID: "DR1"})
	if err := h.HandleCheckoutCompleted(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st.Deposit("DR1").Status != repo.DepositPaid {
		t.Fatal("deposit not marked paid")
	}
	f := st.Fulfillment("F1")
	if f.Status != fsm.StatusAccepted || !f.ContactRevealedAt.Valid {
		t.Fatalf("fulfillment not released: %+v", f)
	}
	if b := st.Booking("B1"); !b.DepositPaidAt.Valid || b.DepositAmount.Float64 != 40 {
		t.Fatalf("booking not stamped: %+v", b)
	}
}

func TestCheckoutExpired(t *testing.T) {
	st := settletest.New()
	seedOrder(st, true)
	h := newHandler(t, st)
	ev := event.CheckoutExpired{Envelope: event.Envelope{ID: "evt_4"}, Session: event.CheckoutSession{ID: "cs_1"}}

	for i := 0; i < 2; i++ {
		if err := h.HandleCheckoutExpired(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	o := st.Order("O1")
	if o.Status != repo.OrderCancelled || o.InventoryReserved {
		t.Fatalf("order not cancelled: %+v", o)
	}
	if st.Stock("SKU1") != 12 || st.Stock("SKU2") != 6 {
		t.Fatalf("stock restored wrongly: %d %d", st.Stock("SKU1"), st.Stock("SKU2"))
	}
}

func TestCheckoutExpiredKeepsConfirmedOrder(t *testing.T) {
	st := settletest.New()
	seedOrder(st, true)
	h := newHandler(t, st)
	ctx := context.Background()

	if err := h.HandleCheckoutCompleted(ctx, checkoutCompleted("evt_1", "cs_1", nil)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := h.HandleCheckoutExpired(ctx, event.CheckoutExpired{Envelope: event.Envelope{ID: "evt_5"}, Session: event.CheckoutSession{ID: "cs_1"}}); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if st.Order("O1").Status != repo.OrderConfirmed || st.Stock("SKU1") != 10 {
		t.Fatal("expiry touched a confirmed order")
	}
}

func TestPaymentFailedNeverDowngrades(t *testing.T) {
	st := settletest.New()
	seedOrder(st, false)
	h := newHandler(t, st)
	ctx := context.Background()
	failed := event.PaymentFailed{
		Envelope: event.Envelope{ID: "evt_6"},
		Intent:   event.PaymentIntent{ID: "pi_x", Metadata: event.Metadata{event.MetaOrderID: "O1"}},
	}

	if err := h.HandlePaymentFailed(ctx, failed); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if st.Order("O1").Status != repo.OrderFailed || st.CountOutbox(notify.EventPaymentFailed) != 1 {
		t.Fatalf("order not failed: %+v", st.Order("O1"))
	}

	if err := h.HandleCheckoutCompleted(ctx, checkoutCompleted("evt_7", "cs_1", nil)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st.Order("O1").Status != repo.OrderConfirmed {
		t.Fatal("a later success must confirm the order")
	}
	if err := h.HandlePaymentFailed(ctx, failed); err != nil {
		t.Fatalf("late failure: %v", err)
	}
	if st.Order("O1").Status != repo.OrderConfirmed {
		t.Fatal("confirmed order downgraded")
	}
}

func TestChargeRefunded(t *testing.T) {
	st := settletest.New()
	seedOrder(st, false)
	h := newHandler(t, st)
	ctx := context.Background()
	if err := h.HandleCheckoutCompleted(ctx, checkoutCompleted("evt_1", "cs_1", nil)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	partial := event.ChargeRefunded{Envelope: event.Envelope{ID: "evt_8"}, Charge: event.Charge{ID: "ch_1", PaymentIntent: "pi_1", Amount: 12075, AmountRefunded: 2000, Currency: "usd"}}
	if err := h.HandleChargeRefunded(ctx, partial); err != nil {
		t.Fatalf("partial: %v", err)
	}
	if st.Order("O1").Status != repo.OrderPartiallyRefunded {
		t.Fatalf("status %s", st.Order("O1").Status)
	}

	full := partial
	full.ID = "evt_9"
	full.Charge.AmountRefunded = 12075
	for i := 0; i < 2; i++ {
		if err := h.HandleChargeRefunded(ctx, full); err != nil {
			t.Fatalf("full %d: %v", i, err)
		}
	}
	if st.Order("O1").Status != repo.OrderRefunded {
		t.Fatalf("status %s", st.Order("O1").Status)
	}
	if n := st.CountOutbox(notify.EventRefundProcessed); n != 2 {
		t.Fatalf("expected partial and full refund notices, got %d", n)
	}
}

func TestSubscriptionChanged(t *testing.T) {
	st := settletest.New()
	st.PutSubscription("sub_1", "active")
	h := newHandler(t, st)

	if err := h.HandleSubscriptionChanged(context.Background(), event.Subscription{ID: "sub_1", Status: "past_due", CurrentPeriodEnd: now.Unix()}, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.Subscription("sub_1") != "past_due" {
		t.Fatalf("status %s", st.Subscription("sub_1"))
	}
	if err := h.HandleSubscriptionChanged(context.Background(), event.Subscription{ID: "sub_1"}, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st.Subscription("sub_1") != "canceled" {
		t.Fatalf("status %s", st.Subscription("sub_1"))
	}
	if err := h.HandleSubscriptionChanged(context.Background(), event.Subscription{ID: "sub_unknown", Status: "active"}, false); err != nil {
		t.Fatalf("unknown subscription must be acknowledged: %v", err)
	}
}
