package activation

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"partnerpay/internal/settlement/fsm"
	"partnerpay/internal/settlement/notify"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/settletest"
	"partnerpay/internal/settlement/timeutil"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newActivator(t *testing.T, st *settletest.Store) *Activator {
	t.Helper()
	a, err := New(Config{
		Fulfillments: st.Fulfillments,
		Snapshots:    st.Snapshots,
		Orders:       st.Orders,
		Outbox:       st.Outbox,
		Hub:          st.Hub,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:          timeutil.Fixed(now),
	})
	if err != nil {
		t.Fatalf("new activator: %v", err)
	}
	return a
}

func partner(id string) sql.NullString {
	return sql.NullString{String: id, Valid: true}
}

func TestActivateOrderOnePerPartner(t *testing.T) {
	st := settletest.New()
	order := repo.Order{ID: "O1", UserID: "U1", CustomerName: "Ann", CustomerEmail: "ann@example.com", ShippingAddress: "Main 1"}
	items := []repo.OrderItem{
		{ID: "i1", ProductID: "p1", PartnerID: partner("P1"), Quantity: 1},
		{ID: "i2", ProductID: "p2", PartnerID: partner("P2"), Quantity: 2},
		{ID: "i3", ProductID: "p3", PartnerID: partner("P1"), Quantity: 1},
		{ID: "i4", ProductID: "p4"},
	}
	st.PutOrder(order, items...)
	a := newActivator(t, st)

	res, err := a.ActivateOrder(context.Background(), order, items)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(res.Activated) != 2 || res.AcceptanceStatus != repo.AcceptancePending {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, f := range st.FulfillmentsOf("O1") {
		if f.Status != fsm.StatusPendingAcceptance {
			t.Fatalf("fulfillment %s status %s", f.ID, f.Status)
		}
		if !f.SLADeadlineAt.Valid || !f.SLADeadlineAt.Time.Equal(now.Add(DefaultWindow)) {
			t.Fatalf("unexpected deadline %v", f.SLADeadlineAt)
		}
		c, ok := st.Contact(f.ID)
		if !ok || c.CustomerEmail != "ann@example.com" {
			t.Fatalf("missing contact snapshot for %s", f.ID)
		}
		if _, ok := st.Form(f.ID); !ok {
			t.Fatalf("missing form snapshot for %s", f.ID)
		}
	}
	if got := st.Order("O1").AcceptanceStatus.String; got != repo.AcceptancePending {
		t.Fatalf("acceptance status %q", got)
	}
	if n := st.CountOutbox(notify.EventFulfillmentPending); n != 2 {
		t.Fatalf("expected 2 partner notifications, got %d", n)
	}
	if len(st.Pushed()) != 2 {
		t.Fatalf("expected 2 hub pushes, got %d", len(st.Pushed()))
	}

	// A second run finds the rows already active.
	res, err = a.ActivateOrder(context.Background(), order, items)
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if len(res.Activated) != 0 || len(st.FulfillmentsOf("O1")) != 2 {
		t.Fatalf("second run must not activate again: %+v", res)
	}
	if n := st.CountOutbox(notify.EventFulfillmentPending); n != 2 {
		t.Fatalf("notifications duplicated: %d", n)
	}
}

func TestActivateOrderWithoutPartners(t *testing.T) {
	st := settletest.New()
	order := repo.Order{ID: "O2"}
	items := []repo.OrderItem{{ID: "i1", ProductID: "p1"}}
	st.PutOrder(order, items...)

	res, err := newActivator(t, st).ActivateOrder(context.Background(), order, items)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.AcceptanceStatus != repo.AcceptanceNone || len(res.Activated) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := st.Order("O2").AcceptanceStatus.String; got != repo.AcceptanceNone {
		t.Fatalf("acceptance status %q", got)
	}
}

func TestActivateBookingSnapshotsDates(t *testing.T) {
	st := settletest.New()
	b := repo.Booking{
		ID:        "B1",
		Kind:      repo.ResourceHotels,
		UserID:    "U1",
		PartnerID: partner("P1"),
		StartDate: sql.NullTime{Time: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), Valid: true},
		EndDate:   sql.NullTime{Time: time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC), Valid: true},
		Adults:    2,
		Children:  1,
	}
	st.PutBooking(b)

	res, err := newActivator(t, st).ActivateBooking(context.Background(), b)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(res.Activated) != 1 {
		t.Fatalf("expected one activation, got %+v", res)
	}
	f := res.Activated[0]
	if f.Kind != repo.ResourceHotels || f.BookingID.String != "B1" {
		t.Fatalf("unexpected fulfillment %+v", f)
	}
	c, ok := st.Contact(f.ID)
	if !ok || c.Adults != 2 || c.Children != 1 || !c.StartDate.Valid {
		t.Fatalf("unexpected contact snapshot %+v", c)
	}
}

func TestActivateBookingWithoutPartner(t *testing.T) {
	st := settletest.New()
	res, err := newActivator(t, st).ActivateBooking(context.Background(), repo.Booking{ID: "B2", Kind: repo.ResourceCars})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.AcceptanceStatus != repo.AcceptanceNone || len(st.FulfillmentsOf("B2")) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}
