// Package settletest provides in-memory implementations of the settlement
// repositories. They honor the same conditional-update guards as the SQL
// repositories so flows can be exercised end to end without a database.
package settletest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"partnerpay/internal/settlement/fsm"
	"partnerpay/internal/settlement/pay"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/ws"
)

// Store is the shared in-memory state behind the fakes.
type Store struct {
	mu sync.Mutex

	orders       map[string]*repo.Order
	items        map[string][]repo.OrderItem
	bookings     map[string]*repo.Booking
	fulfillments map[string]*repo.Fulfillment
	contacts     map[string]repo.ContactSnapshot
	forms        map[string]repo.FormSnapshot
	rules        map[repo.ResourceType]repo.DepositRule
	overrides    map[string]repo.DepositRule
	deposits     map[string]*repo.DepositRequest
	partners     map[string]repo.Partner
	members      map[string]map[string]bool
	xp           map[string]int
	usages       map[string]bool
	usageCounts  map[string]int
	stock        map[string]int
	cleared      []string
	audit        []repo.AuditEntry
	outbox       []repo.OutboxEntry
	outboxKeys   map[string]bool
	subs         map[string]string
	links        []pay.LinkRequest
	events       []PushedEvent
	failures     map[string]error

	Orders        *Orders
	Bookings      *Bookings
	Fulfillments  *Fulfillments
	Snapshots     *Snapshots
	Rules         *Rules
	Deposits      *Deposits
	Partners      *Partners
	Audit         *Audit
	Rewards       *Rewards
	Discounts     *Discounts
	Inventory     *Inventory
	Carts         *Carts
	Outbox        *Outbox
	Subscriptions *Subscriptions
	Gateway       *Gateway
	Hub           *Hub
}

// PushedEvent is a hub push captured by the fake hub.
type PushedEvent struct {
	PartnerID string
	Event     ws.PartnerEvent
}

// New returns an empty store.
func New() *Store {
	s := &Store{
		orders:       map[string]*repo.Order{},
		items:        map[string][]repo.OrderItem{},
		bookings:     map[string]*repo.Booking{},
		fulfillments: map[string]*repo.Fulfillment{},
		contacts:     map[string]repo.ContactSnapshot{},
		forms:        map[string]repo.FormSnapshot{},
		rules:        map[repo.ResourceType]repo.DepositRule{},
		overrides:    map[string]repo.DepositRule{},
		deposits:     map[string]*repo.DepositRequest{},
		partners:     map[string]repo.Partner{},
		members:      map[string]map[string]bool{},
		xp:           map[string]int{},
		usages:       map[string]bool{},
		usageCounts:  map[string]int{},
		stock:        map[string]int{},
		outboxKeys:   map[string]bool{},
		subs:         map[string]string{},
		failures:     map[string]error{},
	}
	s.Orders = &Orders{s}
	s.Bookings = &Bookings{s}
	s.Fulfillments = &Fulfillments{s}
	s.Snapshots = &Snapshots{s}
	s.Rules = &Rules{s}
	s.Deposits = &Deposits{s}
	s.Partners = &Partners{s}
	s.Audit = &Audit{s}
	s.Rewards = &Rewards{s}
	s.Discounts = &Discounts{s}
	s.Inventory = &Inventory{s}
	s.Carts = &Carts{s}
	s.Outbox = &Outbox{s}
	s.Subscriptions = &Subscriptions{s}
	s.Gateway = &Gateway{s: s}
	s.Hub = &Hub{s}
	return s
}

// Fail makes the named operation (for example "audit.Record") return err.
// A nil err clears the failure.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) failure(op string) error {
	return s.failures[op]
}

// Seeding helpers.

// PutOrder stores an order and its items.
func (s *Store) PutOrder(o repo.Order, items ...repo.OrderItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := o
	s.orders[o.ID] = &cp
	s.items[o.ID] = append([]repo.OrderItem(nil), items...)
}

// PutBooking stores a booking.
func (s *Store) PutBooking(b repo.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := b
	s.bookings[b.ID] = &cp
}

// PutFulfillment stores a fulfillment.
func (s *Store) PutFulfillment(f repo.Fulfillment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f
	s.fulfillments[f.ID] = &cp
}

// PutContact stores a contact snapshot.
func (s *Store) PutContact(c repo.ContactSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.FulfillmentID] = c
}

// PutRule stores a resource-type rule, or an override when ResourceID is set.
func (s *Store) PutRule(r repo.DepositRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ResourceID != "" {
		s.overrides[string(r.ResourceType)+"/"+r.ResourceID] = r
		return
	}
	s.rules[r.ResourceType] = r
}

// PutDeposit stores a deposit request.
func (s *Store) PutDeposit(d repo.DepositRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.deposits[d.ID] = &cp
}

// PutPartner stores a partner and its member user ids.
func (s *Store) PutPartner(p repo.Partner, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partners[p.ID] = p
	m := map[string]bool{}
	for _, id := range memberIDs {
		m[id] = true
	}
	s.members[p.ID] = m
}

// PutStock sets the stock of a product.
func (s *Store) PutStock(productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] = qty
}

// PutSubscription stores a customer subscription by gateway id.
func (s *Store) PutSubscription(gatewayID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[gatewayID] = status
}

// Inspection helpers.

// Order returns a copy of the stored order.
func (s *Store) Order(id string) repo.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return *o
	}
	return repo.Order{}
}

// Booking returns a copy of the stored booking.
func (s *Store) Booking(id string) repo.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bookings[id]; ok {
		return *b
	}
	return repo.Booking{}
}

// Fulfillment returns a copy of the stored fulfillment.
func (s *Store) Fulfillment(id string) repo.Fulfillment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.fulfillments[id]; ok {
		return *f
	}
	return repo.Fulfillment{}
}

// FulfillmentsOf lists the fulfillments of a parent.
func (s *Store) FulfillmentsOf(parentID string) []repo.Fulfillment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repo.Fulfillment
	for _, f := range s.fulfillments {
		if f.ParentID() == parentID {
			out = append(out, *f)
		}
	}
	return out
}

// Deposit returns a copy of the stored deposit request.
func (s *Store) Deposit(id string) repo.DepositRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deposits[id]; ok {
		return *d
	}
	return repo.DepositRequest{}
}

// DepositFor returns the deposit request of a fulfillment.
func (s *Store) DepositFor(fulfillmentID string) (repo.DepositRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deposits {
		if d.FulfillmentID == fulfillmentID {
			return *d, true
		}
	}
	return repo.DepositRequest{}, false
}

// Contact returns the stored contact snapshot of a fulfillment.
func (s *Store) Contact(fulfillmentID string) (repo.ContactSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[fulfillmentID]
	return c, ok
}

// Form returns the stored form snapshot of a fulfillment.
func (s *Store) Form(fulfillmentID string) (repo.FormSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[fulfillmentID]
	return f, ok
}

// AuditEntries returns the audit log.
func (s *Store) AuditEntries() []repo.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repo.AuditEntry(nil), s.audit...)
}

// OutboxEntries returns the queued notifications.
func (s *Store) OutboxEntries() []repo.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repo.OutboxEntry(nil), s.outbox...)
}

// OutboxEvents returns the event names of the queued notifications.
func (s *Store) OutboxEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, e.Event)
	}
	return out
}

// CountOutbox counts queued notifications with the given event.
func (s *Store) CountOutbox(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.outbox {
		if e.Event == event {
			n++
		}
	}
	return n
}

// XP returns the points awarded for a source.
func (s *Store) XP(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xp[sourceID]
}

// DiscountCount returns the usage counter of a discount.
func (s *Store) DiscountCount(discountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCounts[discountID]
}

// Stock returns the stock of a product.
func (s *Store) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[productID]
}

// ClearedCarts returns the users whose carts were cleared.
func (s *Store) ClearedCarts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cleared...)
}

// Subscription returns the status of a customer subscription.
func (s *Store) Subscription(gatewayID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[gatewayID]
}

// Links returns the payment links requested from the gateway.
func (s *Store) Links() []pay.LinkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pay.LinkRequest(nil), s.links...)
}

// Pushed returns the hub pushes.
func (s *Store) Pushed() []PushedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PushedEvent(nil), s.events...)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func coalesce(cur sql.NullString, v string) sql.NullString {
	if v == "" {
		return cur
	}
	return nullString(v)
}

func keepFirst(cur sql.NullString, v string) sql.NullString {
	if cur.Valid {
		return cur
	}
	return nullString(v)
}

func stamp(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

// Orders fakes repo.OrdersRepo.
type Orders struct{ s *Store }

func (r *Orders) Get(ctx context.Context, id string) (repo.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("orders.Get"); err != nil {
		return repo.Order{}, err
	}
	o, ok := r.s.orders[id]
	if !ok {
		return repo.Order{}, repo.ErrNotFound
	}
	return *o, nil
}

func (r *Orders) FindByCheckoutSession(ctx context.Context, sessionID string) (repo.Order, error) {
	return r.find(func(o *repo.Order) bool { return o.CheckoutSessionID.Valid && o.CheckoutSessionID.String == sessionID })
}

func (r *Orders) FindByPaymentIntent(ctx context.Context, intentID string) (repo.Order, error) {
	return r.find(func(o *repo.Order) bool { return o.PaymentIntentID.Valid && o.PaymentIntentID.String == intentID })
}

func (r *Orders) find(match func(*repo.Order) bool) (repo.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("orders.Find"); err != nil {
		return repo.Order{}, err
	}
	for _, o := range r.s.orders {
		if match(o) {
			return *o, nil
		}
	}
	return repo.Order{}, repo.ErrNotFound
}

func (r *Orders) Items(ctx context.Context, orderID string) ([]repo.OrderItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]repo.OrderItem(nil), r.s.items[orderID]...), nil
}

func (r *Orders) ConfirmOnce(ctx context.Context, id string, refs repo.GatewayRefs, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("orders.ConfirmOnce"); err != nil {
		return false, err
	}
	o, ok := r.s.orders[id]
	if !ok || o.ConfirmedAt.Valid {
		return false, nil
	}
	o.Status = repo.OrderConfirmed
	o.PaymentStatus = repo.PaymentPaid
	o.ConfirmedAt = stamp(now)
	o.PaidAt = stamp(now)
	o.CheckoutSessionID = coalesce(o.CheckoutSessionID, refs.CheckoutSessionID)
	o.PaymentIntentID = coalesce(o.PaymentIntentID, refs.PaymentIntentID)
	o.CustomerID = coalesce(o.CustomerID, refs.CustomerID)
	return true, nil
}

func (r *Orders) RefreshGatewayRefs(ctx context.Context, id string, refs repo.GatewayRefs) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil
	}
	o.CheckoutSessionID = keepFirst(o.CheckoutSessionID, refs.CheckoutSessionID)
	o.PaymentIntentID = keepFirst(o.PaymentIntentID, refs.PaymentIntentID)
	o.CustomerID = keepFirst(o.CustomerID, refs.CustomerID)
	return nil
}

func (r *Orders) CancelIfPending(ctx context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || o.ConfirmedAt.Valid || (o.Status != repo.OrderPending && o.Status != repo.OrderFailed) {
		return false, nil
	}
	o.Status = repo.OrderCancelled
	o.CancelledAt = stamp(now)
	return true, nil
}

func (r *Orders) FailIfUnconfirmed(ctx context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || o.ConfirmedAt.Valid || o.Status != repo.OrderPending {
		return false, nil
	}
	o.Status = repo.OrderFailed
	o.PaymentStatus = repo.PaymentFailed
	return true, nil
}

func (r *Orders) ApplyRefund(ctx context.Context, id, status string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || !o.ConfirmedAt.Valid || o.Status == status || o.Status == repo.OrderRefunded {
		return false, nil
	}
	o.Status = status
	o.PaymentStatus = status
	return true, nil
}

func (r *Orders) ReleaseReservation(ctx context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok || !o.InventoryReserved {
		return false, nil
	}
	o.InventoryReserved = false
	return true, nil
}

func (r *Orders) SetAcceptanceStatus(ctx context.Context, id, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("orders.SetAcceptanceStatus"); err != nil {
		return err
	}
	if o, ok := r.s.orders[id]; ok {
		o.AcceptanceStatus = nullString(status)
	}
	return nil
}

// Bookings fakes repo.BookingsRepo.
type Bookings struct{ s *Store }

func (r *Bookings) get(kind repo.ResourceType, id string) (*repo.Booking, bool) {
	b, ok := r.s.bookings[id]
	if !ok || b.Kind != kind {
		return nil, false
	}
	return b, true
}

func (r *Bookings) Get(ctx context.Context, kind repo.ResourceType, id string) (repo.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.get(kind, id)
	if !ok {
		return repo.Booking{}, repo.ErrNotFound
	}
	return *b, nil
}

func (r *Bookings) FindByCheckoutSession(ctx context.Context, sessionID string) (repo.Booking, error) {
	return r.find(func(b *repo.Booking) bool { return b.CheckoutSessionID.Valid && b.CheckoutSessionID.String == sessionID })
}

func (r *Bookings) FindByPaymentIntent(ctx context.Context, intentID string) (repo.Booking, error) {
	return r.find(func(b *repo.Booking) bool { return b.PaymentIntentID.Valid && b.PaymentIntentID.String == intentID })
}

func (r *Bookings) find(match func(*repo.Booking) bool) (repo.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bookings {
		if match(b) {
			return *b, nil
		}
	}
	return repo.Booking{}, repo.ErrNotFound
}

func (r *Bookings) ConfirmOnce(ctx context.Context, kind repo.ResourceType, id string, refs repo.GatewayRefs, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("bookings.ConfirmOnce"); err != nil {
		return false, err
	}
	b, ok := r.get(kind, id)
	if !ok || b.ConfirmedAt.Valid {
		return false, nil
	}
	b.Status = repo.BookingConfirmed
	b.PaymentStatus = repo.PaymentPaid
	b.ConfirmedAt = stamp(now)
	b.CheckoutSessionID = coalesce(b.CheckoutSessionID, refs.CheckoutSessionID)
	b.PaymentIntentID = coalesce(b.PaymentIntentID, refs.PaymentIntentID)
	b.CustomerID = coalesce(b.CustomerID, refs.CustomerID)
	return true, nil
}

func (r *Bookings) RefreshGatewayRefs(ctx context.Context, kind repo.ResourceType, id string, refs repo.GatewayRefs) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.get(kind, id)
	if !ok {
		return nil
	}
	b.CheckoutSessionID = keepFirst(b.CheckoutSessionID, refs.CheckoutSessionID)
	b.PaymentIntentID = keepFirst(b.PaymentIntentID, refs.PaymentIntentID)
	b.CustomerID = keepFirst(b.CustomerID, refs.CustomerID)
	return nil
}

func (r *Bookings) CancelIfPending(ctx context.Context, kind repo.ResourceType, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.get(kind, id)
	if !ok || b.ConfirmedAt.Valid || (b.Status != repo.BookingPending && b.Status != repo.BookingFailed) {
		return false, nil
	}
	b.Status = repo.BookingCancelled
	b.CancelledAt = stamp(now)
	return true, nil
}

func (r *Bookings) FailIfUnconfirmed(ctx context.Context, kind repo.ResourceType, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.get(kind, id)
	if !ok || b.ConfirmedAt.Valid || b.Status != repo.BookingPending {
		return false, nil
	}
	b.Status = repo.BookingFailed
	b.PaymentStatus = repo.PaymentFailed
	return true, nil
}

func (r *Bookings) ApplyRefund(ctx context.Context, kind repo.ResourceType, id, status string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.get(kind, id)
	if !ok || !b.ConfirmedAt.Valid || b.PaymentStatus == status || b.PaymentStatus == repo.PaymentRefunded {
		return false, nil
	}
	b.Status = status
	b.PaymentStatus = status
	return true, nil
}

func (r *Bookings) StampDeposit(ctx context.Context, kind repo.ResourceType, id string, amount float64, currency string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("bookings.StampDeposit"); err != nil {
		return false, err
	}
	b, ok := r.get(kind, id)
	if !ok || b.DepositPaidAt.Valid {
		return false, nil
	}
	b.DepositPaidAt = stamp(now)
	b.DepositAmount = sql.NullFloat64{Float64: amount, Valid: true}
	b.DepositCurrency = nullString(currency)
	return true, nil
}

// Fulfillments fakes repo.FulfillmentsRepo.
type Fulfillments struct{ s *Store }

func (r *Fulfillments) Find(ctx context.Context, id string) (repo.Fulfillment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("fulfillments.Find"); err != nil {
		return repo.Fulfillment{}, err
	}
	f, ok := r.s.fulfillments[id]
	if !ok {
		return repo.Fulfillment{}, repo.ErrNotFound
	}
	return *f, nil
}

func (r *Fulfillments) Get(ctx context.Context, kind repo.ResourceType, id string) (repo.Fulfillment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.fulfillments[id]
	if !ok || (f.Kind == repo.ResourceRetail) != (kind == repo.ResourceRetail) {
		return repo.Fulfillment{}, repo.ErrNotFound
	}
	return *f, nil
}

func (r *Fulfillments) EnsurePlaceholder(ctx context.Context, f repo.Fulfillment) (repo.Fulfillment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("fulfillments.EnsurePlaceholder"); err != nil {
		return repo.Fulfillment{}, err
	}
	for _, cur := range r.s.fulfillments {
		if cur.ParentID() == f.ParentID() && cur.PartnerID.String == f.PartnerID.String {
			return *cur, nil
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Status = fsm.StatusAwaitingPayment
	cp := f
	r.s.fulfillments[f.ID] = &cp
	return f, nil
}

func (r *Fulfillments) Activate(ctx context.Context, kind repo.ResourceType, id string, deadline time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	f, ok := r.s.fulfillments[id]
	if !ok || f.Status != fsm.StatusAwaitingPayment || f.SLADeadlineAt.Valid {
		return false, nil
	}
	f.Status = fsm.StatusPendingAcceptance
	f.SLADeadlineAt = stamp(deadline)
	return true, nil
}

func (r *Fulfillments) ListByParent(ctx context.Context, kind repo.ResourceType, parentID string) ([]repo.Fulfillment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []repo.Fulfillment
	for _, f := range r.s.fulfillments {
		if f.Kind == kind && f.ParentID() == parentID {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (r *Fulfillments) Transition(ctx context.Context, kind repo.ResourceType, id string, t repo.Transition) (bool, error) {
	if !fsm.CanTransition(t.From, t.To) || t.From == t.To {
		return false, fsm.ErrInvalidTransition
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("fulfillments.Transition"); err != nil {
		return false, err
	}
	f, ok := r.s.fulfillments[id]
	if !ok || f.Status != t.From {
		return false, nil
	}
	f.Status = t.To
	switch t.To {
	case fsm.StatusRejected:
		f.RejectedAt = stamp(t.At)
		f.RejectedBy = nullString(t.Actor)
		f.RejectedReason = nullString(t.Reason)
	default:
		f.AcceptedAt = stamp(t.At)
		f.AcceptedBy = nullString(t.Actor)
		if t.To == fsm.StatusAccepted && t.RevealContact && !f.ContactRevealedAt.Valid {
			f.ContactRevealedAt = stamp(t.At)
		}
	}
	return true, nil
}

func (r *Fulfillments) RevealContact(ctx context.Context, kind repo.ResourceType, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("fulfillments.RevealContact"); err != nil {
		return false, err
	}
	f, ok := r.s.fulfillments[id]
	if !ok || f.Status != fsm.StatusAwaitingPayment || !f.SLADeadlineAt.Valid || f.ContactRevealedAt.Valid {
		return false, nil
	}
	f.Status = fsm.StatusAccepted
	f.ContactRevealedAt = stamp(now)
	return true, nil
}

// Snapshots fakes repo.SnapshotsRepo.
type Snapshots struct{ s *Store }

func (r *Snapshots) InsertContact(ctx context.Context, c repo.ContactSnapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("snapshots.InsertContact"); err != nil {
		return err
	}
	if _, ok := r.s.contacts[c.FulfillmentID]; ok {
		return nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.s.contacts[c.FulfillmentID] = c
	return nil
}

func (r *Snapshots) InsertForm(ctx context.Context, f repo.FormSnapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.forms[f.FulfillmentID]; ok {
		return nil
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	r.s.forms[f.FulfillmentID] = f
	return nil
}

func (r *Snapshots) Contact(ctx context.Context, fulfillmentID string) (repo.ContactSnapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[fulfillmentID]
	if !ok {
		return repo.ContactSnapshot{}, repo.ErrNotFound
	}
	return c, nil
}

// Rules fakes repo.DepositRulesRepo.
type Rules struct{ s *Store }

func (r *Rules) Rule(ctx context.Context, rt repo.ResourceType) (repo.DepositRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.rules[rt]
	if !ok {
		return repo.DepositRule{}, repo.ErrNotFound
	}
	return rule, nil
}

func (r *Rules) Override(ctx context.Context, rt repo.ResourceType, resourceID string) (repo.DepositRule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rule, ok := r.s.overrides[string(rt)+"/"+resourceID]
	if !ok {
		return repo.DepositRule{}, repo.ErrNotFound
	}
	return rule, nil
}

// Deposits fakes repo.DepositRequestsRepo.
type Deposits struct{ s *Store }

func (r *Deposits) Get(ctx context.Context, id string) (repo.DepositRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deposits[id]
	if !ok {
		return repo.DepositRequest{}, repo.ErrNotFound
	}
	return *d, nil
}

func (r *Deposits) GetByFulfillment(ctx context.Context, fulfillmentID string) (repo.DepositRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.deposits {
		if d.FulfillmentID == fulfillmentID {
			return *d, nil
		}
	}
	return repo.DepositRequest{}, repo.ErrNotFound
}

func (r *Deposits) Insert(ctx context.Context, d repo.DepositRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cur := range r.s.deposits {
		if cur.FulfillmentID == d.FulfillmentID || cur.ID == d.ID {
			return repo.ErrDuplicate
		}
	}
	d.Status = repo.DepositPending
	cp := d
	r.s.deposits[d.ID] = &cp
	return nil
}

func (r *Deposits) Reopen(ctx context.Context, id string, amount float64, currency string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deposits[id]
	if !ok || d.Status != repo.DepositExpired {
		return false, nil
	}
	d.Status = repo.DepositPending
	d.Amount = amount
	d.Currency = currency
	d.CheckoutURL = sql.NullString{}
	d.CheckoutSessionID = sql.NullString{}
	d.ExpiredAt = sql.NullTime{}
	return true, nil
}

func (r *Deposits) AttachCheckout(ctx context.Context, id, sessionID, url string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deposits[id]
	if !ok || d.Status != repo.DepositPending || d.CheckoutURL.Valid {
		return false, nil
	}
	d.CheckoutSessionID = nullString(sessionID)
	d.CheckoutURL = nullString(url)
	return true, nil
}

func (r *Deposits) MarkPaid(ctx context.Context, id string, refs repo.GatewayRefs, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("deposits.MarkPaid"); err != nil {
		return false, err
	}
	d, ok := r.s.deposits[id]
	if !ok || d.PaidAt.Valid {
		return false, nil
	}
	d.Status = repo.DepositPaid
	d.PaidAt = stamp(now)
	d.CheckoutSessionID = coalesce(d.CheckoutSessionID, refs.CheckoutSessionID)
	d.PaymentIntentID = coalesce(d.PaymentIntentID, refs.PaymentIntentID)
	return true, nil
}

func (r *Deposits) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deposits[id]
	if !ok || d.Status != repo.DepositPending {
		return false, nil
	}
	d.Status = repo.DepositExpired
	d.ExpiredAt = stamp(now)
	return true, nil
}

// Partners fakes repo.PartnersRepo.
type Partners struct{ s *Store }

func (r *Partners) Get(ctx context.Context, id string) (repo.Partner, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.partners[id]
	if !ok {
		return repo.Partner{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *Partners) IsMember(ctx context.Context, partnerID, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.members[partnerID][userID], nil
}

func (r *Partners) MemberIDs(ctx context.Context, partnerID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for id := range r.s.members[partnerID] {
		out = append(out, id)
	}
	return out, nil
}

// Audit fakes repo.AuditRepo.
type Audit struct{ s *Store }

func (r *Audit) Record(ctx context.Context, e repo.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("audit.Record"); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.s.audit = append(r.s.audit, e)
	return nil
}

// Rewards fakes repo.RewardsRepo.
type Rewards struct{ s *Store }

func (r *Rewards) AwardPurchaseXP(ctx context.Context, userID, sourceID string, points int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("rewards.AwardPurchaseXP"); err != nil {
		return err
	}
	if userID == "" || points <= 0 {
		return nil
	}
	if _, ok := r.s.xp[sourceID]; !ok {
		r.s.xp[sourceID] = points
	}
	return nil
}

// Discounts fakes repo.DiscountsRepo.
type Discounts struct{ s *Store }

func (r *Discounts) RecordUsage(ctx context.Context, discountID, userID, orderID string, amount float64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := discountID + "/" + orderID
	if r.s.usages[key] {
		return false, nil
	}
	r.s.usages[key] = true
	return true, nil
}

func (r *Discounts) IncrementUsage(ctx context.Context, discountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.usageCounts[discountID]++
	return nil
}

// Inventory fakes repo.InventoryRepo.
type Inventory struct{ s *Store }

func (r *Inventory) Decrement(ctx context.Context, productID string, qty int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("inventory.Decrement"); err != nil {
		return err
	}
	if r.s.stock[productID] >= qty {
		r.s.stock[productID] -= qty
	} else {
		r.s.stock[productID] = 0
	}
	return nil
}

func (r *Inventory) Restore(ctx context.Context, productID string, qty int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stock[productID] += qty
	return nil
}

// Carts fakes repo.CartsRepo.
type Carts struct{ s *Store }

func (r *Carts) Clear(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.cleared = append(r.s.cleared, userID)
	return nil
}

// Outbox fakes repo.OutboxRepo enqueueing.
type Outbox struct{ s *Store }

func (r *Outbox) Enqueue(ctx context.Context, e repo.OutboxEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failure("outbox.Enqueue"); err != nil {
		return err
	}
	if e.DedupeKey != "" && r.s.outboxKeys[e.DedupeKey] {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.s.outboxKeys[e.DedupeKey] = true
	r.s.outbox = append(r.s.outbox, e)
	return nil
}

// Subscriptions fakes repo.SubscriptionsRepo.
type Subscriptions struct{ s *Store }

func (r *Subscriptions) UpdateStatus(ctx context.Context, gatewaySubscriptionID, status string, periodEnd *time.Time, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.subs[gatewaySubscriptionID]
	if !ok || cur == status {
		return false, nil
	}
	r.s.subs[gatewaySubscriptionID] = status
	return true, nil
}

// Gateway fakes the payment link client.
// Like the real gateway, a repeated idempotency key returns the link created
// for it the first time.
type Gateway struct {
	s    *Store
	n    int
	seen map[string]pay.Link
}

func (g *Gateway) CreatePaymentLink(ctx context.Context, req pay.LinkRequest) (pay.Link, error) {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	if err := g.s.failure("gateway.CreatePaymentLink"); err != nil {
		return pay.Link{}, err
	}
	if link, ok := g.seen[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return link, nil
	}
	g.n++
	g.s.links = append(g.s.links, req)
	id := fmt.Sprintf("cs_test_%d", g.n)
	link := pay.Link{SessionID: id, URL: "https://pay.test/" + id}
	if g.seen == nil {
		g.seen = map[string]pay.Link{}
	}
	g.seen[req.IdempotencyKey] = link
	return link, nil
}

// Hub records partner pushes.
type Hub struct{ s *Store }

func (h *Hub) PushPartnerEvent(partnerID string, ev ws.PartnerEvent) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.events = append(h.s.events, PushedEvent{PartnerID: partnerID, Event: ev})
}
