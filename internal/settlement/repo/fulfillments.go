package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"partnerpay/internal/settlement/fsm"
)

// fulfillmentStore is the adapter for one of the two structurally parallel
// fulfillment tables.
type fulfillmentStore struct {
	c     *Conn
	table string
	owner string
}

const fulfillmentColumns = `id, resource_type, %s, partner_id, resource_id, status, sla_deadline_at, accepted_at, accepted_by, rejected_at, rejected_by, rejected_reason, contact_revealed_at, created_at`

func (s fulfillmentStore) columns() string {
	return fmt.Sprintf(fulfillmentColumns, s.owner)
}

func (s fulfillmentStore) scan(row scanner) (Fulfillment, error) {
	var (
		f      Fulfillment
		kind   string
		parent string
	)
	err := row.Scan(&f.ID, &kind, &parent, &f.PartnerID, &f.ResourceID, &f.Status, &f.SLADeadlineAt,
		&f.AcceptedAt, &f.AcceptedBy, &f.RejectedAt, &f.RejectedBy, &f.RejectedReason, &f.ContactRevealedAt, &f.CreatedAt)
	if err != nil {
		return Fulfillment{}, notFound(err)
	}
	f.Kind = ResourceType(kind)
	if s.owner == "order_id" {
		f.OrderID = nullString(parent)
	} else {
		f.BookingID = nullString(parent)
	}
	return f, nil
}

func (s fulfillmentStore) get(ctx context.Context, id string) (Fulfillment, error) {
	return s.scan(s.c.queryRow(ctx, `SELECT `+s.columns()+` FROM `+s.table+` WHERE id = ?`, id))
}

func (s fulfillmentStore) byPartner(ctx context.Context, kind ResourceType, parentID, partnerID string) (Fulfillment, error) {
	return s.scan(s.c.queryRow(ctx, `SELECT `+s.columns()+` FROM `+s.table+` WHERE resource_type = ? AND `+s.owner+` = ? AND partner_id = ?`, string(kind), parentID, partnerID))
}

func (s fulfillmentStore) list(ctx context.Context, kind ResourceType, parentID string) ([]Fulfillment, error) {
	rows, err := s.c.query(ctx, `SELECT `+s.columns()+` FROM `+s.table+` WHERE resource_type = ? AND `+s.owner+` = ? ORDER BY created_at, id`, string(kind), parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fulfillment
	for rows.Next() {
		f, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FulfillmentsRepo unifies the retail and service fulfillment tables behind
// one API keyed by ResourceType.
type FulfillmentsRepo struct {
	retail   fulfillmentStore
	services fulfillmentStore
}

// NewFulfillmentsRepo constructs a FulfillmentsRepo.
func NewFulfillmentsRepo(c *Conn) *FulfillmentsRepo {
	return &FulfillmentsRepo{
		retail:   fulfillmentStore{c: c, table: "order_fulfillments", owner: "order_id"},
		services: fulfillmentStore{c: c, table: "service_fulfillments", owner: "booking_id"},
	}
}

func (r *FulfillmentsRepo) store(kind ResourceType) fulfillmentStore {
	if kind == ResourceRetail {
		return r.retail
	}
	return r.services
}

// Find resolves a fulfillment id against both stores.
func (r *FulfillmentsRepo) Find(ctx context.Context, id string) (Fulfillment, error) {
	f, err := r.retail.get(ctx, id)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Fulfillment{}, err
	}
	return r.services.get(ctx, id)
}

// Get fetches a fulfillment from the store of the given kind.
func (r *FulfillmentsRepo) Get(ctx context.Context, kind ResourceType, id string) (Fulfillment, error) {
	return r.store(kind).get(ctx, id)
}

// EnsurePlaceholder inserts the pre-activation row for a partner if missing
// and returns the stored row.
func (r *FulfillmentsRepo) EnsurePlaceholder(ctx context.Context, f Fulfillment) (Fulfillment, error) {
	s := r.store(f.Kind)
	parentID := f.ParentID()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	err := s.c.insert(ctx, `INSERT INTO `+s.table+` (id, resource_type, `+s.owner+`, partner_id, resource_id, status, created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, string(f.Kind), parentID, f.PartnerID, f.ResourceID, fsm.StatusAwaitingPayment, f.CreatedAt)
	if err != nil && !errors.Is(err, ErrDuplicate) {
		return Fulfillment{}, err
	}
	return s.byPartner(ctx, f.Kind, parentID, f.PartnerID.String)
}

// Activate moves a placeholder row to pending_acceptance. Placeholder rows are
// awaiting_payment without an SLA deadline, which separates them from rows
// waiting on a deposit.
func (r *FulfillmentsRepo) Activate(ctx context.Context, kind ResourceType, id string, deadline time.Time) (bool, error) {
	s := r.store(kind)
	return s.c.execAffected(ctx, `UPDATE `+s.table+` SET status = ?, sla_deadline_at = ? WHERE id = ? AND status = ? AND sla_deadline_at IS NULL`,
		fsm.StatusPendingAcceptance, deadline, id, fsm.StatusAwaitingPayment)
}

// ListByParent lists the fulfillments of an order or booking.
func (r *FulfillmentsRepo) ListByParent(ctx context.Context, kind ResourceType, parentID string) ([]Fulfillment, error) {
	return r.store(kind).list(ctx, kind, parentID)
}

// Transition applies a guarded status change and reports whether this call
// performed it.
func (r *FulfillmentsRepo) Transition(ctx context.Context, kind ResourceType, id string, t Transition) (bool, error) {
	if !fsm.CanTransition(t.From, t.To) || t.From == t.To {
		return false, fsm.ErrInvalidTransition
	}
	s := r.store(kind)
	switch t.To {
	case fsm.StatusRejected:
		return s.c.execAffected(ctx, `UPDATE `+s.table+` SET status = ?, rejected_at = ?, rejected_by = ?, rejected_reason = ? WHERE id = ? AND status = ?`,
			t.To, t.At, nullString(t.Actor), nullString(t.Reason), id, t.From)
	case fsm.StatusAccepted:
		if t.RevealContact {
			return s.c.execAffected(ctx, `UPDATE `+s.table+` SET status = ?, accepted_at = ?, accepted_by = ?, contact_revealed_at = COALESCE(contact_revealed_at, ?) WHERE id = ? AND status = ?`,
				t.To, t.At, nullString(t.Actor), t.At, id, t.From)
		}
		return s.c.execAffected(ctx, `UPDATE `+s.table+` SET status = ?, accepted_at = ?, accepted_by = ? WHERE id = ? AND status = ?`,
			t.To, t.At, nullString(t.Actor), id, t.From)
	default:
		return s.c.execAffected(ctx, `UPDATE `+s.table+` SET status = ?, accepted_at = ?, accepted_by = ? WHERE id = ? AND status = ?`,
			t.To, t.At, nullString(t.Actor), id, t.From)
	}
}

// RevealContact completes a deposit-gated acceptance: the fulfillment becomes
// accepted and contact_revealed_at is stamped once.
func (r *FulfillmentsRepo) RevealContact(ctx context.Context, kind ResourceType, id string, now time.Time) (bool, error) {
	s := r.store(kind)
	return s.c.execAffected(ctx, `UPDATE `+s.table+` SET status = ?, contact_revealed_at = ? WHERE id = ? AND status = ? AND sla_deadline_at IS NOT NULL AND contact_revealed_at IS NULL`,
		fsm.StatusAccepted, now, id, fsm.StatusAwaitingPayment)
}
