package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// SnapshotsRepo stores the insert-once contact and form snapshots.
type SnapshotsRepo struct {
	c *Conn
}

// NewSnapshotsRepo constructs a SnapshotsRepo.
func NewSnapshotsRepo(c *Conn) *SnapshotsRepo {
	return &SnapshotsRepo{c: c}
}

// InsertContact stores the contact snapshot of a fulfillment. A second insert
// for the same fulfillment is ignored.
func (r *SnapshotsRepo) InsertContact(ctx context.Context, s ContactSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := r.c.insert(ctx, `INSERT INTO fulfillment_contact_snapshots (id, fulfillment_id, resource_type, customer_name, customer_email, customer_phone, shipping_address, start_date, end_date, adults, children, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.FulfillmentID, string(s.Kind), s.CustomerName, s.CustomerEmail, s.CustomerPhone, s.ShippingAddress, s.StartDate, s.EndDate, s.Adults, s.Children, s.CreatedAt)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// InsertForm stores the form snapshot of a fulfillment. A second insert for
// the same fulfillment is ignored.
func (r *SnapshotsRepo) InsertForm(ctx context.Context, s FormSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err := r.c.insert(ctx, `INSERT INTO fulfillment_form_snapshots (id, fulfillment_id, resource_type, payload, created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.FulfillmentID, string(s.Kind), s.Payload, s.CreatedAt)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// Contact fetches the contact snapshot of a fulfillment.
func (r *SnapshotsRepo) Contact(ctx context.Context, fulfillmentID string) (ContactSnapshot, error) {
	var (
		s    ContactSnapshot
		kind string
	)
	err := r.c.queryRow(ctx, `SELECT id, fulfillment_id, resource_type, customer_name, customer_email, customer_phone, shipping_address, start_date, end_date, adults, children, created_at FROM fulfillment_contact_snapshots WHERE fulfillment_id = ?`, fulfillmentID).
		Scan(&s.ID, &s.FulfillmentID, &kind, &s.CustomerName, &s.CustomerEmail, &s.CustomerPhone, &s.ShippingAddress, &s.StartDate, &s.EndDate, &s.Adults, &s.Children, &s.CreatedAt)
	if err != nil {
		return ContactSnapshot{}, notFound(err)
	}
	s.Kind = ResourceType(kind)
	return s, nil
}
