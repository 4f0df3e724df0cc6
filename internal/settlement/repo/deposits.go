package repo

import (
	"context"
	"time"
)

// DepositRulesRepo reads deposit rules and per-resource overrides.
type DepositRulesRepo struct {
	c *Conn
}

// NewDepositRulesRepo constructs a DepositRulesRepo.
func NewDepositRulesRepo(c *Conn) *DepositRulesRepo {
	return &DepositRulesRepo{c: c}
}

// Rule fetches the resource-type wide rule.
func (r *DepositRulesRepo) Rule(ctx context.Context, rt ResourceType) (DepositRule, error) {
	rule := DepositRule{ResourceType: rt}
	err := r.c.queryRow(ctx, `SELECT mode, amount, currency, include_children, enabled FROM deposit_rules WHERE resource_type = ?`, string(rt)).
		Scan(&rule.Mode, &rule.Amount, &rule.Currency, &rule.IncludeChildren, &rule.Enabled)
	if err != nil {
		return DepositRule{}, notFound(err)
	}
	return rule, nil
}

// Override fetches the override for one resource.
func (r *DepositRulesRepo) Override(ctx context.Context, rt ResourceType, resourceID string) (DepositRule, error) {
	rule := DepositRule{ResourceType: rt, ResourceID: resourceID}
	err := r.c.queryRow(ctx, `SELECT mode, amount, currency, include_children, enabled FROM deposit_overrides WHERE resource_type = ? AND resource_id = ?`, string(rt), resourceID).
		Scan(&rule.Mode, &rule.Amount, &rule.Currency, &rule.IncludeChildren, &rule.Enabled)
	if err != nil {
		return DepositRule{}, notFound(err)
	}
	return rule, nil
}

const depositColumns = `id, fulfillment_id, partner_id, resource_type, booking_id, amount, currency, status, checkout_session_id, payment_intent_id, checkout_url, paid_at, expired_at, created_at`

// DepositRequestsRepo stores deposit payment requests.
type DepositRequestsRepo struct {
	c *Conn
}

// NewDepositRequestsRepo constructs a DepositRequestsRepo.
func NewDepositRequestsRepo(c *Conn) *DepositRequestsRepo {
	return &DepositRequestsRepo{c: c}
}

func scanDeposit(row scanner) (DepositRequest, error) {
	var (
		d    DepositRequest
		kind string
	)
	err := row.Scan(&d.ID, &d.FulfillmentID, &d.PartnerID, &kind, &d.BookingID, &d.Amount, &d.Currency, &d.Status,
		&d.CheckoutSessionID, &d.PaymentIntentID, &d.CheckoutURL, &d.PaidAt, &d.ExpiredAt, &d.CreatedAt)
	if err != nil {
		return DepositRequest{}, notFound(err)
	}
	d.ResourceType = ResourceType(kind)
	return d, nil
}

// Get fetches a deposit request by id.
func (r *DepositRequestsRepo) Get(ctx context.Context, id string) (DepositRequest, error) {
	return scanDeposit(r.c.queryRow(ctx, `SELECT `+depositColumns+` FROM deposit_requests WHERE id = ?`, id))
}

// GetByFulfillment fetches the deposit request of a fulfillment.
func (r *DepositRequestsRepo) GetByFulfillment(ctx context.Context, fulfillmentID string) (DepositRequest, error) {
	return scanDeposit(r.c.queryRow(ctx, `SELECT `+depositColumns+` FROM deposit_requests WHERE fulfillment_id = ?`, fulfillmentID))
}

// Insert persists a new pending request. A concurrent insert for the same
// fulfillment yields ErrDuplicate.
func (r *DepositRequestsRepo) Insert(ctx context.Context, d DepositRequest) error {
	return r.c.insert(ctx, `INSERT INTO deposit_requests (id, fulfillment_id, partner_id, resource_type, booking_id, amount, currency, status, created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.FulfillmentID, d.PartnerID, string(d.ResourceType), d.BookingID, d.Amount, d.Currency, DepositPending, d.CreatedAt)
}

// Reopen turns an expired request back into a pending one without a link.
func (r *DepositRequestsRepo) Reopen(ctx context.Context, id string, amount float64, currency string) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE deposit_requests SET status = ?, amount = ?, currency = ?, checkout_url = NULL, checkout_session_id = NULL, expired_at = NULL WHERE id = ? AND status = ?`,
		DepositPending, amount, currency, id, DepositExpired)
}

// AttachCheckout stores the payment link once.
func (r *DepositRequestsRepo) AttachCheckout(ctx context.Context, id, sessionID, url string) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE deposit_requests SET checkout_session_id = ?, checkout_url = ? WHERE id = ? AND status = ? AND checkout_url IS NULL`,
		nullString(sessionID), url, id, DepositPending)
}

// MarkPaid marks the request paid. It reports true only for the call that
// set paid_at.
func (r *DepositRequestsRepo) MarkPaid(ctx context.Context, id string, refs GatewayRefs, now time.Time) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE deposit_requests SET status = ?, paid_at = ?, checkout_session_id = COALESCE(?, checkout_session_id), payment_intent_id = COALESCE(?, payment_intent_id) WHERE id = ? AND paid_at IS NULL`,
		DepositPaid, now, nullString(refs.CheckoutSessionID), nullString(refs.PaymentIntentID), id)
}

// Expire flips a pending request to expired.
func (r *DepositRequestsRepo) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE deposit_requests SET status = ?, expired_at = ? WHERE id = ? AND status = ?`,
		DepositExpired, now, id, DepositPending)
}

// HasLink reports whether the request carries an active checkout link.
func (d DepositRequest) HasLink() bool {
	return d.Status == DepositPending && d.CheckoutURL.Valid && d.CheckoutURL.String != ""
}
