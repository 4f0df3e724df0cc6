package repo

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const bookingColumns = `id, user_id, status, payment_status, partner_id, resource_id, total, currency, customer_name, customer_email, customer_phone, start_date, end_date, adults, children, checkout_session_id, payment_intent_id, gateway_customer_id, confirmed_at, cancelled_at, deposit_paid_at, deposit_amount, deposit_currency, created_at`

// BookingsRepo provides access to the car, trip and hotel booking tables.
// The three tables share the same shape for the columns used here.
type BookingsRepo struct {
	c *Conn
}

// NewBookingsRepo constructs a BookingsRepo.
func NewBookingsRepo(c *Conn) *BookingsRepo {
	return &BookingsRepo{c: c}
}

func tableFor(kind ResourceType) (string, error) {
	table, ok := bookingTable(kind)
	if !ok {
		return "", fmt.Errorf("bookings: unsupported resource type %q", kind)
	}
	return table, nil
}

func scanBooking(kind ResourceType, row scanner) (Booking, error) {
	b := Booking{Kind: kind}
	err := row.Scan(&b.ID, &b.UserID, &b.Status, &b.PaymentStatus, &b.PartnerID, &b.ResourceID, &b.Total, &b.Currency,
		&b.CustomerName, &b.CustomerEmail, &b.CustomerPhone, &b.StartDate, &b.EndDate, &b.Adults, &b.Children,
		&b.CheckoutSessionID, &b.PaymentIntentID, &b.CustomerID, &b.ConfirmedAt, &b.CancelledAt,
		&b.DepositPaidAt, &b.DepositAmount, &b.DepositCurrency, &b.CreatedAt)
	if err != nil {
		return Booking{}, notFound(err)
	}
	return b, nil
}

// Get fetches a booking of the given kind.
func (r *BookingsRepo) Get(ctx context.Context, kind ResourceType, id string) (Booking, error) {
	table, err := tableFor(kind)
	if err != nil {
		return Booking{}, err
	}
	return scanBooking(kind, r.c.queryRow(ctx, `SELECT `+bookingColumns+` FROM `+table+` WHERE id = ?`, id))
}

// FindByCheckoutSession searches every booking table for the session.
func (r *BookingsRepo) FindByCheckoutSession(ctx context.Context, sessionID string) (Booking, error) {
	return r.findBy(ctx, "checkout_session_id", sessionID)
}

// FindByPaymentIntent searches every booking table for the payment intent.
func (r *BookingsRepo) FindByPaymentIntent(ctx context.Context, intentID string) (Booking, error) {
	return r.findBy(ctx, "payment_intent_id", intentID)
}

func (r *BookingsRepo) findBy(ctx context.Context, column, value string) (Booking, error) {
	if value == "" {
		return Booking{}, ErrNotFound
	}
	for _, kind := range ServiceKinds {
		table, _ := bookingTable(kind)
		b, err := scanBooking(kind, r.c.queryRow(ctx, `SELECT `+bookingColumns+` FROM `+table+` WHERE `+column+` = ?`, value))
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Booking{}, err
		}
	}
	return Booking{}, ErrNotFound
}

// ConfirmOnce marks the booking confirmed. It reports true only for the call
// that set confirmed_at.
func (r *BookingsRepo) ConfirmOnce(ctx context.Context, kind ResourceType, id string, refs GatewayRefs, now time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	return r.c.execAffected(ctx, `UPDATE `+table+` SET status = ?, payment_status = ?, confirmed_at = ?,
		checkout_session_id = COALESCE(?, checkout_session_id), payment_intent_id = COALESCE(?, payment_intent_id), gateway_customer_id = COALESCE(?, gateway_customer_id)
		WHERE id = ? AND confirmed_at IS NULL`,
		BookingConfirmed, PaymentPaid, now, nullString(refs.CheckoutSessionID), nullString(refs.PaymentIntentID), nullString(refs.CustomerID), id)
}

// RefreshGatewayRefs stores correlation ids that were not known yet.
func (r *BookingsRepo) RefreshGatewayRefs(ctx context.Context, kind ResourceType, id string, refs GatewayRefs) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx, `UPDATE `+table+` SET checkout_session_id = COALESCE(checkout_session_id, ?), payment_intent_id = COALESCE(payment_intent_id, ?), gateway_customer_id = COALESCE(gateway_customer_id, ?) WHERE id = ?`,
		nullString(refs.CheckoutSessionID), nullString(refs.PaymentIntentID), nullString(refs.CustomerID), id)
	return err
}

// CancelIfPending cancels an unconfirmed booking.
func (r *BookingsRepo) CancelIfPending(ctx context.Context, kind ResourceType, id string, now time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	return r.c.execAffected(ctx, `UPDATE `+table+` SET status = ?, cancelled_at = ? WHERE id = ? AND confirmed_at IS NULL AND status IN (?, ?)`,
		BookingCancelled, now, id, BookingPending, BookingFailed)
}

// FailIfUnconfirmed marks the payment failed unless the booking was ever confirmed.
func (r *BookingsRepo) FailIfUnconfirmed(ctx context.Context, kind ResourceType, id string, now time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	return r.c.execAffected(ctx, `UPDATE `+table+` SET status = ?, payment_status = ?, updated_at = ? WHERE id = ? AND confirmed_at IS NULL AND status = ?`,
		BookingFailed, PaymentFailed, now, id, BookingPending)
}

// ApplyRefund moves a confirmed booking to a refund status.
func (r *BookingsRepo) ApplyRefund(ctx context.Context, kind ResourceType, id, status string, now time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	return r.c.execAffected(ctx, `UPDATE `+table+` SET status = ?, payment_status = ?, updated_at = ? WHERE id = ? AND confirmed_at IS NOT NULL AND payment_status <> ? AND payment_status <> ?`,
		status, status, now, id, status, PaymentRefunded)
}

// StampDeposit records the paid deposit once.
func (r *BookingsRepo) StampDeposit(ctx context.Context, kind ResourceType, id string, amount float64, currency string, now time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	return r.c.execAffected(ctx, `UPDATE `+table+` SET deposit_paid_at = ?, deposit_amount = ?, deposit_currency = ? WHERE id = ? AND deposit_paid_at IS NULL`,
		now, amount, currency, id)
}
