package repo

import (
	"context"
	"time"
)

const orderColumns = `id, user_id, status, payment_status, total, currency, discount_id, discount_amount, customer_name, customer_email, customer_phone, shipping_address, inventory_reserved, acceptance_status, checkout_session_id, payment_intent_id, gateway_customer_id, confirmed_at, paid_at, cancelled_at, created_at`

// OrdersRepo provides access to retail orders.
type OrdersRepo struct {
	c *Conn
}

// NewOrdersRepo constructs an OrdersRepo.
func NewOrdersRepo(c *Conn) *OrdersRepo {
	return &OrdersRepo{c: c}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.PaymentStatus, &o.Total, &o.Currency, &o.DiscountID, &o.DiscountAmount,
		&o.CustomerName, &o.CustomerEmail, &o.CustomerPhone, &o.ShippingAddress, &o.InventoryReserved, &o.AcceptanceStatus,
		&o.CheckoutSessionID, &o.PaymentIntentID, &o.CustomerID, &o.ConfirmedAt, &o.PaidAt, &o.CancelledAt, &o.CreatedAt)
	if err != nil {
		return Order{}, notFound(err)
	}
	return o, nil
}

// Get fetches an order by id.
func (r *OrdersRepo) Get(ctx context.Context, id string) (Order, error) {
	return scanOrder(r.c.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
}

// FindByCheckoutSession fetches the order paid through a checkout session.
func (r *OrdersRepo) FindByCheckoutSession(ctx context.Context, sessionID string) (Order, error) {
	if sessionID == "" {
		return Order{}, ErrNotFound
	}
	return scanOrder(r.c.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE checkout_session_id = ?`, sessionID))
}

// FindByPaymentIntent fetches the order paid through a payment intent.
func (r *OrdersRepo) FindByPaymentIntent(ctx context.Context, intentID string) (Order, error) {
	if intentID == "" {
		return Order{}, ErrNotFound
	}
	return scanOrder(r.c.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = ?`, intentID))
}

// Items lists order lines.
func (r *OrdersRepo) Items(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := r.c.query(ctx, `SELECT id, order_id, product_id, partner_id, title, quantity, unit_price FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.PartnerID, &it.Title, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ConfirmOnce marks the order confirmed and paid. It reports true only for the
// call that set confirmed_at.
func (r *OrdersRepo) ConfirmOnce(ctx context.Context, id string, refs GatewayRefs, now time.Time) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE orders SET status = ?, payment_status = ?, confirmed_at = ?, paid_at = ?,
		checkout_session_id = COALESCE(?, checkout_session_id), payment_intent_id = COALESCE(?, payment_intent_id), gateway_customer_id = COALESCE(?, gateway_customer_id)
		WHERE id = ? AND confirmed_at IS NULL`,
		OrderConfirmed, PaymentPaid, now, now, nullString(refs.CheckoutSessionID), nullString(refs.PaymentIntentID), nullString(refs.CustomerID), id)
}

// RefreshGatewayRefs stores correlation ids that were not known yet.
func (r *OrdersRepo) RefreshGatewayRefs(ctx context.Context, id string, refs GatewayRefs) error {
	_, err := r.c.exec(ctx, `UPDATE orders SET checkout_session_id = COALESCE(checkout_session_id, ?), payment_intent_id = COALESCE(payment_intent_id, ?), gateway_customer_id = COALESCE(gateway_customer_id, ?) WHERE id = ?`,
		nullString(refs.CheckoutSessionID), nullString(refs.PaymentIntentID), nullString(refs.CustomerID), id)
	return err
}

// CancelIfPending cancels an unconfirmed order.
func (r *OrdersRepo) CancelIfPending(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE orders SET status = ?, cancelled_at = ? WHERE id = ? AND confirmed_at IS NULL AND status IN (?, ?)`,
		OrderCancelled, now, id, OrderPending, OrderFailed)
}

// FailIfUnconfirmed marks the payment failed unless the order was ever confirmed.
func (r *OrdersRepo) FailIfUnconfirmed(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE orders SET status = ?, payment_status = ?, updated_at = ? WHERE id = ? AND confirmed_at IS NULL AND status = ?`,
		OrderFailed, PaymentFailed, now, id, OrderPending)
}

// ApplyRefund moves a confirmed order to a refund status.
func (r *OrdersRepo) ApplyRefund(ctx context.Context, id, status string, now time.Time) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE orders SET status = ?, payment_status = ?, updated_at = ? WHERE id = ? AND confirmed_at IS NOT NULL AND status <> ? AND status <> ?`,
		status, status, now, id, status, OrderRefunded)
}

// ReleaseReservation clears the checkout stock reservation flag. Only the
// call that clears it should restore stock.
func (r *OrdersRepo) ReleaseReservation(ctx context.Context, id string) (bool, error) {
	return r.c.execAffected(ctx, `UPDATE orders SET inventory_reserved = ? WHERE id = ? AND inventory_reserved = ?`, false, id, true)
}

// SetAcceptanceStatus stores the aggregate partner acceptance of an order.
func (r *OrdersRepo) SetAcceptanceStatus(ctx context.Context, id, status string) error {
	_, err := r.c.exec(ctx, `UPDATE orders SET acceptance_status = ? WHERE id = ?`, status, id)
	return err
}
