// Package notify holds the notification outbox vocabulary and the relay that
// pushes queued entries to devices.
package notify

import (
	"context"
	"strings"

	"partnerpay/internal/settlement/repo"
)

// Outbox categories.
const (
	CategoryOrders   = "orders"
	CategoryBookings = "bookings"
	CategoryPartners = "partners"
	CategoryAdmin    = "admin"
	CategoryDeposits = "deposits"
)

// Outbox events.
const (
	EventPaymentReceived    = "payment_received"
	EventPaymentFailed      = "payment_failed"
	EventRefundProcessed    = "refund_processed"
	EventFulfillmentPending = "fulfillment_pending"
	EventDepositRequested   = "deposit_requested"
	EventDepositPaid        = "deposit_paid"
	EventOrderConfirmed     = "order_confirmed"
	EventPartnerAccepted    = "partner_accepted"
	EventPartnerRejected    = "partner_rejected"
)

// Payload keys the relay understands.
const (
	PayloadUserID    = "user_id"
	PayloadPartnerID = "partner_id"
	PayloadTitle     = "title"
	PayloadBody      = "body"
)

// Enqueuer stores notifications for later delivery. A duplicate dedupe key
// must be a no-op.
type Enqueuer interface {
	Enqueue(ctx context.Context, e repo.OutboxEntry) error
}

// Key joins parts into a dedupe key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
