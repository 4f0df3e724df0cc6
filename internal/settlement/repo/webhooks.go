package repo

import (
	"context"
	"time"
)

// WebhooksRepo keeps the receipt log of verified gateway events. The log is
// informational; processing never depends on it.
type WebhooksRepo struct {
	c *Conn
}

// NewWebhooksRepo constructs a WebhooksRepo.
func NewWebhooksRepo(c *Conn) *WebhooksRepo {
	return &WebhooksRepo{c: c}
}

// SaveWebhook stores a received event.
func (r *WebhooksRepo) SaveWebhook(ctx context.Context, eventID, eventType, signature string, payload []byte) error {
	_, err := r.c.exec(ctx, `INSERT INTO payment_webhooks (event_id, event_type, signature, payload, received_at) VALUES (?,?,?,?,?)`,
		nullString(eventID), eventType, signature, payload, time.Now().UTC())
	return err
}

// SubscriptionsRepo mirrors gateway subscription status onto customer
// subscriptions.
type SubscriptionsRepo struct {
	c *Conn
}

// NewSubscriptionsRepo constructs a SubscriptionsRepo.
func NewSubscriptionsRepo(c *Conn) *SubscriptionsRepo {
	return &SubscriptionsRepo{c: c}
}

// UpdateStatus stores the latest subscription status.
func (r *SubscriptionsRepo) UpdateStatus(ctx context.Context, gatewaySubscriptionID, status string, periodEnd *time.Time, now time.Time) (bool, error) {
	if periodEnd != nil {
		return r.c.execAffected(ctx, `UPDATE customer_subscriptions SET status = ?, current_period_end = ?, updated_at = ? WHERE gateway_subscription_id = ?`,
			status, *periodEnd, now, gatewaySubscriptionID)
	}
	return r.c.execAffected(ctx, `UPDATE customer_subscriptions SET status = ?, updated_at = ? WHERE gateway_subscription_id = ?`,
		status, now, gatewaySubscriptionID)
}
