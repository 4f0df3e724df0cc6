package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/messaging"

	"partnerpay/internal/settlement/repo"
)

// ErrNoRecipients is recorded when an entry resolves to no device token.
var ErrNoRecipients = errors.New("no device tokens")

// Store is the outbox surface the relay drains.
type Store interface {
	Pending(ctx context.Context, limit, maxAttempts int) ([]repo.OutboxEntry, error)
	MarkDelivered(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// TokenSource returns device tokens of a user.
type TokenSource interface {
	Tokens(ctx context.Context, userID string) ([]string, error)
}

// MemberSource lists users acting for a partner.
type MemberSource interface {
	MemberIDs(ctx context.Context, partnerID string) ([]string, error)
}

// Pusher delivers one message to one device.
type Pusher interface {
	Push(ctx context.Context, token, title, body string, data map[string]string) error
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	Store       Store
	Tokens      TokenSource
	Members     MemberSource
	Pusher      Pusher
	Logger      *slog.Logger
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Now         func() time.Time
}

// Relay periodically pushes undelivered outbox entries.
type Relay struct {
	cfg RelayConfig
}

// NewRelay constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Store == nil || cfg.Tokens == nil || cfg.Pusher == nil {
		return nil, fmt.Errorf("notify relay: store, tokens and pusher are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Relay{cfg: cfg}, nil
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.cfg.Logger.Error("outbox relay: drain failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain delivers one batch and returns how many entries were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	entries, err := r.cfg.Store.Pending(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range entries {
		if err := r.deliver(ctx, e); err != nil {
			r.cfg.Logger.Warn("outbox relay: delivery failed", "id", e.ID, "event", e.Event, "err", err)
			if mErr := r.cfg.Store.MarkFailed(ctx, e.ID, err.Error()); mErr != nil {
				return delivered, mErr
			}
			continue
		}
		if err := r.cfg.Store.MarkDelivered(ctx, e.ID, r.cfg.Now()); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, e repo.OutboxEntry) error {
	// Admin entries have no device audience; the row itself is the record.
	if e.Category == CategoryAdmin {
		return nil
	}

	users, err := r.recipients(ctx, e)
	if err != nil {
		return err
	}

	var tokens []string
	for _, u := range users {
		t, err := r.cfg.Tokens.Tokens(ctx, u)
		if err != nil {
			return err
		}
		tokens = append(tokens, t...)
	}
	if len(tokens) == 0 {
		return ErrNoRecipients
	}

	title, body := messageText(e)
	data := map[string]string{
		"event":     e.Event,
		"record_id": e.RecordID,
		"table":     e.TableName,
	}

	var lastErr error
	sent := 0
	for _, t := range tokens {
		if err := r.cfg.Pusher.Push(ctx, t, title, body, data); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return lastErr
	}
	return nil
}

func (r *Relay) recipients(ctx context.Context, e repo.OutboxEntry) ([]string, error) {
	if id := payloadString(e.Payload, PayloadUserID); id != "" {
		return []string{id}, nil
	}
	if id := payloadString(e.Payload, PayloadPartnerID); id != "" && r.cfg.Members != nil {
		return r.cfg.Members.MemberIDs(ctx, id)
	}
	return nil, nil
}

func messageText(e repo.OutboxEntry) (string, string) {
	title := payloadString(e.Payload, PayloadTitle)
	body := payloadString(e.Payload, PayloadBody)
	if title != "" {
		return title, body
	}
	switch e.Event {
	case EventPaymentReceived:
		return "Payment received", "Your payment was received."
	case EventPaymentFailed:
		return "Payment failed", "Your payment could not be processed."
	case EventRefundProcessed:
		return "Refund processed", "Your refund has been processed."
	case EventFulfillmentPending:
		return "New request", "A new request is waiting for your acceptance."
	case EventDepositRequested:
		return "Deposit requested", "Pay the deposit to receive the customer contact."
	case EventDepositPaid:
		return "Deposit paid", "The deposit was paid."
	case EventOrderConfirmed:
		return "Order confirmed", "All partners accepted your order."
	}
	return e.Event, body
}

func payloadString(p map[string]interface{}, key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// FCMPusher sends pushes through Firebase Cloud Messaging.
type FCMPusher struct {
	Client *messaging.Client
	Logger *slog.Logger
}

// NewFCMPusher wraps a messaging client.
func NewFCMPusher(client *messaging.Client, logger *slog.Logger) *FCMPusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FCMPusher{Client: client, Logger: logger}
}

// Push sends one high priority notification.
func (p *FCMPusher) Push(ctx context.Context, token, title, body string, data map[string]string) error {
	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: title,
						Body:  body,
					},
					Sound: "default",
				},
			},
		},
	}

	id, err := p.Client.Send(ctx, message)
	if err != nil {
		return err
	}
	p.Logger.Debug("fcm message sent", "message_id", id)
	return nil
}
