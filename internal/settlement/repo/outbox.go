package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// OutboxRepo is the dedupe-keyed notification queue.
type OutboxRepo struct {
	c *Conn
}

// NewOutboxRepo constructs an OutboxRepo.
func NewOutboxRepo(c *Conn) *OutboxRepo {
	return &OutboxRepo{c: c}
}

// Enqueue stores a notification. A duplicate dedupe key is a no-op.
func (r *OutboxRepo) Enqueue(ctx context.Context, e OutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	err = r.c.insert(ctx, `INSERT INTO notification_outbox (id, category, event, record_id, table_name, payload, dedupe_key, attempts, created_at) VALUES (?,?,?,?,?,?,?,0,?)`,
		e.ID, e.Category, e.Event, e.RecordID, e.TableName, payload, e.DedupeKey, e.CreatedAt)
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

// Pending lists undelivered entries below the attempt limit, oldest first.
func (r *OutboxRepo) Pending(ctx context.Context, limit, maxAttempts int) ([]OutboxEntry, error) {
	rows, err := r.c.query(ctx, `SELECT id, category, event, record_id, table_name, payload, dedupe_key, attempts, last_error, delivered_at, created_at
		FROM notification_outbox WHERE delivered_at IS NULL AND attempts < ? ORDER BY created_at LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Category, &e.Event, &e.RecordID, &e.TableName, &payload, &e.DedupeKey, &e.Attempts, &e.LastError, &e.DeliveredAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered stamps a delivered entry.
func (r *OutboxRepo) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	_, err := r.c.exec(ctx, `UPDATE notification_outbox SET delivered_at = ?, attempts = attempts + 1 WHERE id = ? AND delivered_at IS NULL`, now, id)
	return err
}

// MarkFailed records a failed delivery attempt.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.c.exec(ctx, `UPDATE notification_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, reason, id)
	return err
}

// DeviceTokensRepo lists push tokens of users.
type DeviceTokensRepo struct {
	c *Conn
}

// NewDeviceTokensRepo constructs a DeviceTokensRepo.
func NewDeviceTokensRepo(c *Conn) *DeviceTokensRepo {
	return &DeviceTokensRepo{c: c}
}

// Tokens returns the device tokens registered for a user.
func (r *DeviceTokensRepo) Tokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.c.query(ctx, `SELECT token FROM notify_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
