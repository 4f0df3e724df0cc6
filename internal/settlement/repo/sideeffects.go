package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// AuditRepo writes the payment and fulfillment history log.
type AuditRepo struct {
	c *Conn
}

// NewAuditRepo constructs an AuditRepo.
func NewAuditRepo(c *Conn) *AuditRepo {
	return &AuditRepo{c: c}
}

// Record inserts one audit row.
func (r *AuditRepo) Record(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx, `INSERT INTO audit_log (id, entity, entity_id, action, actor_id, detail, created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Entity, e.EntityID, e.Action, nullString(e.ActorID), detail, e.CreatedAt)
	return err
}

// RewardsRepo awards loyalty XP.
type RewardsRepo struct {
	c *Conn
}

// NewRewardsRepo constructs a RewardsRepo.
func NewRewardsRepo(c *Conn) *RewardsRepo {
	return &RewardsRepo{c: c}
}

// AwardPurchaseXP credits points for a purchase once per source.
func (r *RewardsRepo) AwardPurchaseXP(ctx context.Context, userID, sourceID string, points int) error {
	if userID == "" || points <= 0 {
		return nil
	}
	err := r.c.insert(ctx, `INSERT INTO xp_events (id, user_id, source_id, points, created_at) VALUES (?,?,?,?,?)`,
		uuid.NewString(), userID, sourceID, points, time.Now().UTC())
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.c.exec(ctx, `UPDATE users SET xp = xp + ? WHERE id = ?`, points, userID)
	return err
}

// DiscountsRepo records discount usage.
type DiscountsRepo struct {
	c *Conn
}

// NewDiscountsRepo constructs a DiscountsRepo.
func NewDiscountsRepo(c *Conn) *DiscountsRepo {
	return &DiscountsRepo{c: c}
}

// RecordUsage inserts the usage row. It reports false when the usage already exists.
func (r *DiscountsRepo) RecordUsage(ctx context.Context, discountID, userID, orderID string, amount float64) (bool, error) {
	err := r.c.insert(ctx, `INSERT INTO discount_usages (id, discount_id, user_id, order_id, amount, created_at) VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), discountID, userID, orderID, amount, time.Now().UTC())
	if errors.Is(err, ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IncrementUsage bumps the usage counter of a discount.
func (r *DiscountsRepo) IncrementUsage(ctx context.Context, discountID string) error {
	_, err := r.c.exec(ctx, `UPDATE discounts SET used_count = used_count + 1 WHERE id = ?`, discountID)
	return err
}

// InventoryRepo adjusts product stock.
type InventoryRepo struct {
	c *Conn
}

// NewInventoryRepo constructs an InventoryRepo.
func NewInventoryRepo(c *Conn) *InventoryRepo {
	return &InventoryRepo{c: c}
}

// Decrement removes sold units, never going below zero.
func (r *InventoryRepo) Decrement(ctx context.Context, productID string, qty int) error {
	_, err := r.c.exec(ctx, `UPDATE products SET stock = CASE WHEN stock >= ? THEN stock - ? ELSE 0 END WHERE id = ?`, qty, qty, productID)
	return err
}

// Restore returns reserved units to stock.
func (r *InventoryRepo) Restore(ctx context.Context, productID string, qty int) error {
	_, err := r.c.exec(ctx, `UPDATE products SET stock = stock + ? WHERE id = ?`, qty, productID)
	return err
}

// CartsRepo manages shopping carts.
type CartsRepo struct {
	c *Conn
}

// NewCartsRepo constructs a CartsRepo.
func NewCartsRepo(c *Conn) *CartsRepo {
	return &CartsRepo{c: c}
}

// Clear empties the cart of a user.
func (r *CartsRepo) Clear(ctx context.Context, userID string) error {
	_, err := r.c.exec(ctx, `DELETE FROM cart_items WHERE user_id = ?`, userID)
	return err
}
