package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RuleSource is the uncached rule lookup.
type RuleSource interface {
	Rule(ctx context.Context, rt ResourceType) (DepositRule, error)
	Override(ctx context.Context, rt ResourceType, resourceID string) (DepositRule, error)
}

// missingMarker is cached for lookups that matched nothing.
const missingMarker = "-"

// RuleCache is a read-through Redis cache in front of deposit rules. Entries
// expire after ttl, so configuration fixes are picked up without a restart.
// Cache failures fall back to the source.
type RuleCache struct {
	rdb    *redis.Client
	source RuleSource
	ttl    time.Duration
}

// NewRuleCache constructs a RuleCache. A nil client disables caching.
func NewRuleCache(rdb *redis.Client, source RuleSource, ttl time.Duration) *RuleCache {
	return &RuleCache{rdb: rdb, source: source, ttl: ttl}
}

func ruleKey(rt ResourceType) string {
	return fmt.Sprintf("deposit:rule:%s", rt)
}

func overrideKey(rt ResourceType, resourceID string) string {
	return fmt.Sprintf("deposit:override:%s:%s", rt, resourceID)
}

// Rule returns the resource-type wide rule.
func (c *RuleCache) Rule(ctx context.Context, rt ResourceType) (DepositRule, error) {
	return c.lookup(ctx, ruleKey(rt), func() (DepositRule, error) {
		return c.source.Rule(ctx, rt)
	})
}

// Override returns the per-resource override.
func (c *RuleCache) Override(ctx context.Context, rt ResourceType, resourceID string) (DepositRule, error) {
	return c.lookup(ctx, overrideKey(rt, resourceID), func() (DepositRule, error) {
		return c.source.Override(ctx, rt, resourceID)
	})
}

func (c *RuleCache) lookup(ctx context.Context, key string, load func() (DepositRule, error)) (DepositRule, error) {
	if c.rdb == nil || c.ttl <= 0 {
		return load()
	}

	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		if raw == missingMarker {
			return DepositRule{}, ErrNotFound
		}
		var rule DepositRule
		if jsonErr := json.Unmarshal([]byte(raw), &rule); jsonErr == nil {
			return rule, nil
		}
	}

	rule, err := load()
	switch {
	case errors.Is(err, ErrNotFound):
		_ = c.rdb.Set(ctx, key, missingMarker, c.ttl).Err()
		return DepositRule{}, err
	case err != nil:
		return DepositRule{}, err
	}
	if data, jsonErr := json.Marshal(rule); jsonErr == nil {
		_ = c.rdb.Set(ctx, key, data, c.ttl).Err()
	}
	return rule, nil
}
