// Package balance maintains the authoritative pending balance in Redis.
// Deduct and Add are Lua scripts so each is one atomic step against the cache
// no matter how many gateways and workers race on the same user.
package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

const keyPrefix = "balance:"

// Script sentinels. Balances are stored as fixed two-decimal strings and the
// scripts do their arithmetic on Lua numbers, which is exact for the value
// range a two-decimal balance can take.
const (
	sentinelNotFound     = "NOT_FOUND"
	sentinelInsufficient = "INSUFFICIENT"
)

var deductScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return "NOT_FOUND"
end
if tonumber(current) < tonumber(ARGV[1]) then
	return "INSUFFICIENT"
end
local new = tonumber(current) - tonumber(ARGV[1])
redis.call("SET", KEYS[1], string.format("%.2f", new))
return string.format("%.2f", new)
`)

var addScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return "NOT_FOUND"
end
local new = tonumber(current) + tonumber(ARGV[1])
redis.call("SET", KEYS[1], string.format("%.2f", new))
return string.format("%.2f", new)
`)

// Cache implements payout.BalanceCache over a Redis client.
type Cache struct {
	rdb *redis.Client
	log *zap.Logger
}

// New creates a Cache.
func New(rdb *redis.Client, log *zap.Logger) *Cache {
	return &Cache{rdb: rdb, log: log.Named("balance")}
}

// Get returns the cached balance, or payout.ErrBalanceMissing on a cold cache.
func (c *Cache) Get(ctx context.Context, userID string) (decimal.Decimal, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, payout.ErrBalanceMissing
	}
	if err != nil {
		return decimal.Zero, payout.WrapError(payout.ErrCodeCacheError, "balance read failed", err)
	}
	return parseBalance(val)
}

// Set unconditionally seeds the balance. Used only on cold-miss rehydration.
func (c *Cache) Set(ctx context.Context, userID string, value decimal.Decimal) error {
	if err := c.rdb.Set(ctx, keyPrefix+userID, value.StringFixed(2), 0).Err(); err != nil {
		return payout.WrapError(payout.ErrCodeCacheError, "balance seed failed", err)
	}
	return nil
}

// Deduct atomically subtracts amount from the cached balance. The script's
// return value is the only source of truth: NOT_FOUND and INSUFFICIENT come
// back as sentinel errors with nothing mutated, anything else is the new
// balance. Never produces a negative balance.
func (c *Cache) Deduct(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	res, err := deductScript.Run(ctx, c.rdb, []string{keyPrefix + userID}, amount.StringFixed(2)).Text()
	if err != nil {
		return decimal.Zero, payout.WrapError(payout.ErrCodeCacheError, "balance deduct failed", err)
	}
	switch res {
	case sentinelNotFound:
		return decimal.Zero, payout.ErrBalanceMissing
	case sentinelInsufficient:
		return decimal.Zero, payout.ErrInsufficientFunds
	}
	newBalance, err := parseBalance(res)
	if err != nil {
		return decimal.Zero, err
	}
	c.log.Debug("balance deducted",
		zap.String("user_id", userID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("new_balance", newBalance.StringFixed(2)))
	return newBalance, nil
}

// Add atomically credits amount back to the cached balance. Used by the worker
// rollback path after a deduction whose settlement could not complete.
func (c *Cache) Add(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	res, err := addScript.Run(ctx, c.rdb, []string{keyPrefix + userID}, amount.StringFixed(2)).Text()
	if err != nil {
		return decimal.Zero, payout.WrapError(payout.ErrCodeCacheError, "balance credit failed", err)
	}
	if res == sentinelNotFound {
		return decimal.Zero, payout.ErrBalanceMissing
	}
	return parseBalance(res)
}

// HasSufficient is an advisory, non-atomic pre-check. Admission uses it to
// fail fast; only Deduct's own check decides whether money moves.
func (c *Cache) HasSufficient(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	current, err := c.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return current.GreaterThanOrEqual(amount), nil
}

func parseBalance(val string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, payout.WrapError(payout.ErrCodeCacheError,
			fmt.Sprintf("corrupt cached balance %q", val), err)
	}
	return d, nil
}

var _ payout.BalanceCache = (*Cache)(nil)
