package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "idempotency:v1:"
	inProgressMarker = "__in_progress__"
)

// ErrInFlight indicates the key is reserved by a request that has not bound a
// transaction reference yet.
var ErrInFlight = errors.New("duplicate request currently processing")

// Reservation is the outcome of Reserve. Fresh means the caller owns the key
// and must Bind it to the created transaction reference (or Release it if it
// aborts before any side effect). Otherwise Reference holds the transaction
// the key was previously bound to.
type Reservation struct {
	Fresh     bool
	Reference string
}

// Guard maps client-supplied idempotency keys to purchase references in
// Redis, preventing duplicate debits on client retries. Keys expire after the
// configured window; expiry never invalidates a completed purchase, it only
// stops replay detection.
type Guard struct {
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewGuard builds a guard over the Redis client.
func NewGuard(cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Guard {
	return &Guard{cache: cache, ttl: ttl, logger: logger}
}

// Reserve claims the key or reports the prior reservation.
func (g *Guard) Reserve(ctx context.Context, key string) (Reservation, error) {
	cacheKey := keyPrefix + key

	val, err := g.cache.Get(ctx, cacheKey).Result()
	if err == nil {
		if val == inProgressMarker {
			return Reservation{}, ErrInFlight
		}
		return Reservation{Reference: val}, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Reservation{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	ok, err := g.cache.SetNX(ctx, cacheKey, inProgressMarker, g.ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency reservation: %w", err)
	}
	if !ok {
		// another request claimed the key between Get and SetNX
		return Reservation{}, ErrInFlight
	}
	return Reservation{Fresh: true}, nil
}

// Bind records the purchase reference the key maps to. Called after the debit
// has been committed; a failure here only degrades replay detection, so the
// caller logs and continues.
func (g *Guard) Bind(ctx context.Context, key, reference string) error {
	if err := g.cache.Set(ctx, keyPrefix+key, reference, g.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency bind: %w", err)
	}
	return nil
}

// Release drops an unbound reservation so the client may retry after a
// failure that produced no side effect.
func (g *Guard) Release(ctx context.Context, key string) {
	if err := g.cache.Del(ctx, keyPrefix+key).Err(); err != nil && g.logger != nil {
		g.logger.Warn("idempotency release failed", "key", key, "error", err)
	}
}
