// Package redis provides a Redis-backed IdempotencyGuard for llmbroker.
//
// Claims are plain string keys written with SET NX, so several client
// processes sharing one wallet cannot open duplicate agreements under the
// same idempotency key.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/llmbroker"
)

const pendingValue = "pending"

// Guard is a Redis-backed IdempotencyGuard.
type Guard struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ llmbroker.IdempotencyGuard = (*Guard)(nil)

// Option configures Guard.
type Option func(*Guard)

// WithKeyPrefix sets the Redis key prefix (default "llmbroker:idem:").
func WithKeyPrefix(prefix string) Option {
	return func(g *Guard) { g.keyPrefix = prefix }
}

// WithTTL sets how long claims are kept (default 24h).
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

// New creates a new Redis-backed guard.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Guard {
	g := &Guard{
		client:    client,
		keyPrefix: "llmbroker:idem:",
		ttl:       24 * time.Hour,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) key(k string) string {
	return g.keyPrefix + k
}

// ttlMillis is the claim lifetime in milliseconds. Redis rejects a zero
// expiry, so anything shorter than a millisecond is rounded up to one.
func (g *Guard) ttlMillis() int64 {
	ms := g.ttl.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

// claimScript atomically claims a key or returns its current value.
// KEYS[1] = idempotency key
// ARGV[1] = pending marker
// ARGV[2] = ttl (milliseconds)
//
// Returns "" when the key was newly claimed, otherwise the stored value.
var claimScript = goredis.NewScript(`
local set = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", tonumber(ARGV[2]))
if set then
    return ""
end
return redis.call("GET", KEYS[1]) or ""
`)

// Claim reserves key, or reports the existing claim.
func (g *Guard) Claim(ctx context.Context, key string) (llmbroker.Claim, error) {
	val, err := claimScript.Run(ctx, g.client,
		[]string{g.key(key)},
		pendingValue, g.ttlMillis(),
	).Text()
	if err != nil {
		return llmbroker.Claim{}, fmt.Errorf("llmbroker/redis: claim: %w", err)
	}

	switch {
	case val == "":
		return llmbroker.Claim{Key: key}, nil
	case val == pendingValue:
		return llmbroker.Claim{Key: key, Existing: true}, nil
	case common.IsHexAddress(val):
		return llmbroker.Claim{Key: key, Existing: true, Agreement: common.HexToAddress(val)}, nil
	default:
		return llmbroker.Claim{}, fmt.Errorf("llmbroker/redis: unexpected claim value %q", val)
	}
}

// Complete records the agreement created under key.
func (g *Guard) Complete(ctx context.Context, key string, agreement common.Address) error {
	ttl := time.Duration(g.ttlMillis()) * time.Millisecond
	if err := g.client.Set(ctx, g.key(key), agreement.Hex(), ttl).Err(); err != nil {
		return fmt.Errorf("llmbroker/redis: complete: %w", err)
	}
	return nil
}

// Release forgets key.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.key(key)).Err(); err != nil {
		return fmt.Errorf("llmbroker/redis: release: %w", err)
	}
	return nil
}
