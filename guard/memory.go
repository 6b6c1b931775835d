// Package guard provides IdempotencyGuard implementations.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ineyio/llmbroker"
)

// DefaultTTL is how long a claimed key is remembered.
const DefaultTTL = 24 * time.Hour

// MemoryGuard is an in-process IdempotencyGuard. Claims are lost on restart;
// use the redis or postgres guards to share claims between processes.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]*claim
	ttl    time.Duration
	now    func() time.Time
}

type claim struct {
	agreement common.Address
	expiresAt time.Time
}

var _ llmbroker.IdempotencyGuard = (*MemoryGuard)(nil)

// NewMemoryGuard creates a MemoryGuard. A ttl of zero uses DefaultTTL.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{
		claims: make(map[string]*claim),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Claim reserves key, or reports the existing claim.
func (g *MemoryGuard) Claim(_ context.Context, key string) (llmbroker.Claim, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if c, ok := g.claims[key]; ok && now.Before(c.expiresAt) {
		return llmbroker.Claim{Key: key, Existing: true, Agreement: c.agreement}, nil
	}

	g.claims[key] = &claim{expiresAt: now.Add(g.ttl)}
	return llmbroker.Claim{Key: key}, nil
}

// Complete records the agreement created under key.
func (g *MemoryGuard) Complete(_ context.Context, key string, agreement common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.claims[key]
	if !ok {
		c = &claim{expiresAt: g.now().Add(g.ttl)}
		g.claims[key] = c
	}
	c.agreement = agreement
	return nil
}

// Release forgets key.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.claims, key)
	return nil
}
