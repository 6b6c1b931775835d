package llmbroker

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// IdempotencyGuard deduplicates non-idempotent ledger writes such as
// CreateAgreement. A caller claims a key before submitting, completes it with
// the resulting agreement address, and releases it only when the write was
// rejected before submission.
type IdempotencyGuard interface {
	// Claim reserves key. If key was claimed before, the existing claim is
	// returned with Existing set and the caller must not submit again.
	Claim(ctx context.Context, key string) (Claim, error)

	// Complete records the agreement created under key.
	Complete(ctx context.Context, key string, agreement common.Address) error

	// Release forgets key so it can be claimed again.
	Release(ctx context.Context, key string) error
}

// Claim is the state of an idempotency key.
type Claim struct {
	Key       string
	Existing  bool
	Agreement common.Address // zero while the write is pending or its outcome unknown
}

// Completed reports whether the claimed write finished with a known agreement.
func (c Claim) Completed() bool {
	return c.Agreement != (common.Address{})
}

// noopGuard allows every write and remembers nothing.
type noopGuard struct{}

func (g *noopGuard) Claim(_ context.Context, key string) (Claim, error) {
	return Claim{Key: key}, nil
}
func (g *noopGuard) Complete(context.Context, string, common.Address) error { return nil }
func (g *noopGuard) Release(context.Context, string) error                  { return nil }
