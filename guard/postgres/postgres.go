// Package postgres provides a PostgreSQL-backed IdempotencyGuard for llmbroker.
//
// Claims are rows keyed by idempotency key, so they survive restarts and are
// shared by every client process using the same database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/llmbroker"
)

// Guard is a PostgreSQL-backed IdempotencyGuard.
type Guard struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ llmbroker.IdempotencyGuard = (*Guard)(nil)

// Option configures Guard.
type Option func(*Guard)

// WithTablePrefix sets the table name prefix (default "llmbroker_").
func WithTablePrefix(prefix string) Option {
	return func(g *Guard) { g.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed guard.
func New(pool *pgxpool.Pool, opts ...Option) *Guard {
	g := &Guard{
		pool:        pool,
		tablePrefix: "llmbroker_",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) claimsTable() string { return g.tablePrefix + "agreement_claims" }

// EnsureSchema creates the required table if it doesn't exist.
func (g *Guard) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			agreement TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, g.claimsTable())
	if _, err := g.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("llmbroker/postgres: ensure schema: %w", err)
	}
	return nil
}

// Claim reserves key, or reports the existing claim.
func (g *Guard) Claim(ctx context.Context, key string) (llmbroker.Claim, error) {
	var inserted bool
	err := g.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING RETURNING true`, g.claimsTable()),
		key,
	).Scan(&inserted)
	if err == nil {
		return llmbroker.Claim{Key: key}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return llmbroker.Claim{}, fmt.Errorf("llmbroker/postgres: claim: %w", err)
	}

	var agreement string
	err = g.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT agreement FROM %s WHERE key = $1`, g.claimsTable()),
		key,
	).Scan(&agreement)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the insert and the select; report as pending.
		return llmbroker.Claim{Key: key, Existing: true}, nil
	}
	if err != nil {
		return llmbroker.Claim{}, fmt.Errorf("llmbroker/postgres: read claim: %w", err)
	}

	c := llmbroker.Claim{Key: key, Existing: true}
	if agreement != "" {
		c.Agreement = common.HexToAddress(agreement)
	}
	return c, nil
}

// Complete records the agreement created under key.
func (g *Guard) Complete(ctx context.Context, key string, agreement common.Address) error {
	_, err := g.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, agreement) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET agreement = $2`, g.claimsTable()),
		key, agreement.Hex(),
	)
	if err != nil {
		return fmt.Errorf("llmbroker/postgres: complete: %w", err)
	}
	return nil
}

// Release forgets key.
func (g *Guard) Release(ctx context.Context, key string) error {
	_, err := g.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, g.claimsTable()),
		key,
	)
	if err != nil {
		return fmt.Errorf("llmbroker/postgres: release: %w", err)
	}
	return nil
}

// Cleanup removes claims older than olderThan.
func (g *Guard) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := g.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, g.claimsTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("llmbroker/postgres: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
