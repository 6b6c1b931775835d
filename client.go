package llmbroker

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// Client discovers servers, manages escrow agreements and dispatches signed
// requests for one wallet. All state of record lives in the ledger; the
// client keeps only advisory views (health, observed spend).
type Client struct {
	cfg       Config
	ledger    Ledger
	endpoints map[common.Address]Endpoint
	policy    Policy
	meter     Meter
	health    *HealthTracker
	guard     IdempotencyGuard
	spend     *SpendTracker
	limiter   *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy sets the server selection policy used by SelectServer.
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(c *Client) { c.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(c *Client) { c.health = h }
}

// WithGuard sets the idempotency guard used by OpenAgreement.
func WithGuard(g IdempotencyGuard) Option {
	return func(c *Client) { c.guard = g }
}

// WithSpendTracker sets the tracker Reconcile records debits in.
func WithSpendTracker(s *SpendTracker) Option {
	return func(c *Client) { c.spend = s }
}

// WithReadLimiter throttles ledger reads issued by directory queries.
func WithReadLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithEndpoint attaches the inference endpoint of a server.
func WithEndpoint(server common.Address, ep Endpoint) Option {
	return func(c *Client) { c.endpoints[server] = ep }
}

// NewClient creates a new Client bound to ledger's identity.
// Default components (cost-ordered policy, no-op guard and meter) are used
// unless overridden via options.
func NewClient(cfg Config, ledger Ledger, opts ...Option) (*Client, error) {
	if ledger == nil {
		return nil, fmt.Errorf("llmbroker: a ledger is required")
	}

	c := &Client{
		cfg:       cfg,
		ledger:    ledger,
		endpoints: make(map[common.Address]Endpoint),
		health:    NewHealthTracker(),
		spend:     NewSpendTracker(),
	}

	if cfg.Ledger.MaxReadsPerSec > 0 {
		burst := int(cfg.Ledger.MaxReadsPerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Ledger.MaxReadsPerSec), burst)
	}

	for _, opt := range opts {
		opt(c)
	}

	// Apply defaults after options.
	if c.policy == nil {
		c.policy = &defaultCostPolicy{}
	}
	if c.guard == nil {
		c.guard = &noopGuard{}
	}
	if c.meter == nil {
		c.meter = &noopMeter{}
	}

	return c, nil
}

// Account returns the wallet the client acts as.
func (c *Client) Account() common.Address {
	return c.ledger.Account()
}

// Ledger returns the underlying ledger gateway.
func (c *Client) Ledger() Ledger {
	return c.ledger
}

// Endpoint returns the inference endpoint attached for server.
func (c *Client) Endpoint(server common.Address) (Endpoint, bool) {
	ep, ok := c.endpoints[server]
	return ep, ok
}

// serverFor finds the server an endpoint was attached for.
func (c *Client) serverFor(ep Endpoint) (common.Address, bool) {
	for server, e := range c.endpoints {
		if e == ep || e.URL() == ep.URL() {
			return server, true
		}
	}
	return common.Address{}, false
}

// waitRead blocks until the read limiter admits one more ledger read.
func (c *Client) waitRead(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnSelect(SelectEvent)           {}
func (m *noopMeter) OnDispatch(DispatchEvent)       {}
func (m *noopMeter) OnResult(ResultEvent)           {}
func (m *noopMeter) OnLedgerWrite(LedgerWriteEvent) {}
