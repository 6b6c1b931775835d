package llmbroker

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HealthState describes the observed reachability of a server's endpoint.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthPolicy tunes when an endpoint is taken out of selection and how
// long it stays out.
type HealthPolicy struct {
	// FailureThreshold consecutive unreachable dispatches within
	// FailureWindow mark the endpoint unhealthy.
	FailureThreshold int
	FailureWindow    time.Duration

	// Cooldown is the first unhealthy period. Each failed trial request after it
	// doubles the period, up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultHealthPolicy takes an endpoint out after two failed dispatches in a
// minute and tries it again after 10s, backing off to 5m while it stays down.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		FailureThreshold: 2,
		FailureWindow:    time.Minute,
		Cooldown:         10 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

// HealthTracker keeps a circuit breaker per server endpoint. An unhealthy
// endpoint becomes half-open once its cooldown passes: the next dispatch is
// a trial, and a failed trial reopens the breaker with a longer cooldown.
// It only influences SelectServer; it never retries anything.
type HealthTracker struct {
	mu      sync.Mutex
	policy  HealthPolicy
	servers map[common.Address]*serverHealth
	now     func() time.Time
}

type serverHealth struct {
	state       HealthState
	streak      int       // consecutive failures
	streakStart time.Time // first failure of the streak
	trips       int       // consecutive openings without a success
	reopensAt   time.Time
}

// NewHealthTracker creates a HealthTracker with DefaultHealthPolicy.
func NewHealthTracker() *HealthTracker {
	return NewHealthTrackerWithPolicy(DefaultHealthPolicy())
}

// NewHealthTrackerWithPolicy creates a HealthTracker. Zero fields of p fall
// back to DefaultHealthPolicy.
func NewHealthTrackerWithPolicy(p HealthPolicy) *HealthTracker {
	def := DefaultHealthPolicy()
	if p.FailureThreshold < 1 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.FailureWindow <= 0 {
		p.FailureWindow = def.FailureWindow
	}
	if p.Cooldown <= 0 {
		p.Cooldown = def.Cooldown
	}
	if p.MaxCooldown < p.Cooldown {
		p.MaxCooldown = p.Cooldown
	}
	return &HealthTracker{
		policy:  p,
		servers: make(map[common.Address]*serverHealth),
		now:     time.Now,
	}
}

// GetHealth returns the current health state for a server.
func (h *HealthTracker) GetHealth(server common.Address) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh, ok := h.servers[server]
	if !ok {
		return HealthHealthy
	}
	if sh.state == HealthUnhealthy && !h.now().Before(sh.reopensAt) {
		sh.state = HealthHalfOpen
	}
	return sh.state
}

// RecordSuccess records a dispatch the endpoint answered.
func (h *HealthTracker) RecordSuccess(server common.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.servers, server)
}

// RecordFailure records a dispatch that could not reach the endpoint.
func (h *HealthTracker) RecordFailure(server common.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	sh, ok := h.servers[server]
	if !ok {
		sh = &serverHealth{state: HealthHealthy}
		h.servers[server] = sh
	}

	switch sh.state {
	case HealthUnhealthy:
		if now.Before(sh.reopensAt) {
			return
		}
		// Cooldown passed without GetHealth; treat this as the trial.
		h.open(sh, now)
	case HealthHalfOpen:
		h.open(sh, now)
	default:
		if sh.streak == 0 || now.Sub(sh.streakStart) > h.policy.FailureWindow {
			sh.streak = 0
			sh.streakStart = now
		}
		sh.streak++
		if sh.streak >= h.policy.FailureThreshold {
			h.open(sh, now)
		}
	}
}

func (h *HealthTracker) open(sh *serverHealth, now time.Time) {
	cooldown := h.policy.Cooldown
	for i := 0; i < sh.trips && cooldown < h.policy.MaxCooldown; i++ {
		cooldown *= 2
	}
	cooldown = min(cooldown, h.policy.MaxCooldown)

	sh.trips++
	sh.state = HealthUnhealthy
	sh.streak = 0
	sh.reopensAt = now.Add(cooldown)
}
