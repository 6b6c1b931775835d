package llmbroker

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SpendTracker records the debits this client has observed per agreement.
// It is a local view for reconciliation; the ledger stays the system of record.
type SpendTracker struct {
	mu         sync.Mutex
	agreements map[common.Address]*agreementSpend
}

type agreementSpend struct {
	deposited *big.Int
	lastSeen  *big.Int // remaining balance at the last observation
	spent     *big.Int
}

// NewSpendTracker creates a new SpendTracker.
func NewSpendTracker() *SpendTracker {
	return &SpendTracker{
		agreements: make(map[common.Address]*agreementSpend),
	}
}

// Track starts tracking an agreement with a known deposit.
func (s *SpendTracker) Track(agreement common.Address, deposited *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agreements[agreement] = &agreementSpend{
		deposited: cloneInt(deposited),
		lastSeen:  cloneInt(deposited),
		spent:     new(big.Int),
	}
}

// Observe records a fresh remaining balance and returns the debit since the
// previous observation. The first observation of an untracked agreement
// establishes a baseline and returns zero.
func (s *SpendTracker) Observe(agreement common.Address, remaining *big.Int) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.agreements[agreement]
	if !ok {
		s.agreements[agreement] = &agreementSpend{
			lastSeen: cloneInt(remaining),
			spent:    new(big.Int),
		}
		return new(big.Int)
	}

	debit := new(big.Int).Sub(as.lastSeen, remaining)
	if debit.Sign() < 0 {
		// Balance went up; nothing this tracker can attribute as spend.
		debit.SetInt64(0)
	}
	as.spent.Add(as.spent, debit)
	as.lastSeen = cloneInt(remaining)
	return debit
}

// Spent returns the cumulative debit observed for an agreement.
func (s *SpendTracker) Spent(agreement common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.agreements[agreement]
	if !ok {
		return new(big.Int)
	}
	return cloneInt(as.spent)
}

// Deposited returns the deposit recorded by Track, or nil if unknown.
func (s *SpendTracker) Deposited(agreement common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.agreements[agreement]
	if !ok || as.deposited == nil {
		return nil
	}
	return cloneInt(as.deposited)
}
