package llmbroker

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Policy selects and orders candidate servers for a model.
type Policy interface {
	// Select orders candidates by priority. Returns ordered slice (highest priority first).
	Select(candidates []Candidate) []Candidate
}

// Candidate is a server that could serve a request, annotated with the
// client's relationship to it.
type Candidate struct {
	Listing   ServerListing
	Agreement common.Address // zero if the client holds no agreement
	Remaining *big.Int       // remaining escrow of Agreement, nil if none
	Health    HealthState
}

// HasFundedAgreement reports whether the client already escrows funds with this server.
func (c Candidate) HasFundedAgreement() bool {
	return c.Agreement != (common.Address{}) && c.Remaining != nil && c.Remaining.Sign() > 0
}

// SelectionCost is the directory ordering metric: 2 × outputTokenCost.
// Input cost does not participate.
func SelectionCost(l ServerListing) *big.Int {
	out := cloneInt(l.OutputTokenCost)
	return out.Add(out, out)
}

// BlendedCost weights input and output cost assuming a ~3:1 input:output
// token ratio: (in + 2*out) / 3.
func BlendedCost(l ServerListing) *big.Int {
	out := cloneInt(l.OutputTokenCost)
	out.Lsh(out, 1)
	out.Add(out, cloneInt(l.InputTokenCost))
	return out.Quo(out, big.NewInt(3))
}

// SortByDoubledOutputCost returns a copy of listings stably sorted ascending
// by SelectionCost. Ties keep directory order.
func SortByDoubledOutputCost(listings []ServerListing) []ServerListing {
	result := make([]ServerListing, len(listings))
	copy(result, listings)

	sort.SliceStable(result, func(i, j int) bool {
		return SelectionCost(result[i]).Cmp(SelectionCost(result[j])) < 0
	})

	return result
}

// defaultCostPolicy orders by SelectionCost; inline to avoid import cycles.
type defaultCostPolicy struct{}

func (p *defaultCostPolicy) Select(candidates []Candidate) []Candidate {
	result := make([]Candidate, len(candidates))
	copy(result, candidates)
	sort.SliceStable(result, func(i, j int) bool {
		return SelectionCost(result[i].Listing).Cmp(SelectionCost(result[j].Listing)) < 0
	})
	return result
}
