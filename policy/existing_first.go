package policy

import (
	"sort"

	"github.com/ineyio/llmbroker"
)

// ExistingAgreementFirst prefers servers the client already escrows funds with
// (most remaining first), then the rest by 2 × outputTokenCost ascending.
// Reusing escrow avoids opening a second agreement with the same server.
type ExistingAgreementFirst struct{}

var _ llmbroker.Policy = (*ExistingAgreementFirst)(nil)

// Select orders candidates: funded first (most remaining), then cheapest.
func (p *ExistingAgreementFirst) Select(candidates []llmbroker.Candidate) []llmbroker.Candidate {
	result := make([]llmbroker.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]

		fi, fj := ci.HasFundedAgreement(), cj.HasFundedAgreement()
		if fi != fj {
			return fi
		}

		if fi {
			return ci.Remaining.Cmp(cj.Remaining) > 0
		}

		return llmbroker.SelectionCost(ci.Listing).Cmp(llmbroker.SelectionCost(cj.Listing)) < 0
	})

	return result
}
