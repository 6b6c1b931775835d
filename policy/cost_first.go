package policy

import (
	"sort"

	"github.com/ineyio/llmbroker"
)

// DoubledOutputCost orders candidates by 2 × outputTokenCost ascending, the
// directory's own ordering. Ties keep directory order.
type DoubledOutputCost struct{}

var _ llmbroker.Policy = (*DoubledOutputCost)(nil)

// Select orders candidates cheapest first.
func (p *DoubledOutputCost) Select(candidates []llmbroker.Candidate) []llmbroker.Candidate {
	result := make([]llmbroker.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		return llmbroker.SelectionCost(result[i].Listing).Cmp(llmbroker.SelectionCost(result[j].Listing)) < 0
	})

	return result
}

// Blended orders candidates by (in + 2*out)/3 ascending, so input pricing
// also counts. Ties keep directory order.
type Blended struct{}

var _ llmbroker.Policy = (*Blended)(nil)

// Select orders candidates by blended cost.
func (p *Blended) Select(candidates []llmbroker.Candidate) []llmbroker.Candidate {
	result := make([]llmbroker.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		return llmbroker.BlendedCost(result[i].Listing).Cmp(llmbroker.BlendedCost(result[j].Listing)) < 0
	})

	return result
}
