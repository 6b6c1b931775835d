package llmbroker

import "context"

// buildCandidates annotates every listing for model with endpoint health and
// the client's current agreement, if any.
func (c *Client) buildCandidates(ctx context.Context, model string) ([]Candidate, error) {
	listings, err := c.GetServerList(ctx)
	if err != nil {
		return nil, err
	}
	listings = filterModel(listings, model)

	found, err := c.lookupAgreements(ctx, listings, c.ledger.Account())
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(listings))
	for i, l := range listings {
		candidates = append(candidates, Candidate{
			Listing:   l,
			Agreement: found[i].addr,
			Remaining: found[i].remaining,
			Health:    c.health.GetHealth(l.ContractAddress),
		})
	}
	return candidates, nil
}

// filterCandidates removes servers whose endpoint is currently unhealthy.
func filterCandidates(candidates []Candidate) []Candidate {
	var filtered []Candidate
	for _, c := range candidates {
		if c.Health == HealthUnhealthy {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}
