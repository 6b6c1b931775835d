package llmbroker

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// GetServerList returns every listing in the directory, fetched fresh.
func (c *Client) GetServerList(ctx context.Context) ([]ServerListing, error) {
	if err := c.waitRead(ctx); err != nil {
		return nil, opErr("getAllServers", c.cfg.DirectoryAddress(), err)
	}
	listings, err := c.ledger.AllServers(ctx)
	if err != nil {
		return nil, readErr("getAllServers", c.cfg.DirectoryAddress(), err)
	}
	return listings, nil
}

// GetSortedServers returns the listings serving exactly model, ordered
// ascending by 2 × OutputTokenCost. Ties keep directory order.
func (c *Client) GetSortedServers(ctx context.Context, model string) ([]ServerListing, error) {
	listings, err := c.GetServerList(ctx)
	if err != nil {
		return nil, err
	}
	return SortByDoubledOutputCost(filterModel(listings, model)), nil
}

// GetWalletServerList returns the listings owned by owner, in directory order.
func (c *Client) GetWalletServerList(ctx context.Context, owner common.Address) ([]ServerListing, error) {
	listings, err := c.GetServerList(ctx)
	if err != nil {
		return nil, err
	}
	var owned []ServerListing
	for _, l := range listings {
		if l.Owner == owner {
			owned = append(owned, l)
		}
	}
	return owned, nil
}

// GetWalletAgreements returns client's agreements across all servers, in
// directory order. It costs one ledger read per listed server plus one per
// agreement found; any failed read fails the whole result.
func (c *Client) GetWalletAgreements(ctx context.Context, client common.Address) ([]Agreement, error) {
	listings, err := c.GetServerList(ctx)
	if err != nil {
		return nil, err
	}

	found, err := c.lookupAgreements(ctx, listings, client)
	if err != nil {
		return nil, err
	}

	var agreements []Agreement
	for i, a := range found {
		if a.addr == (common.Address{}) {
			continue
		}
		ag := Agreement{
			Address:          a.addr,
			ServerAddress:    listings[i].ContractAddress,
			ClientAddress:    client,
			RemainingBalance: a.remaining,
			DepositedBalance: c.spend.Deposited(a.addr),
			Status:           StatusUnknown,
		}
		if a.snapshot != nil {
			ag.applySnapshot(*a.snapshot)
		}
		if ag.InputTokenCost == nil || ag.OutputTokenCost == nil {
			ag.InputTokenCost = cloneInt(listings[i].InputTokenCost)
			ag.OutputTokenCost = cloneInt(listings[i].OutputTokenCost)
		}
		agreements = append(agreements, ag)
	}
	return agreements, nil
}

// GetClientAgreement looks up the agreement between server and client.
// The boolean is false when none exists.
func (c *Client) GetClientAgreement(ctx context.Context, server, client common.Address) (Agreement, bool, error) {
	if err := c.waitRead(ctx); err != nil {
		return Agreement{}, false, opErr("getAgreementContract", server, err)
	}
	addr, err := c.ledger.AgreementAddress(ctx, server, client)
	if err != nil {
		return Agreement{}, false, readErr("getAgreementContract", server, err)
	}
	if addr == (common.Address{}) {
		return Agreement{}, false, nil
	}

	a, err := c.describeAgreement(ctx, addr, server, client)
	if err != nil {
		return Agreement{}, false, err
	}
	return a, true, nil
}

// SelectServer picks the server to use for model: listings are annotated
// with endpoint health and the client's existing agreements, unhealthy
// servers are dropped, and the configured Policy orders the rest.
func (c *Client) SelectServer(ctx context.Context, model string) (Candidate, error) {
	if model == "" {
		model = c.cfg.Client.DefaultModel
	}

	candidates, err := c.buildCandidates(ctx, model)
	if err != nil {
		return Candidate{}, err
	}

	candidates = filterCandidates(candidates)
	if len(candidates) == 0 {
		return Candidate{}, fmt.Errorf("%w for model %q", ErrNoCandidates, model)
	}

	chosen := c.policy.Select(candidates)[0]
	c.meter.OnSelect(SelectEvent{
		Model:      model,
		Server:     chosen.Listing.ContractAddress,
		Candidates: len(candidates),
		Reused:     chosen.HasFundedAgreement(),
	})
	return chosen, nil
}

// describeAgreement reads the remaining balance and pricing of an agreement,
// plus deposit and status when the ledger can report them.
func (c *Client) describeAgreement(ctx context.Context, addr, server, client common.Address) (Agreement, error) {
	a := Agreement{
		Address:       addr,
		ServerAddress: server,
		ClientAddress: client,
	}

	var err error
	if err = c.waitRead(ctx); err != nil {
		return Agreement{}, opErr("getAgreementPubKey", server, err)
	}
	if a.ClientPubKey, err = c.ledger.AgreementPubKey(ctx, server, client); err != nil {
		return Agreement{}, readErr("getAgreementPubKey", server, err)
	}
	if a.RemainingBalance, err = c.GetRemainingTokens(ctx, addr); err != nil {
		return Agreement{}, err
	}

	if insp, ok := c.ledger.(AgreementInspector); ok {
		snap, err := insp.AgreementState(ctx, addr)
		if err != nil {
			return Agreement{}, readErr("agreementState", addr, err)
		}
		a.applySnapshot(snap)
		if a.InputTokenCost != nil && a.OutputTokenCost != nil {
			return a, nil
		}
	} else {
		a.DepositedBalance = c.spend.Deposited(addr)
	}

	// Without bound costs the server's current pricing is the best available.
	if err = c.waitRead(ctx); err != nil {
		return Agreement{}, opErr("getTokenCost", server, err)
	}
	if a.InputTokenCost, a.OutputTokenCost, err = c.ledger.TokenCosts(ctx, server); err != nil {
		return Agreement{}, readErr("getTokenCost", server, err)
	}
	return a, nil
}

// applySnapshot copies what the ledger reported about an agreement's terms.
func (a *Agreement) applySnapshot(snap AgreementSnapshot) {
	a.DepositedBalance = cloneOptional(snap.Deposited)
	a.Status = snap.Status
	a.InputTokenCost = cloneOptional(snap.InputTokenCost)
	a.OutputTokenCost = cloneOptional(snap.OutputTokenCost)
}

type agreementLookup struct {
	addr      common.Address
	remaining *big.Int
	snapshot  *AgreementSnapshot // nil unless the ledger is an AgreementInspector
}

// lookupAgreements reads client's agreement with every listed server
// concurrently. Results are indexed like listings; servers without an
// agreement yield a zero address.
func (c *Client) lookupAgreements(ctx context.Context, listings []ServerListing, client common.Address) ([]agreementLookup, error) {
	results := make([]agreementLookup, len(listings))

	g, gctx := errgroup.WithContext(ctx)
	for i, l := range listings {
		g.Go(func() error {
			server := l.ContractAddress
			if err := c.waitRead(gctx); err != nil {
				return opErr("getAgreementContract", server, err)
			}
			addr, err := c.ledger.AgreementAddress(gctx, server, client)
			if err != nil {
				return readErr("getAgreementContract", server, err)
			}
			if addr == (common.Address{}) {
				return nil
			}
			remaining, err := c.GetRemainingTokens(gctx, addr)
			if err != nil {
				return err
			}
			results[i] = agreementLookup{addr: addr, remaining: remaining}
			if insp, ok := c.ledger.(AgreementInspector); ok {
				snap, err := insp.AgreementState(gctx, addr)
				if err != nil {
					return readErr("agreementState", addr, err)
				}
				results[i].snapshot = &snap
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func filterModel(listings []ServerListing, model string) []ServerListing {
	var matched []ServerListing
	for _, l := range listings {
		if l.Model == model {
			matched = append(matched, l)
		}
	}
	return matched
}
