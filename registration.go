package llmbroker

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RegisterServer creates a server contract owned by the caller and publishes
// its endpoint, model and pricing. The returned address comes from the
// confirmed creation event.
//
// If publishing fails after creation, the new address is returned with the
// error so the caller can retry SetupModel without creating another server.
func (c *Client) RegisterServer(ctx context.Context, setup ServerSetup) (common.Address, error) {
	if setup.Model == "" {
		return common.Address{}, opErr("createServer", common.Address{}, errors.New("model is required"))
	}

	var server common.Address
	err := c.write("createServer", c.cfg.DirectoryAddress(), nil, func() error {
		var werr error
		server, werr = c.ledger.CreateServer(ctx)
		return werr
	})
	if err != nil {
		return common.Address{}, err
	}

	err = c.write("setupModel", server, nil, func() error {
		return c.ledger.SetupModel(ctx, server, setup)
	})
	return server, err
}

// SetTokenCost updates a server's pricing. Existing agreements keep
// reading the server's current costs.
func (c *Client) SetTokenCost(ctx context.Context, server common.Address, input, output *big.Int, costInUSD bool) error {
	return c.write("setTokenCost", server, nil, func() error {
		return c.ledger.SetTokenCost(ctx, server, input, output, costInUSD)
	})
}
