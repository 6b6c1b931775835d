package llmbroker

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// GetServerContextPrice estimates the input cost of sending messages to
// server: inputTokenCost × tokenCount. Output cost is settled afterwards
// through NotifyResponse and is not included.
//
// The token count comes from tokenizer; a nil tokenizer uses the server's
// attached endpoint, falling back to HeuristicTokenizer. The count is
// advisory and does not bound what the provider later reports.
func (c *Client) GetServerContextPrice(ctx context.Context, server common.Address, tokenizer Tokenizer, messages []Message) (*big.Int, error) {
	if err := c.waitRead(ctx); err != nil {
		return nil, opErr("getInputTokenCost", server, err)
	}
	inputCost, _, err := c.ledger.TokenCosts(ctx, server)
	if err != nil {
		return nil, readErr("getInputTokenCost", server, err)
	}

	if tokenizer == nil {
		if ep, ok := c.endpoints[server]; ok {
			tokenizer = ep
		} else {
			tokenizer = HeuristicTokenizer{}
		}
	}
	count, err := tokenizer.CountTokens(ctx, messages)
	if err != nil {
		return nil, opErr("countTokens", server, err)
	}

	return new(big.Int).Mul(cloneInt(inputCost), big.NewInt(count)), nil
}

// ConsumptionCost is the debit a ConsumptionReport causes:
// in × inputCost + out × outputCost.
func ConsumptionCost(report ConsumptionReport, inputCost, outputCost *big.Int) *big.Int {
	in := new(big.Int).Mul(big.NewInt(int64(report.InputTokens)), cloneInt(inputCost))
	out := new(big.Int).Mul(big.NewInt(int64(report.OutputTokens)), cloneInt(outputCost))
	return in.Add(in, out)
}

// EstimateDeposit scales an input price estimate by slack, rounding up.
// Slack below 1 is treated as 1.
func EstimateDeposit(price *big.Int, slack float64) *big.Int {
	if slack < 1 {
		slack = 1
	}
	d := decimal.NewFromBigInt(cloneInt(price), 0).Mul(decimal.NewFromFloat(slack))
	return d.Ceil().BigInt()
}
