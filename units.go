package llmbroker

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const weiDecimals = 18

// ParseEther converts a decimal ether amount such as "0.015" to wei.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("llmbroker: invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("llmbroker: amount %q is negative", s)
	}
	wei := d.Shift(weiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("llmbroker: amount %q has more than %d decimals", s, weiDecimals)
	}
	return wei.BigInt(), nil
}

// FormatEther renders a wei amount as decimal ether.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}
