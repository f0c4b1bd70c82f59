package gas

import (
	"context"
	"math/big"

	"github.com/mbd888/defiagents/internal/chain"
)

// PriceReader reports the network's suggested gas price in wei.
type PriceReader interface {
	GasPrice(ctx context.Context) (*big.Int, bool)
}

var _ PriceReader = (*chain.Fetcher)(nil)

// Reading is a gas price compared against a ceiling.
type Reading struct {
	Gwei       float64 `json:"gwei"`
	MaxGwei    float64 `json:"maxGwei"`
	Acceptable bool    `json:"acceptable"`
}

// Ceiling reads the current gas price and compares it with maxGwei.
// known is false when the price could not be read; callers then proceed
// without a gas check. A non-positive maxGwei accepts any price.
func Ceiling(ctx context.Context, r PriceReader, maxGwei float64) (reading Reading, known bool) {
	wei, ok := r.GasPrice(ctx)
	if !ok || wei == nil {
		return Reading{MaxGwei: maxGwei, Acceptable: true}, false
	}
	gwei := chain.WeiToGwei(wei)
	return Reading{
		Gwei:       gwei,
		MaxGwei:    maxGwei,
		Acceptable: maxGwei <= 0 || gwei <= maxGwei,
	}, true
}
