// Package oracle aggregates prices from independent feeds into one validated
// price per token pair. Each feed can fail on its own; the aggregator only
// fails when no usable sample survives filtering.
package oracle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies a price feed implementation.
type Source string

const (
	SourceChainlink Source = "chainlink"
	SourceBinance   Source = "binance"
	SourceCoinGecko Source = "coingecko"
)

// ErrUnsupportedPair is returned by a feed that has no mapping for the
// requested pair. It is not retried and not counted as a feed failure.
var ErrUnsupportedPair = errors.New("pair not supported by this feed")

// Pair is a normalized (lower-cased) token pair used as a registry key.
type Pair struct {
	TokenIn  string
	TokenOut string
}

// NewPair normalizes both token addresses.
func NewPair(tokenIn, tokenOut string) Pair {
	return Pair{
		TokenIn:  strings.ToLower(tokenIn),
		TokenOut: strings.ToLower(tokenOut),
	}
}

func (p Pair) String() string {
	return p.TokenIn + "/" + p.TokenOut
}

// PriceSample is one feed's answer for a pair. Liquidity is only reported by
// feeds that know it.
type PriceSample struct {
	Price     decimal.Decimal
	Timestamp time.Time
	Source    Source
	Liquidity *decimal.Decimal
}

// PriceFeed fetches a price sample for a pair from one source.
type PriceFeed interface {
	Source() Source
	FetchPrice(ctx context.Context, pair Pair) (*PriceSample, error)
}
