package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const binanceTickerURL = "https://api.binance.com/api/v3/ticker/price?symbol=%s"

type binanceTickerResp struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// BinanceFeed reads last-trade prices from the Binance public REST API.
// symbols maps a token address to its market symbol (e.g. "WETH" -> ETH).
type BinanceFeed struct {
	client  *http.Client
	symbols map[string]string
	logger  *zap.Logger
}

// NewBinanceFeed creates a BinanceFeed with a bounded request timeout.
func NewBinanceFeed(symbols map[string]string, timeout time.Duration, logger *zap.Logger) *BinanceFeed {
	normalized := make(map[string]string, len(symbols))
	for addr, sym := range symbols {
		normalized[strings.ToLower(addr)] = strings.ToUpper(sym)
	}
	return &BinanceFeed{
		client:  &http.Client{Timeout: timeout},
		symbols: normalized,
		logger:  logger,
	}
}

func (f *BinanceFeed) Source() Source { return SourceBinance }

func (f *BinanceFeed) FetchPrice(ctx context.Context, pair Pair) (*PriceSample, error) {
	base, okIn := f.symbols[pair.TokenIn]
	quote, okOut := f.symbols[pair.TokenOut]
	if !okIn || !okOut {
		return nil, ErrUnsupportedPair
	}

	url := fmt.Sprintf(binanceTickerURL, base+quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance returned status %d for %s%s", resp.StatusCode, base, quote)
	}

	var data binanceTickerResp
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode binance response: %w", err)
	}

	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid binance price %q: %w", data.Price, err)
	}

	f.logger.Debug("binance price fetched",
		zap.String("pair", pair.String()),
		zap.String("symbol", base+quote),
		zap.String("price", price.String()))

	return &PriceSample{
		Price:     price,
		Timestamp: time.Now(),
		Source:    SourceBinance,
	}, nil
}
