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

const coinGeckoPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=%s&vs_currencies=%s&include_24hr_vol=true"

// CoinGeckoFeed reads spot prices from the CoinGecko public API. ids maps a
// token address to its CoinGecko id (e.g. "ethereum", "usd-coin"). The 24h
// volume is reported as the sample's liquidity so the aggregator can filter
// thin markets.
type CoinGeckoFeed struct {
	client *http.Client
	ids    map[string]string
	logger *zap.Logger
}

// NewCoinGeckoFeed creates a CoinGeckoFeed with a bounded request timeout.
func NewCoinGeckoFeed(ids map[string]string, timeout time.Duration, logger *zap.Logger) *CoinGeckoFeed {
	normalized := make(map[string]string, len(ids))
	for addr, id := range ids {
		normalized[strings.ToLower(addr)] = strings.ToLower(id)
	}
	return &CoinGeckoFeed{
		client: &http.Client{Timeout: timeout},
		ids:    normalized,
		logger: logger,
	}
}

func (f *CoinGeckoFeed) Source() Source { return SourceCoinGecko }

func (f *CoinGeckoFeed) FetchPrice(ctx context.Context, pair Pair) (*PriceSample, error) {
	id, okIn := f.ids[pair.TokenIn]
	vs, okOut := f.ids[pair.TokenOut]
	if !okIn || !okOut {
		return nil, ErrUnsupportedPair
	}

	url := fmt.Sprintf(coinGeckoPriceURL, id, vs)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko returned status %d for %s/%s", resp.StatusCode, id, vs)
	}

	var data map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode coingecko response: %w", err)
	}

	quote, ok := data[id]
	if !ok {
		return nil, fmt.Errorf("coingecko response missing id %s", id)
	}
	raw, ok := quote[vs]
	if !ok {
		return nil, fmt.Errorf("coingecko response missing currency %s for %s", vs, id)
	}

	sample := &PriceSample{
		Price:     decimal.NewFromFloat(raw),
		Timestamp: time.Now(),
		Source:    SourceCoinGecko,
	}
	if vol, ok := quote[vs+"_24h_vol"]; ok {
		liquidity := decimal.NewFromFloat(vol)
		sample.Liquidity = &liquidity
	}

	f.logger.Debug("coingecko price fetched",
		zap.String("pair", pair.String()),
		zap.String("id", id),
		zap.String("price", sample.Price.String()))

	return sample, nil
}
