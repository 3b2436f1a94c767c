package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/cache"
	apperrors "github.com/swapmatch/swapmatch/pkg/errors"
	"github.com/swapmatch/swapmatch/pkg/metrics"
	"github.com/swapmatch/swapmatch/pkg/models"
)

// PriceStore persists the aggregator's audit trail. A nil store disables
// auditing; store failures are logged and swallowed.
type PriceStore interface {
	SavePrice(ctx context.Context, record *models.PriceRecord) error
}

// ValidatedPrice is the aggregator's output for one pair. It is cached only
// within the staleness window and recomputed after that.
type ValidatedPrice struct {
	Pair        string          `json:"pair"`
	MedianPrice decimal.Decimal `json:"median_price"`
	SampleCount int             `json:"sample_count"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// Config carries the aggregator thresholds.
type Config struct {
	Staleness    time.Duration
	MinLiquidity decimal.Decimal
	MaxDeviation decimal.Decimal
	SpreadWarn   decimal.Decimal
	MaxRetries   int
	RetryDelay   time.Duration
	FetchTimeout time.Duration
	CacheTTL     time.Duration
}

// Aggregator reconciles samples from independent feeds into one validated
// price per pair.
type Aggregator struct {
	feeds  []PriceFeed
	store  PriceStore
	cache  cache.Cache
	cfg    Config
	logger *zap.Logger
}

// NewAggregator creates an Aggregator. cache may be nil to disable caching.
func NewAggregator(feeds []PriceFeed, store PriceStore, priceCache cache.Cache, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Aggregator{
		feeds:  feeds,
		store:  store,
		cache:  priceCache,
		cfg:    cfg,
		logger: logger,
	}
}

// GetValidatedPrice queries every feed concurrently, filters stale and
// illiquid samples and returns the median of the survivors.
func (a *Aggregator) GetValidatedPrice(ctx context.Context, tokenIn, tokenOut string) (decimal.Decimal, error) {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues("get_validated_price").Observe(time.Since(start).Seconds())
	}()

	if tokenIn == "" || tokenOut == "" {
		return decimal.Zero, apperrors.Validation("tokenIn and tokenOut are required")
	}
	pair := NewPair(tokenIn, tokenOut)

	if vp, ok := a.cachedPrice(ctx, pair); ok {
		return vp.MedianPrice, nil
	}

	samples := a.collectSamples(ctx, pair)
	valid := a.filterSamples(pair, samples)
	if len(valid) == 0 {
		return decimal.Zero, apperrors.Newf(apperrors.CodeNoValidPrice, "no valid price available for %s", pair)
	}

	a.warnOnSpread(pair, valid)

	median := medianPrice(valid)
	if median.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, apperrors.Newf(apperrors.CodeInvalidPrice, "invalid median price for %s", pair)
	}

	a.persistAudit(ctx, pair, median, len(valid))
	a.cachePrice(ctx, pair, ValidatedPrice{
		Pair:        pair.String(),
		MedianPrice: median,
		SampleCount: len(valid),
		ComputedAt:  time.Now(),
	})

	a.logger.Info("validated price computed",
		zap.String("pair", pair.String()),
		zap.String("price", median.String()),
		zap.Int("samples", len(valid)),
		zap.Duration("took", time.Since(start)))

	return median, nil
}

// ValidateOrderPrice is the deviation gate: it rejects an order price whose
// relative distance from the oracle price exceeds MaxDeviation.
func (a *Aggregator) ValidateOrderPrice(ctx context.Context, orderPrice decimal.Decimal, tokenIn, tokenOut string) error {
	if orderPrice.LessThanOrEqual(decimal.Zero) {
		return apperrors.Validation("order price must be positive")
	}

	oraclePrice, err := a.GetValidatedPrice(ctx, tokenIn, tokenOut)
	if err != nil {
		return err
	}

	deviation := orderPrice.Sub(oraclePrice).Div(oraclePrice).Abs()
	if deviation.GreaterThan(a.cfg.MaxDeviation) {
		a.logger.Warn("order price rejected by deviation gate",
			zap.String("order_price", orderPrice.String()),
			zap.String("oracle_price", oraclePrice.String()),
			zap.String("deviation", deviation.String()))
		return apperrors.Newf(apperrors.CodePriceDeviation,
			"order price deviates %s from oracle price %s", deviation.String(), oraclePrice.String())
	}
	return nil
}

// collectSamples fans out to all feeds in parallel. A feed failure never
// blocks or fails the other feeds.
func (a *Aggregator) collectSamples(ctx context.Context, pair Pair) []*PriceSample {
	results := make([]*PriceSample, len(a.feeds))
	var wg sync.WaitGroup
	for i, feed := range a.feeds {
		wg.Add(1)
		go func(i int, feed PriceFeed) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
			defer cancel()

			sample, err := a.fetchWithRetry(fctx, feed, pair)
			if err != nil {
				if !errors.Is(err, ErrUnsupportedPair) {
					metrics.OracleFeedErrors.WithLabelValues(string(feed.Source())).Inc()
					a.logger.Warn("price feed failed",
						zap.String("source", string(feed.Source())),
						zap.String("pair", pair.String()),
						zap.Error(err))
				}
				return
			}
			metrics.OracleSamples.WithLabelValues(string(feed.Source())).Inc()
			results[i] = sample
		}(i, feed)
	}
	wg.Wait()

	samples := make([]*PriceSample, 0, len(results))
	for _, s := range results {
		if s != nil {
			samples = append(samples, s)
		}
	}
	return samples
}

// fetchWithRetry retries one feed with increasing backoff. Retries are local
// to the feed; ErrUnsupportedPair aborts immediately.
func (a *Aggregator) fetchWithRetry(ctx context.Context, feed PriceFeed, pair Pair) (*PriceSample, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		sample, err := feed.FetchPrice(ctx, pair)
		if err == nil {
			return sample, nil
		}
		if errors.Is(err, ErrUnsupportedPair) {
			return nil, err
		}
		lastErr = err
		a.logger.Debug("price fetch attempt failed",
			zap.String("source", string(feed.Source())),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < a.cfg.MaxRetries {
			select {
			case <-time.After(a.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// filterSamples drops stale samples and, when liquidity is reported, samples
// below the minimum liquidity threshold.
func (a *Aggregator) filterSamples(pair Pair, samples []*PriceSample) []*PriceSample {
	cutoff := time.Now().Add(-a.cfg.Staleness)
	valid := make([]*PriceSample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp.Before(cutoff) {
			a.logger.Debug("discarding stale sample",
				zap.String("source", string(s.Source)),
				zap.String("pair", pair.String()),
				zap.Time("sampled_at", s.Timestamp))
			continue
		}
		if s.Liquidity != nil && s.Liquidity.LessThan(a.cfg.MinLiquidity) {
			a.logger.Debug("discarding illiquid sample",
				zap.String("source", string(s.Source)),
				zap.String("pair", pair.String()),
				zap.String("liquidity", s.Liquidity.String()))
			continue
		}
		valid = append(valid, s)
	}
	return valid
}

// warnOnSpread logs when surviving samples disagree beyond the configured
// threshold. Observability only, never a rejection.
func (a *Aggregator) warnOnSpread(pair Pair, samples []*PriceSample) {
	if len(samples) < 2 || a.cfg.SpreadWarn.LessThanOrEqual(decimal.Zero) {
		return
	}
	min, max := samples[0].Price, samples[0].Price
	for _, s := range samples[1:] {
		if s.Price.LessThan(min) {
			min = s.Price
		}
		if s.Price.GreaterThan(max) {
			max = s.Price
		}
	}
	if min.LessThanOrEqual(decimal.Zero) {
		return
	}
	spread := max.Sub(min).Div(min)
	if spread.GreaterThanOrEqual(a.cfg.SpreadWarn) {
		a.logger.Warn("high price spread across sources",
			zap.String("pair", pair.String()),
			zap.String("min", min.String()),
			zap.String("max", max.String()),
			zap.String("spread", spread.String()))
	}
}

// medianPrice returns the median of the sample prices; an even count averages
// the two middle values.
func medianPrice(samples []*PriceSample) decimal.Decimal {
	prices := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		prices[i] = s.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	mid := len(prices) / 2
	if len(prices)%2 == 0 {
		return prices[mid-1].Add(prices[mid]).Div(decimal.New(2, 0))
	}
	return prices[mid]
}

// persistAudit writes the computed price as an audit record. Best effort: the
// returned price never depends on storage availability.
func (a *Aggregator) persistAudit(ctx context.Context, pair Pair, price decimal.Decimal, sampleCount int) {
	if a.store == nil {
		return
	}
	record := &models.PriceRecord{
		ID:          uuid.New(),
		TokenIn:     pair.TokenIn,
		TokenOut:    pair.TokenOut,
		Price:       price,
		Source:      "oracle",
		SampleCount: sampleCount,
	}
	if err := a.store.SavePrice(ctx, record); err != nil {
		a.logger.Error("failed to persist price audit record",
			zap.String("pair", pair.String()),
			zap.Error(err))
	}
}

func (a *Aggregator) cachedPrice(ctx context.Context, pair Pair) (*ValidatedPrice, bool) {
	if a.cache == nil {
		return nil, false
	}
	raw, ok := a.cache.Get(ctx, cacheKey(pair))
	if !ok {
		return nil, false
	}
	var vp ValidatedPrice
	if err := json.Unmarshal(raw, &vp); err != nil {
		a.cache.Delete(ctx, cacheKey(pair))
		return nil, false
	}
	// The cache TTL already bounds the entry lifetime; re-check against the
	// staleness window in case the TTL was configured wider.
	if time.Since(vp.ComputedAt) > a.cfg.Staleness {
		a.cache.Delete(ctx, cacheKey(pair))
		return nil, false
	}
	return &vp, true
}

func (a *Aggregator) cachePrice(ctx context.Context, pair Pair, vp ValidatedPrice) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(vp)
	if err != nil {
		return
	}
	ttl := a.cfg.CacheTTL
	if ttl <= 0 || ttl > a.cfg.Staleness {
		ttl = a.cfg.Staleness
	}
	a.cache.Set(ctx, cacheKey(pair), raw, ttl)
}

func cacheKey(pair Pair) string {
	return "price:" + pair.String()
}
