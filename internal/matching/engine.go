// Package matching finds counter-orders for accepted orders and commits
// fills. Every commit is conditional on the remaining amounts read by this
// engine instance; losing the race means skipping the candidate, never
// double-spending it.
package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/events"
	"github.com/swapmatch/swapmatch/internal/repository"
	"github.com/swapmatch/swapmatch/internal/settlement"
	apperrors "github.com/swapmatch/swapmatch/pkg/errors"
	"github.com/swapmatch/swapmatch/pkg/metrics"
	"github.com/swapmatch/swapmatch/pkg/models"
)

// Config bounds the engine's retries and the background sweep.
type Config struct {
	MaxRetries    int
	RetryDelay    time.Duration
	Workers       int
	SweepInterval time.Duration
}

// Engine matches orders against the resting book held in the order store.
type Engine struct {
	store     repository.OrderStore
	submitter settlement.Submitter
	publisher *events.Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewEngine creates a matching engine.
func NewEngine(store repository.OrderStore, submitter settlement.Submitter, publisher *events.Publisher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Engine{
		store:     store,
		submitter: submitter,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// MatchOrder walks eligible counter-orders in price-time priority and commits
// fills until the order's remaining amount reaches zero or candidates run
// out. Re-invoking on a fully matched order is a no-op.
func (e *Engine) MatchOrder(ctx context.Context, order *models.Order) error {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues("match_order").Observe(time.Since(start).Seconds())
	}()

	if order.Status != models.OrderStatusPending || order.RemainingIn.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	candidates, err := e.listCandidates(ctx, order)
	if err != nil {
		return apperrors.ExternalService("counter-order lookup failed", err)
	}

	taker := *order
	for _, maker := range candidates {
		if taker.RemainingIn.LessThanOrEqual(decimal.Zero) {
			break
		}

		amount := decimal.Min(taker.RemainingIn, maker.RemainingIn)
		if amount.LessThanOrEqual(decimal.Zero) {
			continue
		}

		fill, err := e.store.ExecuteMatch(ctx, &taker, maker, amount)
		if err != nil {
			if errors.Is(err, repository.ErrConcurrentUpdate) {
				// Lost the race on either side: refresh our view of the taker
				// and move on. Cancelled or completed candidates are simply
				// skipped.
				refreshed, gerr := e.store.GetOrder(ctx, taker.ID)
				if gerr != nil {
					e.logger.Warn("failed to refresh order after conflict",
						zap.String("order_id", taker.ID.String()), zap.Error(gerr))
					break
				}
				taker = *refreshed
				if taker.Status != models.OrderStatusPending {
					break
				}
				continue
			}
			e.logger.Error("match commit failed, skipping candidate",
				zap.String("order_id", taker.ID.String()),
				zap.String("candidate_id", maker.ID.String()),
				zap.Error(err))
			continue
		}

		taker.RemainingIn = taker.RemainingIn.Sub(amount)
		if taker.RemainingIn.IsZero() {
			taker.Status = models.OrderStatusCompleted
		}

		if !e.settleFill(ctx, fill, &taker, maker, amount) {
			// Compensated: the taker got its amount back, keep walking.
			taker.RemainingIn = taker.RemainingIn.Add(amount)
			taker.Status = models.OrderStatusPending
			continue
		}

		e.publishExecuted(maker, amount)
		takerSnapshot := taker
		e.publisher.Publish(events.OrderEvent{Type: events.OrderExecuted, Order: &takerSnapshot})
	}

	return nil
}

// settleFill submits the committed fill on-chain and marks it settled.
// Settlement exhaustion triggers the compensating revert; the store stays the
// source of truth either way. Returns false when the match was reverted.
func (e *Engine) settleFill(ctx context.Context, fill *models.Fill, taker *models.Order, maker *models.Order, amount decimal.Decimal) bool {
	txRef, err := e.submitter.SubmitFill(ctx, maker.ID, amount)
	if err != nil {
		metrics.FillsTotal.WithLabelValues(models.FillStatusFailed).Inc()
		e.logger.Error("settlement failed, reverting match",
			zap.String("fill_id", fill.ID.String()),
			zap.String("candidate_id", maker.ID.String()),
			zap.Error(err))

		if rerr := e.store.RevertMatch(ctx, fill, taker.ID, maker.ID, amount); rerr != nil {
			// The fill stays PENDING and the amounts stay reserved; this is
			// the reconciliation queue for the chain event listener.
			e.logger.Error("compensating revert failed, fill left pending",
				zap.String("fill_id", fill.ID.String()),
				zap.Error(rerr))
		}
		return false
	}

	if err := e.store.MarkFillSettled(ctx, fill.ID, txRef); err != nil {
		e.logger.Warn("failed to mark fill settled",
			zap.String("fill_id", fill.ID.String()),
			zap.String("tx", txRef),
			zap.Error(err))
	}
	metrics.FillsTotal.WithLabelValues(models.FillStatusSettled).Inc()
	return true
}

func (e *Engine) publishExecuted(maker *models.Order, amount decimal.Decimal) {
	snapshot := *maker
	snapshot.RemainingIn = maker.RemainingIn.Sub(amount)
	if snapshot.RemainingIn.IsZero() {
		snapshot.Status = models.OrderStatusCompleted
	}
	e.publisher.Publish(events.OrderEvent{Type: events.OrderExecuted, Order: &snapshot})
}

// listCandidates retries the counter-order query with increasing backoff.
func (e *Engine) listCandidates(ctx context.Context, order *models.Order) ([]*models.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		candidates, err := e.store.ListPendingCounterOrders(ctx, order)
		if err == nil {
			return candidates, nil
		}
		lastErr = err
		e.logger.Warn("counter-order lookup failed",
			zap.String("order_id", order.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < e.cfg.MaxRetries {
			select {
			case <-time.After(e.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// SweepPending expires past-due orders, then re-runs matching over every
// PENDING order through a bounded worker pool.
func (e *Engine) SweepPending(ctx context.Context) error {
	expired, err := e.store.ExpireOrders(ctx, time.Now())
	if err != nil {
		e.logger.Error("order expiry pass failed", zap.Error(err))
	}
	for _, order := range expired {
		e.publisher.Publish(events.OrderEvent{Type: events.OrderExpired, Order: order})
	}

	pending, err := e.store.ListPendingOrders(ctx)
	if err != nil {
		return apperrors.ExternalService("pending order listing failed", err)
	}

	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for _, order := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(order *models.Order) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.MatchOrder(ctx, order); err != nil {
				e.logger.Warn("sweep match failed",
					zap.String("order_id", order.ID.String()),
					zap.Error(err))
			}
		}(order)
	}
	wg.Wait()
	return nil
}

// Run drives the background sweep until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if e.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.SweepPending(ctx); err != nil {
				e.logger.Error("pending order sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
