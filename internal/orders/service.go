// Package orders owns the order lifecycle: creation through the validation
// gate, updates and cancellation of pending orders, and read access scoped to
// the owning user.
package orders

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/swapmatch/swapmatch/internal/events"
	"github.com/swapmatch/swapmatch/internal/repository"
	"github.com/swapmatch/swapmatch/internal/settlement"
	apperrors "github.com/swapmatch/swapmatch/pkg/errors"
	"github.com/swapmatch/swapmatch/pkg/metrics"
	"github.com/swapmatch/swapmatch/pkg/models"
)

// Matcher is implemented by the matching engine.
type Matcher interface {
	MatchOrder(ctx context.Context, order *models.Order) error
}

// CreateOrderInput is the request-layer shape for a new order.
type CreateOrderInput struct {
	UserAddress string
	Type        string
	TokenIn     string
	TokenOut    string
	AmountIn    decimal.Decimal
	AmountOut   decimal.Decimal
	Price       decimal.Decimal
	ExpiresAt   *time.Time
}

// Service wires the validator, store, balance reader, publisher and matcher.
// All dependencies are injected; the service holds no global state.
type Service struct {
	store     repository.OrderStore
	validator *Validator
	balances  settlement.BalanceReader
	publisher *events.Publisher
	matcher   Matcher
	logger    *zap.Logger
}

// NewService creates the order service.
func NewService(
	store repository.OrderStore,
	validator *Validator,
	balances settlement.BalanceReader,
	publisher *events.Publisher,
	matcher Matcher,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:     store,
		validator: validator,
		balances:  balances,
		publisher: publisher,
		matcher:   matcher,
		logger:    logger,
	}
}

// CreateAndMatchOrder validates, persists and immediately tries to match a
// new order. Validation failure persists nothing. A matching failure after
// the order is accepted leaves it PENDING for the background sweep.
func (s *Service) CreateAndMatchOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues("create_and_match_order").Observe(time.Since(start).Seconds())
	}()

	candidate := Candidate{
		TokenIn:   in.TokenIn,
		TokenOut:  in.TokenOut,
		AmountIn:  in.AmountIn,
		AmountOut: in.AmountOut,
		Price:     in.Price,
		Type:      in.Type,
	}
	if err := s.validator.ValidateOrder(ctx, candidate); err != nil {
		return nil, err
	}

	balance, err := s.balances.TokenBalance(ctx, in.UserAddress, in.TokenIn)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(in.AmountIn) {
		return nil, apperrors.InsufficientBalance("insufficient token balance for order")
	}

	user, err := s.lookupUser(ctx, in.UserAddress)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	order := &models.Order{
		ID:          uuid.New(),
		UserID:      user.ID,
		TokenIn:     strings.ToLower(in.TokenIn),
		TokenOut:    strings.ToLower(in.TokenOut),
		Type:        in.Type,
		Price:       in.Price,
		AmountIn:    in.AmountIn,
		AmountOut:   in.AmountOut,
		RemainingIn: in.AmountIn,
		Status:      models.OrderStatusPending,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, apperrors.ExternalService("failed to persist order", err)
	}

	metrics.OrdersCreated.WithLabelValues(order.Type).Inc()
	s.publisher.Publish(events.OrderEvent{Type: events.OrderCreated, Order: order})

	if err := s.matcher.MatchOrder(ctx, order); err != nil {
		// The order is accepted and resting; the sweep will retry matching.
		s.logger.Warn("matching failed for new order",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}

	return s.store.GetOrder(ctx, order.ID)
}

// GetOrder returns one of the user's orders with its fills.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID, userAddress string) (*models.Order, error) {
	user, err := s.lookupUser(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrderForUser(ctx, orderID, user.ID)
	if err != nil {
		if err == repository.ErrOrderNotFound {
			return nil, apperrors.NotFound("order not found")
		}
		return nil, err
	}
	return order, nil
}

// ListOrders returns the user's order history, optionally filtered by status.
func (s *Service) ListOrders(ctx context.Context, userAddress, status string, limit, offset int) ([]*models.Order, error) {
	user, err := s.lookupUser(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	return s.store.ListOrdersByUser(ctx, user.ID, status, limit, offset)
}

// UpdateOrder patches a PENDING order. Amounts can only change while the
// order has no fills, so cumulative fills never exceed the (new) amount.
func (s *Service) UpdateOrder(ctx context.Context, orderID uuid.UUID, userAddress string, patch repository.OrderPatch) (*models.Order, error) {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues("update_order").Observe(time.Since(start).Seconds())
	}()

	user, err := s.lookupUser(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrderForUser(ctx, orderID, user.ID)
	if err != nil {
		if err == repository.ErrOrderNotFound {
			return nil, apperrors.NotFound("order not found")
		}
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperrors.InvalidState("only pending orders can be updated")
	}
	if err := s.validator.ValidateOrderUpdate(patch); err != nil {
		return nil, err
	}
	if patch.AmountIn != nil && !order.RemainingIn.Equal(order.AmountIn) {
		return nil, apperrors.InvalidState("cannot change amount of a partially filled order")
	}

	updated, err := s.store.UpdateOrderConditional(ctx, order.ID, order.RemainingIn, patch)
	if err != nil {
		if err == repository.ErrConcurrentUpdate {
			return nil, apperrors.InvalidState("order changed concurrently; refresh and retry")
		}
		return nil, err
	}

	s.publisher.Publish(events.OrderEvent{Type: events.OrderUpdated, Order: updated})
	return updated, nil
}

// CancelOrder transitions a PENDING order to CANCELLED. Cancelling a terminal
// order fails with InvalidStateError; an in-flight match against the order
// will lose its conditional update and skip it.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, userAddress string) (*models.Order, error) {
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues("cancel_order").Observe(time.Since(start).Seconds())
	}()

	user, err := s.lookupUser(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrderForUser(ctx, orderID, user.ID)
	if err != nil {
		if err == repository.ErrOrderNotFound {
			return nil, apperrors.NotFound("order not found")
		}
		return nil, err
	}
	if order.IsTerminal() {
		return nil, apperrors.InvalidState("only pending orders can be cancelled")
	}

	cancelled, err := s.store.CancelOrder(ctx, order.ID)
	if err != nil {
		if err == repository.ErrConcurrentUpdate {
			return nil, apperrors.InvalidState("only pending orders can be cancelled")
		}
		return nil, err
	}

	s.publisher.Publish(events.OrderEvent{Type: events.OrderCancelled, Order: cancelled})
	return cancelled, nil
}

func (s *Service) lookupUser(ctx context.Context, address string) (*models.User, error) {
	user, err := s.store.GetUserByAddress(ctx, address)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, err
	}
	return user, nil
}
