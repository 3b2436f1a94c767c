// Package repository is the transactional boundary over durable Order/Fill
// state. All mutations of an order's remaining amount are conditional on the
// value the caller last read; a lost race surfaces as ErrConcurrentUpdate and
// never as a silent double-spend.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swapmatch/swapmatch/pkg/models"
)

// ErrConcurrentUpdate is returned when a conditional update matched no row:
// another writer changed the order since it was read, or the order left the
// PENDING state.
var ErrConcurrentUpdate = errors.New("order was modified concurrently")

// ErrOrderNotFound is returned when an order id is unknown.
var ErrOrderNotFound = errors.New("order not found")

// OrderPatch carries the updatable fields of a PENDING order. Nil fields are
// left untouched.
type OrderPatch struct {
	Price     *decimal.Decimal
	AmountIn  *decimal.Decimal
	AmountOut *decimal.Decimal
}

// OrderStore is the storage interface consumed by the validator, the order
// service and the matching engine.
type OrderStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByAddress(ctx context.Context, address string) (*models.User, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetOrderForUser(ctx context.Context, id, userID uuid.UUID) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Order, error)
	ListPendingOrders(ctx context.Context) ([]*models.Order, error)

	// ListPendingCounterOrders returns resting orders matchable against the
	// given order, in price-time priority (optimal price first, earliest
	// created first on ties).
	ListPendingCounterOrders(ctx context.Context, order *models.Order) ([]*models.Order, error)

	// UpdateOrderConditional applies the patch iff the order is still PENDING
	// and its remaining amount equals expectedRemaining.
	UpdateOrderConditional(ctx context.Context, id uuid.UUID, expectedRemaining decimal.Decimal, patch OrderPatch) (*models.Order, error)

	// CancelOrder transitions PENDING -> CANCELLED atomically.
	CancelOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)

	// ExecuteMatch commits one match as a single transaction: both orders'
	// remaining amounts are decremented conditionally on the values passed in
	// (taken from the caller's read), statuses transition to COMPLETED at
	// zero, and a PENDING fill is recorded at the maker's price.
	ExecuteMatch(ctx context.Context, taker, maker *models.Order, amount decimal.Decimal) (*models.Fill, error)

	// RevertMatch compensates a committed match whose settlement failed:
	// restores both remaining amounts, reopens the orders and marks the fill
	// FAILED.
	RevertMatch(ctx context.Context, fill *models.Fill, takerID, makerID uuid.UUID, amount decimal.Decimal) error

	MarkFillSettled(ctx context.Context, fillID uuid.UUID, txHash string) error

	// ExpireOrders cancels PENDING orders whose expiry has passed and returns
	// their updated snapshots.
	ExpireOrders(ctx context.Context, now time.Time) ([]*models.Order, error)

	SavePrice(ctx context.Context, record *models.PriceRecord) error
}
