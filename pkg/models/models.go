package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order types, statuses and fill statuses
const (
	// Order types
	OrderTypeBuy  = "BUY"
	OrderTypeSell = "SELL"

	// Order statuses
	OrderStatusPending   = "PENDING"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCancelled = "CANCELLED"

	// Fill statuses
	FillStatusPending = "PENDING"
	FillStatusSettled = "SETTLED"
	FillStatusFailed  = "FAILED"
)

// KnownOrderType reports whether t is a member of the order type enumeration.
func KnownOrderType(t string) bool {
	return t == OrderTypeBuy || t == OrderTypeSell
}

// OppositeType returns the counter side for a given order type.
func OppositeType(t string) string {
	if t == OrderTypeBuy {
		return OrderTypeSell
	}
	return OrderTypeBuy
}

// User represents an order owner. Authentication is handled upstream; only the
// wallet address is kept here.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Address   string    `gorm:"type:varchar(42);uniqueIndex;not null" json:"address"`
	CreatedAt time.Time `gorm:"default:current_timestamp" json:"created_at"`
}

// Order represents a token-swap limit order.
//
// AmountIn and AmountOut are token base units and therefore integral;
// RemainingIn starts at AmountIn and only ever decreases. Status transitions
// are monotonic: PENDING is the only non-terminal state.
type Order struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	TokenIn     string          `gorm:"type:varchar(42);not null;index:idx_orders_book" json:"token_in"`
	TokenOut    string          `gorm:"type:varchar(42);not null;index:idx_orders_book" json:"token_out"`
	Type        string          `gorm:"type:varchar(10);not null" json:"type"`
	Price       decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"price"`
	AmountIn    decimal.Decimal `gorm:"type:decimal(78,0);not null" json:"amount_in"`
	AmountOut   decimal.Decimal `gorm:"type:decimal(78,0);not null" json:"amount_out"`
	RemainingIn decimal.Decimal `gorm:"type:decimal(78,0);not null" json:"remaining_in"`
	Status      string          `gorm:"type:varchar(20);not null;index" json:"status"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `gorm:"default:current_timestamp;index" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"default:current_timestamp" json:"updated_at"`
	Fills       []Fill          `gorm:"foreignKey:OrderID" json:"fills,omitempty"`
}

// IsTerminal reports whether the order can no longer transition.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCancelled
}

// FilledAmount returns the cumulative amount consumed by fills.
func (o *Order) FilledAmount() decimal.Decimal {
	return o.AmountIn.Sub(o.RemainingIn)
}

// Fill records one matching event against an order. Fills are append-only;
// Amount never exceeds the order's remaining amount at fill time and Price is
// the resting order's price, which is authoritative for the trade.
type Fill struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(78,0);not null" json:"amount"`
	Price     decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"price"`
	Status    string          `gorm:"type:varchar(20);not null" json:"status"`
	TxHash    string          `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`
	CreatedAt time.Time       `gorm:"default:current_timestamp" json:"created_at"`
}

// PriceRecord is the audit trail of the aggregator's validated prices.
type PriceRecord struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TokenIn     string          `gorm:"type:varchar(42);not null;index:idx_prices_pair" json:"token_in"`
	TokenOut    string          `gorm:"type:varchar(42);not null;index:idx_prices_pair" json:"token_out"`
	Price       decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"price"`
	Source      string          `gorm:"type:varchar(20);not null" json:"source"`
	SampleCount int             `gorm:"not null" json:"sample_count"`
	CreatedAt   time.Time       `gorm:"default:current_timestamp" json:"created_at"`
}
