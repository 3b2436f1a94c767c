package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/swapmatch/swapmatch/pkg/models"
)

// GormStore implements OrderStore over a gorm database.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a gorm-backed order store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	user.Address = strings.ToLower(user.Address)
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *GormStore) GetUserByAddress(ctx context.Context, address string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("address = ?", strings.ToLower(address)).First(&user).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *GormStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		s.logger.Error("failed to create order", zap.String("order_id", order.ID.String()), zap.Error(err))
		return err
	}
	return nil
}

func (s *GormStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Preload("Fills").Where("id = ?", id).First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) GetOrderForUser(ctx context.Context, id, userID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Preload("Fills").
		Where("id = ? AND user_id = ?", id, userID).First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) ListOrdersByUser(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 10
	}
	q := s.db.WithContext(ctx).Preload("Fills").Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var orders []*models.Order
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&orders).Error
	return orders, err
}

func (s *GormStore) ListPendingOrders(ctx context.Context) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.WithContext(ctx).
		Where("status = ?", models.OrderStatusPending).
		Order("created_at asc").
		Find(&orders).Error
	return orders, err
}

// ListPendingCounterOrders selects resting orders on the opposite side of the
// swapped pair with a compatible price. Ordering is the fairness contract:
// best price first, earliest created first at equal price.
func (s *GormStore) ListPendingCounterOrders(ctx context.Context, order *models.Order) ([]*models.Order, error) {
	q := s.db.WithContext(ctx).
		Where("status = ?", models.OrderStatusPending).
		Where("token_in = ? AND token_out = ?", order.TokenOut, order.TokenIn).
		Where("type = ?", models.OppositeType(order.Type)).
		Where("expires_at IS NULL OR expires_at > ?", time.Now())

	if order.Type == models.OrderTypeBuy {
		q = q.Where("price <= ?", order.Price).Order("price asc")
	} else {
		q = q.Where("price >= ?", order.Price).Order("price desc")
	}

	var orders []*models.Order
	err := q.Order("created_at asc").Find(&orders).Error
	return orders, err
}

func (s *GormStore) UpdateOrderConditional(ctx context.Context, id uuid.UUID, expectedRemaining decimal.Decimal, patch OrderPatch) (*models.Order, error) {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if patch.Price != nil {
		updates["price"] = *patch.Price
	}
	if patch.AmountIn != nil {
		updates["amount_in"] = *patch.AmountIn
		updates["remaining_in"] = *patch.AmountIn
	}
	if patch.AmountOut != nil {
		updates["amount_out"] = *patch.AmountOut
	}

	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ? AND remaining_in = ?", id, models.OrderStatusPending, expectedRemaining).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}
	return s.GetOrder(ctx, id)
}

func (s *GormStore) CancelOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", id, models.OrderStatusPending).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}
	return s.GetOrder(ctx, id)
}

// ExecuteMatch is the single indivisible operation of the whole system: both
// decrements and the fill insert commit together or not at all. Each
// decrement is guarded on the remaining amount the caller observed, so two
// engines racing over the same maker cannot jointly overdraw it.
func (s *GormStore) ExecuteMatch(ctx context.Context, taker, maker *models.Order, amount decimal.Decimal) (*models.Fill, error) {
	fill := &models.Fill{
		ID:      uuid.New(),
		OrderID: maker.ID,
		Amount:  amount,
		Price:   maker.Price,
		Status:  models.FillStatusPending,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := decrementRemaining(tx, taker.ID, taker.RemainingIn, amount); err != nil {
			return err
		}
		if err := decrementRemaining(tx, maker.ID, maker.RemainingIn, amount); err != nil {
			return err
		}
		return tx.Create(fill).Error
	})
	if err != nil {
		return nil, err
	}
	return fill, nil
}

// decrementRemaining conditionally reduces an order's remaining amount and
// completes the order when it reaches zero.
func decrementRemaining(tx *gorm.DB, id uuid.UUID, expectedRemaining, amount decimal.Decimal) error {
	newRemaining := expectedRemaining.Sub(amount)
	if newRemaining.IsNegative() {
		return ErrConcurrentUpdate
	}
	status := models.OrderStatusPending
	if newRemaining.IsZero() {
		status = models.OrderStatusCompleted
	}

	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ? AND remaining_in = ?", id, models.OrderStatusPending, expectedRemaining).
		Updates(map[string]interface{}{
			"remaining_in": newRemaining,
			"status":       status,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// RevertMatch undoes a committed match whose on-chain settlement failed. The
// restore is read-then-guarded-write inside one transaction, mirroring the
// decrement path. A CANCELLED order gets its amount back but stays CANCELLED:
// terminal states absorb, and a cancellation that lands between the match
// commit and the revert must not be undone.
func (s *GormStore) RevertMatch(ctx context.Context, fill *models.Fill, takerID, makerID uuid.UUID, amount decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range []uuid.UUID{takerID, makerID} {
			var order models.Order
			if err := tx.Where("id = ?", id).First(&order).Error; err != nil {
				return err
			}
			restored := order.RemainingIn.Add(amount)

			status := models.OrderStatusPending
			if order.Status == models.OrderStatusCancelled {
				status = models.OrderStatusCancelled
			}

			res := tx.Model(&models.Order{}).
				Where("id = ? AND remaining_in = ?", id, order.RemainingIn).
				Updates(map[string]interface{}{
					"remaining_in": restored,
					"status":       status,
					"updated_at":   time.Now(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConcurrentUpdate
			}
		}

		return tx.Model(&models.Fill{}).
			Where("id = ? AND status = ?", fill.ID, models.FillStatusPending).
			Update("status", models.FillStatusFailed).Error
	})
}

func (s *GormStore) MarkFillSettled(ctx context.Context, fillID uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&models.Fill{}).
		Where("id = ? AND status = ?", fillID, models.FillStatusPending).
		Updates(map[string]interface{}{
			"status":  models.FillStatusSettled,
			"tx_hash": txHash,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *GormStore) ExpireOrders(ctx context.Context, now time.Time) ([]*models.Order, error) {
	var expired []*models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*models.Order
		if err := tx.Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			models.OrderStatusPending, now).Find(&candidates).Error; err != nil {
			return err
		}
		for _, order := range candidates {
			res := tx.Model(&models.Order{}).
				Where("id = ? AND status = ?", order.ID, models.OrderStatusPending).
				Updates(map[string]interface{}{
					"status":     models.OrderStatusCancelled,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			order.Status = models.OrderStatusCancelled
			order.UpdatedAt = now
			expired = append(expired, order)
		}
		return nil
	})
	return expired, err
}

func (s *GormStore) SavePrice(ctx context.Context, record *models.PriceRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}
