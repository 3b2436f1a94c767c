package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/database"
	"github.com/swapmatch/swapmatch/pkg/models"
)

const (
	tokenA = "0x1111111111111111111111111111111111111111"
	tokenB = "0x2222222222222222222222222222222222222222"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.NewSQLiteDB()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewGormStore(db, zap.NewNop())
}

func createTestUser(t *testing.T, store *GormStore, address string) *models.User {
	t.Helper()
	user := &models.User{ID: uuid.New(), Address: address}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func createTestOrder(t *testing.T, store *GormStore, userID uuid.UUID, orderType, price, amountIn string, createdAt time.Time) *models.Order {
	t.Helper()
	tokenIn, tokenOut := tokenA, tokenB
	if orderType == models.OrderTypeSell {
		tokenIn, tokenOut = tokenB, tokenA
	}
	order := &models.Order{
		ID:          uuid.New(),
		UserID:      userID,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		Type:        orderType,
		Price:       dec(price),
		AmountIn:    dec(amountIn),
		AmountOut:   dec(amountIn),
		RemainingIn: dec(amountIn),
		Status:      models.OrderStatusPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	require.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

func TestGetUserByAddress_CaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	createTestUser(t, store, "0xABCDEF1234567890ABCDEF1234567890ABCDEF12")

	user, err := store.GetUserByAddress(context.Background(), "0xabcdef1234567890abcdef1234567890abcdef12")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef1234567890abcdef1234567890abcdef12", user.Address)
}

func TestGetOrder_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestListPendingCounterOrders_PriceTimePriority(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)

	base := time.Now().Add(-time.Hour)
	cheap := createTestOrder(t, store, user.ID, models.OrderTypeSell, "95", "100", base.Add(3*time.Minute))
	earlyMid := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", base.Add(1*time.Minute))
	lateMid := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", base.Add(2*time.Minute))
	// Priced above the buy order's limit, must not appear.
	createTestOrder(t, store, user.ID, models.OrderTypeSell, "105", "100", base)

	buy := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "100", time.Now())

	candidates, err := store.ListPendingCounterOrders(context.Background(), buy)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, cheap.ID, candidates[0].ID, "best price first")
	assert.Equal(t, earlyMid.ID, candidates[1].ID, "earlier order wins the price tie")
	assert.Equal(t, lateMid.ID, candidates[2].ID)
}

func TestListPendingCounterOrders_SellSideOrdering(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)

	base := time.Now().Add(-time.Hour)
	high := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "110", "100", base)
	low := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "101", "100", base)
	createTestOrder(t, store, user.ID, models.OrderTypeBuy, "90", "100", base)

	sell := createTestOrder(t, store, user.ID, models.OrderTypeSell, "100", "100", time.Now())

	candidates, err := store.ListPendingCounterOrders(context.Background(), sell)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, high.ID, candidates[0].ID, "highest bid first for a sell")
	assert.Equal(t, low.ID, candidates[1].ID)
}

func TestListPendingCounterOrders_SkipsExpiredAndTerminal(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)

	past := time.Now().Add(-time.Minute)
	expired := createTestOrder(t, store, user.ID, models.OrderTypeSell, "95", "100", time.Now().Add(-time.Hour))
	require.NoError(t, store.db.Model(expired).Update("expires_at", past).Error)

	cancelled := createTestOrder(t, store, user.ID, models.OrderTypeSell, "95", "100", time.Now().Add(-time.Hour))
	_, err := store.CancelOrder(context.Background(), cancelled.ID)
	require.NoError(t, err)

	live := createTestOrder(t, store, user.ID, models.OrderTypeSell, "95", "100", time.Now().Add(-time.Hour))

	buy := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "100", time.Now())
	candidates, err := store.ListPendingCounterOrders(context.Background(), buy)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, live.ID, candidates[0].ID)
}

func TestUpdateOrderConditional(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	order := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now())

	newPrice := dec("101")
	updated, err := store.UpdateOrderConditional(context.Background(), order.ID, order.RemainingIn, OrderPatch{Price: &newPrice})
	require.NoError(t, err)
	assert.True(t, updated.Price.Equal(newPrice))

	// Stale expected remaining loses.
	_, err = store.UpdateOrderConditional(context.Background(), order.ID, dec("49"), OrderPatch{Price: &newPrice})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
}

func TestUpdateOrderConditional_AmountResetsRemaining(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	order := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now())

	newAmount := dec("80")
	updated, err := store.UpdateOrderConditional(context.Background(), order.ID, order.RemainingIn, OrderPatch{AmountIn: &newAmount})
	require.NoError(t, err)
	assert.True(t, updated.AmountIn.Equal(newAmount))
	assert.True(t, updated.RemainingIn.Equal(newAmount))
}

func TestCancelOrder_OnlyOnce(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	order := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now())

	cancelled, err := store.CancelOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	_, err = store.CancelOrder(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
}

func TestExecuteMatch_PartialFill(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	taker := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "30", time.Now())
	maker := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", time.Now())

	fill, err := store.ExecuteMatch(context.Background(), taker, maker, dec("30"))
	require.NoError(t, err)
	assert.Equal(t, maker.ID, fill.OrderID)
	assert.True(t, fill.Price.Equal(maker.Price), "fill executes at the resting order's price")
	assert.Equal(t, models.FillStatusPending, fill.Status)

	gotTaker, err := store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, gotTaker.Status)
	assert.True(t, gotTaker.RemainingIn.IsZero())

	gotMaker, err := store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, gotMaker.Status)
	assert.True(t, gotMaker.RemainingIn.Equal(dec("70")))
}

func TestExecuteMatch_StaleSnapshotLoses(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	maker := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", time.Now())
	takerOne := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "60", time.Now())
	takerTwo := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "60", time.Now())

	// Both takers read the maker at remaining 100.
	makerSnapshot := *maker

	_, err := store.ExecuteMatch(context.Background(), takerOne, maker, dec("60"))
	require.NoError(t, err)

	_, err = store.ExecuteMatch(context.Background(), takerTwo, &makerSnapshot, dec("60"))
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	// The losing transaction must roll back its taker decrement too.
	gotTakerTwo, err := store.GetOrder(context.Background(), takerTwo.ID)
	require.NoError(t, err)
	assert.True(t, gotTakerTwo.RemainingIn.Equal(dec("60")))
	assert.Equal(t, models.OrderStatusPending, gotTakerTwo.Status)

	gotMaker, err := store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.True(t, gotMaker.RemainingIn.Equal(dec("40")), "maker must be decremented exactly once")
}

func TestExecuteMatch_AmountConservation(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	maker := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", time.Now())

	remaining := dec("100")
	for _, chunk := range []string{"10", "25", "65"} {
		taker := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", chunk, time.Now())
		fresh, err := store.GetOrder(context.Background(), maker.ID)
		require.NoError(t, err)
		_, err = store.ExecuteMatch(context.Background(), taker, fresh, dec(chunk))
		require.NoError(t, err)
		remaining = remaining.Sub(dec(chunk))
	}

	got, err := store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.True(t, got.RemainingIn.IsZero())
	assert.Equal(t, models.OrderStatusCompleted, got.Status)

	var sum decimal.Decimal
	for _, f := range got.Fills {
		sum = sum.Add(f.Amount)
	}
	assert.True(t, sum.Equal(got.AmountIn), "fill amounts must sum to the original amount")
}

func TestRevertMatch_RestoresBothSides(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	taker := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "30", time.Now())
	maker := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", time.Now())

	fill, err := store.ExecuteMatch(context.Background(), taker, maker, dec("30"))
	require.NoError(t, err)

	require.NoError(t, store.RevertMatch(context.Background(), fill, taker.ID, maker.ID, dec("30")))

	gotTaker, err := store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.True(t, gotTaker.RemainingIn.Equal(dec("30")))
	assert.Equal(t, models.OrderStatusPending, gotTaker.Status)

	gotMaker, err := store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.True(t, gotMaker.RemainingIn.Equal(dec("100")))

	require.Len(t, gotMaker.Fills, 1)
	assert.Equal(t, models.FillStatusFailed, gotMaker.Fills[0].Status)
}

func TestRevertMatch_CancelledOrderStaysCancelled(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	taker := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "40", time.Now())
	maker := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", time.Now())

	fill, err := store.ExecuteMatch(context.Background(), taker, maker, dec("40"))
	require.NoError(t, err)

	// The owner cancels the partially filled maker before the revert lands.
	_, err = store.CancelOrder(context.Background(), maker.ID)
	require.NoError(t, err)

	require.NoError(t, store.RevertMatch(context.Background(), fill, taker.ID, maker.ID, dec("40")))

	gotMaker, err := store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, gotMaker.Status, "cancellation is terminal; the revert must not reopen the order")
	assert.True(t, gotMaker.RemainingIn.Equal(dec("100")), "the matched amount is still returned")

	gotTaker, err := store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, gotTaker.Status)
	assert.True(t, gotTaker.RemainingIn.Equal(dec("40")))
}

func TestMarkFillSettled(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	taker := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "30", time.Now())
	maker := createTestOrder(t, store, user.ID, models.OrderTypeSell, "98", "100", time.Now())

	fill, err := store.ExecuteMatch(context.Background(), taker, maker, dec("30"))
	require.NoError(t, err)

	require.NoError(t, store.MarkFillSettled(context.Background(), fill.ID, "0xdeadbeef"))

	got, err := store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	require.Len(t, got.Fills, 1)
	assert.Equal(t, models.FillStatusSettled, got.Fills[0].Status)
	assert.Equal(t, "0xdeadbeef", got.Fills[0].TxHash)

	// Settling twice is a lost conditional update.
	assert.ErrorIs(t, store.MarkFillSettled(context.Background(), fill.ID, "0xother"), ErrConcurrentUpdate)
}

func TestExpireOrders(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	dueOrder := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now().Add(-time.Hour))
	require.NoError(t, store.db.Model(dueOrder).Update("expires_at", past).Error)

	openOrder := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now().Add(-time.Hour))
	require.NoError(t, store.db.Model(openOrder).Update("expires_at", future).Error)

	createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now())

	expired, err := store.ExpireOrders(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, dueOrder.ID, expired[0].ID)
	assert.Equal(t, models.OrderStatusCancelled, expired[0].Status)

	gotOpen, err := store.GetOrder(context.Background(), openOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, gotOpen.Status)
}

func TestListOrdersByUser_StatusFilter(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, tokenA)
	other := createTestUser(t, store, tokenB)

	createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now())
	cancelled := createTestOrder(t, store, user.ID, models.OrderTypeBuy, "100", "50", time.Now())
	_, err := store.CancelOrder(context.Background(), cancelled.ID)
	require.NoError(t, err)
	createTestOrder(t, store, other.ID, models.OrderTypeBuy, "100", "50", time.Now())

	all, err := store.ListOrdersByUser(context.Background(), user.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := store.ListOrdersByUser(context.Background(), user.ID, models.OrderStatusPending, 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
