package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/internal/database"
	"github.com/swapmatch/swapmatch/internal/events"
	"github.com/swapmatch/swapmatch/internal/repository"
	"github.com/swapmatch/swapmatch/pkg/models"
)

const (
	tokenA = "0x1111111111111111111111111111111111111111"
	tokenB = "0x2222222222222222222222222222222222222222"
)

type stubSubmitter struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubSubmitter) SubmitFill(_ context.Context, _ uuid.UUID, _ decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("0xtx%d", s.calls), nil
}

func (s *stubSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.OrderEvent
}

func (r *eventRecorder) subscriber() events.Subscriber {
	return func(e events.OrderEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

func (r *eventRecorder) countByType(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type engineFixture struct {
	store     *repository.GormStore
	submitter *stubSubmitter
	recorder  *eventRecorder
	engine    *Engine
	user      *models.User
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := database.NewSQLiteDB()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	store := repository.NewGormStore(db, zap.NewNop())
	submitter := &stubSubmitter{}
	recorder := &eventRecorder{}
	publisher := events.NewPublisher(zap.NewNop())
	publisher.Subscribe(recorder.subscriber())

	engine := NewEngine(store, submitter, publisher, Config{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Workers:    1,
	}, zap.NewNop())

	user := &models.User{ID: uuid.New(), Address: tokenA}
	require.NoError(t, store.CreateUser(context.Background(), user))

	return &engineFixture{store: store, submitter: submitter, recorder: recorder, engine: engine, user: user}
}

func (f *engineFixture) createOrder(t *testing.T, orderType, price, amountIn string, createdAt time.Time) *models.Order {
	t.Helper()
	tokenIn, tokenOut := tokenA, tokenB
	if orderType == models.OrderTypeSell {
		tokenIn, tokenOut = tokenB, tokenA
	}
	order := &models.Order{
		ID:          uuid.New(),
		UserID:      f.user.ID,
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
	require.NoError(t, f.store.CreateOrder(context.Background(), order))
	return order
}

func TestMatchOrder_FullFillSettles(t *testing.T) {
	f := newEngineFixture(t)
	maker := f.createOrder(t, models.OrderTypeSell, "98", "50", time.Now().Add(-time.Minute))
	taker := f.createOrder(t, models.OrderTypeBuy, "100", "50", time.Now())

	require.NoError(t, f.engine.MatchOrder(context.Background(), taker))

	gotTaker, err := f.store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, gotTaker.Status)
	assert.True(t, gotTaker.RemainingIn.IsZero())

	gotMaker, err := f.store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, gotMaker.Status)
	require.Len(t, gotMaker.Fills, 1)
	assert.Equal(t, models.FillStatusSettled, gotMaker.Fills[0].Status)
	assert.NotEmpty(t, gotMaker.Fills[0].TxHash)
	assert.True(t, gotMaker.Fills[0].Price.Equal(maker.Price))

	assert.Equal(t, 2, f.recorder.countByType(events.OrderExecuted), "one event per completed side")
}

func TestMatchOrder_ConsumesBestPriceFirst(t *testing.T) {
	f := newEngineFixture(t)
	base := time.Now().Add(-time.Hour)
	cheap := f.createOrder(t, models.OrderTypeSell, "95", "30", base.Add(2*time.Minute))
	expensive := f.createOrder(t, models.OrderTypeSell, "99", "30", base)
	taker := f.createOrder(t, models.OrderTypeBuy, "100", "40", time.Now())

	require.NoError(t, f.engine.MatchOrder(context.Background(), taker))

	gotCheap, err := f.store.GetOrder(context.Background(), cheap.ID)
	require.NoError(t, err)
	assert.True(t, gotCheap.RemainingIn.IsZero(), "best-priced maker is consumed first")

	gotExpensive, err := f.store.GetOrder(context.Background(), expensive.ID)
	require.NoError(t, err)
	assert.True(t, gotExpensive.RemainingIn.Equal(dec("20")))

	gotTaker, err := f.store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, gotTaker.Status)
}

func TestMatchOrder_TimePriorityOnPriceTie(t *testing.T) {
	f := newEngineFixture(t)
	base := time.Now().Add(-time.Hour)
	early := f.createOrder(t, models.OrderTypeSell, "98", "30", base)
	late := f.createOrder(t, models.OrderTypeSell, "98", "30", base.Add(time.Minute))
	taker := f.createOrder(t, models.OrderTypeBuy, "100", "30", time.Now())

	require.NoError(t, f.engine.MatchOrder(context.Background(), taker))

	gotEarly, err := f.store.GetOrder(context.Background(), early.ID)
	require.NoError(t, err)
	assert.True(t, gotEarly.RemainingIn.IsZero())

	gotLate, err := f.store.GetOrder(context.Background(), late.ID)
	require.NoError(t, err)
	assert.True(t, gotLate.RemainingIn.Equal(dec("30")), "later maker untouched")
}

func TestMatchOrder_NoCandidates(t *testing.T) {
	f := newEngineFixture(t)
	taker := f.createOrder(t, models.OrderTypeBuy, "100", "50", time.Now())

	require.NoError(t, f.engine.MatchOrder(context.Background(), taker))

	got, err := f.store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
	assert.True(t, got.RemainingIn.Equal(dec("50")))
	assert.Zero(t, f.submitter.callCount())
}

func TestMatchOrder_IdempotentOnTerminalOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.createOrder(t, models.OrderTypeSell, "98", "50", time.Now().Add(-time.Minute))
	taker := f.createOrder(t, models.OrderTypeBuy, "100", "50", time.Now())

	require.NoError(t, f.engine.MatchOrder(context.Background(), taker))
	callsAfterFirst := f.submitter.callCount()

	refreshed, err := f.store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.MatchOrder(context.Background(), refreshed))

	assert.Equal(t, callsAfterFirst, f.submitter.callCount(), "re-matching a completed order must be a no-op")
}

func TestMatchOrder_SettlementFailureCompensates(t *testing.T) {
	f := newEngineFixture(t)
	f.submitter.err = errors.New("chain unavailable")

	maker := f.createOrder(t, models.OrderTypeSell, "98", "50", time.Now().Add(-time.Minute))
	taker := f.createOrder(t, models.OrderTypeBuy, "100", "50", time.Now())

	require.NoError(t, f.engine.MatchOrder(context.Background(), taker))

	gotTaker, err := f.store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, gotTaker.Status)
	assert.True(t, gotTaker.RemainingIn.Equal(dec("50")), "taker amount restored after revert")

	gotMaker, err := f.store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, gotMaker.Status)
	assert.True(t, gotMaker.RemainingIn.Equal(dec("50")))
	require.Len(t, gotMaker.Fills, 1)
	assert.Equal(t, models.FillStatusFailed, gotMaker.Fills[0].Status)

	assert.Zero(t, f.recorder.countByType(events.OrderExecuted), "no execution event for a reverted match")
}

// staleCandidateStore returns a fixed candidate list regardless of its current
// state, simulating a candidate cancelled between listing and commit.
type staleCandidateStore struct {
	repository.OrderStore
	candidates []*models.Order
}

func (s *staleCandidateStore) ListPendingCounterOrders(_ context.Context, _ *models.Order) ([]*models.Order, error) {
	return s.candidates, nil
}

func TestMatchOrder_SkipsCandidateCancelledAfterListing(t *testing.T) {
	f := newEngineFixture(t)
	maker := f.createOrder(t, models.OrderTypeSell, "98", "50", time.Now().Add(-time.Minute))
	taker := f.createOrder(t, models.OrderTypeBuy, "100", "50", time.Now())

	snapshot := *maker
	_, err := f.store.CancelOrder(context.Background(), maker.ID)
	require.NoError(t, err)

	engine := NewEngine(
		&staleCandidateStore{OrderStore: f.store, candidates: []*models.Order{&snapshot}},
		f.submitter,
		events.NewPublisher(zap.NewNop()),
		Config{MaxRetries: 2, RetryDelay: time.Millisecond},
		zap.NewNop(),
	)

	require.NoError(t, engine.MatchOrder(context.Background(), taker))

	gotTaker, err := f.store.GetOrder(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, gotTaker.Status)
	assert.True(t, gotTaker.RemainingIn.Equal(dec("50")), "stale candidate must be skipped, not matched")
	assert.Zero(t, f.submitter.callCount())
}

func TestMatchOrder_ConcurrentTakersNeverOverdrawMaker(t *testing.T) {
	f := newEngineFixture(t)
	maker := f.createOrder(t, models.OrderTypeSell, "98", "100", time.Now().Add(-time.Minute))

	takers := make([]*models.Order, 4)
	for i := range takers {
		takers[i] = f.createOrder(t, models.OrderTypeBuy, "100", "60", time.Now())
	}

	var wg sync.WaitGroup
	for _, taker := range takers {
		wg.Add(1)
		go func(o *models.Order) {
			defer wg.Done()
			_ = f.engine.MatchOrder(context.Background(), o)
		}(taker)
	}
	wg.Wait()

	gotMaker, err := f.store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.False(t, gotMaker.RemainingIn.IsNegative(), "maker remaining must never go negative")

	var filled decimal.Decimal
	for _, fl := range gotMaker.Fills {
		if fl.Status != models.FillStatusFailed {
			filled = filled.Add(fl.Amount)
		}
	}
	assert.True(t, filled.Add(gotMaker.RemainingIn).Equal(gotMaker.AmountIn),
		"fills plus remaining must equal the original amount, got %s + %s", filled, gotMaker.RemainingIn)
}

func TestSweepPending_ExpiresAndRematches(t *testing.T) {
	f := newEngineFixture(t)

	past := time.Now().Add(-time.Minute)
	due := &models.Order{
		ID:          uuid.New(),
		UserID:      f.user.ID,
		TokenIn:     tokenA,
		TokenOut:    tokenB,
		Type:        models.OrderTypeBuy,
		Price:       dec("100"),
		AmountIn:    dec("50"),
		AmountOut:   dec("50"),
		RemainingIn: dec("50"),
		Status:      models.OrderStatusPending,
		ExpiresAt:   &past,
		CreatedAt:   time.Now().Add(-time.Hour),
		UpdatedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), due))

	maker := f.createOrder(t, models.OrderTypeSell, "98", "50", time.Now().Add(-time.Minute))
	resting := f.createOrder(t, models.OrderTypeBuy, "100", "50", time.Now())

	require.NoError(t, f.engine.SweepPending(context.Background()))

	gotDue, err := f.store.GetOrder(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, gotDue.Status)
	assert.Equal(t, 1, f.recorder.countByType(events.OrderExpired))

	gotResting, err := f.store.GetOrder(context.Background(), resting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, gotResting.Status, "sweep must re-run matching on resting orders")

	gotMaker, err := f.store.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, gotMaker.Status)
}
