package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/core"
	"dispatchcore/internal/exchange"
	"dispatchcore/internal/logging"
	"dispatchcore/internal/position"
	"dispatchcore/internal/risk"
	"dispatchcore/internal/statestore"
)

func newTestReconciler(t *testing.T, breaker *risk.CircuitBreaker) (*Reconciler, core.IStateStore, *exchange.MockGateway, *position.View) {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	store := statestore.NewMemoryStore()
	gw := exchange.NewMockGateway()
	view := position.NewView(store)

	r := New(store, gw, view, breaker, nil, logger, []string{"BTC-USD"}, time.Hour)
	return r, store, gw, view
}

func putLocalOrder(t *testing.T, store core.IStateStore, order core.Order) {
	t.Helper()
	payload, err := json.Marshal(order)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "order:"+order.OrderID, core.StoredValue{Payload: payload}))
}

func TestReconciler_GhostLocalOrderIsMarkedTerminal(t *testing.T) {
	r, store, gw, _ := newTestReconciler(t, nil)
	ctx := context.Background()

	placeResult, err := gw.Place(ctx, core.Order{OrderID: "local-1", Symbol: "BTC-USD", Type: core.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = gw.Cancel(ctx, placeResult.ExchangeOrderID)
	require.NoError(t, err)

	putLocalOrder(t, store, core.Order{
		OrderID: "local-1", ExchangeOrderID: placeResult.ExchangeOrderID, Symbol: "BTC-USD",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Status: core.OrderStatusAccepted,
	})

	require.NoError(t, r.Run(ctx))

	results := r.LastResults()
	require.Len(t, results, 1)
	assert.Contains(t, results[0].GhostLocalOrders, "local-1")

	value, found, err := store.Get(ctx, "order:local-1")
	require.NoError(t, err)
	require.True(t, found)
	var updated core.Order
	require.NoError(t, json.Unmarshal(value.Payload, &updated))
	assert.Equal(t, core.OrderStatusCancelled, updated.Status)
}

func TestReconciler_SmallNotionalDivergenceIsAutoCorrected(t *testing.T) {
	r, store, gw, view := newTestReconciler(t, nil)
	ctx := context.Background()

	placeResult, err := gw.Place(ctx, core.Order{OrderID: "local-2", Symbol: "BTC-USD", Type: core.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	putLocalOrder(t, store, core.Order{
		OrderID: "local-2", ExchangeOrderID: placeResult.ExchangeOrderID, Symbol: "BTC-USD",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Status: core.OrderStatusAccepted,
	})

	require.NoError(t, view.Apply(ctx, core.PositionSnapshot{Symbol: "BTC-USD", OpenOrdersNotional: decimal.NewFromInt(99)}))

	require.NoError(t, r.Run(ctx))

	results := r.LastResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].CorrectedNotional)
	assert.False(t, results[0].Halted)

	snapshot, err := view.Snapshot(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(snapshot.OpenOrdersNotional))
}

func TestReconciler_LargeNotionalDivergenceTripsCircuitBreaker(t *testing.T) {
	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{})
	r, store, gw, view := newTestReconciler(t, breaker)
	ctx := context.Background()

	placeResult, err := gw.Place(ctx, core.Order{OrderID: "local-3", Symbol: "BTC-USD", Type: core.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	putLocalOrder(t, store, core.Order{
		OrderID: "local-3", ExchangeOrderID: placeResult.ExchangeOrderID, Symbol: "BTC-USD",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Status: core.OrderStatusAccepted,
	})

	require.NoError(t, view.Apply(ctx, core.PositionSnapshot{Symbol: "BTC-USD", OpenOrdersNotional: decimal.NewFromInt(10)}))

	require.NoError(t, r.Run(ctx))

	results := r.LastResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].Halted)
	assert.True(t, breaker.IsTripped())
}

func TestReconciler_MatchingNotionalIsANoop(t *testing.T) {
	r, store, gw, view := newTestReconciler(t, nil)
	ctx := context.Background()

	placeResult, err := gw.Place(ctx, core.Order{OrderID: "local-4", Symbol: "BTC-USD", Type: core.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	putLocalOrder(t, store, core.Order{
		OrderID: "local-4", ExchangeOrderID: placeResult.ExchangeOrderID, Symbol: "BTC-USD",
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Status: core.OrderStatusAccepted,
	})
	require.NoError(t, view.Apply(ctx, core.PositionSnapshot{Symbol: "BTC-USD", OpenOrdersNotional: decimal.NewFromInt(100)}))

	require.NoError(t, r.Run(ctx))

	results := r.LastResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].CorrectedNotional)
	assert.False(t, results[0].Halted)
	assert.Empty(t, results[0].GhostLocalOrders)
}
