package oco

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/alert"
	"dispatchcore/internal/audit"
	"dispatchcore/internal/core"
	"dispatchcore/internal/exchange"
	"dispatchcore/internal/logging"
	"dispatchcore/internal/statestore"
)

func newTestManager(t *testing.T) (*Manager, *exchange.MockGateway) {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	sink, err := audit.NewSQLiteSink(t.TempDir() + "/audit.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	gw := exchange.NewMockGateway()
	mgr := NewManager(statestore.NewMemoryStore(), gw, sink, alert.NewManager(logger), logger, 5)
	return mgr, gw
}

func armedPair(t *testing.T, mgr *Manager, gw *exchange.MockGateway) core.OCOPair {
	t.Helper()
	ctx := context.Background()

	stopResult, err := gw.Place(ctx, core.Order{OrderID: "stop-1", Symbol: "BTC-USD", Type: core.OrderTypeStop, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(90)})
	require.NoError(t, err)
	tpResult, err := gw.Place(ctx, core.Order{OrderID: "tp-1", Symbol: "BTC-USD", Type: core.OrderTypeTakeProfit, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(110)})
	require.NoError(t, err)

	pair := core.OCOPair{
		GroupID: "group-1", Symbol: "BTC-USD", Side: core.SideSell,
		StopOrderID: stopResult.ExchangeOrderID, TakeProfitOrderID: tpResult.ExchangeOrderID,
	}
	require.NoError(t, mgr.Arm(ctx, pair))
	return pair
}

func TestManager_ArmPersistsArmedState(t *testing.T) {
	mgr, gw := newTestManager(t)
	pair := armedPair(t, mgr, gw)

	got, ok, err := mgr.Get(context.Background(), pair.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OCOStateArmed, got.State)
}

func TestManager_OnFillCancelsSiblingAndCompletes(t *testing.T) {
	mgr, gw := newTestManager(t)
	pair := armedPair(t, mgr, gw)
	ctx := context.Background()

	err := mgr.OnFill(ctx, core.FillEvent{ExchangeOrderID: pair.StopOrderID, NewStatus: core.OrderStatusFilled, Timestamp: time.Now()}, pair.StopOrderID)
	require.NoError(t, err)

	got, ok, err := mgr.Get(ctx, pair.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OCOStateCompleted, got.State)
	assert.Equal(t, pair.StopOrderID, got.FilledLeg)

	status, err := gw.Query(ctx, pair.TakeProfitOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, status)
}

func TestManager_OnFillIgnoresUnknownOrder(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.OnFill(context.Background(), core.FillEvent{ExchangeOrderID: "unrelated", NewStatus: core.OrderStatusFilled}, "unrelated")
	assert.NoError(t, err)
}

func TestManager_OnFillIsIdempotentForDuplicateDelivery(t *testing.T) {
	mgr, gw := newTestManager(t)
	pair := armedPair(t, mgr, gw)
	ctx := context.Background()

	event := core.FillEvent{ExchangeOrderID: pair.StopOrderID, NewStatus: core.OrderStatusFilled, Timestamp: time.Now()}
	require.NoError(t, mgr.OnFill(ctx, event, pair.StopOrderID))
	require.NoError(t, mgr.OnFill(ctx, event, pair.StopOrderID))

	got, _, err := mgr.Get(ctx, pair.GroupID)
	require.NoError(t, err)
	assert.Equal(t, core.OCOStateCompleted, got.State)
}

func TestManager_OnLegRejectedCancelsAcceptedSiblingAndFails(t *testing.T) {
	mgr, gw := newTestManager(t)
	ctx := context.Background()

	stopResult, err := gw.Place(ctx, core.Order{OrderID: "stop-2", Symbol: "BTC-USD", Type: core.OrderTypeStop, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(90)})
	require.NoError(t, err)

	pair := core.OCOPair{GroupID: "group-2", Symbol: "BTC-USD", StopOrderID: stopResult.ExchangeOrderID, TakeProfitOrderID: "tp-never-accepted"}
	require.NoError(t, mgr.Arm(ctx, pair))

	require.NoError(t, mgr.OnLegRejected(ctx, pair.GroupID, "tp-never-accepted", "insufficient margin"))

	got, ok, err := mgr.Get(ctx, pair.GroupID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OCOStateFailed, got.State)

	status, err := gw.Query(ctx, stopResult.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, status)
}
