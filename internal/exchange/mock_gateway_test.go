package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/core"
)

func TestMockGateway_MarketOrderFillsImmediatelyAndEmitsEvent(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()

	events, err := gw.Events(ctx)
	require.NoError(t, err)

	result, err := gw.Place(ctx, core.Order{OrderID: "o1", Symbol: "BTC-USD", Type: core.OrderTypeMarket, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, core.GatewayAccepted, result.Kind)

	status, err := gw.Query(ctx, result.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, status)

	evt := <-events
	assert.Equal(t, result.ExchangeOrderID, evt.ExchangeOrderID)
	assert.Equal(t, core.OrderStatusFilled, evt.NewStatus)
}

func TestMockGateway_LimitOrderStaysAcceptedUntilFilled(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()

	result, err := gw.Place(ctx, core.Order{OrderID: "o2", Symbol: "BTC-USD", Type: core.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(100)})
	require.NoError(t, err)

	status, err := gw.Query(ctx, result.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusAccepted, status)

	gw.Fill(result.ExchangeOrderID, decimal.NewFromInt(1), decimal.NewFromInt(100))

	status, err = gw.Query(ctx, result.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, status)
}

func TestMockGateway_RejectNextPlace(t *testing.T) {
	gw := NewMockGateway()
	gw.RejectNextPlace("insufficient margin")

	result, err := gw.Place(context.Background(), core.Order{OrderID: "o3", Symbol: "BTC-USD", Type: core.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, core.GatewayRejected, result.Kind)
	assert.Equal(t, "insufficient margin", result.Reason)
}

func TestMockGateway_QueryByClientOrderID(t *testing.T) {
	gw := NewMockGateway()
	ctx := context.Background()

	placeResult, err := gw.Place(ctx, core.Order{OrderID: "client-123", Symbol: "BTC-USD", Type: core.OrderTypeLimit, Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)

	found, ok, err := gw.QueryByClientOrderID(ctx, "client-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, placeResult.ExchangeOrderID, found.ExchangeOrderID)

	_, ok, err = gw.QueryByClientOrderID(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMockGateway_CancelUnknownOrderReturnsNotFound(t *testing.T) {
	gw := NewMockGateway()
	result, err := gw.Cancel(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, core.GatewayNotFound, result.Kind)
}
