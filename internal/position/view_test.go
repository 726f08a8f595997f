package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/core"
	"dispatchcore/internal/statestore"
)

func TestView_SnapshotDefaultsToZeroForUnknownSymbol(t *testing.T) {
	v := NewView(statestore.NewMemoryStore())
	snap, err := v.Snapshot(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.True(t, snap.NetQuantity.IsZero())
}

func TestView_ApplyThenSnapshotRoundTrips(t *testing.T) {
	v := NewView(statestore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, v.Apply(ctx, core.PositionSnapshot{
		Symbol: "BTC-USD", NetQuantity: decimal.NewFromInt(2), OpenOrdersNotional: decimal.NewFromInt(500),
	}))

	snap, err := v.Snapshot(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(snap.NetQuantity))
}

func TestView_AggregateNotionalSumsAcrossSymbols(t *testing.T) {
	v := NewView(statestore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, v.Apply(ctx, core.PositionSnapshot{Symbol: "BTC-USD", OpenOrdersNotional: decimal.NewFromInt(100)}))
	require.NoError(t, v.Apply(ctx, core.PositionSnapshot{Symbol: "ETH-USD", OpenOrdersNotional: decimal.NewFromInt(250)}))

	agg, err := v.AggregateNotional(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(350).Equal(agg.TotalNotional))
}
