// Package position implements the read model over the State Store that the
// Risk Manager consults for current exposure per symbol.
package position

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"dispatchcore/internal/core"
)

const keyPrefix = "position:"

func symbolKey(symbol string) string { return keyPrefix + symbol }

type storedSnapshot struct {
	NetQuantity        string `json:"net_quantity"`
	AverageEntry       string `json:"average_entry"`
	OpenOrdersNotional string `json:"open_orders_notional"`
}

// View implements core.IPositionView over a core.IStateStore. Writers
// (the Dispatcher and the Reconciler) call Apply to fold a fill, a newly
// accepted order's notional, or a reconciled notional into the snapshot;
// Snapshot/AggregateNotional
// are the read side the Risk Manager consults before every dispatch.
type View struct {
	store core.IStateStore
}

// NewView builds a View over store.
func NewView(store core.IStateStore) *View {
	return &View{store: store}
}

// Snapshot returns the current exposure for symbol, or a zero-valued
// snapshot if none has been recorded yet.
func (v *View) Snapshot(ctx context.Context, symbol string) (core.PositionSnapshot, error) {
	value, found, err := v.store.Get(ctx, symbolKey(symbol))
	if err != nil {
		return core.PositionSnapshot{}, fmt.Errorf("position: read %q: %w", symbol, err)
	}
	if !found {
		return core.PositionSnapshot{Symbol: symbol}, nil
	}

	var stored storedSnapshot
	if err := json.Unmarshal(value.Payload, &stored); err != nil {
		return core.PositionSnapshot{}, fmt.Errorf("position: decode %q: %w", symbol, err)
	}
	return fromStored(symbol, stored), nil
}

// AggregateNotional sums OpenOrdersNotional across every tracked symbol.
func (v *View) AggregateNotional(ctx context.Context) (core.AggregateExposure, error) {
	keys, err := v.store.Scan(ctx, keyPrefix)
	if err != nil {
		return core.AggregateExposure{}, fmt.Errorf("position: scan: %w", err)
	}

	total := decimal.Zero
	for _, key := range keys {
		value, found, err := v.store.Get(ctx, key)
		if err != nil {
			return core.AggregateExposure{}, fmt.Errorf("position: read %q: %w", key, err)
		}
		if !found {
			continue
		}
		var stored storedSnapshot
		if err := json.Unmarshal(value.Payload, &stored); err != nil {
			return core.AggregateExposure{}, fmt.Errorf("position: decode %q: %w", key, err)
		}
		notional, parseErr := decimal.NewFromString(stored.OpenOrdersNotional)
		if parseErr != nil {
			continue
		}
		total = total.Add(notional)
	}

	return core.AggregateExposure{TotalNotional: total}, nil
}

// Apply unconditionally overwrites the stored snapshot for its symbol. The
// caller (the Dispatcher, under the symbol lock) is responsible for
// computing the new snapshot from the prior one plus the latest fill, so
// this write is never lost to a lock-free race.
func (v *View) Apply(ctx context.Context, snapshot core.PositionSnapshot) error {
	payload, err := json.Marshal(toStored(snapshot))
	if err != nil {
		return fmt.Errorf("position: encode %q: %w", snapshot.Symbol, err)
	}
	if err := v.store.Put(ctx, symbolKey(snapshot.Symbol), core.StoredValue{Payload: payload}); err != nil {
		return fmt.Errorf("position: write %q: %w", snapshot.Symbol, err)
	}
	return nil
}

func toStored(s core.PositionSnapshot) storedSnapshot {
	return storedSnapshot{
		NetQuantity:        s.NetQuantity.String(),
		AverageEntry:       s.AverageEntry.String(),
		OpenOrdersNotional: s.OpenOrdersNotional.String(),
	}
}

func fromStored(symbol string, s storedSnapshot) core.PositionSnapshot {
	net, _ := decimal.NewFromString(s.NetQuantity)
	avg, _ := decimal.NewFromString(s.AverageEntry)
	notional, _ := decimal.NewFromString(s.OpenOrdersNotional)
	return core.PositionSnapshot{Symbol: symbol, NetQuantity: net, AverageEntry: avg, OpenOrdersNotional: notional}
}

var _ core.IPositionView = (*View)(nil)
