// Package ingress drains the two external event sources the dispatcher
// subsystem reacts to — inbound signals and the exchange's fill/status
// stream — onto bounded worker pools. The transport that feeds the
// channels (message bus, HTTP adapter, ...) is outside this subsystem's
// scope; ingress only owns what happens once a value is already in hand.
package ingress

import (
	"context"

	"dispatchcore/internal/core"
	"dispatchcore/internal/dispatcher"
	"dispatchcore/internal/oco"
	"dispatchcore/pkg/concurrency"
)

// SignalWorker drains a channel of inbound signals onto a worker pool, each
// task calling the dispatch engine once.
type SignalWorker struct {
	pool   *concurrency.WorkerPool
	engine core.IDispatchEngine
	logger core.ILogger
}

// NewSignalWorker builds a SignalWorker.
func NewSignalWorker(pool *concurrency.WorkerPool, engine core.IDispatchEngine, logger core.ILogger) *SignalWorker {
	return &SignalWorker{pool: pool, engine: engine, logger: logger.With(map[string]any{"component": "signal_worker"})}
}

// Run drains signals until the channel closes or ctx is cancelled.
func (w *SignalWorker) Run(ctx context.Context, signals <-chan core.Signal) error {
	for {
		select {
		case <-ctx.Done():
			w.pool.Stop()
			return nil
		case signal, ok := <-signals:
			if !ok {
				w.pool.Stop()
				return nil
			}
			sig := signal
			if err := w.pool.Submit(func() { w.dispatchOne(ctx, sig) }); err != nil {
				w.logger.Error(core.LogEvent{Name: "signal_submit_failed", Attrs: map[string]any{"symbol": sig.Symbol, "error": err.Error()}})
			}
		}
	}
}

func (w *SignalWorker) dispatchOne(ctx context.Context, signal core.Signal) {
	result, err := w.engine.Dispatch(ctx, signal)
	if err != nil {
		w.logger.Error(core.LogEvent{Name: "dispatch_failed", Attrs: map[string]any{"symbol": signal.Symbol, "strategy_id": signal.StrategyID, "error": err.Error()}})
		return
	}
	w.logger.Info(core.LogEvent{Name: "signal_dispatched", Attrs: map[string]any{
		"symbol": signal.Symbol, "strategy_id": signal.StrategyID, "outcome": string(result.Kind), "order_id": result.OrderID,
	}})
}

// EventWorker drains the exchange's fill/status event stream, routing each
// event to the OCO Manager and to the Dispatcher's own order bookkeeping.
type EventWorker struct {
	pool       *concurrency.WorkerPool
	dispatcher *dispatcher.Dispatcher
	oco        core.IOCOManager
	logger     core.ILogger
}

// NewEventWorker builds an EventWorker.
func NewEventWorker(pool *concurrency.WorkerPool, d *dispatcher.Dispatcher, ocoManager *oco.Manager, logger core.ILogger) *EventWorker {
	return &EventWorker{pool: pool, dispatcher: d, oco: ocoManager, logger: logger.With(map[string]any{"component": "event_worker"})}
}

// Run drains events until the channel closes or ctx is cancelled.
func (w *EventWorker) Run(ctx context.Context, events <-chan core.FillEvent) error {
	for {
		select {
		case <-ctx.Done():
			w.pool.Stop()
			return nil
		case event, ok := <-events:
			if !ok {
				w.pool.Stop()
				return nil
			}
			evt := event
			if err := w.pool.Submit(func() { w.applyOne(ctx, evt) }); err != nil {
				w.logger.Error(core.LogEvent{Name: "event_submit_failed", Attrs: map[string]any{"exchange_order_id": evt.ExchangeOrderID, "error": err.Error()}})
			}
		}
	}
}

func (w *EventWorker) applyOne(ctx context.Context, event core.FillEvent) {
	if err := w.dispatcher.ApplyFillEvent(ctx, event); err != nil {
		w.logger.Error(core.LogEvent{Name: "apply_fill_event_failed", Attrs: map[string]any{"exchange_order_id": event.ExchangeOrderID, "error": err.Error()}})
	}
	if err := w.oco.OnFill(ctx, event, event.ExchangeOrderID); err != nil {
		w.logger.Error(core.LogEvent{Name: "oco_on_fill_failed", Attrs: map[string]any{"exchange_order_id": event.ExchangeOrderID, "error": err.Error()}})
	}
}
