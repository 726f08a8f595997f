// Package reconciler periodically cross-checks locally tracked orders and
// position exposure against the exchange's own view, correcting small drift
// and halting trading when the drift is too large to auto-correct.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dispatchcore/internal/core"
	"dispatchcore/internal/position"
	"dispatchcore/internal/risk"
)

const orderKeyPrefix = "order:"

// divergenceHaltPercent is the position-drift threshold past which the
// reconciler trips the circuit breaker instead of auto-correcting; below it,
// the position view's stored open-order notional is overwritten with the
// figure recomputed from local orders the exchange still reports as live.
const divergenceHaltPercent = 5

// Result is the outcome of one reconciliation pass over a single symbol.
type Result struct {
	Symbol            string
	GhostLocalOrders  []string
	LocalNotional     decimal.Decimal
	CorrectedNotional bool
	Halted            bool
}

// Reconciler runs on an interval, detecting orders the dispatcher believes
// are still open but the exchange has already terminated, and checking
// computed open-order notional against the position view's stored figure.
type Reconciler struct {
	store    core.IStateStore
	gateway  core.IExchangeGateway
	position *position.View
	breaker  *risk.CircuitBreaker
	audit    core.IAuditSink
	logger   core.ILogger

	symbols  []string
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusMu sync.RWMutex
	lastRun  []Result
}

// New builds a Reconciler. breaker may be nil, in which case large
// divergence is logged and audited but cannot halt trading.
func New(
	store core.IStateStore,
	gateway core.IExchangeGateway,
	positionView *position.View,
	breaker *risk.CircuitBreaker,
	audit core.IAuditSink,
	logger core.ILogger,
	symbols []string,
	interval time.Duration,
) *Reconciler {
	return &Reconciler{
		store: store, gateway: gateway, position: positionView, breaker: breaker, audit: audit,
		logger: logger.With(map[string]any{"component": "reconciler"}),
		symbols: symbols, interval: interval,
	}
}

// Start runs the reconciliation loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				passCtx, passCancel := context.WithTimeout(loopCtx, 30*time.Second)
				if err := r.Run(passCtx); err != nil {
					r.logger.Error(core.LogEvent{Name: "reconciliation_pass_failed", Attrs: map[string]any{"error": err.Error()}})
				}
				passCancel()
			}
		}
	}()
}

// Stop ends the loop and waits for the in-flight pass, if any, to finish.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Run performs a single reconciliation pass across every configured symbol.
func (r *Reconciler) Run(ctx context.Context) error {
	results := make([]Result, 0, len(r.symbols))
	for _, symbol := range r.symbols {
		result, err := r.reconcileSymbol(ctx, symbol)
		if err != nil {
			return fmt.Errorf("reconciler: symbol %s: %w", symbol, err)
		}
		results = append(results, result)
	}

	r.statusMu.Lock()
	r.lastRun = results
	r.statusMu.Unlock()
	return nil
}

// LastResults returns the outcome of the most recently completed pass.
func (r *Reconciler) LastResults() []Result {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	out := make([]Result, len(r.lastRun))
	copy(out, r.lastRun)
	return out
}

func (r *Reconciler) reconcileSymbol(ctx context.Context, symbol string) (Result, error) {
	orders, err := r.localOpenOrders(ctx, symbol)
	if err != nil {
		return Result{}, fmt.Errorf("load local open orders: %w", err)
	}

	result := Result{Symbol: symbol}
	computedNotional := decimal.Zero

	for _, order := range orders {
		status, err := r.gateway.Query(ctx, order.ExchangeOrderID)
		if err != nil {
			r.logger.Warn(core.LogEvent{Name: "reconciler_query_failed", Attrs: map[string]any{
				"order_id": order.OrderID, "exchange_order_id": order.ExchangeOrderID, "error": err.Error(),
			}})
			// Treat the order as still open; a transient query failure must
			// not cause a live order to be dropped from notional accounting.
			computedNotional = computedNotional.Add(order.Quantity.Mul(order.Price))
			continue
		}

		if status.IsTerminal() {
			result.GhostLocalOrders = append(result.GhostLocalOrders, order.OrderID)
			if err := r.markGhostLocalOrder(ctx, order, status); err != nil {
				return Result{}, fmt.Errorf("correct ghost local order %s: %w", order.OrderID, err)
			}
			continue
		}

		computedNotional = computedNotional.Add(order.Quantity.Mul(order.Price))
	}

	result.LocalNotional = computedNotional
	corrected, halted, err := r.reconcileNotional(ctx, symbol, computedNotional)
	if err != nil {
		return Result{}, err
	}
	result.CorrectedNotional = corrected
	result.Halted = halted

	return result, nil
}

func (r *Reconciler) localOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	keys, err := r.store.Scan(ctx, orderKeyPrefix)
	if err != nil {
		return nil, err
	}

	var open []core.Order
	for _, key := range keys {
		value, found, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var order core.Order
		if err := json.Unmarshal(value.Payload, &order); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		if order.Symbol != symbol || order.ExchangeOrderID == "" {
			continue
		}
		if order.Status == core.OrderStatusAccepted || order.Status == core.OrderStatusPartiallyFilled {
			open = append(open, order)
		}
	}
	return open, nil
}

// markGhostLocalOrder updates the locally persisted order to match the
// exchange's terminal status; it is a ghost in the sense that the
// dispatcher's own state still believed it was live.
func (r *Reconciler) markGhostLocalOrder(ctx context.Context, order core.Order, exchangeStatus core.OrderStatus) error {
	order.Status = exchangeStatus
	order.UpdatedAt = time.Now()
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, orderKeyPrefix+order.OrderID, core.StoredValue{Payload: payload}); err != nil {
		return err
	}

	r.logger.Warn(core.LogEvent{Name: "ghost_local_order_corrected", Attrs: map[string]any{
		"order_id": order.OrderID, "exchange_order_id": order.ExchangeOrderID, "exchange_status": string(exchangeStatus),
	}})
	return r.auditReconciliation(ctx, order.OrderID, core.AuditInvalid,
		fmt.Sprintf("local order was still open but exchange reports %s", exchangeStatus))
}

// reconcileNotional compares the freshly recomputed open-order notional for
// a symbol against the position view's stored figure. A small divergence is
// auto-corrected; a large one trips the circuit breaker, since it implies
// the dispatcher's risk checks have been running against stale exposure.
func (r *Reconciler) reconcileNotional(ctx context.Context, symbol string, computed decimal.Decimal) (corrected bool, halted bool, err error) {
	snapshot, err := r.position.Snapshot(ctx, symbol)
	if err != nil {
		return false, false, fmt.Errorf("read position snapshot: %w", err)
	}

	if snapshot.OpenOrdersNotional.Equal(computed) {
		return false, false, nil
	}

	divergence := computed.Sub(snapshot.OpenOrdersNotional).Abs()
	denominator := snapshot.OpenOrdersNotional.Abs()
	if denominator.IsZero() {
		denominator = decimal.NewFromFloat(0.0001)
	}
	divergencePct := divergence.Div(denominator).Mul(decimal.NewFromInt(100))

	r.logger.Warn(core.LogEvent{Name: "position_notional_divergence", Attrs: map[string]any{
		"symbol": symbol, "local": snapshot.OpenOrdersNotional.String(), "computed": computed.String(), "divergence_pct": divergencePct.String(),
	}})

	if divergencePct.LessThan(decimal.NewFromInt(divergenceHaltPercent)) {
		previous := snapshot.OpenOrdersNotional
		snapshot.OpenOrdersNotional = computed
		if err := r.position.Apply(ctx, snapshot); err != nil {
			return false, false, fmt.Errorf("apply corrected snapshot: %w", err)
		}
		_ = r.auditReconciliation(ctx, "", core.AuditExecuted, fmt.Sprintf("auto-corrected %s open-order notional from %s to %s", symbol, previous, computed))
		return true, false, nil
	}

	reason := fmt.Sprintf("position divergence for %s is %s%%, exceeding the %d%% auto-correction threshold", symbol, divergencePct.StringFixed(2), divergenceHaltPercent)
	if r.breaker != nil {
		r.breaker.Open(reason)
	} else {
		r.logger.Error(core.LogEvent{Name: "reconciler_halt_unavailable", Attrs: map[string]any{"reason": reason}})
	}
	_ = r.auditReconciliation(ctx, "", core.AuditInvalid, reason)
	return false, true, nil
}

func (r *Reconciler) auditReconciliation(ctx context.Context, orderID string, outcome core.AuditOutcome, reason string) error {
	if r.audit == nil {
		return nil
	}
	if strings.TrimSpace(reason) == "" {
		return nil
	}
	return r.audit.Append(ctx, core.AuditEntry{Kind: "reconciliation", OrderID: orderID, Outcome: outcome, Reason: reason})
}
