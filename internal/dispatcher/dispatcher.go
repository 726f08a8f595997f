// Package dispatcher implements the core signal-to-order pipeline: dedup,
// symbol locking, risk evaluation, exchange submission, and audit logging.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dispatchcore/internal/core"
	"dispatchcore/internal/oco"
	"dispatchcore/internal/position"
	"dispatchcore/pkg/retry"
)

const (
	orderKeyPrefix          = "order:"
	orderByExchangeIDPrefix = "order_by_exchange_id:"
)

// Config holds the operator-tunable parameters the Dispatcher consults on
// every signal. Every field is sourced from config.Config at composition-root
// time; none of these are hardcoded package constants, since an operator
// must be able to retune dedup retention, lock leases, order sizing, and
// submission retries without a rebuild.
type Config struct {
	// DedupRetention is how long a processed-signal record is kept before
	// it can be garbage collected; a re-delivery older than this is
	// treated as a fresh signal rather than a retry.
	DedupRetention time.Duration
	// LockTTL bounds how long one dispatch may hold a symbol's lock
	// before a stuck worker is presumed dead and the lock is reclaimable.
	LockTTL time.Duration
	// DefaultTargetNotional and MinOrderNotional feed the quantity
	// fallback when a signal omits an explicit quantity:
	// max(DefaultTargetNotional, MinOrderNotional) / price.
	DefaultTargetNotional decimal.Decimal
	MinOrderNotional      decimal.Decimal
	// QuantityTickSize is the increment a computed quantity is rounded up
	// to when its notional would otherwise settle below MinOrderNotional.
	QuantityTickSize decimal.Decimal
	// PlaceRetry bounds the exchange submission retry loop.
	PlaceRetry retry.Policy
	// RequestDeadline bounds a single exchange round trip.
	RequestDeadline time.Duration
}

// Dispatcher wires together every collaborator in the dispatch path.
type Dispatcher struct {
	store    core.IStateStore
	locks    core.ILockManager
	risk     core.IRiskManager
	gateway  core.IExchangeGateway
	audit    core.IAuditSink
	position *position.View
	oco      *oco.Manager
	logger   core.ILogger

	instanceID string
	cfg        Config
}

// New builds a Dispatcher.
func New(
	store core.IStateStore,
	locks core.ILockManager,
	risk core.IRiskManager,
	gateway core.IExchangeGateway,
	auditSink core.IAuditSink,
	positionView *position.View,
	ocoManager *oco.Manager,
	logger core.ILogger,
	instanceID string,
	cfg Config,
) *Dispatcher {
	return &Dispatcher{
		store: store, locks: locks, risk: risk, gateway: gateway, audit: auditSink,
		position: positionView, oco: ocoManager, logger: logger.With(map[string]any{"component": "dispatcher"}),
		instanceID: instanceID,
		cfg:        cfg,
	}
}

// Dispatch runs one signal through the full pipeline and returns its
// terminal outcome. It never returns an error for a business-level
// rejection (duplicate, risk-rejected, invalid); the error return is
// reserved for infrastructure failures (store/lock unavailable) that the
// caller should treat as a reason to retry delivery upstream.
func (d *Dispatcher) Dispatch(ctx context.Context, signal core.Signal) (core.DispatchResult, error) {
	if err := validateSignal(signal); err != nil {
		d.auditOutcome(ctx, "", core.Fingerprint(signal), core.AuditInvalid, err.Error())
		return core.DispatchResult{Kind: core.OutcomeInvalid, Reason: err.Error()}, nil
	}

	fingerprint := core.Fingerprint(signal)

	fresh, err := d.claimFingerprint(ctx, fingerprint)
	if err != nil {
		return core.DispatchResult{}, fmt.Errorf("dispatcher: claim fingerprint: %w", err)
	}
	if !fresh {
		d.auditOutcome(ctx, "", fingerprint, core.AuditDuplicate, "signal fingerprint already processed")
		return core.DispatchResult{Kind: core.OutcomeDuplicate}, nil
	}

	holderID := d.instanceID + ":" + uuid.NewString()
	_, granted, err := d.locks.Acquire(ctx, signal.Symbol, d.cfg.LockTTL, holderID)
	if err != nil {
		return core.DispatchResult{}, fmt.Errorf("dispatcher: acquire lock: %w", err)
	}
	if !granted {
		d.auditOutcome(ctx, "", fingerprint, core.AuditLockDenied, "symbol lock held by another dispatch")
		return core.DispatchResult{Kind: core.OutcomeLockDenied}, nil
	}
	defer func() {
		if releaseErr := d.locks.Release(context.Background(), signal.Symbol, holderID); releaseErr != nil {
			d.logger.Error(core.LogEvent{Name: "lock_release_failed", Attrs: map[string]any{"symbol": signal.Symbol, "error": releaseErr.Error()}})
		}
	}()

	snapshot, err := d.position.Snapshot(ctx, signal.Symbol)
	if err != nil {
		return core.DispatchResult{}, fmt.Errorf("dispatcher: read position snapshot: %w", err)
	}

	proposed, err := d.buildProposedOrder(signal, snapshot)
	if err != nil {
		d.auditOutcome(ctx, "", fingerprint, core.AuditInvalid, err.Error())
		return core.DispatchResult{Kind: core.OutcomeInvalid, Reason: err.Error()}, nil
	}

	aggregate, err := d.position.AggregateNotional(ctx)
	if err != nil {
		return core.DispatchResult{}, fmt.Errorf("dispatcher: read aggregate exposure: %w", err)
	}
	riskView := snapshot
	riskView.OpenOrdersNotional = aggregate.TotalNotional

	verdict := d.risk.Evaluate(proposed, riskView)
	if !verdict.Allowed {
		d.auditOutcome(ctx, "", fingerprint, core.AuditRiskRejected, verdict.Reason)
		return core.DispatchResult{Kind: core.OutcomeRiskRejected, Reason: verdict.Reason}, nil
	}

	order := core.Order{
		OrderID:                      uuid.NewString(),
		Symbol:                       proposed.Symbol,
		Side:                         proposed.Side,
		Type:                         proposed.Type,
		Quantity:                     proposed.Quantity,
		Price:                        proposed.Price,
		Status:                       core.OrderStatusPending,
		CreatedAt:                    time.Now(),
		UpdatedAt:                    time.Now(),
		OriginatingSignalFingerprint: fingerprint,
	}
	if err := d.persistOrder(ctx, order); err != nil {
		return core.DispatchResult{}, fmt.Errorf("dispatcher: persist pending order: %w", err)
	}

	placeResult, placeErr := d.placeWithRetry(ctx, order)
	if placeErr != nil || placeResult.Kind != core.GatewayAccepted {
		reason := reasonFor(placeResult, placeErr)
		order.Status = core.OrderStatusRejected
		order.UpdatedAt = time.Now()
		_ = d.persistOrder(ctx, order)

		d.auditOutcome(ctx, order.OrderID, fingerprint, core.AuditExchangeFailed, reason)
		return core.DispatchResult{Kind: core.OutcomeExchangeFailed, OrderID: order.OrderID, Reason: reason}, nil
	}

	order.ExchangeOrderID = placeResult.ExchangeOrderID
	order.Status = core.OrderStatusAccepted
	order.UpdatedAt = time.Now()
	if err := d.persistOrder(ctx, order); err != nil {
		return core.DispatchResult{}, fmt.Errorf("dispatcher: persist accepted order: %w", err)
	}

	if err := d.applyAcceptedNotional(ctx, snapshot, proposed); err != nil {
		d.logger.Error(core.LogEvent{Name: "position_apply_failed", Attrs: map[string]any{"symbol": signal.Symbol, "error": err.Error()}})
	}

	if signal.HasStop && signal.HasTP {
		if err := d.armOCOPair(ctx, signal, order, proposed); err != nil {
			d.logger.Error(core.LogEvent{Name: "oco_arm_failed", Attrs: map[string]any{"order_id": order.OrderID, "error": err.Error()}})
		}
	} else if signal.HasStop {
		d.placeProtectiveLeg(ctx, order, protectiveSide(proposed.Side), core.OrderTypeStop, proposed.Quantity, signal.StopLoss)
	} else if signal.HasTP {
		d.placeProtectiveLeg(ctx, order, protectiveSide(proposed.Side), core.OrderTypeTakeProfit, proposed.Quantity, signal.TakeProfit)
	}

	d.auditOutcome(ctx, order.OrderID, fingerprint, core.AuditExecuted, "order accepted by exchange")
	return core.DispatchResult{Kind: core.OutcomeExecuted, OrderID: order.OrderID}, nil
}

func (d *Dispatcher) claimFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	key := "dedup:" + fingerprint
	record := core.ProcessedSignalRecord{Fingerprint: fingerprint, FirstSeenAt: time.Now(), ExpiresAt: time.Now().Add(d.cfg.DedupRetention)}
	payload := []byte(record.FirstSeenAt.Format(time.RFC3339Nano))

	result, err := d.store.CompareAndSwap(ctx, key, nil, core.StoredValue{Payload: payload, ExpiresAt: record.ExpiresAt})
	if err != nil {
		return false, err
	}
	return result == core.CASApplied, nil
}

func (d *Dispatcher) placeWithRetry(ctx context.Context, order core.Order) (core.PlaceResult, error) {
	var result core.PlaceResult
	err := retry.Do(ctx, d.cfg.PlaceRetry, func(err error) bool {
		return result.Kind == core.GatewayTransient
	}, func() error {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if d.cfg.RequestDeadline > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestDeadline)
			defer cancel()
		}

		r, placeErr := d.gateway.Place(attemptCtx, order)
		result = r
		if placeErr != nil {
			return placeErr
		}
		if r.Kind == core.GatewayTransient {
			return fmt.Errorf("dispatcher: transient gateway response: %s", r.Reason)
		}
		return nil
	})
	return result, err
}

func (d *Dispatcher) persistOrder(ctx context.Context, order core.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := d.store.Put(ctx, orderKeyPrefix+order.OrderID, core.StoredValue{Payload: payload}); err != nil {
		return err
	}
	if order.ExchangeOrderID != "" {
		if err := d.store.Put(ctx, orderByExchangeIDPrefix+order.ExchangeOrderID, core.StoredValue{Payload: []byte(order.OrderID)}); err != nil {
			return fmt.Errorf("index order by exchange id: %w", err)
		}
	}
	return nil
}

// protectiveSide is the side an order protecting an existing position must
// take: opposite the entry side, so it reduces rather than adds exposure.
func protectiveSide(entrySide core.Side) core.Side {
	if entrySide == core.SideBuy {
		return core.SideSell
	}
	return core.SideBuy
}

// armOCOPair places both protective legs for an accepted entry order and
// hands the pair to the OCO Manager. If either leg is rejected during
// arming, the already-accepted sibling is cancelled and the pair is never
// armed, so the position is never left with exactly one live protective
// order.
func (d *Dispatcher) armOCOPair(ctx context.Context, signal core.Signal, entry core.Order, proposed core.ProposedOrder) error {
	side := protectiveSide(proposed.Side)
	groupID := uuid.NewString()

	stopOrder := core.Order{
		OrderID: uuid.NewString(), Symbol: signal.Symbol, Side: side, Type: core.OrderTypeStop,
		Quantity: proposed.Quantity, Price: signal.StopLoss, Status: core.OrderStatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
		OriginatingSignalFingerprint: entry.OriginatingSignalFingerprint, OCOGroupID: groupID,
	}
	tpOrder := core.Order{
		OrderID: uuid.NewString(), Symbol: signal.Symbol, Side: side, Type: core.OrderTypeTakeProfit,
		Quantity: proposed.Quantity, Price: signal.TakeProfit, Status: core.OrderStatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
		OriginatingSignalFingerprint: entry.OriginatingSignalFingerprint, OCOGroupID: groupID,
	}

	stopResult, stopErr := d.placeWithRetry(ctx, stopOrder)
	stopOK := stopErr == nil && stopResult.Kind == core.GatewayAccepted
	if stopOK {
		stopOrder.ExchangeOrderID = stopResult.ExchangeOrderID
		stopOrder.Status = core.OrderStatusAccepted
	} else {
		stopOrder.Status = core.OrderStatusRejected
	}
	_ = d.persistOrder(ctx, stopOrder)

	tpResult, tpErr := d.placeWithRetry(ctx, tpOrder)
	tpOK := tpErr == nil && tpResult.Kind == core.GatewayAccepted
	if tpOK {
		tpOrder.ExchangeOrderID = tpResult.ExchangeOrderID
		tpOrder.Status = core.OrderStatusAccepted
	} else {
		tpOrder.Status = core.OrderStatusRejected
	}
	_ = d.persistOrder(ctx, tpOrder)

	if !stopOK || !tpOK {
		if stopOK {
			_, _ = d.gateway.Cancel(ctx, stopOrder.ExchangeOrderID)
		}
		if tpOK {
			_, _ = d.gateway.Cancel(ctx, tpOrder.ExchangeOrderID)
		}
		reason := reasonFor(stopResult, stopErr)
		if stopOK {
			reason = reasonFor(tpResult, tpErr)
		}
		d.auditOutcome(ctx, entry.OrderID, entry.OriginatingSignalFingerprint, core.AuditInvalid,
			fmt.Sprintf("oco arming failed, legs cancelled: %s", reason))
		return fmt.Errorf("oco: leg placement failed: %s", reason)
	}

	pair := core.OCOPair{
		GroupID: groupID, Symbol: signal.Symbol, Side: side,
		StopOrderID: stopOrder.ExchangeOrderID, TakeProfitOrderID: tpOrder.ExchangeOrderID,
	}
	return d.oco.Arm(ctx, pair)
}

// placeProtectiveLeg submits a single standalone protective order when a
// signal carries only one of stop_loss/take_profit. There is no sibling to
// track, so this bypasses the OCO Manager entirely.
func (d *Dispatcher) placeProtectiveLeg(ctx context.Context, entry core.Order, side core.Side, orderType core.OrderType, quantity, price decimal.Decimal) {
	leg := core.Order{
		OrderID: uuid.NewString(), Symbol: entry.Symbol, Side: side, Type: orderType,
		Quantity: quantity, Price: price, Status: core.OrderStatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(), OriginatingSignalFingerprint: entry.OriginatingSignalFingerprint,
	}
	result, err := d.placeWithRetry(ctx, leg)
	if err != nil || result.Kind != core.GatewayAccepted {
		leg.Status = core.OrderStatusRejected
		_ = d.persistOrder(ctx, leg)
		d.logger.Error(core.LogEvent{Name: "protective_leg_rejected", Attrs: map[string]any{"order_id": leg.OrderID, "reason": reasonFor(result, err)}})
		return
	}
	leg.ExchangeOrderID = result.ExchangeOrderID
	leg.Status = core.OrderStatusAccepted
	if err := d.persistOrder(ctx, leg); err != nil {
		d.logger.Error(core.LogEvent{Name: "protective_leg_persist_failed", Attrs: map[string]any{"order_id": leg.OrderID, "error": err.Error()}})
	}
}

// ApplyFillEvent updates the locally persisted order matching a fill event
// from the exchange's event stream. Events for an order this instance does
// not recognize (placed by another instance, or already garbage collected)
// are a no-op, and a duplicate delivery onto an already-terminal order is
// likewise ignored.
func (d *Dispatcher) ApplyFillEvent(ctx context.Context, event core.FillEvent) error {
	value, found, err := d.store.Get(ctx, orderByExchangeIDPrefix+event.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("dispatcher: lookup order by exchange id: %w", err)
	}
	if !found {
		return nil
	}
	orderID := string(value.Payload)

	orderValue, found, err := d.store.Get(ctx, orderKeyPrefix+orderID)
	if err != nil {
		return fmt.Errorf("dispatcher: load order %q: %w", orderID, err)
	}
	if !found {
		return nil
	}
	var order core.Order
	if err := json.Unmarshal(orderValue.Payload, &order); err != nil {
		return fmt.Errorf("dispatcher: decode order %q: %w", orderID, err)
	}
	if order.Status.IsTerminal() {
		return nil
	}

	order.Status = event.NewStatus
	order.UpdatedAt = time.Now()
	if err := d.persistOrder(ctx, order); err != nil {
		return fmt.Errorf("dispatcher: persist fill update: %w", err)
	}

	if event.NewStatus == core.OrderStatusFilled || event.NewStatus == core.OrderStatusPartiallyFilled {
		if err := d.reduceOpenNotionalOnFill(ctx, order, event); err != nil {
			d.logger.Error(core.LogEvent{Name: "position_fill_update_failed", Attrs: map[string]any{"order_id": order.OrderID, "error": err.Error()}})
		}
	}

	d.auditOutcome(ctx, order.OrderID, order.OriginatingSignalFingerprint, core.AuditExecuted,
		fmt.Sprintf("fill event applied, new status %s", event.NewStatus))
	return nil
}

func (d *Dispatcher) reduceOpenNotionalOnFill(ctx context.Context, order core.Order, event core.FillEvent) error {
	snapshot, err := d.position.Snapshot(ctx, order.Symbol)
	if err != nil {
		return err
	}

	filledNotional := event.FillQty.Mul(order.Price)
	if order.Price.IsZero() {
		filledNotional = event.FillQty
	}
	snapshot.OpenOrdersNotional = snapshot.OpenOrdersNotional.Sub(filledNotional)
	if snapshot.OpenOrdersNotional.IsNegative() {
		snapshot.OpenOrdersNotional = decimal.Zero
	}

	delta := event.FillQty
	if order.Side == core.SideSell {
		delta = delta.Neg()
	}
	snapshot.NetQuantity = snapshot.NetQuantity.Add(delta)
	snapshot.Symbol = order.Symbol

	return d.position.Apply(ctx, snapshot)
}

func (d *Dispatcher) applyAcceptedNotional(ctx context.Context, prior core.PositionSnapshot, proposed core.ProposedOrder) error {
	updated := prior
	updated.Symbol = proposed.Symbol
	updated.OpenOrdersNotional = prior.OpenOrdersNotional.Add(proposed.Notional)
	return d.position.Apply(ctx, updated)
}

func (d *Dispatcher) auditOutcome(ctx context.Context, orderID, fingerprint string, outcome core.AuditOutcome, reason string) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(ctx, core.AuditEntry{
		Kind: "dispatch", SignalFingerprint: fingerprint, OrderID: orderID, Outcome: outcome, Reason: reason,
	}); err != nil {
		d.logger.Error(core.LogEvent{Name: "audit_append_failed", Attrs: map[string]any{"error": err.Error()}})
	}
}

var _ core.IDispatchEngine = (*Dispatcher)(nil)

func reasonFor(result core.PlaceResult, err error) string {
	if result.Reason != "" {
		return result.Reason
	}
	if err != nil {
		return err.Error()
	}
	return "exchange gateway rejected the order"
}

func validateSignal(s core.Signal) error {
	if s.StrategyID == "" {
		return fmt.Errorf("signal missing strategy_id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Action != core.ActionBuy && s.Action != core.ActionSell && s.Action != core.ActionClose {
		return fmt.Errorf("signal has invalid action %q", s.Action)
	}
	if s.HasQty && s.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("signal quantity must be positive")
	}
	return nil
}

// buildProposedOrder translates a validated signal into a ProposedOrder.
// buy/sell signals take their side directly from the action; close signals
// compute the net position from snapshot and emit a reducing order on the
// opposite side, failing if there is nothing open to close. Quantity, when
// absent from the signal, is sized from notional targets rather than a
// fixed constant, and is rounded up to the configured tick size when it
// would otherwise round to sub-minimum notional.
func (d *Dispatcher) buildProposedOrder(s core.Signal, snapshot core.PositionSnapshot) (core.ProposedOrder, error) {
	orderType := core.OrderTypeMarket
	price := decimal.Zero
	if s.HasPrice {
		orderType = core.OrderTypeLimit
		price = s.Price
	}

	var side core.Side
	var quantity decimal.Decimal

	switch s.Action {
	case core.ActionClose:
		if snapshot.NetQuantity.IsZero() {
			return core.ProposedOrder{}, fmt.Errorf("close signal for %s has no open position", s.Symbol)
		}
		if snapshot.NetQuantity.IsPositive() {
			side = core.SideSell
		} else {
			side = core.SideBuy
		}
		quantity = snapshot.NetQuantity.Abs()
	case core.ActionSell:
		side = core.SideSell
		q, err := d.signalQuantity(s, price)
		if err != nil {
			return core.ProposedOrder{}, err
		}
		quantity = q
	default:
		side = core.SideBuy
		q, err := d.signalQuantity(s, price)
		if err != nil {
			return core.ProposedOrder{}, err
		}
		quantity = q
	}

	notional := quantity.Mul(price)
	if price.IsZero() {
		notional = quantity
	}

	if !price.IsZero() && s.Action != core.ActionClose && notional.LessThan(d.cfg.MinOrderNotional) {
		quantity = roundUpToMinNotional(quantity, price, d.cfg.MinOrderNotional, d.cfg.QuantityTickSize)
		notional = quantity.Mul(price)
	}

	return core.ProposedOrder{
		StrategyID: s.StrategyID, Symbol: s.Symbol, Side: side, Type: orderType,
		Quantity: quantity, Price: price, Notional: notional, Confidence: s.Confidence,
	}, nil
}

// signalQuantity returns the signal's own quantity, or the notional-based
// fallback when it did not carry one.
func (d *Dispatcher) signalQuantity(s core.Signal, price decimal.Decimal) (decimal.Decimal, error) {
	if s.HasQty {
		return s.Quantity, nil
	}
	if price.IsZero() {
		return decimal.Zero, fmt.Errorf("signal must specify quantity for a market order")
	}

	target := d.cfg.DefaultTargetNotional
	if d.cfg.MinOrderNotional.GreaterThan(target) {
		target = d.cfg.MinOrderNotional
	}
	return target.Div(price), nil
}

// roundUpToMinNotional rounds quantity up to the next tick increment whose
// notional at price meets minNotional, never rounding down below the
// quantity already computed.
func roundUpToMinNotional(quantity, price, minNotional, tick decimal.Decimal) decimal.Decimal {
	if price.IsZero() || tick.IsZero() {
		return quantity
	}
	minQty := minNotional.Div(price)
	steps := minQty.Div(tick).Ceil()
	rounded := steps.Mul(tick)
	if rounded.GreaterThan(quantity) {
		return rounded
	}
	return quantity
}
