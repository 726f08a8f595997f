// Package risk implements the pre-trade checks (pure apart from the
// per-strategy rate limiter that Evaluate draws a token from) and
// the circuit breaker that halts trading on sustained loss or reconciler
// drift.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"dispatchcore/internal/core"
)

// Policy holds the static thresholds every proposed order is checked
// against.
type Policy struct {
	MaxNotionalPerOrder     decimal.Decimal
	MaxNetPositionPerSymbol decimal.Decimal
	MaxAggregateNotional    decimal.Decimal
	MaxOrdersPerStrategyMin int
	MinOrderNotional        decimal.Decimal
	MinConfidence           float64
	// SymbolAllowlist restricts which symbols may be traded at all; an
	// empty list allows every symbol.
	SymbolAllowlist []string
}

// Manager evaluates a ProposedOrder against Policy and the current
// PositionSnapshot. Evaluate is pure with respect to the snapshot it is
// handed; the only mutable state is the per-strategy rate limiter, which
// tracks order submission velocity.
type Manager struct {
	policy  Policy
	breaker *CircuitBreaker

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager builds a Manager.
func NewManager(policy Policy, breaker *CircuitBreaker) *Manager {
	return &Manager{policy: policy, breaker: breaker, limiters: make(map[string]*rate.Limiter)}
}

func (m *Manager) strategyLimiter(strategyID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	lim, ok := m.limiters[strategyID]
	if !ok {
		// MaxOrdersPerStrategyMin orders per 60s, expressed as a token
		// bucket refilling once every period/count, burst = full budget.
		perSecond := float64(m.policy.MaxOrdersPerStrategyMin) / 60.0
		lim = rate.NewLimiter(rate.Limit(perSecond), m.policy.MaxOrdersPerStrategyMin)
		m.limiters[strategyID] = lim
	}
	return lim
}

// Evaluate runs the circuit breaker gate, then the seven checks in the
// fixed order: symbol allow-list, per-symbol net position, aggregate
// notional, per-order notional, minimum order notional, per-strategy
// rate, and confidence threshold — returning the first failure, or
// Allowed=true if every check passes.
func (m *Manager) Evaluate(order core.ProposedOrder, view core.PositionSnapshot) core.RiskVerdict {
	if m.breaker != nil && m.breaker.IsTripped() {
		return core.RiskVerdict{Allowed: false, Reason: "circuit breaker is open"}
	}

	if !m.symbolAllowed(order.Symbol) {
		return core.RiskVerdict{Allowed: false, Reason: "symbol is not on the allow-list"}
	}

	projected := view.NetQuantity
	if order.Side == core.SideBuy {
		projected = projected.Add(order.Quantity)
	} else {
		projected = projected.Sub(order.Quantity)
	}
	if projected.Abs().GreaterThan(m.policy.MaxNetPositionPerSymbol) {
		return core.RiskVerdict{Allowed: false, Reason: "projected net position exceeds per-symbol limit"}
	}

	projectedAggregate := view.OpenOrdersNotional.Add(order.Notional)
	if projectedAggregate.GreaterThan(m.policy.MaxAggregateNotional) {
		return core.RiskVerdict{Allowed: false, Reason: "aggregate open-order notional exceeds limit"}
	}

	if order.Notional.GreaterThan(m.policy.MaxNotionalPerOrder) {
		return core.RiskVerdict{Allowed: false, Reason: "order notional exceeds per-order limit"}
	}

	if order.Notional.LessThan(m.policy.MinOrderNotional) {
		return core.RiskVerdict{Allowed: false, Reason: "order notional is below the exchange minimum"}
	}

	if !m.strategyLimiter(order.StrategyID).Allow() {
		return core.RiskVerdict{Allowed: false, Reason: "strategy order submission rate exceeded"}
	}

	if order.Confidence < m.policy.MinConfidence {
		return core.RiskVerdict{Allowed: false, Reason: "signal confidence is below the configured minimum"}
	}

	return core.RiskVerdict{Allowed: true}
}

func (m *Manager) symbolAllowed(symbol string) bool {
	if len(m.policy.SymbolAllowlist) == 0 {
		return true
	}
	for _, s := range m.policy.SymbolAllowlist {
		if s == symbol {
			return true
		}
	}
	return false
}

var _ core.IRiskManager = (*Manager)(nil)
