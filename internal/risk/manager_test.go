package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"dispatchcore/internal/core"
)

func testPolicy() Policy {
	return Policy{
		MaxNotionalPerOrder:     decimal.NewFromInt(10000),
		MaxNetPositionPerSymbol: decimal.NewFromInt(5),
		MaxAggregateNotional:    decimal.NewFromInt(50000),
		MaxOrdersPerStrategyMin: 60,
		MinOrderNotional:        decimal.NewFromInt(5),
	}
}

func TestManager_AllowsOrderWithinLimits(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Side: core.SideBuy, Quantity: decimal.NewFromInt(1), Notional: decimal.NewFromInt(100),
	}, core.PositionSnapshot{})

	assert.True(t, verdict.Allowed)
}

func TestManager_RejectsOrderExceedingPerOrderNotional(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Notional: decimal.NewFromInt(20000),
	}, core.PositionSnapshot{})

	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "notional")
}

func TestManager_RejectsOrderExceedingNetPosition(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Side: core.SideBuy, Quantity: decimal.NewFromInt(10), Notional: decimal.NewFromInt(10),
	}, core.PositionSnapshot{NetQuantity: decimal.Zero})

	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "net position")
}

func TestManager_RejectsOrderExceedingAggregateNotional(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Quantity: decimal.NewFromInt(1), Notional: decimal.NewFromInt(1000),
	}, core.PositionSnapshot{OpenOrdersNotional: decimal.NewFromInt(49500)})

	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "aggregate")
}

func TestManager_RejectsWhenCircuitBreakerOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveLosses: 1})
	cb.RecordTrade(decimal.NewFromInt(-1))

	m := NewManager(testPolicy(), cb)
	verdict := m.Evaluate(core.ProposedOrder{StrategyID: "s1", Notional: decimal.NewFromInt(1)}, core.PositionSnapshot{})

	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "circuit breaker")
}

func TestManager_RejectsWhenStrategyExceedsOrderRate(t *testing.T) {
	policy := testPolicy()
	policy.MaxOrdersPerStrategyMin = 1
	m := NewManager(policy, nil)

	order := core.ProposedOrder{StrategyID: "s1", Notional: decimal.NewFromInt(10)}
	first := m.Evaluate(order, core.PositionSnapshot{})
	second := m.Evaluate(order, core.PositionSnapshot{})

	assert.True(t, first.Allowed)
	assert.False(t, second.Allowed)
	assert.Contains(t, second.Reason, "rate")
}

func TestManager_RejectsSymbolNotOnAllowlist(t *testing.T) {
	policy := testPolicy()
	policy.SymbolAllowlist = []string{"BTC-USD"}
	m := NewManager(policy, nil)

	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Symbol: "ETH-USD", Notional: decimal.NewFromInt(10),
	}, core.PositionSnapshot{})

	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "allow-list")
}

func TestManager_AllowsSymbolOnAllowlist(t *testing.T) {
	policy := testPolicy()
	policy.SymbolAllowlist = []string{"BTC-USD"}
	m := NewManager(policy, nil)

	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Symbol: "BTC-USD", Notional: decimal.NewFromInt(10),
	}, core.PositionSnapshot{})

	assert.True(t, verdict.Allowed)
}

func TestManager_RejectsOrderBelowMinimumNotional(t *testing.T) {
	m := NewManager(testPolicy(), nil)
	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Notional: decimal.NewFromFloat(4.99),
	}, core.PositionSnapshot{})

	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "minimum")
}

func TestManager_RejectsConfidenceBelowThreshold(t *testing.T) {
	policy := testPolicy()
	policy.MinConfidence = 0.5
	m := NewManager(policy, nil)

	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Notional: decimal.NewFromInt(10), Confidence: 0.49,
	}, core.PositionSnapshot{})

	assert.False(t, verdict.Allowed)
	assert.Contains(t, verdict.Reason, "confidence")
}

func TestManager_AllowsConfidenceAtExactThreshold(t *testing.T) {
	policy := testPolicy()
	policy.MinConfidence = 0.5
	m := NewManager(policy, nil)

	verdict := m.Evaluate(core.ProposedOrder{
		StrategyID: "s1", Notional: decimal.NewFromInt(10), Confidence: 0.5,
	}, core.PositionSnapshot{})

	assert.True(t, verdict.Allowed)
}
