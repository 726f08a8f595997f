package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CircuitState is the open/closed state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig bounds when trading halts automatically.
type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDrawdownAmount    decimal.Decimal
	CooldownPeriod       time.Duration
}

// CircuitBreaker halts new order submission once realized losses cross a
// threshold, auto-resetting after a cooldown.
type CircuitBreaker struct {
	mu                sync.RWMutex
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time
}

// NewCircuitBreaker builds a closed CircuitBreaker with the given config.
func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{state: CircuitClosed, config: config}
}

// RecordTrade folds a realized fill's PnL into the breaker's running state.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}
	cb.totalPnL = cb.totalPnL.Add(pnl)

	cb.checkThresholdsLocked()
}

func (cb *CircuitBreaker) checkThresholdsLocked() {
	if cb.state == CircuitOpen {
		return
	}
	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.tripLocked()
		return
	}
	if !cb.config.MaxDrawdownAmount.IsZero() && cb.totalPnL.LessThan(cb.config.MaxDrawdownAmount.Neg()) {
		cb.tripLocked()
	}
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = CircuitOpen
	cb.lastTripped = time.Now()
}

// IsTripped reports whether trading is currently halted, auto-resetting if
// the cooldown period has elapsed.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return false
	}
	if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
		cb.state = CircuitClosed
		cb.consecutiveLosses = 0
		cb.totalPnL = decimal.Zero
		return false
	}
	return true
}

// Open manually trips the breaker, used by the reconciler when a position
// drift exceeds its tolerance. reason is carried for the audit entry the
// caller writes alongside the trip, not stored on the breaker itself.
func (cb *CircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripLocked()
}

// Reset manually closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero
}

// Status is a point-in-time snapshot for telemetry/API exposure.
type Status struct {
	IsOpen            bool
	ConsecutiveLosses int
	TotalPnL          decimal.Decimal
	OpenedAt          time.Time
}

// GetStatus returns a snapshot of the breaker's current state.
func (cb *CircuitBreaker) GetStatus() Status {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Status{
		IsOpen:            cb.state == CircuitOpen,
		ConsecutiveLosses: cb.consecutiveLosses,
		TotalPnL:          cb.totalPnL,
		OpenedAt:          cb.lastTripped,
	}
}
