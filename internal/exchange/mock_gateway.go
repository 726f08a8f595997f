package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"dispatchcore/internal/core"
)

// MockGateway is an in-memory core.IExchangeGateway for tests and local
// development. Market orders fill instantly; every other order type stays
// accepted until explicitly filled via Fill or cancelled via Cancel.
// RejectNextPlace makes the next Place call fail without recording an order.
type MockGateway struct {
	mu       sync.Mutex
	orders   map[string]core.Order
	byClient map[string]string // OrderID -> ExchangeOrderID
	nextSeq  int64
	events   chan core.FillEvent

	rejectNext bool
	rejectMsg  string
}

// NewMockGateway builds an empty MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		orders:   make(map[string]core.Order),
		byClient: make(map[string]string),
		events:   make(chan core.FillEvent, 1024),
	}
}

// RejectNextPlace makes the next Place call return a rejection, for testing
// the dispatcher's failure path.
func (m *MockGateway) RejectNextPlace(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = true
	m.rejectMsg = reason
}

func (m *MockGateway) Place(_ context.Context, order core.Order) (core.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rejectNext {
		m.rejectNext = false
		return core.PlaceResult{Kind: core.GatewayRejected, Reason: m.rejectMsg}, nil
	}

	exchangeOrderID := fmt.Sprintf("mock-%s", order.OrderID)
	order.ExchangeOrderID = exchangeOrderID
	order.Status = core.OrderStatusAccepted

	if order.Type == core.OrderTypeMarket {
		order.Status = core.OrderStatusFilled
	}

	m.orders[exchangeOrderID] = order
	m.byClient[order.OrderID] = exchangeOrderID

	if order.Status == core.OrderStatusFilled {
		m.emitLocked(exchangeOrderID, core.OrderStatusFilled, order.Quantity, order.Price)
	}

	return core.PlaceResult{Kind: core.GatewayAccepted, ExchangeOrderID: exchangeOrderID}, nil
}

func (m *MockGateway) Cancel(_ context.Context, exchangeOrderID string) (core.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[exchangeOrderID]
	if !ok {
		return core.CancelResult{Kind: core.GatewayNotFound}, nil
	}
	if order.Status.IsTerminal() {
		return core.CancelResult{Kind: core.GatewayRejected, Reason: "order already terminal"}, nil
	}

	order.Status = core.OrderStatusCancelled
	m.orders[exchangeOrderID] = order
	m.emitLocked(exchangeOrderID, core.OrderStatusCancelled, decimal.Zero, decimal.Zero)

	return core.CancelResult{Kind: core.GatewayCancelled}, nil
}

func (m *MockGateway) Query(_ context.Context, exchangeOrderID string) (core.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[exchangeOrderID]
	if !ok {
		return "", core.ErrOrderNotFound
	}
	return order.Status, nil
}

func (m *MockGateway) QueryByClientOrderID(_ context.Context, clientOrderID string) (core.PlaceResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exchangeOrderID, ok := m.byClient[clientOrderID]
	if !ok {
		return core.PlaceResult{}, false, nil
	}
	return core.PlaceResult{Kind: core.GatewayAccepted, ExchangeOrderID: exchangeOrderID}, true, nil
}

func (m *MockGateway) Events(_ context.Context) (<-chan core.FillEvent, error) {
	return m.events, nil
}

// Fill manually fills an open order, used by tests driving the OCO manager
// and reconciler through a deterministic fill sequence.
func (m *MockGateway) Fill(exchangeOrderID string, qty, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[exchangeOrderID]
	if !ok {
		return
	}
	order.Status = core.OrderStatusFilled
	m.orders[exchangeOrderID] = order
	m.emitLocked(exchangeOrderID, core.OrderStatusFilled, qty, price)
}

func (m *MockGateway) emitLocked(exchangeOrderID string, status core.OrderStatus, qty, price decimal.Decimal) {
	seq := atomic.AddInt64(&m.nextSeq, 1)
	select {
	case m.events <- core.FillEvent{
		ExchangeOrderID: exchangeOrderID,
		Sequence:        seq,
		NewStatus:       status,
		FillQty:         qty,
		FillPrice:       price,
		Timestamp:       time.Now(),
	}:
	default:
	}
}

// OrdersCount returns how many orders have been accepted (rejected places
// are not recorded), for tests asserting on the number of legs a dispatch
// submitted.
func (m *MockGateway) OrdersCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// OrderByExchangeID returns the order last recorded for an exchange order id,
// for tests inspecting the quantity or price a dispatch actually submitted.
func (m *MockGateway) OrderByExchangeID(exchangeOrderID string) (core.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[exchangeOrderID]
	return order, ok
}

var _ core.IExchangeGateway = (*MockGateway)(nil)
