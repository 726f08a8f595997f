// Package core defines the domain types and collaborator contracts shared by
// every dispatcher-subsystem component.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the intent carried by a Signal.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close"
)

// Signal is an intent to trade, produced by an upstream strategy. It is
// immutable once constructed.
type Signal struct {
	StrategyID string
	Symbol     string
	Action     Action
	Price      decimal.Decimal // zero value means "market" (absent)
	HasPrice   bool
	Quantity   decimal.Decimal // zero value means "compute from notional"
	HasQty     bool
	Confidence float64
	Timeframe  string
	Timestamp  time.Time
	StopLoss   decimal.Decimal
	HasStop    bool
	TakeProfit decimal.Decimal
	HasTP      bool
	Meta       map[string]string
}

// Side mirrors exchange order sides.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the order types the dispatcher can emit.
type OrderType string

const (
	OrderTypeMarket      OrderType = "market"
	OrderTypeLimit       OrderType = "limit"
	OrderTypeStop        OrderType = "stop"
	OrderTypeTakeProfit  OrderType = "take_profit"
)

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the status is a final state for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is an engine-managed order, mutated only by Exchange Gateway status
// updates and the OCO Manager's cancellation.
type Order struct {
	OrderID                       string
	ExchangeOrderID               string
	Symbol                        string
	Side                          Side
	Type                          OrderType
	Quantity                      decimal.Decimal
	Price                         decimal.Decimal
	Status                        OrderStatus
	CreatedAt                     time.Time
	UpdatedAt                     time.Time
	OriginatingSignalFingerprint  string
	OCOGroupID                    string // empty when not part of a pair
}

// OCOState is the lifecycle state of an OCOPair.
type OCOState string

const (
	OCOStateArming    OCOState = "arming"
	OCOStateArmed     OCOState = "armed"
	OCOStateOneFilled OCOState = "one_filled"
	OCOStateCompleted OCOState = "completed"
	OCOStateFailed    OCOState = "failed"
)

// IsTerminal reports whether the OCO state is final.
func (s OCOState) IsTerminal() bool {
	return s == OCOStateCompleted || s == OCOStateFailed
}

// OCOPair tracks a stop-loss / take-profit pair of protective orders.
type OCOPair struct {
	GroupID           string
	Symbol            string
	Side              Side
	StopOrderID       string
	TakeProfitOrderID string
	State             OCOState
	CreatedAt         time.Time
	LastEventAt       time.Time
	// FilledLeg records which leg triggered the one_filled transition, so
	// cancellation retries always target the correct sibling.
	FilledLeg string
}

// Lock is a named, leased, cross-process mutual-exclusion record.
type Lock struct {
	Name       string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// ProcessedSignalRecord marks a fingerprint as already dispatched, within a
// retention horizon.
type ProcessedSignalRecord struct {
	Fingerprint string
	FirstSeenAt time.Time
	ExpiresAt   time.Time
}

// PositionSnapshot is the read-model view of a symbol's current exposure.
type PositionSnapshot struct {
	Symbol             string
	NetQuantity         decimal.Decimal // signed
	AverageEntry        decimal.Decimal
	OpenOrdersNotional  decimal.Decimal
}

// ProposedOrder is what the Dispatcher hands to the Risk Manager before
// submission to the Exchange Gateway.
type ProposedOrder struct {
	StrategyID string
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Notional   decimal.Decimal
	Confidence float64
}

// FillEvent is a single at-least-once delivery from the Exchange Gateway's
// event stream.
type FillEvent struct {
	ExchangeOrderID string
	Sequence        int64
	NewStatus       OrderStatus
	FillQty         decimal.Decimal
	FillPrice       decimal.Decimal
	Timestamp       time.Time
}
