package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LogEvent is a typed attribute bag emitted at a single log call site. It
// replaces the dynamic keyword-argument style logging of the source system:
// every site names its event once and carries a uniform attribute map,
// rather than a free variadic key/value list.
type LogEvent struct {
	Name  string
	Attrs map[string]any
}

// ILogger is the structured logging contract every component is
// constructed with. There is no package-level global implementation;
// the composition root builds one Logger and injects it everywhere.
type ILogger interface {
	Debug(evt LogEvent)
	Info(evt LogEvent)
	Warn(evt LogEvent)
	Error(evt LogEvent)
	// With returns a derived logger that always includes the given
	// attributes, without mutating the receiver.
	With(attrs map[string]any) ILogger
}

// CASResult is the outcome of a conditional state-store write.
type CASResult int

const (
	CASApplied CASResult = iota
	CASConflict
)

// StoredValue is a generic envelope the State Store persists: an opaque
// payload plus the TTL-style expiry used by locks and dedup records.
type StoredValue struct {
	Payload   []byte
	ExpiresAt time.Time // zero means "never expires"
}

// IStateStore is the durable mapping backing locks, dedup records, open
// orders, and OCO pairs.
type IStateStore interface {
	// Get returns (value, true, nil) if present, (zero, false, nil) if
	// absent, or (zero, false, err) on a store failure.
	Get(ctx context.Context, key string) (StoredValue, bool, error)
	// Put unconditionally writes a value.
	Put(ctx context.Context, key string, value StoredValue) error
	// CompareAndSwap writes newValue only if the current value matches
	// expected (by byte equality); pass a nil expected to require absence
	// or expiry. Used for the lock manager's insert-if-absent-or-expired
	// and for optimistic-concurrency order/OCO updates.
	CompareAndSwap(ctx context.Context, key string, expected *StoredValue, newValue StoredValue) (CASResult, error)
	Delete(ctx context.Context, key string) error
	// Scan returns all keys with the given prefix; used by the
	// reconciler and secondary indices.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// AuditOutcome is the closed set of terminal dispatch outcomes an audit
// entry can record.
type AuditOutcome string

const (
	AuditExecuted       AuditOutcome = "executed"
	AuditDuplicate      AuditOutcome = "duplicate"
	AuditLockDenied     AuditOutcome = "lock_denied"
	AuditRiskRejected   AuditOutcome = "risk_rejected"
	AuditExchangeFailed AuditOutcome = "exchange_failed"
	AuditInvalid        AuditOutcome = "invalid"
	AuditOCOTransition  AuditOutcome = "oco_transition"
	AuditAlert          AuditOutcome = "alert"
)

// AuditEntry is one immutable, externally observable record.
type AuditEntry struct {
	EventID             int64
	Timestamp           time.Time
	Kind                string
	SignalFingerprint   string
	OrderID             string
	ExchangeOrderID     string
	OCOGroupID          string
	Outcome             AuditOutcome
	Reason              string
	Payload             map[string]any
}

// IAuditSink is the append-only log every externally observable event is
// written to before acknowledging upstream.
type IAuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// GatewayResultKind is the closed set of place/cancel outcomes.
type GatewayResultKind int

const (
	GatewayAccepted GatewayResultKind = iota
	GatewayRejected
	GatewayTransient
	GatewayCancelled
	GatewayNotFound
)

// PlaceResult is the result of IExchangeGateway.Place.
type PlaceResult struct {
	Kind            GatewayResultKind
	ExchangeOrderID string
	Reason          string
}

// CancelResult is the result of IExchangeGateway.Cancel.
type CancelResult struct {
	Kind   GatewayResultKind
	Reason string
}

// IExchangeGateway is the abstract contract to the external exchange
// boundary. The core never depends on a concrete exchange client.
type IExchangeGateway interface {
	Place(ctx context.Context, order Order) (PlaceResult, error)
	Cancel(ctx context.Context, exchangeOrderID string) (CancelResult, error)
	Query(ctx context.Context, exchangeOrderID string) (OrderStatus, error)
	// QueryByClientOrderID supports restart reconciliation: the engine's
	// own OrderID is used as the client-order-id, so this lookup is
	// deterministic after a crash between accept and persist.
	QueryByClientOrderID(ctx context.Context, clientOrderID string) (PlaceResult, bool, error)
	// Events returns a channel of at-least-once fill/status events.
	// Consumers must dedupe by (ExchangeOrderID, Sequence).
	Events(ctx context.Context) (<-chan FillEvent, error)
}

// ILockManager provides cross-process mutual exclusion keyed by name with a
// bounded lease.
type ILockManager interface {
	// Acquire returns a fencing token and true on success, or false if the
	// lock is currently held. The token is a per-name counter that grows by
	// one with every grant; it is not a timestamp.
	Acquire(ctx context.Context, name string, ttl time.Duration, holderID string) (fencingToken int64, granted bool, err error)
	// Renew extends the lease; it returns lost=true if holderID is no
	// longer the current holder.
	Renew(ctx context.Context, name string, holderID string, newTTL time.Duration) (lost bool, err error)
	Release(ctx context.Context, name string, holderID string) error
}

// RiskVerdict is the Risk Manager's pure allow/deny result.
type RiskVerdict struct {
	Allowed bool
	Reason  string
}

// IRiskManager evaluates a proposed order against policy and the current
// position view.
type IRiskManager interface {
	Evaluate(order ProposedOrder, view PositionSnapshot) RiskVerdict
}

// IPositionView is the read model over the State Store returning current
// per-symbol exposure.
type IPositionView interface {
	Snapshot(ctx context.Context, symbol string) (PositionSnapshot, error)
	AggregateNotional(ctx context.Context) (AggregateExposure, error)
}

// AggregateExposure is the cross-symbol exposure total used by risk check 3.
type AggregateExposure struct {
	TotalNotional decimal.Decimal
}

// IOCOManager maintains the OCOPair state machine.
type IOCOManager interface {
	// Arm registers a newly-created pair in the "arming" state and hands
	// it off to be tracked for fill/cancel events.
	Arm(ctx context.Context, pair OCOPair) error
	// OnFill processes a fill event against any OCOPair leg it matches;
	// it is a no-op for events outside any known pair.
	OnFill(ctx context.Context, event FillEvent, orderID string) error
	// OnLegRejected processes a leg rejection during arming.
	OnLegRejected(ctx context.Context, groupID, rejectedOrderID, reason string) error
	Get(ctx context.Context, groupID string) (OCOPair, bool, error)
}

// DispatchOutcomeKind is the closed set of Dispatcher results.
type DispatchOutcomeKind string

const (
	OutcomeExecuted       DispatchOutcomeKind = "executed"
	OutcomeDuplicate      DispatchOutcomeKind = "duplicate"
	OutcomeLockDenied     DispatchOutcomeKind = "lock_denied"
	OutcomeRiskRejected   DispatchOutcomeKind = "risk_rejected"
	OutcomeExchangeFailed DispatchOutcomeKind = "exchange_failed"
	OutcomeInvalid        DispatchOutcomeKind = "invalid"
)

// DispatchResult is the closed-variant outcome of dispatching one signal.
type DispatchResult struct {
	Kind    DispatchOutcomeKind
	OrderID string
	Reason  string
}

// IDispatchEngine is the contract both the in-process Dispatcher and the
// DBOS-backed durable Engine satisfy, so the composition root can select
// between them purely on config.
type IDispatchEngine interface {
	Dispatch(ctx context.Context, signal Signal) (DispatchResult, error)
}
