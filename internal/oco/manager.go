// Package oco implements the OCOPair state machine: a stop-loss and a
// take-profit order that protect the same position, where a fill on either
// leg must cancel its sibling.
package oco

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dispatchcore/internal/alert"
	"dispatchcore/internal/core"
	"dispatchcore/pkg/retry"
)

const (
	pairKeyPrefix  = "oco:"
	orderKeyPrefix = "oco_by_order:"
)

func pairKey(groupID string) string  { return pairKeyPrefix + groupID }
func orderKey(orderID string) string { return orderKeyPrefix + orderID }

// Manager tracks every live OCOPair and reacts to fill/rejection events on
// either leg.
type Manager struct {
	store    core.IStateStore
	gateway  core.IExchangeGateway
	audit    core.IAuditSink
	alerts   *alert.Manager
	logger   core.ILogger
	cancelRetryPolicy retry.Policy
}

// NewManager builds a Manager. cancelRetryBudget is the operator-configured
// oco.cancel_retry_budget: how many sibling-cancel attempts, the first one
// included, are made before the pair is marked failed and an alert is raised.
func NewManager(store core.IStateStore, gateway core.IExchangeGateway, audit core.IAuditSink, alerts *alert.Manager, logger core.ILogger, cancelRetryBudget int) *Manager {
	return &Manager{
		store:   store,
		gateway: gateway,
		audit:   audit,
		alerts:  alerts,
		logger:  logger.With(map[string]any{"component": "oco_manager"}),
		cancelRetryPolicy: retry.Policy{
			MaxAttempts:    cancelRetryBudget,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
}

// Arm registers a newly created pair, indexing both legs so a fill event on
// either order routes back to the group.
func (m *Manager) Arm(ctx context.Context, pair core.OCOPair) error {
	pair.State = core.OCOStateArming
	pair.CreatedAt = time.Now()
	pair.LastEventAt = pair.CreatedAt

	if err := m.save(ctx, pair); err != nil {
		return err
	}
	if err := m.indexLeg(ctx, pair.StopOrderID, pair.GroupID); err != nil {
		return err
	}
	if err := m.indexLeg(ctx, pair.TakeProfitOrderID, pair.GroupID); err != nil {
		return err
	}

	pair.State = core.OCOStateArmed
	return m.save(ctx, pair)
}

// OnFill processes a fill event against whichever OCOPair the order belongs
// to, cancelling the sibling leg. Events for orders outside any known pair
// are a no-op.
func (m *Manager) OnFill(ctx context.Context, event core.FillEvent, orderID string) error {
	if event.NewStatus != core.OrderStatusFilled && event.NewStatus != core.OrderStatusPartiallyFilled {
		return nil
	}

	groupID, ok, err := m.lookupGroup(ctx, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	pair, ok, err := m.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok || pair.State.IsTerminal() {
		return nil
	}
	if pair.State != core.OCOStateArmed {
		// A fill racing arming or a duplicate delivery on an
		// already-handled pair; nothing left to cancel.
		return nil
	}

	sibling := pair.TakeProfitOrderID
	if orderID == pair.TakeProfitOrderID {
		sibling = pair.StopOrderID
	}

	pair.State = core.OCOStateOneFilled
	pair.FilledLeg = orderID
	pair.LastEventAt = time.Now()
	if err := m.save(ctx, pair); err != nil {
		return err
	}

	cancelErr := retry.Do(ctx, m.cancelRetryPolicy, isCancelTransient, func() error {
		result, err := m.gateway.Cancel(ctx, sibling)
		if err != nil {
			return err
		}
		switch result.Kind {
		case core.GatewayCancelled, core.GatewayNotFound:
			return nil
		default:
			return fmt.Errorf("oco: cancel sibling %s: %s", sibling, result.Reason)
		}
	})

	if cancelErr != nil {
		m.logger.Error(core.LogEvent{Name: "oco_sibling_cancel_exhausted", Attrs: map[string]any{
			"group_id": groupID, "sibling_order_id": sibling, "error": cancelErr.Error(),
		}})
		if m.alerts != nil {
			m.alerts.Raise(ctx, "OCO sibling cancel failed",
				fmt.Sprintf("group %s: could not cancel sibling order %s after retries: %v", groupID, sibling, cancelErr),
				alert.Critical, map[string]string{"group_id": groupID, "sibling_order_id": sibling})
		}
		pair.State = core.OCOStateFailed
		if err := m.save(ctx, pair); err != nil {
			return err
		}
		return m.auditTransition(ctx, pair, core.AuditAlert, cancelErr.Error())
	}

	pair.State = core.OCOStateCompleted
	pair.LastEventAt = time.Now()
	if err := m.save(ctx, pair); err != nil {
		return err
	}
	return m.auditTransition(ctx, pair, core.AuditExecuted, "sibling leg cancelled after fill")
}

// OnLegRejected handles a leg rejection seen while still arming: the
// already-accepted sibling must be cancelled so the position is never left
// unprotected by a stray live order.
func (m *Manager) OnLegRejected(ctx context.Context, groupID, rejectedOrderID, reason string) error {
	pair, ok, err := m.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok || pair.State.IsTerminal() {
		return nil
	}

	accepted := pair.TakeProfitOrderID
	if rejectedOrderID == pair.TakeProfitOrderID {
		accepted = pair.StopOrderID
	}

	_, _ = m.gateway.Cancel(ctx, accepted)

	pair.State = core.OCOStateFailed
	pair.LastEventAt = time.Now()
	if err := m.save(ctx, pair); err != nil {
		return err
	}

	if m.alerts != nil {
		m.alerts.Raise(ctx, "OCO leg rejected during arming",
			fmt.Sprintf("group %s: leg %s rejected (%s); cancelling sibling %s", groupID, rejectedOrderID, reason, accepted),
			alert.Warning, map[string]string{"group_id": groupID})
	}
	return m.auditTransition(ctx, pair, core.AuditInvalid, reason)
}

// Get returns the current state of an OCOPair.
func (m *Manager) Get(ctx context.Context, groupID string) (core.OCOPair, bool, error) {
	value, found, err := m.store.Get(ctx, pairKey(groupID))
	if err != nil {
		return core.OCOPair{}, false, fmt.Errorf("oco: read %q: %w", groupID, err)
	}
	if !found {
		return core.OCOPair{}, false, nil
	}
	var pair core.OCOPair
	if err := json.Unmarshal(value.Payload, &pair); err != nil {
		return core.OCOPair{}, false, fmt.Errorf("oco: decode %q: %w", groupID, err)
	}
	return pair, true, nil
}

func (m *Manager) save(ctx context.Context, pair core.OCOPair) error {
	payload, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("oco: encode %q: %w", pair.GroupID, err)
	}
	if err := m.store.Put(ctx, pairKey(pair.GroupID), core.StoredValue{Payload: payload}); err != nil {
		return fmt.Errorf("oco: write %q: %w", pair.GroupID, err)
	}
	return nil
}

func (m *Manager) indexLeg(ctx context.Context, orderID, groupID string) error {
	if err := m.store.Put(ctx, orderKey(orderID), core.StoredValue{Payload: []byte(groupID)}); err != nil {
		return fmt.Errorf("oco: index leg %q: %w", orderID, err)
	}
	return nil
}

func (m *Manager) lookupGroup(ctx context.Context, orderID string) (string, bool, error) {
	value, found, err := m.store.Get(ctx, orderKey(orderID))
	if err != nil {
		return "", false, fmt.Errorf("oco: lookup leg %q: %w", orderID, err)
	}
	if !found {
		return "", false, nil
	}
	return string(value.Payload), true, nil
}

func (m *Manager) auditTransition(ctx context.Context, pair core.OCOPair, outcome core.AuditOutcome, reason string) error {
	if m.audit == nil {
		return nil
	}
	return m.audit.Append(ctx, core.AuditEntry{
		Kind:       "oco_transition",
		OCOGroupID: pair.GroupID,
		Outcome:    outcome,
		Reason:     reason,
		Payload:    map[string]any{"state": string(pair.State), "filled_leg": pair.FilledLeg},
	})
}

func isCancelTransient(err error) bool {
	return err != nil
}

var _ core.IOCOManager = (*Manager)(nil)
