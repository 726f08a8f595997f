package durable

import (
	"context"
	"fmt"
	"testing"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/core"
)

// mockDBOSContext fakes just enough of dbos.DBOSContext to exercise
// DispatchWorkflows without a live Postgres-backed DBOS runtime.
type mockDBOSContext struct {
	dbos.DBOSContext
	stepResult any
	stepErr    error
}

func (m *mockDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	if m.stepErr != nil {
		return nil, m.stepErr
	}
	result, err := fn(context.Background())
	m.stepResult = result
	return result, err
}

type fakeEngine struct {
	result core.DispatchResult
	err    error
	calls  []core.Signal
}

func (f *fakeEngine) Dispatch(ctx context.Context, signal core.Signal) (core.DispatchResult, error) {
	f.calls = append(f.calls, signal)
	return f.result, f.err
}

func TestDispatchWorkflows_DispatchSignal_RunsInnerEngineAsStep(t *testing.T) {
	inner := &fakeEngine{result: core.DispatchResult{Kind: core.OutcomeExecuted, OrderID: "order-1"}}
	w := NewDispatchWorkflows(inner)
	mockCtx := &mockDBOSContext{}

	signal := core.Signal{StrategyID: "strat-1", Symbol: "BTC-USD", Action: core.ActionBuy}
	resultRaw, err := w.DispatchSignal(mockCtx, signal)
	require.NoError(t, err)

	result, ok := resultRaw.(core.DispatchResult)
	require.True(t, ok)
	assert.Equal(t, core.OutcomeExecuted, result.Kind)
	assert.Equal(t, "order-1", result.OrderID)
	require.Len(t, inner.calls, 1)
	assert.Equal(t, "BTC-USD", inner.calls[0].Symbol)
}

func TestDispatchWorkflows_DispatchSignal_PropagatesStepFailure(t *testing.T) {
	inner := &fakeEngine{}
	w := NewDispatchWorkflows(inner)
	mockCtx := &mockDBOSContext{stepErr: fmt.Errorf("durable store unreachable")}

	_, err := w.DispatchSignal(mockCtx, core.Signal{StrategyID: "strat-1", Symbol: "BTC-USD", Action: core.ActionBuy})
	assert.Error(t, err)
}
