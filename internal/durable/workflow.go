// Package durable wraps the Dispatcher's signal pipeline in a DBOS workflow
// so a crash mid-dispatch resumes instead of silently dropping the signal.
// Selected when engine_type is "durable".
package durable

import (
	"context"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"dispatchcore/internal/core"
)

// DispatchWorkflows holds the durable entry points registered with DBOS.
// The Dispatcher itself already guarantees at-most-once execution per
// signal fingerprint via its state-store CAS claim; wrapping the whole call
// in a single step gives DBOS a durable workflow id and automatic
// re-execution on crash without re-deriving the Dispatcher's own
// dedup/locking invariants inside the workflow.
type DispatchWorkflows struct {
	engine core.IDispatchEngine
}

// NewDispatchWorkflows builds a DispatchWorkflows wrapping the given engine
// (normally the in-process *dispatcher.Dispatcher).
func NewDispatchWorkflows(engine core.IDispatchEngine) *DispatchWorkflows {
	return &DispatchWorkflows{engine: engine}
}

// DispatchSignal is the DBOS workflow function: it matches dbos.WorkflowFunc
// (ctx dbos.DBOSContext, input any) (any, error), so input/output are boxed
// as `any` and unboxed at the call site.
func (w *DispatchWorkflows) DispatchSignal(ctx dbos.DBOSContext, input any) (any, error) {
	signal := input.(core.Signal)

	resultRaw, err := ctx.RunAsStep(ctx, func(stepCtx context.Context) (any, error) {
		return w.engine.Dispatch(stepCtx, signal)
	})
	if err != nil {
		return nil, err
	}
	return resultRaw, nil
}
