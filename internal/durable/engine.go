package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"dispatchcore/internal/core"
)

// shutdownGrace bounds how long Stop waits for DBOS to drain in-flight
// workflow steps before returning.
const shutdownGrace = 30 * time.Second

// Engine implements core.IDispatchEngine on top of a DBOS workflow,
// trading the in-process Dispatcher's pure in-memory call for a durable,
// resumable one.
type Engine struct {
	dbosCtx   dbos.DBOSContext
	workflows *DispatchWorkflows
	logger    core.ILogger
}

// NewEngine builds a durable Engine. The caller is responsible for
// constructing dbosCtx (it requires a reachable Postgres database_url) and
// for calling Start once every dependent service is wired.
func NewEngine(dbosCtx dbos.DBOSContext, inner core.IDispatchEngine, logger core.ILogger) *Engine {
	return &Engine{
		dbosCtx:   dbosCtx,
		workflows: NewDispatchWorkflows(inner),
		logger:    logger.With(map[string]any{"component": "durable_engine"}),
	}
}

// Start launches the DBOS runtime, replaying any workflow left in-flight by
// a prior crash.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info(core.LogEvent{Name: "durable_engine_starting"})
	return e.dbosCtx.Launch()
}

// Stop drains the DBOS runtime.
func (e *Engine) Stop() error {
	e.logger.Info(core.LogEvent{Name: "durable_engine_stopping"})
	e.dbosCtx.Shutdown(shutdownGrace)
	return nil
}

// Dispatch runs one signal through the durable workflow and blocks for its
// result, matching core.IDispatchEngine's synchronous contract.
func (e *Engine) Dispatch(ctx context.Context, signal core.Signal) (core.DispatchResult, error) {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.DispatchSignal, signal)
	if err != nil {
		return core.DispatchResult{}, fmt.Errorf("durable: start dispatch workflow: %w", err)
	}

	resultRaw, err := handle.GetResult()
	if err != nil {
		return core.DispatchResult{}, fmt.Errorf("durable: dispatch workflow: %w", err)
	}

	result, ok := resultRaw.(core.DispatchResult)
	if !ok {
		return core.DispatchResult{}, fmt.Errorf("durable: unexpected workflow result type %T", resultRaw)
	}
	return result, nil
}

var _ core.IDispatchEngine = (*Engine)(nil)
