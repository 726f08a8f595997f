// Command dispatcher runs the order-dispatch-core process: it loads
// configuration, wires every dependency via internal/bootstrap, and drains
// inbound signals and exchange events until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"dispatchcore/internal/bootstrap"
	"dispatchcore/internal/core"
)

func main() {
	configPath := flag.String("config", "configs/dispatcher.yaml", "path to configuration file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "grace period for shutdown")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		// Configuration and startup failures exit with 2, distinct from the
		// runtime failures below, which exit with 1.
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
		os.Exit(2)
	}

	signals, err := app.Gateway().Events(context.Background())
	if err != nil {
		app.Logger.Error(core.LogEvent{Name: "event_stream_unavailable", Attrs: map[string]any{"error": err.Error()}})
		os.Exit(1)
	}

	inboundSignals := make(chan core.Signal, app.Cfg.Concurrency.IngressPoolBuffer)

	app.Reconciler.Start(context.Background())

	runErr := app.Run(
		runnerFunc(func(ctx context.Context) error { return app.Signals.Run(ctx, inboundSignals) }),
		runnerFunc(func(ctx context.Context) error { return app.Events.Run(ctx, signals) }),
	)

	app.Shutdown(*shutdownTimeout)

	if runErr != nil {
		os.Exit(1)
	}
}

// runnerFunc adapts a plain function to bootstrap.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }
