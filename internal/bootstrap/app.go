// Package bootstrap is the composition root: it reads configuration and
// wires every package in this module into a runnable App.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"dispatchcore/internal/alert"
	"dispatchcore/internal/audit"
	"dispatchcore/internal/config"
	"dispatchcore/internal/core"
	"dispatchcore/internal/dispatcher"
	"dispatchcore/internal/durable"
	"dispatchcore/internal/exchange"
	"dispatchcore/internal/ingress"
	"dispatchcore/internal/lock"
	"dispatchcore/internal/logging"
	"dispatchcore/internal/oco"
	"dispatchcore/internal/position"
	"dispatchcore/internal/reconciler"
	"dispatchcore/internal/risk"
	"dispatchcore/internal/statestore"
	"dispatchcore/internal/telemetry"
	"dispatchcore/pkg/concurrency"
	"dispatchcore/pkg/retry"
)

// App holds every long-lived dependency the process needs, wired from a
// single Config. Fields are exported so cmd/dispatcher can build Runners
// around them without App needing to know about transport.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	telemetry  *telemetry.Telemetry
	auditSink  *audit.SQLiteSink
	store      core.IStateStore
	gateway    core.IExchangeGateway
	Engine     core.IDispatchEngine
	Dispatcher *dispatcher.Dispatcher
	OCO        *oco.Manager
	Reconciler *reconciler.Reconciler
	Alerts     *alert.Manager

	SignalPool *concurrency.WorkerPool
	EventPool  *concurrency.WorkerPool
	Signals    *ingress.SignalWorker
	Events     *ingress.EventWorker

	durableEngine *durable.Engine
}

// NewApp loads configuration from configPath and constructs every
// dependency it implies. It does not start any background goroutine; call
// Run for that.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build logger: %w", err)
	}
	logger.Info(core.LogEvent{Name: "config_loaded", Attrs: map[string]any{"engine_type": cfg.App.EngineType, "instance_id": cfg.App.InstanceID}})

	tel, err := telemetry.Setup(cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: setup telemetry: %w", err)
	}

	alerts := buildAlertManager(cfg.Alert, logger)

	store, err := buildStateStore(cfg.StateStore)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build state store: %w", err)
	}

	locks, err := buildLockManager(cfg.Lock, store)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build lock manager: %w", err)
	}

	auditSink, err := audit.NewSQLiteSink(cfg.Audit.DSN)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build audit sink: %w", err)
	}

	gateway, err := buildGateway(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build exchange gateway: %w", err)
	}

	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveLosses: 5,
		MaxDrawdownAmount:    decimal.NewFromInt(1_000_000),
		CooldownPeriod:       15 * time.Minute,
	})

	policy, err := buildRiskPolicy(cfg.Risk)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build risk policy: %w", err)
	}
	riskMgr := risk.NewManager(policy, breaker)

	positionView := position.NewView(store)
	ocoMgr := oco.NewManager(store, gateway, auditSink, alerts, logger, cfg.OCO.CancelRetryBudget)

	dispatcherCfg, err := buildDispatcherConfig(cfg.Dedup, cfg.Lock, cfg.Risk, cfg.Exec)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build dispatcher config: %w", err)
	}

	d := dispatcher.New(store, locks, riskMgr, gateway, auditSink, positionView, ocoMgr, logger, cfg.App.InstanceID, dispatcherCfg)

	engine, durableEngine, err := buildEngine(cfg.App, d, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build dispatch engine: %w", err)
	}

	recon := reconciler.New(store, gateway, positionView, breaker, auditSink, logger, cfg.Reconciler.Symbols, cfg.Reconciler.Interval)

	signalPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "signal_ingress", MaxWorkers: cfg.Concurrency.IngressPoolSize, MaxCapacity: cfg.Concurrency.IngressPoolBuffer,
	}, logger)
	eventPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name: "event_ingress", MaxWorkers: cfg.Concurrency.EventPoolSize, MaxCapacity: cfg.Concurrency.EventPoolBuffer,
	}, logger)

	return &App{
		Cfg: cfg, Logger: logger,
		telemetry: tel, auditSink: auditSink, store: store, gateway: gateway,
		Engine: engine, Dispatcher: d, OCO: ocoMgr, Reconciler: recon, Alerts: alerts,
		SignalPool: signalPool, EventPool: eventPool,
		Signals: ingress.NewSignalWorker(signalPool, engine, logger),
		Events:  ingress.NewEventWorker(eventPool, d, ocoMgr, logger),
		durableEngine: durableEngine,
	}, nil
}

func buildAlertManager(cfg config.AlertConfig, logger core.ILogger) *alert.Manager {
	mgr := alert.NewManager(logger)
	if cfg.SlackWebhookURL != "" {
		mgr.AddChannel(alert.NewSlackChannel(cfg.SlackWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		mgr.AddChannel(alert.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return mgr
}

func buildStateStore(cfg config.StateStoreConfig) (core.IStateStore, error) {
	switch cfg.Kind {
	case "sqlite":
		return statestore.NewSQLiteStore(cfg.DSN)
	case "memory":
		return statestore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state store kind %q", cfg.Kind)
	}
}

func buildLockManager(cfg config.LockConfig, store core.IStateStore) (core.ILockManager, error) {
	switch cfg.Kind {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return lock.NewRedisLockManager(client), nil
	case "store":
		return lock.NewStoreLockManager(store), nil
	default:
		return nil, fmt.Errorf("unknown lock kind %q", cfg.Kind)
	}
}

func buildGateway(cfg config.ExchangeConfig, logger core.ILogger) (core.IExchangeGateway, error) {
	switch cfg.Kind {
	case "http":
		signer := exchange.NewHMACSigner(cfg.APIKey, cfg.SecretKey)
		return exchange.NewHTTPGateway(cfg.BaseURL, cfg.Timeout, signer, cfg.RequestsPerSec, cfg.Burst, cfg.EventsWSURL, logger), nil
	case "mock":
		return exchange.NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("unknown exchange kind %q", cfg.Kind)
	}
}

func buildRiskPolicy(cfg config.RiskConfig) (risk.Policy, error) {
	maxNotional, err := decimal.NewFromString(cfg.MaxNotionalPerOrder)
	if err != nil {
		return risk.Policy{}, fmt.Errorf("risk.max_notional_per_order: %w", err)
	}
	maxNet, err := decimal.NewFromString(cfg.MaxNetPositionPerSym)
	if err != nil {
		return risk.Policy{}, fmt.Errorf("risk.max_net_position_per_symbol: %w", err)
	}
	maxAggregate, err := decimal.NewFromString(cfg.MaxAggregateNotional)
	if err != nil {
		return risk.Policy{}, fmt.Errorf("risk.max_aggregate_notional: %w", err)
	}
	minNotional, err := decimal.NewFromString(cfg.MinOrderNotional)
	if err != nil {
		return risk.Policy{}, fmt.Errorf("risk.min_order_notional: %w", err)
	}
	return risk.Policy{
		MaxNotionalPerOrder: maxNotional, MaxNetPositionPerSymbol: maxNet,
		MaxAggregateNotional: maxAggregate, MaxOrdersPerStrategyMin: cfg.MaxOrdersPerStrategyMin,
		MinOrderNotional: minNotional, MinConfidence: cfg.MinConfidence, SymbolAllowlist: cfg.SymbolAllowlist,
	}, nil
}

// buildDispatcherConfig translates the operator-facing dedup, lock, risk, and
// exec config sections into the decimal/duration values the Dispatcher
// consults on the hot path, so none of these are hardcoded package constants.
func buildDispatcherConfig(dedup config.DedupConfig, lockCfg config.LockConfig, riskCfg config.RiskConfig, execCfg config.ExecConfig) (dispatcher.Config, error) {
	defaultTarget, err := decimal.NewFromString(execCfg.DefaultTargetNotional)
	if err != nil {
		return dispatcher.Config{}, fmt.Errorf("exec.default_target_notional: %w", err)
	}
	minNotional, err := decimal.NewFromString(riskCfg.MinOrderNotional)
	if err != nil {
		return dispatcher.Config{}, fmt.Errorf("risk.min_order_notional: %w", err)
	}
	tickSize, err := decimal.NewFromString(execCfg.QuantityTickSize)
	if err != nil {
		return dispatcher.Config{}, fmt.Errorf("exec.quantity_tick_size: %w", err)
	}

	return dispatcher.Config{
		DedupRetention:        time.Duration(dedup.RetentionHours) * time.Hour,
		LockTTL:               lockCfg.DefaultTTL,
		DefaultTargetNotional: defaultTarget,
		MinOrderNotional:      minNotional,
		QuantityTickSize:      tickSize,
		PlaceRetry: retry.Policy{
			MaxAttempts:    execCfg.Retry.MaxAttempts,
			InitialBackoff: execCfg.Retry.BaseBackoff,
			MaxBackoff:     execCfg.Retry.MaxBackoff,
		},
		RequestDeadline: execCfg.RequestDeadline,
	}, nil
}

// buildEngine selects between the in-process Dispatcher and the DBOS-backed
// durable Engine per cfg.EngineType. The durable Engine wraps the same
// Dispatcher instance, so either way there is exactly one order-bookkeeping
// authority in the process.
func buildEngine(cfg config.AppConfig, d *dispatcher.Dispatcher, logger core.ILogger) (core.IDispatchEngine, *durable.Engine, error) {
	if cfg.EngineType == "simple" {
		return d, nil, nil
	}

	dbosCtx, err := dbos.NewDBOSContext(dbos.Config{
		AppName:     "dispatchcore",
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build dbos context: %w", err)
	}

	durableEngine := durable.NewEngine(dbosCtx, d, logger)
	if err := durableEngine.Start(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("launch durable engine: %w", err)
	}
	return durableEngine, durableEngine, nil
}

// Gateway returns the configured exchange gateway, so cmd/dispatcher can
// subscribe to its event stream without reaching into App internals.
func (a *App) Gateway() core.IExchangeGateway {
	return a.gateway
}

// Runner is one long-running component of the process.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every Runner under a single errgroup, returning when one
// fails or a termination signal arrives.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	a.Logger.Info(core.LogEvent{Name: "app_starting"})

	for _, r := range runners {
		runner := r
		g.Go(func() error { return runner.Run(gctx) })
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		a.Logger.Error(core.LogEvent{Name: "app_stopped_with_error", Attrs: map[string]any{"error": err.Error()}})
		return err
	}

	a.Logger.Info(core.LogEvent{Name: "app_shutdown_graceful"})
	return nil
}

// Shutdown releases every resource App constructed, within timeout.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.SignalPool.Stop()
	a.EventPool.Stop()
	a.Reconciler.Stop()

	if stoppable, ok := a.gateway.(interface{ Stop() }); ok {
		stoppable.Stop()
	}

	if a.durableEngine != nil {
		if err := a.durableEngine.Stop(); err != nil {
			a.Logger.Error(core.LogEvent{Name: "durable_engine_stop_failed", Attrs: map[string]any{"error": err.Error()}})
		}
	}

	if err := a.auditSink.Close(); err != nil {
		a.Logger.Error(core.LogEvent{Name: "audit_sink_close_failed", Attrs: map[string]any{"error": err.Error()}})
	}

	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.Logger.Error(core.LogEvent{Name: "telemetry_shutdown_failed", Attrs: map[string]any{"error": err.Error()}})
	}
}
