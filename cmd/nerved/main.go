// Nerved is the nervous core of the household agent: durable stores,
// the behavior catalog, the signal loops, and the local HTTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alphonse-agent/nerve/pkg/actions"
	"github.com/alphonse-agent/nerve/pkg/api"
	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/cleanup"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/events"
	"github.com/alphonse-agent/nerve/pkg/extremities"
	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/llm"
	"github.com/alphonse-agent/nerve/pkg/masking"
	"github.com/alphonse-agent/nerve/pkg/metrics"
	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/pdca"
	"github.com/alphonse-agent/nerve/pkg/plans"
	"github.com/alphonse-agent/nerve/pkg/render"
	"github.com/alphonse-agent/nerve/pkg/scheduler"
	"github.com/alphonse-agent/nerve/pkg/senses"
	"github.com/alphonse-agent/nerve/pkg/store"
	"github.com/alphonse-agent/nerve/pkg/tools"
	"github.com/alphonse-agent/nerve/pkg/version"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Configuration and logger
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("Starting nerved", "version", version.Full(), "config", cfg.String())

	ctx := context.Background()

	// 2. Nerve store (catalog, runtime, queue, tasks, plans)
	dbClient, err := database.NewClient(ctx, database.LoadConfigFromEnv())
	if err != nil {
		logger.Error("Failed to open nerve store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing nerve store", "error", err)
		}
	}()
	stores := store.New(dbClient)
	logger.Info("Nerve store ready", "path", dbClient.Path())

	// 3. Observability store with its buffered writer and maintenance
	obsCfg := observe.LoadConfigFromEnv()
	obs, err := observe.Open(ctx, obsCfg)
	if err != nil {
		logger.Error("Failed to open observability store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := obs.Close(); err != nil {
			logger.Error("Error closing observability store", "error", err)
		}
	}()
	writer := observe.NewWriter(obs, obsCfg, logger)
	maintainer := observe.NewMaintainer(obs, obsCfg, logger)

	// 4. Registries: guards, actions, plan executors, tools
	guards := fsm.NewGuardRegistry()
	if err := fsm.RegisterDefaultGuards(guards); err != nil {
		logger.Error("Failed to register guards", "error", err)
		os.Exit(1)
	}
	actionReg := fsm.NewActionRegistry()
	if err := actions.Register(actionReg); err != nil {
		logger.Error("Failed to register actions", "error", err)
		os.Exit(1)
	}
	planRegistry := plans.NewRegistry(logger)
	if err := plans.RegisterBuiltinExecutors(planRegistry); err != nil {
		logger.Error("Failed to register plan executors", "error", err)
		os.Exit(1)
	}
	toolRegistry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(toolRegistry); err != nil {
		logger.Error("Failed to register tools", "error", err)
		os.Exit(1)
	}

	// 5. Seed the catalog, then refuse to run a machine that does not
	// resolve: a dangling guard or action key only gets worse at 3am.
	if err := fsm.SeedCatalog(ctx, stores, cfg.InitialState); err != nil {
		logger.Error("Failed to seed catalog", "error", err)
		os.Exit(1)
	}
	if err := plans.SeedBuiltins(ctx, stores.Plans, planRegistry); err != nil {
		logger.Error("Failed to seed plan kinds", "error", err)
		os.Exit(1)
	}

	senseRegistry := senses.NewRegistry(logger)
	if err := senseRegistry.Register(senses.Passive{
		SenseKey: "api",
		SenseSignals: []string{
			models.SignalAPIMessageReceived,
			models.SignalAPIStatusRequested,
			models.SignalAPITimedSigsRequested,
		},
	}); err != nil {
		logger.Error("Failed to register api sense", "error", err)
		os.Exit(1)
	}
	if cfg.CLISenseEnabled {
		if err := senseRegistry.Register(senses.NewCLI(os.Stdin, logger)); err != nil {
			logger.Error("Failed to register cli sense", "error", err)
			os.Exit(1)
		}
	}
	if err := senseRegistry.Seed(ctx, stores.Catalog); err != nil {
		logger.Error("Failed to seed senses", "error", err)
		os.Exit(1)
	}

	cat, err := stores.Catalog.Load(ctx)
	if err != nil {
		logger.Error("Failed to load catalog", "error", err)
		os.Exit(1)
	}
	if err := fsm.ValidateCatalog(cat, guards, actionReg); err != nil {
		logger.Error("Catalog validation failed, refusing to start", "error", err)
		os.Exit(1)
	}
	logger.Info("Catalog validated",
		"states", len(cat.States),
		"signals", len(cat.Signals),
		"transitions", len(cat.Transitions),
		"senses", len(cat.Senses))

	// 6. Recover rows orphaned by the previous run. Non-fatal: the
	// scheduler and poller repeat these sweeps on their own ticks.
	if n, err := stores.Timed.ReclaimStale(ctx, cfg.Scheduler.Lease); err != nil {
		logger.Error("Failed to reclaim stale timed dispatches", "error", err)
	} else if n > 0 {
		logger.Warn("Reclaimed stale timed dispatches", "count", n)
	}
	if n, err := stores.Tasks.ClearExpiredLeases(ctx, time.Now().UTC()); err != nil {
		logger.Error("Failed to clear expired slice leases", "error", err)
	} else if n > 0 {
		logger.Warn("Cleared expired slice leases", "count", n)
	}
	if n, err := stores.Queue.RequeueStaleProcessing(ctx, cfg.Queue.Stale); err != nil {
		logger.Error("Failed to requeue stale signals", "error", err)
	} else if n > 0 {
		logger.Warn("Requeued stale processing signals", "count", n)
	}

	// 7. Model provider, metrics, bus, trace sink chain
	provider, err := llm.New(cfg.LLM, logger)
	if err != nil {
		logger.Error("Failed to initialize model provider", "error", err)
		os.Exit(1)
	}
	promReg := prometheus.NewRegistry()
	instruments := metrics.MustNew(promReg)
	provider = metrics.InstrumentProvider(provider, instruments)

	b := bus.New(cfg.Bus, logger)
	publisher := bus.NewDurablePublisher(b, stores.Queue, logger)

	gateway := extremities.NewGateway(logger)
	connManager := events.NewManager(gateway, logger)

	// Every trace event is masked first, counted second, then fanned
	// out to the store writer and the live websocket feed.
	trace := masking.NewSink(
		metrics.NewSink(observe.NewFanout(writer, connManager), instruments),
		masking.New(logger))
	promReg.MustRegister(metrics.NewLive(b, stores.Queue, writer, logger))

	renderer := render.New(stores.Templates, logger)
	if err := renderer.Seed(ctx); err != nil {
		logger.Error("Failed to seed response templates", "error", err)
		os.Exit(1)
	}
	runtime := &fsm.Runtime{
		Stores:   stores,
		Tools:    toolRegistry,
		Renderer: renderer,
		LLM:      provider,
		Logger:   logger,
	}

	engine := fsm.New(fsm.Deps{
		Stores:        stores,
		Bus:           b,
		Guards:        guards,
		Actions:       actionReg,
		Runtime:       runtime,
		Plans:         planRegistry,
		Trace:         trace,
		SignalTimeout: cfg.SignalTimeout,
		Logger:        logger,
	})

	// 8. Start the loops. The trace writer gets its own context so it
	// outlives the workers and flushes their final events.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	traceCtx, stopTrace := context.WithCancel(ctx)
	defer stopTrace()

	writerDone := make(chan struct{})
	go func() {
		writer.Run(traceCtx)
		close(writerDone)
	}()
	go maintainer.Run(traceCtx)

	go func() {
		if err := engine.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Engine stopped with error", "error", err)
		}
	}()

	poller := bus.NewPoller(b, stores.Queue, cfg.Queue, logger)
	go poller.Run(workerCtx)

	sched := scheduler.New(stores, publisher, trace, cfg.Scheduler, logger)
	go sched.Run(workerCtx)

	slicePool := pdca.NewPool(
		pdca.NewLLMRunner(provider, toolRegistry, logger),
		runtime, b, trace, cfg.Slice, logger)
	go slicePool.Run(workerCtx)

	planPool := plans.NewPool(planRegistry, runtime, b, trace, cfg.Plan, logger)
	go planPool.Run(workerCtx)

	dispatcher := extremities.NewDispatcher(b.TapOutbound(workerCtx), stores.Household, trace, logger)
	dispatcher.Register(gateway)
	dispatcher.Register(extremities.NewLog(logger))
	if cfg.WebhookURL != "" {
		dispatcher.Register(extremities.NewWebhook(cfg.WebhookURL, nil, logger))
	}
	go dispatcher.Run(workerCtx)

	janitor := cleanup.NewService(stores, cfg.Cleanup, cfg.Plan, cfg.Queue, logger)
	go janitor.Run(workerCtx)

	go connManager.Run(workerCtx, b)

	if err := senseRegistry.StartAll(workerCtx, publisher, cat.Senses); err != nil {
		logger.Error("Failed to start senses", "error", err)
		os.Exit(1)
	}

	// 9. HTTP gateway (non-blocking)
	server := api.NewServer(api.Deps{
		Config:      cfg,
		DB:          dbClient,
		Observe:     obs,
		Writer:      writer,
		Stores:      stores,
		Publisher:   publisher,
		Gateway:     gateway,
		ConnManager: connManager,
		Guards:      guards,
		Actions:     actionReg,
		Gatherer:    promReg,
		Logger:      logger,
	})
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP gateway listening", "addr", "127.0.0.1:"+cfg.HTTPPort)
		if err := server.Start(); err != nil {
			logger.Error("HTTP gateway error", "error", err)
			errCh <- err
		}
	}()

	state, err := stores.Runtime.CurrentState(ctx)
	if err != nil {
		state = cfg.InitialState
	}
	logger.Info("nerve ready", "version", version.Full(), "state", state, "http_port", cfg.HTTPPort)

	// 10. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// A second signal skips the orderly wind-down.
	go func() {
		sig := <-sigCh
		logger.Error("Second signal received, forcing exit", "signal", sig.String())
		os.Exit(1)
	}()

	// 11. Orderly shutdown: ask the machine to wind itself down so the
	// shutdown transition runs (farewell outbound, terminal state).
	pubCtx, pubCancel := context.WithTimeout(ctx, 2*time.Second)
	shutdownSig := models.NewSignal(models.SignalShutdownRequested, nil)
	shutdownSig.Source = "system"
	if err := b.Publish(pubCtx, shutdownSig); err != nil {
		logger.Warn("Could not publish shutdown signal, cancelling loops directly", "error", err)
	} else {
		select {
		case <-engine.Done():
			logger.Info("Engine reached terminal state")
		case <-time.After(cfg.ShutdownGrace):
			logger.Warn("Engine did not reach terminal state within grace period")
		}
	}
	pubCancel()

	senseRegistry.StopAll()
	stopWorkers()

	waitCtx, waitCancel := context.WithTimeout(ctx, cfg.ShutdownGrace)
	components := []struct {
		name string
		done <-chan struct{}
	}{
		{"slice pool", slicePool.Done()},
		{"plan pool", planPool.Done()},
		{"scheduler", sched.Done()},
		{"dispatcher", dispatcher.Done()},
	}
	for _, c := range components {
		select {
		case <-c.done:
		case <-waitCtx.Done():
			logger.Warn("Component did not stop within grace period", "component", c.name)
		}
	}
	waitCancel()

	b.Shutdown()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP gateway shutdown error", "error", err)
	}

	// Flush the diary last so shutdown receipts reach disk.
	stopTrace()
	select {
	case <-writerDone:
	case <-time.After(3 * time.Second):
		logger.Warn("Trace writer did not drain in time")
	}

	logger.Info("Shutdown complete")
}
