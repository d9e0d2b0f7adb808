// Command aopd is the Autonomous Orchestration Platform daemon: it loads
// the TOML configuration, wires the store, registry, runtime, leader,
// pipeline, and orchestrator together, and serves spec.md §6's RPC surface
// over HTTP until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antigravity-dev/aop/internal/api"
	"github.com/antigravity-dev/aop/internal/audit"
	"github.com/antigravity-dev/aop/internal/budget"
	"github.com/antigravity-dev/aop/internal/config"
	"github.com/antigravity-dev/aop/internal/leader"
	"github.com/antigravity-dev/aop/internal/llm"
	"github.com/antigravity-dev/aop/internal/orchestrator"
	"github.com/antigravity-dev/aop/internal/pipeline"
	"github.com/antigravity-dev/aop/internal/registry"
	"github.com/antigravity-dev/aop/internal/runtime"
	"github.com/antigravity-dev/aop/internal/store"
	"github.com/antigravity-dev/aop/internal/toolbridge"
	"github.com/nats-io/nats.go"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildRouter wires one adapter per provider family found in cfg.Providers,
// per spec.md §4.3's two recognised kinds.
func buildRouter(cfg *config.Config) *llm.Router {
	cliProviders := map[string]llm.CLIProviderConfig{}
	httpsProviders := map[string]llm.HTTPSProviderConfig{}
	for name, p := range cfg.Providers {
		switch p.Kind {
		case "https":
			httpsProviders[name] = llm.HTTPSProviderConfig{BaseURL: p.BaseURL, CredentialEnv: p.CredentialEnv}
		default:
			cliProviders[name] = llm.CLIProviderConfig{Command: p.Command, Flags: p.Flags}
		}
	}
	return llm.NewRouter(
		llm.NewCLIAdapter(cliProviders, cfg.Pipeline.ClaudeMaxBudgetUSD),
		llm.NewHTTPSAdapter(httpsProviders),
	)
}

func buildThresholds(cfg *config.Config) budget.Thresholds {
	return budget.Thresholds{
		AutoApproveEnabled: cfg.Budget.AutoApprove,
		HeadroomPercent:    cfg.Budget.HeadroomPercent / 100,
		AutoMaxPercent:     cfg.Budget.AutoMaxPercent / 100,
		MinIncrement:       cfg.Budget.MinIncrement,
	}
}

func buildBridge(cfg *config.Config) *toolbridge.Bridge {
	if cfg.Toolbridge.Command == "" {
		return nil
	}
	limiter := toolbridge.New(toolbridge.LimiterConfig{
		MaxConcurrent: cfg.Toolbridge.MaxConcurrent,
		WindowCalls:   cfg.Toolbridge.WindowCalls,
		Window:        cfg.Toolbridge.Window.Duration,
		MaxQueueDepth: cfg.Toolbridge.MaxQueueDepth,
	})
	return toolbridge.NewBridge(cfg.Toolbridge.Command, cfg.Toolbridge.Args, limiter)
}

func main() {
	configPath := flag.String("config", "aop.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("aopd starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var nc *nats.Conn
	if cfg.General.NATSUrl != "" {
		nc, err = nats.Connect(cfg.General.NATSUrl)
		if err != nil {
			logger.Warn("failed to connect to NATS, audit events will not be published", "url", cfg.General.NATSUrl, "error", err)
			nc = nil
		} else {
			defer nc.Close()
		}
	}
	rec := audit.New(st, nc, logger.With("component", "audit"))

	router := buildRouter(cfg)
	doc, err := registry.LoadDocument(cfg.Tiers.RoutingFile)
	if err != nil {
		logger.Error("failed to load model routing document", "error", err)
		os.Exit(1)
	}
	reg := registry.New(doc, st, router)

	thresholds := buildThresholds(cfg)
	budgetSvc := budget.New(st, thresholds)
	rt := runtime.New(st, rec, budgetSvc)
	bridge := buildBridge(cfg)

	// internal/embedding's deterministic embedding powers spec.md's
	// similarity contract, but the vector-index chunker itself is
	// out-of-scope (spec.md §1); a VectorIndex is only exercised when an
	// operator wires one in externally, so we run without one here.
	ld := leader.New(st, rec, rt, reg, router, bridge, nil, thresholds)

	pipelineCfg := pipeline.Config{
		SemanticRegressionThreshold: cfg.Pipeline.SemanticRegressionThreshold,
		ShadowTimeout:               cfg.Pipeline.ShadowTimeout.Duration,
		ApplyTimeout:                cfg.Pipeline.ApplyTimeout.Duration,
		AutoCommit:                  cfg.Pipeline.AutoCommit,
		CIOverrideCommand:           cfg.Pipeline.CIOverrideCommand,
		DockerImage:                 cfg.Pipeline.ShadowDockerImage,
	}
	pl := pipeline.New(st, rec, pipelineCfg, nil, logger.With("component", "pipeline"))

	orch := orchestrator.New(st, rec, rt, reg, router, bridge, ld, pl, nil, thresholds)

	apiSrv, err := api.NewServer(cfg, st, budgetSvc, orch, pl, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("aopd running", "listen_addr", cfg.API.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("aopd stopped")
}
