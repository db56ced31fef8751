// Package main provides the copytrader daemon, a copy-trading pipeline
// that mirrors a tracked account's position deltas onto a local venue
// account under an auditable safety state machine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/decision"
	"github.com/watchedcopy/copytrader/internal/execution"
	"github.com/watchedcopy/copytrader/internal/ingest"
	"github.com/watchedcopy/copytrader/internal/orchestrator"
	"github.com/watchedcopy/copytrader/internal/safety"
	"github.com/watchedcopy/copytrader/internal/storage"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path (required)")
		dataDir     = flag.String("data-dir", "~/.copytrader", "Data directory, overrides config db_path's directory")
		once        = flag.Bool("once", false, "Run a single ingest/decide/execute tick and exit, instead of looping")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("copytrader %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if *configFile == "" {
		log.Fatal("missing required -config flag")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	effectiveLevel := cfg.EffectiveLogLevel()
	if *logLevel != "" {
		effectiveLevel = *logLevel
	}
	log = logging.New(&logging.Config{Level: effectiveLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", *configFile, "environment", cfg.Environment)

	dataDirSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "data-dir" {
			dataDirSet = true
		}
	})
	dbDir := expandPath(*dataDir)
	if cfg.DBPath != "" && !dataDirSet {
		dbDir = filepath.Dir(expandPath(cfg.DBPath))
	}

	store, err := storage.New(&storage.Config{DataDir: dbDir})
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("storage initialized", "dir", dbDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	decisionCfg := config.DefaultDecisionConfig()
	if cfg.Decision != nil {
		decisionCfg = *cfg.Decision
	}
	decider := decision.New(decisionCfg)

	var executionCfg execution.Config
	if cfg.Execution != nil {
		executionCfg = execution.FromConfig(*cfg.Execution)
	}

	execAdapter := execution.NewStubAdapter(execution.StubAdapterConfig{
		Enabled: true,
	})

	safetyCfg := config.SafetyConfig{}
	if cfg.Safety != nil {
		safetyCfg = *cfg.Safety
	}
	safetySvc := safety.New(store, safetyCfg, nowMs)

	updater := func(mode, reasonCode, reasonMessage string) error {
		_, err := store.TransitionSafety(mode, reasonCode, reasonMessage)
		return err
	}

	executor := execution.New(store, execAdapter, safetySvc, updater, executionCfg)

	var ingestCfg config.IngestConfig
	if cfg.Ingest != nil {
		ingestCfg = *cfg.Ingest
	}

	ingestAdapter := buildIngestAdapter(ingestCfg, log)

	coordinator := ingest.New(store, ingestAdapter, ingest.Config{
		BackfillWindowMs:   ingestCfg.BackfillWindowMs,
		CursorOverlapMs:    ingestCfg.CursorOverlapMs,
		MaintenanceSkipGap: ingestCfg.MaintenanceSkipGap,
	})

	providers := decision.Providers{
		NowMs: nowMs,
		Price: func(symbol string) (float64, bool) {
			price, ok, err := execAdapter.FetchMarkPrice(ctx, symbol)
			if err != nil {
				return 0, false
			}
			return price, ok
		},
	}

	positions := orchestrator.NewReconstructedPositions(store)

	var metrics *orchestrator.Metrics
	if metrics, err = orchestrator.NewMetrics(cfg.MetricsLogPath); err != nil {
		log.Fatal("failed to open metrics log", "error", err)
	}
	defer metrics.Close()

	orch := orchestrator.New(orchestrator.Dependencies{
		Store:       store,
		Coordinator: coordinator,
		Decider:     decider,
		Executor:    executor,
		Safety:      safetySvc,
		Positions:   positions,
		Providers:   providers,
		Config:      cfg,
		Metrics:     metrics,
	})

	runLoop := !*once
	if cfg.Orchestrator != nil && !cfg.Orchestrator.RunLoop {
		runLoop = false
	}

	log.Info("starting copytrader", "run_loop", runLoop)
	if err := orch.Run(ctx, runLoop); err != nil {
		log.Fatal("orchestrator run failed", "error", err)
	}

	log.Info("goodbye!")
}

// buildIngestAdapter prefers a websocket live feed when ws_url is
// configured, falling back to the stub adapter's canned-event mode
// otherwise (no canned events configured means every tick is a no-op).
func buildIngestAdapter(cfg config.IngestConfig, log *logging.Logger) ingest.Adapter {
	stub := ingest.NewStubAdapter(ingest.StubAdapterConfig{
		SymbolMapping:  cfg.SymbolMapping,
		RateLimitMax:   cfg.RateLimitMaxRequests,
		RateLimitEvery: durationFromSeconds(cfg.RateLimitPerSeconds),
		Cooldown:       durationFromSeconds(cfg.RateLimitCooldownSec),
	})

	if cfg.WSURL == "" {
		return stub
	}

	limiter := ingest.NewRateLimiter(cfg.RateLimitMaxRequests, durationFromSeconds(cfg.RateLimitPerSeconds), durationFromSeconds(cfg.RateLimitCooldownSec))
	log.Info("live feed enabled", "ws_url", cfg.WSURL)
	return ingest.NewWSAdapter(cfg.WSURL, stub, cfg.SymbolMapping, limiter)
}

func durationFromSeconds(seconds float64) time.Duration {
	if seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}

func nowMs() int64 { return time.Now().UnixMilli() }

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
