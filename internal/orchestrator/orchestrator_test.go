package orchestrator

import (
	"context"
	"testing"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/decision"
	"github.com/watchedcopy/copytrader/internal/execution"
	"github.com/watchedcopy/copytrader/internal/ingest"
	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/safety"
	"github.com/watchedcopy/copytrader/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		Decision: &config.DecisionConfig{
			StrategyVersion:      "v1",
			ReplayPolicy:         "close_only",
			PriceFailurePolicy:   "allow_without_price",
			FiltersFailurePolicy: "allow_without_filters",
			Sizing:               config.SizingConfig{Mode: "fixed", FixedQty: 1.0},
		},
		// TIFSeconds=0 disables the TIF poll/cancel loop (§4.5 step 4's
		// "only when configured" gate), so the stub SUBMITTED result
		// persists immediately without a real-time wait in this test.
		Execution: &config.ExecutionConfig{TIFSeconds: 0, RetryBudgetMaxAttempts: 3},
		Safety:       &config.SafetyConfig{},
		Ingest:       &config.IngestConfig{BackfillWindowMs: 1_000_000_000},
		Orchestrator: &config.OrchestratorConfig{RunLoop: false},
	}
}

func newTestOrchestrator(t *testing.T, store *storage.Storage, adapter ingest.Adapter) *Orchestrator {
	t.Helper()
	cfg := testConfig()

	coordinator := ingest.New(store, adapter, ingest.Config{BackfillWindowMs: cfg.Ingest.BackfillWindowMs})
	decider := decision.New(*cfg.Decision)

	execAdapter := execution.NewStubAdapter(execution.StubAdapterConfig{Enabled: true})
	safetySvc := safety.New(store, *cfg.Safety, func() int64 { return 1_000_000 })
	updater := func(mode, reasonCode, reasonMessage string) error {
		_, err := store.TransitionSafety(mode, reasonCode, reasonMessage)
		return err
	}
	executor := execution.New(store, execAdapter, safetySvc, updater, execution.FromConfig(*cfg.Execution))

	metrics, err := NewMetrics("")
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	return New(Dependencies{
		Store:       store,
		Coordinator: coordinator,
		Decider:     decider,
		Executor:    executor,
		Safety:      safetySvc,
		Positions:   NewReconstructedPositions(store),
		Providers:   decision.Providers{NowMs: func() int64 { return 1_000_000 }},
		Config:      cfg,
		Metrics:     metrics,
	})
}

func TestBootStampsSchemaAndBootstrapsSafeMode(t *testing.T) {
	store := newTestStorage(t)
	adapter := ingest.NewStubAdapter(ingest.StubAdapterConfig{})
	orch := newTestOrchestrator(t, store, adapter)

	if err := orch.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}

	state, err := store.GetSafetyState()
	if err != nil {
		t.Fatalf("get safety state: %v", err)
	}
	if state.Mode != string(models.SafetyArmedSafe) {
		t.Fatalf("expected bootstrap mode ARMED_SAFE, got %s", state.Mode)
	}

	version, ok, err := store.GetSystemState(storage.KeySchemaVersion)
	if err != nil || !ok || version != storage.SchemaVersion {
		t.Fatalf("expected schema version stamped, got %s ok=%v err=%v", version, ok, err)
	}
}

func TestBootHaltsOnSchemaMismatch(t *testing.T) {
	store := newTestStorage(t)
	if err := store.SetSystemState(storage.KeySchemaVersion, "0"); err != nil {
		t.Fatalf("seed schema version: %v", err)
	}
	adapter := ingest.NewStubAdapter(ingest.StubAdapterConfig{})
	orch := newTestOrchestrator(t, store, adapter)

	if err := orch.Boot(context.Background()); err == nil {
		t.Fatalf("expected boot to fail on schema mismatch")
	}

	state, err := store.GetSafetyState()
	if err != nil {
		t.Fatalf("get safety state: %v", err)
	}
	if state.Mode != string(models.SafetyHalt) {
		t.Fatalf("expected HALT after schema mismatch, got %s", state.Mode)
	}
}

func TestTickIngestsDecidesAndExecutes(t *testing.T) {
	store := newTestStorage(t)
	adapter := ingest.NewStubAdapter(ingest.StubAdapterConfig{
		LiveEvents: []models.RawPositionEvent{
			{TxHash: "0xabc", EventIndex: 0, Symbol: "BTC", TimestampMs: 1_000_000, PrevPosition: 0, NextPosition: 1},
		},
	})
	orch := newTestOrchestrator(t, store, adapter)

	if err := orch.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if _, err := store.TransitionSafety(string(models.SafetyArmedLive), "TEST", "armed for test"); err != nil {
		t.Fatalf("arm live: %v", err)
	}

	productive, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !productive {
		t.Fatalf("expected tick to be productive")
	}

	corrID := models.CorrelationID("0xabc", 0, "BTC", "")
	result, ok, err := store.GetResult(corrID)
	if err != nil || !ok {
		t.Fatalf("expected order result to be persisted: ok=%v err=%v", ok, err)
	}
	if result.Status != models.StatusSubmitted {
		t.Fatalf("expected stub adapter to report SUBMITTED, got %s", result.Status)
	}
}

func TestTickIsIdleWithNoEvents(t *testing.T) {
	store := newTestStorage(t)
	adapter := ingest.NewStubAdapter(ingest.StubAdapterConfig{})
	orch := newTestOrchestrator(t, store, adapter)

	if err := orch.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}

	productive, err := orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if productive {
		t.Fatalf("expected idle tick with no events")
	}
}
