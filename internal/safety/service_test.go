package safety

import (
	"testing"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/storage"
)

func testReduceOnlyIntent() models.OrderIntent {
	return models.OrderIntent{
		CorrelationID:   "hl-0xabc-1-BTC",
		Symbol:          "BTC",
		Side:            models.SideSell,
		OrderType:       models.OrderTypeLimit,
		Qty:             1.0,
		ReduceOnly:      true,
		ContractVersion: models.CurrentContractVersion(),
	}
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureBootstrapState(1_000_000); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func TestReconcileStaleSnapshot(t *testing.T) {
	store := newTestStorage(t)
	cfg := config.SafetyConfig{SnapshotMaxStaleMs: 30_000, ZeroEpsilon: 1e-9}
	svc := New(store, cfg, func() int64 { return 60_000 })

	outcome, err := svc.Reconcile(ReconcileInputs{
		LocalPositions: map[string]float64{"BTC": 1.0},
		Exchange:       ExchangeSnapshot{SnapshotMs: 0, Positions: map[string]float64{"BTC": 1.0}},
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.ReasonCode != ReasonSnapshotStale {
		t.Fatalf("expected SNAPSHOT_STALE, got %s", outcome.ReasonCode)
	}
}

func TestReconcileCriticalOnMissingSymbol(t *testing.T) {
	store := newTestStorage(t)
	cfg := config.SafetyConfig{SnapshotMaxStaleMs: 30_000, ZeroEpsilon: 1e-9, CriticalThresholdPct: 0.5, WarnThresholdPct: 0.1}
	svc := New(store, cfg, func() int64 { return 1000 })

	outcome, err := svc.Reconcile(ReconcileInputs{
		LocalPositions: map[string]float64{"BTC": 1.0},
		Exchange:       ExchangeSnapshot{SnapshotMs: 1000, Positions: map[string]float64{}},
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.ReasonCode != ReasonReconcileCritical {
		t.Fatalf("expected RECONCILE_CRITICAL, got %s", outcome.ReasonCode)
	}
}

func TestPreExecutionCheckHaltBlocksEverything(t *testing.T) {
	store := newTestStorage(t)
	if _, err := store.TransitionSafety("HALT", "TEST", "halted for test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	svc := New(store, config.SafetyConfig{}, func() int64 { return 0 })

	if err := svc.PreExecutionCheck(testReduceOnlyIntent()); err == nil {
		t.Fatalf("expected HALT to block even reduce-only intents")
	}
}
