package storage

import (
	"testing"

	"github.com/watchedcopy/copytrader/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIntent(corrID string) models.OrderIntent {
	return models.OrderIntent{
		CorrelationID:   corrID,
		Symbol:          "BTC",
		Side:            models.SideBuy,
		OrderType:       models.OrderTypeLimit,
		Qty:             1.5,
		ReduceOnly:      false,
		TimeInForce:     "GTC",
		StrategyVersion: "v1",
		ContractVersion: models.CurrentContractVersion(),
	}
}

func TestAdmitEventDedupAndCursorAdvance(t *testing.T) {
	s := newTestStorage(t)

	admitted, err := s.AdmitEvent("0xabc", 0, "BTC", 1000, false)
	if err != nil || !admitted {
		t.Fatalf("expected first admit to succeed, got admitted=%v err=%v", admitted, err)
	}

	admitted, err = s.AdmitEvent("0xabc", 0, "BTC", 1000, false)
	if err != nil || admitted {
		t.Fatalf("expected duplicate admit to be rejected, got admitted=%v err=%v", admitted, err)
	}

	ts, err := s.LastProcessedTimestampMs()
	if err != nil || ts != 1000 {
		t.Fatalf("expected cursor timestamp 1000, got %d err=%v", ts, err)
	}

	admitted, err = s.AdmitEvent("0xdef", 1, "BTC", 500, false)
	if err != nil || !admitted {
		t.Fatalf("expected older event to still admit (dedup key differs), got admitted=%v err=%v", admitted, err)
	}
	ts, _ = s.LastProcessedTimestampMs()
	if ts != 1000 {
		t.Fatalf("cursor must not move backward, got %d", ts)
	}
}

func TestEnsureIntentIdempotentAndMismatchDetected(t *testing.T) {
	s := newTestStorage(t)
	intent := testIntent("hl-0xabc-0-BTC")

	first, err := s.EnsureIntent(intent)
	if err != nil {
		t.Fatalf("ensure intent: %v", err)
	}
	if first.ClientOrderID == "" {
		t.Fatalf("expected client_order_id to be minted")
	}

	second, err := s.EnsureIntent(intent)
	if err != nil {
		t.Fatalf("ensure intent (repeat): %v", err)
	}
	if second.ClientOrderID != first.ClientOrderID {
		t.Fatalf("expected stable client_order_id across repeats, got %q then %q", first.ClientOrderID, second.ClientOrderID)
	}

	mismatched := intent
	mismatched.Qty = 99
	if _, err := s.EnsureIntent(mismatched); err == nil {
		t.Fatalf("expected mismatch error for structurally different repeat")
	}
}

func TestUpsertResultPreservesCreatedAt(t *testing.T) {
	s := newTestStorage(t)
	result := models.OrderResult{
		CorrelationID:   "hl-0xabc-0-BTC",
		Status:          models.StatusSubmitted,
		ContractVersion: models.CurrentContractVersion(),
	}
	if err := s.UpsertResult(result); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	first, ok, err := s.GetResult(result.CorrelationID)
	if err != nil || !ok {
		t.Fatalf("get result 1: ok=%v err=%v", ok, err)
	}
	if first.CreatedAtMs == 0 {
		t.Fatalf("expected created_at_ms to be stamped")
	}

	result.Status = models.StatusFilled
	result.FilledQty = 1.5
	result.CreatedAtMs = first.CreatedAtMs
	if err := s.UpsertResult(result); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	second, ok, err := s.GetResult(result.CorrelationID)
	if err != nil || !ok {
		t.Fatalf("get result 2: ok=%v err=%v", ok, err)
	}
	if second.CreatedAtMs != first.CreatedAtMs {
		t.Fatalf("created_at_ms must never change: first=%d second=%d", first.CreatedAtMs, second.CreatedAtMs)
	}
	if second.Status != models.StatusFilled || second.FilledQty != 1.5 {
		t.Fatalf("expected updated status/filled_qty, got %+v", second)
	}
}

func TestTransitionSafetySuppressesNoOpAndAudits(t *testing.T) {
	s := newTestStorage(t)
	if err := s.EnsureBootstrapState(1_000_000); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	changed, err := s.TransitionSafety(string(models.SafetyHalt), "MANUAL_OVERRIDE", "operator halt")
	if err != nil || !changed {
		t.Fatalf("expected first transition to change state, changed=%v err=%v", changed, err)
	}

	changed, err = s.TransitionSafety(string(models.SafetyHalt), "MANUAL_OVERRIDE", "operator halt again")
	if err != nil || changed {
		t.Fatalf("expected repeat transition (same mode+reason) to be a no-op, changed=%v err=%v", changed, err)
	}

	entries, err := s.AuditTail("safety", 10)
	if err != nil {
		t.Fatalf("audit tail: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry (no-op suppressed), got %d", len(entries))
	}
}

func TestBaselineInsertAndLoadActive(t *testing.T) {
	s := newTestStorage(t)
	err := s.InsertBaseline(BaselineSnapshot{
		BaselineID:    "b1",
		CreatedAtMs:   1000,
		Operator:      "ops",
		ReasonMessage: "initial sync",
		Active:        true,
		Positions:     map[string]float64{"BTC": 2.0, "ETH": -1.0},
	})
	if err != nil {
		t.Fatalf("insert baseline: %v", err)
	}

	loaded, ok, err := s.LoadActiveBaseline()
	if err != nil || !ok {
		t.Fatalf("load active baseline: ok=%v err=%v", ok, err)
	}
	if loaded.Positions["BTC"] != 2.0 || loaded.Positions["ETH"] != -1.0 {
		t.Fatalf("unexpected positions: %+v", loaded.Positions)
	}

	err = s.InsertBaseline(BaselineSnapshot{
		BaselineID: "b2",
		CreatedAtMs: 2000,
		Active:      true,
		Positions:   map[string]float64{"BTC": 3.0},
	})
	if err != nil {
		t.Fatalf("insert baseline 2: %v", err)
	}
	loaded, ok, err = s.LoadActiveBaseline()
	if err != nil || !ok {
		t.Fatalf("load active baseline after replace: ok=%v err=%v", ok, err)
	}
	if loaded.BaselineID != "b2" {
		t.Fatalf("expected newer baseline b2 to be active, got %s", loaded.BaselineID)
	}

	if err := s.ResetBaseline(); err != nil {
		t.Fatalf("reset baseline: %v", err)
	}
	_, ok, err = s.LoadActiveBaseline()
	if err != nil {
		t.Fatalf("load active baseline after reset: %v", err)
	}
	if ok {
		t.Fatalf("expected no active baseline after reset")
	}
}
