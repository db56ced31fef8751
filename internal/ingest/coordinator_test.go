package ingest

import (
	"context"
	"testing"

	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureBootstrapState(1_000_000); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func TestRunOnceDedupAcrossReconnect(t *testing.T) {
	store := newTestStorage(t)

	backfill := []models.RawPositionEvent{
		{TxHash: "0xdup", EventIndex: 1, Symbol: "BTC", TimestampMs: 1000, PrevPosition: 0, NextPosition: 1},
	}
	live := []models.RawPositionEvent{
		{TxHash: "0xdup", EventIndex: 1, Symbol: "BTC", TimestampMs: 1000, PrevPosition: 0, NextPosition: 1},
		{TxHash: "0xnew", EventIndex: 2, Symbol: "BTC", TimestampMs: 1100, PrevPosition: 1, NextPosition: 2},
	}

	adapter := NewStubAdapter(StubAdapterConfig{
		BackfillEvents: backfill,
		LiveEvents:     live,
	})

	if _, err := store.TransitionSafety(string(models.SafetyArmedLive), "TEST", "test boot"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	coord := New(store, adapter, Config{BackfillWindowMs: 1_000_000_000, CursorOverlapMs: 0})

	admitted, err := coord.RunOnce(context.Background(), false)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(admitted) != 2 {
		t.Fatalf("expected 2 admitted events, got %d: %+v", len(admitted), admitted)
	}

	key, ok, err := store.GetSystemState(storage.KeyLastProcessedEventKey)
	if err != nil || !ok {
		t.Fatalf("get cursor: ok=%v err=%v", ok, err)
	}
	if key != storage.EventKey(1100, 2, "0xnew", "BTC") {
		t.Fatalf("unexpected cursor key: %s", key)
	}

	hasDup, err := store.HasProcessedTx("0xdup", 1, "BTC")
	if err != nil || !hasDup {
		t.Fatalf("expected 0xdup processed: ok=%v err=%v", hasDup, err)
	}
}

func TestNormalizeActionTypes(t *testing.T) {
	cases := []struct {
		name   string
		prev   float64
		next   float64
		expect models.ActionType
	}{
		{"zero to long", 0, 1, models.ActionIncrease},
		{"long grows", 1, 2, models.ActionIncrease},
		{"long shrinks", 2, 1, models.ActionDecrease},
		{"flip long to short", 1.5, -2.0, models.ActionFlip},
		{"no-op", 0, 0, models.ActionIncrease},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := normalize(models.RawPositionEvent{PrevPosition: tc.prev, NextPosition: tc.next})
			if e.ActionType != tc.expect {
				t.Fatalf("got %s, want %s", e.ActionType, tc.expect)
			}
			if tc.expect == models.ActionFlip {
				if e.CloseComponent == nil || e.OpenComponent == nil {
					t.Fatalf("expected open/close components on FLIP")
				}
			}
		})
	}
}
