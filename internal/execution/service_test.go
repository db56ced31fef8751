package execution

import (
	"context"
	"testing"
	"time"

	"github.com/watchedcopy/copytrader/internal/models"
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

type fakeAdapter struct {
	executeResult models.OrderResult
	queryResults  []models.OrderResult
	cancelResult  models.OrderResult
	queryCalls    int
	markPrice     float64
}

func (f *fakeAdapter) Execute(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	r := f.executeResult
	r.CorrelationID = intent.CorrelationID
	return r, nil
}

func (f *fakeAdapter) QueryOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	if f.queryCalls >= len(f.queryResults) {
		return f.queryResults[len(f.queryResults)-1], nil
	}
	r := f.queryResults[f.queryCalls]
	f.queryCalls++
	r.CorrelationID = intent.CorrelationID
	return r, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	r := f.cancelResult
	r.CorrelationID = intent.CorrelationID
	return r, nil
}

func (f *fakeAdapter) FetchMarkPrice(ctx context.Context, symbol string) (float64, bool, error) {
	return f.markPrice, f.markPrice > 0, nil
}

func (f *fakeAdapter) FetchPositions(ctx context.Context) (map[string]float64, bool, error) {
	return nil, false, nil
}

func testIntent() models.OrderIntent {
	price := 100.0
	return models.OrderIntent{
		CorrelationID:   "hl-0xabc-1-BTC",
		ClientOrderID:   "hl-0xabc-1-BTC-aaaa",
		Symbol:          "BTC",
		Side:            models.SideBuy,
		OrderType:       models.OrderTypeLimit,
		Qty:             1.0,
		Price:           &price,
		TimeInForce:     "GTC",
		ContractVersion: models.CurrentContractVersion(),
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestExecuteIdempotentOnFilled(t *testing.T) {
	store := newTestStorage(t)
	intent := testIntent()
	if err := store.UpsertResult(models.OrderResult{
		CorrelationID:   intent.CorrelationID,
		Status:          models.StatusFilled,
		FilledQty:       1.0,
		ContractVersion: intent.ContractVersion,
	}); err != nil {
		t.Fatalf("seed result: %v", err)
	}

	adapter := &fakeAdapter{}
	svc := New(store, adapter, nil, nil, Config{})
	svc.sleep = noSleep

	result, err := svc.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != models.StatusFilled {
		t.Fatalf("expected FILLED passthrough, got %s", result.Status)
	}
}

func TestExecuteTIFCancelThenMarketFallback(t *testing.T) {
	store := newTestStorage(t)
	intent := testIntent()

	adapter := &fakeAdapter{
		executeResult: models.OrderResult{Status: models.StatusSubmitted},
		queryResults: []models.OrderResult{
			{Status: models.StatusSubmitted},
		},
		cancelResult: func() models.OrderResult {
			avg := 100.0
			return models.OrderResult{Status: models.StatusCanceled, FilledQty: 0.4, AvgPrice: &avg}
		}(),
		markPrice: 100.5,
	}
	// patch Execute to also answer the fallback market order distinctly
	svc := New(store, &fallbackAdapter{fakeAdapter: adapter}, nil, nil, Config{
		TIFSeconds:                 1,
		OrderPollIntervalSec:       1,
		MarketFallbackEnabled:      true,
		MarketFallbackThresholdPct: 0.1,
		MarketSlippageCapPct:       0.01,
	})
	result, err := svc.Execute(context.Background(), intent)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != models.StatusFilled {
		t.Fatalf("expected FILLED after fallback, got %s (%+v)", result.Status, result)
	}
	if result.FilledQty != 1.0 {
		t.Fatalf("expected total filled qty 1.0, got %v", result.FilledQty)
	}
}

// fallbackAdapter returns a distinct FILLED result for the synthesized
// market fallback order (detected via its MARKET order type) while
// delegating everything else to the embedded fakeAdapter.
type fallbackAdapter struct {
	*fakeAdapter
}

func (f *fallbackAdapter) Execute(ctx context.Context, intent models.OrderIntent) (models.OrderResult, error) {
	if intent.OrderType == models.OrderTypeMarket {
		avg := 101.0
		return models.OrderResult{
			CorrelationID: intent.CorrelationID,
			Status:        models.StatusFilled,
			FilledQty:     intent.Qty,
			AvgPrice:      &avg,
		}, nil
	}
	return f.fakeAdapter.Execute(ctx, intent)
}
