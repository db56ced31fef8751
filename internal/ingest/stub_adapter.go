package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

// StubAdapter implements Adapter against a configured list of canned
// events, mirroring the original source's HyperliquidAdapter `mode:
// stub` — used by tests and by deployments without live venue access.
type StubAdapter struct {
	backfill []models.RawPositionEvent
	live     []models.RawPositionEvent
	mapping  map[string]string
	limiter  *RateLimiter
	log      *logging.Logger
}

// StubAdapterConfig configures a StubAdapter.
type StubAdapterConfig struct {
	BackfillEvents []models.RawPositionEvent
	LiveEvents     []models.RawPositionEvent
	SymbolMapping  map[string]string
	RateLimitMax   int
	RateLimitEvery time.Duration
	Cooldown       time.Duration
}

// NewStubAdapter builds a stub adapter over canned events.
func NewStubAdapter(cfg StubAdapterConfig) *StubAdapter {
	return &StubAdapter{
		backfill: cfg.BackfillEvents,
		live:     cfg.LiveEvents,
		mapping:  cfg.SymbolMapping,
		limiter:  NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitEvery, cfg.Cooldown),
		log:      logging.GetDefault().Component("ingest.stub"),
	}
}

// FetchBackfill returns canned events in [sinceMs, untilMs], replay
// flagged, symbol-filtered and sorted by (timestamp, event_index).
func (a *StubAdapter) FetchBackfill(ctx context.Context, sinceMs, untilMs int64) ([]models.RawPositionEvent, error) {
	if ok, wait := a.limiter.Allow(time.Now()); !ok {
		a.log.Warn("rate limited, applying cooldown", "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out []models.RawPositionEvent
	for _, e := range a.backfill {
		if e.TimestampMs < sinceMs || e.TimestampMs > untilMs {
			continue
		}
		e.IsReplay = true
		out = append(out, e)
	}
	out = FilterMappedSymbols(out, a.mapping)
	sortEventsByTimestampThenIndex(out)
	return out, nil
}

// PollLive returns canned live events at or after sinceMs, non-replay,
// symbol-filtered and sorted.
func (a *StubAdapter) PollLive(ctx context.Context, sinceMs int64) ([]models.RawPositionEvent, error) {
	if ok, wait := a.limiter.Allow(time.Now()); !ok {
		a.log.Warn("rate limited, applying cooldown", "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out []models.RawPositionEvent
	for _, e := range a.live {
		if e.TimestampMs < sinceMs {
			continue
		}
		e.IsReplay = false
		out = append(out, e)
	}
	out = FilterMappedSymbols(out, a.mapping)
	sortEventsByTimestampThenIndex(out)
	return out, nil
}

// Close is a no-op for the stub.
func (a *StubAdapter) Close() error { return nil }

func sortEventsByTimestampThenIndex(events []models.RawPositionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TimestampMs != events[j].TimestampMs {
			return events[i].TimestampMs < events[j].TimestampMs
		}
		return events[i].EventIndex < events[j].EventIndex
	})
}
