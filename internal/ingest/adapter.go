// Package ingest pulls raw position-delta events from the watched venue,
// normalizes them, deduplicates against storage, and advances the cursor.
package ingest

import (
	"context"

	"github.com/watchedcopy/copytrader/internal/models"
)

// Adapter is the capability contract a venue integration implements
// (§4.2). Implementations encapsulate their own rate limiting and
// retries; the coordinator treats every adapter identically.
type Adapter interface {
	FetchBackfill(ctx context.Context, sinceMs, untilMs int64) ([]models.RawPositionEvent, error)
	PollLive(ctx context.Context, sinceMs int64) ([]models.RawPositionEvent, error)
	Close() error
}

// RawFill is one venue fill line, the unit aggregated into a
// RawPositionEvent by AggregateFills.
type RawFill struct {
	Symbol        string
	TxHash        string
	FillIndex     int
	TimeMs        int64
	StartPosition float64
	SignedSize    float64
}

// AggregateFills groups fills sharing (tx_hash, symbol) into a single
// RawPositionEvent each, per §4.2: sort by (time, fill index), take the
// earliest start position as prev, sum signed sizes into next, and take
// the last fill's time/index as the event's timestamp/event_index.
func AggregateFills(fills []RawFill, isReplay bool) []models.RawPositionEvent {
	groups := make(map[string][]RawFill)
	var order []string
	for _, f := range fills {
		key := f.TxHash + "|" + f.Symbol
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	events := make([]models.RawPositionEvent, 0, len(order))
	for _, key := range order {
		group := groups[key]
		sortFillsByTimeThenIndex(group)

		prev := group[0].StartPosition
		next := prev
		for _, f := range group {
			next += f.SignedSize
		}
		last := group[len(group)-1]

		events = append(events, models.RawPositionEvent{
			Symbol:       last.Symbol,
			TimestampMs:  last.TimeMs,
			TxHash:       last.TxHash,
			EventIndex:   last.FillIndex,
			PrevPosition: prev,
			NextPosition: next,
			IsReplay:     isReplay,
		})
	}
	return events
}

func sortFillsByTimeThenIndex(fills []RawFill) {
	for i := 1; i < len(fills); i++ {
		for j := i; j > 0; j-- {
			a, b := fills[j-1], fills[j]
			if a.TimeMs < b.TimeMs || (a.TimeMs == b.TimeMs && a.FillIndex <= b.FillIndex) {
				break
			}
			fills[j-1], fills[j] = fills[j], fills[j-1]
		}
	}
}

// FilterMappedSymbols drops raw events whose symbol is not present in
// mapping, and rewrites the symbol to its mapped value (§4.2 "filter out
// unmapped or spot-only symbols using a configured mapping"). An empty
// mapping disables filtering: every event is returned unchanged.
func FilterMappedSymbols(events []models.RawPositionEvent, mapping map[string]string) []models.RawPositionEvent {
	if len(mapping) == 0 {
		return events
	}
	out := make([]models.RawPositionEvent, 0, len(events))
	for _, e := range events {
		mapped, ok := mapping[e.Symbol]
		if !ok {
			continue
		}
		e.Symbol = mapped
		out = append(out, e)
	}
	return out
}
