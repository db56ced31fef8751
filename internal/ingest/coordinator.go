package ingest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/storage"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

// Config parameterizes the Coordinator (§4.3, §6 `ingest` section).
type Config struct {
	BackfillWindowMs   int64
	CursorOverlapMs    int64
	MaintenanceSkipGap bool
}

// Coordinator normalizes raw events into PositionDeltaEvents,
// deduplicates against Storage, and advances the cursor (§4.3).
type Coordinator struct {
	store   *storage.Storage
	adapter Adapter
	cfg     Config
	log     *logging.Logger
	nowMs   func() int64
}

// New builds a Coordinator.
func New(store *storage.Storage, adapter Adapter, cfg Config) *Coordinator {
	return &Coordinator{
		store:   store,
		adapter: adapter,
		cfg:     cfg,
		log:     logging.GetDefault().Component("ingest"),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

const (
	reasonBackfillWindowExceeded = "BACKFILL_WINDOW_EXCEEDED"
	reasonMaintenanceSkipGap     = "MAINTENANCE_SKIP_GAP"
	maintenanceSentinelTxHash    = "maintenance"
)

// RunOnce executes one ingest tick (§4.3 steps 1-7). backfillOnly skips
// the live-poll leg. Returns the events admitted this tick, in arrival
// order, for dispatch to Decision.
func (c *Coordinator) RunOnce(ctx context.Context, backfillOnly bool) ([]models.PositionDeltaEvent, error) {
	now := c.nowMs()

	// Step 1: HALT / maintenance skip.
	safety, err := c.store.GetSafetyState()
	if err != nil {
		return nil, fmt.Errorf("read safety state: %w", err)
	}
	if safety.Mode == string(models.SafetyHalt) {
		if safety.ReasonCode == reasonBackfillWindowExceeded && c.cfg.MaintenanceSkipGap {
			if err := c.applyMaintenanceSkip(now); err != nil {
				return nil, err
			}
		} else {
			return nil, nil
		}
	}

	// Step 2: backfill window enforcement.
	lastTs, err := c.store.LastProcessedTimestampMs()
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	if lastTs > 0 && now-lastTs > c.cfg.BackfillWindowMs {
		if _, err := c.store.TransitionSafety(string(models.SafetyHalt), reasonBackfillWindowExceeded,
			fmt.Sprintf("gap of %dms exceeds backfill_window_ms=%d", now-lastTs, c.cfg.BackfillWindowMs)); err != nil {
			return nil, fmt.Errorf("transition safety on gap: %w", err)
		}
		return nil, nil
	}

	// Step 3: backfill phase.
	since := lastTs - c.cfg.CursorOverlapMs
	if since < 0 {
		since = 0
	}
	backfillEvents, err := c.adapter.FetchBackfill(ctx, since, now)
	if err != nil {
		c.log.Warn("backfill fetch failed, treating as empty this tick", "error", err)
		backfillEvents = nil
	}

	// Step 4: live phase.
	var liveEvents []models.RawPositionEvent
	if !backfillOnly {
		liveEvents, err = c.adapter.PollLive(ctx, lastTs)
		if err != nil {
			c.log.Warn("live poll failed, treating as empty this tick", "error", err)
			liveEvents = nil
		}
	}

	raw := make([]models.RawPositionEvent, 0, len(backfillEvents)+len(liveEvents))
	raw = append(raw, backfillEvents...)
	raw = append(raw, liveEvents...)

	// Step 5: normalize.
	normalized := make([]models.PositionDeltaEvent, 0, len(raw))
	for _, r := range raw {
		normalized = append(normalized, normalize(r))
	}

	// Step 6: dedup admission.
	admitted := make([]models.PositionDeltaEvent, 0, len(normalized))
	for _, e := range normalized {
		ok, err := c.store.AdmitEvent(e.TxHash, e.EventIndex, e.Symbol, e.TimestampMs, e.IsReplay)
		if err != nil {
			return nil, fmt.Errorf("admit event %s/%d/%s: %w", e.TxHash, e.EventIndex, e.Symbol, err)
		}
		if !ok {
			continue
		}
		admitted = append(admitted, e)
	}

	// Step 7.
	return admitted, nil
}

func (c *Coordinator) applyMaintenanceSkip(now int64) error {
	if _, err := c.store.AdvanceCursorIfNewer(now, 0, maintenanceSentinelTxHash, ""); err != nil {
		return fmt.Errorf("maintenance skip cursor advance: %w", err)
	}
	if err := c.store.SetSystemState(storage.KeyMaintenanceSkipAppliedMs, fmt.Sprintf("%d", now)); err != nil {
		return fmt.Errorf("stamp maintenance skip: %w", err)
	}
	if _, err := c.store.TransitionSafety(string(models.SafetyArmedSafe), reasonMaintenanceSkipGap, "ingest gap skipped by operator policy"); err != nil {
		return fmt.Errorf("transition safety after maintenance skip: %w", err)
	}
	return nil
}

// normalize derives action_type and the FLIP open/close components for a
// raw event (§4.3 step 5). prev=0 and equal-magnitude-same-sign cases
// both fall to INCREASE with a zero delta, which Decision rejects as
// SIZING_INVALID rather than needing their own branch here.
func normalize(r models.RawPositionEvent) models.PositionDeltaEvent {
	delta := r.NextPosition - r.PrevPosition

	var action models.ActionType
	var openComponent, closeComponent *float64

	prevSign := sign(r.PrevPosition)
	nextSign := sign(r.NextPosition)

	switch {
	case r.PrevPosition == 0:
		action = models.ActionIncrease
	case prevSign != 0 && nextSign != 0 && prevSign != nextSign:
		action = models.ActionFlip
		close := math.Abs(r.PrevPosition)
		open := math.Abs(r.NextPosition)
		closeComponent = &close
		openComponent = &open
	case math.Abs(r.NextPosition) > math.Abs(r.PrevPosition):
		action = models.ActionIncrease
	case math.Abs(r.NextPosition) < math.Abs(r.PrevPosition):
		action = models.ActionDecrease
	default:
		action = models.ActionIncrease
	}

	return models.PositionDeltaEvent{
		Symbol:          r.Symbol,
		TimestampMs:     r.TimestampMs,
		TxHash:          r.TxHash,
		EventIndex:      r.EventIndex,
		IsReplay:        r.IsReplay,
		PrevPosition:    r.PrevPosition,
		NextPosition:    r.NextPosition,
		DeltaPosition:   delta,
		ActionType:      action,
		OpenComponent:   openComponent,
		CloseComponent:  closeComponent,
		ContractVersion: models.CurrentContractVersion(),
	}
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
