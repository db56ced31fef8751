// Package safety implements the ARMED_LIVE/ARMED_SAFE/HALT state machine
// gating execution, and the reconciliation loop comparing reconstructed
// local positions against an exchange snapshot (§4.6).
package safety

import (
	"fmt"
	"math"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/storage"
	"github.com/watchedcopy/copytrader/pkg/logging"
)

// Reconcile-only reason codes (§4.6); transition reason codes used
// elsewhere in the pipeline live alongside their callers.
const (
	ReasonSnapshotStale     = "SNAPSHOT_STALE"
	ReasonReconcileCritical = "RECONCILE_CRITICAL"
	ReasonReconcileWarn     = "RECONCILE_WARN"
	ReasonReconcileOK       = "RECONCILE_OK"
)

// nonEligiblePromotionReasons are reason codes that a consecutive-OK
// streak must not auto-promote past (§4.6 step 6): manual override and
// schema mismatch require explicit operator action.
var nonEligiblePromotionReasons = map[string]bool{
	"MANUAL_OVERRIDE":        true,
	"SCHEMA_VERSION_MISMATCH": true,
	"CONTRACT_VERSION_MISMATCH": true,
}

// ExchangeSnapshot is the venue's reported position state.
type ExchangeSnapshot struct {
	SnapshotMs int64
	Positions  map[string]float64
}

// Service implements pre-execution gating and reconciliation.
type Service struct {
	store *storage.Storage
	cfg   config.SafetyConfig
	log   *logging.Logger

	nowMs func() int64

	consecutiveOK      int
	firstOKAtMs        int64
}

// New builds a Service.
func New(store *storage.Storage, cfg config.SafetyConfig, nowMs func() int64) *Service {
	return &Service{store: store, cfg: cfg, log: logging.GetDefault().Component("safety"), nowMs: nowMs}
}

// PreExecutionCheck gates an intent before submission (§4.6).
func (s *Service) PreExecutionCheck(intent models.OrderIntent) error {
	state, err := s.store.GetSafetyState()
	if err != nil {
		return fmt.Errorf("read safety state: %w", err)
	}
	switch state.Mode {
	case string(models.SafetyHalt):
		return fmt.Errorf("HALT")
	case string(models.SafetyArmedSafe):
		if !intent.ReduceOnly {
			return fmt.Errorf("ARMED_SAFE_BLOCK_INCREASE")
		}
	}
	return nil
}

// Transition is the single entry point that changes safety_mode from
// within this service — reconciliation outcomes and operator-driven
// changes both flow through Storage.TransitionSafety, which owns the
// audit-with-no-op-suppression guarantee (§8). Exposed so an operator
// CLI can call it directly without duplicating that logic (§6.2).
func (s *Service) Transition(mode models.SafetyMode, reasonCode, reasonMessage string) error {
	_, err := s.store.TransitionSafety(string(mode), reasonCode, reasonMessage)
	return err
}

// ReconcileInputs bundles the local and exchange views compared by
// Reconcile.
type ReconcileInputs struct {
	LocalPositions map[string]float64
	Exchange       ExchangeSnapshot
}

// ReconcileOutcome is the mode/reason Reconcile decided on, independent
// of whether it wrote a transition (callers may be testing in isolation).
type ReconcileOutcome struct {
	Mode       models.SafetyMode
	ReasonCode string
	MaxDrift   float64
}

// Reconcile runs the six-step algorithm (§4.6) and writes the resulting
// transition (with auto-promotion bookkeeping) through Storage.
func (s *Service) Reconcile(in ReconcileInputs) (ReconcileOutcome, error) {
	now := s.nowMs()
	outcome := s.evaluate(now, in)

	mode := outcome.Mode
	if outcome.Mode == models.SafetyArmedLive && !s.eligibleForPromotion() {
		// Hold at ARMED_SAFE until the consecutive-OK streak and
		// eligibility requirements (step 6) are satisfied.
		mode = models.SafetyArmedSafe
	}

	if _, err := s.store.TransitionSafety(string(mode), outcome.ReasonCode, fmt.Sprintf("max_drift=%v", outcome.MaxDrift)); err != nil {
		return outcome, fmt.Errorf("transition safety after reconcile: %w", err)
	}
	outcome.Mode = mode
	return outcome, nil
}

func (s *Service) evaluate(now int64, in ReconcileInputs) ReconcileOutcome {
	// Step 1: snapshot staleness.
	if now-in.Exchange.SnapshotMs > s.cfg.SnapshotMaxStaleMs {
		s.resetPromotionStreak()
		return ReconcileOutcome{Mode: models.SafetyArmedSafe, ReasonCode: ReasonSnapshotStale}
	}

	// Step 2: normalize.
	local := normalize(in.LocalPositions, s.cfg.ZeroEpsilon)
	exchange := normalize(in.Exchange.Positions, s.cfg.ZeroEpsilon)

	// Step 3: missing-symbol detection.
	symbols := unionSymbols(local, exchange)
	for _, sym := range symbols {
		_, inLocal := local[sym]
		_, inExchange := exchange[sym]
		if inLocal && !inExchange {
			s.resetPromotionStreak()
			return ReconcileOutcome{Mode: models.SafetyHalt, ReasonCode: ReasonReconcileCritical}
		}
		if inExchange && !inLocal && math.Abs(exchange[sym]) > s.cfg.ZeroEpsilon {
			s.resetPromotionStreak()
			return ReconcileOutcome{Mode: models.SafetyHalt, ReasonCode: ReasonReconcileCritical}
		}
	}

	// Step 4: per-symbol drift.
	maxDrift := 0.0
	for _, sym := range symbols {
		drift := math.Abs(local[sym] - exchange[sym])
		if drift > maxDrift {
			maxDrift = drift
		}
	}

	// Step 5: threshold evaluation.
	switch {
	case maxDrift >= s.cfg.CriticalThresholdPct:
		s.resetPromotionStreak()
		return ReconcileOutcome{Mode: models.SafetyHalt, ReasonCode: ReasonReconcileCritical, MaxDrift: maxDrift}
	case maxDrift >= s.cfg.WarnThresholdPct:
		s.resetPromotionStreak()
		return ReconcileOutcome{Mode: models.SafetyArmedSafe, ReasonCode: ReasonReconcileWarn, MaxDrift: maxDrift}
	default:
		s.recordOK(now)
		return ReconcileOutcome{Mode: models.SafetyArmedLive, ReasonCode: ReasonReconcileOK, MaxDrift: maxDrift}
	}
}

func (s *Service) recordOK(now int64) {
	if s.consecutiveOK == 0 {
		s.firstOKAtMs = now
	}
	if now-s.firstOKAtMs > s.cfg.HaltRecoveryWindowSec*1000 {
		s.consecutiveOK = 0
		s.firstOKAtMs = now
	}
	s.consecutiveOK++
}

func (s *Service) resetPromotionStreak() {
	s.consecutiveOK = 0
	s.firstOKAtMs = 0
}

// eligibleForPromotion implements step 6: auto-promote only if enabled,
// the current reason isn't a manual/schema override, and the OK streak
// has held long enough.
func (s *Service) eligibleForPromotion() bool {
	if !s.cfg.AllowAutoPromote {
		return false
	}
	current, err := s.store.GetSafetyState()
	if err == nil && nonEligiblePromotionReasons[current.ReasonCode] {
		return false
	}
	return s.consecutiveOK >= s.cfg.HaltRecoveryNonCriticalRequired
}

func normalize(positions map[string]float64, epsilon float64) map[string]float64 {
	out := make(map[string]float64, len(positions))
	for sym, qty := range positions {
		if math.Abs(qty) < epsilon {
			continue
		}
		out[sym] = qty
	}
	return out
}

func unionSymbols(a, b map[string]float64) []string {
	seen := make(map[string]bool)
	var out []string
	for sym := range a {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for sym := range b {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}
