// Package decision turns admitted position-delta events into order
// intents, applying freshness, replay, sizing, slippage, and filter
// policy (§4.4).
package decision

import (
	"fmt"
	"math"
	"sort"

	"github.com/watchedcopy/copytrader/internal/config"
	"github.com/watchedcopy/copytrader/internal/models"
)

// Inputs carries the per-decision context that is not part of static
// config: current safety mode and position/price state the provider
// functions below resolve at decision time.
type Inputs struct {
	SafetyMode          models.SafetyMode
	LocalCurrentPosition *float64
	ClosableQty          *float64
	ExpectedPrice        *PriceObservation
}

// PriceObservation pairs a price with the time it was observed.
type PriceObservation struct {
	Price       float64
	ObservedMs  int64
}

// PriceProvider resolves the current reference price for a symbol.
// ok=false means "no price available".
type PriceProvider func(symbol string) (price float64, ok bool)

// FallbackPriceProvider resolves a fallback reference price when the
// primary provider has none.
type FallbackPriceProvider func(symbol string) (price float64, ok bool)

// SymbolFilters are exchange-imposed quantization/minimum rules.
type SymbolFilters struct {
	LotStep     float64
	TickSize    float64
	MinQty      float64
	MinNotional float64
}

// FiltersProvider resolves SymbolFilters for a symbol. ok=false means
// "no filters available".
type FiltersProvider func(symbol string) (filters SymbolFilters, ok bool)

// NowMsProvider supplies the current time, injected for determinism.
type NowMsProvider func() int64

// Providers bundles the decision pipeline's external lookups, all pure
// functions of their input for the determinism contract (§8).
type Providers struct {
	NowMs           NowMsProvider
	Price           PriceProvider
	FallbackPrice   FallbackPriceProvider
	Filters         FiltersProvider
}

// Reject describes why the decision pipeline produced no (or fewer)
// intents than the raw action would imply. It is not an error: rejects
// are logged and yield zero intents (§7).
type Reject struct {
	ReasonCode string
	Message    string
}

func (r Reject) Error() string { return fmt.Sprintf("%s: %s", r.ReasonCode, r.Message) }

// Service is the pure decision pipeline (§4.4).
type Service struct {
	cfg config.DecisionConfig
}

// New builds a Service over the given config.
func New(cfg config.DecisionConfig) *Service {
	return &Service{cfg: cfg}
}

// Decide runs the full pipeline over one event, returning 0, 1, or 2
// intents. A Reject is returned (never a generic error) when the
// pipeline declines to produce intents for a recognized reason; callers
// treat that as "zero intents", not a fatal condition.
func (s *Service) Decide(event models.PositionDeltaEvent, in Inputs, providers Providers) ([]models.OrderIntent, *Reject) {
	// Step 1: contract version check.
	if err := models.AssertContractVersion(event.ContractVersion); err != nil {
		return nil, &Reject{ReasonCode: "contract_version_mismatch", Message: err.Error()}
	}

	now := providers.NowMs()

	// Step 2: freshness gate.
	if s.cfg.MaxStaleMs > 0 || s.cfg.MaxFutureMs > 0 {
		if event.TimestampMs <= 0 {
			return nil, &Reject{ReasonCode: "missing_timestamp_ms", Message: "event has no timestamp"}
		}
		age := now - event.TimestampMs
		if age > s.cfg.MaxStaleMs {
			return nil, &Reject{ReasonCode: "stale_event", Message: fmt.Sprintf("age=%dms exceeds max_stale_ms=%d", age, s.cfg.MaxStaleMs)}
		}
		if age < -s.cfg.MaxFutureMs {
			return nil, &Reject{ReasonCode: "future_event", Message: fmt.Sprintf("age=%dms is earlier than -max_future_ms=%d", age, -s.cfg.MaxFutureMs)}
		}
	}

	// Step 3: HALT short-circuit.
	if in.SafetyMode == models.SafetyHalt {
		return nil, nil
	}

	// Step 4: blacklist.
	for _, sym := range s.cfg.BlacklistSymbols {
		if sym == event.Symbol {
			return nil, nil
		}
	}

	// Step 5: action expansion.
	intents, rej := s.expand(event, in)
	if rej != nil {
		return nil, rej
	}
	if len(intents) == 0 {
		return nil, nil
	}

	// Steps 7-8: slippage guard and symbol filters (non-reduce-only only).
	filtered := make([]models.OrderIntent, 0, len(intents))
	for _, intent := range intents {
		if !intent.ReduceOnly {
			var rej *Reject
			intent, rej = s.applySlippageGuard(intent, event, in, providers, now)
			if rej != nil {
				return nil, rej
			}
			intent, rej = s.applyFilters(intent, providers)
			if rej != nil {
				return nil, rej
			}
		}
		filtered = append(filtered, intent)
	}
	intents = filtered

	// Step 9: replay policy.
	if event.IsReplay && s.cfg.ReplayPolicy == "close_only" {
		kept := intents[:0]
		for _, intent := range intents {
			if intent.ReduceOnly {
				kept = append(kept, intent)
			}
		}
		intents = kept
	}

	// Step 10: safety mode gating.
	if in.SafetyMode == models.SafetyArmedSafe {
		kept := intents[:0]
		for _, intent := range intents {
			if intent.ReduceOnly {
				kept = append(kept, intent)
			}
		}
		intents = kept
	}

	if len(intents) == 0 {
		return nil, nil
	}

	// Step 11: stamp strategy_version (correlation ids were assigned
	// deterministically during expansion).
	for i := range intents {
		intents[i].StrategyVersion = s.cfg.StrategyVersion
	}

	// FLIP ordering (§5): close before open.
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].ReduceOnly && !intents[j].ReduceOnly
	})

	return intents, nil
}

func (s *Service) expand(event models.PositionDeltaEvent, in Inputs) ([]models.OrderIntent, *Reject) {
	switch event.ActionType {
	case models.ActionIncrease, models.ActionDecrease:
		if event.DeltaPosition == 0 {
			return nil, &Reject{ReasonCode: "SIZING_INVALID", Message: "position delta is zero"}
		}
		side := models.SideBuy
		if event.DeltaPosition < 0 {
			side = models.SideSell
		}
		qty, rej := s.size(math.Abs(event.DeltaPosition))
		if rej != nil {
			return nil, rej
		}
		corrID := models.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, "")
		intent := models.OrderIntent{
			CorrelationID:   corrID,
			Symbol:          event.Symbol,
			Side:            side,
			OrderType:       models.OrderTypeLimit,
			Qty:             qty,
			ReduceOnly:      event.ActionType == models.ActionDecrease,
			TimeInForce:     "GTC",
			IsReplay:        event.IsReplay,
			ContractVersion: models.CurrentContractVersion(),
		}
		return []models.OrderIntent{intent}, nil

	case models.ActionFlip:
		if in.LocalCurrentPosition == nil {
			return nil, &Reject{ReasonCode: "missing_local_position", Message: "local_current_position required for FLIP"}
		}
		if in.ClosableQty == nil {
			return nil, &Reject{ReasonCode: "missing_closable_qty", Message: "closable_qty required for FLIP"}
		}

		closeSide := models.SideSell
		if event.PrevPosition < 0 {
			closeSide = models.SideBuy
		}
		prevMag := math.Abs(event.PrevPosition)
		ratio := 1.0
		if prevMag > 1e-9 {
			ratio = math.Abs(event.DeltaPosition) / prevMag
			if ratio > 1 {
				ratio = 1
			}
		}
		closeQty := math.Abs(*in.LocalCurrentPosition) * ratio
		if math.Abs(*in.ClosableQty) < closeQty {
			closeQty = math.Abs(*in.ClosableQty)
		}
		closeIntent := models.OrderIntent{
			CorrelationID:   models.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, "close"),
			Symbol:          event.Symbol,
			Side:            closeSide,
			OrderType:       models.OrderTypeLimit,
			Qty:             closeQty,
			ReduceOnly:      true,
			TimeInForce:     "GTC",
			IsReplay:        event.IsReplay,
			ContractVersion: models.CurrentContractVersion(),
		}

		openSide := models.SideBuy
		if event.NextPosition < 0 {
			openSide = models.SideSell
		}
		openMag := 0.0
		if event.OpenComponent != nil {
			openMag = *event.OpenComponent
		}
		openQty, rej := s.size(openMag)
		if rej != nil {
			return nil, rej
		}
		openIntent := models.OrderIntent{
			CorrelationID:   models.CorrelationID(event.TxHash, event.EventIndex, event.Symbol, "open"),
			Symbol:          event.Symbol,
			Side:            openSide,
			OrderType:       models.OrderTypeLimit,
			Qty:             openQty,
			ReduceOnly:      false,
			TimeInForce:     "GTC",
			IsReplay:        event.IsReplay,
			ContractVersion: models.CurrentContractVersion(),
		}

		return []models.OrderIntent{closeIntent, openIntent}, nil
	}

	return nil, &Reject{ReasonCode: "unknown_action_type", Message: string(event.ActionType)}
}

// size applies the configured sizing mode (§4.4 step 6) to a raw delta
// magnitude, returning the resolved quantity or a rejection.
func (s *Service) size(deltaMagnitude float64) (float64, *Reject) {
	sizing := s.cfg.Sizing
	var qty float64

	switch sizing.Mode {
	case "fixed":
		qty = sizing.FixedQty
	case "proportional":
		qty = deltaMagnitude * sizing.ProportionalRatio
	case "kelly":
		if sizing.KellyWinRate <= 0 || sizing.KellyEdge <= 0 {
			return 0, &Reject{ReasonCode: "KELLY_PARAMS_MISSING", Message: "win_rate and edge must be positive"}
		}
		kelly := sizing.KellyWinRate - (1-sizing.KellyWinRate)/sizing.KellyEdge
		if kelly <= 0 || sizing.KellyFraction <= 0 {
			return 0, &Reject{ReasonCode: "SIZING_INVALID", Message: "computed kelly fraction is non-positive"}
		}
		qty = deltaMagnitude * kelly * sizing.KellyFraction
	default:
		qty = deltaMagnitude
	}

	if qty <= 0 {
		return 0, &Reject{ReasonCode: "SIZING_INVALID", Message: "computed qty is non-positive"}
	}

	if sizing.MaxQty > 0 && qty > sizing.MaxQty {
		return 0, &Reject{ReasonCode: "SIZING_CAP_EXCEEDED", Message: fmt.Sprintf("qty=%v exceeds max_qty=%v", qty, sizing.MaxQty)}
	}

	return qty, nil
}

func (s *Service) applySlippageGuard(intent models.OrderIntent, event models.PositionDeltaEvent, in Inputs, providers Providers, now int64) (models.OrderIntent, *Reject) {
	if s.cfg.SlippageCapPct <= 0 {
		return intent, nil
	}

	current, ok := providers.Price(event.Symbol)
	usedFallback := false
	if !ok && s.cfg.PriceFallbackEnabled && providers.FallbackPrice != nil {
		current, ok = providers.FallbackPrice(event.Symbol)
		usedFallback = true
	}

	haveExpected := in.ExpectedPrice != nil && now-in.ExpectedPrice.ObservedMs <= s.cfg.ExpectedPriceMaxStaleMs

	if !ok || !haveExpected {
		if s.cfg.PriceFailurePolicy == "reject" {
			return intent, &Reject{ReasonCode: "MISSING_REFERENCE_PRICE", Message: "no price available for slippage guard"}
		}
		intent.RiskNotes = addNoteOnce(intent.RiskNotes, "MISSING_REFERENCE_PRICE")
		return intent, nil
	}

	if usedFallback {
		intent.RiskNotes = addNoteOnce(intent.RiskNotes, "PRICE_FALLBACK_USED")
	}

	expected := in.ExpectedPrice.Price
	if expected == 0 {
		return intent, nil
	}
	deviation := math.Abs(current-expected) / expected
	if deviation > s.cfg.SlippageCapPct {
		return intent, &Reject{ReasonCode: "SLIPPAGE_EXCEEDED", Message: fmt.Sprintf("deviation=%v exceeds cap=%v", deviation, s.cfg.SlippageCapPct)}
	}
	return intent, nil
}

func (s *Service) applyFilters(intent models.OrderIntent, providers Providers) (models.OrderIntent, *Reject) {
	if providers.Filters == nil {
		if s.cfg.FiltersFailurePolicy == "reject" {
			return intent, &Reject{ReasonCode: "filter_unavailable", Message: "no filters provider configured"}
		}
		return intent, nil
	}

	filters, ok := providers.Filters(intent.Symbol)
	if !ok {
		if s.cfg.FiltersFailurePolicy == "reject" {
			return intent, &Reject{ReasonCode: "filter_unavailable", Message: fmt.Sprintf("no filters for %s", intent.Symbol)}
		}
		return intent, nil
	}

	if filters.MinQty > 0 && intent.Qty < filters.MinQty {
		return intent, &Reject{ReasonCode: "filter_min_qty", Message: fmt.Sprintf("qty=%v below min_qty=%v", intent.Qty, filters.MinQty)}
	}
	if filters.LotStep > 0 && math.Mod(intent.Qty, filters.LotStep) > 1e-9 {
		return intent, &Reject{ReasonCode: "filter_lot_step", Message: fmt.Sprintf("qty=%v not a multiple of lot_step=%v", intent.Qty, filters.LotStep)}
	}
	if intent.Price != nil && filters.TickSize > 0 && math.Mod(*intent.Price, filters.TickSize) > 1e-9 {
		return intent, &Reject{ReasonCode: "filter_tick_size", Message: fmt.Sprintf("price=%v not a multiple of tick_size=%v", *intent.Price, filters.TickSize)}
	}
	if filters.MinNotional > 0 && intent.Price != nil && intent.Qty*(*intent.Price) < filters.MinNotional {
		return intent, &Reject{ReasonCode: "filter_min_notional", Message: "notional below min_notional"}
	}

	return intent, nil
}

func addNoteOnce(notes []string, note string) []string {
	for _, n := range notes {
		if n == note {
			return notes
		}
	}
	return append(notes, note)
}
