package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/watchedcopy/copytrader/internal/models"
	"github.com/watchedcopy/copytrader/internal/storage"
)

// ReconstructedPositions implements PositionSource by summing filled
// quantities across persisted order_results (signed by side) on top of
// the active baseline snapshot (§4.6 "local snapshot (positions
// reconstructed from order_results filled_qty signed by side, plus the
// active baseline)"). ClosableQty reports the same signed reconstructed
// quantity as CurrentPosition: this port carries no separate open-order reservation
// ledger, since none is required by anything SPEC_FULL.md names.
type ReconstructedPositions struct {
	store *storage.Storage
}

// NewReconstructedPositions builds a PositionSource backed by store.
func NewReconstructedPositions(store *storage.Storage) *ReconstructedPositions {
	return &ReconstructedPositions{store: store}
}

func (p *ReconstructedPositions) positionFor(symbol string) (float64, error) {
	baseline, ok, err := p.store.LoadActiveBaseline()
	if err != nil {
		return 0, fmt.Errorf("load baseline: %w", err)
	}
	qty := 0.0
	if ok {
		qty = baseline.Positions[symbol]
	}

	db := p.store.DB()
	rows, err := db.Query(`
		SELECT o.intent_payload, r.filled_qty
		FROM order_results r
		JOIN order_intents o ON o.correlation_id = r.correlation_id
	`)
	if err != nil {
		return 0, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		var filledQty float64
		if err := rows.Scan(&payload, &filledQty); err != nil {
			return 0, fmt.Errorf("scan fill: %w", err)
		}
		sym, side, ok := decodeIntentSideAndSymbol(payload)
		if !ok || sym != symbol {
			continue
		}
		signed := filledQty
		if side == models.SideSell {
			signed = -signed
		}
		qty += signed
	}
	return qty, rows.Err()
}

// decodeIntentSideAndSymbol pulls just the two fields this package needs
// out of a persisted order_intents.intent_payload JSON blob, without
// depending on storage's unexported intentRow encoding.
func decodeIntentSideAndSymbol(payload string) (symbol string, side models.Side, ok bool) {
	var partial struct {
		Symbol string      `json:"symbol"`
		Side   models.Side `json:"side"`
	}
	if err := json.Unmarshal([]byte(payload), &partial); err != nil {
		return "", "", false
	}
	return partial.Symbol, partial.Side, true
}

// CurrentPosition returns the reconstructed net position for symbol.
func (p *ReconstructedPositions) CurrentPosition(symbol string) (float64, bool) {
	qty, err := p.positionFor(symbol)
	if err != nil {
		return 0, false
	}
	return qty, true
}

// ClosableQty returns the same signed reconstructed quantity as
// CurrentPosition (see type doc).
func (p *ReconstructedPositions) ClosableQty(symbol string) (float64, bool) {
	qty, err := p.positionFor(symbol)
	if err != nil {
		return 0, false
	}
	return qty, true
}
