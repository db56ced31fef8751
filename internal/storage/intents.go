package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/watchedcopy/copytrader/internal/models"
)

// ErrIntentMismatch is returned by EnsureIntent when a repeated ensure
// for the same correlation_id is not structurally equal to the stored
// intent (§7 IntentMismatch — indicates a code bug or corrupt state).
var ErrIntentMismatch = fmt.Errorf("INTENT_MISMATCH")

type intentRow struct {
	CorrelationID   string             `json:"correlation_id"`
	ClientOrderID   string             `json:"client_order_id"`
	Symbol          string             `json:"symbol"`
	Side            models.Side        `json:"side"`
	OrderType       models.OrderType   `json:"order_type"`
	Qty             float64            `json:"qty"`
	Price           *float64           `json:"price"`
	ReduceOnly      bool               `json:"reduce_only"`
	TimeInForce     string             `json:"time_in_force"`
	IsReplay        bool               `json:"is_replay"`
	StrategyVersion string             `json:"strategy_version"`
	RiskNotes       []string           `json:"risk_notes"`
	ContractVersion models.ContractVersion `json:"contract_version"`
}

func toIntentRow(i models.OrderIntent) intentRow {
	return intentRow{
		CorrelationID:   i.CorrelationID,
		ClientOrderID:   i.ClientOrderID,
		Symbol:          i.Symbol,
		Side:            i.Side,
		OrderType:       i.OrderType,
		Qty:             i.Qty,
		Price:           i.Price,
		ReduceOnly:      i.ReduceOnly,
		TimeInForce:     i.TimeInForce,
		IsReplay:        i.IsReplay,
		StrategyVersion: i.StrategyVersion,
		RiskNotes:       i.RiskNotes,
		ContractVersion: i.ContractVersion,
	}
}

func (r intentRow) toIntent() models.OrderIntent {
	return models.OrderIntent{
		CorrelationID:   r.CorrelationID,
		ClientOrderID:   r.ClientOrderID,
		Symbol:          r.Symbol,
		Side:            r.Side,
		OrderType:       r.OrderType,
		Qty:             r.Qty,
		Price:           r.Price,
		ReduceOnly:      r.ReduceOnly,
		TimeInForce:     r.TimeInForce,
		IsReplay:        r.IsReplay,
		StrategyVersion: r.StrategyVersion,
		RiskNotes:       r.RiskNotes,
		ContractVersion: r.ContractVersion,
	}
}

// GetIntent reads a persisted intent by correlation id. ok is false if no
// row exists.
func (s *Storage) GetIntent(correlationID string) (models.OrderIntent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getIntentLocked(correlationID)
}

func (s *Storage) getIntentLocked(correlationID string) (models.OrderIntent, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT intent_payload FROM order_intents WHERE correlation_id = ?`, correlationID).Scan(&payload)
	if err == sql.ErrNoRows {
		return models.OrderIntent{}, false, nil
	}
	if err != nil {
		return models.OrderIntent{}, false, fmt.Errorf("get intent: %w", err)
	}
	var row intentRow
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return models.OrderIntent{}, false, fmt.Errorf("decode intent: %w", err)
	}
	return row.toIntent(), true, nil
}

func (s *Storage) recordIntentLocked(intent models.OrderIntent) error {
	payload, err := json.Marshal(toIntentRow(intent))
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO order_intents (correlation_id, intent_payload, created_at_ms)
		VALUES (?, ?, ?)
	`, intent.CorrelationID, string(payload), nowMs())
	if err != nil {
		return fmt.Errorf("record intent: %w", err)
	}
	return nil
}

func (s *Storage) updateIntentPayloadLocked(intent models.OrderIntent) error {
	payload, err := json.Marshal(toIntentRow(intent))
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	_, err = s.db.Exec(`UPDATE order_intents SET intent_payload = ? WHERE correlation_id = ?`, string(payload), intent.CorrelationID)
	if err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	return nil
}

// EnsureIntent persists intent if no record exists for its
// correlation_id, or verifies structural equality (ignoring
// ClientOrderID) against the existing record if one does. A ClientOrderID
// absent on both sides is minted and persisted. Returns the canonical
// (possibly backfilled) intent.
func (s *Storage) EnsureIntent(intent models.OrderIntent) (models.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.getIntentLocked(intent.CorrelationID)
	if err != nil {
		return models.OrderIntent{}, err
	}

	if ok {
		cmpExisting, cmpIncoming := existing, intent
		cmpExisting.ClientOrderID, cmpIncoming.ClientOrderID = "", ""
		if !cmpExisting.Equivalent(cmpIncoming) {
			return models.OrderIntent{}, fmt.Errorf("%w: correlation_id=%s", ErrIntentMismatch, intent.CorrelationID)
		}
		if existing.ClientOrderID == "" {
			clientID := intent.ClientOrderID
			if clientID == "" {
				nonce, err := models.GenerateNonce()
				if err != nil {
					return models.OrderIntent{}, err
				}
				clientID = models.BuildClientOrderID(existing.CorrelationID, existing.Symbol, nonce)
			}
			existing.ClientOrderID = clientID
			if err := s.updateIntentPayloadLocked(existing); err != nil {
				return models.OrderIntent{}, err
			}
		}
		return existing, nil
	}

	if intent.ClientOrderID == "" {
		nonce, err := models.GenerateNonce()
		if err != nil {
			return models.OrderIntent{}, err
		}
		intent.ClientOrderID = models.BuildClientOrderID(intent.CorrelationID, intent.Symbol, nonce)
	}
	if err := s.recordIntentLocked(intent); err != nil {
		return models.OrderIntent{}, err
	}
	return intent, nil
}
