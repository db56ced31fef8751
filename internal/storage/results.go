package storage

import (
	"database/sql"
	"fmt"

	"github.com/watchedcopy/copytrader/internal/models"
)

// GetResult reads the result for correlation_id. ok is false if no row
// exists yet.
func (s *Storage) GetResult(correlationID string) (models.OrderResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getResultLocked(correlationID)
}

func (s *Storage) getResultLocked(correlationID string) (models.OrderResult, bool, error) {
	var r models.OrderResult
	var exchangeOrderID, errorCode, errorMessage, contractVersion sql.NullString
	var avgPrice sql.NullFloat64

	row := s.db.QueryRow(`
		SELECT correlation_id, exchange_order_id, status, filled_qty, avg_price,
		       error_code, error_message, contract_version, created_at_ms, updated_at_ms
		FROM order_results WHERE correlation_id = ?
	`, correlationID)
	err := row.Scan(&r.CorrelationID, &exchangeOrderID, &r.Status, &r.FilledQty, &avgPrice,
		&errorCode, &errorMessage, &contractVersion, &r.CreatedAtMs, &r.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return models.OrderResult{}, false, nil
	}
	if err != nil {
		return models.OrderResult{}, false, fmt.Errorf("get result: %w", err)
	}

	r.ExchangeOrderID = exchangeOrderID.String
	r.ErrorCode = errorCode.String
	r.ErrorMessage = errorMessage.String
	if avgPrice.Valid {
		v := avgPrice.Float64
		r.AvgPrice = &v
	}
	if cv, err := parseContractVersion(contractVersion.String); err == nil {
		r.ContractVersion = cv
	}
	return r, true, nil
}

// UpsertResult inserts or updates the result for a correlation_id.
// created_at_ms is stamped only on first insert and preserved on every
// subsequent update — it must never be bumped by a later call, which is
// an invariant the original Python implementation violated.
func (s *Storage) UpsertResult(result models.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avgPrice sql.NullFloat64
	if result.AvgPrice != nil {
		avgPrice = sql.NullFloat64{Float64: *result.AvgPrice, Valid: true}
	}

	now := nowMs()
	createdAt := result.CreatedAtMs
	if createdAt == 0 {
		createdAt = now
	}

	_, err := s.db.Exec(`
		INSERT INTO order_results (
			correlation_id, exchange_order_id, status, filled_qty, avg_price,
			error_code, error_message, contract_version, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			status            = excluded.status,
			filled_qty        = excluded.filled_qty,
			avg_price         = excluded.avg_price,
			error_code        = excluded.error_code,
			error_message     = excluded.error_message,
			contract_version  = excluded.contract_version,
			updated_at_ms     = excluded.updated_at_ms
	`,
		result.CorrelationID, nullIfEmpty(result.ExchangeOrderID), string(result.Status), result.FilledQty, avgPrice,
		nullIfEmpty(result.ErrorCode), nullIfEmpty(result.ErrorMessage), result.ContractVersion.String(), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseContractVersion(s string) (models.ContractVersion, error) {
	var major, minor int
	if _, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil {
		return models.ContractVersion{}, err
	}
	return models.ContractVersion{Major: major, Minor: minor}, nil
}
