package storage

import (
	"database/sql"
	"fmt"
)

// HasProcessedTx reports whether (txHash, eventIndex, symbol) has already
// been admitted — the dedup gate.
func (s *Storage) HasProcessedTx(txHash string, eventIndex int, symbol string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM processed_txs WHERE tx_hash = ? AND event_index = ? AND symbol = ?
	`, txHash, eventIndex, symbol).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has processed tx: %w", err)
	}
	return true, nil
}

// RecordProcessedTx inserts a dedup row, ignoring the insert if it
// already exists (INSERT OR IGNORE semantics).
func (s *Storage) RecordProcessedTx(txHash string, eventIndex int, symbol string, timestampMs int64, isReplay bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replay := 0
	if isReplay {
		replay = 1
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_txs (tx_hash, event_index, symbol, timestamp_ms, is_replay, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, txHash, eventIndex, symbol, timestampMs, replay, nowMs())
	if err != nil {
		return fmt.Errorf("record processed tx: %w", err)
	}
	return nil
}

// AdmitEvent atomically records a processed_tx row and advances the
// cursor if the event is newer, matching §4.3 step 6's "within a single
// transaction" requirement. Returns false if the event was already
// admitted (duplicate).
func (s *Storage) AdmitEvent(txHash string, eventIndex int, symbol string, timestampMs int64, isReplay bool) (admitted bool, err error) {
	already, err := s.HasProcessedTx(txHash, eventIndex, symbol)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	s.mu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("begin admit tx: %w", err)
	}

	replay := 0
	if isReplay {
		replay = 1
	}
	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO processed_txs (tx_hash, event_index, symbol, timestamp_ms, is_replay, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, txHash, eventIndex, symbol, timestampMs, replay, nowMs()); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return false, fmt.Errorf("admit insert processed tx: %w", err)
	}

	var currentKey string
	row := tx.QueryRow(`SELECT value FROM system_state WHERE key = ?`, KeyLastProcessedEventKey)
	if err := row.Scan(&currentKey); err != nil && err != sql.ErrNoRows {
		tx.Rollback()
		s.mu.Unlock()
		return false, fmt.Errorf("admit read cursor: %w", err)
	}

	if ShouldAdvanceCursor(currentKey, timestampMs, eventIndex, txHash, symbol) {
		newKey := EventKey(timestampMs, eventIndex, txHash, symbol)
		if _, err := tx.Exec(`
			INSERT INTO system_state (key, value, updated_at_ms) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
		`, KeyLastProcessedEventKey, newKey, nowMs()); err != nil {
			tx.Rollback()
			s.mu.Unlock()
			return false, fmt.Errorf("admit advance cursor key: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO system_state (key, value, updated_at_ms) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
		`, KeyLastProcessedTimestampMs, fmt.Sprintf("%d", timestampMs), nowMs()); err != nil {
			tx.Rollback()
			s.mu.Unlock()
			return false, fmt.Errorf("admit advance cursor timestamp: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("commit admit tx: %w", err)
	}
	s.mu.Unlock()
	return true, nil
}

// CleanupProcessedTxs deletes dedup rows older than ttlSeconds, returning
// the number removed.
func (s *Storage) CleanupProcessedTxs(ttlSeconds int64) (int64, error) {
	if ttlSeconds < 0 {
		return 0, fmt.Errorf("cleanup processed txs: ttlSeconds must be non-negative, got %d", ttlSeconds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := nowMs() - ttlSeconds*1000
	result, err := s.db.Exec(`DELETE FROM processed_txs WHERE created_at_ms < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed txs: %w", err)
	}
	return result.RowsAffected()
}
