package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// BaselineSnapshot is an operator-installed reference point for
// reconciliation (§4.6): a set of per-symbol position quantities taken at
// a point in time, against which Safety compares reconstructed state.
type BaselineSnapshot struct {
	BaselineID    string
	CreatedAtMs   int64
	Operator      string
	ReasonMessage string
	Active        bool
	Positions     map[string]float64
}

// InsertBaseline installs snapshot and, if active, deactivates any
// previously active snapshot first — §4.6's at-most-one-active
// invariant. All writes happen in one transaction.
func (s *Storage) InsertBaseline(snapshot BaselineSnapshot) error {
	if snapshot.BaselineID == "" {
		snapshot.BaselineID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert baseline: %w", err)
	}
	defer tx.Rollback()

	if snapshot.Active {
		if _, err := tx.Exec(`UPDATE baseline_snapshots SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("deactivate prior baseline: %w", err)
		}
	}

	active := 0
	if snapshot.Active {
		active = 1
	}
	createdAt := snapshot.CreatedAtMs
	if createdAt == 0 {
		createdAt = nowMs()
	}
	if _, err := tx.Exec(`
		INSERT INTO baseline_snapshots (baseline_id, created_at_ms, operator, reason_message, active)
		VALUES (?, ?, ?, ?, ?)
	`, snapshot.BaselineID, createdAt, nullIfEmpty(snapshot.Operator), nullIfEmpty(snapshot.ReasonMessage), active); err != nil {
		return fmt.Errorf("insert baseline snapshot: %w", err)
	}

	for symbol, qty := range snapshot.Positions {
		if _, err := tx.Exec(`
			INSERT INTO baseline_positions (baseline_id, symbol, qty) VALUES (?, ?, ?)
		`, snapshot.BaselineID, symbol, qty); err != nil {
			return fmt.Errorf("insert baseline position %s: %w", symbol, err)
		}
	}

	return tx.Commit()
}

// LoadActiveBaseline returns the currently active snapshot, if any.
func (s *Storage) LoadActiveBaseline() (BaselineSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap BaselineSnapshot
	var operator, reasonMessage nullableString
	row := s.db.QueryRow(`
		SELECT baseline_id, created_at_ms, operator, reason_message
		FROM baseline_snapshots WHERE active = 1 LIMIT 1
	`)
	if err := row.Scan(&snap.BaselineID, &snap.CreatedAtMs, &operator, &reasonMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BaselineSnapshot{}, false, nil
		}
		return BaselineSnapshot{}, false, fmt.Errorf("load active baseline: %w", err)
	}
	snap.Operator = string(operator)
	snap.ReasonMessage = string(reasonMessage)
	snap.Active = true

	rows, err := s.db.Query(`SELECT symbol, qty FROM baseline_positions WHERE baseline_id = ?`, snap.BaselineID)
	if err != nil {
		return BaselineSnapshot{}, false, fmt.Errorf("load baseline positions: %w", err)
	}
	defer rows.Close()

	snap.Positions = make(map[string]float64)
	for rows.Next() {
		var symbol string
		var qty float64
		if err := rows.Scan(&symbol, &qty); err != nil {
			return BaselineSnapshot{}, false, fmt.Errorf("scan baseline position: %w", err)
		}
		snap.Positions[symbol] = qty
	}
	return snap, true, rows.Err()
}

// ResetBaseline deactivates whichever snapshot is currently active,
// leaving no active baseline. Reconciliation with no active baseline
// compares against an implicit all-zero position set (§4.6).
func (s *Storage) ResetBaseline() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE baseline_snapshots SET active = 0 WHERE active = 1`)
	if err != nil {
		return fmt.Errorf("reset baseline: %w", err)
	}
	return nil
}
