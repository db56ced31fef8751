package storage

import (
	"encoding/json"
	"fmt"
)

// AuditEntry is one append-only audit_log row (§4.6 transitions, §7
// record_audit).
type AuditEntry struct {
	Category      string
	EntityID      string
	FromState     string
	ToState       string
	ReasonCode    string
	ReasonMessage string
	EventID       string
	Metadata      map[string]any
}

// RecordAudit appends an entry to the audit log and returns any write
// error. Per §7, audit failures must never propagate into the caller's
// control flow: TransitionSafety, for one, logs the error and still
// reports the transition as made.
func (s *Storage) RecordAudit(entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordAuditLocked(entry)
}

func (s *Storage) recordAuditLocked(entry AuditEntry) error {
	var metadataJSON string
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_log (
			timestamp_ms, category, entity_id, from_state, to_state,
			reason_code, reason_message, event_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nowMs(), entry.Category, nullIfEmpty(entry.EntityID), nullIfEmpty(entry.FromState), nullIfEmpty(entry.ToState),
		nullIfEmpty(entry.ReasonCode), nullIfEmpty(entry.ReasonMessage), nullIfEmpty(entry.EventID), nullIfEmpty(metadataJSON))
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// AuditTail returns the most recent limit audit_log rows for category,
// newest first. Intended for operator inspection.
func (s *Storage) AuditTail(category string, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT category, entity_id, from_state, to_state, reason_code, reason_message, event_id, metadata
		FROM audit_log WHERE category = ?
		ORDER BY id DESC LIMIT ?
	`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("audit tail: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var entityID, fromState, toState, reasonCode, reasonMessage, eventID, metadataJSON nullableString
		if err := rows.Scan(&e.Category, &entityID, &fromState, &toState, &reasonCode, &reasonMessage, &eventID, &metadataJSON); err != nil {
			return nil, fmt.Errorf("audit tail scan: %w", err)
		}
		e.EntityID = string(entityID)
		e.FromState = string(fromState)
		e.ToState = string(toState)
		e.ReasonCode = string(reasonCode)
		e.ReasonMessage = string(reasonMessage)
		e.EventID = string(eventID)
		if metadataJSON != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(metadataJSON), &meta); err == nil {
				e.Metadata = meta
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// nullableString scans a nullable TEXT column as an empty string when NULL.
type nullableString string

func (n *nullableString) Scan(value any) error {
	if value == nil {
		*n = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*n = nullableString(v)
	case []byte:
		*n = nullableString(v)
	default:
		return fmt.Errorf("unsupported scan type %T for nullableString", value)
	}
	return nil
}
