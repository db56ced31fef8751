package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// System state keys.
const (
	KeyLastProcessedTimestampMs = "last_processed_timestamp_ms"
	KeyLastProcessedEventKey    = "last_processed_event_key"
	KeySafetyMode               = "safety_mode"
	KeySafetyReasonCode         = "safety_reason_code"
	KeySafetyReasonMessage      = "safety_reason_message"
	KeySafetyChangedAtMs        = "safety_changed_at_ms"
	KeyConfigHash               = "config_hash"
	KeyConfigVersion            = "config_version"
	KeyContractVersion          = "contract_version"
	KeySchemaVersion            = "schema_version"
	KeyMaintenanceSkipAppliedMs = "maintenance_skip_applied_ms"
)

// GetSystemState reads a system_state value. ok is false if the key is
// unset.
func (s *Storage) GetSystemState(key string) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get system state %s: %w", key, err)
	}
	return value, true, nil
}

// SetSystemState upserts a system_state value.
func (s *Storage) SetSystemState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSystemStateLocked(key, value)
}

func (s *Storage) setSystemStateLocked(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_state (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
	`, key, value, nowMs())
	if err != nil {
		return fmt.Errorf("set system state %s: %w", key, err)
	}
	return nil
}

// EnsureSchemaVersion stamps the current schema version if none is
// stored yet.
func (s *Storage) EnsureSchemaVersion() error {
	_, ok, err := s.GetSystemState(KeySchemaVersion)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.SetSystemState(KeySchemaVersion, SchemaVersion)
}

// ErrSchemaVersionMismatch is returned by AssertSchemaVersion when the
// stored schema generation differs from the one this binary expects.
var ErrSchemaVersionMismatch = fmt.Errorf("SCHEMA_VERSION_MISMATCH")

// AssertSchemaVersion fails with ErrSchemaVersionMismatch if the stored
// schema version differs from SchemaVersion.
func (s *Storage) AssertSchemaVersion() error {
	stored, ok, err := s.GetSystemState(KeySchemaVersion)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if stored != SchemaVersion {
		return fmt.Errorf("%w: stored=%s current=%s", ErrSchemaVersionMismatch, stored, SchemaVersion)
	}
	return nil
}

// EventKey renders the cursor tuple as "<ts>|<idx>|<tx>|<sym>", matching
// the original source's event_key encoding. The numeric fields are not
// zero-padded, so key strings do not sort in tuple order across
// different digit counts; ShouldAdvanceCursor compares the parsed tuple.
func EventKey(timestampMs int64, eventIndex int, txHash, symbol string) string {
	return fmt.Sprintf("%d|%d|%s|%s", timestampMs, eventIndex, txHash, symbol)
}

// ParseEventKey reverses EventKey. ok is false if key does not decode
// into exactly four components.
func ParseEventKey(key string) (timestampMs int64, eventIndex int, txHash, symbol string, ok bool) {
	parts := strings.SplitN(key, "|", 4)
	if len(parts) != 4 {
		return 0, 0, "", "", false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", "", false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", "", false
	}
	return ts, idx, parts[2], parts[3], true
}

// ShouldAdvanceCursor reports whether (timestampMs, eventIndex, txHash,
// symbol) is strictly greater, under tuple ordering, than the cursor
// encoded in currentKey. An unset or unparsable currentKey always
// advances.
func ShouldAdvanceCursor(currentKey string, timestampMs int64, eventIndex int, txHash, symbol string) bool {
	curTs, curIdx, curTx, curSym, ok := ParseEventKey(currentKey)
	if !ok {
		return true
	}
	if timestampMs != curTs {
		return timestampMs > curTs
	}
	if eventIndex != curIdx {
		return eventIndex > curIdx
	}
	if txHash != curTx {
		return txHash > curTx
	}
	return symbol > curSym
}

// AdvanceCursorIfNewer advances the cursor only if the given tuple is
// strictly newer than the stored one (§4.1 advance_cursor_if_newer). The
// cursor must never move backward.
func (s *Storage) AdvanceCursorIfNewer(timestampMs int64, eventIndex int, txHash, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var currentKey string
	row := s.db.QueryRow(`SELECT value FROM system_state WHERE key = ?`, KeyLastProcessedEventKey)
	if err := row.Scan(&currentKey); err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read cursor: %w", err)
	}

	if !ShouldAdvanceCursor(currentKey, timestampMs, eventIndex, txHash, symbol) {
		return false, nil
	}

	if err := s.setSystemStateLocked(KeyLastProcessedEventKey, EventKey(timestampMs, eventIndex, txHash, symbol)); err != nil {
		return false, err
	}
	if err := s.setSystemStateLocked(KeyLastProcessedTimestampMs, strconv.FormatInt(timestampMs, 10)); err != nil {
		return false, err
	}
	return true, nil
}

// LastProcessedTimestampMs reads the cursor's timestamp component,
// defaulting to 0 when unset.
func (s *Storage) LastProcessedTimestampMs() (int64, error) {
	value, ok, err := s.GetSystemState(KeyLastProcessedTimestampMs)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor timestamp: %w", err)
	}
	return ts, nil
}

// EnsureBootstrapState sets default system_state keys if they are not
// already present (§4.7 step 3).
func (s *Storage) EnsureBootstrapState(nowMsValue int64) error {
	defaults := map[string]string{
		KeyLastProcessedTimestampMs: "0",
		KeyLastProcessedEventKey:    "",
		KeySafetyMode:               "ARMED_SAFE",
		KeySafetyReasonCode:         "BOOTSTRAP",
		KeySafetyReasonMessage:      "initial boot",
		KeySafetyChangedAtMs:        strconv.FormatInt(nowMsValue, 10),
	}
	for key, value := range defaults {
		_, ok, err := s.GetSystemState(key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.SetSystemState(key, value); err != nil {
			return err
		}
	}
	return nil
}
