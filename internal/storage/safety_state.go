package storage

import "fmt"

// SafetyState is the current mode of the safety state machine (§4.6).
type SafetyState struct {
	Mode          string
	ReasonCode    string
	ReasonMessage string
	ChangedAtMs   int64
}

// GetSafetyState reads the current safety mode from system_state.
func (s *Storage) GetSafetyState() (SafetyState, error) {
	mode, _, err := s.GetSystemState(KeySafetyMode)
	if err != nil {
		return SafetyState{}, err
	}
	reasonCode, _, err := s.GetSystemState(KeySafetyReasonCode)
	if err != nil {
		return SafetyState{}, err
	}
	reasonMessage, _, err := s.GetSystemState(KeySafetyReasonMessage)
	if err != nil {
		return SafetyState{}, err
	}
	changedAt, _, err := s.GetSystemState(KeySafetyChangedAtMs)
	if err != nil {
		return SafetyState{}, err
	}
	var changedAtMs int64
	fmt.Sscanf(changedAt, "%d", &changedAtMs)
	return SafetyState{Mode: mode, ReasonCode: reasonCode, ReasonMessage: reasonMessage, ChangedAtMs: changedAtMs}, nil
}

// TransitionSafety is the single atomic unit that reads the current
// safety mode, compares it against the requested one, writes the new
// mode plus an audit entry, and suppresses no-op re-asserts (§8 "safety
// transition audit" invariant). Every writer of safety_mode — the
// ingest coordinator, the execution retry-budget updater, and the
// safety service's own reconciliation — goes through this one path so
// the audit guarantee holds regardless of caller.
func (s *Storage) TransitionSafety(mode, reasonCode, reasonMessage string) (changed bool, err error) {
	current, err := s.GetSafetyState()
	if err != nil {
		return false, err
	}
	if current.Mode == mode && current.ReasonCode == reasonCode {
		return false, nil
	}

	now := nowMs()
	s.mu.Lock()
	if err := s.setSystemStateLocked(KeySafetyMode, mode); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if err := s.setSystemStateLocked(KeySafetyReasonCode, reasonCode); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if err := s.setSystemStateLocked(KeySafetyReasonMessage, reasonMessage); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if err := s.setSystemStateLocked(KeySafetyChangedAtMs, fmt.Sprintf("%d", now)); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	auditErr := s.RecordAudit(AuditEntry{
		Category:      "safety",
		EntityID:      "safety_mode",
		FromState:     current.Mode,
		ToState:       mode,
		ReasonCode:    reasonCode,
		ReasonMessage: reasonMessage,
	})
	if auditErr != nil {
		s.log.Error("failed to record safety transition audit entry", "error", auditErr, "from", current.Mode, "to", mode)
	}

	return true, nil
}
