package models

import "time"

// CircuitState is the breaker state of a source.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Heartbeat records recency of success and failure for a source.
type Heartbeat struct {
	Source              string    `json:"source"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// CircuitSnapshot is a read-only view of one source's breaker.
type CircuitSnapshot struct {
	Heartbeat
	State         CircuitState `json:"state"`
	CooldownUntil time.Time    `json:"cooldown_until"`
	// Locked is set when only an operator reset can close the circuit.
	Locked bool   `json:"locked"`
	Reason string `json:"reason,omitempty"`
}

// AlertKind classifies an alert event.
type AlertKind string

const (
	AlertCircuitTransition  AlertKind = "circuit_transition"
	AlertPersistenceDropped AlertKind = "persistence_dropped"
)

// AlertEvent is emitted on every breaker transition and dropped write.
type AlertEvent struct {
	ID       string    `json:"id"`
	Kind     AlertKind `json:"kind"`
	Source   string    `json:"source"`
	OldState string    `json:"old_state,omitempty"`
	NewState string    `json:"new_state,omitempty"`
	Reason   string    `json:"reason"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
}
