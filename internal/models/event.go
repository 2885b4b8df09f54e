package models

import "time"

// EventType classifies a run progress event.
type EventType string

const (
	EventRunStart        EventType = "run_start"
	EventStepStart       EventType = "step_start"
	EventLog             EventType = "log"
	EventStepSuccess     EventType = "step_success"
	EventStepFailed      EventType = "step_failed"
	EventRollbackStart   EventType = "rollback_start"
	EventRollbackSuccess EventType = "rollback_success"
	EventRollbackFailed  EventType = "rollback_failed"
	EventRunSuccess      EventType = "run_success"
	EventRunFailed       EventType = "run_failed"
)

// Terminal returns true for the two mutually exclusive final event types.
func (t EventType) Terminal() bool {
	return t == EventRunSuccess || t == EventRunFailed
}

// Event is one entry in a run's append-only, strictly ordered event log.
// Events are immutable once written; the total order of Sequence within a
// run is the authoritative history.
type Event struct {
	RunID     string    `json:"run_id"`
	Sequence  int64     `json:"sequence"`
	Type      EventType `json:"type"`
	Step      Step      `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
