package types

import (
	"time"
)

// Sentinel phases. Every other phase value is a phase name of the job definition.
const (
	PhaseNotStarted = "NOT_STARTED"
	PhaseCompleted  = "COMPLETED"
	PhaseFailed     = "FAILED"
)

// EventKind distinguishes phase transitions from notification outcomes in the event log.
type EventKind string

// Event kinds
const (
	EventPhase        EventKind = "phase"
	EventNotification EventKind = "notification"
)

// Outcome of a recorded event.
type Outcome string

// Outcomes
const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// IsTerminal reports whether phase is COMPLETED or FAILED.
func IsTerminal(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseFailed
}

// JobRun is one durable, resumable execution of a JobDefinition.
type JobRun struct {
	RunID        string     `json:"run_id"`
	JobName      string     `json:"job_name"`
	Phase        string     `json:"phase"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	RescueMode   bool       `json:"rescue_mode"`
	LastError    string     `json:"last_error,omitempty"`
	Attempts     int        `json:"attempts"`
	NextActionAt *time.Time `json:"next_action_at,omitempty"`
	FailedPhase  string     `json:"failed_phase,omitempty"`
	RetryOf      string     `json:"retry_of,omitempty"`
}

// IsTerminal reports whether the run reached COMPLETED or FAILED.
func (r *JobRun) IsTerminal() bool {
	return IsTerminal(r.Phase)
}

// Due reports whether the current phase's action may be attempted at now.
func (r *JobRun) Due(now time.Time) bool {
	if r.IsTerminal() {
		return false
	}
	return r.NextActionAt == nil || !now.Before(*r.NextActionAt)
}

// Clone returns a deep copy so callers never share a record with a store.
func (r *JobRun) Clone() *JobRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.NextActionAt != nil {
		t := *r.NextActionAt
		c.NextActionAt = &t
	}
	return &c
}

// RuntimeEvent is an immutable audit record appended to the event log. Data holds the
// output of a successful phase action, such as generated text.
type RuntimeEvent struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"ts"`
	JobName   string            `json:"job_name"`
	RunID     string            `json:"run_id"`
	Kind      EventKind         `json:"kind"`
	Phase     string            `json:"phase"`
	Outcome   Outcome           `json:"outcome"`
	Detail    string            `json:"detail,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}
