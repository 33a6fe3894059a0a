// Package types provides type definitions for job definitions, runs and runtime events
// shared across the agent runner.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default per-phase policy values applied when a job definition leaves them unset.
const (
	DefaultPhaseTimeout = 5 * time.Minute
	DefaultRetryDelay   = time.Minute
	DefaultMaxAttempts  = 1
)

// Rescue pacing policies. RescuePacingFirst skips only the delay before the first
// phase; RescuePacingAll skips every inter-phase delay for the whole run.
const (
	RescuePacingFirst = "first"
	RescuePacingAll   = "all"
)

// JobDefinition is the static description of a multi-phase job. It is immutable once
// loaded.
type JobDefinition struct {
	Name     string            `json:"name" validate:"required,max=64"`
	Phases   []PhaseDefinition `json:"phases" validate:"required,min=1,dive"`
	Schedule SchedulePolicy    `json:"schedule"`
	Webhooks Webhooks          `json:"webhooks,omitempty"`
	Requires []string          `json:"requires,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// PhaseDefinition describes one sequential phase and the action backing it.
type PhaseDefinition struct {
	Name        string            `json:"name" validate:"required"`
	Action      string            `json:"action" validate:"required"`
	Params      map[string]string `json:"params,omitempty"`
	DelayMin    Duration          `json:"delay_min,omitempty"`
	DelayMax    Duration          `json:"delay_max,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty" validate:"min=0,max=100"`
	RetryDelay  Duration          `json:"retry_delay,omitempty"`
}

// SchedulePolicy is the daily auto-start window of a job.
type SchedulePolicy struct {
	Timezone     string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Start        string `json:"start" validate:"required,datetime=15:04"`
	End          string `json:"end" validate:"required,datetime=15:04"`
	RescueStart  string `json:"rescue_start,omitempty" validate:"omitempty,datetime=15:04"`
	WeekdaysOnly bool   `json:"weekdays_only,omitempty"`
	BlockedFrom  string `json:"blocked_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	BlockedTo    string `json:"blocked_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	RescuePacing string `json:"rescue_pacing,omitempty" validate:"omitempty,oneof=first all"`
	AutoStart    *bool  `json:"auto_start,omitempty"`
}

// Webhooks holds the notification sinks of a job. Phases maps a phase name to a URL
// that overrides Status when that phase's action completes.
type Webhooks struct {
	Status string            `json:"status,omitempty" validate:"omitempty,url"`
	Final  string            `json:"final,omitempty" validate:"omitempty,url"`
	Phases map[string]string `json:"phases,omitempty"`
}

// Validate validates the JobDefinition using the validator, then checks the rules that
// span several fields.
func (j *JobDefinition) Validate() error {
	validate := validator.New()
	if err := validate.Struct(j); err != nil {
		return err
	}

	seen := make(map[string]bool, len(j.Phases))
	for _, p := range j.Phases {
		if p.Name == PhaseNotStarted || IsTerminal(p.Name) {
			return fmt.Errorf("job %s: phase name %s is reserved", j.Name, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("job %s: duplicate phase %s", j.Name, p.Name)
		}
		seen[p.Name] = true
		if p.DelayMax.Duration > 0 && p.DelayMax.Duration < p.DelayMin.Duration {
			return fmt.Errorf("job %s: phase %s: delay_max is shorter than delay_min", j.Name, p.Name)
		}
	}

	s := j.Schedule
	if (s.BlockedFrom == "") != (s.BlockedTo == "") {
		return fmt.Errorf("job %s: blocked_from and blocked_to must be set together", j.Name)
	}
	// ISO dates compare correctly as strings.
	if s.BlockedFrom > s.BlockedTo {
		return fmt.Errorf("job %s: blocked_from is later than blocked_to", j.Name)
	}
	start, err := ParseClock(s.Start)
	if err != nil {
		return fmt.Errorf("job %s: window start: %w", j.Name, err)
	}
	end, err := ParseClock(s.End)
	if err != nil {
		return fmt.Errorf("job %s: window end: %w", j.Name, err)
	}
	if end <= start {
		return fmt.Errorf("job %s: window end %s must be after start %s", j.Name, s.End, s.Start)
	}
	if s.RescueStart != "" {
		rescue, err := ParseClock(s.RescueStart)
		if err != nil {
			return fmt.Errorf("job %s: rescue_start: %w", j.Name, err)
		}
		if rescue < start || rescue >= end {
			return fmt.Errorf("job %s: rescue_start %s must fall inside the window", j.Name, s.RescueStart)
		}
	}
	return nil
}

// ParseClock converts an "HH:MM" wall clock time to seconds after midnight. One-digit
// hours are accepted.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return h*3600 + m*60, nil
}

// PhaseIndex returns the position of the named phase, or -1.
func (j *JobDefinition) PhaseIndex(name string) int {
	for i := range j.Phases {
		if j.Phases[i].Name == name {
			return i
		}
	}
	return -1
}

// PhaseNames returns the ordered phase names.
func (j *JobDefinition) PhaseNames() []string {
	names := make([]string, len(j.Phases))
	for i := range j.Phases {
		names[i] = j.Phases[i].Name
	}
	return names
}

// MissingSettings returns the required settings that are not set to a non-blank value.
func (j *JobDefinition) MissingSettings() []string {
	var missing []string
	for _, key := range j.Requires {
		if strings.TrimSpace(j.Settings[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// WebhookFor returns the URL notified when the action of phase completes and the run
// moves to next. A run that fails always notifies the final sink when one is set.
func (j *JobDefinition) WebhookFor(phase, next string) string {
	if next == PhaseFailed && j.Webhooks.Final != "" {
		return j.Webhooks.Final
	}
	if url := j.Webhooks.Phases[phase]; url != "" {
		return url
	}
	if next == PhaseCompleted && j.Webhooks.Final != "" {
		return j.Webhooks.Final
	}
	return j.Webhooks.Status
}

// AutoStarts reports whether the scheduler may start the job on its own.
func (s SchedulePolicy) AutoStarts() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// SkipsPacing reports whether a rescue-mode run skips the delay before the phase at idx.
func (s SchedulePolicy) SkipsPacing(idx int) bool {
	if idx == 0 {
		return true
	}
	return s.RescuePacing == RescuePacingAll
}

// PhaseTimeout returns the action timeout, applying the default.
func (p *PhaseDefinition) PhaseTimeout() time.Duration {
	if p.Timeout.Duration > 0 {
		return p.Timeout.Duration
	}
	return DefaultPhaseTimeout
}

// Attempts returns the number of attempts allowed before the run fails.
func (p *PhaseDefinition) Attempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

// RetryAfter returns the wait before a failed attempt becomes due again.
func (p *PhaseDefinition) RetryAfter() time.Duration {
	if p.RetryDelay.Duration > 0 {
		return p.RetryDelay.Duration
	}
	return DefaultRetryDelay
}
