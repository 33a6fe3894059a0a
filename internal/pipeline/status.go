package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jonathan/agent-runner/internal/db"
	"github.com/jonathan/agent-runner/internal/types"
	"github.com/jonathan/agent-runner/internal/window"
)

// JobStatus is a job's last committed run plus a human-readable summary.
type JobStatus struct {
	Job     string        `json:"job"`
	Run     *types.JobRun `json:"run,omitempty"`
	Active  bool          `json:"active"`
	Missing []string      `json:"missing_settings,omitempty"`
	Message string        `json:"message"`
}

// Describe returns the status of name with a message describing what happens next.
func (o *Orchestrator) Describe(ctx context.Context, name string) (*JobStatus, error) {
	e, err := o.entry(name)
	if err != nil {
		return nil, err
	}
	run, err := o.Status(ctx, name)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		Job:     name,
		Run:     run,
		Active:  run != nil && !run.IsTerminal(),
		Missing: e.def.MissingSettings(),
	}
	status.Message = describe(o.now(), &e.def, e.window, run, status.Missing)
	return status, nil
}

// EventQuery selects events of one job. Day is an optional YYYY-MM-DD local date in the
// job's timezone; Limit is clamped to [1, 1000] and defaults to 200.
type EventQuery struct {
	Day   string
	Limit int
}

// Events returns the job's most recent events, oldest first.
func (o *Orchestrator) Events(ctx context.Context, name string, q EventQuery) ([]types.RuntimeEvent, error) {
	e, err := o.entry(name)
	if err != nil {
		return nil, err
	}

	filter := db.EventFilter{JobName: name, Limit: db.ClampLimit(q.Limit)}
	if q.Day != "" {
		day, err := time.ParseInLocation("2006-01-02", q.Day, e.window.Location())
		if err != nil {
			return nil, errors.Wrapf(err, "invalid day %q", q.Day)
		}
		filter.Since = day
		filter.Until = day.AddDate(0, 0, 1)
	}

	events, err := o.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, persistenceError(err, "failed to list events")
	}
	return events, nil
}

func describe(now time.Time, job *types.JobDefinition, w *window.Window, run *types.JobRun, missing []string) string {
	if len(missing) > 0 {
		return "Configuration incomplete, missing: " + strings.Join(missing, ", ")
	}

	local := now.In(w.Location())

	if run != nil && !run.IsTerminal() {
		var sb strings.Builder
		if run.Phase == types.PhaseNotStarted {
			sb.WriteString("Starting")
		} else {
			sb.WriteString("In phase " + run.Phase)
		}
		if run.NextActionAt != nil && run.NextActionAt.After(now) {
			sb.WriteString(fmt.Sprintf(", next action in %s at %s",
				humanDuration(run.NextActionAt.Sub(now)), run.NextActionAt.In(w.Location()).Format("15:04")))
		} else {
			sb.WriteString(", action due now")
		}
		if run.RescueMode {
			sb.WriteString(" (rescue mode)")
		}
		if run.Attempts > 0 {
			sb.WriteString(fmt.Sprintf("; %d failed attempt(s), last error: %s", run.Attempts, run.LastError))
		}
		return sb.String()
	}

	if run != nil && sameLocalDay(run.StartedAt, local) {
		switch run.Phase {
		case types.PhaseCompleted:
			return "Completed today at " + run.UpdatedAt.In(w.Location()).Format("15:04")
		case types.PhaseFailed:
			return fmt.Sprintf("Failed in phase %s: %s", run.FailedPhase, run.LastError)
		}
	}

	if !job.Schedule.AutoStarts() {
		return "Automatic start disabled"
	}

	res := w.Evaluate(now, run)
	switch res.Decision {
	case window.StartNormal:
		return "Window open, starting on the next tick"
	case window.StartRescue:
		return "Rescue window open, starting on the next tick"
	}

	next := w.NextOpening(now)
	switch res.Reason {
	case window.ReasonBlocked:
		return "Blocked day, no automatic start" + nextOpening(now, next, w.Location())
	case window.ReasonBeforeWindow:
		if sameLocalDay(next, local) {
			return fmt.Sprintf("Waiting to start, window opens in %s", humanDuration(next.Sub(now)))
		}
	}
	return "Outside window" + nextOpening(now, next, w.Location())
}

func nextOpening(now, next time.Time, loc *time.Location) string {
	if next.IsZero() {
		return ""
	}
	return fmt.Sprintf(", next opening %s (in %s)", next.In(loc).Format("Mon 02 Jan 15:04"), humanDuration(next.Sub(now)))
}

func sameLocalDay(t, local time.Time) bool {
	y1, m1, d1 := t.In(local.Location()).Date()
	y2, m2, d2 := local.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}
