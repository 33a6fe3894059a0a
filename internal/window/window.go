// Package window decides when a job may start on its own, from its daily schedule policy
// and the job's most recent run.
package window

import (
	"fmt"
	"time"

	"github.com/jonathan/agent-runner/internal/types"
)

// Decision is the outcome of evaluating a schedule window.
type Decision int

// Decisions
const (
	Skip Decision = iota
	StartNormal
	StartRescue
)

func (d Decision) String() string {
	switch d {
	case StartNormal:
		return "start_normal"
	case StartRescue:
		return "start_rescue"
	default:
		return "skip"
	}
}

// Reasons reported with a Skip decision.
const (
	ReasonWeekend      = "weekend"
	ReasonBlocked      = "blocked_date"
	ReasonBeforeWindow = "before_window"
	ReasonAfterWindow  = "after_window"
	ReasonActiveRun    = "run_active"
	ReasonStartedToday = "started_today"
)

// Result carries the decision and, for Skip, why.
type Result struct {
	Decision Decision
	Reason   string
}

// Window is a compiled SchedulePolicy. Clock values are seconds since local midnight.
type Window struct {
	loc          *time.Location
	start        int
	end          int
	rescue       int
	hasRescue    bool
	weekdaysOnly bool
	blockedFrom  string
	blockedTo    string
}

// Compile parses policy. An empty policy timezone falls back to fallback, and to the
// process local zone when fallback is nil.
func Compile(policy types.SchedulePolicy, fallback *time.Location) (*Window, error) {
	loc := fallback
	if loc == nil {
		loc = time.Local
	}
	if policy.Timezone != "" {
		l, err := time.LoadLocation(policy.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", policy.Timezone, err)
		}
		loc = l
	}

	start, err := types.ParseClock(policy.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid window start: %w", err)
	}
	end, err := types.ParseClock(policy.End)
	if err != nil {
		return nil, fmt.Errorf("invalid window end: %w", err)
	}
	if end <= start {
		return nil, fmt.Errorf("window end %s is not after start %s", policy.End, policy.Start)
	}

	w := &Window{
		loc:          loc,
		start:        start,
		end:          end,
		weekdaysOnly: policy.WeekdaysOnly,
		blockedFrom:  policy.BlockedFrom,
		blockedTo:    policy.BlockedTo,
	}

	if policy.RescueStart != "" {
		rescue, err := types.ParseClock(policy.RescueStart)
		if err != nil {
			return nil, fmt.Errorf("invalid rescue start: %w", err)
		}
		if rescue < start || rescue >= end {
			return nil, fmt.Errorf("rescue start %s is outside the window", policy.RescueStart)
		}
		w.rescue = rescue
		w.hasRescue = true
	}

	return w, nil
}

// Evaluate compiles policy and evaluates it in one call.
func Evaluate(now time.Time, policy types.SchedulePolicy, last *types.JobRun, fallback *time.Location) (Result, error) {
	w, err := Compile(policy, fallback)
	if err != nil {
		return Result{}, err
	}
	return w.Evaluate(now, last), nil
}

// Location returns the zone the window is evaluated in.
func (w *Window) Location() *time.Location {
	return w.loc
}

// Evaluate maps now and the job's last run to a start decision.
func (w *Window) Evaluate(now time.Time, last *types.JobRun) Result {
	local := now.In(w.loc)

	if reason := w.closedDay(local); reason != "" {
		return Result{Decision: Skip, Reason: reason}
	}

	tod := clockOf(local)
	if tod < w.start {
		return Result{Decision: Skip, Reason: ReasonBeforeWindow}
	}
	if tod >= w.end {
		return Result{Decision: Skip, Reason: ReasonAfterWindow}
	}

	if last != nil {
		if !last.IsTerminal() {
			return Result{Decision: Skip, Reason: ReasonActiveRun}
		}
		if sameDay(last.StartedAt.In(w.loc), local) {
			return Result{Decision: Skip, Reason: ReasonStartedToday}
		}
	}

	if w.hasRescue && tod >= w.rescue {
		return Result{Decision: StartRescue}
	}
	return Result{Decision: StartNormal}
}

// InRescue reports whether now falls in the rescue sub-window of an open day.
func (w *Window) InRescue(now time.Time) bool {
	if !w.hasRescue {
		return false
	}
	local := now.In(w.loc)
	if w.closedDay(local) != "" {
		return false
	}
	tod := clockOf(local)
	return tod >= w.rescue && tod < w.end
}

// Blocked reports whether the local date of now falls in the blocked range.
func (w *Window) Blocked(now time.Time) bool {
	return w.isBlocked(now.In(w.loc))
}

// NextOpening returns the next instant, at or after now, at which the window opens on an
// open day. The zero time is returned if no day in the coming year is open.
func (w *Window) NextOpening(now time.Time) time.Time {
	local := now.In(w.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.loc)
	if clockOf(local) > w.start {
		day = day.AddDate(0, 0, 1)
	}
	for i := 0; i < 370; i++ {
		if w.closedDay(day) == "" {
			return time.Date(day.Year(), day.Month(), day.Day(), w.start/3600, w.start%3600/60, 0, 0, w.loc)
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}
}

func (w *Window) closedDay(local time.Time) string {
	if w.weekdaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return ReasonWeekend
		}
	}
	if w.isBlocked(local) {
		return ReasonBlocked
	}
	return ""
}

func (w *Window) isBlocked(local time.Time) bool {
	if w.blockedFrom == "" || w.blockedTo == "" {
		return false
	}
	d := local.Format("2006-01-02")
	return d >= w.blockedFrom && d <= w.blockedTo
}

func clockOf(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
