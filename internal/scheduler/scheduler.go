// Package scheduler drives the orchestrator on a fixed tick: it starts jobs whose window
// opens, advances due runs and prunes the event log.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/pipeline"
	"github.com/jonathan/agent-runner/internal/window"
)

// Defaults
const (
	DefaultInterval      = time.Minute
	DefaultRetentionDays = 30
	DefaultConcurrency   = 4
)

// Pruner deletes old events. db.Store implements it.
type Pruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	// RetentionDays is how long events are kept. Zero applies the default, a negative
	// value disables pruning.
	RetentionDays int
	Pruner        Pruner
	Concurrency   int
	Location      *time.Location
	Logger        *zap.SugaredLogger
	Now           func() time.Time
}

// Scheduler ticks the orchestrator.
type Scheduler struct {
	orch      *pipeline.Orchestrator
	interval  time.Duration
	retention int
	pruner    Pruner
	limit     int
	loc       *time.Location
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu         sync.Mutex
	lastPruned string
}

// New creates a Scheduler for orch.
func New(orch *pipeline.Orchestrator, opts Options) *Scheduler {
	s := &Scheduler{
		orch:      orch,
		interval:  opts.Interval,
		retention: opts.RetentionDays,
		pruner:    opts.Pruner,
		limit:     opts.Concurrency,
		loc:       opts.Location,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.retention == 0 {
		s.retention = DefaultRetentionDays
	}
	if s.limit <= 0 {
		s.limit = DefaultConcurrency
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.logger == nil {
		s.logger = observability.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run ticks until ctx is canceled. A tick that is still running when the next one is
// due is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	// A phase in progress at shutdown runs to completion; Stop waits for it.
	tickCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.Tick(tickCtx) }); err != nil {
		return errors.Wrapf(err, "invalid tick interval %s", s.interval)
	}

	s.logger.Infow("Scheduler started", "interval", s.interval.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
	return nil
}

// Tick processes every job once, concurrently, then prunes old events.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	var g errgroup.Group
	g.SetLimit(s.limit)
	for _, job := range s.orch.Jobs() {
		name := job.Name
		g.Go(func() error {
			s.tickJob(ctx, name, now)
			return nil
		})
	}
	_ = g.Wait()

	s.prune(ctx, now)
}

func (s *Scheduler) tickJob(ctx context.Context, name string, now time.Time) {
	if err := s.orch.CheckConfiguration(name); err != nil {
		var cfgErr *pipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			s.logger.Warnw("Skipping job with incomplete configuration",
				observability.FieldJob, name,
				observability.FieldMissing, cfgErr.Missing)
			return
		}
		s.logger.Errorw("Skipping job", observability.FieldJob, name, observability.FieldError, err)
		return
	}

	run, err := s.orch.Status(ctx, name)
	if err != nil {
		s.logger.Errorw("Failed to load run", observability.FieldJob, name, observability.FieldError, err)
		return
	}

	if run != nil && !run.IsTerminal() {
		if !run.Due(now) {
			return
		}
		res, err := s.orch.Advance(ctx, run.RunID)
		switch {
		case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrNoActiveRun):
			s.logger.Debugw("Run not advanced", observability.FieldJob, name, observability.FieldReason, err.Error())
		case err != nil:
			s.logger.Errorw("Failed to advance run",
				observability.FieldJob, name,
				observability.FieldRunID, run.RunID,
				observability.FieldError, err)
		case !res.OK:
			s.logger.Debugw("Phase did not succeed",
				observability.FieldJob, name,
				observability.FieldPhase, res.Phase,
				observability.FieldNextPhase, res.Next)
		}
		return
	}

	job, _ := s.orch.Job(name)
	if !job.Schedule.AutoStarts() {
		return
	}

	w := s.orch.Window(name)
	decision := w.Evaluate(now, run)
	if decision.Decision == window.Skip {
		s.logger.Debugw("Not starting", observability.FieldJob, name, observability.FieldReason, decision.Reason)
		return
	}

	handle, err := s.orch.StartOrResume(ctx, name)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyActive):
		return
	case err != nil && handle == nil:
		s.logger.Errorw("Failed to start job", observability.FieldJob, name, observability.FieldError, err)
		return
	case err != nil:
		s.logger.Errorw("Failed to record first phase",
			observability.FieldJob, name,
			observability.FieldRunID, handle.RunID,
			observability.FieldError, err)
		return
	}

	s.logger.Infow("Job started by scheduler",
		observability.FieldJob, name,
		observability.FieldRunID, handle.RunID,
		observability.FieldReason, decision.Decision.String(),
		observability.FieldResumed, handle.Resumed)
}

// prune deletes events older than the retention period, at most once per local day.
func (s *Scheduler) prune(ctx context.Context, now time.Time) {
	if s.pruner == nil || s.retention < 0 {
		return
	}
	day := now.In(s.loc).Format("2006-01-02")

	s.mu.Lock()
	if s.lastPruned == day {
		s.mu.Unlock()
		return
	}
	s.lastPruned = day
	s.mu.Unlock()

	cutoff := now.AddDate(0, 0, -s.retention)
	n, err := s.pruner.PruneEvents(ctx, cutoff)
	if err != nil {
		s.logger.Warnw("Failed to prune events", observability.FieldError, err)
		s.mu.Lock()
		s.lastPruned = ""
		s.mu.Unlock()
		return
	}
	if n > 0 {
		s.logger.Infow("Pruned events", observability.FieldCount, n, "before", cutoff.Format(time.RFC3339))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, observability.FieldError, err)...)
}
