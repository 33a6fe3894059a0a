// Package pipeline runs multi-phase jobs as durable, resumable runs. The Orchestrator is
// the only writer of job runs; every transition is persisted before it is reported.
package pipeline

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/agent-runner/internal/db"
	"github.com/jonathan/agent-runner/internal/lock"
	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/pipeline/steps"
	"github.com/jonathan/agent-runner/internal/types"
	"github.com/jonathan/agent-runner/internal/webhook"
	"github.com/jonathan/agent-runner/internal/window"
)

// DefaultNotifyBudget bounds one asynchronous webhook delivery including its retries.
const DefaultNotifyBudget = time.Minute

// Executor runs a named action.
type Executor interface {
	Execute(ctx context.Context, action string, req steps.Request) (steps.Result, error)
}

// Notifier delivers a webhook payload.
type Notifier interface {
	Notify(ctx context.Context, url string, payload webhook.Payload) error
}

// Options holds the collaborators of an Orchestrator. Store, Executor and Notifier are
// required.
type Options struct {
	Store    db.Store
	Executor Executor
	Notifier Notifier
	Locker   lock.Locker
	Logger   *zap.SugaredLogger
	// Location is used for jobs whose schedule has no timezone.
	Location *time.Location
	// NotifyBudget bounds each asynchronous delivery.
	NotifyBudget time.Duration
	// OnEvent is called after every event is appended.
	OnEvent func(types.RuntimeEvent)
	// Now and Jitter are replaced in tests.
	Now    func() time.Time
	Jitter func(lo, hi time.Duration) time.Duration
}

// RunHandle identifies a run returned by StartOrResume or RetryFailed.
type RunHandle struct {
	RunID      string       `json:"run_id"`
	JobName    string       `json:"job_name"`
	Phase      string       `json:"phase"`
	RescueMode bool         `json:"rescue_mode"`
	Resumed    bool         `json:"resumed"`
	RetryOf    string       `json:"retry_of,omitempty"`
	First      *PhaseResult `json:"first,omitempty"`
}

// PhaseResult reports one Advance. A failed action is reported with OK false and a nil
// error from Advance; Err converts it to an ErrActionFailed error. Data carries the
// action output of a successful phase.
type PhaseResult struct {
	JobName  string            `json:"job_name"`
	RunID    string            `json:"run_id"`
	Phase    string            `json:"phase"`
	Next     string            `json:"next"`
	OK       bool              `json:"ok"`
	Detail   string            `json:"detail,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Attempts int               `json:"attempts"`
	Retrying bool              `json:"retrying"`
}

// Err returns nil for a successful phase and an error marked ErrActionFailed otherwise.
func (r PhaseResult) Err() error {
	if r.OK {
		return nil
	}
	return errors.Wrapf(ErrActionFailed, "phase %s: %s", r.Phase, r.Detail)
}

type jobEntry struct {
	def    types.JobDefinition
	window *window.Window
}

// Orchestrator drives job runs through their phases.
type Orchestrator struct {
	jobs  map[string]*jobEntry
	order []string

	store        db.Store
	exec         Executor
	notifier     Notifier
	locker       lock.Locker
	logger       *zap.SugaredLogger
	notifyBudget time.Duration
	onEvent      func(types.RuntimeEvent)
	now          func() time.Time
	jitter       func(lo, hi time.Duration) time.Duration

	mu       sync.Mutex
	attached map[string]string // job name -> run id
	runJobs  map[string]string // run id -> job name

	wg sync.WaitGroup
}

// New validates jobs and creates an Orchestrator.
func New(jobs []types.JobDefinition, opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Executor == nil || opts.Notifier == nil {
		return nil, errors.New("store, executor and notifier are required")
	}

	o := &Orchestrator{
		jobs:         make(map[string]*jobEntry, len(jobs)),
		store:        opts.Store,
		exec:         opts.Executor,
		notifier:     opts.Notifier,
		locker:       opts.Locker,
		logger:       opts.Logger,
		notifyBudget: opts.NotifyBudget,
		onEvent:      opts.OnEvent,
		now:          opts.Now,
		jitter:       opts.Jitter,
		attached:     make(map[string]string),
		runJobs:      make(map[string]string),
	}
	if o.locker == nil {
		o.locker = lock.NewLocal()
	}
	if o.logger == nil {
		o.logger = observability.Nop()
	}
	if o.notifyBudget <= 0 {
		o.notifyBudget = DefaultNotifyBudget
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.jitter == nil {
		o.jitter = randomDelay
	}

	for _, def := range jobs {
		if err := def.Validate(); err != nil {
			return nil, errors.Wrapf(err, "invalid job %s", def.Name)
		}
		if _, dup := o.jobs[def.Name]; dup {
			return nil, errors.Newf("duplicate job %s", def.Name)
		}
		w, err := window.Compile(def.Schedule, opts.Location)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s", def.Name)
		}
		o.jobs[def.Name] = &jobEntry{def: def, window: w}
		o.order = append(o.order, def.Name)
	}
	return o, nil
}

// Jobs returns the job definitions in load order.
func (o *Orchestrator) Jobs() []types.JobDefinition {
	defs := make([]types.JobDefinition, 0, len(o.order))
	for _, name := range o.order {
		defs = append(defs, o.jobs[name].def)
	}
	return defs
}

// Job returns the definition of name.
func (o *Orchestrator) Job(name string) (types.JobDefinition, bool) {
	e, ok := o.jobs[name]
	if !ok {
		return types.JobDefinition{}, false
	}
	return e.def, true
}

// Window returns the compiled schedule window of name, or nil for an unknown job.
func (o *Orchestrator) Window(name string) *window.Window {
	if e, ok := o.jobs[name]; ok {
		return e.window
	}
	return nil
}

// CheckConfiguration returns a *ConfigurationError if name misses required settings.
func (o *Orchestrator) CheckConfiguration(name string) error {
	e, err := o.entry(name)
	if err != nil {
		return err
	}
	return checkConfiguration(&e.def)
}

// StartOrResume starts a new run of name, or attaches to a persisted non-terminal run
// left by a previous process. In rescue mode the first phase's action runs before
// StartOrResume returns.
func (o *Orchestrator) StartOrResume(ctx context.Context, name string) (*RunHandle, error) {
	e, err := o.entry(name)
	if err != nil {
		return nil, err
	}
	if err := checkConfiguration(&e.def); err != nil {
		return nil, err
	}

	unlock, err := o.locker.TryLock(ctx, name)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, errors.Wrapf(ErrAlreadyActive, "job %s", name)
		}
		return nil, errors.Wrapf(err, "failed to lock job %s", name)
	}
	defer unlock()

	current, err := o.store.LoadRun(ctx, name)
	if err != nil {
		return nil, persistenceError(err, "failed to load run")
	}

	if current != nil && !current.IsTerminal() {
		if o.isAttached(name, current.RunID) {
			return nil, errors.Wrapf(ErrAlreadyActive, "job %s run %s", name, current.RunID)
		}
		o.attach(current)
		o.logger.Infow("Resumed run",
			observability.FieldJob, name,
			observability.FieldRunID, current.RunID,
			observability.FieldPhase, current.Phase)
		return &RunHandle{
			RunID:      current.RunID,
			JobName:    name,
			Phase:      current.Phase,
			RescueMode: current.RescueMode,
			Resumed:    true,
			RetryOf:    current.RetryOf,
		}, nil
	}

	now := o.now()
	run := &types.JobRun{
		RunID:      uuid.NewString(),
		JobName:    name,
		Phase:      types.PhaseNotStarted,
		StartedAt:  now,
		UpdatedAt:  now,
		RescueMode: e.window.InRescue(now),
	}
	if err := o.save(ctx, run); err != nil {
		return nil, err
	}
	o.attach(run)

	o.enterPhase(e, run, 0, now)
	if err := o.save(ctx, run); err != nil {
		return nil, err
	}

	o.logger.Infow("Started run",
		observability.FieldJob, name,
		observability.FieldRunID, run.RunID,
		observability.FieldPhase, run.Phase,
		observability.FieldRescue, run.RescueMode)

	handle := &RunHandle{
		RunID:      run.RunID,
		JobName:    name,
		Phase:      run.Phase,
		RescueMode: run.RescueMode,
	}

	if run.RescueMode {
		res, err := o.advance(ctx, e, run)
		handle.First = &res
		handle.Phase = run.Phase
		if err != nil {
			return handle, err
		}
	}
	return handle, nil
}

// Advance executes the current phase's action of the run and persists the outcome.
// A failed action returns a PhaseResult with OK false and a nil error. ErrBusy is
// returned if another caller holds the job, ErrNoActiveRun if the run is not the job's
// non-terminal run, and an ErrPersistence error if the outcome could not be stored.
func (o *Orchestrator) Advance(ctx context.Context, runID string) (PhaseResult, error) {
	name, err := o.jobForRun(ctx, runID)
	if err != nil {
		return PhaseResult{}, err
	}
	e := o.jobs[name]

	unlock, err := o.locker.TryLock(ctx, name)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return PhaseResult{}, errors.Wrapf(ErrBusy, "job %s", name)
		}
		return PhaseResult{}, errors.Wrapf(err, "failed to lock job %s", name)
	}
	defer unlock()

	run, err := o.store.LoadRun(ctx, name)
	if err != nil {
		return PhaseResult{}, persistenceError(err, "failed to load run")
	}
	if run == nil || run.RunID != runID || run.IsTerminal() {
		o.detach(name, runID)
		return PhaseResult{}, errors.Wrapf(ErrNoActiveRun, "run %s", runID)
	}
	o.attach(run)

	return o.advance(ctx, e, run)
}

// AdvanceJob advances the job's non-terminal run, whatever its id.
func (o *Orchestrator) AdvanceJob(ctx context.Context, name string) (PhaseResult, error) {
	if _, err := o.entry(name); err != nil {
		return PhaseResult{}, err
	}
	run, err := o.store.LoadRun(ctx, name)
	if err != nil {
		return PhaseResult{}, persistenceError(err, "failed to load run")
	}
	if run == nil || run.IsTerminal() {
		return PhaseResult{}, errors.Wrapf(ErrNoActiveRun, "job %s", name)
	}
	return o.Advance(ctx, run.RunID)
}

// RetryFailed starts a new run at the phase where the job's FAILED run stopped. It
// returns ErrNothingToRetry and changes nothing when the job's run is not FAILED.
func (o *Orchestrator) RetryFailed(ctx context.Context, name string) (*RunHandle, error) {
	e, err := o.entry(name)
	if err != nil {
		return nil, err
	}
	if err := checkConfiguration(&e.def); err != nil {
		return nil, err
	}

	unlock, err := o.locker.TryLock(ctx, name)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, errors.Wrapf(ErrAlreadyActive, "job %s", name)
		}
		return nil, errors.Wrapf(err, "failed to lock job %s", name)
	}
	defer unlock()

	current, err := o.store.LoadRun(ctx, name)
	if err != nil {
		return nil, persistenceError(err, "failed to load run")
	}
	if current == nil || current.Phase != types.PhaseFailed {
		return nil, errors.Wrapf(ErrNothingToRetry, "job %s", name)
	}
	if e.def.PhaseIndex(current.FailedPhase) < 0 {
		return nil, errors.Wrapf(ErrNothingToRetry, "job %s: failed phase %q no longer exists", name, current.FailedPhase)
	}

	now := o.now()
	due := now
	run := &types.JobRun{
		RunID:        uuid.NewString(),
		JobName:      name,
		Phase:        current.FailedPhase,
		StartedAt:    now,
		UpdatedAt:    now,
		NextActionAt: &due,
		RetryOf:      current.RunID,
	}
	if err := o.save(ctx, run); err != nil {
		return nil, err
	}
	o.attach(run)

	o.appendEvent(ctx, types.RuntimeEvent{
		Timestamp: now,
		JobName:   name,
		RunID:     run.RunID,
		Kind:      types.EventPhase,
		Phase:     run.Phase,
		Outcome:   types.OutcomeOK,
		Detail:    "retry of run " + current.RunID,
	})
	o.logger.Infow("Retrying failed run",
		observability.FieldJob, name,
		observability.FieldRunID, run.RunID,
		observability.FieldPhase, run.Phase,
		"retry_of", current.RunID)

	return &RunHandle{
		RunID:   run.RunID,
		JobName: name,
		Phase:   run.Phase,
		RetryOf: current.RunID,
	}, nil
}

// Status returns the last committed run of name, or nil if it never ran.
func (o *Orchestrator) Status(ctx context.Context, name string) (*types.JobRun, error) {
	if _, err := o.entry(name); err != nil {
		return nil, err
	}
	run, err := o.store.LoadRun(ctx, name)
	if err != nil {
		return nil, persistenceError(err, "failed to load run")
	}
	return run, nil
}

// Due returns the job's non-terminal run and whether its current phase may be attempted
// now. A nil run means there is nothing to advance.
func (o *Orchestrator) Due(ctx context.Context, name string) (*types.JobRun, bool, error) {
	run, err := o.Status(ctx, name)
	if err != nil || run == nil || run.IsTerminal() {
		return nil, false, err
	}
	return run, run.Due(o.now()), nil
}

// Recover attaches every persisted non-terminal run so it resumes at its stored phase.
// It returns the number of runs attached.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	runs, err := o.store.ListRuns(ctx)
	if err != nil {
		return 0, persistenceError(err, "failed to list runs")
	}

	n := 0
	for i := range runs {
		run := &runs[i]
		if run.IsTerminal() {
			continue
		}
		if _, ok := o.jobs[run.JobName]; !ok {
			o.logger.Warnw("Ignoring run of unknown job",
				observability.FieldJob, run.JobName,
				observability.FieldRunID, run.RunID)
			continue
		}
		o.attach(run)
		n++
		o.logger.Infow("Recovered run",
			observability.FieldJob, run.JobName,
			observability.FieldRunID, run.RunID,
			observability.FieldPhase, run.Phase)
	}
	return n, nil
}

// Wait blocks until in-flight webhook deliveries finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// advance runs the current phase of run. The caller holds the job lock.
func (o *Orchestrator) advance(ctx context.Context, e *jobEntry, run *types.JobRun) (PhaseResult, error) {
	job := &e.def

	if run.Phase == types.PhaseNotStarted {
		next := run.Clone()
		now := o.now()
		next.UpdatedAt = now
		o.enterPhase(e, next, 0, now)
		if err := o.save(ctx, next); err != nil {
			return PhaseResult{}, err
		}
		*run = *next
		return PhaseResult{JobName: job.Name, RunID: run.RunID, Phase: types.PhaseNotStarted, Next: run.Phase, OK: true}, nil
	}

	idx := job.PhaseIndex(run.Phase)
	var res steps.Result
	var phase types.PhaseDefinition
	if idx < 0 {
		phase = types.PhaseDefinition{Name: run.Phase, MaxAttempts: 1}
		res = steps.Failed("phase %s is not defined for job %s", run.Phase, job.Name)
	} else {
		phase = job.Phases[idx]
		res = o.execute(ctx, job, &phase, run)
	}

	now := o.now()
	next := run.Clone()
	next.UpdatedAt = now

	result := PhaseResult{
		JobName: job.Name,
		RunID:   run.RunID,
		Phase:   phase.Name,
		OK:      res.OK,
		Detail:  res.Detail,
		Data:    res.Data,
	}

	if res.OK {
		next.Attempts = 0
		next.LastError = ""
		if idx+1 < len(job.Phases) {
			o.enterPhase(e, next, idx+1, now)
		} else {
			next.Phase = types.PhaseCompleted
			next.NextActionAt = nil
		}
	} else {
		next.Attempts++
		next.LastError = res.Detail
		if next.Attempts < phase.Attempts() {
			retryAt := now.Add(phase.RetryAfter())
			next.NextActionAt = &retryAt
			result.Retrying = true
		} else {
			next.Phase = types.PhaseFailed
			next.FailedPhase = phase.Name
			next.NextActionAt = nil
		}
	}
	result.Next = next.Phase
	result.Attempts = next.Attempts

	if err := o.save(ctx, next); err != nil {
		o.logger.Errorw("Failed to persist phase outcome",
			observability.FieldJob, job.Name,
			observability.FieldRunID, run.RunID,
			observability.FieldPhase, phase.Name,
			observability.FieldError, err)
		return result, err
	}
	*run = *next

	outcome := types.OutcomeOK
	if !res.OK {
		outcome = types.OutcomeError
	}
	o.appendEvent(ctx, types.RuntimeEvent{
		Timestamp: now,
		JobName:   job.Name,
		RunID:     run.RunID,
		Kind:      types.EventPhase,
		Phase:     phase.Name,
		Outcome:   outcome,
		Detail:    res.Detail,
		Data:      res.Data,
	})

	if run.IsTerminal() {
		o.detach(job.Name, run.RunID)
	}

	if res.OK {
		o.logger.Infow("Phase completed",
			observability.FieldJob, job.Name,
			observability.FieldRunID, run.RunID,
			observability.FieldPhase, phase.Name,
			observability.FieldNextPhase, run.Phase)
	} else {
		o.logger.Warnw("Phase failed",
			observability.FieldJob, job.Name,
			observability.FieldRunID, run.RunID,
			observability.FieldPhase, phase.Name,
			observability.FieldAttempt, run.Attempts,
			observability.FieldNextPhase, run.Phase,
			observability.FieldError, res.Detail)
	}

	// Failures that will be retried are not reported.
	if res.OK || run.Phase == types.PhaseFailed {
		o.notifyAsync(job, run, phase.Name, outcome, res.Detail)
	}

	return result, nil
}

// execute runs the phase action under the phase timeout. Action errors and timeouts are
// folded into a failed Result.
func (o *Orchestrator) execute(ctx context.Context, job *types.JobDefinition, phase *types.PhaseDefinition, run *types.JobRun) steps.Result {
	timeout := phase.PhaseTimeout()
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := o.exec.Execute(actionCtx, phase.Action, steps.Request{
		JobName:  job.Name,
		Phase:    phase.Name,
		RunID:    run.RunID,
		Attempt:  run.Attempts + 1,
		Params:   phase.Params,
		Settings: job.Settings,
	})
	o.logger.Debugw("Action finished",
		observability.FieldJob, job.Name,
		observability.FieldPhase, phase.Name,
		observability.FieldAction, phase.Action,
		observability.FieldDurationMS, time.Since(start).Milliseconds())

	switch {
	case err != nil && errors.Is(actionCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return steps.Failed("action %s timed out after %s", phase.Action, timeout)
	case err != nil:
		return steps.Failed("%v", err)
	case !res.OK && res.Detail == "":
		res.Detail = "action " + phase.Action + " failed"
	}
	return res
}

// enterPhase moves run to the phase at idx and plans when its action becomes due.
func (o *Orchestrator) enterPhase(e *jobEntry, run *types.JobRun, idx int, now time.Time) {
	phase := &e.def.Phases[idx]
	run.Phase = phase.Name
	run.Attempts = 0

	var delay time.Duration
	if !run.RescueMode || !e.def.Schedule.SkipsPacing(idx) {
		delay = o.jitter(phase.DelayMin.Duration, phase.DelayMax.Duration)
	}
	due := now.Add(delay)
	run.NextActionAt = &due
}

func (o *Orchestrator) notifyAsync(job *types.JobDefinition, run *types.JobRun, from string, outcome types.Outcome, detail string) {
	url := job.WebhookFor(from, run.Phase)
	if url == "" {
		return
	}

	payload := webhook.Payload{
		JobName:   job.Name,
		RunID:     run.RunID,
		Phase:     run.Phase,
		FromPhase: from,
		Outcome:   outcome,
		Timestamp: run.UpdatedAt,
	}
	if outcome == types.OutcomeError {
		payload.Error = detail
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.notifyBudget)
		defer cancel()
		_ = o.deliver(ctx, url, payload)
	}()
}

// deliver posts payload and records a failed delivery as a notification event. The run
// itself is never changed by the outcome.
func (o *Orchestrator) deliver(ctx context.Context, url string, payload webhook.Payload) error {
	err := o.notifier.Notify(ctx, url, payload)
	if err == nil {
		return nil
	}
	err = errors.Mark(err, ErrNotificationFailed)

	o.logger.Warnw("Webhook delivery failed",
		observability.FieldJob, payload.JobName,
		observability.FieldRunID, payload.RunID,
		observability.FieldPhase, payload.Phase,
		observability.FieldURL, url,
		observability.FieldError, err)

	// The delivery may have used up ctx.
	o.appendEvent(context.WithoutCancel(ctx), types.RuntimeEvent{
		Timestamp: o.now(),
		JobName:   payload.JobName,
		RunID:     payload.RunID,
		Kind:      types.EventNotification,
		Phase:     payload.Phase,
		Outcome:   types.OutcomeError,
		Detail:    err.Error(),
	})
	return err
}

// appendEvent records an event. The log is audit only, so failures are logged and
// otherwise ignored.
func (o *Orchestrator) appendEvent(ctx context.Context, event types.RuntimeEvent) {
	if err := o.store.AppendEvent(ctx, &event); err != nil {
		o.logger.Warnw("Failed to append event",
			observability.FieldJob, event.JobName,
			observability.FieldRunID, event.RunID,
			observability.FieldError, err)
		return
	}
	if o.onEvent != nil {
		o.onEvent(event)
	}
}

func (o *Orchestrator) save(ctx context.Context, run *types.JobRun) error {
	if err := o.store.SaveRun(ctx, run); err != nil {
		return persistenceError(err, "failed to save run")
	}
	return nil
}

func (o *Orchestrator) entry(name string) (*jobEntry, error) {
	e, ok := o.jobs[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJob, "%s", name)
	}
	return e, nil
}

func (o *Orchestrator) jobForRun(ctx context.Context, runID string) (string, error) {
	o.mu.Lock()
	name, ok := o.runJobs[runID]
	o.mu.Unlock()
	if ok {
		return name, nil
	}

	// Not attached in this process: look the run up in the store.
	runs, err := o.store.ListRuns(ctx)
	if err != nil {
		return "", persistenceError(err, "failed to list runs")
	}
	for _, run := range runs {
		if run.RunID == runID && !run.IsTerminal() {
			if _, known := o.jobs[run.JobName]; known {
				return run.JobName, nil
			}
		}
	}
	return "", errors.Wrapf(ErrNoActiveRun, "run %s", runID)
}

func (o *Orchestrator) isAttached(name, runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attached[name] == runID
}

func (o *Orchestrator) attach(run *types.JobRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.attached[run.JobName]; ok && prev != run.RunID {
		delete(o.runJobs, prev)
	}
	o.attached[run.JobName] = run.RunID
	o.runJobs[run.RunID] = run.JobName
}

func (o *Orchestrator) detach(name, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attached[name] == runID {
		delete(o.attached, name)
	}
	delete(o.runJobs, runID)
}

func checkConfiguration(job *types.JobDefinition) error {
	if missing := job.MissingSettings(); len(missing) > 0 {
		return &ConfigurationError{Job: job.Name, Missing: missing}
	}
	return nil
}

func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
