package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/agent-runner/internal/db"
	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/pipeline"
	"github.com/jonathan/agent-runner/internal/pipeline/steps"
	"github.com/jonathan/agent-runner/internal/server/ratelimit"
	"github.com/jonathan/agent-runner/internal/types"
	"github.com/jonathan/agent-runner/internal/webhook"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	orch    *pipeline.Orchestrator
	hub     *Hub
}

func testJobs() []types.JobDefinition {
	schedule := types.SchedulePolicy{Timezone: "Europe/Madrid", Start: "06:57", End: "09:30", RescueStart: "08:31"}
	return []types.JobDefinition{
		{
			Name:     "flow",
			Phases:   []types.PhaseDefinition{{Name: "open", Action: "noop"}, {Name: "click", Action: "fail"}},
			Schedule: schedule,
		},
		{
			Name:     "portal",
			Phases:   []types.PhaseDefinition{{Name: "login", Action: "noop"}},
			Schedule: schedule,
			Requires: []string{"portal_url", "username"},
			Settings: map[string]string{"username": "me"},
		},
		{
			Name:     "batch",
			Phases:   []types.PhaseDefinition{{Name: "export", Action: "slow"}, {Name: "publish", Action: "noop"}},
			Schedule: schedule,
		},
	}
}

func newTestEnv(t *testing.T, rl *ratelimit.Config) *testEnv {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, loc)

	registry := steps.NewRegistry()
	registry.Register("fail", steps.ActionFunc(func(context.Context, steps.Request) (steps.Result, error) {
		return steps.Failed("button not found"), nil
	}))
	registry.Register("slow", steps.ActionFunc(func(ctx context.Context, _ steps.Request) (steps.Result, error) {
		select {
		case <-ctx.Done():
			return steps.Result{}, ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return steps.Succeeded("exported"), nil
		}
	}))

	hub := NewHub()
	orch, err := pipeline.New(testJobs(), pipeline.Options{
		Store:    db.NewMemory(),
		Executor: registry,
		Notifier: webhook.New(webhook.DefaultOptions(), observability.Nop()),
		Now:      func() time.Time { return now },
		Jitter:   func(lo, _ time.Duration) time.Duration { return lo },
		OnEvent:  hub.Publish,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Wait)

	if rl == nil {
		rl = &ratelimit.Config{Enabled: false}
	}
	srv := New(orch, Config{Port: 0, RateLimit: rl, Hub: hub})
	t.Cleanup(srv.rateLimiter.Stop)
	return &testEnv{srv: srv, handler: srv.Handler(), orch: orch, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decode[ErrorResponse](t, w)
	assert.Equal(t, code, body.Error)
	assert.NotEmpty(t, body.Message)
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		Jobs []JobSummary `json:"jobs"`
	}](t, w)
	require.Len(t, body.Jobs, 3)
	assert.Equal(t, "flow", body.Jobs[0].Name)
	assert.Equal(t, []string{"open", "click"}, body.Jobs[0].Phases)
	assert.True(t, body.Jobs[0].AutoStart)
	assert.Equal(t, []string{"portal_url"}, body.Jobs[1].MissingSettings)
}

func TestRunEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/jobs/flow/run")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	handle := decode[pipeline.RunHandle](t, w)
	assert.NotEmpty(t, handle.RunID)
	assert.Equal(t, "open", handle.Phase)
	assert.False(t, handle.Resumed)

	w = env.do(t, http.MethodPost, "/jobs/flow/run")
	assertError(t, w, http.StatusConflict, CodeAlreadyActive)

	w = env.do(t, http.MethodPost, "/jobs/nope/run")
	assertError(t, w, http.StatusNotFound, CodeUnknownJob)

	w = env.do(t, http.MethodPost, "/jobs/portal/run")
	body := assertError(t, w, http.StatusBadRequest, CodeConfigurationIncomplete)
	assert.Contains(t, body.Message, "portal_url")
	assert.NotContains(t, body.Message, "username")
}

func TestAdvanceAndRetryEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/jobs/flow/advance")
	assertError(t, w, http.StatusConflict, CodeNoActiveRun)

	w = env.do(t, http.MethodPost, "/jobs/flow/retry")
	assertError(t, w, http.StatusConflict, CodeNothingToRetry)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/jobs/flow/run").Code)

	w = env.do(t, http.MethodPost, "/jobs/flow/advance")
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[pipeline.PhaseResult](t, w)
	assert.True(t, res.OK)
	assert.Equal(t, "click", res.Next)

	w = env.do(t, http.MethodPost, "/jobs/flow/advance")
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[pipeline.PhaseResult](t, w)
	assert.False(t, res.OK)
	assert.Equal(t, "button not found", res.Detail)
	assert.Equal(t, types.PhaseFailed, res.Next)

	w = env.do(t, http.MethodPost, "/jobs/flow/retry")
	require.Equal(t, http.StatusAccepted, w.Code)
	handle := decode[pipeline.RunHandle](t, w)
	assert.Equal(t, "click", handle.Phase)
	assert.NotEmpty(t, handle.RetryOf)

	w = env.do(t, http.MethodPost, "/jobs/nope/advance")
	assertError(t, w, http.StatusNotFound, CodeUnknownJob)
}

func TestAdvanceEndpoint_ClientDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/jobs/batch/run").Code)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/jobs/batch/advance", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	time.AfterFunc(50*time.Millisecond, cancel)
	env.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[pipeline.PhaseResult](t, w)
	assert.True(t, res.OK, res.Detail)
	assert.Equal(t, "publish", res.Next)

	run, err := env.orch.Status(context.Background(), "batch")
	require.NoError(t, err)
	assert.Equal(t, "publish", run.Phase)
	assert.Empty(t, run.LastError)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/jobs/flow/status")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[pipeline.JobStatus](t, w)
	assert.Nil(t, status.Run)
	assert.Equal(t, "Window open, starting on the next tick", status.Message)

	env.do(t, http.MethodPost, "/jobs/flow/run")
	w = env.do(t, http.MethodGet, "/jobs/flow/status")
	status = decode[pipeline.JobStatus](t, w)
	require.NotNil(t, status.Run)
	assert.True(t, status.Active)
	assert.Equal(t, "open", status.Run.Phase)

	w = env.do(t, http.MethodGet, "/jobs/portal/status")
	status = decode[pipeline.JobStatus](t, w)
	assert.Equal(t, []string{"portal_url"}, status.Missing)

	assertError(t, env.do(t, http.MethodGet, "/jobs/nope/status"), http.StatusNotFound, CodeUnknownJob)
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/jobs/flow/run")
	env.do(t, http.MethodPost, "/jobs/flow/advance")
	env.do(t, http.MethodPost, "/jobs/flow/advance")

	w := env.do(t, http.MethodGet, "/jobs/flow/events")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[EventsResponse](t, w)
	assert.Equal(t, "flow", body.Job)
	require.Len(t, body.Events, 2)
	assert.Equal(t, "open", body.Events[0].Phase)
	assert.Equal(t, types.OutcomeError, body.Events[1].Outcome)

	w = env.do(t, http.MethodGet, "/jobs/flow/events?limit=1&day=2026-03-02")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[EventsResponse](t, w)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "click", body.Events[0].Phase)

	w = env.do(t, http.MethodGet, "/jobs/flow/events?day=2026-03-01")
	body = decode[EventsResponse](t, w)
	assert.NotNil(t, body.Events)
	assert.Empty(t, body.Events)

	assertError(t, env.do(t, http.MethodGet, "/jobs/flow/events?limit=abc"), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, env.do(t, http.MethodGet, "/jobs/flow/events?limit=-1"), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, env.do(t, http.MethodGet, "/jobs/flow/events?day=03/02/2026"), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, env.do(t, http.MethodGet, "/jobs/nope/events"), http.StatusNotFound, CodeUnknownJob)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: "/jobs/*/status", Method: "GET", Limit: 2, Window: time.Hour},
		},
	})

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodGet, "/jobs/flow/status")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w := env.do(t, http.MethodGet, "/jobs/flow/status")
	assertError(t, w, http.StatusTooManyRequests, CodeRateLimited)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health").Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodOptions, "/jobs/flow/run")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&pipeline.ConfigurationError{Job: "j", Missing: []string{"a"}}, http.StatusBadRequest, CodeConfigurationIncomplete},
		{errors.Wrap(pipeline.ErrUnknownJob, "j"), http.StatusNotFound, CodeUnknownJob},
		{errors.Wrap(pipeline.ErrAlreadyActive, "j"), http.StatusConflict, CodeAlreadyActive},
		{errors.Wrap(pipeline.ErrBusy, "j"), http.StatusConflict, CodeBusy},
		{errors.Wrap(pipeline.ErrNothingToRetry, "j"), http.StatusConflict, CodeNothingToRetry},
		{errors.Wrap(pipeline.ErrNoActiveRun, "j"), http.StatusConflict, CodeNoActiveRun},
		{errors.Mark(errors.New("disk full"), pipeline.ErrPersistence), http.StatusServiceUnavailable, CodePersistence},
		{&ErrValidation{Field: "limit", Message: "bad"}, http.StatusBadRequest, CodeInvalidRequest},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.code, ErrorCode(tt.err))
		})
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/stream?job=flow", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered after the headers are flushed.
	require.Eventually(t, func() bool {
		env.hub.mu.Lock()
		defer env.hub.mu.Unlock()
		return len(env.hub.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.hub.Publish(types.RuntimeEvent{JobName: "portal", Kind: types.EventPhase, Phase: "login"})
	env.hub.Publish(types.RuntimeEvent{JobName: "flow", Kind: types.EventPhase, Phase: "open", Outcome: types.OutcomeOK})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: phase\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev types.RuntimeEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "flow", ev.JobName)
	assert.Equal(t, "open", ev.Phase)

	w := env.do(t, http.MethodGet, "/events/stream?job=nope")
	assertError(t, w, http.StatusNotFound, CodeUnknownJob)
}

func TestHub(t *testing.T) {
	hub := NewHub()
	all, cancelAll := hub.Subscribe("")
	flow, cancelFlow := hub.Subscribe("flow")

	hub.Publish(types.RuntimeEvent{JobName: "other"})
	hub.Publish(types.RuntimeEvent{JobName: "flow"})

	assert.Equal(t, "other", (<-all).JobName)
	assert.Equal(t, "flow", (<-all).JobName)
	assert.Equal(t, "flow", (<-flow).JobName)

	cancelFlow()
	cancelFlow()
	_, open := <-flow
	assert.False(t, open)

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(types.RuntimeEvent{JobName: "flow"})
	}
	assert.Len(t, all, subscriberBuffer, "slow subscribers drop events")

	hub.Close()
	cancelAll()
	late, _ := hub.Subscribe("")
	_, open = <-late
	assert.False(t, open)
}
