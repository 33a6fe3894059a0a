package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/agent-runner/internal/types"
)

func samplePayload() Payload {
	return Payload{
		JobName:   "workday_flow",
		RunID:     "run-1",
		Phase:     "end_work",
		FromPhase: "start_work",
		Outcome:   types.OutcomeOK,
		Timestamp: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC),
	}
}

func TestNotify_Delivers(t *testing.T) {
	var got Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := New(&Options{Headers: map[string]string{"X-Token": "secret"}}, nil)
	require.NoError(t, n.Notify(context.Background(), server.URL, samplePayload()))

	assert.Equal(t, "workday_flow", got.JobName)
	assert.Equal(t, "end_work", got.Phase)
	assert.Equal(t, "start_work", got.FromPhase)
	assert.Equal(t, types.OutcomeOK, got.Outcome)
}

func TestNotify_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(&Options{Attempts: 3}, nil)
	require.NoError(t, n.Notify(context.Background(), server.URL, samplePayload()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotify_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	n := New(&Options{Attempts: 2}, nil)
	err := n.Notify(context.Background(), server.URL, samplePayload())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())

	var whErr *Error
	require.True(t, errors.As(err, &whErr))
	assert.Equal(t, 2, whErr.Attempts)
	assert.Equal(t, server.URL, whErr.URL)
	assert.Contains(t, err.Error(), "503")
}

func TestNotify_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	n := New(&Options{Attempts: 1, Timeout: 50 * time.Millisecond}, nil)
	err := n.Notify(context.Background(), server.URL, samplePayload())
	assert.Error(t, err)
}

func TestNotify_CanceledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := New(&Options{Attempts: 5}, nil)
	err := n.Notify(ctx, server.URL, samplePayload())
	assert.Error(t, err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNotify_InvalidURL(t *testing.T) {
	n := New(nil, nil)
	assert.Error(t, n.Notify(context.Background(), "://bad", samplePayload()))
}
