package db

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/agent-runner/internal/types"
)

// Memory is a process-local store. Records are copied in and out so callers never share
// state with it.
type Memory struct {
	mu     sync.Mutex
	runs   map[string]*types.JobRun
	events []types.RuntimeEvent
	nextID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*types.JobRun)}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// LoadRun retrieves the current run of a job.
func (m *Memory) LoadRun(_ context.Context, jobName string) (*types.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[jobName].Clone(), nil
}

// SaveRun replaces the run of a job.
func (m *Memory) SaveRun(_ context.Context, run *types.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.JobName] = run.Clone()
	return nil
}

// ListRuns returns the current run of every job, ordered by job name.
func (m *Memory) ListRuns(_ context.Context) ([]types.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]types.JobRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, *run.Clone())
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].JobName < runs[j].JobName })
	return runs, nil
}

// AppendEvent records an event and sets its ID.
func (m *Memory) AppendEvent(_ context.Context, event *types.RuntimeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	stored := *event
	stored.Data = maps.Clone(event.Data)
	m.events = append(m.events, stored)
	return nil
}

// ListEvents returns the most recent matching events, oldest first.
func (m *Memory) ListEvents(_ context.Context, filter EventFilter) ([]types.RuntimeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []types.RuntimeEvent
	for _, ev := range m.events {
		if filter.JobName != "" && ev.JobName != filter.JobName {
			continue
		}
		if filter.RunID != "" && ev.RunID != filter.RunID {
			continue
		}
		if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !ev.Timestamp.Before(filter.Until) {
			continue
		}
		ev.Data = maps.Clone(ev.Data)
		matched = append(matched, ev)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if limit := ClampLimit(filter.Limit); len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// PruneEvents deletes events recorded before the cutoff.
func (m *Memory) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var pruned int64
	for _, ev := range m.events {
		if ev.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return pruned, nil
}
