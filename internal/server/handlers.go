package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"

	"github.com/jonathan/agent-runner/internal/pipeline"
	"github.com/jonathan/agent-runner/internal/types"
)

// JobSummary describes a configured job and its current run.
type JobSummary struct {
	Name            string               `json:"name"`
	Phases          []string             `json:"phases"`
	Schedule        types.SchedulePolicy `json:"schedule"`
	AutoStart       bool                 `json:"auto_start"`
	MissingSettings []string             `json:"missing_settings,omitempty"`
	Phase           string               `json:"phase,omitempty"`
	Active          bool                 `json:"active"`
}

// EventsQuery holds the query parameters of GET /jobs/{name}/events.
type EventsQuery struct {
	Limit int    `validate:"min=0"`
	Day   string `validate:"omitempty,datetime=2006-01-02"`
}

// EventsResponse is returned by GET /jobs/{name}/events.
type EventsResponse struct {
	Job    string               `json:"job"`
	Events []types.RuntimeEvent `json:"events"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.orch.Jobs()
	out := make([]JobSummary, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		summary := JobSummary{
			Name:            job.Name,
			Phases:          job.PhaseNames(),
			Schedule:        job.Schedule,
			AutoStart:       job.Schedule.AutoStarts(),
			MissingSettings: job.MissingSettings(),
		}
		run, err := s.orch.Status(r.Context(), job.Name)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		if run != nil {
			summary.Phase = run.Phase
			summary.Active = !run.IsTerminal()
		}
		out = append(out, summary)
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleRun starts or resumes a run. In rescue mode the first action runs before the
// response is written. Actions run detached from the request so a client disconnect
// does not cancel a phase.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	handle, err := s.orch.StartOrResume(context.WithoutCancel(r.Context()), r.PathValue("name"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, handle)
}

// handleAdvance executes the current phase of the job's run. A failed action is a
// successful request with ok=false.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.AdvanceJob(context.WithoutCancel(r.Context()), r.PathValue("name"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	handle, err := s.orch.RetryFailed(context.WithoutCancel(r.Context()), r.PathValue("name"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, handle)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.Describe(r.Context(), r.PathValue("name"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q, err := s.parseEventsQuery(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	events, err := s.orch.Events(r.Context(), name, pipeline.EventQuery{Day: q.Day, Limit: q.Limit})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if events == nil {
		events = []types.RuntimeEvent{}
	}
	s.jsonResponse(w, http.StatusOK, EventsResponse{Job: name, Events: events})
}

func (s *Server) parseEventsQuery(r *http.Request) (*EventsQuery, error) {
	q := &EventsQuery{Day: r.URL.Query().Get("day")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &ErrValidation{Field: "limit", Message: "must be an integer"}
		}
		q.Limit = limit
	}

	if err := s.validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return nil, &ErrValidation{Field: strings.ToLower(f.Field()), Message: "failed " + f.Tag() + " check"}
		}
		return nil, &ErrValidation{Field: "query", Message: err.Error()}
	}
	return q, nil
}
