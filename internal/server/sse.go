package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/jonathan/agent-runner/internal/observability"
	"github.com/jonathan/agent-runner/internal/types"
)

// subscriberBuffer is how many events a slow stream client may lag before events are
// dropped for it.
const subscriberBuffer = 64

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Hub fans runtime events out to stream subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan types.RuntimeEvent]string
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan types.RuntimeEvent]string)}
}

// Publish delivers ev to every subscriber of its job. It never blocks.
func (h *Hub) Publish(ev types.RuntimeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, job := range h.subs {
		if job != "" && job != ev.JobName {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events for job ("" for all jobs) and a cancel function.
// The channel is closed when the subscription ends.
func (h *Hub) Subscribe(job string) (<-chan types.RuntimeEvent, func()) {
	ch := make(chan types.RuntimeEvent, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = job

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// handleEventStream streams runtime events as they are recorded. ?job= restricts the
// stream to one job.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job != "" {
		if _, ok := s.orch.Job(job); !ok {
			s.errorResponse(w, unknownJob(job))
			return
		}
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	events, cancel := s.hub.Subscribe(job)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.WriteEvent(string(ev.Kind), ev); err != nil {
				s.logger.Debugw("Event stream closed", observability.FieldError, err)
				return
			}
		}
	}
}
