package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a progress event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventPaused    EventType = "paused"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one progress notification for a job.
type Event struct {
	Type           EventType `json:"type"`
	JobID          string    `json:"job_id"`
	Status         Status    `json:"status"`
	Branch         string    `json:"branch,omitempty"`
	Period         string    `json:"period,omitempty"`
	Progress       int       `json:"progress"`
	BytesProcessed int64     `json:"bytes_processed"`
	Chunk          int       `json:"chunk"`
	Counts         Counts    `json:"counts"`
	Error          string    `json:"error,omitempty"`
	Warning        string    `json:"warning,omitempty"`
	Resumable      bool      `json:"resumable,omitempty"`
	RefreshPending bool      `json:"refresh_pending,omitempty"`
	At             time.Time `json:"at"`
}

// Terminal reports whether no further events follow for this run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// NewEvent snapshots job into an event of type t.
func NewEvent(t EventType, job *Job) Event {
	return Event{
		Type:           t,
		JobID:          job.ID,
		Status:         job.Status,
		Branch:         job.Branch,
		Period:         job.Period,
		Progress:       job.Progress,
		BytesProcessed: job.BytesProcessed,
		Chunk:          job.LastChunk,
		Counts:         job.Counts.Clone(),
		Error:          job.ErrorMessage,
		Warning:        job.Warning,
		Resumable:      job.Resumable(),
		RefreshPending: job.RefreshPending,
		At:             job.UpdatedAt,
	}
}

// snapshotEvent is the event a new subscriber receives first.
func snapshotEvent(job *Job) Event {
	switch job.Status {
	case StatusCompleted:
		return NewEvent(EventCompleted, job)
	case StatusFailed:
		return NewEvent(EventFailed, job)
	case StatusCancelled:
		return NewEvent(EventCancelled, job)
	case StatusPaused:
		return NewEvent(EventPaused, job)
	}
	return NewEvent(EventProgress, job)
}

// progressHub fans events out to in-process subscribers. Slow listeners
// miss updates rather than stalling the worker; SubscribeProgress replaces
// a missed terminal event with a snapshot.
type progressHub struct {
	mu        sync.Mutex
	listeners map[string][]chan Event
}

func newProgressHub() *progressHub {
	return &progressHub{listeners: make(map[string][]chan Event)}
}

func (h *progressHub) subscribe(jobID string) (chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.listeners[jobID] = append(h.listeners[jobID], ch)
	h.mu.Unlock()

	return ch, func() { h.unsubscribe(jobID, ch) }
}

func (h *progressHub) unsubscribe(jobID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.listeners[jobID]
	for i, l := range list {
		if l == ch {
			h.listeners[jobID] = append(list[:i], list[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.listeners[jobID]) == 0 {
		delete(h.listeners, jobID)
	}
}

// broadcast delivers ev to the job's listeners. Terminal events close them.
func (h *progressHub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.listeners[ev.JobID] {
		select {
		case ch <- ev:
		default:
			// Listener is slow, skip this update
		}
		if ev.Terminal() {
			close(ch)
		}
	}
	if ev.Terminal() {
		delete(h.listeners, ev.JobID)
	}
}

func (h *progressHub) count(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[jobID])
}

// publish sends ev to the hub and every external publisher. Publisher
// failures are logged and never affect the job.
func (s *Service) publish(ctx context.Context, ev Event) {
	s.hub.broadcast(ev)
	for _, p := range s.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			slog.Warn("progress publish failed",
				"job_id", ev.JobID,
				"event", ev.Type,
				"error", err,
			)
		}
	}
}

// SubscribeProgress streams events for a job. The first event is a snapshot
// of the job's current state; the channel closes after a terminal event or
// when ctx is done. If the job is already finished, only the snapshot is
// sent. A configured remote source is merged in so jobs running in another
// process can be followed.
func (s *Service) SubscribeProgress(ctx context.Context, jobID string) (<-chan Event, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	first := snapshotEvent(job)
	if first.Terminal() {
		out <- first
		close(out)
		return out, nil
	}

	local, unsubscribe := s.hub.subscribe(jobID)
	var remote <-chan Event
	if s.remote != nil {
		remote, err = s.remote.Subscribe(ctx, jobID)
		if err != nil {
			slog.Warn("remote progress subscribe failed", "job_id", jobID, "error", err)
			remote = nil
		}
	}

	out <- first
	go func() {
		defer close(out)
		defer unsubscribe()

		lastChunk := first.Chunk
		for {
			var ev Event
			var ok bool
			select {
			case <-ctx.Done():
				return
			case ev, ok = <-local:
				if !ok {
					// The hub closed us, possibly after dropping the
					// terminal event; report the final state instead.
					s.sendFinal(ctx, out, jobID)
					return
				}
			case ev, ok = <-remote:
				if !ok {
					remote = nil
					continue
				}
			}
			// The same event can arrive locally and remotely.
			if ev.Type == EventProgress && ev.Chunk < lastChunk {
				continue
			}
			lastChunk = ev.Chunk
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// sendFinal emits the job's terminal snapshot, if it has reached one.
func (s *Service) sendFinal(ctx context.Context, out chan<- Event, jobID string) {
	job, err := s.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		slog.Warn("final progress snapshot failed", "job_id", jobID, "error", err)
		return
	}
	ev := snapshotEvent(job)
	if !ev.Terminal() {
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
