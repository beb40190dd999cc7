package core

// scheduler.go runs the background loops of the orchestrator.
//
// The dispatcher claims pending jobs whenever a worker slot is free, polling
// on a ticker and waking early when a job is created. The stale monitor
// flags processing jobs whose worker stopped updating them; recovery is an
// explicit operator action (RecoverStale).

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Wake nudges the dispatcher to look for pending jobs now.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// StartDispatcher claims and runs pending jobs until ctx is cancelled.
// Cancelling ctx also asks running jobs to pause at their next boundary.
func (s *Service) StartDispatcher(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	slog.Info("import dispatcher started",
		"max_concurrent", s.limiter.MaxConcurrent(),
		"poll_interval", s.opts.PollInterval,
		"chunk_size", s.opts.ChunkSize,
	)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			slog.Info("import dispatcher stopped")
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatch fills free worker slots with pending jobs.
func (s *Service) dispatch(ctx context.Context) {
	for ctx.Err() == nil && s.limiter.TryAcquire() {
		job, err := s.Claim(ctx)
		if err != nil {
			s.limiter.Release()
			if !errors.Is(err, ErrJobNotFound) {
				slog.Error("claim pending job failed", "error", err)
			}
			return
		}
		s.launch(job)
	}
}

// launch runs job on a goroutine holding an already acquired worker slot.
func (s *Service) launch(job *Job) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	// After the dispatcher stopped, explicit resumes still run.
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	go func() {
		defer s.limiter.Release()
		s.run(ctx, job.ID)
	}()
}

// run steps a job until it leaves processing.
func (s *Service) run(ctx context.Context, id string) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[id] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("import worker panic", "job_id", id, "panic", r)
			cause := fmt.Errorf("internal error: %v", r)
			if _, err := s.fail(context.WithoutCancel(ctx), id, StatusProcessing, cause); err != nil {
				slog.Error("record worker panic failed", "job_id", id, "error", err)
			}
		}
	}()

	for {
		_, done, err := s.Step(ctx, id)
		if err != nil {
			slog.Error("import step failed", "job_id", id, "error", err)
			return
		}
		if done {
			return
		}
	}
}

func (s *Service) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// RunPending claims and runs pending jobs on the calling goroutine until
// none is left. It returns how many jobs it ran.
func (s *Service) RunPending(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		job, err := s.Claim(ctx)
		if errors.Is(err, ErrJobNotFound) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		s.run(ctx, job.ID)
	}
}

// Shutdown asks every running job to pause at its next chunk boundary and
// waits for the workers to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	n := len(s.active)
	s.mu.Unlock()

	slog.Info("pausing running imports", "count", n)
	return s.limiter.WaitForDrain(ctx)
}

// WaitIdle blocks until no worker is running or ctx is done.
func (s *Service) WaitIdle(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

var unfinished = []Status{StatusProcessing, StatusGenerating, StatusRefreshingViews}

// StaleJobs lists unfinished jobs not updated within the stale threshold.
func (s *Service) StaleJobs(ctx context.Context) ([]*Job, error) {
	return s.store.ListJobs(ctx, unfinished, s.opts.Now().Add(-s.opts.StaleAfter))
}

// StartStaleMonitor logs stale jobs periodically until ctx is cancelled.
// It never changes job state.
func (s *Service) StartStaleMonitor(ctx context.Context) {
	interval := s.opts.StaleAfter / 2
	slog.Info("stale job monitor started", "stale_after", s.opts.StaleAfter)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job monitor stopped")
			return
		case <-ticker.C:
			s.checkStale(ctx)
		}
	}
}

func (s *Service) checkStale(ctx context.Context) {
	start := time.Now()
	jobs, err := s.StaleJobs(ctx)
	if err != nil {
		slog.Error("stale job check failed", "error", err)
		return
	}
	for _, job := range jobs {
		slog.Warn("import job stale",
			"job_id", job.ID,
			"status", job.Status,
			"updated_at", job.UpdatedAt,
			"local", s.isActive(job.ID),
		)
	}
	slog.Debug("stale job check finished",
		"stale", len(jobs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// RecoverStale releases stale jobs that no local worker owns. Interrupted
// ingestion or consolidation becomes a resumable failure; an interrupted
// view refresh completes with the refresh marked pending.
func (s *Service) RecoverStale(ctx context.Context) ([]*Job, error) {
	jobs, err := s.StaleJobs(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []*Job
	for _, job := range jobs {
		if s.isActive(job.ID) {
			continue
		}

		var out *Job
		switch job.Status {
		case StatusProcessing, StatusGenerating:
			out, err = s.fail(ctx, job.ID, job.Status, errors.New("worker stopped responding; resume to continue"))
		case StatusRefreshingViews:
			out, err = s.completeInterrupted(ctx, job)
		default:
			continue
		}
		if err != nil {
			return recovered, err
		}
		if out != nil && out.Status != job.Status {
			slog.Info("stale import job recovered", "job_id", job.ID, "from", job.Status, "to", out.Status)
			recovered = append(recovered, out)
		}
	}
	return recovered, nil
}

func (s *Service) completeInterrupted(ctx context.Context, job *Job) (*Job, error) {
	completedAt := s.opts.Now()
	out, err := s.transition(ctx, job.ID, []Status{StatusRefreshingViews}, StatusCompleted, func(j *Job) {
		j.Progress = 100
		j.CompletedAt = &completedAt
		j.RefreshPending = true
		j.Warning = "view refresh interrupted"
	})
	if isInvalidTransition(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	s.publish(ctx, NewEvent(EventCompleted, out))
	return out, nil
}
