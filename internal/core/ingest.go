package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// ingestResult is one chunk ready to commit.
type ingestResult struct {
	commit ChunkCommit
	eof    bool
}

// chunkResult is what parsing a chunk up to its last safe boundary produced.
// A safe boundary is a line end with no document open; nothing after it is
// kept, so the next chunk re-reads the open document from its first line.
type chunkResult struct {
	records      []RawRecord
	delta        Counts
	safeEnd      int64
	state        sped.State
	documentOpen bool
	eof          bool
	limited      bool
}

// pendingLines buffers lines read since the last safe boundary.
type pendingLines struct {
	records []RawRecord
	counts  Counts
}

func (p *pendingLines) apply(st sped.Step) {
	if st.Discarded {
		p.counts.Discarded++
	}
	if st.CreditDropped {
		p.counts.DroppedCredits++
	}
	if st.Orphan {
		p.counts.Orphaned++
	}
	if st.ZeroValue {
		p.counts.ZeroValue++
	}
	if st.Malformed {
		p.counts.Malformed++
	}
	if st.Trailer {
		p.counts.EOFMarker = true
	}
	for _, ev := range st.Events {
		p.counts.Raw[string(ev.Family)]++
		if ev.Period == "" && ev.Kind != sped.KindParticipant {
			p.counts.Undated++
		}
	}
}

func (r *chunkResult) absorb(p *pendingLines, end int64, st sped.State) {
	for _, rec := range p.records {
		rec.Seq = len(r.records)
		r.records = append(r.records, rec)
	}
	r.delta.Merge(p.counts)
	r.safeEnd = end
	r.state = st
	p.records = p.records[:0]
	p.counts = NewCounts()
}

// ingest reads and parses the job's next chunk. The window doubles until it
// contains a safe boundary, so a document longer than the chunk size still
// makes progress.
func (s *Service) ingest(job *Job) (*ingestResult, error) {
	var cp cursor.Checkpoint
	if job.Checkpoint != nil {
		cp = *job.Checkpoint
	}

	r, err := cursor.Open(job.FilePath, s.opts.Encoding)
	if err != nil {
		return nil, fatal(fmt.Errorf("%w: %v", ErrFileUnreadable, err))
	}
	defer r.Close()
	if job.FileSize > 0 && r.Size() != job.FileSize {
		return nil, fatal(fmt.Errorf("%w: file size changed from %d to %d bytes", ErrFileUnreadable, job.FileSize, r.Size()))
	}

	var commit ChunkCommit
	if job.TotalLines == 0 && cp.Offset == 0 {
		scan, err := cursor.Scan(job.FilePath)
		if err != nil {
			return nil, fatal(fmt.Errorf("%w: %v", ErrFileUnreadable, err))
		}
		commit.TotalLines = scan.Lines
		commit.Fingerprint = scan.Fingerprint
	}

	size := s.opts.ChunkSize
	var res chunkResult
	for {
		chunk, err := r.ReadChunk(cp.Offset, size)
		if err != nil {
			return nil, fmt.Errorf("read chunk at offset %d: %w", cp.Offset, err)
		}
		res = s.parseChunk(job, cp, chunk)
		if res.safeEnd > cp.Offset || res.eof {
			break
		}
		size *= 2
		slog.Debug("chunk has no safe boundary, widening",
			"job_id", job.ID,
			"offset", cp.Offset,
			"size", size,
		)
	}

	next := cp.Advance(res.safeEnd, res.state, res.documentOpen)
	counts := job.Counts.Clone()
	counts.Merge(res.delta)
	for i := range res.records {
		res.records[i].JobID = job.ID
		res.records[i].Chunk = next.Chunk
	}

	commit.StartOffset = cp.Offset
	commit.Records = res.records
	commit.Checkpoint = next
	commit.BytesProcessed = res.safeEnd
	commit.Progress = percent(res.safeEnd, r.Size())
	commit.Counts = counts
	commit.Period = res.state.Period
	commit.FilerID = res.state.FilerID
	commit.FilerName = res.state.FilerName
	if job.Branch == "" {
		commit.Branch = res.state.FilerID
	}
	if res.limited {
		slog.Info("import record limit reached",
			"job_id", job.ID,
			"limit", job.RecordLimit,
			"offset", res.safeEnd,
		)
	}
	return &ingestResult{commit: commit, eof: res.eof}, nil
}

// parseChunk tokenizes and parses chunk from checkpoint cp.
func (s *Service) parseChunk(job *Job, cp cursor.Checkpoint, chunk *cursor.Chunk) chunkResult {
	res := chunkResult{safeEnd: cp.Offset, state: cp.State(), delta: NewCounts()}
	captured := job.Counts.Records
	if job.RecordLimit > 0 && captured >= job.RecordLimit {
		res.eof, res.limited = true, true
		return res
	}

	tok := sped.NewTokenizer(s.layout, job.Scope)
	parser := sped.NewParser(s.layout, cp.State())
	pend := pendingLines{counts: NewCounts()}

	for _, line := range chunk.Lines {
		rec, verdict := tok.Tokenize(line.Text)
		switch verdict {
		case sped.Skipped:
			pend.counts.Skipped++
		case sped.Filtered:
			pend.counts.Seen[rec.Tag]++
			pend.counts.Filtered++
		case sped.Accepted:
			pend.counts.Seen[rec.Tag]++
			pend.counts.Records++
			pend.records = append(pend.records, RawRecord{Offset: line.Offset, Tag: rec.Tag, Fields: rec.Fields})
			pend.apply(parser.Feed(rec, sped.Span{Offset: line.Offset, End: line.End}))
		}
		if parser.DocumentOpen() {
			continue
		}
		res.absorb(&pend, line.End, parser.State())
		if job.RecordLimit > 0 && captured+res.delta.Records >= job.RecordLimit {
			res.eof, res.limited = true, true
			return res
		}
	}

	if chunk.EOF {
		if parser.DocumentOpen() {
			pend.apply(parser.Finish())
			res.absorb(&pend, chunk.End, parser.State())
		}
		res.eof = true
		return res
	}
	res.documentOpen = parser.DocumentOpen()
	return res
}

// Claim moves the oldest pending job to processing. It returns
// ErrJobNotFound when nothing is pending.
func (s *Service) Claim(ctx context.Context) (*Job, error) {
	job, err := s.store.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("import job claimed",
		"job_id", job.ID,
		"branch", job.Branch,
		"period", job.Period,
	)
	s.publish(ctx, NewEvent(EventProgress, job))
	return job, nil
}

// Step processes one chunk of a processing job, honouring pause and cancel
// requests and shutdown first. done reports that the run loop should stop:
// the job left processing or another worker owns it. Ingestion failures
// become job state; the returned error only reports that the store could
// not record it.
func (s *Service) Step(ctx context.Context, id string) (job *Job, done bool, err error) {
	// Persistence must outlive a shutdown signal so the boundary is recorded.
	storeCtx := context.WithoutCancel(ctx)

	job, err = s.store.GetJob(storeCtx, id)
	if err != nil {
		return nil, true, err
	}
	if job.Status != StatusProcessing {
		return job, true, nil
	}

	switch {
	case job.Control == ControlCancel:
		job, err = s.stop(storeCtx, job, StatusCancelled, "")
		return job, true, err
	case job.Control == ControlPause:
		job, err = s.stop(storeCtx, job, StatusPaused, "")
		return job, true, err
	case ctx.Err() != nil:
		job, err = s.stop(storeCtx, job, StatusPaused, "paused by service shutdown")
		return job, true, err
	}

	start := time.Now()
	res, err := s.ingest(job)
	if err == nil && job.Period == "" && res.commit.Period != "" {
		err = s.checkLatePeriod(storeCtx, job, res.commit)
	}
	var committed *Job
	if err == nil {
		committed, err = s.store.CommitChunk(storeCtx, id, res.commit)
		if errors.Is(err, ErrDuplicateJob) {
			// Another job took the period since the check above.
			if cerr := s.checkLatePeriod(storeCtx, job, res.commit); cerr != nil {
				err = cerr
			}
		}
	}
	if err != nil {
		if isLeaseLost(err) {
			slog.Warn("import job lease lost", "job_id", id)
			return job, true, nil
		}
		job, err = s.fail(storeCtx, id, StatusProcessing, err)
		return job, true, err
	}
	job = committed

	slog.Debug("chunk committed",
		"job_id", id,
		"chunk", res.commit.Checkpoint.Chunk,
		"offset", res.commit.Checkpoint.Offset,
		"records", len(res.commit.Records),
		"progress", job.Progress,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.publish(storeCtx, NewEvent(EventProgress, job))

	if !res.eof {
		return job, false, nil
	}
	if res.commit.Checkpoint.Period == "" {
		job, err = s.fail(storeCtx, id, StatusProcessing, fatal(ErrNoFiscalPeriod))
		return job, true, err
	}

	// A request may have arrived while the last chunk was in flight.
	switch job.Control {
	case ControlCancel:
		job, err = s.stop(storeCtx, job, StatusCancelled, "")
		return job, true, err
	case ControlPause:
		job, err = s.stop(storeCtx, job, StatusPaused, "")
		return job, true, err
	}

	job, err = s.finalize(storeCtx, job)
	return job, true, err
}

// checkLatePeriod runs the Duplicate Guard for a period the header probe
// missed. A conflict is fatal: the file belongs to a period already taken.
func (s *Service) checkLatePeriod(ctx context.Context, job *Job, c ChunkCommit) error {
	branch := job.Branch
	if branch == "" {
		branch = c.Branch
	}
	err := s.guard.Check(ctx, branch, c.Period, c.FilerID)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		if conflict.ExistingJobID == job.ID {
			return nil
		}
		slog.Warn("import job period already taken",
			"job_id", job.ID,
			"branch", branch,
			"period", c.Period,
			"existing_job_id", conflict.ExistingJobID,
		)
		return fatal(conflict)
	}
	return err
}

// stop leaves processing for paused or cancelled at a chunk boundary.
func (s *Service) stop(ctx context.Context, job *Job, to Status, warning string) (*Job, error) {
	stopped, err := s.transition(ctx, job.ID, []Status{StatusProcessing}, to, func(j *Job) {
		j.Control = ControlNone
		if warning != "" {
			j.Warning = warning
		}
	})
	if isInvalidTransition(err) {
		return stopped, nil
	}
	if err != nil {
		return nil, err
	}

	slog.Info("import job stopped",
		"job_id", job.ID,
		"status", to,
		"chunk", stopped.LastChunk,
		"progress", stopped.Progress,
	)
	ev := EventPaused
	if to == StatusCancelled {
		ev = EventCancelled
	}
	s.publish(ctx, NewEvent(ev, stopped))
	return stopped, nil
}

// fail records cause on the job. Fatal causes clear the checkpoint so the
// job cannot be resumed.
func (s *Service) fail(ctx context.Context, id string, from Status, cause error) (*Job, error) {
	fatalCause := isFatal(cause)
	var conflict *ConflictError
	errors.As(cause, &conflict)
	job, err := s.transition(ctx, id, []Status{from}, StatusFailed, func(j *Job) {
		j.ErrorMessage = cause.Error()
		j.Control = ControlNone
		if fatalCause {
			j.Checkpoint = nil
		}
		if conflict != nil {
			c := *conflict
			j.Conflict = &c
		}
	})
	if isInvalidTransition(err) {
		return job, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record failure %q: %w", cause, err)
	}

	slog.Error("import job failed",
		"job_id", id,
		"from", from,
		"error", cause,
		"resumable", job.Resumable(),
	)
	s.publish(ctx, NewEvent(EventFailed, job))
	return job, nil
}

// finalize consolidates a fully ingested job and refreshes views.
func (s *Service) finalize(ctx context.Context, job *Job) (*Job, error) {
	start := time.Now()

	job, err := s.transition(ctx, job.ID, []Status{StatusProcessing}, StatusGenerating, nil)
	if isInvalidTransition(err) {
		return job, nil
	}
	if err != nil {
		return nil, err
	}
	s.publish(ctx, NewEvent(EventProgress, job))

	report, err := s.consolidator.Consolidate(ctx, job)
	if err != nil {
		return s.fail(ctx, job.ID, StatusGenerating, err)
	}

	job, err = s.transition(ctx, job.ID, []Status{StatusGenerating}, StatusRefreshingViews, func(j *Job) {
		j.Counts.Consolidated = report
	})
	if err != nil {
		return job, err
	}
	s.publish(ctx, NewEvent(EventProgress, job))

	refreshErr := s.refresh(ctx, job)
	completedAt := s.opts.Now()
	job, err = s.transition(ctx, job.ID, []Status{StatusRefreshingViews}, StatusCompleted, func(j *Job) {
		j.Progress = 100
		j.CompletedAt = &completedAt
		j.RefreshPending = refreshErr != nil
		if refreshErr != nil {
			j.Warning = "view refresh pending: " + refreshErr.Error()
		}
	})
	if err != nil {
		return job, err
	}

	slog.Info("import job completed",
		"job_id", job.ID,
		"branch", job.Branch,
		"period", job.Period,
		"records", job.Counts.Records,
		"refresh_pending", job.RefreshPending,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.publish(ctx, NewEvent(EventCompleted, job))
	return job, nil
}

// refresh runs the configured refresher bounded by the refresh timeout.
// A refresher that ignores its context is abandoned at the deadline.
func (s *Service) refresh(ctx context.Context, job *Job) error {
	if s.opts.Refresher == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- s.opts.Refresher.Refresh(rctx, job) }()

	var err error
	select {
	case err = <-done:
	case <-rctx.Done():
		err = fmt.Errorf("view refresh timed out after %s", s.opts.RefreshTimeout)
	}
	if err != nil {
		slog.Warn("view refresh failed",
			"job_id", job.ID,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return err
}
