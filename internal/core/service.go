package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// Options configures a Service. Zero values take the defaults below.
type Options struct {
	// BaseDir confines import paths. Empty allows any path.
	BaseDir         string
	ChunkSize       int
	MaxConcurrent   int
	MaxWait         time.Duration
	PollInterval    time.Duration
	StaleAfter      time.Duration
	RefreshTimeout  time.Duration
	HeaderScanLines int
	Encoding        cursor.Encoding
	Layout          *sped.Layout

	// QueueOnly is set when this process runs no workers. Resume then
	// returns jobs to pending for another process's dispatcher.
	QueueOnly bool

	Refresher  Refresher
	Publishers []Publisher
	Remote     ProgressSource

	// Now is the clock; tests replace it.
	Now func() time.Time
}

const (
	DefaultChunkSize       = 8 << 20
	DefaultPollInterval    = 2 * time.Second
	DefaultStaleAfter      = 2 * time.Minute
	DefaultRefreshTimeout  = 30 * time.Second
	DefaultHeaderScanLines = 50
)

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = DefaultRefreshTimeout
	}
	if o.HeaderScanLines <= 0 {
		o.HeaderScanLines = DefaultHeaderScanLines
	}
	if o.Layout == nil {
		o.Layout = sped.DefaultLayout()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service is the Job Orchestrator. It creates jobs, runs them chunk by chunk
// on a bounded pool of workers, and drives them through consolidation and
// view refresh.
type Service struct {
	store        Store
	opts         Options
	layout       *sped.Layout
	guard        *Guard
	consolidator *Consolidator
	limiter      *WorkerLimiter
	hub          *progressHub
	publishers   []Publisher
	remote       ProgressSource

	wake chan struct{}

	mu      sync.Mutex
	baseCtx context.Context
	active  map[string]context.CancelFunc
}

// NewService creates a Service over store.
func NewService(store Store, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:        store,
		opts:         opts,
		layout:       opts.Layout,
		guard:        NewGuard(store),
		consolidator: NewConsolidator(store, opts.Layout),
		limiter:      NewWorkerLimiter(opts.MaxConcurrent, opts.MaxWait),
		hub:          newProgressHub(),
		publishers:   opts.Publishers,
		remote:       opts.Remote,
		wake:         make(chan struct{}, 1),
		baseCtx:      context.Background(),
		active:       make(map[string]context.CancelFunc),
	}
}

// Limiter exposes the worker pool for monitoring.
func (s *Service) Limiter() *WorkerLimiter { return s.limiter }

// ImportRequest asks for a file to be imported.
type ImportRequest struct {
	UserID    string
	CompanyID string
	// BranchID is optional; the filer tax id from the header is used when empty.
	BranchID string
	FilePath string
	// FileSize, when set, must match the file on disk.
	FileSize    int64
	Scope       sped.Scope
	RecordLimit int64
	// Replace purges an existing completed or failed job for the same
	// branch and period instead of reporting a conflict.
	Replace bool
}

// StartImport validates req, runs the Duplicate Guard and creates a pending
// job. The job is picked up by the dispatcher or RunPending.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (*Job, error) {
	if strings.TrimSpace(req.CompanyID) == "" {
		return nil, fmt.Errorf("%w: company id is required", ErrInvalidRequest)
	}
	if req.RecordLimit < 0 {
		return nil, fmt.Errorf("%w: record limit must not be negative", ErrInvalidRequest)
	}
	scope, err := sped.ParseScope(string(req.Scope))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	path, err := s.resolvePath(req.FilePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileUnreadable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrFileUnreadable, path)
	}
	if req.FileSize > 0 && req.FileSize != info.Size() {
		return nil, fmt.Errorf("%w: declared size %d does not match %d bytes on disk",
			ErrInvalidRequest, req.FileSize, info.Size())
	}

	header, _, err := cursor.Probe(path, s.opts.Encoding, s.layout, s.opts.HeaderScanLines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileUnreadable, err)
	}
	branch := strings.TrimSpace(req.BranchID)
	if branch == "" {
		branch = header.FilerID
	}

	if err := s.guard.Check(ctx, branch, header.Period, header.FilerID); err != nil {
		if err = s.replace(ctx, err, req.Replace); err != nil {
			return nil, err
		}
	}

	now := s.opts.Now()
	job := &Job{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		CompanyID: req.CompanyID,
		BranchID:  req.BranchID,
		Branch:    branch,
		FilePath:  path,
		FileName:  filepath.Base(path),
		FileSize:  info.Size(),
		Scope:     scope,

		RecordLimit: req.RecordLimit,
		Period:      header.Period,
		FilerID:     header.FilerID,
		FilerName:   header.FilerName,
		Status:      StatusPending,
		Counts:      NewCounts(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			// Lost a race with another request for the same period.
			if gerr := s.guard.Check(ctx, branch, header.Period, header.FilerID); gerr != nil {
				return nil, gerr
			}
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("import job created",
		"job_id", job.ID,
		"company_id", job.CompanyID,
		"branch", job.Branch,
		"period", job.Period,
		"file", job.FileName,
		"size", job.FileSize,
		"scope", job.Scope,
	)
	s.publish(ctx, NewEvent(EventProgress, job))
	s.Wake()
	return job, nil
}

// replace resolves a guard conflict when the caller asked to replace.
func (s *Service) replace(ctx context.Context, guardErr error, replace bool) error {
	var conflict *ConflictError
	if !errors.As(guardErr, &conflict) {
		return guardErr
	}
	if !replace || !conflict.Replaceable() {
		return conflict
	}
	slog.Info("replacing import job",
		"job_id", conflict.ExistingJobID,
		"branch", conflict.Branch,
		"period", conflict.Period,
	)
	if err := s.Purge(ctx, conflict.ExistingJobID); err != nil {
		return fmt.Errorf("replace job %s: %w", conflict.ExistingJobID, err)
	}
	return nil
}

func (s *Service) resolvePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: file path is required", ErrInvalidRequest)
	}
	if s.opts.BaseDir == "" {
		return filepath.Abs(p)
	}

	base, err := filepath.Abs(s.opts.BaseDir)
	if err != nil {
		return "", fmt.Errorf("resolve import directory: %w", err)
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(base, full)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q is outside the import directory", ErrInvalidRequest, p)
	}
	return full, nil
}

// GetStatus returns the current job snapshot.
func (s *Service) GetStatus(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// Pause asks a processing job to stop at its next chunk boundary. Pausing a
// job that is not processing is a no-op.
func (s *Service) Pause(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.SetControl(ctx, id, []Status{StatusProcessing}, ControlPause)
	if errors.Is(err, ErrInvalidTransition) {
		return job, nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("import job pause requested", "job_id", id)
	return job, nil
}

// Resume continues a paused or resumable failed job from its checkpoint on
// a worker slot. Resuming a processing job withdraws a pending pause.
func (s *Service) Resume(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case StatusProcessing:
		if job.Control != ControlPause {
			return job, nil
		}
		job, err = s.store.SetControl(ctx, id, []Status{StatusProcessing}, ControlNone)
		if errors.Is(err, ErrInvalidTransition) {
			return job, nil
		}
		return job, err

	case StatusFailed:
		if !job.Resumable() {
			return job, ErrNotResumable
		}
	case StatusPaused:
	default:
		return job, nil
	}

	if s.opts.QueueOnly {
		return s.requeue(ctx, id)
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		return job, err
	}
	job, err = s.transition(ctx, id, []Status{StatusPaused, StatusFailed}, StatusProcessing, func(j *Job) {
		j.Control = ControlNone
		j.ErrorMessage = ""
	})
	if err != nil {
		s.limiter.Release()
		if errors.Is(err, ErrInvalidTransition) {
			return job, nil
		}
		return nil, err
	}
	s.publish(ctx, NewEvent(EventProgress, job))
	s.launch(job)
	return job, nil
}

// requeue hands a paused or failed job back to the dispatchers; its
// checkpoint is kept for whichever worker claims it.
func (s *Service) requeue(ctx context.Context, id string) (*Job, error) {
	job, err := s.transition(ctx, id, []Status{StatusPaused, StatusFailed}, StatusPending, func(j *Job) {
		j.Control = ControlNone
		j.ErrorMessage = ""
	})
	if errors.Is(err, ErrInvalidTransition) {
		return job, nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("import job requeued", "job_id", id)
	s.publish(ctx, NewEvent(EventProgress, job))
	s.Wake()
	return job, nil
}

// Cancel stops a job for good. Processing jobs stop at their next chunk
// boundary; pending, paused and failed jobs are cancelled immediately.
// Captured raw records are kept. Cancelling a finished job is a no-op; a job
// already consolidating cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		switch job.Status {
		case StatusCompleted, StatusCancelled:
			return job, nil

		case StatusGenerating, StatusRefreshingViews:
			return job, fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)

		case StatusProcessing:
			job, err = s.store.SetControl(ctx, id, []Status{StatusProcessing}, ControlCancel)
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			if err == nil {
				slog.Info("import job cancel requested", "job_id", id)
			}
			return job, err

		default:
			job, err = s.transition(ctx, id, []Status{StatusPending, StatusPaused, StatusFailed}, StatusCancelled, func(j *Job) {
				j.Control = ControlNone
			})
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return nil, err
			}
			s.publish(ctx, NewEvent(EventCancelled, job))
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s kept changing state", ErrInvalidTransition, id)
}

// Purge deletes a job, its raw records and the consolidated rows it owns.
// Running jobs must be paused or cancelled first.
func (s *Service) Purge(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusProcessing, StatusGenerating, StatusRefreshingViews:
		return fmt.Errorf("%w: cannot purge a %s job", ErrInvalidTransition, job.Status)
	}
	if err := s.store.PurgeJob(ctx, id); err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	slog.Info("import job purged", "job_id", id, "status", job.Status)
	return nil
}

// transition validates from → to against the lifecycle and applies it.
func (s *Service) transition(ctx context.Context, id string, from []Status, to Status, mutate func(*Job)) (*Job, error) {
	if err := checkTransitions(from, to); err != nil {
		return nil, err
	}
	now := s.opts.Now()
	job, err := s.store.Transition(ctx, id, from, to, func(j *Job) {
		if mutate != nil {
			mutate(j)
		}
		j.UpdatedAt = now
	})
	if err != nil {
		return job, err
	}
	slog.Debug("import job transition", "job_id", id, "to", to)
	return job, nil
}
