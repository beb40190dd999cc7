package core

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no job matches the given id.
	ErrJobNotFound = errors.New("import job not found")

	// ErrTooManyJobs is returned when every worker slot stays busy for the
	// configured wait time.
	ErrTooManyJobs = errors.New("too many imports running, please try again later")

	// ErrInvalidTransition is returned when a job is not in a state that
	// allows the requested change.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrNotResumable is returned when resuming a job that failed fatally.
	ErrNotResumable = errors.New("import job failed fatally and cannot be resumed")

	// ErrLeaseLost is returned by the store when a chunk is committed for a
	// job that is no longer processing.
	ErrLeaseLost = errors.New("import job lease lost")

	// ErrDuplicateJob is returned by the store when the (branch, period)
	// uniqueness constraint rejects a new job.
	ErrDuplicateJob = errors.New("import job already exists for branch and period")

	// ErrFileUnreadable is returned when the source file cannot be opened.
	ErrFileUnreadable = errors.New("file unreadable")

	// ErrNoFiscalPeriod is the fatal failure of a file without a usable header.
	ErrNoFiscalPeriod = errors.New("no fiscal period: file has no valid header record")

	// ErrInvalidRequest is returned for malformed import requests.
	ErrInvalidRequest = errors.New("invalid import request")
)

// ConflictError is the Duplicate Guard verdict: a job already covers the
// requested branch and fiscal period.
type ConflictError struct {
	Branch         string `json:"branch"`
	Period         string `json:"period"`
	FilerID        string `json:"filer_id,omitempty"`
	ExistingJobID  string `json:"existing_job_id"`
	ExistingStatus Status `json:"existing_status"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("period %s for branch %s already imported by job %s (%s)",
		e.Period, e.Branch, e.ExistingJobID, e.ExistingStatus)
}

// Unwrap lets callers match conflicts with errors.Is(err, ErrDuplicateJob).
func (e *ConflictError) Unwrap() error { return ErrDuplicateJob }

// Replaceable reports whether the existing job may be purged and replaced.
// Jobs still running or paused cannot be.
func (e *ConflictError) Replaceable() bool {
	return e.ExistingStatus == StatusCompleted || e.ExistingStatus == StatusFailed
}

// fatalError marks failures that must not be resumed.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

func isInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

func isLeaseLost(err error) bool { return errors.Is(err, ErrLeaseLost) }
