package core

import (
	"context"
	"errors"
	"fmt"
)

// Guard rejects a second import of the same fiscal period for a branch.
// The store's unique index on (branch, period) backs it against races.
type Guard struct {
	jobs JobStore
}

// NewGuard returns a Guard over jobs.
func NewGuard(jobs JobStore) *Guard {
	return &Guard{jobs: jobs}
}

// Check returns a *ConflictError when a non-cancelled job already covers
// branch and period. An empty period never conflicts.
func (g *Guard) Check(ctx context.Context, branch, period, filerID string) error {
	if period == "" {
		return nil
	}
	existing, err := g.jobs.FindJobForPeriod(ctx, branch, period)
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	return &ConflictError{
		Branch:         branch,
		Period:         period,
		FilerID:        filerID,
		ExistingJobID:  existing.ID,
		ExistingStatus: existing.Status,
	}
}
