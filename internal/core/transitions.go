package core

import "fmt"

// transitions is the job lifecycle. Recovery edges out of generating and
// refreshing_views exist for jobs whose worker died mid-finalisation. Paused
// and failed jobs go back to pending when resumed in a process without
// workers.
var transitions = map[Status][]Status{
	StatusPending:         {StatusProcessing, StatusCancelled},
	StatusProcessing:      {StatusPaused, StatusGenerating, StatusFailed, StatusCancelled},
	StatusPaused:          {StatusProcessing, StatusPending, StatusCancelled},
	StatusFailed:          {StatusProcessing, StatusPending, StatusCancelled},
	StatusGenerating:      {StatusRefreshingViews, StatusFailed},
	StatusRefreshingViews: {StatusCompleted},
}

// CanTransition reports whether the lifecycle allows from → to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransitions(from []Status, to Status) error {
	for _, f := range from {
		if !CanTransition(f, to) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, f, to)
		}
	}
	return nil
}
