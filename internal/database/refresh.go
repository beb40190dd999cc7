package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
)

// ViewRefresher refreshes materialized reporting views after a job
// consolidates.
type ViewRefresher struct {
	pool  *pgxpool.Pool
	views []pgx.Identifier
}

var _ core.Refresher = (*ViewRefresher)(nil)

// NewViewRefresher returns a refresher for views, each "name" or
// "schema.name".
func NewViewRefresher(pool *pgxpool.Pool, views []string) *ViewRefresher {
	ids := make([]pgx.Identifier, 0, len(views))
	for _, v := range views {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		ids = append(ids, pgx.Identifier(strings.Split(v, ".")))
	}
	return &ViewRefresher{pool: pool, views: ids}
}

// Refresh refreshes every view in order and stops at the first failure.
func (r *ViewRefresher) Refresh(ctx context.Context, job *core.Job) error {
	for _, view := range r.views {
		start := time.Now()
		if _, err := r.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW "+view.Sanitize()); err != nil {
			return fmt.Errorf("refresh %s: %w", view.Sanitize(), err)
		}
		slog.Debug("materialized view refreshed",
			"job_id", job.ID,
			"view", view.Sanitize(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return nil
}
