package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

const jobColumns = `id, user_id, company_id, branch_id, branch, file_path, file_name,
	file_size, total_lines, fingerprint, scope, record_limit, period, filer_id, filer_name,
	status, control, progress, bytes_processed, last_chunk, checkpoint, counts,
	error_message, conflict, warning, refresh_pending, created_at, started_at, completed_at, updated_at`

// scanJob reads one row selected with jobColumns.
func scanJob(row pgx.Row) (*core.Job, error) {
	var (
		job         core.Job
		id          pgtype.UUID
		scope       string
		status      string
		control     string
		checkpoint  []byte
		counts      []byte
		conflict    []byte
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &job.UserID, &job.CompanyID, &job.BranchID, &job.Branch, &job.FilePath, &job.FileName,
		&job.FileSize, &job.TotalLines, &job.Fingerprint, &scope, &job.RecordLimit, &job.Period,
		&job.FilerID, &job.FilerName,
		&status, &control, &job.Progress, &job.BytesProcessed, &job.LastChunk, &checkpoint, &counts,
		&job.ErrorMessage, &conflict, &job.Warning, &job.RefreshPending,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ID = PgUUIDToString(id)
	job.Scope = sped.Scope(scope)
	job.Status = core.Status(status)
	job.Control = core.Control(control)
	job.StartedAt = PgTimestamptzToTime(startedAt)
	job.CompletedAt = PgTimestamptzToTime(completedAt)

	if len(checkpoint) > 0 {
		var cp cursor.Checkpoint
		if err := json.Unmarshal(checkpoint, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint of job %s: %w", job.ID, err)
		}
		job.Checkpoint = &cp
	}
	job.Counts = core.NewCounts()
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &job.Counts); err != nil {
			return nil, fmt.Errorf("decode counts of job %s: %w", job.ID, err)
		}
	}
	if len(conflict) > 0 {
		var c core.ConflictError
		if err := json.Unmarshal(conflict, &c); err != nil {
			return nil, fmt.Errorf("decode conflict of job %s: %w", job.ID, err)
		}
		job.Conflict = &c
	}
	return &job, nil
}

// encodeState returns the JSONB columns of job.
func encodeState(job *core.Job) (checkpoint, counts []byte, err error) {
	if job.Checkpoint != nil {
		if checkpoint, err = json.Marshal(job.Checkpoint); err != nil {
			return nil, nil, fmt.Errorf("encode checkpoint: %w", err)
		}
	}
	if counts, err = json.Marshal(job.Counts); err != nil {
		return nil, nil, fmt.Errorf("encode counts: %w", err)
	}
	return checkpoint, counts, nil
}

func statusStrings(statuses []core.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func jobNotFound(id string) error {
	return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, job *core.Job) error {
	checkpoint, counts, err := encodeState(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_jobs (
			id, user_id, company_id, branch_id, branch, file_path, file_name,
			file_size, total_lines, fingerprint, scope, record_limit, period, filer_id, filer_name,
			status, control, progress, checkpoint, counts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		ToPgUUID(job.ID), job.UserID, job.CompanyID, job.BranchID, job.Branch, job.FilePath, job.FileName,
		job.FileSize, job.TotalLines, job.Fingerprint, string(job.Scope), job.RecordLimit, job.Period,
		job.FilerID, job.FilerName,
		string(job.Status), string(job.Control), job.Progress, checkpoint, counts, job.CreatedAt, job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("branch %s period %s: %w", job.Branch, job.Period, core.ErrDuplicateJob)
	}
	if err != nil {
		return fmt.Errorf("insert import job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	pgID := ToPgUUID(id)
	if !pgID.Valid {
		return nil, jobNotFound(id)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	return job, nil
}

// FindJobForPeriod returns the newest live job for branch and period.
func (s *Store) FindJobForPeriod(ctx context.Context, branch, period string) (*core.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM import_jobs
		WHERE branch = $1 AND period = $2 AND status <> 'cancelled'
		ORDER BY created_at DESC
		LIMIT 1`, branch, period))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find import job for period: %w", err)
	}
	return job, nil
}

// ClaimNext moves the oldest pending job to processing and gives it a
// checkpoint. Rows locked by a concurrent claimer are skipped.
func (s *Store) ClaimNext(ctx context.Context) (*core.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE import_jobs
		SET status = 'processing',
			checkpoint = COALESCE(checkpoint, '{}'::jsonb),
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = (
			SELECT id FROM import_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim import job: %w", err)
	}
	return job, nil
}

// lockJob selects a job row for update.
func lockJob(ctx context.Context, tx pgx.Tx, id string) (*core.Job, error) {
	pgID := ToPgUUID(id)
	if !pgID.Valid {
		return nil, jobNotFound(id)
	}
	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1 FOR UPDATE`, pgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock import job: %w", err)
	}
	return job, nil
}

// saveJob writes every mutable column of job and returns the stored row.
func saveJob(ctx context.Context, tx pgx.Tx, job *core.Job) (*core.Job, error) {
	checkpoint, counts, err := encodeState(job)
	if err != nil {
		return nil, err
	}
	var conflict []byte
	if job.Conflict != nil {
		if conflict, err = json.Marshal(job.Conflict); err != nil {
			return nil, fmt.Errorf("encode conflict: %w", err)
		}
	}
	out, err := scanJob(tx.QueryRow(ctx, `
		UPDATE import_jobs SET
			branch = $2, total_lines = $3, fingerprint = $4, period = $5, filer_id = $6, filer_name = $7,
			status = $8, control = $9, progress = $10, bytes_processed = $11, last_chunk = $12,
			checkpoint = $13, counts = $14, error_message = $15, warning = $16, refresh_pending = $17,
			started_at = $18, completed_at = $19, conflict = $20, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		ToPgUUID(job.ID), job.Branch, job.TotalLines, job.Fingerprint, job.Period, job.FilerID, job.FilerName,
		string(job.Status), string(job.Control), job.Progress, job.BytesProcessed, job.LastChunk,
		checkpoint, counts, job.ErrorMessage, job.Warning, job.RefreshPending,
		ToPgTimestamptz(job.StartedAt), ToPgTimestamptz(job.CompletedAt), conflict,
	))
	if err != nil {
		return nil, fmt.Errorf("update import job: %w", err)
	}
	return out, nil
}

func hasStatus(list []core.Status, s core.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Transition moves a job between statuses under a row lock.
func (s *Store) Transition(ctx context.Context, id string, from []core.Status, to core.Status, mutate func(*core.Job)) (*core.Job, error) {
	var out *core.Job
	var mismatch error
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !hasStatus(from, job.Status) {
			out = job
			mismatch = fmt.Errorf("%w: job is %s", core.ErrInvalidTransition, job.Status)
			return nil
		}
		if mutate != nil {
			mutate(job)
		}
		job.Status = to
		out, err = saveJob(ctx, tx, job)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, mismatch
}

// SetControl records a pause or cancel request.
func (s *Store) SetControl(ctx context.Context, id string, from []core.Status, c core.Control) (*core.Job, error) {
	pgID := ToPgUUID(id)
	if !pgID.Valid {
		return nil, jobNotFound(id)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE import_jobs SET control = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+jobColumns, pgID, string(c), statusStrings(from)))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("%w: job is %s", core.ErrInvalidTransition, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("set import job control: %w", err)
	}
	return job, nil
}

// CommitChunk appends the chunk's raw records with COPY and advances the
// job in the same transaction. A commit that does not continue the stored
// checkpoint belongs to a worker that lost the job.
func (s *Store) CommitChunk(ctx context.Context, id string, c core.ChunkCommit) (*core.Job, error) {
	var out *core.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != core.StatusProcessing || !c.Continues(job) {
			return core.ErrLeaseLost
		}

		if err := copyRawRecords(ctx, tx, id, c.Records); err != nil {
			return err
		}

		cp := c.Checkpoint
		job.Checkpoint = &cp
		job.LastChunk = cp.Chunk
		job.BytesProcessed = c.BytesProcessed
		job.Progress = c.Progress
		job.Counts = c.Counts
		if c.Period != "" {
			job.Period = c.Period
		}
		if c.FilerID != "" {
			job.FilerID = c.FilerID
			job.FilerName = c.FilerName
		}
		if job.Branch == "" && c.Branch != "" {
			job.Branch = c.Branch
		}
		if c.TotalLines > 0 {
			job.TotalLines = c.TotalLines
			job.Fingerprint = c.Fingerprint
		}
		out, err = saveJob(ctx, tx, job)
		return err
	})
	if isUniqueViolation(err) {
		// The header gave the job a (branch, period) another job holds.
		return nil, fmt.Errorf("commit chunk: %w", core.ErrDuplicateJob)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListJobs returns jobs in statuses not updated since before, oldest first.
func (s *Store) ListJobs(ctx context.Context, statuses []core.Status, before time.Time) ([]*core.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM import_jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at`, statusStrings(statuses), before)
	if err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	return jobs, nil
}

// PurgeJob deletes a job, its raw records and the business rows it owns.
func (s *Store) PurgeJob(ctx context.Context, id string) error {
	pgID := ToPgUUID(id)
	if !pgID.Valid {
		return jobNotFound(id)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, table := range core.BusinessTables {
			sql := `DELETE FROM ` + pgx.Identifier{table}.Sanitize() + ` WHERE job_id = $1`
			if _, err := tx.Exec(ctx, sql, pgID); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM import_raw_records WHERE job_id = $1`, pgID); err != nil {
			return fmt.Errorf("purge raw records: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM import_jobs WHERE id = $1`, pgID)
		if err != nil {
			return fmt.Errorf("purge import job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return jobNotFound(id)
		}
		return nil
	})
}
