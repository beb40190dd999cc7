// memstore.go - in-memory implementation of core.Store for tests
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
)

type ownedMovement struct {
	row   core.Movement
	jobID string
}

type ownedParticipant struct {
	row   core.Participant
	jobID string
}

// MemStore implements core.Store in memory. The failure hooks let tests
// break individual operations.
type MemStore struct {
	mu sync.Mutex

	jobs         map[string]*core.Job
	order        []string
	raw          map[string][]core.RawRecord
	movements    map[string]map[core.MovementKey]ownedMovement
	participants map[string]ownedParticipant
	rates        map[int]core.TaxRates
	commits      int
	saves        int

	// Now stamps updated_at; defaults to time.Now.
	Now func() time.Time

	// CommitHook runs before every chunk commit; a non-nil error aborts it.
	CommitHook func(jobID string, c core.ChunkCommit) error
	// SaveErr fails SaveConsolidation when set.
	SaveErr error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:         make(map[string]*core.Job),
		raw:          make(map[string][]core.RawRecord),
		movements:    make(map[string]map[core.MovementKey]ownedMovement),
		participants: make(map[string]ownedParticipant),
		rates:        make(map[int]core.TaxRates),
	}
}

func (m *MemStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
}

func has(list []core.Status, s core.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// periodTaken mirrors the unique index on (branch, period) of live jobs.
func (m *MemStore) periodTaken(id, branch, period string) bool {
	for _, other := range m.jobs {
		if other.ID != id && other.Branch == branch && other.Period == period && other.Status != core.StatusCancelled {
			return true
		}
	}
	return false
}

func (m *MemStore) CreateJob(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, core.ErrDuplicateJob)
	}
	if job.Period != "" && m.periodTaken(job.ID, job.Branch, job.Period) {
		return core.ErrDuplicateJob
	}
	m.jobs[job.ID] = job.Clone()
	m.order = append(m.order, job.ID)
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return job.Clone(), nil
}

func (m *MemStore) FindJobForPeriod(_ context.Context, branch, period string) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		job, ok := m.jobs[m.order[i]]
		if !ok {
			continue
		}
		if job.Branch == branch && job.Period == period && job.Status != core.StatusCancelled {
			return job.Clone(), nil
		}
	}
	return nil, core.ErrJobNotFound
}

func (m *MemStore) ClaimNext(_ context.Context) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		job, ok := m.jobs[id]
		if !ok || job.Status != core.StatusPending {
			continue
		}
		now := m.now()
		job.Status = core.StatusProcessing
		if job.Checkpoint == nil {
			job.Checkpoint = &cursor.Checkpoint{}
		}
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.UpdatedAt = now
		return job.Clone(), nil
	}
	return nil, core.ErrJobNotFound
}

func (m *MemStore) Transition(_ context.Context, id string, from []core.Status, to core.Status, mutate func(*core.Job)) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	if !has(from, job.Status) {
		return job.Clone(), fmt.Errorf("%w: job is %s", core.ErrInvalidTransition, job.Status)
	}
	next := job.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.UpdatedAt = m.now()
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemStore) SetControl(_ context.Context, id string, from []core.Status, c core.Control) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	if !has(from, job.Status) {
		return job.Clone(), fmt.Errorf("%w: job is %s", core.ErrInvalidTransition, job.Status)
	}
	job.Control = c
	job.UpdatedAt = m.now()
	return job.Clone(), nil
}

func (m *MemStore) CommitChunk(_ context.Context, id string, c core.ChunkCommit) (*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	if job.Status != core.StatusProcessing || !c.Continues(job) {
		return nil, core.ErrLeaseLost
	}
	if c.Period != "" && c.Period != job.Period {
		branch := job.Branch
		if branch == "" {
			branch = c.Branch
		}
		if m.periodTaken(id, branch, c.Period) {
			return nil, fmt.Errorf("commit chunk: %w", core.ErrDuplicateJob)
		}
	}
	if m.CommitHook != nil {
		if err := m.CommitHook(id, c); err != nil {
			return nil, err
		}
	}

	for _, r := range c.Records {
		r.Fields = append([]string(nil), r.Fields...)
		m.raw[id] = append(m.raw[id], r)
	}
	cp := c.Checkpoint
	job.Checkpoint = &cp
	job.LastChunk = cp.Chunk
	job.BytesProcessed = c.BytesProcessed
	job.Progress = c.Progress
	job.Counts = c.Counts.Clone()
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
	job.UpdatedAt = m.now()
	m.commits++
	return job.Clone(), nil
}

func (m *MemStore) ListJobs(_ context.Context, statuses []core.Status, before time.Time) ([]*core.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Job
	for _, id := range m.order {
		job, ok := m.jobs[id]
		if ok && has(statuses, job.Status) && job.UpdatedAt.Before(before) {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (m *MemStore) PurgeJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return notFound(id)
	}
	delete(m.jobs, id)
	delete(m.raw, id)
	for _, rows := range m.movements {
		for k, r := range rows {
			if r.jobID == id {
				delete(rows, k)
			}
		}
	}
	for k, p := range m.participants {
		if p.jobID == id {
			delete(m.participants, k)
		}
	}
	return nil
}

func (m *MemStore) ScanRawRecords(ctx context.Context, jobID string, fn func(core.RawRecord) error) error {
	m.mu.Lock()
	records := append([]core.RawRecord(nil), m.raw[jobID]...)
	m.mu.Unlock()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) SaveConsolidation(_ context.Context, c *core.Consolidation) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return nil, m.SaveErr
	}
	m.saves++

	for table, rows := range c.Movements {
		dst := m.movements[table]
		if dst == nil {
			dst = make(map[core.MovementKey]ownedMovement)
			m.movements[table] = dst
		}
		for _, r := range rows {
			dst[r.MovementKey] = ownedMovement{row: r, jobID: c.JobID}
		}
	}
	for _, p := range c.Participants {
		m.participants[p.Branch+"|"+p.Period+"|"+p.Code] = ownedParticipant{row: p, jobID: c.JobID}
	}

	counts := make(map[string]int64)
	for table, rows := range m.movements {
		for _, r := range rows {
			if r.jobID == c.JobID {
				counts[table]++
			}
		}
	}
	for _, p := range m.participants {
		if p.jobID == c.JobID {
			counts[core.TableParticipants]++
		}
	}
	return counts, nil
}

func (m *MemStore) TaxRates(_ context.Context, year int) (core.TaxRates, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rates[year]
	return r, ok, nil
}

// SetTaxRates installs the rates of a year.
func (m *MemStore) SetTaxRates(year int, r core.TaxRates) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[year] = r
}

// RawRecords returns the captured records of a job in commit order.
func (m *MemStore) RawRecords(jobID string) []core.RawRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.RawRecord(nil), m.raw[jobID]...)
}

// Movements returns the rows of a business table keyed by natural key.
func (m *MemStore) Movements(table string) map[core.MovementKey]core.Movement {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[core.MovementKey]core.Movement)
	for k, r := range m.movements[table] {
		out[k] = r.row
	}
	return out
}

// Participants returns the registry keyed by code. Use PeriodParticipants
// when more than one period was imported.
func (m *MemStore) Participants() map[string]core.Participant {
	return m.PeriodParticipants("")
}

// PeriodParticipants returns the registry of one period keyed by code; an
// empty period matches all.
func (m *MemStore) PeriodParticipants(period string) map[string]core.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]core.Participant)
	for _, p := range m.participants {
		if period == "" || p.row.Period == period {
			out[p.row.Code] = p.row
		}
	}
	return out
}

// Commits returns how many chunk commits succeeded.
func (m *MemStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Saves returns how many consolidations were written.
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Touch sets a job's updated_at, for staleness tests.
func (m *MemStore) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.UpdatedAt = at
	}
}

// Put stores job as is, bypassing the duplicate check.
func (m *MemStore) Put(job *core.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.order = append(m.order, job.ID)
	}
	m.jobs[job.ID] = job.Clone()
}
