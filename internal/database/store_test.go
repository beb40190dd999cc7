package database_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/config"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/database"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/testutil"
)

func TestSchema_DeclaresEveryTable(t *testing.T) {
	schema := database.Schema()
	for _, table := range append([]string{"import_jobs", "import_raw_records", "tax_rates"}, core.BusinessTables...) {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" ", table)
	}
	assert.Contains(t, schema, "import_jobs_branch_period_key")
	assert.Contains(t, schema, "PRIMARY KEY (branch, period, code)", "participants are kept per period")
}

// testStore connects to FBIMPORT_TEST_DATABASE_URL or skips.
func testStore(t *testing.T) *database.Store {
	t.Helper()
	url := os.Getenv("FBIMPORT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FBIMPORT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, config.DatabaseConfig{
		URL:             url,
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := database.New(pool)
	require.NoError(t, store.Migrate(ctx))
	// Twice: the schema must be idempotent.
	require.NoError(t, store.Migrate(ctx))
	return store
}

func newJob(branch, period string) *core.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &core.Job{
		ID:        uuid.NewString(),
		CompanyID: "acme",
		Branch:    branch,
		FilePath:  "/data/ledger.txt",
		FileName:  "ledger.txt",
		FileSize:  1024,
		Scope:     "all",
		Period:    period,
		Status:    core.StatusPending,
		Counts:    core.NewCounts(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_JobLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	branch := "it-" + uuid.NewString()[:8]

	job := newJob(branch, "2024-03")
	require.NoError(t, store.CreateJob(ctx, job))
	t.Cleanup(func() { _ = store.PurgeJob(context.Background(), job.ID) })

	err := store.CreateJob(ctx, newJob(branch, "2024-03"))
	assert.ErrorIs(t, err, core.ErrDuplicateJob)

	got, err := store.FindJobForPeriod(ctx, branch, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = store.GetJob(ctx, uuid.NewString())
	assert.ErrorIs(t, err, core.ErrJobNotFound)
	_, err = store.GetJob(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	// Claim until this job comes up; other pending rows may exist.
	var claimed *core.Job
	for claimed == nil || claimed.ID != job.ID {
		claimed, err = store.ClaimNext(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, core.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.Checkpoint)
	assert.True(t, claimed.Resumable())

	counts := core.NewCounts()
	counts.Records = 2
	counts.Raw["merchandise"] = 1
	committed, err := store.CommitChunk(ctx, job.ID, core.ChunkCommit{
		Records: []core.RawRecord{
			{Chunk: 1, Seq: 0, Offset: 0, Tag: "0000", Fields: []string{"", "0000", "017"}},
			{Chunk: 1, Seq: 1, Offset: 40, Tag: "0150", Fields: []string{"", "0150", "P1", "NAME"}},
		},
		Checkpoint:     cursor.Checkpoint{Offset: 80, Chunk: 1, Period: "2024-03", HeaderSeen: true},
		BytesProcessed: 80,
		Progress:       7,
		Counts:         counts,
		TotalLines:     20,
		Fingerprint:    "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(80), committed.BytesProcessed)
	assert.Equal(t, 1, committed.LastChunk)
	require.NotNil(t, committed.Checkpoint)
	assert.Equal(t, int64(80), committed.Checkpoint.Offset)
	assert.Equal(t, int64(2), committed.Counts.Records)
	assert.Equal(t, int64(20), committed.TotalLines)

	// The same chunk again no longer continues the checkpoint.
	_, err = store.CommitChunk(ctx, job.ID, core.ChunkCommit{
		Checkpoint: cursor.Checkpoint{Offset: 80, Chunk: 1},
		Counts:     counts,
	})
	assert.ErrorIs(t, err, core.ErrLeaseLost)

	var tags []string
	require.NoError(t, store.ScanRawRecords(ctx, job.ID, func(r core.RawRecord) error {
		tags = append(tags, r.Tag)
		assert.Equal(t, job.ID, r.JobID)
		return nil
	}))
	assert.Equal(t, []string{"0000", "0150"}, tags)

	paused, err := store.SetControl(ctx, job.ID, []core.Status{core.StatusProcessing}, core.ControlPause)
	require.NoError(t, err)
	assert.Equal(t, core.ControlPause, paused.Control)

	_, err = store.SetControl(ctx, job.ID, []core.Status{core.StatusPaused}, core.ControlCancel)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	out, err := store.Transition(ctx, job.ID, []core.Status{core.StatusProcessing}, core.StatusPaused, func(j *core.Job) {
		j.Control = core.ControlNone
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPaused, out.Status)
	assert.Equal(t, core.ControlNone, out.Control)

	_, err = store.CommitChunk(ctx, job.ID, core.ChunkCommit{Counts: counts})
	assert.ErrorIs(t, err, core.ErrLeaseLost)

	out, err = store.Transition(ctx, job.ID, []core.Status{core.StatusProcessing}, core.StatusCompleted, nil)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	require.NotNil(t, out)
	assert.Equal(t, core.StatusPaused, out.Status)

	stale, err := store.ListJobs(ctx, []core.Status{core.StatusPaused}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	found := false
	for _, j := range stale {
		found = found || j.ID == job.ID
	}
	assert.True(t, found)

	require.NoError(t, store.PurgeJob(ctx, job.ID))
	_, err = store.GetJob(ctx, job.ID)
	assert.True(t, errors.Is(err, core.ErrJobNotFound))
}

func TestStore_ImportEndToEnd(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	ledger := testutil.NewLedger().
		Header("01022023", "POSTGRES TEST", "98.765.432/0001-10").
		Participant("P1", "ONE", "11.111.111/0001-11").
		Document("0", "P1", "1", "02022023", "1234.56.78", "100,00").
		Document("1", "P1", "2", "03022023", "1234.56.78", "50,00").
		Trailer()
	path := ledger.WriteFile(t, dir, "ledger.txt")

	svc := core.NewService(store, core.Options{ChunkSize: 32})
	branch := "e2e-" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	job, err := svc.StartImport(ctx, core.ImportRequest{CompanyID: "acme", BranchID: branch, FilePath: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.PurgeJob(context.Background(), job.ID) })

	_, err = svc.RunPending(ctx)
	require.NoError(t, err)

	final, err := svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, final.Status, final.ErrorMessage)
	assert.Equal(t, core.TableCount{Inserted: 2, RawCount: 2}, final.Counts.Consolidated[core.TableMerchandise])
	assert.Equal(t, core.TableCount{Inserted: 1, RawCount: 1}, final.Counts.Consolidated[core.TableParticipants])

	// Consolidating again replaces values instead of adding to them.
	c := core.NewConsolidator(store, sped.DefaultLayout())
	report, err := c.Consolidate(ctx, final)
	require.NoError(t, err)
	assert.Equal(t, final.Counts.Consolidated, report)
}

func TestStore_ParticipantsPerPeriod(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	branch := "pp-" + uuid.NewString()[:8]

	march := newJob(branch, "2024-03")
	april := newJob(branch, "2024-04")
	for _, j := range []*core.Job{march, april} {
		require.NoError(t, store.CreateJob(ctx, j))
		id := j.ID
		t.Cleanup(func() { _ = store.PurgeJob(context.Background(), id) })
	}

	for _, c := range []*core.Consolidation{
		{JobID: march.ID, CompanyID: "acme", Participants: []core.Participant{{Branch: branch, Period: "2024-03", Code: "P1", Name: "OLD"}}},
		{JobID: april.ID, CompanyID: "acme", Participants: []core.Participant{{Branch: branch, Period: "2024-04", Code: "P1", Name: "NEW"}}},
	} {
		owned, err := store.SaveConsolidation(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, int64(1), owned[core.TableParticipants])
	}

	require.NoError(t, store.PurgeJob(ctx, april.ID))
	owned, err := store.SaveConsolidation(ctx, &core.Consolidation{JobID: march.ID, CompanyID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), owned[core.TableParticipants], "March keeps its registry")
}
