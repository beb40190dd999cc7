package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/testutil"
)

type cliHarness struct {
	t        *testing.T
	store    *testutil.MemStore
	svc      *core.Service
	migrated int
	file     string
}

func newCLI(t *testing.T) *cliHarness {
	t.Helper()
	store := testutil.NewMemStore()
	h := &cliHarness{
		t:     t,
		store: store,
		svc:   core.NewService(store, core.Options{ChunkSize: 64}),
	}
	h.file = testutil.NewLedger().
		Header("01032024", "ACME COMERCIO LTDA", "12.345.678/0001-90").
		Participant("FORN01", "FORNECEDOR SA", "11.111.111/0001-11").
		Document("0", "FORN01", "123", "05032024", "1234.56.78", "1000,00").
		Freight("0", "TRANSP01", "789", "10032024", "300,00", "36,00", "4,95", "22,80").
		Trailer().
		WriteFile(t, t.TempDir(), "ledger.txt")
	return h
}

// run executes args and returns stdout.
func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()
	c := &cli{open: func(context.Context, io.Writer, string) (*backend, error) {
		return &backend{
			svc: h.svc,
			migrate: func(context.Context) error {
				h.migrated++
				return nil
			},
		}, nil
	}}
	defer c.close()

	root := c.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *cliHarness) job(out string) core.Job {
	h.t.Helper()
	var job core.Job
	require.NoError(h.t, json.Unmarshal([]byte(out), &job), out)
	return job
}

func TestImportCommand_Run(t *testing.T) {
	h := newCLI(t)

	out, err := h.run("import", h.file, "--company", "acme", "--run")
	require.NoError(t, err)
	job := h.job(out)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, "2024-03", job.Period)
	assert.Equal(t, int64(1), job.Counts.Raw["freight"])

	out, err = h.run("status", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, h.job(out).ID)
}

func TestImportCommand_Enqueue(t *testing.T) {
	h := newCLI(t)

	out, err := h.run("import", h.file, "--company", "acme", "--scope", "freight", "--branch", "store-1")
	require.NoError(t, err)
	job := h.job(out)
	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, "store-1", job.Branch)

	// The guard rejects a second job for the same period and prints it.
	out, err = h.run("import", h.file, "--company", "acme", "--branch", "store-1")
	require.Error(t, err)
	var conflict core.ConflictError
	require.NoError(t, json.Unmarshal([]byte(out), &conflict))
	assert.Equal(t, job.ID, conflict.ExistingJobID)

	out, err = h.run("cancel", job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, h.job(out).Status)

	out, err = h.run("purge", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "purged "+job.ID)

	_, err = h.run("status", job.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestImportCommand_Flags(t *testing.T) {
	h := newCLI(t)

	_, err := h.run("import", h.file)
	require.Error(t, err, "--company is required")

	_, err = h.run("import", h.file, "--company", "acme", "--scope", "fuel")
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = h.run("import")
	require.Error(t, err)
}

func TestStaleCommand(t *testing.T) {
	h := newCLI(t)

	out, err := h.run("stale")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestMigrateCommand(t *testing.T) {
	h := newCLI(t)

	out, err := h.run("migrate")
	require.NoError(t, err)
	assert.Equal(t, 1, h.migrated)
	assert.Contains(t, out, "schema up to date")
}
