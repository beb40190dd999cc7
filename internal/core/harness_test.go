package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/testutil"
)

const filer = "12345678000190"

// exampleLedger is one month with an inbound and an outbound document, a
// participant and a freight record.
func exampleLedger() *testutil.Ledger {
	return testutil.NewLedger().
		Header("01032024", "ACME COMERCIO LTDA", "12.345.678/0001-90").
		Participant("FORN01", "FORNECEDOR SA", "11.111.111/0001-11").
		Open("0", "FORN01", "123", "05032024", "1000,00").
		Item("1234.56.78", "PRODUTO X", "1000,00").
		Taxes("10,00", "46,00", "180,00").
		Credits("16,50", "76,00").
		Close().
		Document("1", "CLI01", "456", "06032024", "9999.00.00", "500,00").
		Freight("0", "TRANSP01", "789", "10032024", "300,00", "36,00", "4,95", "22,80").
		Trailer()
}

// recorder is a synchronous Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Publish(_ context.Context, ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) forJob(id string) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, ev := range r.events {
		if ev.JobID == id {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	store  *testutil.MemStore
	svc    *core.Service
	events *recorder
	dir    string
}

func newHarness(t *testing.T, opts core.Options) *harness {
	t.Helper()
	store := testutil.NewMemStore()
	rec := &recorder{}
	opts.Publishers = append(opts.Publishers, rec)
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 64
	}
	return &harness{
		t:      t,
		store:  store,
		svc:    core.NewService(store, opts),
		events: rec,
		dir:    t.TempDir(),
	}
}

func (h *harness) write(l *testutil.Ledger, name string) string {
	h.t.Helper()
	return l.WriteFile(h.t, h.dir, name)
}

func (h *harness) start(l *testutil.Ledger, req core.ImportRequest) *core.Job {
	h.t.Helper()
	if req.CompanyID == "" {
		req.CompanyID = "acme"
	}
	if req.FilePath == "" {
		req.FilePath = h.write(l, "ledger.txt")
	}
	job, err := h.svc.StartImport(context.Background(), req)
	require.NoError(h.t, err)
	require.Equal(h.t, core.StatusPending, job.Status)
	return job
}

func (h *harness) runAll() {
	h.t.Helper()
	_, err := h.svc.RunPending(context.Background())
	require.NoError(h.t, err)
}

func (h *harness) job(id string) *core.Job {
	h.t.Helper()
	job, err := h.svc.GetStatus(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

// step runs one chunk and fails the test on store errors.
func (h *harness) step(id string) (*core.Job, bool) {
	h.t.Helper()
	job, done, err := h.svc.Step(context.Background(), id)
	require.NoError(h.t, err)
	return job, done
}

func (h *harness) waitIdle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.svc.WaitIdle(ctx))
}

// importAll runs l to completion with chunkSize and returns the final job.
func importAll(t *testing.T, l *testutil.Ledger, chunkSize int) (*core.Job, *harness) {
	t.Helper()
	h := newHarness(t, core.Options{ChunkSize: chunkSize})
	job := h.start(l, core.ImportRequest{})
	h.runAll()
	return h.job(job.ID), h
}
