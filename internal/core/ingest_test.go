package core_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/testutil"
)

// busyLedger has long documents, standalone records between them, a
// reopened document and credits outside any document.
func busyLedger() *testutil.Ledger {
	l := testutil.NewLedger().
		Header("01052024", "ACME COMERCIO LTDA", "12.345.678/0001-90").
		Participant("P1", "ONE", "11.111.111/0001-11").
		Participant("P2", "TWO", "22.222.222/0001-22").
		Credits("1,00", "2,00")
	for i := 0; i < 12; i++ {
		dir := "0"
		if i%3 == 0 {
			dir = "1"
		}
		class := fmt.Sprintf("%04d.00.00", i%4)
		l.Open(dir, "P1", fmt.Sprint(100+i), "10052024", "0").
			Item(class, "A", "100,00").
			Item("", "B", "50,50").
			Item("", "C", "25,25").
			Taxes("1,65", "7,60", "18,00").
			Credits("0,50", "1,00").
			Close()
		if i%4 == 1 {
			l.Freight("0", "T1", fmt.Sprint(500+i), "11052024", "80,00", "9,60", "1,32", "6,08")
			l.Service("1", "S1", fmt.Sprint(700+i), "12052024", "40,00", "0,26", "1,20", "2,00")
		}
	}
	// Reopened without a close: the first document is discarded.
	l.Open("0", "P2", "900", "15052024", "999,00").
		Item("7777.00.00", "LOST", "999,00").
		Open("0", "P2", "901", "15052024", "60,00").
		Item("8888.00.00", "KEPT", "60,00").
		Close()
	l.Utility("0", "U1", "33", "20052024", "120,00", "14,40")
	return l.Trailer()
}

func TestIngest_ChunkSizeDoesNotChangeResults(t *testing.T) {
	ref, refH := importAll(t, busyLedger(), 1<<20)
	require.Equal(t, core.StatusCompleted, ref.Status, ref.ErrorMessage)
	assert.Equal(t, int64(1), ref.Counts.Discarded)
	// Two credits before any document and two in each outbound document.
	assert.Equal(t, int64(10), ref.Counts.DroppedCredits)

	for _, size := range []int{1, 16, 40, 64, 100, 333, 1024} {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			job, h := importAll(t, busyLedger(), size)
			require.Equal(t, core.StatusCompleted, job.Status, job.ErrorMessage)

			assert.Equal(t, ref.Counts.Raw, job.Counts.Raw)
			assert.Equal(t, ref.Counts.Seen, job.Counts.Seen)
			assert.Equal(t, ref.Counts.Records, job.Counts.Records)
			assert.Equal(t, ref.Counts.Discarded, job.Counts.Discarded)
			assert.Equal(t, ref.Counts.DroppedCredits, job.Counts.DroppedCredits)
			assert.Equal(t, ref.Counts.Consolidated, job.Counts.Consolidated)
			for _, table := range core.BusinessTables[:4] {
				assert.Equal(t, refH.store.Movements(table), h.store.Movements(table), table)
			}
			assert.Equal(t, refH.store.Participants(), h.store.Participants())
			assert.Len(t, h.store.RawRecords(job.ID), int(job.Counts.Records))
		})
	}
}

func TestIngest_DocumentsNeverSplitAcrossChunks(t *testing.T) {
	job, h := importAll(t, busyLedger(), 16)
	require.Equal(t, core.StatusCompleted, job.Status)
	layout := sped.DefaultLayout()

	records := h.store.RawRecords(job.ID)
	require.NotEmpty(t, records)

	open := false
	openChunk := 0
	lastOffset := int64(-1)
	for _, r := range records {
		assert.Greater(t, r.Offset, lastOffset, "raw records are in file order without repeats")
		lastOffset = r.Offset

		spec, ok := layout.Spec(r.Tag)
		if !ok {
			continue
		}
		switch spec.Role {
		case sped.RoleOpen:
			open, openChunk = true, r.Chunk
		case sped.RoleDetail, sped.RoleSubtotal, sped.RoleCredit:
			if open {
				assert.Equal(t, openChunk, r.Chunk, "%s at %d left its document's chunk", r.Tag, r.Offset)
			}
		case sped.RoleClose:
			assert.Equal(t, openChunk, r.Chunk, "close at %d", r.Offset)
			open = false
		}
	}
}

// safeOffsets returns the line starts of l that are outside any document,
// plus the end of the file.
func safeOffsets(l *testutil.Ledger) map[int64]bool {
	safe := map[int64]bool{0: true}
	var off int64
	open := false
	for _, line := range l.Lines() {
		switch {
		case strings.HasPrefix(line, "|C100|"):
			open = true
		case strings.HasPrefix(line, "|C199|"):
			open = false
		}
		off += int64(len(line)) + 1
		if !open {
			safe[off] = true
		}
	}
	return safe
}

func TestIngest_CheckpointsOnlyAtSafeBoundaries(t *testing.T) {
	ctx := context.Background()
	l := busyLedger()
	safe := safeOffsets(l)

	h := newHarness(t, core.Options{ChunkSize: 16})
	job := h.start(l, core.ImportRequest{})
	_, err := h.svc.Claim(ctx)
	require.NoError(t, err)

	var offsets []int64
	for {
		got, done := h.step(job.ID)
		if done {
			break
		}
		require.NotNil(t, got.Checkpoint)
		assert.True(t, safe[got.Checkpoint.Offset], "checkpoint %d inside a document", got.Checkpoint.Offset)
		offsets = append(offsets, got.Checkpoint.Offset)
	}
	require.NotEmpty(t, offsets)
	for i := 1; i < len(offsets); i++ {
		assert.Greater(t, offsets[i], offsets[i-1], "checkpoint always advances")
	}
	assert.Equal(t, core.StatusCompleted, h.job(job.ID).Status)
}

func TestIngest_Scope(t *testing.T) {
	h := newHarness(t, core.Options{})
	job := h.start(busyLedger(), core.ImportRequest{Scope: sped.ScopeServices})
	h.runAll()

	got := h.job(job.ID)
	require.Equal(t, core.StatusCompleted, got.Status)
	assert.Greater(t, got.Counts.Filtered, int64(0))
	assert.Zero(t, got.Counts.Raw[string(sped.FamilyMerchandise)])
	assert.Equal(t, int64(3), got.Counts.Raw[string(sped.FamilyServices)])
	assert.Equal(t, int64(2), got.Counts.Raw[string(sped.FamilyParticipants)])
	assert.Greater(t, got.Counts.Seen["C100"], int64(0), "filtered tags are still seen")

	assert.Empty(t, h.store.Movements(core.TableMerchandise))
	assert.Empty(t, h.store.Movements(core.TableFreight))
	assert.Len(t, h.store.Movements(core.TableServices), 1)
	for _, r := range h.store.RawRecords(job.ID) {
		assert.NotEqual(t, "C100", r.Tag, "filtered records are not captured")
	}
}

func TestIngest_RecordLimit(t *testing.T) {
	h := newHarness(t, core.Options{ChunkSize: 16})
	job := h.start(busyLedger(), core.ImportRequest{RecordLimit: 10})
	h.runAll()

	got := h.job(job.ID)
	require.Equal(t, core.StatusCompleted, got.Status)
	assert.GreaterOrEqual(t, got.Counts.Records, int64(10))
	assert.Less(t, got.Counts.Records, int64(25), "stops at the first safe boundary past the limit")
	assert.Less(t, got.BytesProcessed, got.FileSize)
	assert.Equal(t, int64(1), got.Counts.Raw[string(sped.FamilyMerchandise)])
	assert.Len(t, h.store.RawRecords(job.ID), int(got.Counts.Records))
}

func TestIngest_UnclosedDocumentAtEOF(t *testing.T) {
	l := testutil.NewLedger().
		Header("01062024", "ACME", "12.345.678/0001-90").
		Document("1", "C", "1", "03062024", "1000.00.00", "10,00").
		Open("1", "C", "2", "04062024", "20,00").
		Item("2000.00.00", "TRUNCATED", "20,00")

	job, h := importAll(t, l, 16)
	require.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, int64(1), job.Counts.Discarded)
	assert.False(t, job.Counts.EOFMarker)
	assert.Equal(t, int64(1), job.Counts.Raw[string(sped.FamilyMerchandise)])
	assert.Len(t, h.store.Movements(core.TableMerchandise), 1)
	assert.Equal(t, job.FileSize, job.BytesProcessed)
}

func TestIngest_Latin1Text(t *testing.T) {
	h := newHarness(t, core.Options{})
	l := testutil.NewLedger().
		Header("01072024", "ACME", "12.345.678/0001-90").
		Raw("|0150|P9|A\xc7\xc3O LTDA|1058|33333333000133||ISENTO|3550308|")
	job := h.start(l, core.ImportRequest{})
	h.runAll()

	require.Equal(t, core.StatusCompleted, h.job(job.ID).Status)
	assert.Equal(t, "AÇÃO LTDA", h.store.Participants()["P9"].Name)
}

func TestIngest_CloseOpensNextChunk(t *testing.T) {
	ctx := context.Background()
	l := testutil.NewLedger().
		Header("01032024", "ACME COMERCIO LTDA", "12.345.678/0001-90").
		Open("0", "FORN01", "123", "05032024", "1000,00").
		Item("1234.56.78", "PRODUTO X", "1000,00").
		Taxes("10,00", "46,00", "0").
		Close().
		Trailer()

	var openAt, closeAt, off int64
	for _, line := range l.Lines() {
		switch {
		case strings.HasPrefix(line, "|C100|"):
			openAt = off
		case strings.HasPrefix(line, "|C199|"):
			closeAt = off
		}
		off += int64(len(line)) + 1
	}

	// The first chunk ends exactly where the close line starts.
	h := newHarness(t, core.Options{ChunkSize: int(closeAt)})
	job := h.start(l, core.ImportRequest{})
	_, err := h.svc.Claim(ctx)
	require.NoError(t, err)

	got, done := h.step(job.ID)
	require.False(t, done)
	require.NotNil(t, got.Checkpoint)
	assert.Equal(t, openAt, got.Checkpoint.Offset, "checkpoint rewinds to the open line")
	assert.Zero(t, got.Counts.Raw[string(sped.FamilyMerchandise)])
	assert.Empty(t, h.store.Movements(core.TableMerchandise))

	got, done = h.step(job.ID)
	assert.Equal(t, int64(1), got.Counts.Raw[string(sped.FamilyMerchandise)], "the second chunk emits the document")
	for !done {
		_, done = h.step(job.ID)
	}
	got = h.job(job.ID)
	require.Equal(t, core.StatusCompleted, got.Status, got.ErrorMessage)
	assert.Equal(t, int64(1), got.Counts.Raw[string(sped.FamilyMerchandise)])

	whole, wholeH := importAll(t, l, 1<<20)
	require.Equal(t, core.StatusCompleted, whole.Status)
	assert.Equal(t, wholeH.store.Movements(core.TableMerchandise), h.store.Movements(core.TableMerchandise))

	in := h.store.Movements(core.TableMerchandise)[core.MovementKey{Branch: filer, Period: "2024-03", Direction: sped.Inbound, Classification: "1234.56.78"}]
	assertDec(t, "1000", in.Value, "value")
	assertDec(t, "10", in.PIS, "pis")
	assertDec(t, "46", in.COFINS, "cofins")
}
