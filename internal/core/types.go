package core

import (
	"time"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/cursor"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// Status is the lifecycle state of an import job.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusPaused          Status = "paused"
	StatusGenerating      Status = "generating"
	StatusRefreshingViews Status = "refreshing_views"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further transition can leave s. Failed is not
// terminal: it can be resumed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Control is a pending request for the worker that holds a processing job.
// It is honoured at the next chunk boundary.
type Control string

const (
	ControlNone   Control = ""
	ControlPause  Control = "pause"
	ControlCancel Control = "cancel"
)

// Business tables written by the consolidator.
const (
	TableMerchandise  = "merchandise_movements"
	TableFreight      = "freight_movements"
	TableUtilities    = "utility_movements"
	TableServices     = "service_movements"
	TableParticipants = "participants"
)

// BusinessTables lists the consolidated tables in report order.
var BusinessTables = []string{TableMerchandise, TableFreight, TableUtilities, TableServices, TableParticipants}

var familyTables = map[sped.Family]string{
	sped.FamilyMerchandise:  TableMerchandise,
	sped.FamilyFreight:      TableFreight,
	sped.FamilyUtilities:    TableUtilities,
	sped.FamilyServices:     TableServices,
	sped.FamilyParticipants: TableParticipants,
}

// TableForFamily returns the business table events of family f land in.
func TableForFamily(f sped.Family) (string, bool) {
	t, ok := familyTables[f]
	return t, ok
}

// TableCount is the consolidation report of one business table.
type TableCount struct {
	Inserted int64 `json:"inserted"`
	RawCount int64 `json:"raw_count"`
}

// Counts holds raw, consolidated and diagnostic counters of a job.
type Counts struct {
	// Raw counts assembled events per record family.
	Raw map[string]int64 `json:"raw"`
	// Consolidated is filled once consolidation succeeds.
	Consolidated map[string]TableCount `json:"consolidated,omitempty"`
	// Seen counts occurrences of every record tag read, in scope or not.
	Seen map[string]int64 `json:"seen"`

	Records        int64 `json:"records"`
	Skipped        int64 `json:"skipped"`
	Malformed      int64 `json:"malformed"`
	Filtered       int64 `json:"filtered"`
	Discarded      int64 `json:"discarded"`
	Orphaned       int64 `json:"orphaned"`
	ZeroValue      int64 `json:"zero_value"`
	DroppedCredits int64 `json:"dropped_credits"`
	Undated        int64 `json:"undated"`
	EOFMarker      bool  `json:"eof_marker"`
}

// NewCounts returns Counts with its maps allocated.
func NewCounts() Counts {
	return Counts{Raw: map[string]int64{}, Seen: map[string]int64{}}
}

// Clone returns a deep copy.
func (c Counts) Clone() Counts {
	out := c
	out.Raw = make(map[string]int64, len(c.Raw))
	for k, v := range c.Raw {
		out.Raw[k] = v
	}
	out.Seen = make(map[string]int64, len(c.Seen))
	for k, v := range c.Seen {
		out.Seen[k] = v
	}
	if c.Consolidated != nil {
		out.Consolidated = make(map[string]TableCount, len(c.Consolidated))
		for k, v := range c.Consolidated {
			out.Consolidated[k] = v
		}
	}
	return out
}

// Merge adds the ingestion counters of d into c. Consolidated counts are not
// merged; they are replaced wholesale by the consolidator.
func (c *Counts) Merge(d Counts) {
	if c.Raw == nil {
		c.Raw = map[string]int64{}
	}
	if c.Seen == nil {
		c.Seen = map[string]int64{}
	}
	for k, v := range d.Raw {
		c.Raw[k] += v
	}
	for k, v := range d.Seen {
		c.Seen[k] += v
	}
	c.Records += d.Records
	c.Skipped += d.Skipped
	c.Malformed += d.Malformed
	c.Filtered += d.Filtered
	c.Discarded += d.Discarded
	c.Orphaned += d.Orphaned
	c.ZeroValue += d.ZeroValue
	c.DroppedCredits += d.DroppedCredits
	c.Undated += d.Undated
	c.EOFMarker = c.EOFMarker || d.EOFMarker
}

// Job is one fiscal file import attempt.
type Job struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	CompanyID string `json:"company_id"`
	// BranchID is the branch requested by the caller, possibly empty.
	BranchID string `json:"branch_id,omitempty"`
	// Branch is the branch the job is accounted to: BranchID, or the filer
	// tax id read from the file header.
	Branch string `json:"branch"`

	FilePath    string `json:"file_path"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	TotalLines  int64  `json:"total_lines"`
	Fingerprint string `json:"fingerprint,omitempty"`

	Scope       sped.Scope `json:"scope"`
	RecordLimit int64      `json:"record_limit,omitempty"`

	Period    string `json:"period"`
	FilerID   string `json:"filer_id,omitempty"`
	FilerName string `json:"filer_name,omitempty"`

	Status         Status             `json:"status"`
	Control        Control            `json:"control,omitempty"`
	Progress       int                `json:"progress"`
	BytesProcessed int64              `json:"bytes_processed"`
	LastChunk      int                `json:"last_chunk"`
	Checkpoint     *cursor.Checkpoint `json:"checkpoint,omitempty"`
	Counts         Counts             `json:"counts"`

	ErrorMessage string `json:"error_message,omitempty"`
	// Conflict is set when ingestion found a period another job holds.
	Conflict       *ConflictError `json:"conflict,omitempty"`
	Warning        string         `json:"warning,omitempty"`
	RefreshPending bool           `json:"refresh_pending"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Resumable reports whether a failed job can re-enter processing. Claiming
// a job gives it a checkpoint; fatal failures clear it, leaving nothing to
// resume from.
func (j *Job) Resumable() bool {
	return j.Status == StatusFailed && j.Checkpoint != nil
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	out := *j
	out.Counts = j.Counts.Clone()
	if j.Checkpoint != nil {
		cp := *j.Checkpoint
		out.Checkpoint = &cp
	}
	if j.Conflict != nil {
		c := *j.Conflict
		out.Conflict = &c
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// RawRecord is one captured ledger line.
type RawRecord struct {
	JobID  string
	Chunk  int
	Seq    int
	Offset int64
	Tag    string
	Fields []string
}

// ChunkCommit is everything persisted atomically at a chunk boundary.
type ChunkCommit struct {
	// StartOffset is the checkpoint offset the chunk was read from.
	StartOffset    int64
	Records        []RawRecord
	Checkpoint     cursor.Checkpoint
	BytesProcessed int64
	Progress       int
	Counts         Counts

	// Header context, copied onto the job.
	Period    string
	FilerID   string
	FilerName string
	// Branch is set only when the job had none and the header supplied one.
	Branch string

	// Set on the first chunk only.
	TotalLines  int64
	Fingerprint string
}

// Continues reports whether c starts at job's current checkpoint. Stores
// reject commits that do not, so a job is advanced by one worker only.
func (c ChunkCommit) Continues(job *Job) bool {
	var at cursor.Checkpoint
	if job.Checkpoint != nil {
		at = *job.Checkpoint
	}
	return c.StartOffset == at.Offset && c.Checkpoint.Chunk == at.Chunk+1
}

// percent returns done as a whole percentage of total, clamped to [0,100].
func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(done * 100 / total)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
