package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// JobStore persists import jobs. Every method that changes a job is atomic
// and checks the job's current status, so the status column doubles as the
// worker lease.
type JobStore interface {
	// CreateJob inserts a pending job. It returns ErrDuplicateJob when
	// another non-cancelled job holds the same (branch, period).
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*Job, error)

	// FindJobForPeriod returns the newest non-cancelled job for branch and
	// period, or ErrJobNotFound.
	FindJobForPeriod(ctx context.Context, branch, period string) (*Job, error)

	// ClaimNext moves the oldest pending job to processing, skipping rows
	// locked by other claimers. It returns ErrJobNotFound when none is pending.
	ClaimNext(ctx context.Context) (*Job, error)

	// Transition moves job id to status to if its current status is one of
	// from, applying mutate to the row first. On a status mismatch it returns
	// the current job and ErrInvalidTransition.
	Transition(ctx context.Context, id string, from []Status, to Status, mutate func(*Job)) (*Job, error)

	// SetControl records a control request on a job whose status is one of
	// from. Mismatch behaves as in Transition.
	SetControl(ctx context.Context, id string, from []Status, c Control) (*Job, error)

	// CommitChunk appends the chunk's raw records and updates checkpoint,
	// progress and counts in one transaction. It returns ErrLeaseLost if the
	// job is no longer processing.
	CommitChunk(ctx context.Context, id string, c ChunkCommit) (*Job, error)

	// ListJobs returns jobs in any of statuses last updated before before.
	ListJobs(ctx context.Context, statuses []Status, before time.Time) ([]*Job, error)

	// PurgeJob deletes a job with its raw records and the consolidated rows
	// it owns.
	PurgeJob(ctx context.Context, id string) error
}

// RawStore reads captured raw records back in file order.
type RawStore interface {
	ScanRawRecords(ctx context.Context, jobID string, fn func(RawRecord) error) error
}

// ConsolidationStore writes the business tables.
type ConsolidationStore interface {
	// SaveConsolidation upserts every row of c in one transaction and
	// returns, per business table, how many rows the job owns afterwards.
	SaveConsolidation(ctx context.Context, c *Consolidation) (map[string]int64, error)

	// TaxRates returns the reform rates of a calendar year. ok is false
	// when the year has no row.
	TaxRates(ctx context.Context, year int) (rates TaxRates, ok bool, err error)
}

// Store is everything the orchestrator needs from persistence.
type Store interface {
	JobStore
	RawStore
	ConsolidationStore
}

// MovementKey is the natural key of a consolidated movement row.
type MovementKey struct {
	Branch         string
	Period         string
	Direction      sped.Direction
	Classification string
}

// Movement is one aggregated business row.
type Movement struct {
	MovementKey
	Documents int64

	Value        decimal.Decimal
	PIS          decimal.Decimal
	COFINS       decimal.Decimal
	ICMS         decimal.Decimal
	ISS          decimal.Decimal
	PISCredit    decimal.Decimal
	COFINSCredit decimal.Decimal

	ProjectedICMS decimal.Decimal
	ProjectedIBS  decimal.Decimal
	ProjectedCBS  decimal.Decimal
}

// Participant is one row of the participant registry. Registrations are
// kept per period, so each job owns the rows of its own period.
type Participant struct {
	Branch string
	Period string
	Code   string
	Name   string
	CNPJ   string
	CPF    string
	IE     string
	City   string
}

// Consolidation is the full output of one consolidation run.
type Consolidation struct {
	JobID     string
	CompanyID string
	// Movements holds rows per business table.
	Movements    map[string][]Movement
	Participants []Participant
}

// TaxRates are the reform tax rates of one year, in percent.
type TaxRates struct {
	IBSState      decimal.Decimal
	IBSCity       decimal.Decimal
	CBS           decimal.Decimal
	ICMSReduction decimal.Decimal
}

// DefaultTaxRates are used for years without a tax_rates row.
func DefaultTaxRates() TaxRates {
	return TaxRates{
		IBSState:      decimal.RequireFromString("0.05"),
		IBSCity:       decimal.RequireFromString("0.05"),
		CBS:           decimal.RequireFromString("8.80"),
		ICMSReduction: decimal.Zero,
	}
}

// Refresher refreshes downstream reporting views after consolidation.
type Refresher interface {
	Refresh(ctx context.Context, job *Job) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, job *Job) error

func (f RefresherFunc) Refresh(ctx context.Context, job *Job) error { return f(ctx, job) }

// Publisher receives every progress event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// ProgressSource delivers events for jobs running in other processes.
// The returned channel is closed when ctx is done.
type ProgressSource interface {
	Subscribe(ctx context.Context, jobID string) (<-chan Event, error)
}
