package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/sped"
)

// Consolidator turns a job's captured raw records into business rows.
//
// It replays the records through a fresh parser instead of trusting any
// state kept during ingestion, so running it twice over the same records
// produces the same rows, and the store upserts them by natural key.
type Consolidator struct {
	store  Store
	layout *sped.Layout
}

// NewConsolidator returns a consolidator reading and writing through store.
func NewConsolidator(store Store, layout *sped.Layout) *Consolidator {
	return &Consolidator{store: store, layout: layout}
}

// Consolidate rebuilds and upserts every business row of job and returns
// the per-table report.
func (c *Consolidator) Consolidate(ctx context.Context, job *Job) (map[string]TableCount, error) {
	start := time.Now()

	agg := newAggregation(job)
	parser := sped.NewParser(c.layout, sped.State{})
	err := c.store.ScanRawRecords(ctx, job.ID, func(r RawRecord) error {
		step := parser.Feed(sped.Record{Tag: r.Tag, Fields: r.Fields}, sped.Span{Offset: r.Offset})
		for _, ev := range step.Events {
			agg.add(ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay raw records: %w", err)
	}
	parser.Finish()

	batch, err := agg.build(ctx, c.store)
	if err != nil {
		return nil, err
	}
	inserted, err := c.store.SaveConsolidation(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("save consolidation: %w", err)
	}

	report := make(map[string]TableCount, len(BusinessTables))
	for _, t := range BusinessTables {
		report[t] = TableCount{Inserted: inserted[t], RawCount: agg.raw[t]}
	}

	slog.Info("consolidation finished",
		"job_id", job.ID,
		"movements", agg.rowCount(),
		"participants", len(batch.Participants),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

type aggregation struct {
	job          *Job
	branch       string
	raw          map[string]int64
	movements    map[string]map[MovementKey]*Movement
	participants map[string]Participant
	order        []string
}

func newAggregation(job *Job) *aggregation {
	branch := job.Branch
	if branch == "" {
		branch = job.FilerID
	}
	return &aggregation{
		job:          job,
		branch:       branch,
		raw:          make(map[string]int64),
		movements:    make(map[string]map[MovementKey]*Movement),
		participants: make(map[string]Participant),
	}
}

func (a *aggregation) add(ev sped.Event) {
	table, ok := TableForFamily(ev.Family)
	if !ok {
		return
	}
	a.raw[table]++

	if ev.Kind == sped.KindParticipant {
		if _, seen := a.participants[ev.Participant]; !seen {
			a.order = append(a.order, ev.Participant)
		}
		// Later registrations of the same code overwrite earlier ones.
		a.participants[ev.Participant] = Participant{
			Branch: a.branch,
			Period: a.job.Period,
			Code:   ev.Participant,
			Name:   ev.Name,
			CNPJ:   ev.CNPJ,
			CPF:    ev.CPF,
			IE:     ev.IE,
			City:   ev.City,
		}
		return
	}

	key := MovementKey{
		Branch:         a.branch,
		Period:         ev.Period,
		Direction:      ev.Direction,
		Classification: ev.Classification,
	}
	rows := a.movements[table]
	if rows == nil {
		rows = make(map[MovementKey]*Movement)
		a.movements[table] = rows
	}
	m := rows[key]
	if m == nil {
		m = &Movement{MovementKey: key}
		rows[key] = m
	}
	m.Documents++
	m.Value = m.Value.Add(ev.Value)
	m.PIS = m.PIS.Add(ev.PIS)
	m.COFINS = m.COFINS.Add(ev.COFINS)
	m.ICMS = m.ICMS.Add(ev.ICMS)
	m.ISS = m.ISS.Add(ev.ISS)
	m.PISCredit = m.PISCredit.Add(ev.PISCredit)
	m.COFINSCredit = m.COFINSCredit.Add(ev.COFINSCredit)
}

func (a *aggregation) rowCount() int {
	n := 0
	for _, rows := range a.movements {
		n += len(rows)
	}
	return n
}

// build applies tax projections and returns rows in a stable order.
func (a *aggregation) build(ctx context.Context, rates ConsolidationStore) (*Consolidation, error) {
	out := &Consolidation{
		JobID:     a.job.ID,
		CompanyID: a.job.CompanyID,
		Movements: make(map[string][]Movement, len(a.movements)),
	}

	cache := make(map[int]TaxRates)
	for table, rows := range a.movements {
		list := make([]Movement, 0, len(rows))
		for _, m := range rows {
			r, err := ratesFor(ctx, rates, cache, m.Period)
			if err != nil {
				return nil, err
			}
			project(m, r)
			list = append(list, *m)
		}
		sort.Slice(list, func(i, j int) bool { return lessKey(list[i].MovementKey, list[j].MovementKey) })
		out.Movements[table] = list
	}

	for _, code := range a.order {
		out.Participants = append(out.Participants, a.participants[code])
	}
	return out, nil
}

func ratesFor(ctx context.Context, store ConsolidationStore, cache map[int]TaxRates, period string) (TaxRates, error) {
	year := periodYear(period)
	if r, ok := cache[year]; ok {
		return r, nil
	}
	r := DefaultTaxRates()
	if year > 0 {
		found, ok, err := store.TaxRates(ctx, year)
		if err != nil {
			return TaxRates{}, fmt.Errorf("tax rates %d: %w", year, err)
		}
		if ok {
			r = found
		}
	}
	cache[year] = r
	return r, nil
}

var hundred = decimal.NewFromInt(100)

// project computes the reform projections of a row from its summed values.
func project(m *Movement, r TaxRates) {
	keep := decimal.NewFromInt(1).Sub(r.ICMSReduction.Div(hundred))
	m.ProjectedICMS = m.ICMS.Mul(keep).Round(2)
	m.ProjectedIBS = m.Value.Mul(r.IBSState.Add(r.IBSCity)).Div(hundred).Round(2)
	m.ProjectedCBS = m.Value.Mul(r.CBS).Div(hundred).Round(2)
}

func periodYear(period string) int {
	if len(period) < 4 {
		return 0
	}
	y, err := strconv.Atoi(period[:4])
	if err != nil {
		return 0
	}
	return y
}

func lessKey(a, b MovementKey) bool {
	if a.Period != b.Period {
		return a.Period < b.Period
	}
	if a.Direction != b.Direction {
		return a.Direction < b.Direction
	}
	return a.Classification < b.Classification
}
