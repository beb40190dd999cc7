// Package sped parses pipe-delimited fiscal ledger files.
//
// Lines are tokenized into records, then fed through a Parser that rebuilds
// the nesting of the file: a header fixes the fiscal period, document records
// open a context that detail, sub-total and credit records refine, and a
// closing record emits the assembled document as an Event. Standalone records
// carry everything they need and are emitted as soon as they are read.
//
// The Parser keeps no hidden state beyond State and the open document, so a
// caller can stop at any point where DocumentOpen is false, persist State, and
// later resume with NewParser.
package sped

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Direction of a fiscal document.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Kind of an emitted event.
type Kind string

const (
	KindDocument    Kind = "document"
	KindStandalone  Kind = "standalone"
	KindParticipant Kind = "participant"
)

// Span is the byte range [Offset, End) a record or event occupies in the file.
type Span struct {
	Offset int64 `json:"offset"`
	End    int64 `json:"end"`
}

// Event is one assembled document, standalone transaction or participant.
type Event struct {
	Kind      Kind
	Family    Family
	Tag       string
	Direction Direction
	Period    string

	Participant    string
	Model          string
	Number         string
	Date           string
	Classification string
	Description    string

	Value        decimal.Decimal
	PIS          decimal.Decimal
	COFINS       decimal.Decimal
	ICMS         decimal.Decimal
	ISS          decimal.Decimal
	PISCredit    decimal.Decimal
	COFINSCredit decimal.Decimal

	// Participant registry fields.
	Name string
	CNPJ string
	CPF  string
	IE   string
	City string

	Items int
	Lines int
	Span  Span
}

// State is the parse context that survives a checkpoint.
type State struct {
	Period     string
	FilerID    string
	FilerName  string
	HeaderSeen bool
}

// Step reports what one fed record produced.
type Step struct {
	Events []Event

	// Discarded is set when an open document was dropped, either because a
	// new one opened over it or because the input ended first.
	Discarded bool
	// CreditDropped is set when a credit record found no open inbound document.
	CreditDropped bool
	// Orphan is set for detail, sub-total or close records outside a document.
	Orphan bool
	// ZeroValue is set when a closed document had no positive value.
	ZeroValue bool
	// Malformed is set when the record is shorter than its layout minimum.
	Malformed bool

	Header  bool
	Trailer bool
}

type docState int

const (
	docIdle docState = iota
	docOpen
)

// document is the in-progress context of one fiscal document.
type document struct {
	tag       string
	family    Family
	direction Direction
	period    string

	participant    string
	model          string
	number         string
	date           string
	classification string
	description    string

	declared     decimal.Decimal
	itemsTotal   decimal.Decimal
	pis          decimal.Decimal
	cofins       decimal.Decimal
	icms         decimal.Decimal
	iss          decimal.Decimal
	pisCredit    decimal.Decimal
	cofinsCredit decimal.Decimal

	items int
	lines int
	span  Span
}

// Parser is the hierarchical parse state machine. It is not safe for
// concurrent use.
type Parser struct {
	layout *Layout
	state  State
	doc    docState
	cur    document
}

// NewParser returns a parser resuming from st with no open document.
func NewParser(layout *Layout, st State) *Parser {
	return &Parser{layout: layout, state: st}
}

// State returns the context needed to resume after the current record.
func (p *Parser) State() State { return p.state }

// DocumentOpen reports whether a document context is open.
func (p *Parser) DocumentOpen() bool { return p.doc == docOpen }

// Feed advances the state machine by one record. Records whose tag is not in
// the layout are ignored.
func (p *Parser) Feed(rec Record, span Span) Step {
	spec, ok := p.layout.Spec(rec.Tag)
	if !ok {
		if p.doc == docOpen {
			p.cur.lines++
			p.cur.span.End = span.End
		}
		return Step{}
	}
	if len(rec.Fields) < spec.MinFields {
		return Step{Malformed: true}
	}

	switch spec.Role {
	case RoleHeader:
		p.readHeader(spec, rec)
		return Step{Header: true}

	case RoleTrailer:
		return Step{Trailer: true}

	case RoleParticipant:
		return Step{Events: []Event{p.participant(spec, rec, span)}}

	case RoleStandalone:
		return Step{Events: []Event{p.standalone(spec, rec, span)}}

	case RoleOpen:
		var st Step
		if p.doc == docOpen {
			st.Discarded = true
		}
		p.open(spec, rec, span)
		return st

	case RoleDetail:
		if p.doc != docOpen {
			return Step{Orphan: true}
		}
		p.detail(spec, rec, span)
		return Step{}

	case RoleSubtotal:
		if p.doc != docOpen {
			return Step{Orphan: true}
		}
		p.touch(span)
		p.cur.pis = p.cur.pis.Add(amount(spec.Value(rec, FieldPIS)))
		p.cur.cofins = p.cur.cofins.Add(amount(spec.Value(rec, FieldCOFINS)))
		p.cur.icms = p.cur.icms.Add(amount(spec.Value(rec, FieldICMS)))
		p.cur.iss = p.cur.iss.Add(amount(spec.Value(rec, FieldISS)))
		return Step{}

	case RoleCredit:
		if p.doc != docOpen || p.cur.direction != Inbound {
			return Step{CreditDropped: true}
		}
		p.touch(span)
		p.cur.pisCredit = p.cur.pisCredit.Add(amount(spec.Value(rec, FieldPISCredit)))
		p.cur.cofinsCredit = p.cur.cofinsCredit.Add(amount(spec.Value(rec, FieldCOFINSCredit)))
		return Step{}

	case RoleClose:
		if p.doc != docOpen {
			return Step{Orphan: true}
		}
		p.touch(span)
		ev := p.cur.event()
		p.doc = docIdle
		p.cur = document{}
		if !ev.Value.IsPositive() {
			return Step{ZeroValue: true}
		}
		return Step{Events: []Event{ev}}
	}
	return Step{}
}

// Finish is called at end of input. An unclosed document is discarded.
func (p *Parser) Finish() Step {
	if p.doc != docOpen {
		return Step{}
	}
	p.doc = docIdle
	p.cur = document{}
	return Step{Discarded: true}
}

func (p *Parser) readHeader(spec RecordSpec, rec Record) {
	p.state.HeaderSeen = true
	p.state.Period = PeriodFromDate(spec.Value(rec, FieldStartDate))
	p.state.FilerID = Digits(spec.Value(rec, FieldTaxID))
	p.state.FilerName = spec.Value(rec, FieldName)
}

func (p *Parser) open(spec RecordSpec, rec Record, span Span) {
	p.doc = docOpen
	p.cur = document{
		tag:         rec.Tag,
		family:      spec.Family,
		direction:   direction(spec, rec),
		period:      p.state.Period,
		participant: spec.Value(rec, FieldParticipant),
		model:       spec.Value(rec, FieldModel),
		number:      spec.Value(rec, FieldNumber),
		date:        NormalizeDate(spec.Value(rec, FieldDate)),
		declared:    amount(spec.Value(rec, FieldValue)),
		lines:       1,
		span:        span,
	}
}

// detail refines the open document. The first non-empty classification and
// description win; item values accumulate.
func (p *Parser) detail(spec RecordSpec, rec Record, span Span) {
	p.touch(span)
	p.cur.items++
	if c := spec.Value(rec, FieldClassification); c != "" && p.cur.classification == "" {
		p.cur.classification = c
	}
	if d := spec.Value(rec, FieldDescription); d != "" && p.cur.description == "" {
		p.cur.description = d
	}
	p.cur.itemsTotal = p.cur.itemsTotal.Add(amount(spec.Value(rec, FieldValue)))
}

func (p *Parser) touch(span Span) {
	p.cur.lines++
	p.cur.span.End = span.End
}

func (p *Parser) standalone(spec RecordSpec, rec Record, span Span) Event {
	return Event{
		Kind:           KindStandalone,
		Family:         spec.Family,
		Tag:            rec.Tag,
		Direction:      direction(spec, rec),
		Period:         p.state.Period,
		Participant:    spec.Value(rec, FieldParticipant),
		Model:          spec.Value(rec, FieldModel),
		Number:         spec.Value(rec, FieldNumber),
		Date:           NormalizeDate(spec.Value(rec, FieldDate)),
		Classification: spec.Value(rec, FieldModel),
		City:           spec.Value(rec, FieldCity),
		Value:          amount(spec.Value(rec, FieldValue)),
		PIS:            amount(spec.Value(rec, FieldPIS)),
		COFINS:         amount(spec.Value(rec, FieldCOFINS)),
		ICMS:           amount(spec.Value(rec, FieldICMS)),
		ISS:            amount(spec.Value(rec, FieldISS)),
		Lines:          1,
		Span:           span,
	}
}

func (p *Parser) participant(spec RecordSpec, rec Record, span Span) Event {
	return Event{
		Kind:        KindParticipant,
		Family:      spec.Family,
		Tag:         rec.Tag,
		Period:      p.state.Period,
		Participant: spec.Value(rec, FieldCode),
		Name:        spec.Value(rec, FieldName),
		CNPJ:        Digits(spec.Value(rec, FieldCNPJ)),
		CPF:         Digits(spec.Value(rec, FieldCPF)),
		IE:          spec.Value(rec, FieldIE),
		City:        spec.Value(rec, FieldCity),
		Lines:       1,
		Span:        span,
	}
}

func (d *document) event() Event {
	value := d.declared
	if !value.IsPositive() && d.itemsTotal.IsPositive() {
		value = d.itemsTotal
	}
	return Event{
		Kind:           KindDocument,
		Family:         d.family,
		Tag:            d.tag,
		Direction:      d.direction,
		Period:         d.period,
		Participant:    d.participant,
		Model:          d.model,
		Number:         d.number,
		Date:           d.date,
		Classification: d.classification,
		Description:    d.description,
		Value:          value,
		PIS:            d.pis,
		COFINS:         d.cofins,
		ICMS:           d.icms,
		ISS:            d.iss,
		PISCredit:      d.pisCredit,
		COFINSCredit:   d.cofinsCredit,
		Items:          d.items,
		Lines:          d.lines,
		Span:           d.span,
	}
}

func direction(spec RecordSpec, rec Record) Direction {
	if spec.Direction != "" {
		return spec.Direction
	}
	switch spec.Value(rec, FieldDirection) {
	case "0":
		return Inbound
	case "1":
		return Outbound
	}
	return ""
}

// amount parses a ledger decimal. Both "1234,56" and "1234.56" are accepted;
// anything unparseable counts as zero.
func amount(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// NormalizeDate converts DDMMYYYY to YYYY-MM-DD, or returns "".
func NormalizeDate(s string) string {
	if !validDate(s) {
		return ""
	}
	return s[4:8] + "-" + s[2:4] + "-" + s[0:2]
}

// PeriodFromDate converts DDMMYYYY to the YYYY-MM fiscal period, or returns "".
func PeriodFromDate(s string) string {
	if !validDate(s) {
		return ""
	}
	return s[4:8] + "-" + s[2:4]
}

func validDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	month := s[2:4]
	return month >= "01" && month <= "12"
}

// Digits strips everything but ASCII digits, so formatted tax ids like
// 12.345.678/0001-90 compare equal to their bare form.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
