package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Ledger builds fiscal ledger files for tests using the default layout.
type Ledger struct {
	lines []string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

// record returns a pipe-delimited line for tag with fields placed at their
// layout indexes and n fields in total.
func record(tag string, n int, fields map[int]string) string {
	parts := make([]string, n)
	parts[1] = tag
	for idx, v := range fields {
		parts[idx] = v
	}
	return strings.Join(parts, "|") + "|"
}

// Raw appends lines verbatim.
func (l *Ledger) Raw(lines ...string) *Ledger {
	l.lines = append(l.lines, lines...)
	return l
}

// Header appends the opening record. start is DDMMYYYY.
func (l *Ledger) Header(start, name, taxID string) *Ledger {
	end := start
	return l.Raw(record("0000", 9, map[int]string{2: "017", 3: "0", 4: start, 5: end, 6: name, 7: taxID, 8: "SP"}))
}

// Participant appends a registry record.
func (l *Ledger) Participant(code, name, cnpj string) *Ledger {
	return l.Raw(record("0150", 9, map[int]string{2: code, 3: name, 4: "1058", 5: cnpj, 7: "ISENTO", 8: "3550308"}))
}

// Open appends a document header. direction is "0" inbound or "1" outbound.
func (l *Ledger) Open(direction, participant, number, date, value string) *Ledger {
	return l.Raw(record("C100", 13, map[int]string{
		2: direction, 3: "1", 4: participant, 5: "55", 6: "00", 7: "1",
		8: number, 10: date, 11: date, 12: value,
	}))
}

// Item appends a document detail line.
func (l *Ledger) Item(classification, description, value string) *Ledger {
	return l.Raw(record("C170", 8, map[int]string{2: "1", 3: classification, 4: description, 5: "1", 6: "UN", 7: value}))
}

// Taxes appends PIS, COFINS and ICMS sub-totals.
func (l *Ledger) Taxes(pis, cofins, icms string) *Ledger {
	l.Raw(record("C181", 11, map[int]string{2: "50", 10: pis}))
	l.Raw(record("C185", 11, map[int]string{2: "50", 10: cofins}))
	return l.Raw(record("C190", 8, map[int]string{2: "000", 7: icms}))
}

// Credits appends PIS and COFINS credit records.
func (l *Ledger) Credits(pis, cofins string) *Ledger {
	l.Raw(record("M100", 9, map[int]string{2: "101", 8: pis}))
	return l.Raw(record("M500", 9, map[int]string{2: "101", 8: cofins}))
}

// Close appends the document close record.
func (l *Ledger) Close() *Ledger { return l.Raw("|C199|") }

// Document appends a complete single-item document.
func (l *Ledger) Document(direction, participant, number, date, classification, value string) *Ledger {
	return l.Open(direction, participant, number, date, value).
		Item(classification, "ITEM "+number, value).
		Close()
}

// Freight appends a standalone freight record.
func (l *Ledger) Freight(direction, participant, number, date, value, icms, pis, cofins string) *Ledger {
	return l.Raw(record("D100", 27, map[int]string{
		2: direction, 3: "1", 4: participant, 5: "57", 9: number, 10: date, 12: value,
		22: icms, 25: pis, 26: cofins,
	}))
}

// Service appends a standalone service record.
func (l *Ledger) Service(direction, participant, number, date, value, pis, cofins, iss string) *Ledger {
	return l.Raw(record("A100", 22, map[int]string{
		2: direction, 3: "0", 4: participant, 8: number, 10: date, 12: value,
		16: pis, 18: cofins, 21: iss,
	}))
}

// Utility appends a standalone utilities record.
func (l *Ledger) Utility(direction, participant, number, date, value, icms string) *Ledger {
	return l.Raw(record("C500", 26, map[int]string{
		2: direction, 3: "1", 4: participant, 5: "06", 10: number, 11: date, 13: value, 20: icms,
	}))
}

// Trailer appends the end-of-file record.
func (l *Ledger) Trailer() *Ledger {
	return l.Raw(record("9999", 3, map[int]string{2: "0"}))
}

// Lines returns the lines built so far.
func (l *Ledger) Lines() []string { return append([]string(nil), l.lines...) }

// Bytes returns the file content, newline terminated.
func (l *Ledger) Bytes() []byte {
	return []byte(strings.Join(l.lines, "\n") + "\n")
}

// WriteFile writes the ledger to dir and returns its path.
func (l *Ledger) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, l.Bytes(), 0o600); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	return path
}
