package sped

import (
	"fmt"
	"strings"
)

// Record is one tokenized ledger line. Fields keeps the raw split, so
// Fields[1] is the tag and Fields[0] is whatever preceded the first pipe.
type Record struct {
	Tag    string
	Fields []string
}

// Field returns the trimmed field at idx, or "" when the line is shorter.
func (r Record) Field(idx int) string {
	if idx < 0 || idx >= len(r.Fields) {
		return ""
	}
	return strings.TrimSpace(r.Fields[idx])
}

// Verdict is the outcome of tokenizing one line.
type Verdict int

const (
	// Accepted lines are handed to the parser and captured.
	Accepted Verdict = iota
	// Skipped lines are blank or have fewer than two fields.
	Skipped
	// Filtered lines are well formed but outside the job's scope.
	Filtered
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Skipped:
		return "skipped"
	case Filtered:
		return "filtered"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Scope selects which record families an import honours.
type Scope string

const (
	ScopeAll                  Scope = "all"
	ScopeServices             Scope = "services"
	ScopeMerchandiseUtilities Scope = "merchandise_utilities"
	ScopeFreight              Scope = "freight"
)

// ParseScope validates a scope name. An empty name means ScopeAll.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeServices:
		return ScopeServices, nil
	case ScopeMerchandiseUtilities:
		return ScopeMerchandiseUtilities, nil
	case ScopeFreight:
		return ScopeFreight, nil
	}
	return "", fmt.Errorf("invalid scope %q: must be one of all, services, merchandise_utilities, freight", s)
}

// Honors reports whether records of family f pass the scope. Control and
// participant records always pass; unknown tags only pass ScopeAll.
func (s Scope) Honors(f Family) bool {
	switch f {
	case FamilyControl, FamilyParticipants:
		return true
	}
	switch s {
	case ScopeAll, "":
		return true
	case ScopeServices:
		return f == FamilyServices
	case ScopeMerchandiseUtilities:
		return f == FamilyMerchandise || f == FamilyUtilities
	case ScopeFreight:
		return f == FamilyFreight
	}
	return false
}

// Tokenizer splits lines into records and applies the scope filter.
// It holds no per-line state.
type Tokenizer struct {
	layout *Layout
	scope  Scope
}

// NewTokenizer returns a tokenizer for layout and scope.
func NewTokenizer(layout *Layout, scope Scope) *Tokenizer {
	if scope == "" {
		scope = ScopeAll
	}
	return &Tokenizer{layout: layout, scope: scope}
}

// Tokenize splits line on the field delimiter. The record is returned for
// Filtered lines too so callers can count what they dropped.
func (t *Tokenizer) Tokenize(line string) (Record, Verdict) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Record{}, Skipped
	}

	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return Record{}, Skipped
	}
	tag := strings.TrimSpace(parts[1])
	if tag == "" {
		return Record{}, Skipped
	}

	rec := Record{Tag: tag, Fields: parts}
	if !t.scope.Honors(t.layout.Family(tag)) {
		return rec, Filtered
	}
	return rec, Accepted
}
