package sped

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayout(t *testing.T) {
	l := DefaultLayout()

	assert.Equal(t, "0000", l.HeaderTag())

	c100, ok := l.Spec("C100")
	require.True(t, ok)
	assert.Equal(t, RoleOpen, c100.Role)
	assert.Equal(t, 13, c100.MinFields, "min fields derive from the highest mapped index")

	c170, ok := l.Spec("C170")
	require.True(t, ok)
	assert.Equal(t, 4, c170.MinFields, "explicit min fields are kept")

	c600, _ := l.Spec("C600")
	assert.Equal(t, Outbound, c600.Direction)

	assert.Equal(t, FamilyOther, l.Family("ZZZZ"))
	assert.Equal(t, FamilyFreight, l.Family("D100"))
}

func TestParseLayout_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "records: {}"},
		{"bad role", `records: {"0000": {role: header, family: control, fields: {start_date: 4}}, "X1": {role: nope, family: services}}`},
		{"bad family", `records: {"0000": {role: header, family: control, fields: {start_date: 4}}, "X1": {role: standalone, family: toys}}`},
		{"no header", `records: {"X1": {role: standalone, family: services}}`},
		{"header without date", `records: {"0000": {role: header, family: control}}`},
		{"index overlaps tag", `records: {"0000": {role: header, family: control, fields: {start_date: 1}}}`},
		{"bad direction", `records: {"0000": {role: header, family: control, fields: {start_date: 4}}, "X1": {role: standalone, family: services, direction: sideways}}`},
		{"not yaml", "records: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLayout([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadLayout_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	content := `
version: "test"
records:
  "H":
    role: header
    family: control
    fields: {start_date: 2}
  "S":
    role: standalone
    family: services
    fields: {value: 3}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	l, err := LoadLayout(path)
	require.NoError(t, err)
	assert.Equal(t, "test", l.Version)
	assert.Equal(t, "H", l.HeaderTag())

	p := NewParser(l, State{})
	tok := NewTokenizer(l, ScopeAll)
	rec, _ := tok.Tokenize("|H|01022024|")
	p.Feed(rec, Span{})
	rec, _ = tok.Tokenize("|S|x|12,5|")
	st := p.Feed(rec, Span{})
	require.Len(t, st.Events, 1)
	assert.Equal(t, "2024-02", st.Events[0].Period)

	def, err := LoadLayout("")
	require.NoError(t, err)
	assert.Same(t, DefaultLayout(), def)

	_, err = LoadLayout(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
