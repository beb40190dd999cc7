package sped

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed layout.yaml
var defaultLayoutYAML []byte

// Role describes how the parse state machine treats a record type.
type Role string

const (
	RoleHeader      Role = "header"
	RoleParticipant Role = "participant"
	RoleOpen        Role = "open"
	RoleDetail      Role = "detail"
	RoleSubtotal    Role = "subtotal"
	RoleClose       Role = "close"
	RoleCredit      Role = "credit"
	RoleStandalone  Role = "standalone"
	RoleTrailer     Role = "trailer"
)

// Family groups record types into the business areas a scope selector filters on.
type Family string

const (
	FamilyControl      Family = "control"
	FamilyParticipants Family = "participants"
	FamilyMerchandise  Family = "merchandise"
	FamilyFreight      Family = "freight"
	FamilyUtilities    Family = "utilities"
	FamilyServices     Family = "services"
	FamilyOther        Family = "other"
)

// Field names used in layout files.
const (
	FieldStartDate      = "start_date"
	FieldEndDate        = "end_date"
	FieldName           = "name"
	FieldTaxID          = "tax_id"
	FieldCode           = "code"
	FieldCountry        = "country"
	FieldCNPJ           = "cnpj"
	FieldCPF            = "cpf"
	FieldIE             = "ie"
	FieldCity           = "city"
	FieldDirection      = "direction"
	FieldParticipant    = "participant"
	FieldModel          = "model"
	FieldNumber         = "number"
	FieldKey            = "key"
	FieldDate           = "date"
	FieldValue          = "value"
	FieldClassification = "classification"
	FieldDescription    = "description"
	FieldPIS            = "pis"
	FieldCOFINS         = "cofins"
	FieldICMS           = "icms"
	FieldISS            = "iss"
	FieldPISCredit      = "pis_credit"
	FieldCOFINSCredit   = "cofins_credit"
)

var validRoles = map[Role]bool{
	RoleHeader: true, RoleParticipant: true, RoleOpen: true, RoleDetail: true,
	RoleSubtotal: true, RoleClose: true, RoleCredit: true, RoleStandalone: true, RoleTrailer: true,
}

var validFamilies = map[Family]bool{
	FamilyControl: true, FamilyParticipants: true, FamilyMerchandise: true,
	FamilyFreight: true, FamilyUtilities: true, FamilyServices: true,
}

// RecordSpec describes one record type of the layout.
type RecordSpec struct {
	Role      Role           `yaml:"role"`
	Family    Family         `yaml:"family"`
	MinFields int            `yaml:"min_fields"`
	Direction Direction      `yaml:"direction"`
	Fields    map[string]int `yaml:"fields"`
}

// Value returns the named field of rec, or "" when the layout does not map
// the field or the line is too short to carry it.
func (s RecordSpec) Value(rec Record, name string) string {
	idx, ok := s.Fields[name]
	if !ok {
		return ""
	}
	return rec.Field(idx)
}

// Layout maps record tags to their specs.
type Layout struct {
	Version string                `yaml:"version"`
	Records map[string]RecordSpec `yaml:"records"`
}

var (
	defaultLayout     *Layout
	defaultLayoutOnce sync.Once
)

// DefaultLayout returns the embedded layout. It panics if the embedded file is
// invalid, which can only happen through a bad build.
func DefaultLayout() *Layout {
	defaultLayoutOnce.Do(func() {
		l, err := ParseLayout(defaultLayoutYAML)
		if err != nil {
			panic(fmt.Sprintf("sped: embedded layout: %v", err))
		}
		defaultLayout = l
	})
	return defaultLayout
}

// LoadLayout reads a layout override from path. An empty path returns the
// embedded default.
func LoadLayout(path string) (*Layout, error) {
	if path == "" {
		return DefaultLayout(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout %s: %w", path, err)
	}
	return ParseLayout(data)
}

// ParseLayout decodes and validates a YAML layout. MinFields defaults to one
// past the highest mapped field index.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if len(l.Records) == 0 {
		return nil, fmt.Errorf("parse layout: no records defined")
	}

	var headers int
	tags := make([]string, 0, len(l.Records))
	for tag := range l.Records {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		spec := l.Records[tag]
		if !validRoles[spec.Role] {
			return nil, fmt.Errorf("parse layout: record %s: unknown role %q", tag, spec.Role)
		}
		if !validFamilies[spec.Family] {
			return nil, fmt.Errorf("parse layout: record %s: unknown family %q", tag, spec.Family)
		}
		if spec.Direction != "" && spec.Direction != Inbound && spec.Direction != Outbound {
			return nil, fmt.Errorf("parse layout: record %s: invalid direction %q", tag, spec.Direction)
		}
		if spec.Role == RoleHeader {
			headers++
			if _, ok := spec.Fields[FieldStartDate]; !ok {
				return nil, fmt.Errorf("parse layout: header %s must map %s", tag, FieldStartDate)
			}
		}

		maxIdx := 1
		for name, idx := range spec.Fields {
			if idx < 2 {
				return nil, fmt.Errorf("parse layout: record %s: field %s index %d overlaps the tag", tag, name, idx)
			}
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		if spec.MinFields == 0 {
			spec.MinFields = maxIdx + 1
		}
		l.Records[tag] = spec
	}

	if headers != 1 {
		return nil, fmt.Errorf("parse layout: expected exactly one header record, found %d", headers)
	}
	return &l, nil
}

// Spec returns the spec for tag.
func (l *Layout) Spec(tag string) (RecordSpec, bool) {
	s, ok := l.Records[tag]
	return s, ok
}

// Family returns the family of tag, or FamilyOther for tags the layout does
// not know.
func (l *Layout) Family(tag string) Family {
	if s, ok := l.Records[tag]; ok {
		return s.Family
	}
	return FamilyOther
}

// HeaderTag returns the tag of the file header record.
func (l *Layout) HeaderTag() string {
	for tag, s := range l.Records {
		if s.Role == RoleHeader {
			return tag
		}
	}
	return ""
}
