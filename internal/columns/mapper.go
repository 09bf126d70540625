// Package columns translates between relational field names and the header
// names used on the staff spreadsheet.
package columns

import (
	"math"
	"strconv"
	"strings"

	"realtysync/internal/models"
)

// Mapper is a bidirectional field <-> header mapping for one entity type.
// It holds no mutable state and is safe for concurrent use.
type Mapper struct {
	entity       models.EntityType
	keyHeader    string
	editorHeader string
	fields       []string
	toHeader     map[string]string
	toField      map[string]string
}

// Pair binds a relational field to a sheet header.
type Pair struct {
	Field  string
	Header string
}

// NewMapper builds a mapper. keyHeader names the business key column;
// editorHeader, when non-empty, names the column stamped with the last
// editor's initials.
func NewMapper(entity models.EntityType, keyHeader, editorHeader string, pairs []Pair) *Mapper {
	m := &Mapper{
		entity:       entity,
		keyHeader:    keyHeader,
		editorHeader: editorHeader,
		fields:       make([]string, 0, len(pairs)),
		toHeader:     make(map[string]string, len(pairs)),
		toField:      make(map[string]string, len(pairs)),
	}
	for _, p := range pairs {
		m.fields = append(m.fields, p.Field)
		m.toHeader[p.Field] = p.Header
		m.toField[p.Header] = p.Field
	}
	return m
}

func (m *Mapper) Entity() models.EntityType { return m.entity }

func (m *Mapper) KeyHeader() string { return m.keyHeader }

func (m *Mapper) EditorHeader() string { return m.editorHeader }

// Fields returns mapped fields in sheet order.
func (m *Mapper) Fields() []string {
	return append([]string(nil), m.fields...)
}

// Header returns the sheet header for a relational field.
func (m *Mapper) Header(field string) (string, bool) {
	h, ok := m.toHeader[field]
	return h, ok
}

// Field returns the relational field for a sheet header.
func (m *Mapper) Field(header string) (string, bool) {
	f, ok := m.toField[strings.TrimSpace(header)]
	return f, ok
}

// ToSheet maps relational values to header-keyed values. Unmapped fields
// are dropped.
func (m *Mapper) ToSheet(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for field, value := range fields {
		if header, ok := m.toHeader[field]; ok {
			out[header] = value
		}
	}
	return out
}

// FromSheet maps a header-keyed row back to relational field names.
// Unknown headers, the key column and the editor column are dropped.
func (m *Mapper) FromSheet(values map[string]string) map[string]string {
	out := make(map[string]string, len(m.fields))
	for header, value := range values {
		if field, ok := m.Field(header); ok {
			out[field] = Normalize(value)
		}
	}
	return out
}

// RowFor builds a full sheet row for an entity, including its business key.
func (m *Mapper) RowFor(key string, fields map[string]string) map[string]string {
	row := m.ToSheet(fields)
	for _, field := range m.fields {
		header := m.toHeader[field]
		if _, ok := row[header]; !ok {
			row[header] = ""
		}
	}
	row[m.keyHeader] = key
	return row
}

// Normalize converts a raw cell value to the canonical text used for
// comparisons: surrounding whitespace is trimmed and integral floats lose
// their decimal part.
func Normalize(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	default:
		return strings.TrimSpace(toString(v))
	}
}

// Equal compares two cell values after normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

func toString(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}
