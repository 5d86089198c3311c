package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownField is returned when a field name cannot be resolved against a schema.
var ErrUnknownField = errors.New("unknown field")

// FieldID is the position of a field inside a Schema. IDs are only valid for
// the schema they were resolved against.
type FieldID int

// NoField marks an unresolved field.
const NoField FieldID = -1

// FieldType is the scalar type carried by a field.
type FieldType uint8

const (
	TypeAddr FieldType = iota
	TypeUint
	TypeInt
	TypeFloat
	TypeString
	TypeBytes
	TypeTime
)

var typeNames = map[string]FieldType{
	"ipaddr": TypeAddr,
	"uint8":  TypeUint,
	"uint16": TypeUint,
	"uint32": TypeUint,
	"uint64": TypeUint,
	"int8":   TypeInt,
	"int16":  TypeInt,
	"int32":  TypeInt,
	"int64":  TypeInt,
	"float":  TypeFloat,
	"double": TypeFloat,
	"string": TypeString,
	"bytes":  TypeBytes,
	"time":   TypeTime,
}

var canonicalTypeNames = map[FieldType]string{
	TypeAddr:   "ipaddr",
	TypeUint:   "uint64",
	TypeInt:    "int64",
	TypeFloat:  "double",
	TypeString: "string",
	TypeBytes:  "bytes",
	TypeTime:   "time",
}

func (t FieldType) String() string {
	if name, ok := canonicalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Field describes a single named field of a flow record.
type Field struct {
	Name string
	Type FieldType
	List bool
}

func (f Field) String() string {
	if f.List {
		return f.Type.String() + "* " + f.Name
	}
	return f.Type.String() + " " + f.Name
}

// Schema is an ordered set of named, typed fields. A schema is immutable once built.
type Schema struct {
	fields []Field
	index  map[string]FieldID
	mirror []FieldID
}

// NewSchema builds a schema from the given fields. Duplicate names are rejected.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: make([]Field, len(fields)),
		index:  make(map[string]FieldID, len(fields)),
	}
	copy(s.fields, fields)
	for i, f := range s.fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has an empty name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		s.index[f.Name] = FieldID(i)
	}
	s.buildMirror()
	return s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for static schemas.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseTemplate parses a comma separated template such as
// "ipaddr SRC_IP,uint16 DST_PORT,uint16* PPI_PKT_LENGTHS".
func ParseTemplate(template string) (*Schema, error) {
	var fields []Field
	for _, part := range strings.Split(template, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.Fields(part)
		if len(tokens) != 2 {
			return nil, fmt.Errorf("malformed template entry %q", part)
		}
		typeName, list := strings.CutSuffix(tokens[0], "*")
		ft, ok := typeNames[typeName]
		if !ok {
			return nil, fmt.Errorf("unsupported field type %q in entry %q", tokens[0], part)
		}
		fields = append(fields, Field{Name: tokens[1], Type: ft, List: list})
	}
	if len(fields) == 0 {
		return nil, errors.New("empty template")
	}
	return NewSchema(fields...)
}

// Template renders the schema back into its template form.
func (s *Schema) Template() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns the field definition at id.
func (s *Schema) Field(id FieldID) Field { return s.fields[id] }

// Fields returns a copy of the field definitions.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Lookup resolves a field name to its ID.
func (s *Schema) Lookup(name string) (FieldID, error) {
	if id, ok := s.index[name]; ok {
		return id, nil
	}
	return NoField, fmt.Errorf("%w: %s", ErrUnknownField, name)
}

// Has reports whether the schema carries a field with this name.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Mirror returns the counterpart of id when a flow is read from the other side:
// SRC_X and DST_X swap, as do X and X_REV. Fields without a counterpart map to themselves.
func (s *Schema) Mirror(id FieldID) FieldID {
	return s.mirror[id]
}

// Equal reports whether both schemas carry the same fields in the same order.
func (s *Schema) Equal(o *Schema) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || len(s.fields) != len(o.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// Extend returns a new schema with extra fields appended. Fields already present are kept as is.
func (s *Schema) Extend(extra ...Field) (*Schema, error) {
	fields := s.Fields()
	for _, f := range extra {
		if !s.Has(f.Name) {
			fields = append(fields, f)
		}
	}
	return NewSchema(fields...)
}

func (s *Schema) buildMirror() {
	s.mirror = make([]FieldID, len(s.fields))
	for i, f := range s.fields {
		s.mirror[i] = FieldID(i)
		var other string
		switch {
		case strings.HasPrefix(f.Name, "SRC_"):
			other = "DST_" + strings.TrimPrefix(f.Name, "SRC_")
		case strings.HasPrefix(f.Name, "DST_"):
			other = "SRC_" + strings.TrimPrefix(f.Name, "DST_")
		case strings.HasSuffix(f.Name, "_REV"):
			other = strings.TrimSuffix(f.Name, "_REV")
		default:
			other = f.Name + "_REV"
		}
		if id, ok := s.index[other]; ok && s.fields[id].Type == f.Type && s.fields[id].List == f.List {
			s.mirror[i] = id
		}
	}
}
