package model

import (
	"net/netip"
	"time"
)

// Record is one flow record. Values are positional under Schema and hold
// netip.Addr, uint64, int64, float64, string, []byte, time.Time, []float64 or []time.Time
// depending on the field type.
type Record struct {
	Schema *Schema
	Values []any
}

// NewRecord allocates an empty record for the schema.
func NewRecord(schema *Schema) *Record {
	return &Record{Schema: schema, Values: make([]any, schema.Len())}
}

// Set stores v at id after normalising numeric types to the field type.
func (r *Record) Set(id FieldID, v any) {
	r.Values[id] = normalise(r.Schema.fields[id], v)
}

// SetByName stores v under the named field.
func (r *Record) SetByName(name string, v any) error {
	id, err := r.Schema.Lookup(name)
	if err != nil {
		return err
	}
	r.Set(id, v)
	return nil
}

// Get returns the raw value stored at id, or nil when id is unresolved.
func (r *Record) Get(id FieldID) any {
	if id < 0 || int(id) >= len(r.Values) {
		return nil
	}
	return r.Values[id]
}

// Addr returns the address stored at id, or the zero Addr.
func (r *Record) Addr(id FieldID) netip.Addr {
	a, _ := r.Get(id).(netip.Addr)
	return a
}

// Uint returns the value at id as an unsigned integer. Floats are truncated.
func (r *Record) Uint(id FieldID) uint64 {
	switch v := r.Get(id).(type) {
	case uint64:
		return v
	case int64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return 0
}

// Int returns the value at id as a signed integer.
func (r *Record) Int(id FieldID) int64 {
	switch v := r.Get(id).(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Float returns the value at id as a float.
func (r *Record) Float(id FieldID) float64 {
	switch v := r.Get(id).(type) {
	case float64:
		return v
	case uint64:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// String returns the value at id as a string. Byte fields are converted.
func (r *Record) String(id FieldID) string {
	switch v := r.Get(id).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Bytes returns the value at id as raw bytes.
func (r *Record) Bytes(id FieldID) []byte {
	switch v := r.Get(id).(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Time returns the timestamp at id.
func (r *Record) Time(id FieldID) time.Time {
	t, _ := r.Get(id).(time.Time)
	return t
}

// Floats returns a numeric list field.
func (r *Record) Floats(id FieldID) []float64 {
	f, _ := r.Get(id).([]float64)
	return f
}

// Times returns a timestamp list field.
func (r *Record) Times(id FieldID) []time.Time {
	t, _ := r.Get(id).([]time.Time)
	return t
}

// Clone copies the record into a record of another schema, matching fields by name.
func (r *Record) Clone(schema *Schema) *Record {
	out := NewRecord(schema)
	for i, f := range r.Schema.fields {
		if id, ok := schema.index[f.Name]; ok {
			out.Values[id] = r.Values[i]
		}
	}
	return out
}

func normalise(f Field, v any) any {
	if v == nil {
		return nil
	}
	if f.List {
		switch l := v.(type) {
		case []int:
			out := make([]float64, len(l))
			for i, x := range l {
				out[i] = float64(x)
			}
			return out
		case []uint16:
			out := make([]float64, len(l))
			for i, x := range l {
				out[i] = float64(x)
			}
			return out
		}
		return v
	}
	switch f.Type {
	case TypeUint:
		switch n := v.(type) {
		case int:
			return uint64(n)
		case uint8:
			return uint64(n)
		case uint16:
			return uint64(n)
		case uint32:
			return uint64(n)
		case int64:
			return uint64(n)
		case float64:
			return uint64(n)
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int8:
			return int64(n)
		case int32:
			return int64(n)
		case uint64:
			return int64(n)
		case float64:
			return int64(n)
		}
	case TypeFloat:
		switch n := v.(type) {
		case int:
			return float64(n)
		case float32:
			return float64(n)
		case uint64:
			return float64(n)
		case int64:
			return float64(n)
		}
	case TypeAddr:
		if s, ok := v.(string); ok {
			if a, err := netip.ParseAddr(s); err == nil {
				return a.Unmap()
			}
			return netip.Addr{}
		}
		if a, ok := v.(netip.Addr); ok {
			return a.Unmap()
		}
	}
	return v
}
