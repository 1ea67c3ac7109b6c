// Package schema defines the fixed-width binary record layout for a series.
//
// A schema is an ordered list of typed fields. Field 0 is always the
// timestamp (Int64, little-endian). Offsets and the total record width are
// computed once at construction; encode/decode are pure transforms with no
// I/O. The layout is not self-describing: the same schema must be supplied
// on every open of the backing file.
package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FieldType identifies the on-disk representation of a field. The numeric
// values are part of the wire contract and must not be reordered.
type FieldType int

const (
	TypeInt64   FieldType = 1 // signed 64-bit integer, 8 bytes
	TypeFloat64 FieldType = 2 // IEEE-754 double, 8 bytes
	TypeUInt64  FieldType = 3 // unsigned 64-bit integer, 8 bytes
	TypeString  FieldType = 5 // fixed 128-byte string; reserved, filters only
	TypeBool    FieldType = 6 // 1 byte, 0 or 1
)

// StringWidth is the fixed byte width of the reserved string type.
const StringWidth = 128

func (t FieldType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeUInt64:
		return "uint64"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Width returns the byte width of the type, or 0 for unknown types.
func (t FieldType) Width() int {
	switch t {
	case TypeInt64, TypeFloat64, TypeUInt64:
		return 8
	case TypeString:
		return StringWidth
	case TypeBool:
		return 1
	default:
		return 0
	}
}

// ParseFieldType converts a config/API type name to a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "int64", "i64":
		return TypeInt64, nil
	case "float64", "f64":
		return TypeFloat64, nil
	case "uint64", "u64":
		return TypeUInt64, nil
	case "bool":
		return TypeBool, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", s)
	}
}

// Field is one named column in a schema.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

var (
	ErrEmptySchema    = errors.New("schema must have at least one field")
	ErrTimestampField = errors.New("field 0 must be an int64 timestamp")
)

// Schema is an immutable, validated field layout for one series.
type Schema struct {
	fields  []Field
	offsets []int
	width   int
	byName  map[string]int
}

// New builds a schema from fields in declaration order, computing per-field
// byte offsets and the total record width. Field 0 must be TypeInt64; the
// reserved string type is rejected as a field type.
func New(fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, ErrEmptySchema
	}
	if fields[0].Type != TypeInt64 {
		return nil, ErrTimestampField
	}

	s := &Schema{
		fields:  make([]Field, len(fields)),
		offsets: make([]int, len(fields)),
		byName:  make(map[string]int, len(fields)),
	}
	copy(s.fields, fields)

	offset := 0
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field name %q", f.Name)
		}
		switch f.Type {
		case TypeInt64, TypeFloat64, TypeUInt64, TypeBool:
		case TypeString:
			return nil, fmt.Errorf("field %q: string fields are not supported", f.Name)
		default:
			return nil, fmt.Errorf("field %q: unknown type %d", f.Name, int(f.Type))
		}
		s.byName[f.Name] = i
		s.offsets[i] = offset
		offset += f.Type.Width()
	}
	s.width = offset
	return s, nil
}

// Width returns the total record width in bytes.
func (s *Schema) Width() int { return s.width }

// NumFields returns the number of fields.
func (s *Schema) NumFields() int { return len(s.fields) }

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the field at index i.
func (s *Schema) Field(i int) (Field, error) {
	if i < 0 || i >= len(s.fields) {
		return Field{}, fmt.Errorf("field index %d out of range [0,%d)", i, len(s.fields))
	}
	return s.fields[i], nil
}

// Offset returns the byte offset of field i within a record.
func (s *Schema) Offset(i int) int { return s.offsets[i] }

// Index resolves a field name to its index.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.byName[name]
	return i, ok
}

// Encode packs one value per field into a record, coercing compatible Go
// types (int to int64, float32 to float64, numeric to float64 and so on).
func (s *Schema) Encode(values ...interface{}) ([]byte, error) {
	if len(values) != len(s.fields) {
		return nil, fmt.Errorf("got %d values for %d fields", len(values), len(s.fields))
	}

	rec := make([]byte, s.width)
	for i, f := range s.fields {
		dst := rec[s.offsets[i]:]
		switch f.Type {
		case TypeInt64:
			v, err := coerceInt64(values[i])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			binary.LittleEndian.PutUint64(dst, uint64(v))
		case TypeFloat64:
			v, err := coerceFloat64(values[i])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
		case TypeUInt64:
			v, err := coerceUint64(values[i])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			binary.LittleEndian.PutUint64(dst, v)
		case TypeBool:
			v, ok := values[i].(bool)
			if !ok {
				return nil, fmt.Errorf("field %q: expected bool, got %T", f.Name, values[i])
			}
			if v {
				dst[0] = 1
			}
		}
	}
	return rec, nil
}

// Decode returns the value of field i from a single record.
func (s *Schema) Decode(rec []byte, i int) (interface{}, error) {
	if len(rec) != s.width {
		return nil, fmt.Errorf("record is %d bytes, want %d", len(rec), s.width)
	}
	if i < 0 || i >= len(s.fields) {
		return nil, fmt.Errorf("field index %d out of range [0,%d)", i, len(s.fields))
	}
	src := rec[s.offsets[i]:]
	switch s.fields[i].Type {
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(src)), nil
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src)), nil
	case TypeUInt64:
		return binary.LittleEndian.Uint64(src), nil
	case TypeBool:
		return src[0] != 0, nil
	}
	return nil, fmt.Errorf("unknown type %d", int(s.fields[i].Type))
}

// DecodeRow returns all field values of one record in declaration order.
func (s *Schema) DecodeRow(rec []byte) ([]interface{}, error) {
	if len(rec) != s.width {
		return nil, fmt.Errorf("record is %d bytes, want %d", len(rec), s.width)
	}
	row := make([]interface{}, len(s.fields))
	for i := range s.fields {
		v, err := s.Decode(rec, i)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// DecodeAll splits a bulk buffer into records. A trailing chunk shorter than
// the record width is dropped, not reported as an error; bulk readers see
// only whole records.
func (s *Schema) DecodeAll(buf []byte) [][]byte {
	n := len(buf) / s.width
	recs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, buf[i*s.width:(i+1)*s.width])
	}
	return recs
}

// Float reads field i coerced to float64, regardless of its stored type.
// Bools map to 0 and 1. Used by the aggregation and latest-value paths.
func (s *Schema) Float(rec []byte, i int) (float64, error) {
	v, err := s.Decode(rec, i)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("field %d is not numeric", i)
}

// Timestamp reads the field-0 timestamp of a record. The record must be at
// least 8 bytes; callers pass whole records.
func Timestamp(rec []byte) int64 {
	return int64(binary.LittleEndian.Uint64(rec))
}

// PutTimestamp overwrites the field-0 timestamp of a record in place.
func PutTimestamp(rec []byte, ts int64) {
	binary.LittleEndian.PutUint64(rec, uint64(ts))
}

func coerceInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("expected int64, got %T", v)
	}
}

func coerceFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("expected float64, got %T", v)
	}
}

func coerceUint64(v interface{}) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case uint:
		return uint64(x), nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d for uint64 field", x)
		}
		return uint64(x), nil
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d for uint64 field", x)
		}
		return uint64(x), nil
	default:
		return 0, fmt.Errorf("expected uint64, got %T", v)
	}
}
