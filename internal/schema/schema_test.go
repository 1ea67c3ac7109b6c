package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFields() []Field {
	return []Field{
		{Name: "timestamp", Type: TypeInt64},
		{Name: "price", Type: TypeFloat64},
		{Name: "volume", Type: TypeUInt64},
		{Name: "halted", Type: TypeBool},
	}
}

func TestNew_OffsetsAndWidth(t *testing.T) {
	s, err := New(testFields())
	require.NoError(t, err)

	assert.Equal(t, 25, s.Width())
	assert.Equal(t, 0, s.Offset(0))
	assert.Equal(t, 8, s.Offset(1))
	assert.Equal(t, 16, s.Offset(2))
	assert.Equal(t, 24, s.Offset(3))
	assert.Equal(t, 4, s.NumFields())
}

func TestNew_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
	}{
		{"empty", nil},
		{"non-int64 timestamp", []Field{{Name: "timestamp", Type: TypeFloat64}}},
		{"unknown type", []Field{{Name: "timestamp", Type: TypeInt64}, {Name: "x", Type: FieldType(99)}}},
		{"string field", []Field{{Name: "timestamp", Type: TypeInt64}, {Name: "x", Type: TypeString}}},
		{"duplicate name", []Field{{Name: "timestamp", Type: TypeInt64}, {Name: "timestamp", Type: TypeFloat64}}},
		{"unnamed field", []Field{{Name: "timestamp", Type: TypeInt64}, {Name: "", Type: TypeBool}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.fields); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	s, err := New(testFields())
	require.NoError(t, err)

	rec, err := s.Encode(int64(1620000000), 50000.5, uint64(12), true)
	require.NoError(t, err)
	require.Len(t, rec, s.Width())

	row, err := s.DecodeRow(rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1620000000), row[0])
	assert.Equal(t, 50000.5, row[1])
	assert.Equal(t, uint64(12), row[2])
	assert.Equal(t, true, row[3])

	assert.Equal(t, int64(1620000000), Timestamp(rec))
}

func TestEncode_Coercions(t *testing.T) {
	s, err := New(testFields())
	require.NoError(t, err)

	// int for int64, int for float64, int for uint64
	rec, err := s.Encode(100, 25, 3, false)
	require.NoError(t, err)

	row, err := s.DecodeRow(rec)
	require.NoError(t, err)
	assert.Equal(t, int64(100), row[0])
	assert.Equal(t, 25.0, row[1])
	assert.Equal(t, uint64(3), row[2])
}

func TestEncode_Errors(t *testing.T) {
	s, err := New(testFields())
	require.NoError(t, err)

	if _, err := s.Encode(int64(1)); err == nil {
		t.Fatal("expected arity error")
	}
	if _, err := s.Encode("x", 1.0, uint64(1), true); err == nil {
		t.Fatal("expected type error for timestamp field")
	}
	if _, err := s.Encode(int64(1), 1.0, -5, true); err == nil {
		t.Fatal("expected negative value error for uint64 field")
	}
}

func TestPutTimestamp(t *testing.T) {
	s, err := New(testFields())
	require.NoError(t, err)

	rec, err := s.Encode(int64(7), 1.0, uint64(0), false)
	require.NoError(t, err)

	PutTimestamp(rec, 42)
	assert.Equal(t, int64(42), Timestamp(rec))

	// Other fields untouched
	v, err := s.Decode(rec, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestDecodeAll_DropsPartialTail(t *testing.T) {
	s, err := New(testFields())
	require.NoError(t, err)

	r1, _ := s.Encode(int64(1), 1.0, uint64(1), false)
	r2, _ := s.Encode(int64(2), 2.0, uint64(2), true)

	buf := append(append([]byte{}, r1...), r2...)
	buf = append(buf, 0xde, 0xad) // torn tail

	recs := s.DecodeAll(buf)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), Timestamp(recs[0]))
	assert.Equal(t, int64(2), Timestamp(recs[1]))
}

func TestFloat_CoercesAllTypes(t *testing.T) {
	s, err := New(testFields())
	require.NoError(t, err)

	rec, err := s.Encode(int64(10), 2.5, uint64(7), true)
	require.NoError(t, err)

	cases := []struct {
		field int
		want  float64
	}{
		{0, 10},
		{1, 2.5},
		{2, 7},
		{3, 1},
	}
	for _, c := range cases {
		got, err := s.Float(rec, c.field)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParseFieldType(t *testing.T) {
	for name, want := range map[string]FieldType{
		"int64": TypeInt64, "i64": TypeInt64,
		"float64": TypeFloat64, "f64": TypeFloat64,
		"uint64": TypeUInt64, "u64": TypeUInt64,
		"bool": TypeBool,
	} {
		got, err := ParseFieldType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	if _, err := ParseFieldType("string"); err == nil {
		t.Fatal("expected error for unsupported type name")
	}
}
