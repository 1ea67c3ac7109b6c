package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/tickdb/internal/schema"
)

func mixedSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New([]schema.Field{
		{Name: "timestamp", Type: schema.TypeInt64},
		{Name: "level", Type: schema.TypeUInt64},
		{Name: "active", Type: schema.TypeBool},
	})
	require.NoError(t, err)
	return s
}

func TestNewFilter_Kinds(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		kind  FilterKind
	}{
		{"int64", int64(5), FilterInt},
		{"int", 5, FilterInt},
		{"int32", int32(5), FilterInt},
		{"float64", 5.0, FilterFloat},
		{"float32", float32(5), FilterFloat},
		{"uint64", uint64(5), FilterUint},
		{"uint", uint(5), FilterUint},
		{"bool", true, FilterBool},
		{"string", "abc", FilterString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(1, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, f.Kind)
		})
	}

	if _, err := NewFilter(1, []byte("x")); err == nil {
		t.Fatal("expected error for unsupported filter value type")
	}
}

func TestQuery_BoolAndUintFilters(t *testing.T) {
	s := mixedSchema(t)
	db, err := Open("FILTERS", t.TempDir(), s, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	rows := []struct {
		ts     int64
		level  uint64
		active bool
	}{
		{100, 1, true},
		{200, 2, false},
		{300, 2, true},
	}
	for _, r := range rows {
		rec, err := s.Encode(r.ts, r.level, r.active)
		require.NoError(t, err)
		require.NoError(t, db.Append(rec))
	}

	fLevel, err := NewFilter(1, uint64(2))
	require.NoError(t, err)
	fActive, err := NewFilter(2, true)
	require.NoError(t, err)

	buf, err := db.Query(0, 1000, []Filter{fLevel, fActive})
	require.NoError(t, err)
	recs := s.DecodeAll(buf)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(300), schema.Timestamp(recs[0]))

	// Integer filter value against a uint64 field matches by value.
	fInt, err := NewFilter(1, 2)
	require.NoError(t, err)
	buf, err = db.Query(0, 1000, []Filter{fInt})
	require.NoError(t, err)
	assert.Len(t, s.DecodeAll(buf), 2)
}

func TestQuery_FloatFilterOnIntField(t *testing.T) {
	s := mixedSchema(t)
	db, err := Open("COERCE", t.TempDir(), s, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	rec, err := s.Encode(int64(100), uint64(3), false)
	require.NoError(t, err)
	require.NoError(t, db.Append(rec))

	f, err := NewFilter(1, 3.0)
	require.NoError(t, err)
	buf, err := db.Query(0, 1000, []Filter{f})
	require.NoError(t, err)
	assert.Len(t, s.DecodeAll(buf), 1)

	f, err = NewFilter(1, 3.5)
	require.NoError(t, err)
	buf, err = db.Query(0, 1000, []Filter{f})
	require.NoError(t, err)
	assert.Len(t, buf, 0)
}

func TestQuery_StringFilterReserved(t *testing.T) {
	// No schema field type yields strings yet; the reserved string kind
	// must evaluate without error and simply match nothing.
	s := mixedSchema(t)
	db, err := Open("RESERVED", t.TempDir(), s, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	rec, err := s.Encode(int64(100), uint64(1), true)
	require.NoError(t, err)
	require.NoError(t, db.Append(rec))

	f, err := NewFilter(1, "BTC")
	require.NoError(t, err)
	buf, err := db.Query(0, 1000, []Filter{f})
	require.NoError(t, err)
	assert.Len(t, buf, 0)
}

func TestQuery_InvalidFilterIndex(t *testing.T) {
	s := mixedSchema(t)
	db, err := Open("BADIDX", t.TempDir(), s, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	f, err := NewFilter(17, int64(1))
	require.NoError(t, err)
	_, err = db.Query(0, 1000, []Filter{f})
	require.Error(t, err)
}

func TestLocateRange_Bounds(t *testing.T) {
	s := mixedSchema(t)
	db, err := Open("BOUNDS", t.TempDir(), s, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	for _, ts := range []int64{10, 20, 30, 40} {
		rec, err := s.Encode(ts, uint64(0), false)
		require.NoError(t, err)
		require.NoError(t, db.Append(rec))
	}

	tests := []struct {
		start, end int64
		first, n   int
	}{
		{0, 100, 0, 4},
		{10, 40, 0, 4},
		{15, 35, 1, 2},
		{20, 20, 1, 1},
		{41, 100, 0, 0},
		{0, 9, 0, 0},
		{35, 15, 0, 0}, // inverted window
	}
	for _, tt := range tests {
		first, n, err := db.locateRange(tt.start, tt.end)
		require.NoError(t, err)
		assert.Equal(t, tt.first, first, "start=%d end=%d", tt.start, tt.end)
		assert.Equal(t, tt.n, n, "start=%d end=%d", tt.start, tt.end)
	}
}
