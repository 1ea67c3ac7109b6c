package engine

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/basekick-labs/tickdb/internal/schema"
)

// FilterKind discriminates the filter value union. One predicate slot holds
// exactly one kind; raw memory is never shared across kinds.
type FilterKind int

const (
	FilterInt FilterKind = iota
	FilterFloat
	FilterUint
	FilterBool
	// FilterString compares a fixed-length byte string. Reserved: no schema
	// field type produces string values yet.
	FilterString
)

// Filter is one equality predicate on a decoded field value. Filters in the
// same query are AND-combined.
type Filter struct {
	FieldIndex int
	Kind       FilterKind

	Int    int64
	Float  float64
	Uint   uint64
	Bool   bool
	String string
}

// NewFilter builds a filter from a dynamically typed value, mirroring the
// dictionary-argument form accepted at the boundary.
func NewFilter(fieldIndex int, value interface{}) (Filter, error) {
	f := Filter{FieldIndex: fieldIndex}
	switch v := value.(type) {
	case int64:
		f.Kind, f.Int = FilterInt, v
	case int:
		f.Kind, f.Int = FilterInt, int64(v)
	case int32:
		f.Kind, f.Int = FilterInt, int64(v)
	case float64:
		f.Kind, f.Float = FilterFloat, v
	case float32:
		f.Kind, f.Float = FilterFloat, float64(v)
	case uint64:
		f.Kind, f.Uint = FilterUint, v
	case uint:
		f.Kind, f.Uint = FilterUint, uint64(v)
	case bool:
		f.Kind, f.Bool = FilterBool, v
	case string:
		f.Kind, f.String = FilterString, v
	default:
		return Filter{}, fmt.Errorf("unsupported filter value type %T", value)
	}
	return f, nil
}

// FiltersFromMap resolves field-name keyed filter values against the schema.
func FiltersFromMap(s *schema.Schema, m map[string]interface{}) ([]Filter, error) {
	filters := make([]Filter, 0, len(m))
	for name, value := range m {
		idx, ok := s.Index(name)
		if !ok {
			return nil, fmt.Errorf("unknown field in filter: %s", name)
		}
		f, err := NewFilter(idx, value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", name, err)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// matches evaluates the filter against one record, type-aware: the stored
// field type decides the comparison, the filter value is coerced to it.
func (f Filter) matches(s *schema.Schema, rec []byte) (bool, error) {
	fld, err := s.Field(f.FieldIndex)
	if err != nil {
		return false, err
	}

	if f.Kind == FilterString {
		// Fixed-length compare against a zero-padded buffer, as the wire
		// contract specifies for the reserved string predicate.
		want := make([]byte, schema.StringWidth)
		copy(want, f.String)
		got := rec[s.Offset(f.FieldIndex):]
		if len(got) < schema.StringWidth {
			return false, nil
		}
		return bytes.Equal(got[:schema.StringWidth], want), nil
	}

	v, err := s.Decode(rec, f.FieldIndex)
	if err != nil {
		return false, err
	}

	switch fld.Type {
	case schema.TypeInt64:
		switch f.Kind {
		case FilterInt:
			return v.(int64) == f.Int, nil
		case FilterUint:
			return v.(int64) >= 0 && uint64(v.(int64)) == f.Uint, nil
		case FilterFloat:
			return float64(v.(int64)) == f.Float, nil
		}
	case schema.TypeFloat64:
		switch f.Kind {
		case FilterFloat:
			return v.(float64) == f.Float, nil
		case FilterInt:
			return v.(float64) == float64(f.Int), nil
		}
	case schema.TypeUInt64:
		switch f.Kind {
		case FilterUint:
			return v.(uint64) == f.Uint, nil
		case FilterInt:
			return f.Int >= 0 && v.(uint64) == uint64(f.Int), nil
		case FilterFloat:
			return float64(v.(uint64)) == f.Float, nil
		}
	case schema.TypeBool:
		if f.Kind == FilterBool {
			return v.(bool) == f.Bool, nil
		}
	}
	return false, nil
}

// Query returns the records with timestamps in [start, end], both bounds
// inclusive, that pass every filter, in ascending timestamp order. "No
// match" is a valid empty (non-nil) buffer, never an error. Range location
// is O(log n) over the sorted region; total cost O(log n + k) for k records
// in the narrowed range.
func (db *DB) Query(start, end int64, filters []Filter) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	for _, f := range filters {
		if _, err := db.schema.Field(f.FieldIndex); err != nil {
			return nil, err
		}
	}

	first, n, err := db.locateRange(start, end)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}

	buf, err := db.seg.ReadRange(first, n)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return buf, nil
	}

	width := db.schema.Width()
	out := make([]byte, 0, len(buf))
	for _, rec := range db.schema.DecodeAll(buf) {
		keep := true
		for _, f := range filters {
			ok, err := f.matches(db.schema, rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rec[:width]...)
		}
	}
	return out, nil
}

// locateRange binary-searches the visible region for the first record with
// timestamp >= start and the last with timestamp <= end, returning the
// logical index of the first and the count. Callers hold at least a read
// lock on db.
func (db *DB) locateRange(start, end int64) (first, n int, err error) {
	count := db.seg.Count()
	if count == 0 || start > end {
		return 0, 0, nil
	}

	var searchErr error
	ts := func(i int) int64 {
		t, err := db.seg.TimestampAt(i)
		if err != nil && searchErr == nil {
			searchErr = err
		}
		return t
	}

	lo := sort.Search(count, func(i int) bool { return ts(i) >= start })
	hi := sort.Search(count, func(i int) bool { return ts(i) > end })
	if searchErr != nil {
		return 0, 0, searchErr
	}
	if lo >= hi {
		return 0, 0, nil
	}
	return lo, hi - lo, nil
}
