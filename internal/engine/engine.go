// Package engine implements the storage engine for one series: the append
// path with its monotonicity and capacity invariants, time-range queries
// over the timestamp-sorted record region, single-pass aggregations, and the
// O(1) latest-value accessor.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/tickdb/internal/schema"
	"github.com/basekick-labs/tickdb/internal/segment"
)

// Options configures a series handle.
type Options struct {
	// MaxFileSize caps the segment file in bytes, header included.
	// 0 = unbounded.
	MaxFileSize int64

	// OverwriteOnFull turns the segment into a ring buffer once
	// MaxFileSize is reached; the oldest records are discarded to admit
	// new ones.
	OverwriteOnFull bool

	// FlushOnWrite makes durability a precondition of Append returning
	// success. Otherwise success means accepted, and durability is
	// guaranteed only after Flush.
	FlushOnWrite bool

	// AutoIncrement assigns sequential engine timestamps (1, 2, ...) and
	// ignores the caller-supplied field-0 value.
	AutoIncrement bool
}

// DB is a live handle to one series. One handle owns the series' mutable
// state; appends, flushes and closes are serialized, while queries and reads
// may run concurrently with each other.
type DB struct {
	ticker string
	schema *schema.Schema
	opts   Options
	logger zerolog.Logger

	mu  sync.RWMutex
	seg *segment.Segment

	lastTimestamp int64
	latest        []byte // cached most recent committed record
	closed        bool
}

// Open opens or creates the series named ticker under dir. Existing data is
// recovered through the segment manager; the caller must supply the same
// schema on every open, the layout is not self-describing.
func Open(ticker, dir string, s *schema.Schema, opts Options, logger zerolog.Logger) (*DB, error) {
	if ticker == "" {
		return nil, errors.New("ticker must not be empty")
	}

	log := logger.With().Str("component", "engine").Str("ticker", ticker).Logger()

	seg, err := segment.Open(filepath.Join(dir, ticker+".tsd"), s.Width(), segment.Config{
		MaxSize:   opts.MaxFileSize,
		Overwrite: opts.OverwriteOnFull,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open segment for %s: %w", ticker, err)
	}

	db := &DB{
		ticker: ticker,
		schema: s,
		opts:   opts,
		logger: log,
		seg:    seg,
	}

	if rec, ok := seg.LastRecord(); ok {
		db.latest = rec
		db.lastTimestamp = schema.Timestamp(rec)
	}

	// After a ring wrap the newest record is the true maximum, but restarts
	// with auto-increment must keep numbering from the highest timestamp
	// ever assigned, which recovery already yields: the newest survivor.
	log.Info().
		Int("records", seg.Count()).
		Int64("last_timestamp", db.lastTimestamp).
		Bool("auto_increment", opts.AutoIncrement).
		Msg("Series opened")

	return db, nil
}

// Ticker returns the series name.
func (db *DB) Ticker() string { return db.ticker }

// Schema returns the series schema.
func (db *DB) Schema() *schema.Schema { return db.schema }

// Path returns the backing segment file path.
func (db *DB) Path() string { return db.seg.Path() }

// Append validates and commits one raw record. Any failure leaves prior
// committed state untouched; there is no partial commit.
func (db *DB) Append(rec []byte) error {
	if len(rec) != db.schema.Width() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidRecordSize, len(rec), db.schema.Width())
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	var ts int64
	if db.opts.AutoIncrement {
		// The caller-supplied timestamp is ignored; the first record of a
		// fresh series gets 1.
		ts = db.lastTimestamp + 1
		stamped := make([]byte, len(rec))
		copy(stamped, rec)
		schema.PutTimestamp(stamped, ts)
		rec = stamped
	} else {
		ts = schema.Timestamp(rec)
		if ts <= db.lastTimestamp {
			return fmt.Errorf("%w: %d <= %d", ErrTimestampNotMonotonic, ts, db.lastTimestamp)
		}
	}

	if err := db.seg.Append(rec); err != nil {
		if errors.Is(err, segment.ErrCapacityExceeded) {
			return ErrCapacityExceeded
		}
		return fmt.Errorf("append failed: %w", err)
	}

	if db.opts.FlushOnWrite {
		if err := db.seg.Flush(); err != nil {
			return fmt.Errorf("flush-on-write failed: %w", err)
		}
	}

	db.lastTimestamp = ts
	if db.latest == nil || len(db.latest) != len(rec) {
		db.latest = make([]byte, len(rec))
	}
	copy(db.latest, rec)
	return nil
}

// Flush forces durability of all accepted appends. Idempotent.
func (db *DB) Flush() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return ErrClosed
	}
	return db.seg.Flush()
}

// Close flushes and releases the series. Closing twice is a no-op; every
// other operation on a closed handle fails with ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	err := db.seg.Close()
	db.logger.Info().Int64("last_timestamp", db.lastTimestamp).Msg("Series closed")
	return err
}

// Load returns all visible records in storage (ascending timestamp) order as
// one contiguous buffer.
func (db *DB) Load() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	return db.seg.ReadAll()
}

// Count returns the number of visible records.
func (db *DB) Count() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return 0, ErrClosed
	}
	return db.seg.Count(), nil
}

// LastTimestamp returns the timestamp of the most recent committed record,
// or 0 when the series is empty.
func (db *DB) LastTimestamp() (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return 0, ErrClosed
	}
	return db.lastTimestamp, nil
}

// Stats aggregates one numeric field over [start, end], end inclusive, in a
// single pass. Every value is coerced to float64 regardless of stored type.
func (db *DB) Stats(start, end int64, fieldIndex int) (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return Stats{}, ErrClosed
	}
	if _, err := db.schema.Field(fieldIndex); err != nil {
		return Stats{}, err
	}

	first, n, err := db.locateRange(start, end)
	if err != nil {
		return Stats{}, err
	}
	if n == 0 {
		return Stats{}, ErrNoDataInRange
	}

	buf, err := db.seg.ReadRange(first, n)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Count: uint64(n)}
	for i, rec := range db.schema.DecodeAll(buf) {
		v, err := db.schema.Float(rec, fieldIndex)
		if err != nil {
			return Stats{}, err
		}
		if i == 0 {
			st.Min, st.Max = v, v
		} else {
			if v < st.Min {
				st.Min = v
			}
			if v > st.Max {
				st.Max = v
			}
		}
		st.Sum += v
	}
	st.Mean = st.Sum / float64(n)
	return st, nil
}

// Latest returns the named field of the most recently committed record as a
// float64, with its timestamp. O(1): reads only the cached latest record.
func (db *DB) Latest(fieldIndex int) (float64, int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return 0, 0, ErrClosed
	}
	if db.latest == nil {
		return 0, 0, ErrEmptyDatabase
	}

	v, err := db.schema.Float(db.latest, fieldIndex)
	if err != nil {
		return 0, 0, err
	}
	return v, db.lastTimestamp, nil
}

// Stats is the aggregation result for one field over a time window.
type Stats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
}
