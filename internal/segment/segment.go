// Package segment owns the durable byte region backing one series.
//
// A segment is a single flat file: a 12-byte header followed by fixed-width
// records in commit order. The header carries the record width for sanity
// checking on reopen but no schema; callers supply the schema externally.
// With a size limit and overwrite enabled the record region becomes a ring
// buffer over a fixed capacity, tracked with an explicit head and visible
// count.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Segment file format constants.
var segmentMagic = []byte{'T', 'S', 'D', '1'}

const (
	FormatVersion = uint16(0x0001)

	// Header: Magic(4) + Version(2) + Reserved(2) + RecordWidth(4)
	HeaderSize = 12
)

var (
	// ErrCapacityExceeded is returned by Append when the segment is at its
	// configured capacity and overwrite is disabled.
	ErrCapacityExceeded = errors.New("segment capacity exceeded")

	// ErrClosed is returned by any operation on a closed segment.
	ErrClosed = errors.New("segment is closed")

	ErrBadMagic      = errors.New("invalid segment magic bytes")
	ErrWidthMismatch = errors.New("segment record width does not match schema")
)

// Config holds segment open options.
type Config struct {
	// MaxSize caps the file size in bytes, header included. 0 = unbounded.
	MaxSize int64

	// Overwrite turns the record region into a ring buffer once MaxSize is
	// reached: the oldest record is overwritten to admit a new one.
	Overwrite bool

	Logger zerolog.Logger
}

// Segment is the durable record region for one series. Mutations are
// serialized by an exclusive lock; reads share the lock, so a reader never
// observes a record whose bytes are not fully committed.
type Segment struct {
	mu sync.RWMutex

	file   *os.File
	path   string
	width  int
	logger zerolog.Logger

	// capRecords is the ring capacity in records, 0 when unbounded.
	capRecords int
	overwrite  bool

	// data mirrors the record region in physical order. head is the logical
	// index of the oldest visible record; count is the number of visible
	// records; appended counts every commit since open, wrap included.
	data     []byte
	head     int
	count    int
	appended int64

	dirty  bool
	closed bool
}

// Open opens or creates the segment file at path for records of the given
// width, recovering prior state when the file already holds data. A trailing
// byte run shorter than one record (crash mid-write) is discarded.
func Open(path string, width int, cfg Config) (*Segment, error) {
	if width <= 0 {
		return nil, fmt.Errorf("record width must be positive, got %d", width)
	}

	capRecords := 0
	if cfg.MaxSize > 0 {
		capRecords = int((cfg.MaxSize - HeaderSize) / int64(width))
		if capRecords < 1 {
			return nil, fmt.Errorf("max size %d leaves no room for a %d-byte record", cfg.MaxSize, width)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}

	s := &Segment{
		file:       f,
		path:       path,
		width:      width,
		capRecords: capRecords,
		overwrite:  cfg.Overwrite,
		logger:     cfg.Logger.With().Str("component", "segment").Str("file", filepath.Base(path)).Logger(),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	if info.Size() == 0 {
		if err := s.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		s.logger.Info().Int("record_width", width).Int("capacity_records", capRecords).Msg("Segment created")
		return s, nil
	}

	if err := s.recover(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Segment) writeHeader() error {
	header := make([]byte, HeaderSize)
	copy(header[0:4], segmentMagic)
	binary.BigEndian.PutUint16(header[4:6], FormatVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(s.width))

	if _, err := s.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	s.dirty = true
	return nil
}

// recover rebuilds in-memory state from an existing file.
func (s *Segment) recover(size int64) error {
	if size < HeaderSize {
		return fmt.Errorf("segment file too short (%d bytes)", size)
	}

	header := make([]byte, HeaderSize)
	if _, err := s.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("failed to read segment header: %w", err)
	}
	if string(header[0:4]) != string(segmentMagic) {
		return ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != FormatVersion {
		return fmt.Errorf("unsupported segment format version %d", v)
	}
	if w := int(binary.BigEndian.Uint32(header[8:12])); w != s.width {
		return fmt.Errorf("%w: file has %d, schema has %d", ErrWidthMismatch, w, s.width)
	}

	bodyLen := size - HeaderSize
	validLen := bodyLen - bodyLen%int64(s.width)
	if validLen != bodyLen {
		// Crash mid-write left a partial trailing record. Drop it.
		s.logger.Warn().
			Int64("discarded_bytes", bodyLen-validLen).
			Msg("Discarding partial trailing record")
		if err := s.file.Truncate(HeaderSize + validLen); err != nil {
			return fmt.Errorf("failed to truncate partial record: %w", err)
		}
		s.dirty = true
	}

	count := int(validLen / int64(s.width))
	if s.capRecords > 0 && count > s.capRecords {
		return fmt.Errorf("segment holds %d records, exceeds configured capacity %d", count, s.capRecords)
	}

	s.data = make([]byte, validLen)
	if validLen > 0 {
		if _, err := s.file.ReadAt(s.data, HeaderSize); err != nil {
			return fmt.Errorf("failed to read segment body: %w", err)
		}
	}

	s.count = count
	s.appended = int64(count)
	s.head = 0

	// A full region may have wrapped; the oldest record is then no longer
	// at physical index 0. Timestamps are strictly increasing, so the body
	// is a rotated sorted array and the rotation point is found by binary
	// search on the field-0 value.
	if s.capRecords > 0 && count == s.capRecords && count > 1 {
		s.head = s.findRotation()
	}

	s.logger.Info().
		Int("records", s.count).
		Int("head", s.head).
		Msg("Segment recovered")
	return nil
}

// findRotation returns the physical index of the record with the smallest
// timestamp. head 0 means the region never wrapped (or wrapped an exact
// multiple of its capacity).
func (s *Segment) findRotation() int {
	first := s.tsAt(0)
	if first < s.tsAt(s.count-1) {
		return 0
	}
	lo, hi := 0, s.count-1
	for lo < hi {
		mid := (lo + hi) / 2
		if s.tsAt(mid) >= first {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// tsAt reads the field-0 timestamp of the record at physical index i.
func (s *Segment) tsAt(i int) int64 {
	return int64(binary.LittleEndian.Uint64(s.data[i*s.width:]))
}

// Append commits one record. The file bytes are placed before the visible
// count advances, so concurrent readers never see a torn record. With the
// ring active the oldest record is overwritten and irrecoverably lost.
func (s *Segment) Append(rec []byte) error {
	if len(rec) != s.width {
		return fmt.Errorf("record is %d bytes, want %d", len(rec), s.width)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	full := s.capRecords > 0 && s.count == s.capRecords
	if full && !s.overwrite {
		return ErrCapacityExceeded
	}

	var pos int
	if full {
		pos = s.head // overwrite the oldest record
	} else {
		pos = int(s.appended) // physical slot for the next record
		if s.capRecords > 0 {
			pos = int(s.appended) % s.capRecords
		}
	}

	offset := int64(HeaderSize) + int64(pos)*int64(s.width)
	if _, err := s.file.WriteAt(rec, offset); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	// Mirror the bytes, then publish.
	byteOff := pos * s.width
	if byteOff == len(s.data) {
		s.data = append(s.data, rec...)
	} else {
		copy(s.data[byteOff:], rec)
	}

	if full {
		s.head = (s.head + 1) % s.capRecords
	} else {
		s.count++
	}
	s.appended++
	s.dirty = true
	return nil
}

// Flush forces all accepted writes to durable storage. Idempotent: repeated
// calls with no intervening append do nothing.
func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Segment) flushLocked() error {
	if s.closed {
		return ErrClosed
	}
	if !s.dirty {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	s.dirty = false
	return nil
}

// Close flushes and releases the file. Closing an already closed segment is
// a no-op.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.flushLocked(); err != nil && !errors.Is(err, ErrClosed) {
		s.file.Close()
		s.closed = true
		return err
	}
	err := s.file.Close()
	s.closed = true
	s.logger.Info().Int("records", s.count).Msg("Segment closed")
	return err
}

// Count returns the number of visible records.
func (s *Segment) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Appended returns the logical number of commits since open, wrap included.
func (s *Segment) Appended() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appended
}

// Capacity returns the ring capacity in records, 0 when unbounded.
func (s *Segment) Capacity() int { return s.capRecords }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Record returns a copy of the record at logical index i (0 = oldest
// visible).
func (s *Segment) Record(i int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= s.count {
		return nil, fmt.Errorf("record index %d out of range [0,%d)", i, s.count)
	}
	return s.copyRecordLocked(i), nil
}

// LastRecord returns a copy of the most recently committed record, or false
// when the segment is empty.
func (s *Segment) LastRecord() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.count == 0 {
		return nil, false
	}
	return s.copyRecordLocked(s.count - 1), true
}

// ReadAll returns all visible records, oldest first, as one contiguous
// buffer.
func (s *Segment) ReadAll() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.readRangeLocked(0, s.count), nil
}

// ReadRange returns n records starting at logical index first as one
// contiguous buffer.
func (s *Segment) ReadRange(first, n int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if first < 0 || n < 0 || first+n > s.count {
		return nil, fmt.Errorf("range [%d,%d) out of bounds for %d records", first, first+n, s.count)
	}
	return s.readRangeLocked(first, n), nil
}

// TimestampAt reads the field-0 timestamp of the record at logical index i
// without copying. Used by the binary-search range location.
func (s *Segment) TimestampAt(i int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	if i < 0 || i >= s.count {
		return 0, fmt.Errorf("record index %d out of range [0,%d)", i, s.count)
	}
	return s.tsAt(s.physical(i)), nil
}

func (s *Segment) physical(logical int) int {
	if s.capRecords > 0 {
		return (s.head + logical) % s.capRecords
	}
	return logical
}

func (s *Segment) copyRecordLocked(i int) []byte {
	off := s.physical(i) * s.width
	out := make([]byte, s.width)
	copy(out, s.data[off:off+s.width])
	return out
}

func (s *Segment) readRangeLocked(first, n int) []byte {
	out := make([]byte, 0, n*s.width)
	if n == 0 {
		return out
	}
	if s.head == 0 {
		off := first * s.width
		return append(out, s.data[off:off+n*s.width]...)
	}
	// Wrapped region: up to two physical spans.
	for i := first; i < first+n; {
		pos := s.physical(i)
		span := n + first - i
		if pos+span > s.capRecords {
			span = s.capRecords - pos
		}
		out = append(out, s.data[pos*s.width:(pos+span)*s.width]...)
		i += span
	}
	return out
}
