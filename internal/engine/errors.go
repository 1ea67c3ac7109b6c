package engine

import "errors"

// Every failure surfaces synchronously through one of these sentinels (or an
// I/O error wrapped around them); nothing is retried internally, and a
// rejected append never mutates persisted or cached state.
var (
	// ErrInvalidRecordSize is returned when an appended record's length does
	// not equal the schema record width.
	ErrInvalidRecordSize = errors.New("record size does not match schema width")

	// ErrTimestampNotMonotonic is returned when an appended timestamp is not
	// strictly greater than the last committed one (auto-increment off).
	ErrTimestampNotMonotonic = errors.New("timestamp is not strictly increasing")

	// ErrCapacityExceeded is returned when the segment is full and
	// overwrite-on-full is disabled.
	ErrCapacityExceeded = errors.New("series capacity exceeded")

	// ErrEmptyDatabase is returned by Latest when no record has ever been
	// committed on this series.
	ErrEmptyDatabase = errors.New("series has no records")

	// ErrNoDataInRange is returned by Stats when the requested window holds
	// no records.
	ErrNoDataInRange = errors.New("no data in requested time range")

	// ErrClosed is returned by every operation on a closed handle.
	ErrClosed = errors.New("series handle is closed")
)
