package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

// Buffer is a circular buffer of recent log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *Buffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer.
func GetBuffer() *Buffer {
	bufferOnce.Do(func() {
		globalBuffer = NewBuffer(10000)
	})
	return globalBuffer
}

// NewBuffer creates a buffer holding up to size entries.
func NewBuffer(size int) *Buffer {
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Add appends an entry, evicting the oldest once full.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Count returns the number of buffered entries.
func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Recent returns up to limit entries at or above the given level written in
// the last sinceMinutes, newest first. An empty level matches everything.
func (b *Buffer) Recent(limit int, level string, sinceMinutes int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	cutoff := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)

	var result []Entry
	for i := 0; i < b.count && len(result) < limit; i++ {
		idx := (b.writePos - 1 - i + b.size) % b.size
		entry := b.entries[idx]
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if level != "" && !atLeastLevel(entry.Level, level) {
			continue
		}
		result = append(result, entry)
	}
	return result
}

var levelPriority = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
	"fatal": 4,
}

func atLeastLevel(entryLevel, filterLevel string) bool {
	e, ok1 := levelPriority[strings.ToLower(entryLevel)]
	f, ok2 := levelPriority[strings.ToLower(filterLevel)]
	if !ok1 || !ok2 {
		return strings.EqualFold(entryLevel, filterLevel)
	}
	return e >= f
}

// bufferWriter tees zerolog output into the global buffer.
type bufferWriter struct {
	buffer   *Buffer
	original io.Writer
}

func newBufferWriter(original io.Writer) *bufferWriter {
	return &bufferWriter{
		buffer:   GetBuffer(),
		original: original,
	}
}

// Write parses the zerolog JSON line and records it. The original output is
// always written, whether or not the line parses.
func (w *bufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	var raw struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
		Time      string `json:"time"`
	}
	if jsonErr := json.Unmarshal(p, &raw); jsonErr != nil {
		return n, err
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(raw.Level),
		Component: raw.Component,
		Message:   raw.Message,
	}
	if raw.Time != "" {
		if t, parseErr := time.Parse(time.RFC3339, raw.Time); parseErr == nil {
			entry.Timestamp = t
		}
	}
	if entry.Message != "" || entry.Level != "" {
		w.buffer.Add(entry)
	}
	return n, err
}
