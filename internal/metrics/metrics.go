// Package metrics holds TickDB runtime counters, exported in Prometheus
// text format and as JSON snapshots.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all TickDB counters. All fields are atomics so the hot
// append and query paths never contend on a lock.
type Metrics struct {
	startTime time.Time

	// HTTP
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64
	httpLatencySum      atomic.Int64 // microseconds
	httpLatencyCount    atomic.Int64

	// Append path
	appendTotal       atomic.Int64
	appendBytesTotal  atomic.Int64
	appendErrorsTotal atomic.Int64

	// Query path (range queries, stats, latest)
	queryRequestsTotal atomic.Int64
	queryErrorsTotal   atomic.Int64
	queryRecordsTotal  atomic.Int64
	queryLatencySum    atomic.Int64 // microseconds
	queryLatencyCount  atomic.Int64

	// Segment I/O
	flushTotal   atomic.Int64
	seriesOpen   atomic.Int64
	seriesClosed atomic.Int64
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns a fresh metrics instance independent of the singleton.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{startTime: time.Now()}
	})
	return instance
}

func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }
func (m *Metrics) RecordHTTPLatency(us int64) {
	m.httpLatencySum.Add(us)
	m.httpLatencyCount.Add(1)
}

func (m *Metrics) IncAppend(bytes int) {
	m.appendTotal.Add(1)
	m.appendBytesTotal.Add(int64(bytes))
}
func (m *Metrics) IncAppendError() { m.appendErrorsTotal.Add(1) }

func (m *Metrics) IncQuery()             { m.queryRequestsTotal.Add(1) }
func (m *Metrics) IncQueryError()        { m.queryErrorsTotal.Add(1) }
func (m *Metrics) AddQueryRecords(n int) { m.queryRecordsTotal.Add(int64(n)) }
func (m *Metrics) RecordQueryLatency(us int64) {
	m.queryLatencySum.Add(us)
	m.queryLatencyCount.Add(1)
}

func (m *Metrics) IncFlush()        { m.flushTotal.Add(1) }
func (m *Metrics) IncSeriesOpen()   { m.seriesOpen.Add(1) }
func (m *Metrics) IncSeriesClosed() { m.seriesClosed.Add(1) }

// Snapshot returns all counters as a map for JSON responses.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":        time.Since(m.startTime).Seconds(),
		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_sum_us":   m.httpLatencySum.Load(),
		"http_latency_count":    m.httpLatencyCount.Load(),
		"append_total":          m.appendTotal.Load(),
		"append_bytes_total":    m.appendBytesTotal.Load(),
		"append_errors_total":   m.appendErrorsTotal.Load(),
		"query_requests_total":  m.queryRequestsTotal.Load(),
		"query_errors_total":    m.queryErrorsTotal.Load(),
		"query_records_total":   m.queryRecordsTotal.Load(),
		"query_latency_sum_us":  m.queryLatencySum.Load(),
		"query_latency_count":   m.queryLatencyCount.Load(),
		"flush_total":           m.flushTotal.Load(),
		"series_open_total":     m.seriesOpen.Load(),
		"series_closed_total":   m.seriesClosed.Load(),
	}
}

// PrometheusFormat renders all counters in Prometheus text exposition
// format.
func (m *Metrics) PrometheusFormat() string {
	var b strings.Builder

	counter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP tickdb_%s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE tickdb_%s counter\n", name)
		fmt.Fprintf(&b, "tickdb_%s %d\n", name, value)
	}

	fmt.Fprintf(&b, "# HELP tickdb_uptime_seconds Time since process start\n")
	fmt.Fprintf(&b, "# TYPE tickdb_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "tickdb_uptime_seconds %f\n", time.Since(m.startTime).Seconds())

	counter("http_requests_total", "Total HTTP requests", m.httpRequestsTotal.Load())
	counter("http_requests_success", "HTTP requests with status below 400", m.httpRequestsSuccess.Load())
	counter("http_requests_error", "HTTP requests with status 400 or above", m.httpRequestsError.Load())
	counter("append_total", "Records appended", m.appendTotal.Load())
	counter("append_bytes_total", "Bytes appended", m.appendBytesTotal.Load())
	counter("append_errors_total", "Rejected appends", m.appendErrorsTotal.Load())
	counter("query_requests_total", "Query, stats and latest requests", m.queryRequestsTotal.Load())
	counter("query_errors_total", "Failed query requests", m.queryErrorsTotal.Load())
	counter("query_records_total", "Records returned by queries", m.queryRecordsTotal.Load())
	counter("flush_total", "Explicit flushes", m.flushTotal.Load())
	counter("series_open_total", "Series opened", m.seriesOpen.Load())
	counter("series_closed_total", "Series closed", m.seriesClosed.Load())

	return b.String()
}
