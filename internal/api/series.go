package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/semaphore"

	"github.com/basekick-labs/tickdb/internal/catalog"
	"github.com/basekick-labs/tickdb/internal/engine"
	"github.com/basekick-labs/tickdb/internal/metrics"
	"github.com/basekick-labs/tickdb/internal/registry"
	"github.com/basekick-labs/tickdb/internal/schema"
)

// SeriesHandler serves the series lifecycle and data-path routes.
type SeriesHandler struct {
	catalog  *catalog.Catalog
	registry *registry.Registry
	dataDir  string
	querySem *semaphore.Weighted
	logger   zerolog.Logger
}

// NewSeriesHandler creates the handler. maxQueryConcurrency bounds the number
// of query and stats requests decoded at once.
func NewSeriesHandler(cat *catalog.Catalog, reg *registry.Registry, dataDir string, maxQueryConcurrency int64, log zerolog.Logger) *SeriesHandler {
	if maxQueryConcurrency < 1 {
		maxQueryConcurrency = 1
	}
	return &SeriesHandler{
		catalog:  cat,
		registry: reg,
		dataDir:  dataDir,
		querySem: semaphore.NewWeighted(maxQueryConcurrency),
		logger:   log.With().Str("component", "api-series").Logger(),
	}
}

// RegisterRoutes mounts the series routes on the app.
func (h *SeriesHandler) RegisterRoutes(app *fiber.App) {
	v1 := app.Group("/api/v1")

	v1.Post("/series", h.createSeries)
	v1.Get("/series", h.listSeries)
	v1.Get("/series/:ticker", h.getSeries)
	v1.Delete("/series/:ticker", h.deleteSeries)
	v1.Post("/series/:ticker/close", h.closeSeries)

	v1.Post("/series/:ticker/append", h.appendRecords)
	v1.Post("/series/:ticker/flush", h.flushSeries)
	v1.Get("/series/:ticker/load", h.loadSeries)
	v1.Post("/series/:ticker/query", h.querySeries)
	v1.Get("/series/:ticker/stats", h.statsSeries)
	v1.Get("/series/:ticker/latest", h.latestSeries)
}

type createSeriesRequest struct {
	Ticker string `json:"ticker"`
	Fields []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"fields"`
	MaxFileSize     int64 `json:"max_file_size"`
	OverwriteOnFull bool  `json:"overwrite_on_full"`
	FlushOnWrite    bool  `json:"flush_on_write"`
	AutoIncrement   bool  `json:"auto_increment"`
}

func (h *SeriesHandler) createSeries(c *fiber.Ctx) error {
	var req createSeriesRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Ticker == "" {
		return fiber.NewError(fiber.StatusBadRequest, "ticker is required")
	}

	fields := make([]schema.Field, 0, len(req.Fields))
	for _, f := range req.Fields {
		ft, err := schema.ParseFieldType(f.Type)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		fields = append(fields, schema.Field{Name: f.Name, Type: ft})
	}

	s, err := schema.New(fields)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	opts := engine.Options{
		MaxFileSize:     req.MaxFileSize,
		OverwriteOnFull: req.OverwriteOnFull,
		FlushOnWrite:    req.FlushOnWrite,
		AutoIncrement:   req.AutoIncrement,
	}

	entry, err := h.catalog.Create(req.Ticker, fields, opts)
	if err != nil {
		if errors.Is(err, catalog.ErrExists) {
			return fiber.NewError(fiber.StatusConflict, fmt.Sprintf("series %s already exists", req.Ticker))
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	db, err := engine.Open(req.Ticker, h.dataDir, s, opts, h.logger)
	if err != nil {
		// Roll back the catalog row so create stays atomic from the
		// client's perspective.
		if delErr := h.catalog.Delete(req.Ticker); delErr != nil {
			h.logger.Error().Err(delErr).Str("ticker", req.Ticker).Msg("Failed to roll back catalog entry")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	if err := h.registry.Put(db); err != nil {
		db.Close()
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}

	metrics.Get().IncSeriesOpen()
	h.logger.Info().Str("ticker", req.Ticker).Int("fields", len(fields)).Msg("Series created")

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":           entry.ID,
		"ticker":       entry.Ticker,
		"record_width": s.Width(),
		"created_at":   entry.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *SeriesHandler) listSeries(c *fiber.Ctx) error {
	entries, err := h.catalog.List()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	out := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		_, open := h.registry.Get(e.Ticker)
		out = append(out, fiber.Map{
			"id":         e.ID,
			"ticker":     e.Ticker,
			"fields":     e.Fields,
			"open":       open,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(fiber.Map{"count": len(out), "series": out})
}

func (h *SeriesHandler) getSeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	entry, err := h.catalog.Get(ticker)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s not found", ticker))
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	resp := fiber.Map{
		"id":         entry.ID,
		"ticker":     entry.Ticker,
		"fields":     entry.Fields,
		"options":    entry.Options,
		"created_at": entry.CreatedAt.UTC().Format(time.RFC3339),
		"open":       false,
	}

	if db, ok := h.registry.Get(ticker); ok {
		resp["open"] = true
		if count, err := db.Count(); err == nil {
			resp["record_count"] = count
		}
		if ts, err := db.LastTimestamp(); err == nil {
			resp["last_timestamp"] = ts
		}
	}
	return c.JSON(resp)
}

// deleteSeries closes the handle, drops the catalog row and removes the data
// file. Destructive; closeSeries releases the handle without deleting data.
func (h *SeriesHandler) deleteSeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")

	if _, err := h.catalog.Get(ticker); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s not found", ticker))
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	var path string
	if db, ok := h.registry.Remove(ticker); ok {
		path = db.Path()
		if err := db.Close(); err != nil {
			h.logger.Error().Err(err).Str("ticker", ticker).Msg("Close during delete failed")
		}
		metrics.Get().IncSeriesClosed()
	}

	if err := h.catalog.Delete(ticker); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if path != "" {
		if err := os.Remove(path); err != nil {
			h.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove data file")
		}
	}

	h.logger.Info().Str("ticker", ticker).Msg("Series deleted")
	return c.JSON(fiber.Map{"status": "deleted", "ticker": ticker})
}

// closeSeries flushes and releases the live handle. The series stays in the
// catalog and can be reopened by restarting or recreating the handle.
func (h *SeriesHandler) closeSeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")

	db, ok := h.registry.Remove(ticker)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s is not open", ticker))
	}
	if err := db.Close(); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	metrics.Get().IncSeriesClosed()
	h.logger.Info().Str("ticker", ticker).Msg("Series closed")
	return c.JSON(fiber.Map{"status": "closed", "ticker": ticker})
}

// appendRecords accepts raw fixed-width records (application/octet-stream,
// body length a multiple of the record width) or msgpack-encoded rows
// (application/msgpack, a field map or an array of field maps). Either form
// may be gzip-compressed with Content-Encoding: gzip.
func (h *SeriesHandler) appendRecords(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	db, ok := h.registry.Get(ticker)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s is not open", ticker))
	}

	body := c.Body()
	if strings.Contains(c.Get("Content-Encoding"), "gzip") {
		decompressed, err := gunzip(body)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid gzip body: "+err.Error())
		}
		body = decompressed
	}
	if len(body) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "empty body")
	}

	var records [][]byte
	var err error
	contentType := c.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "msgpack"):
		records, err = decodeMsgpackRows(db.Schema(), body)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	default:
		width := db.Schema().Width()
		if len(body)%width != 0 {
			return fiber.NewError(fiber.StatusBadRequest,
				fmt.Sprintf("body length %d is not a multiple of record width %d", len(body), width))
		}
		for off := 0; off < len(body); off += width {
			records = append(records, body[off:off+width])
		}
	}

	m := metrics.Get()
	appended := 0
	for _, rec := range records {
		if err := db.Append(rec); err != nil {
			m.IncAppendError()
			// Earlier records in the batch stay committed; report how
			// far we got alongside the failure.
			return c.Status(statusForEngineError(err)).JSON(fiber.Map{
				"error":    err.Error(),
				"appended": appended,
			})
		}
		m.IncAppend(len(rec))
		appended++
	}

	lastTS, _ := db.LastTimestamp()
	return c.JSON(fiber.Map{
		"appended":       appended,
		"last_timestamp": lastTS,
	})
}

func (h *SeriesHandler) flushSeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	db, ok := h.registry.Get(ticker)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s is not open", ticker))
	}
	if err := db.Flush(); err != nil {
		return fiber.NewError(statusForEngineError(err), err.Error())
	}
	metrics.Get().IncFlush()
	return c.JSON(fiber.Map{"status": "flushed", "ticker": ticker})
}

// loadSeries streams every record in timestamp order. Raw bytes by default,
// decoded JSON rows with Accept: application/json.
func (h *SeriesHandler) loadSeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	db, ok := h.registry.Get(ticker)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s is not open", ticker))
	}

	buf, err := db.Load()
	if err != nil {
		return fiber.NewError(statusForEngineError(err), err.Error())
	}
	return h.sendRecords(c, db, buf)
}

type queryRequest struct {
	Start   int64                  `json:"start"`
	End     int64                  `json:"end"`
	Filters map[string]interface{} `json:"filters"`
}

// querySeries runs a time-range query with optional equality filters. The end
// bound is inclusive.
func (h *SeriesHandler) querySeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	db, ok := h.registry.Get(ticker)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s is not open", ticker))
	}

	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}

	filters, err := engine.FiltersFromMap(db.Schema(), req.Filters)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := h.querySem.Acquire(c.Context(), 1); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "query capacity exhausted")
	}
	defer h.querySem.Release(1)

	m := metrics.Get()
	m.IncQuery()
	start := time.Now()

	buf, err := db.Query(req.Start, req.End, filters)
	if err != nil {
		m.IncQueryError()
		return fiber.NewError(statusForEngineError(err), err.Error())
	}

	n := len(buf) / db.Schema().Width()
	m.AddQueryRecords(n)
	m.RecordQueryLatency(time.Since(start).Microseconds())

	return h.sendRecords(c, db, buf)
}

// statsSeries aggregates one field over ?start=..&end=..&field=.. where field
// is a name or a numeric index.
func (h *SeriesHandler) statsSeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	db, ok := h.registry.Get(ticker)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s is not open", ticker))
	}

	start, err := strconv.ParseInt(c.Query("start", "0"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid start: "+err.Error())
	}
	end, err := strconv.ParseInt(c.Query("end", strconv.FormatInt(1<<62, 10)), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid end: "+err.Error())
	}
	fieldIndex, err := resolveField(db.Schema(), c.Query("field", "1"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := h.querySem.Acquire(c.Context(), 1); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "query capacity exhausted")
	}
	defer h.querySem.Release(1)

	st, err := db.Stats(start, end, fieldIndex)
	if err != nil {
		return fiber.NewError(statusForEngineError(err), err.Error())
	}
	return c.JSON(st)
}

func (h *SeriesHandler) latestSeries(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	db, ok := h.registry.Get(ticker)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("series %s is not open", ticker))
	}

	fieldIndex, err := resolveField(db.Schema(), c.Query("field", "1"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	value, ts, err := db.Latest(fieldIndex)
	if err != nil {
		return fiber.NewError(statusForEngineError(err), err.Error())
	}
	return c.JSON(fiber.Map{
		"ticker":    ticker,
		"field":     fieldIndex,
		"value":     value,
		"timestamp": ts,
	})
}

// sendRecords writes a record buffer as raw bytes, or as decoded JSON rows
// when the client sends Accept: application/json.
func (h *SeriesHandler) sendRecords(c *fiber.Ctx, db *engine.DB, buf []byte) error {
	if !strings.Contains(c.Get("Accept"), "application/json") {
		c.Set("Content-Type", "application/octet-stream")
		c.Set("X-Record-Width", strconv.Itoa(db.Schema().Width()))
		c.Set("X-Record-Count", strconv.Itoa(len(buf)/db.Schema().Width()))
		return c.Send(buf)
	}

	s := db.Schema()
	fields := s.Fields()
	rows := make([]map[string]interface{}, 0, len(buf)/s.Width())
	for _, rec := range s.DecodeAll(buf) {
		vals, err := s.DecodeRow(rec)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			row[f.Name] = vals[i]
		}
		rows = append(rows, row)
	}
	return c.JSON(fiber.Map{"count": len(rows), "records": rows})
}

// decodeMsgpackRows turns a msgpack field map, or array of field maps, into
// encoded records in arrival order.
func decodeMsgpackRows(s *schema.Schema, body []byte) ([][]byte, error) {
	var rows []map[string]interface{}

	var many []map[string]interface{}
	if err := msgpack.Unmarshal(body, &many); err == nil {
		rows = many
	} else {
		var one map[string]interface{}
		if err := msgpack.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("invalid msgpack body: %w", err)
		}
		rows = []map[string]interface{}{one}
	}

	records := make([][]byte, 0, len(rows))
	for _, row := range rows {
		values := make([]interface{}, s.NumFields())
		for i, f := range s.Fields() {
			v, ok := row[f.Name]
			if !ok {
				if i == 0 {
					// Timestamp may be omitted under auto-increment;
					// the engine overwrites it anyway.
					v = int64(0)
				} else {
					return nil, fmt.Errorf("missing field %q", f.Name)
				}
			}
			values[i] = normalizeMsgpackValue(v)
		}
		rec, err := s.Encode(values...)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// normalizeMsgpackValue widens the integer types the msgpack decoder
// produces to what schema.Encode coerces.
func normalizeMsgpackValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	default:
		return v
	}
}

func resolveField(s *schema.Schema, field string) (int, error) {
	if i, ok := s.Index(field); ok {
		return i, nil
	}
	i, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("unknown field %q", field)
	}
	if _, err := s.Field(i); err != nil {
		return 0, err
	}
	return i, nil
}

func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRecordSize):
		return fiber.StatusBadRequest
	case errors.Is(err, engine.ErrTimestampNotMonotonic):
		return fiber.StatusConflict
	case errors.Is(err, engine.ErrCapacityExceeded):
		return fiber.StatusConflict
	case errors.Is(err, engine.ErrEmptyDatabase), errors.Is(err, engine.ErrNoDataInRange):
		return fiber.StatusNotFound
	case errors.Is(err, engine.ErrClosed):
		return fiber.StatusGone
	default:
		return fiber.StatusInternalServerError
	}
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
