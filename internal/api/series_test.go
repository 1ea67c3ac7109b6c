package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/tickdb/internal/catalog"
	"github.com/basekick-labs/tickdb/internal/registry"
	"github.com/basekick-labs/tickdb/internal/schema"
)

// setupTestSeriesHandler creates a handler backed by a temp catalog and data dir.
func setupTestSeriesHandler(t *testing.T) (*SeriesHandler, *fiber.App) {
	t.Helper()

	tmpDir := t.TempDir()
	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	cat, err := catalog.Open(filepath.Join(tmpDir, "catalog.db"), log)
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	reg := registry.New(log)
	t.Cleanup(reg.CloseAll)

	handler := NewSeriesHandler(cat, reg, filepath.Join(tmpDir, "series"), 4, log)

	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(log)})
	handler.RegisterRoutes(app)

	return handler, app
}

func createTestSeries(t *testing.T, app *fiber.App, ticker string, body string) {
	t.Helper()
	if body == "" {
		body = fmt.Sprintf(`{
			"ticker": %q,
			"fields": [
				{"name": "timestamp", "type": "int64"},
				{"name": "price", "type": "float64"},
				{"name": "volume", "type": "uint64"}
			]
		}`, ticker)
	}
	req := httptest.NewRequest("POST", "/api/v1/series", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, string(b))
	}
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New([]schema.Field{
		{Name: "timestamp", Type: schema.TypeInt64},
		{Name: "price", Type: schema.TypeFloat64},
		{Name: "volume", Type: schema.TypeUInt64},
	})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func appendRaw(t *testing.T, app *fiber.App, ticker string, body []byte) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/series/"+ticker+"/append", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("append request failed: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestSeriesHandler_Create(t *testing.T) {
	_, app := setupTestSeriesHandler(t)

	createTestSeries(t, app, "AAPL", "")

	t.Run("duplicate ticker rejected", func(t *testing.T) {
		body := `{"ticker": "AAPL", "fields": [{"name": "timestamp", "type": "int64"}]}`
		req := httptest.NewRequest("POST", "/api/v1/series", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
	})

	t.Run("unknown field type rejected", func(t *testing.T) {
		body := `{"ticker": "BAD", "fields": [{"name": "timestamp", "type": "varchar"}]}`
		req := httptest.NewRequest("POST", "/api/v1/series", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("missing ticker rejected", func(t *testing.T) {
		body := `{"fields": [{"name": "timestamp", "type": "int64"}]}`
		req := httptest.NewRequest("POST", "/api/v1/series", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestSeriesHandler_AppendAndLoad(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")
	s := testSchema(t)

	var batch []byte
	for i := 1; i <= 3; i++ {
		rec, err := s.Encode(int64(i*100), float64(i)*1.5, uint64(i*10))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		batch = append(batch, rec...)
	}

	status, respBody := appendRaw(t, app, "AAPL", batch)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, string(respBody))
	}
	var appendResult struct {
		Appended      int   `json:"appended"`
		LastTimestamp int64 `json:"last_timestamp"`
	}
	if err := json.Unmarshal(respBody, &appendResult); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if appendResult.Appended != 3 {
		t.Errorf("expected 3 appended, got %d", appendResult.Appended)
	}
	if appendResult.LastTimestamp != 300 {
		t.Errorf("expected last_timestamp 300, got %d", appendResult.LastTimestamp)
	}

	t.Run("load raw bytes round trip", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/series/AAPL/load", nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Equal(body, batch) {
			t.Errorf("loaded bytes differ from appended bytes")
		}
		if w := resp.Header.Get("X-Record-Width"); w != "24" {
			t.Errorf("expected record width header 24, got %q", w)
		}
	})

	t.Run("load as json rows", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/series/AAPL/load", nil)
		req.Header.Set("Accept", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		var result struct {
			Count   int                      `json:"count"`
			Records []map[string]interface{} `json:"records"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if result.Count != 3 {
			t.Fatalf("expected 3 records, got %d", result.Count)
		}
		if ts := result.Records[0]["timestamp"].(float64); ts != 100 {
			t.Errorf("expected first timestamp 100, got %v", ts)
		}
		if price := result.Records[2]["price"].(float64); price != 4.5 {
			t.Errorf("expected third price 4.5, got %v", price)
		}
	})

	t.Run("append to unknown series", func(t *testing.T) {
		status, _ := appendRaw(t, app, "MISSING", batch)
		if status != fiber.StatusNotFound {
			t.Fatalf("expected 404, got %d", status)
		}
	})

	t.Run("misaligned body rejected", func(t *testing.T) {
		status, _ := appendRaw(t, app, "AAPL", batch[:10])
		if status != fiber.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("gzip compressed body", func(t *testing.T) {
		rec, _ := s.Encode(int64(400), 9.0, uint64(40))
		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		if _, err := zw.Write(rec); err != nil {
			t.Fatalf("compress: %v", err)
		}
		zw.Close()

		req := httptest.NewRequest("POST", "/api/v1/series/AAPL/append", &compressed)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Encoding", "gzip")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(b))
		}
	})
}

func TestSeriesHandler_AppendMsgpack(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")

	rows := []map[string]interface{}{
		{"timestamp": int64(100), "price": 1.5, "volume": uint64(10)},
		{"timestamp": int64(200), "price": 2.5, "volume": uint64(20)},
	}
	body, err := msgpack.Marshal(rows)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/v1/series/AAPL/append", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/msgpack")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(b))
	}
	var result struct {
		Appended int `json:"appended"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Appended != 2 {
		t.Errorf("expected 2 appended, got %d", result.Appended)
	}

	t.Run("missing field rejected", func(t *testing.T) {
		body, _ := msgpack.Marshal(map[string]interface{}{"timestamp": int64(300)})
		req := httptest.NewRequest("POST", "/api/v1/series/AAPL/append", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/msgpack")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestSeriesHandler_AppendMonotonicity(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")
	s := testSchema(t)

	// Three records where the third regresses; the first two must commit.
	var batch []byte
	for _, ts := range []int64{100, 200, 150} {
		rec, _ := s.Encode(ts, 1.0, uint64(1))
		batch = append(batch, rec...)
	}

	status, respBody := appendRaw(t, app, "AAPL", batch)
	if status != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", status, string(respBody))
	}
	var result struct {
		Appended int `json:"appended"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Appended != 2 {
		t.Errorf("expected 2 committed before the failure, got %d", result.Appended)
	}
}

func TestSeriesHandler_Query(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")
	s := testSchema(t)

	var batch []byte
	for i := 1; i <= 5; i++ {
		rec, _ := s.Encode(int64(i*100), float64(i), uint64(i%2))
		batch = append(batch, rec...)
	}
	if status, _ := appendRaw(t, app, "AAPL", batch); status != fiber.StatusOK {
		t.Fatalf("append failed: %d", status)
	}

	doQuery := func(t *testing.T, body string) (int, []map[string]interface{}) {
		t.Helper()
		req := httptest.NewRequest("POST", "/api/v1/series/AAPL/query", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(b))
		}
		var result struct {
			Count   int                      `json:"count"`
			Records []map[string]interface{} `json:"records"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return result.Count, result.Records
	}

	t.Run("inclusive end bound", func(t *testing.T) {
		count, records := doQuery(t, `{"start": 200, "end": 400}`)
		if count != 3 {
			t.Fatalf("expected 3 records, got %d", count)
		}
		if ts := records[2]["timestamp"].(float64); ts != 400 {
			t.Errorf("expected last timestamp 400, got %v", ts)
		}
	})

	t.Run("filter narrows results", func(t *testing.T) {
		count, records := doQuery(t, `{"start": 0, "end": 1000, "filters": {"volume": 1}}`)
		if count != 3 {
			t.Fatalf("expected 3 odd-volume records, got %d", count)
		}
		for _, r := range records {
			if v := r["volume"].(float64); v != 1 {
				t.Errorf("filter leaked record with volume %v", v)
			}
		}
	})

	t.Run("empty window returns zero records", func(t *testing.T) {
		count, _ := doQuery(t, `{"start": 600, "end": 900}`)
		if count != 0 {
			t.Fatalf("expected 0 records, got %d", count)
		}
	})

	t.Run("unknown filter field rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/series/AAPL/query",
			bytes.NewBufferString(`{"start": 0, "end": 1000, "filters": {"nope": 1}}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestSeriesHandler_Stats(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")
	s := testSchema(t)

	var batch []byte
	for i, price := range []float64{10, 20, 30} {
		rec, _ := s.Encode(int64((i+1)*100), price, uint64(1))
		batch = append(batch, rec...)
	}
	if status, _ := appendRaw(t, app, "AAPL", batch); status != fiber.StatusOK {
		t.Fatalf("append failed: %d", status)
	}

	req := httptest.NewRequest("GET", "/api/v1/series/AAPL/stats?start=100&end=300&field=price", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, string(b))
	}
	var st struct {
		Min   float64 `json:"min"`
		Max   float64 `json:"max"`
		Sum   float64 `json:"sum"`
		Count uint64  `json:"count"`
		Mean  float64 `json:"mean"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Min != 10 || st.Max != 30 || st.Sum != 60 || st.Count != 3 || st.Mean != 20 {
		t.Errorf("unexpected stats: %+v", st)
	}

	t.Run("window with no data", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/series/AAPL/stats?start=500&end=900&field=price", nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/series/AAPL/stats?field=nope", nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestSeriesHandler_Latest(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")

	t.Run("empty series", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/series/AAPL/latest?field=price", nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	s := testSchema(t)
	var batch []byte
	for i := 1; i <= 3; i++ {
		rec, _ := s.Encode(int64(i*100), float64(i)*11, uint64(i))
		batch = append(batch, rec...)
	}
	if status, _ := appendRaw(t, app, "AAPL", batch); status != fiber.StatusOK {
		t.Fatalf("append failed: %d", status)
	}

	req := httptest.NewRequest("GET", "/api/v1/series/AAPL/latest?field=price", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result struct {
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Value != 33 || result.Timestamp != 300 {
		t.Errorf("expected value 33 at timestamp 300, got %v at %d", result.Value, result.Timestamp)
	}
}

func TestSeriesHandler_CloseAndDelete(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")

	t.Run("close releases the handle", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/series/AAPL/close", nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		// Data-path operations now report the series as not open.
		req = httptest.NewRequest("GET", "/api/v1/series/AAPL/load", nil)
		resp, err = app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("expected 404 after close, got %d", resp.StatusCode)
		}

		// The catalog entry survives a close.
		req = httptest.NewRequest("GET", "/api/v1/series/AAPL", nil)
		resp, err = app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("delete removes the catalog entry", func(t *testing.T) {
		createTestSeries(t, app, "TSLA", "")

		req := httptest.NewRequest("DELETE", "/api/v1/series/TSLA", nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}

		req = httptest.NewRequest("GET", "/api/v1/series/TSLA", nil)
		resp, err = app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
		}
	})

	t.Run("delete unknown series", func(t *testing.T) {
		req := httptest.NewRequest("DELETE", "/api/v1/series/MISSING", nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestSeriesHandler_List(t *testing.T) {
	_, app := setupTestSeriesHandler(t)
	createTestSeries(t, app, "AAPL", "")
	createTestSeries(t, app, "TSLA", "")

	req := httptest.NewRequest("GET", "/api/v1/series", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result struct {
		Count  int `json:"count"`
		Series []struct {
			Ticker string `json:"ticker"`
			Open   bool   `json:"open"`
		} `json:"series"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Count != 2 {
		t.Fatalf("expected 2 series, got %d", result.Count)
	}
	for _, s := range result.Series {
		if !s.Open {
			t.Errorf("series %s should be open", s.Ticker)
		}
	}
}
