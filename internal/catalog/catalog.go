// Package catalog persists series definitions (ticker, schema, options) in
// SQLite so the server can reopen every series with its original schema
// after a restart. The segment files themselves carry no schema.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/tickdb/internal/engine"
	"github.com/basekick-labs/tickdb/internal/schema"
)

// ErrNotFound is returned when a ticker has no catalog entry.
var ErrNotFound = errors.New("series not found in catalog")

// ErrExists is returned when creating a ticker that is already cataloged.
var ErrExists = errors.New("series already exists in catalog")

// Series is one persisted series definition.
type Series struct {
	ID        string         `json:"id"`
	Ticker    string         `json:"ticker"`
	Fields    []schema.Field `json:"fields"`
	Options   engine.Options `json:"options"`
	CreatedAt time.Time      `json:"created_at"`
}

// Catalog stores series definitions in a SQLite database.
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the catalog database at dbPath.
func Open(dbPath string, logger zerolog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	// SQLite: keep a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS series (
		id TEXT PRIMARY KEY,
		ticker TEXT UNIQUE NOT NULL,
		fields TEXT NOT NULL,
		max_file_size INTEGER DEFAULT 0,
		overwrite_on_full INTEGER DEFAULT 0,
		flush_on_write INTEGER DEFAULT 0,
		auto_increment INTEGER DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_series_ticker ON series(ticker);
	`
	_, err := c.db.Exec(ddl)
	return err
}

// Create persists a new series definition and returns it with its id set.
func (c *Catalog) Create(ticker string, fields []schema.Field, opts engine.Options) (*Series, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	s := &Series{
		ID:        uuid.New().String(),
		Ticker:    ticker,
		Fields:    fields,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}

	_, err = c.db.Exec(`
		INSERT INTO series (id, ticker, fields, max_file_size, overwrite_on_full, flush_on_write, auto_increment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Ticker, string(fieldsJSON),
		opts.MaxFileSize, boolToInt(opts.OverwriteOnFull), boolToInt(opts.FlushOnWrite), boolToInt(opts.AutoIncrement),
		s.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("failed to insert series: %w", err)
	}

	c.logger.Info().Str("ticker", ticker).Str("id", s.ID).Msg("Series cataloged")
	return s, nil
}

// Get returns the definition for one ticker.
func (c *Catalog) Get(ticker string) (*Series, error) {
	row := c.db.QueryRow(`
		SELECT id, ticker, fields, max_file_size, overwrite_on_full, flush_on_write, auto_increment, created_at
		FROM series WHERE ticker = ?`, ticker)
	return scanSeries(row)
}

// List returns every cataloged series, oldest first.
func (c *Catalog) List() ([]*Series, error) {
	rows, err := c.db.Query(`
		SELECT id, ticker, fields, max_file_size, overwrite_on_full, flush_on_write, auto_increment, created_at
		FROM series ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	defer rows.Close()

	var out []*Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes the definition for one ticker. Deleting an unknown ticker
// is a no-op.
func (c *Catalog) Delete(ticker string) error {
	_, err := c.db.Exec(`DELETE FROM series WHERE ticker = ?`, ticker)
	if err != nil {
		return fmt.Errorf("failed to delete series: %w", err)
	}
	c.logger.Info().Str("ticker", ticker).Msg("Series removed from catalog")
	return nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSeries(row rowScanner) (*Series, error) {
	var (
		s          Series
		fieldsJSON string
		overwrite  int
		flush      int
		autoInc    int
		createdAt  string
	)
	err := row.Scan(&s.ID, &s.Ticker, &fieldsJSON, &s.Options.MaxFileSize, &overwrite, &flush, &autoInc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan series: %w", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &s.Fields); err != nil {
		return nil, fmt.Errorf("corrupt schema for %s: %w", s.Ticker, err)
	}
	s.Options.OverwriteOnFull = overwrite != 0
	s.Options.FlushOnWrite = flush != 0
	s.Options.AutoIncrement = autoInc != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		s.CreatedAt = t
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// go-sqlite3 reports constraint violations in the error text; matching
	// the message avoids importing the driver's error types here.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
