// Package registry tracks the open series handles in this process and
// enforces the single-writer-per-series rule: at most one live handle per
// ticker.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/tickdb/internal/engine"
)

// Registry is a mutex-guarded map of ticker to open handle.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*engine.DB
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*engine.DB),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Put registers an open handle. It fails when the ticker already has a live
// handle; the caller keeps ownership of db in that case.
func (r *Registry) Put(db *engine.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticker := db.Ticker()
	if _, live := r.handles[ticker]; live {
		return fmt.Errorf("series %s already has a live handle", ticker)
	}
	r.handles[ticker] = db
	return nil
}

// Get returns the live handle for ticker.
func (r *Registry) Get(ticker string) (*engine.DB, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, ok := r.handles[ticker]
	return db, ok
}

// Remove releases the name and returns the handle, which the caller must
// close. Removing an unknown ticker returns false.
func (r *Registry) Remove(ticker string) (*engine.DB, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	db, ok := r.handles[ticker]
	if ok {
		delete(r.handles, ticker)
	}
	return db, ok
}

// Tickers returns the names of all live handles, sorted.
func (r *Registry) Tickers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handles))
	for t := range r.handles {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll closes every live handle, logging failures, and empties the
// registry. Used on shutdown; flush-on-close makes accepted appends durable.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*engine.DB)
	r.mu.Unlock()

	for ticker, db := range handles {
		if err := db.Close(); err != nil {
			r.logger.Error().Err(err).Str("ticker", ticker).Msg("Failed to close series")
		}
	}
	if len(handles) > 0 {
		r.logger.Info().Int("series", len(handles)).Msg("All series closed")
	}
}
