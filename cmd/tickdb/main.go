package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basekick-labs/tickdb/internal/api"
	"github.com/basekick-labs/tickdb/internal/catalog"
	"github.com/basekick-labs/tickdb/internal/config"
	"github.com/basekick-labs/tickdb/internal/engine"
	"github.com/basekick-labs/tickdb/internal/logger"
	"github.com/basekick-labs/tickdb/internal/metrics"
	"github.com/basekick-labs/tickdb/internal/registry"
	"github.com/basekick-labs/tickdb/internal/schema"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting TickDB...")

	cat, err := catalog.Open(cfg.Storage.CatalogPath, logger.Get("catalog"))
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.CatalogPath).Msg("Failed to open series catalog")
	}
	defer cat.Close()

	reg := registry.New(logger.Get("registry"))

	// Reopen every persisted series so data-path requests work immediately
	// after a restart.
	if err := reopenSeries(cat, reg, cfg.Storage.DataDir); err != nil {
		log.Fatal().Err(err).Msg("Failed to reopen persisted series")
	}
	log.Info().Int("series", reg.Len()).Msg("Persisted series reopened")

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}, logger.Get("api"))
	server.RegisterRoutes()

	seriesHandler := api.NewSeriesHandler(cat, reg, cfg.Storage.DataDir,
		int64(cfg.Engine.MaxQueryConcurrency), logger.Get("api"))
	seriesHandler.RegisterRoutes(server.App())

	server.Start()
	server.WaitForShutdown(30 * time.Second)

	// Flush and close every open series before exit so no accepted append
	// is lost.
	reg.CloseAll()
	log.Info().Msg("TickDB stopped")
}

func reopenSeries(cat *catalog.Catalog, reg *registry.Registry, dataDir string) error {
	entries, err := cat.List()
	if err != nil {
		return fmt.Errorf("failed to list series: %w", err)
	}

	for _, e := range entries {
		s, err := schema.New(e.Fields)
		if err != nil {
			return fmt.Errorf("series %s has an invalid schema: %w", e.Ticker, err)
		}
		db, err := engine.Open(e.Ticker, dataDir, s, e.Options, logger.Get("engine"))
		if err != nil {
			return fmt.Errorf("failed to open series %s: %w", e.Ticker, err)
		}
		if err := reg.Put(db); err != nil {
			db.Close()
			return err
		}
		metrics.Get().IncSeriesOpen()
	}
	return nil
}
