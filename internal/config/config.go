// Package config loads TickDB configuration from defaults, an optional
// tickdb.toml file, and TICKDB_* environment variables, in increasing order
// of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for TickDB.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Engine  EngineConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
}

type StorageConfig struct {
	DataDir     string // directory holding one segment file per ticker
	CatalogPath string // SQLite database persisting series definitions
}

type EngineConfig struct {
	FlushOnWrite        bool // default for series created without an explicit setting
	MaxQueryConcurrency int  // concurrent query/stats requests admitted by the API
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment and config file.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TICKDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tickdb")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tickdb/")
	v.AddConfigPath("$HOME/.tickdb/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file is fine; defaults and env apply.
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
		},
		Storage: StorageConfig{
			DataDir:     v.GetString("storage.data_dir"),
			CatalogPath: v.GetString("storage.catalog_path"),
		},
		Engine: EngineConfig{
			FlushOnWrite:        v.GetBool("engine.flush_on_write"),
			MaxQueryConcurrency: v.GetInt("engine.max_query_concurrency"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if cfg.Engine.MaxQueryConcurrency < 1 {
		return nil, fmt.Errorf("engine.max_query_concurrency must be at least 1, got %d", cfg.Engine.MaxQueryConcurrency)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8400)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("storage.data_dir", "./data/series")
	v.SetDefault("storage.catalog_path", "./data/tickdb.db")

	v.SetDefault("engine.flush_on_write", false)
	v.SetDefault("engine.max_query_concurrency", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
