// Package config loads the pagedb runtime configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/pagedb/core/indexing/btree"
	bufferpool "github.com/sushant-115/pagedb/core/write_engine/buffer_pool"
	"github.com/sushant-115/pagedb/pkg/logger"
	"github.com/sushant-115/pagedb/pkg/telemetry"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// StorageConfig controls the disk manager, buffer pool and background flusher.
type StorageConfig struct {
	DBFilePath          string        `yaml:"db_file_path"`
	PoolSize            int           `yaml:"pool_size"`
	Replacer            string        `yaml:"replacer"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	FlushPagesPerSecond int           `yaml:"flush_pages_per_second"`
}

// IndexConfig controls the B+Tree opened by the CLI.
type IndexConfig struct {
	IndexID uint32 `yaml:"index_id"`
	// KeySize is only used for fixed string keys; 0 selects int64 keys.
	KeySize         int `yaml:"key_size"`
	LeafMaxSize     int `yaml:"leaf_max_size"`
	InternalMaxSize int `yaml:"internal_max_size"`
}

type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Index     IndexConfig      `yaml:"index"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration usable without any file.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DBFilePath:          "data/pagedb.db",
			PoolSize:            64,
			Replacer:            bufferpool.ReplacerLRU,
			FlushInterval:       time.Second,
			FlushPagesPerSecond: 256,
		},
		Index: IndexConfig{
			IndexID:         1,
			LeafMaxSize:     btree.UndefinedSize,
			InternalMaxSize: btree.UndefinedSize,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "pagedb",
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Storage.DBFilePath == "" {
		return fmt.Errorf("%w: storage.db_file_path is required", ErrInvalidConfig)
	}
	if c.Storage.PoolSize <= 0 {
		return fmt.Errorf("%w: storage.pool_size must be positive, got %d", ErrInvalidConfig, c.Storage.PoolSize)
	}
	switch c.Storage.Replacer {
	case bufferpool.ReplacerLRU, bufferpool.ReplacerClock:
	default:
		return fmt.Errorf("%w: unknown storage.replacer %q", ErrInvalidConfig, c.Storage.Replacer)
	}
	if c.Storage.FlushInterval < 0 {
		return fmt.Errorf("%w: storage.flush_interval must not be negative", ErrInvalidConfig)
	}
	if c.Storage.FlushPagesPerSecond < 0 {
		return fmt.Errorf("%w: storage.flush_pages_per_second must not be negative", ErrInvalidConfig)
	}
	if c.Index.KeySize < 0 {
		return fmt.Errorf("%w: index.key_size must not be negative", ErrInvalidConfig)
	}
	if c.Index.LeafMaxSize < 0 || c.Index.InternalMaxSize < 0 {
		return fmt.Errorf("%w: index node sizes must not be negative", ErrInvalidConfig)
	}
	return nil
}
