// Package config handles loading and validating the application
// configuration from a JSON file.
//
// The configuration file is a JSON object naming the storage backend,
// the HTTP listen address, and the firehose collector's environment
// knobs (spec §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/northbound-pds/pds/internal/firehose"
)

// Config holds all application configuration loaded from the config
// file. The file is read once at startup; changes require a restart.
type Config struct {
	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// StorageDriver selects the blockstore.Store implementation:
	// "memory" or "postgres" (default "memory").
	StorageDriver string `json:"storageDriver"`

	// PostgresDSN is the connection string used when StorageDriver is
	// "postgres". Required in that case, ignored otherwise.
	PostgresDSN string `json:"postgresDSN,omitempty"`

	// RollbackWindow is the firehose rollback ring buffer's capacity
	// (default 50,000, per spec §6).
	RollbackWindow int `json:"rollbackWindow,omitempty"`

	// PreloadWindow is how many of the most recent durable events the
	// firehose collector loads into the rollback buffer at startup
	// (default 50,000).
	PreloadWindow int `json:"preloadWindow,omitempty"`

	// NewEventsTimeoutMS bounds, in milliseconds, how long the
	// collector waits for a sequence gap to fill and how long it idles
	// between poll cycles (default 5000).
	NewEventsTimeoutMS int `json:"newEventsTimeoutMS,omitempty"`

	// SubscribeReposBatchDelayMS is loaded and exposed through
	// SubscribeReposBatchDelay, but the subscribeRepos handler does not
	// read it: frames are written to the websocket one at a time, with
	// no batching.
	SubscribeReposBatchDelayMS int `json:"subscribeReposBatchDelayMS,omitempty"`

	// WaitForSkippedSeqWindow: a sequence gap older than this relative
	// to the highest allocated seq is skipped immediately rather than
	// waited for (default 10,000).
	WaitForSkippedSeqWindow int64 `json:"waitForSkippedSeqWindow,omitempty"`
}

// Load reads and parses configuration from the given file path,
// applying defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.StorageDriver == "" {
		c.StorageDriver = "memory"
	}
	defaults := firehose.DefaultConfig()
	if c.RollbackWindow == 0 {
		c.RollbackWindow = defaults.RollbackWindow
	}
	if c.PreloadWindow == 0 {
		c.PreloadWindow = defaults.PreloadWindow
	}
	if c.NewEventsTimeoutMS == 0 {
		c.NewEventsTimeoutMS = int(defaults.NewEventsTimeout / time.Millisecond)
	}
	if c.WaitForSkippedSeqWindow == 0 {
		c.WaitForSkippedSeqWindow = defaults.WaitForSkippedSeqWindow
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	switch c.StorageDriver {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: postgresDSN is required when storageDriver is \"postgres\"")
		}
	default:
		return fmt.Errorf("config: storageDriver must be \"memory\" or \"postgres\", got %q", c.StorageDriver)
	}
	return nil
}

// FirehoseConfig translates this config's firehose knobs into a
// firehose.Config.
func (c *Config) FirehoseConfig() firehose.Config {
	return firehose.Config{
		RollbackWindow:          c.RollbackWindow,
		PreloadWindow:           c.PreloadWindow,
		NewEventsTimeout:        time.Duration(c.NewEventsTimeoutMS) * time.Millisecond,
		WaitForSkippedSeqWindow: c.WaitForSkippedSeqWindow,
	}
}

// SubscribeReposBatchDelay is the configured batch delay as a
// time.Duration.
func (c *Config) SubscribeReposBatchDelay() time.Duration {
	return time.Duration(c.SubscribeReposBatchDelayMS) * time.Millisecond
}
