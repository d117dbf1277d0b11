// Package config defines the on-disk configuration for the redoreplay demo
// binary (cmd/redoreplay) and for any embedder wiring up a TransactionContext
// pool and a replay Engine. It follows the same flat, TOML-tagged struct and
// package-level default value this codebase uses elsewhere for configuration
// (see the teacher config packages this was generalized from).
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel string `toml:"log-level"`

	// Contexts is the number of TransactionContext shards to create. Each
	// shard mints a disjoint subsequence of transaction ids and owns its
	// own redo buffer, so raising this reduces cross-transaction
	// contention at the cost of more idle memory per shard.
	Contexts int `toml:"contexts"`

	// BufferSize is the initial size, in bytes, of each context's redo
	// buffer.
	BufferSize int `toml:"buffer-size"`

	Redo   RedoConfig   `toml:"redo"`
	Replay ReplayConfig `toml:"replay"`
}

// RedoConfig controls how the generation side writes its stream.
type RedoConfig struct {
	// Path is where FileWriter appends the redo stream. Ignored by
	// embedders that supply their own txn.Writer.
	Path string `toml:"path"`

	// Durability is the default DurabilityMode name: "sync", "no_sync",
	// "no_flush", or "no_redo".
	Durability string `toml:"durability"`
}

// ReplayConfig controls the replay engine.
type ReplayConfig struct {
	// Workers is the size of the worker pool operations are dispatched to,
	// keyed by transaction affinity.
	Workers int `toml:"workers"`

	// WorkerQueueCapacity bounds how many pending tasks a single worker
	// may queue before Enqueue blocks its caller (the decode goroutine).
	WorkerQueueCapacity int `toml:"worker-queue-capacity"`

	// ReadTerminators must match whatever the corresponding RedoConfig (or
	// external writer) used for ShouldWriteTerminators.
	ReadTerminators bool `toml:"read-terminators"`
}

// NewDefaultConfig returns a Config with sensible standalone defaults: one
// context per CPU-ish shard count of 4, a local redo file under /tmp, and a
// small worker pool. Callers load a file over this with Load.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		Contexts:   4,
		BufferSize: 4096,
		Redo: RedoConfig{
			Path:       "/tmp/redoreplay.log",
			Durability: "sync",
		},
		Replay: ReplayConfig{
			Workers:             4,
			WorkerQueueCapacity: 128,
			ReadTerminators:     false,
		},
	}
}

// Load reads a TOML file at path into a copy of NewDefaultConfig(), so any
// field the file omits keeps its default.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports a descriptive error for any setting that would make the
// rest of the module panic or behave nonsensically, rather than letting
// that happen later at first use.
func (c *Config) Validate() error {
	if c.Contexts <= 0 {
		return errors.Errorf("config: contexts must be positive, got %d", c.Contexts)
	}
	if c.BufferSize <= 0 {
		return errors.Errorf("config: buffer-size must be positive, got %d", c.BufferSize)
	}
	if c.Replay.Workers <= 0 {
		return errors.Errorf("config: replay.workers must be positive, got %d", c.Replay.Workers)
	}
	switch c.Redo.Durability {
	case "sync", "no_sync", "no_flush", "no_redo":
	default:
		return errors.Errorf("config: redo.durability %q is not one of sync|no_sync|no_flush|no_redo", c.Redo.Durability)
	}
	return nil
}
