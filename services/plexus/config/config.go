// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the plexus YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/plexus/pkg/logging"
	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/cancel"
	"github.com/AleutianAI/plexus/services/plexus/events"
	"github.com/AleutianAI/plexus/services/plexus/sink"
	badgerstore "github.com/AleutianAI/plexus/services/plexus/storage/badger"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
	"github.com/AleutianAI/plexus/services/plexus/watch"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "PLEXUS_CONFIG"

// Config is the root of plexus.yaml.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Events    EventsConfig     `yaml:"events"`
	Watch     WatchConfig      `yaml:"watch"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// StorageConfig configures the badger store.
type StorageConfig struct {
	// Path is the database directory. "~" expands to the home directory.
	Path string `yaml:"path" validate:"required_unless=InMemory true"`

	// InMemory keeps the graph in RAM only.
	InMemory bool `yaml:"in_memory"`

	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gt=0,lt=1"`

	// ReloadInterval polls the store's data version and reloads when
	// another process committed. 0 disables polling.
	ReloadInterval time.Duration `yaml:"reload_interval" validate:"gte=0"`
}

// RuntimeConfig configures the engine, the adapter runtime and the
// scheduler.
type RuntimeConfig struct {
	// DefaultContext is created on startup if missing and used when a
	// command names no context.
	DefaultContext string `yaml:"default_context" validate:"required,max=128"`

	LockStripes       int           `yaml:"lock_stripes" validate:"gte=0"`
	InvocationTimeout time.Duration `yaml:"invocation_timeout" validate:"gte=0"`
	HistoryLimit      int           `yaml:"history_limit" validate:"gte=0"`

	SchedulerTick  time.Duration `yaml:"scheduler_tick" validate:"gte=0"`
	SchedulerQueue int           `yaml:"scheduler_queue" validate:"gte=0"`

	Cancel       cancel.ControllerConfig `yaml:"cancel"`
	CoOccurrence CoOccurrenceConfig      `yaml:"co_occurrence"`
	TagBridge    TagBridgeConfig         `yaml:"tag_bridge"`
}

// CoOccurrenceConfig configures the co-occurrence proposer.
type CoOccurrenceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	AfterMutations uint64        `yaml:"after_mutations" validate:"required_if=Enabled true"`
	MinCount       int           `yaml:"min_count" validate:"gte=0"`
	MinGap         time.Duration `yaml:"min_gap" validate:"gte=0"`

	// WeightCap clamps each proposal. 0 means the sink default.
	WeightCap float64 `yaml:"weight_cap" validate:"gte=0,lte=1"`
}

// TagBridgeConfig configures the adapter linking tagged marks and
// fragments to concepts of the same name.
type TagBridgeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	AfterMutations uint64        `yaml:"after_mutations" validate:"required_if=Enabled true"`
	MinGap         time.Duration `yaml:"min_gap" validate:"gte=0"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	BufferSize  int           `yaml:"buffer_size" validate:"gte=0"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
	RetryDelay  time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// WatchConfig configures file ingestion.
type WatchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Root        string        `yaml:"root" validate:"required_if=Enabled true"`
	Context     string        `yaml:"context"`
	Debounce    time.Duration `yaml:"debounce" validate:"gte=0"`
	Ignore      []string      `yaml:"ignore"`
	InitialScan bool          `yaml:"initial_scan"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// Mode is the gin mode: debug, release or test.
	Mode string `yaml:"mode" validate:"oneof=debug release test"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
	Quiet bool   `yaml:"quiet"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	bc := badgerstore.DefaultConfig()
	return Config{
		Storage: StorageConfig{
			Path:           "~/.plexus/data",
			SyncWrites:     bc.SyncWrites,
			GCInterval:     bc.GCInterval,
			GCDiscardRatio: bc.GCDiscardRatio,
			ReloadInterval: 0,
		},
		Runtime: RuntimeConfig{
			DefaultContext:    "default",
			InvocationTimeout: 5 * time.Minute,
			SchedulerTick:     time.Second,
			SchedulerQueue:    1024,
			HistoryLimit:      1024,
			Cancel:            cancel.ControllerConfig{GracePeriod: 2 * time.Second},
			CoOccurrence: CoOccurrenceConfig{
				Enabled:        true,
				AfterMutations: 10,
				MinCount:       1,
				MinGap:         10 * time.Second,
			},
			TagBridge: TagBridgeConfig{
				Enabled:        true,
				AfterMutations: 1,
			},
		},
		Events: EventsConfig{
			BufferSize:  1000,
			MaxAttempts: 5,
			RetryDelay:  50 * time.Millisecond,
		},
		Watch: WatchConfig{
			Debounce: watch.DefaultOptions().Debounce,
			Ignore:   watch.DefaultOptions().Ignore,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8787",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Mode:            "release",
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.plexus/logs",
		},
	}
}

// DefaultPath returns $PLEXUS_CONFIG or ~/.plexus/plexus.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".plexus", "plexus.yaml"), nil
}

// Load reads the configuration at path, creating it with defaults when
// it does not exist. An empty path means DefaultPath.
//
// Description:
//
//	Keys missing from the file keep their default values. The result is
//	validated before it is returned.
//
// Outputs:
//
//	*Config - The loaded configuration.
//	bool - True if the file was created by this call.
//	error - Read, parse or ErrInvalidConfig errors.
func Load(path string) (*Config, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, created, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, created, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Runtime.Cancel.Validate(); err != nil {
		return fmt.Errorf("%w: runtime.cancel: %v", ErrInvalidConfig, err)
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// -----------------------------------------------------------------------------
// Conversions
// -----------------------------------------------------------------------------

// BadgerConfig returns the store configuration.
func (s StorageConfig) BadgerConfig(logger *slog.Logger) badgerstore.Config {
	bc := badgerstore.DefaultConfig()
	bc.Path = ExpandPath(s.Path)
	bc.InMemory = s.InMemory
	bc.SyncWrites = s.SyncWrites
	bc.GCInterval = s.GCInterval
	bc.GCDiscardRatio = s.GCDiscardRatio
	bc.Logger = logger
	if s.InMemory {
		bc.Path = ""
		bc.GCInterval = 0
	}
	return bc
}

// BusOptions returns the event bus options.
func (e EventsConfig) BusOptions(logger *slog.Logger) []events.BusOption {
	return []events.BusOption{
		events.WithBufferSize(e.BufferSize),
		events.WithMaxAttempts(e.MaxAttempts),
		events.WithRetryDelay(e.RetryDelay),
		events.WithLogger(logger),
	}
}

// Schedule returns the co-occurrence schedule.
func (c CoOccurrenceConfig) Schedule() adapter.Schedule {
	return adapter.Schedule{
		Condition:   adapter.AfterMutations{N: c.AfterMutations},
		Constraints: sink.Constraints{WeightCap: c.WeightCap},
		MinGap:      c.MinGap,
	}
}

// Schedule returns the tag bridge schedule. The adapter sets its own sink
// constraints.
func (c TagBridgeConfig) Schedule() adapter.Schedule {
	return adapter.Schedule{
		Condition: adapter.AfterMutations{N: c.AfterMutations},
		MinGap:    c.MinGap,
	}
}

// Options returns the watcher options.
func (w WatchConfig) Options(logger *slog.Logger) watch.Options {
	return watch.Options{
		Debounce:    w.Debounce,
		Ignore:      w.Ignore,
		InitialScan: w.InitialScan,
		Logger:      logger,
	}
}

// LoggerConfig returns the pkg/logging configuration for service.
func (l LoggingConfig) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		JSON:    l.JSON,
		LogDir:  l.Dir,
		Service: service,
		Quiet:   l.Quiet,
	}, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
