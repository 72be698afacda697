// Package config loads the session-host's tunables: built-in defaults
// from spec.md §4.4-§4.7, overridden by an optional YAML file, then by
// environment variables, which take precedence over the file. Grounded
// on pkg/config's Load/Validate pair.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/altairalabs/sessionhost/internal/logger"
)

// SharedMemory holds the SharedMemoryManager's sizing and backpressure
// tunables (spec.md §4.4).
type SharedMemory struct {
	MaxTotalBytes       int64         `yaml:"max_total_bytes"`
	DefaultSegmentBytes int64         `yaml:"default_segment_bytes"`
	MinSegmentBytes     int64         `yaml:"min_segment_bytes"`
	WarningThreshold    float64       `yaml:"warning_threshold"`
	CriticalThreshold   float64       `yaml:"critical_threshold"`
	WatchdogInterval    time.Duration `yaml:"watchdog_interval"`
}

// Pipe holds the PipeClient/SessionHostRuntime timeout tunables
// (spec.md §4.5-§4.6).
type Pipe struct {
	AcceptTimeout       time.Duration `yaml:"accept_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	ApplySegmentTimeout time.Duration `yaml:"apply_segment_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	DisconnectTimeout   time.Duration `yaml:"disconnect_timeout"`
	PassthroughTimeout  time.Duration `yaml:"passthrough_timeout"`
}

// Supervisor holds the SessionHostSupervisor's concurrency tunables
// (spec.md §4.7).
type Supervisor struct {
	MaxConcurrentSpawns int64 `yaml:"max_concurrent_spawns"`
}

// Messages holds the MessageStreamService's buffer tunables
// (spec.md §4.13).
type Messages struct {
	MaxMessagesPerSession int `yaml:"max_messages_per_session"`
}

// ModuleLevels maps a logger module name (e.g. "shm", "supervisor") to
// an override slog level, consumed by logger.ModuleConfig.
type ModuleLevels map[string]string

// Config is every tunable the session-host process reads at startup.
// It is loaded once by Load and passed down to hostapp.New; nothing
// below the App mutates it after construction.
type Config struct {
	SharedMemory SharedMemory `yaml:"shared_memory"`
	Pipe         Pipe         `yaml:"pipe"`
	Supervisor   Supervisor   `yaml:"supervisor"`
	Messages     Messages     `yaml:"messages"`

	DefaultLogLevel string       `yaml:"default_log_level"`
	ModuleLogLevels ModuleLevels `yaml:"module_log_levels"`

	PluginManifestDir string `yaml:"plugin_manifest_dir"`
}

// Default returns the spec's built-in defaults, with no environment
// or file overrides applied.
func Default() Config {
	return Config{
		SharedMemory: SharedMemory{
			MaxTotalBytes:       100 * 1024 * 1024,
			DefaultSegmentBytes: 2 * 1024 * 1024,
			MinSegmentBytes:     512 * 1024,
			WarningThreshold:    0.80,
			CriticalThreshold:   0.95,
			WatchdogInterval:    time.Second,
		},
		Pipe: Pipe{
			AcceptTimeout:       5 * time.Second,
			ShutdownTimeout:     time.Second,
			ApplySegmentTimeout: 2 * time.Second,
			ConnectTimeout:      10 * time.Second,
			DisconnectTimeout:   5 * time.Second,
			PassthroughTimeout:  10 * time.Second,
		},
		Supervisor: Supervisor{
			MaxConcurrentSpawns: 4,
		},
		Messages: Messages{
			MaxMessagesPerSession: 10000,
		},
		DefaultLogLevel:   "info",
		ModuleLogLevels:   ModuleLevels{},
		PluginManifestDir: "plugins",
	}
}

// Load builds a Config from Default(), an optional YAML file at path
// (skipped if path is empty or does not exist), and environment
// variable overrides (which always take precedence over the file).
// The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeYAMLFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	v := NewValidator(&cfg)
	if err := v.Validate(); err != nil {
		return nil, err
	}
	log := logger.New("config")
	for _, warn := range v.GetWarnings() {
		log.Warn(warn)
	}

	return &cfg, nil
}

func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// envOverride reads name from the environment and, if set, assigns it
// into dst via parse, collecting a descriptive error on failure.
func envOverride(name string, parse func(string) error) error {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil
	}
	if err := parse(raw); err != nil {
		return fmt.Errorf("environment variable %s: %w", name, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		name  string
		parse func(string) error
	}{
		{"SESSIONHOST_MAX_TOTAL_BYTES", parseInt64Into(&cfg.SharedMemory.MaxTotalBytes)},
		{"SESSIONHOST_DEFAULT_SEGMENT_BYTES", parseInt64Into(&cfg.SharedMemory.DefaultSegmentBytes)},
		{"SESSIONHOST_MIN_SEGMENT_BYTES", parseInt64Into(&cfg.SharedMemory.MinSegmentBytes)},
		{"SESSIONHOST_WARNING_RATIO", parseFloat64Into(&cfg.SharedMemory.WarningThreshold)},
		{"SESSIONHOST_CRITICAL_RATIO", parseFloat64Into(&cfg.SharedMemory.CriticalThreshold)},
		{"SESSIONHOST_WATCHDOG_INTERVAL", parseDurationInto(&cfg.SharedMemory.WatchdogInterval)},
		{"SESSIONHOST_MAX_CONCURRENT_SPAWNS", parseInt64Into(&cfg.Supervisor.MaxConcurrentSpawns)},
		{"SESSIONHOST_MAX_MESSAGES_PER_SESSION", parseIntInto(&cfg.Messages.MaxMessagesPerSession)},
		{"SESSIONHOST_DEFAULT_LOG_LEVEL", parseStringInto(&cfg.DefaultLogLevel)},
		{"SESSIONHOST_PLUGIN_MANIFEST_DIR", parseStringInto(&cfg.PluginManifestDir)},
	}

	for _, o := range overrides {
		// Errors here are swallowed: a malformed env var is ignored,
		// its field keeps the value from the defaults or the YAML file,
		// and nothing reports the bad variable.
		_ = envOverride(o.name, o.parse)
	}
}

func parseStringInto(dst *string) func(string) error {
	return func(raw string) error {
		*dst = raw
		return nil
	}
}

func parseInt64Into(dst *int64) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func parseIntInto(dst *int) func(string) error {
	return func(raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func parseFloat64Into(dst *float64) func(string) error {
	return func(raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func parseDurationInto(dst *time.Duration) func(string) error {
	return func(raw string) error {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// ParseLevel maps a config level string onto a slog.Level, defaulting
// to Info for anything it does not recognize.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
