// Package config handles loading, validating, and writing the AgentTrail
// engine configuration from <dir>/config.yaml.
//
// The config defines:
//   - Ingestion thresholds (minimum severity, console mirroring)
//   - Buffering, flush cadence, rotation size, hash algorithm
//   - Retention policy (age, total size, file count, archival)
//   - Detection window sizes and alert snapshot depth
//   - Dashboard bind address
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level AgentTrail configuration. Loaded from
// config.yaml with sensible defaults for unset fields.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Retention RetentionConfig `yaml:"retention"`
	Detection DetectionConfig `yaml:"detection"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// LogConfig controls entry ingestion and persistence.
type LogConfig struct {
	// MinSeverity suppresses entries below this level: they are
	// constructed for the caller but never enter the hash chain.
	MinSeverity string `yaml:"minSeverity"`

	// ConsoleMirror mirrors entries at/above this severity to the
	// operational log. Empty disables mirroring.
	ConsoleMirror string `yaml:"consoleMirror"`

	BufferSize      int    `yaml:"bufferSize"`      // Entries buffered before a forced flush.
	FlushIntervalMs int    `yaml:"flushIntervalMs"` // Periodic flush cadence.
	MaxFileSize     int64  `yaml:"maxFileSize"`     // Rotation threshold in bytes.
	HashAlgorithm   string `yaml:"hashAlgorithm"`   // sha256, sha384, or sha512.
}

// RetentionConfig mirrors the engine's retention policy.
type RetentionConfig struct {
	MaxAgeDays          int   `yaml:"maxAgeDays"`
	MaxTotalSizeBytes   int64 `yaml:"maxTotalSizeBytes"`
	MaxFiles            int   `yaml:"maxFiles"`
	ArchiveBeforeDelete bool  `yaml:"archiveBeforeDelete"`
}

// DetectionConfig controls the pattern detector.
type DetectionConfig struct {
	WindowSize      int `yaml:"windowSize"`      // Recent-entry ring capacity.
	TriggerSnapshot int `yaml:"triggerSnapshot"` // Entries captured per alert.
}

// DashboardConfig controls the REST API + live feed served by `agenttrail start`.
// Default bind is loopback only; never expose the audit API on 0.0.0.0
// without an auth proxy in front.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Load reads and parses config.yaml from the given path.
// A missing file returns defaults (not an error); invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with a comment header.
// Used by `agenttrail config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# AgentTrail configuration
#
# log:
#   minSeverity:     Entries below this severity are suppressed (info|warning|blocked|critical)
#   consoleMirror:   Mirror entries at/above this severity to stderr ("" = off)
#   bufferSize:      Flush after this many buffered entries
#   flushIntervalMs: Periodic flush cadence
#   maxFileSize:     Rotate the active file at this many bytes
#   hashAlgorithm:   sha256 | sha384 | sha512 (fixed for the log's lifetime)
#
# retention:
#   maxAgeDays / maxTotalSizeBytes / maxFiles: 0 disables that limit
#   archiveBeforeDelete: gzip expired files into archive/ instead of deleting
#
# detection:
#   windowSize:      Recent entries kept for pattern evaluation
#   triggerSnapshot: Trailing entries captured into each alert
#
# dashboard:
#   REST API + WebSocket live feed (loopback only by default)

`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with every field at its default value.
func applyDefaults() *Config {
	return &Config{
		Log: LogConfig{
			MinSeverity:     "info",
			ConsoleMirror:   "blocked",
			BufferSize:      50,
			FlushIntervalMs: 5000,
			MaxFileSize:     10 * 1024 * 1024,
			HashAlgorithm:   "sha256",
		},
		Retention: RetentionConfig{
			MaxAgeDays:          90,
			MaxTotalSizeBytes:   1024 * 1024 * 1024,
			MaxFiles:            0,
			ArchiveBeforeDelete: true,
		},
		Detection: DetectionConfig{
			WindowSize:      100,
			TriggerSnapshot: 10,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    3180,
		},
	}
}

var validSeverities = map[string]bool{"info": true, "warning": true, "blocked": true, "critical": true}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if !validSeverities[cfg.Log.MinSeverity] {
		return fmt.Errorf("log.minSeverity %q is not a severity", cfg.Log.MinSeverity)
	}
	if cfg.Log.ConsoleMirror != "" && !validSeverities[cfg.Log.ConsoleMirror] {
		return fmt.Errorf("log.consoleMirror %q is not a severity", cfg.Log.ConsoleMirror)
	}
	switch cfg.Log.HashAlgorithm {
	case "sha256", "sha384", "sha512":
	default:
		return fmt.Errorf("log.hashAlgorithm %q is not supported (sha256, sha384, sha512)", cfg.Log.HashAlgorithm)
	}
	if cfg.Log.BufferSize < 1 {
		return fmt.Errorf("log.bufferSize must be at least 1")
	}
	if cfg.Log.FlushIntervalMs < 1 {
		return fmt.Errorf("log.flushIntervalMs must be positive")
	}
	if cfg.Log.MaxFileSize < 1024 {
		return fmt.Errorf("log.maxFileSize %d is too small (minimum 1024)", cfg.Log.MaxFileSize)
	}
	if cfg.Retention.MaxAgeDays < 0 || cfg.Retention.MaxTotalSizeBytes < 0 || cfg.Retention.MaxFiles < 0 {
		return fmt.Errorf("retention limits must be non-negative")
	}
	if cfg.Detection.WindowSize < 1 {
		return fmt.Errorf("detection.windowSize must be at least 1")
	}
	if cfg.Detection.TriggerSnapshot < 1 {
		return fmt.Errorf("detection.triggerSnapshot must be at least 1")
	}
	if cfg.Dashboard.Enabled {
		if cfg.Dashboard.Host == "" {
			return fmt.Errorf("dashboard.host must not be empty")
		}
		if cfg.Dashboard.Port < 1 || cfg.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port %d out of range (1-65535)", cfg.Dashboard.Port)
		}
	}
	return nil
}
