package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Client framing modes.
const (
	FramingHalfClose = "halfclose"
	FramingCBOR      = "cbor"
)

// Client behaviours once the retry ladder is exhausted.
const (
	ExhaustSilent = "silent"
	ExhaustError  = "error"
)

// Paths contains socket and scratch directory placement.
type Paths struct {
	// SocketRoot is the shared directory holding per-project sockets and
	// scratch directories. Keep it short: unix socket paths are truncated
	// past roughly 100 bytes on some platforms.
	SocketRoot string `toml:"socket_root"`
}

// Daemon contains server-side tuning.
type Daemon struct {
	ReadTimeoutMillis int `toml:"read_timeout_ms"`
	MaxTransforms     int `toml:"max_transforms"`
}

// Client contains connection and retry behaviour.
type Client struct {
	Framing           string `toml:"framing"`
	BackoffBaseMillis int    `toml:"backoff_base_ms"`
	BackoffCapMillis  int    `toml:"backoff_cap_ms"`
	Retries           int    `toml:"retries"`
	OnExhausted       string `toml:"on_exhausted"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Journal controls the SQLite request journal kept in the scratch directory.
type Journal struct {
	Enabled bool `toml:"enabled"`
}

// Metrics controls periodic metric reporting. Zero disables reporting.
type Metrics struct {
	ReportIntervalMillis int `toml:"report_interval_ms"`
}

// Config encapsulates all configuration values for cssmod.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Daemon  Daemon  `toml:"daemon"`
	Client  Client  `toml:"client"`
	Logging Logging `toml:"logging"`
	Journal Journal `toml:"journal"`
	Metrics Metrics `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/cssmod/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("cssmod.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// ReadTimeout returns how long the daemon waits for a complete request.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Daemon.ReadTimeoutMillis) * time.Millisecond
}

// BackoffBase returns the first retry delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Client.BackoffBaseMillis) * time.Millisecond
}

// BackoffCap returns the upper bound on a single retry delay.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Client.BackoffCapMillis) * time.Millisecond
}

// MetricsInterval returns the metric report interval; zero disables reporting.
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Metrics.ReportIntervalMillis) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
