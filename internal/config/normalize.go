package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDaemon()
	c.normalizeClient()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("CSSMOD_SOCKET_ROOT"); ok && strings.TrimSpace(value) != "" {
		c.Paths.SocketRoot = value
	}
	if strings.TrimSpace(c.Paths.SocketRoot) == "" {
		c.Paths.SocketRoot = defaultSocketRoot
	}
	var err error
	if c.Paths.SocketRoot, err = expandPath(strings.TrimSpace(c.Paths.SocketRoot)); err != nil {
		return fmt.Errorf("paths.socket_root: %w", err)
	}
	return nil
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.ReadTimeoutMillis <= 0 {
		c.Daemon.ReadTimeoutMillis = defaultReadTimeoutMillis
	}
	if c.Daemon.MaxTransforms <= 0 {
		c.Daemon.MaxTransforms = defaultMaxTransforms
	}
}

func (c *Config) normalizeClient() {
	c.Client.Framing = strings.ToLower(strings.TrimSpace(c.Client.Framing))
	if c.Client.Framing == "" {
		c.Client.Framing = defaultFraming
	}
	c.Client.OnExhausted = strings.ToLower(strings.TrimSpace(c.Client.OnExhausted))
	if c.Client.OnExhausted == "" {
		c.Client.OnExhausted = defaultOnExhausted
	}
	if c.Client.BackoffBaseMillis <= 0 {
		c.Client.BackoffBaseMillis = defaultBackoffBaseMillis
	}
	if c.Client.BackoffCapMillis <= 0 {
		c.Client.BackoffCapMillis = defaultBackoffCapMillis
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
