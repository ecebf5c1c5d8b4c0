package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateClient(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Metrics.ReportIntervalMillis < 0 {
		return errors.New("metrics.report_interval_ms must be >= 0")
	}
	return nil
}

func (c *Config) validateClient() error {
	switch c.Client.Framing {
	case FramingHalfClose, FramingCBOR:
	default:
		return fmt.Errorf("client.framing: unsupported value %q (want %q or %q)", c.Client.Framing, FramingHalfClose, FramingCBOR)
	}
	switch c.Client.OnExhausted {
	case ExhaustSilent, ExhaustError:
	default:
		return fmt.Errorf("client.on_exhausted: unsupported value %q (want %q or %q)", c.Client.OnExhausted, ExhaustSilent, ExhaustError)
	}
	if c.Client.Retries < 0 {
		return errors.New("client.retries must be >= 0")
	}
	if c.Client.BackoffCapMillis < c.Client.BackoffBaseMillis {
		return errors.New("client.backoff_cap_ms must be >= client.backoff_base_ms")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
