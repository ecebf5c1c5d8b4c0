// Package config loads, normalizes, and validates cssmod configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CSSMOD_SOCKET_ROOT. The Config type centralizes every knob the daemon,
// client, and CLI need so socket addresses and retry behaviour are derived
// in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
