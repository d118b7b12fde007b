// Package config loads, normalizes, and validates spool's TOML
// configuration.
package config
