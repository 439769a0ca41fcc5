// Package config loads, normalizes, and validates pharmimport configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// PHARMIMPORT_POSTGRES_DSN. The Config type centralizes every knob the import
// run and the CLI need, so backends, worker pools, and retry settings are
// discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// expanded paths, canonical backend selectors, and clear validation errors.
package config
