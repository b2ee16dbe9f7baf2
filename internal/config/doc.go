// Package config loads, normalizes, and validates mediaforge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file, and honours
// environment fallbacks such as MEDIAFORGE_REDIS_URL. The Config type
// centralizes every knob the daemon and CLI need: storage directories, the
// task queue backend, dispatcher concurrency, external tool timeouts, and the
// static quality table used by quality-conversion jobs.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
