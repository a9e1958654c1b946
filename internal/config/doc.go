// Package config loads, normalizes, and validates meshforge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// MESHY_API_KEY and GEMINI_API_KEY. The Config type centralizes every knob the
// CLI, the webhook receiver, and the pipeline need so that output roots,
// manifest directories, and remote credentials are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
