// Package services defines shared utilities consumed by the pipeline stages
// and the remote API integrations.
//
// Key responsibilities:
//   - Context helpers that stamp asset IDs, species, stage names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is and attach an operator hint.
//
// Use these helpers when wiring new stage logic so failures and log lines keep
// the same shape across the pipeline.
package services
