// Package preflight provides readiness checks for the services and
// filesystem paths meshforge depends on.
//
// These checks run in two contexts:
//   - The generate and batch commands call RunAll before submitting work.
//     A failed check stops the run before any paid task is created.
//   - The CLI "meshforge doctor" command prints every result, including the
//     optional backends (lock, mirror, embeddings).
//
// Optional backends are gated by their config toggle; disabled features are
// reported as passed with a "Disabled" detail.
package preflight
