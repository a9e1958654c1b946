// Package spec defines GenerationSpec, the immutable description of one asset
// to generate, along with its validation rules, the asset identifier
// derivation policy, spec-file loading for batch runs, and the built-in
// presets.
package spec
