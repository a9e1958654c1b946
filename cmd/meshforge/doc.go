// Package main hosts the meshforge CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into pipeline
// runs (generate, batch, resume), manifest inspection, catalog lookups, the
// webhook receiver, and configuration scaffolding. It centralizes
// configuration resolution and logger setup so subcommands can focus on
// output instead of wiring.
//
// Keep this package lean: add new functionality to the internal packages
// first, then surface it through dedicated commands or flags here.
package main
