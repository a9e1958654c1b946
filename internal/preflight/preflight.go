package preflight

import (
	"context"

	"meshforge/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Backend checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Output directory", cfg.Paths.OutputRoot),
		CheckDirectoryAccess("Manifest directory", cfg.Paths.ManifestDir),
	}
	if cfg.Paths.LogDir != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	if cfg.Pipeline.MinFreeSpaceMegabytes > 0 {
		results = append(results, CheckFreeSpace("Output free space", cfg.Paths.OutputRoot, cfg.Pipeline.MinFreeSpaceMegabytes))
	}

	results = append(results, CheckMeshyFromConfig(ctx, cfg))
	if isEnabled(cfg.Lock.Backend) {
		results = append(results, CheckLockFromConfig(ctx, cfg))
	}
	if isEnabled(cfg.Mirror.Backend) {
		results = append(results, CheckMirrorFromConfig(cfg))
	}
	if cfg.Embeddings.Enabled {
		results = append(results, CheckEmbeddingsFromConfig(cfg))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
