package pipeline

import (
	"context"
	"sync"

	"meshforge/internal/logging"
	"meshforge/internal/manifest"
	"meshforge/internal/services"
	"meshforge/internal/spec"
)

// BatchGenerate runs Generate for every spec on a bounded worker pool and
// returns the manifests that succeeded (or were submitted, without Wait) in
// input order. Per-item failures are logged and already recorded in that
// asset's manifest history; they never stop the batch.
func (o *Orchestrator) BatchGenerate(ctx context.Context, specs []spec.GenerationSpec, opts Options) []*manifest.AssetManifest {
	opts = opts.normalized()
	results := make([]*manifest.AssetManifest, len(specs))
	if len(specs) == 0 {
		return nil
	}

	workers := min(opts.Workers, len(specs))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				m, err := o.Generate(ctx, specs[i], opts)
				if err != nil {
					logging.WarnWithContext(o.loggerFor(ctx), "batch item failed", "batch_item_failed",
						logging.Int("index", i),
						logging.String(logging.FieldAssetID, spec.AssetID(specs[i])),
						logging.String(logging.FieldErrorHint, services.Hint(err)),
						logging.String(logging.FieldImpact, "asset skipped in batch results"),
						logging.Error(err))
					continue
				}
				results[i] = m
			}
		}()
	}

feed:
	for i := range specs {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	out := make([]*manifest.AssetManifest, 0, len(specs))
	for _, m := range results {
		if m != nil {
			out = append(out, m)
		}
	}
	o.logger.Info("batch finished",
		logging.String(logging.FieldEventType, "batch_finished"),
		logging.Int("requested", len(specs)),
		logging.Int("succeeded", len(out)))
	return out
}
