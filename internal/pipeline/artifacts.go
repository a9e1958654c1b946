package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"meshforge/internal/fileutil"
	"meshforge/internal/logging"
	"meshforge/internal/manifest"
	"meshforge/internal/services"
)

const defaultArtifactExt = ".png"

// modelFormats are artifact name suffixes that are themselves file
// extensions.
var modelFormats = map[string]bool{
	"glb":  true,
	"fbx":  true,
	"usdz": true,
	"obj":  true,
	"mtl":  true,
}

// artifactPath returns the output-root relative path of one artifact:
// <output dir>/<asset id>/<short spec hash>/<step>/<file>, so specs sharing an
// asset id never overwrite each other. A bare model format becomes
// <asset id>.<format>; "<label>_<format>" becomes <asset id>_<label>.<format>;
// anything else keeps the extension of its URL.
func artifactPath(outputDir, assetID, specHash, stepName, name, rawURL string) string {
	var file string
	switch {
	case modelFormats[name]:
		file = assetID + "." + name
	default:
		label, format := name, ""
		if i := strings.LastIndex(name, "_"); i > 0 && modelFormats[name[i+1:]] {
			label, format = name[:i], name[i+1:]
		}
		if format == "" {
			format = strings.TrimPrefix(urlExt(rawURL), ".")
		}
		file = assetID + "_" + label + "." + format
	}
	return path.Join(outputDir, assetID, manifest.ShortHash(specHash), stepName, file)
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultArtifactExt
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 6 {
		return defaultArtifactExt
	}
	return ext
}

// collectPending downloads artifacts of SUCCEEDED steps that a previous call
// recorded but did not finish fetching.
func (o *Orchestrator) collectPending(ctx context.Context, r *run, m *manifest.AssetManifest) (*manifest.AssetManifest, error) {
	for _, st := range r.steps {
		entry, ok := m.LatestForStep(st.Name)
		if !ok || entry.Status != manifest.StatusSucceeded {
			continue
		}
		if len(missingArtifacts(m, entry)) == 0 {
			continue
		}
		var err error
		m, err = o.collect(services.WithStage(ctx, st.Name), r, st, m, entry.TaskID)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// missingArtifacts lists result names of entry that have no ArtifactRecord.
func missingArtifacts(m *manifest.AssetManifest, entry *manifest.TaskGraphEntry) []string {
	have := map[string]bool{}
	for _, rec := range m.ArtifactsForTask(entry.TaskID) {
		have[rec.Kind] = true
	}
	var names []string
	for name := range entry.ResultPaths {
		if !have[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// collect downloads, hashes and records every missing artifact of a
// SUCCEEDED task, then runs the optional mirror and similarity hooks.
func (o *Orchestrator) collect(ctx context.Context, r *run, st step, m *manifest.AssetManifest, taskID string) (*manifest.AssetManifest, error) {
	ctx, span := tracer.Start(ctx, "pipeline.collect")
	defer span.End()
	logger := o.loggerFor(ctx)

	entry, ok := m.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", manifest.ErrTaskNotFound, taskID)
	}
	outputDir := r.spec.OutputDir()
	for _, name := range missingArtifacts(m, entry) {
		sourceURL := entry.ResultPaths[name]
		rel := artifactPath(outputDir, r.key.AssetID, r.key.SpecHash, st.Name, name, sourceURL)
		dest := filepath.Join(o.outputRoot, filepath.FromSlash(rel))
		if !fileutil.WithinRoot(o.outputRoot, dest) {
			err := stageError(ErrDownloadFailed, services.ErrValidation, st.Name, "download",
				fmt.Sprintf("artifact path %q escapes the output root", rel), nil)
			o.annotate(ctx, r.key, manifest.StatusSucceeded, manifest.StatusSucceeded, taskID, err.Error())
			endSpan(span, err)
			return nil, err
		}

		if _, err := o.transport.DownloadFile(ctx, sourceURL, dest); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			err = stageError(ErrDownloadFailed, services.ErrRemoteAPI, st.Name, "download",
				fmt.Sprintf("fetch %s", name), err)
			o.annotate(ctx, r.key, manifest.StatusSucceeded, manifest.StatusSucceeded, taskID, err.Error())
			logging.ErrorWithContext(logger, "artifact download failed", "download_failed",
				logging.TaskID(taskID),
				logging.String("artifact", name),
				logging.String(logging.FieldErrorHint, "run resume to retry the download"),
				logging.Error(err))
			endSpan(span, err)
			return nil, err
		}
		hash, size, err := fileutil.HashFile(dest)
		if err != nil {
			err = stageError(ErrDownloadFailed, services.ErrStorage, st.Name, "hash", fmt.Sprintf("hash %s", rel), err)
			o.annotate(ctx, r.key, manifest.StatusSucceeded, manifest.StatusSucceeded, taskID, err.Error())
			endSpan(span, err)
			return nil, err
		}

		rec := manifest.ArtifactRecord{
			RelativePath:  rel,
			SHA256Hash:    hash,
			FileSizeBytes: size,
			SourceURL:     sourceURL,
			TaskID:        taskID,
			Kind:          name,
		}
		if o.mirror != nil {
			uri, err := o.mirror.Upload(ctx, dest, rel, hash)
			if err != nil {
				logging.WarnWithContext(logger, "artifact mirror failed", "mirror_failed",
					logging.String("artifact", rel),
					logging.String(logging.FieldImpact, "local copy kept, remote mirror missing"),
					logging.String(logging.FieldErrorHint, "check mirror bucket credentials"),
					logging.Error(err))
			} else {
				rec.MirrorURI = uri
			}
		}
		m, err = o.store.RecordArtifact(ctx, r.key, rec)
		if err != nil {
			endSpan(span, err)
			return nil, err
		}
		logger.Info("artifact downloaded",
			logging.String(logging.FieldEventType, "artifact_downloaded"),
			logging.String("path", rel),
			logging.Int64("bytes", size))
	}

	var err error
	m, err = o.store.SetResumeToken(ctx, r.key, resumeTokenLastStep, st.Name)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	if st.Name == baseStep(r.spec) && o.recorder != nil {
		if err := o.recorder.RecordGeneration(ctx, r.key.SpecHash, strings.TrimSpace(r.spec.Description), r.key.AssetID, r.key.Species); err != nil {
			logging.WarnWithContext(logger, "similarity index update failed", "embedding_failed",
				logging.String(logging.FieldImpact, "asset missing from similar search"),
				logging.Error(err))
		}
	}
	return m, nil
}
