package preflight

import (
	"context"
	"strings"

	"meshforge/internal/config"
	"meshforge/internal/meshy"
)

func isEnabled(backend string) bool {
	b := strings.ToLower(strings.TrimSpace(backend))
	return b != "" && b != "none"
}

// CheckMeshyFromConfig evaluates the Meshy API from config and connectivity.
func CheckMeshyFromConfig(ctx context.Context, cfg *config.Config) Result {
	if cfg == nil {
		return Result{Name: "Meshy API", Detail: "Unknown"}
	}
	return CheckMeshy(ctx, meshy.ConfigFrom(cfg))
}

// CheckLockFromConfig evaluates the submission lock backend.
func CheckLockFromConfig(ctx context.Context, cfg *config.Config) Result {
	const name = "Submission lock"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Backend)) {
	case "", "none":
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	case "file":
		check := CheckDirectoryAccess(name, cfg.Paths.ManifestDir)
		if check.Passed {
			check.Detail = "file locks under " + cfg.Paths.ManifestDir
		}
		return check
	case "redis":
		return CheckRedis(ctx, cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB)
	default:
		return Result{Name: name, Detail: "Unknown backend " + cfg.Lock.Backend}
	}
}

// CheckMirrorFromConfig evaluates the artifact mirror settings. Bucket access
// is exercised on the first upload; this only catches missing settings.
func CheckMirrorFromConfig(cfg *config.Config) Result {
	const name = "Artifact mirror"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Mirror.Backend))
	if !isEnabled(backend) {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	if strings.TrimSpace(cfg.Mirror.Bucket) == "" {
		return Result{Name: name, Detail: "Missing bucket"}
	}
	return Result{Name: name, Passed: true, Detail: backend + "://" + cfg.Mirror.Bucket}
}

// CheckEmbeddingsFromConfig evaluates the prompt similarity index settings.
func CheckEmbeddingsFromConfig(cfg *config.Config) Result {
	const name = "Prompt index"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if !cfg.Embeddings.Enabled {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	if strings.TrimSpace(cfg.Embeddings.GeminiAPIKey) == "" {
		return Result{Name: name, Detail: "Missing Gemini API key"}
	}
	return Result{Name: name, Passed: true, Detail: cfg.EmbeddingDBPath()}
}
