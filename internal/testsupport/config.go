package testsupport

import (
	"path/filepath"
	"testing"

	"meshforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Transport spacing and backoff are zeroed so tests never sleep on them.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Meshy.APIKey = "test-key"
	cfgVal.Meshy.MinRequestIntervalMS = 0
	cfgVal.Meshy.BackoffFloorMS = 1
	cfgVal.Meshy.BackoffCeilingMS = 5
	cfgVal.Paths.OutputRoot = filepath.Join(base, "assets")
	cfgVal.Paths.ManifestDir = filepath.Join(base, "manifests")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Pipeline.PollIntervalSeconds = 1
	cfgVal.Pipeline.TimeoutSeconds = 5
	cfgVal.Webhook.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMeshyURL points the transport at a fake server.
func WithMeshyURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Meshy.BaseURL = url
	}
}

// WithAPIKey overrides the bearer token; an empty key exercises the
// configuration error path.
func WithAPIKey(key string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Meshy.APIKey = key
	}
}

// WithLockBackend selects the submission guard backend.
func WithLockBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Lock.Backend = backend
	}
}

// WithWebhookSecret sets the shared secret expected on callbacks.
func WithWebhookSecret(secret string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Webhook.Secret = secret
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.OutputRoot)
}
