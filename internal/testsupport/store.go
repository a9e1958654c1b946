package testsupport

import (
	"testing"

	"meshforge/internal/config"
	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
)

// MustOpenStore opens a manifest.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...manifest.Option) *manifest.Store {
	t.Helper()

	store, err := manifest.Open(cfg.Paths.ManifestDir, opts...)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustClient builds a transport for the configured base URL.
func MustClient(t testing.TB, cfg *config.Config, opts ...meshy.Option) *meshy.Client {
	t.Helper()

	client, err := meshy.NewClient(meshy.ConfigFrom(cfg), opts...)
	if err != nil {
		t.Fatalf("meshy.NewClient: %v", err)
	}
	return client
}
