package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"meshforge/internal/config"
	"meshforge/internal/meshy"
	"meshforge/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("space", dir, 1); !result.Passed {
		t.Fatalf("expected at least 1 MiB free in temp dir: %s", result.Detail)
	}
	result := CheckFreeSpace("space", dir, 1<<40)
	if result.Passed || !strings.Contains(result.Detail, "need") {
		t.Fatalf("expected failure for an exabyte requirement, got %+v", result)
	}
	if result := CheckFreeSpace("space", filepath.Join(dir, "missing"), 1); result.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckMeshy_OK(t *testing.T) {
	fake := testsupport.NewFakeMeshy(t)
	result := CheckMeshy(context.Background(), meshy.Config{APIKey: "good-key", BaseURL: fake.URL})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckMeshy_BadKey(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid API key"}`))
	}))
	defer srv.Close()

	result := CheckMeshy(context.Background(), meshy.Config{APIKey: "bad-key", BaseURL: srv.URL})
	if result.Passed {
		t.Fatal("expected failure for bad key")
	}
	if result.Detail != "auth failed (invalid api key)" {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestCheckMeshy_MissingKey(t *testing.T) {
	result := CheckMeshy(context.Background(), meshy.Config{BaseURL: "http://localhost"})
	if result.Passed || result.Detail != "API key missing" {
		t.Fatalf("expected missing key failure, got %+v", result)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	fake := testsupport.NewFakeMeshy(t)
	cfg := testsupport.NewConfig(t, testsupport.WithMeshyURL(fake.URL))
	cfg.Pipeline.MinFreeSpaceMegabytes = 1

	results := RunAll(context.Background(), cfg)
	// output, manifest, log directories + free space + meshy
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("Failed returned %+v", failed)
	}
}

func TestRunAll_IncludesEnabledBackends(t *testing.T) {
	fake := testsupport.NewFakeMeshy(t)
	cfg := testsupport.NewConfig(t, testsupport.WithMeshyURL(fake.URL), testsupport.WithLockBackend("file"))
	cfg.Pipeline.MinFreeSpaceMegabytes = 0
	cfg.Mirror.Backend = "s3"
	cfg.Mirror.Bucket = ""
	cfg.Embeddings.Enabled = true
	cfg.Embeddings.GeminiAPIKey = ""

	results := RunAll(context.Background(), cfg)
	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if r, ok := byName["Submission lock"]; !ok || !r.Passed {
		t.Fatalf("expected passing file lock check, got %+v", r)
	}
	if r, ok := byName["Artifact mirror"]; !ok || r.Passed || r.Detail != "Missing bucket" {
		t.Fatalf("expected failing mirror check, got %+v", r)
	}
	if r, ok := byName["Prompt index"]; !ok || r.Passed {
		t.Fatalf("expected failing embeddings check, got %+v", r)
	}
	if len(Failed(results)) != 2 {
		t.Fatalf("expected two failures, got %+v", Failed(results))
	}
}

func TestFromConfigDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Lock.Backend = "none"
	cfg.Mirror.Backend = "none"
	cfg.Embeddings.Enabled = false

	for _, r := range []Result{
		CheckLockFromConfig(context.Background(), &cfg),
		CheckMirrorFromConfig(&cfg),
		CheckEmbeddingsFromConfig(&cfg),
	} {
		if !r.Passed || r.Detail != "Disabled" {
			t.Errorf("%s: expected disabled pass, got %+v", r.Name, r)
		}
	}
	cfg.Lock.Backend = "zookeeper"
	if r := CheckLockFromConfig(context.Background(), &cfg); r.Passed {
		t.Fatal("expected failure for unknown lock backend")
	}
}
