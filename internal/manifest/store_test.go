package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"meshforge/internal/services"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testKey() AssetKey {
	return AssetKey{SpecHash: "hash-1", AssetID: "red_apple", Species: "fruit"}
}

func testInit() Init {
	return Init{
		SpecFingerprint: `{"description":"A red apple"}`,
		Intent:          "prop_decoration",
		Prompts:         map[string]string{"text3d": "A red apple"},
	}
}

func TestCreateOrLoadIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateOrLoad(ctx, testKey(), testInit())
	if err != nil {
		t.Fatalf("CreateOrLoad failed: %v", err)
	}
	second, err := store.CreateOrLoad(ctx, testKey(), Init{Intent: "ignored"})
	if err != nil {
		t.Fatalf("second CreateOrLoad failed: %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) || second.AssetIntent != "prop_decoration" {
		t.Fatalf("expected the same manifest, got %+v vs %+v", first, second)
	}
	if second.SchemaVersion != SchemaVersion {
		t.Fatalf("schema version = %q", second.SchemaVersion)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "fruit", "red_apple", "hash-1_manifest.json")); err != nil {
		t.Fatalf("manifest file missing: %v", err)
	}
}

func TestDifferentSpecsForOneAssetIDCoexist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := testKey()
	if _, err := store.CreateOrLoad(ctx, first, testInit()); err != nil {
		t.Fatal(err)
	}
	second := testKey()
	second.SpecHash = "hash-2"
	if _, err := store.CreateOrLoad(ctx, second, Init{Intent: "prop_interactable"}); err != nil {
		t.Fatalf("second spec rejected: %v", err)
	}
	if _, err := store.RecordTaskSubmission(ctx, second, TaskGraphEntry{TaskID: "task-2", Service: StageText3D}, SourceOrchestrator); err != nil {
		t.Fatal(err)
	}

	a, err := store.Load(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Load(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if a.AssetSpecHash != "hash-1" || len(a.TaskGraph) != 0 {
		t.Fatalf("first manifest touched by second spec: %+v", a)
	}
	if b.AssetSpecHash != "hash-2" || b.AssetIntent != "prop_interactable" || len(b.TaskGraph) != 1 {
		t.Fatalf("unexpected second manifest: %+v", b)
	}

	list, err := store.List(ctx, Filter{Species: "fruit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected two manifests, got %d", len(list))
	}
	entries, err := store.Entries(ctx, Filter{Species: "fruit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two index rows, got %+v", entries)
	}

	found, err := store.FindByTaskID(ctx, "task-2")
	if err != nil {
		t.Fatal(err)
	}
	if found.AssetSpecHash != "hash-2" {
		t.Fatalf("task resolved to spec %s", found.AssetSpecHash)
	}
}

func TestLoadResolvesPartialSpecHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateOrLoad(ctx, testKey(), testInit()); err != nil {
		t.Fatal(err)
	}

	bare := AssetKey{AssetID: "red_apple", Species: "fruit"}
	m, err := store.Load(ctx, bare)
	if err != nil {
		t.Fatalf("Load without hash: %v", err)
	}
	if m.AssetSpecHash != "hash-1" {
		t.Fatalf("resolved to %q", m.AssetSpecHash)
	}

	other := testKey()
	other.SpecHash = "other-9"
	if _, err := store.CreateOrLoad(ctx, other, testInit()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, bare); !errors.Is(err, ErrAmbiguousKey) || !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrAmbiguousKey, got %v", err)
	}
	resolved, err := store.Resolve(ctx, AssetKey{SpecHash: "oth", AssetID: "red_apple", Species: "fruit"})
	if err != nil {
		t.Fatal(err)
	}
	if resolved.SpecHash != "other-9" {
		t.Fatalf("prefix resolved to %q", resolved.SpecHash)
	}
	if _, err := store.AppendHistory(ctx, bare, StatusHistoryEntry{NewStatus: StatusFailed}); !errors.Is(err, ErrAmbiguousKey) {
		t.Fatalf("ambiguous update: %v", err)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load(context.Background(), testKey())
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidKeysAreRejected(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []AssetKey{
		{AssetID: "", Species: "fruit"},
		{AssetID: "../escape", Species: "fruit"},
		{AssetID: "apple", Species: ".."},
		{AssetID: "apple", Species: "fruit"},
		{SpecHash: "../up", AssetID: "apple", Species: "fruit"},
		{SpecHash: "h*", AssetID: "apple", Species: "fruit"},
	} {
		if _, err := store.CreateOrLoad(context.Background(), key, testInit()); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %+v: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestTaskLifecycleRecordsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	if _, err := store.CreateOrLoad(ctx, key, testInit()); err != nil {
		t.Fatal(err)
	}

	entry := TaskGraphEntry{TaskID: "task-1", Service: StageText3D, Payload: map[string]any{"prompt": "A red apple"}}
	m, err := store.RecordTaskSubmission(ctx, key, entry, SourceOrchestrator)
	if err != nil {
		t.Fatalf("RecordTaskSubmission failed: %v", err)
	}
	if len(m.TaskGraph) != 1 || m.TaskGraph[0].Status != StatusPending {
		t.Fatalf("unexpected task graph: %+v", m.TaskGraph)
	}

	// Recording the same task twice must not duplicate it.
	if m, err = store.RecordTaskSubmission(ctx, key, entry, SourceOrchestrator); err != nil || len(m.TaskGraph) != 1 {
		t.Fatalf("duplicate submission changed graph: %v %+v", err, m.TaskGraph)
	}

	if _, err := store.UpdateTaskStatus(ctx, key, "task-1", StatusInProgress, nil, "", SourceOrchestrator); err != nil {
		t.Fatal(err)
	}
	// Same status again is not a transition.
	if _, err := store.UpdateTaskStatus(ctx, key, "task-1", StatusInProgress, nil, "", SourceOrchestrator); err != nil {
		t.Fatal(err)
	}
	m, err = store.UpdateTaskStatus(ctx, key, "task-1", StatusSucceeded, map[string]string{"glb": "https://assets/x.glb"}, "", SourceWebhook)
	if err != nil {
		t.Fatal(err)
	}
	// A late non-terminal update must not regress a terminal entry.
	m, err = store.UpdateTaskStatus(ctx, key, "task-1", StatusInProgress, nil, "", SourceOrchestrator)
	if err != nil {
		t.Fatal(err)
	}

	if got := m.TaskGraph[0]; got.Status != StatusSucceeded || got.ResultPaths["glb"] != "https://assets/x.glb" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	want := []struct {
		old, new Status
		source   Source
	}{
		{StatusNotStarted, StatusPending, SourceOrchestrator},
		{StatusPending, StatusInProgress, SourceOrchestrator},
		{StatusInProgress, StatusSucceeded, SourceWebhook},
	}
	if len(m.History) != len(want) {
		t.Fatalf("expected %d history entries, got %+v", len(want), m.History)
	}
	for i, w := range want {
		h := m.History[i]
		if h.OldStatus != w.old || h.NewStatus != w.new || h.Source != w.source || h.TaskID != "task-1" {
			t.Fatalf("history[%d] = %+v", i, h)
		}
	}

	if _, err := store.UpdateTaskStatus(ctx, key, "missing", StatusFailed, nil, "", SourceOrchestrator); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRecordArtifactDeduplicatesByPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	if _, err := store.CreateOrLoad(ctx, key, testInit()); err != nil {
		t.Fatal(err)
	}
	rec := ArtifactRecord{RelativePath: "fruit/red_apple/text3d/red_apple.glb", SHA256Hash: "aa", FileSizeBytes: 3}
	if _, err := store.RecordArtifact(ctx, key, rec); err != nil {
		t.Fatal(err)
	}
	m, err := store.RecordArtifact(ctx, key, rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Artifacts) != 1 {
		t.Fatalf("expected one artifact, got %d", len(m.Artifacts))
	}
	if m.Artifacts[0].DownloadedAt.IsZero() {
		t.Fatal("downloaded_at not set")
	}
	if _, err := store.RecordArtifact(ctx, key, ArtifactRecord{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResumeTokensAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	if _, err := store.CreateOrLoad(ctx, key, testInit()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SetResumeToken(ctx, key, "pipeline", "text3d,rigging"); err != nil {
		t.Fatal(err)
	}
	m, err := store.AppendHistory(ctx, key, StatusHistoryEntry{
		OldStatus: StatusNotStarted,
		NewStatus: StatusFailed,
		Source:    SourceOrchestrator,
		Message:   "submission failed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.ResumeTokens["pipeline"] != "text3d,rigging" {
		t.Fatalf("resume token missing: %+v", m.ResumeTokens)
	}
	if m.Status() != StatusFailed || len(m.History) != 1 {
		t.Fatalf("unexpected status/history: %s %+v", m.Status(), m.History)
	}
	m, err = store.SetResumeToken(ctx, key, "pipeline", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ResumeTokens["pipeline"]; ok {
		t.Fatal("expected token removal")
	}
}

func TestUpdateAppendsHistoryOnStatusChange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	if _, err := store.CreateOrLoad(ctx, key, testInit()); err != nil {
		t.Fatal(err)
	}
	m, err := store.Update(ctx, key, func(m *AssetManifest) error {
		m.TaskGraph = append(m.TaskGraph, TaskGraphEntry{TaskID: "t", Service: StageText3D, Status: StatusPending})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(m.History) != 1 || m.History[0].NewStatus != StatusPending || m.History[0].TaskID != "t" {
		t.Fatalf("expected automatic history entry, got %+v", m.History)
	}

	sentinel := errors.New("boom")
	if _, err := store.Update(ctx, key, func(m *AssetManifest) error {
		m.Prompts["text3d"] = "changed"
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	reloaded, err := store.Load(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Prompts["text3d"] != "A red apple" {
		t.Fatal("failed mutation was persisted")
	}
}

func TestCrashBeforeRenameKeepsPriorManifest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	if _, err := store.CreateOrLoad(ctx, key, testInit()); err != nil {
		t.Fatal(err)
	}

	original := writeFile
	t.Cleanup(func() { writeFile = original })
	writeFile = func(path string, data []byte, _ os.FileMode) error {
		// Half of the new document lands in a temp file, then the process dies.
		tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".crash.tmp")
		if err := os.WriteFile(tmp, data[:len(data)/2], 0o644); err != nil {
			return err
		}
		return errors.New("simulated crash")
	}

	_, err := store.RecordTaskSubmission(ctx, key, TaskGraphEntry{TaskID: "task-1", Service: StageText3D}, SourceOrchestrator)
	if !errors.Is(err, services.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	writeFile = original

	fresh, err := Open(store.Root(), WithoutIndex())
	if err != nil {
		t.Fatal(err)
	}
	m, err := fresh.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load after crash failed: %v", err)
	}
	if len(m.TaskGraph) != 0 {
		t.Fatalf("partial write observed: %+v", m.TaskGraph)
	}
	list, err := fresh.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("stray temp file leaked into listing: %d manifests", len(list))
	}
}

func TestLoadIgnoresUnknownFieldsAndRejectsNewerMajor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	path := store.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	doc := map[string]any{
		"asset_spec_hash":  "hash-1",
		"spec_fingerprint": "{}",
		"species":          "fruit",
		"asset_intent":     "prop_decoration",
		"asset_id":         "red_apple",
		"schema_version":   "1.4.0",
		"future_field":     map[string]any{"nested": true},
		"task_graph": []map[string]any{{
			"task_id": "task-1", "service": "text3d", "status": "SUCCEEDED",
			"created_at": "2025-01-02T03:04:05Z", "updated_at": "2025-01-02T03:04:05Z",
			"payload": map[string]any{}, "result_paths": map[string]any{}, "extra": 1,
		}},
	}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.TaskGraph) != 1 || m.TaskGraph[0].Status != StatusSucceeded {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if m.ResumeTokens == nil || m.Prompts == nil {
		t.Fatal("maps not initialized")
	}

	doc["schema_version"] = "2.0.0"
	data, _ = json.Marshal(doc)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, key); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("expected ErrUnsupportedSchema, got %v", err)
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	if _, err := store.CreateOrLoad(ctx, key, testInit()); err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AppendHistory(ctx, key, StatusHistoryEntry{Source: SourceManual, NewStatus: StatusNotStarted}); err != nil {
				t.Errorf("AppendHistory: %v", err)
			}
		}()
	}
	wg.Wait()

	m, err := store.Load(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.History) != writers {
		t.Fatalf("expected %d history entries, got %d", writers, len(m.History))
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.locks) != 0 {
		t.Fatalf("idle asset locks retained: %d", len(store.locks))
	}
}

func TestAssetLocksAreReleasedAcrossManyAssets(t *testing.T) {
	store := newTestStore(t, WithoutIndex())
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		key := AssetKey{SpecHash: fmt.Sprintf("h%02d", i), AssetID: fmt.Sprintf("asset_%02d", i), Species: "fruit"}
		if _, err := store.CreateOrLoad(ctx, key, testInit()); err != nil {
			t.Fatal(err)
		}
		if _, err := store.SetResumeToken(ctx, key, "k", "v"); err != nil {
			t.Fatal(err)
		}
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.locks) != 0 {
		t.Fatalf("lock map grew to %d entries", len(store.locks))
	}
}

func TestCancelledContextLeavesManifestUntouched(t *testing.T) {
	store := newTestStore(t)
	key := testKey()
	if _, err := store.CreateOrLoad(context.Background(), key, testInit()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.SetResumeToken(ctx, key, "k", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	m, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.ResumeTokens) != 0 {
		t.Fatal("cancelled mutation was persisted")
	}
}

func TestListFiltersAndIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	keys := []AssetKey{
		{SpecHash: "h1", AssetID: "apple", Species: "fruit"},
		{SpecHash: "h2", AssetID: "pear", Species: "fruit"},
		{SpecHash: "h3", AssetID: "dock", Species: "structures"},
	}
	for _, key := range keys {
		if _, err := store.CreateOrLoad(ctx, key, Init{Intent: "prop_decoration"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.RecordTaskSubmission(ctx, keys[2], TaskGraphEntry{TaskID: "dock-task", Service: StageText3D}, SourceOrchestrator); err != nil {
		t.Fatal(err)
	}

	fruit, err := store.List(ctx, Filter{Species: "fruit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fruit) != 2 || fruit[0].AssetID != "apple" || fruit[1].AssetID != "pear" {
		t.Fatalf("unexpected fruit listing: %d", len(fruit))
	}

	pending, err := store.Entries(ctx, Filter{Status: StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].AssetID != "dock" || pending[0].TaskCount != 1 {
		t.Fatalf("unexpected pending entries: %+v", pending)
	}

	found, err := store.FindByTaskID(ctx, "dock-task")
	if err != nil {
		t.Fatalf("FindByTaskID: %v", err)
	}
	if found.AssetID != "dock" {
		t.Fatalf("found wrong asset %s", found.AssetID)
	}
	if _, err := store.FindByTaskID(ctx, "nope"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReindexRebuildsFromFiles(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	plain, err := Open(root, WithoutIndex())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := plain.CreateOrLoad(ctx, testKey(), testInit()); err != nil {
		t.Fatal(err)
	}

	indexed, err := Open(root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = indexed.Close() })

	before, err := indexed.Entries(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 0 {
		t.Fatalf("expected empty index before reindex, got %d", len(before))
	}
	count, err := indexed.Reindex(ctx)
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	after, err := indexed.Entries(ctx, Filter{Species: "fruit"})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 || len(after) != 1 || after[0].SpecHash != "hash-1" {
		t.Fatalf("unexpected reindex result: %d %+v", count, after)
	}
	if !strings.HasSuffix(after[0].ManifestPath, filepath.Join("red_apple", "hash-1_manifest.json")) {
		t.Fatalf("manifest path = %s", after[0].ManifestPath)
	}
}

func TestTimestampsUseClock(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	store := newTestStore(t, WithClock(func() time.Time { return fixed }))
	m, err := store.CreateOrLoad(context.Background(), testKey(), testInit())
	if err != nil {
		t.Fatal(err)
	}
	if !m.CreatedAt.Equal(fixed) || !m.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected timestamps %s %s", m.CreatedAt, m.UpdatedAt)
	}
}

func TestOpenRebuildsOutdatedIndex(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	plain, err := Open(root, WithoutIndex())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := plain.CreateOrLoad(ctx, testKey(), testInit()); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", filepath.Join(root, indexFileName))
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		"CREATE TABLE schema_version (version INTEGER NOT NULL)",
		"INSERT INTO schema_version (version) VALUES (1)",
		"CREATE TABLE assets (species TEXT NOT NULL, asset_id TEXT NOT NULL, PRIMARY KEY (species, asset_id))",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	_ = db.Close()

	store, err := Open(root)
	if err != nil {
		t.Fatalf("Open with outdated index: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	entries, err := store.Entries(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].SpecHash != "hash-1" {
		t.Fatalf("index not rebuilt: %+v", entries)
	}
}
