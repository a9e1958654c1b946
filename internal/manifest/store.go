package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"meshforge/internal/logging"
	"meshforge/internal/services"
)

const (
	indexFileName  = "index.db"
	lockRetryDelay = 25 * time.Millisecond
)

// Store persists manifests under a root directory.
type Store struct {
	root     string
	logger   *slog.Logger
	index    *Index
	now      func() time.Time
	useIndex bool

	mu    sync.Mutex
	locks map[string]*assetLock
}

// assetLock is an in-process mutex shared by callers touching one manifest.
// refs counts holders and waiters so idle entries can be dropped.
type assetLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithoutIndex skips the SQLite index. List falls back to scanning files.
func WithoutIndex() Option {
	return func(s *Store) { s.useIndex = false }
}

// Open prepares the manifest root and the index database.
func Open(root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "manifest", "open", "manifest root is empty", nil)
	}
	store := &Store{
		root:     root,
		logger:   logging.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		useIndex: true,
		locks:    make(map[string]*assetLock),
	}
	for _, opt := range opts {
		opt(store)
	}
	store.logger = logging.NewComponentLogger(store.logger, "manifest")

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, services.Wrap(services.ErrStorage, "manifest", "open", "create manifest root", err)
	}
	if store.useIndex {
		index, err := OpenIndex(filepath.Join(root, indexFileName))
		if err != nil {
			return nil, err
		}
		store.index = index
		if index.recreated {
			if _, err := store.Reindex(context.Background()); err != nil {
				_ = index.Close()
				return nil, err
			}
		}
	}
	return store, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	if s == nil || s.index == nil {
		return nil
	}
	return s.index.Close()
}

// Root returns the manifest root directory.
func (s *Store) Root() string { return s.root }

// Path returns where the manifest for key lives. Manifests are grouped per
// asset id, one file per spec hash.
func (s *Store) Path(key AssetKey) string {
	return filepath.Join(s.assetDir(key), key.SpecHash+manifestSuffix)
}

func (s *Store) assetDir(key AssetKey) string {
	return filepath.Join(s.root, key.Species, key.AssetID)
}

// Resolve completes a key whose SpecHash is empty or a prefix. An exact
// hash always wins; otherwise exactly one manifest must match.
func (s *Store) Resolve(ctx context.Context, key AssetKey) (AssetKey, error) {
	if err := key.Validate(); err != nil {
		return AssetKey{}, err
	}
	if err := ctx.Err(); err != nil {
		return AssetKey{}, err
	}
	if key.SpecHash != "" {
		if _, err := os.Stat(s.Path(key)); err == nil {
			return key, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(s.assetDir(key), key.SpecHash+"*"+manifestSuffix))
	if err != nil {
		return AssetKey{}, services.Wrap(services.ErrStorage, "manifest", "resolve", key.String(), err)
	}
	switch len(matches) {
	case 0:
		return AssetKey{}, services.Wrap(services.ErrNotFound, "manifest", "resolve", key.String(), nil)
	case 1:
		key.SpecHash = strings.TrimSuffix(filepath.Base(matches[0]), manifestSuffix)
		return key, nil
	default:
		hashes := make([]string, 0, len(matches))
		for _, match := range matches {
			hashes = append(hashes, ShortHash(strings.TrimSuffix(filepath.Base(match), manifestSuffix)))
		}
		return AssetKey{}, services.Wrap(services.ErrValidation, "manifest", "resolve",
			fmt.Sprintf("%s matches specs %s; pass a spec hash", key, strings.Join(hashes, ", ")),
			ErrAmbiguousKey)
	}
}

// Load reads the manifest for key, resolving a missing or partial spec hash.
func (s *Store) Load(ctx context.Context, key AssetKey) (*AssetManifest, error) {
	resolved, err := s.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	return readManifest(s.Path(resolved))
}

// CreateOrLoad returns the existing manifest for key or creates one from
// init. Calling it twice with the same key yields the same manifest; a
// different spec hash for the same asset id gets its own manifest.
func (s *Store) CreateOrLoad(ctx context.Context, key AssetKey, init Init) (*AssetManifest, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if key.SpecHash == "" {
		return nil, fmt.Errorf("%w: spec hash is empty", ErrInvalidKey)
	}
	var result *AssetManifest
	err := s.withLock(ctx, key, func(path string) error {
		existing, err := readManifest(path)
		switch {
		case err == nil:
			result = existing
			return nil
		case !errors.Is(err, services.ErrNotFound):
			return err
		}

		now := s.now()
		m := &AssetManifest{
			AssetSpecHash:   key.SpecHash,
			SpecFingerprint: init.SpecFingerprint,
			Species:         key.Species,
			AssetIntent:     init.Intent,
			AssetID:         key.AssetID,
			Prompts:         init.Prompts,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		m.ensureMaps()
		if err := writeManifest(path, m); err != nil {
			return err
		}
		s.reindexOne(ctx, m, path)
		s.logger.Debug("manifest created",
			logging.String(logging.FieldAssetID, key.AssetID),
			logging.String(logging.FieldSpecies, key.Species),
			logging.String("spec_hash", ShortHash(key.SpecHash)))
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// Update applies fn to the stored manifest and persists the result. If the
// summarized status changes and fn did not log it, a history entry is
// appended on the orchestrator's behalf.
func (s *Store) Update(ctx context.Context, key AssetKey, fn func(*AssetManifest) error) (*AssetManifest, error) {
	return s.update(ctx, key, SourceOrchestrator, fn)
}

func (s *Store) update(ctx context.Context, key AssetKey, source Source, fn func(*AssetManifest) error) (*AssetManifest, error) {
	key, err := s.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	var result *AssetManifest
	err = s.withLock(ctx, key, func(path string) error {
		m, err := readManifest(path)
		if err != nil {
			return err
		}
		before := m.Status()
		historyLen := len(m.History)
		if err := fn(m); err != nil {
			return err
		}
		now := s.now()
		if after := m.Status(); after != before && len(m.History) == historyLen {
			entry := StatusHistoryEntry{Timestamp: now, OldStatus: before, NewStatus: after, Source: source}
			if n := len(m.TaskGraph); n > 0 {
				entry.TaskID = m.TaskGraph[n-1].TaskID
			}
			m.History = append(m.History, entry)
		}
		m.UpdatedAt = now
		if err := writeManifest(path, m); err != nil {
			return err
		}
		s.reindexOne(ctx, m, path)
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

// RecordTaskSubmission appends a task graph entry. Re-recording a known task
// id is a no-op.
func (s *Store) RecordTaskSubmission(ctx context.Context, key AssetKey, entry TaskGraphEntry, source Source) (*AssetManifest, error) {
	if strings.TrimSpace(entry.TaskID) == "" {
		return nil, services.Wrap(services.ErrValidation, "manifest", "record task", "task id is empty", nil)
	}
	return s.update(ctx, key, source, func(m *AssetManifest) error {
		if _, ok := m.Task(entry.TaskID); ok {
			return nil
		}
		now := s.now()
		if entry.Status == "" {
			entry.Status = StatusPending
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		entry.UpdatedAt = now
		if entry.Payload == nil {
			entry.Payload = map[string]any{}
		}
		if entry.ResultPaths == nil {
			entry.ResultPaths = map[string]string{}
		}
		old := StatusNotStarted
		if previous, ok := m.LatestForStep(entry.StepName()); ok {
			old = previous.Status
		}
		m.TaskGraph = append(m.TaskGraph, entry)
		m.History = append(m.History, StatusHistoryEntry{
			Timestamp: now,
			OldStatus: old,
			NewStatus: entry.Status,
			Source:    source,
			TaskID:    entry.TaskID,
		})
		return nil
	})
}

// UpdateTaskStatus moves a task to status, merging result URLs and the error
// message. Terminal entries do not regress.
func (s *Store) UpdateTaskStatus(ctx context.Context, key AssetKey, taskID string, status Status, results map[string]string, errMsg string, source Source) (*AssetManifest, error) {
	return s.update(ctx, key, source, func(m *AssetManifest) error {
		entry, ok := m.Task(taskID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		old := entry.Status
		if old.Terminal() && status != old {
			s.logger.Debug("ignoring status regression",
				logging.String(logging.FieldTaskID, taskID),
				logging.String("current", string(old)),
				logging.String("reported", string(status)))
			return nil
		}
		now := s.now()
		entry.Status = status
		entry.UpdatedAt = now
		if entry.ResultPaths == nil {
			entry.ResultPaths = map[string]string{}
		}
		for k, v := range results {
			entry.ResultPaths[k] = v
		}
		if errMsg != "" {
			entry.Error = errMsg
		}
		if old != status {
			m.History = append(m.History, StatusHistoryEntry{
				Timestamp: now,
				OldStatus: old,
				NewStatus: status,
				Source:    source,
				TaskID:    taskID,
				Message:   errMsg,
			})
		}
		return nil
	})
}

// RecordArtifact appends a downloaded file. A record for the same path is
// replaced only when its content hash changed.
func (s *Store) RecordArtifact(ctx context.Context, key AssetKey, rec ArtifactRecord) (*AssetManifest, error) {
	if strings.TrimSpace(rec.RelativePath) == "" {
		return nil, services.Wrap(services.ErrValidation, "manifest", "record artifact", "relative path is empty", nil)
	}
	return s.update(ctx, key, SourceOrchestrator, func(m *AssetManifest) error {
		if rec.DownloadedAt.IsZero() {
			rec.DownloadedAt = s.now()
		}
		for i := range m.Artifacts {
			if m.Artifacts[i].RelativePath == rec.RelativePath {
				if m.Artifacts[i].SHA256Hash != rec.SHA256Hash {
					m.Artifacts[i] = rec
				}
				return nil
			}
		}
		m.Artifacts = append(m.Artifacts, rec)
		return nil
	})
}

// AppendHistory adds an audit entry.
func (s *Store) AppendHistory(ctx context.Context, key AssetKey, entry StatusHistoryEntry) (*AssetManifest, error) {
	return s.update(ctx, key, entry.Source, func(m *AssetManifest) error {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = s.now()
		}
		if entry.Source == "" {
			entry.Source = SourceManual
		}
		m.History = append(m.History, entry)
		return nil
	})
}

// SetResumeToken stores a named token. An empty value removes it.
func (s *Store) SetResumeToken(ctx context.Context, key AssetKey, name, value string) (*AssetManifest, error) {
	return s.update(ctx, key, SourceOrchestrator, func(m *AssetManifest) error {
		if value == "" {
			delete(m.ResumeTokens, name)
			return nil
		}
		m.ResumeTokens[name] = value
		return nil
	})
}

// List scans manifest files matching filter, sorted by species, asset id
// and spec hash. Unreadable files are logged and skipped; temp files never
// match.
func (s *Store) List(ctx context.Context, filter Filter) ([]*AssetManifest, error) {
	species := "*"
	if filter.Species != "" {
		if !safeComponent(filter.Species) {
			return nil, fmt.Errorf("%w: species %q", ErrInvalidKey, filter.Species)
		}
		species = filter.Species
	}
	pattern := filepath.Join(s.root, species, "*", "*"+manifestSuffix)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "manifest", "list", "glob manifests", err)
	}
	sort.Strings(paths)

	out := make([]*AssetManifest, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}
		m, err := readManifest(path)
		if err != nil {
			logging.WarnWithContext(s.logger, "skipping unreadable manifest", "manifest_unreadable",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "inspect or remove the file"),
				logging.String(logging.FieldImpact, "asset omitted from listings"))
			continue
		}
		if filter.matches(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// FindByTaskID returns the manifest whose task graph contains taskID.
func (s *Store) FindByTaskID(ctx context.Context, taskID string) (*AssetManifest, error) {
	if s.index != nil {
		key, ok, err := s.index.FindTask(ctx, taskID)
		if err != nil {
			s.logger.Warn("index task lookup failed; scanning manifests", logging.Error(err))
		} else if ok {
			if m, err := s.Load(ctx, key); err == nil {
				if _, has := m.Task(taskID); has {
					return m, nil
				}
			}
		}
	}
	all, err := s.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if _, ok := m.Task(taskID); ok {
			return m, nil
		}
	}
	return nil, services.Wrap(services.ErrNotFound, "manifest", "find task", taskID, nil)
}

// Entries lists index rows, building them from files when the index is
// disabled.
func (s *Store) Entries(ctx context.Context, filter Filter) ([]IndexEntry, error) {
	if s.index != nil {
		return s.index.Entries(ctx, filter)
	}
	manifests, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(manifests))
	for _, m := range manifests {
		entries = append(entries, entryFor(m, s.Path(m.Key())))
	}
	return entries, nil
}

// Reindex rebuilds the SQLite index from the JSON files and returns the
// number of manifests indexed.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, services.Wrap(services.ErrConfiguration, "manifest", "reindex", "index disabled", nil)
	}
	manifests, err := s.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	if err := s.index.Reset(ctx); err != nil {
		return 0, err
	}
	for _, m := range manifests {
		if err := s.index.Upsert(ctx, m, s.Path(m.Key())); err != nil {
			return 0, err
		}
	}
	s.logger.Info("manifest index rebuilt", logging.Int("manifests", len(manifests)))
	return len(manifests), nil
}

func (s *Store) reindexOne(ctx context.Context, m *AssetManifest, path string) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(context.WithoutCancel(ctx), m, path); err != nil {
		logging.WarnWithContext(s.logger, "manifest index update failed", "manifest_index_failed",
			logging.String(logging.FieldAssetID, m.AssetID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run meshforge manifest reindex"),
			logging.String(logging.FieldImpact, "listings may be stale until reindexed"))
	}
}

func (s *Store) acquireAsset(path string) *assetLock {
	s.mu.Lock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &assetLock{}
		s.locks[path] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (s *Store) releaseAsset(path string, lock *assetLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, path)
	}
}

// withLock serializes mutations of one manifest within this process and
// across processes sharing the manifest root. Cancellation is honored only
// before the lock is taken; once fn starts it runs to completion.
func (s *Store) withLock(ctx context.Context, key AssetKey, fn func(path string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.Path(key)
	lock := s.acquireAsset(path)
	defer s.releaseAsset(path, lock)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrStorage, "manifest", "lock", "create asset directory", err)
	}
	fileLock := flock.New(filepath.Join(dir, "."+key.SpecHash+".lock"))
	locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return services.Wrap(services.ErrStorage, "manifest", "lock", "acquire manifest lock", err)
	}
	if !locked {
		return services.Wrap(services.ErrStorage, "manifest", "lock", "manifest lock unavailable", nil)
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	return fn(path)
}
