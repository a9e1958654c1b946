package manifest

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"meshforge/internal/services"
)

//go:embed schema.sql
var schemaSQL string

// indexSchemaVersion is bumped whenever schema.sql changes. The index is
// derived data, so a mismatch drops the tables and the store rebuilds them
// from the manifest files.
const indexSchemaVersion = 2

// IndexEntry is the headline view of one manifest.
type IndexEntry struct {
	Species       string
	AssetID       string
	SpecHash      string
	Intent        string
	Status        Status
	ManifestPath  string
	TaskCount     int
	ArtifactCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Index mirrors manifest headlines in SQLite.
type Index struct {
	db   *sql.DB
	path string

	// recreated is set when OpenIndex replaced an outdated schema.
	recreated bool
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "manifest", "open index", path, err)
	}
	// Single connection; writers serialize through it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	index := &Index{db: db, path: path}
	if err := index.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return index, nil
}

// Close closes the database.
func (i *Index) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

func (i *Index) initSchema(ctx context.Context) error {
	var tableExists int
	err := i.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return i.createSchema(ctx)
	}

	var version int
	if err := i.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version == indexSchemaVersion {
		return nil
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS asset_tasks",
		"DROP TABLE IF EXISTS assets",
		"DROP TABLE IF EXISTS schema_version",
	} {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop index schema version %d: %w", version, err)
		}
	}
	i.recreated = true
	return i.createSchema(ctx)
}

func (i *Index) createSchema(ctx context.Context) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", indexSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func entryFor(m *AssetManifest, path string) IndexEntry {
	return IndexEntry{
		Species:       m.Species,
		AssetID:       m.AssetID,
		SpecHash:      m.AssetSpecHash,
		Intent:        m.AssetIntent,
		Status:        m.Status(),
		ManifestPath:  path,
		TaskCount:     len(m.TaskGraph),
		ArtifactCount: len(m.Artifacts),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// Upsert writes the headline row and task rows for m.
func (i *Index) Upsert(ctx context.Context, m *AssetManifest, path string) error {
	entry := entryFor(m, path)
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assets (
            species, asset_id, spec_hash, intent, status, manifest_path,
            task_count, artifact_count, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(species, asset_id, spec_hash) DO UPDATE SET
            intent = excluded.intent,
            status = excluded.status,
            manifest_path = excluded.manifest_path,
            task_count = excluded.task_count,
            artifact_count = excluded.artifact_count,
            updated_at = excluded.updated_at`,
		entry.Species,
		entry.AssetID,
		entry.SpecHash,
		nullableString(entry.Intent),
		string(entry.Status),
		entry.ManifestPath,
		entry.TaskCount,
		entry.ArtifactCount,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM asset_tasks WHERE species = ? AND asset_id = ? AND spec_hash = ?`,
		entry.Species, entry.AssetID, entry.SpecHash); err != nil {
		return fmt.Errorf("clear asset tasks: %w", err)
	}
	for _, task := range m.TaskGraph {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO asset_tasks (task_id, species, asset_id, spec_hash, stage, status) VALUES (?, ?, ?, ?, ?, ?)`,
			task.TaskID, entry.Species, entry.AssetID, entry.SpecHash, task.StepName(), string(task.Status),
		); err != nil {
			return fmt.Errorf("insert asset task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}

// Entries lists rows matching filter ordered by species, asset id and
// creation time.
func (i *Index) Entries(ctx context.Context, filter Filter) ([]IndexEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Species != "" {
		clauses = append(clauses, "species = ?")
		args = append(args, filter.Species)
	}
	if filter.Intent != "" {
		clauses = append(clauses, "intent = ?")
		args = append(args, filter.Intent)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT species, asset_id, spec_hash, intent, status, manifest_path,
        task_count, artifact_count, created_at, updated_at FROM assets`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY species, asset_id, created_at"

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var (
			entry      IndexEntry
			intent     sql.NullString
			status     string
			createdRaw string
			updatedRaw string
		)
		if err := rows.Scan(&entry.Species, &entry.AssetID, &entry.SpecHash, &intent, &status,
			&entry.ManifestPath, &entry.TaskCount, &entry.ArtifactCount, &createdRaw, &updatedRaw); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		entry.Intent = intent.String
		entry.Status = Status(status)
		entry.CreatedAt = parseTime(createdRaw)
		entry.UpdatedAt = parseTime(updatedRaw)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// FindTask resolves the full key of the manifest owning taskID.
func (i *Index) FindTask(ctx context.Context, taskID string) (AssetKey, bool, error) {
	var key AssetKey
	err := i.db.QueryRowContext(ctx,
		`SELECT species, asset_id, spec_hash FROM asset_tasks WHERE task_id = ?`, taskID,
	).Scan(&key.Species, &key.AssetID, &key.SpecHash)
	if errors.Is(err, sql.ErrNoRows) {
		return AssetKey{}, false, nil
	}
	if err != nil {
		return AssetKey{}, false, fmt.Errorf("find task: %w", err)
	}
	return key, true, nil
}

// Reset removes every row.
func (i *Index) Reset(ctx context.Context) error {
	for _, stmt := range []string{"DELETE FROM asset_tasks", "DELETE FROM assets"} {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset index: %w", err)
		}
	}
	return nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
