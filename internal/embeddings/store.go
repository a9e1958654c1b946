package embeddings

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"meshforge/internal/services"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS generations (
    fingerprint TEXT PRIMARY KEY,
    prompt TEXT NOT NULL,
    asset_id TEXT,
    species TEXT,
    dims INTEGER NOT NULL,
    embedding BLOB NOT NULL,
    created_at TEXT NOT NULL
);
`

// ErrDimensionMismatch marks a query vector whose length differs from the
// stored vectors.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Record is one stored prompt.
type Record struct {
	Fingerprint string
	Prompt      string
	AssetID     string
	Species     string
	Embedding   []float32
	CreatedAt   time.Time
}

// Match is a search hit ranked by cosine similarity.
type Match struct {
	Record
	Score float64
}

// Store persists prompt embeddings.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens or creates the vector database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "embeddings", "open", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create embeddings schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordGeneration stores or replaces the embedding for fingerprint.
func (s *Store) RecordGeneration(ctx context.Context, rec Record) error {
	if rec.Fingerprint == "" || len(rec.Embedding) == 0 {
		return services.Wrap(services.ErrValidation, "embeddings", "record", "fingerprint and embedding are required", nil)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (fingerprint, prompt, asset_id, species, dims, embedding, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(fingerprint) DO UPDATE SET
             prompt = excluded.prompt,
             asset_id = excluded.asset_id,
             species = excluded.species,
             dims = excluded.dims,
             embedding = excluded.embedding`,
		rec.Fingerprint, rec.Prompt, rec.AssetID, rec.Species, len(rec.Embedding),
		encodeVector(rec.Embedding), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return services.Wrap(services.ErrStorage, "embeddings", "record", "insert generation", err)
	}
	return nil
}

// SearchSimilar ranks stored prompts by cosine similarity to query and
// returns at most limit matches, best first.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, limit int) ([]Match, error) {
	if len(query) == 0 {
		return nil, services.Wrap(services.ErrValidation, "embeddings", "search", "query embedding is empty", nil)
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, prompt, asset_id, species, dims, embedding, created_at FROM generations`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "embeddings", "search", "query generations", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m          Match
			assetID    sql.NullString
			species    sql.NullString
			dims       int
			blob       []byte
			createdRaw string
		)
		if err := rows.Scan(&m.Fingerprint, &m.Prompt, &assetID, &species, &dims, &blob, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		if dims != len(query) {
			return nil, fmt.Errorf("%w: stored %d, query %d", ErrDimensionMismatch, dims, len(query))
		}
		m.AssetID = assetID.String
		m.Species = species.String
		m.Embedding = decodeVector(blob)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
		m.Score = cosine(query, m.Embedding)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
