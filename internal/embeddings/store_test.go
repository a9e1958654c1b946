package embeddings

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"meshforge/internal/services"
)

// letterEmbedder maps text to a vector of letter counts for a few letters,
// enough to make similarity ordering predictable.
type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	for _, r := range strings.ToLower(text) {
		switch r {
		case 'a':
			vec[0]++
		case 'o':
			vec[1]++
		case 'e':
			vec[2]++
		case 'i':
			vec[3]++
		}
	}
	return vec, nil
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "embeddings.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIndexRanksBySimilarity(t *testing.T) {
	index := NewIndex(letterEmbedder{}, openTestStore(t), nil)
	ctx := context.Background()

	prompts := map[string]string{
		"f1": "banana",
		"f2": "otter",
		"f3": "kiwi",
	}
	for fp, prompt := range prompts {
		if err := index.RecordGeneration(ctx, fp, prompt, fp+"_asset", "test"); err != nil {
			t.Fatalf("RecordGeneration(%s): %v", fp, err)
		}
	}

	matches, err := index.Similar(ctx, "papaya", 2)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Fingerprint != "f1" || matches[0].AssetID != "f1_asset" {
		t.Fatalf("expected banana first, got %+v", matches[0])
	}
	if matches[0].Score < matches[1].Score {
		t.Fatal("matches not sorted by score")
	}
}

func TestRecordReplacesByFingerprint(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.RecordGeneration(ctx, Record{Fingerprint: "x", Prompt: "old", Embedding: []float32{1, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordGeneration(ctx, Record{Fingerprint: "x", Prompt: "new", Embedding: []float32{0, 1}}); err != nil {
		t.Fatal(err)
	}
	matches, err := store.SearchSimilar(ctx, []float32{0, 1}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Prompt != "new" || matches[0].Score < 0.99 {
		t.Fatalf("unexpected matches %+v", matches)
	}
}

func TestSearchValidatesInput(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.SearchSimilar(ctx, nil, 1); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := store.RecordGeneration(ctx, Record{Fingerprint: "x", Embedding: []float32{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SearchSimilar(ctx, []float32{1, 2}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if err := store.RecordGeneration(ctx, Record{Prompt: "no fingerprint", Embedding: []float32{1}}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestNewGeminiEmbedderRequiresKey(t *testing.T) {
	if _, err := NewGeminiEmbedder(context.Background(), "", ""); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out := decodeVector(encodeVector(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("index %d: %v != %v", i, in[i], out[i])
		}
	}
}
