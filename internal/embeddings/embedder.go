package embeddings

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"meshforge/internal/config"
	"meshforge/internal/logging"
	"meshforge/internal/services"
)

const defaultModel = "text-embedding-004"

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeminiEmbedder calls the Gemini embedding endpoint.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGeminiEmbedder builds an embedder for model (text-embedding-004 when empty).
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "embeddings", "new", "gemini api key is empty", nil)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "embeddings", "new", "create gemini client", err)
	}
	return &GeminiEmbedder{client: client, model: model}, nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.client.Models.EmbedContent(ctx, g.model, genai.Text(text), nil)
	if err != nil {
		return nil, services.Wrap(services.ErrRemoteAPI, "embeddings", "embed", "gemini embed content", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, services.Wrap(services.ErrRemoteAPI, "embeddings", "embed", "empty embedding response", nil)
	}
	return resp.Embeddings[0].Values, nil
}

// Index pairs an Embedder with a Store.
type Index struct {
	embedder Embedder
	store    *Store
	logger   *slog.Logger
}

// NewIndex wires an embedder and store together.
func NewIndex(embedder Embedder, store *Store, logger *slog.Logger) *Index {
	return &Index{
		embedder: embedder,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "embeddings"),
	}
}

// Open builds the index described by cfg. It returns nil when embeddings are
// disabled.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Index, error) {
	if !cfg.Embeddings.Enabled {
		return nil, nil
	}
	embedder, err := NewGeminiEmbedder(ctx, cfg.Embeddings.GeminiAPIKey, cfg.Embeddings.Model)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.EmbeddingDBPath())
	if err != nil {
		return nil, err
	}
	return NewIndex(embedder, store, logger), nil
}

// Close closes the underlying store.
func (i *Index) Close() error {
	if i == nil {
		return nil
	}
	return i.store.Close()
}

// RecordGeneration embeds prompt and stores it under fingerprint.
func (i *Index) RecordGeneration(ctx context.Context, fingerprint, prompt, assetID, species string) error {
	vector, err := i.embedder.Embed(ctx, prompt)
	if err != nil {
		return err
	}
	if err := i.store.RecordGeneration(ctx, Record{
		Fingerprint: fingerprint,
		Prompt:      prompt,
		AssetID:     assetID,
		Species:     species,
		Embedding:   vector,
	}); err != nil {
		return err
	}
	i.logger.Debug("prompt embedding stored",
		logging.String(logging.FieldAssetID, assetID),
		logging.Int("dims", len(vector)))
	return nil
}

// Similar embeds prompt and returns the closest stored prompts.
func (i *Index) Similar(ctx context.Context, prompt string, limit int) ([]Match, error) {
	vector, err := i.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return i.store.SearchSimilar(ctx, vector, limit)
}
