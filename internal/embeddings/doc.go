// Package embeddings keeps an optional similarity index of generation
// prompts so operators can find earlier assets resembling a new request.
//
// Vectors come from an Embedder (Gemini in production) and are stored in a
// small SQLite database; search is a brute-force cosine scan, which is fine
// for the few thousand prompts a project accumulates. Nothing in the pipeline
// depends on this package succeeding.
package embeddings
