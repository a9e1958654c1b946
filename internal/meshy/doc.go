// Package meshy provides the rate-limited, retrying HTTP transport for the
// Meshy asynchronous generation API.
//
// # Endpoints
//
// Text-to-3D, text-to-texture and image-to-3D live under /openapi/v2; rigging,
// animations and retexture live under /openapi/v1. Every stage follows the
// same shape: POST creates a task and returns {"result": "<task id>"}, GET
// /{endpoint}/{id} returns a TaskResult.
//
// # Rate Limiting
//
// One Client owns one golang.org/x/time/rate limiter with burst 1, so
// consecutive requests from any number of goroutines are spaced by at least
// the configured minimum interval. Limiter waits honour context cancellation.
//
// # Retry Behaviour
//
// HTTP 429, 5xx and network timeouts are retried with exponential backoff
// (floor 2s, ceiling 10s, 3 attempts by default). A numeric Retry-After on a
// 429 replaces the computed backoff for that wait. Other non-2xx responses
// surface immediately as *RequestFailedError. Exhausted retries surface as
// *RetriesExhaustedError wrapping the last cause.
//
// # Downloads
//
// DownloadFile streams an artifact into a temp file beside the destination and
// renames it into place. Downloads are not retried; re-running them is safe.
package meshy
