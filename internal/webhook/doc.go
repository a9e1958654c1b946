// Package webhook receives Meshy completion callbacks over HTTP and hands
// them to the pipeline orchestrator.
//
// Routes:
//
//	POST /webhooks/meshy/{stage}  task status document as sent by Meshy
//	GET  /healthz                 liveness probe
//
// When a shared secret is configured, callbacks must present it either in the
// X-Webhook-Secret header or as the secret query parameter of the callback
// URL registered with Meshy.
package webhook
