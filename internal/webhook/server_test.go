package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/pipeline"
	"meshforge/internal/services"
	"meshforge/internal/spec"
	"meshforge/internal/testsupport"
	"meshforge/internal/webhook"
)

type recordingHandler struct {
	mu     sync.Mutex
	stages []string
	ids    []string
	reqIDs []string
	err    error
}

func (h *recordingHandler) HandleWebhook(ctx context.Context, stage string, result meshy.TaskResult) (*manifest.AssetManifest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stages = append(h.stages, stage)
	h.ids = append(h.ids, result.ID)
	if id, ok := services.RequestIDFromContext(ctx); ok {
		h.reqIDs = append(h.reqIDs, id)
	}
	if h.err != nil {
		return nil, h.err
	}
	return &manifest.AssetManifest{AssetID: "apple", Species: "props"}, nil
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}

func post(t *testing.T, srv *httptest.Server, path, body string, header map[string]string) (*http.Response, webhook.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var decoded webhook.Response
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func TestCallbackIsHandedToOrchestrator(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(webhook.NewRouter(h, "", nil))
	t.Cleanup(srv.Close)

	resp, body := post(t, srv, "/webhooks/meshy/text3d", `{"id":"task-9","status":"SUCCEEDED","progress":100}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.AssetID != "apple" || body.Species != "props" {
		t.Fatalf("unexpected body %+v", body)
	}
	if h.stages[0] != "text3d" || h.ids[0] != "task-9" {
		t.Fatalf("handler saw stage=%v ids=%v", h.stages, h.ids)
	}
	if len(h.reqIDs) != 1 || h.reqIDs[0] == "" {
		t.Fatal("request id not propagated to the handler context")
	}

	if resp, _ := post(t, srv, "/webhooks/meshy/", `{"id":"task-10","status":"IN_PROGRESS"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("stage-less route status = %d", resp.StatusCode)
	}
	if h.stages[1] != "" {
		t.Fatalf("expected empty stage, got %q", h.stages[1])
	}
}

func TestSecretIsEnforced(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(webhook.NewRouter(h, "s3cret", nil))
	t.Cleanup(srv.Close)
	doc := `{"id":"task-1","status":"SUCCEEDED"}`

	if resp, _ := post(t, srv, "/webhooks/meshy/text3d", doc, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing secret status = %d", resp.StatusCode)
	}
	if resp, _ := post(t, srv, "/webhooks/meshy/text3d", doc, map[string]string{webhook.SecretHeader: "wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d", resp.StatusCode)
	}
	if h.calls() != 0 {
		t.Fatal("unauthorized callbacks must not reach the handler")
	}
	if resp, _ := post(t, srv, "/webhooks/meshy/text3d", doc, map[string]string{webhook.SecretHeader: "s3cret"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("header secret status = %d", resp.StatusCode)
	}
	if resp, _ := post(t, srv, "/webhooks/meshy/text3d?secret=s3cret", doc, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("query secret status = %d", resp.StatusCode)
	}
	if h.calls() != 2 {
		t.Fatalf("expected two handled callbacks, got %d", h.calls())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", services.Wrap(services.ErrValidation, "webhook", "route", "stage mismatch", nil), http.StatusBadRequest},
		{"unknown task", fmt.Errorf("%w: task-x", manifest.ErrTaskNotFound), http.StatusNotFound},
		{"not found", services.Wrap(services.ErrNotFound, "manifest", "find", "no manifest", nil), http.StatusNotFound},
		{"storage", services.Wrap(services.ErrStorage, "manifest", "write", "disk full", errors.New("ENOSPC")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(webhook.NewRouter(&recordingHandler{err: tt.err}, "", nil))
			t.Cleanup(srv.Close)
			resp, body := post(t, srv, "/webhooks/meshy/text3d", `{"id":"task-1","status":"SUCCEEDED"}`, nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if body.Error == "" {
				t.Fatal("error body missing")
			}
		})
	}
}

func TestMalformedBodyIsRejected(t *testing.T) {
	h := &recordingHandler{}
	srv := httptest.NewServer(webhook.NewRouter(h, "", nil))
	t.Cleanup(srv.Close)
	if resp, _ := post(t, srv, "/webhooks/meshy/text3d", `{"id":`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if h.calls() != 0 {
		t.Fatal("malformed callback reached the handler")
	}
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(webhook.NewRouter(&recordingHandler{}, "s3cret", nil))
	t.Cleanup(srv.Close)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(raw) != "OK" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, raw)
	}
}

func TestCallbackCompletesGeneration(t *testing.T) {
	fake := testsupport.NewFakeMeshy(t)
	cfg := testsupport.NewConfig(t, testsupport.WithMeshyURL(fake.URL))
	store := testsupport.MustOpenStore(t, cfg)
	orch, err := pipeline.New(testsupport.MustClient(t, cfg), store, cfg.Paths.OutputRoot)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	s := spec.GenerationSpec{
		Intent:      spec.IntentPropDecoration,
		Description: "A red apple",
		ArtStyle:    spec.ArtStyleRealistic,
	}
	ctx := context.Background()
	if _, err := orch.Generate(ctx, s, pipeline.Options{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	srv := httptest.NewServer(webhook.NewRouter(orch, "", nil))
	t.Cleanup(srv.Close)
	doc, _ := json.Marshal(fake.Succeeded("text-to-3d", "task-1"))
	resp, body := post(t, srv, "/webhooks/meshy/text3d", string(doc), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body.Error)
	}
	if body.AssetID != spec.AssetID(s) || body.Status != string(manifest.StatusSucceeded) {
		t.Fatalf("unexpected body %+v", body)
	}
	if fake.DownloadCount("task-1.glb") != 1 {
		t.Fatal("artifact was not downloaded")
	}
	if fake.PollCount("task-1") != 0 {
		t.Fatal("callback path must not poll")
	}

	resp, _ = post(t, srv, "/webhooks/meshy/text3d", `{"id":"task-404","status":"SUCCEEDED"}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status = %d", resp.StatusCode)
	}
}

func TestServerStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := webhook.NewServer(ln.Addr().String(), &recordingHandler{}, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
