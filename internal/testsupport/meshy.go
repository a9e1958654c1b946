package testsupport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Submission is one POST received by FakeMeshy.
type Submission struct {
	Endpoint string
	Path     string
	Body     map[string]any
}

// SubmitReply is what FakeMeshy answers to a POST. A non-2xx Status is sent
// with an error message instead of a task id.
type SubmitReply struct {
	TaskID string
	Status int
}

// FakeMeshy is an in-memory stand-in for the Meshy task API. Task ids are
// assigned as task-1, task-2, ... and, by default, every poll reports
// SUCCEEDED with one artifact served from the same server.
type FakeMeshy struct {
	Server *httptest.Server
	URL    string

	mu          sync.Mutex
	onSubmit    func(n int, sub Submission) SubmitReply
	onPoll      func(endpoint, taskID string, count int) map[string]any
	submissions []Submission
	polls       map[string]int
	downloads   map[string]int
	files       map[string][]byte
}

// NewFakeMeshy starts a fake server closed at test cleanup.
func NewFakeMeshy(t testing.TB) *FakeMeshy {
	t.Helper()

	f := &FakeMeshy{
		polls:     map[string]int{},
		downloads: map[string]int{},
		files:     map[string][]byte{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	f.URL = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

// HandleSubmit overrides the reply to the n-th (1-based) submission. A nil
// fn restores the default.
func (f *FakeMeshy) HandleSubmit(fn func(n int, sub Submission) SubmitReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = fn
}

// HandlePoll overrides the status document for a task; count is 1-based and
// a nil document falls back to Succeeded. A nil fn restores the default.
func (f *FakeMeshy) HandlePoll(fn func(endpoint, taskID string, count int) map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPoll = fn
}

// SetFile serves data at FileURL(name).
func (f *FakeMeshy) SetFile(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = data
}

// FileURL is the download location of a named file.
func (f *FakeMeshy) FileURL(name string) string {
	return f.URL + "/files/" + name
}

// FileContent returns the bytes served for name; unset files get a
// deterministic placeholder.
func (f *FakeMeshy) FileContent(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileLocked(name)
}

func (f *FakeMeshy) fileLocked(name string) []byte {
	if data, ok := f.files[name]; ok {
		return data
	}
	return []byte("meshforge-fake:" + name)
}

// Submissions returns every POST seen so far.
func (f *FakeMeshy) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// SubmissionCount counts POSTs to one endpoint, or all when endpoint is empty.
func (f *FakeMeshy) SubmissionCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.submissions {
		if endpoint == "" || sub.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// PollCount returns how often a task's status was fetched.
func (f *FakeMeshy) PollCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[taskID]
}

// DownloadCount returns how often a file was fetched.
func (f *FakeMeshy) DownloadCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[name]
}

// Succeeded builds the default SUCCEEDED document for an endpoint.
func (f *FakeMeshy) Succeeded(endpoint, taskID string) map[string]any {
	doc := map[string]any{
		"id":         taskID,
		"status":     "SUCCEEDED",
		"progress":   100,
		"created_at": 1700000000000,
	}
	switch endpoint {
	case "rigging":
		doc["result"] = map[string]any{"rigged_character_glb_url": f.FileURL(taskID + "_rigged.glb")}
	case "animations":
		doc["result"] = map[string]any{"animation_glb_url": f.FileURL(taskID + "_animation.glb")}
	default:
		doc["model_urls"] = map[string]any{"glb": f.FileURL(taskID + ".glb")}
	}
	return doc
}

// Status builds a non-terminal or failed document.
func Status(taskID, status string, progress int) map[string]any {
	doc := map[string]any{
		"id":       taskID,
		"status":   status,
		"progress": progress,
	}
	if status == "FAILED" {
		doc["task_error"] = map[string]any{"message": "generation failed"}
	}
	return doc
}

func (f *FakeMeshy) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if name, ok := strings.CutPrefix(path, "files/"); ok {
		f.mu.Lock()
		f.downloads[name]++
		data := f.fileLocked(name)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
		return
	}

	// openapi/v1/<endpoint>[/<id>[/refine]] or openapi/v2/...
	parts := strings.Split(strings.TrimPrefix(path, "openapi/"), "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	endpoint := parts[1]
	rest := parts[2:]

	switch r.Method {
	case http.MethodPost:
		f.handleSubmit(w, r, endpoint, strings.Join(parts[1:], "/"))
	case http.MethodGet:
		if len(rest) == 0 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("[]"))
			return
		}
		if len(rest) != 1 {
			http.NotFound(w, r)
			return
		}
		f.handlePoll(w, endpoint, rest[0])
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *FakeMeshy) handleSubmit(w http.ResponseWriter, r *http.Request, endpoint, fullPath string) {
	body := map[string]any{}
	raw, _ := io.ReadAll(r.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	sub := Submission{Endpoint: endpoint, Path: fullPath, Body: body}

	f.mu.Lock()
	f.submissions = append(f.submissions, sub)
	n := len(f.submissions)
	hook := f.onSubmit
	f.mu.Unlock()

	reply := SubmitReply{}
	if hook != nil {
		reply = hook(n, sub)
	}
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	if reply.TaskID == "" {
		reply.TaskID = fmt.Sprintf("task-%d", n)
	}
	w.Header().Set("Content-Type", "application/json")
	if reply.Status < 200 || reply.Status >= 300 {
		w.WriteHeader(reply.Status)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "rejected by fake"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"result": reply.TaskID})
}

func (f *FakeMeshy) handlePoll(w http.ResponseWriter, endpoint, taskID string) {
	f.mu.Lock()
	f.polls[taskID]++
	count := f.polls[taskID]
	hook := f.onPoll
	f.mu.Unlock()

	var doc map[string]any
	if hook != nil {
		doc = hook(endpoint, taskID, count)
	}
	if doc == nil {
		doc = f.Succeeded(endpoint, taskID)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
