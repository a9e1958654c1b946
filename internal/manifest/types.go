package manifest

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"time"
)

// SchemaVersion is written into every manifest. Manifests with a higher major
// version are rejected on load.
const SchemaVersion = "1.0.0"

// Status is the lifecycle state of one remote task.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Stage names a pipeline step kind.
type Stage string

const (
	StageText3D       Stage = "text3d"
	StageImage3D      Stage = "image3d"
	StageText3DRefine Stage = "text3d_refine"
	StageTextTexture  Stage = "text_texture"
	StageRigging      Stage = "rigging"
	StageAnimation    Stage = "animation"
	StageRetexture    Stage = "retexture"
)

// Source records who caused a status transition.
type Source string

const (
	SourceOrchestrator Source = "orchestrator"
	SourceWebhook      Source = "webhook"
	SourceManual       Source = "manual"
)

var (
	// ErrInvalidKey marks an asset key that cannot map to a manifest path.
	ErrInvalidKey = errors.New("invalid asset key")
	// ErrAmbiguousKey marks a lookup without a spec hash that matches more
	// than one manifest of the same asset id.
	ErrAmbiguousKey = errors.New("asset id has manifests for several specs")
	// ErrUnsupportedSchema marks a manifest written by a newer major version.
	ErrUnsupportedSchema = errors.New("unsupported manifest schema version")
	// ErrTaskNotFound marks a task id absent from the task graph.
	ErrTaskNotFound = errors.New("task not found in manifest")
)

// TaskGraphEntry is one remote task within a pipeline. Step distinguishes
// repeated stages, e.g. one animation entry per animation id.
type TaskGraphEntry struct {
	TaskID      string            `json:"task_id"`
	Service     Stage             `json:"service"`
	Step        string            `json:"step,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Payload     map[string]any    `json:"payload"`
	ResultPaths map[string]string `json:"result_paths"`
	Error       string            `json:"error,omitempty"`
}

// StepName returns Step, falling back to the stage name.
func (e TaskGraphEntry) StepName() string {
	if e.Step != "" {
		return e.Step
	}
	return string(e.Service)
}

// ArtifactRecord is a downloaded file. RelativePath is relative to the
// output root.
type ArtifactRecord struct {
	RelativePath  string    `json:"relative_path"`
	SHA256Hash    string    `json:"sha256_hash"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	DownloadedAt  time.Time `json:"downloaded_at"`
	SourceURL     string    `json:"source_url,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Kind          string    `json:"kind,omitempty"`
	MirrorURI     string    `json:"mirror_uri,omitempty"`
}

// StatusHistoryEntry is one line of the append-only audit log.
type StatusHistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	Source    Source    `json:"source"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// AssetManifest is the aggregate root for one asset.
type AssetManifest struct {
	AssetSpecHash   string               `json:"asset_spec_hash"`
	SpecFingerprint string               `json:"spec_fingerprint"`
	Species         string               `json:"species"`
	AssetIntent     string               `json:"asset_intent"`
	AssetID         string               `json:"asset_id"`
	Prompts         map[string]string    `json:"prompts"`
	TaskGraph       []TaskGraphEntry     `json:"task_graph"`
	Artifacts       []ArtifactRecord     `json:"artifacts"`
	History         []StatusHistoryEntry `json:"history"`
	ResumeTokens    map[string]string    `json:"resume_tokens"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	SchemaVersion   string               `json:"schema_version"`
}

// Key returns the identity of the manifest.
func (m *AssetManifest) Key() AssetKey {
	return AssetKey{SpecHash: m.AssetSpecHash, AssetID: m.AssetID, Species: m.Species}
}

// Status summarizes the asset: the status of the newest task entry, or the
// newest history status when nothing was ever submitted.
func (m *AssetManifest) Status() Status {
	if n := len(m.TaskGraph); n > 0 {
		return m.TaskGraph[n-1].Status
	}
	if n := len(m.History); n > 0 {
		return m.History[n-1].NewStatus
	}
	return StatusNotStarted
}

// Task returns the entry for taskID.
func (m *AssetManifest) Task(taskID string) (*TaskGraphEntry, bool) {
	for i := range m.TaskGraph {
		if m.TaskGraph[i].TaskID == taskID {
			return &m.TaskGraph[i], true
		}
	}
	return nil, false
}

// LatestForStep returns the newest entry recorded for a step.
func (m *AssetManifest) LatestForStep(step string) (*TaskGraphEntry, bool) {
	for i := len(m.TaskGraph) - 1; i >= 0; i-- {
		if m.TaskGraph[i].StepName() == step {
			return &m.TaskGraph[i], true
		}
	}
	return nil, false
}

// ArtifactsForTask lists artifacts downloaded from one task.
func (m *AssetManifest) ArtifactsForTask(taskID string) []ArtifactRecord {
	var out []ArtifactRecord
	for _, a := range m.Artifacts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a copy that shares no slices or top-level maps with m.
// Task payload values are shared; they are never mutated after submission.
func (m *AssetManifest) Clone() *AssetManifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Prompts = maps.Clone(m.Prompts)
	out.ResumeTokens = maps.Clone(m.ResumeTokens)
	out.Artifacts = append([]ArtifactRecord(nil), m.Artifacts...)
	out.History = append([]StatusHistoryEntry(nil), m.History...)
	out.TaskGraph = make([]TaskGraphEntry, len(m.TaskGraph))
	for i, e := range m.TaskGraph {
		e.Payload = maps.Clone(e.Payload)
		e.ResultPaths = maps.Clone(e.ResultPaths)
		out.TaskGraph[i] = e
	}
	return &out
}

func (m *AssetManifest) ensureMaps() {
	if m.Prompts == nil {
		m.Prompts = map[string]string{}
	}
	if m.ResumeTokens == nil {
		m.ResumeTokens = map[string]string{}
	}
	if m.TaskGraph == nil {
		m.TaskGraph = []TaskGraphEntry{}
	}
	if m.Artifacts == nil {
		m.Artifacts = []ArtifactRecord{}
	}
	if m.History == nil {
		m.History = []StatusHistoryEntry{}
	}
}

// AssetKey identifies a manifest. One manifest exists per (SpecHash,
// AssetID) pair within a species. Lookups may leave SpecHash empty or pass a
// prefix when only one spec was ever generated for the asset id.
type AssetKey struct {
	SpecHash string
	AssetID  string
	Species  string
}

func (k AssetKey) String() string {
	if k.SpecHash == "" {
		return k.Species + "/" + k.AssetID
	}
	return k.Species + "/" + k.AssetID + "@" + ShortHash(k.SpecHash)
}

// ShortHash trims a spec hash for display and directory names.
func ShortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Validate rejects keys that would escape the manifest root or act as glob
// patterns.
func (k AssetKey) Validate() error {
	fields := []struct{ name, value string }{
		{"species", k.Species},
		{"asset id", k.AssetID},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalidKey, f.name)
		}
	}
	if k.SpecHash != "" {
		fields = append(fields, struct{ name, value string }{"spec hash", k.SpecHash})
	}
	for _, f := range fields {
		if !safeComponent(f.value) {
			return fmt.Errorf("%w: %s %q", ErrInvalidKey, f.name, f.value)
		}
	}
	return nil
}

func safeComponent(value string) bool {
	if value == "." || value == ".." || strings.HasPrefix(value, ".") {
		return false
	}
	if strings.ContainsAny(value, `/\*?[`) {
		return false
	}
	return value == filepath.Base(value)
}

// Init carries the values a brand new manifest starts with.
type Init struct {
	SpecFingerprint string
	Intent          string
	Prompts         map[string]string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Species string
	Intent  string
	Status  Status
}

func (f Filter) matches(m *AssetManifest) bool {
	if f.Species != "" && m.Species != f.Species {
		return false
	}
	if f.Intent != "" && m.AssetIntent != f.Intent {
		return false
	}
	if f.Status != "" && m.Status() != f.Status {
		return false
	}
	return true
}
