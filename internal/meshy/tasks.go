package meshy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Endpoint names a Meshy task family.
type Endpoint string

const (
	EndpointTextTo3D      Endpoint = "text-to-3d"
	EndpointTextToTexture Endpoint = "text-to-texture"
	EndpointImageTo3D     Endpoint = "image-to-3d"
	EndpointRigging       Endpoint = "rigging"
	EndpointAnimations    Endpoint = "animations"
	EndpointRetexture     Endpoint = "retexture"
)

// Version returns the API prefix serving the endpoint.
func (e Endpoint) Version() string {
	switch e {
	case EndpointTextTo3D, EndpointTextToTexture, EndpointImageTo3D:
		return APIv2
	default:
		return APIv1
	}
}

// TaskStatus is the remote lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusSucceeded  TaskStatus = "SUCCEEDED"
	StatusFailed     TaskStatus = "FAILED"
	StatusExpired    TaskStatus = "EXPIRED"
	StatusCanceled   TaskStatus = "CANCELED"
)

// Terminal reports whether no further transition can occur.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusCanceled:
		return true
	default:
		return false
	}
}

// ModelURLs lists the downloadable model formats of a task.
type ModelURLs struct {
	GLB  string `json:"glb,omitempty"`
	FBX  string `json:"fbx,omitempty"`
	USDZ string `json:"usdz,omitempty"`
	OBJ  string `json:"obj,omitempty"`
	MTL  string `json:"mtl,omitempty"`
}

// TextureURLs lists one PBR texture set.
type TextureURLs struct {
	BaseColor string `json:"base_color,omitempty"`
	Metallic  string `json:"metallic,omitempty"`
	Normal    string `json:"normal,omitempty"`
	Roughness string `json:"roughness,omitempty"`
}

// BasicAnimations are the walk/run clips produced alongside a rig.
type BasicAnimations struct {
	WalkingGLBURL string `json:"walking_glb_url,omitempty"`
	WalkingFBXURL string `json:"walking_fbx_url,omitempty"`
	RunningGLBURL string `json:"running_glb_url,omitempty"`
	RunningFBXURL string `json:"running_fbx_url,omitempty"`
}

// StageResult carries the rigging and animation specific outputs.
type StageResult struct {
	RiggedCharacterGLBURL string           `json:"rigged_character_glb_url,omitempty"`
	RiggedCharacterFBXURL string           `json:"rigged_character_fbx_url,omitempty"`
	BasicAnimations       *BasicAnimations `json:"basic_animations,omitempty"`
	AnimationGLBURL       string           `json:"animation_glb_url,omitempty"`
	AnimationFBXURL       string           `json:"animation_fbx_url,omitempty"`
}

// TaskError is the failure detail reported by the remote system.
type TaskError struct {
	Message string `json:"message"`
}

// TaskResult is the status document returned by GET {endpoint}/{id}. The same
// shape arrives on webhook callbacks.
type TaskResult struct {
	ID           string        `json:"id"`
	Status       TaskStatus    `json:"status"`
	Progress     int           `json:"progress"`
	CreatedAt    int64         `json:"created_at,omitempty"`
	StartedAt    int64         `json:"started_at,omitempty"`
	FinishedAt   int64         `json:"finished_at,omitempty"`
	ModelURLs    ModelURLs     `json:"model_urls,omitempty"`
	TextureURLs  []TextureURLs `json:"texture_urls,omitempty"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty"`
	VideoURL     string        `json:"video_url,omitempty"`
	Result       *StageResult  `json:"result,omitempty"`
	TaskError    *TaskError    `json:"task_error,omitempty"`
}

// ErrorMessage returns the remote failure detail, if any.
func (r TaskResult) ErrorMessage() string {
	if r.TaskError != nil && strings.TrimSpace(r.TaskError.Message) != "" {
		return strings.TrimSpace(r.TaskError.Message)
	}
	switch r.Status {
	case StatusFailed:
		return "task failed"
	case StatusExpired:
		return "task expired"
	case StatusCanceled:
		return "task canceled"
	}
	return ""
}

// ArtifactURLs flattens every downloadable output into name -> URL. Names are
// stable and double as file-name hints: a bare format ("glb") is the primary
// model; "<label>_<format>" is a secondary file.
func (r TaskResult) ArtifactURLs() map[string]string {
	out := map[string]string{}
	add := func(name, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[name] = value
		}
	}
	add("glb", r.ModelURLs.GLB)
	add("fbx", r.ModelURLs.FBX)
	add("usdz", r.ModelURLs.USDZ)
	add("obj", r.ModelURLs.OBJ)
	add("mtl", r.ModelURLs.MTL)
	add("thumbnail", r.ThumbnailURL)
	for i, set := range r.TextureURLs {
		prefix := "texture"
		if i > 0 {
			prefix = fmt.Sprintf("texture%d", i+1)
		}
		add(prefix+"_base_color", set.BaseColor)
		add(prefix+"_metallic", set.Metallic)
		add(prefix+"_normal", set.Normal)
		add(prefix+"_roughness", set.Roughness)
	}
	if r.Result != nil {
		add("rigged_glb", r.Result.RiggedCharacterGLBURL)
		add("rigged_fbx", r.Result.RiggedCharacterFBXURL)
		add("animation_glb", r.Result.AnimationGLBURL)
		add("animation_fbx", r.Result.AnimationFBXURL)
		if anim := r.Result.BasicAnimations; anim != nil {
			add("walking_glb", anim.WalkingGLBURL)
			add("walking_fbx", anim.WalkingFBXURL)
			add("running_glb", anim.RunningGLBURL)
			add("running_fbx", anim.RunningFBXURL)
		}
	}
	return out
}

// Request is a typed, validated stage submission.
type Request interface {
	Endpoint() Endpoint
	Path() string
	Validate() error
}

type createResponse struct {
	Result string `json:"result"`
}

// CreateTask validates and submits a request, returning the remote task id.
func (c *Client) CreateTask(ctx context.Context, req Request) (string, error) {
	if req == nil {
		return "", errors.New("meshy: nil request")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	var resp createResponse
	if err := c.Send(ctx, http.MethodPost, req.Path(), req.Endpoint().Version(), req, &resp); err != nil {
		return "", err
	}
	taskID := strings.TrimSpace(resp.Result)
	if taskID == "" {
		return "", fmt.Errorf("meshy: %s returned an empty task id", req.Endpoint())
	}
	return taskID, nil
}

// GetTask fetches the current status document of a task.
func (c *Client) GetTask(ctx context.Context, endpoint Endpoint, taskID string) (TaskResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskResult{}, errors.New("meshy: task id required")
	}
	var result TaskResult
	if err := c.Send(ctx, http.MethodGet, string(endpoint)+"/"+url.PathEscape(taskID), endpoint.Version(), nil, &result); err != nil {
		return TaskResult{}, err
	}
	if result.ID == "" {
		result.ID = taskID
	}
	return result, nil
}
