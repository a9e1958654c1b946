package meshy

import (
	"net/url"

	"github.com/go-playground/validator/v10"

	"meshforge/internal/services"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateRequest(endpoint Endpoint, req any) error {
	if err := validate.Struct(req); err != nil {
		return services.Wrap(services.ErrValidation, "meshy", string(endpoint), "invalid request", err)
	}
	return nil
}

// Text3DRequest starts a text-to-3D preview.
type Text3DRequest struct {
	Mode            string `json:"mode" validate:"eq=preview"`
	Prompt          string `json:"prompt" validate:"required,max=600"`
	ArtStyle        string `json:"art_style,omitempty" validate:"omitempty,oneof=realistic sculpture cartoon low-poly"`
	NegativePrompt  string `json:"negative_prompt,omitempty"`
	AIModel         string `json:"ai_model,omitempty"`
	Topology        string `json:"topology,omitempty" validate:"omitempty,oneof=quad triangle"`
	TargetPolycount int    `json:"target_polycount,omitempty" validate:"omitempty,min=100,max=300000"`
	ShouldRemesh    bool   `json:"should_remesh,omitempty"`
	EnablePBR       bool   `json:"enable_pbr,omitempty"`
	Seed            *int64 `json:"seed,omitempty"`
	CallbackURL     string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r *Text3DRequest) Endpoint() Endpoint { return EndpointTextTo3D }
func (r *Text3DRequest) Path() string       { return string(EndpointTextTo3D) }
func (r *Text3DRequest) Validate() error    { return validateRequest(r.Endpoint(), r) }

// RefineRequest turns a finished preview into a textured model. The result is
// polled on the text-to-3d endpoint.
type RefineRequest struct {
	PreviewTaskID string `json:"-" validate:"required"`
	EnablePBR     bool   `json:"enable_pbr,omitempty"`
	TexturePrompt string `json:"texture_prompt,omitempty" validate:"max=600"`
	CallbackURL   string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r *RefineRequest) Endpoint() Endpoint { return EndpointTextTo3D }
func (r *RefineRequest) Path() string {
	return string(EndpointTextTo3D) + "/" + url.PathEscape(r.PreviewTaskID) + "/refine"
}
func (r *RefineRequest) Validate() error { return validateRequest(r.Endpoint(), r) }

// TextTextureRequest textures an existing model from prompts.
type TextTextureRequest struct {
	ModelURL         string `json:"model_url" validate:"required,url"`
	ObjectPrompt     string `json:"object_prompt" validate:"required"`
	StylePrompt      string `json:"style_prompt" validate:"required"`
	EnableOriginalUV bool   `json:"enable_original_uv,omitempty"`
	EnablePBR        bool   `json:"enable_pbr,omitempty"`
	Resolution       string `json:"resolution,omitempty" validate:"omitempty,oneof=1024 2048 4096"`
	NegativePrompt   string `json:"negative_prompt,omitempty"`
	ArtStyle         string `json:"art_style,omitempty" validate:"omitempty,oneof=realistic sculpture cartoon low-poly"`
	CallbackURL      string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r *TextTextureRequest) Endpoint() Endpoint { return EndpointTextToTexture }
func (r *TextTextureRequest) Path() string       { return string(EndpointTextToTexture) }
func (r *TextTextureRequest) Validate() error    { return validateRequest(r.Endpoint(), r) }

// Image3DRequest builds a model from a reference image.
type Image3DRequest struct {
	ImageURL        string `json:"image_url" validate:"required"`
	EnablePBR       bool   `json:"enable_pbr,omitempty"`
	AIModel         string `json:"ai_model,omitempty"`
	Topology        string `json:"topology,omitempty" validate:"omitempty,oneof=quad triangle"`
	TargetPolycount int    `json:"target_polycount,omitempty" validate:"omitempty,min=100,max=300000"`
	ShouldRemesh    bool   `json:"should_remesh,omitempty"`
	CallbackURL     string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r *Image3DRequest) Endpoint() Endpoint { return EndpointImageTo3D }
func (r *Image3DRequest) Path() string       { return string(EndpointImageTo3D) }
func (r *Image3DRequest) Validate() error    { return validateRequest(r.Endpoint(), r) }

// RiggingRequest rigs a humanoid model from a prior task or a model URL.
type RiggingRequest struct {
	InputTaskID     string  `json:"input_task_id,omitempty" validate:"required_without=ModelURL"`
	ModelURL        string  `json:"model_url,omitempty" validate:"omitempty,url"`
	HeightMeters    float64 `json:"height_meters,omitempty" validate:"omitempty,gt=0"`
	TextureImageURL string  `json:"texture_image_url,omitempty" validate:"omitempty,url"`
	CallbackURL     string  `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r *RiggingRequest) Endpoint() Endpoint { return EndpointRigging }
func (r *RiggingRequest) Path() string       { return string(EndpointRigging) }
func (r *RiggingRequest) Validate() error    { return validateRequest(r.Endpoint(), r) }

// AnimationRequest applies a catalog animation to a rigged model.
type AnimationRequest struct {
	RigTaskID   string `json:"rig_task_id" validate:"required"`
	ActionID    int    `json:"action_id" validate:"min=0"`
	Loop        bool   `json:"loop,omitempty"`
	FrameRate   int    `json:"frame_rate,omitempty" validate:"omitempty,oneof=24 25 30 60"`
	CallbackURL string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r *AnimationRequest) Endpoint() Endpoint { return EndpointAnimations }
func (r *AnimationRequest) Path() string       { return string(EndpointAnimations) }
func (r *AnimationRequest) Validate() error    { return validateRequest(r.Endpoint(), r) }

// RetextureRequest re-textures a model from a text or image style.
type RetextureRequest struct {
	InputTaskID      string `json:"input_task_id,omitempty" validate:"required_without=ModelURL"`
	ModelURL         string `json:"model_url,omitempty" validate:"omitempty,url"`
	TextStylePrompt  string `json:"text_style_prompt,omitempty" validate:"required_without=ImageStyleURL,max=600"`
	ImageStyleURL    string `json:"image_style_url,omitempty" validate:"omitempty,url"`
	ArtStyle         string `json:"art_style,omitempty" validate:"omitempty,oneof=realistic sculpture cartoon low-poly"`
	EnableOriginalUV bool   `json:"enable_original_uv,omitempty"`
	EnablePBR        bool   `json:"enable_pbr,omitempty"`
	AIModel          string `json:"ai_model,omitempty"`
	CallbackURL      string `json:"callback_url,omitempty" validate:"omitempty,url"`
}

func (r *RetextureRequest) Endpoint() Endpoint { return EndpointRetexture }
func (r *RetextureRequest) Path() string       { return string(EndpointRetexture) }
func (r *RetextureRequest) Validate() error    { return validateRequest(r.Endpoint(), r) }
