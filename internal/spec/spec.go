package spec

import (
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"

	"meshforge/internal/canonical"
	"meshforge/internal/services"
)

// Intent classifies what an asset is for.
type Intent string

const (
	IntentPlayerCharacter  Intent = "player_character"
	IntentNPCCharacter     Intent = "npc_character"
	IntentPropDecoration   Intent = "prop_decoration"
	IntentPropInteractable Intent = "prop_interactable"
	IntentCreaturePrey     Intent = "creature_prey"
	IntentTerrainElement   Intent = "terrain_element"
	IntentEnvironment      Intent = "environment"
)

// Intents lists every supported intent in display order.
var Intents = []Intent{
	IntentPlayerCharacter,
	IntentNPCCharacter,
	IntentPropDecoration,
	IntentPropInteractable,
	IntentCreaturePrey,
	IntentTerrainElement,
	IntentEnvironment,
}

// ArtStyle is the remote rendering style.
type ArtStyle string

const (
	ArtStyleRealistic ArtStyle = "realistic"
	ArtStyleSculpture ArtStyle = "sculpture"
	ArtStyleCartoon   ArtStyle = "cartoon"
	ArtStyleLowPoly   ArtStyle = "low-poly"
)

// GenerationSpec describes one asset. It is input only and never mutated by
// the pipeline.
type GenerationSpec struct {
	Intent          Intent         `json:"intent" yaml:"intent" validate:"required,oneof=player_character npc_character prop_decoration prop_interactable creature_prey terrain_element environment"`
	Description     string         `json:"description" yaml:"description" validate:"required,max=600"`
	ArtStyle        ArtStyle       `json:"art_style" yaml:"art_style" validate:"required,oneof=realistic sculpture cartoon low-poly"`
	TargetPolycount int            `json:"target_polycount,omitempty" yaml:"target_polycount,omitempty" validate:"omitempty,min=100,max=300000"`
	Metadata        map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	AssetID         string         `json:"asset_id,omitempty" yaml:"asset_id,omitempty" validate:"max=128"`
	OutputPath      string         `json:"output_path,omitempty" yaml:"output_path,omitempty"`
	Species         string         `json:"species,omitempty" yaml:"species,omitempty" validate:"max=64"`
	NegativePrompt  string         `json:"negative_prompt,omitempty" yaml:"negative_prompt,omitempty" validate:"max=600"`
	Seed            *int64         `json:"seed,omitempty" yaml:"seed,omitempty"`
	Rig             bool           `json:"rig,omitempty" yaml:"rig,omitempty"`
	Refine          bool           `json:"refine,omitempty" yaml:"refine,omitempty"`
	AnimationIDs    []int          `json:"animation_ids,omitempty" yaml:"animation_ids,omitempty" validate:"dive,min=0"`
	TexturePrompt   string         `json:"texture_prompt,omitempty" yaml:"texture_prompt,omitempty" validate:"max=600"`
	// ImageURL makes image-to-3d the first step instead of text-to-3d.
	ImageURL string `json:"image_url,omitempty" yaml:"image_url,omitempty" validate:"omitempty,url,max=2048"`
	// TextureStyle adds a text-to-texture pass over the finished model.
	TextureStyle string `json:"texture_style,omitempty" yaml:"texture_style,omitempty" validate:"max=600"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the spec before any network call. Failures carry
// services.ErrValidation.
func (s GenerationSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return services.Wrap(services.ErrValidation, "spec", "validate", "invalid generation spec", err)
	}
	if strings.TrimSpace(s.Description) == "" {
		return services.Wrap(services.ErrValidation, "spec", "validate", "description is blank", nil)
	}
	if strings.TrimSpace(s.ImageURL) != "" && s.Refine {
		return services.Wrap(services.ErrValidation, "spec", "validate", "refine applies to text-to-3d previews, not image_url", nil)
	}
	if p := strings.TrimSpace(s.OutputPath); p != "" {
		if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
			return services.Wrap(services.ErrValidation, "spec", "validate", fmt.Sprintf("output_path %q must be relative", p), nil)
		}
		for _, segment := range strings.Split(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/") {
			if segment == ".." {
				return services.Wrap(services.ErrValidation, "spec", "validate", fmt.Sprintf("output_path %q escapes the output root", p), nil)
			}
		}
	}
	return nil
}

// Fingerprint returns the canonical hash of the whole spec.
func (s GenerationSpec) Fingerprint() (string, error) {
	return canonical.Fingerprint(s)
}

// OutputDir is the directory, relative to the output root, where the asset's
// artifacts live.
func (s GenerationSpec) OutputDir() string {
	if p := strings.Trim(path.Clean(strings.ReplaceAll(strings.TrimSpace(s.OutputPath), "\\", "/")), "/"); p != "" && p != "." {
		return p
	}
	return s.ResolvedSpecies()
}

// ResolvedSpecies returns the category label used to group manifests: the
// explicit species, else the first output path segment, else the intent.
func (s GenerationSpec) ResolvedSpecies() string {
	if species := Slugify(s.Species, 64); species != "" {
		return species
	}
	cleaned := strings.Trim(path.Clean(strings.ReplaceAll(strings.TrimSpace(s.OutputPath), "\\", "/")), "/")
	if cleaned != "" && cleaned != "." {
		if first := Slugify(strings.SplitN(cleaned, "/", 2)[0], 64); first != "" {
			return first
		}
	}
	return string(s.Intent)
}

// Clone returns a deep-enough copy for callers that want to derive variants.
func (s GenerationSpec) Clone() GenerationSpec {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.AnimationIDs != nil {
		out.AnimationIDs = append([]int(nil), s.AnimationIDs...)
	}
	if s.Seed != nil {
		seed := *s.Seed
		out.Seed = &seed
	}
	return out
}
