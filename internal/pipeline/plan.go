package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/services"
	"meshforge/internal/spec"
)

const (
	stepText3D      = "text3d"
	stepImage3D     = "image3d"
	stepRefine      = "text3d_refine"
	stepRigging     = "rigging"
	stepTextTexture = "text_texture"
	stepRetexture   = "retexture"

	animationStepPrefix = "animation_"

	// resumeTokenPipeline stores the comma separated step names of the plan.
	resumeTokenPipeline = "pipeline"
	// resumeTokenLastStep stores the newest fully collected step.
	resumeTokenLastStep = "last_completed_step"
)

// step is one planned unit of remote work.
type step struct {
	manifest.Step
	actionID int
}

// planSteps derives the ordered step list for a spec.
func planSteps(s spec.GenerationSpec) []step {
	first := step{Step: manifest.Step{Name: stepText3D, Stage: manifest.StageText3D}}
	if strings.TrimSpace(s.ImageURL) != "" {
		first = step{Step: manifest.Step{Name: stepImage3D, Stage: manifest.StageImage3D}}
	}
	steps := []step{first}
	if s.Refine {
		steps = append(steps, step{Step: manifest.Step{Name: stepRefine, Stage: manifest.StageText3DRefine}})
	}
	if s.Rig || len(s.AnimationIDs) > 0 {
		steps = append(steps, step{Step: manifest.Step{Name: stepRigging, Stage: manifest.StageRigging}})
	}
	seen := map[int]bool{}
	for _, id := range s.AnimationIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		steps = append(steps, step{
			Step:     manifest.Step{Name: animationStepName(id), Stage: manifest.StageAnimation},
			actionID: id,
		})
	}
	if strings.TrimSpace(s.TextureStyle) != "" {
		steps = append(steps, step{Step: manifest.Step{Name: stepTextTexture, Stage: manifest.StageTextTexture}})
	}
	if strings.TrimSpace(s.TexturePrompt) != "" {
		steps = append(steps, step{Step: manifest.Step{Name: stepRetexture, Stage: manifest.StageRetexture}})
	}
	return steps
}

func animationStepName(id int) string {
	return animationStepPrefix + strconv.Itoa(id)
}

func manifestSteps(steps []step) []manifest.Step {
	out := make([]manifest.Step, len(steps))
	for i, st := range steps {
		out[i] = st.Step
	}
	return out
}

func stepNames(steps []step) string {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Name
	}
	return strings.Join(names, ",")
}

func findStep(steps []step, name string) (step, bool) {
	for _, st := range steps {
		if st.Name == name {
			return st, true
		}
	}
	return step{}, false
}

// endpointFor maps a stage to the endpoint its tasks are polled on.
func endpointFor(stage manifest.Stage) meshy.Endpoint {
	switch stage {
	case manifest.StageRigging:
		return meshy.EndpointRigging
	case manifest.StageAnimation:
		return meshy.EndpointAnimations
	case manifest.StageRetexture:
		return meshy.EndpointRetexture
	case manifest.StageImage3D:
		return meshy.EndpointImageTo3D
	case manifest.StageTextTexture:
		return meshy.EndpointTextToTexture
	default:
		return meshy.EndpointTextTo3D
	}
}

// specFromManifest recovers the generation spec from its canonical form.
func specFromManifest(m *manifest.AssetManifest) (spec.GenerationSpec, error) {
	var s spec.GenerationSpec
	if strings.TrimSpace(m.SpecFingerprint) == "" {
		return s, services.Wrap(services.ErrValidation, "pipeline", "resume", "manifest carries no spec", nil)
	}
	if err := json.Unmarshal([]byte(m.SpecFingerprint), &s); err != nil {
		return s, services.Wrap(services.ErrValidation, "pipeline", "resume", "decode stored spec", err)
	}
	return s, nil
}

// succeededTask returns the task id of the newest SUCCEEDED entry for a step.
func succeededTask(m *manifest.AssetManifest, name string) (string, bool) {
	entry, ok := m.LatestForStep(name)
	if !ok || entry.Status != manifest.StatusSucceeded {
		return "", false
	}
	return entry.TaskID, true
}

// modelSource is the task whose mesh downstream steps build on: the refined
// model when present, else the preview or the image-to-3d model.
func modelSource(m *manifest.AssetManifest) (string, bool) {
	if id, ok := succeededTask(m, stepRefine); ok {
		return id, true
	}
	if id, ok := succeededTask(m, stepText3D); ok {
		return id, true
	}
	return succeededTask(m, stepImage3D)
}

// modelSourceURL returns the primary model URL of the model source.
func modelSourceURL(m *manifest.AssetManifest) (string, bool) {
	id, ok := modelSource(m)
	if !ok {
		return "", false
	}
	entry, _ := m.Task(id)
	glb := strings.TrimSpace(entry.ResultPaths["glb"])
	return glb, glb != ""
}

// baseStep names the first step of the plan.
func baseStep(s spec.GenerationSpec) string {
	if strings.TrimSpace(s.ImageURL) != "" {
		return stepImage3D
	}
	return stepText3D
}

// buildRequest constructs the typed request for a step. Upstream task ids
// come from the manifest so the same code serves fresh runs and resumes.
func buildRequest(st step, s spec.GenerationSpec, m *manifest.AssetManifest, callbackURL string) (meshy.Request, error) {
	missing := func(upstream string) error {
		return services.Wrap(services.ErrValidation, st.Name, "build request", fmt.Sprintf("%s has not succeeded", upstream), nil)
	}
	switch st.Stage {
	case manifest.StageText3D:
		return &meshy.Text3DRequest{
			Mode:            "preview",
			Prompt:          strings.TrimSpace(s.Description),
			ArtStyle:        string(s.ArtStyle),
			NegativePrompt:  s.NegativePrompt,
			TargetPolycount: s.TargetPolycount,
			ShouldRemesh:    s.TargetPolycount > 0,
			Seed:            s.Seed,
			CallbackURL:     callbackURL,
		}, nil
	case manifest.StageImage3D:
		return &meshy.Image3DRequest{
			ImageURL:        strings.TrimSpace(s.ImageURL),
			EnablePBR:       true,
			TargetPolycount: s.TargetPolycount,
			ShouldRemesh:    s.TargetPolycount > 0,
			CallbackURL:     callbackURL,
		}, nil
	case manifest.StageText3DRefine:
		preview, ok := succeededTask(m, stepText3D)
		if !ok {
			return nil, missing(stepText3D)
		}
		return &meshy.RefineRequest{
			PreviewTaskID: preview,
			EnablePBR:     true,
			CallbackURL:   callbackURL,
		}, nil
	case manifest.StageTextTexture:
		if _, ok := modelSource(m); !ok {
			return nil, missing(baseStep(s))
		}
		modelURL, ok := modelSourceURL(m)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, st.Name, "build request", "model source reported no glb url", nil)
		}
		return &meshy.TextTextureRequest{
			ModelURL:       modelURL,
			ObjectPrompt:   strings.TrimSpace(s.Description),
			StylePrompt:    strings.TrimSpace(s.TextureStyle),
			EnablePBR:      true,
			NegativePrompt: s.NegativePrompt,
			ArtStyle:       string(s.ArtStyle),
			CallbackURL:    callbackURL,
		}, nil
	case manifest.StageRigging:
		source, ok := modelSource(m)
		if !ok {
			return nil, missing(baseStep(s))
		}
		return &meshy.RiggingRequest{
			InputTaskID: source,
			CallbackURL: callbackURL,
		}, nil
	case manifest.StageAnimation:
		rig, ok := succeededTask(m, stepRigging)
		if !ok {
			return nil, missing(stepRigging)
		}
		return &meshy.AnimationRequest{
			RigTaskID:   rig,
			ActionID:    st.actionID,
			CallbackURL: callbackURL,
		}, nil
	case manifest.StageRetexture:
		source, ok := modelSource(m)
		if !ok {
			return nil, missing(baseStep(s))
		}
		return &meshy.RetextureRequest{
			InputTaskID:     source,
			TextStylePrompt: strings.TrimSpace(s.TexturePrompt),
			ArtStyle:        string(s.ArtStyle),
			EnablePBR:       true,
			CallbackURL:     callbackURL,
		}, nil
	}
	return nil, services.Wrap(services.ErrValidation, st.Name, "build request", fmt.Sprintf("unknown stage %q", st.Stage), nil)
}

// payloadOf records the request exactly as sent.
func payloadOf(req meshy.Request) map[string]any {
	out := map[string]any{}
	data, err := json.Marshal(req)
	if err == nil {
		_ = json.Unmarshal(data, &out)
	}
	if refine, ok := req.(*meshy.RefineRequest); ok {
		out["preview_task_id"] = refine.PreviewTaskID
	}
	return out
}

// promptsFor lists the text sent to each stage. An image-to-3d run records
// its source image instead of a text prompt.
func promptsFor(s spec.GenerationSpec) map[string]string {
	prompts := map[string]string{}
	if image := strings.TrimSpace(s.ImageURL); image != "" {
		prompts[string(manifest.StageImage3D)] = image
	} else {
		prompts[string(manifest.StageText3D)] = strings.TrimSpace(s.Description)
	}
	if p := strings.TrimSpace(s.TextureStyle); p != "" {
		prompts[string(manifest.StageTextTexture)] = p
	}
	if p := strings.TrimSpace(s.TexturePrompt); p != "" {
		prompts[string(manifest.StageRetexture)] = p
	}
	if p := strings.TrimSpace(s.NegativePrompt); p != "" {
		prompts["negative"] = p
	}
	return prompts
}
