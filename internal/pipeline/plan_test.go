package pipeline

import (
	"errors"
	"testing"

	"meshforge/internal/canonical"
	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/services"
	"meshforge/internal/spec"
)

func TestPlanSteps(t *testing.T) {
	tests := []struct {
		name string
		spec spec.GenerationSpec
		want string
	}{
		{"text only", spec.GenerationSpec{}, "text3d"},
		{"refine", spec.GenerationSpec{Refine: true}, "text3d,text3d_refine"},
		{"rig", spec.GenerationSpec{Rig: true}, "text3d,rigging"},
		{"animations imply rig", spec.GenerationSpec{AnimationIDs: []int{4, 4, 1}}, "text3d,rigging,animation_4,animation_1"},
		{"retexture", spec.GenerationSpec{TexturePrompt: "mossy"}, "text3d,retexture"},
		{"everything", spec.GenerationSpec{Refine: true, Rig: true, AnimationIDs: []int{0}, TexturePrompt: "fur"}, "text3d,text3d_refine,rigging,animation_0,retexture"},
		{"image source", spec.GenerationSpec{ImageURL: "https://img/ref.png", Rig: true}, "image3d,rigging"},
		{"text texture", spec.GenerationSpec{TextureStyle: "hand painted", TexturePrompt: "moss"}, "text3d,text_texture,retexture"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stepNames(planSteps(tt.spec)); got != tt.want {
				t.Fatalf("planSteps = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestArtifactPath(t *testing.T) {
	tests := []struct {
		name, kind, url, want string
	}{
		{"primary model", "glb", "https://cdn/x/model.glb?sig=1", "props/apple/0123456789ab/text3d/apple.glb"},
		{"secondary model", "rigged_fbx", "https://cdn/x/rig.fbx", "props/apple/0123456789ab/text3d/apple_rigged.fbx"},
		{"texture keeps url extension", "texture_base_color", "https://cdn/x/base.JPG", "props/apple/0123456789ab/text3d/apple_texture_base_color.jpg"},
		{"texture without extension", "texture_normal", "https://cdn/x/normal", "props/apple/0123456789ab/text3d/apple_texture_normal.png"},
		{"thumbnail", "thumbnail", "https://cdn/x/preview.png", "props/apple/0123456789ab/text3d/apple_thumbnail.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := artifactPath("props", "apple", "0123456789abcdef", "text3d", tt.kind, tt.url); got != tt.want {
				t.Fatalf("artifactPath = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[meshy.TaskStatus]manifest.Status{
		meshy.StatusPending:    manifest.StatusPending,
		meshy.StatusInProgress: manifest.StatusInProgress,
		meshy.StatusSucceeded:  manifest.StatusSucceeded,
		meshy.StatusFailed:     manifest.StatusFailed,
		meshy.StatusExpired:    manifest.StatusExpired,
		meshy.StatusCanceled:   manifest.StatusFailed,
		"SOMETHING_NEW":        manifest.StatusInProgress,
	}
	for in, want := range cases {
		if got := statusOf(in); got != want {
			t.Fatalf("statusOf(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestBuildRequestNeedsUpstream(t *testing.T) {
	m := &manifest.AssetManifest{}
	s := spec.GenerationSpec{Rig: true, AnimationIDs: []int{3}}
	for _, st := range planSteps(s)[1:] {
		if _, err := buildRequest(st, s, m, ""); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("%s: expected validation error without upstream task, got %v", st.Name, err)
		}
	}

	m.TaskGraph = []manifest.TaskGraphEntry{
		{TaskID: "preview-1", Service: manifest.StageText3D, Status: manifest.StatusSucceeded},
		{TaskID: "rig-1", Service: manifest.StageRigging, Status: manifest.StatusSucceeded},
	}
	st, _ := findStep(planSteps(s), "animation_3")
	req, err := buildRequest(st, s, m, "")
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	anim, ok := req.(*meshy.AnimationRequest)
	if !ok || anim.RigTaskID != "rig-1" || anim.ActionID != 3 {
		t.Fatalf("unexpected animation request %+v", req)
	}
}

func TestBuildRequestImageAndTextureSteps(t *testing.T) {
	s := spec.GenerationSpec{
		Description:     "A carved totem",
		ArtStyle:        spec.ArtStyleCartoon,
		ImageURL:        "https://img.example/totem.png",
		TargetPolycount: 5000,
		TextureStyle:    "weathered cedar",
	}
	steps := planSteps(s)
	if steps[0].Stage != manifest.StageImage3D || endpointFor(steps[0].Stage) != meshy.EndpointImageTo3D {
		t.Fatalf("unexpected first step %+v", steps[0])
	}
	req, err := buildRequest(steps[0], s, &manifest.AssetManifest{}, "")
	if err != nil {
		t.Fatalf("buildRequest image3d: %v", err)
	}
	image, ok := req.(*meshy.Image3DRequest)
	if !ok || image.ImageURL != s.ImageURL || !image.ShouldRemesh || image.TargetPolycount != 5000 {
		t.Fatalf("unexpected image request %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("image request invalid: %v", err)
	}

	texture, _ := findStep(steps, stepTextTexture)
	if endpointFor(texture.Stage) != meshy.EndpointTextToTexture {
		t.Fatalf("text_texture polled on %s", endpointFor(texture.Stage))
	}
	m := &manifest.AssetManifest{}
	if _, err := buildRequest(texture, s, m, ""); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error before image3d succeeded, got %v", err)
	}
	m.TaskGraph = []manifest.TaskGraphEntry{{
		TaskID:      "img-1",
		Service:     manifest.StageImage3D,
		Step:        stepImage3D,
		Status:      manifest.StatusSucceeded,
		ResultPaths: map[string]string{"glb": "https://cdn.example/totem.glb"},
	}}
	req, err = buildRequest(texture, s, m, "")
	if err != nil {
		t.Fatalf("buildRequest text_texture: %v", err)
	}
	tex, ok := req.(*meshy.TextTextureRequest)
	if !ok || tex.ModelURL != "https://cdn.example/totem.glb" || tex.ObjectPrompt != "A carved totem" || tex.StylePrompt != "weathered cedar" {
		t.Fatalf("unexpected texture request %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("texture request invalid: %v", err)
	}

	prompts := promptsFor(s)
	if prompts["image3d"] != s.ImageURL || prompts["text_texture"] != "weathered cedar" || prompts["text3d"] != "" {
		t.Fatalf("unexpected prompts %+v", prompts)
	}
}

func TestPayloadOfRefineKeepsPreviewID(t *testing.T) {
	payload := payloadOf(&meshy.RefineRequest{PreviewTaskID: "preview-9", EnablePBR: true})
	if payload["preview_task_id"] != "preview-9" || payload["enable_pbr"] != true {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSpecRoundTripsThroughManifest(t *testing.T) {
	seed := int64(7)
	s := spec.GenerationSpec{
		Intent:       spec.IntentCreaturePrey,
		Description:  "A bass",
		ArtStyle:     spec.ArtStyleRealistic,
		Seed:         &seed,
		AnimationIDs: []int{1, 2},
		Metadata:     map[string]any{"slug": "bass"},
	}
	canonicalSpec, err := canonical.Canonicalize(s)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	got, err := specFromManifest(&manifest.AssetManifest{SpecFingerprint: canonicalSpec})
	if err != nil {
		t.Fatalf("specFromManifest: %v", err)
	}
	if stepNames(planSteps(got)) != stepNames(planSteps(s)) || *got.Seed != 7 || spec.AssetID(got) != spec.AssetID(s) {
		t.Fatalf("spec did not survive the manifest: %+v", got)
	}
	if _, err := specFromManifest(&manifest.AssetManifest{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty spec, got %v", err)
	}
}
