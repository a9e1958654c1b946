// Package pipeline drives one asset through its remote generation steps.
//
// An Orchestrator derives the step list from a spec.GenerationSpec
// (text3d, optional refine, rigging, one animation per requested clip,
// retexture), submits each step through the meshy transport, waits for a
// terminal status, downloads the resulting artifacts and records every
// transition in the manifest store before returning. The manifest alone is
// enough to continue after a restart: Resume and repeated Generate calls pick
// up at manifest.ResumePoint and never resubmit a step whose newest task is
// live or SUCCEEDED.
//
// Webhook callbacks enter through HandleWebhook, which applies the same
// transitions as polling and then advances the pipeline without waiting.
package pipeline
