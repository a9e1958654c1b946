package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"meshforge/internal/logging"
	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/services"
)

// HandleWebhook applies a completion callback for one remote task. stage is
// the stage named in the callback route and must match the recorded entry
// when set. A SUCCEEDED callback downloads the artifacts and submits the
// next step without waiting. Remote failures are recorded and returned with
// a nil error since the callback itself was handled.
func (o *Orchestrator) HandleWebhook(ctx context.Context, stage string, result meshy.TaskResult) (*manifest.AssetManifest, error) {
	if _, ok := services.RequestIDFromContext(ctx); !ok {
		ctx = services.WithRequestID(ctx, uuid.NewString())
	}
	ctx, span := tracer.Start(ctx, "pipeline.webhook")
	defer span.End()

	taskID := strings.TrimSpace(result.ID)
	if taskID == "" {
		err := services.Wrap(services.ErrValidation, "webhook", "decode", "callback carries no task id", nil)
		endSpan(span, err)
		return nil, err
	}
	m, err := o.store.FindByTaskID(ctx, taskID)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	entry, ok := m.Task(taskID)
	if !ok {
		err := fmt.Errorf("%w: %s", manifest.ErrTaskNotFound, taskID)
		endSpan(span, err)
		return nil, err
	}
	if stage = strings.TrimSpace(stage); stage != "" && stage != string(entry.Service) && stage != entry.StepName() {
		err := services.Wrap(services.ErrValidation, "webhook", "route",
			fmt.Sprintf("task %s belongs to %s, callback named %s", taskID, entry.Service, stage), nil)
		endSpan(span, err)
		return nil, err
	}

	s, err := specFromManifest(m)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	key := m.Key()
	ctx = services.WithStage(services.WithSpecies(services.WithAssetID(ctx, key.AssetID), key.Species), entry.StepName())
	r := &run{key: key, spec: s, steps: planSteps(s), opts: Options{CallbackURL: o.callbackURL}.normalized()}
	st, ok := findStep(r.steps, entry.StepName())
	if !ok {
		st = step{Step: manifest.Step{Name: entry.StepName(), Stage: entry.Service}}
	}

	o.loggerFor(ctx).Info("webhook received",
		logging.String(logging.FieldEventType, "webhook_received"),
		logging.TaskID(taskID),
		logging.String("status", string(result.Status)))

	done, m, err := o.apply(ctx, r, st, taskID, result, manifest.SourceWebhook)
	switch {
	case errors.Is(err, ErrRemoteTaskFailed):
		return o.store.Load(ctx, key)
	case err != nil:
		endSpan(span, err)
		return nil, err
	case !done:
		return m, nil
	}

	m, err = o.drive(ctx, r)
	endSpan(span, err)
	return m, err
}
