package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"meshforge/internal/canonical"
	"meshforge/internal/logging"
	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/services"
	"meshforge/internal/spec"
)

// run carries the state of one Generate or Resume call.
type run struct {
	key   manifest.AssetKey
	spec  spec.GenerationSpec
	steps []step
	opts  Options
}

// Generate drives spec through its steps. A step whose newest task is live
// or SUCCEEDED is never resubmitted, so calling Generate again with the same
// spec continues where the previous call stopped.
func (o *Orchestrator) Generate(ctx context.Context, s spec.GenerationSpec, opts Options) (*manifest.AssetManifest, error) {
	ctx = services.WithRequestID(ctx, uuid.NewString())
	ctx, span := tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	r, err := o.prepare(ctx, s, opts)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("asset_id", r.key.AssetID),
		attribute.String("species", r.key.Species),
	)
	m, err := o.drive(ctx, r)
	endSpan(span, err)
	return m, err
}

// Resume continues a pipeline using only its persisted manifest. key needs
// species and asset id; SpecHash may be empty or a prefix when it still
// selects exactly one manifest.
func (o *Orchestrator) Resume(ctx context.Context, key manifest.AssetKey, opts Options) (*manifest.AssetManifest, error) {
	ctx = services.WithRequestID(ctx, uuid.NewString())
	ctx, span := tracer.Start(ctx, "pipeline.resume", trace.WithAttributes(
		attribute.String("asset_id", key.AssetID),
		attribute.String("species", key.Species),
	))
	defer span.End()

	m, err := o.store.Load(ctx, key)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	key = m.Key()
	ctx = services.WithSpecies(services.WithAssetID(ctx, key.AssetID), key.Species)
	s, err := specFromManifest(m)
	if err != nil {
		err = stageError(ErrInvalidSpec, services.ErrValidation, "pipeline", "resume", "stored spec unreadable", err)
		endSpan(span, err)
		return nil, err
	}
	if err := o.validate(s); err != nil {
		o.annotate(ctx, key, m.Status(), manifest.StatusFailed, "", err.Error())
		endSpan(span, err)
		return nil, err
	}
	r := &run{key: key, spec: s, steps: planSteps(s), opts: opts.normalized()}
	out, err := o.drive(ctx, r)
	endSpan(span, err)
	return out, err
}

// KeyFor derives the manifest key of s from its canonical form, asset id and
// species.
func KeyFor(s spec.GenerationSpec) (manifest.AssetKey, error) {
	key, _, err := keyAndFingerprint(s)
	return key, err
}

func keyAndFingerprint(s spec.GenerationSpec) (manifest.AssetKey, string, error) {
	canonicalSpec, err := canonical.Canonicalize(s)
	if err != nil {
		return manifest.AssetKey{}, "", stageError(ErrInvalidSpec, services.ErrValidation, "pipeline", "canonicalize", "spec not serializable", err)
	}
	return manifest.AssetKey{
		SpecHash: canonical.HashString(canonicalSpec),
		AssetID:  spec.AssetID(s),
		Species:  s.ResolvedSpecies(),
	}, canonicalSpec, nil
}

// prepare validates the spec and creates or loads its manifest.
func (o *Orchestrator) prepare(ctx context.Context, s spec.GenerationSpec, opts Options) (*run, error) {
	if err := o.validate(s); err != nil {
		o.loggerFor(ctx).Warn("spec rejected",
			logging.String(logging.FieldEventType, "spec_invalid"),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.Error(err))
		o.recordRejection(ctx, s, err)
		return nil, err
	}

	key, canonicalSpec, err := keyAndFingerprint(s)
	if err != nil {
		return nil, err
	}
	ctx = services.WithSpecies(services.WithAssetID(ctx, key.AssetID), key.Species)

	steps := planSteps(s)
	m, err := o.store.CreateOrLoad(ctx, key, manifest.Init{
		SpecFingerprint: canonicalSpec,
		Intent:          string(s.Intent),
		Prompts:         promptsFor(s),
	})
	if err != nil {
		return nil, err
	}
	if m.ResumeTokens[resumeTokenPipeline] != stepNames(steps) {
		if _, err := o.store.SetResumeToken(ctx, key, resumeTokenPipeline, stepNames(steps)); err != nil {
			return nil, err
		}
	}
	return &run{key: key, spec: s, steps: steps, opts: opts.normalized()}, nil
}

// recordRejection logs a rejected spec as FAILED in the manifest of the asset
// it names. Specs whose key cannot be derived leave no trace on disk.
func (o *Orchestrator) recordRejection(ctx context.Context, s spec.GenerationSpec, cause error) {
	key, canonicalSpec, err := keyAndFingerprint(s)
	if err != nil || key.Validate() != nil {
		return
	}
	m, err := o.store.CreateOrLoad(ctx, key, manifest.Init{
		SpecFingerprint: canonicalSpec,
		Intent:          string(s.Intent),
		Prompts:         promptsFor(s),
	})
	if err == nil {
		_, err = o.store.AppendHistory(ctx, key, manifest.StatusHistoryEntry{
			OldStatus: m.Status(),
			NewStatus: manifest.StatusFailed,
			Source:    manifest.SourceOrchestrator,
			Message:   cause.Error(),
		})
	}
	if err != nil {
		logging.WarnWithContext(o.loggerFor(ctx), "rejected spec not recorded", "manifest_write_failed",
			logging.String(logging.FieldAssetID, key.AssetID),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.Error(err))
	}
}

func (o *Orchestrator) validate(s spec.GenerationSpec) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if o.catalog == nil {
		return nil
	}
	for _, id := range s.AnimationIDs {
		if _, err := o.catalog.Lookup(id); err != nil {
			return stageError(ErrInvalidSpec, services.ErrValidation, "pipeline", "validate",
				fmt.Sprintf("unknown animation id %d", id), err)
		}
	}
	return nil
}

// drive advances the pipeline until it completes, fails, or (without Wait)
// has submitted or polled once.
func (o *Orchestrator) drive(ctx context.Context, r *run) (*manifest.AssetManifest, error) {
	logger := o.loggerFor(ctx)
	for {
		m, err := o.store.Load(ctx, r.key)
		if err != nil {
			return nil, err
		}
		m, err = o.collectPending(ctx, r, m)
		if err != nil {
			return nil, err
		}
		plan := manifest.ResumePoint(m, manifestSteps(r.steps))
		if plan.Done {
			logger.Info("asset complete",
				logging.String(logging.FieldEventType, "asset_complete"),
				logging.Int("artifacts", len(m.Artifacts)))
			return m, nil
		}
		st := r.steps[plan.Index]

		taskID := plan.PendingTaskID
		submitted := false
		if taskID == "" || plan.Failed() {
			taskID, m, err = o.submit(ctx, r, st)
			if err != nil {
				return nil, err
			}
			submitted = true
		}

		if !r.opts.Wait {
			if submitted {
				return m, nil
			}
			// One status poll, as a restart would do.
			done, m, err := o.pollOnce(ctx, r, st, taskID)
			if err != nil {
				return nil, err
			}
			if !done {
				return m, nil
			}
			continue
		}

		if err := o.wait(ctx, r, st, taskID); err != nil {
			return nil, err
		}
	}
}

// submit creates the remote task for st unless a live or SUCCEEDED task
// appeared in the meantime. The optional submission lease covers the check
// and the submit.
func (o *Orchestrator) submit(ctx context.Context, r *run, st step) (string, *manifest.AssetManifest, error) {
	ctx = services.WithStage(ctx, st.Name)
	ctx, span := tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(attribute.String("step", st.Name)))
	defer span.End()
	logger := o.loggerFor(ctx)

	lease, err := o.locker.Acquire(ctx, r.key.Species+"/"+r.key.AssetID+"/"+manifest.ShortHash(r.key.SpecHash)+"/"+st.Name)
	if err != nil {
		err = stageError(ErrSubmissionFailed, services.ErrTransient, st.Name, "lock", "submission lock unavailable", err)
		endSpan(span, err)
		return "", nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Debug("submission lock release failed", logging.Error(err))
		}
	}()

	m, err := o.store.Load(ctx, r.key)
	if err != nil {
		endSpan(span, err)
		return "", nil, err
	}
	previous := manifest.StatusNotStarted
	if entry, ok := m.LatestForStep(st.Name); ok {
		if entry.Status == manifest.StatusSucceeded || !entry.Status.Terminal() {
			logger.Info("step already submitted",
				logging.String(logging.FieldEventType, "submit_skipped"),
				logging.TaskID(entry.TaskID),
				logging.String("status", string(entry.Status)))
			return entry.TaskID, m, nil
		}
		previous = entry.Status
	}

	req, err := buildRequest(st, r.spec, m, r.opts.CallbackURL)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		err = stageError(ErrInvalidSpec, services.ErrValidation, st.Name, "build request", "request rejected locally", err)
		o.annotate(ctx, r.key, previous, manifest.StatusFailed, "", err.Error())
		endSpan(span, err)
		return "", nil, err
	}

	taskID, err := o.transport.CreateTask(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			endSpan(span, ctx.Err())
			return "", nil, ctx.Err()
		}
		err = stageError(ErrSubmissionFailed, services.ErrRemoteAPI, st.Name, "submit", "create task failed", err)
		o.annotate(ctx, r.key, previous, manifest.StatusFailed, "", err.Error())
		logging.ErrorWithContext(logger, "submission failed", "submit_failed",
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.Error(err))
		endSpan(span, err)
		return "", nil, err
	}

	// The remote task exists now; record it even if the caller gave up.
	m, err = o.store.RecordTaskSubmission(context.WithoutCancel(ctx), r.key, manifest.TaskGraphEntry{
		TaskID:  taskID,
		Service: st.Stage,
		Step:    st.Name,
		Status:  manifest.StatusPending,
		Payload: payloadOf(req),
	}, manifest.SourceOrchestrator)
	if err != nil {
		endSpan(span, err)
		return "", nil, err
	}
	logger.Info("step submitted",
		logging.String(logging.FieldEventType, "step_submitted"),
		logging.TaskID(taskID),
		logging.String("endpoint", string(req.Endpoint())))
	return taskID, m, nil
}

// wait polls until the task reaches a terminal status or the step timeout
// elapses, then applies the outcome.
func (o *Orchestrator) wait(ctx context.Context, r *run, st step, taskID string) error {
	ctx = services.WithStage(ctx, st.Name)
	ctx, span := tracer.Start(ctx, "pipeline.wait", trace.WithAttributes(
		attribute.String("step", st.Name),
		attribute.String("task_id", taskID),
	))
	defer span.End()
	logger := o.loggerFor(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	sampler := logging.NewProgressSampler(10)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	endpoint := endpointFor(st.Stage)
	var lastStatus meshy.TaskStatus
	for {
		result, err := o.transport.GetTask(waitCtx, endpoint, taskID)
		if err != nil {
			if waitCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				err = o.waitInterrupted(ctx, waitCtx, r, st, taskID, err)
				endSpan(span, err)
				return err
			}
			err = services.Wrap(services.ErrRemoteAPI, st.Name, "poll", "status poll failed", err)
			current := o.taskStatus(ctx, r.key, taskID)
			o.annotate(ctx, r.key, current, current, taskID, err.Error())
			endSpan(span, err)
			return err
		}
		if sampler.ShouldLog(result.Progress, string(result.Status)) {
			logger.Info("task progress",
				logging.String(logging.FieldEventType, "task_progress"),
				logging.TaskID(taskID),
				logging.String("status", string(result.Status)),
				logging.Int("progress", result.Progress))
		}

		if result.Status != lastStatus || result.Status.Terminal() {
			done, _, err := o.apply(ctx, r, st, taskID, result, manifest.SourceOrchestrator)
			if err != nil || done {
				endSpan(span, err)
				return err
			}
			lastStatus = result.Status
		}

		select {
		case <-waitCtx.Done():
			err = o.waitInterrupted(ctx, waitCtx, r, st, taskID, nil)
			endSpan(span, err)
			return err
		case <-ticker.C:
		}
	}
}

// waitInterrupted distinguishes caller cancellation, which leaves the
// manifest untouched, from a deadline, which is logged and returned as
// ErrPollTimeout. pollErr is the poll failure that ran into the deadline,
// if any.
func (o *Orchestrator) waitInterrupted(ctx, waitCtx context.Context, r *run, st step, taskID string, pollErr error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	cause := waitCtx.Err()
	if cause == nil {
		cause = pollErr
	}
	current := o.taskStatus(ctx, r.key, taskID)
	err := stageError(ErrPollTimeout, services.ErrTimeout, st.Name, "wait",
		fmt.Sprintf("task %s still %s after %s", taskID, current, r.opts.Timeout), cause)
	o.annotate(ctx, r.key, current, current, taskID, err.Error())
	logging.WarnWithContext(o.loggerFor(ctx), "wait timed out", "poll_timeout",
		logging.TaskID(taskID),
		logging.String(logging.FieldErrorHint, services.Hint(err)),
		logging.String(logging.FieldImpact, "asset left resumable"))
	return err
}

// pollOnce fetches a task status once and applies it.
func (o *Orchestrator) pollOnce(ctx context.Context, r *run, st step, taskID string) (bool, *manifest.AssetManifest, error) {
	ctx = services.WithStage(ctx, st.Name)
	result, err := o.transport.GetTask(ctx, endpointFor(st.Stage), taskID)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return false, nil, o.waitInterrupted(ctx, ctx, r, st, taskID, err)
		}
		return false, nil, services.Wrap(services.ErrRemoteAPI, st.Name, "poll", "status poll failed", err)
	}
	return o.apply(ctx, r, st, taskID, result, manifest.SourceOrchestrator)
}

// taskStatus reads the recorded status of taskID, assuming IN_PROGRESS when
// the manifest cannot be read.
func (o *Orchestrator) taskStatus(ctx context.Context, key manifest.AssetKey, taskID string) manifest.Status {
	m, err := o.store.Load(context.WithoutCancel(ctx), key)
	if err != nil {
		return manifest.StatusInProgress
	}
	if entry, ok := m.Task(taskID); ok {
		return entry.Status
	}
	return manifest.StatusInProgress
}

// apply records a status document. It reports done once the task is
// terminal and, for SUCCEEDED, its artifacts are on disk.
func (o *Orchestrator) apply(ctx context.Context, r *run, st step, taskID string, result meshy.TaskResult, source manifest.Source) (bool, *manifest.AssetManifest, error) {
	status := statusOf(result.Status)
	errMsg := ""
	if status == manifest.StatusFailed || status == manifest.StatusExpired {
		errMsg = result.ErrorMessage()
	}
	// An observed remote status is recorded even if the caller just gave up.
	m, err := o.store.UpdateTaskStatus(context.WithoutCancel(ctx), r.key, taskID, status, result.ArtifactURLs(), errMsg, source)
	if err != nil {
		return false, nil, err
	}

	switch status {
	case manifest.StatusSucceeded:
		m, err = o.collect(ctx, r, st, m, taskID)
		if err != nil {
			return true, nil, err
		}
		return true, m, nil
	case manifest.StatusFailed:
		err := stageError(ErrRemoteTaskFailed, services.ErrRemoteAPI, st.Name, "task", errMsg, nil)
		logging.ErrorWithContext(o.loggerFor(ctx), "remote task failed", "task_failed",
			logging.TaskID(taskID),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.Error(err))
		return true, m, err
	case manifest.StatusExpired:
		err := stageError(ErrRemoteTaskExpired, services.ErrRemoteAPI, st.Name, "task", errMsg, nil)
		logging.ErrorWithContext(o.loggerFor(ctx), "remote task expired", "task_expired",
			logging.TaskID(taskID),
			logging.Error(err))
		return true, m, err
	}
	return false, m, nil
}

// statusOf maps remote statuses onto manifest statuses. A canceled task
// cannot complete and is treated as failed.
func statusOf(s meshy.TaskStatus) manifest.Status {
	switch s {
	case meshy.StatusPending:
		return manifest.StatusPending
	case meshy.StatusInProgress:
		return manifest.StatusInProgress
	case meshy.StatusSucceeded:
		return manifest.StatusSucceeded
	case meshy.StatusExpired:
		return manifest.StatusExpired
	case meshy.StatusFailed, meshy.StatusCanceled:
		return manifest.StatusFailed
	default:
		return manifest.StatusInProgress
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
