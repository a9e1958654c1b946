package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"meshforge/internal/animations"
	"meshforge/internal/config"
	"meshforge/internal/logging"
	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/mirror"
	"meshforge/internal/services"
	"meshforge/internal/submitlock"
)

var tracer = otel.Tracer("meshforge/internal/pipeline")

const (
	defaultPollInterval = 5 * time.Second
	defaultTimeout      = 10 * time.Minute
)

// Transport is the subset of meshy.Client the orchestrator drives.
type Transport interface {
	CreateTask(ctx context.Context, req meshy.Request) (string, error)
	GetTask(ctx context.Context, endpoint meshy.Endpoint, taskID string) (meshy.TaskResult, error)
	DownloadFile(ctx context.Context, rawURL, dest string) (int64, error)
}

// Recorder receives prompts of finished models. embeddings.Index satisfies it.
type Recorder interface {
	RecordGeneration(ctx context.Context, fingerprint, prompt, assetID, species string) error
}

// Catalog resolves animation ids. animations.Catalog satisfies it.
type Catalog interface {
	Lookup(id int) (animations.Animation, error)
}

// Options controls one Generate, Resume or BatchGenerate call.
type Options struct {
	// Wait polls each step to a terminal status. Without it the call returns
	// right after the next submission.
	Wait         bool
	PollInterval time.Duration
	// Timeout bounds the wait for a single step.
	Timeout time.Duration
	// Workers bounds BatchGenerate concurrency; values below 1 mean sequential.
	Workers     int
	CallbackURL string
}

// OptionsFrom maps pipeline configuration onto call options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Wait:         true,
		PollInterval: cfg.PollInterval(),
		Timeout:      cfg.WaitTimeout(),
		Workers:      cfg.Pipeline.Workers,
		CallbackURL:  strings.TrimSpace(cfg.Pipeline.CallbackURL),
	}
}

func (o Options) normalized() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	return o
}

// Orchestrator drives assets through their steps. One Orchestrator owns one
// transport and one store; it is safe for concurrent use.
type Orchestrator struct {
	transport  Transport
	store      *manifest.Store
	outputRoot string
	logger     *slog.Logger
	locker     submitlock.Locker
	mirror     mirror.Mirror
	recorder   Recorder
	catalog    Catalog
	// callbackURL is forwarded on submissions triggered by webhooks.
	callbackURL string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLocker holds a submission lease around each check-then-submit.
func WithLocker(locker submitlock.Locker) Option {
	return func(o *Orchestrator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

// WithMirror uploads every downloaded artifact.
func WithMirror(m mirror.Mirror) Option {
	return func(o *Orchestrator) {
		o.mirror = m
	}
}

// WithRecorder records finished prompts in a similarity index.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithCatalog validates requested animation ids before submission.
func WithCatalog(c Catalog) Option {
	return func(o *Orchestrator) {
		o.catalog = c
	}
}

// WithCallbackURL sets the callback forwarded when a webhook advances a
// pipeline.
func WithCallbackURL(url string) Option {
	return func(o *Orchestrator) {
		o.callbackURL = strings.TrimSpace(url)
	}
}

// New constructs an orchestrator writing artifacts below outputRoot.
func New(transport Transport, store *manifest.Store, outputRoot string, opts ...Option) (*Orchestrator, error) {
	if transport == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "transport required", nil)
	}
	if store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "manifest store required", nil)
	}
	if strings.TrimSpace(outputRoot) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "output root required", nil)
	}
	o := &Orchestrator{
		transport:  transport,
		store:      store,
		outputRoot: outputRoot,
		logger:     logging.NewNop(),
		locker:     submitlock.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.NewComponentLogger(o.logger, "pipeline")
	return o, nil
}

// Store exposes the manifest store the orchestrator writes to.
func (o *Orchestrator) Store() *manifest.Store { return o.store }

func (o *Orchestrator) loggerFor(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, o.logger)
}

// annotate appends a history entry without changing any task status. It
// runs detached from cancellation so the record matches the returned error.
func (o *Orchestrator) annotate(ctx context.Context, key manifest.AssetKey, old, next manifest.Status, taskID, message string) {
	_, err := o.store.AppendHistory(context.WithoutCancel(ctx), key, manifest.StatusHistoryEntry{
		OldStatus: old,
		NewStatus: next,
		Source:    manifest.SourceOrchestrator,
		TaskID:    taskID,
		Message:   message,
	})
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		logging.WarnWithContext(o.loggerFor(ctx), "history append failed", "manifest_write_failed",
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.Error(err))
	}
}
