package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"meshforge/internal/animations"
	"meshforge/internal/config"
	"meshforge/internal/embeddings"
	"meshforge/internal/logging"
	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/mirror"
	"meshforge/internal/pipeline"
	"meshforge/internal/submitlock"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// loggerFor returns the process logger. Construction failures fall back to a
// no-op logger so read-only commands still work.
func (c *commandContext) loggerFor(cfg *config.Config) *slog.Logger {
	c.loggerOnce.Do(func() {
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			logger = logging.NewNop()
		}
		c.logger = logger
	})
	return c.logger
}

// openStore opens the manifest store without touching the remote API.
func (c *commandContext) openStore() (*manifest.Store, *config.Config, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := manifest.Open(cfg.Paths.ManifestDir, manifest.WithLogger(c.loggerFor(cfg)))
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

// runtime bundles everything a pipeline command needs.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *manifest.Store
	orch    *pipeline.Orchestrator
	closers []io.Closer
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *commandContext) openRuntime(ctx context.Context) (*runtime, error) {
	store, cfg, err := c.openStore()
	if err != nil {
		return nil, err
	}
	logger := c.loggerFor(cfg)
	rt := &runtime{cfg: cfg, logger: logger, store: store, closers: []io.Closer{store}}

	client, err := meshy.NewClient(meshy.ConfigFrom(cfg), meshy.WithLogger(logger))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	locker, err := submitlock.New(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if closer, ok := locker.(io.Closer); ok {
		rt.closers = append(rt.closers, closer)
	}
	catalog, err := animations.Default()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	m, err := mirror.New(ctx, cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithLocker(locker),
		pipeline.WithCatalog(catalog),
		pipeline.WithCallbackURL(cfg.Pipeline.CallbackURL),
	}
	if m != nil {
		opts = append(opts, pipeline.WithMirror(m))
	}
	index, err := embeddings.Open(ctx, cfg, logger)
	if err != nil {
		logging.WarnWithContext(logger, "prompt index unavailable", "embeddings_unavailable",
			logging.String(logging.FieldImpact, "prompts will not be recorded for similarity search"),
			logging.Error(err))
	} else if index != nil {
		rt.closers = append(rt.closers, index)
		opts = append(opts, pipeline.WithRecorder(index))
	}

	orch, err := pipeline.New(client, store, cfg.Paths.OutputRoot, opts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.orch = orch
	return rt, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
