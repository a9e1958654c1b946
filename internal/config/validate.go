package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
//
// The Meshy API key is not required here; commands that only read manifests
// work without it and the transport reports its absence at construction.
func (c *Config) Validate() error {
	if err := c.validateMeshy(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLock(); err != nil {
		return err
	}
	if err := c.validateMirror(); err != nil {
		return err
	}
	if err := c.validateEmbeddings(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateMeshy() error {
	parsed, err := url.Parse(c.Meshy.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("meshy.base_url must be an absolute URL, got %q", c.Meshy.BaseURL)
	}
	if c.Meshy.BackoffCeilingMS < c.Meshy.BackoffFloorMS {
		return errors.New("meshy.backoff_ceiling_ms must be >= meshy.backoff_floor_ms")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.poll_interval_seconds": c.Pipeline.PollIntervalSeconds,
		"pipeline.timeout_seconds":       c.Pipeline.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Pipeline.TimeoutSeconds < c.Pipeline.PollIntervalSeconds {
		return errors.New("pipeline.timeout_seconds must be >= pipeline.poll_interval_seconds")
	}
	if c.Pipeline.CallbackURL != "" {
		parsed, err := url.Parse(c.Pipeline.CallbackURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("pipeline.callback_url must be an absolute URL, got %q", c.Pipeline.CallbackURL)
		}
	}
	return nil
}

func (c *Config) validateLock() error {
	switch c.Lock.Backend {
	case "none", "file":
		return nil
	case "redis":
		if strings.TrimSpace(c.Lock.RedisAddr) == "" {
			return errors.New("lock.redis_addr must be set when lock.backend is redis")
		}
		return nil
	default:
		return fmt.Errorf("lock.backend: unsupported value %q (want none, file, or redis)", c.Lock.Backend)
	}
}

func (c *Config) validateMirror() error {
	switch c.Mirror.Backend {
	case "none":
		return nil
	case "s3", "gcs":
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket must be set when mirror.backend is %s", c.Mirror.Backend)
		}
		return nil
	default:
		return fmt.Errorf("mirror.backend: unsupported value %q (want none, s3, or gcs)", c.Mirror.Backend)
	}
}

func (c *Config) validateEmbeddings() error {
	if c.Embeddings.Enabled && c.Embeddings.GeminiAPIKey == "" {
		return errors.New("embeddings.gemini_api_key must be set when embeddings.enabled is true (or set GEMINI_API_KEY)")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
