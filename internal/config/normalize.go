package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeMeshy()
	c.normalizePipeline()
	c.normalizeLock()
	c.normalizeWebhook()
	c.normalizeMirror()
	if err := c.normalizeEmbeddings(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.OutputRoot) == "" {
		c.Paths.OutputRoot = defaultOutputRoot
	}
	if c.Paths.OutputRoot, err = expandPath(c.Paths.OutputRoot); err != nil {
		return fmt.Errorf("paths.output_root: %w", err)
	}
	if strings.TrimSpace(c.Paths.ManifestDir) == "" {
		c.Paths.ManifestDir = defaultManifestDir
	}
	if c.Paths.ManifestDir, err = expandPath(c.Paths.ManifestDir); err != nil {
		return fmt.Errorf("paths.manifest_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeMeshy() {
	c.Meshy.APIKey = strings.TrimSpace(c.Meshy.APIKey)
	if c.Meshy.APIKey == "" {
		if value, ok := os.LookupEnv("MESHY_API_KEY"); ok {
			c.Meshy.APIKey = strings.TrimSpace(value)
		}
	}
	c.Meshy.BaseURL = strings.TrimRight(strings.TrimSpace(c.Meshy.BaseURL), "/")
	if c.Meshy.BaseURL == "" {
		c.Meshy.BaseURL = defaultMeshyBaseURL
	}
	if c.Meshy.MinRequestIntervalMS < 0 {
		c.Meshy.MinRequestIntervalMS = 0
	}
	if c.Meshy.MaxAttempts <= 0 {
		c.Meshy.MaxAttempts = defaultMaxAttempts
	}
	if c.Meshy.BackoffFloorMS <= 0 {
		c.Meshy.BackoffFloorMS = defaultBackoffFloorMS
	}
	if c.Meshy.BackoffCeilingMS <= 0 {
		c.Meshy.BackoffCeilingMS = defaultBackoffCeilingMS
	}
	if c.Meshy.TimeoutSeconds <= 0 {
		c.Meshy.TimeoutSeconds = defaultHTTPTimeoutSeconds
	}
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = defaultWorkers
	}
	c.Pipeline.CallbackURL = strings.TrimSpace(c.Pipeline.CallbackURL)
	if c.Pipeline.MinFreeSpaceMegabytes < 0 {
		c.Pipeline.MinFreeSpaceMegabytes = 0
	}
}

func (c *Config) normalizeLock() {
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	if c.Lock.Backend == "" {
		c.Lock.Backend = defaultLockBackend
	}
	c.Lock.RedisAddr = strings.TrimSpace(c.Lock.RedisAddr)
	if c.Lock.RedisAddr == "" {
		c.Lock.RedisAddr = defaultRedisAddr
	}
	if c.Lock.LeaseSeconds <= 0 {
		c.Lock.LeaseSeconds = defaultLockLeaseSeconds
	}
}

func (c *Config) normalizeWebhook() {
	c.Webhook.Bind = strings.TrimSpace(c.Webhook.Bind)
	if c.Webhook.Bind == "" {
		c.Webhook.Bind = defaultWebhookBind
	}
	c.Webhook.Secret = strings.TrimSpace(c.Webhook.Secret)
	if c.Webhook.Secret == "" {
		if value, ok := os.LookupEnv("MESHFORGE_WEBHOOK_SECRET"); ok {
			c.Webhook.Secret = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeMirror() {
	c.Mirror.Backend = strings.ToLower(strings.TrimSpace(c.Mirror.Backend))
	if c.Mirror.Backend == "" {
		c.Mirror.Backend = defaultMirrorBackend
	}
	c.Mirror.Bucket = strings.TrimSpace(c.Mirror.Bucket)
	c.Mirror.Region = strings.TrimSpace(c.Mirror.Region)
	c.Mirror.Endpoint = strings.TrimSpace(c.Mirror.Endpoint)
	c.Mirror.Prefix = strings.TrimSpace(c.Mirror.Prefix)
}

func (c *Config) normalizeEmbeddings() error {
	c.Embeddings.GeminiAPIKey = strings.TrimSpace(c.Embeddings.GeminiAPIKey)
	if c.Embeddings.GeminiAPIKey == "" {
		if value, ok := os.LookupEnv("GEMINI_API_KEY"); ok {
			c.Embeddings.GeminiAPIKey = strings.TrimSpace(value)
		}
	}
	c.Embeddings.Model = strings.TrimSpace(c.Embeddings.Model)
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = defaultEmbeddingModel
	}
	if strings.TrimSpace(c.Embeddings.DBPath) != "" {
		var err error
		if c.Embeddings.DBPath, err = expandPath(c.Embeddings.DBPath); err != nil {
			return fmt.Errorf("embeddings.db_path: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
