package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	OutputRoot  string `toml:"output_root"`
	ManifestDir string `toml:"manifest_dir"`
	LogDir      string `toml:"log_dir"`
}

// Meshy contains remote API connection and transport settings.
type Meshy struct {
	APIKey               string `toml:"api_key"`
	BaseURL              string `toml:"base_url"`
	MinRequestIntervalMS int    `toml:"min_request_interval_ms"`
	MaxAttempts          int    `toml:"max_attempts"`
	BackoffFloorMS       int    `toml:"backoff_floor_ms"`
	BackoffCeilingMS     int    `toml:"backoff_ceiling_ms"`
	TimeoutSeconds       int    `toml:"timeout_seconds"`
}

// Pipeline contains orchestration timing and concurrency settings.
type Pipeline struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	TimeoutSeconds      int `toml:"timeout_seconds"`
	Workers             int `toml:"workers"`
	// CallbackURL is forwarded to the remote API so completions can arrive
	// through the webhook receiver instead of polling.
	CallbackURL           string `toml:"callback_url"`
	MinFreeSpaceMegabytes int    `toml:"min_free_space_mb"`
}

// Lock contains the optional cross-process submission guard settings.
type Lock struct {
	Backend       string `toml:"backend"` // none, file, redis
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	LeaseSeconds  int    `toml:"lease_seconds"`
}

// Webhook contains the completion callback receiver settings.
type Webhook struct {
	Bind   string `toml:"bind"`
	Secret string `toml:"secret"`
}

// Mirror contains optional remote artifact mirroring settings.
type Mirror struct {
	Backend  string `toml:"backend"` // none, s3, gcs
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
	Prefix   string `toml:"prefix"`
}

// Embeddings contains the optional prompt similarity index settings.
type Embeddings struct {
	Enabled      bool   `toml:"enabled"`
	GeminiAPIKey string `toml:"gemini_api_key"`
	Model        string `toml:"model"`
	DBPath       string `toml:"db_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for meshforge.
//
// Configuration sections by subsystem:
//   - Paths: asset output root, manifest directory, log directory
//   - Meshy: API credentials, base URL, rate limit and retry policy
//   - Pipeline: polling cadence, wait timeout, batch worker count
//   - Lock: optional submission guard shared between processes
//   - Webhook: completion callback receiver
//   - Mirror: optional S3/GCS upload of downloaded artifacts
//   - Embeddings: optional prompt similarity index
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Meshy      Meshy      `toml:"meshy"`
	Pipeline   Pipeline   `toml:"pipeline"`
	Lock       Lock       `toml:"lock"`
	Webhook    Webhook    `toml:"webhook"`
	Mirror     Mirror     `toml:"mirror"`
	Embeddings Embeddings `toml:"embeddings"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/meshforge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("meshforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the output, manifest, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputRoot, c.Paths.ManifestDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// MinRequestInterval returns the minimum spacing between outbound API requests.
func (c *Config) MinRequestInterval() time.Duration {
	return time.Duration(c.Meshy.MinRequestIntervalMS) * time.Millisecond
}

// BackoffBounds returns the retry backoff floor and ceiling.
func (c *Config) BackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(c.Meshy.BackoffFloorMS) * time.Millisecond,
		time.Duration(c.Meshy.BackoffCeilingMS) * time.Millisecond
}

// HTTPTimeout returns the per-request HTTP timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Meshy.TimeoutSeconds) * time.Second
}

// PollInterval returns the delay between status polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalSeconds) * time.Second
}

// WaitTimeout returns the maximum time spent waiting for one stage.
func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// LockLease returns the submission lock lease duration.
func (c *Config) LockLease() time.Duration {
	return time.Duration(c.Lock.LeaseSeconds) * time.Second
}

// EmbeddingDBPath returns the vector store database path.
func (c *Config) EmbeddingDBPath() string {
	if strings.TrimSpace(c.Embeddings.DBPath) != "" {
		return c.Embeddings.DBPath
	}
	return filepath.Join(c.Paths.ManifestDir, defaultEmbeddingDBName)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML with secrets redacted.
func (c *Config) Encode() (string, error) {
	redacted := *c
	redacted.Meshy.APIKey = redact(redacted.Meshy.APIKey)
	redacted.Embeddings.GeminiAPIKey = redact(redacted.Embeddings.GeminiAPIKey)
	redacted.Webhook.Secret = redact(redacted.Webhook.Secret)
	redacted.Lock.RedisPassword = redact(redacted.Lock.RedisPassword)
	data, err := toml.Marshal(redacted)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(data), nil
}

func redact(value string) string {
	if value == "" {
		return ""
	}
	return "********"
}
