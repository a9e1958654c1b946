package meshy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"meshforge/internal/config"
	"meshforge/internal/logging"
	"meshforge/internal/services"
)

const (
	defaultBaseURL        = "https://api.meshy.ai"
	defaultHTTPTimeout    = 300 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffFloor   = 2 * time.Second
	defaultBackoffCeiling = 10 * time.Second

	// APIv1 and APIv2 are the two concurrently supported path prefixes.
	APIv1 = "v1"
	APIv2 = "v2"
)

var tracer = otel.Tracer("meshforge/internal/meshy")

// Config captures the runtime settings required to talk to Meshy.
type Config struct {
	APIKey         string
	BaseURL        string
	MinInterval    time.Duration
	MaxAttempts    int
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	Timeout        time.Duration
}

// ConfigFrom maps application configuration onto transport settings.
func ConfigFrom(cfg *config.Config) Config {
	floor, ceiling := cfg.BackoffBounds()
	return Config{
		APIKey:         cfg.Meshy.APIKey,
		BaseURL:        cfg.Meshy.BaseURL,
		MinInterval:    cfg.MinRequestInterval(),
		MaxAttempts:    cfg.Meshy.MaxAttempts,
		BackoffFloor:   floor,
		BackoffCeiling: ceiling,
		Timeout:        cfg.HTTPTimeout(),
	}
}

// Client is the single HTTP transport for the Meshy API. It is safe for
// concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	sleeper    func(time.Duration)
	logger     *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "meshy")
	}
}

// NewClient constructs a Meshy client. An empty API key is a configuration
// error.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "meshy", "client", "api key required (set meshy.api_key or MESHY_API_KEY)", nil)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffFloor < 0 {
		cfg.BackoffFloor = 0
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = defaultBackoffCeiling
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = cfg.BackoffFloor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Send issues one logical API call, retrying transient failures. When out is
// non-nil the 2xx response body is decoded into it.
func (c *Client) Send(ctx context.Context, method, path, version string, body, out any) error {
	ctx, span := tracer.Start(ctx, "meshy.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("meshy.path", path),
		attribute.String("meshy.version", version),
	)

	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("meshy: encode body: %w", err)
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		err := c.sendOnce(ctx, method, path, version, encoded, out)
		if err == nil {
			span.SetAttributes(attribute.Int("meshy.attempts", attempt))
			return nil
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt)
		if !retry {
			break
		}
		c.logger.Debug("retrying meshy request",
			logging.String("path", path),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	switch {
	case retryable(lastErr) && attempts >= c.cfg.MaxAttempts:
		lastErr = &RetriesExhaustedError{Attempts: attempts, Last: lastErr}
	case ctx.Err() != nil:
		lastErr = ctx.Err()
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return lastErr
}

func (c *Client) sendOnce(ctx context.Context, method, path, version string, body []byte, out any) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}

	endpoint, err := c.endpointURL(path, version)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("meshy: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &RateLimitedError{RetryAfter: retryAfter, Message: errorMessage(payload)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &ServerError{StatusCode: resp.StatusCode, Message: errorMessage(payload)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &RequestFailedError{StatusCode: resp.StatusCode, Message: errorMessage(payload)}
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("meshy: decode response (%s): %w", summarizeBody(payload), err)
	}
	return nil
}

// throttle waits for the next request slot. A slot that would open after the
// context deadline fails with context.DeadlineExceeded right away so callers
// can tell it apart from an API failure.
func (c *Client) throttle(ctx context.Context) error {
	res := c.limiter.Reserve()
	if !res.OK() {
		return fmt.Errorf("meshy: rate limiter rejected the request")
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		res.Cancel()
		return context.DeadlineExceeded
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) endpointURL(path, version string) (string, error) {
	version = strings.TrimSpace(version)
	if version != APIv1 && version != APIv2 {
		return "", fmt.Errorf("meshy: unsupported api version %q", version)
	}
	joined, err := url.JoinPath(c.cfg.BaseURL, "openapi", version, strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("meshy: build url: %w", err)
	}
	return joined, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &NetworkTimeoutError{Err: err}
	}
	return fmt.Errorf("meshy: http error: %w", err)
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Message) != "" {
		return strings.TrimSpace(parsed.Message)
	}
	return summarizeBody(body)
}

// DownloadFile streams url into dest and returns the number of bytes written.
// Parent directories are created; the file appears at dest only once complete.
func (c *Client) DownloadFile(ctx context.Context, rawURL, dest string) (int64, error) {
	ctx, span := tracer.Start(ctx, "meshy.download")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("meshy: download request: %w", err)
	}
	if c.sameHost(req.URL) {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("meshy: download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &RequestFailedError{StatusCode: resp.StatusCode, Message: summarizeBody(body)}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("meshy: create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("meshy: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	written, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("meshy: write %s: %w", dest, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("meshy: finalize %s: %w", dest, err)
	}
	span.SetAttributes(attribute.Int64("meshy.bytes", written))
	return written, nil
}

// Ping issues a cheap authenticated request used by preflight checks.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	return c.Send(ctx, http.MethodGet, string(EndpointTextTo3D), APIv2, nil, &out)
}

func (c *Client) sameHost(target *url.URL) bool {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil || target == nil {
		return false
	}
	return strings.EqualFold(base.Host, target.Host)
}
