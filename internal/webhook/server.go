package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meshforge/internal/logging"
	"meshforge/internal/manifest"
	"meshforge/internal/meshy"
	"meshforge/internal/services"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Webhook-Secret"

const maxBodyBytes = 1 << 20

// Handler applies one completion callback. pipeline.Orchestrator satisfies it.
type Handler interface {
	HandleWebhook(ctx context.Context, stage string, result meshy.TaskResult) (*manifest.AssetManifest, error)
}

// Response is the JSON body returned for an accepted callback.
type Response struct {
	AssetID string `json:"asset_id,omitempty"`
	Species string `json:"species,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewRouter builds the callback router. An empty secret accepts every caller.
func NewRouter(handler Handler, secret string, logger *slog.Logger) http.Handler {
	logger = logging.NewComponentLogger(logger, "webhook")
	h := &callbackHandler{handler: handler, secret: strings.TrimSpace(secret), logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Route("/webhooks/meshy", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/{stage}", h.receive)
		r.Post("/", h.receive)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("health response write failed", logging.Error(err))
		}
	})
	return r
}

type callbackHandler struct {
	handler Handler
	secret  string
	logger  *slog.Logger
}

func (h *callbackHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.Header.Get(SecretHeader)
		if presented == "" {
			presented = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.secret)) != 1 {
			logging.WarnWithContext(h.logger, "webhook rejected", "webhook_unauthorized",
				logging.String("remote_addr", r.RemoteAddr),
				logging.String(logging.FieldErrorHint, "check webhook.secret matches the callback URL"))
			writeJSON(w, http.StatusUnauthorized, Response{Error: "invalid webhook secret"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *callbackHandler) receive(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	ctx := r.Context()
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		ctx = services.WithRequestID(ctx, reqID)
	}

	var result meshy.TaskResult
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&result); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "malformed callback body"})
		return
	}

	m, err := h.handler.HandleWebhook(ctx, stage, result)
	if err != nil {
		status := statusFor(err)
		attrs := []logging.Attr{
			logging.TaskID(result.ID),
			logging.String(logging.FieldStage, stage),
			logging.Int("http_status", status),
			logging.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logging.ErrorWithContext(logging.WithContext(ctx, h.logger), "webhook handling failed", "webhook_failed", attrs...)
		} else {
			logging.WarnWithContext(logging.WithContext(ctx, h.logger), "webhook not applied", "webhook_rejected", attrs...)
		}
		writeJSON(w, status, Response{Error: err.Error()})
		return
	}

	resp := Response{}
	if m != nil {
		resp.AssetID = m.AssetID
		resp.Species = m.Species
		resp.Status = string(m.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, manifest.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", ww.Status()),
				logging.Int("bytes", ww.BytesWritten()),
				logging.Duration("elapsed", time.Since(start)),
				logging.String(logging.FieldCorrelationID, middleware.GetReqID(r.Context())))
		})
	}
}

// Server owns the HTTP listener for the callback router.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer binds handler to addr (host:port).
func NewServer(addr string, handler Handler, secret string, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(handler, secret, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      5 * time.Minute,
		},
		logger: logging.NewComponentLogger(logger, "webhook"),
	}
}

// Serve accepts callbacks on ln until ctx ends, then drains in-flight
// requests for up to ten seconds.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()
	s.logger.Info("webhook server listening",
		logging.String(logging.FieldEventType, "webhook_listen"),
		logging.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return services.Wrap(services.ErrConfiguration, "webhook", "serve", "listener stopped", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return services.Wrap(services.ErrTransient, "webhook", "shutdown", "drain in-flight callbacks", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "webhook", "listen", "bind "+s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}
