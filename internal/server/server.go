// Package server exposes the rendering engine over HTTP. It serves static
// assets with ETag revalidation, health and metrics endpoints, a live
// reload socket in development, and hands every other request to the
// engine.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/engine"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/monitoring"
)

// StatusClientClosedRequest is recorded for requests abandoned by the client.
const StatusClientClosedRequest = 499

const (
	HealthPath     = "/healthz"
	MetricsPath    = "/metrics"
	LiveReloadPath = "/__livereload"
)

// Options configures a Server.
type Options struct {
	Host string
	Port int
	// Dev enables the live reload endpoint.
	Dev bool
	// AllowedOrigins are extra websocket origin patterns besides the host.
	AllowedOrigins []string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Engine  *engine.Engine
	Assets  assets.Store
	Metrics *monitoring.Metrics
	Health  *monitoring.HealthMonitor
	// RequestContext derives the opaque value handed to server renders.
	RequestContext func(*http.Request) interface{}
	Logger         logging.Logger
}

// Server is the HTTP surface.
type Server struct {
	opts    Options
	engine  *engine.Engine
	assets  assets.Store
	metrics *monitoring.Metrics
	health  *monitoring.HealthMonitor
	reload  *ReloadHub
	logger  logging.Logger

	httpServer   *http.Server
	serverMutex  sync.RWMutex
	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates opts and builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "server requires an engine")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, fmt.Sprintf("invalid port %d", opts.Port))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Assets == nil {
		opts.Assets = assets.NewMemoryStore(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}
	if opts.Health == nil {
		opts.Health = monitoring.NewHealthMonitor(opts.Logger, "")
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:    opts,
		engine:  opts.Engine,
		assets:  opts.Assets,
		metrics: opts.Metrics,
		health:  opts.Health,
		logger:  opts.Logger.WithComponent("server"),
	}
	if opts.Dev {
		s.reload = NewReloadHub(s.logger, opts.AllowedOrigins)
	}

	s.health.RegisterCheck(monitoring.NewHealthCheckFunc("routes", false, func(context.Context) monitoring.HealthCheck {
		n := s.engine.Routes().Len()
		if n == 0 {
			return monitoring.HealthCheck{Status: monitoring.HealthStatusDegraded, Message: "no routes loaded"}
		}
		return monitoring.HealthCheck{Status: monitoring.HealthStatusHealthy, Message: fmt.Sprintf("%d routes loaded", n)}
	}))
	s.health.RegisterCheck(monitoring.NewHealthCheckFunc("assets", false, func(context.Context) monitoring.HealthCheck {
		n := s.assets.Len()
		if n == 0 {
			return monitoring.HealthCheck{Status: monitoring.HealthStatusDegraded, Message: "no build output indexed"}
		}
		return monitoring.HealthCheck{Status: monitoring.HealthStatusHealthy, Message: fmt.Sprintf("%d assets indexed", n)}
	}))

	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Method(http.MethodGet, HealthPath, s.health.Handler())
	r.Method(http.MethodGet, MetricsPath, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	if s.reload != nil {
		r.Get(LiveReloadPath, s.reload.ServeHTTP)
	}
	r.NotFound(s.handlePage)
	r.MethodNotAllowed(s.handlePage)

	return r
}

// Reload returns the live reload hub, or nil outside development.
func (s *Server) Reload() *ReloadHub {
	return s.reload
}

// Start serves until Shutdown is called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown or ctx cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	if s.reload != nil {
		go s.reload.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Server listening", "addr", ln.Addr().String(), "dev", s.opts.Dev)

	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server. Only the first call has an effect.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		if s.reload != nil {
			s.reload.Close()
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()

		if server != nil {
			s.shutdownErr = server.Shutdown(ctx)
		}
	})
	return s.shutdownErr
}

// handlePage serves an asset when one exists at the exact path, and
// otherwise dispatches to the engine.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		name := assets.CleanPath(path.Clean("/" + r.URL.Path))
		if name != "" && !isDocument(name) && s.assets.Has(name) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			assets.Serve(rec, r, s.assets, name)
			s.metrics.ObserveRequest("asset", rec.status)
			return
		}
	}

	var requestContext interface{}
	if s.opts.RequestContext != nil {
		requestContext = s.opts.RequestContext(r)
	}

	ctx := r.Context()
	resp, err := s.engine.Handle(ctx, r, requestContext)
	if err != nil {
		switch {
		case errors.IsNotFound(err):
			s.metrics.ObserveRequest("none", http.StatusNotFound)
			http.NotFound(w, r)
		case errors.IsCancelled(err) && ctx.Err() != nil:
			s.logger.Debug(ctx, "Request abandoned by client", "path", r.URL.Path, "reason", errors.Reason(err))
			s.metrics.ObserveRequest("none", StatusClientClosedRequest)
		default:
			s.logger.Error(ctx, err, "Render failed", "path", r.URL.Path)
			s.metrics.ObserveRequest("none", http.StatusInternalServerError)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead && resp.Status != http.StatusNotModified {
		_, _ = io.WriteString(w, resp.Body)
	}
	s.metrics.ObserveRequest(resp.Mode.String(), resp.Status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// isDocument reports whether name is an HTML page that the engine owns.
func isDocument(name string) bool {
	return strings.HasSuffix(name, ".html")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
