package prerender

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// StaticServer serves in-memory build output on a loopback port so renders
// can fetch scripts and styles over HTTP.
type StaticServer struct {
	logger logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewStaticServer creates an unstarted server.
func NewStaticServer(logger logging.Logger) *StaticServer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &StaticServer{logger: logger.WithComponent("asset_server")}
}

// Start listens on 127.0.0.1 with a random port and returns host:port.
func (s *StaticServer) Start(files map[string][]byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return "", errors.NewLifecycleError(errors.ErrCodeAssetServerStart, "asset server already started", nil)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}

	store := assets.NewMemoryStore(files)
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/*", assets.Handler(store))
	r.Method(http.MethodHead, "/*", assets.Handler(store))

	s.listener = ln
	s.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error(context.Background(), err, "Asset server stopped unexpectedly")
		}
	}(s.server, s.done)

	s.logger.Debug(context.Background(), "Asset server listening", "addr", ln.Addr().String(), "files", len(files))

	return ln.Addr().String(), nil
}

// Close shuts the server down. Closing an unstarted or closed server is a no-op.
func (s *StaticServer) Close() error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	return err
}
