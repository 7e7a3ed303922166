// Package engine implements the rendering orchestrator. It matches a request
// against the route tree, chooses a strategy by render mode, races the render
// against request cancellation and caches critical CSS post-processing.
//
// An Engine is constructed explicitly by whatever owns the process lifecycle
// and is injected where it is needed; there is no package-level instance.
package engine

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/cache"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/renderer"
	"github.com/conneroisu/pagerender/internal/routes"
)

const tracerName = "github.com/conneroisu/pagerender/internal/engine"

// DefaultBaseURL is used to build absolute URLs when a request carries no host.
const DefaultBaseURL = "http://localhost/"

// Hasher computes the cache key of a rendered document.
type Hasher func(data []byte) (string, error)

// Observer receives render timings and critical CSS cache outcomes.
type Observer interface {
	ObserveRender(mode string, d time.Duration)
	ObserveCriticalCSS(result string)
}

// Options configures an Engine.
type Options struct {
	Routes   *routes.Tree
	Assets   assets.Store
	Renderer renderer.Renderer

	// Document is the shell passed to dynamic renders.
	Document string
	// ClientDocument is served verbatim for client-rendered routes.
	// Defaults to Document.
	ClientDocument string
	// AppShellRoute is the fixed URL rendered for app-shell routes. Default "/".
	AppShellRoute string
	// BaseURL resolves route paths when no request host is available.
	BaseURL   string
	Providers []renderer.Provider

	// InlineCriticalCSS enables post-processing of rendered documents.
	InlineCriticalCSS bool
	// PostProcessor defaults to a CriticalInliner over Assets.
	PostProcessor renderer.PostProcessor
	// CacheSize bounds the critical CSS cache. Default cache.DefaultCapacity.
	CacheSize int
	// Hasher defaults to sha256. A hasher failing its startup self-check disables
	// caching but not post-processing.
	Hasher Hasher

	// RenderTimeout aborts a dynamic render after the duration. Zero disables it.
	RenderTimeout time.Duration

	Logger   logging.Logger
	Observer Observer
	Tracer   trace.Tracer
}

// Engine is the rendering orchestrator.
type Engine struct {
	routes atomic.Pointer[routes.Tree]

	assets         assets.Store
	renderer       renderer.Renderer
	document       string
	clientDocument string
	appShellRoute  string
	baseURL        *url.URL
	providers      []renderer.Provider
	renderTimeout  time.Duration

	post   renderer.PostProcessor
	cache  *cache.LRU
	hasher Hasher

	logger   logging.Logger
	observer Observer
	tracer   trace.Tracer

	closed atomic.Bool
}

// New validates opts and creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Routes == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "engine requires a route tree")
	}
	if opts.Renderer == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "engine requires a renderer")
	}

	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil || !baseURL.IsAbs() {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "base URL must be absolute: "+base)
	}

	e := &Engine{
		assets:         opts.Assets,
		renderer:       opts.Renderer,
		document:       opts.Document,
		clientDocument: opts.ClientDocument,
		appShellRoute:  routes.NormalizePath(opts.AppShellRoute),
		baseURL:        baseURL,
		providers:      opts.Providers,
		renderTimeout:  opts.RenderTimeout,
		hasher:         opts.Hasher,
		logger:         opts.Logger,
		observer:       opts.Observer,
		tracer:         opts.Tracer,
	}
	if e.assets == nil {
		e.assets = assets.NewMemoryStore(nil)
	}
	if e.clientDocument == "" {
		e.clientDocument = e.document
	}
	if e.logger == nil {
		e.logger = logging.Nop()
	}
	e.logger = e.logger.WithComponent("engine")
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.hasher == nil {
		e.hasher = func(data []byte) (string, error) { return assets.HashContent(data), nil }
	}
	e.routes.Store(opts.Routes)

	if opts.InlineCriticalCSS {
		e.post = opts.PostProcessor
		if e.post == nil {
			e.post = renderer.NewCriticalInliner(e.assets)
		}
		e.cache = e.newCriticalCache(opts.CacheSize)
	}

	return e, nil
}

// newCriticalCache returns the critical CSS cache, or nil when hashing is
// unavailable on this host.
func (e *Engine) newCriticalCache(size int) *cache.LRU {
	if _, err := e.hasher([]byte("pagerender")); err != nil {
		e.logger.Warn(context.Background(),
			errors.NewCapabilityError(errors.ErrCodeHashUnavailable, "content hashing unavailable", err),
			"Critical CSS caching disabled; documents will be post-processed on every request")
		return nil
	}
	if size <= 0 {
		size = cache.DefaultCapacity
	}
	return cache.NewLRU(size)
}

// Close releases the engine. Subsequent calls to Handle fail.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.cache != nil {
		e.cache.Clear()
	}
	return nil
}

// Routes returns the current route tree.
func (e *Engine) Routes() *routes.Tree {
	return e.routes.Load()
}

// SetRoutes atomically replaces the route tree. Requests already matched
// keep the tree they started with.
func (e *Engine) SetRoutes(tree *routes.Tree) {
	if tree == nil {
		return
	}
	e.routes.Store(tree)
}

// Cache returns the critical CSS cache, or nil when caching is disabled.
func (e *Engine) Cache() *cache.LRU {
	return e.cache
}

// AbsoluteURL resolves a route path against the base URL.
func (e *Engine) AbsoluteURL(route string) *url.URL {
	ref, err := url.Parse(route)
	if err != nil {
		ref = &url.URL{Path: route}
	}
	return e.baseURL.ResolveReference(ref)
}

type nopObserver struct{}

func (nopObserver) ObserveRender(string, time.Duration) {}
func (nopObserver) ObserveCriticalCSS(string)           {}
