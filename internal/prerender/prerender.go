// Package prerender renders routes ahead of time. Routes are seeded from the
// app-shell route, a routes file and optional link discovery, then rendered
// in parallel on a bounded worker pool. Per-route failures are aggregated
// rather than aborting the batch.
package prerender

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/conneroisu/pagerender/internal/engine"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/renderer"
	"github.com/conneroisu/pagerender/internal/routes"
	"github.com/conneroisu/pagerender/internal/worker"
)

// DefaultMaxThreads is used when Options.MaxThreads is unset.
const DefaultMaxThreads = 4

// Route outcomes reported to the Observer.
const (
	OutcomeRendered = "rendered"
	OutcomeEmpty    = "empty"
	OutcomeFailed   = "failed"
)

// AssetServer serves build output to renders that fetch assets over HTTP.
type AssetServer interface {
	Start(files map[string][]byte) (addr string, err error)
	Close() error
}

// Observer receives one outcome per rendered route.
type Observer interface {
	ObservePrerenderRoute(outcome string)
}

// Options configures a prerender run.
type Options struct {
	WorkspaceRoot string
	// OutputFiles is the in-memory build output, keyed by slash path.
	OutputFiles map[string][]byte
	// Document is the shell template. Defaults to OutputFiles["index.html"].
	Document string
	// Manifest is raw route manifest YAML. Optional.
	Manifest []byte

	AppShellRoute string
	RoutesFile    string
	// Discover renders BootstrapRoute against a local asset server and
	// prerenders every same-origin link it finds.
	Discover       bool
	BootstrapRoute string
	MaxThreads     int

	InlineCriticalCSS bool
	RenderCommand     []string
	// Pages are HTML fragments keyed by route pattern, rendered into the
	// shell's Outlet element. Ignored when RenderCommand is set.
	Pages        map[string]string
	NotFoundPage string
	Outlet       string
	Providers    []renderer.Provider

	// Factory builds worker units. Defaults to NewHandler.
	Factory worker.Factory
	// Server defaults to a StaticServer.
	Server   AssetServer
	Observer Observer
	Logger   logging.Logger
}

// Result is the aggregate of a run.
type Result struct {
	// Output maps output file paths such as "about/index.html" to documents.
	Output            map[string]string
	Warnings          []string
	Errors            []string
	PrerenderedRoutes []string
}

type nopObserver struct{}

func (nopObserver) ObservePrerenderRoute(string) {}

func (o *Options) applyDefaults() {
	if o.MaxThreads < 1 {
		o.MaxThreads = DefaultMaxThreads
	}
	if o.BootstrapRoute == "" {
		o.BootstrapRoute = "/"
	}
	if o.Document == "" && o.OutputFiles != nil {
		o.Document = string(o.OutputFiles["index.html"])
	}
	if o.Factory == nil {
		o.Factory = NewHandler
	}
	if o.Server == nil {
		o.Server = NewStaticServer(o.Logger)
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// OutputPath returns the output file for route: "index.html" for the app
// shell and "<route>/index.html" otherwise.
func OutputPath(route, appShellRoute string) string {
	route = routes.NormalizePath(route)
	if appShellRoute != "" && route == routes.NormalizePath(appShellRoute) {
		return "index.html"
	}
	return strings.TrimPrefix(path.Join("/", route, "index.html"), "/")
}

// Run executes the pipeline. Configuration errors are returned before any
// rendering starts; per-route failures land in Result.Errors. The local
// asset server, when started, is closed exactly once before Run returns.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts.applyDefaults()
	logger := opts.Logger.WithComponent("prerender")
	collector := errors.NewCollector()
	timer := logging.StartOperation(logger, "prerender")

	if len(opts.Manifest) > 0 {
		entries, err := routes.ParseManifest(opts.Manifest)
		if err != nil {
			return nil, err
		}
		if _, err := routes.NewTree(entries); err != nil {
			return nil, err
		}
	}

	set := routes.NewSet()
	if opts.AppShellRoute != "" {
		set.Add(opts.AppShellRoute)
	}
	if opts.RoutesFile != "" {
		listed, err := routes.ReadRoutesFile(opts.RoutesFile)
		if err != nil {
			return nil, err
		}
		for _, r := range listed {
			set.Add(r)
		}
	}

	payload := &worker.InitPayload{
		WorkspaceRoot:     opts.WorkspaceRoot,
		OutputFiles:       opts.OutputFiles,
		Document:          opts.Document,
		BaseURL:           engine.DefaultBaseURL,
		Manifest:          opts.Manifest,
		AppShellRoute:     opts.AppShellRoute,
		InlineCriticalCSS: opts.InlineCriticalCSS,
		RenderCommand:     opts.RenderCommand,
		Pages:             opts.Pages,
		NotFoundPage:      opts.NotFoundPage,
		Outlet:            opts.Outlet,
		Providers:         opts.Providers,
	}

	if opts.Discover {
		addr, err := opts.Server.Start(opts.OutputFiles)
		if err != nil {
			return nil, errors.NewLifecycleError(errors.ErrCodeAssetServerStart, "failed to start local asset server", err)
		}
		var closeOnce sync.Once
		defer closeOnce.Do(func() {
			if err := opts.Server.Close(); err != nil {
				logger.Warn(ctx, err, "Failed to close local asset server", "addr", addr)
			}
		})
		payload.BaseURL = "http://" + addr + "/"

		discovered, err := discover(ctx, opts, payload, collector, logger)
		if err != nil {
			return nil, err
		}
		for _, r := range discovered {
			set.Add(r)
		}
	}

	if set.Len() == 0 {
		timer.End(ctx, "routes", 0)
		return &Result{
			Output:            map[string]string{},
			Warnings:          collector.Warnings(),
			Errors:            collector.Errors(),
			PrerenderedRoutes: []string{},
		}, nil
	}

	result, err := render(ctx, opts, payload, set.Values(), collector, logger)
	if err != nil {
		timer.EndWithError(ctx, err)
		return nil, err
	}
	timer.End(ctx, "routes", len(result.PrerenderedRoutes), "errors", len(result.Errors))
	return result, nil
}

// discover runs a single discovery task on a one-unit pool.
func discover(ctx context.Context, opts Options, payload *worker.InitPayload, collector *errors.Collector, logger logging.Logger) ([]string, error) {
	pool, err := worker.New(ctx, worker.Config{Size: 1, Payload: payload, Factory: opts.Factory, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	defer destroy(ctx, pool, logger)

	res, err := pool.Run(worker.Task{
		Kind:          worker.KindDiscover,
		Route:         routes.NormalizePath(opts.BootstrapRoute),
		ServerContext: renderer.ContextSSG,
	}).Wait(ctx)
	if cause := context.Cause(ctx); cause != nil {
		return nil, errors.NewCancelledError(cause)
	}
	if err != nil {
		if errors.IsCancelled(err) {
			return nil, err
		}
		collector.AddErrors(fmt.Sprintf("discovery: %v", err))
		return nil, nil
	}

	collector.AddWarnings(res.Warnings...)
	collector.AddErrors(res.Errors...)
	logger.Debug(ctx, "Discovered routes", "count", len(res.Routes))
	return res.Routes, nil
}

// render submits one task per route and aggregates results as they arrive.
func render(ctx context.Context, opts Options, payload *worker.InitPayload, routeList []string, collector *errors.Collector, logger logging.Logger) (*Result, error) {
	size := opts.MaxThreads
	if len(routeList) < size {
		size = len(routeList)
	}

	pool, err := worker.New(ctx, worker.Config{Size: size, Payload: payload, Factory: opts.Factory, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	defer destroy(ctx, pool, logger)

	appShell := ""
	if opts.AppShellRoute != "" {
		appShell = routes.NormalizePath(opts.AppShellRoute)
	}

	futures := make([]*worker.Future, 0, len(routeList))
	for _, route := range routeList {
		sc := renderer.ContextSSG
		if route == appShell {
			sc = renderer.ContextAppShell
		}
		futures = append(futures, pool.Run(worker.Task{Kind: worker.KindRender, Route: route, ServerContext: sc}))
	}

	result := &Result{Output: make(map[string]string, len(routeList))}
	rendered := routes.NewSet()
	for _, f := range futures {
		res, err := f.Wait(ctx)
		if cause := context.Cause(ctx); cause != nil {
			return nil, errors.NewCancelledError(cause).WithRoute(f.Route())
		}
		if err != nil {
			if errors.IsCancelled(err) {
				return nil, err
			}
			collector.AddErrors(fmt.Sprintf("%s: %v", f.Route(), err))
			opts.Observer.ObservePrerenderRoute(OutcomeFailed)
			continue
		}

		collector.AddWarnings(res.Warnings...)
		collector.AddErrors(res.Errors...)

		switch {
		case res.Content != nil && *res.Content != "":
			result.Output[OutputPath(f.Route(), appShell)] = *res.Content
			rendered.Add(f.Route())
			opts.Observer.ObservePrerenderRoute(OutcomeRendered)
		case len(res.Errors) > 0:
			opts.Observer.ObservePrerenderRoute(OutcomeFailed)
		default:
			opts.Observer.ObservePrerenderRoute(OutcomeEmpty)
		}
	}

	result.Warnings = collector.Warnings()
	result.Errors = collector.Errors()
	result.PrerenderedRoutes = rendered.Values()
	return result, nil
}

func destroy(ctx context.Context, pool *worker.Pool, logger logging.Logger) {
	if err := pool.Destroy(); err != nil {
		logger.Warn(ctx, err, "Worker pool cleanup failed")
	}
}
