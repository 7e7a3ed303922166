package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/monitoring"
	"github.com/conneroisu/pagerender/internal/renderer"
	"github.com/conneroisu/pagerender/internal/routes"
)

// ContentTypeHTML is the Content-Type of every rendered document.
const ContentTypeHTML = "text/html;charset=UTF-8"

// Response is a fully materialised HTTP response. A 304 carries no body.
type Response struct {
	Status int
	Header http.Header
	Body   string
	// Mode is the render mode of the matched route.
	Mode routes.RenderMode
}

// Handle dispatches r. It returns errors.ErrNotFound when no route matches;
// the caller decides the outer status. Cancelling ctx abandons an in-flight
// render with a cancellation error.
func (e *Engine) Handle(ctx context.Context, r *http.Request, requestContext interface{}) (*Response, error) {
	if e.closed.Load() {
		return nil, errors.ErrEngineClosed
	}

	ctx, span := e.tracer.Start(ctx, "pagerender.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("pagerender.path", r.URL.Path),
		),
	)
	defer span.End()

	meta, ok := e.routes.Load().Match(routePath(r.URL.Path))
	if !ok {
		span.SetAttributes(attribute.Bool("pagerender.matched", false))
		return nil, errors.ErrNotFound
	}
	span.SetAttributes(
		attribute.String("pagerender.route", meta.Pattern),
		attribute.String("pagerender.mode", meta.RenderMode.String()),
	)

	resp, err := e.dispatch(ctx, r, meta, requestContext)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp.Mode = meta.RenderMode
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

func (e *Engine) dispatch(ctx context.Context, r *http.Request, meta *routes.Metadata, requestContext interface{}) (*Response, error) {
	if meta.IsRedirect() {
		return e.redirect(r, meta)
	}

	switch meta.RenderMode {
	case routes.RenderModePrerender:
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			resp, found, err := e.serveArtifact(r, meta)
			if err != nil || found {
				return resp, err
			}
		}
		// Not prerendered, e.g. a route first seen at request time.
		return e.renderServer(ctx, r, meta, requestContext)
	case routes.RenderModeServer:
		return e.renderServer(ctx, r, meta, requestContext)
	case routes.RenderModeClient:
		header := make(http.Header)
		meta.Headers.Apply(header)
		return htmlResponse(statusOr(meta.StatusCode), header, e.clientDocument), nil
	case routes.RenderModeAppShell:
		return e.renderAppShell(ctx, meta)
	default:
		return nil, errors.NewInternalError(errors.ErrCodeUnknownMode,
			fmt.Sprintf("route has unknown render mode %d", meta.RenderMode), nil).WithRoute(meta.Pattern)
	}
}

// redirect resolves the target against the request URL.
func (e *Engine) redirect(r *http.Request, meta *routes.Metadata) (*Response, error) {
	target, err := url.Parse(meta.RedirectTo)
	if err != nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "invalid redirect target", err).WithRoute(meta.Pattern)
	}

	header := make(http.Header)
	meta.Headers.Apply(header)
	header.Set("Location", e.requestURL(r).ResolveReference(target).String())

	return &Response{Status: meta.RedirectStatus(), Header: header}, nil
}

// routePath drops an explicit trailing "index.html" segment, so
// "/about/index.html" names the same route as "/about".
func routePath(urlPath string) string {
	if path.Base(urlPath) == "index.html" {
		return path.Dir(urlPath)
	}
	return urlPath
}

// ArtifactPath maps a URL path to the prerendered asset serving it.
func ArtifactPath(urlPath string) string {
	return strings.TrimPrefix(path.Join("/", routePath(urlPath), "index.html"), "/")
}

func (e *Engine) serveArtifact(r *http.Request, meta *routes.Metadata) (*Response, bool, error) {
	name := ArtifactPath(r.URL.Path)
	if !e.assets.Has(name) {
		return nil, false, nil
	}

	asset, err := e.assets.Get(name)
	if errors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	etag := assets.ETag(asset.ContentHash)

	if assets.MatchesETag(r.Header.Get("If-None-Match"), asset.ContentHash) {
		header := make(http.Header)
		header.Set("ETag", etag)
		return &Response{Status: http.StatusNotModified, Header: header}, true, nil
	}

	body, err := asset.Text()
	if err != nil {
		return nil, true, errors.NewInternalError(errors.ErrCodeInternalError, "failed to read prerendered artifact", err).WithRoute(meta.Pattern)
	}

	header := make(http.Header)
	header.Set("Content-Length", strconv.Itoa(asset.Size))
	header.Set("ETag", etag)
	header.Set("Content-Type", ContentTypeHTML)
	meta.Headers.Apply(header)

	return &Response{Status: statusOr(meta.StatusCode), Header: header, Body: body}, true, nil
}

func (e *Engine) renderServer(ctx context.Context, r *http.Request, meta *routes.Metadata, requestContext interface{}) (*Response, error) {
	init := renderer.NewResponseInit(meta.StatusCode)
	meta.Headers.Apply(init.Header)

	req := &renderer.Request{
		Shell:          e.document,
		URL:            e.requestURL(r),
		Providers:      e.providers,
		ServerContext:  renderer.ContextSSR,
		HTTPRequest:    r,
		RequestContext: requestContext,
		Response:       init,
	}

	doc, err := e.render(ctx, meta, req)
	if err != nil {
		return nil, err
	}

	return htmlResponse(init.Status, init.Header, e.postProcessCached(ctx, doc)), nil
}

// renderAppShell renders the configured app-shell URL regardless of the
// request URL.
func (e *Engine) renderAppShell(ctx context.Context, meta *routes.Metadata) (*Response, error) {
	init := renderer.NewResponseInit(meta.StatusCode)
	meta.Headers.Apply(init.Header)

	req := &renderer.Request{
		Shell:         e.document,
		URL:           e.AbsoluteURL(e.appShellRoute),
		Providers:     e.providers,
		ServerContext: renderer.ContextAppShell,
		Response:      init,
	}

	doc, err := e.render(ctx, meta, req)
	if err != nil {
		return nil, err
	}

	return htmlResponse(init.Status, init.Header, e.postProcessCached(ctx, doc)), nil
}

func (e *Engine) render(ctx context.Context, meta *routes.Metadata, req *renderer.Request) (string, error) {
	if e.renderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.renderTimeout, errors.ErrRenderTimeout)
		defer cancel()
	}

	start := time.Now()
	doc, err := race(ctx, meta.Pattern, func(ctx context.Context) (string, error) {
		return e.renderer.Render(ctx, req)
	})
	e.observer.ObserveRender(meta.RenderMode.String(), time.Since(start))

	return doc, err
}

// postProcessCached applies critical CSS inlining through the LRU, keyed by
// the hash of the rendered document. Failures degrade to the unprocessed
// document.
func (e *Engine) postProcessCached(ctx context.Context, doc string) string {
	if e.post == nil {
		return doc
	}

	if e.cache == nil {
		e.observer.ObserveCriticalCSS(monitoring.CacheBypass)
		return e.postProcess(ctx, doc)
	}

	key, err := e.hasher([]byte(doc))
	if err != nil {
		e.logger.Warn(ctx, err, "Hashing rendered document failed, skipping cache")
		e.observer.ObserveCriticalCSS(monitoring.CacheBypass)
		return e.postProcess(ctx, doc)
	}

	out, hit, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (string, error) {
		return e.post.Process(ctx, doc)
	})
	if err != nil {
		e.logger.Warn(ctx, err, "Critical CSS inlining failed")
		return doc
	}

	if hit {
		e.observer.ObserveCriticalCSS(monitoring.CacheHit)
	} else {
		e.observer.ObserveCriticalCSS(monitoring.CacheMiss)
	}
	return out
}

func (e *Engine) postProcess(ctx context.Context, doc string) string {
	out, err := e.post.Process(ctx, doc)
	if err != nil {
		e.logger.Warn(ctx, err, "Critical CSS inlining failed")
		return doc
	}
	return out
}

// RenderRoute renders route ahead of time. Post-processing is applied on
// every call without caching since each route is rendered once per run.
func (e *Engine) RenderRoute(ctx context.Context, route string, serverContext renderer.ServerContext) (string, error) {
	if e.closed.Load() {
		return "", errors.ErrEngineClosed
	}

	req := &renderer.Request{
		Shell:         e.document,
		URL:           e.AbsoluteURL(route),
		Providers:     e.providers,
		ServerContext: serverContext,
	}

	start := time.Now()
	doc, err := race(ctx, route, func(ctx context.Context) (string, error) {
		return e.renderer.Render(ctx, req)
	})
	e.observer.ObserveRender(string(serverContext), time.Since(start))
	if err != nil {
		return "", err
	}

	if e.post == nil {
		return doc, nil
	}
	return e.postProcess(ctx, doc), nil
}

// requestURL rebuilds the absolute URL of r.
func (e *Engine) requestURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}

	u := *r.URL
	u.Scheme = e.baseURL.Scheme
	u.Host = e.baseURL.Host
	if r.Host != "" {
		u.Host = r.Host
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}

func htmlResponse(status int, header http.Header, body string) *Response {
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", ContentTypeHTML)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{Status: status, Header: h, Body: body}
}

func statusOr(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}
