// Package renderer defines the contract between the dispatch core and the
// page-rendering function, together with the built-in renderers and the
// critical CSS post-processor.
//
// A render takes an HTML shell, the URL being rendered, provider overrides
// and a server context tag, and returns the final document. What happens in
// between is opaque to the engine.
package renderer

import (
	"context"
	"net/http"
	"net/url"
)

// ServerContext tags the situation a render runs in.
type ServerContext string

const (
	// ContextSSG marks an ahead-of-time render during prerendering.
	ContextSSG ServerContext = "ssg"
	// ContextSSR marks a per-request server render.
	ContextSSR ServerContext = "ssr"
	// ContextAppShell marks a render of the context-free app shell.
	ContextAppShell ServerContext = "app-shell"
)

// Provider overrides a value the rendered application would otherwise
// resolve itself, such as the base href or the request object.
type Provider struct {
	Token string      `json:"token" msgpack:"token"`
	Value interface{} `json:"value" msgpack:"value"`
}

// ResponseInit is the status and headers the engine will apply to a dynamic
// response. Renderers may read and modify it.
type ResponseInit struct {
	Status int
	Header http.Header
}

// NewResponseInit creates a ResponseInit with status defaulting to 200.
func NewResponseInit(status int) *ResponseInit {
	if status == 0 {
		status = http.StatusOK
	}
	return &ResponseInit{Status: status, Header: make(http.Header)}
}

// Request is everything a single render receives.
type Request struct {
	// Shell is the HTML document template the page is rendered into.
	Shell string
	// URL is the absolute URL being rendered.
	URL *url.URL
	// Providers are render-time overrides.
	Providers []Provider
	// ServerContext tags the render.
	ServerContext ServerContext
	// HTTPRequest is the inbound request for server renders, nil otherwise.
	HTTPRequest *http.Request
	// RequestContext is an opaque value passed through from the caller.
	RequestContext interface{}
	// Response is consulted by server renders; nil for prerendering.
	Response *ResponseInit
}

// Renderer turns a Request into a final HTML document.
type Renderer interface {
	Render(ctx context.Context, req *Request) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req *Request) (string, error)

// Render implements Renderer.
func (f RendererFunc) Render(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// PostProcessor rewrites a rendered document.
type PostProcessor interface {
	Process(ctx context.Context, doc string) (string, error)
}

// Static returns a Renderer that always produces the shell unchanged.
func Static() Renderer {
	return RendererFunc(func(_ context.Context, req *Request) (string, error) {
		return req.Shell, nil
	})
}
