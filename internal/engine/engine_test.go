package engine

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/renderer"
	"github.com/conneroisu/pagerender/internal/routes"
)

const testDocument = `<html><head><link rel="stylesheet" href="/app.css"></head><body></body></html>`

type recordingObserver struct {
	mu      sync.Mutex
	renders []string
	css     []string
}

func (o *recordingObserver) ObserveRender(mode string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.renders = append(o.renders, mode)
}

func (o *recordingObserver) ObserveCriticalCSS(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.css = append(o.css, result)
}

func testTree(t *testing.T) *routes.Tree {
	t.Helper()
	tree, err := routes.NewTree([]routes.Entry{
		{Path: "/", RenderMode: "prerender"},
		{Path: "/about", RenderMode: "prerender", Headers: routes.Headers{
			{Name: "Cache-Control", Value: "public, max-age=60"},
			{Name: "Content-Type", Value: "text/html"},
		}},
		{Path: "/fresh", RenderMode: "prerender"},
		{Path: "/account/**", RenderMode: "server", Headers: routes.Headers{{Name: "X-Route", Value: "account"}}},
		{Path: "/app/**", RenderMode: "client"},
		{Path: "/shell", RenderMode: "app-shell"},
		{Path: "/old", RedirectTo: "/new"},
		{Path: "/docs/legacy", RedirectTo: "../guide", Status: 301, RenderMode: "prerender"},
	})
	require.NoError(t, err)
	return tree
}

func echoRenderer() renderer.Renderer {
	return renderer.RendererFunc(func(_ context.Context, req *renderer.Request) (string, error) {
		return "<html><body>" + string(req.ServerContext) + " " + req.URL.String() + "</body></html>", nil
	})
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Routes == nil {
		opts.Routes = testTree(t)
	}
	if opts.Renderer == nil {
		opts.Renderer = echoRenderer()
	}
	if opts.Document == "" {
		opts.Document = testDocument
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestHandlePrerenderArtifactAndETag(t *testing.T) {
	store := assets.NewMemoryStore(map[string][]byte{
		"index.html":       []byte("<p>home</p>"),
		"about/index.html": []byte("<p>about</p>"),
	})
	e := newEngine(t, Options{Assets: store})
	hash := assets.HashContent([]byte("<p>about</p>"))

	t.Run("no conditional header", func(t *testing.T) {
		resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/about", nil), nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "<p>about</p>", resp.Body)
		assert.Equal(t, `"`+hash+`"`, resp.Header.Get("ETag"))
		assert.Equal(t, "12", resp.Header.Get("Content-Length"))
		assert.Equal(t, "public, max-age=60", resp.Header.Get("Cache-Control"))
		assert.Equal(t, "text/html", resp.Header.Get("Content-Type"), "route headers win")
		assert.Equal(t, routes.RenderModePrerender, resp.Mode)
	})

	t.Run("matching if-none-match", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/about/", nil)
		req.Header.Set("If-None-Match", `"`+hash+`"`)
		resp, err := e.Handle(context.Background(), req, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotModified, resp.Status)
		assert.Empty(t, resp.Body)
		assert.Equal(t, `"`+hash+`"`, resp.Header.Get("ETag"))
		assert.Empty(t, resp.Header.Get("Content-Length"))
	})

	t.Run("mismatched if-none-match", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/about", nil)
		req.Header.Set("If-None-Match", `"stale"`)
		resp, err := e.Handle(context.Background(), req, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "<p>about</p>", resp.Body)
	})

	t.Run("root", func(t *testing.T) {
		resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), nil)
		require.NoError(t, err)
		assert.Equal(t, "<p>home</p>", resp.Body)
	})
}

func TestHandlePrerenderFallsBackToDynamic(t *testing.T) {
	e := newEngine(t, Options{Assets: assets.NewMemoryStore(map[string][]byte{
		"about/index.html": []byte("<p>about</p>"),
	})})

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "http://example.com/fresh", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, resp.Body, "ssr http://example.com/fresh")
	assert.Equal(t, ContentTypeHTML, resp.Header.Get("Content-Type"))

	resp, err = e.Handle(context.Background(), httptest.NewRequest(http.MethodPost, "http://example.com/about", nil), nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Body, "ssr http://example.com/about", "non-GET requests are rendered")
}

func TestHandleServerRender(t *testing.T) {
	var got *renderer.Request
	r := renderer.RendererFunc(func(_ context.Context, req *renderer.Request) (string, error) {
		got = req
		assert.Equal(t, "account", req.Response.Header.Get("X-Route"))
		req.Response.Status = http.StatusAccepted
		req.Response.Header.Set("X-Rendered", "yes")
		return "<html>ok</html>", nil
	})
	e := newEngine(t, Options{Renderer: r})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/account/settings?tab=1", nil)
	resp, err := e.Handle(context.Background(), req, map[string]string{"user": "42"})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, renderer.ContextSSR, got.ServerContext)
	assert.Same(t, req, got.HTTPRequest)
	assert.Equal(t, map[string]string{"user": "42"}, got.RequestContext)
	assert.Equal(t, "/account/settings", got.URL.Path)
	assert.Equal(t, "tab=1", got.URL.RawQuery)
	assert.Equal(t, testDocument, got.Shell)

	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "yes", resp.Header.Get("X-Rendered"))
	assert.Equal(t, "account", resp.Header.Get("X-Route"))
	assert.Equal(t, "<html>ok</html>", resp.Body)
	assert.Equal(t, "15", resp.Header.Get("Content-Length"))
}

func TestHandleClientServesShellVerbatim(t *testing.T) {
	var calls int32
	r := renderer.RendererFunc(func(context.Context, *renderer.Request) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", nil
	})
	e := newEngine(t, Options{Renderer: r, ClientDocument: "<html>client</html>"})

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/app/inbox", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "<html>client</html>", resp.Body)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestHandleAppShellUsesFixedURL(t *testing.T) {
	e := newEngine(t, Options{AppShellRoute: "app-shell", BaseURL: "https://site.test/"})

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/shell?ignored=1", nil), nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Body, "app-shell https://site.test/app-shell")
}

func TestHandleRedirect(t *testing.T) {
	e := newEngine(t, Options{})

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "http://example.com/old?x=1", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "http://example.com/new", resp.Header.Get("Location"))
	assert.Empty(t, resp.Body)

	resp, err = e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "http://example.com/docs/legacy", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, resp.Status, "redirect wins over render mode")
	assert.Equal(t, "http://example.com/guide", resp.Header.Get("Location"))
}

func TestHandleNotFound(t *testing.T) {
	e := newEngine(t, Options{})

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/nowhere", nil), nil)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, errors.IsNotFound(err))
}

func blockingRenderer(started chan<- struct{}) renderer.Renderer {
	return renderer.RendererFunc(func(ctx context.Context, _ *renderer.Request) (string, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return "<html>late</html>", nil
	})
}

func TestHandleCancellationWinsRace(t *testing.T) {
	started := make(chan struct{})
	e := newEngine(t, Options{Renderer: blockingRenderer(started)})

	ctx, cancel := context.WithCancelCause(context.Background())
	reason := stderrors.New("client went away")
	go func() {
		<-started
		cancel(reason)
	}()

	resp, err := e.Handle(ctx, httptest.NewRequest(http.MethodGet, "/account", nil), nil)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.ErrorIs(t, err, reason)
	assert.Equal(t, reason, errors.Reason(err))
}

func TestHandleAlreadyCancelled(t *testing.T) {
	var calls int32
	r := renderer.RendererFunc(func(context.Context, *renderer.Request) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "x", nil
	})
	e := newEngine(t, Options{Renderer: r})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Handle(ctx, httptest.NewRequest(http.MethodGet, "/account", nil), nil)
	assert.True(t, errors.IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestHandleRenderTimeout(t *testing.T) {
	e := newEngine(t, Options{
		Renderer:      blockingRenderer(make(chan struct{})),
		RenderTimeout: 20 * time.Millisecond,
	})

	_, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/account", nil), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.ErrorIs(t, err, errors.ErrRenderTimeout)
}

func TestHandleRenderFailure(t *testing.T) {
	boom := stderrors.New("boom")
	e := newEngine(t, Options{Renderer: renderer.RendererFunc(func(context.Context, *renderer.Request) (string, error) {
		return "", boom
	})})

	_, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/account", nil), nil)
	require.Error(t, err)
	assert.False(t, errors.IsCancelled(err))
	assert.ErrorIs(t, err, boom)

	var e2 *errors.Error
	require.ErrorAs(t, err, &e2)
	assert.Equal(t, errors.ErrorTypeRender, e2.Type)
	assert.Equal(t, "/account/**", e2.Route)
}

func TestHandleRenderPanicIsRenderError(t *testing.T) {
	e := newEngine(t, Options{Renderer: renderer.RendererFunc(func(context.Context, *renderer.Request) (string, error) {
		panic("kaboom")
	})})

	_, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/account", nil), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestCriticalCSSCacheKeyedByContent(t *testing.T) {
	store := assets.NewMemoryStore(map[string][]byte{"app.css": []byte("body{margin:0}")})
	var processed int32
	post := renderer.NewCriticalInliner(store)
	counting := postFunc(func(ctx context.Context, doc string) (string, error) {
		atomic.AddInt32(&processed, 1)
		return post.Process(ctx, doc)
	})

	// Every URL renders the same bytes.
	r := renderer.RendererFunc(func(_ context.Context, req *renderer.Request) (string, error) {
		return req.Shell, nil
	})
	obs := &recordingObserver{}
	e := newEngine(t, Options{
		Assets:            store,
		Renderer:          r,
		InlineCriticalCSS: true,
		PostProcessor:     counting,
		Observer:          obs,
	})

	for _, path := range []string{"/account/a", "/account/b", "/account/a"} {
		resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, path, nil), nil)
		require.NoError(t, err)
		assert.Contains(t, resp.Body, "<style>body{margin:0}</style>")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&processed))
	assert.Equal(t, 1, e.Cache().Len())
	assert.Equal(t, []string{"miss", "hit", "hit"}, obs.css)
	assert.Equal(t, []string{"server", "server", "server"}, obs.renders)
}

func TestCriticalCSSWithoutHashingDegrades(t *testing.T) {
	store := assets.NewMemoryStore(map[string][]byte{"app.css": []byte("p{}")})
	obs := &recordingObserver{}
	e := newEngine(t, Options{
		Assets: store,
		Renderer: renderer.RendererFunc(func(_ context.Context, req *renderer.Request) (string, error) {
			return req.Shell, nil
		}),
		InlineCriticalCSS: true,
		Hasher:            func([]byte) (string, error) { return "", stderrors.New("no crypto") },
		Observer:          obs,
	})

	assert.Nil(t, e.Cache())

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/account", nil), nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Body, "<style>p{}</style>")
	assert.Equal(t, []string{"bypass"}, obs.css)
}

func TestRenderRouteInlinesWithoutCache(t *testing.T) {
	store := assets.NewMemoryStore(map[string][]byte{"app.css": []byte("h1{}")})
	var seen *renderer.Request
	e := newEngine(t, Options{
		Assets: store,
		Renderer: renderer.RendererFunc(func(_ context.Context, req *renderer.Request) (string, error) {
			seen = req
			return req.Shell, nil
		}),
		InlineCriticalCSS: true,
		BaseURL:           "http://127.0.0.1:4000/",
	})

	doc, err := e.RenderRoute(context.Background(), "/about", renderer.ContextSSG)
	require.NoError(t, err)
	assert.Contains(t, doc, "<style>h1{}</style>")
	assert.Equal(t, 0, e.Cache().Len())

	require.NotNil(t, seen)
	assert.Equal(t, "http://127.0.0.1:4000/about", seen.URL.String())
	assert.Nil(t, seen.HTTPRequest)
	assert.Nil(t, seen.Response)
	assert.Equal(t, renderer.ContextSSG, seen.ServerContext)
}

func TestSetRoutesSwapsTree(t *testing.T) {
	e := newEngine(t, Options{})

	_, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/new-page", nil), nil)
	require.ErrorIs(t, err, errors.ErrNotFound)

	tree, err := routes.NewTree([]routes.Entry{{Path: "/new-page", RenderMode: "server"}})
	require.NoError(t, err)
	e.SetRoutes(tree)
	e.SetRoutes(nil)

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/new-page", nil), nil)
	require.NoError(t, err)
	assert.True(t, strings.Contains(resp.Body, "/new-page"))
	assert.Same(t, tree, e.Routes())
}

func TestClose(t *testing.T) {
	e := newEngine(t, Options{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.ErrorIs(t, err, errors.ErrEngineClosed)

	_, err = e.RenderRoute(context.Background(), "/", renderer.ContextSSG)
	assert.ErrorIs(t, err, errors.ErrEngineClosed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Renderer: echoRenderer()})
	assert.True(t, errors.IsConfig(err))

	_, err = New(Options{Routes: testTree(t)})
	assert.True(t, errors.IsConfig(err))

	_, err = New(Options{Routes: testTree(t), Renderer: echoRenderer(), BaseURL: "/relative"})
	assert.True(t, errors.IsConfig(err))
}

func TestArtifactPath(t *testing.T) {
	tests := map[string]string{
		"/":                 "index.html",
		"":                  "index.html",
		"/index.html":       "index.html",
		"/about":            "about/index.html",
		"/about/":           "about/index.html",
		"/about/index.html": "about/index.html",
		"/a/b/c":            "a/b/c/index.html",
		"/fooindex.html":    "fooindex.html/index.html",
	}
	for in, want := range tests {
		assert.Equal(t, want, ArtifactPath(in), in)
	}
}

type postFunc func(ctx context.Context, doc string) (string, error)

func (f postFunc) Process(ctx context.Context, doc string) (string, error) { return f(ctx, doc) }

func TestHandleExplicitIndexPath(t *testing.T) {
	store := assets.NewMemoryStore(map[string][]byte{
		"index.html":       []byte("<p>home</p>"),
		"about/index.html": []byte("<p>about</p>"),
	})
	e := newEngine(t, Options{Assets: store})

	tests := []struct {
		path string
		body string
	}{
		{"/index.html", "<p>home</p>"},
		{"/about/index.html", "<p>about</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, tt.path, nil), nil)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.Equal(t, tt.body, resp.Body)
		})
	}
}

func TestHandleArtifactRewrittenAfterIndexing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "about", "index.html")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("<p>old</p>"), 0o644))

	store, err := assets.NewDirStore(dir)
	require.NoError(t, err)
	e := newEngine(t, Options{Assets: store})

	updated := "<html><body>rewritten page</body></html>"
	require.NoError(t, os.WriteFile(target, []byte(updated), 0o644))

	resp, err := e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/about", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, updated, resp.Body)
	assert.Equal(t, strconv.Itoa(len(resp.Body)), resp.Header.Get("Content-Length"))
	assert.Equal(t, assets.ETag(assets.HashContent([]byte(updated))), resp.Header.Get("ETag"))

	require.NoError(t, os.Remove(target))
	resp, err = e.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/about", nil), nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Body, "ssr", "a removed artifact falls back to rendering")
}
