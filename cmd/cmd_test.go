package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/config"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/monitoring"
	"github.com/conneroisu/pagerender/internal/prerender"
	"github.com/conneroisu/pagerender/internal/renderer"
	"github.com/conneroisu/pagerender/internal/routes"
	"github.com/conneroisu/pagerender/internal/version"
)

const testDocument = `<html><head><title>app</title></head><body><a href="/about">About</a></body></html>`

const testManifest = `routes:
  - path: /
    renderMode: prerender
  - path: /about
    renderMode: prerender
  - path: /account/**
    renderMode: server
    headers:
      Cache-Control: no-store
  - path: /old
    redirectTo: /new
    status: 301
  - path: /spa/**
    renderMode: client
`

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// testConfig returns a configuration over a fresh build directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	dist := filepath.Join(root, "dist")
	writeFile(t, filepath.Join(dist, "index.html"), testDocument)
	writeFile(t, filepath.Join(dist, "app.css"), "body{color:red}")

	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", ShutdownTimeout: time.Second},
		Routes: config.RoutesConfig{Manifest: writeFile(t, filepath.Join(root, "routes.yml"), testManifest)},
		Assets: config.AssetsConfig{Source: config.AssetSourceDir, Dir: dist},
		Render: config.RenderConfig{Document: "index.csr.html", SourceDocument: "index.html"},
		Prerender: config.PrerenderConfig{
			OutputDir:  filepath.Join(root, "out"),
			MaxThreads: 2,
		},
		Cache: config.CacheConfig{Size: 8},
		Log:   config.LogConfig{Level: "info", Format: "text"},
	}
}

func testTree(t *testing.T) *routes.Tree {
	t.Helper()
	entries, err := routes.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	tree, err := routes.NewTree(entries)
	require.NoError(t, err)
	return tree
}

func TestListRoutes_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, listRoutes(&buf, testTree(t), "table"))

	out := buf.String()
	assert.Contains(t, out, "PATTERN")
	assert.Contains(t, out, "/account/**")
	assert.Contains(t, out, "redirect 301")
	assert.Contains(t, out, "/new")
}

func TestListRoutes_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, listRoutes(&buf, testTree(t), "json"))

	var views []routeView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 5)
	assert.Equal(t, "prerender", views[0].RenderMode)
	assert.Equal(t, map[string]string{"Cache-Control": "no-store"}, views[2].Headers)
	assert.Equal(t, "/new", views[3].RedirectTo)
	assert.Equal(t, 301, views[3].Status)
}

func TestListRoutes_YAMLIsAValidManifest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, listRoutes(&buf, testTree(t), "yaml"))

	entries, err := routes.ParseManifest(buf.Bytes())
	require.NoError(t, err)
	tree, err := routes.NewTree(entries)
	require.NoError(t, err)

	meta, ok := tree.Match("/account/settings")
	require.True(t, ok)
	assert.Equal(t, routes.RenderModeServer, meta.RenderMode)
	assert.Equal(t, routes.Headers{{Name: "Cache-Control", Value: "no-store"}}, meta.Headers)

	meta, ok = tree.Match("/old")
	require.True(t, ok)
	assert.True(t, meta.IsRedirect())
	assert.Equal(t, 301, meta.RedirectStatus())
}

func TestCheckRoutes(t *testing.T) {
	cfg := testConfig(t)

	var buf bytes.Buffer
	require.NoError(t, checkRoutes(&buf, cfg))
	assert.Contains(t, buf.String(), "5 routes")

	cfg.Prerender.RoutesFile = writeFile(t, filepath.Join(t.TempDir(), "routes.txt"), "/\n/about\n")
	buf.Reset()
	require.NoError(t, checkRoutes(&buf, cfg))

	cfg.Prerender.RoutesFile = writeFile(t, filepath.Join(t.TempDir(), "routes.txt"), "/about\n/missing/page\n")
	buf.Reset()
	err := checkRoutes(&buf, cfg)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "no manifest route matches /missing/page")
}

func TestCheckRoutes_InvalidManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes.Manifest = writeFile(t, filepath.Join(t.TempDir(), "routes.yml"), "routes:\n  - path: /\n    renderMode: sometimes\n")

	err := checkRoutes(io.Discard, cfg)
	require.Error(t, err)
}

func TestPrerenderSite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Prerender.RoutesFile = writeFile(t, filepath.Join(t.TempDir(), "routes.txt"), "/about\n/pricing\n")

	metrics := monitoring.NewMetrics()
	var out bytes.Buffer
	require.NoError(t, prerenderSite(context.Background(), cfg, metrics, logging.Nop(), &out))

	assert.Contains(t, out.String(), "Prerendered 2 routes")

	for _, name := range []string{"about/index.html", "pricing/index.html"} {
		data, err := os.ReadFile(filepath.Join(cfg.Prerender.OutputDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, testDocument, string(data))
	}

	var index struct {
		Routes []string `json:"routes"`
	}
	data, err := os.ReadFile(filepath.Join(cfg.Prerender.OutputDir, prerender.RoutesIndexFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &index))
	assert.ElementsMatch(t, []string{"/about", "/pricing"}, index.Routes)

	shell, err := os.ReadFile(filepath.Join(cfg.Prerender.OutputDir, "index.csr.html"))
	require.NoError(t, err)
	assert.Equal(t, testDocument, string(shell))
}

func TestPrerenderSite_InPlaceKeepsClientShell(t *testing.T) {
	cfg := testConfig(t)
	cfg.Prerender.OutputDir = cfg.Assets.Dir
	cfg.Prerender.RoutesFile = writeFile(t, filepath.Join(t.TempDir(), "routes.txt"), "/\n/about\n")
	cfg.Render.Command = []string{"printf", "<html><body>RENDERED-PAGE</body></html>"}

	// A second run reads the shell written by the first.
	for i := 0; i < 2; i++ {
		require.NoError(t, prerenderSite(context.Background(), cfg, monitoring.NewMetrics(), logging.Nop(), io.Discard))
	}

	page, err := os.ReadFile(filepath.Join(cfg.Assets.Dir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(page), "RENDERED-PAGE")
	shell, err := os.ReadFile(filepath.Join(cfg.Assets.Dir, "index.csr.html"))
	require.NoError(t, err)
	assert.Equal(t, testDocument, string(shell))

	srv, cleanup, err := buildServer(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer cleanup()

	tests := []struct {
		path string
		body string
	}{
		{"/spa/x", testDocument},
		{"/", "<html><body>RENDERED-PAGE</body></html>"},
		{"/about", "<html><body>RENDERED-PAGE</body></html>"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}

func TestPrerenderSite_RejectsShellInOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Prerender.OutputDir = cfg.Assets.Dir
	cfg.Render.Document = "index.html"
	cfg.Prerender.RoutesFile = writeFile(t, filepath.Join(t.TempDir(), "routes.txt"), "/\n")

	err := prerenderSite(context.Background(), cfg, monitoring.NewMetrics(), logging.Nop(), io.Discard)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))

	data, err := os.ReadFile(filepath.Join(cfg.Assets.Dir, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, testDocument, string(data))
}

func TestPrerenderSite_FragmentPages(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(cfg.Assets.Dir, "index.html"), `<html><body><div id="app"></div></body></html>`)
	cfg.Render.Pages = []config.PageConfig{{Path: "/about", File: writeFile(t, filepath.Join(dir, "about.html"), "<h1>About us</h1>")}}
	cfg.Prerender.RoutesFile = writeFile(t, filepath.Join(dir, "routes.txt"), "/about\n")

	require.NoError(t, prerenderSite(context.Background(), cfg, monitoring.NewMetrics(), logging.Nop(), io.Discard))

	data, err := os.ReadFile(filepath.Join(cfg.Prerender.OutputDir, "about", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `<div id="app"><h1>About us</h1></div>`)
}

func TestPrerenderSite_RequiresDirectorySource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Assets.Source = config.AssetSourceS3

	err := prerenderSite(context.Background(), cfg, monitoring.NewMetrics(), logging.Nop(), io.Discard)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestPrerenderSite_MissingDocument(t *testing.T) {
	cfg := testConfig(t)
	cfg.Render.Document = "shell.html"
	cfg.Render.SourceDocument = "bundle.html"

	err := prerenderSite(context.Background(), cfg, monitoring.NewMetrics(), logging.Nop(), io.Discard)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestBuildServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes.Watch = true

	srv, cleanup, err := buildServer(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer cleanup()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/", http.StatusOK, "<title>app</title>"},
		{"/app.css", http.StatusOK, "body{color:red}"},
		{"/account/me", http.StatusOK, "<title>app</title>"},
		{"/old", http.StatusMovedPermanently, ""},
		{"/spa/deep/link", http.StatusOK, "<title>app</title>"},
		{"/healthz", http.StatusOK, "5 routes loaded"},
		{"/healthz", http.StatusOK, "2 assets indexed"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := client.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, string(body), tt.body)
		})
	}
}

func TestBuildServer_MissingManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routes.Manifest = filepath.Join(t.TempDir(), "nope.yml")

	_, _, err := buildServer(context.Background(), cfg, logging.Nop())
	require.Error(t, err)
}

func TestNewRenderer(t *testing.T) {
	r, err := newRenderer(&config.RenderConfig{Command: []string{"node", "server.js"}}, "/app")
	require.NoError(t, err)
	cr, ok := r.(*renderer.CommandRenderer)
	require.True(t, ok)
	assert.Equal(t, "node", cr.Command)
	assert.Equal(t, []string{"server.js"}, cr.Args)
	assert.Equal(t, "/app", cr.Dir)

	r, err = newRenderer(&config.RenderConfig{}, "")
	require.NoError(t, err)
	doc, err := r.Render(context.Background(), &renderer.Request{Shell: "<p>x</p>"})
	require.NoError(t, err)
	assert.Equal(t, "<p>x</p>", doc)
}

func TestNewRenderer_Pages(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.RenderConfig{
		Pages:        []config.PageConfig{{Path: "/", File: writeFile(t, filepath.Join(dir, "home.html"), "<h1>home</h1>")}},
		NotFoundPage: writeFile(t, filepath.Join(dir, "404.html"), "<p>missing</p>"),
		Outlet:       "root",
	}
	r, err := newRenderer(cfg, "")
	require.NoError(t, err)
	_, ok := r.(*renderer.TemplRenderer)
	require.True(t, ok)

	resp := renderer.NewResponseInit(0)
	doc, err := r.Render(context.Background(), &renderer.Request{
		Shell:    `<html><body><main id="root"></main></body></html>`,
		URL:      &url.URL{Path: "/nope"},
		Response: resp,
	})
	require.NoError(t, err)
	assert.Contains(t, doc, `<main id="root"><p>missing</p></main>`)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	cfg.Pages[0].File = filepath.Join(dir, "missing.html")
	_, err = newRenderer(cfg, "")
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestLoadDocument(t *testing.T) {
	store := assets.NewMemoryStore(map[string][]byte{
		"index.html":     []byte("bundle"),
		"index.csr.html": []byte("shell"),
	})

	doc, err := loadDocument(store, &config.RenderConfig{Document: "index.csr.html", SourceDocument: "index.html"})
	require.NoError(t, err)
	assert.Equal(t, "shell", doc)

	doc, err = loadDocument(store, &config.RenderConfig{Document: "app.html", SourceDocument: "index.html"})
	require.NoError(t, err)
	assert.Equal(t, "bundle", doc)

	_, err = loadDocument(store, &config.RenderConfig{Document: "app.html", SourceDocument: "other.html"})
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}

func TestReadOptional(t *testing.T) {
	data, err := readOptional("")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = readOptional(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Nil(t, data)

	path := writeFile(t, filepath.Join(t.TempDir(), "routes.yml"), "routes: []\n")
	data, err = readOptional(path)
	require.NoError(t, err)
	assert.Equal(t, "routes: []\n", string(data))
}

func TestPrintVersion(t *testing.T) {
	info := &version.BuildInfo{
		Version:   "v1.0.0",
		GitCommit: "0123456789abcdef",
		GoVersion: "go1.24.4",
		Platform:  "linux/amd64",
	}

	tests := []struct {
		name     string
		format   string
		detailed bool
		want     string
	}{
		{"short", "text", false, "pagerender v1.0.0 (0123456)\n"},
		{"detailed", "text", true, "Commit: 0123456789abcdef"},
		{"json", "json", false, `"git_commit": "0123456789abcdef"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, printVersion(&buf, info, tt.format, tt.detailed))
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, validateFormat("json", []string{"table", "json"}))
	err := validateFormat("csv", []string{"table", "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table, json")
}

func TestBindFlags_UnknownFlagPanics(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	assert.Panics(t, func() {
		bindFlags(fs, map[string]string{"missing": "some.key"})
	})
}

func TestNewLogger(t *testing.T) {
	cfg := &config.Config{Log: config.LogConfig{Level: "debug", Format: "json"}}
	var buf bytes.Buffer

	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Debug(context.Background(), "hello", "k", "v")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "v", line["k"])

	_, err = newLogger(&config.Config{Log: config.LogConfig{Level: "loud"}}, &buf)
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "prerender", "routes", "version"} {
		assert.True(t, names[want], want)
	}
}
