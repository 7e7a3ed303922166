package routes

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/pagerender/internal/errors"
)

const sampleManifest = `
routes:
  - path: /
    renderMode: prerender
  - path: /account/**
    renderMode: server
    status: 200
    headers:
      X-Zeta: last-declared-first
      Cache-Control: no-store
      X-Alpha: one
  - path: /old
    redirectTo: /new
    status: 301
`

func TestParseManifestKeepsHeaderOrder(t *testing.T) {
	entries, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	headers := entries[1].Headers
	require.Len(t, headers, 3)
	assert.Equal(t, "X-Zeta", headers[0].Name)
	assert.Equal(t, "Cache-Control", headers[1].Name)
	assert.Equal(t, "X-Alpha", headers[2].Name)
	assert.Equal(t, "no-store", headers[1].Value)

	assert.Equal(t, "/new", entries[2].RedirectTo)
	assert.Equal(t, 301, entries[2].Status)
}

func TestParseManifestErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field":     "routes:\n  - path: /\n    mode: server\n",
		"headers sequence":  "routes:\n  - path: /\n    renderMode: server\n    headers: [a, b]\n",
		"nested header val": "routes:\n  - path: /\n    renderMode: server\n    headers:\n      X-A: {b: c}\n",
		"not yaml":          "routes: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err))
		})
	}
}

func TestHeadersMarshalRoundTripOrder(t *testing.T) {
	in := Headers{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}}
	out, err := yaml.Marshal(in)
	require.NoError(t, err)
	assert.True(t, strings.Index(string(out), "B:") < strings.Index(string(out), "A:"))
}

func TestHeadersApply(t *testing.T) {
	h := http.Header{}
	Headers{{Name: "x-one", Value: "1"}, {Name: "X-One", Value: "2"}}.Apply(h)
	assert.Equal(t, "2", h.Get("X-One"))
}

func TestLoadTree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	tree, err := LoadTree(path)
	require.NoError(t, err)

	meta, ok := tree.Match("/account/settings")
	require.True(t, ok)
	assert.Equal(t, RenderModeServer, meta.RenderMode)

	_, err = LoadTree(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}
