package prerender

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/pagerender/internal/errors"
)

func TestWriteOutput(t *testing.T) {
	dir := t.TempDir()
	result := &Result{
		Output: map[string]string{
			"index.html":       "<html>shell</html>",
			"about/index.html": "<html>about</html>",
		},
		PrerenderedRoutes: []string{"/", "/about"},
		Warnings:          []string{"w"},
	}

	written, err := WriteOutput(dir, result, WriteOptions{Compress: true})
	require.NoError(t, err)
	assert.Len(t, written, 5)

	data, err := os.ReadFile(filepath.Join(dir, "about", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>about</html>", string(data))

	compressed, err := os.ReadFile(filepath.Join(dir, "index.html.br"))
	require.NoError(t, err)
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(compressed)))
	require.NoError(t, err)
	assert.Equal(t, "<html>shell</html>", string(plain))

	raw, err := os.ReadFile(filepath.Join(dir, RoutesIndexFile))
	require.NoError(t, err)
	var index routesIndex
	require.NoError(t, json.Unmarshal(raw, &index))
	assert.Equal(t, []string{"/", "/about"}, index.Routes)
	assert.Equal(t, []string{"w"}, index.Warnings)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".pagerender-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriteOutput_EmptyResult(t *testing.T) {
	dir := t.TempDir()
	written, err := WriteOutput(dir, &Result{Output: map[string]string{}}, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, RoutesIndexFile)}, written)

	raw, err := os.ReadFile(written[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"routes":[]}`, string(raw))
}

func TestWriteOutput_RejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteOutput(dir, &Result{Output: map[string]string{"../evil/index.html": "x"}}, WriteOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))
}
