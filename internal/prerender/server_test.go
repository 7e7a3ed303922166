package prerender

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/pagerender/internal/assets"
)

func TestStaticServer(t *testing.T) {
	files := map[string][]byte{
		"index.html":      []byte("<html>root</html>"),
		"styles.css":      []byte("body{color:red}"),
		"docs/index.html": []byte("<html>docs</html>"),
	}

	s := NewStaticServer(nil)
	addr, err := s.Start(files)
	require.NoError(t, err)
	defer s.Close()

	get := func(path string, header http.Header) (*http.Response, string) {
		req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, body := get("/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>root</html>", body)

	resp, body = get("/styles.css", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")
	assert.Equal(t, "body{color:red}", body)
	etag := resp.Header.Get("ETag")
	assert.Equal(t, assets.ETag(assets.HashContent(files["styles.css"])), etag)

	resp, body = get("/styles.css", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)

	resp, body = get("/docs/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>docs</html>", body)

	resp, _ = get("/missing.js", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = s.Start(files)
	assert.Error(t, err, "second start is rejected")
}

func TestStaticServer_CloseIsIdempotent(t *testing.T) {
	s := NewStaticServer(nil)
	require.NoError(t, s.Close(), "closing an unstarted server is a no-op")

	addr, err := s.Start(nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}
