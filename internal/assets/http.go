package assets

import (
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
)

// Handler serves files from store with strong ETags and 304 revalidation.
// Paths ending in "/" resolve to their index.html.
func Handler(store Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := CleanPath(path.Clean("/" + r.URL.Path))
		if name == "" || strings.HasSuffix(r.URL.Path, "/") {
			name = strings.TrimPrefix(path.Join(name, "index.html"), "/")
		}
		Serve(w, r, store, name)
	})
}

// Serve writes the asset at name, or a 404 when the store lacks it.
func Serve(w http.ResponseWriter, r *http.Request, store Store, name string) {
	asset, err := store.Get(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("ETag", ETag(asset.ContentHash))
	if MatchesETag(r.Header.Get("If-None-Match"), asset.ContentHash) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body, err := asset.Text()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType([]byte(body))
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(body))
	}
}
