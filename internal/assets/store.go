// Package assets resolves logical asset names to content, size and a content
// hash for ETag generation. Stores are populated once and read-only after
// construction, so they can be shared by request handlers and prerender
// workers alike.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conneroisu/pagerender/internal/errors"
)

// Store looks up build output by logical path ("about/index.html").
type Store interface {
	Has(path string) bool
	Get(path string) (*Asset, error)
	// Len is the number of indexed files.
	Len() int
}

// Asset is one file of build output. Text produces the content on demand so
// large stores do not have to keep every file in memory.
type Asset struct {
	Text        func() (string, error)
	ContentHash string
	Size        int
}

// ETag returns the quoted entity tag for a content hash.
func ETag(hash string) string {
	return `"` + hash + `"`
}

// MatchesETag reports whether an If-None-Match header value matches hash.
// Weak validators and comma separated lists are accepted.
func MatchesETag(ifNoneMatch, hash string) bool {
	if ifNoneMatch == "" {
		return false
	}
	want := ETag(hash)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == want {
			return true
		}
	}
	return false
}

// HashContent returns the hex sha256 of data.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CleanPath strips leading slashes so "/a.css" and "a.css" name the same asset.
func CleanPath(path string) string {
	return strings.TrimLeft(path, "/")
}

func notFound(path string) error {
	return errors.NewNotFoundError(errors.ErrCodeAssetNotFound, "asset not found: "+path)
}
