package routes

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/conneroisu/pagerender/internal/errors"
)

// Tree is an immutable segment trie over route patterns. It is built once
// by NewTree and then only read, so a single Tree can be shared by any
// number of concurrent requests without locking.
type Tree struct {
	root   *node
	routes []*Metadata
}

// node is a single path segment in the tree.
type node struct {
	// segment is the literal segment for static nodes
	segment string

	// children are static segment children
	children map[string]*node

	// dynamic matches exactly one segment (":name" or "*")
	dynamic *node

	// dynamicName is the spelling of the dynamic child segment
	dynamicName string

	// catchAll matches zero or more trailing segments ("**")
	catchAll *node

	route *Metadata
}

func newNode(segment string) *node {
	return &node{segment: segment}
}

// Entry is one manifest route before validation.
type Entry struct {
	Path       string  `yaml:"path"`
	RenderMode string  `yaml:"renderMode,omitempty"`
	RedirectTo string  `yaml:"redirectTo,omitempty"`
	Status     int     `yaml:"status,omitempty"`
	Headers    Headers `yaml:"headers,omitempty"`
}

var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// NewTree validates entries and builds the tree. Any malformed entry aborts
// construction with a configuration error; lookups never fail structurally.
func NewTree(entries []Entry) (*Tree, error) {
	t := &Tree{root: newNode("")}

	for i, entry := range entries {
		meta, err := entryMetadata(entry)
		if err != nil {
			return nil, errors.WrapConfig(err, errors.ErrCodeManifestInvalid,
				fmt.Sprintf("invalid route entry %d", i)).WithRoute(entry.Path)
		}
		if err := t.insert(meta); err != nil {
			return nil, err
		}
		t.routes = append(t.routes, meta)
	}

	return t, nil
}

func entryMetadata(entry Entry) (*Metadata, error) {
	meta := &Metadata{
		Pattern:    NormalizePattern(entry.Path),
		RedirectTo: strings.TrimSpace(entry.RedirectTo),
		StatusCode: entry.Status,
		Headers:    entry.Headers,
	}

	switch {
	case entry.RenderMode != "":
		mode, err := ParseRenderMode(entry.RenderMode)
		if err != nil {
			return nil, err
		}
		meta.RenderMode = mode
	case meta.RedirectTo == "":
		return nil, fmt.Errorf("renderMode is required when redirectTo is not set")
	default:
		// Irrelevant for redirects; keep a valid value for listings.
		meta.RenderMode = RenderModeServer
	}

	if meta.RedirectTo != "" {
		if meta.StatusCode != 0 && !redirectStatuses[meta.StatusCode] {
			return nil, fmt.Errorf("status %d is not a redirect status", meta.StatusCode)
		}
		if _, err := url.Parse(meta.RedirectTo); err != nil {
			return nil, fmt.Errorf("redirectTo: %w", err)
		}
	} else if meta.StatusCode != 0 && (meta.StatusCode < 100 || meta.StatusCode > 599) {
		return nil, fmt.Errorf("status %d out of range", meta.StatusCode)
	}

	for _, h := range meta.Headers {
		if strings.TrimSpace(h.Name) == "" {
			return nil, fmt.Errorf("header with empty name")
		}
	}

	return meta, nil
}

func (t *Tree) insert(meta *Metadata) error {
	segments := splitPath(meta.Pattern)
	current := t.root

	for i, seg := range segments {
		switch {
		case seg == "**":
			if i != len(segments)-1 {
				return conflict(meta.Pattern, "catch-all '**' must be the last segment")
			}
			if current.catchAll == nil {
				current.catchAll = newNode(seg)
			}
			current = current.catchAll
		case seg == "*" || strings.HasPrefix(seg, ":"):
			if seg == ":" {
				return conflict(meta.Pattern, "parameter segment without a name")
			}
			if current.dynamic == nil {
				current.dynamic = newNode(seg)
				current.dynamicName = seg
			} else if current.dynamicName != seg {
				return conflict(meta.Pattern, fmt.Sprintf("segment %q overlaps %q at the same position", seg, current.dynamicName))
			}
			current = current.dynamic
		default:
			if current.children == nil {
				current.children = make(map[string]*node)
			}
			child, ok := current.children[seg]
			if !ok {
				child = newNode(seg)
				current.children[seg] = child
			}
			current = child
		}
	}

	if current.route != nil {
		return conflict(meta.Pattern, "duplicate route")
	}
	current.route = meta

	return nil
}

func conflict(pattern, reason string) error {
	return errors.NewConfigError(errors.ErrCodeRouteConflict, reason).WithRoute(pattern)
}

// Match returns the metadata of the most specific route for urlPath.
// Static segments beat single-segment dynamics, which beat catch-alls.
// Query strings, fragments and trailing slashes are ignored.
func (t *Tree) Match(urlPath string) (*Metadata, bool) {
	if t == nil || t.root == nil {
		return nil, false
	}
	if i := strings.IndexAny(urlPath, "?#"); i >= 0 {
		urlPath = urlPath[:i]
	}

	segments := splitPath(urlPath)
	for i, seg := range segments {
		if decoded, err := url.PathUnescape(seg); err == nil {
			segments[i] = decoded
		}
	}

	if n := t.root.match(segments); n != nil {
		return n.route, true
	}
	return nil, false
}

// match walks the remaining segments, backtracking to less specific
// branches when a more specific one dead-ends.
func (n *node) match(segments []string) *node {
	if len(segments) == 0 {
		if n.route != nil {
			return n
		}
		if n.catchAll != nil && n.catchAll.route != nil {
			return n.catchAll
		}
		return nil
	}

	segment := segments[0]
	remaining := segments[1:]

	if child, ok := n.children[segment]; ok {
		if found := child.match(remaining); found != nil {
			return found
		}
	}

	if n.dynamic != nil {
		if found := n.dynamic.match(remaining); found != nil {
			return found
		}
	}

	if n.catchAll != nil && n.catchAll.route != nil {
		return n.catchAll
	}

	return nil
}

// Routes returns every route in manifest order.
func (t *Tree) Routes() []*Metadata {
	out := make([]*Metadata, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes in the tree.
func (t *Tree) Len() int {
	return len(t.routes)
}

// NormalizePattern renders a manifest path as "/seg/seg" with no trailing slash.
func NormalizePattern(p string) string {
	segments := splitPath(strings.TrimSpace(p))
	return "/" + strings.Join(segments, "/")
}

// splitPath splits a path into non-empty segments.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	segments := raw[:0]
	for _, seg := range raw {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return nil
	}
	return segments
}
