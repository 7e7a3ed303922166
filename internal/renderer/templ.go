package renderer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"golang.org/x/net/html"

	"github.com/conneroisu/pagerender/internal/routes"
)

// DefaultOutlet is the id of the shell element pages are rendered into.
const DefaultOutlet = "app"

// PageFunc builds the component for one render.
type PageFunc func(req *Request) templ.Component

// TemplRenderer renders templ components into the outlet element of the
// shell. Pages are matched with the same route tree semantics as the engine.
type TemplRenderer struct {
	tree     *routes.Tree
	pages    map[string]PageFunc
	outlet   string
	notFound PageFunc
}

// TemplOption configures a TemplRenderer.
type TemplOption func(*TemplRenderer)

// WithOutlet sets the id of the element pages are injected into.
func WithOutlet(id string) TemplOption {
	return func(r *TemplRenderer) { r.outlet = id }
}

// WithNotFound sets the page rendered, with status 404 for server renders,
// when no page pattern matches.
func WithNotFound(page PageFunc) TemplOption {
	return func(r *TemplRenderer) { r.notFound = page }
}

// NewTemplRenderer builds a renderer from page patterns such as "/" or
// "/blog/:slug".
func NewTemplRenderer(pages map[string]PageFunc, opts ...TemplOption) (*TemplRenderer, error) {
	r := &TemplRenderer{
		pages:  make(map[string]PageFunc, len(pages)),
		outlet: DefaultOutlet,
	}
	for _, opt := range opts {
		opt(r)
	}

	entries := make([]routes.Entry, 0, len(pages))
	for pattern, page := range pages {
		entries = append(entries, routes.Entry{Path: pattern, RenderMode: routes.RenderModeServer.String()})
		r.pages[routes.NormalizePattern(pattern)] = page
	}

	tree, err := routes.NewTree(entries)
	if err != nil {
		return nil, err
	}
	r.tree = tree

	return r, nil
}

// NewFragmentRenderer renders static HTML fragments, keyed by page pattern,
// into the shell outlet. A non-empty notFound fragment is rendered for
// unmatched URLs.
func NewFragmentRenderer(pages map[string]string, notFound string, opts ...TemplOption) (*TemplRenderer, error) {
	funcs := make(map[string]PageFunc, len(pages))
	for pattern, fragment := range pages {
		funcs[pattern] = rawPage(fragment)
	}
	if notFound != "" {
		opts = append([]TemplOption{WithNotFound(rawPage(notFound))}, opts...)
	}
	return NewTemplRenderer(funcs, opts...)
}

func rawPage(fragment string) PageFunc {
	component := templ.Raw(fragment)
	return func(*Request) templ.Component { return component }
}

// Render implements Renderer. Without a matching page or not-found page the
// shell is returned unchanged.
func (r *TemplRenderer) Render(ctx context.Context, req *Request) (string, error) {
	page := r.notFound
	if req.URL != nil {
		if meta, ok := r.tree.Match(req.URL.Path); ok {
			page = r.pages[meta.Pattern]
		} else if page != nil && req.Response != nil {
			req.Response.Status = http.StatusNotFound
		}
	}
	if page == nil {
		return req.Shell, nil
	}

	var body bytes.Buffer
	if err := page(req).Render(ctx, &body); err != nil {
		return "", fmt.Errorf("rendering component: %w", err)
	}

	return inject(req.Shell, r.outlet, body.String())
}

// inject parses fragment in the context of the outlet element and appends it.
func inject(shell, outletID, fragment string) (string, error) {
	doc, err := html.Parse(strings.NewReader(shell))
	if err != nil {
		return "", fmt.Errorf("failed to parse shell: %w", err)
	}

	outlet := findByID(doc, outletID)
	if outlet == nil {
		return "", fmt.Errorf("shell has no element with id %q", outletID)
	}

	nodes, err := html.ParseFragment(strings.NewReader(fragment), outlet)
	if err != nil {
		return "", fmt.Errorf("failed to parse rendered component: %w", err)
	}
	for _, n := range nodes {
		outlet.AppendChild(n)
	}

	var out strings.Builder
	if err := html.Render(&out, doc); err != nil {
		return "", err
	}
	return out.String(), nil
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}
