package renderer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/pagerender/internal/assets"
)

// CriticalInliner inlines local stylesheets into the document head so the
// first paint does not wait on them, and defers the original requests.
// Stylesheets not found in Assets are left untouched.
type CriticalInliner struct {
	Assets assets.Store
}

// NewCriticalInliner creates an inliner reading stylesheets from store.
func NewCriticalInliner(store assets.Store) *CriticalInliner {
	return &CriticalInliner{Assets: store}
}

// Process implements PostProcessor.
func (c *CriticalInliner) Process(ctx context.Context, doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("failed to parse document: %w", err)
	}

	var links []*html.Node
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Link && isStylesheet(n) {
			links = append(links, n)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(root)

	changed := false
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		name, ok := localAsset(attr(link, "href"))
		if !ok || attr(link, "onload") != "" || !c.Assets.Has(name) {
			continue
		}

		asset, err := c.Assets.Get(name)
		if err != nil {
			return "", err
		}
		css, err := asset.Text()
		if err != nil {
			return "", fmt.Errorf("reading stylesheet %s: %w", name, err)
		}

		deferLink(link, css)
		changed = true
	}

	if !changed {
		return doc, nil
	}

	var out strings.Builder
	if err := html.Render(&out, root); err != nil {
		return "", err
	}
	return out.String(), nil
}

// deferLink places an inline copy before link, switches link to a
// non-blocking load and adds a noscript fallback after it.
func deferLink(link *html.Node, css string) {
	parent := link.Parent

	style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	parent.InsertBefore(style, link)

	fallback := &html.Node{
		Type:     html.ElementNode,
		Data:     "link",
		DataAtom: atom.Link,
		Attr: []html.Attribute{
			{Key: "rel", Val: "stylesheet"},
			{Key: "href", Val: attr(link, "href")},
		},
	}

	setAttr(link, "media", "print")
	setAttr(link, "onload", "this.media='all'")

	noscript := &html.Node{Type: html.ElementNode, Data: "noscript", DataAtom: atom.Noscript}
	noscript.AppendChild(fallback)
	parent.InsertBefore(noscript, link.NextSibling)
}

func isStylesheet(n *html.Node) bool {
	for _, rel := range strings.Fields(attr(n, "rel")) {
		if strings.EqualFold(rel, "stylesheet") {
			return true
		}
	}
	return false
}

// localAsset maps a same-origin href to an asset path.
func localAsset(href string) (string, bool) {
	if href == "" || strings.HasPrefix(href, "//") {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	name := assets.CleanPath(u.Path)
	return name, name != ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
