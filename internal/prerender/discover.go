package prerender

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/pagerender/internal/routes"
)

// ExtractLinks returns the same-origin page routes linked from doc with
// <a href>, resolved against base and de-duplicated in document order.
// Links to files other than HTML pages are skipped.
func ExtractLinks(doc string, base *url.URL) []string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil
	}

	found := routes.NewSet()
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if route, ok := linkRoute(n, base); ok {
				found.Add(route)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return found.Values()
}

func linkRoute(n *html.Node, base *url.URL) (string, bool) {
	var href string
	for _, a := range n.Attr {
		switch a.Key {
		case "href":
			href = strings.TrimSpace(a.Val)
		case "download":
			return "", false
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}

	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return "", false
	}

	p := path.Clean("/" + u.Path)
	switch ext := path.Ext(p); ext {
	case "":
	case ".html", ".htm":
		p = strings.TrimSuffix(p, ext)
		if path.Base(p) == "index" {
			p = path.Dir(p)
		}
	default:
		return "", false
	}

	return p, true
}
