package prerender

import (
	"context"
	"fmt"
	"net/url"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/engine"
	"github.com/conneroisu/pagerender/internal/renderer"
	"github.com/conneroisu/pagerender/internal/routes"
	"github.com/conneroisu/pagerender/internal/worker"
)

// Handler is the default worker unit. Each unit owns a private Engine built
// from its own decoded payload.
type Handler struct {
	engine       *engine.Engine
	tree         *routes.Tree
	fromManifest bool
	baseURL      *url.URL
}

// NewHandler builds a unit from payload. It satisfies worker.Factory.
func NewHandler(payload *worker.InitPayload) (worker.Handler, error) {
	var (
		tree         *routes.Tree
		err          error
		fromManifest bool
	)
	if len(payload.Manifest) > 0 {
		entries, perr := routes.ParseManifest(payload.Manifest)
		if perr != nil {
			return nil, perr
		}
		tree, err = routes.NewTree(entries)
		fromManifest = true
	} else {
		tree, err = routes.NewTree([]routes.Entry{{Path: "/**", RenderMode: "prerender"}})
	}
	if err != nil {
		return nil, err
	}

	var r renderer.Renderer = renderer.Static()
	switch {
	case len(payload.RenderCommand) > 0:
		r = &renderer.CommandRenderer{
			Command: payload.RenderCommand[0],
			Args:    payload.RenderCommand[1:],
			Dir:     payload.WorkspaceRoot,
		}
	case len(payload.Pages) > 0 || payload.NotFoundPage != "":
		var opts []renderer.TemplOption
		if payload.Outlet != "" {
			opts = append(opts, renderer.WithOutlet(payload.Outlet))
		}
		r, err = renderer.NewFragmentRenderer(payload.Pages, payload.NotFoundPage, opts...)
		if err != nil {
			return nil, err
		}
	}

	eng, err := engine.New(engine.Options{
		Routes:            tree,
		Assets:            assets.NewMemoryStore(payload.OutputFiles),
		Renderer:          r,
		Document:          payload.Document,
		AppShellRoute:     payload.AppShellRoute,
		BaseURL:           payload.BaseURL,
		Providers:         payload.Providers,
		InlineCriticalCSS: payload.InlineCriticalCSS,
	})
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(payload.BaseURL)
	if err != nil {
		return nil, err
	}

	return &Handler{engine: eng, tree: tree, fromManifest: fromManifest, baseURL: base}, nil
}

// Handle renders or discovers task.Route.
func (h *Handler) Handle(ctx context.Context, task worker.Task) worker.Result {
	res := worker.Result{Route: task.Route}

	doc, err := h.engine.RenderRoute(ctx, task.Route, task.ServerContext)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", task.Route, err))
		return res
	}

	if task.Kind != worker.KindDiscover {
		if doc != "" {
			res.Content = &doc
		}
		return res
	}

	found := routes.NewSet(ExtractLinks(doc, h.baseURL)...)
	if h.fromManifest {
		for _, meta := range h.tree.Routes() {
			if meta.RenderMode != routes.RenderModePrerender || meta.IsRedirect() {
				continue
			}
			if !meta.IsStatic() {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("route %s has parameters and is only prerendered when listed in the routes file", meta.Pattern))
				continue
			}
			found.Add(meta.Pattern)
		}
	}
	res.Routes = found.Values()

	return res
}

// Close releases the unit's engine.
func (h *Handler) Close() error {
	return h.engine.Close()
}
