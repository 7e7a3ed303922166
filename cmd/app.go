package cmd

import (
	"context"
	"os"
	"time"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/config"
	"github.com/conneroisu/pagerender/internal/engine"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/monitoring"
	"github.com/conneroisu/pagerender/internal/renderer"
	"github.com/conneroisu/pagerender/internal/routes"
)

// commandWaitDelay bounds how long a cancelled render command may hold its
// pipes open.
const commandWaitDelay = 5 * time.Second

// loadStore opens the configured asset source.
func loadStore(ctx context.Context, cfg *config.Config) (assets.Store, error) {
	if cfg.Assets.Source == config.AssetSourceS3 {
		client := assets.NewS3Client(assets.S3Options{
			Region:       cfg.Assets.S3.Region,
			Endpoint:     cfg.Assets.S3.Endpoint,
			UsePathStyle: cfg.Assets.S3.UsePathStyle,
		})
		return assets.NewS3Store(ctx, client, cfg.Assets.S3.Bucket, cfg.Assets.S3.Prefix)
	}
	return assets.NewDirStore(cfg.Assets.Dir)
}

// readDocument loads the shell template from the asset store.
func readDocument(store assets.Store, name string) (string, error) {
	asset, err := store.Get(name)
	if err != nil {
		return "", errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "render document "+name+" is not part of the build output")
	}
	text, err := asset.Text()
	if err != nil {
		return "", errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "failed to read render document "+name)
	}
	return text, nil
}

// loadDocument reads the shell. Before the first prerender has written
// render.document the bundler's source document is used instead.
func loadDocument(store assets.Store, cfg *config.RenderConfig) (string, error) {
	if !store.Has(cfg.Document) && cfg.SourceDocument != "" && store.Has(cfg.SourceDocument) {
		return readDocument(store, cfg.SourceDocument)
	}
	return readDocument(store, cfg.Document)
}

// loadPages reads the configured page fragments.
func loadPages(cfg *config.RenderConfig) (map[string]string, string, error) {
	if len(cfg.Pages) == 0 && cfg.NotFoundPage == "" {
		return nil, "", nil
	}
	pages := make(map[string]string, len(cfg.Pages))
	for _, p := range cfg.Pages {
		data, err := os.ReadFile(p.File)
		if err != nil {
			return nil, "", errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "failed to read page "+p.File)
		}
		pages[p.Path] = string(data)
	}
	var notFound string
	if cfg.NotFoundPage != "" {
		data, err := os.ReadFile(cfg.NotFoundPage)
		if err != nil {
			return nil, "", errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "failed to read page "+cfg.NotFoundPage)
		}
		notFound = string(data)
	}
	return pages, notFound, nil
}

// newRenderer returns the external render command when one is configured,
// the fragment page renderer when pages are configured and the static shell
// renderer otherwise.
func newRenderer(cfg *config.RenderConfig, dir string) (renderer.Renderer, error) {
	if len(cfg.Command) > 0 {
		return &renderer.CommandRenderer{
			Command:   cfg.Command[0],
			Args:      cfg.Command[1:],
			Dir:       dir,
			WaitDelay: commandWaitDelay,
		}, nil
	}

	pages, notFound, err := loadPages(cfg)
	if err != nil {
		return nil, err
	}
	if pages == nil {
		return renderer.Static(), nil
	}

	var opts []renderer.TemplOption
	if cfg.Outlet != "" {
		opts = append(opts, renderer.WithOutlet(cfg.Outlet))
	}
	fr, err := renderer.NewFragmentRenderer(pages, notFound, opts...)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid render.pages")
	}
	return fr, nil
}

// newEngine builds the rendering engine for the serve command.
func newEngine(cfg *config.Config, tree *routes.Tree, store assets.Store, document string, metrics *monitoring.Metrics, logger logging.Logger) (*engine.Engine, error) {
	r, err := newRenderer(&cfg.Render, "")
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Routes:            tree,
		Assets:            store,
		Renderer:          r,
		Document:          document,
		AppShellRoute:     cfg.Render.AppShellRoute,
		BaseURL:           cfg.Render.BaseURL,
		InlineCriticalCSS: cfg.Render.InlineCriticalCSS,
		CacheSize:         cfg.Cache.Size,
		RenderTimeout:     cfg.Render.Timeout,
		Logger:            logger,
		Observer:          metrics,
	})
}
