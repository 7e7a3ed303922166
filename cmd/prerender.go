package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/pagerender/internal/assets"
	"github.com/conneroisu/pagerender/internal/config"
	"github.com/conneroisu/pagerender/internal/errors"
	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/monitoring"
	"github.com/conneroisu/pagerender/internal/prerender"
)

var prerenderCmd = &cobra.Command{
	Use:     "prerender",
	Aliases: []string{"p"},
	Short:   "Render prerender routes into static HTML files",
	Long: `Render every route listed in the routes file, plus the routes discovered
from links on the bootstrap page, and write one index.html per route into
the output directory. Routes are rendered by a bounded pool of workers.

Examples:
  pagerender prerender                        # Use .pagerender.yml settings
  pagerender prerender --routes-file r.txt    # Add routes from a file
  pagerender prerender --no-discover -j 8     # Only listed routes, 8 workers`,
	RunE: runPrerender,
}

func init() {
	rootCmd.AddCommand(prerenderCmd)

	prerenderCmd.Flags().StringP("output", "o", "dist", "Directory to write prerendered pages to")
	prerenderCmd.Flags().String("routes-file", "", "File listing one route per line")
	prerenderCmd.Flags().Bool("discover", true, "Discover routes from links on the bootstrap page")
	prerenderCmd.Flags().IntP("max-threads", "j", prerender.DefaultMaxThreads, "Maximum number of concurrent render workers")
	prerenderCmd.Flags().Bool("compress", false, "Also write brotli compressed copies")

	bindFlags(prerenderCmd.Flags(), map[string]string{
		"output":      "prerender.output_dir",
		"routes-file": "prerender.routes_file",
		"discover":    "prerender.discover",
		"max-threads": "prerender.max_threads",
		"compress":    "prerender.compress",
	})
}

func runPrerender(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return prerenderSite(ctx, cfg, monitoring.NewMetrics(), logger, cmd.OutOrStdout())
}

// prerenderSite runs the pipeline over the build output directory and writes
// the pages along with the shell document. Route failures are reported after the successful pages have
// been written.
func prerenderSite(ctx context.Context, cfg *config.Config, metrics *monitoring.Metrics, logger logging.Logger, out io.Writer) error {
	if cfg.Assets.Source != config.AssetSourceDir {
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, "prerender reads build output from a directory; set assets.source to dir")
	}
	if err := cfg.ValidateOutputLayout(); err != nil {
		return errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid prerender output")
	}

	store, err := assets.NewDirStore(cfg.Assets.Dir)
	if err != nil {
		return err
	}
	files, err := store.ReadAll()
	if err != nil {
		return err
	}
	document, err := loadDocument(store, &cfg.Render)
	if err != nil {
		return err
	}
	manifest, err := readOptional(cfg.Routes.Manifest)
	if err != nil {
		return err
	}
	pages, notFound, err := loadPages(&cfg.Render)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	result, err := prerender.Run(ctx, prerender.Options{
		WorkspaceRoot:     wd,
		OutputFiles:       files,
		Document:          document,
		Manifest:          manifest,
		AppShellRoute:     cfg.Render.AppShellRoute,
		RoutesFile:        cfg.Prerender.RoutesFile,
		Discover:          cfg.Prerender.Discover,
		MaxThreads:        cfg.Prerender.MaxThreads,
		InlineCriticalCSS: cfg.Render.InlineCriticalCSS,
		RenderCommand:     cfg.Render.Command,
		Pages:             pages,
		NotFoundPage:      notFound,
		Outlet:            cfg.Render.Outlet,
		Observer:          metrics,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// The shell is written beside the pages so client routes keep serving it
	// once the pages replace the bundler's index.html.
	shell := assets.CleanPath(cfg.Render.Document)
	if _, ok := result.Output[shell]; ok {
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, "a prerendered page would overwrite render.document "+cfg.Render.Document)
	}
	result.Output[shell] = document

	written, err := prerender.WriteOutput(cfg.Prerender.OutputDir, result, prerender.WriteOptions{
		Compress: cfg.Prerender.Compress,
	})
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		logger.Warn(ctx, nil, w)
	}
	for _, e := range result.Errors {
		logger.Error(ctx, nil, e)
	}

	fmt.Fprintf(out, "Prerendered %d routes into %s (%d files)\n", len(result.PrerenderedRoutes), cfg.Prerender.OutputDir, len(written))
	if len(result.Errors) > 0 {
		return fmt.Errorf("%d routes failed to render", len(result.Errors))
	}
	return nil
}

// readOptional returns the file's content, or nil when path is empty or
// does not exist.
func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "failed to read "+path)
	}
	return data, nil
}
