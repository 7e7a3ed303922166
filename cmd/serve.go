package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/pagerender/internal/config"
	"github.com/conneroisu/pagerender/internal/logging"
	"github.com/conneroisu/pagerender/internal/monitoring"
	"github.com/conneroisu/pagerender/internal/routes"
	"github.com/conneroisu/pagerender/internal/server"
	"github.com/conneroisu/pagerender/internal/version"
	"github.com/conneroisu/pagerender/internal/watcher"
)

// manifestDebounce coalesces editor save bursts into one reload.
const manifestDebounce = 100 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Serve the application, rendering each route by its manifest mode",
	Long: `Serve the build output. Requests are matched against the route manifest:
prerender routes are served from their artifact when one exists, server
routes are rendered on every request, client routes get the shell and
app-shell routes get the rendered app shell.

Examples:
  pagerender serve                    # Serve on localhost:8080
  pagerender serve -p 3000 --dev      # Enable live reload
  pagerender serve --watch            # Reload the manifest on change`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().Bool("dev", false, "Enable the live reload endpoint")
	serveCmd.Flags().BoolP("watch", "w", false, "Reload the route manifest when it changes")

	bindFlags(serveCmd.Flags(), map[string]string{
		"port":  "server.port",
		"host":  "server.host",
		"dev":   "server.dev",
		"watch": "routes.watch",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	srv, cleanup, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info(ctx, "Serving", "address", cfg.Server.Address(), "dev", cfg.Server.Dev)
	return srv.Start(ctx)
}

// buildServer wires the asset store, route tree, engine and HTTP server.
// The returned cleanup closes the engine and any manifest watcher.
func buildServer(ctx context.Context, cfg *config.Config, logger logging.Logger) (*server.Server, func(), error) {
	store, err := loadStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	tree, err := routes.LoadTree(cfg.Routes.Manifest)
	if err != nil {
		return nil, nil, err
	}
	document, err := loadDocument(store, &cfg.Render)
	if err != nil {
		return nil, nil, err
	}

	metrics := monitoring.NewMetrics()
	eng, err := newEngine(cfg, tree, store, document, metrics, logger)
	if err != nil {
		return nil, nil, err
	}

	srv, err := server.New(server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Dev:             cfg.Server.Dev,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Engine:          eng,
		Assets:          store,
		Metrics:         metrics,
		Health:          monitoring.NewHealthMonitor(logger, version.Get().Short()),
		Logger:          logger,
	})
	if err != nil {
		_ = eng.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := eng.Close(); err != nil {
			logger.Warn(ctx, err, "Failed to close engine")
		}
	}

	if !cfg.Routes.Watch {
		return srv, cleanup, nil
	}

	reloader := watcher.NewManifestReloader(cfg.Routes.Manifest, eng, func(*routes.Tree) {
		if hub := srv.Reload(); hub != nil {
			hub.Broadcast(server.ReloadMessage{Type: "reload", Reason: "routes"})
		}
	}, logger)
	fw, err := watcher.WatchManifest(ctx, cfg.Routes.Manifest, manifestDebounce, reloader, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return srv, func() {
		if err := fw.Stop(); err != nil {
			logger.Warn(ctx, err, "Failed to stop manifest watcher")
		}
		cleanup()
	}, nil
}
