// Package cmd provides the pagerender command-line interface.
//
// Configuration is read from, in order of precedence:
//  1. Command-line flags (--config, --port, etc.)
//  2. PAGERENDER_<SECTION>_<OPTION> environment variables
//  3. The file named by --config or PAGERENDER_CONFIG_FILE
//  4. .pagerender.yml in the working directory
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/pagerender/internal/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pagerender",
	Short: "Serve and prerender a web application route by route",
	Long: `pagerender serves a built web application, choosing per route whether a
page is prerendered at build time, rendered on every request, served as a
client shell or rendered once as an app shell.

Quick Start:
  pagerender prerender            Render every prerender route into the output dir
  pagerender serve                Start the server
  pagerender routes list          Show the route manifest
  pagerender routes check         Validate the manifest and routes file`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .pagerender.yml, can also use PAGERENDER_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
	})
}

func initConfig(cmd *cobra.Command, _ []string) error {
	used, err := config.Init(cfgFile)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if used != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", used)
	}
	return nil
}
