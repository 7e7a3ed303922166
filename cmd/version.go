package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/pagerender/internal/version"
)

var (
	versionFormat   string
	versionDetailed bool
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the version, git commit, build time, Go version and platform.

Examples:
  pagerender version              # Show short version
  pagerender version --detailed   # Show detailed version info
  pagerender version -f json      # Output as JSON`,
	// Version output needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	PreRunE: func(*cobra.Command, []string) error {
		return validateFormat(versionFormat, []string{"text", "json"})
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printVersion(cmd.OutOrStdout(), version.Get(), versionFormat, versionDetailed)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringVarP(&versionFormat, "format", "f", "text", "Output format (text, json)")
	versionCmd.Flags().BoolVarP(&versionDetailed, "detailed", "d", false, "Show detailed version information")
}

func printVersion(w io.Writer, info *version.BuildInfo, format string, detailed bool) error {
	switch {
	case format == "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case detailed:
		_, err := fmt.Fprintln(w, info.String())
		return err
	default:
		_, err := fmt.Fprintf(w, "pagerender %s\n", info.Short())
		return err
	}
}
