package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/pagerender/internal/config"
	"github.com/conneroisu/pagerender/internal/routes"
)

var routesFormat string

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect the route manifest",
}

var routesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l"},
	Short:   "List routes with their render modes",
	Long: `List every route in the manifest with its render mode, redirect target
and declared headers.

Examples:
  pagerender routes list              # Table output
  pagerender routes list -f json      # JSON output
  pagerender routes list -f yaml      # Manifest YAML`,
	PreRunE: func(*cobra.Command, []string) error {
		return validateFormat(routesFormat, []string{"table", "json", "yaml"})
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		tree, err := routes.LoadTree(viper.GetString("routes.manifest"))
		if err != nil {
			return err
		}
		return listRoutes(cmd.OutOrStdout(), tree, routesFormat)
	},
}

var routesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the route manifest and the prerender routes file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return checkRoutes(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
	routesCmd.AddCommand(routesListCmd, routesCheckCmd)

	routesCmd.PersistentFlags().String("manifest", "routes.yml", "Route manifest file")
	bindFlags(routesCmd.PersistentFlags(), map[string]string{"manifest": "routes.manifest"})

	routesListCmd.Flags().StringVarP(&routesFormat, "format", "f", "table", "Output format (table, json, yaml)")
}

// routeView is the listing form of a route.
type routeView struct {
	Pattern    string            `json:"pattern"`
	RenderMode string            `json:"renderMode"`
	RedirectTo string            `json:"redirectTo,omitempty"`
	Status     int               `json:"status,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func listRoutes(w io.Writer, tree *routes.Tree, format string) error {
	metas := tree.Routes()

	switch format {
	case "json":
		views := make([]routeView, 0, len(metas))
		for _, m := range metas {
			v := routeView{Pattern: m.Pattern, RenderMode: m.RenderMode.String(), RedirectTo: m.RedirectTo, Status: m.StatusCode}
			if len(m.Headers) > 0 {
				v.Headers = make(map[string]string, len(m.Headers))
				for _, h := range m.Headers {
					v.Headers[h.Name] = h.Value
				}
			}
			views = append(views, v)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)

	case "yaml":
		manifest := routes.Manifest{Routes: make([]routes.Entry, 0, len(metas))}
		for _, m := range metas {
			e := routes.Entry{Path: m.Pattern, RedirectTo: m.RedirectTo, Status: m.StatusCode, Headers: m.Headers}
			if !m.IsRedirect() {
				e.RenderMode = m.RenderMode.String()
			}
			manifest.Routes = append(manifest.Routes, e)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(manifest); err != nil {
			return err
		}
		return enc.Close()

	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PATTERN\tMODE\tTARGET\tHEADERS")
		for _, m := range metas {
			mode, target := m.RenderMode.String(), "-"
			if m.IsRedirect() {
				mode = "redirect " + strconv.Itoa(m.RedirectStatus())
				target = m.RedirectTo
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", m.Pattern, mode, target, len(m.Headers))
		}
		return tw.Flush()
	}
}

func checkRoutes(w io.Writer, cfg *config.Config) error {
	tree, err := routes.LoadTree(cfg.Routes.Manifest)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d routes\n", cfg.Routes.Manifest, tree.Len())

	var dynamic int
	for _, m := range tree.Routes() {
		if !m.IsStatic() {
			dynamic++
		}
	}
	if dynamic > 0 {
		fmt.Fprintf(w, "%d parameterised routes are only prerendered when listed in a routes file\n", dynamic)
	}

	if cfg.Prerender.RoutesFile == "" {
		return nil
	}
	list, err := routes.ReadRoutesFile(cfg.Prerender.RoutesFile)
	if err != nil {
		return err
	}
	var unmatched []string
	for _, r := range routes.NewSet(list...).Values() {
		if _, ok := tree.Match(r); !ok {
			unmatched = append(unmatched, r)
		}
	}
	fmt.Fprintf(w, "%s: %d routes\n", cfg.Prerender.RoutesFile, len(list))
	for _, r := range unmatched {
		fmt.Fprintf(w, "  no manifest route matches %s\n", r)
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("%d listed routes match no manifest route", len(unmatched))
	}
	return nil
}
