package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/crumbnav/nav"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	pathWidth  float64
	reverse    bool
	asJSON     bool
	outputFile string
	renderFile string
	crumbsOnly bool

	configFile string
	routePath  string
	routeURL   string
	httpPort   int

	rootCmd = &cobra.Command{
		Use:           "crumbnav",
		Short:         "Breadcrumb route navigation with drift correction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	simplifyCmd = &cobra.Command{
		Use:   "simplify <route.json>",
		Short: "Reduce a recorded route to navigation keypoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return NewApp(cmd.OutOrStdout()).RunSimplify(args[0], routeOptions(), asJSON)
		},
	}

	exportCmd = &cobra.Command{
		Use:   "export <route.json>",
		Short: "Export keypoints or the geotagged crumb trail as GeoJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return NewApp(cmd.OutOrStdout()).RunExport(args[0], outputFile, crumbsOnly, routeOptions())
		},
	}

	renderCmd = &cobra.Command{
		Use:   "render <route.json>",
		Short: "Render a plan view of the route (SVG or PNG by extension)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return NewApp(cmd.OutOrStdout()).RunRender(args[0], renderFile, routeOptions())
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the MQTT navigation service with the HTTP diagnostics server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return NewApp(cmd.OutOrStdout()).RunService(ctx, ServiceOptions{
				ConfigFile: configFile,
				RoutePath:  routePath,
				RouteURL:   routeURL,
				HTTPPort:   httpPort,
			})
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crumbnav version: %s\n", Version)
		},
	}
)

func routeOptions() RouteOptions {
	return RouteOptions{PathWidth: pathWidth, Reverse: reverse}
}

func init() {
	for _, c := range []*cobra.Command{simplifyCmd, exportCmd, renderCmd} {
		c.Flags().Float64Var(&pathWidth, "width", nav.DefaultPathWidth, "Path width in meters used by the simplifier")
		c.Flags().BoolVar(&reverse, "reverse", false, "Navigate the route from its end back to its start")
	}
	simplifyCmd.Flags().BoolVar(&asJSON, "json", false, "Print keypoints as JSON")

	exportCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default stdout)")
	exportCmd.Flags().BoolVar(&crumbsOnly, "crumbs", false, "Export the geotagged crumb trail instead of keypoints")

	renderCmd.Flags().StringVarP(&renderFile, "output", "o", "route.svg", "Output file (.svg or .png)")

	serveCmd.Flags().StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	serveCmd.Flags().StringVar(&routePath, "route", "", "Route file (overrides route.path)")
	serveCmd.Flags().StringVar(&routeURL, "route-url", "", "Route URL (overrides route.url)")
	serveCmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP server port (overrides http.port)")

	rootCmd.AddCommand(simplifyCmd, exportCmd, renderCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
