package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/crumbnav/nav"
	"golang.org/x/sync/errgroup"
)

// App holds the dependencies shared by the CLI commands.
type App struct {
	Config     *nav.Config
	Navigator  *nav.Navigator
	MQTTClient *nav.MQTTClient
	Publisher  *nav.Publisher

	Out io.Writer
}

// RouteOptions are the flags shared by the offline commands.
type RouteOptions struct {
	PathWidth float64
	Reverse   bool
}

// ServiceOptions override config values from the command line.
type ServiceOptions struct {
	ConfigFile string
	RoutePath  string
	RouteURL   string
	HTTPPort   int
}

// apply copies the command-line overrides onto a loaded config.
func (o ServiceOptions) apply(config *nav.Config) {
	if o.RoutePath != "" {
		config.Route.Path = o.RoutePath
	}
	if o.RouteURL != "" {
		config.Route.URL = o.RouteURL
	}
	if o.HTTPPort > 0 {
		config.HTTP.Port = o.HTTPPort
	}
}

// NewApp creates an App that prints to out.
func NewApp(out io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	return &App{Out: out}
}

func loadRouteFile(path string) (*nav.Route, error) {
	r, err := nav.LoadRoute(path)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("route file not found: %s", path)
	}
	return r, nil
}

// RunSimplify prints the keypoints of a route file.
func (a *App) RunSimplify(path string, opts RouteOptions, asJSON bool) error {
	r, err := loadRouteFile(path)
	if err != nil {
		return err
	}
	keypoints := nav.SimplifyRoute(r, opts.PathWidth, opts.Reverse)

	if asJSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(keypointViews(keypoints))
	}

	fmt.Fprintf(a.Out, "=== %s ===\n", r.Name)
	fmt.Fprintf(a.Out, "Crumbs: %d -> Keypoints: %d (path length %.2fm)\n",
		len(r.Crumbs), len(keypoints), nav.PathLength(keypoints))
	for i, k := range keypoints {
		o := keypoints.Orientation(i)
		fmt.Fprintf(a.Out, "  [%d] (%.3f, %.3f, %.3f) orientation=(%.2f, %.2f)\n",
			i, k.Pose.X(), k.Pose.Y(), k.Pose.Z(), o.X, o.Z)
	}
	return nil
}

// RunExport writes GeoJSON for a route: keypoints by default, or the geotagged
// crumb trail when crumbs is set. An empty output path writes to a.Out.
func (a *App) RunExport(path, output string, crumbs bool, opts RouteOptions) error {
	r, err := loadRouteFile(path)
	if err != nil {
		return err
	}

	var data []byte
	if crumbs {
		data, err = nav.CrumbTrailFeatureCollection(r).MarshalJSON()
	} else {
		keypoints := nav.SimplifyRoute(r, opts.PathWidth, opts.Reverse)
		data, err = nav.KeypointsFeatureCollection(keypoints, nav.IdentityPose()).MarshalJSON()
	}
	if err != nil {
		return fmt.Errorf("encoding GeoJSON: %w", err)
	}

	if output == "" {
		_, err = a.Out.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	fmt.Fprintf(a.Out, "Created: %s\n", output)
	return nil
}

// RunRender draws the route plan view to output; the extension picks SVG or PNG.
func (a *App) RunRender(path, output string, opts RouteOptions) error {
	ext := strings.ToLower(filepath.Ext(output))
	if ext != ".png" && ext != ".svg" && ext != "" {
		return fmt.Errorf("unsupported output format %q (use .svg or .png)", filepath.Ext(output))
	}

	r, err := loadRouteFile(path)
	if err != nil {
		return err
	}
	keypoints := nav.SimplifyRoute(r, opts.PathWidth, opts.Reverse)
	renderer := nav.NewRouteRenderer(r.CrumbPoses(opts.Reverse), keypoints, nav.IdentityPose())

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating output file %s: %w", output, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("Warning: error closing output file %s: %v", output, err)
		}
	}()

	if ext == ".png" {
		err = renderer.RenderToPNG(f)
	} else {
		err = renderer.RenderToSVG(f)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", output, err)
	}
	fmt.Fprintf(a.Out, "Created: %s\n", output)
	return nil
}

// setupService loads configuration and the initial route and wires the navigator
// and MQTT transport. It does not start any goroutine besides the MQTT connect loop.
func (a *App) setupService(ctx context.Context, opts ServiceOptions) error {
	config, err := nav.LoadConfig(opts.ConfigFile, opts.apply)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = config
	log.Printf("Loaded config from %s", opts.ConfigFile)

	arbitrator := nav.NewArbitrator(nav.NewAlignmentFilter(config.Alignment))
	a.Navigator = nav.NewNavigator(arbitrator, config.NavigatorOptions())

	route, err := a.initialRoute(ctx)
	if err != nil {
		return err
	}
	if route != nil {
		if err := a.Navigator.SetRoute(route, config.Route.Reverse); err != nil {
			return fmt.Errorf("loading route: %w", err)
		}
	} else {
		log.Printf("Warning: no route loaded yet; waiting for %s", config.Route.Path)
	}

	mqttClient, err := nav.InitMQTT(config, a.Navigator)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if mqttClient != nil {
		a.MQTTClient = mqttClient
		a.Publisher = nav.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix)
		a.Publisher.Attach(a.Navigator)
		mqttClient.SetProgressHandler(func(s nav.NavigationStatus) {
			if err := a.Publisher.PublishStatus(s); err != nil {
				log.Printf("Error publishing status: %v", err)
			}
		})
	}
	return nil
}

func (a *App) initialRoute(ctx context.Context) (*nav.Route, error) {
	rc := a.Config.Route
	if rc.Path != "" {
		r, err := nav.LoadRoute(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("loading route %s: %w", rc.Path, err)
		}
		if r != nil || rc.URL == "" {
			return r, nil
		}
	}
	if rc.URL == "" {
		return nil, nil
	}
	r, err := nav.FetchRoute(ctx, rc.URL)
	if err != nil {
		return nil, err
	}
	if rc.Path != "" {
		if err := nav.SaveRoute(rc.Path, r); err != nil {
			log.Printf("Warning: could not cache fetched route to %s: %v", rc.Path, err)
		}
	}
	return r, nil
}

// mqttStatus returns the MQTT client as a health source, or nil when disabled.
func (a *App) mqttStatus() connectionStatus {
	if a.MQTTClient == nil {
		return nil
	}
	return a.MQTTClient
}

// RunService runs the MQTT pipeline, the HTTP diagnostics server, and the route
// watcher until ctx is cancelled or one of them fails.
func (a *App) RunService(ctx context.Context, opts ServiceOptions) error {
	fmt.Fprintln(a.Out, "Starting crumbnav service...")
	if err := a.setupService(ctx, opts); err != nil {
		return err
	}
	defer func() {
		if a.MQTTClient != nil {
			a.MQTTClient.Disconnect()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newHTTPServer(a.Navigator, a.mqttStatus()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.Config.Route.Watch && a.Config.Route.Path != "" {
		watcher, err := nav.NewRouteWatcher(a.Config.Route.Path, func(r *nav.Route) {
			if err := a.Navigator.SetRoute(r, a.Config.Route.Reverse); err != nil {
				log.Printf("Warning: rejected reloaded route: %v", err)
			}
		}, 0)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}

	a.printServiceInfo()
	return g.Wait()
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	if a.MQTTClient != nil {
		fmt.Fprintln(a.Out, "\nMQTT:")
		for _, suffix := range []string{nav.TopicFrame, nav.TopicAnchor, nav.TopicGeoAnchor, nav.TopicTracking, nav.TopicRelocalize, nav.TopicReset} {
			fmt.Fprintf(a.Out, "  Subscribed: %s\n", a.MQTTClient.Topic(suffix))
		}
		fmt.Fprintf(a.Out, "  Publishing to: %s/{correction,status,keypoints}\n", a.Config.MQTT.PublishPrefix)
	}
	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
	for _, line := range endpointHelp {
		fmt.Fprintln(a.Out, "  "+line)
	}
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}
