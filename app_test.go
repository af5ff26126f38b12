package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/crumbnav/nav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSampleRoute(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "route.json")
	require.NoError(t, nav.SaveRoute(path, sampleRoute()))
	return path
}

func defaultRouteOptions() RouteOptions {
	return RouteOptions{PathWidth: nav.DefaultPathWidth}
}

func TestNewApp(t *testing.T) {
	app := NewApp(nil)
	require.NotNil(t, app)
	assert.Equal(t, os.Stdout, app.Out)
	assert.Nil(t, app.Navigator)

	var buf bytes.Buffer
	assert.Equal(t, &buf, NewApp(&buf).Out)
}

// ---------------------------------------------------------------------------
// simplify
// ---------------------------------------------------------------------------

func TestRunSimplify_Text(t *testing.T) {
	var buf bytes.Buffer
	app := NewApp(&buf)

	require.NoError(t, app.RunSimplify(writeSampleRoute(t), defaultRouteOptions(), false))

	out := buf.String()
	assert.Contains(t, out, "=== corridor ===")
	assert.Contains(t, out, "Crumbs: 7 -> Keypoints: 3 (path length 3.00m)")
	assert.Contains(t, out, "[2] (1.500, 0.000, -1.500)")
}

func TestRunSimplify_JSON(t *testing.T) {
	tests := []struct {
		name      string
		reverse   bool
		wantFirst [3]float64
	}{
		{"forward", false, [3]float64{0, 0, 0}},
		{"reverse", true, [3]float64{1.5, 0, -1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			opts := defaultRouteOptions()
			opts.Reverse = tt.reverse

			require.NoError(t, NewApp(&buf).RunSimplify(writeSampleRoute(t), opts, true))

			var views []keypointView
			require.NoError(t, json.Unmarshal(buf.Bytes(), &views))
			require.Len(t, views, 3)
			first := views[0].Pose
			assert.InDelta(t, tt.wantFirst[0], first.X(), 1e-9)
			assert.InDelta(t, tt.wantFirst[1], first.Y(), 1e-9)
			assert.InDelta(t, tt.wantFirst[2], first.Z(), 1e-9)
		})
	}
}

func TestRunSimplify_MissingFile(t *testing.T) {
	err := NewApp(&bytes.Buffer{}).RunSimplify(filepath.Join(t.TempDir(), "nope.json"), defaultRouteOptions(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route file not found")
}

func TestRunSimplify_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	assert.Error(t, NewApp(&bytes.Buffer{}).RunSimplify(path, defaultRouteOptions(), false))
}

// ---------------------------------------------------------------------------
// export
// ---------------------------------------------------------------------------

func TestRunExport(t *testing.T) {
	tests := []struct {
		name         string
		crumbs       bool
		wantFeatures int
	}{
		// three keypoints plus the connecting line
		{"keypoints", false, 4},
		// two geotagged crumbs plus the trail
		{"crumb trail", true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name+" to stdout", func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewApp(&buf).RunExport(writeSampleRoute(t), "", tt.crumbs, defaultRouteOptions()))

			var fc struct {
				Type     string `json:"type"`
				Features []any  `json:"features"`
			}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &fc))
			assert.Equal(t, "FeatureCollection", fc.Type)
			assert.Len(t, fc.Features, tt.wantFeatures)
		})

		t.Run(tt.name+" to file", func(t *testing.T) {
			var buf bytes.Buffer
			output := filepath.Join(t.TempDir(), "out.geojson")
			require.NoError(t, NewApp(&buf).RunExport(writeSampleRoute(t), output, tt.crumbs, defaultRouteOptions()))

			assert.Contains(t, buf.String(), "Created: "+output)
			data, err := os.ReadFile(output)
			require.NoError(t, err)
			assert.True(t, json.Valid(data))
		})
	}
}

func TestRunExport_UnwritableOutput(t *testing.T) {
	output := filepath.Join(t.TempDir(), "missing-dir", "out.geojson")
	err := NewApp(&bytes.Buffer{}).RunExport(writeSampleRoute(t), output, false, defaultRouteOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing")
}

// ---------------------------------------------------------------------------
// render
// ---------------------------------------------------------------------------

func TestRunRender(t *testing.T) {
	route := writeSampleRoute(t)

	t.Run("svg", func(t *testing.T) {
		var buf bytes.Buffer
		output := filepath.Join(t.TempDir(), "route.svg")
		require.NoError(t, NewApp(&buf).RunRender(route, output, defaultRouteOptions()))

		data, err := os.ReadFile(output)
		require.NoError(t, err)
		assert.Contains(t, string(data), "<svg")
		assert.Contains(t, buf.String(), "Created: "+output)
	})

	t.Run("png", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "route.PNG")
		require.NoError(t, NewApp(&bytes.Buffer{}).RunRender(route, output, defaultRouteOptions()))

		f, err := os.Open(output)
		require.NoError(t, err)
		defer f.Close()
		_, err = png.Decode(f)
		assert.NoError(t, err)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "route.gif")
		err := NewApp(&bytes.Buffer{}).RunRender(route, output, defaultRouteOptions())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
		assert.NoFileExists(t, output)
	})
}

// ---------------------------------------------------------------------------
// service setup
// ---------------------------------------------------------------------------

// writeServiceConfig points MQTT at a closed local port so the connect loop
// runs in the background without reaching a broker.
func writeServiceConfig(t *testing.T, route string) string {
	t.Helper()
	t.Setenv("MQTT_BROKER", "")
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	var b strings.Builder
	b.WriteString("mqtt:\n  broker: tcp://127.0.0.1:1\n  topicPrefix: walker\n  publishPrefix: walker/nav\n")
	b.WriteString("route:\n")
	b.WriteString("  " + route + "\n")
	b.WriteString("http:\n  port: 18080\n")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestSetupService_LoadsRoute(t *testing.T) {
	route := writeSampleRoute(t)
	app := NewApp(&bytes.Buffer{})

	err := app.setupService(context.Background(), ServiceOptions{
		ConfigFile: writeServiceConfig(t, "path: "+route),
		HTTPPort:   9999,
	})
	require.NoError(t, err)

	assert.Equal(t, 9999, app.Config.HTTP.Port)
	require.NotNil(t, app.Navigator)
	assert.True(t, app.Navigator.HasRoute())
	assert.Equal(t, "corridor", app.Navigator.Route().Name)
	assert.Len(t, app.Navigator.Keypoints(), 3)

	require.NotNil(t, app.MQTTClient)
	require.NotNil(t, app.Publisher)
	assert.Equal(t, "walker/frame", app.MQTTClient.Topic(nav.TopicFrame))
	assert.NotNil(t, app.mqttStatus())
}

func TestSetupService_RouteOverride(t *testing.T) {
	route := writeSampleRoute(t)
	missing := filepath.Join(t.TempDir(), "missing.json")
	app := NewApp(&bytes.Buffer{})

	err := app.setupService(context.Background(), ServiceOptions{
		ConfigFile: writeServiceConfig(t, "path: "+missing),
		RoutePath:  route,
	})
	require.NoError(t, err)
	assert.Equal(t, route, app.Config.Route.Path)
	assert.True(t, app.Navigator.HasRoute())
}

func TestSetupService_WaitsForMissingRoute(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "later.json")
	app := NewApp(&bytes.Buffer{})

	require.NoError(t, app.setupService(context.Background(), ServiceOptions{
		ConfigFile: writeServiceConfig(t, "path: "+missing),
	}))
	assert.False(t, app.Navigator.HasRoute())
}

func TestSetupService_FetchesAndCachesRoute(t *testing.T) {
	data, err := json.Marshal(sampleRoute())
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "cached.json")
	app := NewApp(&bytes.Buffer{})
	require.NoError(t, app.setupService(context.Background(), ServiceOptions{
		ConfigFile: writeServiceConfig(t, "path: "+cache),
		RouteURL:   srv.URL,
	}))

	assert.True(t, app.Navigator.HasRoute())
	cached, err := nav.LoadRoute(cache)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "corridor", cached.Name)
}

func TestSetupService_ConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		err := NewApp(&bytes.Buffer{}).setupService(context.Background(), ServiceOptions{
			ConfigFile: filepath.Join(t.TempDir(), "none.yaml"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config file not found")
	})

	t.Run("no route source", func(t *testing.T) {
		t.Setenv("MQTT_BROKER", "")
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 8081\n"), 0o644))

		err := NewApp(&bytes.Buffer{}).setupService(context.Background(), ServiceOptions{ConfigFile: path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "route.path is required when url is not set")
	})
}

func TestSetupService_RouteFlagWithoutRouteSection(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  broker: tcp://127.0.0.1:1\n"), 0o644))
	route := writeSampleRoute(t)

	app := NewApp(&bytes.Buffer{})
	require.NoError(t, app.setupService(context.Background(), ServiceOptions{
		ConfigFile: path,
		RoutePath:  route,
	}))
	assert.Equal(t, route, app.Config.Route.Path)
	assert.True(t, app.Navigator.HasRoute())
}

func TestSetupService_WithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("route:\n  path: "+writeSampleRoute(t)+"\n"), 0o644))

	app := NewApp(&bytes.Buffer{})
	require.NoError(t, app.setupService(context.Background(), ServiceOptions{ConfigFile: path}))
	assert.True(t, app.Navigator.HasRoute())
	assert.Nil(t, app.MQTTClient)
	assert.Nil(t, app.Publisher)
	assert.Nil(t, app.mqttStatus())
}

func TestMQTTStatus_NoClient(t *testing.T) {
	app := NewApp(&bytes.Buffer{})
	assert.Nil(t, app.mqttStatus())
}
