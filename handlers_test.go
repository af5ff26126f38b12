package main

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/crumbnav/nav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// sampleRoute is a short corridor with a right-angle turn and one geotagged crumb.
func sampleRoute() *nav.Route {
	r := nav.NewRoute("corridor")
	for i := 0; i <= 6; i++ {
		x, z := float64(i)*0.5, 0.0
		if i > 3 {
			x, z = 1.5, -float64(i-3)*0.5
		}
		s := nav.ReferenceSample{Pose: nav.Translation(x, 0, z)}
		if i == 0 {
			s.Geo = &nav.GeoMetadata{Latitude: 40.7, Longitude: -74.0, HorizontalUncertainty: 0.3}
			s.AnchorID = "start"
		}
		if i == 1 {
			s.Geo = &nav.GeoMetadata{Latitude: 40.7, Longitude: -73.99999, HorizontalUncertainty: 0.3}
		}
		r.AddCrumb(s)
	}
	r.CloudAnchors["turn"] = nav.Translation(1.5, 0, 0)
	return r
}

func loadedNavigator(t *testing.T) *nav.Navigator {
	t.Helper()
	n := nav.NewNavigator(nav.NewArbitrator(nil), nav.NavigatorOptions{})
	require.NoError(t, n.SetRoute(sampleRoute(), false))
	return n
}

func emptyNavigator() *nav.Navigator {
	return nav.NewNavigator(nav.NewArbitrator(nil), nav.NavigatorOptions{})
}

type fakeConnection bool

func (f fakeConnection) IsConnected() bool { return bool(f) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// /health and /state
// ---------------------------------------------------------------------------

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name          string
		navigator     *nav.Navigator
		mqtt          connectionStatus
		wantRoute     bool
		wantConnected bool
	}{
		{"no route, no mqtt", emptyNavigator(), nil, false, false},
		{"route, disconnected", loadedNavigator(t), fakeConnection(false), true, false},
		{"route, connected", loadedNavigator(t), fakeConnection(true), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, newHTTPServer(tt.navigator, tt.mqtt), "/health")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "ok", body["status"])
			assert.Equal(t, tt.wantRoute, body["hasRoute"])
			assert.Equal(t, tt.wantConnected, body["mqttConnected"])
		})
	}
}

func TestStateHandler(t *testing.T) {
	n := loadedNavigator(t)
	n.Arbitrator().OnAnchorResolved("turn", nav.Translation(1.5, 0, 1))

	rec := get(t, newHTTPServer(n, nil), "/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Alignment  nav.AlignmentSnapshot `json:"alignment"`
		Navigation nav.NavigationStatus  `json:"navigation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, nav.LocalizationCloudAnchor, body.Alignment.State)
	assert.Equal(t, "turn", body.Alignment.LastResolvedAnchor)
	assert.Equal(t, "corridor", body.Navigation.RouteName)
	assert.InDelta(t, 1, body.Alignment.Correction.Z(), 1e-9)
}

// ---------------------------------------------------------------------------
// keypoints
// ---------------------------------------------------------------------------

func TestKeypointsHandler(t *testing.T) {
	t.Run("no route", func(t *testing.T) {
		rec := get(t, newHTTPServer(emptyNavigator(), nil), "/keypoints")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("corrected keypoints", func(t *testing.T) {
		n := loadedNavigator(t)
		n.Arbitrator().OnRelocalization(nav.Translation(0, 0, 2))

		rec := get(t, newHTTPServer(n, nil), "/keypoints")
		require.Equal(t, http.StatusOK, rec.Code)

		var views []keypointView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
		require.Len(t, views, 3)
		assert.Equal(t, 0, views[0].Index)
		assert.InDelta(t, 2, views[0].Pose.Z(), 1e-9)
		assert.InDelta(t, 1.5, views[1].Pose.X(), 1e-9)
		assert.InDelta(t, -1, views[1].Orientation[0], 1e-9)
		assert.InDelta(t, 0, views[1].Orientation[2], 1e-9)
	})
}

func TestKeypointsGeoJSONHandler(t *testing.T) {
	rec := get(t, newHTTPServer(loadedNavigator(t), nil), "/keypoints.geojson")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []any  `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 4)
}

func TestCrumbsGeoJSONHandler(t *testing.T) {
	rec := get(t, newHTTPServer(emptyNavigator(), nil), "/crumbs.geojson")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, newHTTPServer(loadedNavigator(t), nil), "/crumbs.geojson")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trail"`)
}

// ---------------------------------------------------------------------------
// rendering
// ---------------------------------------------------------------------------

func TestRouteSVGHandler(t *testing.T) {
	rec := get(t, newHTTPServer(emptyNavigator(), nil), "/route.svg")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	n := loadedNavigator(t)
	n.Advance(nav.Translation(0.2, 0, 0))
	rec = get(t, newHTTPServer(n, nil), "/route.svg")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<svg")
}

func TestRoutePNGHandler(t *testing.T) {
	rec := get(t, newHTTPServer(loadedNavigator(t), nil), "/route.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	_, err := png.Decode(rec.Body)
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// misc
// ---------------------------------------------------------------------------

func TestMetricsHandler(t *testing.T) {
	n := loadedNavigator(t)
	n.Advance(nav.Translation(0, 0, 0))

	rec := get(t, newHTTPServer(n, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "crumbnav_keypoints_reached_total")
	assert.Contains(t, body, "crumbnav_simplify_duration_seconds")
}

func TestIndexHandler(t *testing.T) {
	h := newHTTPServer(emptyNavigator(), nil)

	rec := get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, line := range endpointHelp {
		path := strings.Fields(line)[1]
		assert.Contains(t, rec.Body.String(), path)
	}

	rec = get(t, h, "/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
