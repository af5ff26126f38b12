package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kwv/crumbnav/nav"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// connectionStatus is satisfied by *nav.MQTTClient.
type connectionStatus interface {
	IsConnected() bool
}

// newHTTPServer creates the diagnostics handler. mqttClient may be nil.
func newHTTPServer(navigator *nav.Navigator, mqttClient connectionStatus) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			HasRoute      bool      `json:"hasRoute"`
			MQTTConnected bool      `json:"mqttConnected"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			HasRoute:      navigator.HasRoute(),
			MQTTConnected: mqttClient != nil && mqttClient.IsConnected(),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			Alignment  nav.AlignmentSnapshot `json:"alignment"`
			Navigation nav.NavigationStatus  `json:"navigation"`
		}{
			Alignment:  navigator.Arbitrator().Snapshot(),
			Navigation: navigator.Status(),
		})
	})

	mux.HandleFunc("/keypoints", func(w http.ResponseWriter, r *http.Request) {
		if !navigator.HasRoute() {
			http.Error(w, "No route loaded", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, keypointViews(navigator.CorrectedKeypoints()))
	})

	mux.HandleFunc("/keypoints.geojson", func(w http.ResponseWriter, r *http.Request) {
		if !navigator.HasRoute() {
			http.Error(w, "No route loaded", http.StatusServiceUnavailable)
			return
		}
		fc := nav.KeypointsFeatureCollection(navigator.Keypoints(), navigator.Arbitrator().CurrentCorrection())
		writeGeoJSON(w, fc)
	})

	mux.HandleFunc("/crumbs.geojson", func(w http.ResponseWriter, r *http.Request) {
		route := navigator.Route()
		if route == nil {
			http.Error(w, "No route loaded", http.StatusServiceUnavailable)
			return
		}
		writeGeoJSON(w, nav.CrumbTrailFeatureCollection(route))
	})

	mux.HandleFunc("/route.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := routeRenderer(navigator)
		if !ok {
			http.Error(w, "No route loaded", http.StatusServiceUnavailable)
			return
		}
		var buf bytes.Buffer
		if err := renderer.RenderToSVG(&buf); err != nil {
			log.Printf("[HTTP] error rendering SVG: %v", err)
			http.Error(w, "Failed to render", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(buf.Bytes())
	})

	mux.HandleFunc("/route.png", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := routeRenderer(navigator)
		if !ok {
			http.Error(w, "No route loaded", http.StatusServiceUnavailable)
			return
		}
		var buf bytes.Buffer
		if err := renderer.RenderToPNG(&buf); err != nil {
			log.Printf("[HTTP] error rendering PNG: %v", err)
			http.Error(w, "Failed to render", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, "crumbnav")
		for _, line := range endpointHelp {
			_, _ = fmt.Fprintln(w, "  "+line)
		}
	})

	return mux
}

var endpointHelp = []string{
	"GET /health             - Health check",
	"GET /state              - Alignment snapshot and navigation progress",
	"GET /keypoints          - Keypoints in the live frame",
	"GET /keypoints.geojson  - Keypoints as GeoJSON (local x/z)",
	"GET /crumbs.geojson     - Geotagged crumb trail as GeoJSON",
	"GET /route.svg          - Plan view",
	"GET /route.png          - Plan view (raster)",
	"GET /metrics            - Prometheus metrics",
}

type keypointView struct {
	Index       int        `json:"index"`
	Pose        nav.Pose   `json:"pose"`
	Orientation [3]float64 `json:"orientation"`
}

func keypointViews(ks nav.Keypoints) []keypointView {
	out := make([]keypointView, len(ks))
	for i, k := range ks {
		o := ks.Orientation(i)
		out[i] = keypointView{Index: i, Pose: k.Pose, Orientation: [3]float64{o.X, o.Y, o.Z}}
	}
	return out
}

func routeRenderer(navigator *nav.Navigator) (*nav.RouteRenderer, bool) {
	if !navigator.HasRoute() {
		return nil, false
	}
	r := nav.NewRouteRenderer(navigator.CrumbPoses(), navigator.Keypoints(), navigator.Arbitrator().CurrentCorrection())
	r.Live = navigator.LastLive()
	return r, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] error encoding response: %v", err)
	}
}

func writeGeoJSON(w http.ResponseWriter, v json.Marshaler) {
	data, err := v.MarshalJSON()
	if err != nil {
		log.Printf("[HTTP] error encoding GeoJSON: %v", err)
		http.Error(w, "Failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}
