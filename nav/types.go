package nav

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Logf is the package logger. Tests may replace it to silence or capture output.
var Logf = log.Printf

// GeoMetadata is the globally-referenced part of a recorded or live pose.
// Heading and HeadingUncertainty are in degrees; the rest are meters.
type GeoMetadata struct {
	Latitude              float64 `json:"latitude" yaml:"latitude"`
	Longitude             float64 `json:"longitude" yaml:"longitude"`
	Altitude              float64 `json:"altitude" yaml:"altitude"`
	Heading               float64 `json:"heading" yaml:"heading"`
	HorizontalUncertainty float64 `json:"horizontalUncertainty" yaml:"horizontalUncertainty"`
	AltitudeUncertainty   float64 `json:"altitudeUncertainty" yaml:"altitudeUncertainty"`
	HeadingUncertainty    float64 `json:"headingUncertainty" yaml:"headingUncertainty"`
}

// Point returns the lon/lat point for orb geometry.
func (g GeoMetadata) Point() orb.Point {
	return orb.Point{g.Longitude, g.Latitude}
}

// GeoDistance returns the great-circle distance in meters between two fixes.
func GeoDistance(a, b GeoMetadata) float64 {
	return geo.Distance(a.Point(), b.Point())
}

func (g GeoMetadata) validate() error {
	if g.HorizontalUncertainty < 0 || g.AltitudeUncertainty < 0 || g.HeadingUncertainty < 0 {
		return fmt.Errorf("negative uncertainty (h=%.2f a=%.2f heading=%.2f)",
			g.HorizontalUncertainty, g.AltitudeUncertainty, g.HeadingUncertainty)
	}
	if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("coordinates out of range (%.6f, %.6f)", g.Latitude, g.Longitude)
	}
	return nil
}

// ReferenceSample is a recorded crumb: a pose, optional geospatial fix, and the
// identifier of the live anchor created for it, once there is one.
type ReferenceSample struct {
	Pose     Pose         `json:"pose"`
	Geo      *GeoMetadata `json:"geo,omitempty"`
	AnchorID string       `json:"anchorId,omitempty"`
}

// HasGeo reports whether the sample carries geospatial metadata.
func (s ReferenceSample) HasGeo() bool {
	return s.Geo != nil
}

// GeoPose is a live pose paired with the geospatial fix it was derived from.
type GeoPose struct {
	Pose Pose        `json:"pose"`
	Geo  GeoMetadata `json:"geo"`
}

// AnchorObservation is the live state of an anchor in the current frame.
type AnchorObservation struct {
	AnchorID string `json:"anchorId"`
	Pose     Pose   `json:"pose"`
	Valid    bool   `json:"valid"`
}

// LiveFrame is one tick of the live tracking session.
type LiveFrame struct {
	WorldPose    Pose                `json:"worldPose"`
	Geo          *GeoPose            `json:"geo,omitempty"`
	GeoAnchors   []AnchorObservation `json:"geoAnchors,omitempty"`
	CloudAnchors []AnchorObservation `json:"cloudAnchors,omitempty"`
	Timestamp    time.Time           `json:"timestamp,omitempty"`
}

// AnchorResolution reports the outcome of resolving a recorded cloud anchor.
// Pose is nil when resolution failed.
type AnchorResolution struct {
	AnchorID string `json:"anchorId"`
	Pose     *Pose  `json:"pose,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AnchorAssignment reports a live anchor placed at a recorded crumb.
type AnchorAssignment struct {
	CrumbIndex int    `json:"crumbIndex"`
	AnchorID   string `json:"anchorId"`
}

// AnchorPoint is a recorded anchor with the text announced when it is reached.
type AnchorPoint struct {
	Pose        Pose   `json:"pose"`
	Information string `json:"information,omitempty"`
}

// TrackingState mirrors the live tracking subsystem's status.
type TrackingState int

const (
	TrackingNotAvailable TrackingState = iota
	TrackingLimited
	TrackingRelocalizing
	TrackingNormal
)

var trackingStateNames = map[TrackingState]string{
	TrackingNotAvailable: "notAvailable",
	TrackingLimited:      "limited",
	TrackingRelocalizing: "relocalizing",
	TrackingNormal:       "normal",
}

func (s TrackingState) String() string {
	if name, ok := trackingStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TrackingState(%d)", int(s))
}

// ParseTrackingState converts a tracking status name into a TrackingState.
func ParseTrackingState(s string) (TrackingState, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for state, name := range trackingStateNames {
		if strings.ToLower(name) == want {
			return state, nil
		}
	}
	return TrackingNotAvailable, fmt.Errorf("unknown tracking state %q", s)
}

// UnmarshalJSON decodes a state name such as "relocalizing".
func (s *TrackingState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("tracking state: %w", err)
	}
	parsed, err := ParseTrackingState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalJSON encodes the state by name.
func (s TrackingState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
