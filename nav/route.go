package nav

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
)

// MaxCloudAnchors is the number of cloud anchors above which resolution becomes
// unreliable. Routes with more still load, but a warning is logged.
const MaxCloudAnchors = 20

var (
	// ErrEmptyRoute is returned when a route has no crumbs.
	ErrEmptyRoute = errors.New("route has no crumbs")

	// ErrAnchorAlreadyAssigned is returned when a crumb already has a live anchor.
	ErrAnchorAlreadyAssigned = errors.New("anchor already assigned")
)

// Route is a recorded trail plus the anchors saved alongside it.
type Route struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	DateCreated         time.Time         `json:"dateCreated"`
	Crumbs              []ReferenceSample `json:"crumbs"`
	CloudAnchors        map[string]Pose   `json:"cloudAnchors,omitempty"`
	BeginAnchor         *AnchorPoint      `json:"beginAnchor,omitempty"`
	EndAnchor           *AnchorPoint      `json:"endAnchor,omitempty"`
	IntermediateAnchors []AnchorPoint     `json:"intermediateAnchors,omitempty"`
}

// NewRoute creates an empty route with a fresh identifier.
func NewRoute(name string) *Route {
	return &Route{
		ID:           uuid.New().String(),
		Name:         name,
		DateCreated:  time.Now().UTC(),
		CloudAnchors: make(map[string]Pose),
	}
}

// AddCrumb appends a recorded sample.
func (r *Route) AddCrumb(s ReferenceSample) {
	r.Crumbs = append(r.Crumbs, s)
}

// AssignAnchor records the live anchor created for crumb i. It may only happen once.
func (r *Route) AssignAnchor(i int, anchorID string) error {
	if i < 0 || i >= len(r.Crumbs) {
		return fmt.Errorf("assign anchor: crumb index %d out of range [0, %d)", i, len(r.Crumbs))
	}
	if r.Crumbs[i].AnchorID != "" {
		return fmt.Errorf("assign anchor to crumb %d: %w (%s)", i, ErrAnchorAlreadyAssigned, r.Crumbs[i].AnchorID)
	}
	r.Crumbs[i].AnchorID = anchorID
	return nil
}

// CrumbPoses returns the crumb poses in travel order. Reverse walks the route
// from its end back to its start.
func (r *Route) CrumbPoses(reverse bool) []Pose {
	out := make([]Pose, len(r.Crumbs))
	for i, c := range r.Crumbs {
		out[i] = c.Pose
	}
	if reverse {
		slices.Reverse(out)
	}
	return out
}

// GeoSamples returns the crumbs that carry geospatial metadata.
func (r *Route) GeoSamples() []ReferenceSample {
	var out []ReferenceSample
	for _, c := range r.Crumbs {
		if c.HasGeo() {
			out = append(out, c)
		}
	}
	return out
}

// AnchorPoints returns begin, intermediate, and end anchors in travel order.
func (r *Route) AnchorPoints(reverse bool) []AnchorPoint {
	var out []AnchorPoint
	if r.BeginAnchor != nil {
		out = append(out, *r.BeginAnchor)
	}
	out = append(out, r.IntermediateAnchors...)
	if r.EndAnchor != nil {
		out = append(out, *r.EndAnchor)
	}
	if reverse {
		slices.Reverse(out)
	}
	return out
}

// Validate checks the route before it is handed to the navigator.
func (r *Route) Validate() error {
	if len(r.Crumbs) == 0 {
		return ErrEmptyRoute
	}
	for i, c := range r.Crumbs {
		if !c.Pose.IsFinite() {
			return fmt.Errorf("crumb %d: %w", i, ErrInvalidPose)
		}
		if c.Geo != nil {
			if err := c.Geo.validate(); err != nil {
				return fmt.Errorf("crumb %d: %w", i, err)
			}
		}
	}
	if len(r.CloudAnchors) > MaxCloudAnchors {
		Logf("[ROUTE] %s: %d cloud anchors exceeds %d, resolution may be unreliable",
			r.Name, len(r.CloudAnchors), MaxCloudAnchors)
	}
	return nil
}

// ParseRoute decodes and validates a route document.
func ParseRoute(data []byte) (*Route, error) {
	var r Route
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing route JSON: %w", err)
	}
	if r.CloudAnchors == nil {
		r.CloudAnchors = make(map[string]Pose)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid route: %w", err)
	}
	return &r, nil
}

// LoadRoute reads a route from disk. It returns nil, nil if the file does not exist.
func LoadRoute(path string) (*Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading route file: %w", err)
	}
	return ParseRoute(data)
}

// SaveRoute writes a route to disk as indented JSON.
func SaveRoute(path string, r *Route) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling route: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating route directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing route file: %w", err)
	}
	return nil
}
