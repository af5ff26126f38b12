package nav

import (
	"math"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// FilterConfig holds the quality gates and smoothing parameters of the geospatial
// alignment filter. Angles are in degrees, distances in meters.
type FilterConfig struct {
	MaxHeadingUncertainty    float64 `yaml:"maxHeadingUncertainty" json:"maxHeadingUncertainty" validate:"gt=0"`
	MaxAltitudeUncertainty   float64 `yaml:"maxAltitudeUncertainty" json:"maxAltitudeUncertainty" validate:"gt=0"`
	MaxHorizontalUncertainty float64 `yaml:"maxHorizontalUncertainty" json:"maxHorizontalUncertainty" validate:"gt=0"`

	// GateLivePose also applies the thresholds to the live geospatial fix.
	GateLivePose bool `yaml:"gateLivePose" json:"gateLivePose"`

	// Enabled turns on outlier gating and smoothing. When false every gated
	// candidate is emitted as-is.
	Enabled bool `yaml:"filterGeoSpatial" json:"filterGeoSpatial"`

	WindowSize        int     `yaml:"windowSize" json:"windowSize" validate:"gte=1"`
	MinConsistent     int     `yaml:"minConsistent" json:"minConsistent" validate:"gte=1"`
	MaxJumpDistance   float64 `yaml:"maxJumpDistance" json:"maxJumpDistance" validate:"gt=0"`
	MaxJumpYaw        float64 `yaml:"maxJumpYaw" json:"maxJumpYaw" validate:"gt=0"`
	ReacquireAfter    int     `yaml:"reacquireAfter" json:"reacquireAfter" validate:"gte=1"`
	MinUpdateDistance float64 `yaml:"minUpdateDistance" json:"minUpdateDistance" validate:"gte=0"`
	MinUpdateYaw      float64 `yaml:"minUpdateYaw" json:"minUpdateYaw" validate:"gte=0"`
}

// DefaultFilterConfig returns the "excellent" quality thresholds of the
// geospatial provider and conservative smoothing parameters.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MaxHeadingUncertainty:    5.0,
		MaxAltitudeUncertainty:   1.5,
		MaxHorizontalUncertainty: 1.0,
		GateLivePose:             true,
		Enabled:                  true,
		WindowSize:               10,
		MinConsistent:            3,
		MaxJumpDistance:          2.0,
		MaxJumpYaw:               15.0,
		ReacquireAfter:           5,
		MinUpdateDistance:        0.05,
		MinUpdateYaw:             0.5,
	}
}

// Passes reports whether a fix is below all three uncertainty thresholds.
func (c FilterConfig) Passes(g GeoMetadata) bool {
	return g.HeadingUncertainty < c.MaxHeadingUncertainty &&
		g.AltitudeUncertainty < c.MaxAltitudeUncertainty &&
		g.HorizontalUncertainty < c.MaxHorizontalUncertainty
}

type alignmentObservation struct {
	yaw    float64
	pos    r3.Vec
	weight float64
}

// AlignmentFilter derives a correction from live geospatial anchors placed at
// recorded crumbs. It is not safe for concurrent use; the Arbitrator owns it and
// serializes access.
type AlignmentFilter struct {
	cfg     FilterConfig
	samples map[string]ReferenceSample

	window     []alignmentObservation
	rejections int
	emitted    *Pose

	logLimiter rate.Sometimes
}

// NewAlignmentFilter creates a filter with the given configuration.
func NewAlignmentFilter(cfg FilterConfig) *AlignmentFilter {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	if cfg.MinConsistent > cfg.WindowSize {
		cfg.MinConsistent = cfg.WindowSize
	}
	return &AlignmentFilter{
		cfg:        cfg,
		samples:    make(map[string]ReferenceSample),
		logLimiter: rate.Sometimes{Interval: 300 * time.Millisecond},
	}
}

// Config returns the filter configuration.
func (f *AlignmentFilter) Config() FilterConfig {
	return f.cfg
}

// SetSamples indexes the recorded crumbs that have a live anchor by anchor id.
func (f *AlignmentFilter) SetSamples(samples []ReferenceSample) {
	f.samples = make(map[string]ReferenceSample, len(samples))
	for _, s := range samples {
		if s.AnchorID != "" {
			f.samples[s.AnchorID] = s
		}
	}
}

// AddSample indexes one crumb whose live anchor was created after SetSamples.
func (f *AlignmentFilter) AddSample(s ReferenceSample) {
	if s.AnchorID == "" {
		return
	}
	f.samples[s.AnchorID] = s
}

// Reset clears the smoothing window and emission history.
func (f *AlignmentFilter) Reset() {
	f.window = nil
	f.rejections = 0
	f.emitted = nil
}

// Consider runs one tick of the filter. It returns a correction and true only
// when a quality-gated candidate exists and the smoothed estimate is consistent
// and has moved since the last emission.
func (f *AlignmentFilter) Consider(liveGeo *GeoPose, liveWorld Pose, candidates []AnchorObservation) (Pose, bool) {
	sample, anchor, ok := f.selectCandidate(liveGeo, liveWorld, candidates)
	if !ok {
		return Pose{}, false
	}

	candidate := CloudAnchorCorrection(anchor.Pose, sample.Pose)
	if liveGeo != nil && sample.Geo != nil {
		f.logLimiter.Do(func() {
			Logf("[FILTER] anchor %s: live fix %.1fm from recorded fix, h±%.2fm heading±%.1f°",
				anchor.AnchorID, GeoDistance(liveGeo.Geo, *sample.Geo),
				liveGeo.Geo.HorizontalUncertainty, liveGeo.Geo.HeadingUncertainty)
		})
	}

	if !f.cfg.Enabled {
		filterDecisionsTotal.WithLabelValues(reasonEmitted).Inc()
		return candidate, true
	}

	weight := 1.0
	if liveGeo != nil {
		h := liveGeo.Geo.HorizontalUncertainty
		weight = 1 / (h*h + 0.01)
	}
	return f.update(alignmentObservation{yaw: candidate.Yaw(), pos: candidate.Position, weight: weight})
}

// selectCandidate applies the quality gates and picks the valid anchor nearest to
// the live world pose. Ties keep the first candidate.
func (f *AlignmentFilter) selectCandidate(liveGeo *GeoPose, liveWorld Pose, candidates []AnchorObservation) (ReferenceSample, AnchorObservation, bool) {
	if f.cfg.GateLivePose && (liveGeo == nil || !f.cfg.Passes(liveGeo.Geo)) {
		filterDecisionsTotal.WithLabelValues(reasonQuality).Inc()
		return ReferenceSample{}, AnchorObservation{}, false
	}

	var (
		best       AnchorObservation
		bestSample ReferenceSample
		bestDist   = math.Inf(1)
		found      bool
		gated      int
	)
	for _, c := range candidates {
		s, ok := f.samples[c.AnchorID]
		if !ok {
			continue
		}
		if s.Geo == nil || !f.cfg.Passes(*s.Geo) {
			gated++
			continue
		}
		if !c.Valid {
			continue
		}
		if d := Distance(c.Pose, liveWorld); d < bestDist {
			best, bestSample, bestDist, found = c, s, d, true
		}
	}

	if !found {
		reason := reasonNoCandidate
		if gated > 0 {
			reason = reasonQuality
		}
		filterDecisionsTotal.WithLabelValues(reason).Inc()
		return ReferenceSample{}, AnchorObservation{}, false
	}
	return bestSample, best, true
}

func (f *AlignmentFilter) update(obs alignmentObservation) (Pose, bool) {
	if len(f.window) > 0 {
		est := f.estimate()
		dPos := math.Hypot(obs.pos.X-est.pos.X, obs.pos.Z-est.pos.Z)
		dYaw := math.Abs(AngleDiff(obs.yaw, est.yaw))
		if dPos > f.cfg.MaxJumpDistance || dYaw > degToRad(f.cfg.MaxJumpYaw) {
			f.rejections++
			if f.rejections < f.cfg.ReacquireAfter {
				filterDecisionsTotal.WithLabelValues(reasonOutlier).Inc()
				Logf("[FILTER] rejected outlier: jump %.2fm / %.1f° (%d consecutive)",
					dPos, radToDeg(dYaw), f.rejections)
				return Pose{}, false
			}
			filterDecisionsTotal.WithLabelValues(reasonReacquired).Inc()
			Logf("[FILTER] %d consecutive outliers, reacquiring", f.rejections)
			f.window = f.window[:0]
		}
	}
	f.rejections = 0

	f.window = append(f.window, obs)
	if len(f.window) > f.cfg.WindowSize {
		f.window = f.window[len(f.window)-f.cfg.WindowSize:]
	}
	if len(f.window) < f.cfg.MinConsistent {
		filterDecisionsTotal.WithLabelValues(reasonSettling).Inc()
		return Pose{}, false
	}

	est := f.estimate()
	pose := PoseFromYaw(est.yaw, est.pos)
	if f.emitted != nil &&
		Distance(pose, *f.emitted) < f.cfg.MinUpdateDistance &&
		math.Abs(AngleDiff(pose.Yaw(), f.emitted.Yaw())) < degToRad(f.cfg.MinUpdateYaw) {
		filterDecisionsTotal.WithLabelValues(reasonSettling).Inc()
		return Pose{}, false
	}

	f.emitted = &pose
	filterDecisionsTotal.WithLabelValues(reasonEmitted).Inc()
	return pose, true
}

// estimate is the weighted mean of the window; yaw uses the circular mean.
func (f *AlignmentFilter) estimate() alignmentObservation {
	n := len(f.window)
	xs, ys, zs := make([]float64, n), make([]float64, n), make([]float64, n)
	yaws, ws := make([]float64, n), make([]float64, n)
	for i, o := range f.window {
		xs[i], ys[i], zs[i] = o.pos.X, o.pos.Y, o.pos.Z
		yaws[i], ws[i] = o.yaw, o.weight
	}
	return alignmentObservation{
		yaw: stat.CircularMean(yaws, ws),
		pos: r3.Vec{X: stat.Mean(xs, ws), Y: stat.Mean(ys, ws), Z: stat.Mean(zs, ws)},
	}
}

// CloudAnchorCorrection maps the recorded frame onto the live frame from one pair
// of corresponding poses, ignoring any tilt between them. Geospatial candidates
// are computed the same way.
func CloudAnchorCorrection(live, recorded Pose) Pose {
	return Compose(live.LevelY(), recorded.LevelY().Inverse())
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }

func radToDeg(r float64) float64 { return r * 180 / math.Pi }
