package nav

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func goodGeo() *GeoMetadata {
	return &GeoMetadata{
		Latitude:              47.6,
		Longitude:             -122.3,
		HorizontalUncertainty: 0.1,
		AltitudeUncertainty:   0.2,
		HeadingUncertainty:    1,
	}
}

func liveGeoFix() *GeoPose {
	return &GeoPose{Pose: IdentityPose(), Geo: *goodGeo()}
}

func anchoredSample(id string, p Pose, g *GeoMetadata) ReferenceSample {
	return ReferenceSample{Pose: p, Geo: g, AnchorID: id}
}

func observe(id string, p Pose) AnchorObservation {
	return AnchorObservation{AnchorID: id, Pose: p, Valid: true}
}

func unsmoothedConfig() FilterConfig {
	cfg := DefaultFilterConfig()
	cfg.Enabled = false
	return cfg
}

// ============================================================================
// Quality gate and candidate selection
// ============================================================================

func TestFilterConfig_Passes(t *testing.T) {
	cfg := DefaultFilterConfig()

	tests := []struct {
		name string
		geo  GeoMetadata
		want bool
	}{
		{"excellent", *goodGeo(), true},
		{"heading at threshold", GeoMetadata{HeadingUncertainty: 5, AltitudeUncertainty: 0.1, HorizontalUncertainty: 0.1}, false},
		{"altitude too high", GeoMetadata{HeadingUncertainty: 1, AltitudeUncertainty: 2, HorizontalUncertainty: 0.1}, false},
		{"horizontal too high", GeoMetadata{HeadingUncertainty: 1, AltitudeUncertainty: 0.1, HorizontalUncertainty: 1.0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Passes(tt.geo))
		})
	}
}

func TestAlignmentFilter_Candidate(t *testing.T) {
	f := NewAlignmentFilter(unsmoothedConfig())
	f.SetSamples([]ReferenceSample{anchoredSample("a", Translation(1, 0, 0), goodGeo())})

	got, ok := f.Consider(liveGeoFix(), Translation(1, 0, 3), []AnchorObservation{observe("a", Translation(1, 0, 3))})
	require.True(t, ok)
	assert.True(t, ApproxEqual(Translation(0, 0, 3), got, 1e-9), "got %s", got)
}

func TestAlignmentFilter_CandidateIgnoresTilt(t *testing.T) {
	f := NewAlignmentFilter(unsmoothedConfig())
	recorded := PoseFromYaw(0.3, r3.Vec{X: 2})
	f.SetSamples([]ReferenceSample{anchoredSample("a", recorded, goodGeo())})

	live := tiltedPose(0.8, 0.2, -0.1, r3.Vec{X: 5, Y: 1, Z: -2})
	got, ok := f.Consider(liveGeoFix(), live, []AnchorObservation{observe("a", live)})
	require.True(t, ok)

	pitch, yaw, roll := got.EulerAngles()
	assert.InDelta(t, 0.5, yaw, 1e-9)
	assert.InDelta(t, 0, pitch, 1e-9)
	assert.InDelta(t, 0, roll, 1e-9)
	vecNear(t, live.Position, got.Apply(recorded.Position), 1e-9)
}

func TestAlignmentFilter_QualityGatedSelection(t *testing.T) {
	poor := goodGeo()
	poor.HorizontalUncertainty = 5.0

	f := NewAlignmentFilter(unsmoothedConfig())
	f.SetSamples([]ReferenceSample{
		anchoredSample("poor", Translation(0, 0, 0), poor),
		anchoredSample("good", Translation(0, 0, 0), goodGeo()),
	})

	// Both anchors are 2m from the live pose; the poor one is listed first.
	live := Translation(0, 0, 0)
	got, ok := f.Consider(liveGeoFix(), live, []AnchorObservation{
		observe("poor", Translation(2, 0, 0)),
		observe("good", Translation(-2, 0, 0)),
	})
	require.True(t, ok)
	assert.True(t, ApproxEqual(Translation(-2, 0, 0), got, 1e-9), "selected %s", got)
}

func TestAlignmentFilter_AllCandidatesGated(t *testing.T) {
	gates := map[string]func(*GeoMetadata){
		"heading":    func(g *GeoMetadata) { g.HeadingUncertainty = 10 },
		"altitude":   func(g *GeoMetadata) { g.AltitudeUncertainty = 3 },
		"horizontal": func(g *GeoMetadata) { g.HorizontalUncertainty = 1.5 },
	}
	for name, degrade := range gates {
		t.Run(name, func(t *testing.T) {
			a, b := goodGeo(), goodGeo()
			degrade(a)
			degrade(b)

			f := NewAlignmentFilter(unsmoothedConfig())
			f.SetSamples([]ReferenceSample{
				anchoredSample("a", Translation(0, 0, 0), a),
				anchoredSample("b", Translation(5, 0, 0), b),
			})

			// Anchor "a" sits exactly on the live pose.
			live := Translation(1, 0, 1)
			_, ok := f.Consider(liveGeoFix(), live, []AnchorObservation{observe("a", live), observe("b", Translation(9, 0, 9))})
			assert.False(t, ok)
		})
	}
}

func TestAlignmentFilter_NoUsableCandidate(t *testing.T) {
	f := NewAlignmentFilter(unsmoothedConfig())
	f.SetSamples([]ReferenceSample{
		anchoredSample("a", Translation(0, 0, 0), goodGeo()),
		{Pose: Translation(1, 0, 0), Geo: goodGeo()}, // no anchor id, never indexed
		anchoredSample("nogeo", Translation(2, 0, 0), nil),
	})

	tests := []struct {
		name       string
		candidates []AnchorObservation
	}{
		{"none", nil},
		{"unknown anchor", []AnchorObservation{observe("zzz", IdentityPose())}},
		{"invalid observation", []AnchorObservation{{AnchorID: "a", Pose: IdentityPose(), Valid: false}}},
		{"sample without geo", []AnchorObservation{observe("nogeo", IdentityPose())}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := f.Consider(liveGeoFix(), IdentityPose(), tt.candidates)
			assert.False(t, ok)
		})
	}
}

func TestAlignmentFilter_LivePoseGate(t *testing.T) {
	samples := []ReferenceSample{anchoredSample("a", Translation(0, 0, 0), goodGeo())}
	candidates := []AnchorObservation{observe("a", Translation(0, 0, 1))}

	noisy := liveGeoFix()
	noisy.Geo.HeadingUncertainty = 20

	f := NewAlignmentFilter(unsmoothedConfig())
	f.SetSamples(samples)

	_, ok := f.Consider(nil, IdentityPose(), candidates)
	assert.False(t, ok, "missing live fix")
	_, ok = f.Consider(noisy, IdentityPose(), candidates)
	assert.False(t, ok, "noisy live fix")

	cfg := unsmoothedConfig()
	cfg.GateLivePose = false
	ungated := NewAlignmentFilter(cfg)
	ungated.SetSamples(samples)

	_, ok = ungated.Consider(nil, IdentityPose(), candidates)
	assert.True(t, ok)
	_, ok = ungated.Consider(noisy, IdentityPose(), candidates)
	assert.True(t, ok)
}

// ============================================================================
// Smoothing and outlier gating
// ============================================================================

func smoothingFilter() *AlignmentFilter {
	f := NewAlignmentFilter(DefaultFilterConfig())
	f.SetSamples([]ReferenceSample{anchoredSample("a", Translation(0, 0, 0), goodGeo())})
	return f
}

func considerAt(f *AlignmentFilter, anchor Pose) (Pose, bool) {
	return f.Consider(liveGeoFix(), anchor, []AnchorObservation{observe("a", anchor)})
}

func TestAlignmentFilter_Settling(t *testing.T) {
	f := smoothingFilter()
	target := PoseFromYaw(0.2, r3.Vec{X: 1, Z: 2})

	for i := 0; i < 2; i++ {
		_, ok := considerAt(f, target)
		assert.False(t, ok, "observation %d should still be settling", i+1)
	}

	got, ok := considerAt(f, target)
	require.True(t, ok)
	assert.True(t, ApproxEqual(target, got, 1e-9), "got %s", got)

	_, ok = considerAt(f, target)
	assert.False(t, ok, "an unchanged estimate is not re-emitted")

	moved := PoseFromYaw(0.2, r3.Vec{X: 1.5, Z: 2})
	_, ok = considerAt(f, moved)
	assert.True(t, ok, "a moved estimate is emitted")
}

func TestAlignmentFilter_SmoothsNoise(t *testing.T) {
	f := smoothingFilter()
	offsets := []float64{0.1, -0.1, 0.05, -0.05}

	var (
		last    Pose
		emitted bool
	)
	for _, dx := range offsets {
		if got, ok := considerAt(f, Translation(3+dx, 0, 0)); ok {
			last, emitted = got, true
		}
	}
	require.True(t, emitted)
	assert.InDelta(t, 3, last.X(), 0.05)
}

func TestAlignmentFilter_YawMeanWraps(t *testing.T) {
	f := smoothingFilter()
	yaws := []float64{math.Pi - 0.02, -math.Pi + 0.02, math.Pi - 0.01}

	var got Pose
	var ok bool
	for _, y := range yaws {
		got, ok = considerAt(f, PoseFromYaw(y, r3.Vec{}))
	}
	require.True(t, ok)
	assert.InDelta(t, 0, AngleDiff(got.Yaw(), math.Pi), 0.02)
}

func TestAlignmentFilter_OutliersAndReacquire(t *testing.T) {
	f := smoothingFilter()
	home := Translation(1, 0, 1)
	for i := 0; i < 3; i++ {
		considerAt(f, home)
	}

	far := Translation(10, 0, 1)
	reacquire := f.Config().ReacquireAfter
	for i := 0; i < reacquire; i++ {
		_, ok := considerAt(f, far)
		assert.False(t, ok, "outlier %d", i+1)
	}

	// The window was reseeded with the far observation; it needs MinConsistent again.
	var got Pose
	var ok bool
	for i := 1; i < f.Config().MinConsistent; i++ {
		got, ok = considerAt(f, far)
	}
	require.True(t, ok)
	assert.True(t, ApproxEqual(far, got, 1e-9), "got %s", got)
}

func TestAlignmentFilter_YawOutlier(t *testing.T) {
	f := smoothingFilter()
	for i := 0; i < 3; i++ {
		considerAt(f, IdentityPose())
	}

	_, ok := considerAt(f, PoseFromYaw(degToRad(40), r3.Vec{}))
	assert.False(t, ok)
	assert.Equal(t, 1, f.rejections)

	// A consistent observation clears the rejection count.
	considerAt(f, IdentityPose())
	assert.Equal(t, 0, f.rejections)
}

func TestAlignmentFilter_Reset(t *testing.T) {
	f := smoothingFilter()
	for i := 0; i < 3; i++ {
		considerAt(f, Translation(1, 0, 0))
	}
	f.Reset()

	assert.Empty(t, f.window)
	assert.Nil(t, f.emitted)

	_, ok := considerAt(f, Translation(1, 0, 0))
	assert.False(t, ok, "settling again after reset")
}

func TestNewAlignmentFilter_ClampsWindow(t *testing.T) {
	cfg := DefaultFilterConfig()
	cfg.WindowSize = 0
	cfg.MinConsistent = 4

	f := NewAlignmentFilter(cfg)
	assert.Equal(t, 1, f.Config().WindowSize)
	assert.Equal(t, 1, f.Config().MinConsistent)
}
