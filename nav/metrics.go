package nav

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// correctionsTotal counts corrections computed per source and whether they were applied
	correctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crumbnav_corrections_total",
		Help: "Correction transforms computed, by source and whether they were applied",
	}, []string{"source", "applied"})

	// filterDecisionsTotal counts geospatial filter outcomes
	filterDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crumbnav_filter_decisions_total",
		Help: "Geospatial alignment filter outcomes by reason",
	}, []string{"reason"})

	localizationStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crumbnav_localization_state",
		Help: "Current localization state (0=none, 1=cloudAnchorAligned, 2=worldMapAligned)",
	})

	// simplifyDuration tracks route simplification latency
	simplifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crumbnav_simplify_duration_seconds",
		Help:    "Time spent simplifying a crumb trail into keypoints",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	})

	keypointsReachedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crumbnav_keypoints_reached_total",
		Help: "Keypoints checked off during navigation",
	})
)

const (
	reasonQuality     = "quality"
	reasonNoCandidate = "no_candidate"
	reasonOutlier     = "outlier"
	reasonReacquired  = "reacquired"
	reasonSettling    = "settling"
	reasonEmitted     = "emitted"
)
