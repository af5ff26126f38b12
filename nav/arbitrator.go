package nav

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// LocalizationState is the correction source currently in authority.
type LocalizationState int

const (
	LocalizationNone LocalizationState = iota
	LocalizationCloudAnchor
	LocalizationWorldMap
)

func (s LocalizationState) String() string {
	switch s {
	case LocalizationNone:
		return "none"
	case LocalizationCloudAnchor:
		return "cloudAnchorAligned"
	case LocalizationWorldMap:
		return "worldMapAligned"
	default:
		return fmt.Sprintf("LocalizationState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s LocalizationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *LocalizationState) UnmarshalText(text []byte) error {
	for _, st := range []LocalizationState{LocalizationNone, LocalizationCloudAnchor, LocalizationWorldMap} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown localization state %q", text)
}

// CorrectionSource names where the current correction came from.
type CorrectionSource string

const (
	SourceNone        CorrectionSource = "none"
	SourceGeospatial  CorrectionSource = "geospatial"
	SourceCloudAnchor CorrectionSource = "cloudAnchor"
	SourceWorldMap    CorrectionSource = "worldMap"
)

// AlignmentSnapshot is a read-only copy of the arbitrator's output.
type AlignmentSnapshot struct {
	Correction         Pose              `json:"correction"`
	State              LocalizationState `json:"state"`
	Source             CorrectionSource  `json:"source"`
	SessionID          string            `json:"sessionId"`
	LastResolvedAnchor string            `json:"lastResolvedAnchor,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// CorrectionChange describes an accepted correction. Relative is the transform
// that moves geometry placed under Previous to where Current puts it.
type CorrectionChange struct {
	Previous    Pose
	Current     Pose
	Relative    Pose
	State       LocalizationState
	Source      CorrectionSource
	Relocalized bool
}

// ArbitratorOption configures an Arbitrator.
type ArbitratorOption func(*Arbitrator)

// WithClock overrides the time source used for snapshot timestamps.
func WithClock(now func() time.Time) ArbitratorOption {
	return func(a *Arbitrator) { a.now = now }
}

// WithListener registers a correction change listener at construction.
func WithListener(fn func(CorrectionChange)) ArbitratorOption {
	return func(a *Arbitrator) { a.listeners = append(a.listeners, fn) }
}

// Arbitrator decides which correction source is authoritative and owns the
// current correction transform.
//
// World-map relocalization outranks cloud anchors, which outrank geospatial
// alignment. Once world-map aligned, a session stays there until Reset; cloud
// and geospatial corrections are still computed but only logged.
//
// All methods are safe for concurrent use. Listeners run after the lock is
// released, on the goroutine that delivered the event.
type Arbitrator struct {
	mu sync.RWMutex

	filter         *AlignmentFilter
	state          LocalizationState
	correction     Pose
	source         CorrectionSource
	sessionID      string
	requested      map[string]Pose
	lastResolvedID string
	relocalizing   bool
	updatedAt      time.Time

	now       func() time.Time
	listeners []func(CorrectionChange)
	diagLog   rate.Sometimes
}

// NewArbitrator creates an arbitrator in the none state with an identity correction.
// A nil filter gets the default configuration.
func NewArbitrator(filter *AlignmentFilter, opts ...ArbitratorOption) *Arbitrator {
	if filter == nil {
		filter = NewAlignmentFilter(DefaultFilterConfig())
	}
	a := &Arbitrator{
		filter:     filter,
		state:      LocalizationNone,
		correction: IdentityPose(),
		source:     SourceNone,
		sessionID:  uuid.New().String(),
		requested:  make(map[string]Pose),
		now:        time.Now,
		diagLog:    rate.Sometimes{Interval: 300 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.updatedAt = a.now()
	localizationStateGauge.Set(float64(a.state))
	return a
}

// OnCorrectionChange registers a listener for accepted corrections.
func (a *Arbitrator) OnCorrectionChange(fn func(CorrectionChange)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// SetReferenceSamples hands the recorded crumbs to the geospatial filter.
func (a *Arbitrator) SetReferenceSamples(samples []ReferenceSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filter.SetSamples(samples)
}

// AddReferenceSample registers a crumb whose live anchor was placed during the
// session, so the filter can match it against live observations.
func (a *Arbitrator) AddReferenceSample(s ReferenceSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filter.AddSample(s)
}

// RequestAnchors replaces the set of recorded cloud anchors being resolved.
// Resolutions for identifiers outside this set are ignored.
func (a *Arbitrator) RequestAnchors(anchors map[string]Pose) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requested = maps.Clone(anchors)
	if a.requested == nil {
		a.requested = make(map[string]Pose)
	}
	if len(a.requested) > MaxCloudAnchors {
		Logf("[ALIGN] resolving %d cloud anchors (more than %d)", len(a.requested), MaxCloudAnchors)
	}
}

// OnLiveFrame runs one alignment tick.
func (a *Arbitrator) OnLiveFrame(frame LiveFrame) {
	a.mu.Lock()
	var change *CorrectionChange

	switch a.state {
	case LocalizationWorldMap:
		if c, ok := a.filter.Consider(frame.Geo, frame.WorldPose, frame.GeoAnchors); ok {
			a.suppressedLocked(SourceGeospatial, c)
		}

	case LocalizationCloudAnchor:
		if obs, ok := findAnchor(frame.CloudAnchors, a.lastResolvedID); ok && obs.Valid {
			if rec, ok := a.requested[a.lastResolvedID]; ok {
				c := CloudAnchorCorrection(obs.Pose, rec)
				if !ApproxEqual(c, a.correction, 1e-6) {
					change = a.applyLocked(c, SourceCloudAnchor, false)
				}
			}
		}
		if c, ok := a.filter.Consider(frame.Geo, frame.WorldPose, frame.GeoAnchors); ok {
			a.suppressedLocked(SourceGeospatial, c)
		}

	case LocalizationNone:
		if c, ok := a.filter.Consider(frame.Geo, frame.WorldPose, frame.GeoAnchors); ok {
			change = a.applyLocked(c, SourceGeospatial, false)
			Logf("[ALIGN] geospatial correction applied: %s", c)
		}
	}

	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()
	notify(listeners, change)
}

// OnAnchorResolved handles a cloud anchor resolved in the live session.
func (a *Arbitrator) OnAnchorResolved(anchorID string, live Pose) {
	a.mu.Lock()
	rec, ok := a.requested[anchorID]
	if !ok {
		a.mu.Unlock()
		Logf("[ALIGN] ignoring resolution of unrequested anchor %s", anchorID)
		return
	}

	c := CloudAnchorCorrection(live, rec)
	if a.state == LocalizationWorldMap {
		a.suppressedLocked(SourceCloudAnchor, c)
		a.mu.Unlock()
		return
	}

	a.lastResolvedID = anchorID
	a.state = LocalizationCloudAnchor
	change := a.applyLocked(c, SourceCloudAnchor, false)
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	Logf("[ALIGN] cloud anchor %s resolved: %s", anchorID, c)
	notify(listeners, change)
}

// OnAnchorFailed records a failed resolution. The current correction is kept.
func (a *Arbitrator) OnAnchorFailed(anchorID string, err error) {
	Logf("[ALIGN] cloud anchor %s failed to resolve: %v", anchorID, err)
}

// OnRelocalization moves the session to world-map alignment. The correction
// becomes the tracking subsystem's realignment composed onto identity.
func (a *Arbitrator) OnRelocalization(realignment Pose) {
	a.mu.Lock()
	prev := a.state
	a.state = LocalizationWorldMap
	a.relocalizing = false
	a.filter.Reset()
	change := a.applyLocked(Compose(realignment, IdentityPose()), SourceWorldMap, true)
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	Logf("[ALIGN] relocalized (%s -> %s)", prev, LocalizationWorldMap)
	notify(listeners, change)
}

// OnTrackingState follows the live tracking status. Returning to normal after
// a relocalizing episode counts as a relocalization with no extra realignment.
func (a *Arbitrator) OnTrackingState(s TrackingState) {
	a.mu.Lock()
	switch s {
	case TrackingRelocalizing:
		a.relocalizing = true
		a.mu.Unlock()
		Logf("[ALIGN] tracking relocalizing")
		return
	case TrackingNormal:
		if a.relocalizing {
			a.mu.Unlock()
			a.OnRelocalization(IdentityPose())
			return
		}
	default:
		Logf("[ALIGN] tracking %s", s)
	}
	a.mu.Unlock()
}

// Reset returns to the none state with an identity correction and clears the
// filter. Requested anchors and reference samples belong to the route and are
// kept. A session that saw any alignment gets a new session id; resetting an
// untouched session has no effect.
func (a *Arbitrator) Reset() {
	a.reset(false)
}

// BeginSession resets the arbitrator and always assigns a new session identifier.
func (a *Arbitrator) BeginSession() string {
	return a.reset(true)
}

func (a *Arbitrator) reset(newSession bool) string {
	a.mu.Lock()
	var change *CorrectionChange
	active := a.state != LocalizationNone || a.source != SourceNone ||
		a.lastResolvedID != "" || a.relocalizing
	a.state = LocalizationNone
	a.lastResolvedID = ""
	a.relocalizing = false
	a.filter.Reset()
	if a.source != SourceNone || !ApproxEqual(a.correction, IdentityPose(), 0) {
		change = a.applyLocked(IdentityPose(), SourceNone, false)
	}
	if active || newSession {
		a.sessionID = uuid.New().String()
		Logf("[ALIGN] session %s started", a.sessionID)
	}
	id := a.sessionID
	localizationStateGauge.Set(float64(a.state))
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()
	notify(listeners, change)
	return id
}

// CurrentCorrection returns the correction in force.
func (a *Arbitrator) CurrentCorrection() Pose {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.correction
}

// CurrentLocalizationState returns the localization state.
func (a *Arbitrator) CurrentLocalizationState() LocalizationState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Snapshot returns a consistent copy of the arbitrator's output.
func (a *Arbitrator) Snapshot() AlignmentSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AlignmentSnapshot{
		Correction:         a.correction,
		State:              a.state,
		Source:             a.source,
		SessionID:          a.sessionID,
		LastResolvedAnchor: a.lastResolvedID,
		UpdatedAt:          a.updatedAt,
	}
}

func (a *Arbitrator) applyLocked(c Pose, src CorrectionSource, relocalized bool) *CorrectionChange {
	prev := a.correction
	a.correction = c
	a.source = src
	a.updatedAt = a.now()
	correctionsTotal.WithLabelValues(string(src), "true").Inc()
	localizationStateGauge.Set(float64(a.state))
	return &CorrectionChange{
		Previous:    prev,
		Current:     c,
		Relative:    Compose(c, prev.Inverse()),
		State:       a.state,
		Source:      src,
		Relocalized: relocalized,
	}
}

func (a *Arbitrator) suppressedLocked(src CorrectionSource, c Pose) {
	correctionsTotal.WithLabelValues(string(src), "false").Inc()
	state := a.state
	a.diagLog.Do(func() {
		Logf("[ALIGN] %s correction not applied in state %s: %s", src, state, c)
	})
}

func findAnchor(obs []AnchorObservation, id string) (AnchorObservation, bool) {
	if id == "" {
		return AnchorObservation{}, false
	}
	for _, o := range obs {
		if o.AnchorID == id {
			return o, true
		}
	}
	return AnchorObservation{}, false
}

func notify(listeners []func(CorrectionChange), change *CorrectionChange) {
	if change == nil {
		return
	}
	for _, fn := range listeners {
		fn(*change)
	}
}
