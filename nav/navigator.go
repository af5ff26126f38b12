package nav

import (
	"errors"
	"math"
	"sync"
	"time"
)

// DefaultArrivalRadius is the horizontal distance, in meters, at which a
// keypoint counts as reached.
const DefaultArrivalRadius = 1.0

// NavigationStatus is a snapshot of progress along the current route.
type NavigationStatus struct {
	RouteID        string            `json:"routeId,omitempty"`
	RouteName      string            `json:"routeName,omitempty"`
	Reverse        bool              `json:"reverse"`
	State          LocalizationState `json:"state"`
	Correction     Pose              `json:"correction"`
	NextIndex      int               `json:"nextIndex"`
	TotalKeypoints int               `json:"totalKeypoints"`
	DistanceToNext *float64          `json:"distanceToNext,omitempty"`
	Done           bool              `json:"done"`
}

// NavigatorOptions configures a Navigator.
type NavigatorOptions struct {
	PathWidth     float64
	ArrivalRadius float64
}

// Navigator ties a route's keypoints to the arbitrator's correction and tracks
// which keypoint the user is heading to.
type Navigator struct {
	mu sync.RWMutex

	arbitrator *Arbitrator
	opts       NavigatorOptions

	route     *Route
	reverse   bool
	keypoints Keypoints
	next      int
	lastLive  *Pose
}

// NewNavigator creates a navigator around an arbitrator.
func NewNavigator(arb *Arbitrator, opts NavigatorOptions) *Navigator {
	if opts.PathWidth <= 0 {
		opts.PathWidth = DefaultPathWidth
	}
	if opts.ArrivalRadius <= 0 {
		opts.ArrivalRadius = DefaultArrivalRadius
	}
	return &Navigator{arbitrator: arb, opts: opts}
}

// Arbitrator returns the arbitrator the navigator reads corrections from.
func (n *Navigator) Arbitrator() *Arbitrator {
	return n.arbitrator
}

// SetRoute loads a route and starts a new navigation session on it.
func (n *Navigator) SetRoute(r *Route, reverse bool) error {
	if r == nil {
		return errors.New("set route: route is nil")
	}
	if err := r.Validate(); err != nil {
		return err
	}

	start := time.Now()
	keypoints := SimplifyRoute(r, n.opts.PathWidth, reverse)
	simplifyDuration.Observe(time.Since(start).Seconds())

	n.mu.Lock()
	n.route = r
	n.reverse = reverse
	n.keypoints = keypoints
	n.next = 0
	n.lastLive = nil
	n.mu.Unlock()

	n.arbitrator.BeginSession()
	n.arbitrator.SetReferenceSamples(r.Crumbs)
	n.arbitrator.RequestAnchors(r.CloudAnchors)

	Logf("[ROUTE] loaded %q (%s): %d crumbs -> %d keypoints, %d cloud anchors, reverse=%v",
		r.Name, r.ID, len(r.Crumbs), len(keypoints), len(r.CloudAnchors), reverse)
	return nil
}

// AssignAnchor records the live anchor placed at crumb i of the loaded route
// and makes it available to geospatial alignment. The index is in recorded
// order regardless of direction.
func (n *Navigator) AssignAnchor(i int, anchorID string) error {
	if anchorID == "" {
		return errors.New("assign anchor: anchor id is empty")
	}
	n.mu.Lock()
	if n.route == nil {
		n.mu.Unlock()
		return errors.New("assign anchor: no route loaded")
	}
	if err := n.route.AssignAnchor(i, anchorID); err != nil {
		n.mu.Unlock()
		return err
	}
	sample := n.route.Crumbs[i]
	n.mu.Unlock()

	n.arbitrator.AddReferenceSample(sample)
	Logf("[ROUTE] crumb %d anchored as %s", i, anchorID)
	return nil
}

// HasRoute reports whether a route is loaded.
func (n *Navigator) HasRoute() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.route != nil
}

// Route returns the loaded route, or nil.
func (n *Navigator) Route() *Route {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.route
}

// Keypoints returns the keypoints in the recorded frame.
func (n *Navigator) Keypoints() Keypoints {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append(Keypoints(nil), n.keypoints...)
}

// CorrectedKeypoints returns the keypoints mapped into the live frame.
func (n *Navigator) CorrectedKeypoints() Keypoints {
	c := n.arbitrator.CurrentCorrection()
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.keypoints.Transformed(c)
}

// CorrectedAnchorPoints returns the recorded anchor points mapped into the live frame.
func (n *Navigator) CorrectedAnchorPoints() []AnchorPoint {
	c := n.arbitrator.CurrentCorrection()
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.route == nil {
		return nil
	}
	points := n.route.AnchorPoints(n.reverse)
	for i := range points {
		points[i].Pose = Compose(c, points[i].Pose)
	}
	return points
}

// NextKeypoint returns the corrected keypoint the user is heading to and its index.
func (n *Navigator) NextKeypoint() (Keypoint, int, bool) {
	c := n.arbitrator.CurrentCorrection()
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.next >= len(n.keypoints) {
		return Keypoint{}, n.next, false
	}
	return Keypoint{Pose: Compose(c, n.keypoints[n.next].Pose)}, n.next, true
}

// Advance checks off the next keypoint if the live pose is within the arrival
// radius of it. It returns true when a keypoint was reached.
func (n *Navigator) Advance(live Pose) bool {
	c := n.arbitrator.CurrentCorrection()
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastLive = &live
	if n.next >= len(n.keypoints) {
		return false
	}
	target := Compose(c, n.keypoints[n.next].Pose)
	if HorizontalDistance(live, target) > n.opts.ArrivalRadius {
		return false
	}

	n.next++
	keypointsReachedTotal.Inc()
	if n.next >= len(n.keypoints) {
		Logf("[ROUTE] destination reached")
	} else {
		Logf("[ROUTE] keypoint %d/%d reached", n.next, len(n.keypoints))
	}
	return true
}

// HandleFrame feeds a live frame to the arbitrator and then checks progress
// against the updated correction. It returns true when a keypoint was reached.
func (n *Navigator) HandleFrame(frame LiveFrame) bool {
	n.arbitrator.OnLiveFrame(frame)
	return n.Advance(frame.WorldPose)
}

// LastLive returns the most recent live pose seen by Advance, or nil.
func (n *Navigator) LastLive() *Pose {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.lastLive == nil {
		return nil
	}
	p := *n.lastLive
	return &p
}

// CrumbPoses returns the loaded route's crumbs in travel order.
func (n *Navigator) CrumbPoses() []Pose {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.route == nil {
		return nil
	}
	return n.route.CrumbPoses(n.reverse)
}

// Done reports whether every keypoint has been reached.
func (n *Navigator) Done() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.route != nil && n.next >= len(n.keypoints)
}

// Status returns a snapshot of navigation progress.
func (n *Navigator) Status() NavigationStatus {
	snap := n.arbitrator.Snapshot()
	n.mu.RLock()
	defer n.mu.RUnlock()

	st := NavigationStatus{
		Reverse:        n.reverse,
		State:          snap.State,
		Correction:     snap.Correction,
		NextIndex:      n.next,
		TotalKeypoints: len(n.keypoints),
	}
	if n.route == nil {
		return st
	}
	st.RouteID = n.route.ID
	st.RouteName = n.route.Name
	st.Done = n.next >= len(n.keypoints)
	if !st.Done && n.lastLive != nil {
		target := Compose(snap.Correction, n.keypoints[n.next].Pose)
		d := HorizontalDistance(*n.lastLive, target)
		if !math.IsNaN(d) {
			st.DistanceToNext = &d
		}
	}
	return st
}
