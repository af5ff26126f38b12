package nav

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultPathWidth is the corridor half-width, in meters, within which crumbs are
// considered to lie on the straight segment between two keypoints.
const DefaultPathWidth = 0.3

// DefaultOrientation is used for the first keypoint and for coincident keypoints.
var DefaultOrientation = r3.Vec{X: 1}

// Keypoint is a crumb kept by the simplifier as a navigation target.
type Keypoint struct {
	Pose Pose `json:"pose"`
}

// Keypoints is an ordered keypoint list as produced by Simplify.
type Keypoints []Keypoint

// Orientation returns the horizontal unit vector pointing from keypoint i back
// toward keypoint i-1. It is used to define the check-off plane of a keypoint.
func (ks Keypoints) Orientation(i int) r3.Vec {
	if i <= 0 || i >= len(ks) {
		return DefaultOrientation
	}
	prev, cur := ks[i-1].Pose.Position, ks[i].Pose.Position
	v := r3.Vec{X: prev.X - cur.X, Z: prev.Z - cur.Z}
	n := r3.Norm(v)
	if n < unitEpsilon {
		return DefaultOrientation
	}
	return r3.Scale(1/n, v)
}

// Poses returns the keypoint poses in order.
func (ks Keypoints) Poses() []Pose {
	out := make([]Pose, len(ks))
	for i, k := range ks {
		out[i] = k.Pose
	}
	return out
}

// Transformed returns a copy of the keypoints with t applied to each pose.
func (ks Keypoints) Transformed(t Pose) Keypoints {
	out := make(Keypoints, len(ks))
	for i, k := range ks {
		out[i] = Keypoint{Pose: Compose(t, k.Pose)}
	}
	return out
}

// Simplify reduces a dense crumb trail to the keypoints a user must pass through.
//
// It is a Ramer-Douglas-Peucker variant in 3-D: deviation from the chord is measured
// both sideways in the horizontal plane and vertically, so a flight of stairs on an
// otherwise straight corridor still produces keypoints. The first and last crumb are
// always kept, so a single crumb yields two identical keypoints. A non-positive width
// falls back to DefaultPathWidth.
func Simplify(crumbs []Pose, width float64) Keypoints {
	if len(crumbs) == 0 {
		return nil
	}
	if !(width > 0) {
		width = DefaultPathWidth
	}

	first, last := crumbs[0], crumbs[len(crumbs)-1]
	out := make(Keypoints, 0, 8)
	out = append(out, Keypoint{Pose: first})
	out = append(out, simplifySegment(crumbs, width)...)
	out = append(out, Keypoint{Pose: last})
	return out
}

// simplifySegment returns the interior keypoints of crumbs, excluding both endpoints.
func simplifySegment(crumbs []Pose, width float64) Keypoints {
	if len(crumbs) < 3 {
		return nil
	}

	first := crumbs[0].Position
	last := crumbs[len(crumbs)-1].Position
	d := r3.Sub(last, first)
	dNorm := r3.Norm(d)
	if dNorm < unitEpsilon {
		return nil
	}

	n := r3.Vec{X: d.Z, Y: 0, Z: -d.X}
	nNorm := r3.Norm(n)
	if nNorm < unitEpsilon {
		// Purely vertical chord: there is no horizontal normal to measure against.
		return nil
	}
	uD := r3.Scale(1/dNorm, d)
	uN := r3.Scale(1/nNorm, n)
	uV := r3.Cross(uD, uN)

	maxDist := -1.0
	maxIdx := 0
	for i, c := range crumbs {
		proj := r3.Sub(c.Position, first)
		a := r3.Dot(proj, uV)
		b := r3.Dot(proj, uN)
		dist := math.Sqrt(a*a + b*b)
		if dist > maxDist {
			maxDist = dist
			maxIdx = i
		}
	}

	if maxDist <= width {
		return nil
	}

	var out Keypoints
	out = append(out, simplifySegment(crumbs[:maxIdx+1], width)...)
	out = append(out, Keypoint{Pose: crumbs[maxIdx]})
	out = append(out, simplifySegment(crumbs[maxIdx:], width)...)
	return out
}

// SimplifyRoute simplifies a route's crumbs in the requested travel direction.
func SimplifyRoute(r *Route, width float64, reverse bool) Keypoints {
	if r == nil {
		return nil
	}
	return Simplify(r.CrumbPoses(reverse), width)
}
