package nav

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidPose is returned when a decoded pose has non-finite components.
var ErrInvalidPose = errors.New("invalid pose")

// unitEpsilon is the norm below which vectors and quaternions are treated as zero.
const unitEpsilon = 1e-9

// Pose is a rigid transform: a unit-quaternion rotation followed by a translation.
// The frame is y-up; yaw is rotation about +y.
type Pose struct {
	Rotation quat.Number
	Position r3.Vec
}

// IdentityPose returns the pose that leaves every point unchanged.
func IdentityPose() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NewPose builds a pose, normalizing the rotation. A zero quaternion becomes identity.
func NewPose(rot quat.Number, pos r3.Vec) Pose {
	return Pose{Rotation: normalizeQuat(rot), Position: pos}
}

// PoseFromYaw creates a pose rotated by yaw radians about the vertical axis.
func PoseFromYaw(yaw float64, pos r3.Vec) Pose {
	s, c := math.Sincos(yaw / 2)
	return Pose{Rotation: quat.Number{Real: c, Jmag: s}, Position: pos}
}

// Translation creates a pure translation pose.
func Translation(x, y, z float64) Pose {
	return Pose{Rotation: quat.Number{Real: 1}, Position: r3.Vec{X: x, Y: y, Z: z}}
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < unitEpsilon || math.IsNaN(n) || math.IsInf(n, 0) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// rotate applies only the rotational part of p to v.
func (p Pose) rotate(v r3.Vec) r3.Vec {
	return r3.Rotation(p.Rotation).Rotate(v)
}

// Apply transforms a point from the pose's local frame to its parent frame.
func (p Pose) Apply(v r3.Vec) r3.Vec {
	return r3.Add(p.rotate(v), p.Position)
}

// Compose returns a*b: the transform that applies b first, then a.
func Compose(a, b Pose) Pose {
	return Pose{
		Rotation: normalizeQuat(quat.Mul(a.Rotation, b.Rotation)),
		Position: a.Apply(b.Position),
	}
}

// Inverse returns the transform undoing p.
func (p Pose) Inverse() Pose {
	inv := quat.Conj(p.Rotation)
	r := r3.Rotation(inv).Rotate(p.Position)
	return Pose{Rotation: inv, Position: r3.Scale(-1, r)}
}

// X returns the x translation.
func (p Pose) X() float64 { return p.Position.X }

// Y returns the y (vertical) translation.
func (p Pose) Y() float64 { return p.Position.Y }

// Z returns the z translation.
func (p Pose) Z() float64 { return p.Position.Z }

// EulerAngles decomposes the rotation as yaw about y, then pitch about x, then roll
// about z. The pitch sine is clamped to [-1, 1]; at ±90° pitch, roll is folded into yaw.
func (p Pose) EulerAngles() (pitch, yaw, roll float64) {
	q := p.Rotation
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	sinp := 2 * (w*x - y*z)
	sinp = math.Max(-1, math.Min(1, sinp))
	pitch = math.Asin(sinp)

	if math.Abs(sinp) < 1-1e-7 {
		yaw = math.Atan2(2*(x*z+w*y), 1-2*(x*x+y*y))
		roll = math.Atan2(2*(x*y+w*z), 1-2*(x*x+z*z))
		return pitch, yaw, roll
	}
	yaw = math.Atan2(-2*(x*z-w*y), 1-2*(y*y+z*z))
	return pitch, yaw, 0
}

// Yaw returns the heading about the vertical axis in radians, in (-π, π].
func (p Pose) Yaw() float64 {
	_, yaw, _ := p.EulerAngles()
	return yaw
}

// LevelY drops pitch and roll so the pose's y axis is true vertical.
// Translation is unchanged.
func (p Pose) LevelY() Pose {
	return PoseFromYaw(p.Yaw(), p.Position)
}

// IsFinite reports whether all components are finite numbers.
func (p Pose) IsFinite() bool {
	for _, v := range []float64{
		p.Rotation.Real, p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag,
		p.Position.X, p.Position.Y, p.Position.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Distance returns the Euclidean distance between two pose positions.
func Distance(a, b Pose) float64 {
	return r3.Norm(r3.Sub(a.Position, b.Position))
}

// HorizontalDistance returns the distance between two positions ignoring height.
func HorizontalDistance(a, b Pose) float64 {
	return math.Hypot(a.Position.X-b.Position.X, a.Position.Z-b.Position.Z)
}

// ApproxEqual compares positions and rotations with an absolute tolerance.
// q and -q describe the same rotation.
func ApproxEqual(a, b Pose, tol float64) bool {
	if Distance(a, b) > tol {
		return false
	}
	d := quat.Abs(quat.Sub(a.Rotation, b.Rotation))
	s := quat.Abs(quat.Add(a.Rotation, b.Rotation))
	return math.Min(d, s) <= tol
}

// AngleDiff returns the signed smallest difference a-b wrapped to [-π, π].
func AngleDiff(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

func (p Pose) String() string {
	return fmt.Sprintf("pos=(%.3f, %.3f, %.3f) yaw=%.1f°",
		p.Position.X, p.Position.Y, p.Position.Z, p.Yaw()*180/math.Pi)
}

type poseJSON struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"` // x, y, z, w
}

// MarshalJSON encodes the pose as {"position":[x,y,z],"rotation":[x,y,z,w]}.
func (p Pose) MarshalJSON() ([]byte, error) {
	return json.Marshal(poseJSON{
		Position: [3]float64{p.Position.X, p.Position.Y, p.Position.Z},
		Rotation: [4]float64{p.Rotation.Imag, p.Rotation.Jmag, p.Rotation.Kmag, p.Rotation.Real},
	})
}

// UnmarshalJSON decodes a pose. A missing rotation decodes as identity.
func (p *Pose) UnmarshalJSON(data []byte) error {
	var raw struct {
		Position [3]float64  `json:"position"`
		Rotation *[4]float64 `json:"rotation"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rot := quat.Number{Real: 1}
	if raw.Rotation != nil {
		r := raw.Rotation
		rot = quat.Number{Imag: r[0], Jmag: r[1], Kmag: r[2], Real: r[3]}
	}
	decoded := NewPose(rot, r3.Vec{X: raw.Position[0], Y: raw.Position[1], Z: raw.Position[2]})
	if !decoded.IsFinite() {
		return fmt.Errorf("%w: non-finite component", ErrInvalidPose)
	}
	*p = decoded
	return nil
}
