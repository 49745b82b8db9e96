package kabsch

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Quaternion is a rotation in (w, x, y, z) form. Values produced by this
// package are always unit length.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IdentityRotation returns the quaternion for no rotation
func IdentityRotation() Quaternion {
	return Quaternion{W: 1}
}

// FromAxisAngle builds a rotation of angle radians about axis.
// A zero axis or zero angle yields the identity.
func FromAxisAngle(axis Point, angle float64) Quaternion {
	if Norm(axis) == 0 {
		return IdentityRotation()
	}
	return fromNumber(quat.Number(r3.NewRotation(angle, axis.Vec())))
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Mul returns the Hamilton product q*p (p applied first, then q)
func (q Quaternion) Mul(p Quaternion) Quaternion {
	return fromNumber(quat.Mul(q.number(), p.number()))
}

// Conj returns the conjugate, which is the inverse for unit quaternions
func (q Quaternion) Conj() Quaternion {
	return fromNumber(quat.Conj(q.number()))
}

// Len returns the quaternion magnitude
func (q Quaternion) Len() float64 {
	return quat.Abs(q.number())
}

// Normalize returns q scaled to unit length. Zero or non-finite input
// returns the identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.number()
	if quat.IsNaN(n) || quat.IsInf(n) {
		return IdentityRotation()
	}
	l := quat.Abs(n)
	if l == 0 || !isFinite(l) {
		return IdentityRotation()
	}
	return fromNumber(quat.Scale(1/l, n))
}

// IsFinite reports whether all components are finite
func (q Quaternion) IsFinite() bool {
	return isFinite(q.W) && isFinite(q.X) && isFinite(q.Y) && isFinite(q.Z)
}

// Rotate applies the rotation to p
func (q Quaternion) Rotate(p Point) Point {
	return FromVec(r3.Rotation(q.number()).Rotate(p.Vec()))
}

func (q Quaternion) rotateVec(v r3.Vec) r3.Vec {
	return r3.Rotation(q.number()).Rotate(v)
}

// Matrix returns the equivalent 3x3 rotation matrix, row-major
func (q Quaternion) Matrix() [3][3]float64 {
	m := r3.Rotation(q.number()).Mat()
	var out [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = m.At(r, c)
		}
	}
	return out
}

// AxisAngle returns the rotation axis (unit length) and angle in radians
// within [0, π]. The identity reports the X axis and a zero angle.
func (q Quaternion) AxisAngle() (Point, float64) {
	q = q.Normalize()
	if q.W < 0 {
		q = Quaternion{W: -q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
	}
	s := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if s < 1e-12 {
		return Point{X: 1}, 0
	}
	angle := 2 * math.Atan2(s, q.W)
	return Point{X: q.X / s, Y: q.Y / s, Z: q.Z / s}, angle
}

// AngleTo returns the angle in radians of the rotation taking q to p
func (q Quaternion) AngleTo(p Quaternion) float64 {
	r := q.Conj().Mul(p)
	v := math.Sqrt(r.X*r.X + r.Y*r.Y + r.Z*r.Z)
	return 2 * math.Atan2(v, math.Abs(r.W))
}

// FromMatrix converts a proper rotation matrix (row-major) to a unit
// quaternion using Shepperd's method.
func FromMatrix(m [3][3]float64) Quaternion {
	trace := m[0][0] + m[1][1] + m[2][2]
	var q Quaternion
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(1+trace)
		q = Quaternion{
			W: s / 4,
			X: (m[2][1] - m[1][2]) / s,
			Y: (m[0][2] - m[2][0]) / s,
			Z: (m[1][0] - m[0][1]) / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := 2 * math.Sqrt(1+m[0][0]-m[1][1]-m[2][2])
		q = Quaternion{
			W: (m[2][1] - m[1][2]) / s,
			X: s / 4,
			Y: (m[0][1] + m[1][0]) / s,
			Z: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := 2 * math.Sqrt(1+m[1][1]-m[0][0]-m[2][2])
		q = Quaternion{
			W: (m[0][2] - m[2][0]) / s,
			X: (m[0][1] + m[1][0]) / s,
			Y: s / 4,
			Z: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m[2][2]-m[0][0]-m[1][1])
		q = Quaternion{
			W: (m[1][0] - m[0][1]) / s,
			X: (m[0][2] + m[2][0]) / s,
			Y: (m[1][2] + m[2][1]) / s,
			Z: s / 4,
		}
	}
	return q.Normalize()
}
