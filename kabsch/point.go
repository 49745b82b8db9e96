package kabsch

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point is a 3D coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec converts the point to a gonum vector
func (p Point) Vec() r3.Vec {
	return r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
}

// FromVec converts a gonum vector to a Point
func FromVec(v r3.Vec) Point {
	return Point{X: v.X, Y: v.Y, Z: v.Z}
}

// Add returns p+q
func (p Point) Add(q Point) Point {
	return FromVec(r3.Add(p.Vec(), q.Vec()))
}

// Sub returns p-q
func (p Point) Sub(q Point) Point {
	return FromVec(r3.Sub(p.Vec(), q.Vec()))
}

// Scale returns p multiplied by f
func (p Point) Scale(f float64) Point {
	return FromVec(r3.Scale(f, p.Vec()))
}

// IsFinite reports whether every coordinate is a finite number
func (p Point) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

// Norm returns the Euclidean length of p
func Norm(p Point) float64 {
	return r3.Norm(p.Vec())
}

// Distance returns the Euclidean distance between a and b
func Distance(a, b Point) float64 {
	return Norm(a.Sub(b))
}

// Centroid returns the mean of the points, or the origin for an empty set
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p.Vec())
	}
	return FromVec(r3.Scale(1/float64(len(points)), sum))
}

// RMSD returns the root-mean-square distance between corresponding points.
// Mismatched or empty inputs yield +Inf.
func RMSD(a, b []Point) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		sum += r3.Norm2(r3.Sub(a[i].Vec(), b[i].Vec()))
	}
	return math.Sqrt(sum / float64(len(a)))
}

// ClonePoints returns an independent copy of points
func ClonePoints(points []Point) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	copy(out, points)
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// offsets returns each point minus the centroid and the sum of their lengths
func offsets(points []Point, centroid Point) ([]Point, float64) {
	out := make([]Point, len(points))
	var total float64
	for i, p := range points {
		out[i] = p.Sub(centroid)
		total += Norm(out[i])
	}
	return out, total
}
