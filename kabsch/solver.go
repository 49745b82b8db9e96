// Package kabsch estimates the similarity transform (rotation, translation,
// uniform scale) that best maps one ordered 3D point set onto another.
//
// A Solver is owned by a single caller; it does no locking. Compute never
// fails: unusable input produces an identity Result tagged StatusFallback.
package kabsch

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// DefaultIterations bounds the torque rotation refinement loop
	DefaultIterations = 30

	minReferenceScale = 1e-6
	minScale          = 1e-6
)

// Option configures a Solver
type Option func(*Solver)

// WithIterations sets the rotation refinement bound. Non-positive values
// select DefaultIterations.
func WithIterations(n int) Option {
	return func(s *Solver) {
		s.SetIterations(n)
	}
}

// WithMethod selects the rotation extraction algorithm
func WithMethod(m Method) Option {
	return func(s *Solver) {
		s.method = m
	}
}

// WithLogger sets the destination for diagnostics
func WithLogger(l *log.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.logger = l
		}
	}
}

// Solver holds a reference point set and the last alignment computed
// against a target set.
type Solver struct {
	iterations int
	method     Method
	logger     *log.Logger

	reference   []Point
	refCentroid Point
	refOffsets  []Point
	refScale    float64

	target     []Point
	covariance [3][3]float64
	result     Result
}

// NewSolver creates a solver with an empty reference and an identity result
func NewSolver(opts ...Option) *Solver {
	s := &Solver{
		iterations: DefaultIterations,
		method:     MethodTorque,
		logger:     log.Default(),
		result:     IdentityResult(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetIterations changes the rotation refinement bound for later computes
func (s *Solver) SetIterations(n int) {
	if n <= 0 {
		n = DefaultIterations
	}
	s.iterations = n
}

// Iterations returns the rotation refinement bound
func (s *Solver) Iterations() int {
	return s.iterations
}

// SetMethod changes the rotation extraction algorithm for later computes
func (s *Solver) SetMethod(m Method) {
	s.method = m
}

// Method returns the rotation extraction algorithm in use
func (s *Solver) Method() Method {
	return s.method
}

// SetReference stores a copy of points and recomputes the reference
// centroid, offsets and scale. An empty set yields a zero centroid and
// zero scale; Compute then falls back to identity.
func (s *Solver) SetReference(points []Point) *Solver {
	s.reference = ClonePoints(points)
	s.refCentroid = Centroid(s.reference)
	s.refOffsets, s.refScale = offsets(s.reference, s.refCentroid)
	return s
}

// SetTarget stores a copy of points for the next Compute
func (s *Solver) SetTarget(points []Point) *Solver {
	s.target = ClonePoints(points)
	return s
}

// Reference returns a copy of the reference set
func (s *Solver) Reference() []Point {
	return ClonePoints(s.reference)
}

// Target returns a copy of the target set
func (s *Solver) Target() []Point {
	return ClonePoints(s.target)
}

// ReferenceCentroid returns the mean of the reference set
func (s *Solver) ReferenceCentroid() Point {
	return s.refCentroid
}

// ReferenceScale returns the sum of reference offset lengths
func (s *Solver) ReferenceScale() float64 {
	return s.refScale
}

// ReferenceOffsets returns each reference point relative to the centroid
func (s *Solver) ReferenceOffsets() []Point {
	return ClonePoints(s.refOffsets)
}

// Covariance returns the cross-covariance built by the last successful
// Compute: C[r][c] = sum of refOffset[r] * targetOffset[c].
func (s *Solver) Covariance() [3][3]float64 {
	return s.covariance
}

// Result returns a copy of the last computed alignment
func (s *Solver) Result() Result {
	return s.result.Clone()
}

// Compute solves for the transform mapping the reference set onto the
// target set and stores it as the current Result.
func (s *Solver) Compute() Result {
	if reason := s.validate(); reason != "" {
		s.fallback(reason)
		return s.Result()
	}

	tarCentroid := Centroid(s.target)
	tarOffsets, tarScale := offsets(s.target, tarCentroid)

	cov := covariance(s.refOffsets, tarOffsets)
	s.covariance = matArray(cov)

	fit := s.extract(cov, s.iterations)
	status := StatusComputed
	switch {
	case fit.reason != "":
		s.logger.Printf("[KABSCH] rotation extraction failed, using identity rotation: %s", fit.reason)
		status = StatusDegraded
	case !fit.converged:
		fit.reason = fmt.Sprintf("rotation did not converge within %d steps", s.iterations)
		s.logger.Printf("[KABSCH] %s, residual torque %.3g", fit.reason, fit.trace[len(fit.trace)-1])
		status = StatusDegraded
	}

	// The reference centroid is rotated but not scaled here; ComputedPoints
	// scales offsets only. Calibrations recorded with this convention depend
	// on it.
	translation := tarCentroid.Sub(fit.rotation.Rotate(s.refCentroid))

	scale := 1.0
	if s.refScale < minReferenceScale {
		s.logger.Printf("[KABSCH] reference scale %.3g is near zero, defaulting scale to 1", s.refScale)
	} else {
		scale = tarScale / s.refScale
	}
	scale = math.Max(minScale, scale)

	res := Result{
		Rotation:    fit.rotation,
		Translation: translation,
		Scale:       scale,
		Status:      status,
		Reason:      fit.reason,
		Method:      s.method,
		Steps:       fit.steps,
		Converged:   fit.converged,
		Trace:       fit.trace,
	}
	res.Residual = RMSD(s.apply(res, true), s.target)
	s.result = res
	return s.Result()
}

// ExtractRotation runs rotation extraction on the covariance of the last
// successful Compute with the given iteration bound (non-positive selects
// the solver's configured bound). It does not modify the stored Result.
func (s *Solver) ExtractRotation(iterations int) Quaternion {
	if iterations <= 0 {
		iterations = s.iterations
	}
	return s.extract(r3.NewMat(flatten(s.covariance)), iterations).rotation
}

// ComputedPoints maps every reference offset through the current Result:
// rotate, optionally scale, then translate.
func (s *Solver) ComputedPoints(includeScale bool) []Point {
	return s.apply(s.result, includeScale)
}

func (s *Solver) apply(res Result, includeScale bool) []Point {
	out := make([]Point, len(s.refOffsets))
	for i, off := range s.refOffsets {
		out[i] = res.Apply(off, includeScale)
	}
	return out
}

func (s *Solver) validate() string {
	switch {
	case len(s.reference) == 0:
		return "reference set is empty"
	case len(s.target) == 0:
		return "target set is empty"
	case len(s.reference) != len(s.target):
		return fmt.Sprintf("reference has %d points but target has %d", len(s.reference), len(s.target))
	}
	for i, p := range s.reference {
		if !p.IsFinite() {
			return fmt.Sprintf("reference point %d is not finite", i)
		}
	}
	for i, p := range s.target {
		if !p.IsFinite() {
			return fmt.Sprintf("target point %d is not finite", i)
		}
	}
	return ""
}

func (s *Solver) fallback(reason string) {
	s.logger.Printf("[KABSCH] cannot align, resetting to identity: %s", reason)
	res := IdentityResult()
	res.Reason = reason
	res.Method = s.method
	s.result = res
}

func (s *Solver) extract(cov *r3.Mat, iterations int) rotationFit {
	if s.method == MethodSVD {
		return svdRotation(cov)
	}
	return torqueRotation(cov, iterations)
}

// covariance returns sum over i of ref[i] * tar[i]^T
func covariance(ref, tar []Point) *r3.Mat {
	cov := r3.NewMat(nil)
	outer := r3.NewMat(nil)
	for i := range ref {
		outer.Outer(1, ref[i].Vec(), tar[i].Vec())
		cov.Add(cov, outer)
	}
	return cov
}

func matArray(m *r3.Mat) [3][3]float64 {
	var out [3][3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = m.At(r, c)
		}
	}
	return out
}

func flatten(m [3][3]float64) []float64 {
	out := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		out = append(out, m[r][:]...)
	}
	return out
}
