package kabsch

import (
	"bytes"
	"log"
	"math"
	"math/rand"
	"strings"
	"testing"
)

const epsilon = 1e-9

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}

func pointsClose(p, q Point, tol float64) bool {
	return almostEqual(p.X, q.X, tol) && almostEqual(p.Y, q.Y, tol) && almostEqual(p.Z, q.Z, tol)
}

// unitSquare lies in the XZ plane and is centred on the origin
func unitSquare() []Point {
	return []Point{
		{X: -1, Y: 0, Z: -1},
		{X: -1, Y: 0, Z: 1},
		{X: 1, Y: 0, Z: 1},
		{X: 1, Y: 0, Z: -1},
	}
}

// scatter is a generic non-planar set
func scatter() []Point {
	return []Point{
		{X: 1, Y: 2, Z: 3},
		{X: -2, Y: 1, Z: 0.5},
		{X: 0.5, Y: -1, Z: 2},
		{X: 3, Y: 0, Z: -1},
		{X: -1, Y: -2, Z: -2},
		{X: 0, Y: 1.5, Z: -0.5},
	}
}

// centred returns points shifted so their centroid is the origin
func centred(points []Point) []Point {
	c := Centroid(points)
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = p.Sub(c)
	}
	return out
}

func quietSolver(opts ...Option) (*Solver, *bytes.Buffer) {
	var buf bytes.Buffer
	opts = append([]Option{WithLogger(log.New(&buf, "", 0))}, opts...)
	return NewSolver(opts...), &buf
}

func transform(points []Point, q Quaternion, scale float64, offset Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = q.Rotate(p).Scale(scale).Add(offset)
	}
	return out
}

func TestComputeIdentityCorrespondence(t *testing.T) {
	tests := []struct {
		name   string
		points []Point
	}{
		{"single point", []Point{{X: 3, Y: -2, Z: 7}}},
		{"unit square", unitSquare()},
		{"scatter", scatter()},
		{"off-centre scatter", transform(scatter(), IdentityRotation(), 1, Point{X: 10, Y: -4, Z: 2})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := quietSolver()
			res := s.SetReference(tt.points).SetTarget(tt.points).Compute()

			if res.Status != StatusComputed {
				t.Fatalf("Status = %q, want %q (%s)", res.Status, StatusComputed, res.Reason)
			}
			if angle := res.Rotation.AngleTo(IdentityRotation()); angle > 1e-6 {
				t.Errorf("rotation angle = %v, want 0", angle)
			}
			if !pointsClose(res.Translation, Point{}, 1e-9) {
				t.Errorf("Translation = %v, want origin", res.Translation)
			}
			if !almostEqual(res.Scale, 1, epsilon) {
				t.Errorf("Scale = %v, want 1", res.Scale)
			}
		})
	}
}

func TestComputePureTranslation(t *testing.T) {
	offset := Point{X: 5, Y: -3, Z: 1.25}
	for _, ref := range [][]Point{unitSquare(), scatter()} {
		s, _ := quietSolver()
		res := s.SetReference(ref).SetTarget(transform(ref, IdentityRotation(), 1, offset)).Compute()

		if angle := res.Rotation.AngleTo(IdentityRotation()); angle > 1e-6 {
			t.Errorf("rotation angle = %v, want 0", angle)
		}
		if !pointsClose(res.Translation, offset, 1e-9) {
			t.Errorf("Translation = %v, want %v", res.Translation, offset)
		}
		if !almostEqual(res.Scale, 1, epsilon) {
			t.Errorf("Scale = %v, want 1", res.Scale)
		}
	}
}

func TestComputePureScale(t *testing.T) {
	tests := []struct {
		name  string
		ref   []Point
		scale float64
	}{
		{"square doubled", unitSquare(), 2},
		{"scatter halved", scatter(), 0.5},
		{"shifted scatter tripled", transform(scatter(), IdentityRotation(), 1, Point{X: 4, Y: 4, Z: -4}), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Centroid(tt.ref)
			target := make([]Point, len(tt.ref))
			for i, p := range tt.ref {
				target[i] = p.Sub(c).Scale(tt.scale).Add(c)
			}

			s, _ := quietSolver()
			res := s.SetReference(tt.ref).SetTarget(target).Compute()

			if !almostEqual(res.Scale, tt.scale, 1e-9) {
				t.Errorf("Scale = %v, want %v", res.Scale, tt.scale)
			}
			if angle := res.Rotation.AngleTo(IdentityRotation()); angle > 1e-6 {
				t.Errorf("rotation angle = %v, want 0", angle)
			}
			// The reference centroid is rotated but never scaled, so a scale
			// about the centroid leaves the translation at zero.
			want := Centroid(target).Sub(res.Rotation.Rotate(c))
			if !pointsClose(res.Translation, want, 1e-9) {
				t.Errorf("Translation = %v, want %v", res.Translation, want)
			}
			if !pointsClose(res.Translation, Point{}, 1e-9) {
				t.Errorf("Translation = %v, want origin", res.Translation)
			}
		})
	}
}

func TestComputeRotationRecovery(t *testing.T) {
	tests := []struct {
		name  string
		axis  Point
		angle float64
		ref   []Point
	}{
		{"30deg about y on square", Point{Y: 1}, math.Pi / 6, unitSquare()},
		{"60deg about diagonal", Point{X: 1, Y: 1, Z: 1}, math.Pi / 3, scatter()},
		{"120deg about x", Point{X: 1}, 2 * math.Pi / 3, scatter()},
		{"small tilt", Point{X: 0.3, Y: -1, Z: 0.2}, 0.05, scatter()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := centred(tt.ref)
			want := FromAxisAngle(tt.axis, tt.angle)
			refCentroid := Point{X: 2, Y: -1, Z: 0.5}
			shifted := transform(ref, IdentityRotation(), 1, refCentroid)
			target := transform(ref, want, 1, refCentroid)

			s, _ := quietSolver()
			res := s.SetReference(shifted).SetTarget(target).Compute()

			if got := res.Rotation.AngleTo(want); got > math.Pi/180 {
				t.Errorf("rotation off by %.4f deg", got*180/math.Pi)
			}
			if math.Abs(res.Rotation.Len()-1) > 1e-12 {
				t.Errorf("rotation length = %v, want 1", res.Rotation.Len())
			}
			if !almostEqual(res.Scale, 1, 1e-9) {
				t.Errorf("Scale = %v, want 1", res.Scale)
			}
		})
	}
}

func TestComputeRoundTrip(t *testing.T) {
	ref := centred(scatter())
	q := FromAxisAngle(Point{X: -0.4, Y: 1, Z: 0.7}, 1.1)
	offset := Point{X: -3, Y: 8, Z: 0.5}
	target := transform(ref, q, 1.75, offset)

	for _, method := range []Method{MethodTorque, MethodSVD} {
		t.Run(string(method), func(t *testing.T) {
			s, _ := quietSolver(WithMethod(method), WithIterations(200))
			res := s.SetReference(ref).SetTarget(target).Compute()

			got := s.ComputedPoints(true)
			for i := range target {
				if !pointsClose(got[i], target[i], 1e-6) {
					t.Errorf("point %d = %v, want %v", i, got[i], target[i])
				}
			}
			if res.Residual > 1e-6 {
				t.Errorf("Residual = %v, want ~0", res.Residual)
			}
			if !almostEqual(res.Scale, 1.75, 1e-9) {
				t.Errorf("Scale = %v, want 1.75", res.Scale)
			}
		})
	}
}

func TestComputeConcreteSquare(t *testing.T) {
	ref := unitSquare()
	target := []Point{
		{X: -2, Y: 0, Z: -2},
		{X: -2, Y: 0, Z: 2},
		{X: 2, Y: 0, Z: 2},
		{X: 2, Y: 0, Z: -2},
	}

	s, _ := quietSolver()
	res := s.SetReference(ref).SetTarget(target).Compute()

	if angle := res.Rotation.AngleTo(IdentityRotation()); angle > 1e-9 {
		t.Errorf("rotation angle = %v, want 0", angle)
	}
	if !pointsClose(res.Translation, Point{}, 1e-12) {
		t.Errorf("Translation = %v, want origin", res.Translation)
	}
	if !almostEqual(res.Scale, 2, 1e-12) {
		t.Errorf("Scale = %v, want 2", res.Scale)
	}
	if !res.Converged {
		t.Error("expected immediate convergence for an unrotated target")
	}

	cov := s.Covariance()
	want := [3][3]float64{{8, 0, 0}, {0, 0, 0}, {0, 0, 8}}
	if cov != want {
		t.Errorf("Covariance() = %v, want %v", cov, want)
	}
}

func TestComputeDegenerateInput(t *testing.T) {
	tests := []struct {
		name   string
		ref    []Point
		target []Point
		reason string
	}{
		{"empty reference", nil, unitSquare(), "reference set is empty"},
		{"empty target", unitSquare(), nil, "target set is empty"},
		{"length mismatch", unitSquare(), scatter(), "reference has 4 points but target has 6"},
		{"nan target", unitSquare(), []Point{{}, {}, {}, {X: math.NaN()}}, "target point 3 is not finite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, logs := quietSolver()
			// seed a non-identity result so the reset is observable
			s.SetReference(unitSquare()).SetTarget(transform(unitSquare(), FromAxisAngle(Point{Y: 1}, 0.5), 2, Point{X: 1})).Compute()

			res := s.SetReference(tt.ref).SetTarget(tt.target).Compute()

			if !res.IsFallback() {
				t.Fatalf("Status = %q, want fallback", res.Status)
			}
			if res.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.reason)
			}
			if res.Rotation != IdentityRotation() || res.Translation != (Point{}) || res.Scale != 1 {
				t.Errorf("result = %+v, want identity", res)
			}
			if !strings.Contains(logs.String(), "[KABSCH]") {
				t.Errorf("expected a diagnostic, log was %q", logs.String())
			}
			if s.Result().Scale != 1 {
				t.Error("stored result was not reset")
			}
		})
	}
}

func TestComputeRecoversAfterFallback(t *testing.T) {
	s, _ := quietSolver()
	s.SetReference(unitSquare()).SetTarget(nil).Compute()

	res := s.SetTarget(transform(unitSquare(), IdentityRotation(), 2, Point{})).Compute()
	if res.IsFallback() {
		t.Fatalf("expected computed result after valid input, got %q", res.Reason)
	}
	if !almostEqual(res.Scale, 2, epsilon) {
		t.Errorf("Scale = %v, want 2", res.Scale)
	}
}

func TestComputeZeroSizeReference(t *testing.T) {
	s, logs := quietSolver()
	same := []Point{{X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}}
	res := s.SetReference(same).SetTarget([]Point{{X: 4, Y: 5, Z: 6}, {X: 4, Y: 5, Z: 6}}).Compute()

	if res.IsFallback() {
		t.Fatal("zero-size reference is a degeneracy, not a fallback")
	}
	if res.Scale != 1 {
		t.Errorf("Scale = %v, want 1", res.Scale)
	}
	if !pointsClose(res.Translation, Point{X: 3, Y: 4, Z: 5}, epsilon) {
		t.Errorf("Translation = %v, want (3,4,5)", res.Translation)
	}
	if !strings.Contains(logs.String(), "near zero") {
		t.Errorf("expected near-zero scale diagnostic, got %q", logs.String())
	}
}

func TestComputeScaleClamped(t *testing.T) {
	s, _ := quietSolver()
	target := []Point{{}, {}, {}, {}}
	res := s.SetReference(unitSquare()).SetTarget(target).Compute()
	if res.Scale != minScale {
		t.Errorf("Scale = %v, want clamp %v", res.Scale, minScale)
	}
}

func TestComputeIdempotent(t *testing.T) {
	ref := scatter()
	target := transform(ref, FromAxisAngle(Point{X: 1, Z: 1}, 0.8), 1.3, Point{Y: 2})

	s, _ := quietSolver()
	s.SetReference(ref).SetTarget(target)
	first := s.Compute()
	second := s.Compute()

	if first.Rotation != second.Rotation || first.Translation != second.Translation || first.Scale != second.Scale {
		t.Errorf("repeated Compute differs: %+v vs %+v", first, second)
	}
}

func TestSetReferenceCopiesInput(t *testing.T) {
	ref := unitSquare()
	target := unitSquare()
	s, _ := quietSolver()
	s.SetReference(ref).SetTarget(target)

	ref[0] = Point{X: 100}
	target[0] = Point{X: -100}

	if got := s.Reference()[0]; got != (Point{X: -1, Z: -1}) {
		t.Errorf("reference mutated through caller slice: %v", got)
	}
	if got := s.Target()[0]; got != (Point{X: -1, Z: -1}) {
		t.Errorf("target mutated through caller slice: %v", got)
	}
	if !almostEqual(s.ReferenceScale(), 4*math.Sqrt2, epsilon) {
		t.Errorf("ReferenceScale() = %v, want %v", s.ReferenceScale(), 4*math.Sqrt2)
	}
}

func TestSetReferenceEmpty(t *testing.T) {
	s, _ := quietSolver()
	s.SetReference(nil)
	if s.ReferenceCentroid() != (Point{}) || s.ReferenceScale() != 0 {
		t.Errorf("empty reference: centroid %v scale %v", s.ReferenceCentroid(), s.ReferenceScale())
	}
	if len(s.ComputedPoints(true)) != 0 {
		t.Error("expected no computed points")
	}
}

func TestComputedPointsScaleFlag(t *testing.T) {
	ref := unitSquare()
	s, _ := quietSolver()
	s.SetReference(ref).SetTarget(transform(ref, IdentityRotation(), 3, Point{X: 1})).Compute()

	unscaled := s.ComputedPoints(false)
	scaled := s.ComputedPoints(true)
	for i := range ref {
		if !pointsClose(unscaled[i], ref[i].Add(Point{X: 1}), 1e-9) {
			t.Errorf("unscaled[%d] = %v", i, unscaled[i])
		}
		if !pointsClose(scaled[i], ref[i].Scale(3).Add(Point{X: 1}), 1e-9) {
			t.Errorf("scaled[%d] = %v", i, scaled[i])
		}
	}
}

func TestExtractRotation(t *testing.T) {
	ref := centred(scatter())
	want := FromAxisAngle(Point{X: 0.2, Y: 0.9, Z: -0.3}, 0.9)

	s, _ := quietSolver()
	s.SetReference(ref).SetTarget(transform(ref, want, 1, Point{})).Compute()
	before := s.Result()

	one := s.ExtractRotation(1)
	many := s.ExtractRotation(300)

	if one.AngleTo(want) <= many.AngleTo(want) {
		t.Errorf("more iterations should get closer: 1 step %v, 300 steps %v", one.AngleTo(want), many.AngleTo(want))
	}
	if many.AngleTo(want) > 1e-7 {
		t.Errorf("300 steps off by %v rad", many.AngleTo(want))
	}
	if s.Result().Rotation != before.Rotation {
		t.Error("ExtractRotation modified the stored result")
	}
}

func TestTorqueTrace(t *testing.T) {
	ref := centred(scatter())
	s, _ := quietSolver(WithIterations(500))
	res := s.SetReference(ref).SetTarget(transform(ref, FromAxisAngle(Point{Z: 1}, 0.7), 1, Point{})).Compute()

	if !res.Converged {
		t.Fatalf("expected convergence within 500 steps, trace tail %v", res.Trace[len(res.Trace)-1])
	}
	if len(res.Trace) != res.Steps+1 {
		t.Errorf("trace has %d entries for %d steps", len(res.Trace), res.Steps)
	}
	if res.Trace[len(res.Trace)-1] >= torqueThreshold {
		t.Errorf("last torque %v not below threshold", res.Trace[len(res.Trace)-1])
	}
	if res.Trace[0] <= res.Trace[len(res.Trace)-1] {
		t.Error("torque did not decrease")
	}
}

func TestIterationBound(t *testing.T) {
	ref := centred(scatter())
	s, logs := quietSolver(WithIterations(1))
	res := s.SetReference(ref).SetTarget(transform(ref, FromAxisAngle(Point{X: 1}, 1.2), 1, Point{})).Compute()

	if res.Steps > 1 || len(res.Trace) > 1 {
		t.Errorf("steps %d trace %d exceed bound 1", res.Steps, len(res.Trace))
	}
	if res.Converged {
		t.Error("1 step should not converge from a 1.2 rad offset")
	}
	if res.Status != StatusDegraded || !res.IsDegraded() {
		t.Errorf("Status = %q, want %q", res.Status, StatusDegraded)
	}
	if !strings.Contains(res.Reason, "did not converge within 1 steps") {
		t.Errorf("Reason = %q", res.Reason)
	}
	if !strings.Contains(logs.String(), "did not converge") {
		t.Errorf("missing log line, got %q", logs.String())
	}

	s.SetIterations(0)
	if s.Iterations() != DefaultIterations {
		t.Errorf("Iterations() = %d, want default %d", s.Iterations(), DefaultIterations)
	}
	if res := s.Compute(); res.Status != StatusComputed || res.Reason != "" {
		t.Errorf("default bound: Status = %q, Reason = %q", res.Status, res.Reason)
	}
}

func TestComputeNonFiniteTorque(t *testing.T) {
	// finite coordinates whose products overflow the covariance
	ref := transform(scatter(), IdentityRotation(), 1e160, Point{})
	s, logs := quietSolver()
	res := s.SetReference(ref).SetTarget(ref).Compute()

	if res.Status != StatusDegraded {
		t.Fatalf("Status = %q, want %q", res.Status, StatusDegraded)
	}
	if res.IsFallback() || res.Converged {
		t.Errorf("IsFallback = %v, Converged = %v", res.IsFallback(), res.Converged)
	}
	if !strings.Contains(res.Reason, "non-finite torque") {
		t.Errorf("Reason = %q", res.Reason)
	}
	if res.Rotation != IdentityRotation() {
		t.Errorf("Rotation = %v, want identity", res.Rotation)
	}
	if !strings.Contains(logs.String(), "rotation extraction failed") {
		t.Errorf("missing log line, got %q", logs.String())
	}
}

// anisotropic returns n random points stretched 3:1:2 along x, y and z
func anisotropic(rng *rand.Rand, n int) []Point {
	out := make([]Point, n)
	for i := range out {
		out[i] = Point{
			X: 3 * (2*rng.Float64() - 1),
			Y: 2*rng.Float64() - 1,
			Z: 2 * (2*rng.Float64() - 1),
		}
	}
	return out
}

func randomAxis(rng *rand.Rand) Point {
	for {
		p := Point{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		if n := Norm(p); n > 1e-3 {
			return p.Scale(1 / n)
		}
	}
}

func TestComputeRandomRotationRecovery(t *testing.T) {
	rng := rand.New(rand.NewSource(20261018))
	const cases = 2000
	const tolerance = math.Pi / 180

	var worst float64
	failures := 0
	for i := 0; i < cases; i++ {
		ref := anisotropic(rng, 3+rng.Intn(6))
		// the exact half-turn about a principal axis is a saddle; stay clear
		want := FromAxisAngle(randomAxis(rng), rng.Float64()*math.Pi*179/180)
		offset := Point{X: 10 * rng.NormFloat64(), Y: 10 * rng.NormFloat64(), Z: 10 * rng.NormFloat64()}
		target := transform(ref, want, 1, offset)

		s, _ := quietSolver()
		res := s.SetReference(ref).SetTarget(target).Compute()

		got := res.Rotation.AngleTo(want)
		worst = math.Max(worst, got)
		if got > tolerance || !res.Converged || res.Status != StatusComputed {
			failures++
			if failures <= 5 {
				t.Errorf("case %d (%d points): off by %.3g rad, converged=%v after %d steps, status %q",
					i, len(ref), got, res.Converged, res.Steps, res.Status)
			}
		}
	}
	if failures > 0 {
		t.Errorf("%d of %d random rotations missed by more than 1 degree (worst %.3g rad)", failures, cases, worst)
	}
}

func TestTorqueStepsNeverLoseAlignment(t *testing.T) {
	ref := centred(scatter())
	for _, angle := range []float64{0.4, 1.5, 2.8, 3.1} {
		want := FromAxisAngle(Point{X: 0.3, Y: -1, Z: 0.2}, angle)
		target := transform(ref, want, 1, Point{})
		s, _ := quietSolver()
		s.SetReference(ref).SetTarget(target).Compute()

		prev := math.Inf(1)
		for n := 1; n <= 8; n++ {
			residual := RMSD(transform(ref, s.ExtractRotation(n), 1, Point{}), target)
			if residual > prev+epsilon {
				t.Errorf("angle %v: residual rose from %v to %v at %d steps", angle, prev, residual, n)
			}
			prev = residual
		}
		if got := s.Result().Rotation.AngleTo(want); got > 1e-6 {
			t.Errorf("angle %v: default bound off by %v rad", angle, got)
		}
	}
}

func TestMethodsAgree(t *testing.T) {
	ref := scatter()
	want := FromAxisAngle(Point{X: 1, Y: -2, Z: 0.5}, 2.2)
	target := transform(ref, want, 0.8, Point{X: 1, Y: 1, Z: 1})

	torque, _ := quietSolver(WithIterations(400))
	svd, _ := quietSolver(WithMethod(MethodSVD))

	a := torque.SetReference(ref).SetTarget(target).Compute()
	b := svd.SetReference(ref).SetTarget(target).Compute()

	if d := a.Rotation.AngleTo(b.Rotation); d > 1e-6 {
		t.Errorf("methods disagree by %v rad", d)
	}
	if b.Rotation.AngleTo(want) > 1e-9 {
		t.Errorf("svd off by %v rad", b.Rotation.AngleTo(want))
	}
	if !pointsClose(a.Translation, b.Translation, 1e-5) {
		t.Errorf("translations differ: %v vs %v", a.Translation, b.Translation)
	}
	if b.Method != MethodSVD || a.Method != MethodTorque {
		t.Errorf("methods recorded as %q and %q", a.Method, b.Method)
	}
}

func TestSVDRejectsReflection(t *testing.T) {
	ref := centred(scatter())
	mirrored := make([]Point, len(ref))
	for i, p := range ref {
		mirrored[i] = Point{X: -p.X, Y: p.Y, Z: p.Z}
	}

	s, _ := quietSolver(WithMethod(MethodSVD))
	res := s.SetReference(ref).SetTarget(mirrored).Compute()

	m := res.Rotation.Matrix()
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if !almostEqual(det, 1, 1e-9) {
		t.Errorf("det = %v, want 1", det)
	}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    Method
		wantErr bool
	}{
		{"", MethodTorque, false},
		{"torque", MethodTorque, false},
		{"svd", MethodSVD, false},
		{"jacobi", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMethod(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMethod(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRMSD(t *testing.T) {
	a := []Point{{}, {X: 1}}
	b := []Point{{X: 3}, {X: 1, Y: 4}}
	// sqrt((9 + 16) / 2)
	if got := RMSD(a, b); !almostEqual(got, math.Sqrt(12.5), epsilon) {
		t.Errorf("RMSD = %v", got)
	}
	if !math.IsInf(RMSD(a, b[:1]), 1) {
		t.Error("mismatched lengths should be +Inf")
	}
}
