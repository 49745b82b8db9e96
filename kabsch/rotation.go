package kabsch

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	torqueThreshold = 1e-9
	torqueEpsilon   = 1e-9
)

var basis = [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}

type rotationFit struct {
	rotation  Quaternion
	steps     int
	converged bool
	trace     []float64
	reason    string
}

// torqueRotation finds the rotation R maximising f(R) = sum_k (R e_k) . a_k
// where a_k is row k of the covariance, i.e. the target direction the
// reference basis axis e_k should map to. The summed torque (R e_k) x a_k,
// normalised by the current alignment, is the convergence measure. Each step
// turns the rotated basis about the Newton direction (the torque when the
// local curvature is not negative definite) by the angle that maximises f
// along that axis, so f never decreases. The estimate restarts from identity
// on every call.
func torqueRotation(cov *r3.Mat, iterations int) rotationFit {
	fit := rotationFit{rotation: IdentityRotation()}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	fit.trace = make([]float64, 0, iterations)

	q := IdentityRotation()
	for i := 0; i < iterations; i++ {
		var torque r3.Vec
		var alignment float64
		var axes, targets [3]r3.Vec
		for k, e := range basis {
			axes[k] = q.rotateVec(e)
			targets[k] = cov.VecRow(k)
			torque = r3.Add(torque, r3.Cross(axes[k], targets[k]))
			alignment += r3.Dot(axes[k], targets[k])
		}

		magnitude := r3.Norm(torque) / (math.Abs(alignment) + torqueEpsilon)
		if !isFinite(magnitude) {
			return rotationFit{
				rotation: IdentityRotation(),
				steps:    fit.steps,
				trace:    fit.trace,
				reason:   fmt.Sprintf("non-finite torque at step %d", i),
			}
		}
		fit.trace = append(fit.trace, magnitude)
		if magnitude < torqueThreshold {
			fit.converged = true
			break
		}

		axis := stepAxis(axes, targets, torque, alignment)
		q = FromAxisAngle(FromVec(axis), stepAngle(axes, targets, axis, torque)).Mul(q).Normalize()
		fit.steps++
	}

	if !q.IsFinite() {
		fit.rotation = IdentityRotation()
		fit.converged = false
		fit.reason = "rotation estimate diverged"
		return fit
	}
	fit.rotation = q
	return fit
}

// stepAxis returns the unit rotation axis for the next step. Turning by a
// small angle t about u changes f by t u.torque - t^2/2 u^T P u with
// P = alignment I - sym(sum_k axes_k targets_k^T). When P is positive
// definite the Newton axis P^-1 torque is used, otherwise the torque itself.
func stepAxis(axes, targets [3]r3.Vec, torque r3.Vec, alignment float64) r3.Vec {
	dir := r3.Unit(torque)

	sym := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			var v float64
			for k := range axes {
				v -= (component(axes[k], i)*component(targets[k], j) + component(axes[k], j)*component(targets[k], i)) / 2
			}
			if i == j {
				v += alignment
			}
			sym.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return dir
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(3, []float64{torque.X, torque.Y, torque.Z})); err != nil {
		return dir
	}
	newton := r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	n := r3.Norm(newton)
	if !isFinite(n) || n == 0 || r3.Dot(newton, torque) <= 0 {
		return dir
	}
	return r3.Scale(1/n, newton)
}

// stepAngle maximises f along the unit axis u. Restricted to rotations
// about u, f(t) = c + B cos t + S sin t with S = u.torque and
// B = sum_k (axes_k . targets_k - (u . axes_k)(u . targets_k)).
func stepAngle(axes, targets [3]r3.Vec, u, torque r3.Vec) float64 {
	var b float64
	for k := range axes {
		b += r3.Dot(axes[k], targets[k]) - r3.Dot(u, axes[k])*r3.Dot(u, targets[k])
	}
	return math.Atan2(r3.Dot(u, torque), b)
}

func component(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

// svdRotation is the closed-form Kabsch rotation. With H = U S V^T the SVD
// of the covariance, R = V diag(1, 1, d) U^T where d corrects reflections.
func svdRotation(cov *r3.Mat) rotationFit {
	fit := rotationFit{rotation: IdentityRotation(), converged: true}

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		fit.converged = false
		fit.reason = "singular value decomposition failed"
		return fit
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := 1.0
	if mat.Det(&v)*mat.Det(&u) < 0 {
		d = -1
	}
	var r mat.Dense
	r.Product(&v, mat.NewDiagDense(3, []float64{1, 1, d}), u.T())

	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r.At(i, j)
		}
	}
	q := FromMatrix(m)
	if !q.IsFinite() {
		fit.converged = false
		fit.reason = "rotation matrix is not finite"
		return fit
	}
	fit.rotation = q
	fit.steps = 1
	return fit
}
