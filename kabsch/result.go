package kabsch

import "fmt"

// Status tags how a Result was produced
type Status string

const (
	// StatusComputed means the result came from a full solve
	StatusComputed Status = "computed"
	// StatusDegraded means the input was solved but the rotation is not
	// trusted: extraction failed (identity rotation) or hit the iteration
	// bound before the torque fell below threshold. Reason says which.
	StatusDegraded Status = "degraded"
	// StatusFallback means the input was unusable and the result is identity
	StatusFallback Status = "fallback"
)

// Method selects the rotation extraction algorithm
type Method string

const (
	// MethodTorque is the iterative torque minimisation (default)
	MethodTorque Method = "torque"
	// MethodSVD is the closed-form Kabsch solution via singular value decomposition
	MethodSVD Method = "svd"
)

// ParseMethod maps a config string to a Method. Empty selects MethodTorque.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodTorque:
		return MethodTorque, nil
	case MethodSVD:
		return MethodSVD, nil
	}
	return "", fmt.Errorf("unknown alignment method %q (want %q or %q)", s, MethodTorque, MethodSVD)
}

// Result is the similarity transform mapping the reference set onto the
// target set, plus diagnostics describing how it was obtained.
type Result struct {
	Rotation    Quaternion `json:"rotation"`
	Translation Point      `json:"translation"`
	Scale       float64    `json:"scale"`

	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Method    Method    `json:"method,omitempty"`
	Steps     int       `json:"steps"`
	Converged bool      `json:"converged"`
	Residual  float64   `json:"residual"`
	Trace     []float64 `json:"trace,omitempty"`
}

// IdentityResult returns the fallback transform: no rotation, no
// translation, unit scale.
func IdentityResult() Result {
	return Result{
		Rotation: IdentityRotation(),
		Scale:    1,
		Status:   StatusFallback,
	}
}

// IsFallback reports whether the result is the identity default
func (r Result) IsFallback() bool {
	return r.Status == StatusFallback
}

// IsDegraded reports whether the result was solved with an untrusted rotation
func (r Result) IsDegraded() bool {
	return r.Status == StatusDegraded
}

// Clone returns a copy that shares no memory with r
func (r Result) Clone() Result {
	out := r
	if r.Trace != nil {
		out.Trace = make([]float64, len(r.Trace))
		copy(out.Trace, r.Trace)
	}
	return out
}

// Apply maps a reference offset (a point relative to the reference
// centroid) into target space.
func (r Result) Apply(offset Point, includeScale bool) Point {
	p := r.Rotation.Rotate(offset)
	if includeScale {
		p = p.Scale(r.Scale)
	}
	return p.Add(r.Translation)
}
