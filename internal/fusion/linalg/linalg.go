// Package linalg provides the fixed-size matrix and vector algebra used by
// the localization filter.
//
// All matrices are stored row-major in flat arrays, so element (i, j) of an
// R×C matrix lives at index i*C+j. Every operation takes and returns values,
// never pointers, so the helpers are safe for concurrent use.
package linalg

import (
	"errors"
	"math"
)

// MinDeterminant is the default |det| floor below which a 3×3 matrix is
// treated as singular.
const MinDeterminant = 1e-12

// ErrSingularMatrix is returned when a matrix cannot be inverted.
var ErrSingularMatrix = errors.New("singular matrix")

// Vec3 is a 3-vector.
type Vec3 [3]float64

// Vec6 is a 6-vector.
type Vec6 [6]float64

// Mat3 is a 3×3 matrix.
type Mat3 [9]float64

// Mat6 is a 6×6 matrix.
type Mat6 [36]float64

// Mat3x6 is a 3-row, 6-column matrix.
type Mat3x6 [18]float64

// Mat6x3 is a 6-row, 3-column matrix.
type Mat6x3 [18]float64

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Identity3 returns the 3×3 identity.
func Identity3() Mat3 {
	return Mat3{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// Identity6 returns the 6×6 identity.
func Identity6() Mat6 {
	var m Mat6
	for i := 0; i < 6; i++ {
		m[i*6+i] = 1
	}
	return m
}

// Diag3 returns s·I₃.
func Diag3(s float64) Mat3 {
	return Mat3{
		s, 0, 0,
		0, s, 0,
		0, 0, s,
	}
}

// Diag6 returns s·I₆.
func Diag6(s float64) Mat6 {
	var m Mat6
	for i := 0; i < 6; i++ {
		m[i*6+i] = s
	}
	return m
}

// ---------------------------------------------------------------------------
// Vectors
// ---------------------------------------------------------------------------

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]}
}

// Sub returns v − w.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v[0] - w[0], v[1] - w[1], v[2] - w[2]}
}

// Scale returns s·v.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// Add returns v + w.
func (v Vec6) Add(w Vec6) Vec6 {
	var out Vec6
	for i := range v {
		out[i] = v[i] + w[i]
	}
	return out
}

// Position returns the first three components of v.
func (v Vec6) Position() Vec3 {
	return Vec3{v[0], v[1], v[2]}
}

// Velocity returns the last three components of v.
func (v Vec6) Velocity() Vec3 {
	return Vec3{v[3], v[4], v[5]}
}

// ---------------------------------------------------------------------------
// Mat3
// ---------------------------------------------------------------------------

// At returns element (i, j).
func (m Mat3) At(i, j int) float64 { return m[i*3+j] }

// Add returns m + n.
func (m Mat3) Add(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] + n[i]
	}
	return out
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += m[i*3+k] * n[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

// MulVec returns m·v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// T returns the transpose of m.
func (m Mat3) T() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[3], m[4], m[5]
	g, h, i := m[6], m[7], m[8]
	return a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
}

// Invert3x3 inverts m by cofactor expansion, rejecting matrices whose
// determinant magnitude is below MinDeterminant.
func Invert3x3(m Mat3) (Mat3, error) {
	return m.Inverse(MinDeterminant)
}

// Inverse inverts m by cofactor expansion. It returns ErrSingularMatrix when
// |det(m)| < minDet or when the result would not be finite; it never returns
// Inf or NaN entries.
func (m Mat3) Inverse(minDet float64) (Mat3, error) {
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[3], m[4], m[5]
	g, h, i := m[6], m[7], m[8]

	det := m.Det()
	if math.IsNaN(det) || math.IsInf(det, 0) || math.Abs(det) < minDet {
		return Mat3{}, ErrSingularMatrix
	}

	inv := Mat3{
		(e*i - f*h) / det, (c*h - b*i) / det, (b*f - c*e) / det,
		(f*g - d*i) / det, (a*i - c*g) / det, (c*d - a*f) / det,
		(d*h - e*g) / det, (b*g - a*h) / det, (a*e - b*d) / det,
	}
	if !IsFinite(inv[:]...) {
		return Mat3{}, ErrSingularMatrix
	}
	return inv, nil
}

// ---------------------------------------------------------------------------
// Mat6
// ---------------------------------------------------------------------------

// At returns element (i, j).
func (m Mat6) At(i, j int) float64 { return m[i*6+j] }

// Add returns m + n.
func (m Mat6) Add(n Mat6) Mat6 {
	var out Mat6
	for i := range m {
		out[i] = m[i] + n[i]
	}
	return out
}

// Sub returns m − n.
func (m Mat6) Sub(n Mat6) Mat6 {
	var out Mat6
	for i := range m {
		out[i] = m[i] - n[i]
	}
	return out
}

// Mul returns m·n.
func (m Mat6) Mul(n Mat6) Mat6 {
	var out Mat6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			var sum float64
			for k := 0; k < 6; k++ {
				sum += m[i*6+k] * n[k*6+j]
			}
			out[i*6+j] = sum
		}
	}
	return out
}

// MulVec returns m·v.
func (m Mat6) MulVec(v Vec6) Vec6 {
	var out Vec6
	for i := 0; i < 6; i++ {
		var sum float64
		for j := 0; j < 6; j++ {
			sum += m[i*6+j] * v[j]
		}
		out[i] = sum
	}
	return out
}

// MulMat6x3 returns m·n.
func (m Mat6) MulMat6x3(n Mat6x3) Mat6x3 {
	var out Mat6x3
	for i := 0; i < 6; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 6; k++ {
				sum += m[i*6+k] * n[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

// T returns the transpose of m.
func (m Mat6) T() Mat6 {
	var out Mat6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[j*6+i] = m[i*6+j]
		}
	}
	return out
}

// Trace returns the sum of the diagonal.
func (m Mat6) Trace() float64 {
	var sum float64
	for i := 0; i < 6; i++ {
		sum += m[i*6+i]
	}
	return sum
}

// Symmetrize returns (m + mᵗ)/2.
func (m Mat6) Symmetrize() Mat6 {
	var out Mat6
	for i := 0; i < 6; i++ {
		out[i*6+i] = m[i*6+i]
		for j := i + 1; j < 6; j++ {
			avg := 0.5 * (m[i*6+j] + m[j*6+i])
			out[i*6+j] = avg
			out[j*6+i] = avg
		}
	}
	return out
}

// MaxAsymmetry returns max |m(i,j) − m(j,i)|.
func (m Mat6) MaxAsymmetry() float64 {
	var worst float64
	for i := 0; i < 6; i++ {
		for j := i + 1; j < 6; j++ {
			if d := math.Abs(m[i*6+j] - m[j*6+i]); d > worst {
				worst = d
			}
		}
	}
	return worst
}

// PositionBlock returns the upper-left 3×3 block.
func (m Mat6) PositionBlock() Mat3 {
	return Mat3{
		m[0], m[1], m[2],
		m[6], m[7], m[8],
		m[12], m[13], m[14],
	}
}

// ---------------------------------------------------------------------------
// Rectangular
// ---------------------------------------------------------------------------

// MulMat6 returns m·n (3×6 · 6×6 → 3×6).
func (m Mat3x6) MulMat6(n Mat6) Mat3x6 {
	var out Mat3x6
	for i := 0; i < 3; i++ {
		for j := 0; j < 6; j++ {
			var sum float64
			for k := 0; k < 6; k++ {
				sum += m[i*6+k] * n[k*6+j]
			}
			out[i*6+j] = sum
		}
	}
	return out
}

// MulMat6x3 returns m·n (3×6 · 6×3 → 3×3).
func (m Mat3x6) MulMat6x3(n Mat6x3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 6; k++ {
				sum += m[i*6+k] * n[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

// MulVec6 returns m·v.
func (m Mat3x6) MulVec6(v Vec6) Vec3 {
	var out Vec3
	for i := 0; i < 3; i++ {
		var sum float64
		for k := 0; k < 6; k++ {
			sum += m[i*6+k] * v[k]
		}
		out[i] = sum
	}
	return out
}

// T returns the 6×3 transpose of m.
func (m Mat3x6) T() Mat6x3 {
	var out Mat6x3
	for i := 0; i < 3; i++ {
		for j := 0; j < 6; j++ {
			out[j*3+i] = m[i*6+j]
		}
	}
	return out
}

// MulMat3 returns m·n (6×3 · 3×3 → 6×3).
func (m Mat6x3) MulMat3(n Mat3) Mat6x3 {
	var out Mat6x3
	for i := 0; i < 6; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += m[i*3+k] * n[k*3+j]
			}
			out[i*3+j] = sum
		}
	}
	return out
}

// MulMat3x6 returns m·n (6×3 · 3×6 → 6×6).
func (m Mat6x3) MulMat3x6(n Mat3x6) Mat6 {
	var out Mat6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += m[i*3+k] * n[k*6+j]
			}
			out[i*6+j] = sum
		}
	}
	return out
}

// MulVec3 returns m·v.
func (m Mat6x3) MulVec3(v Vec3) Vec6 {
	var out Vec6
	for i := 0; i < 6; i++ {
		out[i] = m[i*3+0]*v[0] + m[i*3+1]*v[1] + m[i*3+2]*v[2]
	}
	return out
}

// T returns the 3×6 transpose of m.
func (m Mat6x3) T() Mat3x6 {
	var out Mat3x6
	for i := 0; i < 6; i++ {
		for j := 0; j < 3; j++ {
			out[j*6+i] = m[i*3+j]
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// IsFinite reports whether every value is neither NaN nor ±Inf.
func IsFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
