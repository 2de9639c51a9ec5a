package linalg

import "math"

// Mat4 is a 4×4 homogeneous transform, row-major. The translation column is
// stored at indices 3, 7 and 11, and the bottom row is [0 0 0 1] for any
// affine transform.
type Mat4 [16]float64

// affineTolerance bounds how far the bottom row of a transform may drift
// from [0 0 0 1] before it is rejected as non-affine.
const affineTolerance = 1e-6

// Identity4 returns the 4×4 identity.
func Identity4() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// TranslationMat4 returns an identity-rotation transform translated by t.
func TranslationMat4(t Vec3) Mat4 {
	m := Identity4()
	m[3] = t[0]
	m[7] = t[1]
	m[11] = t[2]
	return m
}

// RotationYMat4 returns a rotation of angle radians about +Y. A positive
// angle turns +Z towards +X.
func RotationYMat4(angle float64) Mat4 {
	s, c := math.Sincos(angle)
	return Mat4{
		c, 0, s, 0,
		0, 1, 0, 0,
		-s, 0, c, 0,
		0, 0, 0, 1,
	}
}

// Mat4FromColumnMajor converts a column-major 16-element array (the layout
// used by simd_float4x4 and OpenGL-style APIs) to row-major.
func Mat4FromColumnMajor(cm [16]float64) Mat4 {
	var m Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[r*4+c] = cm[c*4+r]
		}
	}
	return m
}

// ColumnMajor returns m in column-major order.
func (m Mat4) ColumnMajor() [16]float64 {
	var cm [16]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			cm[c*4+r] = m[r*4+c]
		}
	}
	return cm
}

// Mul returns m·n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[i*4+k] * n[k*4+j]
			}
			out[i*4+j] = sum
		}
	}
	return out
}

// MulPoint applies m to the point p (w = 1) and returns the Cartesian result.
// Affine transforms keep w = 1, so no perspective divide is performed.
func (m Mat4) MulPoint(p Vec3) Vec3 {
	return Vec3{
		m[0]*p[0] + m[1]*p[1] + m[2]*p[2] + m[3],
		m[4]*p[0] + m[5]*p[1] + m[6]*p[2] + m[7],
		m[8]*p[0] + m[9]*p[1] + m[10]*p[2] + m[11],
	}
}

// Translation returns the translation column.
func (m Mat4) Translation() Vec3 {
	return Vec3{m[3], m[7], m[11]}
}

// RotationBlock returns the upper-left 3×3 linear part.
func (m Mat4) RotationBlock() Mat3 {
	return Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// IsFinite reports whether every element of m is finite.
func (m Mat4) IsFinite() bool {
	return IsFinite(m[:]...)
}

// IsAffine reports whether the bottom row of m is [0 0 0 1] within
// tolerance and its linear block is invertible.
func (m Mat4) IsAffine() bool {
	if !m.IsFinite() {
		return false
	}
	if math.Abs(m[12]) > affineTolerance || math.Abs(m[13]) > affineTolerance ||
		math.Abs(m[14]) > affineTolerance || math.Abs(m[15]-1) > affineTolerance {
		return false
	}
	return math.Abs(m.RotationBlock().Det()) >= affineTolerance
}
