// Package transform converts poses from the ingestion convention (X right, Y up, Z back toward
// the viewer, left-handed overall) to the engine convention (X right, Y down, Z forward into the
// scene, right-handed).
package transform

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Matrix3 is a row-major 3x3 rotation matrix.
type Matrix3 [9]float64

// Identity is the 3x3 identity rotation.
var Identity = Matrix3{
	1, 0, 0,
	0, 1, 0,
	0, 0, 1,
}

// At returns the element at row r, column c.
func (m Matrix3) At(r, c int) float64 {
	return m[r*3+c]
}

// Dense returns a copy of m as a gonum matrix.
func (m Matrix3) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, m[:])
	return mat.NewDense(3, 3, data)
}

// Position flips the Y and Z axes.
func Position(p r3.Vector) r3.Vector {
	return r3.Vector{X: p.X, Y: -p.Y, Z: -p.Z}
}

// Orientation applies the fixed 180 degree rotation about X, which reduces to a component
// permutation: x' = w, y' = -z, z' = -y, w' = x. The input is not normalized.
func Orientation(q quat.Number) quat.Number {
	return quat.Number{
		Imag: q.Real,
		Jmag: -q.Kmag,
		Kmag: -q.Jmag,
		Real: q.Imag,
	}
}

// QuaternionToMatrix expands q into a row-major rotation matrix. q is assumed to be a unit
// quaternion.
func QuaternionToMatrix(q quat.Number) Matrix3 {
	x, y, z, w := q.Imag, q.Jmag, q.Kmag, q.Real

	xx := x * x
	xy := x * y
	xz := x * z
	xw := x * w
	yy := y * y
	yz := y * z
	yw := y * w
	zz := z * z
	zw := z * w

	return Matrix3{
		1 - 2*(yy+zz), 2 * (xy - zw), 2 * (xz + yw),
		2 * (xy + zw), 1 - 2*(xx+zz), 2 * (yz - xw),
		2 * (xz - yw), 2 * (yz + xw), 1 - 2*(xx+yy),
	}
}

// ToEngine converts a position and orientation from the ingestion convention into the engine's
// translation vector and rotation matrix.
func ToEngine(position r3.Vector, orientation quat.Number) (r3.Vector, Matrix3) {
	return Position(position), QuaternionToMatrix(Orientation(orientation))
}
