package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

func identityMatrix4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func isIdentity4(m *mat.Dense) bool {
	rows, cols := m.Dims()
	if rows != 4 || cols != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if m.At(i, j) != want {
				return false
			}
		}
	}
	return true
}

// composeTransform returns update * transformation, the composition applied
// when update is expressed in the already-transformed frame.
func composeTransform(update, transformation *mat.Dense) *mat.Dense {
	var composed mat.Dense
	composed.Mul(update, transformation)
	return &composed
}

// applyTransform returns p moved by the 4x4 homogeneous transform m.
func applyTransform(m *mat.Dense, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}

// applyRotation returns v rotated by the upper-left 3x3 block of m.
func applyRotation(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// rotationZYX builds the rotation Rz(gamma) * Ry(beta) * Rx(alpha).
func rotationZYX(alpha, beta, gamma float64) *mat.Dense {
	ca, sa := math.Cos(alpha), math.Sin(alpha)
	cb, sb := math.Cos(beta), math.Sin(beta)
	cg, sg := math.Cos(gamma), math.Sin(gamma)
	return mat.NewDense(3, 3, []float64{
		cg * cb, cg*sb*sa - sg*ca, cg*sb*ca + sg*sa,
		sg * cb, sg*sb*sa + cg*ca, sg*sb*ca - cg*sa,
		-sb, cb * sa, cb * ca,
	})
}
