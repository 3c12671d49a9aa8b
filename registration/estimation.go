package registration

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/ChuangbinC/Open3D/pointcloud"
)

// PointToPoint estimates the transformation minimizing the summed squared
// distance between corresponding points (Umeyama alignment). With WithScaling
// set, a uniform scale factor is estimated alongside the rotation and
// translation; the result is then a similarity transform rather than a rigid
// one.
type PointToPoint struct {
	WithScaling bool
}

// ComputeTransformation returns the closed-form least-squares alignment of the
// matched source points onto their target counterparts. An empty
// correspondence set yields the identity.
func (e PointToPoint) ComputeTransformation(
	source, target *pointcloud.PointCloud,
	corres CorrespondenceSet,
) *mat.Dense {
	if len(corres) == 0 {
		return identityMatrix4()
	}
	n := float64(len(corres))
	var centroidSource, centroidTarget r3.Vector
	for _, c := range corres {
		centroidSource = centroidSource.Add(source.Point(c.SourceIndex))
		centroidTarget = centroidTarget.Add(target.Point(c.TargetIndex))
	}
	centroidSource = centroidSource.Mul(1 / n)
	centroidTarget = centroidTarget.Mul(1 / n)

	// cross-covariance of the demeaned pairs, target rows by source columns
	cov := mat.NewDense(3, 3, nil)
	var sourceVariance float64
	for _, c := range corres {
		ds := source.Point(c.SourceIndex).Sub(centroidSource)
		dt := target.Point(c.TargetIndex).Sub(centroidTarget)
		sv := [3]float64{ds.X, ds.Y, ds.Z}
		tv := [3]float64{dt.X, dt.Y, dt.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov.Set(i, j, cov.At(i, j)+tv[i]*sv[j]/n)
			}
		}
		sourceVariance += ds.Norm2() / n
	}

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return identityMatrix4()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	// reflection correction keeps the rotation proper
	sign := [3]float64{1, 1, 1}
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign[2] = -1
	}

	scale := 1.0
	if e.WithScaling && sourceVariance > 0 {
		scale = (values[0]*sign[0] + values[1]*sign[1] + values[2]*sign[2]) / sourceVariance
	}

	rotation := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += u.At(i, k) * sign[k] * v.At(j, k)
			}
			rotation.Set(i, j, sum)
		}
	}

	cs := [3]float64{centroidSource.X, centroidSource.Y, centroidSource.Z}
	ct := [3]float64{centroidTarget.X, centroidTarget.Y, centroidTarget.Z}
	transformation := identityMatrix4()
	for i := 0; i < 3; i++ {
		var rc float64
		for k := 0; k < 3; k++ {
			transformation.Set(i, k, scale*rotation.At(i, k))
			rc += rotation.At(i, k) * cs[k]
		}
		transformation.Set(i, 3, ct[i]-scale*rc)
	}
	return transformation
}

// PointToPlane estimates the transformation minimizing the summed squared
// distance between each source point and the tangent plane of its target
// counterpart. The target cloud must carry normals; without them, or with an
// empty correspondence set, the identity is returned.
type PointToPlane struct{}

// ComputeTransformation linearizes the point-to-plane objective about the
// identity, solves the 6x6 normal equations, and assembles the resulting
// rotation and translation.
func (PointToPlane) ComputeTransformation(
	source, target *pointcloud.PointCloud,
	corres CorrespondenceSet,
) *mat.Dense {
	if len(corres) == 0 || !target.HasNormals() {
		return identityMatrix4()
	}

	// unknowns are (alpha, beta, gamma, tx, ty, tz)
	ata := mat.NewDense(6, 6, nil)
	atb := mat.NewVecDense(6, nil)
	for _, c := range corres {
		p := source.Point(c.SourceIndex)
		q := target.Point(c.TargetIndex)
		nrm := target.Normals[c.TargetIndex]
		cross := p.Cross(nrm)
		row := [6]float64{cross.X, cross.Y, cross.Z, nrm.X, nrm.Y, nrm.Z}
		residual := p.Sub(q).Dot(nrm)
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				ata.Set(i, j, ata.At(i, j)+row[i]*row[j])
			}
			atb.SetVec(i, atb.AtVec(i)-row[i]*residual)
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(ata, atb); err != nil {
		return identityMatrix4()
	}

	rotation := rotationZYX(x.AtVec(0), x.AtVec(1), x.AtVec(2))
	transformation := identityMatrix4()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			transformation.Set(i, j, rotation.At(i, j))
		}
		transformation.Set(i, 3, x.AtVec(3+i))
	}
	return transformation
}
