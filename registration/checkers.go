package registration

import (
	"math"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/mat"

	"github.com/ChuangbinC/Open3D/pointcloud"
)

// EdgeLengthChecker rejects a correspondence sample when any pair of its
// source edges and target edges differ in length by more than the similarity
// threshold allows. It runs before model fitting and ignores the
// transformation.
type EdgeLengthChecker struct {
	SimilarityThreshold float64
}

// NewEdgeLengthChecker returns an edge-length checker with the reference
// similarity threshold of 0.9.
func NewEdgeLengthChecker() EdgeLengthChecker {
	return EdgeLengthChecker{SimilarityThreshold: 0.9}
}

// RequirePointCloudAlignment reports that no fitted transformation is needed.
func (c EdgeLengthChecker) RequirePointCloudAlignment() bool { return false }

// Check validates every pair of correspondences for edge-length similarity.
func (c EdgeLengthChecker) Check(
	source, target *pointcloud.PointCloud,
	corres CorrespondenceSet,
	transformation *mat.Dense,
) bool {
	for i := 0; i < len(corres); i++ {
		for j := i + 1; j < len(corres); j++ {
			distSource := source.Point(corres[i].SourceIndex).Sub(source.Point(corres[j].SourceIndex)).Norm()
			distTarget := target.Point(corres[i].TargetIndex).Sub(target.Point(corres[j].TargetIndex)).Norm()
			if distSource < distTarget*c.SimilarityThreshold ||
				distTarget < distSource*c.SimilarityThreshold {
				return false
			}
		}
	}
	return true
}

// DistanceChecker rejects a fitted transformation when any transformed source
// point lies farther than the distance threshold from its target counterpart.
type DistanceChecker struct {
	DistanceThreshold float64
}

// RequirePointCloudAlignment reports that the fitted transformation is needed.
func (c DistanceChecker) RequirePointCloudAlignment() bool { return true }

// Check validates every correspondence distance under the transformation.
func (c DistanceChecker) Check(
	source, target *pointcloud.PointCloud,
	corres CorrespondenceSet,
	transformation *mat.Dense,
) bool {
	for _, pair := range corres {
		p := source.Point(pair.SourceIndex)
		q := target.Point(pair.TargetIndex)
		moved := applyTransform(transformation, p)
		if moved.Sub(q).Norm() > c.DistanceThreshold {
			return false
		}
	}
	return true
}

// NormalChecker rejects a fitted transformation when the angle between a
// rotated source normal and the matching target normal exceeds the threshold
// (radians). Clouds without normals pass vacuously.
type NormalChecker struct {
	NormalAngleThreshold float64
}

// RequirePointCloudAlignment reports that the fitted transformation is needed.
func (c NormalChecker) RequirePointCloudAlignment() bool { return true }

// Check validates every correspondence's normal agreement under the
// transformation's rotation.
func (c NormalChecker) Check(
	source, target *pointcloud.PointCloud,
	corres CorrespondenceSet,
	transformation *mat.Dense,
) bool {
	if !source.HasNormals() || !target.HasNormals() {
		golog.Global().Debug("point clouds have no normals, skipping normal check")
		return true
	}
	cosThreshold := math.Cos(c.NormalAngleThreshold)
	for _, pair := range corres {
		n := source.Normals[pair.SourceIndex]
		rotated := applyRotation(transformation, n)
		if rotated.Dot(target.Normals[pair.TargetIndex]) < cosThreshold {
			return false
		}
	}
	return true
}
