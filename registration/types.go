// Package registration estimates rigid transformations aligning a source
// point cloud to a target point cloud: correspondence evaluation, iterative
// closest point refinement, RANSAC over correspondences or feature matches,
// and the pose information matrix of a finished registration.
package registration

import (
	"gonum.org/v1/gonum/mat"

	"github.com/ChuangbinC/Open3D/pointcloud"
)

// Correspondence links a source point index to a target point index.
type Correspondence struct {
	SourceIndex int
	TargetIndex int
}

// CorrespondenceSet is a collection of correspondences. The order of entries
// within a set is not part of the contract; parallel evaluation merges
// worker-local buffers in nondeterministic order.
type CorrespondenceSet []Correspondence

// RegistrationResult reports the outcome of a registration attempt.
// Fitness is the fraction of source points with an inlier correspondence
// (for RegistrationRANSACBasedOnCorrespondence, the fraction of the supplied
// correspondence set) and InlierRMSE the root mean square distance over
// inliers. Fitness is zero exactly when Correspondences is empty, and
// InlierRMSE is zero then too; InlierRMSE is also zero for an exact alignment.
type RegistrationResult struct {
	// Transformation is the 4x4 homogeneous transform taking source into the target frame.
	Transformation  *mat.Dense
	Correspondences CorrespondenceSet
	Fitness         float64
	InlierRMSE      float64
}

func newRegistrationResult(transformation *mat.Dense) RegistrationResult {
	return RegistrationResult{Transformation: mat.DenseCopyOf(transformation)}
}

func defaultRegistrationResult() RegistrationResult {
	return RegistrationResult{Transformation: identityMatrix4()}
}

// isBetterRANSACResult reports whether cand beats best: strictly higher
// fitness, or equal fitness with lower inlier RMSE.
func isBetterRANSACResult(cand, best RegistrationResult) bool {
	return cand.Fitness > best.Fitness ||
		(cand.Fitness == best.Fitness && cand.InlierRMSE < best.InlierRMSE)
}

// ICPConvergenceCriteria bounds the ICP refinement loop. The loop stops when
// both the fitness delta and the RMSE delta between successive iterations
// fall below their thresholds, or after MaxIteration iterations.
type ICPConvergenceCriteria struct {
	RelativeFitness float64
	RelativeRMSE    float64
	MaxIteration    int
}

// NewICPConvergenceCriteria returns the default ICP criteria.
func NewICPConvergenceCriteria() ICPConvergenceCriteria {
	return ICPConvergenceCriteria{
		RelativeFitness: 1e-6,
		RelativeRMSE:    1e-6,
		MaxIteration:    30,
	}
}

// RANSACConvergenceCriteria bounds the RANSAC drivers. MaxIteration caps
// sampling attempts and MaxValidation caps full hypothesis validations; the
// two budgets are distinct. A nonzero Seed makes correspondence-based runs
// reproducible and fixes each feature-matching worker's random stream; when
// it is zero each run seeds from the wall clock, and parallel workers always
// derive distinct streams from the chosen seed. With more than one worker,
// which feature-matching hypotheses are validated before the shared
// MaxValidation budget runs out depends on timing, so those results can vary
// between runs even with a fixed Seed.
type RANSACConvergenceCriteria struct {
	MaxIteration  int
	MaxValidation int
	Seed          int64
}

// NewRANSACConvergenceCriteria returns the default RANSAC criteria.
func NewRANSACConvergenceCriteria() RANSACConvergenceCriteria {
	return RANSACConvergenceCriteria{
		MaxIteration:  1000,
		MaxValidation: 1000,
	}
}

// TransformationEstimation computes a 4x4 transformation aligning the given
// correspondences of source onto target under some objective.
type TransformationEstimation interface {
	ComputeTransformation(source, target *pointcloud.PointCloud, corres CorrespondenceSet) *mat.Dense
}

// CorrespondenceChecker prunes RANSAC hypotheses cheaply before full
// validation. Checkers that do not require alignment run before a model is
// fitted and ignore the transformation argument; the rest run after with the
// fitted transformation.
type CorrespondenceChecker interface {
	RequirePointCloudAlignment() bool
	Check(source, target *pointcloud.PointCloud, corres CorrespondenceSet, transformation *mat.Dense) bool
}
