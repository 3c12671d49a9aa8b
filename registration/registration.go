package registration

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/mat"

	"github.com/ChuangbinC/Open3D/pointcloud"
	"github.com/ChuangbinC/Open3D/utils"
)

// getRegistrationResultAndCorrespondences scores an already-transformed
// source against the target: every source point is matched to its nearest
// target neighbor within maxCorrespondenceDistance. Matching is fanned out
// over workers with thread-local correspondence buffers merged at the join,
// so the order of the returned correspondence set is not deterministic.
func getRegistrationResultAndCorrespondences(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	targetTree *pointcloud.KDTree,
	maxCorrespondenceDistance float64,
	transformation *mat.Dense,
) RegistrationResult {
	result := newRegistrationResult(transformation)
	if maxCorrespondenceDistance <= 0 {
		return result
	}

	type groupResult struct {
		corres CorrespondenceSet
		error2 float64
	}
	var groupResults []groupResult
	utils.GroupWorkParallel(
		ctx,
		source.Size(),
		func(numGroups int) {
			groupResults = make([]groupResult, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			local := groupResult{corres: make(CorrespondenceSet, 0, groupSize)}
			return func(memberNum, workNum int) {
					p := source.Point(workNum)
					indices, dists := targetTree.SearchHybrid([]float64{p.X, p.Y, p.Z}, maxCorrespondenceDistance, 1)
					if len(indices) > 0 {
						local.error2 += dists[0]
						local.corres = append(local.corres, Correspondence{SourceIndex: workNum, TargetIndex: indices[0]})
					}
				}, func() {
					groupResults[groupNum] = local
				}
		},
	)

	var error2 float64
	for _, gr := range groupResults {
		result.Correspondences = append(result.Correspondences, gr.corres...)
		error2 += gr.error2
	}
	if len(result.Correspondences) > 0 {
		corresNumber := float64(len(result.Correspondences))
		result.Fitness = corresNumber / float64(source.Size())
		result.InlierRMSE = math.Sqrt(error2 / corresNumber)
	}
	return result
}

// EvaluateRegistration scores how well the given transformation aligns source
// to target: the returned result carries the inlier correspondences within
// maxCorrespondenceDistance, the fitness and the inlier RMSE. A nil
// transformation means identity.
func EvaluateRegistration(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	maxCorrespondenceDistance float64,
	transformation *mat.Dense,
) RegistrationResult {
	if transformation == nil {
		transformation = identityMatrix4()
	}
	targetTree := pointcloud.NewKDTree(target)
	pcd := source.Clone()
	if !isIdentity4(transformation) {
		if err := pcd.Transform(transformation); err != nil {
			return newRegistrationResult(transformation)
		}
	}
	return getRegistrationResultAndCorrespondences(ctx, pcd, target, targetTree, maxCorrespondenceDistance, transformation)
}

// RegistrationICP refines init by iterative closest point: alternate nearest
// neighbor correspondence assignment with the given estimation until both the
// fitness and the inlier RMSE deltas between successive iterations drop below
// the criteria thresholds, or MaxIteration is hit. A nil init means identity.
func RegistrationICP(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	maxCorrespondenceDistance float64,
	init *mat.Dense,
	estimation TransformationEstimation,
	criteria ICPConvergenceCriteria,
) RegistrationResult {
	if init == nil {
		init = identityMatrix4()
	}
	if maxCorrespondenceDistance <= 0 {
		return newRegistrationResult(init)
	}
	transformation := mat.DenseCopyOf(init)
	targetTree := pointcloud.NewKDTree(target)
	pcd := source.Clone()
	if !isIdentity4(init) {
		if err := pcd.Transform(init); err != nil {
			return newRegistrationResult(init)
		}
	}
	result := getRegistrationResultAndCorrespondences(ctx, pcd, target, targetTree, maxCorrespondenceDistance, transformation)
	for i := 0; i < criteria.MaxIteration; i++ {
		golog.Global().Debugf("ICP iteration #%d: fitness %.4f, inlier RMSE %.4f", i, result.Fitness, result.InlierRMSE)
		update := estimation.ComputeTransformation(pcd, target, result.Correspondences)
		transformation = composeTransform(update, transformation)
		if err := pcd.Transform(update); err != nil {
			return result
		}
		backup := result
		result = getRegistrationResultAndCorrespondences(ctx, pcd, target, targetTree, maxCorrespondenceDistance, transformation)
		if math.Abs(backup.Fitness-result.Fitness) < criteria.RelativeFitness &&
			math.Abs(backup.InlierRMSE-result.InlierRMSE) < criteria.RelativeRMSE {
			break
		}
	}
	return result
}

// evaluateRANSACBasedOnCorrespondence scores an already-transformed source
// against the target restricted to the supplied correspondence set. Inlier
// pairs are those whose post-transform squared distance falls below the
// squared distance bound; fitness is measured over the whole set.
func evaluateRANSACBasedOnCorrespondence(
	source, target *pointcloud.PointCloud,
	corres CorrespondenceSet,
	maxCorrespondenceDistance float64,
	transformation *mat.Dense,
) RegistrationResult {
	result := newRegistrationResult(transformation)
	maxDist2 := maxCorrespondenceDistance * maxCorrespondenceDistance
	var error2 float64
	for _, c := range corres {
		dist2 := source.Point(c.SourceIndex).Sub(target.Point(c.TargetIndex)).Norm2()
		if dist2 < maxDist2 {
			error2 += dist2
			result.Correspondences = append(result.Correspondences, c)
		}
	}
	if good := len(result.Correspondences); good > 0 {
		result.Fitness = float64(good) / float64(len(corres))
		result.InlierRMSE = math.Sqrt(error2 / float64(good))
	}
	return result
}

// RegistrationRANSACBasedOnCorrespondence fits a transformation by repeatedly
// sampling ransacN pairs from the caller-provided correspondence set, fitting
// a model with the estimation, and scoring it against the whole set. The best
// result by fitness, ties broken by inlier RMSE, wins. Returns a default
// result when ransacN < 3, the set is smaller than ransacN, or the distance
// bound is not positive.
func RegistrationRANSACBasedOnCorrespondence(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	corres CorrespondenceSet,
	maxCorrespondenceDistance float64,
	estimation TransformationEstimation,
	ransacN int,
	criteria RANSACConvergenceCriteria,
) RegistrationResult {
	result := defaultRegistrationResult()
	if ransacN < 3 || len(corres) < ransacN || maxCorrespondenceDistance <= 0 {
		return result
	}
	seed := criteria.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed))
	ransacCorres := make(CorrespondenceSet, ransacN)
	for itr := 0; itr < criteria.MaxIteration && itr < criteria.MaxValidation; itr++ {
		for j := 0; j < ransacN; j++ {
			ransacCorres[j] = corres[rnd.Intn(len(corres))]
		}
		transformation := estimation.ComputeTransformation(source, target, ransacCorres)
		pcd := source.Clone()
		if err := pcd.Transform(transformation); err != nil {
			continue
		}
		thisResult := evaluateRANSACBasedOnCorrespondence(pcd, target, corres, maxCorrespondenceDistance, transformation)
		if isBetterRANSACResult(thisResult, result) {
			result = thisResult
		}
	}
	golog.Global().Debugf("RANSAC: fitness %.4f, inlier RMSE %.4f", result.Fitness, result.InlierRMSE)
	return result
}

// RegistrationRANSACBasedOnFeatureMatching fits a transformation by sampling
// source indices, matching each to its nearest target descriptor in feature
// space, pruning the hypothesis with the checkers, and validating survivors
// against the target geometry. Workers run independent schedules with
// distinct random streams and share a validation budget: once
// criteria.MaxValidation hypotheses have been fully validated, in-flight
// iterations finish but no new work starts, so the budget may be overshot by
// at most one validation per worker.
func RegistrationRANSACBasedOnFeatureMatching(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	sourceFeature, targetFeature *pointcloud.Feature,
	maxCorrespondenceDistance float64,
	estimation TransformationEstimation,
	ransacN int,
	checkers []CorrespondenceChecker,
	criteria RANSACConvergenceCriteria,
) RegistrationResult {
	if ransacN < 3 || maxCorrespondenceDistance <= 0 || source.IsEmpty() {
		return defaultRegistrationResult()
	}
	seed := criteria.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	totalValidation := atomic.NewInt32(0)
	finishedValidation := atomic.NewBool(false)
	var groupResults []RegistrationResult
	utils.GroupWorkParallel(
		ctx,
		criteria.MaxIteration,
		func(numGroups int) {
			groupResults = make([]RegistrationResult, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			// each worker owns its trees and its random stream
			targetTree := pointcloud.NewKDTree(target)
			featureTree := pointcloud.NewFeatureKDTree(targetFeature)
			rnd := rand.New(rand.NewSource(seed * int64(groupNum+1)))
			identity := identityMatrix4()
			best := defaultRegistrationResult()
			ransacCorres := make(CorrespondenceSet, ransacN)
			return func(memberNum, workNum int) {
					if finishedValidation.Load() {
						return
					}
					for j := 0; j < ransacN; j++ {
						s := rnd.Intn(source.Size())
						indices, _ := featureTree.SearchKNN(sourceFeature.Col(s), 1)
						if len(indices) == 0 {
							golog.Global().Debug("found a feature without neighbors")
							ransacCorres[j] = Correspondence{SourceIndex: s, TargetIndex: 0}
						} else {
							ransacCorres[j] = Correspondence{SourceIndex: s, TargetIndex: indices[0]}
						}
					}
					for _, checker := range checkers {
						if !checker.RequirePointCloudAlignment() &&
							!checker.Check(source, target, ransacCorres, identity) {
							return
						}
					}
					transformation := estimation.ComputeTransformation(source, target, ransacCorres)
					for _, checker := range checkers {
						if checker.RequirePointCloudAlignment() &&
							!checker.Check(source, target, ransacCorres, transformation) {
							return
						}
					}
					pcd := source.Clone()
					if err := pcd.Transform(transformation); err != nil {
						return
					}
					thisResult := getRegistrationResultAndCorrespondences(
						ctx, pcd, target, targetTree, maxCorrespondenceDistance, transformation)
					if isBetterRANSACResult(thisResult, best) {
						best = thisResult
					}
					if totalValidation.Inc() >= int32(criteria.MaxValidation) {
						finishedValidation.Store(true)
					}
				}, func() {
					groupResults[groupNum] = best
				}
		},
	)

	result := defaultRegistrationResult()
	for _, gr := range groupResults {
		if isBetterRANSACResult(gr, result) {
			result = gr
		}
	}
	golog.Global().Debugf("RANSAC: fitness %.4f, inlier RMSE %.4f", result.Fitness, result.InlierRMSE)
	return result
}

// GetInformationMatrixFromRegistrationResult builds the 6x6 Gauss-Newton
// information matrix of the registration's pose about the target, in local
// SE(3) coordinates ordered (tx, ty, tz, alpha, beta, gamma). The matrix is
// seeded with the identity, so it is symmetric positive definite even for an
// empty correspondence set.
func GetInformationMatrixFromRegistrationResult(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	result RegistrationResult,
) *mat.Dense {
	gtg := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		gtg.Set(i, i, 1)
	}

	var groupResults [][]float64
	utils.GroupWorkParallel(
		ctx,
		len(result.Correspondences),
		func(numGroups int) {
			groupResults = make([][]float64, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			local := make([]float64, 36)
			return func(memberNum, workNum int) {
					p := target.Point(result.Correspondences[workNum].TargetIndex)
					addOuterProduct(local, [6]float64{1, 0, 0, 0, 2 * p.Z, -2 * p.Y})
					addOuterProduct(local, [6]float64{0, 1, 0, -2 * p.Z, 0, 2 * p.X})
					addOuterProduct(local, [6]float64{0, 0, 1, 2 * p.Y, -2 * p.X, 0})
				}, func() {
					groupResults[groupNum] = local
				}
		},
	)

	for _, gr := range groupResults {
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				gtg.Set(i, j, gtg.At(i, j)+gr[i*6+j])
			}
		}
	}
	return gtg
}

func addOuterProduct(acc []float64, g [6]float64) {
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			acc[i*6+j] += g[i] * g[j]
		}
	}
}
