package registration

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/ChuangbinC/Open3D/pointcloud"
)

func unitCubeCorners() *pointcloud.PointCloud {
	return pointcloud.NewFromPoints([]r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
		{X: 1, Y: 1, Z: 0},
		{X: 1, Y: 0, Z: 1},
		{X: 0, Y: 1, Z: 1},
		{X: 1, Y: 1, Z: 1},
	})
}

func checkResultInvariants(t *testing.T, result RegistrationResult, source *pointcloud.PointCloud) {
	t.Helper()
	test.That(t, result.Fitness, test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, result.Fitness, test.ShouldBeLessThanOrEqualTo, 1)
	test.That(t, result.InlierRMSE, test.ShouldBeGreaterThanOrEqualTo, 0)
	if len(result.Correspondences) == 0 {
		test.That(t, result.Fitness, test.ShouldEqual, 0)
		test.That(t, result.InlierRMSE, test.ShouldEqual, 0)
	} else {
		test.That(t, result.Fitness, test.ShouldEqual,
			float64(len(result.Correspondences))/float64(source.Size()))
	}
}

func TestEvaluateRegistrationSelfAlignment(t *testing.T) {
	cube := unitCubeCorners()
	result := EvaluateRegistration(context.Background(), cube, cube, 1.0, nil)
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	test.That(t, result.InlierRMSE, test.ShouldEqual, 0.0)
	test.That(t, result.Correspondences, test.ShouldHaveLength, cube.Size())
	for _, c := range result.Correspondences {
		test.That(t, c.SourceIndex, test.ShouldEqual, c.TargetIndex)
	}
	checkResultInvariants(t, result, cube)
}

func TestEvaluateRegistrationInvalidDistance(t *testing.T) {
	cube := unitCubeCorners()
	init := rigidTransform(0, 0, 0, r3.Vector{X: 3})
	result := EvaluateRegistration(context.Background(), cube, cube, 0, init)
	test.That(t, result.Correspondences, test.ShouldHaveLength, 0)
	test.That(t, result.Fitness, test.ShouldEqual, 0.0)
	test.That(t, result.InlierRMSE, test.ShouldEqual, 0.0)
	matricesAlmostEqual(t, result.Transformation, init, 0)
}

func TestEvaluateRegistrationInfiniteDistance(t *testing.T) {
	source := randomCloud(t, 30, 11)
	target := randomCloud(t, 10, 12)
	result := EvaluateRegistration(context.Background(), source, target, math.Inf(1), nil)
	test.That(t, result.Correspondences, test.ShouldHaveLength, source.Size())
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	checkResultInvariants(t, result, source)
}

func TestEvaluateRegistrationRespectsMaxDistance(t *testing.T) {
	source := pointcloud.NewFromPoints([]r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 10, Y: 0, Z: 0},
	})
	target := pointcloud.NewFromPoints([]r3.Vector{
		{X: 0.1, Y: 0, Z: 0},
	})
	result := EvaluateRegistration(context.Background(), source, target, 0.5, nil)
	test.That(t, result.Correspondences, test.ShouldHaveLength, 1)
	test.That(t, result.Fitness, test.ShouldEqual, 0.5)
	test.That(t, result.InlierRMSE, test.ShouldAlmostEqual, 0.1, 1e-9)
	for _, c := range result.Correspondences {
		dist := source.Point(c.SourceIndex).Sub(target.Point(c.TargetIndex)).Norm()
		test.That(t, dist, test.ShouldBeLessThanOrEqualTo, 0.5)
	}
	checkResultInvariants(t, result, source)
}

func TestEvaluateRegistrationAppliesTransformation(t *testing.T) {
	source := randomCloud(t, 25, 13)
	move := rigidTransform(0.2, -0.1, 0.3, r3.Vector{X: 0.4, Y: -0.2, Z: 0.1})
	target := source.Clone()
	test.That(t, target.Transform(move), test.ShouldBeNil)

	result := EvaluateRegistration(context.Background(), source, target, 1e-6, move)
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	test.That(t, result.InlierRMSE, test.ShouldBeLessThan, 1e-6)
}

func TestRegistrationICPPureTranslation(t *testing.T) {
	source := pointcloud.NewFromPoints([]r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
	})
	delta := r3.Vector{X: 0.4}
	target := source.Clone()
	for i, p := range target.Points {
		target.Points[i] = p.Add(delta)
	}

	result := RegistrationICP(
		context.Background(), source, target, 2.0, nil, PointToPoint{}, NewICPConvergenceCriteria())
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	test.That(t, result.InlierRMSE, test.ShouldBeLessThanOrEqualTo, 1e-6)
	matricesAlmostEqual(t, result.Transformation, rigidTransform(0, 0, 0, delta), 1e-6)
	checkResultInvariants(t, result, source)
}

func TestRegistrationICPSelfConverges(t *testing.T) {
	cube := unitCubeCorners()
	result := RegistrationICP(
		context.Background(), cube, cube, 1.0, nil, PointToPoint{}, NewICPConvergenceCriteria())
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	test.That(t, result.InlierRMSE, test.ShouldBeLessThanOrEqualTo, 1e-9)
	matricesAlmostEqual(t, result.Transformation, identityMatrix4(), 1e-9)
}

func TestRegistrationICPInvalidDistance(t *testing.T) {
	cube := unitCubeCorners()
	init := rigidTransform(0.5, 0, 0, r3.Vector{Y: 2})
	result := RegistrationICP(
		context.Background(), cube, cube, -1, init, PointToPoint{}, NewICPConvergenceCriteria())
	test.That(t, result.Correspondences, test.ShouldHaveLength, 0)
	test.That(t, result.Fitness, test.ShouldEqual, 0.0)
	matricesAlmostEqual(t, result.Transformation, init, 0)
}

func TestRegistrationICPRoundTrip(t *testing.T) {
	target := randomCloud(t, 40, 21)
	move := rigidTransform(0.04, -0.03, 0.03, r3.Vector{X: 0.02, Y: -0.015, Z: 0.025})
	source := target.Clone()
	test.That(t, source.Transform(move), test.ShouldBeNil)

	criteria := NewICPConvergenceCriteria()
	criteria.MaxIteration = 100
	result := RegistrationICP(context.Background(), source, target, 1.0, nil, PointToPoint{}, criteria)
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	test.That(t, result.InlierRMSE, test.ShouldBeLessThan, 1e-6)

	// the recovered transform composed with the original move is the identity
	roundTrip := composeTransform(result.Transformation, move)
	matricesAlmostEqual(t, roundTrip, identityMatrix4(), 1e-4)
}

func TestRegistrationICPEvaluationConsistency(t *testing.T) {
	target := randomCloud(t, 30, 22)
	move := rigidTransform(0.05, 0.04, -0.03, r3.Vector{X: 0.03, Y: 0.02, Z: -0.04})
	source := target.Clone()
	test.That(t, source.Transform(move), test.ShouldBeNil)

	result := RegistrationICP(
		context.Background(), source, target, 0.5, nil, PointToPoint{}, NewICPConvergenceCriteria())
	rescored := EvaluateRegistration(context.Background(), source, target, 0.5, result.Transformation)
	test.That(t, rescored.Fitness, test.ShouldAlmostEqual, result.Fitness, 1e-12)
	test.That(t, rescored.InlierRMSE, test.ShouldAlmostEqual, result.InlierRMSE, 1e-9)
}

func TestRegistrationRANSACCorrespondenceExactMatches(t *testing.T) {
	source := randomCloud(t, 100, 31)
	want := rigidTransform(0.3, 0.2, -0.4, r3.Vector{X: 0.5, Y: -0.3, Z: 0.2})
	target := source.Clone()
	test.That(t, target.Transform(want), test.ShouldBeNil)

	criteria := RANSACConvergenceCriteria{MaxIteration: 100, MaxValidation: 100, Seed: 42}
	result := RegistrationRANSACBasedOnCorrespondence(
		context.Background(), source, target, identityCorrespondences(source.Size()),
		0.5, PointToPoint{}, 6, criteria)
	test.That(t, result.Fitness, test.ShouldEqual, 1.0)
	test.That(t, result.InlierRMSE, test.ShouldBeLessThan, 1e-6)
	matricesAlmostEqual(t, result.Transformation, want, 1e-6)
	checkResultInvariants(t, result, source)
}

func TestRegistrationRANSACCorrespondencePreconditions(t *testing.T) {
	cloud := unitCubeCorners()
	corres := identityCorrespondences(cloud.Size())
	criteria := RANSACConvergenceCriteria{MaxIteration: 10, MaxValidation: 10, Seed: 1}

	for _, tc := range []struct {
		name    string
		corres  CorrespondenceSet
		maxDist float64
		ransacN int
	}{
		{"ransacN too small", corres, 1.0, 2},
		{"not enough correspondences", corres[:3], 1.0, 6},
		{"non-positive distance", corres, 0, 6},
	} {
		t.Run(tc.name, func(t *testing.T) {
			result := RegistrationRANSACBasedOnCorrespondence(
				context.Background(), cloud, cloud, tc.corres, tc.maxDist, PointToPoint{}, tc.ransacN, criteria)
			test.That(t, result.Fitness, test.ShouldEqual, 0.0)
			test.That(t, result.InlierRMSE, test.ShouldEqual, 0.0)
			test.That(t, result.Correspondences, test.ShouldHaveLength, 0)
			matricesAlmostEqual(t, result.Transformation, identityMatrix4(), 0)
		})
	}
}

func distinctFeatures(n int) *pointcloud.Feature {
	f := pointcloud.NewFeature(3, n)
	for i := 0; i < n; i++ {
		x := float64(i)
		if err := f.SetCol(i, []float64{x, 2 * x, 0.5 * x}); err != nil {
			panic(err)
		}
	}
	return f
}

func TestRegistrationRANSACFeatureMatching(t *testing.T) {
	source := randomCloud(t, 50, 41)
	want := rigidTransform(0.5, -0.1, 0.2, r3.Vector{X: 0.3, Y: 0.4, Z: -0.2})
	target := source.Clone()
	test.That(t, target.Transform(want), test.ShouldBeNil)
	features := distinctFeatures(source.Size())

	criteria := RANSACConvergenceCriteria{MaxIteration: 1000, MaxValidation: 100, Seed: 7}
	result := RegistrationRANSACBasedOnFeatureMatching(
		context.Background(), source, target, features, features,
		0.2, PointToPoint{}, 4, nil, criteria)
	test.That(t, result.Fitness, test.ShouldBeGreaterThanOrEqualTo, 0.95)
	matricesAlmostEqual(t, result.Transformation, want, 1e-6)
	checkResultInvariants(t, result, source)
}

func TestRegistrationRANSACFeatureMatchingWithCheckers(t *testing.T) {
	source := randomCloud(t, 50, 42)
	want := rigidTransform(-0.2, 0.3, 0.1, r3.Vector{X: -0.1, Y: 0.2, Z: 0.3})
	target := source.Clone()
	test.That(t, target.Transform(want), test.ShouldBeNil)
	features := distinctFeatures(source.Size())

	checkers := []CorrespondenceChecker{
		NewEdgeLengthChecker(),
		DistanceChecker{DistanceThreshold: 0.2},
	}
	criteria := RANSACConvergenceCriteria{MaxIteration: 1000, MaxValidation: 100, Seed: 9}
	result := RegistrationRANSACBasedOnFeatureMatching(
		context.Background(), source, target, features, features,
		0.2, PointToPoint{}, 4, checkers, criteria)
	test.That(t, result.Fitness, test.ShouldBeGreaterThanOrEqualTo, 0.95)
	checkResultInvariants(t, result, source)
}

type rejectAllChecker struct{}

func (rejectAllChecker) RequirePointCloudAlignment() bool { return false }

func (rejectAllChecker) Check(
	source, target *pointcloud.PointCloud, corres CorrespondenceSet, transformation *mat.Dense,
) bool {
	return false
}

func TestRegistrationRANSACFeatureMatchingAllRejected(t *testing.T) {
	source := randomCloud(t, 20, 43)
	features := distinctFeatures(source.Size())
	criteria := RANSACConvergenceCriteria{MaxIteration: 50, MaxValidation: 50, Seed: 3}
	result := RegistrationRANSACBasedOnFeatureMatching(
		context.Background(), source, source.Clone(), features, features,
		0.5, PointToPoint{}, 4, []CorrespondenceChecker{rejectAllChecker{}}, criteria)
	test.That(t, result.Fitness, test.ShouldEqual, 0.0)
	test.That(t, result.Correspondences, test.ShouldHaveLength, 0)
	matricesAlmostEqual(t, result.Transformation, identityMatrix4(), 0)
}

func TestRegistrationRANSACFeatureMatchingPreconditions(t *testing.T) {
	source := randomCloud(t, 10, 44)
	features := distinctFeatures(source.Size())
	criteria := RANSACConvergenceCriteria{MaxIteration: 10, MaxValidation: 10, Seed: 2}

	result := RegistrationRANSACBasedOnFeatureMatching(
		context.Background(), source, source, features, features,
		0.5, PointToPoint{}, 2, nil, criteria)
	test.That(t, result.Fitness, test.ShouldEqual, 0.0)

	result = RegistrationRANSACBasedOnFeatureMatching(
		context.Background(), source, source, features, features,
		-0.5, PointToPoint{}, 4, nil, criteria)
	test.That(t, result.Fitness, test.ShouldEqual, 0.0)
}

func TestRegistrationRANSACFeatureMissFallsBackToZero(t *testing.T) {
	source := randomCloud(t, 10, 45)
	target := source.Clone()
	sourceFeatures := distinctFeatures(source.Size())
	emptyFeatures := pointcloud.NewFeature(3, 0)

	criteria := RANSACConvergenceCriteria{MaxIteration: 20, MaxValidation: 20, Seed: 6}
	result := RegistrationRANSACBasedOnFeatureMatching(
		context.Background(), source, target, sourceFeatures, emptyFeatures,
		0.5, PointToPoint{}, 4, nil, criteria)
	checkResultInvariants(t, result, source)
}

func TestInformationMatrixEmptyCorrespondences(t *testing.T) {
	cube := unitCubeCorners()
	info := GetInformationMatrixFromRegistrationResult(
		context.Background(), cube, cube, defaultRegistrationResult())
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, info.At(i, j), test.ShouldEqual, want)
		}
	}
}

func TestInformationMatrixSingleCorrespondence(t *testing.T) {
	target := pointcloud.NewFromPoints([]r3.Vector{{X: 1, Y: 2, Z: 3}})
	result := defaultRegistrationResult()
	result.Correspondences = CorrespondenceSet{{SourceIndex: 0, TargetIndex: 0}}

	info := GetInformationMatrixFromRegistrationResult(context.Background(), target, target, result)
	test.That(t, info.At(0, 0), test.ShouldEqual, 2.0)
	test.That(t, info.At(3, 3), test.ShouldEqual, 53.0)
	test.That(t, info.At(4, 4), test.ShouldEqual, 41.0)
	test.That(t, info.At(5, 5), test.ShouldEqual, 21.0)
	test.That(t, info.At(0, 4), test.ShouldEqual, 6.0)
	test.That(t, info.At(2, 4), test.ShouldEqual, -2.0)
}

func TestInformationMatrixSymmetricPositiveDefinite(t *testing.T) {
	source := randomCloud(t, 60, 51)
	target := randomCloud(t, 60, 52)
	result := EvaluateRegistration(context.Background(), source, target, math.Inf(1), nil)
	test.That(t, result.Correspondences, test.ShouldHaveLength, source.Size())

	info := GetInformationMatrixFromRegistrationResult(context.Background(), source, target, result)
	data := make([]float64, 36)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			test.That(t, info.At(i, j), test.ShouldEqual, info.At(j, i))
			data[i*6+j] = info.At(i, j)
		}
	}
	var chol mat.Cholesky
	test.That(t, chol.Factorize(mat.NewSymDense(6, data)), test.ShouldBeTrue)
}
