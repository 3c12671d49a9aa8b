package pointcloud

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// KDTree is a spatial index over a point cloud or a feature matrix. Queries
// report squared Euclidean distances. The tree is immutable once built and is
// safe for concurrent readers.
type KDTree struct {
	tree *kdtree.Tree
	dims int
	size int
}

// NewKDTree builds an index over the points of the given cloud.
func NewKDTree(cloud *PointCloud) *KDTree {
	pts := make(indexedPoints, cloud.Size())
	for i, p := range cloud.Points {
		pts[i] = indexedPoint{vec: []float64{p.X, p.Y, p.Z}, idx: i}
	}
	return newKDTree(pts, 3)
}

// NewFeatureKDTree builds an index over the descriptor columns of the given
// feature matrix.
func NewFeatureKDTree(f *Feature) *KDTree {
	pts := make(indexedPoints, f.Num())
	for i := range pts {
		pts[i] = indexedPoint{vec: f.Col(i), idx: i}
	}
	return newKDTree(pts, f.Dimension())
}

func newKDTree(pts indexedPoints, dims int) *KDTree {
	kd := &KDTree{dims: dims, size: len(pts)}
	if len(pts) > 0 {
		kd.tree = kdtree.New(pts, false)
	}
	return kd
}

// SearchKNN returns the indices and squared distances of up to k nearest
// neighbors of q, in ascending distance order.
func (kd *KDTree) SearchKNN(q []float64, k int) ([]int, []float64) {
	if kd.tree == nil || k <= 0 || len(q) != kd.dims {
		return nil, nil
	}
	if k > kd.size {
		k = kd.size
	}
	keeper := kdtree.NewNKeeper(k)
	kd.tree.NearestSet(keeper, indexedPoint{vec: q, idx: -1})
	return collectNeighbors(keeper.Heap, k)
}

// SearchHybrid returns the indices and squared distances of the neighbors of
// q with squared distance at most radius*radius, truncated to the maxNN
// nearest and in ascending distance order.
func (kd *KDTree) SearchHybrid(q []float64, radius float64, maxNN int) ([]int, []float64) {
	if kd.tree == nil || maxNN <= 0 || radius < 0 || len(q) != kd.dims {
		return nil, nil
	}
	keeper := kdtree.NewDistKeeper(radius * radius)
	kd.tree.NearestSet(keeper, indexedPoint{vec: q, idx: -1})
	return collectNeighbors(keeper.Heap, maxNN)
}

func collectNeighbors(h kdtree.Heap, limit int) ([]int, []float64) {
	type neighbor struct {
		idx  int
		dist float64
	}
	found := make([]neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		found = append(found, neighbor{cd.Comparable.(indexedPoint).idx, cd.Dist})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].dist < found[j].dist })
	if len(found) > limit {
		found = found[:limit]
	}
	indices := make([]int, len(found))
	dists := make([]float64, len(found))
	for i, n := range found {
		indices[i] = n.idx
		dists[i] = n.dist
	}
	return indices, dists
}

// indexedPoint is a kd-tree element that remembers which cloud or feature
// index it came from.
type indexedPoint struct {
	vec []float64
	idx int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.vec[d] - q.vec[d]
}

func (p indexedPoint) Dims() int { return len(p.vec) }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	var sum float64
	for i, v := range p.vec {
		d := v - q.vec[i]
		sum += d * d
	}
	return sum
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }

func (p indexedPoints) Len() int { return len(p) }

func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{indexedPoints: p, Dim: d}.Pivot()
}

// plane sorts indexedPoints by a single dimension.
type plane struct {
	indexedPoints
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.indexedPoints[i].vec[p.Dim] < p.indexedPoints[j].vec[p.Dim]
}

func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.indexedPoints = p.indexedPoints[start:end]
	return p
}

func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
