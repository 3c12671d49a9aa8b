// Package pointcloud provides the geometric containers used by the
// registration algorithms: an ordered point cloud, a feature descriptor
// matrix, and a kd-tree spatial index over either.
package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PointCloud is an ordered collection of 3D points with optional per-point
// normals. Point indices are stable; the registration package uses them as
// correspondence keys.
type PointCloud struct {
	Points  []r3.Vector
	Normals []r3.Vector
}

// New returns an empty point cloud.
func New() *PointCloud {
	return &PointCloud{}
}

// NewFromPoints returns a point cloud holding a copy of the given points.
func NewFromPoints(pts []r3.Vector) *PointCloud {
	cloud := &PointCloud{Points: make([]r3.Vector, len(pts))}
	copy(cloud.Points, pts)
	return cloud
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.Points)
}

// IsEmpty returns whether the cloud has no points.
func (pc *PointCloud) IsEmpty() bool {
	return len(pc.Points) == 0
}

// Point returns the point at the given index.
func (pc *PointCloud) Point(i int) r3.Vector {
	return pc.Points[i]
}

// HasNormals returns whether every point carries a normal.
func (pc *PointCloud) HasNormals() bool {
	return len(pc.Points) > 0 && len(pc.Normals) == len(pc.Points)
}

// Append adds a point to the cloud.
func (pc *PointCloud) Append(p r3.Vector) {
	pc.Points = append(pc.Points, p)
}

// AppendWithNormal adds a point together with its normal.
func (pc *PointCloud) AppendWithNormal(p, n r3.Vector) {
	pc.Points = append(pc.Points, p)
	pc.Normals = append(pc.Normals, n)
}

// Clone returns a deep copy of the cloud.
func (pc *PointCloud) Clone() *PointCloud {
	clone := &PointCloud{Points: make([]r3.Vector, len(pc.Points))}
	copy(clone.Points, pc.Points)
	if pc.Normals != nil {
		clone.Normals = make([]r3.Vector, len(pc.Normals))
		copy(clone.Normals, pc.Normals)
	}
	return clone
}

// Centroid returns the mean of the points, or the zero vector for an empty cloud.
func (pc *PointCloud) Centroid() r3.Vector {
	if len(pc.Points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range pc.Points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(pc.Points)))
}

// Transform applies a 4x4 homogeneous transformation to every point in place.
// Normals are rotated without translation.
func (pc *PointCloud) Transform(m *mat.Dense) error {
	rows, cols := m.Dims()
	if rows != 4 || cols != 4 {
		return errors.Errorf("expected a 4x4 transformation matrix, got %dx%d", rows, cols)
	}
	for i, p := range pc.Points {
		pc.Points[i] = r3.Vector{
			X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
			Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
			Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
		}
	}
	for i, n := range pc.Normals {
		pc.Normals[i] = r3.Vector{
			X: m.At(0, 0)*n.X + m.At(0, 1)*n.Y + m.At(0, 2)*n.Z,
			Y: m.At(1, 0)*n.X + m.At(1, 1)*n.Y + m.At(1, 2)*n.Z,
			Z: m.At(2, 0)*n.X + m.At(2, 1)*n.Y + m.At(2, 2)*n.Z,
		}
	}
	return nil
}
