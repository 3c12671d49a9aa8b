package pointcloud

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Feature holds point descriptors as a Dimension x Num matrix; column i is
// the descriptor of point i.
type Feature struct {
	data *mat.Dense
}

// NewFeature returns a zeroed feature matrix for num points of the given
// descriptor dimensionality. Non-positive dimensions yield an empty feature.
func NewFeature(dimension, num int) *Feature {
	if dimension <= 0 || num <= 0 {
		return &Feature{}
	}
	return &Feature{data: mat.NewDense(dimension, num, nil)}
}

// Dimension returns the descriptor dimensionality.
func (f *Feature) Dimension() int {
	if f.data == nil {
		return 0
	}
	rows, _ := f.data.Dims()
	return rows
}

// Num returns the number of descriptors.
func (f *Feature) Num() int {
	if f.data == nil {
		return 0
	}
	_, cols := f.data.Dims()
	return cols
}

// Col returns a copy of the descriptor of point i.
func (f *Feature) Col(i int) []float64 {
	if f.data == nil {
		return nil
	}
	return mat.Col(nil, i, f.data)
}

// SetCol sets the descriptor of point i.
func (f *Feature) SetCol(i int, desc []float64) error {
	if f.data == nil {
		return errors.New("feature is empty")
	}
	if len(desc) != f.Dimension() {
		return errors.Errorf("descriptor length %d does not match feature dimension %d", len(desc), f.Dimension())
	}
	f.data.SetCol(i, desc)
	return nil
}
