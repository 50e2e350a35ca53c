package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Axis indices of a Tensor's third dimension.
const (
	AxisKX = 0
	AxisKY = 1

	AxisRe = 0
	AxisIm = 1
)

// Tensor is a dense five-dimensional array indexed by (slice, coil, axis,
// shot, sample). Each readout (fixed slice, coil, axis and shot) is one row
// of the backing matrix, so a readout can be viewed without copying.
type Tensor struct {
	data *mat.Dense

	slices, coils, axes, shots, samples int
}

// NewTensor allocates a zeroed tensor. All extents must be positive.
func NewTensor(slices, coils, axes, shots, samples int) *Tensor {
	return &Tensor{
		data:    mat.NewDense(slices*coils*axes*shots, samples, nil),
		slices:  slices,
		coils:   coils,
		axes:    axes,
		shots:   shots,
		samples: samples,
	}
}

// Dims returns the five extents.
func (t *Tensor) Dims() (slices, coils, axes, shots, samples int) {
	return t.slices, t.coils, t.axes, t.shots, t.samples
}

func (t *Tensor) row(slice, coil, axis, shot int) int {
	if uint(slice) >= uint(t.slices) || uint(coil) >= uint(t.coils) ||
		uint(axis) >= uint(t.axes) || uint(shot) >= uint(t.shots) {
		panic(fmt.Sprintf("models: tensor index (%d, %d, %d, %d) out of range (%d, %d, %d, %d)",
			slice, coil, axis, shot, t.slices, t.coils, t.axes, t.shots))
	}
	return ((slice*t.coils+coil)*t.axes+axis)*t.shots + shot
}

// At returns one element. Out-of-range indices panic.
func (t *Tensor) At(slice, coil, axis, shot, sample int) float64 {
	return t.data.At(t.row(slice, coil, axis, shot), sample)
}

// Set stores one element. Out-of-range indices panic.
func (t *Tensor) Set(slice, coil, axis, shot, sample int, v float64) {
	t.data.Set(t.row(slice, coil, axis, shot), sample, v)
}

// Readout returns the samples of one readout. The slice aliases the tensor.
func (t *Tensor) Readout(slice, coil, axis, shot int) []float64 {
	return t.data.RawRowView(t.row(slice, coil, axis, shot))
}
