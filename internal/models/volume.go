package models

import "fmt"

// Axis indices of the canonical (depth, row, column) order.
const (
	AxisDepth = iota
	AxisRow
	AxisColumn
)

// AxisName returns the canonical label of an axis index.
func AxisName(axis int) string {
	switch axis {
	case AxisDepth:
		return "depth"
	case AxisRow:
		return "row"
	case AxisColumn:
		return "column"
	default:
		return fmt.Sprintf("axis(%d)", axis)
	}
}

// Volume represents a normalized CT volume
type Volume struct {
	// Data is the voxel data in row-major order, depth slowest and column fastest
	Data []float32

	// Shape is the number of voxels along (depth, row, column)
	Shape [3]int

	// Spacing is the physical voxel size in mm along (depth, row, column)
	Spacing [3]float64
}

// NewVolume allocates a zero-filled volume of the given shape and spacing.
func NewVolume(shape [3]int, spacing [3]float64) *Volume {
	return &Volume{
		Data:    make([]float32, shape[0]*shape[1]*shape[2]),
		Shape:   shape,
		Spacing: spacing,
	}
}

// Index returns the flat offset of voxel (d, r, c).
func (v *Volume) Index(d, r, c int) int {
	return (d*v.Shape[1]+r)*v.Shape[2] + c
}

// At returns the value of voxel (d, r, c).
func (v *Volume) At(d, r, c int) float32 {
	return v.Data[v.Index(d, r, c)]
}

// Set stores value at voxel (d, r, c).
func (v *Volume) Set(d, r, c int, value float32) {
	v.Data[v.Index(d, r, c)] = value
}

// Extent returns the physical size of the volume in mm along each axis.
func (v *Volume) Extent() [3]float64 {
	var e [3]float64
	for i := range e {
		e[i] = float64(v.Shape[i]) * v.Spacing[i]
	}
	return e
}

// IsIsotropic reports whether all three spacings are equal and positive.
func (v *Volume) IsIsotropic() bool {
	return v.Spacing[0] > 0 && v.Spacing[0] == v.Spacing[1] && v.Spacing[1] == v.Spacing[2]
}

// Tensor is a channel-first array as produced by a normalization chain.
//
// Shape is (C, X, Y, Z) with Z varying fastest. Spacing holds the voxel
// size the chain actually applied along X, Y and Z.
type Tensor struct {
	Data    []float32
	Shape   []int
	Spacing [3]float64
}

// Len returns the number of elements implied by Shape.
func (t *Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}
