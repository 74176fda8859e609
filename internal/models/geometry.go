package models

// Acquisition modes understood by the forward projectors.
const (
	ModeCone     = "cone"
	ModeParallel = "parallel"
)

// Geometry describes the source/detector acquisition setup of one case.
//
// Volume quantities follow the (depth, row, column) order. Detector quantities
// follow (v, u): index 0 runs along the rotation axis, index 1 across it.
type Geometry struct {
	// Mode is either ModeCone or ModeParallel
	Mode string

	// SDD is the source to detector distance in mm
	SDD float64

	// SOD is the source to rotation center distance in mm
	SOD float64

	// RotationAxis is the volume axis the gantry rotates about
	RotationAxis int

	// VoxelShape and VoxelSpacing are copied from the volume
	VoxelShape   [3]int
	VoxelSpacing [3]float64

	// VolumeSize is VoxelShape * VoxelSpacing in mm
	VolumeSize [3]float64

	// DetectorShape is the detector pixel grid (rows, columns)
	DetectorShape [2]int

	// DetectorSize is the physical detector size in mm
	DetectorSize [2]float64

	// DetectorSpacing is DetectorSize / DetectorShape in mm per pixel
	DetectorSpacing [2]float64

	// Misalignment terms, all zero for an ideal gantry
	OriginOffset     [3]float64
	DetectorOffset   [3]float64
	DetectorRotation [3]float64
	COR              float64
}

// Magnification returns SDD / SOD.
func (g *Geometry) Magnification() float64 {
	return g.SDD / g.SOD
}

// InPlaneAxes returns the two volume axes orthogonal to the rotation axis in
// ascending order.
func (g *Geometry) InPlaneAxes() (int, int) {
	return InPlaneAxes(g.RotationAxis)
}

// InPlaneAxes returns the two axes other than axis in ascending order.
func InPlaneAxes(axis int) (int, int) {
	switch axis {
	case AxisDepth:
		return AxisRow, AxisColumn
	case AxisRow:
		return AxisDepth, AxisColumn
	default:
		return AxisDepth, AxisRow
	}
}
