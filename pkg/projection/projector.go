// Package projection derives the acquisition geometry of a normalized volume
// and drives a forward projector across the configured angle sweep.
package projection

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"ctdrr/internal/models"
	"ctdrr/pkg/config"
)

// Stages reported by ProjectionError.
const (
	StageGeometry = "geometry"
	StageForward  = "forward"
)

// ForwardProjector computes one line-integral image per angle.
//
// Forward receives every angle of the sweep, in radians, in a single call and
// must return the images in the same order, each with the detector shape of
// geo.
type ForwardProjector interface {
	Forward(vol *models.Volume, geo *models.Geometry, anglesRad []float64) ([]models.Image, error)
}

// ProjectionError reports a geometry or forward projection failure.
type ProjectionError struct {
	Stage string
	Err   error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection %s: %v", e.Stage, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// Projector turns normalized volumes into projection sets.
type Projector struct {
	cfg     *config.Config
	forward ForwardProjector
	axis    int
}

// NewProjector creates a projector that delegates the line integrals to fp.
func NewProjector(cfg *config.Config, fp ForwardProjector) *Projector {
	return &Projector{
		cfg:     cfg,
		forward: fp,
		axis:    cfg.RotationAxisIndex(),
	}
}

// SetupGeometry derives the source/detector geometry for a volume of the
// given shape and spacing, both in (depth, row, column) order.
//
// The detector height spans the volume along the rotation axis. Its width
// spans the diagonal of the two in-plane extents, which bounds the projected
// width at every azimuth. Both are magnified by SDD/SOD and scaled by the
// padding factor, so any padding >= 1 keeps the whole volume on the detector.
func (p *Projector) SetupGeometry(shape [3]int, spacing [3]float64) (*models.Geometry, error) {
	for i := 0; i < 3; i++ {
		if shape[i] <= 0 || spacing[i] <= 0 {
			return nil, &ProjectionError{
				Stage: StageGeometry,
				Err:   fmt.Errorf("invalid volume shape %v / spacing %v", shape, spacing),
			}
		}
	}

	geo := &models.Geometry{
		Mode:          p.cfg.Projection.Mode,
		SDD:           p.cfg.Projection.SDD,
		SOD:           p.cfg.Projection.SOD,
		RotationAxis:  p.axis,
		VoxelShape:    shape,
		VoxelSpacing:  spacing,
		DetectorShape: p.cfg.DetectorPixels2(),
	}
	for i := 0; i < 3; i++ {
		geo.VolumeSize[i] = float64(shape[i]) * spacing[i]
	}

	a, b := geo.InPlaneAxes()
	height := geo.VolumeSize[p.axis]
	diag := math.Hypot(geo.VolumeSize[a], geo.VolumeSize[b])

	scale := geo.Magnification() * p.cfg.Detector.Padding
	geo.DetectorSize = [2]float64{height * scale, diag * scale}
	for i := 0; i < 2; i++ {
		geo.DetectorSpacing[i] = geo.DetectorSize[i] / float64(geo.DetectorShape[i])
	}

	return geo, nil
}

// Angles returns the sweep in degrees: NAngles values evenly spaced over
// [0, EndAngle], or just 0 for a single projection.
func (p *Projector) Angles() []float64 {
	n := p.cfg.Projection.NAngles
	if n <= 1 {
		return []float64{0}
	}
	return floats.Span(make([]float64, n), 0, p.cfg.Projection.EndAngle)
}

// Project runs the forward projector once over the full sweep. The geometry
// is returned unchanged so callers can persist detector spacing without
// recomputing it.
func (p *Projector) Project(vol *models.Volume, geo *models.Geometry) (*models.ProjectionSet, *models.Geometry, error) {
	degrees := p.Angles()
	radians := make([]float64, len(degrees))
	for i, d := range degrees {
		radians[i] = d * math.Pi / 180
	}

	images, err := p.forward.Forward(vol, geo, radians)
	if err != nil {
		return nil, nil, &ProjectionError{Stage: StageForward, Err: err}
	}

	if len(images) != len(degrees) {
		return nil, nil, &ProjectionError{
			Stage: StageForward,
			Err:   fmt.Errorf("forward projector returned %d images for %d angles", len(images), len(degrees)),
		}
	}
	for i, img := range images {
		if img.Rows != geo.DetectorShape[0] || img.Cols != geo.DetectorShape[1] || len(img.Data) != img.Rows*img.Cols {
			return nil, nil, &ProjectionError{
				Stage: StageForward,
				Err: fmt.Errorf("image %d is %dx%d with %d values, detector is %dx%d",
					i, img.Rows, img.Cols, len(img.Data), geo.DetectorShape[0], geo.DetectorShape[1]),
			}
		}
	}

	return &models.ProjectionSet{Images: images, AnglesDeg: degrees}, geo, nil
}
