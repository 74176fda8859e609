// Package raycast provides a CPU forward projector that integrates a volume
// along cone or parallel beam rays with trilinear sampling.
//
// Coordinates are in mm with the origin at the volume center. The gantry
// rotates about the geometry's rotation axis; at angle 0 the source sits on
// the positive side of the second in-plane axis (columns for a depth
// rotation) and the detector faces it from the opposite side. Detector row 0
// is at the top, i.e. the positive end of the rotation axis.
package raycast

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"ctdrr/internal/models"
	"ctdrr/pkg/interpolation"
)

// Projector is a ray marching projection.ForwardProjector.
type Projector struct {
	// Workers bounds the goroutines integrating detector rows, 0 uses every core
	Workers int

	// StepFraction is the marching step as a fraction of the smallest voxel
	// spacing, 0.5 when zero
	StepFraction float64
}

// New creates a projector using every available core.
func New() *Projector {
	return &Projector{}
}

// frame holds the per-angle source and detector placement.
type frame struct {
	source   [3]float64 // cone source position
	center   [3]float64 // detector center
	u, v     [3]float64 // detector column and row directions
	ray      [3]float64 // parallel ray direction
	parallel bool
}

// Forward computes one image per angle.
func (p *Projector) Forward(vol *models.Volume, geo *models.Geometry, anglesRad []float64) ([]models.Image, error) {
	if err := validate(vol, geo); err != nil {
		return nil, err
	}

	grid := &interpolation.Grid{Data: vol.Data, Dims: vol.Shape}
	step := p.stepFraction() * math.Min(vol.Spacing[0], math.Min(vol.Spacing[1], vol.Spacing[2]))

	var half [3]float64
	for i := 0; i < 3; i++ {
		half[i] = geo.VolumeSize[i] / 2
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	rows, cols := geo.DetectorShape[0], geo.DetectorShape[1]
	images := make([]models.Image, len(anglesRad))

	var g errgroup.Group
	g.SetLimit(workers)
	for n, theta := range anglesRad {
		images[n] = models.NewImage(rows, cols)
		img := images[n]
		f := newFrame(geo, theta)

		for r := 0; r < rows; r++ {
			r := r
			g.Go(func() error {
				for c := 0; c < cols; c++ {
					origin, dir := f.pixelRay(geo, r, c)
					img.Data[r*cols+c] = float32(integrate(grid, vol.Spacing, half, geo.OriginOffset, origin, dir, step, !f.parallel))
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (p *Projector) stepFraction() float64 {
	if p.StepFraction > 0 {
		return p.StepFraction
	}
	return 0.5
}

func validate(vol *models.Volume, geo *models.Geometry) error {
	if vol == nil || geo == nil {
		return fmt.Errorf("volume and geometry are required")
	}
	if geo.Mode != models.ModeCone && geo.Mode != models.ModeParallel {
		return fmt.Errorf("unsupported mode %q", geo.Mode)
	}
	if geo.VoxelShape != vol.Shape {
		return fmt.Errorf("geometry is for a %v volume, got %v", geo.VoxelShape, vol.Shape)
	}
	if len(vol.Data) != vol.Shape[0]*vol.Shape[1]*vol.Shape[2] {
		return fmt.Errorf("volume holds %d voxels, shape %v needs %d",
			len(vol.Data), vol.Shape, vol.Shape[0]*vol.Shape[1]*vol.Shape[2])
	}
	for i := 0; i < 3; i++ {
		if vol.Spacing[i] <= 0 || geo.VolumeSize[i] <= 0 {
			return fmt.Errorf("volume spacing %v and size %v must be positive", vol.Spacing, geo.VolumeSize)
		}
	}
	for i := 0; i < 2; i++ {
		if geo.DetectorShape[i] <= 0 || geo.DetectorSpacing[i] <= 0 {
			return fmt.Errorf("detector shape %v and spacing %v must be positive", geo.DetectorShape, geo.DetectorSpacing)
		}
	}
	if geo.Mode == models.ModeCone && (geo.SOD <= 0 || geo.SDD <= geo.SOD-1e-9) {
		return fmt.Errorf("cone beam needs SDD >= SOD > 0, got SDD %g SOD %g", geo.SDD, geo.SOD)
	}
	if geo.RotationAxis < models.AxisDepth || geo.RotationAxis > models.AxisColumn {
		return fmt.Errorf("rotation axis %d out of range", geo.RotationAxis)
	}
	return nil
}

func newFrame(geo *models.Geometry, theta float64) *frame {
	a := geo.RotationAxis
	y, x := geo.InPlaneAxes()
	cos, sin := math.Cos(theta), math.Sin(theta)

	f := &frame{parallel: geo.Mode == models.ModeParallel}

	f.source[x], f.source[y] = geo.SOD*cos, geo.SOD*sin
	f.center[x], f.center[y] = -(geo.SDD-geo.SOD)*cos, -(geo.SDD-geo.SOD)*sin
	f.u[x], f.u[y] = -sin, cos
	f.v[a] = 1
	f.ray[x], f.ray[y] = -cos, -sin

	// Detector misalignment, (v, u) in the detector plane.
	for i := 0; i < 3; i++ {
		f.center[i] += geo.DetectorOffset[1]*f.u[i] + geo.DetectorOffset[0]*f.v[i]
	}
	return f
}

// pixelRay returns the origin and unit direction of the ray through pixel
// (r, c).
func (f *frame) pixelRay(geo *models.Geometry, r, c int) ([3]float64, [3]float64) {
	rows, cols := geo.DetectorShape[0], geo.DetectorShape[1]
	u := (float64(c)-float64(cols-1)/2)*geo.DetectorSpacing[1] + geo.COR
	v := (float64(rows-1)/2 - float64(r)) * geo.DetectorSpacing[0]

	if f.parallel {
		var origin [3]float64
		for i := 0; i < 3; i++ {
			origin[i] = u*f.u[i] + v*f.v[i]
		}
		return origin, f.ray
	}

	var dir [3]float64
	norm := 0.0
	for i := 0; i < 3; i++ {
		dir[i] = f.center[i] + u*f.u[i] + v*f.v[i] - f.source[i]
		norm += dir[i] * dir[i]
	}
	norm = math.Sqrt(norm)
	for i := 0; i < 3; i++ {
		dir[i] /= norm
	}
	return f.source, dir
}

// integrate clips the line origin + t*dir against the volume box and sums
// midpoint samples along the chord. When fromOrigin is set the chord starts
// no earlier than origin, so a cone source inside the box only sees what lies
// in front of it.
func integrate(grid *interpolation.Grid, spacing, half, offset, origin, dir [3]float64, step float64, fromOrigin bool) float64 {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	for i := 0; i < 3; i++ {
		o := origin[i] - offset[i]
		if math.Abs(dir[i]) < 1e-12 {
			if o < -half[i] || o > half[i] {
				return 0
			}
			continue
		}
		t0 := (-half[i] - o) / dir[i]
		t1 := (half[i] - o) / dir[i]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tmin = math.Max(tmin, t0)
		tmax = math.Min(tmax, t1)
	}
	if fromOrigin {
		tmin = math.Max(tmin, 0)
	}
	if tmax <= tmin {
		return 0
	}

	length := tmax - tmin
	n := int(math.Ceil(length / step))
	h := length / float64(n)

	var center [3]float64
	for i := 0; i < 3; i++ {
		center[i] = float64(grid.Dims[i]-1) / 2
	}

	sum := 0.0
	for k := 0; k < n; k++ {
		t := tmin + (float64(k)+0.5)*h
		var idx [3]float64
		for i := 0; i < 3; i++ {
			idx[i] = (origin[i]+t*dir[i]-offset[i])/spacing[i] + center[i]
		}
		sum += grid.Sample(idx[0], idx[1], idx[2])
	}
	return sum * h
}
