// Package visualization renders 8-bit previews of projections and CT volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"ctdrr/internal/models"
)

// MinRange is the smallest intensity range worth rendering. Flatter images
// would be pure noise after normalization and are not written.
const MinRange = 1e-6

// Planes of the CT mid-slice previews, keyed by the axis held fixed.
var Planes = []struct {
	Name string
	Axis int
}{
	{"axial", models.AxisDepth},
	{"coronal", models.AxisRow},
	{"sagittal", models.AxisColumn},
}

// Normalize maps img linearly onto [0, 255] using its own minimum and
// maximum. The second result is false when the range is below MinRange.
func Normalize(img models.Image) (*image.Gray, bool) {
	if len(img.Data) == 0 {
		return nil, false
	}
	values := make([]float64, len(img.Data))
	for i, v := range img.Data {
		values[i] = float64(v)
	}
	lo, hi := floats.Min(values), floats.Max(values)
	if hi-lo <= MinRange {
		return nil, false
	}

	gray := image.NewGray(image.Rect(0, 0, img.Cols, img.Rows))
	scale := 255 / (hi - lo)
	for r := 0; r < img.Rows; r++ {
		for c := 0; c < img.Cols; c++ {
			gray.SetGray(c, r, color.Gray{Y: uint8((values[r*img.Cols+c] - lo) * scale)})
		}
	}
	return gray, true
}

// SquarePixels rescales src, whose pixels are rowSpacing by colSpacing mm,
// so that every output pixel is rowSpacing mm wide and tall. The row count is
// kept and only the width changes.
func SquarePixels(src *image.Gray, rowSpacing, colSpacing float64) image.Image {
	if rowSpacing <= 0 || colSpacing <= 0 || rowSpacing == colSpacing {
		return src
	}
	b := src.Bounds()
	width := int(math.Round(float64(b.Dx()) * colSpacing / rowSpacing))
	if width < 1 {
		width = 1
	}
	dst := image.NewGray(image.Rect(0, 0, width, b.Dy()))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// SavePNG encodes img as a PNG file.
func SavePNG(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	return file.Close()
}

// SaveProjection writes the normalized preview of a projection. When
// squarePixels is set the preview is resampled to the physical aspect ratio
// given by spacing (rows, columns). It reports whether a file was written.
func SaveProjection(img models.Image, spacing [2]float64, squarePixels bool, filename string) (bool, error) {
	gray, ok := Normalize(img)
	if !ok {
		return false, nil
	}
	var out image.Image = gray
	if squarePixels {
		out = SquarePixels(gray, spacing[0], spacing[1])
	}
	if err := SavePNG(out, filename); err != nil {
		return false, err
	}
	return true, nil
}

// Viewer extracts windowed 2-D slices from a normalized volume.
type Viewer struct {
	vol          *models.Volume
	lower, upper float64
}

// NewViewer creates a viewer that maps [lower, upper] onto [0, 255].
func NewViewer(vol *models.Volume, lower, upper float64) *Viewer {
	return &Viewer{vol: vol, lower: lower, upper: upper}
}

// ExtractSlice returns the plane at position along axis. The two remaining
// axes become image rows and columns in ascending axis order.
func (v *Viewer) ExtractSlice(axis, position int) (*image.Gray, error) {
	if axis < models.AxisDepth || axis > models.AxisColumn {
		return nil, fmt.Errorf("invalid axis %d", axis)
	}
	if position < 0 || position >= v.vol.Shape[axis] {
		return nil, fmt.Errorf("position %d outside %s extent %d", position, models.AxisName(axis), v.vol.Shape[axis])
	}

	rowAxis, colAxis := models.InPlaneAxes(axis)
	rows, cols := v.vol.Shape[rowAxis], v.vol.Shape[colAxis]
	img := image.NewGray(image.Rect(0, 0, cols, rows))

	var idx [3]int
	idx[axis] = position
	for r := 0; r < rows; r++ {
		idx[rowAxis] = r
		for c := 0; c < cols; c++ {
			idx[colAxis] = c
			img.SetGray(c, r, color.Gray{Y: v.level(v.vol.At(idx[0], idx[1], idx[2]))})
		}
	}
	return img, nil
}

// level maps an intensity onto the 8-bit window.
func (v *Viewer) level(value float32) uint8 {
	t := (float64(value) - v.lower) / (v.upper - v.lower)
	t = math.Max(0, math.Min(1, t))
	return uint8(math.Round(t * 255))
}

// SaveMidSlices writes ct_<plane>.png for the center slice of every plane.
func (v *Viewer) SaveMidSlices(outputDir string) error {
	for _, p := range Planes {
		img, err := v.ExtractSlice(p.Axis, v.vol.Shape[p.Axis]/2)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("ct_%s.png", p.Name))
		if err := SavePNG(img, filename); err != nil {
			return err
		}
	}
	return nil
}
