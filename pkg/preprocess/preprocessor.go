// Package preprocess turns arbitrary CT files into canonical normalized volumes.
//
// The heavy lifting (loading, reorientation, resampling, pad-or-crop) is done
// by a Transformer. The Preprocessor owns the contract of its output: fixed
// (depth, row, column) axis order, isotropic spacing, every voxel finite and
// inside the intensity window.
package preprocess

import (
	"fmt"
	"math"

	"ctdrr/internal/models"
	"ctdrr/pkg/config"
)

// TransformOptions are the parameters handed to a Transformer.
type TransformOptions struct {
	// TargetSpacing is the isotropic voxel size in mm
	TargetSpacing float64

	// Axcodes is the canonical orientation label, e.g. "RAS"
	Axcodes string

	// FlipAxes are mirrored after reorientation
	FlipAxes []int

	// TargetSize is the voxel grid after pad-or-crop
	TargetSize [3]int

	// PadValue fills voxels added by padding
	PadValue float64
}

// Transformer loads and normalizes one file into a channel-first tensor of
// shape (1, X, Y, Z).
type Transformer interface {
	Transform(path string, opts TransformOptions) (*models.Tensor, error)
}

// PreprocessingError reports a case that could not be normalized.
type PreprocessingError struct {
	Path string
	Err  error
}

func (e *PreprocessingError) Error() string {
	return fmt.Sprintf("preprocessing %s: %v", e.Path, e.Err)
}

func (e *PreprocessingError) Unwrap() error {
	return e.Err
}

// spacingTolerance bounds the difference between the requested spacing and
// the spacing a Transformer reports.
const spacingTolerance = 1e-4

// Preprocessor wraps a Transformer with the canonical volume contract.
type Preprocessor struct {
	cfg         *config.Config
	transformer Transformer
}

// NewPreprocessor creates a preprocessor for the given configuration.
func NewPreprocessor(cfg *config.Config, transformer Transformer) *Preprocessor {
	return &Preprocessor{cfg: cfg, transformer: transformer}
}

// Options returns the TransformOptions derived from the configuration.
func (p *Preprocessor) Options() TransformOptions {
	pre := p.cfg.Preprocessing
	return TransformOptions{
		TargetSpacing: pre.TargetSpacing,
		Axcodes:       pre.Orientation,
		FlipAxes:      append([]int(nil), pre.FlipAxes...),
		TargetSize:    p.cfg.TargetSize3(),
		PadValue:      pre.Window.Lower,
	}
}

// Process normalizes the file at path and returns the volume together with
// its isotropic spacing in (depth, row, column) order.
func (p *Preprocessor) Process(path string) (*models.Volume, [3]float64, error) {
	var spacing [3]float64

	tensor, err := p.transformer.Transform(path, p.Options())
	if err != nil {
		return nil, spacing, &PreprocessingError{Path: path, Err: err}
	}

	vol, err := p.canonicalize(tensor)
	if err != nil {
		return nil, spacing, &PreprocessingError{Path: path, Err: err}
	}

	return vol, vol.Spacing, nil
}

// canonicalize squeezes the channel, permutes (X, Y, Z) to (Z, Y, X) and
// enforces the intensity window.
func (p *Preprocessor) canonicalize(t *models.Tensor) (*models.Volume, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("expected a single channel (1, X, Y, Z) tensor, got shape %v", t.Shape)
	}
	if len(t.Data) != t.Len() {
		return nil, fmt.Errorf("tensor holds %d values, shape %v needs %d", len(t.Data), t.Shape, t.Len())
	}
	nx, ny, nz := t.Shape[1], t.Shape[2], t.Shape[3]
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("empty tensor shape %v", t.Shape)
	}

	target := p.cfg.Preprocessing.TargetSpacing
	for i, s := range t.Spacing {
		if math.Abs(s-target) > spacingTolerance {
			return nil, fmt.Errorf("transform applied spacing %v on axis %d, want isotropic %g", t.Spacing, i, target)
		}
	}

	vol := models.NewVolume([3]int{nz, ny, nx}, [3]float64{target, target, target})

	lower := float32(p.cfg.Preprocessing.Window.Lower)
	upper := float32(p.cfg.Preprocessing.Window.Upper)

	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			src := (x*ny + y) * nz
			for z := 0; z < nz; z++ {
				vol.Set(z, y, x, window(t.Data[src+z], lower, upper))
			}
		}
	}
	return vol, nil
}

// window replaces non-finite values by lower and clamps to [lower, upper].
func window(v, lower, upper float32) float32 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return lower
	}
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}
