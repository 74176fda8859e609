// Package transform implements the default normalization chain that turns a
// NIfTI CT file into a channel-first tensor on a fixed isotropic grid.
//
// The chain runs these steps in order:
//  1. Load the NIfTI image and its voxel-to-RAS affine
//  2. Add a channel axis, giving (1, X, Y, Z)
//  3. Reorient the voxel axes to the requested axis codes
//  4. Mirror the configured axes
//  5. Resample to isotropic spacing with trilinear interpolation
//  6. Center pad or crop to the target size
package transform

import (
	"fmt"

	"ctdrr/internal/models"
	"ctdrr/pkg/interpolation"
	"ctdrr/pkg/nifti"
	"ctdrr/pkg/preprocess"
)

// Chain is the default preprocess.Transformer.
type Chain struct {
	// NumWorkers bounds resampling parallelism, 0 uses every core
	NumWorkers int

	// Load reads the input image, nifti.Read when nil
	Load func(path string) (*nifti.Image, error)
}

// NewChain creates a chain that resamples on numWorkers goroutines.
func NewChain(numWorkers int) *Chain {
	return &Chain{NumWorkers: numWorkers}
}

// Transform runs the full chain on the file at path.
func (c *Chain) Transform(path string, opts preprocess.TransformOptions) (*models.Tensor, error) {
	load := c.Load
	if load == nil {
		load = nifti.Read
	}

	img, err := load(path)
	if err != nil {
		return nil, err
	}
	return c.Apply(img, opts)
}

// Apply runs every step after loading on an in-memory image.
func (c *Chain) Apply(img *nifti.Image, opts preprocess.TransformOptions) (*models.Tensor, error) {
	if opts.TargetSpacing <= 0 {
		return nil, fmt.Errorf("target spacing must be positive, got %g", opts.TargetSpacing)
	}

	grid, err := GridFromImage(img)
	if err != nil {
		return nil, err
	}

	current, err := AffineOrientation(img.Affine)
	if err != nil {
		return nil, err
	}
	target, err := ParseAxcodes(opts.Axcodes)
	if err != nil {
		return nil, err
	}
	perm, flip := Transform(current, target)

	spacing := VoxelSpacing(img.Affine)
	grid = Reorient(grid, perm, flip)
	spacing = [3]float64{spacing[perm[0]], spacing[perm[1]], spacing[perm[2]]}

	for _, axis := range opts.FlipAxes {
		if axis < 0 || axis > 2 {
			return nil, fmt.Errorf("flip axis %d out of range", axis)
		}
		var f [3]bool
		f[axis] = true
		grid = Reorient(grid, [3]int{0, 1, 2}, f)
	}

	iso := [3]float64{opts.TargetSpacing, opts.TargetSpacing, opts.TargetSpacing}
	grid, err = interpolation.Resample(grid, spacing, iso, c.NumWorkers)
	if err != nil {
		return nil, fmt.Errorf("resampling: %w", err)
	}

	grid = PadOrCrop(grid, opts.TargetSize, float32(opts.PadValue))

	return &models.Tensor{
		Data:    grid.Data,
		Shape:   []int{1, grid.Dims[0], grid.Dims[1], grid.Dims[2]},
		Spacing: iso,
	}, nil
}

// GridFromImage copies a 3-D NIfTI image into an (X, Y, Z) grid with Z
// varying fastest.
func GridFromImage(img *nifti.Image) (*interpolation.Grid, error) {
	if len(img.Dims) != 3 {
		return nil, fmt.Errorf("expected a 3-D image, got %d dimensions", len(img.Dims))
	}
	if len(img.Data) != img.Len() {
		return nil, fmt.Errorf("image holds %d voxels, dimensions %v need %d", len(img.Data), img.Dims, img.Len())
	}
	if img.Affine == nil {
		return nil, fmt.Errorf("image has no affine")
	}

	nx, ny, nz := img.Dims[0], img.Dims[1], img.Dims[2]
	grid := interpolation.NewGrid([3]int{nx, ny, nz})
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			src := nx * (y + ny*z)
			for x := 0; x < nx; x++ {
				grid.Data[grid.Index(x, y, z)] = img.Data[src+x]
			}
		}
	}
	return grid, nil
}

// Reorient returns a grid whose axis t is input axis perm[t], reversed when
// flip[t] is set.
func Reorient(src *interpolation.Grid, perm [3]int, flip [3]bool) *interpolation.Grid {
	dims := [3]int{src.Dims[perm[0]], src.Dims[perm[1]], src.Dims[perm[2]]}
	dst := interpolation.NewGrid(dims)

	var in [3]int
	for i := 0; i < dims[0]; i++ {
		for j := 0; j < dims[1]; j++ {
			for k := 0; k < dims[2]; k++ {
				out := [3]int{i, j, k}
				for t := 0; t < 3; t++ {
					v := out[t]
					if flip[t] {
						v = dims[t] - 1 - v
					}
					in[perm[t]] = v
				}
				dst.Data[dst.Index(i, j, k)] = src.Data[src.Index(in[0], in[1], in[2])]
			}
		}
	}
	return dst
}

// PadOrCrop centers src in a grid of the given size. Axes that are too small
// are padded symmetrically with pad, the extra voxel going after; axes that
// are too large are center cropped.
func PadOrCrop(src *interpolation.Grid, size [3]int, pad float32) *interpolation.Grid {
	if size == src.Dims {
		return src
	}

	dst := interpolation.NewGrid(size)
	for i := range dst.Data {
		dst.Data[i] = pad
	}

	// offset maps a destination index to a source index along one axis.
	var offset [3]int
	for a := 0; a < 3; a++ {
		if src.Dims[a] >= size[a] {
			offset[a] = src.Dims[a]/2 - size[a]/2
		} else {
			offset[a] = -((size[a] - src.Dims[a]) / 2)
		}
	}

	for i := 0; i < size[0]; i++ {
		si := i + offset[0]
		if si < 0 || si >= src.Dims[0] {
			continue
		}
		for j := 0; j < size[1]; j++ {
			sj := j + offset[1]
			if sj < 0 || sj >= src.Dims[1] {
				continue
			}
			for k := 0; k < size[2]; k++ {
				sk := k + offset[2]
				if sk < 0 || sk >= src.Dims[2] {
					continue
				}
				dst.Data[dst.Index(i, j, k)] = src.Data[src.Index(si, sj, sk)]
			}
		}
	}
	return dst
}
