// Package interpolation provides trilinear sampling and isotropic resampling of
// dense 3-D scalar grids.
package interpolation

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// Grid is a dense 3-D scalar field. The last axis varies fastest, so the
// element at (i, j, k) lives at (i*Dims[1]+j)*Dims[2]+k.
type Grid struct {
	Data []float32
	Dims [3]int
}

// NewGrid allocates a zero-filled grid.
func NewGrid(dims [3]int) *Grid {
	return &Grid{Data: make([]float32, dims[0]*dims[1]*dims[2]), Dims: dims}
}

// Index returns the flat offset of (i, j, k).
func (g *Grid) Index(i, j, k int) int {
	return (i*g.Dims[1]+j)*g.Dims[2] + k
}

// Validate checks that Data matches Dims.
func (g *Grid) Validate() error {
	for _, d := range g.Dims {
		if d <= 0 {
			return fmt.Errorf("grid dimensions must be positive, got %v", g.Dims)
		}
	}
	if n := g.Dims[0] * g.Dims[1] * g.Dims[2]; len(g.Data) != n {
		return fmt.Errorf("grid holds %d values, dimensions %v need %d", len(g.Data), g.Dims, n)
	}
	return nil
}

// Sample evaluates the grid at continuous index coordinates with trilinear
// interpolation. Coordinates outside the grid are clamped to the border, so
// the nearest edge value is repeated.
func (g *Grid) Sample(p0, p1, p2 float64) float64 {
	p0 = clamp(p0, 0, float64(g.Dims[0]-1))
	p1 = clamp(p1, 0, float64(g.Dims[1]-1))
	p2 = clamp(p2, 0, float64(g.Dims[2]-1))
	return g.lerp(p0, p1, p2)
}

// lerp assumes every coordinate is inside [0, dim-1].
func (g *Grid) lerp(p0, p1, p2 float64) float64 {
	i0, f0 := split(p0, g.Dims[0])
	i1, f1 := split(p1, g.Dims[1])
	i2, f2 := split(p2, g.Dims[2])

	s1 := g.Dims[2]
	s0 := g.Dims[1] * s1
	base := i0*s0 + i1*s1 + i2

	// Neighbour offsets collapse to zero on a degenerate (size 1) axis.
	d0, d1, d2 := s0, s1, 1
	if g.Dims[0] == 1 {
		d0 = 0
	}
	if g.Dims[1] == 1 {
		d1 = 0
	}
	if g.Dims[2] == 1 {
		d2 = 0
	}

	c000 := float64(g.Data[base])
	c001 := float64(g.Data[base+d2])
	c010 := float64(g.Data[base+d1])
	c011 := float64(g.Data[base+d1+d2])
	c100 := float64(g.Data[base+d0])
	c101 := float64(g.Data[base+d0+d2])
	c110 := float64(g.Data[base+d0+d1])
	c111 := float64(g.Data[base+d0+d1+d2])

	c00 := c000 + (c001-c000)*f2
	c01 := c010 + (c011-c010)*f2
	c10 := c100 + (c101-c100)*f2
	c11 := c110 + (c111-c110)*f2

	c0 := c00 + (c01-c00)*f1
	c1 := c10 + (c11-c10)*f1

	return c0 + (c1-c0)*f0
}

// split returns the lower cell index and fractional offset of p. The last
// voxel is handled by stepping back one cell with a fraction of one.
func split(p float64, dim int) (int, float64) {
	if dim == 1 {
		return 0, 0
	}
	i := int(math.Floor(p))
	if i >= dim-1 {
		i = dim - 2
	}
	return i, p - float64(i)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ResampledSize returns the number of voxels covering n source voxels of
// size from once resampled to voxels of size to.
func ResampledSize(n int, from, to float64) int {
	m := int(math.Round(float64(n) * from / to))
	if m < 1 {
		m = 1
	}
	return m
}

// Resample maps src from its voxel spacing onto a grid with spacing to,
// using trilinear interpolation with border padding. The first voxel centers
// of both grids coincide. Work is split across numWorkers goroutines along
// the first axis; numWorkers <= 0 uses every available core.
func Resample(src *Grid, from, to [3]float64, numWorkers int) (*Grid, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		if from[i] <= 0 || to[i] <= 0 {
			return nil, fmt.Errorf("spacing must be positive, got %v -> %v", from, to)
		}
	}

	var dims [3]int
	var scale [3]float64
	for i := 0; i < 3; i++ {
		dims[i] = ResampledSize(src.Dims[i], from[i], to[i])
		scale[i] = to[i] / from[i]
	}
	dst := NewGrid(dims)

	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > dims[0] {
		numWorkers = dims[0]
	}
	slabsPerWorker := (dims[0] + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * slabsPerWorker
		end := start + slabsPerWorker
		if end > dims[0] {
			end = dims[0]
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				p0 := float64(i) * scale[0]
				for j := 0; j < dims[1]; j++ {
					p1 := float64(j) * scale[1]
					row := dst.Index(i, j, 0)
					for k := 0; k < dims[2]; k++ {
						dst.Data[row+k] = float32(src.Sample(p0, p1, float64(k)*scale[2]))
					}
				}
			}
		}(start, end)
	}
	wg.Wait()

	return dst, nil
}
