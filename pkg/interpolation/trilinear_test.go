package interpolation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearGrid creates a grid whose value is a linear function of the index,
// which trilinear interpolation must reproduce exactly.
func linearGrid(dims [3]int) *Grid {
	g := NewGrid(dims)
	for i := 0; i < dims[0]; i++ {
		for j := 0; j < dims[1]; j++ {
			for k := 0; k < dims[2]; k++ {
				g.Data[g.Index(i, j, k)] = float32(100*i + 10*j + k)
			}
		}
	}
	return g
}

func TestSampleReproducesLinearField(t *testing.T) {
	g := linearGrid([3]int{4, 5, 6})

	testCases := []struct{ p0, p1, p2 float64 }{
		{0, 0, 0},
		{1.5, 2.25, 3.75},
		{3, 4, 5},
		{2.9, 0.1, 4.99},
	}
	for _, tc := range testCases {
		expected := 100*tc.p0 + 10*tc.p1 + tc.p2
		assert.InDelta(t, expected, g.Sample(tc.p0, tc.p1, tc.p2), 1e-4, "%+v", tc)
	}
}

func TestSampleClampsToBorder(t *testing.T) {
	g := linearGrid([3]int{4, 5, 6})

	assert.InDelta(t, 0.0, g.Sample(-3, -1, -0.5), 1e-6)
	assert.InDelta(t, 345.0, g.Sample(10, 10, 10), 1e-6)
	assert.InDelta(t, 100*2+10*4+0.0, g.Sample(2, 7, -2), 1e-6)
}

func TestSampleDegenerateAxis(t *testing.T) {
	g := linearGrid([3]int{1, 3, 3})
	assert.InDelta(t, 10*1.5+0.5, g.Sample(0, 1.5, 0.5), 1e-6)
	assert.InDelta(t, 10*1.5+0.5, g.Sample(0.7, 1.5, 0.5), 1e-6)
}

func TestResampledSize(t *testing.T) {
	assert.Equal(t, 100, ResampledSize(200, 0.9375, 1.875))
	assert.Equal(t, 64, ResampledSize(32, 3.75, 1.875))
	assert.Equal(t, 1, ResampledSize(1, 0.1, 10))
}

func TestResample(t *testing.T) {
	src := linearGrid([3]int{8, 8, 8})

	t.Run("Downsample", func(t *testing.T) {
		dst, err := Resample(src, [3]float64{1, 1, 1}, [3]float64{2, 2, 2}, 3)
		require.NoError(t, err)
		assert.Equal(t, [3]int{4, 4, 4}, dst.Dims)
		// dst voxel (1,2,3) sits on src voxel (2,4,6)
		assert.InDelta(t, 246.0, float64(dst.Data[dst.Index(1, 2, 3)]), 1e-4)
	})

	t.Run("UpsampleWithBorderPadding", func(t *testing.T) {
		dst, err := Resample(src, [3]float64{2, 2, 2}, [3]float64{1, 1, 1}, 0)
		require.NoError(t, err)
		assert.Equal(t, [3]int{16, 16, 16}, dst.Dims)
		assert.InDelta(t, 0.5, float64(dst.Data[dst.Index(0, 0, 1)]), 1e-4)
		// beyond the last source center the border value repeats
		assert.InDelta(t, 777.0, float64(dst.Data[dst.Index(15, 15, 15)]), 1e-4)
	})

	t.Run("Anisotropic", func(t *testing.T) {
		dst, err := Resample(src, [3]float64{4, 1, 1}, [3]float64{2, 2, 2}, 1)
		require.NoError(t, err)
		assert.Equal(t, [3]int{16, 4, 4}, dst.Dims)
		for _, v := range dst.Data {
			assert.False(t, math.IsNaN(float64(v)))
		}
	})

	t.Run("RejectsBadSpacing", func(t *testing.T) {
		_, err := Resample(src, [3]float64{1, 0, 1}, [3]float64{1, 1, 1}, 1)
		assert.Error(t, err)
	})

	t.Run("RejectsMismatchedData", func(t *testing.T) {
		_, err := Resample(&Grid{Data: make([]float32, 3), Dims: [3]int{2, 2, 2}}, [3]float64{1, 1, 1}, [3]float64{1, 1, 1}, 1)
		assert.Error(t, err)
	})
}
