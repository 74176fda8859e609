package transform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"ctdrr/pkg/interpolation"
	"ctdrr/pkg/nifti"
	"ctdrr/pkg/preprocess"
)

// indexImage returns an image whose voxel (x, y, z) holds 100x + 10y + z.
func indexImage(dims [3]int, affine *mat.Dense) *nifti.Image {
	img := &nifti.Image{Dims: dims[:], Affine: affine}
	img.Data = make([]float32, img.Len())
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				img.Data[x+dims[0]*(y+dims[1]*z)] = float32(100*x + 10*y + z)
			}
		}
	}
	return img
}

func TestParseAxcodes(t *testing.T) {
	o, err := ParseAxcodes("ras")
	require.NoError(t, err)
	assert.Equal(t, "RAS", o.Codes())

	o, err = ParseAxcodes("LPI")
	require.NoError(t, err)
	assert.Equal(t, Orientation{{0, -1}, {1, -1}, {2, -1}}, o)

	for _, bad := range []string{"RA", "RAX", "RRS", "RLS"} {
		_, err := ParseAxcodes(bad)
		assert.Error(t, err, bad)
	}
}

func TestAffineOrientation(t *testing.T) {
	testCases := []struct {
		name     string
		affine   *mat.Dense
		expected string
	}{
		{"ras", nifti.DiagonalAffine([]float64{1, 1, 1}), "RAS"},
		{"lps", nifti.ITKAffine([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{1, 1, 1}, []float64{0, 0, 0}), "LPS"},
		{"permuted", mat.NewDense(4, 4, []float64{
			0, 0, 2, 0,
			-1, 0, 0, 0,
			0, 3, 0.1, 0,
			0, 0, 0, 1,
		}), "PSR"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			o, err := AffineOrientation(tc.affine)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, o.Codes())
		})
	}
}

func TestVoxelSpacing(t *testing.T) {
	aff := mat.NewDense(4, 4, []float64{
		0, 0, 2, 0,
		-1, 0, 0, 0,
		0, 3, 0, 0,
		0, 0, 0, 1,
	})
	assert.Equal(t, [3]float64{1, 3, 2}, VoxelSpacing(aff))
}

func TestReorient(t *testing.T) {
	src := interpolation.NewGrid([3]int{2, 3, 4})
	for i := range src.Data {
		src.Data[i] = float32(i)
	}

	out := Reorient(src, [3]int{2, 0, 1}, [3]bool{true, false, false})
	assert.Equal(t, [3]int{4, 2, 3}, out.Dims)
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 3; k++ {
				assert.Equal(t, src.Data[src.Index(j, k, 3-i)], out.Data[out.Index(i, j, k)])
			}
		}
	}
}

func TestPadOrCrop(t *testing.T) {
	src := interpolation.NewGrid([3]int{2, 5, 4})
	for i := range src.Data {
		src.Data[i] = float32(i)
	}

	out := PadOrCrop(src, [3]int{4, 3, 4}, -1)
	require.Equal(t, [3]int{4, 3, 4}, out.Dims)

	// Axis 0 is padded one voxel on each side.
	for j := 0; j < 3; j++ {
		assert.Equal(t, float32(-1), out.Data[out.Index(0, j, 0)])
		assert.Equal(t, float32(-1), out.Data[out.Index(3, j, 0)])
	}
	// Axis 1 is cropped starting at 5/2 - 3/2 = 1.
	assert.Equal(t, src.Data[src.Index(0, 1, 2)], out.Data[out.Index(1, 0, 2)])
	assert.Equal(t, src.Data[src.Index(1, 3, 0)], out.Data[out.Index(2, 2, 0)])

	same := PadOrCrop(src, src.Dims, 0)
	assert.Same(t, src, same)
}

func TestChainIdentity(t *testing.T) {
	img := indexImage([3]int{3, 4, 5}, nifti.DiagonalAffine([]float64{2, 2, 2}))
	chain := &Chain{NumWorkers: 2}

	tensor, err := chain.Apply(img, preprocess.TransformOptions{
		TargetSpacing: 2,
		Axcodes:       "RAS",
		TargetSize:    [3]int{3, 4, 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 5}, tensor.Shape)
	assert.Equal(t, [3]float64{2, 2, 2}, tensor.Spacing)

	for x := 0; x < 3; x++ {
		for y := 0; y < 4; y++ {
			for z := 0; z < 5; z++ {
				assert.Equal(t, float32(100*x+10*y+z), tensor.Data[(x*4+y)*5+z])
			}
		}
	}
}

func TestChainReorientsLPS(t *testing.T) {
	lps := nifti.ITKAffine([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{1, 1, 1}, []float64{0, 0, 0})
	img := indexImage([3]int{3, 3, 3}, lps)

	tensor, err := (&Chain{}).Apply(img, preprocess.TransformOptions{
		TargetSpacing: 1,
		Axcodes:       "RAS",
		TargetSize:    [3]int{3, 3, 3},
	})
	require.NoError(t, err)

	// x and y are reversed, z is kept.
	assert.Equal(t, float32(100*2+10*2+0), tensor.Data[0])
	assert.Equal(t, float32(0+0+2), tensor.Data[(2*3+2)*3+2])
}

func TestChainFlipAndResample(t *testing.T) {
	img := indexImage([3]int{2, 2, 2}, nifti.DiagonalAffine([]float64{2, 2, 2}))

	tensor, err := (&Chain{NumWorkers: 1}).Apply(img, preprocess.TransformOptions{
		TargetSpacing: 1,
		Axcodes:       "RAS",
		FlipAxes:      []int{0},
		TargetSize:    [3]int{4, 4, 4},
		PadValue:      -500,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4, 4}, tensor.Shape)

	// Resampling maps 2 voxels of 2 mm onto 4 voxels of 1 mm; the flipped
	// x axis starts at source x = 1.
	assert.InDelta(t, 100.0, tensor.Data[0], 1e-4)
	assert.InDelta(t, 50.0, tensor.Data[(1*4+0)*4+0], 1e-4)
	assert.InDelta(t, 105.5, tensor.Data[(0*4+1)*4+1], 1e-4)
}

func TestChainErrors(t *testing.T) {
	good := indexImage([3]int{2, 2, 2}, nifti.DiagonalAffine([]float64{1, 1, 1}))
	opts := preprocess.TransformOptions{TargetSpacing: 1, Axcodes: "RAS", TargetSize: [3]int{2, 2, 2}}

	flat := &nifti.Image{Dims: []int{2, 2}, Data: make([]float32, 4), Affine: nifti.DiagonalAffine([]float64{1, 1})}
	_, err := (&Chain{}).Apply(flat, opts)
	assert.Error(t, err)

	bad := opts
	bad.Axcodes = "XYZ"
	_, err = (&Chain{}).Apply(good, bad)
	assert.Error(t, err)

	bad = opts
	bad.FlipAxes = []int{3}
	_, err = (&Chain{}).Apply(good, bad)
	assert.Error(t, err)

	bad = opts
	bad.TargetSpacing = 0
	_, err = (&Chain{}).Apply(good, bad)
	assert.Error(t, err)

	boom := errors.New("unreadable")
	chain := &Chain{Load: func(string) (*nifti.Image, error) { return nil, boom }}
	_, err = chain.Transform("case.nii.gz", opts)
	assert.ErrorIs(t, err, boom)
}
