package preprocess

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctdrr/internal/models"
	"ctdrr/pkg/config"
)

// fakeTransformer returns a fixed tensor and records the options it saw.
type fakeTransformer struct {
	tensor *models.Tensor
	err    error
	opts   TransformOptions
	path   string
}

func (f *fakeTransformer) Transform(path string, opts TransformOptions) (*models.Tensor, error) {
	f.path = path
	f.opts = opts
	return f.tensor, f.err
}

// xyzTensor builds a (1, nx, ny, nz) tensor whose element (x, y, z) holds
// 100x + 10y + z.
func xyzTensor(nx, ny, nz int, spacing float64) *models.Tensor {
	t := &models.Tensor{Shape: []int{1, nx, ny, nz}, Spacing: [3]float64{spacing, spacing, spacing}}
	t.Data = make([]float32, t.Len())
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				t.Data[(x*ny+y)*nz+z] = float32(100*x + 10*y + z)
			}
		}
	}
	return t
}

func TestProcessPermutesToDepthRowColumn(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Preprocessing.Window = config.Window{Lower: -1000, Upper: 1000}
	fake := &fakeTransformer{tensor: xyzTensor(2, 3, 4, cfg.Preprocessing.TargetSpacing)}

	vol, spacing, err := NewPreprocessor(cfg, fake).Process("case.nii.gz")
	require.NoError(t, err)

	assert.Equal(t, [3]int{4, 3, 2}, vol.Shape)
	assert.Equal(t, [3]float64{1.875, 1.875, 1.875}, spacing)
	assert.True(t, vol.IsIsotropic())
	for z := 0; z < 4; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 2; x++ {
				assert.Equal(t, float32(100*x+10*y+z), vol.At(z, y, x))
			}
		}
	}
}

func TestProcessPassesConfiguredOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	fake := &fakeTransformer{tensor: xyzTensor(2, 2, 2, cfg.Preprocessing.TargetSpacing)}

	_, _, err := NewPreprocessor(cfg, fake).Process("/data/case.nii")
	require.NoError(t, err)

	assert.Equal(t, "/data/case.nii", fake.path)
	assert.Equal(t, TransformOptions{
		TargetSpacing: 1.875,
		Axcodes:       "RAS",
		FlipAxes:      []int{0, 1, 2},
		TargetSize:    [3]int{128, 128, 128},
		PadValue:      -500,
	}, fake.opts)
}

func TestProcessEnforcesWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	tensor := xyzTensor(1, 1, 5, cfg.Preprocessing.TargetSpacing)
	nan := float32(math.NaN())
	tensor.Data = []float32{nan, -2000, 0, 5000, float32(math.Inf(1))}
	fake := &fakeTransformer{tensor: tensor}

	vol, _, err := NewPreprocessor(cfg, fake).Process("case.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, []float32{-500, -500, 0, 1300, -500}, vol.Data)

	for _, v := range vol.Data {
		assert.False(t, math.IsNaN(float64(v)))
		assert.GreaterOrEqual(t, v, float32(-500))
		assert.LessOrEqual(t, v, float32(1300))
	}
}

func TestProcessFailures(t *testing.T) {
	cfg := config.DefaultConfig()
	boom := errors.New("corrupt file")

	testCases := []struct {
		name   string
		tensor *models.Tensor
		err    error
	}{
		{"transformer error", nil, boom},
		{"two channels", &models.Tensor{Shape: []int{2, 1, 1, 1}, Data: make([]float32, 2), Spacing: [3]float64{1.875, 1.875, 1.875}}, nil},
		{"missing channel", &models.Tensor{Shape: []int{2, 2, 2}, Data: make([]float32, 8), Spacing: [3]float64{1.875, 1.875, 1.875}}, nil},
		{"short data", &models.Tensor{Shape: []int{1, 2, 2, 2}, Data: make([]float32, 7), Spacing: [3]float64{1.875, 1.875, 1.875}}, nil},
		{"wrong spacing", xyzTensor(2, 2, 2, 1.0), nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeTransformer{tensor: tc.tensor, err: tc.err}
			vol, _, err := NewPreprocessor(cfg, fake).Process("bad.nii.gz")
			require.Error(t, err)
			assert.Nil(t, vol)

			var perr *PreprocessingError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "bad.nii.gz", perr.Path)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}
