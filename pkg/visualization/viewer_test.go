package visualization

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"ctdrr/internal/models"
)

// rampImage creates a projection whose values increase along columns
func rampImage(rows, cols int) models.Image {
	img := models.NewImage(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.Data[r*cols+c] = float32(c) * 2.5
		}
	}
	return img
}

// TestNormalize verifies the min-max mapping onto 8 bits
func TestNormalize(t *testing.T) {
	img := rampImage(4, 6)

	gray, ok := Normalize(img)
	if !ok {
		t.Fatal("Expected ramp image to be normalized")
	}

	bounds := gray.Bounds()
	if bounds.Dx() != 6 || bounds.Dy() != 4 {
		t.Errorf("Expected 6x4 preview, got %dx%d", bounds.Dx(), bounds.Dy())
	}

	if v := gray.GrayAt(0, 2).Y; v != 0 {
		t.Errorf("Expected minimum to map to 0, got %d", v)
	}
	if v := gray.GrayAt(5, 2).Y; v < 254 {
		t.Errorf("Expected maximum to map to 255, got %d", v)
	}
	for c := 1; c < 6; c++ {
		if gray.GrayAt(c, 0).Y <= gray.GrayAt(c-1, 0).Y {
			t.Errorf("Expected preview to increase along columns at %d", c)
		}
	}
}

// TestNormalizeFlatImage verifies that constant images are not rendered
func TestNormalizeFlatImage(t *testing.T) {
	img := models.NewImage(3, 3)
	for i := range img.Data {
		img.Data[i] = 42
	}
	img.Data[4] = 42 + 1e-7

	if _, ok := Normalize(img); ok {
		t.Error("Expected flat image to be skipped")
	}
	if _, ok := Normalize(models.Image{}); ok {
		t.Error("Expected empty image to be skipped")
	}
}

// TestSquarePixels verifies the aspect-correct preview width
func TestSquarePixels(t *testing.T) {
	gray, _ := Normalize(rampImage(10, 10))

	out := SquarePixels(gray, 0.33, 0.66)
	if b := out.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Errorf("Expected 20x10 preview, got %dx%d", b.Dx(), b.Dy())
	}

	same := SquarePixels(gray, 0.5, 0.5)
	if same != image.Image(gray) {
		t.Error("Expected square pixels to be returned unchanged")
	}
}

// TestSaveProjection verifies that previews are written or skipped
func TestSaveProjection(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "drr.png")
	written, err := SaveProjection(rampImage(4, 8), [2]float64{1, 0.5}, true, path)
	if err != nil {
		t.Fatalf("Failed to save preview: %v", err)
	}
	if !written {
		t.Fatal("Expected preview to be written")
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open preview: %v", err)
	}
	defer file.Close()
	decoded, err := png.Decode(file)
	if err != nil {
		t.Fatalf("Failed to decode preview: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("Expected 4x4 aspect-corrected preview, got %dx%d", b.Dx(), b.Dy())
	}

	flat := filepath.Join(dir, "flat.png")
	written, err = SaveProjection(models.NewImage(4, 4), [2]float64{1, 1}, false, flat)
	if err != nil {
		t.Fatalf("Unexpected error for flat image: %v", err)
	}
	if written {
		t.Error("Expected flat preview to be skipped")
	}
	if _, err := os.Stat(flat); !os.IsNotExist(err) {
		t.Error("Expected no file for a flat preview")
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	vol := models.NewVolume([3]int{4, 5, 6}, [3]float64{1, 1, 1})
	for d := 0; d < 4; d++ {
		for r := 0; r < 5; r++ {
			for c := 0; c < 6; c++ {
				vol.Set(d, r, c, float32(d*100))
			}
		}
	}
	viewer := NewViewer(vol, 0, 300)

	testCases := []struct {
		axis       int
		position   int
		rows, cols int
	}{
		{models.AxisDepth, 2, 5, 6},
		{models.AxisRow, 1, 4, 6},
		{models.AxisColumn, 5, 4, 5},
	}

	for _, tc := range testCases {
		img, err := viewer.ExtractSlice(tc.axis, tc.position)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", models.AxisName(tc.axis), err)
		}
		if b := img.Bounds(); b.Dx() != tc.cols || b.Dy() != tc.rows {
			t.Errorf("Expected %s slice %dx%d, got %dx%d", models.AxisName(tc.axis), tc.cols, tc.rows, b.Dx(), b.Dy())
		}
	}

	axial, _ := viewer.ExtractSlice(models.AxisDepth, 2)
	if v := axial.GrayAt(3, 3).Y; v != 170 {
		t.Errorf("Expected windowed value 170, got %d", v)
	}

	coronal, _ := viewer.ExtractSlice(models.AxisRow, 0)
	if v := coronal.GrayAt(0, 3).Y; v != 255 {
		t.Errorf("Expected values above the window to saturate, got %d", v)
	}
	if v := coronal.GrayAt(0, 0).Y; v != 0 {
		t.Errorf("Expected lower window bound to map to 0, got %d", v)
	}
}

// TestExtractSliceInvalidInput verifies error handling for bad positions
func TestExtractSliceInvalidInput(t *testing.T) {
	vol := models.NewVolume([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	viewer := NewViewer(vol, -1, 1)

	if _, err := viewer.ExtractSlice(models.AxisDepth, 2); err == nil {
		t.Error("Expected error for position beyond the volume")
	}
	if _, err := viewer.ExtractSlice(models.AxisRow, -1); err == nil {
		t.Error("Expected error for negative position")
	}
	if _, err := viewer.ExtractSlice(3, 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

// TestSaveMidSlices verifies that one preview per plane is written
func TestSaveMidSlices(t *testing.T) {
	vol := models.NewVolume([3]int{3, 4, 5}, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = float32(i)
	}
	dir := t.TempDir()

	if err := NewViewer(vol, 0, 60).SaveMidSlices(dir); err != nil {
		t.Fatalf("Failed to save mid slices: %v", err)
	}

	for _, p := range Planes {
		path := filepath.Join(dir, "ct_"+p.Name+".png")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected %s to exist: %v", path, err)
		}
	}
}
