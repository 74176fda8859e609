package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"
)

// Image is a NIfTI image held in memory.
type Image struct {
	// Dims is the size of each spatial axis, x first. Two or three entries.
	Dims []int

	// Spacing is the voxel size of each axis in mm
	Spacing []float64

	// Affine is the 4x4 voxel index to RAS world transform
	Affine *mat.Dense

	// Data holds the voxels with x varying fastest
	Data []float32
}

// Len returns the number of voxels implied by Dims.
func (img *Image) Len() int {
	n := 1
	for _, d := range img.Dims {
		n *= d
	}
	return n
}

// Read loads a .nii or .nii.gz file. Gzip compression is detected from the
// file name.
func Read(path string) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if isGzip(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Decode(raw)
}

// Decode parses an uncompressed single file NIfTI-1 image.
func Decode(raw []byte) (*Image, error) {
	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}

	ndim := int(h.Dim[0])
	if ndim > 3 {
		// Trailing singleton axes (time, channel) are tolerated.
		for i := 4; i <= ndim; i++ {
			if h.Dim[i] > 1 {
				return nil, fmt.Errorf("only 2-D and 3-D images are supported, got dim %v", h.Dim[1:ndim+1])
			}
		}
		ndim = 3
	}

	img := &Image{}
	for i := 1; i <= ndim; i++ {
		if h.Dim[i] < 1 {
			return nil, fmt.Errorf("invalid size %d on axis %d", h.Dim[i], i-1)
		}
		img.Dims = append(img.Dims, int(h.Dim[i]))
		spacing := math.Abs(float64(h.Pixdim[i]))
		if spacing == 0 {
			spacing = 1
		}
		img.Spacing = append(img.Spacing, spacing)
	}

	offset := int(h.VoxOffset)
	if offset < voxOffset {
		offset = voxOffset
	}
	if offset > len(raw) {
		return nil, fmt.Errorf("vox_offset %d beyond end of file", offset)
	}

	img.Data, err = decodeVoxels(raw[offset:], img.Len(), h.Datatype, order, h.SclSlope, h.SclInter)
	if err != nil {
		return nil, err
	}
	img.Affine = headerAffine(h)

	return img, nil
}

// headerAffine picks sform over qform over the bare pixdim scaling, the order
// the NIfTI-1 standard recommends.
func headerAffine(h *Header) *mat.Dense {
	if h.SformCode > XformUnknown {
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	}

	pix := [3]float64{1, 1, 1}
	for i := 0; i < 3; i++ {
		if p := math.Abs(float64(h.Pixdim[i+1])); p > 0 {
			pix[i] = p
		}
	}

	if h.QformCode > XformUnknown {
		qfac := 1.0
		if h.Pixdim[0] < 0 {
			qfac = -1
		}
		rot := quaternToMatrix(float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD))
		aff := mat.NewDense(4, 4, nil)
		for r := 0; r < 3; r++ {
			aff.Set(r, 0, rot[r][0]*pix[0])
			aff.Set(r, 1, rot[r][1]*pix[1])
			aff.Set(r, 2, rot[r][2]*pix[2]*qfac)
		}
		aff.Set(0, 3, float64(h.QoffsetX))
		aff.Set(1, 3, float64(h.QoffsetY))
		aff.Set(2, 3, float64(h.QoffsetZ))
		aff.Set(3, 3, 1)
		return aff
	}

	return DiagonalAffine(pix[:])
}

// DiagonalAffine returns an axis aligned affine with the given voxel sizes
// and zero origin.
func DiagonalAffine(spacing []float64) *mat.Dense {
	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		s := 1.0
		if i < len(spacing) {
			s = spacing[i]
		}
		aff.Set(i, i, s)
	}
	aff.Set(3, 3, 1)
	return aff
}

// ITKAffine builds the RAS affine that ITK writes for an image with the given
// LPS direction (row-major, n x n), spacing and origin. Missing dimensions
// of a 2-D image are padded with identity.
func ITKAffine(direction, spacing, origin []float64) *mat.Dense {
	n := len(spacing)
	dir := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			dir.Set(r, c, direction[r*n+c])
		}
	}

	aff := mat.NewDense(4, 4, nil)
	lpsToRAS := [3]float64{-1, -1, 1}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			s := 1.0
			if c < n {
				s = spacing[c]
			}
			aff.Set(r, c, lpsToRAS[r]*dir.At(r, c)*s)
		}
		if r < len(origin) {
			aff.Set(r, 3, lpsToRAS[r]*origin[r])
		}
	}
	aff.Set(3, 3, 1)
	return aff
}

// Write stores img as float32 voxels. A .gz suffix selects gzip compression.
func Write(path string, img *Image) error {
	if len(img.Dims) < 2 || len(img.Dims) > 3 {
		return fmt.Errorf("only 2-D and 3-D images can be written, got %d dims", len(img.Dims))
	}
	if len(img.Data) != img.Len() {
		return fmt.Errorf("image holds %d voxels, dims %v need %d", len(img.Data), img.Dims, img.Len())
	}

	var buf bytes.Buffer
	if err := Encode(&buf, img); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}

	if isGzip(path) {
		gz := gzip.NewWriter(file)
		if _, err := gz.Write(buf.Bytes()); err != nil {
			gz.Close()
			file.Close()
			return fmt.Errorf("failed to compress %s: %w", path, err)
		}
		if err := gz.Close(); err != nil {
			file.Close()
			return fmt.Errorf("failed to compress %s: %w", path, err)
		}
	} else if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

// Encode writes img as an uncompressed little endian NIfTI-1 stream.
// Every dimension must fit the int16 fields of the header.
func Encode(w io.Writer, img *Image) error {
	if len(img.Dims) < 1 || len(img.Dims) > 7 {
		return fmt.Errorf("cannot encode %d dims", len(img.Dims))
	}
	for i, d := range img.Dims {
		if d < 1 || d > math.MaxInt16 {
			return fmt.Errorf("size %d on axis %d is outside [1, %d]", d, i, math.MaxInt16)
		}
	}

	h := &Header{
		SizeofHdr: HeaderSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		QformCode: XformScannerAnat,
		SformCode: XformScannerAnat,
	}
	copy(h.Magic[:], "n+1\x00")

	h.Dim[0] = int16(len(img.Dims))
	for i := 1; i < 8; i++ {
		h.Dim[i] = 1
		h.Pixdim[i] = 1
	}
	for i, d := range img.Dims {
		h.Dim[i+1] = int16(d)
	}
	for i, s := range img.Spacing {
		h.Pixdim[i+1] = float32(s)
	}

	aff := img.Affine
	if aff == nil {
		aff = DiagonalAffine(img.Spacing)
	}
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(aff.At(0, c))
		h.SrowY[c] = float32(aff.At(1, c))
		h.SrowZ[c] = float32(aff.At(2, c))
	}

	b, cq, d, qfac := matrixToQuatern(aff)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(cq), float32(d)
	h.Pixdim[0] = float32(qfac)
	h.QoffsetX = float32(aff.At(0, 3))
	h.QoffsetY = float32(aff.At(1, 3))
	h.QoffsetZ = float32(aff.At(2, 3))

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range img.Data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if len(img.Data) > 0 {
		h.CalMin, h.CalMax = lo, hi
	}

	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// Empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, img.Data); err != nil {
		return fmt.Errorf("failed to write voxels: %w", err)
	}
	return nil
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// quaternToMatrix expands the (b, c, d) quaternion into a rotation matrix;
// a is recovered from the unit norm.
func quaternToMatrix(b, c, d float64) [3][3]float64 {
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Pure 180 degree rotation; renormalize (b, c, d).
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
}

// matrixToQuatern extracts the rotation of the upper 3x3 block of aff as a
// quaternion, following the NIfTI reference algorithm.
func matrixToQuatern(aff *mat.Dense) (b, c, d, qfac float64) {
	var r [3][3]float64
	for col := 0; col < 3; col++ {
		norm := math.Sqrt(aff.At(0, col)*aff.At(0, col) + aff.At(1, col)*aff.At(1, col) + aff.At(2, col)*aff.At(2, col))
		if norm == 0 {
			norm = 1
		}
		for row := 0; row < 3; row++ {
			r[row][col] = aff.At(row, col) / norm
		}
	}

	qfac = 1
	det := mat.Det(mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	}))
	if det < 0 {
		qfac = -1
		for row := 0; row < 3; row++ {
			r[row][2] = -r[row][2]
		}
	}

	var a float64
	trace := r[0][0] + r[1][1] + r[2][2] + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r[2][1] - r[1][2]) / a
		c = 0.25 * (r[0][2] - r[2][0]) / a
		d = 0.25 * (r[1][0] - r[0][1]) / a
	} else {
		xd := 1 + r[0][0] - (r[1][1] + r[2][2])
		yd := 1 + r[1][1] - (r[0][0] + r[2][2])
		zd := 1 + r[2][2] - (r[0][0] + r[1][1])
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r[0][1] + r[1][0]) / b
			d = 0.25 * (r[0][2] + r[2][0]) / b
			a = 0.25 * (r[2][1] - r[1][2]) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r[0][1] + r[1][0]) / c
			d = 0.25 * (r[1][2] + r[2][1]) / c
			a = 0.25 * (r[0][2] - r[2][0]) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r[0][2] + r[2][0]) / d
			c = 0.25 * (r[1][2] + r[2][1]) / d
			a = 0.25 * (r[1][0] - r[0][1]) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac
}
