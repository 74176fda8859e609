// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderSize is sizeof_hdr for NIfTI-1.
const HeaderSize = 348

// voxOffset is where voxel data starts in a single file image: the header
// plus the four byte extension flag.
const voxOffset = 352

// NIfTI-1 datatype codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

// Transform codes for qform_code / sform_code.
const (
	XformUnknown     int16 = 0
	XformScannerAnat int16 = 1
	XformAlignedAnat int16 = 2
)

// unitsMM is xyzt_units for millimetres and seconds.
const unitsMM = 2 | 8

// Header mirrors the 348 byte NIfTI-1 header field by field.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// decodeHeader parses the header and reports the byte order it was written in.
func decodeHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < HeaderSize {
		return nil, nil, fmt.Errorf("file too short for a NIfTI header: %d bytes", len(raw))
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:4]) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is not %d", HeaderSize)
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), order, h); err != nil {
		return nil, nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, nil, fmt.Errorf("unsupported NIfTI magic %q (only single file n+1 images)", string(h.Magic[:3]))
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("invalid dimension count %d", h.Dim[0])
	}
	return h, order, nil
}

// bytesPerVoxel returns the storage size of a datatype.
func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64, DTInt64, DTUint64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
}

// decodeVoxels converts n raw voxels into float32, applying the intensity
// scaling when scl_slope is set.
func decodeVoxels(raw []byte, n int, datatype int16, order binary.ByteOrder, slope, inter float32) ([]float32, error) {
	size, err := bytesPerVoxel(datatype)
	if err != nil {
		return nil, err
	}
	if len(raw) < n*size {
		return nil, fmt.Errorf("truncated voxel data: have %d bytes, need %d", len(raw), n*size)
	}

	out := make([]float32, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch datatype {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		case DTInt64:
			v = float64(int64(order.Uint64(b)))
		case DTUint64:
			v = float64(order.Uint64(b))
		}
		out[i] = float32(v)
	}

	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range out {
			out[i] = out[i]*slope + inter
		}
	}
	return out, nil
}
