package imageio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
)

// NIfTI-1 datatype codes
const (
	niftiUInt8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUInt16  = 512
	niftiUInt32  = 768
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352

	// millimetres and seconds
	niftiUnits = 2 | 8
)

// niftiHeader is the NIfTI-1 single file header
type niftiHeader struct {
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

func niftiTypeSize(datatype int16) (int, error) {
	switch datatype {
	case niftiUInt8, niftiInt8:
		return 1, nil
	case niftiInt16, niftiUInt16:
		return 2, nil
	case niftiInt32, niftiUInt32, niftiFloat32:
		return 4, nil
	case niftiFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
}

// affine returns the voxel-to-world transform, preferring the sform, then
// the qform, then plain voxel scaling.
func (h *niftiHeader) affine() *geometry.Affine {
	if h.SformCode > 0 {
		var linear [9]float64
		var translation [3]float64
		for r, row := range [3][4]float32{h.SrowX, h.SrowY, h.SrowZ} {
			for c := 0; c < 3; c++ {
				linear[r*3+c] = float64(row[c])
			}
			translation[r] = float64(row[3])
		}
		return geometry.FromLinear(linear, translation)
	}

	if h.QformCode > 0 {
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// b, c, d describe a 180 degree rotation
			norm := math.Sqrt(b*b + c*c + d*d)
			b, c, d = b/norm, c/norm, d/norm
			a = 0
		} else {
			a = math.Sqrt(a)
		}

		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), qfac*float64(h.Pixdim[3])

		linear := [9]float64{
			(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz,
			2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz,
			2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz,
		}
		return geometry.FromLinear(linear, [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)})
	}

	var linear [9]float64
	for i := 0; i < 3; i++ {
		s := float64(h.Pixdim[i+1])
		if s == 0 {
			s = 1
		}
		linear[i*4] = s
	}
	return geometry.FromLinear(linear, [3]float64{})
}

// ReadNIfTI decodes an uncompressed single-file NIfTI-1 stream. Either byte
// order is accepted.
func ReadNIfTI(r io.Reader) (*Image, error) {
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("error reading NIfTI header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if size := int32(order.Uint32(raw)); size != niftiHeaderSize {
		order = binary.BigEndian
		if size := int32(order.Uint32(raw)); size != niftiHeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 header (sizeof_hdr %d)", size)
		}
	}

	var h niftiHeader
	if _, err := binary.Decode(raw, order, &h); err != nil {
		return nil, fmt.Errorf("error decoding NIfTI header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("unsupported NIfTI magic %q, only single-file images are read", h.Magic[:3])
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid NIfTI dimension count %d", ndim)
	}
	dims := [4]int{1, 1, 1, 1}
	for i := 0; i < min(ndim, 4); i++ {
		dims[i] = int(h.Dim[i+1])
		if dims[i] <= 0 {
			return nil, fmt.Errorf("invalid NIfTI extent %d along axis %d", dims[i], i)
		}
	}
	for i := 4; i < ndim; i++ {
		if h.Dim[i+1] > 1 {
			return nil, fmt.Errorf("NIfTI images with more than 4 dimensions are not supported")
		}
	}

	size, err := niftiTypeSize(h.Datatype)
	if err != nil {
		return nil, err
	}
	offset := int64(h.VoxOffset)
	if offset < niftiHeaderSize {
		offset = niftiVoxOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-niftiHeaderSize); err != nil {
		return nil, fmt.Errorf("error skipping NIfTI extensions: %w", err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scaled := slope != 0 && !(slope == 1 && inter == 0)

	shape := models.Shape{dims[0], dims[1], dims[2]}
	n := shape.Len()
	buf := make([]byte, n*size)
	img := &Image{Shape: shape, Frames: make([][]float64, dims[3]), Affine: h.affine()}

	br := bufio.NewReader(r)
	for f := range img.Frames {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("error reading NIfTI volume %d: %w", f, err)
		}
		frame := make([]float64, n)
		for i := range frame {
			var v float64
			switch h.Datatype {
			case niftiUInt8:
				v = float64(buf[i])
			case niftiInt8:
				v = float64(int8(buf[i]))
			case niftiInt16:
				v = float64(int16(order.Uint16(buf[2*i:])))
			case niftiUInt16:
				v = float64(order.Uint16(buf[2*i:]))
			case niftiInt32:
				v = float64(int32(order.Uint32(buf[4*i:])))
			case niftiUInt32:
				v = float64(order.Uint32(buf[4*i:]))
			case niftiFloat32:
				v = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
			case niftiFloat64:
				v = math.Float64frombits(order.Uint64(buf[8*i:]))
			}
			if scaled {
				v = v*slope + inter
			}
			frame[i] = v
		}
		img.Frames[f] = frame
	}

	switch {
	case scaled:
		img.DataType = Float32
	case h.Datatype == niftiUInt8:
		img.DataType = UInt8
	case h.Datatype == niftiInt16:
		img.DataType = Int16
	case h.Datatype == niftiInt32:
		img.DataType = Int32
	default:
		img.DataType = Float32
	}
	return img, nil
}

// newNIfTIHeader derives a header from an image. The transform is stored
// in the sform with scanner code 1.
func newNIfTIHeader(img *Image) niftiHeader {
	h := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: niftiUnits,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}

	h.Dim[0] = 3
	if len(img.Frames) > 1 {
		h.Dim[0] = 4
	}
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(img.Shape[i])
	}
	h.Dim[4] = int16(len(img.Frames))
	for i := 5; i < 8; i++ {
		h.Dim[i] = 1
	}

	switch img.DataType {
	case UInt8:
		h.Datatype, h.Bitpix = niftiUInt8, 8
	case Int16:
		h.Datatype, h.Bitpix = niftiInt16, 16
	case Int32:
		h.Datatype, h.Bitpix = niftiInt32, 32
	default:
		h.Datatype, h.Bitpix = niftiFloat32, 32
	}

	spacing := img.Affine.VoxelSpacing()
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(spacing[i])
	}
	h.Pixdim[4] = 1

	m := img.Affine.Matrix()
	rows := [3]*[4]float32{&h.SrowX, &h.SrowY, &h.SrowZ}
	for r, row := range rows {
		for c := 0; c < 4; c++ {
			row[c] = float32(m.At(r, c))
		}
	}
	copy(h.Descrip[:], "brainseg")
	return h
}

// WriteNIfTI encodes an image as an uncompressed single-file NIfTI-1 stream
// in little-endian byte order.
func WriteNIfTI(w io.Writer, img *Image) error {
	if err := img.validate(); err != nil {
		return err
	}
	for i, extent := range img.Shape {
		if extent > math.MaxInt16 {
			return fmt.Errorf("extent %d along axis %d exceeds NIfTI-1 limit", extent, i)
		}
	}

	h := newNIfTIHeader(img)
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("error writing NIfTI header: %w", err)
	}
	// empty extension block
	if _, err := bw.Write(make([]byte, niftiVoxOffset-niftiHeaderSize)); err != nil {
		return err
	}

	size, _ := niftiTypeSize(h.Datatype)
	buf := make([]byte, img.Shape.Len()*size)
	for f, frame := range img.Frames {
		for i, v := range frame {
			switch h.Datatype {
			case niftiUInt8:
				buf[i] = byte(quantize(v, 0, math.MaxUint8))
			case niftiInt16:
				binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(quantize(v, math.MinInt16, math.MaxInt16))))
			case niftiInt32:
				binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(quantize(v, math.MinInt32, math.MaxInt32))))
			default:
				binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
			}
		}
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("error writing NIfTI volume %d: %w", f, err)
		}
	}
	return bw.Flush()
}
