package imageio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/floats"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
)

// MGH voxel type codes
const (
	mghUChar = 0
	mghInt   = 1
	mghFloat = 3
	mghShort = 4
)

// mghDataOffset is the byte offset of the voxel data
const mghDataOffset = 284

// mghHeader is the fixed big-endian MGH header. Mdc holds the three unit
// direction cosine columns (x_r x_a x_s y_r y_a y_s z_r z_a z_s).
type mghHeader struct {
	Version     int32
	Width       int32
	Height      int32
	Depth       int32
	NFrames     int32
	Type        int32
	DOF         int32
	GoodRASFlag int16
	Spacing     [3]float32
	Mdc         [9]float32
	CRAS        [3]float32
}

// mghHeaderSize is the encoded size of mghHeader
var mghHeaderSize = binary.Size(mghHeader{})

func mghTypeSize(t int32) (int, error) {
	switch t {
	case mghUChar:
		return 1, nil
	case mghShort:
		return 2, nil
	case mghInt, mghFloat:
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported MGH data type %d", t)
}

// affine builds the voxel-to-RAS transform. The center voxel (dims/2)
// maps to c_ras.
func (h *mghHeader) affine() *geometry.Affine {
	spacing := [3]float64{1, 1, 1}
	mdc := [9]float64{-1, 0, 0, 0, 0, -1, 0, 1, 0}
	cras := [3]float64{}
	if h.GoodRASFlag > 0 {
		for i := 0; i < 3; i++ {
			spacing[i] = float64(h.Spacing[i])
			cras[i] = float64(h.CRAS[i])
		}
		for i := range mdc {
			mdc[i] = float64(h.Mdc[i])
		}
	}

	// Mdc is stored column by column; linear is row-major
	var linear [9]float64
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			linear[row*3+col] = mdc[col*3+row] * spacing[col]
		}
	}

	center := [3]float64{float64(h.Width) / 2, float64(h.Height) / 2, float64(h.Depth) / 2}
	var translation [3]float64
	for row := 0; row < 3; row++ {
		translation[row] = cras[row]
		for col := 0; col < 3; col++ {
			translation[row] -= linear[row*3+col] * center[col]
		}
	}
	return geometry.FromLinear(linear, translation)
}

// ReadMGH decodes an uncompressed MGH stream.
func ReadMGH(r io.Reader) (*Image, error) {
	var h mghHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("error reading MGH header: %w", err)
	}
	if h.Width <= 0 || h.Height <= 0 || h.Depth <= 0 || h.NFrames <= 0 {
		return nil, fmt.Errorf("invalid MGH dimensions %dx%dx%dx%d", h.Width, h.Height, h.Depth, h.NFrames)
	}
	size, err := mghTypeSize(h.Type)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, r, int64(mghDataOffset-mghHeaderSize)); err != nil {
		return nil, fmt.Errorf("error skipping MGH header padding: %w", err)
	}

	shape := models.Shape{int(h.Width), int(h.Height), int(h.Depth)}
	n := shape.Len()
	buf := make([]byte, n*size)
	img := &Image{Shape: shape, Frames: make([][]float64, h.NFrames), Affine: h.affine()}

	for f := range img.Frames {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("error reading MGH frame %d: %w", f, err)
		}
		frame := make([]float64, n)
		for i := range frame {
			switch h.Type {
			case mghUChar:
				frame[i] = float64(buf[i])
			case mghShort:
				frame[i] = float64(int16(binary.BigEndian.Uint16(buf[2*i:])))
			case mghInt:
				frame[i] = float64(int32(binary.BigEndian.Uint32(buf[4*i:])))
			case mghFloat:
				frame[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(buf[4*i:])))
			}
		}
		img.Frames[f] = frame
	}

	switch h.Type {
	case mghUChar:
		img.DataType = UInt8
	case mghShort:
		img.DataType = Int16
	case mghInt:
		img.DataType = Int32
	default:
		img.DataType = Float32
	}
	return img, nil
}

// newMGHHeader derives the header fields from an image
func newMGHHeader(img *Image) mghHeader {
	h := mghHeader{
		Version:     1,
		Width:       int32(img.Shape[0]),
		Height:      int32(img.Shape[1]),
		Depth:       int32(img.Shape[2]),
		NFrames:     int32(len(img.Frames)),
		GoodRASFlag: 1,
	}
	switch img.DataType {
	case UInt8:
		h.Type = mghUChar
	case Int16:
		h.Type = mghShort
	case Int32:
		h.Type = mghInt
	default:
		h.Type = mghFloat
	}

	linear := img.Affine.Linear()
	spacing := img.Affine.VoxelSpacing()
	col := make([]float64, 3)
	for c := 0; c < 3; c++ {
		h.Spacing[c] = float32(spacing[c])
		for r := 0; r < 3; r++ {
			col[r] = linear.At(r, c)
		}
		if spacing[c] > 0 {
			floats.Scale(1/spacing[c], col)
		}
		for r := 0; r < 3; r++ {
			h.Mdc[c*3+r] = float32(col[r])
		}
	}

	center := img.Affine.VoxelToWorld(float64(img.Shape[0])/2, float64(img.Shape[1])/2, float64(img.Shape[2])/2)
	for i := 0; i < 3; i++ {
		h.CRAS[i] = float32(center[i])
	}
	return h
}

// WriteMGH encodes an image as an uncompressed MGH stream.
func WriteMGH(w io.Writer, img *Image) error {
	if err := img.validate(); err != nil {
		return err
	}
	h := newMGHHeader(img)
	if err := binary.Write(w, binary.BigEndian, &h); err != nil {
		return fmt.Errorf("error writing MGH header: %w", err)
	}
	if _, err := w.Write(make([]byte, mghDataOffset-mghHeaderSize)); err != nil {
		return fmt.Errorf("error writing MGH header padding: %w", err)
	}

	size, _ := mghTypeSize(h.Type)
	buf := make([]byte, img.Shape.Len()*size)
	for f, frame := range img.Frames {
		for i, v := range frame {
			switch h.Type {
			case mghUChar:
				buf[i] = byte(quantize(v, 0, math.MaxUint8))
			case mghShort:
				binary.BigEndian.PutUint16(buf[2*i:], uint16(int16(quantize(v, math.MinInt16, math.MaxInt16))))
			case mghInt:
				binary.BigEndian.PutUint32(buf[4*i:], uint32(int32(quantize(v, math.MinInt32, math.MaxInt32))))
			default:
				binary.BigEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
			}
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("error writing MGH frame %d: %w", f, err)
		}
	}
	return nil
}
