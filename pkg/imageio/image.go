// Package imageio reads and writes volumes with their voxel-to-world (RAS)
// transform. It supports FreeSurfer MGH/MGZ, NIfTI-1 (.nii, .nii.gz) and,
// for reading only, directories holding a DICOM series.
package imageio

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
)

// DataType is the on-disk voxel type used when writing
type DataType int

const (
	Float32 DataType = iota
	UInt8
	Int16
	Int32
)

func (d DataType) String() string {
	switch d {
	case UInt8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	default:
		return "float32"
	}
}

// Image is a (possibly multi-frame) volume with its transform
type Image struct {
	Shape models.Shape

	// Frames holds one buffer per frame in linear voxel order
	Frames [][]float64

	// Affine maps voxel coordinates to RAS world coordinates
	Affine *geometry.Affine

	// DataType selects the voxel type when the image is written
	DataType DataType
}

// NewImage wraps a single volume. The volume data is shared, not copied.
func NewImage(v *models.Volume, affine *geometry.Affine, dt DataType) *Image {
	return &Image{Shape: v.Shape, Frames: [][]float64{v.Data}, Affine: affine, DataType: dt}
}

// Volume returns frame f as a Volume sharing the image data.
func (img *Image) Volume(f int) *models.Volume {
	return &models.Volume{Shape: img.Shape, Data: img.Frames[f]}
}

func (img *Image) validate() error {
	if len(img.Frames) == 0 {
		return fmt.Errorf("image has no frames")
	}
	for f, frame := range img.Frames {
		if len(frame) != img.Shape.Len() {
			return fmt.Errorf("frame %d has %d voxels, shape %v needs %d", f, len(frame), img.Shape, img.Shape.Len())
		}
	}
	if img.Affine == nil {
		return fmt.Errorf("image has no affine")
	}
	return nil
}

// Format identifies a volume file format
type Format int

const (
	FormatUnknown Format = iota
	FormatMGH
	FormatNIfTI
	FormatDICOM
)

// DetectFormat infers the format from a path. Directories are DICOM series.
func DetectFormat(path string) Format {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatDICOM
	}
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".mgh"), strings.HasSuffix(lower, ".mgz"), strings.HasSuffix(lower, ".mgh.gz"):
		return FormatMGH
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		return FormatNIfTI
	}
	return FormatUnknown
}

// StripExtension removes a known volume extension, including double
// extensions such as ".nii.gz".
func StripExtension(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range []string{".nii.gz", ".mgh.gz", ".nii", ".mgz", ".mgh"} {
		if strings.HasSuffix(lower, ext) {
			return path[:len(path)-len(ext)]
		}
	}
	return path
}

func isCompressed(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".mgz")
}

// Engine reads and writes volumes, dispatching on the path
type Engine struct{}

// NewEngine creates an image I/O engine.
func NewEngine() *Engine {
	return &Engine{}
}

// ReadVolume reads a volume file or DICOM directory.
func (e *Engine) ReadVolume(path string) (*Image, error) {
	format := DetectFormat(path)
	log.WithFields(log.Fields{"path": path, "format": format}).Debug("Reading volume")

	switch format {
	case FormatDICOM:
		return ReadDICOMSeries(path)
	case FormatMGH, FormatNIfTI:
	default:
		return nil, fmt.Errorf("unsupported volume format: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if isCompressed(path) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error opening compressed volume %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	if format == FormatMGH {
		return ReadMGH(r)
	}
	return ReadNIfTI(r)
}

// WriteVolume writes an image, choosing the format from the extension.
func (e *Engine) WriteVolume(path string, img *Image) (err error) {
	if err := img.validate(); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	format := DetectFormat(path)
	if format != FormatMGH && format != FormatNIfTI {
		return fmt.Errorf("unsupported output format: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	var gz *gzip.Writer
	if isCompressed(path) {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if format == FormatMGH {
		err = WriteMGH(w, img)
	} else {
		err = WriteNIfTI(w, img)
	}
	if err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("error compressing %s: %w", path, err)
		}
	}

	log.WithFields(log.Fields{
		"path":     path,
		"shape":    img.Shape,
		"frames":   len(img.Frames),
		"dataType": img.DataType,
	}).Debug("Wrote volume")
	return nil
}

// quantize converts a value for an integer voxel type
func quantize(v float64, lo, hi float64) float64 {
	if v != v {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	if v < 0 {
		return -float64(int64(-v + 0.5))
	}
	return float64(int64(v + 0.5))
}
