// Package visualization renders slices of brainseg volumes as images, for
// inspecting intermediate masking results and final label maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"brainseg/internal/models"
)

// Viewer extracts grayscale slices from a scalar volume
type Viewer struct {
	// volume is the data being viewed
	volume *models.Volume

	// maxValue maps to white; values at or below 0 map to black
	maxValue float64
}

// NewViewer creates a viewer that scales the volume by its maximum
func NewViewer(volume *models.Volume) *Viewer {
	maxValue := 0.0
	if len(volume.Data) > 0 {
		maxValue = floats.Max(volume.Data)
	}
	return &Viewer{volume: volume, maxValue: maxValue}
}

// NewViewerWithRange creates a viewer that maps maxValue to white
func NewViewerWithRange(volume *models.Volume, maxValue float64) *Viewer {
	return &Viewer{volume: volume, maxValue: maxValue}
}

// gray converts a voxel value to a 16-bit gray level
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.maxValue <= 0 || math.IsNaN(value) {
		return color.Gray16{}
	}
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value/v.maxValue*65535)))}
}

// slicePlane returns the in-plane size of a slice along axis and a function
// mapping in-plane pixel (u, w) to voxel coordinates
func slicePlane(shape models.Shape, axis string, position int) (int, int, func(u, w int) (int, int, int), error) {
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}
	width, height, depth := shape[0], shape[1], shape[2]

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= width {
			return 0, 0, nil, fmt.Errorf("position %d exceeds width %d", position, width)
		}
		return depth, height, func(u, w int) (int, int, int) { return position, w, u }, nil
	case "y", "Y":
		// XZ plane
		if position >= height {
			return 0, 0, nil, fmt.Errorf("position %d exceeds height %d", position, height)
		}
		return width, depth, func(u, w int) (int, int, int) { return u, position, w }, nil
	case "z", "Z":
		// XY plane
		if position >= depth {
			return 0, 0, nil, fmt.Errorf("position %d exceeds depth %d", position, depth)
		}
		return width, height, func(u, w int) (int, int, int) { return u, w, position }, nil
	default:
		return 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	w, h, voxel, err := slicePlane(v.volume.Shape, axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, v.gray(v.volume.At(voxel(x, y))))
		}
	}
	return img, nil
}

// ExtractRegion extracts a 3D subregion from the volume
func (v *Viewer) ExtractRegion(start, size [3]int) (*models.Volume, error) {
	for i := 0; i < 3; i++ {
		if start[i] < 0 {
			return nil, fmt.Errorf("start coordinates must be non-negative")
		}
		if size[i] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
		if start[i]+size[i] > v.volume.Shape[i] {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}

	region := models.NewVolume(models.Shape(size))
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				region.Set(x, y, z, v.volume.At(start[0]+x, start[1]+y, start[2]+z))
			}
		}
	}
	return region, nil
}

// Upscale enlarges an image by an integer factor with bilinear interpolation
func Upscale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// SaveSlice saves an extracted slice as a PNG image
func SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LabelSlice colors a slice of a label volume with the structure colors of
// table. Codes missing from the table are drawn black.
func LabelSlice(labels *models.LabelVolume, table models.LabelTable, axis string, position int) (image.Image, error) {
	w, h, voxel, err := slicePlane(labels.Shape, axis, position)
	if err != nil {
		return nil, err
	}

	colors := make(map[int]color.RGBA, len(table))
	for _, s := range table {
		r, g, b := s.Color.Clamped().RGB255()
		colors[s.Code] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	background := color.RGBA{A: 255}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c, ok := colors[int(labels.Data[labels.Shape.Index(voxel(x, y))])]
			if !ok {
				c = background
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// SnapshotVisualizer writes the middle axial slice of every volume it is
// shown as a PNG in Dir
type SnapshotVisualizer struct {
	// Dir receives the snapshots
	Dir string

	// Scale is the integer upscaling factor of the written images
	Scale int
}

// NewSnapshotVisualizer creates a visualizer writing to dir
func NewSnapshotVisualizer(dir string, scale int) *SnapshotVisualizer {
	return &SnapshotVisualizer{Dir: dir, Scale: scale}
}

// SnapshotName turns a trace title into a file name stem
func SnapshotName(title string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "_")
}

// Show writes "<title>.png" for the probabilities and "<title>_image.png"
// for the first contrast of images. Failures are logged, not returned.
func (s *SnapshotVisualizer) Show(title string, probabilities *models.Volume, images *models.ImageVolume) {
	stem := filepath.Join(s.Dir, SnapshotName(title))
	if probabilities != nil {
		s.save(stem+".png", probabilities)
	}
	if images != nil && images.NumContrasts() > 0 {
		s.save(stem+"_image.png", images.Channel(0))
	}
}

func (s *SnapshotVisualizer) save(path string, volume *models.Volume) {
	img, err := NewViewer(volume).ExtractSlice("z", volume.Shape[2]/2)
	if err == nil {
		err = SaveSlice(Upscale(img, s.Scale), path)
	}
	if err != nil {
		log.WithFields(log.Fields{"path": path}).Warnf("Could not write snapshot: %v", err)
		return
	}
	log.WithFields(log.Fields{"path": path}).Debug("Snapshot written")
}
