package models

import "fmt"

// Shape is the spatial extent of a volume in voxels along x, y and z.
type Shape [3]int

// Len returns the number of voxels covered by the shape.
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Index returns the linear index of voxel (x, y, z). Volumes are stored
// with x varying fastest, then y, then z.
func (s Shape) Index(x, y, z int) int {
	return z*s[0]*s[1] + y*s[0] + x
}

// Coords is the inverse of Index.
func (s Shape) Coords(idx int) (x, y, z int) {
	plane := s[0] * s[1]
	z = idx / plane
	rem := idx - z*plane
	y = rem / s[0]
	x = rem - y*s[0]
	return x, y, z
}

// Volume is a single-channel scalar volume
type Volume struct {
	// Shape is the extent of the volume in voxels
	Shape Shape

	// Data holds the voxel values in linear order (see Shape.Index)
	Data []float64
}

// NewVolume allocates a zero-filled volume.
func NewVolume(shape Shape) *Volume {
	return &Volume{Shape: shape, Data: make([]float64, shape.Len())}
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Shape.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Shape.Index(x, y, z)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{Shape: v.Shape, Data: data}
}

// ImageVolume holds one channel per contrast over a shared spatial grid.
type ImageVolume struct {
	Shape Shape

	// Channels is indexed by contrast, each channel in linear voxel order
	Channels [][]float64
}

// NewImageVolume allocates a zero-filled multi-contrast volume.
func NewImageVolume(shape Shape, numContrasts int) *ImageVolume {
	channels := make([][]float64, numContrasts)
	for c := range channels {
		channels[c] = make([]float64, shape.Len())
	}
	return &ImageVolume{Shape: shape, Channels: channels}
}

// ImageVolumeFromVolumes stacks single-channel volumes into one image volume.
// All volumes must share a shape; their data is not copied.
func ImageVolumeFromVolumes(volumes []*Volume) (*ImageVolume, error) {
	if len(volumes) == 0 {
		return nil, fmt.Errorf("no volumes to stack")
	}
	img := &ImageVolume{Shape: volumes[0].Shape, Channels: make([][]float64, len(volumes))}
	for c, v := range volumes {
		if v.Shape != img.Shape {
			return nil, fmt.Errorf("contrast %d has shape %v, expected %v", c, v.Shape, img.Shape)
		}
		img.Channels[c] = v.Data
	}
	return img, nil
}

// NumContrasts returns the length of the contrast axis.
func (img *ImageVolume) NumContrasts() int {
	return len(img.Channels)
}

// Channel returns contrast c as a Volume sharing the underlying data.
func (img *ImageVolume) Channel(c int) *Volume {
	return &Volume{Shape: img.Shape, Data: img.Channels[c]}
}

// Clone returns a deep copy of the image volume.
func (img *ImageVolume) Clone() *ImageVolume {
	out := NewImageVolume(img.Shape, img.NumContrasts())
	for c := range img.Channels {
		copy(out.Channels[c], img.Channels[c])
	}
	return out
}

// Mask is a boolean volume selecting the voxels that take part in the analysis.
type Mask struct {
	Shape Shape
	Data  []bool
}

// NewMask allocates an all-false mask.
func NewMask(shape Shape) *Mask {
	return &Mask{Shape: shape, Data: make([]bool, shape.Len())}
}

// Count returns the number of true voxels.
func (m *Mask) Count() int {
	n := 0
	for _, on := range m.Data {
		if on {
			n++
		}
	}
	return n
}

// Indices returns the linear indices of the true voxels in increasing order.
// Posterior rows are aligned with this order.
func (m *Mask) Indices() []int {
	indices := make([]int, 0, m.Count())
	for i, on := range m.Data {
		if on {
			indices = append(indices, i)
		}
	}
	return indices
}

// LabelVolume holds external label codes over a spatial grid.
type LabelVolume struct {
	Shape Shape
	Data  []int32
}

// NewLabelVolume allocates a label volume filled with code 0.
func NewLabelVolume(shape Shape) *LabelVolume {
	return &LabelVolume{Shape: shape, Data: make([]int32, shape.Len())}
}

// ToVolume converts the label codes to a scalar volume for writing.
func (l *LabelVolume) ToVolume() *Volume {
	v := NewVolume(l.Shape)
	for i, code := range l.Data {
		v.Data[i] = float64(code)
	}
	return v
}
