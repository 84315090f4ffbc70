package geometry

import (
	"fmt"
	"math"

	"brainseg/internal/models"
)

// Cropping is a box of voxels inside an un-cropped volume. Ranges are
// half-open: axis i covers [Start[i], Stop[i]).
type Cropping struct {
	Start [3]int
	Stop  [3]int
}

// FullCropping returns the cropping that covers the whole shape.
func FullCropping(shape models.Shape) Cropping {
	return Cropping{Stop: [3]int(shape)}
}

// Shape returns the extent of the cropped region.
func (c Cropping) Shape() models.Shape {
	return models.Shape{c.Stop[0] - c.Start[0], c.Stop[1] - c.Start[1], c.Stop[2] - c.Start[2]}
}

// Validate checks that the region is non-empty and lies inside full.
func (c Cropping) Validate(full models.Shape) error {
	for i := 0; i < 3; i++ {
		if c.Start[i] < 0 || c.Stop[i] > full[i] || c.Start[i] >= c.Stop[i] {
			return fmt.Errorf("cropping axis %d range [%d, %d) invalid for extent %d",
				i, c.Start[i], c.Stop[i], full[i])
		}
	}
	return nil
}

// Crop extracts the region from an un-cropped volume.
func (c Cropping) Crop(v *models.Volume) (*models.Volume, error) {
	if err := c.Validate(v.Shape); err != nil {
		return nil, err
	}
	out := models.NewVolume(c.Shape())
	shape := out.Shape
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			src := v.Shape.Index(c.Start[0], y+c.Start[1], z+c.Start[2])
			dst := shape.Index(0, y, z)
			copy(out.Data[dst:dst+shape[0]], v.Data[src:src+shape[0]])
		}
	}
	return out, nil
}

// Embed places a cropped volume back into an un-cropped extent, filling
// every voxel outside the region with zero.
func (c Cropping) Embed(v *models.Volume, full models.Shape) (*models.Volume, error) {
	if err := c.Validate(full); err != nil {
		return nil, err
	}
	if v.Shape != c.Shape() {
		return nil, fmt.Errorf("volume shape %v does not match cropping shape %v", v.Shape, c.Shape())
	}
	out := models.NewVolume(full)
	shape := v.Shape
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			src := shape.Index(0, y, z)
			dst := full.Index(c.Start[0], y+c.Start[1], z+c.Start[2])
			copy(out.Data[dst:dst+shape[0]], v.Data[src:src+shape[0]])
		}
	}
	return out, nil
}

// CroppingFromTemplate returns the bounding box, in image voxels, of a
// template volume's extent. Each template corner is mapped through
// image^-1 · template into image voxel space and the box is clamped to the
// image.
func CroppingFromTemplate(image *Affine, imageShape models.Shape, template *Affine, templateShape models.Shape) (Cropping, error) {
	toImage, err := image.Inverse()
	if err != nil {
		return Cropping{}, err
	}
	templateToImage := toImage.Compose(template)

	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for corner := 0; corner < 8; corner++ {
		var p [3]float64
		for i := 0; i < 3; i++ {
			if corner&(1<<i) != 0 {
				p[i] = float64(templateShape[i] - 1)
			}
		}
		q := templateToImage.VoxelToWorld(p[0], p[1], p[2])
		for i := 0; i < 3; i++ {
			lo[i] = math.Min(lo[i], q[i])
			hi[i] = math.Max(hi[i], q[i])
		}
	}

	var c Cropping
	for i := 0; i < 3; i++ {
		c.Start[i] = max(0, int(math.Floor(lo[i]+1e-6)))
		c.Stop[i] = min(imageShape[i], int(math.Ceil(hi[i]-1e-6))+1)
	}
	if err := c.Validate(imageShape); err != nil {
		return Cropping{}, fmt.Errorf("template does not overlap image: %w", err)
	}
	return c, nil
}

// Geometry is the reference image geometry of an analysis: its un-cropped
// extent and transform, plus the cropping region the analysis runs in.
type Geometry struct {
	Affine    *Affine
	FullShape models.Shape
	Cropping  Cropping
}

// NewGeometry validates and assembles a Geometry.
func NewGeometry(affine *Affine, full models.Shape, cropping Cropping) (*Geometry, error) {
	if err := cropping.Validate(full); err != nil {
		return nil, err
	}
	return &Geometry{Affine: affine, FullShape: full, Cropping: cropping}, nil
}

// VoxelSpacing returns the voxel spacing of the reference image.
func (g *Geometry) VoxelSpacing() [3]float64 {
	return g.Affine.VoxelSpacing()
}

// VoxelVolume returns the world volume of one voxel.
func (g *Geometry) VoxelVolume() float64 {
	return g.Affine.VoxelVolume()
}

// CroppedAffine returns the voxel-to-world transform of the cropped grid.
func (g *Geometry) CroppedAffine() *Affine {
	return g.Affine.Translate(g.Cropping.Start)
}

// CroppedVoxelToWorld maps a voxel of the cropped grid to world coordinates.
func (g *Geometry) CroppedVoxelToWorld(x, y, z float64) [3]float64 {
	s := g.Cropping.Start
	return g.Affine.VoxelToWorld(x+float64(s[0]), y+float64(s[1]), z+float64(s[2]))
}

// Uncrop embeds a cropped volume into the full reference extent.
func (g *Geometry) Uncrop(v *models.Volume) (*models.Volume, error) {
	return g.Cropping.Embed(v, g.FullShape)
}
