// Package atlas provides a probabilistic atlas whose class priors live on
// the nodes of a regular lattice placed in image space by an affine
// transform.
package atlas

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
	"brainseg/pkg/imageio"
)

// PriorScale is the value a prior of probability 1 rasterizes to.
const PriorScale = 65535

// hullTolerance lets voxels that sit on the lattice boundary up to rounding
// error still count as covered.
const hullTolerance = 1e-6

// GridMesh is an atlas mesh with nodes on a regular lattice. Every node
// carries one alpha (prior probability) per class; priors between nodes are
// interpolated trilinearly. Outside the lattice hull the mesh has no support
// and rasterizes to 0.
type GridMesh struct {
	dims   models.Shape
	alphas *mat.Dense

	// imageToNode maps image voxel coordinates to lattice coordinates
	imageToNode *geometry.Affine
}

// NewGridMesh creates a mesh with dims nodes per axis. alphas has one row per
// node, in the same linear order as volumes, and one column per class.
// nodeToImage places node (i, j, k) at image voxel nodeToImage·(i, j, k).
func NewGridMesh(dims models.Shape, alphas *mat.Dense, nodeToImage *geometry.Affine) (*GridMesh, error) {
	rows, _ := alphas.Dims()
	if rows != dims.Len() {
		return nil, fmt.Errorf("alpha table has %d rows, mesh has %d nodes", rows, dims.Len())
	}
	imageToNode, err := nodeToImage.Inverse()
	if err != nil {
		return nil, fmt.Errorf("mesh placement: %w", err)
	}
	return &GridMesh{dims: dims, alphas: mat.DenseCopyOf(alphas), imageToNode: imageToNode}, nil
}

// NumberOfNodes returns the number of lattice nodes.
func (m *GridMesh) NumberOfNodes() int {
	return m.dims.Len()
}

// NumberOfClasses returns the number of classes in the mesh's own alpha table.
func (m *GridMesh) NumberOfClasses() int {
	_, c := m.alphas.Dims()
	return c
}

// Alphas returns a copy of the mesh's alpha table.
func (m *GridMesh) Alphas() *mat.Dense {
	return mat.DenseCopyOf(m.alphas)
}

// Rasterize computes the prior of classNumber at every voxel of an image
// grid of the given shape, scaled to [0, PriorScale]. If alphas is non-nil it
// is used in place of the mesh's own table; the mesh itself is not modified.
func (m *GridMesh) Rasterize(shape models.Shape, classNumber int, alphas *mat.Dense) ([]uint16, error) {
	if alphas == nil {
		alphas = m.alphas
	}
	rows, classes := alphas.Dims()
	if rows != m.NumberOfNodes() {
		return nil, fmt.Errorf("alpha table has %d rows, mesh has %d nodes", rows, m.NumberOfNodes())
	}
	if classNumber < 0 || classNumber >= classes {
		return nil, fmt.Errorf("class %d out of range [0, %d)", classNumber, classes)
	}

	column := mat.Col(nil, classNumber, alphas)
	out := make([]uint16, shape.Len())
	covered := 0
	for z := 0; z < shape[2]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				p := m.imageToNode.VoxelToWorld(float64(x), float64(y), float64(z))
				value, ok := m.interpolate(column, p)
				if !ok {
					continue
				}
				covered++
				out[shape.Index(x, y, z)] = toPriorScale(value)
			}
		}
	}

	log.WithFields(log.Fields{
		"class":   classNumber,
		"voxels":  shape.Len(),
		"covered": covered,
	}).Debug("Rasterized mesh")
	return out, nil
}

// interpolate returns the trilinear interpolation of node values at lattice
// coordinate p, and false when p lies outside the lattice hull.
func (m *GridMesh) interpolate(values []float64, p [3]float64) (float64, bool) {
	var lo, hi [3]int
	var frac [3]float64
	for i := 0; i < 3; i++ {
		limit := float64(m.dims[i] - 1)
		if p[i] < -hullTolerance || p[i] > limit+hullTolerance {
			return 0, false
		}
		c := math.Min(math.Max(p[i], 0), limit)
		lo[i] = int(math.Floor(c))
		if lo[i] >= m.dims[i]-1 {
			lo[i] = max(m.dims[i]-2, 0)
		}
		hi[i] = min(lo[i]+1, m.dims[i]-1)
		frac[i] = c - float64(lo[i])
	}

	sum := 0.0
	for corner := 0; corner < 8; corner++ {
		w := 1.0
		var idx [3]int
		for i := 0; i < 3; i++ {
			if corner&(1<<i) != 0 {
				idx[i] = hi[i]
				w *= frac[i]
			} else {
				idx[i] = lo[i]
				w *= 1 - frac[i]
			}
		}
		if w == 0 {
			continue
		}
		sum += w * values[m.dims.Index(idx[0], idx[1], idx[2])]
	}
	return sum, true
}

func toPriorScale(p float64) uint16 {
	v := math.Round(p * PriorScale)
	if v <= 0 {
		return 0
	}
	if v >= PriorScale {
		return PriorScale
	}
	return uint16(v)
}

// LoadGridMesh reads an atlas stored as a 4-D prior volume (one frame per
// class, probabilities in [0, 1]) and places it on an image grid.
// imageAffine is the voxel-to-world transform of that grid; registration is
// an optional atlas-world to image-world transform (nil for identity).
func LoadGridMesh(engine *imageio.Engine, path string, imageAffine, registration *geometry.Affine) (*GridMesh, error) {
	img, err := engine.ReadVolume(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read atlas %s: %w", path, err)
	}
	if len(img.Frames) < 2 {
		return nil, fmt.Errorf("atlas %s has %d classes, need at least background and one structure", path, len(img.Frames))
	}

	nodes := img.Shape.Len()
	alphas := mat.NewDense(nodes, len(img.Frames), nil)
	for class, frame := range img.Frames {
		for node, value := range frame {
			alphas.Set(node, class, value)
		}
	}

	atlasAffine := img.Affine
	if registration != nil {
		atlasAffine = registration.Compose(atlasAffine)
	}
	worldToImage, err := imageAffine.Inverse()
	if err != nil {
		return nil, fmt.Errorf("image affine: %w", err)
	}

	log.WithFields(log.Fields{
		"path":    path,
		"nodes":   nodes,
		"classes": len(img.Frames),
	}).Info("Loaded atlas mesh")
	return NewGridMesh(img.Shape, alphas, worldToImage.Compose(atlasAffine))
}
