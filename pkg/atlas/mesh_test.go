package atlas

import (
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
	"brainseg/pkg/imageio"
)

// twoClassAlphas gives node i a structure prior of values[i]
func twoClassAlphas(values []float64) *mat.Dense {
	alphas := mat.NewDense(len(values), 2, nil)
	for i, v := range values {
		alphas.Set(i, 0, 1-v)
		alphas.Set(i, 1, v)
	}
	return alphas
}

func TestRasterizeIdentityPlacement(t *testing.T) {
	dims := models.Shape{3, 2, 2}
	values := make([]float64, dims.Len())
	for i := range values {
		values[i] = float64(i) / float64(len(values)-1)
	}
	mesh, err := NewGridMesh(dims, twoClassAlphas(values), geometry.Identity())
	if err != nil {
		t.Fatalf("NewGridMesh failed: %v", err)
	}
	if mesh.NumberOfNodes() != 12 || mesh.NumberOfClasses() != 2 {
		t.Fatalf("Unexpected mesh size %d nodes, %d classes", mesh.NumberOfNodes(), mesh.NumberOfClasses())
	}

	priors, err := mesh.Rasterize(dims, 1, nil)
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	for i, v := range values {
		if want := toPriorScale(v); priors[i] != want {
			t.Errorf("Node %d: expected %d, got %d", i, want, priors[i])
		}
	}
}

func TestRasterizeOutsideHullIsZero(t *testing.T) {
	dims := models.Shape{2, 2, 2}
	values := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	mesh, err := NewGridMesh(dims, twoClassAlphas(values), geometry.Identity())
	if err != nil {
		t.Fatalf("NewGridMesh failed: %v", err)
	}

	shape := models.Shape{3, 3, 3}
	priors, err := mesh.Rasterize(shape, 1, nil)
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	for z := 0; z < 3; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 3; x++ {
				got := priors[shape.Index(x, y, z)]
				inside := x < 2 && y < 2 && z < 2
				if inside && got != PriorScale {
					t.Errorf("Voxel (%d,%d,%d) inside hull: expected %d, got %d", x, y, z, PriorScale, got)
				}
				if !inside && got != 0 {
					t.Errorf("Voxel (%d,%d,%d) outside hull: expected 0, got %d", x, y, z, got)
				}
			}
		}
	}
}

func TestRasterizeAlphaOverride(t *testing.T) {
	dims := models.Shape{2, 2, 2}
	values := []float64{0, 0.2, 0.4, 0.6, 0.1, 0.3, 0.5, 0.7}
	mesh, err := NewGridMesh(dims, twoClassAlphas(values), geometry.Identity())
	if err != nil {
		t.Fatalf("NewGridMesh failed: %v", err)
	}

	// Every node fully class 1 gives full coverage of the hull
	override := mat.NewDense(mesh.NumberOfNodes(), 2, nil)
	for i := 0; i < mesh.NumberOfNodes(); i++ {
		override.Set(i, 1, 1)
	}
	priors, err := mesh.Rasterize(dims, 1, override)
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	for i, p := range priors {
		if p != PriorScale {
			t.Errorf("Voxel %d: expected %d, got %d", i, PriorScale, p)
		}
	}

	// The mesh's own table is untouched
	own := mesh.Alphas()
	for i, v := range values {
		if own.At(i, 1) != v {
			t.Fatalf("Mesh alphas modified at node %d", i)
		}
	}
}

func TestRasterizeInterpolatesBetweenNodes(t *testing.T) {
	dims := models.Shape{2, 1, 1}
	alphas := twoClassAlphas([]float64{0, 1})

	// Nodes two voxels apart along x
	nodeToImage := geometry.FromLinear([9]float64{2, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{})
	mesh, err := NewGridMesh(dims, alphas, nodeToImage)
	if err != nil {
		t.Fatalf("NewGridMesh failed: %v", err)
	}
	priors, err := mesh.Rasterize(models.Shape{3, 1, 1}, 1, nil)
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	want := []uint16{0, toPriorScale(0.5), PriorScale}
	for i := range want {
		if priors[i] != want[i] {
			t.Errorf("Voxel %d: expected %d, got %d", i, want[i], priors[i])
		}
	}
}

func TestRasterizeErrors(t *testing.T) {
	dims := models.Shape{2, 1, 1}
	mesh, err := NewGridMesh(dims, twoClassAlphas([]float64{0, 1}), geometry.Identity())
	if err != nil {
		t.Fatalf("NewGridMesh failed: %v", err)
	}
	if _, err := mesh.Rasterize(dims, 2, nil); err == nil {
		t.Errorf("Expected error for class out of range")
	}
	if _, err := mesh.Rasterize(dims, 1, mat.NewDense(3, 2, nil)); err == nil {
		t.Errorf("Expected error for alpha table with wrong node count")
	}
	if _, err := NewGridMesh(models.Shape{3, 1, 1}, twoClassAlphas([]float64{0, 1}), geometry.Identity()); err == nil {
		t.Errorf("Expected error for node count mismatch")
	}
}

func TestLoadGridMesh(t *testing.T) {
	engine := imageio.NewEngine()
	shape := models.Shape{2, 2, 2}
	background := make([]float64, shape.Len())
	brain := make([]float64, shape.Len())
	for i := range brain {
		brain[i] = 1
	}
	path := filepath.Join(t.TempDir(), "atlas.mgz")
	atlasAffine := geometry.FromLinear([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{5, 5, 5})
	img := &imageio.Image{Shape: shape, Frames: [][]float64{background, brain}, Affine: atlasAffine}
	if err := engine.WriteVolume(path, img); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}

	// Image grid shifted so the atlas starts at voxel (1, 1, 1)
	imageAffine := geometry.FromLinear([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{4, 4, 4})
	mesh, err := LoadGridMesh(engine, path, imageAffine, nil)
	if err != nil {
		t.Fatalf("LoadGridMesh failed: %v", err)
	}
	grid := models.Shape{4, 4, 4}
	priors, err := mesh.Rasterize(grid, 1, nil)
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if priors[grid.Index(0, 0, 0)] != 0 {
		t.Errorf("Voxel outside the atlas should be 0")
	}
	if priors[grid.Index(1, 1, 1)] != PriorScale || priors[grid.Index(2, 2, 2)] != PriorScale {
		t.Errorf("Voxels inside the atlas should be %d", PriorScale)
	}

	if _, err := LoadGridMesh(engine, filepath.Join(t.TempDir(), "none.mgz"), imageAffine, nil); err == nil {
		t.Errorf("Expected error for missing atlas")
	}
}
