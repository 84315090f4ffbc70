package masking

import (
	"testing"

	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
	"brainseg/pkg/filter"
)

// fakeMesh returns fixed background and coverage rasters
type fakeMesh struct {
	nodes      int
	background []uint16
	coverage   []uint16

	// overrides records the alpha table passed for each class
	overrides map[int]*mat.Dense
}

func (m *fakeMesh) NumberOfNodes() int { return m.nodes }

func (m *fakeMesh) Rasterize(shape models.Shape, classNumber int, alphas *mat.Dense) ([]uint16, error) {
	if m.overrides == nil {
		m.overrides = map[int]*mat.Dense{}
	}
	m.overrides[classNumber] = alphas
	if classNumber == 0 {
		return append([]uint16(nil), m.background...), nil
	}
	return append([]uint16(nil), m.coverage...), nil
}

type recordingVisualizer struct {
	titles []string
}

func (v *recordingVisualizer) Show(title string, probabilities *models.Volume, images *models.ImageVolume) {
	v.titles = append(v.titles, title)
}

func filled(n int, value uint16) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func testImages(shape models.Shape, contrasts int) *models.ImageVolume {
	images := models.NewImageVolume(shape, contrasts)
	for c := range images.Channels {
		for i := range images.Channels[c] {
			images.Channels[c][i] = float64(i + 1 + c)
		}
	}
	return images
}

var params = Params{SmoothingSigma: 0, Threshold: 0.01, ExcludeZeroIntensities: true}

func TestMaskIsSubsetOfCoverage(t *testing.T) {
	shape := models.Shape{4, 2, 1}
	n := shape.Len()
	coverage := filled(n, 0)
	for i := 0; i < n/2; i++ {
		coverage[i] = 65535
	}
	mesh := &fakeMesh{nodes: 5, background: filled(n, 0), coverage: coverage}

	_, mask, err := ComputeMask(testImages(shape, 2), mesh, filter.NewGaussianSmoother(), params, nil)
	if err != nil {
		t.Fatalf("ComputeMask failed: %v", err)
	}
	for i := range mask.Data {
		if mask.Data[i] && coverage[i] == 0 {
			t.Errorf("Voxel %d masked in outside mesh coverage", i)
		}
		if !mask.Data[i] && coverage[i] != 0 {
			t.Errorf("Voxel %d with zero background prior should be in the mask", i)
		}
	}

	// Background uses the mesh's own alphas, coverage the degenerate table
	if mesh.overrides[0] != nil {
		t.Errorf("Background prior must be rasterized with the mesh's own alphas")
	}
	covered := mesh.overrides[1]
	if covered == nil {
		t.Fatalf("Coverage must be rasterized with an explicit alpha table")
	}
	rows, cols := covered.Dims()
	if rows != mesh.nodes || cols != 2 {
		t.Fatalf("Expected %dx2 coverage table, got %dx%d", mesh.nodes, rows, cols)
	}
	for i := 0; i < rows; i++ {
		if covered.At(i, 0) != 0 || covered.At(i, 1) != 1 {
			t.Fatalf("Coverage row %d should be [0 1], got [%g %g]", i, covered.At(i, 0), covered.At(i, 1))
		}
	}
}

func TestZeroIntensityExclusion(t *testing.T) {
	shape := models.Shape{3, 1, 1}
	mesh := &fakeMesh{nodes: 1, background: filled(3, 0), coverage: filled(3, 65535)}
	images := testImages(shape, 2)
	images.Channels[1][1] = 0

	_, mask, err := ComputeMask(images, mesh, filter.NewGaussianSmoother(), params, nil)
	if err != nil {
		t.Fatalf("ComputeMask failed: %v", err)
	}
	if mask.Data[1] {
		t.Errorf("Voxel with a zero in one contrast must be excluded")
	}
	if !mask.Data[0] || !mask.Data[2] {
		t.Errorf("Voxels with positive intensities should stay in the mask")
	}

	keep := params
	keep.ExcludeZeroIntensities = false
	_, mask, err = ComputeMask(images, mesh, filter.NewGaussianSmoother(), keep, nil)
	if err != nil {
		t.Fatalf("ComputeMask failed: %v", err)
	}
	if !mask.Data[1] {
		t.Errorf("Zero intensities should be kept when exclusion is off")
	}
}

func TestBackgroundClamp(t *testing.T) {
	shape := models.Shape{3, 1, 1}
	// 256 stays, 257 is pinned to full background
	mesh := &fakeMesh{nodes: 1, background: []uint16{256, 257, 64000}, coverage: filled(3, 1)}
	_, mask, err := ComputeMask(testImages(shape, 1), mesh, filter.NewGaussianSmoother(), params, nil)
	if err != nil {
		t.Fatalf("ComputeMask failed: %v", err)
	}
	want := []bool{true, false, false}
	for i := range want {
		if mask.Data[i] != want[i] {
			t.Errorf("Voxel %d: expected %v, got %v", i, want[i], mask.Data[i])
		}
	}
}

func TestAllBackgroundGivesEmptyMask(t *testing.T) {
	shape := models.Shape{2, 2, 2}
	n := shape.Len()
	mesh := &fakeMesh{nodes: 8, background: filled(n, 65535), coverage: filled(n, 65535)}

	smoother := &filter.GaussianSmoother{NumCores: 2}
	masked, mask, err := ComputeMask(testImages(shape, 2), mesh, smoother, Params{SmoothingSigma: 3, Threshold: 0.01}, nil)
	if err != nil {
		t.Fatalf("ComputeMask failed: %v", err)
	}
	if mask.Count() != 0 {
		t.Errorf("Expected empty mask, got %d voxels", mask.Count())
	}
	for c, channel := range masked.Channels {
		for i, v := range channel {
			if v != 0 {
				t.Fatalf("Contrast %d voxel %d should be zeroed, got %f", c, i, v)
			}
		}
	}
}

func TestMaskedCopy(t *testing.T) {
	shape := models.Shape{2, 1, 1}
	mesh := &fakeMesh{nodes: 1, background: []uint16{0, 65535}, coverage: filled(2, 65535)}
	images := testImages(shape, 2)

	masked, mask, err := ComputeMask(images, mesh, filter.NewGaussianSmoother(), params, nil)
	if err != nil {
		t.Fatalf("ComputeMask failed: %v", err)
	}
	if !mask.Data[0] || mask.Data[1] {
		t.Fatalf("Unexpected mask %v", mask.Data)
	}
	for c := range masked.Channels {
		if masked.Channels[c][0] != images.Channels[c][0] {
			t.Errorf("Contrast %d: in-mask value changed", c)
		}
		if masked.Channels[c][1] != 0 {
			t.Errorf("Contrast %d: out-of-mask value should be 0", c)
		}
		if images.Channels[c][1] == 0 {
			t.Errorf("Contrast %d: input was modified", c)
		}
	}
}

func TestVisualizerTracePoints(t *testing.T) {
	shape := models.Shape{2, 1, 1}
	mesh := &fakeMesh{nodes: 1, background: filled(2, 0), coverage: filled(2, 1)}
	vis := &recordingVisualizer{}

	if _, _, err := ComputeMask(testImages(shape, 1), mesh, filter.NewGaussianSmoother(), params, vis); err != nil {
		t.Fatalf("ComputeMask failed: %v", err)
	}
	want := []string{"Background Priors", "Smoothed Background Priors"}
	if len(vis.titles) != len(want) {
		t.Fatalf("Expected %d trace points, got %v", len(want), vis.titles)
	}
	for i := range want {
		if vis.titles[i] != want[i] {
			t.Errorf("Trace point %d: expected %q, got %q", i, want[i], vis.titles[i])
		}
	}
}
