package geometry

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"brainseg/internal/models"
)

func TestVoxelSpacingAndVolume(t *testing.T) {
	// Columns of the linear part have lengths 1, 1.5 and 1
	a := FromLinear([9]float64{
		0, 0, 1,
		1, 0, 0,
		0, 1.5, 0,
	}, [3]float64{10, -20, 30})

	spacing := a.VoxelSpacing()
	expected := [3]float64{1, 1.5, 1}
	for i := range spacing {
		if math.Abs(spacing[i]-expected[i]) > 1e-12 {
			t.Errorf("Spacing[%d] = %f, expected %f", i, spacing[i], expected[i])
		}
	}

	if v := a.VoxelVolume(); math.Abs(v-1.5) > 1e-12 {
		t.Errorf("Expected voxel volume 1.5, got %f", v)
	}

	// A reflection must still give a positive volume
	flipped := FromLinear([9]float64{-2, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{})
	if v := flipped.VoxelVolume(); math.Abs(v-2) > 1e-12 {
		t.Errorf("Expected voxel volume 2 for reflected axis, got %f", v)
	}
}

func TestInverseAndCompose(t *testing.T) {
	a := FromLinear([9]float64{2, 0, 0, 0, 3, 0, 0, 0, 4}, [3]float64{1, 2, 3})
	inv, err := a.Inverse()
	if err != nil {
		t.Fatalf("Inverse failed: %v", err)
	}

	p := a.VoxelToWorld(1, 1, 1)
	if p != [3]float64{3, 5, 7} {
		t.Errorf("Unexpected world point %v", p)
	}

	back := inv.VoxelToWorld(p[0], p[1], p[2])
	for i := range back {
		if math.Abs(back[i]-1) > 1e-12 {
			t.Errorf("Round trip coordinate %d = %f, expected 1", i, back[i])
		}
	}

	id := inv.Compose(a)
	m := id.Matrix()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(m.At(i, j)-want) > 1e-12 {
				t.Errorf("Compose(inv, a)[%d][%d] = %f, expected %f", i, j, m.At(i, j), want)
			}
		}
	}

	singular := FromLinear([9]float64{}, [3]float64{})
	if _, err := singular.Inverse(); err == nil {
		t.Errorf("Expected error inverting a singular affine")
	}
}

func TestCropEmbedRoundTrip(t *testing.T) {
	full := models.Shape{5, 4, 3}
	v := models.NewVolume(full)
	for i := range v.Data {
		v.Data[i] = float64(i + 1)
	}

	c := Cropping{Start: [3]int{1, 1, 0}, Stop: [3]int{4, 3, 2}}
	cropped, err := c.Crop(v)
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if cropped.Shape != (models.Shape{3, 2, 2}) {
		t.Fatalf("Unexpected cropped shape %v", cropped.Shape)
	}
	if cropped.At(0, 0, 0) != v.At(1, 1, 0) || cropped.At(2, 1, 1) != v.At(3, 2, 1) {
		t.Errorf("Cropped values do not match source")
	}

	embedded, err := c.Embed(cropped, full)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for z := 0; z < full[2]; z++ {
		for y := 0; y < full[1]; y++ {
			for x := 0; x < full[0]; x++ {
				inside := x >= 1 && x < 4 && y >= 1 && y < 3 && z < 2
				got := embedded.At(x, y, z)
				if inside && got != v.At(x, y, z) {
					t.Errorf("Voxel (%d,%d,%d) = %f, expected %f", x, y, z, got, v.At(x, y, z))
				}
				if !inside && got != 0 {
					t.Errorf("Voxel (%d,%d,%d) outside cropping should be 0, got %f", x, y, z, got)
				}
			}
		}
	}

	if _, err := c.Embed(v, full); err == nil {
		t.Errorf("Expected error embedding a volume of the wrong shape")
	}
	bad := Cropping{Start: [3]int{0, 0, 0}, Stop: [3]int{6, 1, 1}}
	if _, err := bad.Crop(v); err == nil {
		t.Errorf("Expected error for cropping outside the volume")
	}
}

func TestCroppingFromTemplate(t *testing.T) {
	image := Identity()
	// Template voxels are 2mm and start at world (2, 3, 4)
	template := FromLinear([9]float64{2, 0, 0, 0, 2, 0, 0, 0, 2}, [3]float64{2, 3, 4})

	c, err := CroppingFromTemplate(image, models.Shape{20, 20, 20}, template, models.Shape{3, 3, 3})
	if err != nil {
		t.Fatalf("CroppingFromTemplate failed: %v", err)
	}
	want := Cropping{Start: [3]int{2, 3, 4}, Stop: [3]int{7, 8, 9}}
	if c != want {
		t.Errorf("Expected %+v, got %+v", want, c)
	}

	// Partially outside the image: clamped
	c, err = CroppingFromTemplate(image, models.Shape{5, 5, 5}, template, models.Shape{3, 3, 3})
	if err != nil {
		t.Fatalf("CroppingFromTemplate failed: %v", err)
	}
	if c.Stop != [3]int{5, 5, 5} {
		t.Errorf("Expected clamped stop [5 5 5], got %v", c.Stop)
	}

	far := FromLinear([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{100, 100, 100})
	if _, err := CroppingFromTemplate(image, models.Shape{5, 5, 5}, far, models.Shape{3, 3, 3}); err == nil {
		t.Errorf("Expected error for a template outside the image")
	}
}

func TestGeometryCroppedAffine(t *testing.T) {
	a := FromLinear([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{-10, -10, -10})
	g, err := NewGeometry(a, models.Shape{10, 10, 10}, Cropping{Start: [3]int{2, 3, 4}, Stop: [3]int{5, 6, 7}})
	if err != nil {
		t.Fatalf("NewGeometry failed: %v", err)
	}

	p := g.CroppedVoxelToWorld(0, 0, 0)
	if p != [3]float64{-8, -7, -6} {
		t.Errorf("Unexpected cropped origin %v", p)
	}
	q := g.CroppedAffine().VoxelToWorld(1, 1, 1)
	if q != [3]float64{-7, -6, -5} {
		t.Errorf("Unexpected cropped affine mapping %v", q)
	}
}

func TestReadMatrix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reg.txt")
	content := "# registration\n1 0 0 5\n0 1 0 6\n\n0 0 1 7\n0 0 0 1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write matrix: %v", err)
	}

	a, err := ReadMatrix(path)
	if err != nil {
		t.Fatalf("ReadMatrix failed: %v", err)
	}
	if tr := a.Translation(); tr != [3]float64{5, 6, 7} {
		t.Errorf("Unexpected translation %v", tr)
	}

	short := filepath.Join(dir, "short.txt")
	os.WriteFile(short, []byte("1 0 0\n"), 0644)
	if _, err := ReadMatrix(short); err == nil {
		t.Errorf("Expected error for a truncated matrix")
	}

	if _, err := ReadMatrix(filepath.Join(dir, "missing.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}
