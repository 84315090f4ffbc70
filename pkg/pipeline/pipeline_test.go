package pipeline

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"brainseg/internal/models"
	"brainseg/pkg/config"
	"brainseg/pkg/output"
)

const tolerance = 1e-5

// recordingVisualizer keeps the titles it is shown
type recordingVisualizer struct {
	titles []string
}

func (r *recordingVisualizer) Show(title string, _ *models.Volume, _ *models.ImageVolume) {
	r.titles = append(r.titles, title)
}

// TestProcess runs the whole pipeline on the synthetic scan
func TestProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	f := newFixture(t)
	target := 110.0
	f.params.Config.Processing.TargetIntensity = &target

	p := NewPipeline(f.params)
	vis := &recordingVisualizer{}
	p.SetVisualizer(vis)
	if err := p.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	results := p.GetResults()

	if results.MaskedVoxels != 8 {
		t.Errorf("Expected 8 mask voxels, got %d", results.MaskedVoxels)
	}
	if len(vis.titles) != 2 {
		t.Errorf("Expected 2 trace points, got %v", vis.titles)
	}

	// Soft volumes: 4 voxels at 0.8 + 4 at 0.3, and 4 at 0.2 + 4 at 0.7
	wantVolumes := []float64{0, 4.4, 3.6}
	for k, want := range wantVolumes {
		if math.Abs(results.Volumes[k]-want) > tolerance {
			t.Errorf("Structure %s: expected volume %f, got %f", results.Names[k], want, results.Volumes[k])
		}
	}

	if len(results.ScalingFactors) != 1 || math.Abs(results.ScalingFactors[0]-1.1) > tolerance {
		t.Errorf("Expected scaling factor 1.1, got %v", results.ScalingFactors)
	}

	seg := f.readOutput(t, "t1_crispSegmentation.mgz")
	if seg.Shape != fixtureShape {
		t.Fatalf("Segmentation shape %v, expected %v", seg.Shape, fixtureShape)
	}
	for i, v := range seg.Frames[0] {
		x, y, z := fixtureShape.Coords(i)
		want := 0.0
		if inBrain(x, y) && x == 1 {
			want = 2
		} else if inBrain(x, y) {
			want = 17
		}
		if v != want {
			t.Errorf("Voxel (%d,%d,%d): expected label %f, got %f", x, y, z, want, v)
		}
	}

	// Outside the mask the log image is 0, so only the bias remains
	corrected := f.readOutput(t, "t1_biasCorrected.mgz")
	for i, v := range corrected.Frames[0] {
		x, y, _ := fixtureShape.Coords(i)
		want := 1.1
		if inBrain(x, y) {
			want = 110
		}
		if math.Abs(v-want) > 1e-3 {
			t.Errorf("Voxel %d: expected corrected intensity %f, got %f", i, want, v)
			break
		}
	}
	f.readOutput(t, "t1_biasField.mgz")

	data, err := os.ReadFile(filepath.Join(f.params.OutputDir, "t1_scaling-factor.txt"))
	if err != nil {
		t.Fatalf("Scaling factor not written: %v", err)
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err != nil || math.Abs(v-1.1) > tolerance {
		t.Errorf("Unexpected scaling factor file %q", data)
	}

	for _, name := range []string{output.StatsFileName, "t1_crispSegmentation.lut.txt", "t1_centroids.txt"} {
		if _, err := os.Stat(filepath.Join(f.params.OutputDir, name)); err != nil {
			t.Errorf("Expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(f.params.OutputDir, "posteriors")); !os.IsNotExist(err) {
		t.Errorf("Posteriors should only be written on request")
	}

	if len(results.Centroids) != 2 {
		t.Fatalf("Expected 2 centroids, got %d", len(results.Centroids))
	}
	wm := results.Centroids[0]
	if wm.Code != 2 || wm.Voxels != 4 {
		t.Errorf("Unexpected white matter centroid %+v", wm)
	}
	for i, want := range [3]float64{1, 1.5, 0.5} {
		if math.Abs(wm.Position[i]-want) > tolerance {
			t.Errorf("White matter centroid %v, expected (1, 1.5, 0.5)", wm.Position)
			break
		}
	}
}

// TestProcessWithTemplate crops the analysis to the template extent and
// writes results back on the full grid
func TestProcessWithTemplate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	f := newFixture(t)
	f.writeTemplate(t)
	f.params.Config.Output.SavePosteriors = true
	f.params.Config.Output.SaveSnapshots = true

	p := NewPipeline(f.params)
	if err := p.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if p.geometry.Cropping.Shape() != (models.Shape{2, 2, 2}) {
		t.Errorf("Expected a 2x2x2 cropping, got %v", p.geometry.Cropping)
	}
	if got := p.GetResults().ScalingFactors[0]; got != 1 {
		t.Errorf("Expected scaling factor 1 without a target, got %f", got)
	}

	seg := f.readOutput(t, "t1_crispSegmentation.mgz")
	if seg.Shape != fixtureShape {
		t.Fatalf("Segmentation shape %v, expected %v", seg.Shape, fixtureShape)
	}
	if seg.Frames[0][fixtureShape.Index(2, 2, 1)] != 17 || seg.Frames[0][fixtureShape.Index(0, 0, 0)] != 0 {
		t.Errorf("Cropped labels not embedded at their original position")
	}

	hippocampus := f.readOutput(t, filepath.Join("posteriors", "Left-Hippocampus.mgz"))
	if got := hippocampus.Frames[0][fixtureShape.Index(2, 1, 0)]; math.Abs(got-0.7) > tolerance {
		t.Errorf("Expected hippocampus posterior 0.7, got %f", got)
	}

	for _, name := range []string{"background_priors.png", "smoothed_background_priors.png", "t1_crispSegmentation.png"} {
		if _, err := os.Stat(filepath.Join(f.params.OutputDir, "snapshots", name)); err != nil {
			t.Errorf("Expected snapshot %s: %v", name, err)
		}
	}
}

// TestProcessThresholdOverride lets the hippocampus win wherever its
// posterior exceeds 0.1
func TestProcessThresholdOverride(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	f := newFixture(t)
	f.params.Config.Processing.ThresholdSearchString = "Hippocampus"
	f.params.Config.Processing.Threshold = 0.1

	p := NewPipeline(f.params)
	if err := p.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	seg := f.readOutput(t, "t1_crispSegmentation.mgz")
	if got := seg.Frames[0][fixtureShape.Index(1, 1, 0)]; got != 17 {
		t.Errorf("Expected the override to label (1,1,0) as 17, got %f", got)
	}
	if got := p.GetResults().Volumes[2]; math.Abs(got-3.6) > tolerance {
		t.Errorf("Volumes should use the original posteriors, got %f", got)
	}
}

func TestProcessErrors(t *testing.T) {
	t.Run("no images", func(t *testing.T) {
		f := newFixture(t)
		f.params.ImagePaths = nil
		if err := NewPipeline(f.params).Process(); !errors.Is(err, models.ErrConfiguration) {
			t.Errorf("Expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("missing lookup table", func(t *testing.T) {
		f := newFixture(t)
		os.Remove(filepath.Join(f.params.AtlasDir, config.LookupTableFileName))
		if err := NewPipeline(f.params).Process(); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Expected not-exist error, got %v", err)
		}
	})

	t.Run("structure count mismatch", func(t *testing.T) {
		f := newFixture(t)
		f.params.Config.Model.Names = []string{"Unknown", "Left-Cerebral-White-Matter"}
		f.params.Config.Model.FreeSurferLabels = []int{0, 2}
		if err := NewPipeline(f.params).Process(); !errors.Is(err, models.ErrConfiguration) {
			t.Errorf("Expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("unmatched target", func(t *testing.T) {
		f := newFixture(t)
		target := 110.0
		f.params.Config.Processing.TargetIntensity = &target
		f.params.Config.Processing.TargetSearchStrings = []string{"Cerebellum"}
		if err := NewPipeline(f.params).Process(); !errors.Is(err, models.ErrConfiguration) {
			t.Errorf("Expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("missing atlas", func(t *testing.T) {
		f := newFixture(t)
		f.params.Config.Model.AtlasFileName = "missing.mgz"
		if err := NewPipeline(f.params).Process(); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Expected not-exist error for a missing atlas, got %v", err)
		}
	})
}
