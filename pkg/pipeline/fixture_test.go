package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"brainseg/internal/models"
	"brainseg/pkg/config"
	"brainseg/pkg/geometry"
	"brainseg/pkg/imageio"
)

// fixtureShape is the grid of the synthetic scan. The brain is the 2x2x2
// box x, y in [1, 2].
var fixtureShape = models.Shape{4, 4, 2}

const lookupTable = `# FreeSurferLabel compressedLabel name R G B A
0  0 Unknown 0 0 0 0
2  1 Left-Cerebral-White-Matter 245 245 245 255
17 2 Left-Hippocampus 220 216 20 255
`

func inBrain(x, y int) bool {
	return x >= 1 && x <= 2 && y >= 1 && y <= 2
}

// fixture is a synthetic scan with its atlas and upstream estimates
type fixture struct {
	dir    string
	params *Params
}

func fixtureVolume(fn func(x, y, z int) float64) []float64 {
	data := make([]float64, fixtureShape.Len())
	for i := range data {
		data[i] = fn(fixtureShape.Coords(i))
	}
	return data
}

// newFixture writes the synthetic scan to a test temp dir
func newFixture(t testing.TB) *fixture {
	t.Helper()
	f, err := writeFixture(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	return f
}

// writeFixture writes a T1 scan of intensity 100 in the brain and 10
// elsewhere, a three class atlas, posteriors favoring white matter at x = 1
// and hippocampus at x = 2, and a zero bias field.
func writeFixture(dir string) (*fixture, error) {
	engine := imageio.NewEngine()
	affine := geometry.Identity()

	write := func(path string, frames ...[]float64) error {
		img := &imageio.Image{Shape: fixtureShape, Frames: frames, Affine: affine}
		return engine.WriteVolume(path, img)
	}

	err := write(filepath.Join(dir, "t1.mgz"), fixtureVolume(func(x, y, z int) float64 {
		if inBrain(x, y) {
			return 100
		}
		return 10
	}))
	if err != nil {
		return nil, err
	}

	atlasDir := filepath.Join(dir, "atlas")
	if err := os.MkdirAll(atlasDir, 0755); err != nil {
		return nil, err
	}
	background := fixtureVolume(func(x, y, z int) float64 {
		if inBrain(x, y) {
			return 0
		}
		return 1
	})
	half := fixtureVolume(func(x, y, z int) float64 {
		if inBrain(x, y) {
			return 0.5
		}
		return 0
	})
	if err := write(filepath.Join(atlasDir, config.DefaultModelSpecification().AtlasFileName), background, half, half); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(atlasDir, config.LookupTableFileName), []byte(lookupTable), 0644); err != nil {
		return nil, err
	}

	posterior := func(wm, hippocampus float64) []float64 {
		return fixtureVolume(func(x, y, z int) float64 {
			switch {
			case !inBrain(x, y):
				return 0
			case x == 1:
				return wm
			default:
				return hippocampus
			}
		})
	}
	unknown := make([]float64, fixtureShape.Len())
	if err := write(filepath.Join(dir, "posteriors.mgz"), unknown, posterior(0.8, 0.3), posterior(0.2, 0.7)); err != nil {
		return nil, err
	}
	if err := write(filepath.Join(dir, "bias.mgz"), make([]float64, fixtureShape.Len())); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	cfg.Model.BrainMaskingSmoothingSigma = 0
	cfg.Processing.NumCores = 1
	cfg.Output.Extension = ".mgz"

	return &fixture{
		dir: dir,
		params: &Params{
			ImagePaths:     []string{filepath.Join(dir, "t1.mgz")},
			AtlasDir:       atlasDir,
			PosteriorsPath: filepath.Join(dir, "posteriors.mgz"),
			BiasFieldsPath: filepath.Join(dir, "bias.mgz"),
			OutputDir:      filepath.Join(dir, "out"),
			Config:         cfg,
		},
	}, nil
}

// writeTemplate writes a template covering the brain box only
func (f *fixture) writeTemplate(t testing.TB) {
	t.Helper()
	path := filepath.Join(f.dir, "template.mgz")
	affine := geometry.FromLinear([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{1, 1, 0})
	img := &imageio.Image{Shape: models.Shape{2, 2, 2}, Frames: [][]float64{make([]float64, 8)}, Affine: affine}
	if err := imageio.NewEngine().WriteVolume(path, img); err != nil {
		t.Fatalf("Failed to write template: %v", err)
	}
	f.params.TemplatePath = path
}

// readOutput reads a result volume from the output directory
func (f *fixture) readOutput(t testing.TB, name string) *imageio.Image {
	t.Helper()
	img, err := imageio.NewEngine().ReadVolume(filepath.Join(f.params.OutputDir, name))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", name, err)
	}
	return img
}
