// Package pipeline runs segmentation finalization end to end: it reads the
// input scans and the upstream estimates, masks, labels, corrects and
// calibrates, and writes the results next to each other in one directory.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"brainseg/internal/models"
	"brainseg/pkg/atlas"
	"brainseg/pkg/biasfield"
	"brainseg/pkg/calibration"
	"brainseg/pkg/config"
	"brainseg/pkg/filter"
	"brainseg/pkg/geometry"
	"brainseg/pkg/imageio"
	"brainseg/pkg/masking"
	"brainseg/pkg/output"
	"brainseg/pkg/segmentation"
	"brainseg/pkg/visualization"
)

// snapshotScale is the upscaling factor of written snapshots
const snapshotScale = 4

// Params holds the inputs of one pipeline run
type Params struct {
	// ImagePaths are the input scans, one per contrast. The first scan is
	// the reference: its grid and transform are those of every output.
	ImagePaths []string

	// AtlasDir holds the atlas prior volume and its lookup table
	AtlasDir string

	// PosteriorsPath is a 4-D volume with one frame per structure, on the
	// reference grid or on its cropped grid
	PosteriorsPath string

	// BiasFieldsPath is a 4-D volume with one log-domain bias field frame
	// per contrast, on the reference grid or on its cropped grid
	BiasFieldsPath string

	// RegistrationPath is an optional 4x4 atlas-to-image world transform
	RegistrationPath string

	// TemplatePath is an optional volume whose extent crops the analysis
	TemplatePath string

	// OutputDir receives all results
	OutputDir string

	// Config holds the model and processing options
	Config *config.Config
}

// Results summarizes a finished run
type Results struct {
	// SegmentationPath is the written label volume
	SegmentationPath string

	// MaskedVoxels is the number of voxels in the brain mask
	MaskedVoxels int

	// Names and Volumes are the structures and their soft volumes in mm^3
	Names   []string
	Volumes []float64

	// ScalingFactors holds one calibration factor per contrast
	ScalingFactors []float64

	// Centroids are the world centroids of the hard labels
	Centroids []segmentation.Centroid
}

// Pipeline carries the state of one finalization run
type Pipeline struct {
	params     *Params
	engine     *imageio.Engine
	visualizer masking.Visualizer

	// table is the structure table of the atlas
	table models.LabelTable

	// geometry is the reference grid and the analysis cropping
	geometry *geometry.Geometry

	// images holds the cropped input scans, one channel per contrast
	images *models.ImageVolume

	results Results
}

// NewPipeline creates a new pipeline instance with the provided parameters.
// This is the entry point for finalizing a segmentation: nothing is read
// from disk until Process is called.
//
// Parameters:
//   - params: Input scans, atlas directory, upstream posteriors and bias
//     fields, output directory and run configuration. A nil Config selects
//     the defaults.
//
// Returns:
//   - A new Pipeline with no visualizer attached and empty results
func NewPipeline(params *Params) *Pipeline {
	if params.Config == nil {
		params.Config = config.DefaultConfig()
	}
	var vis masking.Visualizer = masking.NopVisualizer{}
	if params.Config.Output.SaveSnapshots {
		vis = visualization.NewSnapshotVisualizer(filepath.Join(params.OutputDir, "snapshots"), snapshotScale)
	}
	return &Pipeline{
		params:     params,
		engine:     imageio.NewEngine(),
		visualizer: vis,
	}
}

// SetVisualizer replaces the visualizer that receives the masking trace
// points
func (p *Pipeline) SetVisualizer(vis masking.Visualizer) {
	p.visualizer = vis
}

// GetResults returns the summary of the last successful Process call
func (p *Pipeline) GetResults() Results {
	return p.results
}

// Process runs the complete finalization pipeline
func (p *Pipeline) Process() error {
	cfg := p.params.Config
	if len(p.params.ImagePaths) == 0 {
		return fmt.Errorf("no input images: %w", models.ErrConfiguration)
	}
	if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	log.Info("Step 1: Loading atlas structures...")
	if err := p.loadStructures(); err != nil {
		return fmt.Errorf("failed to load atlas structures: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info("Step 2: Loading input images...")
	if err := p.loadImages(); err != nil {
		return fmt.Errorf("failed to load images: %w", err)
	}

	log.Info("Step 3: Computing brain mask...")
	mesh, err := p.loadMesh()
	if err != nil {
		return fmt.Errorf("failed to load atlas mesh: %w", err)
	}
	smoother := &filter.GaussianSmoother{NumCores: cfg.Processing.NumCores}
	masked, mask, err := masking.ComputeMask(p.images, mesh, smoother, masking.Params{
		SmoothingSigma:         cfg.Model.BrainMaskingSmoothingSigma,
		Threshold:              cfg.Model.BrainMaskingThreshold,
		ExcludeZeroIntensities: cfg.Processing.ExcludeZeroIntensities,
	}, p.visualizer)
	if err != nil {
		return fmt.Errorf("failed to compute brain mask: %w", err)
	}
	if mask.Count() == 0 {
		return fmt.Errorf("brain mask is empty: %w", models.ErrDegenerateMask)
	}
	logImages, err := biasfield.LogTransform(masked, mask)
	if err != nil {
		return err
	}

	log.Info("Step 4: Loading posteriors and bias fields...")
	posteriors, err := p.loadPosteriors(mask)
	if err != nil {
		return fmt.Errorf("failed to load posteriors: %w", err)
	}
	biasFields, err := p.loadBiasFields()
	if err != nil {
		return fmt.Errorf("failed to load bias fields: %w", err)
	}

	log.Info("Step 5: Finalizing segmentation...")
	var threshold *segmentation.Threshold
	if s := cfg.Processing.ThresholdSearchString; s != "" {
		threshold = &segmentation.Threshold{SearchString: s, Value: cfg.Processing.Threshold}
	}
	labels, volumes, err := segmentation.Finalize(posteriors, mask, p.table, threshold, p.geometry.VoxelVolume())
	if err != nil {
		return fmt.Errorf("failed to finalize segmentation: %w", err)
	}

	log.Info("Step 6: Calibrating intensities...")
	var target *calibration.Target
	if t := cfg.Processing.TargetIntensity; t != nil {
		target = &calibration.Target{Intensity: *t, SearchStrings: cfg.Processing.TargetSearchStrings}
	}
	factors, err := calibration.Calibrate(biasFields, logImages, mask, posteriors, target, p.table.Names())
	if err != nil {
		return fmt.Errorf("failed to calibrate intensities: %w", err)
	}

	log.Info("Step 7: Undoing log bias field...")
	corrected, expBias, err := biasfield.UndoLogBiasField(logImages, biasFields, mask)
	if err != nil {
		return fmt.Errorf("failed to undo bias field: %w", err)
	}

	log.Info("Step 8: Writing results...")
	centroids := segmentation.Centroids(labels, p.geometry)
	segPath, err := p.writeResults(labels, posteriors, mask, volumes, factors, corrected, expBias, centroids)
	if err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}

	p.results = Results{
		SegmentationPath: segPath,
		MaskedVoxels:     mask.Count(),
		Names:            p.table.Names(),
		Volumes:          volumes,
		ScalingFactors:   factors,
		Centroids:        centroids,
	}
	return nil
}

// loadStructures fills the model's structure fields from the atlas lookup
// table unless the configuration already names the structures
func (p *Pipeline) loadStructures() error {
	model := &p.params.Config.Model
	if len(model.Names) == 0 {
		table, err := config.LoadLabelTable(filepath.Join(p.params.AtlasDir, config.LookupTableFileName))
		if err != nil {
			return err
		}
		model.ApplyLabelTable(table)
	}
	if len(model.SharedGMMParameters) == 0 {
		shared, err := config.LoadSharedGMMParameters(filepath.Join(p.params.AtlasDir, config.SharedGMMFileName))
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return err
		default:
			model.SharedGMMParameters = shared
		}
	}

	table, err := model.LabelTable()
	if err != nil {
		return err
	}
	p.table = table
	log.WithFields(log.Fields{
		"structures":       len(table),
		"sharedGMMClasses": len(model.SharedGMMParameters),
	}).Info("Loaded structures")
	return nil
}

// loadImages reads the scans, derives the analysis geometry from the first
// one and crops every scan to it
func (p *Pipeline) loadImages() error {
	var reference *imageio.Image
	volumes := make([]*models.Volume, 0, len(p.params.ImagePaths))
	for i, path := range p.params.ImagePaths {
		img, err := p.engine.ReadVolume(path)
		if err != nil {
			return err
		}
		if len(img.Frames) != 1 {
			return fmt.Errorf("%s has %d frames, expected a single volume", path, len(img.Frames))
		}
		if i == 0 {
			reference = img
			if err := p.initGeometry(img); err != nil {
				return err
			}
		} else if img.Shape != reference.Shape {
			return fmt.Errorf("%s has shape %v, reference has %v", path, img.Shape, reference.Shape)
		}

		cropped, err := p.geometry.Cropping.Crop(img.Volume(0))
		if err != nil {
			return err
		}
		volumes = append(volumes, cropped)
		log.WithFields(log.Fields{
			"path":  path,
			"shape": img.Shape,
		}).Debug("Loaded image")
	}

	images, err := models.ImageVolumeFromVolumes(volumes)
	if err != nil {
		return err
	}
	p.images = images
	log.WithFields(log.Fields{
		"contrasts":    images.NumContrasts(),
		"croppedShape": images.Shape,
		"voxelSpacing": p.geometry.VoxelSpacing(),
	}).Info("Loaded images")
	return nil
}

func (p *Pipeline) initGeometry(reference *imageio.Image) error {
	cropping := geometry.FullCropping(reference.Shape)
	if p.params.TemplatePath != "" {
		template, err := p.engine.ReadVolume(p.params.TemplatePath)
		if err != nil {
			return fmt.Errorf("failed to read template: %w", err)
		}
		cropping, err = geometry.CroppingFromTemplate(reference.Affine, reference.Shape, template.Affine, template.Shape)
		if err != nil {
			return err
		}
	}
	g, err := geometry.NewGeometry(reference.Affine, reference.Shape, cropping)
	if err != nil {
		return err
	}
	p.geometry = g
	return nil
}

func (p *Pipeline) loadMesh() (*atlas.GridMesh, error) {
	var registration *geometry.Affine
	if p.params.RegistrationPath != "" {
		var err error
		if registration, err = geometry.ReadMatrix(p.params.RegistrationPath); err != nil {
			return nil, err
		}
	}
	path := filepath.Join(p.params.AtlasDir, p.params.Config.Model.AtlasFileName)
	return atlas.LoadGridMesh(p.engine, path, p.geometry.CroppedAffine(), registration)
}

// readCropped reads a 4-D volume and returns its frames on the cropped grid.
// Volumes on the full reference grid are cropped; volumes already on the
// cropped grid are used as is.
func (p *Pipeline) readCropped(path string) ([]*models.Volume, error) {
	img, err := p.engine.ReadVolume(path)
	if err != nil {
		return nil, err
	}
	cropped := p.geometry.Cropping.Shape()
	frames := make([]*models.Volume, len(img.Frames))
	for f := range img.Frames {
		switch img.Shape {
		case cropped:
			frames[f] = img.Volume(f)
		case p.geometry.FullShape:
			if frames[f], err = p.geometry.Cropping.Crop(img.Volume(f)); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%s has shape %v, expected %v or %v", path, img.Shape, p.geometry.FullShape, cropped)
		}
	}
	return frames, nil
}

// loadPosteriors keeps the rows of the mask voxels, in mask order
func (p *Pipeline) loadPosteriors(mask *models.Mask) (*models.Posteriors, error) {
	frames, err := p.readCropped(p.params.PosteriorsPath)
	if err != nil {
		return nil, err
	}
	if len(frames) != len(p.table) {
		return nil, fmt.Errorf("posteriors have %d structures, atlas has %d: %w", len(frames), len(p.table), models.ErrConfiguration)
	}
	indices := mask.Indices()
	posteriors := models.NewPosteriors(len(indices), len(frames))
	for k, frame := range frames {
		for j, i := range indices {
			posteriors.Set(j, k, frame.Data[i])
		}
	}
	return posteriors, nil
}

func (p *Pipeline) loadBiasFields() (*models.ImageVolume, error) {
	frames, err := p.readCropped(p.params.BiasFieldsPath)
	if err != nil {
		return nil, err
	}
	if len(frames) != p.images.NumContrasts() {
		return nil, fmt.Errorf("%d bias fields for %d contrasts: %w", len(frames), p.images.NumContrasts(), models.ErrConfiguration)
	}
	return models.ImageVolumeFromVolumes(frames)
}

func (p *Pipeline) writeResults(labels *models.LabelVolume, posteriors *models.Posteriors, mask *models.Mask,
	volumes, factors []float64, corrected, expBias *models.ImageVolume, centroids []segmentation.Centroid) (string, error) {
	cfg := p.params.Config
	w := output.NewWriter(p.engine, p.geometry, p.params.OutputDir, cfg.Output.Extension)
	reference := output.ScanName(p.params.ImagePaths[0])

	segPath, err := w.WriteSegmentation(reference, labels)
	if err != nil {
		return "", err
	}
	for c, path := range p.params.ImagePaths {
		scan := output.ScanName(path)
		if err := w.WriteContrast(scan, expBias.Channel(c), corrected.Channel(c)); err != nil {
			return "", err
		}
		if err := w.WriteScalingFactor(scan, factors[c]); err != nil {
			return "", err
		}
	}
	if cfg.Output.SavePosteriors {
		if err := w.WritePosteriors(posteriors, mask, p.table.Names()); err != nil {
			return "", err
		}
	}
	if err := w.WriteStats(p.table.Names(), volumes); err != nil {
		return "", err
	}
	if err := w.WriteLookupTable(reference, p.table); err != nil {
		return "", err
	}
	if err := w.WriteCentroids(reference, centroids, p.table); err != nil {
		return "", err
	}

	if cfg.Output.SaveSnapshots {
		img, err := visualization.LabelSlice(labels, p.table, "z", labels.Shape[2]/2)
		if err == nil {
			err = visualization.SaveSlice(visualization.Upscale(img, snapshotScale),
				filepath.Join(p.params.OutputDir, "snapshots", reference+"_crispSegmentation.png"))
		}
		if err != nil {
			log.Warnf("Failed to save segmentation snapshot: %v", err)
		}
	}
	return segPath, nil
}
