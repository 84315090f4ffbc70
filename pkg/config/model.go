package config

import (
	"fmt"

	"github.com/lucasb-eyer/go-colorful"

	"brainseg/internal/models"
)

// ModelSpecification describes the atlas model
type ModelSpecification struct {
	// AtlasFileName is the atlas prior volume used for brain masking
	AtlasFileName string `yaml:"atlasFileName"`

	// BrainMaskingSmoothingSigma is the Gaussian sigma, in voxels, applied to
	// the background prior
	BrainMaskingSmoothingSigma float64 `yaml:"brainMaskingSmoothingSigma"`

	// BrainMaskingThreshold is the background fraction a smoothed prior must
	// stay below to be in the mask
	BrainMaskingThreshold float64 `yaml:"brainMaskingThreshold"`

	UseDiagonalCovarianceMatrices bool `yaml:"useDiagonalCovarianceMatrices"`

	// K is the mesh stiffness
	K float64 `yaml:"K"`

	// BiasFieldSmoothingKernelSize is the distance in mm from the kernel
	// center to its first zero crossing
	BiasFieldSmoothingKernelSize float64 `yaml:"biasFieldSmoothingKernelSize"`

	// FreeSurferLabels, Names and Colors are index-aligned with the
	// structures of the atlas; normally filled from the lookup table
	FreeSurferLabels []int    `yaml:"FreeSurferLabels,omitempty"`
	Names            []string `yaml:"names,omitempty"`
	Colors           [][4]int `yaml:"colors,omitempty"`

	SharedGMMParameters []GMMParameter `yaml:"sharedGMMParameters,omitempty"`
}

// DefaultModelSpecification returns the default atlas model
func DefaultModelSpecification() ModelSpecification {
	return ModelSpecification{
		AtlasFileName:                 "atlas_level2.mgz",
		BrainMaskingSmoothingSigma:    3.0,
		BrainMaskingThreshold:         0.01,
		UseDiagonalCovarianceMatrices: true,
		K:                             0.1,
		BiasFieldSmoothingKernelSize:  50,
	}
}

// Validate checks the masking parameters and the structure tables
func (m *ModelSpecification) Validate() error {
	if m.BrainMaskingSmoothingSigma < 0 {
		return fmt.Errorf("brainMaskingSmoothingSigma must not be negative: %w", models.ErrConfiguration)
	}
	if m.BrainMaskingThreshold < 0 || m.BrainMaskingThreshold >= 1 {
		return fmt.Errorf("brainMaskingThreshold must be in [0, 1), got %g: %w", m.BrainMaskingThreshold, models.ErrConfiguration)
	}
	if len(m.FreeSurferLabels) != len(m.Names) {
		return fmt.Errorf("%d FreeSurferLabels for %d names: %w", len(m.FreeSurferLabels), len(m.Names), models.ErrConfiguration)
	}
	if len(m.Colors) != 0 && len(m.Colors) != len(m.Names) {
		return fmt.Errorf("%d colors for %d names: %w", len(m.Colors), len(m.Names), models.ErrConfiguration)
	}
	return nil
}

// ApplyLabelTable fills the structure fields from a lookup table
func (m *ModelSpecification) ApplyLabelTable(table models.LabelTable) {
	m.FreeSurferLabels = table.Codes()
	m.Names = table.Names()
	m.Colors = make([][4]int, len(table))
	for i, s := range table {
		r, g, b := s.Color.Clamped().RGB255()
		m.Colors[i] = [4]int{int(r), int(g), int(b), s.Alpha}
	}
}

// LabelTable assembles the structure fields into a label table
func (m *ModelSpecification) LabelTable() (models.LabelTable, error) {
	if len(m.Names) == 0 {
		return nil, fmt.Errorf("model has no structures: %w", models.ErrConfiguration)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	table := make(models.LabelTable, len(m.Names))
	for i, name := range m.Names {
		table[i] = models.Structure{Code: m.FreeSurferLabels[i], Name: name}
		if len(m.Colors) > 0 {
			c := m.Colors[i]
			table[i].Color = colorful.Color{R: float64(c[0]) / 255, G: float64(c[1]) / 255, B: float64(c[2]) / 255}
			table[i].Alpha = c[3]
		}
	}
	return table, nil
}

// OptimizationOptions are the options of the atlas registration that
// produces the posteriors
type OptimizationOptions struct {
	MaximumNumberOfDeformationIterations              int     `yaml:"maximumNumberOfDeformationIterations"`
	AbsoluteCostPerVoxelDecreaseStopCriterion         float64 `yaml:"absoluteCostPerVoxelDecreaseStopCriterion"`
	Verbose                                           bool    `yaml:"verbose"`
	MaximalDeformationStopCriterion                   float64 `yaml:"maximalDeformationStopCriterion"`
	LineSearchMaximalDeformationIntervalStopCriterion float64 `yaml:"lineSearchMaximalDeformationIntervalStopCriterion"`
	MaximalDeformationAppliedStopCriterion            float64 `yaml:"maximalDeformationAppliedStopCriterion"`
	BFGSMaximumMemoryLength                           int     `yaml:"BFGSMaximumMemoryLength"`

	MultiResolutionSpecification []ResolutionLevel `yaml:"multiResolutionSpecification"`
}

// ResolutionLevel is one level of the coarse-to-fine registration
type ResolutionLevel struct {
	AtlasFileName                 string  `yaml:"atlasFileName"`
	TargetDownsampledVoxelSpacing float64 `yaml:"targetDownsampledVoxelSpacing"`
	MaximumNumberOfIterations     int     `yaml:"maximumNumberOfIterations"`
	EstimateBiasField             bool    `yaml:"estimateBiasField"`
}

// ResolutionLevelOverride holds the fields a user sets on one level; nil
// fields keep the default
type ResolutionLevelOverride struct {
	AtlasFileName                 *string  `yaml:"atlasFileName"`
	TargetDownsampledVoxelSpacing *float64 `yaml:"targetDownsampledVoxelSpacing"`
	MaximumNumberOfIterations     *int     `yaml:"maximumNumberOfIterations"`
	EstimateBiasField             *bool    `yaml:"estimateBiasField"`
}

// DefaultOptimizationOptions returns the default registration options
func DefaultOptimizationOptions() OptimizationOptions {
	return OptimizationOptions{
		MaximumNumberOfDeformationIterations:              20,
		AbsoluteCostPerVoxelDecreaseStopCriterion:         1e-4,
		Verbose:                                           false,
		MaximalDeformationStopCriterion:                   0.001, // measured in voxels
		LineSearchMaximalDeformationIntervalStopCriterion: 0.001,
		MaximalDeformationAppliedStopCriterion:            0.0,
		BFGSMaximumMemoryLength:                           12,
		MultiResolutionSpecification:                      DefaultResolutionLevels(),
	}
}

// DefaultResolutionLevels returns the default two-level schedule
func DefaultResolutionLevels() []ResolutionLevel {
	return []ResolutionLevel{
		{AtlasFileName: "atlas_level1.mgz", TargetDownsampledVoxelSpacing: 2.0, MaximumNumberOfIterations: 100, EstimateBiasField: true},
		{AtlasFileName: "atlas_level2.mgz", TargetDownsampledVoxelSpacing: 1.0, MaximumNumberOfIterations: 100, EstimateBiasField: true},
	}
}

// MergeResolutionLevels applies user level i on top of default level i.
// Default levels past the end of the user list are dropped and user levels
// past the end of the default list are ignored.
func MergeResolutionLevels(defaults []ResolutionLevel, user []ResolutionLevelOverride) []ResolutionLevel {
	n := min(len(defaults), len(user))
	merged := make([]ResolutionLevel, n)
	for i := 0; i < n; i++ {
		level, o := defaults[i], user[i]
		if o.AtlasFileName != nil {
			level.AtlasFileName = *o.AtlasFileName
		}
		if o.TargetDownsampledVoxelSpacing != nil {
			level.TargetDownsampledVoxelSpacing = *o.TargetDownsampledVoxelSpacing
		}
		if o.MaximumNumberOfIterations != nil {
			level.MaximumNumberOfIterations = *o.MaximumNumberOfIterations
		}
		if o.EstimateBiasField != nil {
			level.EstimateBiasField = *o.EstimateBiasField
		}
		merged[i] = level
	}
	return merged
}

// Validate checks the resolution schedule
func (o *OptimizationOptions) Validate() error {
	if len(o.MultiResolutionSpecification) == 0 {
		return fmt.Errorf("multiResolutionSpecification has no levels: %w", models.ErrConfiguration)
	}
	for i, level := range o.MultiResolutionSpecification {
		if level.TargetDownsampledVoxelSpacing <= 0 {
			return fmt.Errorf("resolution level %d: targetDownsampledVoxelSpacing must be positive: %w", i, models.ErrConfiguration)
		}
		if level.MaximumNumberOfIterations < 0 {
			return fmt.Errorf("resolution level %d: maximumNumberOfIterations must not be negative: %w", i, models.ErrConfiguration)
		}
	}
	return nil
}
