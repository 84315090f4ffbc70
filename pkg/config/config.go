// Package config provides configuration loading and management for brainseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"brainseg/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model holds the atlas model specification
	Model ModelSpecification `yaml:"model"`

	// Optimization holds the options of the upstream atlas registration
	Optimization OptimizationOptions `yaml:"optimization"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for smoothing
		NumCores int `yaml:"numCores"`

		// ExcludeZeroIntensities drops voxels that are 0 in any contrast from the mask
		ExcludeZeroIntensities bool `yaml:"excludeZeroIntensities"`

		// TargetIntensity is the mean intensity the target structures are
		// calibrated to; unset disables calibration
		TargetIntensity *float64 `yaml:"targetIntensity,omitempty"`

		// TargetSearchStrings select the target structures by name
		TargetSearchStrings []string `yaml:"targetSearchStrings"`

		// ThresholdSearchString selects the structure whose posterior is
		// thresholded during labeling; empty disables the override
		ThresholdSearchString string `yaml:"thresholdSearchString,omitempty"`

		// Threshold is the posterior above which that structure wins
		Threshold float64 `yaml:"threshold,omitempty"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Extension is the volume format of the results (.nii, .nii.gz, .mgz, .mgh)
		Extension string `yaml:"extension"`

		// SavePosteriors writes one posterior volume per structure
		SavePosteriors bool `yaml:"savePosteriors"`

		// SaveSnapshots writes PNG slices of intermediate masking volumes
		SaveSnapshots bool `yaml:"saveSnapshots"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model = DefaultModelSpecification()
	cfg.Optimization = DefaultOptimizationOptions()

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.ExcludeZeroIntensities = true
	cfg.Processing.TargetSearchStrings = []string{"White"}

	// Set default output parameters
	cfg.Output.Extension = ".nii"
	cfg.Output.SavePosteriors = false
	cfg.Output.SaveSnapshots = false
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.Optimization.Validate(); err != nil {
		return err
	}
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("numCores must not be negative: %w", models.ErrConfiguration)
	}
	if t := c.Processing.TargetIntensity; t != nil {
		if *t <= 0 {
			return fmt.Errorf("targetIntensity must be positive, got %g: %w", *t, models.ErrConfiguration)
		}
		if len(c.Processing.TargetSearchStrings) == 0 {
			return fmt.Errorf("targetIntensity needs targetSearchStrings: %w", models.ErrConfiguration)
		}
	}
	switch c.Output.Extension {
	case ".nii", ".nii.gz", ".mgz", ".mgh":
	default:
		return fmt.Errorf("unsupported output extension %q: %w", c.Output.Extension, models.ErrConfiguration)
	}
	return nil
}

// overlay captures the user's resolution levels as overrides, so that they
// can be merged into the defaults instead of replacing them
type overlay struct {
	Optimization struct {
		MultiResolutionSpecification *[]ResolutionLevelOverride `yaml:"multiResolutionSpecification"`
	} `yaml:"optimization"`
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Resolution levels merge positionally into the defaults
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if levels := o.Optimization.MultiResolutionSpecification; levels != nil {
		cfg.Optimization.MultiResolutionSpecification = MergeResolutionLevels(DefaultResolutionLevels(), *levels)
	} else {
		cfg.Optimization.MultiResolutionSpecification = DefaultResolutionLevels()
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
