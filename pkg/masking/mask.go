// Package masking derives the brain mask from the atlas background prior.
package masking

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"brainseg/internal/models"
)

const (
	// backgroundPeak is the prior value of certain background
	backgroundPeak = 65535

	// backgroundClamp is the largest background prior kept as is; anything
	// above it counts as full background
	backgroundClamp = 256
)

// Mesh is an atlas mesh placed on the image grid.
type Mesh interface {
	NumberOfNodes() int

	// Rasterize returns the prior of classNumber at every voxel of shape,
	// scaled to [0, 65535]. A non-nil alphas replaces the mesh's own
	// per-node class probabilities for this call only.
	Rasterize(shape models.Shape, classNumber int, alphas *mat.Dense) ([]uint16, error)
}

// Smoother blurs a volume with per-axis Gaussian sigmas given in voxels.
type Smoother interface {
	Smooth(v *models.Volume, sigmas [3]float64) *models.Volume
}

// Visualizer receives intermediate volumes at the masking trace points.
type Visualizer interface {
	Show(title string, probabilities *models.Volume, images *models.ImageVolume)
}

// NopVisualizer discards everything it is shown
type NopVisualizer struct{}

// Show does nothing.
func (NopVisualizer) Show(string, *models.Volume, *models.ImageVolume) {}

// Params controls brain masking
type Params struct {
	// SmoothingSigma is the isotropic Gaussian sigma in voxels
	SmoothingSigma float64

	// Threshold is the fraction of certain background a smoothed prior
	// must stay below: voxels with smoothed prior < 65535*(1-Threshold)
	// are brain candidates
	Threshold float64

	// ExcludeZeroIntensities drops voxels that are 0 in any contrast
	ExcludeZeroIntensities bool
}

// ComputeMask derives the brain mask from the atlas background prior and
// applies it to the input contrasts.
//
// The background prior is rasterized on the image grid, clamped to 65535
// and smoothed. Voxels whose smoothed prior stays below
// 65535*(1-params.Threshold) are brain candidates. Voxels outside the mesh
// and, when requested, voxels with a zero intensity in any contrast are
// then dropped.
//
// Parameters:
//   - images: Input contrasts on the analysis grid
//   - mesh: Atlas mesh deformed into image space
//   - smoother: Gaussian smoother applied to the background prior
//   - params: Smoothing sigma, threshold and zero-intensity handling
//   - vis: Receives the raw and smoothed background priors, may be nil
//
// Returns:
//   - A copy of images with every contrast set to 0 outside the brain
//   - The brain mask
//   - An error if the mesh cannot be rasterized
func ComputeMask(images *models.ImageVolume, mesh Mesh, smoother Smoother, params Params, vis Visualizer) (*models.ImageVolume, *models.Mask, error) {
	if vis == nil {
		vis = NopVisualizer{}
	}
	shape := images.Shape

	raw, err := mesh.Rasterize(shape, 0, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("rasterizing background prior: %w", err)
	}
	background := models.NewVolume(shape)
	for i, p := range raw {
		if p > backgroundClamp {
			background.Data[i] = backgroundPeak
		} else {
			background.Data[i] = float64(p)
		}
	}
	vis.Show("Background Priors", background, images)

	sigma := params.SmoothingSigma
	smoothed := smoother.Smooth(background, [3]float64{sigma, sigma, sigma})
	vis.Show("Smoothed Background Priors", smoothed, nil)

	threshold := backgroundPeak * (1 - params.Threshold)
	mask := models.NewMask(shape)
	for i, p := range smoothed.Data {
		mask.Data[i] = p < threshold
	}
	candidates := mask.Count()

	// Degenerate table: every node certainly non-background
	covered := mat.NewDense(mesh.NumberOfNodes(), 2, nil)
	for i := 0; i < mesh.NumberOfNodes(); i++ {
		covered.Set(i, 1, 1)
	}
	coverage, err := mesh.Rasterize(shape, 1, covered)
	if err != nil {
		return nil, nil, fmt.Errorf("rasterizing mesh coverage: %w", err)
	}
	for i, c := range coverage {
		if c == 0 {
			mask.Data[i] = false
		}
	}

	if params.ExcludeZeroIntensities {
		for _, channel := range images.Channels {
			for i, v := range channel {
				if !(v > 0) {
					mask.Data[i] = false
				}
			}
		}
	}

	masked := images.Clone()
	for i, on := range mask.Data {
		if on {
			continue
		}
		for _, channel := range masked.Channels {
			channel[i] = 0
		}
	}

	log.WithFields(log.Fields{
		"threshold":  threshold,
		"candidates": candidates,
		"voxels":     mask.Count(),
	}).Info("Computed brain mask")
	return masked, mask, nil
}
