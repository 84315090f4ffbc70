// Package calibration rescales bias fields so that a set of target structures
// reaches a requested mean intensity after correction.
package calibration

import (
	"fmt"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"brainseg/internal/models"
)

// Target is the requested mean intensity of the structures whose names
// contain any of SearchStrings.
type Target struct {
	Intensity     float64
	SearchStrings []string
}

// TargetWeights sums, per voxel, the posterior columns of every structure
// whose name contains a search string. A structure matching several search
// strings is added once per match.
func TargetWeights(posteriors *models.Posteriors, names, searchStrings []string) ([]float64, error) {
	if len(names) != posteriors.NumStructures {
		return nil, fmt.Errorf("%d structure names for %d posterior columns", len(names), posteriors.NumStructures)
	}
	weights := make([]float64, posteriors.NumVoxels)
	matched := 0
	for _, search := range searchStrings {
		for k, name := range names {
			if !strings.Contains(name, search) {
				continue
			}
			floats.Add(weights, posteriors.Column(k))
			matched++
		}
	}
	if matched == 0 {
		return nil, fmt.Errorf("no structure matches target search strings %q: %w", searchStrings, models.ErrConfiguration)
	}
	return weights, nil
}

// Calibrate subtracts a constant per contrast from biasFields so that the
// posterior-weighted mean of exp(image - bias) over the target structures
// equals target.Intensity, and returns the multiplicative scaling factor
// exp(offset) of each contrast. With a nil target it returns ones and leaves
// biasFields alone. On error biasFields is unchanged.
func Calibrate(biasFields, images *models.ImageVolume, mask *models.Mask, posteriors *models.Posteriors, target *Target, names []string) ([]float64, error) {
	numContrasts := images.NumContrasts()
	factors := make([]float64, numContrasts)
	if target == nil {
		for c := range factors {
			factors[c] = 1
		}
		return factors, nil
	}

	if biasFields.NumContrasts() != numContrasts || biasFields.Shape != images.Shape {
		return nil, fmt.Errorf("bias field does not match image volume")
	}
	if mask.Shape != images.Shape {
		return nil, fmt.Errorf("mask shape %v does not match image shape %v", mask.Shape, images.Shape)
	}
	indices := mask.Indices()
	if len(indices) != posteriors.NumVoxels {
		return nil, fmt.Errorf("mask has %d voxels, posteriors have %d rows", len(indices), posteriors.NumVoxels)
	}

	weights, err := TargetWeights(posteriors, names, target.SearchStrings)
	if err != nil {
		return nil, err
	}
	if floats.Sum(weights) == 0 {
		return nil, fmt.Errorf("target structures have zero total weight: %w", models.ErrDegenerateMask)
	}

	offsets := make([]float64, numContrasts)
	intensities := make([]float64, len(indices))
	for c := 0; c < numContrasts; c++ {
		image, bias := images.Channels[c], biasFields.Channels[c]
		for j, i := range indices {
			intensities[j] = math.Exp(image[i] - bias[i])
		}
		mean := stat.Mean(intensities, weights)
		offsets[c] = math.Log(target.Intensity) - math.Log(mean)
		if math.IsInf(offsets[c], 0) || math.IsNaN(offsets[c]) {
			return nil, fmt.Errorf("contrast %d has weighted mean intensity %g: %w", c, mean, models.ErrDegenerateMask)
		}

		log.WithFields(log.Fields{
			"contrast":     c,
			"weightedMean": mean,
			"target":       target.Intensity,
			"offset":       offsets[c],
		}).Debug("Calibrated contrast")
	}

	for c, offset := range offsets {
		bias := biasFields.Channels[c]
		for i := range bias {
			bias[i] -= offset
		}
		factors[c] = math.Exp(offset)
	}

	log.WithFields(log.Fields{"scalingFactors": factors}).Info("Calibrated intensities")
	return factors, nil
}
