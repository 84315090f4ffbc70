// Package filter implements the separable Gaussian smoothing used by brain
// masking.
package filter

import (
	"math"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"brainseg/internal/models"
)

// truncation is the kernel half width in standard deviations
const truncation = 4.0

// GaussianKernel returns a normalized sampled Gaussian of standard deviation
// sigma (in voxels), truncated at ceil(4*sigma). A non-positive sigma gives
// the unit impulse.
func GaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(truncation * sigma))
	kernel := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		kernel[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// GaussianSmoother smooths volumes with a separable Gaussian kernel, one axis
// at a time, distributing the lines of each axis over NumCores workers.
type GaussianSmoother struct {
	NumCores int
}

// NewGaussianSmoother creates a smoother using all available cores.
func NewGaussianSmoother() *GaussianSmoother {
	return &GaussianSmoother{NumCores: runtime.NumCPU()}
}

// Smooth returns a smoothed copy of v. sigmas are per-axis standard
// deviations in voxels; an axis with sigma 0 is left untouched.
func (s *GaussianSmoother) Smooth(v *models.Volume, sigmas [3]float64) *models.Volume {
	out := v.Clone()
	for axis := 0; axis < 3; axis++ {
		if sigmas[axis] <= 0 || v.Shape[axis] == 0 {
			continue
		}
		s.smoothAxis(out, axis, GaussianKernel(sigmas[axis]))
	}
	return out
}

// smoothAxis filters every line of v along axis in place.
func (s *GaussianSmoother) smoothAxis(v *models.Volume, axis int, kernel []float64) {
	shape := v.Shape
	n := shape[axis]

	// Stride along the axis and the start index of every line
	var stride int
	var starts []int
	switch axis {
	case 0:
		stride = 1
		for z := 0; z < shape[2]; z++ {
			for y := 0; y < shape[1]; y++ {
				starts = append(starts, shape.Index(0, y, z))
			}
		}
	case 1:
		stride = shape[0]
		for z := 0; z < shape[2]; z++ {
			for x := 0; x < shape[0]; x++ {
				starts = append(starts, shape.Index(x, 0, z))
			}
		}
	default:
		stride = shape[0] * shape[1]
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[0]; x++ {
				starts = append(starts, shape.Index(x, y, 0))
			}
		}
	}

	numWorkers := s.NumCores
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(starts) {
		numWorkers = len(starts)
	}

	log.WithFields(log.Fields{
		"axis":    axis,
		"lines":   len(starts),
		"kernel":  len(kernel),
		"workers": numWorkers,
	}).Debug("Smoothing axis")

	var wg sync.WaitGroup
	chunk := (len(starts) + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(starts))
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lines []int) {
			defer wg.Done()
			conv := newLineConvolver(kernel, n)
			line := make([]float64, n)
			for _, start := range lines {
				for i := 0; i < n; i++ {
					line[i] = v.Data[start+i*stride]
				}
				conv.convolve(line)
				for i := 0; i < n; i++ {
					v.Data[start+i*stride] = line[i]
				}
			}
		}(starts[lo:hi])
	}
	wg.Wait()
}
