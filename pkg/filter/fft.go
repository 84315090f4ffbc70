package filter

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// lineConvolver convolves fixed-length lines with a symmetric kernel in the
// frequency domain. It is not safe for concurrent use; every worker owns one.
type lineConvolver struct {
	n      int // length of the unpadded line
	radius int // kernel half width
	fft    *fourier.FFT

	kernelCoeffs []complex128
	padded       []float64
	coeffs       []complex128
	result       []float64
}

// newLineConvolver prepares the transform of a kernel of length 2*radius+1
// for lines of length n. Lines are edge-padded by radius on both sides so
// the circular convolution never wraps into valid samples.
func newLineConvolver(kernel []float64, n int) *lineConvolver {
	radius := len(kernel) / 2
	m := n + 2*radius
	fft := fourier.NewFFT(m)

	// Kernel laid out circularly around index 0
	wrapped := make([]float64, m)
	wrapped[0] = kernel[radius]
	for j := 1; j <= radius; j++ {
		wrapped[j] = kernel[radius+j]
		wrapped[m-j] = kernel[radius-j]
	}

	return &lineConvolver{
		n:            n,
		radius:       radius,
		fft:          fft,
		kernelCoeffs: fft.Coefficients(nil, wrapped),
		padded:       make([]float64, m),
		coeffs:       make([]complex128, m/2+1),
		result:       make([]float64, m),
	}
}

// convolve filters line in place.
func (c *lineConvolver) convolve(line []float64) {
	m := len(c.padded)

	// Replicate edge samples into the padding
	for i := 0; i < c.radius; i++ {
		c.padded[i] = line[0]
		c.padded[m-1-i] = line[c.n-1]
	}
	copy(c.padded[c.radius:c.radius+c.n], line)

	c.fft.Coefficients(c.coeffs, c.padded)
	for k := range c.coeffs {
		c.coeffs[k] *= c.kernelCoeffs[k]
	}
	c.fft.Sequence(c.result, c.coeffs)

	// gonum does not normalize the inverse transform
	scale := 1 / float64(m)
	for i := 0; i < c.n; i++ {
		line[i] = c.result[i+c.radius] * scale
	}
}
