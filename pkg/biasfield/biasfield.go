// Package biasfield moves images in and out of the log domain the bias
// field is estimated in.
package biasfield

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"brainseg/internal/models"
)

// clippingMargin widens the in-mask bias range on both sides before the
// field is clamped
var clippingMargin = math.Ln2

// LogTransform returns the natural log of images. Voxels outside the mask
// are set to 1 first, so they are 0 in the log domain.
func LogTransform(images *models.ImageVolume, mask *models.Mask) (*models.ImageVolume, error) {
	if mask.Shape != images.Shape {
		return nil, fmt.Errorf("mask shape %v does not match image shape %v", mask.Shape, images.Shape)
	}
	out := models.NewImageVolume(images.Shape, images.NumContrasts())
	for c, channel := range images.Channels {
		dst := out.Channels[c]
		for i, v := range channel {
			if mask.Data[i] {
				dst[i] = math.Log(v)
			}
		}
	}
	return out, nil
}

// UndoLogBiasField returns bias-corrected intensities in the linear domain,
// exp(image) / exp(bias), together with the multiplicative bias field. Each
// contrast's bias is clamped to its in-mask range widened by ln 2 before
// exponentiation. biasFields itself is not modified.
func UndoLogBiasField(images, biasFields *models.ImageVolume, mask *models.Mask) (corrected, expBias *models.ImageVolume, err error) {
	if biasFields.Shape != images.Shape || mask.Shape != images.Shape {
		return nil, nil, fmt.Errorf("bias field %v, mask %v and image %v shapes differ", biasFields.Shape, mask.Shape, images.Shape)
	}
	if biasFields.NumContrasts() != images.NumContrasts() {
		return nil, nil, fmt.Errorf("bias field has %d contrasts, image has %d", biasFields.NumContrasts(), images.NumContrasts())
	}

	corrected = models.NewImageVolume(images.Shape, images.NumContrasts())
	expBias = models.NewImageVolume(images.Shape, images.NumContrasts())
	for c, bias := range biasFields.Channels {
		lo, hi, ok := maskedRange(bias, mask)
		if !ok {
			return nil, nil, fmt.Errorf("contrast %d: bias field range over empty mask: %w", c, models.ErrDegenerateMask)
		}
		lo -= clippingMargin
		hi += clippingMargin

		image := images.Channels[c]
		for i, b := range bias {
			e := math.Exp(math.Min(math.Max(b, lo), hi))
			expBias.Channels[c][i] = e
			corrected.Channels[c][i] = math.Exp(image[i]) / e
		}

		log.WithFields(log.Fields{
			"contrast": c,
			"clipMin":  lo,
			"clipMax":  hi,
		}).Debug("Undid log bias field")
	}
	return corrected, expBias, nil
}

func maskedRange(values []float64, mask *models.Mask) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, v := range values {
		if !mask.Data[i] {
			continue
		}
		ok = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, ok
}
