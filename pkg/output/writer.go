// Package output writes segmentation results back into the space of the
// un-cropped input scans.
package output

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
	"brainseg/pkg/imageio"
	"brainseg/pkg/segmentation"
)

// DefaultExtension is the volume format results are written in
const DefaultExtension = ".nii"

// StatsFileName is the structure volume summary written next to the volumes
const StatsFileName = "samseg.stats"

// VolumeWriter persists an image with its transform
type VolumeWriter interface {
	WriteVolume(path string, img *imageio.Image) error
}

// Writer embeds cropped result volumes into the reference extent and writes
// them to Dir.
type Writer struct {
	Engine    VolumeWriter
	Geometry  *geometry.Geometry
	Dir       string
	Extension string
}

// NewWriter creates a writer. An empty ext selects DefaultExtension.
func NewWriter(engine VolumeWriter, g *geometry.Geometry, dir, ext string) *Writer {
	if ext == "" {
		ext = DefaultExtension
	}
	return &Writer{Engine: engine, Geometry: g, Dir: dir, Extension: ext}
}

// ScanName returns the file name of an input scan without directory and
// volume extension.
func ScanName(path string) string {
	return imageio.StripExtension(filepath.Base(path))
}

func (w *Writer) writeVolume(path string, v *models.Volume, dt imageio.DataType) error {
	full, err := w.Geometry.Uncrop(v)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", filepath.Base(path), err)
	}
	if err := w.Engine.WriteVolume(path, imageio.NewImage(full, w.Geometry.Affine, dt)); err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": path}).Debug("Wrote result volume")
	return nil
}

// WriteSegmentation writes <scan>_crispSegmentation and returns its path.
func (w *Writer) WriteSegmentation(scan string, labels *models.LabelVolume) (string, error) {
	path := filepath.Join(w.Dir, scan+"_crispSegmentation"+w.Extension)
	return path, w.writeVolume(path, labels.ToVolume(), imageio.Int32)
}

// WriteContrast writes the multiplicative bias field and the bias-corrected
// intensities of one contrast.
func (w *Writer) WriteContrast(scan string, biasField, corrected *models.Volume) error {
	if err := w.writeVolume(filepath.Join(w.Dir, scan+"_biasField"+w.Extension), biasField, imageio.Float32); err != nil {
		return err
	}
	return w.writeVolume(filepath.Join(w.Dir, scan+"_biasCorrected"+w.Extension), corrected, imageio.Float32)
}

// WriteScalingFactor writes <scan>_scaling-factor.txt holding one number.
func (w *Writer) WriteScalingFactor(scan string, factor float64) error {
	path := filepath.Join(w.Dir, scan+"_scaling-factor.txt")
	return os.WriteFile(path, []byte(formatFloat(factor)+"\n"), 0644)
}

// WritePosteriors writes one volume per structure to the posteriors
// subdirectory. Voxels outside the mask are 0.
func (w *Writer) WritePosteriors(posteriors *models.Posteriors, mask *models.Mask, names []string) error {
	if len(names) != posteriors.NumStructures {
		return fmt.Errorf("%d structure names for %d posterior columns", len(names), posteriors.NumStructures)
	}
	dir := filepath.Join(w.Dir, "posteriors")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating posteriors directory: %w", err)
	}

	indices := mask.Indices()
	for k, name := range names {
		v := models.NewVolume(mask.Shape)
		for j, i := range indices {
			v.Data[i] = posteriors.At(j, k)
		}
		if err := w.writeVolume(filepath.Join(dir, name+w.Extension), v, imageio.Float32); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{"dir": dir, "structures": len(names)}).Info("Wrote posteriors")
	return nil
}

// WriteStats writes the soft structure volumes in mm^3.
func (w *Writer) WriteStats(names []string, volumes []float64) error {
	if len(names) != len(volumes) {
		return fmt.Errorf("%d names for %d volumes", len(names), len(volumes))
	}
	var b strings.Builder
	for i, name := range names {
		fmt.Fprintf(&b, "# Measure %s, %.6f, mm^3\n", name, volumes[i])
	}
	return os.WriteFile(filepath.Join(w.Dir, StatsFileName), []byte(b.String()), 0644)
}

// WriteLookupTable writes a FreeSurfer color table for the label codes of
// the segmentation, <scan>_crispSegmentation.lut.txt.
func (w *Writer) WriteLookupTable(scan string, table models.LabelTable) error {
	f, err := os.Create(filepath.Join(w.Dir, scan+"_crispSegmentation.lut.txt"))
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, s := range table {
		r, g, b := s.Color.Clamped().RGB255()
		fmt.Fprintf(bw, "%-5d %-40s %3d %3d %3d 0\n", s.Code, s.Name, r, g, b)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// WriteCentroids writes the RAS centroid of every label as
// "code name x y z" lines to <scan>_centroids.txt.
func (w *Writer) WriteCentroids(scan string, centroids []segmentation.Centroid, table models.LabelTable) error {
	names := make(map[int]string, len(table))
	for _, s := range table {
		if _, ok := names[s.Code]; !ok {
			names[s.Code] = s.Name
		}
	}

	var b strings.Builder
	b.WriteString("# label name R A S\n")
	for _, c := range centroids {
		name, ok := names[c.Code]
		if !ok {
			name = "Unknown"
		}
		fmt.Fprintf(&b, "%d %s %.4f %.4f %.4f\n", c.Code, name, c.Position[0], c.Position[1], c.Position[2])
	}
	return os.WriteFile(filepath.Join(w.Dir, scan+"_centroids.txt"), []byte(b.String()), 0644)
}

// formatFloat renders f the way Python prints a float: shortest round-trip
// digits, always with a decimal point or exponent.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
