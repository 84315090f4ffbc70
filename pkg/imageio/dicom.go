package imageio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
)

// dicomSlice is one parsed single-frame image of a series
type dicomSlice struct {
	path        string
	rows, cols  int
	spacing     [2]float64 // row spacing, column spacing
	orientation [6]float64 // row direction cosines, column direction cosines
	position    [3]float64
	pixels      []float64
}

// ReadDICOMSeries reads every DICOM file in dir as one slice of a single
// series, sorts the slices along the slice normal and assembles a volume in
// RAS coordinates. Files that are not DICOM are skipped.
func ReadDICOMSeries(dir string) (*Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var slices []*dicomSlice
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		s, err := readDICOMSlice(path)
		if err != nil {
			log.WithFields(log.Fields{"path": path, "error": err}).Debug("Skipping file")
			continue
		}
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no DICOM images found in %s", dir)
	}

	for _, s := range slices[1:] {
		if s.rows != slices[0].rows || s.cols != slices[0].cols {
			return nil, fmt.Errorf("slice %s is %dx%d, series is %dx%d", s.path, s.cols, s.rows, slices[0].cols, slices[0].rows)
		}
	}

	normal := sliceNormal(slices[0].orientation)
	sortSlices(slices, normal)

	// the step runs from the spatially first slice to the last
	first := slices[0]
	step := [3]float64{normal[0], normal[1], normal[2]}
	if n := len(slices); n > 1 {
		last := slices[n-1]
		for i := 0; i < 3; i++ {
			step[i] = (last.position[i] - first.position[i]) / float64(n-1)
		}
	}

	shape := models.Shape{first.cols, first.rows, len(slices)}
	data := make([]float64, 0, shape.Len())
	for _, s := range slices {
		data = append(data, s.pixels...)
	}

	log.WithFields(log.Fields{
		"dir":    dir,
		"slices": len(slices),
		"shape":  shape,
	}).Info("Read DICOM series")

	return &Image{
		Shape:    shape,
		Frames:   [][]float64{data},
		Affine:   seriesAffine(first.orientation, first.spacing, first.position, step),
		DataType: Float32,
	}, nil
}

func readDICOMSlice(path string) (*dicomSlice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}

	s := &dicomSlice{path: path}
	if s.rows, err = intValue(ds, tag.Rows); err != nil {
		return nil, err
	}
	if s.cols, err = intValue(ds, tag.Columns); err != nil {
		return nil, err
	}

	spacing, err := floatValues(ds, tag.PixelSpacing, 2)
	if err != nil {
		spacing = []float64{1, 1}
	}
	copy(s.spacing[:], spacing)

	orientation, err := floatValues(ds, tag.ImageOrientationPatient, 6)
	if err != nil {
		orientation = []float64{1, 0, 0, 0, 1, 0}
	}
	copy(s.orientation[:], orientation)

	position, err := floatValues(ds, tag.ImagePositionPatient, 3)
	if err != nil {
		return nil, fmt.Errorf("missing image position: %w", err)
	}
	copy(s.position[:], position)

	slope, intercept := 1.0, 0.0
	if v, err := floatValues(ds, tag.RescaleSlope, 1); err == nil {
		slope = v[0]
	}
	if v, err := floatValues(ds, tag.RescaleIntercept, 1); err == nil {
		intercept = v[0]
	}
	signed := false
	if v, err := intValue(ds, tag.PixelRepresentation); err == nil {
		signed = v == 1
	}

	raw, err := pixelValues(ds, signed)
	if err != nil {
		return nil, err
	}
	if len(raw) != s.rows*s.cols {
		return nil, fmt.Errorf("pixel data has %d samples, expected %d", len(raw), s.rows*s.cols)
	}
	for i := range raw {
		raw[i] = raw[i]*slope + intercept
	}
	s.pixels = raw
	return s, nil
}

func pixelValues(ds dicom.Dataset, signed bool) ([]float64, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, err
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, fmt.Errorf("no pixel data")
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return nil, fmt.Errorf("encapsulated (compressed) pixel data is not supported")
	}

	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		out := make([]float64, len(nf.RawData))
		for i, v := range nf.RawData {
			out[i] = float64(v)
		}
		return out, nil
	case *frame.NativeFrame[uint16]:
		out := make([]float64, len(nf.RawData))
		for i, v := range nf.RawData {
			if signed {
				out[i] = float64(int16(v))
			} else {
				out[i] = float64(v)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported pixel format %T", fr.NativeData)
}

func intValue(ds dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, err
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], nil
		}
	case []string:
		if len(v) > 0 {
			return strconv.Atoi(strings.TrimSpace(v[0]))
		}
	}
	return 0, fmt.Errorf("tag %v has no integer value", t)
}

func floatValues(ds dicom.Dataset, t tag.Tag, n int) ([]float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	var out []float64
	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			// multi-valued strings may arrive unsplit
			for _, field := range strings.Split(s, `\`) {
				f, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
				if err != nil {
					return nil, fmt.Errorf("tag %v: %w", t, err)
				}
				out = append(out, f)
			}
		}
	case []int:
		for _, i := range v {
			out = append(out, float64(i))
		}
	case []float64:
		out = v
	}
	if len(out) < n {
		return nil, fmt.Errorf("tag %v has %d values, expected %d", t, len(out), n)
	}
	return out[:n], nil
}

// sliceNormal is the cross product of the row and column directions
func sliceNormal(o [6]float64) [3]float64 {
	return [3]float64{
		o[1]*o[5] - o[2]*o[4],
		o[2]*o[3] - o[0]*o[5],
		o[0]*o[4] - o[1]*o[3],
	}
}

// sortSlices orders slices by their position along the normal
func sortSlices(slices []*dicomSlice, normal [3]float64) {
	dist := func(s *dicomSlice) float64 {
		return s.position[0]*normal[0] + s.position[1]*normal[1] + s.position[2]*normal[2]
	}
	sort.SliceStable(slices, func(i, j int) bool {
		return dist(slices[i]) < dist(slices[j])
	})
}

// seriesAffine builds the voxel-to-RAS transform of a series. Voxel x runs
// along a row (column index), y down the columns (row index) and z through
// the slices. DICOM patient coordinates are LPS, so the first two world
// axes are negated.
func seriesAffine(orientation [6]float64, spacing [2]float64, position, step [3]float64) *geometry.Affine {
	var linear [9]float64
	var translation [3]float64
	flip := [3]float64{-1, -1, 1}
	for r := 0; r < 3; r++ {
		linear[r*3+0] = flip[r] * orientation[r] * spacing[1]
		linear[r*3+1] = flip[r] * orientation[3+r] * spacing[0]
		linear[r*3+2] = flip[r] * step[r]
		translation[r] = flip[r] * position[r]
	}
	for i := range linear {
		if linear[i] == 0 {
			// avoid negative zeros
			linear[i] = math.Abs(linear[i])
		}
	}
	return geometry.FromLinear(linear, translation)
}
