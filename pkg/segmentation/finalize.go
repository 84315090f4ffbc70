// Package segmentation turns posterior probabilities into a hard label map
// and derives structure volumes and centroids from it.
package segmentation

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"brainseg/internal/models"
	"brainseg/pkg/geometry"
)

// Threshold forces the first structure whose name contains SearchString to
// win wherever its posterior exceeds Value, and to lose everywhere else.
type Threshold struct {
	SearchString string
	Value        float64
}

// StructureNumbers returns the winning structure index of every posterior
// row. Ties go to the lowest index. With a threshold the named structure's
// probability is replaced by 1 or 0 in a scratch copy of each row; the
// posteriors themselves are never written.
func StructureNumbers(posteriors *models.Posteriors, names []string, threshold *Threshold) ([]int, error) {
	if posteriors.NumStructures == 0 {
		return nil, fmt.Errorf("posteriors have no structures")
	}
	if len(names) != posteriors.NumStructures {
		return nil, fmt.Errorf("%d structure names for %d posterior columns", len(names), posteriors.NumStructures)
	}

	forced := -1
	if threshold != nil {
		forced = firstMatch(names, threshold.SearchString)
		if forced < 0 {
			return nil, fmt.Errorf("no structure matches threshold search string %q: %w", threshold.SearchString, models.ErrConfiguration)
		}
		log.WithFields(log.Fields{
			"structure": names[forced],
			"threshold": threshold.Value,
		}).Info("Thresholding posterior")
	}

	numbers := make([]int, posteriors.NumVoxels)
	scratch := make([]float64, posteriors.NumStructures)
	for i := range numbers {
		row := posteriors.Row(i)
		if forced >= 0 {
			copy(scratch, row)
			if row[forced] > threshold.Value {
				scratch[forced] = 1
			} else {
				scratch[forced] = 0
			}
			row = scratch
		}
		numbers[i] = floats.MaxIdx(row)
	}
	return numbers, nil
}

func firstMatch(names []string, substr string) int {
	for i, name := range names {
		if strings.Contains(name, substr) {
			return i
		}
	}
	return -1
}

// Volumes returns the soft volume of every structure: its total posterior
// mass times the volume of one voxel.
func Volumes(posteriors *models.Posteriors, voxelVolume float64) []float64 {
	volumes := posteriors.ColumnSums()
	floats.Scale(voxelVolume, volumes)
	return volumes
}

// Finalize labels every mask voxel with the external code of its winning
// structure and computes the soft structure volumes.
//
// Parameters:
//   - posteriors: One row per mask voxel in mask order, one column per structure
//   - mask: Brain mask on the analysis grid
//   - table: Structures in posterior column order
//   - threshold: Optional override favoring one structure, may be nil
//   - voxelVolume: World volume of one voxel
//
// Returns:
//   - The label volume, 0 outside the mask
//   - The volume of each structure in table order, computed from the
//     unmodified posteriors
//   - An error if the posteriors do not match the mask or the threshold
//     structure is unknown
func Finalize(posteriors *models.Posteriors, mask *models.Mask, table models.LabelTable, threshold *Threshold, voxelVolume float64) (*models.LabelVolume, []float64, error) {
	indices := mask.Indices()
	if len(indices) != posteriors.NumVoxels {
		return nil, nil, fmt.Errorf("mask has %d voxels, posteriors have %d rows", len(indices), posteriors.NumVoxels)
	}
	numbers, err := StructureNumbers(posteriors, table.Names(), threshold)
	if err != nil {
		return nil, nil, err
	}

	labels := models.NewLabelVolume(mask.Shape)
	for j, i := range indices {
		labels.Data[i] = int32(table[numbers[j]].Code)
	}
	volumes := Volumes(posteriors, voxelVolume)

	log.WithFields(log.Fields{
		"voxels":      len(indices),
		"structures":  len(table),
		"voxelVolume": voxelVolume,
	}).Info("Finalized segmentation")
	return labels, volumes, nil
}

// Centroid is the world position of the center of mass of one label
type Centroid struct {
	Code     int
	Position [3]float64
	Voxels   int
}

// Centroids returns the RAS centroid of every label code except 0, in
// increasing code order. labels lies on the cropped grid of g.
func Centroids(labels *models.LabelVolume, g *geometry.Geometry) []Centroid {
	type accumulator struct {
		sum [3]float64
		n   int
	}
	acc := map[int32]*accumulator{}
	shape := labels.Shape
	for idx, code := range labels.Data {
		if code == 0 {
			continue
		}
		a, ok := acc[code]
		if !ok {
			a = &accumulator{}
			acc[code] = a
		}
		x, y, z := shape.Coords(idx)
		a.sum[0] += float64(x)
		a.sum[1] += float64(y)
		a.sum[2] += float64(z)
		a.n++
	}

	centroids := make([]Centroid, 0, len(acc))
	for code, a := range acc {
		n := float64(a.n)
		centroids = append(centroids, Centroid{
			Code:     int(code),
			Position: g.CroppedVoxelToWorld(a.sum[0]/n, a.sum[1]/n, a.sum[2]/n),
			Voxels:   a.n,
		})
	}
	sort.Slice(centroids, func(i, j int) bool { return centroids[i].Code < centroids[j].Code })
	return centroids
}
