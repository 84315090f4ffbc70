package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Posteriors holds per-voxel structure probabilities for the voxels inside a
// mask. Row i belongs to the i-th true voxel of the mask in linear order, and
// column k to structure k of the label table.
//
// A plain row-major buffer is used instead of mat.Dense because an empty mask
// has to be representable as a matrix with zero rows.
type Posteriors struct {
	NumVoxels     int
	NumStructures int
	Data          []float64
}

// NewPosteriors allocates a zero-filled posterior matrix.
func NewPosteriors(numVoxels, numStructures int) *Posteriors {
	return &Posteriors{
		NumVoxels:     numVoxels,
		NumStructures: numStructures,
		Data:          make([]float64, numVoxels*numStructures),
	}
}

// PosteriorsFromRows builds a posterior matrix from row slices.
func PosteriorsFromRows(rows [][]float64) (*Posteriors, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no posterior rows given")
	}
	p := NewPosteriors(len(rows), len(rows[0]))
	for i, row := range rows {
		if len(row) != p.NumStructures {
			return nil, fmt.Errorf("row %d has %d structures, expected %d", i, len(row), p.NumStructures)
		}
		copy(p.Row(i), row)
	}
	return p, nil
}

// Row returns a view of the probabilities of voxel i.
func (p *Posteriors) Row(i int) []float64 {
	return p.Data[i*p.NumStructures : (i+1)*p.NumStructures]
}

// At returns the probability of structure k at voxel i.
func (p *Posteriors) At(i, k int) float64 {
	return p.Data[i*p.NumStructures+k]
}

// Set assigns the probability of structure k at voxel i.
func (p *Posteriors) Set(i, k int, value float64) {
	p.Data[i*p.NumStructures+k] = value
}

// Column returns a copy of the probabilities of structure k over all voxels.
func (p *Posteriors) Column(k int) []float64 {
	col := make([]float64, p.NumVoxels)
	for i := range col {
		col[i] = p.Data[i*p.NumStructures+k]
	}
	return col
}

// ColumnSums returns the total probability mass of every structure.
func (p *Posteriors) ColumnSums() []float64 {
	sums := make([]float64, p.NumStructures)
	for i := 0; i < p.NumVoxels; i++ {
		floats.Add(sums, p.Row(i))
	}
	return sums
}

// Clone returns a deep copy.
func (p *Posteriors) Clone() *Posteriors {
	data := make([]float64, len(p.Data))
	copy(data, p.Data)
	return &Posteriors{NumVoxels: p.NumVoxels, NumStructures: p.NumStructures, Data: data}
}
