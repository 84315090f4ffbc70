package models

import (
	"errors"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

var (
	// ErrConfiguration is returned when a requested structure name matches no
	// entry of the label table.
	ErrConfiguration = errors.New("configuration error")

	// ErrDegenerateMask is returned when a statistic over masked voxels is
	// requested but there are no voxels (or no weight) to compute it from.
	ErrDegenerateMask = errors.New("degenerate mask")
)

// Structure is one entry of an atlas label table
type Structure struct {
	// Code is the external (FreeSurfer) label code written to segmentations
	Code int

	// Name is the structure name, e.g. "Left-Cerebral-White-Matter"
	Name string

	// Color is the display color of the structure
	Color colorful.Color

	// Alpha is the display opacity in [0, 255] as stored in lookup tables
	Alpha int
}

// LabelTable is an ordered list of structures, index-aligned with the
// structure axis of Posteriors.
type LabelTable []Structure

// Names returns the structure names in table order.
func (t LabelTable) Names() []string {
	names := make([]string, len(t))
	for i, s := range t {
		names[i] = s.Name
	}
	return names
}

// Codes returns the external label codes in table order.
func (t LabelTable) Codes() []int {
	codes := make([]int, len(t))
	for i, s := range t {
		codes[i] = s.Code
	}
	return codes
}

// FindFirst returns the index of the first structure whose name contains
// substr. Matching is case-sensitive.
func (t LabelTable) FindFirst(substr string) (int, bool) {
	for i, s := range t {
		if strings.Contains(s.Name, substr) {
			return i, true
		}
	}
	return -1, false
}
