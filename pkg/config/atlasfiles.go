package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"

	"brainseg/internal/models"
)

// LookupTableFileName and SharedGMMFileName are the side files of an atlas
// directory
const (
	LookupTableFileName = "compressionLookupTable.txt"
	SharedGMMFileName   = "sharedGMMParameters.txt"
)

// GMMParameter groups structures that share one Gaussian mixture
type GMMParameter struct {
	MergedName         string   `yaml:"mergedName"`
	NumberOfComponents int      `yaml:"numberOfComponents"`
	SearchStrings      []string `yaml:"searchStrings"`
}

// readFields calls fn with the whitespace separated fields of every line
// that is neither blank nor a '#' comment
func readFields(path string, fn func(line int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := fn(line, strings.Fields(text)); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	return nil
}

// LoadLabelTable reads a compression lookup table. Each line holds
// "FreeSurferLabel compressedLabel name R G B A"; the table is returned in
// compressed label order, which is the structure order of the atlas.
func LoadLabelTable(path string) (models.LabelTable, error) {
	type entry struct {
		compressed int
		structure  models.Structure
	}
	var entries []entry

	err := readFields(path, func(line int, fields []string) error {
		if len(fields) < 7 {
			return fmt.Errorf("expected 7 columns, got %d", len(fields))
		}
		values := make([]int, 0, 6)
		for _, i := range []int{0, 1, 3, 4, 5, 6} {
			v, err := strconv.Atoi(fields[i])
			if err != nil {
				return fmt.Errorf("invalid integer %q: %w", fields[i], err)
			}
			values = append(values, v)
		}
		entries = append(entries, entry{
			compressed: values[1],
			structure: models.Structure{
				Code: values[0],
				Name: fields[2],
				Color: colorful.Color{
					R: float64(values[2]) / 255,
					G: float64(values[3]) / 255,
					B: float64(values[4]) / 255,
				},
				Alpha: values[5],
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("lookup table %s is empty: %w", path, models.ErrConfiguration)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].compressed < entries[j].compressed })
	table := make(models.LabelTable, len(entries))
	for i, e := range entries {
		if e.compressed != i {
			return nil, fmt.Errorf("lookup table %s: compressed labels are not 0..%d: %w", path, len(entries)-1, models.ErrConfiguration)
		}
		table[i] = e.structure
	}
	return table, nil
}

// LoadSharedGMMParameters reads lines of
// "mergedName numberOfComponents searchString...".
func LoadSharedGMMParameters(path string) ([]GMMParameter, error) {
	var params []GMMParameter
	err := readFields(path, func(line int, fields []string) error {
		if len(fields) < 3 {
			return fmt.Errorf("expected a name, a component count and search strings")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid number of components %q", fields[1])
		}
		params = append(params, GMMParameter{
			MergedName:         fields[0],
			NumberOfComponents: n,
			SearchStrings:      fields[2:],
		})
		return nil
	})
	return params, err
}
