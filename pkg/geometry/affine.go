// Package geometry provides the voxel-to-world transforms and cropping
// regions used to place cropped analysis volumes back into scanner space.
package geometry

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 homogeneous voxel-to-world transform
type Affine struct {
	m *mat.Dense
}

// NewAffine wraps a 4x4 matrix. The matrix is copied.
func NewAffine(m mat.Matrix) (*Affine, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
	}
	return &Affine{m: mat.DenseCopyOf(m)}, nil
}

// Identity returns the identity transform.
func Identity() *Affine {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return &Affine{m: m}
}

// FromLinear builds an affine from a 3x3 linear part (row-major) and a translation.
func FromLinear(linear [9]float64, translation [3]float64) *Affine {
	m := mat.NewDense(4, 4, []float64{
		linear[0], linear[1], linear[2], translation[0],
		linear[3], linear[4], linear[5], translation[1],
		linear[6], linear[7], linear[8], translation[2],
		0, 0, 0, 1,
	})
	return &Affine{m: m}
}

// Matrix returns a copy of the 4x4 matrix.
func (a *Affine) Matrix() *mat.Dense {
	return mat.DenseCopyOf(a.m)
}

// Linear returns a copy of the 3x3 linear part.
func (a *Affine) Linear() *mat.Dense {
	return mat.DenseCopyOf(a.m.Slice(0, 3, 0, 3))
}

// Translation returns the translation column.
func (a *Affine) Translation() [3]float64 {
	return [3]float64{a.m.At(0, 3), a.m.At(1, 3), a.m.At(2, 3)}
}

// VoxelSpacing returns the length of each voxel axis in world units, i.e.
// the column norms of the linear part.
func (a *Affine) VoxelSpacing() [3]float64 {
	var spacing [3]float64
	col := make([]float64, 3)
	for j := 0; j < 3; j++ {
		mat.Col(col, j, a.m.Slice(0, 3, 0, 3))
		spacing[j] = floats.Norm(col, 2)
	}
	return spacing
}

// VoxelVolume returns the world volume of one voxel, |det(linear part)|.
func (a *Affine) VoxelVolume() float64 {
	return math.Abs(mat.Det(a.m.Slice(0, 3, 0, 3)))
}

// VoxelToWorld maps continuous voxel coordinates to world coordinates.
func (a *Affine) VoxelToWorld(x, y, z float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = a.m.At(i, 0)*x + a.m.At(i, 1)*y + a.m.At(i, 2)*z + a.m.At(i, 3)
	}
	return out
}

// Inverse returns the world-to-voxel transform.
func (a *Affine) Inverse() (*Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return nil, fmt.Errorf("affine is not invertible: %w", err)
	}
	return &Affine{m: &inv}, nil
}

// Compose returns a·b, the transform applying b first and then a.
func (a *Affine) Compose(b *Affine) *Affine {
	var out mat.Dense
	out.Mul(a.m, b.m)
	return &Affine{m: &out}
}

// Translate returns the affine preceded by a voxel shift, so that voxel v of
// the result maps where voxel v+offset mapped before.
func (a *Affine) Translate(offset [3]int) *Affine {
	shift := Identity()
	for i := 0; i < 3; i++ {
		shift.m.Set(i, 3, float64(offset[i]))
	}
	return a.Compose(shift)
}

// String formats the matrix rows
func (a *Affine) String() string {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(a.m.At(i, j), 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ReadMatrix reads a 4x4 matrix from a whitespace separated text file.
// Blank lines and lines starting with '#' are ignored.
func ReadMatrix(path string) (*Affine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening matrix file: %w", err)
	}
	defer f.Close()

	values := make([]float64, 0, 16)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid matrix entry %q: %w", field, err)
			}
			values = append(values, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading matrix file: %w", err)
	}
	if len(values) != 16 {
		return nil, fmt.Errorf("matrix file %s has %d entries, expected 16", path, len(values))
	}
	return NewAffine(mat.NewDense(4, 4, values))
}
