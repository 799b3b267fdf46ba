// Package transform represents the geometric transforms used by the
// registration engine: 4x4 homogeneous affine matrices and dense per-voxel
// displacement fields, plus their composition and application to points and
// volumes. All transforms operate in physical (spacing-scaled) coordinates
// in z, y, x order, never raw voxel indices, so volumes with different
// resolutions compose correctly. Matrix arithmetic is double precision.
package transform

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Point is a position in physical space, z, y, x order.
type Point [3]float64

// Transform maps a physical point to a physical point.
type Transform interface {
	Apply(p Point) Point
}

// Affine is a 4x4 homogeneous transform in physical units.
type Affine struct {
	m *mat.Dense // 4x4, last row (0, 0, 0, 1)
}

// Identity returns the identity affine transform.
func Identity() *Affine {
	a := &Affine{m: mat.NewDense(4, 4, nil)}
	for i := 0; i < 4; i++ {
		a.m.Set(i, i, 1)
	}
	return a
}

// NewAffine builds an affine transform from a row-major 4x4 element slice.
func NewAffine(elements []float64) (*Affine, error) {
	if len(elements) != 16 {
		return nil, fmt.Errorf("affine requires 16 elements, got %d", len(elements))
	}
	return &Affine{m: mat.NewDense(4, 4, append([]float64(nil), elements...))}, nil
}

// Apply maps a physical point through the affine.
func (a *Affine) Apply(p Point) Point {
	var out Point
	for i := 0; i < 3; i++ {
		out[i] = a.m.At(i, 0)*p[0] + a.m.At(i, 1)*p[1] + a.m.At(i, 2)*p[2] + a.m.At(i, 3)
	}
	return out
}

// Matrix returns a copy of the 4x4 matrix.
func (a *Affine) Matrix() *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Copy(a.m)
	return out
}

// At returns the matrix element at row i, column j.
func (a *Affine) At(i, j int) float64 {
	return a.m.At(i, j)
}

// Invert returns the inverse affine, or an error for a singular matrix.
func (a *Affine) Invert() (*Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return nil, fmt.Errorf("affine is not invertible: %w", err)
	}
	return &Affine{m: &inv}, nil
}

// ComposeAffine returns the affine equivalent to applying first, then
// second.
func ComposeAffine(first, second *Affine) *Affine {
	out := mat.NewDense(4, 4, nil)
	out.Mul(second.m, first.m)
	return &Affine{m: out}
}

// IsIdentity reports whether the affine is the identity within tol.
func (a *Affine) IsIdentity(tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			d := a.m.At(i, j) - want
			if d > tol || d < -tol {
				return false
			}
		}
	}
	return true
}

// LoadAffineText reads a plaintext whitespace-separated affine matrix, the
// format produced by the landmark alignment step. Accepted layouts:
//
//	16 values: full 4x4 homogeneous matrix
//	12 values: 3x4 matrix, the homogeneous row is implied
//	 9 values: 3x3 linear part with zero translation
func LoadAffineText(path string) (*Affine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transform file: %w", err)
	}
	var values []float64
	for _, tok := range strings.Fields(string(data)) {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q in transform file %s: %w", tok, path, err)
		}
		values = append(values, v)
	}

	a := Identity()
	switch len(values) {
	case 16:
		a.m = mat.NewDense(4, 4, values)
	case 12:
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				a.m.Set(i, j, values[i*4+j])
			}
		}
	case 9:
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a.m.Set(i, j, values[i*3+j])
			}
		}
	default:
		return nil, fmt.Errorf("transform file %s holds %d values, expected 16, 12 or 9", path, len(values))
	}
	return a, nil
}

// SaveAffineText writes the affine as a plaintext 4x4 matrix.
func SaveAffineText(a *Affine, path string) error {
	var sb strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%.12g", a.m.At(i, j))
		}
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write transform file: %w", err)
	}
	return nil
}
