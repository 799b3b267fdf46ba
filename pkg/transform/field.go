package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"blockalign/pkg/volume"
)

// DisplacementField is a dense per-voxel vector field anchored to a region
// of the fixed volume's grid. Displacements are stored in physical units,
// three components per voxel (dz, dy, dx), in the same precision as the
// volume data.
type DisplacementField struct {
	// Vol holds the vectors; Components is always 3.
	Vol *volume.Volume

	// Origin is the physical position of voxel (0, 0, 0) of the field.
	Origin [3]float64
}

// NewField allocates a zero (identity) displacement field covering a grid
// of the given shape and spacing, anchored at the given physical origin.
func NewField(shape [3]int, spacing [3]float64, origin [3]float64) *DisplacementField {
	return &DisplacementField{
		Vol:    volume.NewWithComponents(shape, spacing, 3),
		Origin: origin,
	}
}

// DisplacementAt samples the field at a physical point with trilinear
// interpolation. Points outside the field clamp to its boundary.
func (f *DisplacementField) DisplacementAt(p Point) [3]float64 {
	var idx [3]float64
	for i := 0; i < 3; i++ {
		idx[i] = (p[i] - f.Origin[i]) / f.Vol.Spacing[i]
	}
	var d [3]float64
	for c := 0; c < 3; c++ {
		d[c] = float64(f.Vol.Sample(idx[0], idx[1], idx[2], c))
	}
	return d
}

// Apply maps a physical point through the field: p -> p + u(p).
func (f *DisplacementField) Apply(p Point) Point {
	d := f.DisplacementAt(p)
	return Point{p[0] + d[0], p[1] + d[1], p[2] + d[2]}
}

// MaxMagnitude returns the largest displacement vector length in the field.
func (f *DisplacementField) MaxMagnitude() float64 {
	max := 0.0
	n := f.Vol.NumVoxels()
	for i := 0; i < n; i++ {
		dz := float64(f.Vol.Data[i*3])
		dy := float64(f.Vol.Data[i*3+1])
		dx := float64(f.Vol.Data[i*3+2])
		m := dz*dz + dy*dy + dx*dx
		if m > max {
			max = m
		}
	}
	return math.Sqrt(max)
}

// Composite is the fixed composition order of the pipeline: the local
// displacement refinement operates in the space already coarsely aligned
// by the global affine, so a point is displaced first and mapped through
// the affine second.
type Composite struct {
	// Affine is the global initial transform. Never nil.
	Affine *Affine

	// Field is the merged local refinement. Nil means affine only.
	Field *DisplacementField
}

// Apply maps p -> Affine(p + u(p)).
func (c *Composite) Apply(p Point) Point {
	if c.Field != nil {
		p = c.Field.Apply(p)
	}
	return c.Affine.Apply(p)
}

// AffineApproximation fits a single affine transform to the mapping
// p -> p + u(p) by least squares over a coarse sample of the field's grid.
// It is a diagnostic: comparing the approximation against the identity
// shows how much non-linear correction a field carries.
func AffineApproximation(f *DisplacementField) (*Affine, error) {
	shape := f.Vol.Shape

	// Sample at most a handful of positions per axis; the fit has only
	// twelve unknowns.
	var grid [3][]int
	for i := 0; i < 3; i++ {
		step := shape[i] / 4
		if step < 1 {
			step = 1
		}
		for v := 0; v < shape[i]; v += step {
			grid[i] = append(grid[i], v)
		}
	}

	var rows int
	for range grid[0] {
		rows += len(grid[1]) * len(grid[2])
	}
	if rows < 4 {
		return nil, fmt.Errorf("field of shape %v is too small for an affine fit", shape)
	}

	// Solve A * [p 1] = q for each axis independently.
	design := mat.NewDense(rows, 4, nil)
	targets := mat.NewDense(rows, 3, nil)
	r := 0
	for _, z := range grid[0] {
		for _, y := range grid[1] {
			for _, x := range grid[2] {
				p := Point{
					f.Origin[0] + float64(z)*f.Vol.Spacing[0],
					f.Origin[1] + float64(y)*f.Vol.Spacing[1],
					f.Origin[2] + float64(x)*f.Vol.Spacing[2],
				}
				q := f.Apply(p)
				design.Set(r, 0, p[0])
				design.Set(r, 1, p[1])
				design.Set(r, 2, p[2])
				design.Set(r, 3, 1)
				for i := 0; i < 3; i++ {
					targets.Set(r, i, q[i])
				}
				r++
			}
		}
	}

	var sol mat.Dense
	if err := sol.Solve(design, targets); err != nil {
		return nil, fmt.Errorf("affine approximation failed: %w", err)
	}

	a := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			a.m.Set(i, j, sol.At(j, i))
		}
	}
	return a, nil
}
