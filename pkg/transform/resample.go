package transform

import "blockalign/pkg/volume"

// Interpolation selects the sampling order used when a transform is
// applied to a volume. Linear is the default throughout the pipeline.
type Interpolation int

const (
	Linear Interpolation = iota
	Nearest
)

// Grid describes a target sampling lattice in physical space: the physical
// position of its first voxel, its voxel extent and its spacing, all in
// z, y, x order.
type Grid struct {
	Origin  [3]float64
	Shape   [3]int
	Spacing [3]float64
}

// PhysicalAt returns the physical position of voxel (z, y, x) on the grid.
func (g Grid) PhysicalAt(z, y, x int) Point {
	return Point{
		g.Origin[0] + float64(z)*g.Spacing[0],
		g.Origin[1] + float64(y)*g.Spacing[1],
		g.Origin[2] + float64(x)*g.Spacing[2],
	}
}

// ApplyToPoints maps a set of physical points through a transform.
func ApplyToPoints(t Transform, points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Resample pulls samples of src through t onto the target grid. For each
// target voxel the physical position is mapped through t into the source's
// physical frame (srcOrigin locates src's first voxel), then interpolated.
// This is the pull form of apply_to_volume: t maps target positions to
// source positions.
func Resample(src *volume.Volume, srcOrigin [3]float64, t Transform, target Grid, interp Interpolation) *volume.Volume {
	out := volume.NewWithComponents(target.Shape, target.Spacing, src.Components)
	for z := 0; z < target.Shape[0]; z++ {
		for y := 0; y < target.Shape[1]; y++ {
			for x := 0; x < target.Shape[2]; x++ {
				q := t.Apply(target.PhysicalAt(z, y, x))
				iz := (q[0] - srcOrigin[0]) / src.Spacing[0]
				iy := (q[1] - srcOrigin[1]) / src.Spacing[1]
				ix := (q[2] - srcOrigin[2]) / src.Spacing[2]
				for c := 0; c < src.Components; c++ {
					var v float32
					if interp == Nearest {
						v = src.SampleNearest(iz, iy, ix, c)
					} else {
						v = src.Sample(iz, iy, ix, c)
					}
					out.SetComponent(z, y, x, c, v)
				}
			}
		}
	}
	return out
}
