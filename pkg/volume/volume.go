// Package volume provides the in-memory representation of 3D image data
// used throughout the registration pipeline. A Volume couples raw intensity
// (or vector) samples with a voxel shape and a physical spacing, so that
// geometric operations can work in physical coordinates regardless of the
// resolution the data was imaged at.
package volume

import (
	"fmt"
	"math"
)

// Volume is a dense 3D array with physical spacing metadata.
//
// Data is stored in z, y, x order (slowest to fastest varying), with
// Components interleaved values per voxel. Intensity volumes have a single
// component; displacement fields use three (dz, dy, dx).
type Volume struct {
	// Data holds the samples in row-major z, y, x, component order.
	Data []float32

	// Shape is the voxel extent on each axis in z, y, x order.
	Shape [3]int

	// Spacing is the physical size of one voxel on each axis, in the
	// same units as all transforms (typically microns), z, y, x order.
	Spacing [3]float64

	// Components is the number of interleaved values per voxel.
	Components int
}

// New allocates a zero-filled single-component volume.
func New(shape [3]int, spacing [3]float64) *Volume {
	return NewWithComponents(shape, spacing, 1)
}

// NewWithComponents allocates a zero-filled volume with the given number of
// interleaved components per voxel.
func NewWithComponents(shape [3]int, spacing [3]float64, components int) *Volume {
	return &Volume{
		Data:       make([]float32, shape[0]*shape[1]*shape[2]*components),
		Shape:      shape,
		Spacing:    spacing,
		Components: components,
	}
}

// NumVoxels returns the total voxel count of the volume.
func (v *Volume) NumVoxels() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// SizeBytes returns the in-memory size of the sample data.
func (v *Volume) SizeBytes() int64 {
	return int64(len(v.Data)) * 4
}

// Index returns the offset of voxel (z, y, x) component c into Data.
func (v *Volume) Index(z, y, x, c int) int {
	return ((z*v.Shape[1]+y)*v.Shape[2]+x)*v.Components + c
}

// At returns the first component of voxel (z, y, x).
func (v *Volume) At(z, y, x int) float32 {
	return v.Data[v.Index(z, y, x, 0)]
}

// AtComponent returns component c of voxel (z, y, x).
func (v *Volume) AtComponent(z, y, x, c int) float32 {
	return v.Data[v.Index(z, y, x, c)]
}

// Set assigns the first component of voxel (z, y, x).
func (v *Volume) Set(z, y, x int, value float32) {
	v.Data[v.Index(z, y, x, 0)] = value
}

// SetComponent assigns component c of voxel (z, y, x).
func (v *Volume) SetComponent(z, y, x, c int, value float32) {
	v.Data[v.Index(z, y, x, c)] = value
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:       make([]float32, len(v.Data)),
		Shape:      v.Shape,
		Spacing:    v.Spacing,
		Components: v.Components,
	}
	copy(out.Data, v.Data)
	return out
}

// PhysicalExtent returns the physical size of the volume on each axis.
func (v *Volume) PhysicalExtent() [3]float64 {
	var ext [3]float64
	for i := 0; i < 3; i++ {
		ext[i] = float64(v.Shape[i]) * v.Spacing[i]
	}
	return ext
}

// Sample evaluates component c at a continuous index-space position using
// trilinear interpolation. Positions outside the volume clamp to the
// nearest voxel, so sampling just past the boundary does not introduce
// synthetic zeros into registration metrics.
func (v *Volume) Sample(z, y, x float64, c int) float32 {
	z0 := clampIndex(int(math.Floor(z)), v.Shape[0])
	y0 := clampIndex(int(math.Floor(y)), v.Shape[1])
	x0 := clampIndex(int(math.Floor(x)), v.Shape[2])
	z1 := clampIndex(z0+1, v.Shape[0])
	y1 := clampIndex(y0+1, v.Shape[1])
	x1 := clampIndex(x0+1, v.Shape[2])

	fz := clampFrac(z - float64(z0))
	fy := clampFrac(y - float64(y0))
	fx := clampFrac(x - float64(x0))

	c000 := float64(v.AtComponent(z0, y0, x0, c))
	c001 := float64(v.AtComponent(z0, y0, x1, c))
	c010 := float64(v.AtComponent(z0, y1, x0, c))
	c011 := float64(v.AtComponent(z0, y1, x1, c))
	c100 := float64(v.AtComponent(z1, y0, x0, c))
	c101 := float64(v.AtComponent(z1, y0, x1, c))
	c110 := float64(v.AtComponent(z1, y1, x0, c))
	c111 := float64(v.AtComponent(z1, y1, x1, c))

	c00 := c000*(1-fx) + c001*fx
	c01 := c010*(1-fx) + c011*fx
	c10 := c100*(1-fx) + c101*fx
	c11 := c110*(1-fx) + c111*fx

	c0 := c00*(1-fy) + c01*fy
	c1 := c10*(1-fy) + c11*fy

	return float32(c0*(1-fz) + c1*fz)
}

// SampleNearest evaluates component c at a continuous index-space position
// using nearest-neighbor interpolation.
func (v *Volume) SampleNearest(z, y, x float64, c int) float32 {
	zi := clampIndex(int(math.Round(z)), v.Shape[0])
	yi := clampIndex(int(math.Round(y)), v.Shape[1])
	xi := clampIndex(int(math.Round(x)), v.Shape[2])
	return v.AtComponent(zi, yi, xi, c)
}

// MinMax returns the minimum and maximum sample values over all components.
func (v *Volume) MinMax() (float32, float32) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max := v.Data[0], v.Data[0]
	for _, s := range v.Data {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return min, max
}

// ExtractRegion copies the sub-region [origin, origin+extent) into a new
// volume with the same spacing and component count. The region must lie
// entirely inside the volume.
func (v *Volume) ExtractRegion(origin, extent [3]int) (*Volume, error) {
	for i := 0; i < 3; i++ {
		if origin[i] < 0 || origin[i]+extent[i] > v.Shape[i] {
			return nil, fmt.Errorf("region origin %v extent %v outside volume shape %v", origin, extent, v.Shape)
		}
	}
	out := NewWithComponents(extent, v.Spacing, v.Components)
	CopyRegion(out, v, [3]int{0, 0, 0}, origin, extent)
	return out, nil
}

// CopyRegion copies an extent-sized region from src at srcOrigin into dst at
// dstOrigin. Both volumes must have the same component count; the caller is
// responsible for bounds.
func CopyRegion(dst, src *Volume, dstOrigin, srcOrigin, extent [3]int) {
	rowLen := extent[2] * src.Components
	for dz := 0; dz < extent[0]; dz++ {
		for dy := 0; dy < extent[1]; dy++ {
			si := src.Index(srcOrigin[0]+dz, srcOrigin[1]+dy, srcOrigin[2], 0)
			di := dst.Index(dstOrigin[0]+dz, dstOrigin[1]+dy, dstOrigin[2], 0)
			copy(dst.Data[di:di+rowLen], src.Data[si:si+rowLen])
		}
	}
}

// Downsample resamples the volume onto a coarser grid with the requested
// target spacing, using trilinear interpolation. A target spacing finer
// than the native spacing on every axis returns a clone instead; the solver
// only ever coarsens.
func (v *Volume) Downsample(targetSpacing [3]float64) *Volume {
	coarser := false
	for i := 0; i < 3; i++ {
		if targetSpacing[i] > v.Spacing[i] {
			coarser = true
		}
	}
	if !coarser {
		return v.Clone()
	}

	var shape [3]int
	for i := 0; i < 3; i++ {
		n := int(math.Round(float64(v.Shape[i]) * v.Spacing[i] / targetSpacing[i]))
		if n < 1 {
			n = 1
		}
		shape[i] = n
	}
	out := NewWithComponents(shape, targetSpacing, v.Components)
	for z := 0; z < shape[0]; z++ {
		sz := float64(z) * targetSpacing[0] / v.Spacing[0]
		for y := 0; y < shape[1]; y++ {
			sy := float64(y) * targetSpacing[1] / v.Spacing[1]
			for x := 0; x < shape[2]; x++ {
				sx := float64(x) * targetSpacing[2] / v.Spacing[2]
				for c := 0; c < v.Components; c++ {
					out.SetComponent(z, y, x, c, v.Sample(sz, sy, sx, c))
				}
			}
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clampFrac(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
