// Package stitcher reconciles per-block local transforms into one globally
// consistent displacement field and resamples the moving volume through it
// onto the fixed volume's grid. In halo overlaps neighboring transforms
// are blended with weights that fall off from the block core to the halo
// edge, which is what keeps the merged field continuous across block
// boundaries. Work proceeds chunk by chunk aligned to the output store's
// layout, so the full field and the full output are never resident at
// once.
package stitcher

import (
	"context"
	"fmt"
	"log"
	"math"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"blockalign/internal/models"
	"blockalign/pkg/blockplan"
	"blockalign/pkg/chunkstore"
	"blockalign/pkg/register"
	"blockalign/pkg/transform"
	"blockalign/pkg/volume"
)

// Options configures the stitch-and-resample phase.
type Options struct {
	// MemoryBudgetBytes bounds the working memory of concurrent chunk
	// tasks. Zero means 1 GiB.
	MemoryBudgetBytes int64

	// Workers bounds concurrent chunk tasks regardless of budget.
	// Zero means 4.
	Workers int

	// Interpolation selects the resampling order. Linear by default.
	Interpolation transform.Interpolation
}

// DefaultOptions returns the stitcher defaults.
func DefaultOptions() Options {
	return Options{
		MemoryBudgetBytes: 1 << 30,
		Workers:           4,
		Interpolation:     transform.Linear,
	}
}

// Stitcher merges block results and writes the aligned output volume.
type Stitcher struct {
	opts    Options
	plan    *blockplan.Plan
	results map[int]*register.Result
	global  *transform.Affine
	logger  *log.Logger
}

// New creates a stitcher over a completed set of block results. Every
// planned block must have exactly one result; diverged and failed results
// contribute the identity (zero displacement) to the blend.
func New(opts Options, plan *blockplan.Plan, results []*register.Result, global *transform.Affine, logger *log.Logger) (*Stitcher, error) {
	if opts.MemoryBudgetBytes <= 0 {
		opts.MemoryBudgetBytes = DefaultOptions().MemoryBudgetBytes
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	byIndex := make(map[int]*register.Result, len(results))
	for _, r := range results {
		byIndex[r.Block.Index] = r
	}
	for _, b := range plan.Blocks() {
		if _, ok := byIndex[b.Index]; !ok {
			return nil, fmt.Errorf("missing result for block %d; stitching requires all block results", b.Index)
		}
	}
	return &Stitcher{opts: opts, plan: plan, results: byIndex, global: global, logger: logger}, nil
}

// Run blends the merged field chunk-wise, persists it to fieldStore, and
// resamples movingStore through (global affine ∘ merged field) into
// outStore on the fixed grid. outStore and fieldStore must share shape and
// chunk layout with the plan; chunk tasks write disjoint chunks, so no
// cross-task locking is needed.
func (s *Stitcher) Run(ctx context.Context, movingStore, outStore, fieldStore *chunkstore.Store) error {
	outMeta := outStore.Meta()
	if outMeta.Shape != s.plan.Shape {
		return fmt.Errorf("%w: output shape %v does not match plan shape %v",
			chunkstore.ErrShapeMismatch, outMeta.Shape, s.plan.Shape)
	}
	if fieldStore != nil && fieldStore.Meta().Components != 3 {
		return fmt.Errorf("%w: deformation field store must have 3 components", chunkstore.ErrShapeMismatch)
	}

	sem := semaphore.NewWeighted(s.opts.MemoryBudgetBytes)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	grid := outMeta.GridShape()
	for cz := 0; cz < grid[0]; cz++ {
		for cy := 0; cy < grid[1]; cy++ {
			for cx := 0; cx < grid[2]; cx++ {
				chunk := [3]int{cz, cy, cx}
				g.Go(func() error {
					origin, extent := chunkRegion(outMeta, chunk)
					cost := chunkCost(extent, outMeta.Components)
					if cost > s.opts.MemoryBudgetBytes {
						cost = s.opts.MemoryBudgetBytes
					}
					if err := sem.Acquire(gctx, cost); err != nil {
						return err
					}
					defer sem.Release(cost)
					return s.processChunk(origin, extent, movingStore, outStore, fieldStore)
				})
			}
		}
	}
	return g.Wait()
}

// processChunk handles one output chunk end to end: blend, persist field,
// map, read the needed moving region, resample, write.
func (s *Stitcher) processChunk(origin, extent [3]int, movingStore, outStore, fieldStore *chunkstore.Store) error {
	spacing := outStore.Meta().Spacing

	field := s.BlendedField(origin, extent, spacing)
	if fieldStore != nil {
		if err := fieldStore.WriteBlock(origin, field); err != nil {
			return fmt.Errorf("failed to write deformation field chunk at %v: %w", origin, err)
		}
	}

	// Map every voxel through the composed transform and bound the
	// moving region the chunk pulls from.
	mapped := volume.NewWithComponents(extent, spacing, 3)
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for z := 0; z < extent[0]; z++ {
		for y := 0; y < extent[1]; y++ {
			for x := 0; x < extent[2]; x++ {
				p := transform.Point{
					float64(origin[0]+z) * spacing[0],
					float64(origin[1]+y) * spacing[1],
					float64(origin[2]+x) * spacing[2],
				}
				for c := 0; c < 3; c++ {
					p[c] += float64(field.AtComponent(z, y, x, c))
				}
				q := s.global.Apply(p)
				for c := 0; c < 3; c++ {
					mapped.SetComponent(z, y, x, c, float32(q[c]))
					if q[c] < lo[c] {
						lo[c] = q[c]
					}
					if q[c] > hi[c] {
						hi[c] = q[c]
					}
				}
			}
		}
	}

	moving, movingOrigin, err := movingStore.ReadPhysicalBox(lo, hi, 1)
	if err != nil {
		return fmt.Errorf("failed to read moving region for chunk at %v: %w", origin, err)
	}

	out := volume.New(extent, spacing)
	movingMeta := movingStore.Meta()
	for z := 0; z < extent[0]; z++ {
		for y := 0; y < extent[1]; y++ {
			for x := 0; x < extent[2]; x++ {
				if moving == nil {
					continue // chunk maps entirely outside the moving volume
				}
				var q [3]float64
				inside := true
				for c := 0; c < 3; c++ {
					q[c] = float64(mapped.AtComponent(z, y, x, c)) / movingMeta.Spacing[c]
					if q[c] < 0 || q[c] > float64(movingMeta.Shape[c]-1) {
						inside = false
					}
				}
				if !inside {
					continue // outside the moving volume, leave zero fill
				}
				iz := q[0] - float64(movingOrigin[0])
				iy := q[1] - float64(movingOrigin[1])
				ix := q[2] - float64(movingOrigin[2])
				var v float32
				if s.opts.Interpolation == transform.Nearest {
					v = moving.SampleNearest(iz, iy, ix, 0)
				} else {
					v = moving.Sample(iz, iy, ix, 0)
				}
				out.Set(z, y, x, v)
			}
		}
	}

	if err := outStore.WriteBlock(origin, out); err != nil {
		return fmt.Errorf("failed to write output chunk at %v: %w", origin, err)
	}
	if s.logger != nil {
		s.logger.Printf("stitched chunk at %v extent %v", origin, extent)
	}
	return nil
}

// BlendedField computes the merged displacement over the region
// [origin, origin+extent) of the fixed grid. Every covering block
// contributes its local displacement scaled by its blend weight; identity
// fallbacks contribute zero displacement with full weight, which pulls the
// blend smoothly toward the unrefined transform around a failed block.
// The weighted average is commutative, so merge order does not matter.
func (s *Stitcher) BlendedField(origin, extent [3]int, spacing [3]float64) *volume.Volume {
	field := volume.NewWithComponents(extent, spacing, 3)
	weights := make([]float64, extent[0]*extent[1]*extent[2])
	accum := make([]float64, len(weights)*3)

	for _, block := range s.plan.BlocksOverlapping(origin, extent) {
		res := s.results[block.Index]
		haloEnd := block.HaloEnd()
		zLo, zHi := maxInt(origin[0], block.HaloOrigin[0]), minInt(origin[0]+extent[0], haloEnd[0])
		yLo, yHi := maxInt(origin[1], block.HaloOrigin[1]), minInt(origin[1]+extent[1], haloEnd[1])
		xLo, xHi := maxInt(origin[2], block.HaloOrigin[2]), minInt(origin[2]+extent[2], haloEnd[2])

		for z := zLo; z < zHi; z++ {
			wz := axisWeight(z, 0, block)
			for y := yLo; y < yHi; y++ {
				wy := axisWeight(y, 1, block)
				for x := xLo; x < xHi; x++ {
					w := wz * wy * axisWeight(x, 2, block)
					if w <= 0 {
						continue
					}
					vi := ((z-origin[0])*extent[1]+(y-origin[1]))*extent[2] + (x - origin[2])
					weights[vi] += w
					if res.Field != nil {
						fz, fy, fx := z-block.HaloOrigin[0], y-block.HaloOrigin[1], x-block.HaloOrigin[2]
						for c := 0; c < 3; c++ {
							accum[vi*3+c] += w * float64(res.Field.Vol.AtComponent(fz, fy, fx, c))
						}
					}
				}
			}
		}
	}

	for vi, w := range weights {
		if w <= 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			field.Data[vi*3+c] = float32(accum[vi*3+c] / w)
		}
	}
	return field
}

// axisWeight is the per-axis blend weight of a block at voxel index v:
// 1 across the core, cosine falloff to 0 across the halo. A halo clipped
// at the volume boundary keeps full weight there, since no neighbor exists
// to blend with.
func axisWeight(v, axis int, block models.Block) float64 {
	coreLo := block.Origin[axis]
	coreHi := coreLo + block.Core[axis]
	haloLo := block.HaloOrigin[axis]
	haloHi := block.HaloEnd()[axis]

	switch {
	case v < coreLo:
		return cosRamp((float64(v-haloLo) + 0.5) / float64(coreLo-haloLo))
	case v >= coreHi:
		return cosRamp((float64(haloHi-v) - 0.5) / float64(haloHi-coreHi))
	default:
		return 1
	}
}

func cosRamp(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return 0.5 * (1 - math.Cos(math.Pi*t))
}

func chunkRegion(meta chunkstore.Meta, chunk [3]int) (origin, extent [3]int) {
	for i := 0; i < 3; i++ {
		origin[i] = chunk[i] * meta.ChunkShape[i]
		extent[i] = meta.ChunkShape[i]
		if origin[i]+extent[i] > meta.Shape[i] {
			extent[i] = meta.Shape[i] - origin[i]
		}
	}
	return origin, extent
}

// chunkCost estimates the working memory of one chunk task: blended field,
// mapped positions, output, and roughly twice the chunk again for the
// moving region read.
func chunkCost(extent [3]int, components int) int64 {
	voxels := int64(extent[0]) * int64(extent[1]) * int64(extent[2])
	return voxels * 4 * (3 + 3 + int64(components) + 2)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
