// Package blockplan computes the overlapping partition of a volume's index
// space into registration blocks. Planning is deterministic and
// side-effect-free, so a failed run can re-plan and retry the exact same
// decomposition.
package blockplan

import (
	"fmt"
	"math"

	"blockalign/internal/models"
)

// Plan describes one block decomposition of a volume.
type Plan struct {
	// Shape is the full volume extent the plan covers, z, y, x order.
	Shape [3]int

	// Blocksize is the configured core extent of a block.
	Blocksize [3]int

	// Halo is the margin read around each block core on every side.
	Halo [3]int

	blocks []models.Block
}

// HaloFromOverlap converts an overlap fraction of the blocksize into a
// per-axis halo margin. The original pipeline expresses block overlap as a
// fraction (0.3 of the blocksize); half of that overlap belongs to each
// neighbor.
func HaloFromOverlap(blocksize [3]int, overlap float64) [3]int {
	var halo [3]int
	for i := 0; i < 3; i++ {
		halo[i] = int(math.Round(float64(blocksize[i]) * overlap / 2))
	}
	return halo
}

// New plans the decomposition of a volume of the given shape into blocks
// of the given core size plus halo. Block cores tile the shape exactly:
// the last block along each axis is clipped to the volume boundary rather
// than padded, so no block ever registers against synthetic data. Halos
// are likewise clipped at the volume edges.
func New(shape, blocksize, halo [3]int) (*Plan, error) {
	for i := 0; i < 3; i++ {
		if shape[i] <= 0 {
			return nil, fmt.Errorf("volume shape %v must be positive on every axis", shape)
		}
		if blocksize[i] <= 0 {
			return nil, fmt.Errorf("blocksize %v must be positive on every axis", blocksize)
		}
		if halo[i] < 0 {
			return nil, fmt.Errorf("halo %v must be non-negative", halo)
		}
	}

	p := &Plan{Shape: shape, Blocksize: blocksize, Halo: halo}

	// Number of blocks along each axis, by ceiling division.
	var counts [3]int
	for i := 0; i < 3; i++ {
		counts[i] = (shape[i] + blocksize[i] - 1) / blocksize[i]
	}

	index := 0
	for bz := 0; bz < counts[0]; bz++ {
		for by := 0; by < counts[1]; by++ {
			for bx := 0; bx < counts[2]; bx++ {
				grid := [3]int{bz, by, bx}
				var b models.Block
				b.Index = index
				for i := 0; i < 3; i++ {
					b.Origin[i] = grid[i] * blocksize[i]
					b.Core[i] = blocksize[i]
					if b.Origin[i]+b.Core[i] > shape[i] {
						b.Core[i] = shape[i] - b.Origin[i]
					}
					b.HaloOrigin[i] = b.Origin[i] - halo[i]
					end := b.Origin[i] + b.Core[i] + halo[i]
					if b.HaloOrigin[i] < 0 {
						b.HaloOrigin[i] = 0
					}
					if end > shape[i] {
						end = shape[i]
					}
					b.HaloShape[i] = end - b.HaloOrigin[i]
				}
				p.blocks = append(p.blocks, b)
				index++
			}
		}
	}
	return p, nil
}

// Blocks returns the planned blocks in index order.
func (p *Plan) Blocks() []models.Block {
	return p.blocks
}

// NumBlocks returns the number of blocks in the plan.
func (p *Plan) NumBlocks() int {
	return len(p.blocks)
}

// BlocksOverlapping returns every block whose haloed region intersects the
// region [origin, origin+extent). The stitcher uses this to find the local
// transforms that contribute to one output chunk.
func (p *Plan) BlocksOverlapping(origin, extent [3]int) []models.Block {
	var out []models.Block
	for _, b := range p.blocks {
		overlaps := true
		end := b.HaloEnd()
		for i := 0; i < 3; i++ {
			if b.HaloOrigin[i] >= origin[i]+extent[i] || end[i] <= origin[i] {
				overlaps = false
				break
			}
		}
		if overlaps {
			out = append(out, b)
		}
	}
	return out
}
