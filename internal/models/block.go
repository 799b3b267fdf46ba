package models

// Block represents one axis-aligned sub-region of the fixed volume's index
// space, produced by the block planner. All coordinates are voxel indices in
// z, y, x order, matching the on-disk layout of the chunked stores.
type Block struct {
	// Index is the position of this block in the planner's ordering.
	// It is a label only; results may be reconciled in any order.
	Index int

	// Origin is the index of the first voxel of the block core.
	Origin [3]int

	// Core is the extent of the block core in voxels. The cores of all
	// blocks tile the full volume exactly, with no gaps and no overlap.
	Core [3]int

	// HaloOrigin is the index of the first voxel actually read for this
	// block, including the halo margin. Clipped to the volume boundary.
	HaloOrigin [3]int

	// HaloShape is the extent of the read region including the halo.
	HaloShape [3]int
}

// CoreEnd returns the exclusive end index of the block core on each axis.
func (b Block) CoreEnd() [3]int {
	var end [3]int
	for i := 0; i < 3; i++ {
		end[i] = b.Origin[i] + b.Core[i]
	}
	return end
}

// HaloEnd returns the exclusive end index of the haloed read region.
func (b Block) HaloEnd() [3]int {
	var end [3]int
	for i := 0; i < 3; i++ {
		end[i] = b.HaloOrigin[i] + b.HaloShape[i]
	}
	return end
}

// ContainsVoxel reports whether the voxel at index (z, y, x) falls inside
// the haloed region of the block.
func (b Block) ContainsVoxel(z, y, x int) bool {
	idx := [3]int{z, y, x}
	end := b.HaloEnd()
	for i := 0; i < 3; i++ {
		if idx[i] < b.HaloOrigin[i] || idx[i] >= end[i] {
			return false
		}
	}
	return true
}

// NumCoreVoxels returns the number of voxels in the block core.
func (b Block) NumCoreVoxels() int {
	return b.Core[0] * b.Core[1] * b.Core[2]
}
