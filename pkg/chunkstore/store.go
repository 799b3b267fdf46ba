// Package chunkstore persists large 3D volumes as directories of
// independently addressable, snappy-compressed chunk files plus a YAML
// metadata document. It provides uniform region reads and writes so the
// rest of the pipeline never has to hold a whole volume in memory.
//
// Layout on disk:
//
//	<path>/store.yaml          shape, chunk shape, spacing, dtype, components
//	<path>/chunks/Z_Y_X.sz     little-endian float32 samples, snappy block format
//
// Edge chunks are stored clipped to the volume boundary, so every chunk
// file has exactly one valid decoded length and corruption is detectable
// without a fill-value convention.
package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"gopkg.in/yaml.v3"

	"blockalign/pkg/volume"
)

// Sentinel errors for the failure modes callers are expected to branch on.
var (
	// ErrShapeMismatch indicates a read or write extent that disagrees
	// with the declared volume shape or component count.
	ErrShapeMismatch = errors.New("extent disagrees with declared volume shape")

	// ErrMissingChunk indicates an expected chunk file is absent.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrCorruptChunk indicates a chunk file that exists but does not
	// decode to the expected number of samples.
	ErrCorruptChunk = errors.New("corrupt chunk")
)

const metaFile = "store.yaml"

// Meta describes the geometry of a chunked store. All axis-ordered fields
// are in z, y, x order.
type Meta struct {
	// Shape is the full voxel extent of the volume.
	Shape [3]int `yaml:"shape"`

	// ChunkShape is the voxel extent of one chunk. Edge chunks are
	// clipped to the volume boundary.
	ChunkShape [3]int `yaml:"chunks"`

	// Spacing is the physical voxel size on each axis.
	Spacing [3]float64 `yaml:"spacing"`

	// DType is the sample type; only float32 is currently stored.
	DType string `yaml:"dtype"`

	// Components is the number of interleaved samples per voxel.
	// Intensity volumes use 1, displacement fields use 3.
	Components int `yaml:"components"`
}

func (m Meta) validate() error {
	for i := 0; i < 3; i++ {
		if m.Shape[i] <= 0 {
			return fmt.Errorf("%w: shape %v has non-positive extent", ErrShapeMismatch, m.Shape)
		}
		if m.ChunkShape[i] <= 0 {
			return fmt.Errorf("%w: chunk shape %v has non-positive extent", ErrShapeMismatch, m.ChunkShape)
		}
		if m.Spacing[i] <= 0 {
			return fmt.Errorf("spacing %v must be positive on every axis", m.Spacing)
		}
	}
	if m.Components < 1 {
		return fmt.Errorf("%w: components must be at least 1, got %d", ErrShapeMismatch, m.Components)
	}
	if m.DType != "float32" {
		return fmt.Errorf("unsupported dtype %q, only float32 is supported", m.DType)
	}
	return nil
}

// GridShape returns the number of chunks on each axis.
func (m Meta) GridShape() [3]int {
	var g [3]int
	for i := 0; i < 3; i++ {
		g[i] = (m.Shape[i] + m.ChunkShape[i] - 1) / m.ChunkShape[i]
	}
	return g
}

// SizeBytes returns the uncompressed size of the full volume.
func (m Meta) SizeBytes() int64 {
	return int64(m.Shape[0]) * int64(m.Shape[1]) * int64(m.Shape[2]) * int64(m.Components) * 4
}

// Store provides region-level access to one chunked volume on disk.
// Methods are safe for concurrent use as long as concurrent writers touch
// disjoint chunks; the block planner guarantees that alignment for the
// output volume.
type Store struct {
	path string
	meta Meta
}

// Create initializes a new empty store at path, writing its metadata
// document. Chunks are created lazily by WriteBlock.
func Create(path string, meta Meta) (*Store, error) {
	if meta.DType == "" {
		meta.DType = "float32"
	}
	if meta.Components == 0 {
		meta.Components = 1
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(path, "chunks"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal store metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, metaFile), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write store metadata: %w", err)
	}
	return &Store{path: path, meta: meta}, nil
}

// Open reads the metadata of an existing store.
func Open(path string) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(path, metaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read store metadata: %w", err)
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse store metadata: %w", err)
	}
	if meta.Components == 0 {
		meta.Components = 1
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &Store{path: path, meta: meta}, nil
}

// Meta returns the store's geometry metadata.
func (s *Store) Meta() Meta {
	return s.meta
}

// OverrideSpacing replaces the spacing used for subsequent reads, without
// touching the on-disk metadata. The batch invocation passes spacing
// explicitly and it wins over whatever the store was created with.
func (s *Store) OverrideSpacing(spacing [3]float64) {
	s.meta.Spacing = spacing
}

// Path returns the store's directory on disk.
func (s *Store) Path() string {
	return s.path
}

// chunkPath returns the file path of the chunk at grid coordinate c.
func (s *Store) chunkPath(c [3]int) string {
	return filepath.Join(s.path, "chunks", fmt.Sprintf("%d_%d_%d.sz", c[0], c[1], c[2]))
}

// chunkRegion returns the clipped origin and extent of the chunk at grid
// coordinate c.
func (s *Store) chunkRegion(c [3]int) (origin, extent [3]int) {
	for i := 0; i < 3; i++ {
		origin[i] = c[i] * s.meta.ChunkShape[i]
		extent[i] = s.meta.ChunkShape[i]
		if origin[i]+extent[i] > s.meta.Shape[i] {
			extent[i] = s.meta.Shape[i] - origin[i]
		}
	}
	return origin, extent
}

func (s *Store) checkRegion(origin, extent [3]int) error {
	for i := 0; i < 3; i++ {
		if extent[i] <= 0 {
			return fmt.Errorf("%w: extent %v has non-positive axis", ErrShapeMismatch, extent)
		}
		if origin[i] < 0 || origin[i]+extent[i] > s.meta.Shape[i] {
			return fmt.Errorf("%w: region origin %v extent %v outside shape %v",
				ErrShapeMismatch, origin, extent, s.meta.Shape)
		}
	}
	return nil
}

// ReadBlock reads the region [origin, origin+extent) into a new volume
// carrying the store's spacing. Every chunk overlapping the region must
// exist and decode cleanly.
func (s *Store) ReadBlock(origin, extent [3]int) (*volume.Volume, error) {
	if err := s.checkRegion(origin, extent); err != nil {
		return nil, err
	}
	out := volume.NewWithComponents(extent, s.meta.Spacing, s.meta.Components)

	err := s.forEachChunkIn(origin, extent, func(c [3]int) error {
		chunkVol, err := s.readChunk(c)
		if err != nil {
			return err
		}
		chunkOrigin, chunkExtent := s.chunkRegion(c)
		interOrigin, interExtent := intersect(origin, extent, chunkOrigin, chunkExtent)
		volume.CopyRegion(out, chunkVol,
			sub3(interOrigin, origin), sub3(interOrigin, chunkOrigin), interExtent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadAll reads the entire volume. Intended for tests and small inputs.
func (s *Store) ReadAll() (*volume.Volume, error) {
	return s.ReadBlock([3]int{0, 0, 0}, s.meta.Shape)
}

// ReadPhysicalBox reads the smallest voxel region covering the physical
// bounding box [lo, hi], padded by pad voxels on every side and clipped to
// the volume. It returns the region, its voxel origin, and a nil volume
// when the box misses the volume entirely.
func (s *Store) ReadPhysicalBox(lo, hi [3]float64, pad int) (*volume.Volume, [3]int, error) {
	var origin, end [3]int
	for i := 0; i < 3; i++ {
		origin[i] = int(math.Floor(lo[i]/s.meta.Spacing[i])) - pad
		end[i] = int(math.Ceil(hi[i]/s.meta.Spacing[i])) + pad + 1
		if origin[i] < 0 {
			origin[i] = 0
		}
		if end[i] > s.meta.Shape[i] {
			end[i] = s.meta.Shape[i]
		}
		if origin[i] >= end[i] {
			return nil, origin, nil
		}
	}
	extent := [3]int{end[0] - origin[0], end[1] - origin[1], end[2] - origin[2]}
	vol, err := s.ReadBlock(origin, extent)
	if err != nil {
		return nil, origin, err
	}
	return vol, origin, nil
}

// WriteBlock writes vol into the region starting at origin. The write
// extent must lie inside the declared shape and the component counts must
// agree. Chunks only partially covered are read, modified and rewritten;
// chunks that do not exist yet start from zeros. Each chunk is replaced
// atomically via a temp file and rename.
func (s *Store) WriteBlock(origin [3]int, vol *volume.Volume) error {
	if vol.Components != s.meta.Components {
		return fmt.Errorf("%w: volume has %d components, store has %d",
			ErrShapeMismatch, vol.Components, s.meta.Components)
	}
	if err := s.checkRegion(origin, vol.Shape); err != nil {
		return err
	}

	return s.forEachChunkIn(origin, vol.Shape, func(c [3]int) error {
		chunkOrigin, chunkExtent := s.chunkRegion(c)
		interOrigin, interExtent := intersect(origin, vol.Shape, chunkOrigin, chunkExtent)

		var chunkVol *volume.Volume
		if interExtent == chunkExtent {
			// Full coverage, no need to read the old chunk.
			chunkVol = volume.NewWithComponents(chunkExtent, s.meta.Spacing, s.meta.Components)
		} else {
			existing, err := s.readChunk(c)
			switch {
			case err == nil:
				chunkVol = existing
			case errors.Is(err, ErrMissingChunk):
				chunkVol = volume.NewWithComponents(chunkExtent, s.meta.Spacing, s.meta.Components)
			default:
				return err
			}
		}

		volume.CopyRegion(chunkVol, vol,
			sub3(interOrigin, chunkOrigin), sub3(interOrigin, origin), interExtent)
		return s.writeChunk(c, chunkVol)
	})
}

// Verify decodes every chunk of the store and checks its decoded length
// against the chunk geometry. It reads the full volume once, so it is
// meant to run exactly once per input store before any distributed work is
// dispatched.
func (s *Store) Verify() error {
	grid := s.meta.GridShape()
	for cz := 0; cz < grid[0]; cz++ {
		for cy := 0; cy < grid[1]; cy++ {
			for cx := 0; cx < grid[2]; cx++ {
				if _, err := s.readChunk([3]int{cz, cy, cx}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// forEachChunkIn calls fn for every chunk grid coordinate whose chunk
// overlaps the region [origin, origin+extent).
func (s *Store) forEachChunkIn(origin, extent [3]int, fn func(c [3]int) error) error {
	var lo, hi [3]int
	for i := 0; i < 3; i++ {
		lo[i] = origin[i] / s.meta.ChunkShape[i]
		hi[i] = (origin[i] + extent[i] - 1) / s.meta.ChunkShape[i]
	}
	for cz := lo[0]; cz <= hi[0]; cz++ {
		for cy := lo[1]; cy <= hi[1]; cy++ {
			for cx := lo[2]; cx <= hi[2]; cx++ {
				if err := fn([3]int{cz, cy, cx}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Store) readChunk(c [3]int) (*volume.Volume, error) {
	path := s.chunkPath(c)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingChunk, path)
		}
		return nil, fmt.Errorf("failed to read chunk %s: %w", path, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptChunk, path, err)
	}

	_, extent := s.chunkRegion(c)
	want := extent[0] * extent[1] * extent[2] * s.meta.Components * 4
	if len(raw) != want {
		return nil, fmt.Errorf("%w: %s: decoded %d bytes, expected %d",
			ErrCorruptChunk, path, len(raw), want)
	}

	out := volume.NewWithComponents(extent, s.meta.Spacing, s.meta.Components)
	for i := range out.Data {
		out.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func (s *Store) writeChunk(c [3]int, vol *volume.Volume) error {
	raw := make([]byte, len(vol.Data)*4)
	for i, sample := range vol.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(sample))
	}
	compressed := snappy.Encode(nil, raw)

	path := s.chunkPath(c)
	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit chunk %s: %w", path, err)
	}
	return nil
}

func intersect(aOrigin, aExtent, bOrigin, bExtent [3]int) (origin, extent [3]int) {
	for i := 0; i < 3; i++ {
		lo := aOrigin[i]
		if bOrigin[i] > lo {
			lo = bOrigin[i]
		}
		hi := aOrigin[i] + aExtent[i]
		if bOrigin[i]+bExtent[i] < hi {
			hi = bOrigin[i] + bExtent[i]
		}
		origin[i] = lo
		extent[i] = hi - lo
	}
	return origin, extent
}

func sub3(a, b [3]int) [3]int {
	return [3]int{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}
