package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"blockalign/pkg/chunkstore"
	"blockalign/pkg/config"
	"blockalign/pkg/transform"
	"blockalign/pkg/volume"
)

// testConfig returns a quiet configuration tuned for small test volumes
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.Workers = 2
	cfg.Solver.MaxIterations = 5
	cfg.Output.Verbose = false
	return cfg
}

// smoothVolume builds a smooth intensity pattern that gives the solver
// gradients to work with
func smoothVolume(shape [3]int) *volume.Volume {
	v := volume.New(shape, [3]float64{1, 1, 1})
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				v.Set(z, y, x, float32(
					math.Sin(float64(z)/3)+math.Cos(float64(y)/2)+math.Sin(float64(x)/4)))
			}
		}
	}
	return v
}

// writeInputStore persists a volume as a chunked input store
func writeInputStore(t *testing.T, path string, vol *volume.Volume) {
	t.Helper()
	store, err := chunkstore.Create(path, chunkstore.Meta{
		Shape:      vol.Shape,
		ChunkShape: [3]int{8, 8, 8},
		Spacing:    vol.Spacing,
		DType:      "float32",
		Components: 1,
	})
	if err != nil {
		t.Fatalf("chunkstore.Create failed: %v", err)
	}
	if err := store.WriteBlock([3]int{0, 0, 0}, vol); err != nil {
		t.Fatalf("WriteBlock failed: %v", err)
	}
}

// TestRunIdenticalVolumes runs the whole pipeline on two identical
// volumes: every block should converge and the aligned output should
// reproduce the input
func TestRunIdenticalVolumes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping pipeline test in short mode")
	}

	dir := t.TempDir()
	shape := [3]int{16, 16, 16}
	vol := smoothVolume(shape)
	writeInputStore(t, filepath.Join(dir, "fix"), vol)
	writeInputStore(t, filepath.Join(dir, "move"), vol)

	outputDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		t.Fatalf("Failed to create output dir: %v", err)
	}

	p := New(&Params{
		FixImagePath:  filepath.Join(dir, "fix"),
		MoveImagePath: filepath.Join(dir, "move"),
		Spacing:       [3]float64{1, 1, 1},
		Blocksize:     [3]int{8, 8, 8},
		OutputDir:     outputDir,
		OutputName:    "round2",
		Config:        testConfig(),
	})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	completion := p.Completion()
	if completion == nil {
		t.Fatal("Expected a completion report")
	}
	if completion.Total != 8 {
		t.Errorf("Expected 8 blocks for a 16^3 volume with 8^3 blocksize, got %d", completion.Total)
	}
	if completion.Succeeded != completion.Total {
		t.Errorf("Expected every block to converge, got %d/%d", completion.Succeeded, completion.Total)
	}

	// The aligned output reproduces the input for identical volumes.
	outStore, err := chunkstore.Open(p.AlignedPath())
	if err != nil {
		t.Fatalf("Failed to open aligned output: %v", err)
	}
	got, err := outStore.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read aligned output: %v", err)
	}
	for i := range vol.Data {
		if math.Abs(float64(got.Data[i]-vol.Data[i])) > 0.05 {
			t.Fatalf("Sample %d: expected %f, got %f", i, vol.Data[i], got.Data[i])
		}
	}

	// Deformation field and report are persisted alongside.
	if _, err := chunkstore.Open(p.FieldPath()); err != nil {
		t.Errorf("Expected a deformation field store: %v", err)
	}
	if _, err := os.Stat(p.ReportPath()); err != nil {
		t.Errorf("Expected a completion report file: %v", err)
	}
}

// TestRunWithInitTransform verifies the global affine from the landmark
// step is applied: a moving volume shifted by two voxels aligns back onto
// the fixed volume
func TestRunWithInitTransform(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping pipeline test in short mode")
	}

	dir := t.TempDir()
	shape := [3]int{8, 8, 16}
	fixed := volume.New(shape, [3]float64{1, 1, 1})
	moving := volume.New(shape, [3]float64{1, 1, 1})
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				f := math.Sin(float64(x) / 3)
				fixed.Set(z, y, x, float32(f))
				moving.Set(z, y, x, float32(math.Sin(float64(x-2)/3)))
			}
		}
	}
	writeInputStore(t, filepath.Join(dir, "fix"), fixed)
	writeInputStore(t, filepath.Join(dir, "move"), moving)

	// fixed(x) = moving(x + 2), so the pull transform shifts +2 in x.
	affinePath := filepath.Join(dir, "affine.txt")
	shift, err := transform.NewAffine([]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 2,
		0, 0, 0, 1,
	})
	if err != nil {
		t.Fatalf("NewAffine failed: %v", err)
	}
	if err := transform.SaveAffineText(shift, affinePath); err != nil {
		t.Fatalf("SaveAffineText failed: %v", err)
	}

	outputDir := filepath.Join(dir, "out")
	p := New(&Params{
		FixImagePath:      filepath.Join(dir, "fix"),
		MoveImagePath:     filepath.Join(dir, "move"),
		Blocksize:         [3]int{8, 8, 8},
		InitTransformPath: affinePath,
		OutputDir:         outputDir,
		OutputName:        "shifted",
		Config:            testConfig(),
	})
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		t.Fatalf("Failed to create output dir: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	outStore, err := chunkstore.Open(p.AlignedPath())
	if err != nil {
		t.Fatalf("Failed to open aligned output: %v", err)
	}
	got, err := outStore.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read aligned output: %v", err)
	}

	// Compare away from the x boundary, where the shifted volume has no
	// data to pull from and the solver sees clamped samples.
	for z := 1; z < shape[0]-1; z++ {
		for y := 1; y < shape[1]-1; y++ {
			for x := 1; x < shape[2]-5; x++ {
				want := float64(fixed.At(z, y, x))
				if diff := math.Abs(float64(got.At(z, y, x)) - want); diff > 0.1 {
					t.Fatalf("Voxel (%d,%d,%d): expected %f, got %f", z, y, x, want, got.At(z, y, x))
				}
			}
		}
	}
}

// TestRunMissingChunkAbortsEarly verifies input verification: a missing
// chunk fails the run before any distributed work or output writes
func TestRunMissingChunkAbortsEarly(t *testing.T) {
	dir := t.TempDir()
	shape := [3]int{16, 16, 16}
	vol := smoothVolume(shape)
	writeInputStore(t, filepath.Join(dir, "fix"), vol)
	writeInputStore(t, filepath.Join(dir, "move"), vol)

	// Remove one chunk of the moving volume.
	if err := os.Remove(filepath.Join(dir, "move", "chunks", "1_1_1.sz")); err != nil {
		t.Fatalf("Failed to remove chunk: %v", err)
	}

	outputDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		t.Fatalf("Failed to create output dir: %v", err)
	}

	p := New(&Params{
		FixImagePath:  filepath.Join(dir, "fix"),
		MoveImagePath: filepath.Join(dir, "move"),
		Blocksize:     [3]int{8, 8, 8},
		OutputDir:     outputDir,
		OutputName:    "broken",
		Config:        testConfig(),
	})

	err := p.Run(context.Background())
	if !errors.Is(err, chunkstore.ErrMissingChunk) {
		t.Fatalf("Expected ErrMissingChunk, got %v", err)
	}
	if p.Completion() != nil {
		t.Error("Expected no completion report when verification fails")
	}

	// Nothing was written into the output directory.
	entries, readErr := os.ReadDir(outputDir)
	if readErr != nil {
		t.Fatalf("Failed to list output dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("Expected an untouched output directory, found %d entries", len(entries))
	}
}

// TestRunRejectsBadTransformFile verifies a malformed initial transform
// aborts before dispatch
func TestRunRejectsBadTransformFile(t *testing.T) {
	dir := t.TempDir()
	vol := smoothVolume([3]int{8, 8, 8})
	writeInputStore(t, filepath.Join(dir, "fix"), vol)
	writeInputStore(t, filepath.Join(dir, "move"), vol)

	affinePath := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(affinePath, []byte("1 2 3"), 0644); err != nil {
		t.Fatalf("Failed to write transform file: %v", err)
	}

	p := New(&Params{
		FixImagePath:      filepath.Join(dir, "fix"),
		MoveImagePath:     filepath.Join(dir, "move"),
		Blocksize:         [3]int{8, 8, 8},
		InitTransformPath: affinePath,
		OutputDir:         dir,
		OutputName:        "bad",
		Config:            testConfig(),
	})
	if err := p.Run(context.Background()); err == nil {
		t.Error("Expected error for a malformed transform file, got nil")
	}
}

// TestOutputPaths verifies the derived result locations
func TestOutputPaths(t *testing.T) {
	p := New(&Params{OutputDir: "/data/out", OutputName: "round2", Config: testConfig()})

	if p.AlignedPath() != "/data/out/round2_aligned" {
		t.Errorf("Unexpected aligned path %q", p.AlignedPath())
	}
	if p.FieldPath() != "/data/out/round2_deformation_field" {
		t.Errorf("Unexpected field path %q", p.FieldPath())
	}
	if p.ReportPath() != "/data/out/round2_report.yaml" {
		t.Errorf("Unexpected report path %q", p.ReportPath())
	}
}
