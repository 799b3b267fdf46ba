package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"blockalign/pkg/register"
	"blockalign/pkg/transform"
)

// TestDefaultConfig verifies the defaults match the solver's and the
// original pipeline's 0.3 overlap
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Processing.Overlap != 0.3 {
		t.Errorf("Expected default overlap 0.3, got %f", cfg.Processing.Overlap)
	}
	if cfg.Processing.Workers <= 0 {
		t.Errorf("Expected positive default workers, got %d", cfg.Processing.Workers)
	}
	if cfg.Solver.Metric != "ncc" {
		t.Errorf("Expected default metric ncc, got %q", cfg.Solver.Metric)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("Expected default retry budget 2, got %d", cfg.Retry.MaxRetries)
	}
	if !cfg.Output.SaveDeformationField {
		t.Error("Expected the deformation field to be saved by default")
	}
}

// TestLoadConfigMissingFileReturnsDefaults verifies behavior without a
// config file on disk
func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.Overlap != 0.3 {
		t.Errorf("Expected defaults for a missing file, got overlap %f", cfg.Processing.Overlap)
	}
}

// TestSaveLoadRoundTrip verifies configuration persistence
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.Workers = 7
	cfg.Processing.Overlap = 0.25
	cfg.Solver.Metric = "mi"
	cfg.Retry.TaskTimeout = "10m"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Processing.Workers != 7 {
		t.Errorf("Expected workers 7, got %d", loaded.Processing.Workers)
	}
	if loaded.Processing.Overlap != 0.25 {
		t.Errorf("Expected overlap 0.25, got %f", loaded.Processing.Overlap)
	}
	if loaded.Solver.Metric != "mi" {
		t.Errorf("Expected metric mi, got %q", loaded.Solver.Metric)
	}
	if loaded.Retry.TaskTimeout != "10m" {
		t.Errorf("Expected task timeout 10m, got %q", loaded.Retry.TaskTimeout)
	}
}

// TestLoadConfigPartialFileKeepsDefaults verifies that fields absent from
// the YAML keep their default values
func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	content := "processing:\n  workers: 3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.Workers != 3 {
		t.Errorf("Expected workers overridden to 3, got %d", cfg.Processing.Workers)
	}
	if cfg.Solver.MaxIterations != register.DefaultOptions().MaxIterations {
		t.Errorf("Expected solver defaults preserved, got maxIterations %d", cfg.Solver.MaxIterations)
	}
}

// TestSolverOptions verifies the conversion into register.Options,
// including the string-typed fields
func TestSolverOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Solver.Metric = "mi"
	cfg.Solver.TransformClass = "affine"
	cfg.Solver.MaxIterations = 42

	opts, err := cfg.SolverOptions()
	if err != nil {
		t.Fatalf("SolverOptions failed: %v", err)
	}
	if opts.Metric != register.MI {
		t.Errorf("Expected MI metric, got %v", opts.Metric)
	}
	if opts.TransformClass != register.AffineOnly {
		t.Errorf("Expected affine class, got %v", opts.TransformClass)
	}
	if opts.MaxIterations != 42 {
		t.Errorf("Expected 42 iterations, got %d", opts.MaxIterations)
	}

	cfg.Solver.Metric = "bogus"
	if _, err := cfg.SolverOptions(); err == nil {
		t.Error("Expected error for an unknown metric, got nil")
	}
}

// TestCoordinatorOptions verifies timeout parsing
func TestCoordinatorOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.TaskTimeout = "90s"

	opts, err := cfg.CoordinatorOptions()
	if err != nil {
		t.Fatalf("CoordinatorOptions failed: %v", err)
	}
	if opts.TaskTimeout != 90*time.Second {
		t.Errorf("Expected 90s timeout, got %v", opts.TaskTimeout)
	}
	if opts.MaxRetries != 2 {
		t.Errorf("Expected retry budget 2, got %d", opts.MaxRetries)
	}

	cfg.Retry.TaskTimeout = "soon"
	if _, err := cfg.CoordinatorOptions(); err == nil {
		t.Error("Expected error for an unparsable timeout, got nil")
	}
}

// TestStitcherOptions verifies memory budget and interpolation parsing
func TestStitcherOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processing.MemoryBudget = "512MiB"
	cfg.Output.Interpolation = "nearest"

	opts, err := cfg.StitcherOptions()
	if err != nil {
		t.Fatalf("StitcherOptions failed: %v", err)
	}
	if opts.MemoryBudgetBytes != 512*1024*1024 {
		t.Errorf("Expected 512 MiB budget, got %d", opts.MemoryBudgetBytes)
	}
	if opts.Interpolation != transform.Nearest {
		t.Errorf("Expected nearest interpolation, got %v", opts.Interpolation)
	}

	cfg.Processing.MemoryBudget = "lots"
	if _, err := cfg.StitcherOptions(); err == nil {
		t.Error("Expected error for an unparsable memory budget, got nil")
	}

	cfg.Processing.MemoryBudget = "1GiB"
	cfg.Output.Interpolation = "cubic"
	if _, err := cfg.StitcherOptions(); err == nil {
		t.Error("Expected error for an unknown interpolation, got nil")
	}
}
