package register

import (
	"errors"
	"math"
	"testing"

	"blockalign/internal/models"
	"blockalign/pkg/transform"
	"blockalign/pkg/volume"
)

// fullBlock builds a block whose haloed region covers an entire volume of
// the given shape
func fullBlock(shape [3]int) models.Block {
	return models.Block{
		Index:      0,
		Origin:     [3]int{0, 0, 0},
		Core:       shape,
		HaloOrigin: [3]int{0, 0, 0},
		HaloShape:  shape,
	}
}

// blobVolume creates a smooth Gaussian bump centered at the given voxel,
// which gives the solver a well-behaved intensity landscape
func blobVolume(shape [3]int, center [3]float64) *volume.Volume {
	v := volume.New(shape, [3]float64{1, 1, 1})
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				dz := float64(z) - center[0]
				dy := float64(y) - center[1]
				dx := float64(x) - center[2]
				v.Set(z, y, x, float32(math.Exp(-(dz*dz+dy*dy+dx*dx)/8)))
			}
		}
	}
	return v
}

// TestRegisterFlatBlockShortCircuits verifies that featureless background
// blocks converge immediately with a zero refinement
func TestRegisterFlatBlockShortCircuits(t *testing.T) {
	shape := [3]int{6, 6, 6}
	flat := volume.New(shape, [3]float64{1, 1, 1})

	solver := NewSolver(DefaultOptions())
	res, err := solver.RegisterBlock(fullBlock(shape), flat, flat.Clone(), [3]float64{0, 0, 0}, transform.Identity())
	if err != nil {
		t.Fatalf("RegisterBlock failed: %v", err)
	}
	if res.Status != StatusConverged {
		t.Errorf("Expected converged status, got %v", res.Status)
	}
	if !res.ToleranceMet {
		t.Error("Expected tolerance to be reported met for a flat block")
	}
	if res.Iterations != 0 {
		t.Errorf("Expected no iterations for a flat block, got %d", res.Iterations)
	}
	if m := res.Field.MaxMagnitude(); m != 0 {
		t.Errorf("Expected zero displacement for a flat block, got max magnitude %f", m)
	}
}

// TestRegisterIdenticalVolumes verifies convergence with a near-zero
// refinement when both blocks are the same image
func TestRegisterIdenticalVolumes(t *testing.T) {
	shape := [3]int{10, 10, 10}
	fixed := blobVolume(shape, [3]float64{5, 5, 5})

	solver := NewSolver(DefaultOptions())
	res, err := solver.RegisterBlock(fullBlock(shape), fixed, fixed.Clone(), [3]float64{0, 0, 0}, transform.Identity())
	if err != nil {
		t.Fatalf("RegisterBlock failed: %v", err)
	}
	if res.Status != StatusConverged {
		t.Fatalf("Expected converged status, got %v", res.Status)
	}
	if res.FinalSimilarity < 0.999 {
		t.Errorf("Expected near-perfect similarity, got %f", res.FinalSimilarity)
	}
	if !res.ToleranceMet {
		t.Error("Expected the convergence tolerance to terminate the loop")
	}
	if m := res.Field.MaxMagnitude(); m > 0.1 {
		t.Errorf("Expected near-zero displacement for identical volumes, got max magnitude %f", m)
	}
}

// TestRegisterShiftedBlob verifies that the solver improves on the
// identity baseline for a genuinely displaced image
func TestRegisterShiftedBlob(t *testing.T) {
	shape := [3]int{10, 10, 10}
	fixed := blobVolume(shape, [3]float64{5, 5, 5})
	moving := blobVolume(shape, [3]float64{5, 5, 6})

	solver := NewSolver(DefaultOptions())
	res, err := solver.RegisterBlock(fullBlock(shape), fixed, moving, [3]float64{0, 0, 0}, transform.Identity())
	if err != nil {
		t.Fatalf("RegisterBlock failed: %v", err)
	}
	if res.Status != StatusConverged {
		t.Fatalf("Expected converged status, got %v", res.Status)
	}
	if res.FinalSimilarity < res.InitialSimilarity {
		t.Errorf("Expected similarity to improve from %f, got %f", res.InitialSimilarity, res.FinalSimilarity)
	}
	if res.Iterations == 0 {
		t.Error("Expected the optimization loop to run")
	}
	if m := res.Field.MaxMagnitude(); m == 0 {
		t.Error("Expected a non-zero displacement for a shifted image")
	}
}

// TestRegisterAffineClass verifies the affine transform class produces a
// rasterized field and a fitted local affine
func TestRegisterAffineClass(t *testing.T) {
	shape := [3]int{8, 8, 8}
	fixed := blobVolume(shape, [3]float64{4, 4, 4})

	opts := DefaultOptions()
	opts.TransformClass = AffineOnly
	opts.MaxIterations = 50

	solver := NewSolver(opts)
	res, err := solver.RegisterBlock(fullBlock(shape), fixed, fixed.Clone(), [3]float64{0, 0, 0}, transform.Identity())
	if err != nil {
		t.Fatalf("RegisterBlock failed: %v", err)
	}
	if res.Status != StatusConverged {
		t.Fatalf("Expected converged status, got %v", res.Status)
	}
	if res.LocalAffine == nil {
		t.Fatal("Expected a fitted local affine for the affine class")
	}
	if res.Field == nil {
		t.Fatal("Expected the affine to be rasterized into a field")
	}
	if res.FinalSimilarity < 0.99 {
		t.Errorf("Expected near-perfect similarity for identical volumes, got %f", res.FinalSimilarity)
	}
}

// TestRegisterCoarsened verifies the alignment-spacing path optimizes on
// a coarsened grid and still returns a native-resolution field
func TestRegisterCoarsened(t *testing.T) {
	shape := [3]int{10, 10, 10}
	fixed := blobVolume(shape, [3]float64{5, 5, 5})

	opts := DefaultOptions()
	opts.AlignmentSpacing = 2

	solver := NewSolver(opts)
	res, err := solver.RegisterBlock(fullBlock(shape), fixed, fixed.Clone(), [3]float64{0, 0, 0}, transform.Identity())
	if err != nil {
		t.Fatalf("RegisterBlock failed: %v", err)
	}
	if res.Status != StatusConverged {
		t.Fatalf("Expected converged status, got %v", res.Status)
	}
	if res.Field.Vol.Shape != shape {
		t.Errorf("Expected field on the native grid %v, got %v", shape, res.Field.Vol.Shape)
	}
}

// TestRegisterDivergenceFallback verifies the divergence policy: when the
// result falls short of the required improvement over the identity
// baseline, the solver reports ErrDiverged with an identity result
func TestRegisterDivergenceFallback(t *testing.T) {
	shape := [3]int{8, 8, 8}
	fixed := blobVolume(shape, [3]float64{4, 4, 4})

	opts := DefaultOptions()
	// A negative threshold demands improvement beyond what identical
	// volumes can offer, forcing the divergence path.
	opts.DivergenceThreshold = -0.5

	solver := NewSolver(opts)
	res, err := solver.RegisterBlock(fullBlock(shape), fixed, fixed.Clone(), [3]float64{0, 0, 0}, transform.Identity())
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("Expected ErrDiverged, got %v", err)
	}
	if res == nil || res.Status != StatusDiverged {
		t.Fatalf("Expected a StatusDiverged identity result, got %+v", res)
	}
	if res.Field != nil {
		t.Error("Expected the diverged result to carry no field")
	}
}

// TestRegisterShapeMismatch verifies the fixed sub-volume must match the
// block's haloed shape
func TestRegisterShapeMismatch(t *testing.T) {
	shape := [3]int{8, 8, 8}
	fixed := blobVolume([3]int{6, 6, 6}, [3]float64{3, 3, 3})

	solver := NewSolver(DefaultOptions())
	if _, err := solver.RegisterBlock(fullBlock(shape), fixed, fixed.Clone(), [3]float64{0, 0, 0}, transform.Identity()); err == nil {
		t.Error("Expected error for mismatched fixed shape, got nil")
	}
}

// TestParseClass verifies the configuration strings
func TestParseClass(t *testing.T) {
	tests := []struct {
		in      string
		want    Class
		wantErr bool
	}{
		{"deform", DisplacementFieldClass, false},
		{"displacement-field", DisplacementFieldClass, false},
		{"", DisplacementFieldClass, false},
		{"affine", AffineOnly, false},
		{"rigid", DisplacementFieldClass, true},
	}
	for _, tc := range tests {
		got, err := ParseClass(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseClass(%q): expected error, got nil", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClass(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseClass(%q): expected %v, got %v", tc.in, tc.want, got)
		}
	}
}
