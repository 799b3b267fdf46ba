// Package register implements the per-block intensity registration solver.
// Given a fixed sub-volume and the corresponding moving region, coarsely
// pre-aligned by the global initial affine, it estimates a local transform
// refinement in the block's physical frame. Results come back as a tagged
// status so divergence degrades one block to the identity transform instead
// of poisoning the global stitch.
package register

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"blockalign/internal/models"
	"blockalign/pkg/transform"
	"blockalign/pkg/volume"
)

// ErrDiverged signals that the similarity metric worsened beyond the
// configured threshold relative to the identity transform. The caller
// falls back to the identity local transform for the block.
var ErrDiverged = errors.New("registration diverged beyond threshold")

// Class selects the transform family the solver optimizes per block.
type Class int

const (
	// DisplacementFieldClass estimates a dense per-voxel refinement.
	DisplacementFieldClass Class = iota

	// AffineOnly estimates a 12-parameter local affine refinement.
	AffineOnly
)

func (c Class) String() string {
	if c == AffineOnly {
		return "affine"
	}
	return "displacement-field"
}

// ParseClass converts a configuration string into a Class.
func ParseClass(s string) (Class, error) {
	switch s {
	case "deform", "displacement-field", "":
		return DisplacementFieldClass, nil
	case "affine":
		return AffineOnly, nil
	}
	return DisplacementFieldClass, fmt.Errorf("unknown transform class %q, expected affine or displacement-field", s)
}

// Status is the tagged outcome of registering one block.
type Status int

const (
	// StatusConverged means the solver produced a usable local transform.
	StatusConverged Status = iota

	// StatusDiverged means the metric worsened past the divergence
	// threshold and the identity transform was substituted.
	StatusDiverged

	// StatusFailed means the task crashed or timed out terminally and
	// the identity transform was substituted.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusDiverged:
		return "diverged"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Options configures the block solver.
type Options struct {
	// MaxIterations bounds the optimization loop.
	MaxIterations int

	// ConvergenceTolerance is the minimum similarity improvement per
	// iteration; smaller improvements terminate the loop.
	ConvergenceTolerance float64

	// Metric selects the similarity measure.
	Metric MetricKind

	// TransformClass selects affine-only or displacement-field output.
	TransformClass Class

	// StepSize scales the demons update, in physical units.
	StepSize float64

	// SmoothSigma is the Gaussian regularization of the displacement
	// field per iteration, in physical units. Zero disables smoothing.
	SmoothSigma float64

	// DivergenceThreshold is how far below the identity-transform
	// similarity the result may fall before the block is declared
	// diverged.
	DivergenceThreshold float64

	// AlignmentSpacing optionally coarsens both sub-volumes to this
	// physical spacing before optimizing. Zero uses native resolution.
	AlignmentSpacing float64
}

// DefaultOptions returns the solver defaults used when no configuration
// file overrides them.
func DefaultOptions() Options {
	return Options{
		MaxIterations:        100,
		ConvergenceTolerance: 1e-4,
		Metric:               NCC,
		TransformClass:       DisplacementFieldClass,
		StepSize:             1.0,
		SmoothSigma:          1.0,
		DivergenceThreshold:  0.05,
		AlignmentSpacing:     0,
	}
}

// Result is the outcome of registering one block. It is immutable after
// creation and consumed exactly once by the stitcher.
type Result struct {
	// Block identifies the region this result refines.
	Block models.Block

	// Status tags the outcome; Field is nil unless StatusConverged.
	Status Status

	// Field is the local refinement on the block's haloed grid, in the
	// block's physical frame. Nil means identity.
	Field *transform.DisplacementField

	// LocalAffine is the fitted local affine when TransformClass is
	// AffineOnly; nil otherwise. Diagnostic only, Field is what the
	// stitcher consumes.
	LocalAffine *transform.Affine

	// InitialSimilarity is the metric under the identity refinement.
	InitialSimilarity float64

	// FinalSimilarity is the metric under the returned refinement.
	FinalSimilarity float64

	// Iterations is how many optimization iterations ran.
	Iterations int

	// ToleranceMet reports whether the loop stopped on the convergence
	// tolerance rather than the iteration cap.
	ToleranceMet bool

	// Attempts is filled in by the coordinator with the number of
	// dispatch attempts the block consumed.
	Attempts int

	// Err is the terminal failure reason recorded by the coordinator
	// for diverged and failed blocks.
	Err string
}

// IdentityResult builds the fallback result recorded for a block whose
// task failed terminally or diverged.
func IdentityResult(block models.Block, status Status) *Result {
	return &Result{Block: block, Status: status}
}

// Solver runs iterative intensity registration on single blocks.
type Solver struct {
	opts Options
}

// NewSolver creates a block solver with the given options.
func NewSolver(opts Options) *Solver {
	return &Solver{opts: opts}
}

// variance floor below which a block is considered featureless background
// and registration is skipped with a zero refinement.
const flatVarianceEps = 1e-10

// RegisterBlock registers one block. fixed is the haloed fixed sub-volume;
// moving is a region of the moving volume whose first voxel sits at
// physical position movingOrigin; global is the initial affine. The moving
// region must cover the image of the fixed block under global, the
// coordinator bounds it from the transformed block corners.
//
// Returns ErrDiverged (with a StatusDiverged result) when the optimized
// similarity falls below the identity similarity by more than the
// divergence threshold.
func (s *Solver) RegisterBlock(block models.Block, fixed, moving *volume.Volume, movingOrigin [3]float64, global *transform.Affine) (*Result, error) {
	if fixed.Shape != block.HaloShape {
		return nil, fmt.Errorf("fixed sub-volume shape %v does not match block halo shape %v", fixed.Shape, block.HaloShape)
	}

	blockOrigin := physicalOrigin(block.HaloOrigin, fixed.Spacing)
	fixedGrid := transform.Grid{Origin: blockOrigin, Shape: fixed.Shape, Spacing: fixed.Spacing}

	// Pre-align the moving region onto the fixed block grid using the
	// global transform; all refinement happens in this coarsely aligned
	// space.
	warped := transform.Resample(moving, movingOrigin, global, fixedGrid, transform.Linear)

	// Featureless blocks (background outside the specimen) carry no
	// signal to register; the identity refinement is the right answer.
	if varianceOf(fixed.Data) < flatVarianceEps || varianceOf(warped.Data) < flatVarianceEps {
		return &Result{
			Block:        block,
			Status:       StatusConverged,
			Field:        transform.NewField(block.HaloShape, fixed.Spacing, blockOrigin),
			ToleranceMet: true,
		}, nil
	}

	// Optionally coarsen for optimization; the refined field is brought
	// back to the native grid afterwards.
	fixedOpt, warpedOpt := fixed, warped
	if s.opts.AlignmentSpacing > 0 {
		target := [3]float64{s.opts.AlignmentSpacing, s.opts.AlignmentSpacing, s.opts.AlignmentSpacing}
		fixedOpt = fixed.Downsample(target)
		warpedOpt = warped.Downsample(target)
	}

	var res *Result
	var err error
	if s.opts.TransformClass == AffineOnly {
		res, err = s.registerAffine(block, fixedOpt, warpedOpt, blockOrigin, fixed.Spacing, fixed.Shape)
	} else {
		res, err = s.registerDeform(block, fixedOpt, warpedOpt, blockOrigin, fixed.Spacing, fixed.Shape)
	}
	if err != nil {
		return nil, err
	}

	// The divergence check compares at native resolution: coarsened
	// optimization and field upsampling can regress the full-resolution
	// similarity even when the coarse objective improved.
	identitySim := Similarity(s.opts.Metric, fixed, warped)
	finalSim := Similarity(s.opts.Metric, fixed, warpThroughField(warped, res.Field.Vol))
	res.InitialSimilarity = identitySim
	res.FinalSimilarity = finalSim

	if finalSim < identitySim-s.opts.DivergenceThreshold {
		return IdentityResult(block, StatusDiverged), fmt.Errorf("%w: similarity %.6f vs identity %.6f",
			ErrDiverged, finalSim, identitySim)
	}
	return res, nil
}

// registerAffine fits a 12-parameter local affine by Nelder-Mead over the
// negative similarity, then rasterizes it into a displacement field on the
// native block grid for uniform consumption by the stitcher.
func (s *Solver) registerAffine(block models.Block, fixed, warped *volume.Volume, blockOrigin [3]float64, nativeSpacing [3]float64, nativeShape [3]int) (*Result, error) {
	grid := transform.Grid{Origin: blockOrigin, Shape: fixed.Shape, Spacing: fixed.Spacing}

	// Rotation and scale act about the block's physical center so the
	// translation parameters stay well conditioned.
	var center transform.Point
	for i := 0; i < 3; i++ {
		center[i] = blockOrigin[i] + float64(fixed.Shape[i])*fixed.Spacing[i]/2
	}

	objective := func(x []float64) float64 {
		local := affineFromParams(x, center)
		resampled := transform.Resample(warped, blockOrigin, local, grid, transform.Linear)
		return -Similarity(s.opts.Metric, fixed, resampled)
	}

	settings := &optimize.Settings{
		MajorIterations: s.opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   s.opts.ConvergenceTolerance,
			Iterations: 10,
		},
	}
	problem := optimize.Problem{Func: objective}
	x0 := make([]float64, 12)
	opt, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("affine optimization failed: %w", err)
	}

	local := affineFromParams(opt.X, center)
	field := rasterizeAffine(local, nativeShape, nativeSpacing, blockOrigin)

	return &Result{
		Block:           block,
		Status:          StatusConverged,
		Field:           field,
		LocalAffine:     local,
		FinalSimilarity: -opt.F,
		Iterations:      opt.Stats.MajorIterations,
		ToleranceMet:    opt.Status == optimize.FunctionConvergence,
	}, nil
}

// registerDeform runs a demons-style iterative update of a dense
// displacement field with Gaussian regularization each iteration.
func (s *Solver) registerDeform(block models.Block, fixed, warped *volume.Volume, blockOrigin [3]float64, nativeSpacing [3]float64, nativeShape [3]int) (*Result, error) {
	shape := fixed.Shape
	spacing := fixed.Spacing
	field := volume.NewWithComponents(shape, spacing, 3)

	var sigmaVox [3]float64
	for i := 0; i < 3; i++ {
		if s.opts.SmoothSigma > 0 {
			sigmaVox[i] = s.opts.SmoothSigma / spacing[i]
		}
	}

	bestSim := math.Inf(-1)
	bestField := field.Clone()
	iterations := 0
	toleranceMet := false
	prevSim := math.Inf(-1)

	for iter := 0; iter < s.opts.MaxIterations; iter++ {
		iterations = iter + 1

		// Warp the pre-aligned moving block through the current field.
		current := warpThroughField(warped, field)

		sim := Similarity(s.opts.Metric, fixed, current)
		if sim > bestSim {
			bestSim = sim
			bestField = field.Clone()
		}
		if iter > 0 && sim-prevSim < s.opts.ConvergenceTolerance {
			toleranceMet = true
			break
		}
		prevSim = sim

		addDemonsForce(field, fixed, current, s.opts.StepSize)
		if s.opts.SmoothSigma > 0 {
			gaussianSmooth(field, sigmaVox)
		}
	}

	// Bring the field back to the native block grid if optimization ran
	// on a coarsened one.
	native := resampleFieldTo(bestField, nativeShape, nativeSpacing)

	return &Result{
		Block:  block,
		Status: StatusConverged,
		Field: &transform.DisplacementField{
			Vol:    native,
			Origin: blockOrigin,
		},
		FinalSimilarity: bestSim,
		Iterations:      iterations,
		ToleranceMet:    toleranceMet,
	}, nil
}

// affineFromParams assembles a local affine from 12 parameters: the first
// nine perturb the linear part from the identity, the last three translate.
// The linear part acts about center.
func affineFromParams(x []float64, center transform.Point) *transform.Affine {
	elements := make([]float64, 16)
	elements[15] = 1
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := x[i*3+j]
			if i == j {
				v += 1
			}
			elements[i*4+j] = v
		}
	}
	// Translation combines the explicit shift with re-centering:
	// A(p) = L(p - c) + c + t.
	for i := 0; i < 3; i++ {
		t := x[9+i] + center[i]
		for j := 0; j < 3; j++ {
			t -= elements[i*4+j] * center[j]
		}
		elements[i*4+3] = t
	}
	a, _ := transform.NewAffine(elements)
	return a
}

// rasterizeAffine converts a local affine into the equivalent displacement
// field u(p) = A(p) - p on the block's native grid.
func rasterizeAffine(local *transform.Affine, shape [3]int, spacing [3]float64, origin [3]float64) *transform.DisplacementField {
	f := transform.NewField(shape, spacing, origin)
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				p := transform.Point{
					origin[0] + float64(z)*spacing[0],
					origin[1] + float64(y)*spacing[1],
					origin[2] + float64(x)*spacing[2],
				}
				q := local.Apply(p)
				f.Vol.SetComponent(z, y, x, 0, float32(q[0]-p[0]))
				f.Vol.SetComponent(z, y, x, 1, float32(q[1]-p[1]))
				f.Vol.SetComponent(z, y, x, 2, float32(q[2]-p[2]))
			}
		}
	}
	return f
}

// warpThroughField samples src at p + u(p) for every voxel of the field's
// grid. Both live on the same grid, so the lookup works in index space.
func warpThroughField(src *volume.Volume, field *volume.Volume) *volume.Volume {
	shape := field.Shape
	out := volume.New(shape, src.Spacing)
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				iz := float64(z) + float64(field.AtComponent(z, y, x, 0))/src.Spacing[0]
				iy := float64(y) + float64(field.AtComponent(z, y, x, 1))/src.Spacing[1]
				ix := float64(x) + float64(field.AtComponent(z, y, x, 2))/src.Spacing[2]
				out.Set(z, y, x, src.Sample(iz, iy, ix, 0))
			}
		}
	}
	return out
}

// addDemonsForce accumulates the demons update into the field:
// u += step * (F - W) * grad(W) / (|grad(W)|^2 + (F - W)^2).
func addDemonsForce(field, fixed, warped *volume.Volume, step float64) {
	shape := fixed.Shape
	spacing := fixed.Spacing
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				diff := float64(fixed.At(z, y, x) - warped.At(z, y, x))
				if diff == 0 {
					continue
				}
				g := gradientAt(warped, z, y, x, spacing)
				norm := g[0]*g[0] + g[1]*g[1] + g[2]*g[2] + diff*diff
				if norm == 0 {
					continue
				}
				scale := step * diff / norm
				for c := 0; c < 3; c++ {
					idx := field.Index(z, y, x, c)
					field.Data[idx] += float32(scale * g[c])
				}
			}
		}
	}
}

// gradientAt computes the central-difference intensity gradient in
// physical units, falling back to one-sided differences at the boundary.
func gradientAt(v *volume.Volume, z, y, x int, spacing [3]float64) [3]float64 {
	var g [3]float64
	idx := [3]int{z, y, x}
	for axis := 0; axis < 3; axis++ {
		lo, hi := idx, idx
		if idx[axis] > 0 {
			lo[axis]--
		}
		if idx[axis] < v.Shape[axis]-1 {
			hi[axis]++
		}
		span := float64(hi[axis]-lo[axis]) * spacing[axis]
		if span == 0 {
			continue
		}
		g[axis] = float64(v.At(hi[0], hi[1], hi[2])-v.At(lo[0], lo[1], lo[2])) / span
	}
	return g
}

// gaussianSmooth applies a separable Gaussian to every component of the
// field, sigma given in voxels per axis.
func gaussianSmooth(field *volume.Volume, sigmaVox [3]float64) {
	for axis := 0; axis < 3; axis++ {
		if sigmaVox[axis] <= 0 {
			continue
		}
		kernel := gaussianKernel(sigmaVox[axis])
		smoothAxis(field, axis, kernel)
	}
}

func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(2.5 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func smoothAxis(field *volume.Volume, axis int, kernel []float64) {
	shape := field.Shape
	radius := len(kernel) / 2
	src := append([]float32(nil), field.Data...)

	at := func(z, y, x, c int) float32 {
		return src[field.Index(z, y, x, c)]
	}

	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				idx := [3]int{z, y, x}
				for c := 0; c < 3; c++ {
					acc := 0.0
					for k, w := range kernel {
						s := idx
						s[axis] += k - radius
						if s[axis] < 0 {
							s[axis] = 0
						}
						if s[axis] >= shape[axis] {
							s[axis] = shape[axis] - 1
						}
						acc += w * float64(at(s[0], s[1], s[2], c))
					}
					field.Data[field.Index(z, y, x, c)] = float32(acc)
				}
			}
		}
	}
}

// resampleFieldTo brings a (possibly coarsened) field volume back onto the
// native block grid with trilinear interpolation.
func resampleFieldTo(field *volume.Volume, shape [3]int, spacing [3]float64) *volume.Volume {
	if field.Shape == shape {
		out := field.Clone()
		out.Spacing = spacing
		return out
	}
	out := volume.NewWithComponents(shape, spacing, 3)
	for z := 0; z < shape[0]; z++ {
		sz := float64(z) * spacing[0] / field.Spacing[0]
		for y := 0; y < shape[1]; y++ {
			sy := float64(y) * spacing[1] / field.Spacing[1]
			for x := 0; x < shape[2]; x++ {
				sx := float64(x) * spacing[2] / field.Spacing[2]
				for c := 0; c < 3; c++ {
					out.SetComponent(z, y, x, c, field.Sample(sz, sy, sx, c))
				}
			}
		}
	}
	return out
}

func physicalOrigin(index [3]int, spacing [3]float64) [3]float64 {
	return [3]float64{
		float64(index[0]) * spacing[0],
		float64(index[1]) * spacing[1],
		float64(index[2]) * spacing[2],
	}
}

func varianceOf(data []float32) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range data {
		mean += float64(v)
	}
	mean /= float64(n)
	variance := 0.0
	for _, v := range data {
		d := float64(v) - mean
		variance += d * d
	}
	return variance / float64(n)
}
