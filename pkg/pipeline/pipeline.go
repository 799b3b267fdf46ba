// Package pipeline wires the registration engine end to end: verify the
// input stores, plan the block decomposition, fan block registrations out
// through the coordinator, then stitch and resample the result into the
// output store. It is the programmatic equivalent of the batch
// invocation's argument surface.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"blockalign/internal/models"
	"blockalign/pkg/blockplan"
	"blockalign/pkg/chunkstore"
	"blockalign/pkg/config"
	"blockalign/pkg/coordinator"
	"blockalign/pkg/register"
	"blockalign/pkg/report"
	"blockalign/pkg/stitcher"
	"blockalign/pkg/transform"
)

// ErrNoConvergedBlocks is returned when every block fell back to the
// identity transform; the output exists but carries no refinement and the
// run exits nonzero for the cluster wrapper to notice.
var ErrNoConvergedBlocks = errors.New("no block registered successfully")

// Params holds the registration parameters, mirroring the cluster
// submission step's argument list.
type Params struct {
	// FixImagePath and MoveImagePath reference the chunked input
	// volumes.
	FixImagePath  string
	MoveImagePath string

	// Spacing is the physical voxel size in z, y, x order. A zero
	// spacing falls back to the stores' metadata.
	Spacing [3]float64

	// Blocksize is the block core extent in voxels, z, y, x order.
	Blocksize [3]int

	// InitTransformPath is the plaintext global affine from the
	// landmark step. Empty means identity.
	InitTransformPath string

	// OutputDir and OutputName locate the results: the aligned volume,
	// the deformation field store, the completion report and the run
	// log all derive their names from OutputName.
	OutputDir  string
	OutputName string

	// Config carries the solver, retry and stitching configuration.
	Config *config.Config

	// Logger receives per-block and progress records. Nil discards.
	Logger *log.Logger
}

// Pipeline runs one distributed block-wise registration.
type Pipeline struct {
	params     *Params
	completion *report.Completion
}

// New creates a pipeline instance with the provided parameters.
func New(params *Params) *Pipeline {
	if params.Config == nil {
		params.Config = config.DefaultConfig()
	}
	return &Pipeline{params: params}
}

// Completion returns the completion report of the last Run, or nil if the
// run aborted before any dispatch.
func (p *Pipeline) Completion() *report.Completion {
	return p.completion
}

// AlignedPath returns where the aligned output store is written.
func (p *Pipeline) AlignedPath() string {
	return filepath.Join(p.params.OutputDir, p.params.OutputName+"_aligned")
}

// FieldPath returns where the merged deformation field store is written.
func (p *Pipeline) FieldPath() string {
	return filepath.Join(p.params.OutputDir, p.params.OutputName+"_deformation_field")
}

// ReportPath returns where the completion report is written.
func (p *Pipeline) ReportPath() string {
	return filepath.Join(p.params.OutputDir, p.params.OutputName+"_report.yaml")
}

// Run executes the full registration. Input and shape failures surface
// before any distributed work is dispatched and leave the output
// directory untouched; block-local failures degrade to identity fallbacks
// and never abort the run. ErrNoConvergedBlocks reports a completed run
// whose every block fell back.
func (p *Pipeline) Run(ctx context.Context) error {
	cfg := p.params.Config
	verbose := cfg.Output.Verbose

	// Step 1: open and verify both input stores before anything is
	// dispatched or written. A corrupt chunk discovered here is fatal.
	if verbose {
		fmt.Println("Step 1: Verifying input volumes...")
	}
	fixStore, err := openInput(p.params.FixImagePath, p.params.Spacing)
	if err != nil {
		return fmt.Errorf("fixed volume unusable: %w", err)
	}
	moveStore, err := openInput(p.params.MoveImagePath, p.params.Spacing)
	if err != nil {
		return fmt.Errorf("moving volume unusable: %w", err)
	}

	fixMeta := fixStore.Meta()
	p.logf("fixed volume %v spacing %v (%s), moving volume %v (%s)",
		fixMeta.Shape, fixMeta.Spacing, report.VolumeSize(fixMeta.SizeBytes()),
		moveStore.Meta().Shape, report.VolumeSize(moveStore.Meta().SizeBytes()))

	// Step 2: load the initial global affine from the landmark step.
	global := transform.Identity()
	if p.params.InitTransformPath != "" {
		global, err = transform.LoadAffineText(p.params.InitTransformPath)
		if err != nil {
			return err
		}
	}

	// Step 3: plan the block decomposition of the fixed volume.
	if verbose {
		fmt.Println("Step 2: Planning block decomposition...")
	}
	halo := blockplan.HaloFromOverlap(p.params.Blocksize, cfg.Processing.Overlap)
	plan, err := blockplan.New(fixMeta.Shape, p.params.Blocksize, halo)
	if err != nil {
		return err
	}
	p.logf("planned %d blocks of core %v halo %v over shape %v",
		plan.NumBlocks(), p.params.Blocksize, halo, fixMeta.Shape)

	// Step 4: register every block through the coordinator.
	if verbose {
		fmt.Printf("Step 3: Registering %d blocks with %d workers...\n",
			plan.NumBlocks(), cfg.Processing.Workers)
	}
	solverOpts, err := cfg.SolverOptions()
	if err != nil {
		return err
	}
	coordOpts, err := cfg.CoordinatorOptions()
	if err != nil {
		return err
	}
	solver := register.NewSolver(solverOpts)
	coord := coordinator.New(coordOpts, p.params.Logger)

	solve := solveFunc(solver, fixStore, moveStore, global, halo)
	results, completion, err := coord.Run(ctx, plan.Blocks(), solve)
	if err != nil {
		return err
	}
	p.completion = completion

	// Step 5: stitch and resample into the output stores.
	if verbose {
		fmt.Println("Step 4: Stitching deformation field and resampling...")
	}
	stitchOpts, err := cfg.StitcherOptions()
	if err != nil {
		return err
	}
	outStore, fieldStore, err := p.createOutputs(fixMeta, cfg.Output.SaveDeformationField)
	if err != nil {
		return err
	}
	st, err := stitcher.New(stitchOpts, plan, results, global, p.params.Logger)
	if err != nil {
		return err
	}
	if err := st.Run(ctx, moveStore, outStore, fieldStore); err != nil {
		return err
	}

	// Step 6: persist the completion report for the cluster wrapper.
	completion.Log(ensureLogger(p.params.Logger))
	if err := completion.Save(p.ReportPath()); err != nil {
		return err
	}
	if verbose {
		fmt.Printf("Registration complete: %d/%d blocks converged, %d fallbacks\n",
			completion.Succeeded, completion.Total, completion.Fallbacks())
	}

	if !completion.AnySucceeded() {
		return ErrNoConvergedBlocks
	}
	return nil
}

// openInput opens one chunked input, applies the explicit spacing, and
// verifies every chunk is present and decodable.
func openInput(path string, spacing [3]float64) (*chunkstore.Store, error) {
	store, err := chunkstore.Open(path)
	if err != nil {
		return nil, err
	}
	if spacing != ([3]float64{}) {
		store.OverrideSpacing(spacing)
	}
	if err := store.Verify(); err != nil {
		return nil, err
	}
	return store, nil
}

// createOutputs creates the aligned output store and, optionally, the
// deformation field store. Output chunks are sized to the blocksize so
// chunk boundaries align with block boundaries and concurrent stitch
// writers never share a chunk.
func (p *Pipeline) createOutputs(fixMeta chunkstore.Meta, saveField bool) (*chunkstore.Store, *chunkstore.Store, error) {
	outStore, err := chunkstore.Create(p.AlignedPath(), chunkstore.Meta{
		Shape:      fixMeta.Shape,
		ChunkShape: p.params.Blocksize,
		Spacing:    fixMeta.Spacing,
		DType:      "float32",
		Components: 1,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output store: %w", err)
	}
	var fieldStore *chunkstore.Store
	if saveField {
		fieldStore, err = chunkstore.Create(p.FieldPath(), chunkstore.Meta{
			Shape:      fixMeta.Shape,
			ChunkShape: p.params.Blocksize,
			Spacing:    fixMeta.Spacing,
			DType:      "float32",
			Components: 3,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create deformation field store: %w", err)
		}
	}
	return outStore, fieldStore, nil
}

// solveFunc builds the coordinator's per-block solver closure: read the
// fixed sub-volume, bound and read the moving region it maps into under
// the global affine, and run the block solver.
func solveFunc(solver *register.Solver, fixStore, moveStore *chunkstore.Store, global *transform.Affine, halo [3]int) coordinator.SolveFunc {
	fixSpacing := fixStore.Meta().Spacing
	moveSpacing := moveStore.Meta().Spacing

	// Padding for the moving read: the local search can displace past
	// the affine image of the block, but not past its own halo.
	pad := halo[0]
	for _, h := range halo {
		if h > pad {
			pad = h
		}
	}
	pad += 2

	return func(ctx context.Context, block models.Block) (*register.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fixed, err := fixStore.ReadBlock(block.HaloOrigin, block.HaloShape)
		if err != nil {
			return nil, err
		}

		lo, hi := movingBounds(block, fixSpacing, global)
		moving, movingOrigin, err := moveStore.ReadPhysicalBox(lo, hi, pad)
		if err != nil {
			return nil, err
		}
		if moving == nil {
			// The block maps entirely outside the moving volume;
			// there is nothing to refine.
			origin := [3]float64{
				float64(block.HaloOrigin[0]) * fixSpacing[0],
				float64(block.HaloOrigin[1]) * fixSpacing[1],
				float64(block.HaloOrigin[2]) * fixSpacing[2],
			}
			res := &register.Result{
				Block:  block,
				Status: register.StatusConverged,
				Field:  transform.NewField(block.HaloShape, fixSpacing, origin),
			}
			return res, nil
		}

		movingOriginPhys := [3]float64{
			float64(movingOrigin[0]) * moveSpacing[0],
			float64(movingOrigin[1]) * moveSpacing[1],
			float64(movingOrigin[2]) * moveSpacing[2],
		}
		return solver.RegisterBlock(block, fixed, moving, movingOriginPhys, global)
	}
}

// movingBounds maps the eight corners of the block's haloed region through
// the global affine and returns the physical bounding box of the image.
func movingBounds(block models.Block, spacing [3]float64, global *transform.Affine) (lo, hi [3]float64) {
	end := block.HaloEnd()
	for i := 0; i < 3; i++ {
		lo[i] = 1e300
		hi[i] = -1e300
	}
	for corner := 0; corner < 8; corner++ {
		var p transform.Point
		for i := 0; i < 3; i++ {
			v := block.HaloOrigin[i]
			if corner&(1<<i) != 0 {
				v = end[i]
			}
			p[i] = float64(v) * spacing[i]
		}
		q := global.Apply(p)
		for i := 0; i < 3; i++ {
			if q[i] < lo[i] {
				lo[i] = q[i]
			}
			if q[i] > hi[i] {
				hi[i] = q[i]
			}
		}
	}
	return lo, hi
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.params.Logger != nil {
		p.params.Logger.Printf(format, args...)
	}
}

func ensureLogger(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.New(discard{}, "", 0)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
