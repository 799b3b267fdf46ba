// Package coordinator dispatches one registration task per block across a
// worker pool, retries transient failures, and enforces the global
// completion barrier before stitching. Block registration is
// embarrassingly parallel; the coordinator owns each task exclusively from
// dispatch until a terminal result is recorded, and owns the completion
// report rather than keeping ambient global state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"blockalign/internal/models"
	"blockalign/pkg/register"
	"blockalign/pkg/report"
)

// Per-attempt failure modes. Both follow the retry path up to the budget,
// then degrade to the identity fallback.
var (
	ErrTaskTimeout = errors.New("task timed out")
	ErrTaskCrash   = errors.New("task crashed")
)

// TaskState is the lifecycle of one block task.
type TaskState int

const (
	Pending TaskState = iota
	Running
	Succeeded
	Failed
)

func (s TaskState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Task binds one block to the solver function for dispatch.
type Task struct {
	// ID identifies the task in logs and the completion report.
	ID uuid.UUID

	// Block is the region the task registers.
	Block models.Block

	// State is the current lifecycle state.
	State TaskState

	// Attempts counts dispatches, including retries.
	Attempts int
}

// SolveFunc registers one block. Implementations must respect ctx
// cancellation; a cancelled attempt counts against the retry budget.
type SolveFunc func(ctx context.Context, block models.Block) (*register.Result, error)

// Options configures the coordinator.
type Options struct {
	// Workers bounds concurrent solver tasks. Zero means one per CPU.
	Workers int

	// MaxRetries is how many times a failed attempt is re-enqueued
	// before the task fails terminally with an identity fallback.
	MaxRetries int

	// TaskTimeout bounds one attempt. Zero disables the local timeout,
	// leaving walltime enforcement to the external scheduler.
	TaskTimeout time.Duration
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		Workers:     runtime.NumCPU(),
		MaxRetries:  2,
		TaskTimeout: 0,
	}
}

// Coordinator fans block tasks out to a worker pool.
type Coordinator struct {
	opts   Options
	logger *log.Logger
}

// New creates a coordinator. logger may be nil to discard progress lines.
func New(opts Options, logger *log.Logger) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Coordinator{opts: opts, logger: logger}
}

// Run registers every block and blocks until all tasks reach a terminal
// state; this is the global barrier before stitching. The returned slice
// holds exactly one result per block, in block-index order, with identity
// fallbacks substituted for diverged and terminally failed tasks. Run
// fails only when ctx is cancelled; block-local failures never abort the
// run.
func (c *Coordinator) Run(ctx context.Context, blocks []models.Block, solve SolveFunc) ([]*register.Result, *report.Completion, error) {
	completion := report.NewCompletion(len(blocks))
	results := make([]*register.Result, len(blocks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	for i, block := range blocks {
		i, block := i, block
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			task := &Task{ID: uuid.New(), Block: block, State: Pending}
			res := c.runTask(gctx, task, solve)
			res.Attempts = task.Attempts
			results[i] = res
			completion.Add(recordFor(task, res))
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("distributed registration aborted: %w", err)
	}
	completion.Finish()
	return results, completion, nil
}

// runTask drives one task through its state machine until terminal:
// PENDING -> RUNNING -> SUCCEEDED, or FAILED and back to PENDING while
// retry budget remains. Divergence is terminal immediately; the identity
// fallback is the correct degradation, retrying cannot improve it.
func (c *Coordinator) runTask(ctx context.Context, task *Task, solve SolveFunc) *register.Result {
	maxAttempts := c.opts.MaxRetries + 1
	var lastErr error

	for task.Attempts < maxAttempts {
		task.State = Running
		task.Attempts++

		res, err := c.runAttempt(ctx, task, solve)
		if err == nil {
			task.State = Succeeded
			return res
		}
		lastErr = err

		if errors.Is(err, register.ErrDiverged) {
			task.State = Failed
			c.logf("task %s block %d diverged, falling back to identity: %v", task.ID, task.Block.Index, err)
			res := register.IdentityResult(task.Block, register.StatusDiverged)
			res.Err = err.Error()
			return res
		}
		if ctx.Err() != nil {
			break
		}

		task.State = Pending
		c.logf("task %s block %d attempt %d/%d failed, re-enqueueing: %v",
			task.ID, task.Block.Index, task.Attempts, maxAttempts, err)
	}

	task.State = Failed
	c.logf("task %s block %d failed terminally after %d attempts, falling back to identity: %v",
		task.ID, task.Block.Index, task.Attempts, lastErr)
	res := register.IdentityResult(task.Block, register.StatusFailed)
	if lastErr != nil {
		res.Err = lastErr.Error()
	}
	return res
}

// runAttempt executes one solver attempt with panic recovery and the
// per-task timeout. A timed-out solver goroutine is abandoned; its result
// is discarded when it eventually returns.
func (c *Coordinator) runAttempt(ctx context.Context, task *Task, solve SolveFunc) (*register.Result, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.opts.TaskTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.opts.TaskTimeout)
	}
	defer cancel()

	type outcome struct {
		res *register.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("%w: %v", ErrTaskCrash, r)}
			}
		}()
		res, err := solve(attemptCtx, task.Block)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrTaskTimeout, c.opts.TaskTimeout)
	}
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func recordFor(task *Task, res *register.Result) report.BlockRecord {
	rec := report.BlockRecord{
		Index:    task.Block.Index,
		TaskID:   task.ID.String(),
		Origin:   task.Block.Origin,
		Status:   res.Status.String(),
		Attempts: task.Attempts,
	}
	if res.Status == register.StatusConverged {
		rec.Iterations = res.Iterations
		rec.InitialSimilarity = res.InitialSimilarity
		rec.FinalSimilarity = res.FinalSimilarity
	} else {
		rec.Error = res.Err
	}
	return rec
}
