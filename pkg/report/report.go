// Package report models the completion report the coordinator produces for
// operator visibility: one record per block plus aggregate counts, written
// to a YAML file next to the output volume and echoed to the run log. The
// report is the only record of which blocks fell back to the identity
// transform, so operators can assess local quality without re-running the
// pipeline.
package report

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/lumberjack"
	"gopkg.in/yaml.v3"
)

// BlockRecord is the terminal outcome of one block's registration task.
type BlockRecord struct {
	// Index is the planner's block index.
	Index int `yaml:"block"`

	// TaskID is the coordinator's task identity for the block.
	TaskID string `yaml:"task_id"`

	// Origin is the block core origin in voxels, z, y, x order.
	Origin [3]int `yaml:"origin"`

	// Status is one of converged, diverged, failed.
	Status string `yaml:"status"`

	// Attempts is how many dispatch attempts the task consumed.
	Attempts int `yaml:"attempts"`

	// Iterations is the solver iteration count of the final attempt.
	Iterations int `yaml:"iterations,omitempty"`

	// InitialSimilarity and FinalSimilarity bracket the solver's metric.
	InitialSimilarity float64 `yaml:"initial_similarity,omitempty"`
	FinalSimilarity   float64 `yaml:"final_similarity,omitempty"`

	// Error preserves the terminal failure reason, if any.
	Error string `yaml:"error,omitempty"`
}

// Completion aggregates all block outcomes of one run. Safe for concurrent
// Add calls; the coordinator records results as workers finish.
type Completion struct {
	mu      sync.Mutex
	started time.Time

	// Blocks holds one record per planned block, sorted by index once
	// the run completes.
	Blocks []BlockRecord `yaml:"blocks"`

	// Aggregate counts over terminal states.
	Total     int `yaml:"total"`
	Succeeded int `yaml:"succeeded"`
	Diverged  int `yaml:"diverged"`
	Failed    int `yaml:"failed"`

	// Elapsed is the wall-clock duration of the distributed phase.
	Elapsed time.Duration `yaml:"elapsed"`
}

// NewCompletion starts an empty report for the given number of blocks.
func NewCompletion(totalBlocks int) *Completion {
	return &Completion{
		started: time.Now(),
		Total:   totalBlocks,
	}
}

// Add records one terminal block outcome.
func (c *Completion) Add(rec BlockRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Blocks = append(c.Blocks, rec)
	switch rec.Status {
	case "converged":
		c.Succeeded++
	case "diverged":
		c.Diverged++
	default:
		c.Failed++
	}
}

// Finish sorts the records and freezes the elapsed time.
func (c *Completion) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.Slice(c.Blocks, func(i, j int) bool { return c.Blocks[i].Index < c.Blocks[j].Index })
	c.Elapsed = time.Since(c.started)
}

// Fallbacks returns how many blocks completed with the identity transform
// substituted.
func (c *Completion) Fallbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Diverged + c.Failed
}

// AnySucceeded reports whether at least one block registered successfully.
// A run where every block fell back indicates unusable inputs and exits
// nonzero.
func (c *Completion) AnySucceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Succeeded > 0
}

// Save writes the report as YAML.
func (c *Completion) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal completion report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write completion report: %w", err)
	}
	return nil
}

// Log writes the per-block records and aggregate counts to the run log.
func (c *Completion) Log(logger *log.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.Blocks {
		if rec.Error != "" {
			logger.Printf("block %d origin %v status=%s attempts=%d error=%q",
				rec.Index, rec.Origin, rec.Status, rec.Attempts, rec.Error)
			continue
		}
		logger.Printf("block %d origin %v status=%s attempts=%d iterations=%d similarity %.6f -> %.6f",
			rec.Index, rec.Origin, rec.Status, rec.Attempts, rec.Iterations,
			rec.InitialSimilarity, rec.FinalSimilarity)
	}
	logger.Printf("completion: %d blocks, %d converged, %d diverged, %d failed, elapsed %s",
		c.Total, c.Succeeded, c.Diverged, c.Failed, c.Elapsed.Round(time.Millisecond))
}

// NewRunLogger returns a logger writing to a rotating file, for inspection
// by the external cluster job wrapper after the run.
func NewRunLogger(path string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
	}, "", log.LstdFlags|log.Lmicroseconds)
}

// VolumeSize formats a byte count for log lines.
func VolumeSize(bytes int64) string {
	return humanize.IBytes(uint64(bytes))
}
