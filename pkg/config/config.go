// Package config provides configuration loading and management for
// blockalign. It handles loading configuration from YAML files and
// provides default values for every solver, retry and stitching knob the
// original pipeline left implicit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"blockalign/pkg/coordinator"
	"blockalign/pkg/register"
	"blockalign/pkg/stitcher"
	"blockalign/pkg/transform"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is how many block registrations run concurrently.
		Workers int `yaml:"workers"`

		// Overlap is the block overlap as a fraction of the blocksize;
		// half the overlap becomes each block's halo.
		Overlap float64 `yaml:"overlap"`

		// MemoryBudget bounds the stitcher's working memory, as a
		// human-readable size ("1GiB", "512MiB").
		MemoryBudget string `yaml:"memoryBudget"`
	} `yaml:"processing"`

	// Solver parameters for per-block registration
	Solver struct {
		// MaxIterations bounds the per-block optimization loop.
		MaxIterations int `yaml:"maxIterations"`

		// ConvergenceTolerance stops iteration when the similarity
		// improvement per iteration falls below it.
		ConvergenceTolerance float64 `yaml:"convergenceTolerance"`

		// Metric is the similarity measure: ncc or mi.
		Metric string `yaml:"metric"`

		// TransformClass is affine or displacement-field.
		TransformClass string `yaml:"transformClass"`

		// StepSize scales the displacement update per iteration.
		StepSize float64 `yaml:"stepSize"`

		// SmoothSigma is the field regularization in physical units.
		SmoothSigma float64 `yaml:"smoothSigma"`

		// DivergenceThreshold is how far the metric may fall below the
		// identity-transform baseline before a block is declared
		// diverged.
		DivergenceThreshold float64 `yaml:"divergenceThreshold"`

		// AlignmentSpacing optionally coarsens blocks to this physical
		// spacing before optimizing; zero uses native resolution.
		AlignmentSpacing float64 `yaml:"alignmentSpacing"`
	} `yaml:"solver"`

	// Retry parameters for the distributed coordinator
	Retry struct {
		// MaxRetries is the per-task retry budget after the first
		// attempt.
		MaxRetries int `yaml:"maxRetries"`

		// TaskTimeout bounds one attempt, as a duration string
		// ("10m"). Empty disables the local timeout.
		TaskTimeout string `yaml:"taskTimeout"`
	} `yaml:"retry"`

	// Output parameters
	Output struct {
		// SaveDeformationField also persists the merged field as its
		// own chunked store next to the aligned volume.
		SaveDeformationField bool `yaml:"saveDeformationField"`

		// Interpolation is the resampling order: linear or nearest.
		Interpolation string `yaml:"interpolation"`

		// Verbose controls progress output on stdout.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters. The 0.3 overlap matches the
	// original pipeline's piecewise alignment call.
	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Overlap = 0.3
	cfg.Processing.MemoryBudget = "1GiB"

	// Set default solver parameters
	defaults := register.DefaultOptions()
	cfg.Solver.MaxIterations = defaults.MaxIterations
	cfg.Solver.ConvergenceTolerance = defaults.ConvergenceTolerance
	cfg.Solver.Metric = defaults.Metric.String()
	cfg.Solver.TransformClass = defaults.TransformClass.String()
	cfg.Solver.StepSize = defaults.StepSize
	cfg.Solver.SmoothSigma = defaults.SmoothSigma
	cfg.Solver.DivergenceThreshold = defaults.DivergenceThreshold
	cfg.Solver.AlignmentSpacing = defaults.AlignmentSpacing

	// Set default retry parameters
	cfg.Retry.MaxRetries = 2
	cfg.Retry.TaskTimeout = ""

	// Set default output parameters
	cfg.Output.SaveDeformationField = true
	cfg.Output.Interpolation = "linear"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// SolverOptions converts the solver section into register.Options.
func (c *Config) SolverOptions() (register.Options, error) {
	opts := register.Options{
		MaxIterations:        c.Solver.MaxIterations,
		ConvergenceTolerance: c.Solver.ConvergenceTolerance,
		StepSize:             c.Solver.StepSize,
		SmoothSigma:          c.Solver.SmoothSigma,
		DivergenceThreshold:  c.Solver.DivergenceThreshold,
		AlignmentSpacing:     c.Solver.AlignmentSpacing,
	}
	metric, err := register.ParseMetricKind(c.Solver.Metric)
	if err != nil {
		return opts, err
	}
	opts.Metric = metric
	class, err := register.ParseClass(c.Solver.TransformClass)
	if err != nil {
		return opts, err
	}
	opts.TransformClass = class
	return opts, nil
}

// CoordinatorOptions converts the processing and retry sections into
// coordinator.Options.
func (c *Config) CoordinatorOptions() (coordinator.Options, error) {
	opts := coordinator.Options{
		Workers:    c.Processing.Workers,
		MaxRetries: c.Retry.MaxRetries,
	}
	if c.Retry.TaskTimeout != "" {
		d, err := time.ParseDuration(c.Retry.TaskTimeout)
		if err != nil {
			return opts, fmt.Errorf("invalid taskTimeout %q: %w", c.Retry.TaskTimeout, err)
		}
		opts.TaskTimeout = d
	}
	return opts, nil
}

// StitcherOptions converts the processing and output sections into
// stitcher.Options.
func (c *Config) StitcherOptions() (stitcher.Options, error) {
	opts := stitcher.DefaultOptions()
	opts.Workers = c.Processing.Workers
	if c.Processing.MemoryBudget != "" {
		budget, err := humanize.ParseBytes(c.Processing.MemoryBudget)
		if err != nil {
			return opts, fmt.Errorf("invalid memoryBudget %q: %w", c.Processing.MemoryBudget, err)
		}
		opts.MemoryBudgetBytes = int64(budget)
	}
	switch c.Output.Interpolation {
	case "linear", "":
		opts.Interpolation = transform.Linear
	case "nearest":
		opts.Interpolation = transform.Nearest
	default:
		return opts, fmt.Errorf("unknown interpolation %q, expected linear or nearest", c.Output.Interpolation)
	}
	return opts, nil
}
