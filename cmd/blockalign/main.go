package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"blockalign/pkg/config"
	"blockalign/pkg/pipeline"
	"blockalign/pkg/report"
)

func main() {
	// Parse command line arguments, mirroring the cluster submission
	// step's invocation surface.
	fixPath := flag.String("fix_image_path", "", "Path to the fixed chunked volume")
	movePath := flag.String("move_image_path", "", "Path to the moving chunked volume")
	spacingArg := flag.String("spacing", "", "Voxel spacing in z,y,x order (microns), e.g. 0.15,0.15,0.15")
	blocksizeArg := flag.String("blocksize", "256,256,256", "Block core extent in voxels, z,y,x order")
	initTransform := flag.String("init_transform_path", "", "Path to the initial affine matrix .txt file")
	outputDir := flag.String("output_dir", "", "Directory for the aligned volume and deformation field")
	outputName := flag.String("output_name", "", "Base name for the alignment results")
	configPath := flag.String("config", "blockalign.yaml", "Optional YAML configuration file")
	overlap := flag.Float64("overlap", -1, "Block overlap fraction, overrides the config value")
	workers := flag.Int("workers", 0, "Concurrent block registrations, overrides the config value")
	logPath := flag.String("log", "", "Run log file (default: <output_dir>/<output_name>.log)")
	flag.Parse()

	// Validate inputs
	if *fixPath == "" || *movePath == "" || *outputDir == "" || *outputName == "" {
		flag.Usage()
		os.Exit(2)
	}

	spacing, err := parseTriplet(*spacingArg)
	if err != nil {
		log.Fatalf("Invalid -spacing: %v", err)
	}
	blocksizeF, err := parseTriplet(*blocksizeArg)
	if err != nil {
		log.Fatalf("Invalid -blocksize: %v", err)
	}
	var blocksize [3]int
	for i := 0; i < 3; i++ {
		blocksize[i] = int(blocksizeF[i])
		if blocksize[i] <= 0 {
			log.Fatalf("Invalid -blocksize: extents must be positive, got %v", *blocksizeArg)
		}
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *overlap >= 0 {
		cfg.Processing.Overlap = *overlap
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}

	runLog := *logPath
	if runLog == "" {
		runLog = filepath.Join(*outputDir, *outputName+".log")
	}

	fmt.Println("================================")
	fmt.Println("BLOCKALIGN: DISTRIBUTED BLOCK-WISE VOLUME REGISTRATION")
	fmt.Println("================================")

	p := pipeline.New(&pipeline.Params{
		FixImagePath:      *fixPath,
		MoveImagePath:     *movePath,
		Spacing:           spacing,
		Blocksize:         blocksize,
		InitTransformPath: *initTransform,
		OutputDir:         *outputDir,
		OutputName:        *outputName,
		Config:            cfg,
		Logger:            report.NewRunLogger(runLog),
	})

	startTime := time.Now()
	err = p.Run(context.Background())
	elapsed := time.Since(startTime)

	if completion := p.Completion(); completion != nil {
		fmt.Printf("\nBlocks: %d total, %d converged, %d diverged, %d failed\n",
			completion.Total, completion.Succeeded, completion.Diverged, completion.Failed)
		fmt.Printf("Completion report: %s\n", p.ReportPath())
	}

	switch {
	case err == nil:
		fmt.Printf("\nRegistration completed successfully in %.2f seconds\n", elapsed.Seconds())
		fmt.Printf("Aligned volume: %s\n", p.AlignedPath())
		if cfg.Output.SaveDeformationField {
			fmt.Printf("Deformation field: %s\n", p.FieldPath())
		}
	case errors.Is(err, pipeline.ErrNoConvergedBlocks):
		log.Fatalf("Registration produced no converged blocks; inspect %s", p.ReportPath())
	default:
		log.Fatalf("Registration failed: %v", err)
	}
}

// parseTriplet parses three comma- or space-separated numbers in z,y,x
// order. An empty string yields zeros, meaning "use store metadata".
func parseTriplet(s string) ([3]float64, error) {
	var out [3]float64
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) != 3 {
		return out, fmt.Errorf("expected 3 values, got %d in %q", len(fields), s)
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return out, fmt.Errorf("invalid value %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}
