package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"coxpmap/internal/models"
	"coxpmap/pkg/config"
	"coxpmap/pkg/nifti"
	"coxpmap/pkg/significance"
	"coxpmap/pkg/visualization"
)

func main() {
	// Parse command line arguments
	betaAPath := flag.String("beta-a", "", "NIfTI map of the first beta coefficient (e.g. the main-effect term)")
	betaBPath := flag.String("beta-b", "", "NIfTI map of the second beta coefficient (typically the interaction term)")
	varAPath := flag.String("var-a", "", "NIfTI map of the variance of the first coefficient")
	varBPath := flag.String("var-b", "", "NIfTI map of the variance of the second coefficient")
	covABPath := flag.String("cov-ab", "", "NIfTI map of the covariance between the two coefficients, from the voxel-wise covariance matrix of the Cox model")
	nObs := flag.Int("n-obs", 0, "Number of observations (subjects)")
	nPredictors := flag.Int("n-predictors", 0, "Number of predictors in the Cox model, covariates and interaction term and intercept included")
	outputPath := flag.String("output", "", "Output NIfTI path for the combined p-value map")
	maskPath := flag.String("mask-output", "", "Optional output NIfTI path for the validity mask (1=valid statistic, 0=degenerate voxel)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: config value, which defaults to all available)")
	configPath := flag.String("config", "coxpmap.yaml", "Path to YAML configuration file (optional)")
	extractSlices := flag.Bool("extract-slices", false, "Extract and save grayscale QC slices of the p-value map along all axes")
	slicesDir := flag.String("slices-dir", "", "Directory to save extracted QC slices (default: config value)")
	flag.Parse()

	// Validate inputs
	required := map[string]string{
		"-beta-a": *betaAPath,
		"-beta-b": *betaBPath,
		"-var-a":  *varAPath,
		"-var-b":  *varBPath,
		"-cov-ab": *covABPath,
		"-output": *outputPath,
	}
	for name, value := range required {
		if value == "" {
			fmt.Fprintf(os.Stderr, "missing required flag %s\n\n", name)
			flag.Usage()
			os.Exit(1)
		}
	}

	// Load configuration, falling back to defaults when no file exists
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *slicesDir != "" {
		cfg.Output.SliceDir = *slicesDir
	}

	// Degrees of freedom for the Student's t reference distribution.
	// Rejected here, before any file is read, so a malformed
	// observation/predictor count never reaches the CDF evaluation.
	df := *nObs - *nPredictors - 1
	if df <= 0 {
		log.Fatalf("Degrees of freedom must be positive: n-obs=%d, n-predictors=%d gives df=%d", *nObs, *nPredictors, df)
	}

	fmt.Println("================================")
	fmt.Println("VOXEL-WISE P-VALUES FOR THE SUM OF TWO COX REGRESSION COEFFICIENTS")
	fmt.Println("Variance of the combined coefficient per Rosner's textbook derivation")
	fmt.Println("================================")

	// Load the five input maps. The header of the first coefficient map
	// provides the geometry for the outputs.
	type input struct {
		flag string
		path string
	}
	inputs := []input{
		{"beta-a", *betaAPath},
		{"beta-b", *betaBPath},
		{"var-a", *varAPath},
		{"var-b", *varBPath},
		{"cov-ab", *covABPath},
	}
	volumes := make([]*models.Volume, len(inputs))
	var refHeader *nifti.Header
	for i, in := range inputs {
		vol, hdr, err := nifti.ReadVolume(in.path)
		if err != nil {
			log.Fatalf("Failed to load %s: %v", in.flag, err)
		}
		if i == 0 {
			refHeader = hdr
		} else if !volumes[0].SameShape(vol) {
			log.Fatalf("Input maps must have identical dimensions: %s (%s) is %s, but %s (%s) is %s",
				inputs[0].flag, inputs[0].path, volumes[0].ShapeString(), in.flag, in.path, vol.ShapeString())
		}
		volumes[i] = vol
	}
	fmt.Printf("Loaded %d input maps with dimensions %s\n", len(inputs), volumes[0].ShapeString())
	fmt.Printf("Degrees of freedom: %d (n-obs=%d, n-predictors=%d)\n", df, *nObs, *nPredictors)

	// Initialize engine parameters
	params := &significance.Params{
		DegreesOfFreedom: df,
		NumCores:         cfg.Processing.NumCores,
	}
	engine := significance.NewEngine(params)

	// Run the voxel-wise computation
	fmt.Printf("Computing combined p-values on %d cores...\n", cfg.Processing.NumCores)
	startTime := time.Now()
	result, err := engine.Compute(volumes[0], volumes[1], volumes[2], volumes[3], volumes[4])
	if err != nil {
		log.Fatalf("Computation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	// Persist outputs with the reference geometry
	if err := nifti.WriteVolume(*outputPath, result.PValues, refHeader); err != nil {
		log.Fatalf("Failed to write p-value map: %v", err)
	}
	if *maskPath != "" || cfg.Output.WriteMask {
		mp := *maskPath
		if mp == "" {
			mp = *outputPath + ".mask.nii"
		}
		if err := nifti.WriteVolume(mp, result.Mask, refHeader); err != nil {
			log.Fatalf("Failed to write validity mask: %v", err)
		}
		fmt.Printf("Validity mask saved to: %s\n", mp)
	}

	fmt.Printf("\nComputation completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Output p-value map saved to: %s\n\n", *outputPath)

	// Report summary statistics over the computed map
	summary := significance.Summarize(result, cfg.Processing.SignificanceLevel)
	fmt.Printf("Result Summary:\n")
	fmt.Printf("===============\n")
	fmt.Printf("Total voxels: %d\n", summary.TotalVoxels)
	fmt.Printf("Valid voxels: %d\n", summary.ValidVoxels)
	fmt.Printf("Zeroed voxels (non-positive combined variance): %d\n", summary.ZeroedVoxels)
	if summary.ValidVoxels > 0 {
		fmt.Printf("Minimum p-value: %.6g\n", summary.MinP)
		fmt.Printf("Median p-value: %.4f\n", summary.MedianP)
		fmt.Printf("Voxels with p < %.3g: %.2f%%\n", cfg.Processing.SignificanceLevel, summary.SignificantFraction*100)
	}
	if summary.ZeroedVoxels > 0 {
		fmt.Println("\nNote: zeroed voxels carry p=0 by convention and are NOT significant findings.")
		fmt.Println("Verify they fall outside the anatomy of interest before interpreting the map,")
		fmt.Println("and always apply a brain/tissue mask during analysis.")
	}

	// Extract and save QC slices if requested
	if *extractSlices {
		fmt.Println("\nExtracting QC slices along all axes...")

		viewer, err := visualization.NewViewer(result.PValues)
		if err != nil {
			log.Fatalf("Slice export failed: %v", err)
		}

		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(cfg.Output.SliceDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)

			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			}
		}

		fmt.Println("Slice extraction completed!")
	}
}
