package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"brainseg/pkg/config"
	"brainseg/pkg/pipeline"
)

// stringList collects a repeatable or comma separated flag
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

func main() {
	// Parse command line arguments
	var images stringList
	flag.Var(&images, "i", "Input scan, one per contrast (repeatable or comma separated)")
	configPath := flag.String("config", "brainseg.yaml", "Configuration file (defaults are used if it does not exist)")
	atlasDir := flag.String("atlas", "", "Atlas directory with the prior volume and compressionLookupTable.txt")
	posteriors := flag.String("posteriors", "", "4-D posterior volume, one frame per structure")
	biasFields := flag.String("bias-fields", "", "4-D log-domain bias field volume, one frame per contrast")
	registration := flag.String("registration", "", "Optional 4x4 atlas-to-image world transform")
	template := flag.String("template", "", "Optional template volume whose extent crops the analysis")
	outputDir := flag.String("o", "", "Output directory")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use for smoothing (default: from config)")
	targetIntensity := flag.Float64("target-intensity", 0, "Calibrate target structures to this mean intensity (0 disables)")
	savePosteriors := flag.Bool("save-posteriors", false, "Write one posterior volume per structure")
	saveSnapshots := flag.Bool("snapshots", false, "Write PNG snapshots of the masking steps and the segmentation")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if len(images) == 0 || *atlasDir == "" || *posteriors == "" || *biasFields == "" || *outputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *targetIntensity > 0 {
		cfg.Processing.TargetIntensity = targetIntensity
	}
	cfg.Output.SavePosteriors = cfg.Output.SavePosteriors || *savePosteriors
	cfg.Output.SaveSnapshots = cfg.Output.SaveSnapshots || *saveSnapshots
	cfg.Output.Verbose = cfg.Output.Verbose || *verbose
	if cfg.Output.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	params := &pipeline.Params{
		ImagePaths:       images,
		AtlasDir:         *atlasDir,
		PosteriorsPath:   *posteriors,
		BiasFieldsPath:   *biasFields,
		RegistrationPath: *registration,
		TemplatePath:     *template,
		OutputDir:        *outputDir,
		Config:           cfg,
	}

	// Run the finalization pipeline
	p := pipeline.NewPipeline(params)
	startTime := time.Now()
	if err := p.Process(); err != nil {
		log.Fatalf("Segmentation finalization failed: %v", err)
	}
	processingTime := time.Since(startTime)

	results := p.GetResults()
	fmt.Printf("\nFinalization completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Printf("Segmentation saved to: %s\n", results.SegmentationPath)
	fmt.Printf("Brain mask: %d voxels\n\n", results.MaskedVoxels)

	fmt.Println("Scaling factors:")
	for c, factor := range results.ScalingFactors {
		fmt.Printf("- %s: %g\n", images[c], factor)
	}

	fmt.Println("\nStructure volumes (mm^3):")
	for k, name := range results.Names {
		fmt.Printf("%-40s %12.3f\n", name, results.Volumes[k])
	}
}
