package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cheggaaa/pb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"spiralrecon/internal/models"
	"spiralrecon/pkg/config"
	"spiralrecon/pkg/reconstruction"
	"spiralrecon/pkg/visualization"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <input store> <output store>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this file and exit")
	verbose := flag.Bool("v", false, "Log progress and per-run statistics")
	debug := flag.Bool("debug", false, "Development logging with debug output")
	workers := flag.Int("workers", 0, "Number of concurrent workers (default: all CPUs)")
	alg := flag.String("alg", "", "Algorithm, e.g. weight=voronoi,nft=direct")
	xres := flag.Int("xres", 0, "Output width in pixels")
	yres := flag.Int("yres", 0, "Output height in pixels")
	xvoxel := flag.Float64("xvoxel", 0, "Output voxel width in mm")
	yvoxel := flag.Float64("yvoxel", 0, "Output voxel height in mm")
	phaseScale := flag.Float64("phasescale", 0, "Scale of the per-sample phase increment")
	sampleLag := flag.Float64("lag", 0, "Readout lag in samples")
	lagMap := flag.String("lagmap", "", "Chunk store holding a per-voxel lag map")
	lagChunk := flag.String("lagchunk", "", "Lag map chunk name")
	maxIter := flag.Int("maxiter", 0, "Iteration cap of the iterative transform")
	threshold := flag.Float64("threshold", 0, "Relative residual change that stops the iterative transform")
	preview := flag.String("preview", "", "Write magnitude previews to this directory")
	previewFormat := flag.String("preview-format", "tif", "Preview format: tif or jpg")
	flag.Usage = usage
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// Flags given on the command line override the configuration file.
	flag.Visit(func(f *flag.Flag) {
		r := &cfg.Reconstruction
		switch f.Name {
		case "v":
			cfg.Output.Verbose = *verbose
		case "debug":
			cfg.Output.Debug = *debug
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "alg":
			r.Algorithm = *alg
		case "xres":
			r.Width = *xres
		case "yres":
			r.Height = *yres
		case "xvoxel":
			r.VoxelX = *xvoxel
		case "yvoxel":
			r.VoxelY = *yvoxel
		case "phasescale":
			r.PhaseScale = *phaseScale
		case "lag":
			r.SampleLag = *sampleLag
		case "lagmap":
			r.LagMap = *lagMap
		case "lagchunk":
			r.LagMapChunk = *lagChunk
		case "maxiter":
			cfg.Solver.MaxIterations = *maxIter
		case "threshold":
			cfg.Solver.Threshold = *threshold
		case "preview":
			cfg.Output.PreviewDir = *preview
		}
	})

	logger, err := newLogger(cfg.Output.Verbose, cfg.Output.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, flag.Arg(0), flag.Arg(1), *previewFormat, logger); err != nil {
		logger.Error("reconstruction failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, input, output, previewFormat string, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	params, err := reconstruction.ParamsFromConfig(cfg, input, output)
	if err != nil {
		return err
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		params.Progress = &barProgress{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info("starting reconstruction",
		zap.String("input", input),
		zap.String("output", output),
		zap.Stringer("algorithm", params.Algorithm),
		zap.Int("workers", params.NumWorkers))
	start := time.Now()
	r := reconstruction.NewReconstructor(params, logger)
	if err := r.Process(ctx); err != nil {
		return err
	}
	logger.Info("reconstruction completed", zap.Duration("elapsed", time.Since(start)))

	if dir := cfg.Output.PreviewDir; dir != "" {
		viewer, err := visualization.OpenViewer(output, reconstruction.ImagesChunk)
		if err != nil {
			return err
		}
		if err := viewer.SaveSliceSequence(dir, previewFormat); err != nil {
			return err
		}
		logger.Info("previews written", zap.String("dir", dir))
	}
	return nil
}

// newLogger builds a production logger at warn level, or info level when
// verbose. Debug selects the development encoder and debug level.
func newLogger(verbose, debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level.SetLevel(zapcore.InfoLevel)
	}
	return cfg.Build()
}

// barProgress draws a progress bar on the terminal.
type barProgress struct {
	bar *pb.ProgressBar
}

func (p *barProgress) Start(total int) {
	p.bar = pb.New(total)
	p.bar.Output = os.Stderr
	p.bar.ShowTimeLeft = true
	p.bar.Start()
}

func (p *barProgress) Done(models.Result) { p.bar.Increment() }

func (p *barProgress) Finish() { p.bar.Finish() }
