package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spiralrecon/internal/models"
	"spiralrecon/pkg/chunk"
	"spiralrecon/pkg/config"
	"spiralrecon/pkg/nufft"
	"spiralrecon/pkg/weights"
)

// ErrGeometry reports inputs whose shapes do not fit together.
var ErrGeometry = errors.New("reconstruction: geometry mismatch")

// Chunk names and layouts of the sample and image stores.
const (
	SamplesChunk = "samples"
	KXChunk      = "sample_kxloc"
	KYChunk      = "sample_kyloc"
	ImagesChunk  = "images"

	SamplesDims  = "vpsczt"
	LocationDims = "pscz"
	ImagesDims   = "vxyzt"
)

// defaultSampleTime is the readout sample time in seconds assumed when the
// store carries neither a sample time nor a bandwidth.
const defaultSampleTime = 4e-6

// Params holds the reconstruction parameters.
type Params struct {
	// InputDir is the chunk store holding samples and trajectories.
	InputDir string

	// OutputDir is the chunk store the images are written to. It is created.
	OutputDir string

	// NumWorkers is the number of tasks reconstructed concurrently.
	NumWorkers int

	// Algorithm selects weighting and transform.
	Algorithm config.Algorithm

	// Width and Height are the output resolution in pixels.
	Width, Height int

	// VoxelX and VoxelY are the output voxel sizes in mm. Zero takes the
	// voxel spacing recorded with the samples, or FOV divided by the
	// resolution when none is recorded.
	VoxelX, VoxelY float64

	// PhaseScale multiplies the per-sample phase increment.
	PhaseScale float64

	// SampleLag is the readout lag, in samples, at the end of each readout.
	SampleLag float64

	// LagMapDir optionally names a chunk store with a per-voxel lag map.
	LagMapDir string

	// LagMapChunk names the lag map chunk. Empty selects "images".
	LagMapChunk string

	// MaxIterations and Threshold control the iterative transform.
	MaxIterations int
	Threshold     float64

	// Progress receives task acknowledgements. Nil logs progress in batches.
	Progress Progress
}

// ParamsFromConfig builds parameters from a validated configuration.
func ParamsFromConfig(cfg *config.Config, input, output string) (*Params, error) {
	alg, err := config.ParseAlgorithm(cfg.Reconstruction.Algorithm)
	if err != nil {
		return nil, err
	}
	r := cfg.Reconstruction
	return &Params{
		InputDir:      input,
		OutputDir:     output,
		NumWorkers:    cfg.Processing.NumWorkers,
		Algorithm:     alg,
		Width:         r.Width,
		Height:        r.Height,
		VoxelX:        r.VoxelX,
		VoxelY:        r.VoxelY,
		PhaseScale:    r.PhaseScale,
		SampleLag:     r.SampleLag,
		LagMapDir:     r.LagMap,
		LagMapChunk:   r.LagMapChunk,
		MaxIterations: cfg.Solver.MaxIterations,
		Threshold:     cfg.Solver.Threshold,
	}, nil
}

// Reconstructor runs one reconstruction:
// 1. Reading the acquisition geometry and trajectories
// 2. Loading the optional lag map
// 3. Computing density weights once per slice
// 4. Creating the output store
// 5. Precomputing the per-slice sample nodes
// 6. Reconstructing every (time, slice) task on a pool of workers
type Reconstructor struct {
	params *Params
	log    *zap.Logger

	weighting weights.Method
	transform Transform

	shared *shared
	stats  []weights.Stats
}

// NewReconstructor creates a new reconstructor instance with the provided
// parameters. A nil logger discards all output.
func NewReconstructor(params *Params, logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{params: params, log: logger}
}

// RunContext returns the run context once setup has completed.
func (r *Reconstructor) RunContext() *models.RunContext {
	if r.shared == nil {
		return nil
	}
	return r.shared.RunContext
}

// WeightStats returns the per-slice weighting statistics.
func (r *Reconstructor) WeightStats() []weights.Stats { return r.stats }

// Process runs the complete reconstruction pipeline.
func (r *Reconstructor) Process(ctx context.Context) error {
	start := time.Now()
	tasks, err := r.prepare(ctx)
	if err != nil {
		return err
	}

	progress := r.params.Progress
	if progress == nil {
		progress = newLogProgress(r.log)
	}
	r.log.Info("reconstructing",
		zap.String("transform", r.transform.Name()),
		zap.Int("tasks", len(tasks)),
		zap.Int("workers", r.workers()))
	if err := dispatch(ctx, r.workers(), tasks, r.newWorker, progress); err != nil {
		return err
	}
	r.log.Info("reconstruction finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// prepare performs every step before dispatch and returns the tasks in
// (time, slice) order.
func (r *Reconstructor) prepare(ctx context.Context) ([]models.Task, error) {
	if err := r.selectAlgorithm(); err != nil {
		return nil, err
	}

	r.log.Info("reading acquisition", zap.String("input", r.params.InputDir))
	rc, err := r.setup()
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	r.shared = &shared{RunContext: rc}

	if r.params.LagMapDir != "" {
		r.log.Info("loading lag map", zap.String("path", r.params.LagMapDir))
		if rc.LagMap, err = r.loadLagMap(rc.Geometry); err != nil {
			return nil, fmt.Errorf("failed to load lag map: %w", err)
		}
	}

	r.log.Info("computing density weights",
		zap.String("method", r.weighting.Name()), zap.Int("slices", rc.Slices))
	if err := r.computeWeights(ctx); err != nil {
		return nil, fmt.Errorf("failed to compute weights: %w", err)
	}

	r.log.Info("creating output", zap.String("output", r.params.OutputDir))
	if err := r.initOutput(); err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	r.prepareNodes()
	if err := r.transform.prepare(r.shared); err != nil {
		return nil, fmt.Errorf("failed to prepare %s transform: %w", r.transform.Name(), err)
	}

	tasks := make([]models.Task, 0, rc.Times*rc.Slices)
	for t := 0; t < rc.Times; t++ {
		for z := 0; z < rc.Slices; z++ {
			tasks = append(tasks, models.Task{Time: t, Slice: z})
		}
	}
	return tasks, nil
}

func (r *Reconstructor) newWorker(id int) (*WorkerContext, error) {
	return NewWorkerContext(id, r.params.InputDir, r.params.OutputDir, r.shared, r.transform, r.log)
}

func (r *Reconstructor) workers() int {
	if r.params.NumWorkers < 1 {
		return 1
	}
	return r.params.NumWorkers
}

// selectAlgorithm resolves the algorithm into a weighting method and a
// transform and rejects incompatible options.
func (r *Reconstructor) selectAlgorithm() error {
	alg := r.params.Algorithm
	switch alg.Weight {
	case config.WeightConstant:
		r.weighting = weights.Constant{}
	case config.WeightVoronoi:
		r.weighting = weights.Voronoi{Clip: weights.ClipHull, Logger: r.log}
	case config.WeightCircleVoronoi:
		r.weighting = weights.Voronoi{Clip: weights.ClipCircle, Logger: r.log}
	default:
		return fmt.Errorf("%w: weighting %d", config.ErrBadAlgorithm, alg.Weight)
	}
	switch alg.Transform {
	case config.TransformDirect:
		r.transform = Direct{}
	case config.TransformIterative:
		if r.params.LagMapDir != "" {
			return fmt.Errorf("%w: a lag map cannot be used with nft=nfft", config.ErrIncompatible)
		}
		r.transform = Iterative{MaxIterations: r.params.MaxIterations, Threshold: r.params.Threshold}
	default:
		return fmt.Errorf("%w: transform %d", config.ErrBadAlgorithm, alg.Transform)
	}
	if r.params.Width < 1 || r.params.Height < 1 {
		return fmt.Errorf("%w: output resolution %dx%d", ErrGeometry, r.params.Width, r.params.Height)
	}
	return nil
}

// setup validates the input store and builds the run context with the
// trajectories loaded.
func (r *Reconstructor) setup() (*models.RunContext, error) {
	in, err := chunk.Open(r.params.InputDir)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	samples, err := in.Chunk(SamplesChunk)
	if err != nil {
		return nil, err
	}
	if !samples.HasDims(SamplesDims) || samples.Extent('v') != 2 {
		return nil, fmt.Errorf("%w: %s has axes %q and %d values, want %q and 2",
			chunk.ErrLayout, SamplesChunk, samples.Dims, samples.Extent('v'), SamplesDims)
	}

	rc := &models.RunContext{
		Geometry: models.Geometry{
			Slices:  samples.Extent('z'),
			Coils:   samples.Extent('c'),
			Shots:   samples.Extent('s'),
			Samples: samples.Extent('p'),
			Times:   samples.Extent('t'),
			Width:   r.params.Width,
			Height:  r.params.Height,
		},
		PhaseScale: r.params.PhaseScale,
		SampleLag:  r.params.SampleLag,
	}

	if rc.FOV, err = in.GetFloat(SamplesChunk + ".fov"); err != nil {
		return nil, err
	}
	if rc.FOV <= 0 {
		return nil, fmt.Errorf("%w: %s.fov = %g", chunk.ErrLayout, SamplesChunk, rc.FOV)
	}
	if rc.VoxelX, err = voxelSize(in, r.params.VoxelX, "x", rc.FOV, rc.Width); err != nil {
		return nil, err
	}
	if rc.VoxelY, err = voxelSize(in, r.params.VoxelY, "y", rc.FOV, rc.Height); err != nil {
		return nil, err
	}
	sampleTime, err := sampleTime(in)
	if err != nil {
		return nil, err
	}
	rc.PhaseInc = 2 * math.Pi * sampleTime

	g := rc.Geometry
	rc.Loc = models.NewTensor(g.Slices, g.Coils, 2, g.Shots, g.Samples)
	rc.Weights = models.NewTensor(g.Slices, g.Coils, 2, g.Shots, g.Samples)
	for axis, name := range []string{KXChunk, KYChunk} {
		loc, err := in.Chunk(name)
		if err != nil {
			return nil, err
		}
		if !loc.HasDims(LocationDims) || loc.Extent('p') != g.Samples || loc.Extent('s') != g.Shots ||
			loc.Extent('c') != g.Coils || loc.Extent('z') != g.Slices {
			return nil, fmt.Errorf("%w: %s has axes %q extents %v, samples need %q %v",
				ErrGeometry, name, loc.Dims, loc.Extents, LocationDims,
				[]int{g.Samples, g.Shots, g.Coils, g.Slices})
		}
		for z := 0; z < g.Slices; z++ {
			for c := 0; c < g.Coils; c++ {
				for s := 0; s < g.Shots; s++ {
					off := ((z*g.Coils+c)*g.Shots + s) * g.Samples
					if err := loc.Read(off, rc.Loc.Readout(z, c, axis, s)); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	r.log.Info("acquisition",
		zap.Int("slices", g.Slices), zap.Int("coils", g.Coils),
		zap.Int("shots", g.Shots), zap.Int("samples", g.Samples),
		zap.Int("times", g.Times), zap.Float64("fov", rc.FOV),
		zap.Float64("voxel_x", rc.VoxelX), zap.Float64("voxel_y", rc.VoxelY),
		zap.Float64("sample_time", sampleTime))
	return rc, nil
}

func voxelSize(in *chunk.Store, given float64, axis string, fov float64, pixels int) (float64, error) {
	if given > 0 {
		return given, nil
	}
	key := SamplesChunk + ".voxel_spacing." + axis
	if !in.Has(key) {
		return fov / float64(pixels), nil
	}
	v, err := in.GetFloat(key)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: %s = %g", chunk.ErrLayout, key, v)
	}
	return v, nil
}

// sampleTime returns the readout sample time in seconds, from the sample
// time in microseconds or else the receiver bandwidth in Hz.
func sampleTime(in *chunk.Store) (float64, error) {
	if key := SamplesChunk + ".sample_time"; in.Has(key) {
		us, err := in.GetFloat(key)
		if err != nil {
			return 0, err
		}
		if us <= 0 {
			return 0, fmt.Errorf("%w: %s = %g", chunk.ErrLayout, key, us)
		}
		return us * 1e-6, nil
	}
	if key := SamplesChunk + ".bandwidth"; in.Has(key) {
		bw, err := in.GetFloat(key)
		if err != nil {
			return 0, err
		}
		if bw <= 0 {
			return 0, fmt.Errorf("%w: %s = %g", chunk.ErrLayout, key, bw)
		}
		return 1 / bw, nil
	}
	return defaultSampleTime, nil
}

// loadLagMap reads the lag map and checks it against the output geometry.
func (r *Reconstructor) loadLagMap(g models.Geometry) (*models.LagMap, error) {
	store, err := chunk.Open(r.params.LagMapDir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	name := r.params.LagMapChunk
	if name == "" {
		name = ImagesChunk
	}
	c, err := store.Chunk(name)
	if err != nil {
		return nil, err
	}
	switch c.Dims {
	case "xyz", "xyzt", "vxyz", "vxyzt":
	default:
		return nil, fmt.Errorf("%w: lag map %s has axes %q", ErrGeometry, name, c.Dims)
	}
	if strings.HasPrefix(c.Dims, "v") && c.Extent('v') != 1 {
		return nil, fmt.Errorf("%w: lag map %s has %d values per voxel, want 1", ErrGeometry, name, c.Extent('v'))
	}
	if c.Extent('x') != g.Width || c.Extent('y') != g.Height || c.Extent('z') != g.Slices {
		return nil, fmt.Errorf("%w: lag map %s is %dx%dx%d, output is %dx%dx%d", ErrGeometry, name,
			c.Extent('x'), c.Extent('y'), c.Extent('z'), g.Width, g.Height, g.Slices)
	}
	if t := c.Extent('t'); t > 1 {
		r.log.Warn("lag map has several timepoints, using the first", zap.Int("times", t))
	}

	m := &models.LagMap{
		Width:  g.Width,
		Height: g.Height,
		Slices: g.Slices,
		Data:   make([]float64, g.Width*g.Height*g.Slices),
	}
	if err := c.Read(0, m.Data); err != nil {
		return nil, err
	}
	return m, nil
}

// computeWeights runs the weighting method on every slice. Slices are
// independent and processed concurrently.
func (r *Reconstructor) computeWeights(ctx context.Context) error {
	rc := r.shared.RunContext
	g := rc.Geometry
	r.stats = make([]weights.Stats, g.Slices)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers())
	for z := 0; z < g.Slices; z++ {
		z := z
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			in := &weights.Slice{Index: z, Coils: g.Coils, Shots: g.Shots, Samples: g.Samples}
			for c := 0; c < g.Coils; c++ {
				for s := 0; s < g.Shots; s++ {
					in.KX = append(in.KX, rc.Loc.Readout(z, c, models.AxisKX, s)...)
					in.KY = append(in.KY, rc.Loc.Readout(z, c, models.AxisKY, s)...)
				}
			}
			res, err := r.weighting.Weigh(in)
			if err != nil {
				return err
			}
			for c := 0; c < g.Coils; c++ {
				for s := 0; s < g.Shots; s++ {
					off := (c*g.Shots + s) * g.Samples
					copy(rc.Weights.Readout(z, c, models.AxisRe, s), res.Weights[off:off+g.Samples])
				}
			}
			r.stats[z] = res.Stats
			st := res.Stats
			r.log.Info("slice weights",
				zap.Int("slice", z),
				zap.Int("sites", st.Sites),
				zap.Int("twins", st.Twins),
				zap.Int("hull_sites", st.HullSites),
				zap.Float64("hull_area", st.HullArea),
				zap.Float64("sum", st.WeightSum),
				zap.Float64("mean", st.Mean),
				zap.Float64("stddev", st.StdDev),
				zap.Bool("fallback", st.Fallback))
			return nil
		})
	}
	return eg.Wait()
}

// initOutput creates the output store with its image chunk and metadata,
// then closes it so workers can reopen it independently.
func (r *Reconstructor) initOutput() error {
	rc := r.shared.RunContext
	g := rc.Geometry

	in, err := chunk.Open(r.params.InputDir)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := chunk.Create(r.params.OutputDir)
	if err != nil {
		return err
	}
	if _, err := out.Define(ImagesChunk, ImagesDims, []int{2, g.Width, g.Height, g.Slices, g.Times}, chunk.Float32); err != nil {
		out.Close()
		return err
	}
	if err := copyMetadata(in, out); err != nil {
		out.Close()
		return err
	}
	if err := out.SetFloat(ImagesChunk+".voxel_spacing.x", rc.VoxelX); err != nil {
		out.Close()
		return err
	}
	if err := out.SetFloat(ImagesChunk+".voxel_spacing.y", rc.VoxelY); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyMetadata copies every samples.* key that does not describe the
// samples chunk's storage to the same key under images.*.
func copyMetadata(in, out *chunk.Store) error {
	prefix := SamplesChunk + "."
	for _, key := range in.Keys() {
		if !strings.HasPrefix(key, prefix) || chunk.IsLayoutKey(SamplesChunk, key) {
			continue
		}
		v, err := in.Get(key)
		if err != nil {
			return err
		}
		if err := out.Set(ImagesChunk+"."+strings.TrimPrefix(key, prefix), v); err != nil {
			return fmt.Errorf("copying %s: %w", key, err)
		}
	}
	return nil
}

// prepareNodes converts every slice's trajectory and weights into scaled,
// lag-interpolated nodes in (coil, shot, sample) order.
func (r *Reconstructor) prepareNodes() {
	rc := r.shared.RunContext
	g := rc.Geometry
	pm := nufft.PhaseModel{
		Samples:    g.Samples,
		SampleLag:  rc.SampleLag,
		PhaseInc:   rc.PhaseInc,
		PhaseScale: rc.PhaseScale,
	}
	r.shared.nodes = make([][]nufft.Node, g.Slices)
	for z := range r.shared.nodes {
		nodes := make([]nufft.Node, 0, g.Readouts())
		for c := 0; c < g.Coils; c++ {
			for s := 0; s < g.Shots; s++ {
				nodes = pm.Prepare(nodes, nufft.Readout{
					KX:  rc.Loc.Readout(z, c, models.AxisKX, s),
					KY:  rc.Loc.Readout(z, c, models.AxisKY, s),
					WRe: rc.Weights.Readout(z, c, models.AxisRe, s),
					WIm: rc.Weights.Readout(z, c, models.AxisIm, s),
				}, rc.ScaleX(), rc.ScaleY())
			}
		}
		r.shared.nodes[z] = nodes
	}
}
