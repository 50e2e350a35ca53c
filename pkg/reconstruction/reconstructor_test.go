package reconstruction

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"spiralrecon/internal/models"
	"spiralrecon/pkg/chunk"
	"spiralrecon/pkg/config"
	"spiralrecon/pkg/phantom"
)

// createDCStore writes a one-sample acquisition at k = 0 with value v.
func createDCStore(t *testing.T, dir string, v complex128, withFOV bool) {
	t.Helper()
	s, err := chunk.Create(dir)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	samples, err := s.Define(SamplesChunk, SamplesDims, []int{2, 1, 1, 1, 1, 1}, chunk.Float32)
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if err := samples.Write(0, []float64{real(v), imag(v)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, name := range []string{KXChunk, KYChunk} {
		if _, err := s.Define(name, LocationDims, []int{1, 1, 1, 1}, chunk.Float64); err != nil {
			t.Fatalf("Define failed: %v", err)
		}
	}
	if withFOV {
		s.SetFloat("samples.fov", 100)
	}
	s.SetFloat("samples.voxel_spacing.z", 5)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// createPointStore writes one readout whose samples all sit at (kx, ky)
// with value 1.
func createPointStore(t *testing.T, dir string, samples int, kx, ky float64) {
	t.Helper()
	s, err := chunk.Create(dir)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	c, err := s.Define(SamplesChunk, SamplesDims, []int{2, samples, 1, 1, 1, 1}, chunk.Float32)
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	values := make([]float64, 2*samples)
	for p := 0; p < samples; p++ {
		values[2*p] = 1
	}
	if err := c.Write(0, values); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for name, k := range map[string]float64{KXChunk: kx, KYChunk: ky} {
		loc, err := s.Define(name, LocationDims, []int{samples, 1, 1, 1}, chunk.Float64)
		if err != nil {
			t.Fatalf("Define failed: %v", err)
		}
		ks := make([]float64, samples)
		for p := range ks {
			ks[p] = k
		}
		if err := loc.Write(0, ks); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	s.SetFloat("samples.fov", 80)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// createPhantomStore writes a spiral acquisition of a single off-centre blob.
func createPhantomStore(t *testing.T, dir string, times int) {
	t.Helper()
	d := &phantom.Dataset{
		FOV: 160, Slices: 2, Coils: 1, Times: times,
		Spiral:     phantom.Spiral{Shots: 8, Samples: 96, KMax: 8, Turns: 6},
		Blobs:      []phantom.Blob{{X: 30, Y: -20, Sigma: 8, Amplitude: 1}},
		SampleTime: 4,
	}
	if err := d.Write(dir); err != nil {
		t.Fatalf("Phantom write failed: %v", err)
	}
}

// readImage returns one reconstructed image from an output store.
func readImage(t *testing.T, dir string, time, slice int) []complex128 {
	t.Helper()
	s, err := chunk.Open(dir)
	if err != nil {
		t.Fatalf("Open output failed: %v", err)
	}
	defer s.Close()
	c, err := s.Chunk(ImagesChunk)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	w, h, z := c.Extent('x'), c.Extent('y'), c.Extent('z')
	raw := make([]float64, 2*w*h)
	if err := c.Read((time*z+slice)*len(raw), raw); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	img := make([]complex128, w*h)
	for i := range img {
		img[i] = complex(raw[2*i], raw[2*i+1])
	}
	return img
}

func argmax(img []complex128) int {
	best := 0
	for i, v := range img {
		if cmplx.Abs(v) > cmplx.Abs(img[best]) {
			best = i
		}
	}
	return best
}

type recordingProgress struct {
	mu      sync.Mutex
	total   int
	results []models.Result
	done    bool
}

func (p *recordingProgress) Start(total int) { p.total = total }

func (p *recordingProgress) Done(res models.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
}

func (p *recordingProgress) Finish() { p.done = true }

func TestDCSampleGivesUniformImage(t *testing.T) {
	tmp := t.TempDir()
	in, out := filepath.Join(tmp, "in"), filepath.Join(tmp, "out")
	createDCStore(t, in, complex(3, 4), true)

	r := NewReconstructor(&Params{
		InputDir:   in,
		OutputDir:  out,
		NumWorkers: 2,
		Algorithm:  config.Algorithm{Weight: config.WeightVoronoi, Transform: config.TransformDirect},
		Width:      4,
		Height:     6,
		PhaseScale: 1,
	}, nil)
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if st := r.WeightStats(); len(st) != 1 || !st[0].Fallback {
		t.Errorf("Expected a constant-weight fallback for one sample, got %+v", st)
	}

	img := readImage(t, out, 0, 0)
	if len(img) != 24 {
		t.Fatalf("Expected 24 pixels, got %d", len(img))
	}
	for i, v := range img {
		if math.Abs(cmplx.Abs(v)-5) > 1e-5 {
			t.Errorf("Pixel %d: expected magnitude 5, got %g", i, cmplx.Abs(v))
		}
	}

	s, err := chunk.Open(out)
	if err != nil {
		t.Fatalf("Open output failed: %v", err)
	}
	defer s.Close()
	if fov, err := s.GetFloat("images.fov"); err != nil || fov != 100 {
		t.Errorf("Expected copied images.fov 100, got %g (%v)", fov, err)
	}
	if z, err := s.GetFloat("images.voxel_spacing.z"); err != nil || z != 5 {
		t.Errorf("Expected copied voxel spacing z 5, got %g (%v)", z, err)
	}
	if x, err := s.GetFloat("images.voxel_spacing.x"); err != nil || x != 25 {
		t.Errorf("Expected voxel spacing x = fov/width = 25, got %g (%v)", x, err)
	}
	if dims, _ := s.Get("images.dimensions"); dims != ImagesDims {
		t.Errorf("Layout keys must not be copied, images.dimensions = %q", dims)
	}
}

func TestPointSourceIndependentOfWeighting(t *testing.T) {
	tmp := t.TempDir()
	in := filepath.Join(tmp, "in")
	createPointStore(t, in, 4, 1, 0)

	var ref []complex128
	for _, w := range []config.WeightKind{config.WeightConstant, config.WeightVoronoi, config.WeightCircleVoronoi} {
		out := filepath.Join(tmp, w.String())
		r := NewReconstructor(&Params{
			InputDir: in, OutputDir: out, NumWorkers: 1,
			Algorithm: config.Algorithm{Weight: w, Transform: config.TransformDirect},
			Width:     8, Height: 8,
		}, nil)
		if err := r.Process(context.Background()); err != nil {
			t.Fatalf("%s: Process failed: %v", w, err)
		}
		img := readImage(t, out, 0, 0)
		if ref == nil {
			ref = img
			continue
		}
		for i := range img {
			if img[i] != ref[i] {
				t.Fatalf("%s: pixel %d is %v, const weighting gave %v", w, i, img[i], ref[i])
			}
		}
	}

	// One cycle per FOV along x: every pixel carries 4·exp(-2πi(x-W/2)/W).
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			want := 4 * cmplx.Exp(complex(0, -2*math.Pi*float64(x-4)/8))
			if got := ref[y*8+x]; cmplx.Abs(got-want) > 1e-5 {
				t.Errorf("Pixel (%d,%d): expected %v, got %v", x, y, want, got)
			}
		}
	}
}

func TestIdenticalTimepointsAreBitIdentical(t *testing.T) {
	for _, alg := range []config.Algorithm{
		{Weight: config.WeightVoronoi, Transform: config.TransformDirect},
		{Weight: config.WeightCircleVoronoi, Transform: config.TransformIterative},
	} {
		t.Run(alg.String(), func(t *testing.T) {
			tmp := t.TempDir()
			in, out := filepath.Join(tmp, "in"), filepath.Join(tmp, "out")
			createPhantomStore(t, in, 2)

			progress := &recordingProgress{}
			r := NewReconstructor(&Params{
				InputDir: in, OutputDir: out, NumWorkers: 1,
				Algorithm: alg, Width: 8, Height: 8,
				PhaseScale: 1, SampleLag: 0.3,
				MaxIterations: 20, Threshold: 0.001,
				Progress: progress,
			}, nil)
			if err := r.Process(context.Background()); err != nil {
				t.Fatalf("Process failed: %v", err)
			}

			a, b := readImage(t, out, 0, 1), readImage(t, out, 1, 1)
			for i := range a {
				if a[i] != b[i] {
					t.Fatalf("Pixel %d differs between timepoints: %v vs %v", i, a[i], b[i])
				}
			}

			want := []models.Result{{Time: 0, Slice: 0}, {Time: 0, Slice: 1}, {Time: 1, Slice: 0}, {Time: 1, Slice: 1}}
			if progress.total != 4 || !progress.done || len(progress.results) != 4 {
				t.Fatalf("Unexpected progress %+v", progress)
			}
			for i, res := range progress.results {
				if res != want[i] {
					t.Errorf("Result %d: expected %+v, got %+v", i, want[i], res)
				}
			}
		})
	}
}

func TestPhantomPeakLocation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end reconstruction in short mode")
	}
	tmp := t.TempDir()
	in := filepath.Join(tmp, "in")
	createPhantomStore(t, in, 1)

	for _, alg := range []config.Algorithm{
		{Weight: config.WeightVoronoi, Transform: config.TransformDirect},
		{Weight: config.WeightVoronoi, Transform: config.TransformIterative},
	} {
		t.Run(alg.String(), func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "out")
			r := NewReconstructor(&Params{
				InputDir: in, OutputDir: out, NumWorkers: 2,
				Algorithm: alg, Width: 16, Height: 16,
				PhaseScale: 1, MaxIterations: 100, Threshold: 0.001,
			}, nil)
			if err := r.Process(context.Background()); err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			rc := r.RunContext()
			if rc.VoxelX != 10 || rc.VoxelY != 10 {
				t.Errorf("Expected 10 mm voxels, got %gx%g", rc.VoxelX, rc.VoxelY)
			}
			// 30 mm right and 20 mm down of centre at 10 mm per pixel.
			const px, py = 8 + 3, 8 - 2
			for z := 0; z < 2; z++ {
				img := readImage(t, out, 0, z)
				if got := argmax(img); got != py*16+px {
					t.Errorf("Slice %d: expected peak at (%d,%d), got (%d,%d)", z, px, py, got%16, got/16)
				}
			}
			for z, st := range r.WeightStats() {
				if math.Abs(st.WeightSum-st.HullArea) > 1e-6*st.HullArea {
					t.Errorf("Slice %d: weights sum to %g, hull area %g", z, st.WeightSum, st.HullArea)
				}
			}
		})
	}
}

func TestLagMapRejectedWithIterative(t *testing.T) {
	tmp := t.TempDir()
	in, out := filepath.Join(tmp, "in"), filepath.Join(tmp, "out")
	createDCStore(t, in, 1, true)

	r := NewReconstructor(&Params{
		InputDir: in, OutputDir: out, NumWorkers: 1,
		Algorithm: config.Algorithm{Weight: config.WeightConstant, Transform: config.TransformIterative},
		Width:     4, Height: 4, LagMapDir: filepath.Join(tmp, "lag"),
	}, nil)
	err := r.Process(context.Background())
	if !errors.Is(err, config.ErrIncompatible) {
		t.Fatalf("Expected ErrIncompatible, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("No output should be created for a configuration error")
	}
}

func TestMissingFOVIsFatal(t *testing.T) {
	tmp := t.TempDir()
	in, out := filepath.Join(tmp, "in"), filepath.Join(tmp, "out")
	createDCStore(t, in, 1, false)

	r := NewReconstructor(&Params{
		InputDir: in, OutputDir: out, NumWorkers: 1,
		Algorithm: config.Algorithm{Weight: config.WeightConstant},
		Width:     4, Height: 4,
	}, nil)
	if err := r.Process(context.Background()); !errors.Is(err, chunk.ErrMissingKey) {
		t.Fatalf("Expected ErrMissingKey, got %v", err)
	}
}

func createLagMap(t *testing.T, dir string, w, h, z int, value float64) {
	t.Helper()
	s, err := chunk.Create(dir)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	c, err := s.Define(ImagesChunk, "xyzt", []int{w, h, z, 2}, chunk.Float32)
	if err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	data := make([]float64, c.Len())
	for i := range data {
		data[i] = value
	}
	if err := c.Write(0, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestLagMap(t *testing.T) {
	tmp := t.TempDir()
	in := filepath.Join(tmp, "in")
	createPhantomStore(t, in, 1)

	run := func(out, lag string, scale float64) error {
		return NewReconstructor(&Params{
			InputDir: in, OutputDir: out, NumWorkers: 2,
			Algorithm: config.Algorithm{Weight: config.WeightConstant, Transform: config.TransformDirect},
			Width:     8, Height: 8, PhaseScale: scale, LagMapDir: lag,
		}, nil).Process(context.Background())
	}

	wrong := filepath.Join(tmp, "wrong")
	createLagMap(t, wrong, 8, 4, 2, 1)
	if err := run(filepath.Join(tmp, "o1"), wrong, 1); !errors.Is(err, ErrGeometry) {
		t.Fatalf("Expected ErrGeometry for a mismatched lag map, got %v", err)
	}

	zero := filepath.Join(tmp, "zero")
	createLagMap(t, zero, 8, 8, 2, 0)
	if err := run(filepath.Join(tmp, "mapped"), zero, 1); err != nil {
		t.Fatalf("Process with lag map failed: %v", err)
	}
	if err := run(filepath.Join(tmp, "flat"), "", 0); err != nil {
		t.Fatalf("Process without lag map failed: %v", err)
	}
	mapped := readImage(t, filepath.Join(tmp, "mapped"), 0, 1)
	flat := readImage(t, filepath.Join(tmp, "flat"), 0, 1)
	for i := range flat {
		if cmplx.Abs(mapped[i]-flat[i]) > 1e-4*(1+cmplx.Abs(flat[i])) {
			t.Fatalf("Pixel %d: zero lag map gives %v, no phase correction %v", i, mapped[i], flat[i])
		}
	}
}

func TestDispatchAbortsOnWorkerError(t *testing.T) {
	boom := errors.New("boom")
	tasks := make([]models.Task, 10)
	err := dispatch(context.Background(), 3, tasks, func(id int) (*WorkerContext, error) {
		return nil, boom
	}, &recordingProgress{})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected worker error, got %v", err)
	}
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reconstruction.Algorithm = "weight=const,nft=nfft"
	cfg.Reconstruction.SampleLag = 0.25
	p, err := ParamsFromConfig(cfg, "in", "out")
	if err != nil {
		t.Fatalf("ParamsFromConfig failed: %v", err)
	}
	if p.Algorithm.Transform != config.TransformIterative || p.SampleLag != 0.25 || p.InputDir != "in" {
		t.Errorf("Unexpected params %+v", p)
	}
	cfg.Reconstruction.Algorithm = "nft=magic"
	if _, err := ParamsFromConfig(cfg, "in", "out"); !errors.Is(err, config.ErrBadAlgorithm) {
		t.Errorf("Expected ErrBadAlgorithm, got %v", err)
	}
}

func TestUnreadableSampleBlockAbortsRun(t *testing.T) {
	tmp := t.TempDir()
	in, out := filepath.Join(tmp, "in"), filepath.Join(tmp, "out")
	createPhantomStore(t, in, 2)

	r := NewReconstructor(&Params{
		InputDir: in, OutputDir: out, NumWorkers: 1,
		Algorithm: config.Algorithm{Weight: config.WeightConstant, Transform: config.TransformDirect},
		Width:     4, Height: 4, PhaseScale: 1,
	}, nil)
	tasks, err := r.prepare(context.Background())
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	// Cut the samples after the first timepoint once the worker has opened
	// and validated the chunk, so the third task fails inside Handle.
	g := r.RunContext().Geometry
	size := int64(2*g.Readouts()*4) * int64(g.Slices)
	newWorker := func(id int) (*WorkerContext, error) {
		w, err := r.newWorker(id)
		if err != nil {
			return nil, err
		}
		if err := os.Truncate(filepath.Join(in, SamplesChunk+".raw"), size); err != nil {
			w.Close()
			return nil, err
		}
		return w, nil
	}

	progress := &recordingProgress{}
	err = dispatch(context.Background(), 1, tasks, newWorker, progress)
	if err == nil {
		t.Fatal("Expected an error for an unreadable sample block")
	}
	if !strings.Contains(err.Error(), "t=1, z=0") {
		t.Errorf("Error should name the failing task, got %v", err)
	}

	want := []models.Result{{Time: 0, Slice: 0}, {Time: 0, Slice: 1}}
	if len(progress.results) != len(want) {
		t.Fatalf("Expected %d acknowledged tasks, got %+v", len(want), progress.results)
	}
	for i, res := range progress.results {
		if res != want[i] {
			t.Errorf("Result %d: expected %+v, got %+v", i, want[i], res)
		}
	}
	for _, v := range readImage(t, out, 1, 0) {
		if v != 0 {
			t.Fatal("A failed task must not write any output")
		}
	}
}

func TestCopyMetadata(t *testing.T) {
	tmp := t.TempDir()
	in, out := filepath.Join(tmp, "in"), filepath.Join(tmp, "out")
	createDCStore(t, in, 1, true)

	src, err := chunk.Open(in)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	// A store opened read-only refuses the copy.
	if err := copyMetadata(src, src); !errors.Is(err, chunk.ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}

	dst, err := chunk.Create(out)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := copyMetadata(src, dst); err != nil {
		t.Fatalf("copyMetadata failed: %v", err)
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	dst, err = chunk.Open(out)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dst.Close()
	if fov, err := dst.GetFloat("images.fov"); err != nil || fov != 100 {
		t.Errorf("Expected images.fov 100, got %g (%v)", fov, err)
	}
	if dst.Has("images.dimensions") || dst.Has("images.file") {
		t.Error("Layout keys must not be copied")
	}
}
