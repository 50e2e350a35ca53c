package reconstruction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spiralrecon/internal/models"
	"spiralrecon/pkg/chunk"
)

// WorkerContext is the private state of one worker: its own store handles,
// scratch buffers and transform engine. It is reused for every task the
// worker handles and never shared.
type WorkerContext struct {
	ID int

	shared *shared
	log    *zap.Logger

	in, out *chunk.Store
	samples *chunk.Chunk
	images  *chunk.Chunk

	raw    []float64
	values []complex128
	img    []complex128
	pixels []float64

	engine engine
}

// NewWorkerContext opens the input and output stores for one worker.
func NewWorkerContext(id int, inputDir, outputDir string, s *shared, tr Transform, log *zap.Logger) (*WorkerContext, error) {
	in, err := chunk.Open(inputDir)
	if err != nil {
		return nil, err
	}
	out, err := chunk.OpenWritable(outputDir)
	if err != nil {
		in.Close()
		return nil, err
	}
	w := &WorkerContext{
		ID:     id,
		shared: s,
		log:    log.With(zap.Int("worker", id)),
		in:     in,
		out:    out,
		raw:    make([]float64, 2*s.Readouts()),
		values: make([]complex128, s.Readouts()),
		img:    make([]complex128, s.Pixels()),
		pixels: make([]float64, 2*s.Pixels()),
	}
	if w.samples, err = in.Chunk(SamplesChunk); err != nil {
		w.Close()
		return nil, err
	}
	if w.images, err = out.Chunk(ImagesChunk); err != nil {
		w.Close()
		return nil, err
	}
	w.engine = tr.newEngine(s, w.log)
	return w, nil
}

// Handle reconstructs one task and writes its image.
func (w *WorkerContext) Handle(ctx context.Context, task models.Task) error {
	g := w.shared.Geometry
	block := task.Time*g.Slices + task.Slice

	if err := w.samples.Read(block*len(w.raw), w.raw); err != nil {
		return fmt.Errorf("task (t=%d, z=%d): %w", task.Time, task.Slice, err)
	}
	for j := range w.values {
		w.values[j] = complex(w.raw[2*j], w.raw[2*j+1])
	}

	if err := w.engine.reconstruct(ctx, task.Slice, w.values, w.img); err != nil {
		return fmt.Errorf("task (t=%d, z=%d): %w", task.Time, task.Slice, err)
	}

	for i, v := range w.img {
		w.pixels[2*i] = real(v)
		w.pixels[2*i+1] = imag(v)
	}
	if err := w.images.Write(block*len(w.pixels), w.pixels); err != nil {
		return fmt.Errorf("task (t=%d, z=%d): %w", task.Time, task.Slice, err)
	}
	w.log.Debug("task done", zap.Int("time", task.Time), zap.Int("slice", task.Slice))
	return nil
}

// Close releases the store handles.
func (w *WorkerContext) Close() error {
	errIn := w.in.Close()
	errOut := w.out.Close()
	if errIn != nil {
		return errIn
	}
	return errOut
}
