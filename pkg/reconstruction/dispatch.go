package reconstruction

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spiralrecon/internal/models"
)

// Progress receives one acknowledgement per finished task.
type Progress interface {
	Start(total int)
	Done(res models.Result)
	Finish()
}

// logProgress reports progress as log lines, one per tenth of the run.
type logProgress struct {
	log         *zap.Logger
	total, done int
	batch       int
}

func newLogProgress(log *zap.Logger) *logProgress {
	return &logProgress{log: log}
}

func (p *logProgress) Start(total int) {
	p.total = total
	p.batch = total / 10
	if p.batch < 1 {
		p.batch = 1
	}
}

func (p *logProgress) Done(res models.Result) {
	p.done++
	if p.done%p.batch == 0 || p.done == p.total {
		p.log.Info("progress",
			zap.Int("done", p.done),
			zap.Int("total", p.total),
			zap.Float64("percent", 100*float64(p.done)/float64(p.total)),
			zap.Int("last_time", res.Time),
			zap.Int("last_slice", res.Slice))
	}
}

func (p *logProgress) Finish() {}

// dispatch hands tasks, in order, to a fixed pool of workers and feeds their
// acknowledgements to progress. The first failing task cancels the rest and
// its error is returned.
func dispatch(ctx context.Context, workers int, tasks []models.Task,
	newWorker func(id int) (*WorkerContext, error), progress Progress) error {

	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan models.Task)
	results := make(chan models.Result)

	g.Go(func() error {
		defer close(queue)
		for _, t := range tasks {
			select {
			case queue <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		id := id
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			w, err := newWorker(id)
			if err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			defer w.Close()
			for t := range queue {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := w.Handle(ctx, t); err != nil {
					return fmt.Errorf("worker %d: %w", id, err)
				}
				select {
				case results <- models.Result{Time: t.Time, Slice: t.Slice}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	progress.Start(len(tasks))
	for res := range results {
		progress.Done(res)
	}
	progress.Finish()
	return g.Wait()
}
