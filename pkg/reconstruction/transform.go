package reconstruction

import (
	"context"
	"fmt"
	"math/cmplx"

	"go.uber.org/zap"

	"spiralrecon/internal/models"
	"spiralrecon/pkg/nufft"
)

// shared is the read-only state every worker sees: the run context plus the
// per-slice data derived from it at startup.
type shared struct {
	*models.RunContext

	// nodes holds the scaled, lag-interpolated samples of every slice in
	// (coil, shot, sample) order.
	nodes [][]nufft.Node

	// grids and magnitudes are filled by the iterative transform.
	grids      []*nufft.Nodes
	magnitudes [][]float64
}

// Transform turns the samples of one slice into an image. The two
// implementations are Direct and Iterative.
type Transform interface {
	Name() string

	prepare(s *shared) error
	newEngine(s *shared, log *zap.Logger) engine
}

// engine is the per-worker state of a transform.
type engine interface {
	reconstruct(ctx context.Context, slice int, values, img []complex128) error
}

// Direct evaluates the density-compensated sum over all samples for every
// pixel.
type Direct struct{}

// Name implements Transform.
func (Direct) Name() string { return "direct" }

func (Direct) prepare(*shared) error { return nil }

func (Direct) newEngine(s *shared, _ *zap.Logger) engine {
	return &directEngine{shared: s, direct: nufft.NewDirect(s.Width, s.Height)}
}

type directEngine struct {
	shared *shared
	direct *nufft.Direct
}

func (e *directEngine) reconstruct(_ context.Context, slice int, values, img []complex128) error {
	var lag []float64
	if e.shared.LagMap != nil {
		lag = e.shared.LagMap.Slice(slice)
	}
	return e.direct.Reconstruct(img, e.shared.nodes[slice], values, lag)
}

// Iterative solves the weighted least-squares problem with conjugate
// gradients on a Gaussian gridding NUFFT.
type Iterative struct {
	MaxIterations int
	Threshold     float64
}

// Name implements Transform.
func (Iterative) Name() string { return "nfft" }

func (it Iterative) config(s *shared) nufft.Config {
	return nufft.Config{Width: s.Width, Height: s.Height}
}

// prepare precomputes the gridding kernels and weight magnitudes of every
// slice.
func (it Iterative) prepare(s *shared) error {
	if s.LagMap != nil {
		return fmt.Errorf("iterative transform does not support a lag map")
	}
	cfg := it.config(s)
	s.grids = make([]*nufft.Nodes, len(s.nodes))
	s.magnitudes = make([][]float64, len(s.nodes))
	for z, nodes := range s.nodes {
		s.grids[z] = nufft.NewNodes(cfg, nodes)
		mag := make([]float64, len(nodes))
		for j, nd := range nodes {
			mag[j] = cmplx.Abs(nd.Weight)
		}
		s.magnitudes[z] = mag
	}
	return nil
}

func (it Iterative) newEngine(s *shared, log *zap.Logger) engine {
	plan := nufft.NewPlan(it.config(s))
	return &iterativeEngine{
		shared: s,
		log:    log,
		solver: &nufft.Solver{Plan: plan, MaxIterations: it.MaxIterations, Threshold: it.Threshold},
		y:      make([]complex128, s.Readouts()),
	}
}

type iterativeEngine struct {
	shared *shared
	log    *zap.Logger
	solver *nufft.Solver
	y      []complex128
}

func (e *iterativeEngine) reconstruct(ctx context.Context, slice int, values, img []complex128) error {
	e.solver.Plan.Reset(nufft.Config{Width: e.shared.Width, Height: e.shared.Height})
	nodes := e.shared.nodes[slice]
	nufft.Demodulate(e.y, values, nodes)
	for i := range img {
		img[i] = 0
	}
	stats, err := e.solver.Solve(ctx, img, e.shared.grids[slice], e.shared.magnitudes[slice], e.y)
	if err != nil {
		return err
	}
	if !stats.Converged {
		e.log.Warn("solver stopped at iteration cap",
			zap.Int("slice", slice),
			zap.Int("iterations", stats.Iterations),
			zap.Float64("residual", stats.Residual))
		return nil
	}
	e.log.Debug("solver converged",
		zap.Int("slice", slice),
		zap.Int("iterations", stats.Iterations),
		zap.Float64("residual", stats.Residual))
	return nil
}
