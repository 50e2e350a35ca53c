package nufft

import (
	"context"
	"math"

	"gonum.org/v1/gonum/cmplxs"
)

// SolveStats reports how an iterative reconstruction ended.
type SolveStats struct {
	Iterations int

	// Residual is the final weighted residual Σ w|y - Ax|².
	Residual float64

	// Converged is false when the iteration cap was reached first.
	Converged bool
}

// Solver reconstructs an image from samples by running conjugate gradients
// on the weighted normal equations Aᴴ W A x = Aᴴ W y.
type Solver struct {
	Plan *Plan

	// MaxIterations caps the number of iterations. Zero selects 100.
	MaxIterations int

	// Threshold stops the iteration once the relative change of the
	// weighted residual drops to or below it. Zero selects 0.001.
	Threshold float64

	r, v, wr []complex128
	z, p     []complex128
}

func (s *Solver) scratch(samples, pixels int) {
	grow := func(b []complex128, n int) []complex128 {
		if cap(b) < n {
			return make([]complex128, n)
		}
		return b[:n]
	}
	s.r = grow(s.r, samples)
	s.v = grow(s.v, samples)
	s.wr = grow(s.wr, samples)
	s.z = grow(s.z, pixels)
	s.p = grow(s.p, pixels)
}

// Solve refines x in place, starting from its current contents. weights
// holds the non-negative per-sample weights W. The context is checked once
// per iteration.
func (s *Solver) Solve(ctx context.Context, x []complex128, nodes *Nodes, weights []float64, y []complex128) (SolveStats, error) {
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = 0.001
	}
	s.scratch(len(y), len(x))
	r, v, wr, z, p := s.r, s.v, s.wr, s.z, s.p

	s.Plan.Forward(r, nodes, x)
	cmplxs.SubTo(r, y, r)
	dotR := weightedNorm(r, weights)
	s.gradient(z, nodes, weights, r, wr)
	copy(p, z)
	dotZ := norm(z)

	var stats SolveStats
	for stats.Iterations < maxIter {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if dotZ == 0 || dotR == 0 {
			stats.Converged = true
			break
		}

		s.Plan.Forward(v, nodes, p)
		dotV := weightedNorm(v, weights)
		if dotV == 0 {
			stats.Converged = true
			break
		}
		alpha := complex(dotZ/dotV, 0)
		cmplxs.AddScaled(x, alpha, p)
		cmplxs.AddScaled(r, -alpha, v)
		prev := dotR
		dotR = weightedNorm(r, weights)
		stats.Iterations++

		if math.Abs(prev-dotR) <= threshold*prev {
			stats.Converged = true
			break
		}

		s.gradient(z, nodes, weights, r, wr)
		dotZNew := norm(z)
		beta := complex(dotZNew/dotZ, 0)
		cmplxs.AddScaledTo(p, z, beta, p)
		dotZ = dotZNew
	}
	stats.Residual = dotR
	return stats, nil
}

// gradient sets z = Aᴴ W r, using wr as scratch.
func (s *Solver) gradient(z []complex128, nodes *Nodes, weights []float64, r, wr []complex128) {
	for j := range r {
		wr[j] = r[j] * complex(weights[j], 0)
	}
	s.Plan.Adjoint(z, nodes, wr)
}

func norm(a []complex128) float64 {
	var sum float64
	for _, c := range a {
		sum += real(c)*real(c) + imag(c)*imag(c)
	}
	return sum
}

func weightedNorm(a []complex128, w []float64) float64 {
	var sum float64
	for j, c := range a {
		sum += w[j] * (real(c)*real(c) + imag(c)*imag(c))
	}
	return sum
}
