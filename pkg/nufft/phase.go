// Package nufft contains the non-uniform Fourier kernels used to turn one
// slice of spiral samples into an image: direct summation, a Gaussian
// gridding NUFFT plan and a conjugate-gradient solver built on it.
//
// Sign convention: a pixel at centred index n and a node at angular
// frequency ω are related by exp(+i n·ω) in the forward (image to samples)
// direction. Reconstruction uses the conjugate, exp(-i n·ω).
package nufft

import (
	"math"
	"math/cmplx"
)

// PhaseModel describes the timing of samples along a readout: the fractional
// sample lag and the off-resonance phase that accumulates per sample.
type PhaseModel struct {
	// Samples is the number of samples per readout.
	Samples int

	// SampleLag is the total lag, in samples, reached at the last sample.
	SampleLag float64

	// PhaseInc is the phase per sample per unit of field (2π·sample time).
	PhaseInc float64

	// PhaseScale multiplies PhaseInc.
	PhaseScale float64
}

// LagFraction returns the lag of sample p, growing linearly from 0 at the
// first sample to SampleLag at the last.
func (m PhaseModel) LagFraction(p int) float64 {
	if m.Samples <= 1 {
		return 0
	}
	return m.SampleLag * float64(p) / float64(m.Samples-1)
}

// Delta returns the off-resonance phase of sample p.
func (m PhaseModel) Delta(p int) float64 {
	return m.PhaseScale * m.PhaseInc * (float64(p) - m.LagFraction(p))
}

// Interp returns the value of readout v at sample p shifted back by the lag.
// The first sample is never shifted.
func (m PhaseModel) Interp(v []float64, p int) float64 {
	f := m.LagFraction(p)
	if p == 0 || f == 0 {
		return v[p]
	}
	return (1-f)*v[p] + f*v[p-1]
}

// Node is one sample location in grid units (cycles across the image) with
// its density weight and off-resonance phase.
type Node struct {
	KX, KY float64
	Weight complex128
	Delta  float64
}

// Readout carries the raw trajectory and weights of one (coil, shot) pair.
type Readout struct {
	KX, KY   []float64
	WRe, WIm []float64
}

// Prepare appends the nodes of one readout to dst. Locations are multiplied
// by scaleX and scaleY to convert them into grid units.
func (m PhaseModel) Prepare(dst []Node, r Readout, scaleX, scaleY float64) []Node {
	for p := 0; p < m.Samples; p++ {
		dst = append(dst, Node{
			KX:     m.Interp(r.KX, p) * scaleX,
			KY:     m.Interp(r.KY, p) * scaleY,
			Weight: complex(m.Interp(r.WRe, p), m.Interp(r.WIm, p)),
			Delta:  m.Delta(p),
		})
	}
	return dst
}

// Demodulate removes the off-resonance phase from raw sample values,
// writing v·exp(-iδ) into dst.
func Demodulate(dst, values []complex128, nodes []Node) {
	for j, nd := range nodes {
		if nd.Delta == 0 {
			dst[j] = values[j]
			continue
		}
		dst[j] = values[j] * cmplx.Rect(1, -nd.Delta)
	}
}

// omega converts a grid-unit location into angular frequency for an axis of
// n pixels.
func omega(k float64, n int) float64 {
	return 2 * math.Pi * k / float64(n)
}
