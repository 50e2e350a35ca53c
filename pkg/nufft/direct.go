package nufft

import (
	"fmt"
	"math"
)

// Direct reconstructs images by explicit summation over every sample.
type Direct struct {
	Width, Height int

	ex, ey []complex128
}

// NewDirect creates a direct-summation engine for a Width×Height image.
func NewDirect(width, height int) *Direct {
	return &Direct{
		Width:  width,
		Height: height,
		ex:     make([]complex128, width),
		ey:     make([]complex128, height),
	}
}

// Reconstruct writes into img (row-major, index y·Width+x) the sum over all
// nodes of value·weight·exp(-i·L·δ)·exp(-i(nx·ωx + ny·ωy)), where nx and ny
// are pixel indices relative to the image centre. lag holds the per-pixel
// multiplier L; a nil lag means L = 1 everywhere.
func (d *Direct) Reconstruct(img []complex128, nodes []Node, values []complex128, lag []float64) error {
	n := d.Width * d.Height
	if len(img) != n {
		return fmt.Errorf("nufft: image has %d pixels, want %d", len(img), n)
	}
	if len(values) != len(nodes) {
		return fmt.Errorf("nufft: %d values for %d nodes", len(values), len(nodes))
	}
	if lag != nil && len(lag) != n {
		return fmt.Errorf("nufft: lag map has %d pixels, want %d", len(lag), n)
	}
	for i := range img {
		img[i] = 0
	}

	if lag == nil {
		d.separable(img, nodes, values)
		return nil
	}
	d.perPixel(img, nodes, values, lag)
	return nil
}

// separable accumulates each sample as the outer product of its row and
// column phasors.
func (d *Direct) separable(img []complex128, nodes []Node, values []complex128) {
	for j, nd := range nodes {
		a := values[j] * nd.Weight
		if nd.Delta != 0 {
			s, c := math.Sincos(-nd.Delta)
			a *= complex(c, s)
		}
		if a == 0 {
			continue
		}
		phasors(d.ex, omega(nd.KX, d.Width))
		phasors(d.ey, omega(nd.KY, d.Height))
		for y := 0; y < d.Height; y++ {
			ay := a * d.ey[y]
			row := img[y*d.Width : (y+1)*d.Width]
			for x, e := range d.ex {
				row[x] += ay * e
			}
		}
	}
}

func (d *Direct) perPixel(img []complex128, nodes []Node, values []complex128, lag []float64) {
	for j, nd := range nodes {
		a := values[j] * nd.Weight
		if a == 0 {
			continue
		}
		phasors(d.ex, omega(nd.KX, d.Width))
		phasors(d.ey, omega(nd.KY, d.Height))
		for y := 0; y < d.Height; y++ {
			ay := a * d.ey[y]
			for x, e := range d.ex {
				i := y*d.Width + x
				s, c := math.Sincos(-lag[i] * nd.Delta)
				img[i] += ay * e * complex(c, s)
			}
		}
	}
}

// phasors fills dst[i] with exp(-i·(i - len/2)·w).
func phasors(dst []complex128, w float64) {
	half := len(dst) / 2
	for i := range dst {
		s, c := math.Sincos(-float64(i-half) * w)
		dst[i] = complex(c, s)
	}
}
