package nufft

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Config sets the geometry and accuracy of a gridding plan.
type Config struct {
	// Width and Height are the image size in pixels.
	Width, Height int

	// Oversampling is the ratio of the FFT grid to the image size.
	// Zero selects 2.
	Oversampling int

	// Spread is the half-width of the Gaussian kernel in grid cells.
	// Zero selects 12, which keeps the gridding error near 1e-12.
	Spread int
}

func (c Config) withDefaults() Config {
	if c.Oversampling <= 0 {
		c.Oversampling = 2
	}
	if c.Spread <= 0 {
		c.Spread = 12
	}
	return c
}

// axis holds the gridding constants along one image dimension.
type axis struct {
	n     int // image pixels
	mr    int // oversampled grid points
	tau   float64
	h     float64
	width int // kernel support, 2·Spread
	corr  []float64
}

// newAxis follows the Greengard–Lee choice τ = π·m / (n²·σ·(σ-1/2)).
func newAxis(n, sigma, spread int) axis {
	s := float64(sigma)
	a := axis{
		n:     n,
		mr:    sigma * n,
		tau:   math.Pi * float64(spread) / (float64(n*n) * s * (s - 0.5)),
		width: 2 * spread,
	}
	a.h = 2 * math.Pi / float64(a.mr)
	a.corr = make([]float64, n)
	base := math.Sqrt(math.Pi/a.tau) / float64(a.mr)
	for i := range a.corr {
		k := float64(i - n/2)
		a.corr[i] = base * math.Exp(k*k*a.tau)
	}
	return a
}

// bin returns the grid index holding pixel i.
func (a *axis) bin(i int) int {
	return mod(i-a.n/2, a.mr)
}

// window fills w with the kernel weights of frequency om and returns the
// first (unwrapped) grid index they apply to.
func (a *axis) window(om float64, w []float64) int {
	x := math.Mod(om, 2*math.Pi)
	if x < 0 {
		x += 2 * math.Pi
	}
	l0 := int(math.Floor(x/a.h)) - a.width/2 + 1
	for t := range w {
		d := float64(l0+t)*a.h - x
		w[t] = math.Exp(-d * d / (4 * a.tau))
	}
	return l0
}

// Nodes holds the precomputed gridding kernels of a node set. It is
// read-only after construction and may be shared between plans.
type Nodes struct {
	cfg    Config
	n      int
	x0, y0 []int
	wx, wy []float64
}

// NewNodes precomputes the kernels of nodes for plans built from cfg.
func NewNodes(cfg Config, nodes []Node) *Nodes {
	cfg = cfg.withDefaults()
	ax := newAxis(cfg.Width, cfg.Oversampling, cfg.Spread)
	ay := newAxis(cfg.Height, cfg.Oversampling, cfg.Spread)
	nn := &Nodes{
		cfg: cfg,
		n:   len(nodes),
		x0:  make([]int, len(nodes)),
		y0:  make([]int, len(nodes)),
		wx:  make([]float64, len(nodes)*ax.width),
		wy:  make([]float64, len(nodes)*ay.width),
	}
	for j, nd := range nodes {
		nn.x0[j] = ax.window(omega(nd.KX, cfg.Width), nn.wx[j*ax.width:(j+1)*ax.width])
		nn.y0[j] = ay.window(omega(nd.KY, cfg.Height), nn.wy[j*ay.width:(j+1)*ay.width])
	}
	return nn
}

// Len returns the number of nodes.
func (n *Nodes) Len() int { return n.n }

// Plan evaluates the forward and adjoint NUFFT for one image geometry. A plan
// owns its scratch grid and is not safe for concurrent use.
type Plan struct {
	cfg    Config
	ax, ay axis
	rowFFT *fourier.CmplxFFT
	colFFT *fourier.CmplxFFT
	grid   []complex128
	col    []complex128
}

// NewPlan allocates a plan for cfg.
func NewPlan(cfg Config) *Plan {
	p := &Plan{}
	p.Reset(cfg)
	return p
}

// Reset rebuilds the plan for a new geometry. It is a no-op when the
// geometry is unchanged.
func (p *Plan) Reset(cfg Config) {
	cfg = cfg.withDefaults()
	if p.grid != nil && cfg == p.cfg {
		return
	}
	p.cfg = cfg
	p.ax = newAxis(cfg.Width, cfg.Oversampling, cfg.Spread)
	p.ay = newAxis(cfg.Height, cfg.Oversampling, cfg.Spread)
	p.rowFFT = fourier.NewCmplxFFT(p.ax.mr)
	p.colFFT = fourier.NewCmplxFFT(p.ay.mr)
	p.grid = make([]complex128, p.ax.mr*p.ay.mr)
	p.col = make([]complex128, p.ay.mr)
}

// Config returns the geometry of the plan.
func (p *Plan) Config() Config { return p.cfg }

func (p *Plan) check(nodes *Nodes, img []complex128, samples []complex128) {
	if nodes.cfg != p.cfg {
		panic(fmt.Sprintf("nufft: nodes built for %+v used with plan %+v", nodes.cfg, p.cfg))
	}
	if len(img) != p.cfg.Width*p.cfg.Height || len(samples) != nodes.n {
		panic(fmt.Sprintf("nufft: bad lengths: image %d, samples %d", len(img), len(samples)))
	}
}

// Adjoint computes img[n] = Σ_j y[j]·exp(-i n·ω_j) for every pixel.
func (p *Plan) Adjoint(img []complex128, nodes *Nodes, y []complex128) {
	p.check(nodes, img, y)
	for i := range p.grid {
		p.grid[i] = 0
	}

	mrx, mry := p.ax.mr, p.ay.mr
	wxn, wyn := p.ax.width, p.ay.width
	for j, v := range y {
		if v == 0 {
			continue
		}
		wx := nodes.wx[j*wxn : (j+1)*wxn]
		wy := nodes.wy[j*wyn : (j+1)*wyn]
		x0, y0 := nodes.x0[j], nodes.y0[j]
		for ty, ky := range wy {
			vy := v * complex(ky, 0)
			row := p.grid[mod(y0+ty, mry)*mrx:]
			for tx, kx := range wx {
				row[mod(x0+tx, mrx)] += vy * complex(kx, 0)
			}
		}
	}

	p.fft2(true)

	for py := 0; py < p.cfg.Height; py++ {
		by := p.ay.bin(py) * mrx
		cy := p.ay.corr[py]
		for px := 0; px < p.cfg.Width; px++ {
			img[py*p.cfg.Width+px] = p.grid[by+p.ax.bin(px)] * complex(cy*p.ax.corr[px], 0)
		}
	}
}

// Forward computes y[j] = Σ_n img[n]·exp(+i n·ω_j) for every node.
func (p *Plan) Forward(y []complex128, nodes *Nodes, img []complex128) {
	p.check(nodes, img, y)
	for i := range p.grid {
		p.grid[i] = 0
	}

	mrx, mry := p.ax.mr, p.ay.mr
	for py := 0; py < p.cfg.Height; py++ {
		by := p.ay.bin(py) * mrx
		cy := p.ay.corr[py]
		for px := 0; px < p.cfg.Width; px++ {
			p.grid[by+p.ax.bin(px)] = img[py*p.cfg.Width+px] * complex(cy*p.ax.corr[px], 0)
		}
	}

	p.fft2(false)

	wxn, wyn := p.ax.width, p.ay.width
	for j := range y {
		wx := nodes.wx[j*wxn : (j+1)*wxn]
		wy := nodes.wy[j*wyn : (j+1)*wyn]
		x0, y0 := nodes.x0[j], nodes.y0[j]
		var sum complex128
		for ty, ky := range wy {
			row := p.grid[mod(y0+ty, mry)*mrx:]
			var acc complex128
			for tx, kx := range wx {
				acc += row[mod(x0+tx, mrx)] * complex(kx, 0)
			}
			sum += acc * complex(ky, 0)
		}
		y[j] = sum
	}
}

func mod(a, m int) int {
	a %= m
	if a < 0 {
		a += m
	}
	return a
}
