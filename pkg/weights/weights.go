// Package weights computes per-sample density-compensation weights for one
// slice of non-Cartesian k-space samples.
package weights

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"spiralrecon/pkg/tessellate"
	"spiralrecon/pkg/vpoly"
)

// ErrGeometry wraps internal polygon failures with the sample that caused them.
var ErrGeometry = errors.New("weights: inconsistent cell geometry")

// SampleID identifies one acquired sample within a slice.
type SampleID struct {
	Coil, Shot, Sample int
}

// Slice is the input for one slice: the locations of every (coil, shot,
// sample) tuple, flattened with the sample index varying fastest.
type Slice struct {
	Index   int
	Coils   int
	Shots   int
	Samples int

	KX []float64
	KY []float64
}

// Len returns the number of samples in the slice.
func (s *Slice) Len() int { return s.Coils * s.Shots * s.Samples }

// ID returns the identity of flat index i.
func (s *Slice) ID(i int) SampleID {
	return SampleID{
		Coil:   i / (s.Shots * s.Samples),
		Shot:   (i / s.Samples) % s.Shots,
		Sample: i % s.Samples,
	}
}

// Stats summarises the weights of a slice.
type Stats struct {
	Sites     int
	Twins     int
	HullSites int
	HullArea  float64
	WeightSum float64
	Mean      float64
	StdDev    float64

	// Fallback is set when Voronoi weighting degraded to constant weights.
	Fallback bool
}

// Result holds the weights of one slice, indexed like Slice.KX.
type Result struct {
	Weights []float64
	Stats   Stats
}

// Method computes density weights. Implementations are Constant and Voronoi.
type Method interface {
	Name() string
	Weigh(s *Slice) (*Result, error)
}

// Constant assigns weight 1 to every sample.
type Constant struct{}

// Name implements Method.
func (Constant) Name() string { return "const" }

// Weigh implements Method.
func (Constant) Weigh(s *Slice) (*Result, error) {
	w := make([]float64, s.Len())
	for i := range w {
		w[i] = 1
	}
	return &Result{Weights: w, Stats: summarize(w, Stats{Sites: len(w)})}, nil
}

// ClipMode selects how unbounded boundary cells are closed.
type ClipMode int

const (
	// ClipHull clips every cell against the convex hull of the samples.
	ClipHull ClipMode = iota

	// ClipCircle clips every cell against the circle around the hull
	// centroid that reaches the farthest hull point.
	ClipCircle
)

// Voronoi weights each sample by the area of its Voronoi cell.
type Voronoi struct {
	Clip        ClipMode
	Tessellator tessellate.Tessellator
	Logger      *zap.Logger
}

// Name implements Method.
func (v Voronoi) Name() string {
	if v.Clip == ClipCircle {
		return "circle_voronoi"
	}
	return "voronoi"
}

// siteInfo is the side table attached to tessellation sites.
type siteInfo struct {
	onHull bool
}

// Weigh implements Method.
func (v Voronoi) Weigh(s *Slice) (*Result, error) {
	log := v.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tess := v.Tessellator
	if tess == nil {
		tess = tessellate.Delaunay{}
	}

	// INIT
	n := s.Len()
	pts := make([]r2.Vec, n)
	ids := make([]SampleID, n)
	for i := range pts {
		pts[i] = r2.Vec{X: s.KX[i], Y: s.KY[i]}
		ids[i] = s.ID(i)
	}

	// TESSELLATE
	g, err := tess.Tessellate(pts)
	if errors.Is(err, tessellate.ErrDegenerate) {
		log.Warn("degenerate sample locations, using constant weights",
			zap.Int("slice", s.Index), zap.Error(err))
		res, err := Constant{}.Weigh(s)
		if err != nil {
			return nil, err
		}
		res.Stats.Fallback = true
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("slice %d: %w", s.Index, err)
	}

	// HULL-DETECT
	info := make([]siteInfo, len(g.Sites))
	var candidates []int
	for i, site := range g.Sites {
		if site.Bogus {
			continue
		}
		for _, nb := range site.Neighbors {
			if g.Sites[nb].Bogus {
				candidates = append(candidates, i)
				break
			}
		}
	}
	hullIdx := convexHull(g, candidates)
	var ref r2.Vec
	for _, i := range hullIdx {
		ref = r2.Add(ref, g.Sites[i].Pos)
	}
	ref = r2.Scale(1/float64(len(hullIdx)), ref)
	hull := vpoly.New(ref, len(hullIdx))
	for _, i := range hullIdx {
		info[i].onHull = true
		hull.Add(g.Sites[i].Pos.X, g.Sites[i].Pos.Y)
	}
	hull.Sort()
	hullArea, err := hull.Area()
	if err != nil {
		return nil, fmt.Errorf("%w: slice %d hull: %v", ErrGeometry, s.Index, err)
	}

	// PER-POINT-CLIP-AND-AREA
	w := make([]float64, n)
	stats := Stats{HullArea: hullArea}
	for i, site := range g.Sites {
		if site.Bogus {
			continue
		}
		stats.Sites++
		stats.Twins += len(site.Twins) - 1
		if info[i].onHull {
			stats.HullSites++
		}

		cell := vpoly.New(site.Pos, len(site.Vertices))
		for _, vi := range site.Vertices {
			cell.Add(g.Vertices[vi].X, g.Vertices[vi].Y)
		}
		cell.Sort()

		var clipped *vpoly.Poly
		switch v.Clip {
		case ClipCircle:
			clipped = vpoly.ClipCircle(cell, hull.Ref, hull.MaxDist)
		default:
			clipped = vpoly.Clip(cell, hull)
		}
		area, err := clipped.Area()
		if err != nil {
			id := ids[site.Twins[0]]
			return nil, fmt.Errorf("%w: slice %d coil %d shot %d sample %d at %v: %v",
				ErrGeometry, s.Index, id.Coil, id.Shot, id.Sample, site.Pos, err)
		}

		share := area / float64(len(site.Twins))
		for _, j := range site.Twins {
			w[j] = share
		}
	}
	return &Result{Weights: w, Stats: summarize(w, stats)}, nil
}

func summarize(w []float64, st Stats) Stats {
	st.WeightSum = floats.Sum(w)
	st.Mean, st.StdDev = stat.MeanStdDev(w, nil)
	return st
}

// convexHull returns the candidate sites forming the convex hull in
// counter-clockwise order (Andrew's monotone chain). Collinear boundary
// sites are dropped.
func convexHull(g *tessellate.Graph, candidates []int) []int {
	idx := append([]int(nil), candidates...)
	sort.Slice(idx, func(i, j int) bool {
		a, b := g.Sites[idx[i]].Pos, g.Sites[idx[j]].Pos
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	if len(idx) < 3 {
		return idx
	}
	turn := func(o, a, b int) float64 {
		po := g.Sites[o].Pos
		return r2.Cross(r2.Sub(g.Sites[a].Pos, po), r2.Sub(g.Sites[b].Pos, po))
	}
	hull := make([]int, 0, 2*len(idx))
	for _, p := range idx {
		for len(hull) >= 2 && turn(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(idx) - 2; i >= 0; i-- {
		p := idx[i]
		for len(hull) >= lower && turn(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}
