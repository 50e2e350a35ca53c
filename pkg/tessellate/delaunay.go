// Package tessellate builds the Voronoi/Dirichlet tessellation of a planar
// point set. The tessellation is derived from a Delaunay triangulation that
// includes three far-away bogus sites, so every real site owns a bounded
// cell whose corners are the circumcentres of its incident triangles.
package tessellate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrDegenerate is returned for point sets without three distinct,
// non-collinear points.
var ErrDegenerate = errors.New("tessellate: degenerate point set")

// Site is one distinct input location, or one of the bogus sites at the
// corners of the enclosing triangle.
type Site struct {
	Pos   r2.Vec
	Bogus bool

	// Neighbors lists adjacent sites in the Delaunay triangulation.
	Neighbors []int

	// Vertices lists the Voronoi vertices of this site's cell, one per
	// incident Delaunay triangle.
	Vertices []int

	// Twins lists every input index located exactly at Pos.
	Twins []int
}

// Graph is a tessellation. Real sites come first, the bogus sites last.
type Graph struct {
	Sites    []Site
	Vertices []r2.Vec

	// Index maps every input point to its site.
	Index []int
}

// RealSites returns the number of non-bogus sites.
func (g *Graph) RealSites() int {
	n := 0
	for i := range g.Sites {
		if !g.Sites[i].Bogus {
			n++
		}
	}
	return n
}

// Tessellator builds a tessellation from a point set.
type Tessellator interface {
	Tessellate(points []r2.Vec) (*Graph, error)
}

// Delaunay is a Bowyer–Watson tessellator.
type Delaunay struct {
	// Margin is the size of the enclosing triangle relative to the extent
	// of the point set. Zero selects 32.
	Margin float64
}

type triangle struct {
	v    [3]int // counter-clockwise
	n    [3]int // n[i] is across the edge opposite v[i], -1 for none
	dead bool
}

type mesh struct {
	pts   []r2.Vec
	tris  []triangle
	last  int
	stamp []int
}

// Tessellate implements Tessellator.
func (d Delaunay) Tessellate(points []r2.Vec) (*Graph, error) {
	g := &Graph{Index: make([]int, len(points))}

	seen := make(map[r2.Vec]int, len(points))
	for i, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return nil, fmt.Errorf("tessellate: point %d is not finite: %v", i, p)
		}
		s, ok := seen[p]
		if !ok {
			s = len(g.Sites)
			seen[p] = s
			g.Sites = append(g.Sites, Site{Pos: p})
		}
		g.Sites[s].Twins = append(g.Sites[s].Twins, i)
		g.Index[i] = s
	}
	n := len(g.Sites)
	if n < 3 || collinear(g.Sites) {
		return nil, fmt.Errorf("%w: %d distinct points", ErrDegenerate, n)
	}

	margin := d.Margin
	if margin <= 0 {
		margin = 32
	}
	m := newMesh(g.Sites, margin)
	for _, k := range insertionOrder(m.pts[:n]) {
		if err := m.insert(k); err != nil {
			return nil, err
		}
	}

	for _, p := range m.pts[n:] {
		g.Sites = append(g.Sites, Site{Pos: p, Bogus: true})
	}
	for _, t := range m.tris {
		if t.dead {
			continue
		}
		vi := len(g.Vertices)
		g.Vertices = append(g.Vertices, circumcenter(m.pts[t.v[0]], m.pts[t.v[1]], m.pts[t.v[2]]))
		for i, a := range t.v {
			g.Sites[a].Vertices = append(g.Sites[a].Vertices, vi)
			// Each directed edge appears in exactly one triangle, so
			// following a→b only once per triangle lists every
			// neighbour of an interior site exactly once.
			g.Sites[a].Neighbors = append(g.Sites[a].Neighbors, t.v[(i+1)%3])
		}
	}
	return g, nil
}

func newMesh(sites []Site, margin float64) *mesh {
	n := len(sites)
	lo, hi := sites[0].Pos, sites[0].Pos
	for _, s := range sites[1:] {
		lo.X, lo.Y = math.Min(lo.X, s.Pos.X), math.Min(lo.Y, s.Pos.Y)
		hi.X, hi.Y = math.Max(hi.X, s.Pos.X), math.Max(hi.Y, s.Pos.Y)
	}
	c := r2.Scale(0.5, r2.Add(lo, hi))
	size := math.Max(hi.X-lo.X, hi.Y-lo.Y) * margin

	m := &mesh{pts: make([]r2.Vec, n, n+3)}
	for i, s := range sites {
		m.pts[i] = s.Pos
	}
	m.pts = append(m.pts,
		r2.Add(c, r2.Vec{X: 0, Y: 2 * size}),
		r2.Add(c, r2.Vec{X: -math.Sqrt(3) * size, Y: -size}),
		r2.Add(c, r2.Vec{X: math.Sqrt(3) * size, Y: -size}),
	)
	m.tris = append(m.tris, triangle{v: [3]int{n, n + 1, n + 2}, n: [3]int{-1, -1, -1}})
	m.stamp = []int{-1}
	return m
}

// insert adds point k, re-triangulating the cavity of triangles whose
// circumcircle contains it.
func (m *mesh) insert(k int) error {
	p := m.pts[k]
	t0 := m.locate(p)
	if t0 < 0 {
		return fmt.Errorf("tessellate: point %d (%v) outside the enclosing triangle", k, p)
	}

	bad := []int{t0}
	m.stamp[t0] = k
	for i := 0; i < len(bad); i++ {
		for _, nb := range m.tris[bad[i]].n {
			if nb >= 0 && m.stamp[nb] != k && m.inCircle(nb, p) {
				m.stamp[nb] = k
				bad = append(bad, nb)
			}
		}
	}

	byFirst := make(map[int]int, len(bad)+2)
	bySecond := make(map[int]int, len(bad)+2)
	var created []int
	for _, t := range bad {
		tri := m.tris[t]
		for i := 0; i < 3; i++ {
			out := tri.n[i]
			if out >= 0 && m.stamp[out] == k {
				continue
			}
			a, b := tri.v[(i+1)%3], tri.v[(i+2)%3]
			nt := len(m.tris)
			m.tris = append(m.tris, triangle{v: [3]int{a, b, k}, n: [3]int{-1, -1, out}})
			m.stamp = append(m.stamp, -1)
			if out >= 0 {
				o := &m.tris[out]
				for j := range o.n {
					if o.n[j] == t {
						o.n[j] = nt
					}
				}
			}
			byFirst[a] = nt
			bySecond[b] = nt
			created = append(created, nt)
		}
	}
	for _, t := range bad {
		m.tris[t].dead = true
	}
	for _, nt := range created {
		tri := &m.tris[nt]
		first, ok1 := byFirst[tri.v[1]]
		second, ok2 := bySecond[tri.v[0]]
		if !ok1 || !ok2 {
			return fmt.Errorf("tessellate: cavity of point %d (%v) is not star-shaped", k, p)
		}
		tri.n[0] = first
		tri.n[1] = second
	}
	m.last = created[len(created)-1]
	return nil
}

// locate walks from the last created triangle towards p and returns a live
// triangle containing it, falling back to a linear scan.
func (m *mesh) locate(p r2.Vec) int {
	t := m.last
	for steps := 0; steps < len(m.tris); steps++ {
		tri := &m.tris[t]
		next := -1
		for i := 0; i < 3; i++ {
			a, b := m.pts[tri.v[(i+1)%3]], m.pts[tri.v[(i+2)%3]]
			if orient(a, b, p) < 0 {
				next = tri.n[i]
				break
			}
		}
		if next < 0 {
			if m.contains(t, p) {
				return t
			}
			break
		}
		t = next
	}
	for i := range m.tris {
		if !m.tris[i].dead && m.contains(i, p) {
			return i
		}
	}
	return -1
}

func (m *mesh) contains(t int, p r2.Vec) bool {
	tri := &m.tris[t]
	for i := 0; i < 3; i++ {
		if orient(m.pts[tri.v[(i+1)%3]], m.pts[tri.v[(i+2)%3]], p) < 0 {
			return false
		}
	}
	return true
}

// inCircle reports whether p lies strictly inside the circumcircle of t.
func (m *mesh) inCircle(t int, p r2.Vec) bool {
	v := m.tris[t].v
	return inCircle(m.pts[v[0]], m.pts[v[1]], m.pts[v[2]], p) > 0
}

func circumcenter(a, b, c r2.Vec) r2.Vec {
	bb := r2.Sub(b, a)
	cc := r2.Sub(c, a)
	d := 2 * r2.Cross(bb, cc)
	if d == 0 {
		return r2.Scale(1.0/3, r2.Add(a, r2.Add(b, c)))
	}
	b2, c2 := r2.Norm2(bb), r2.Norm2(cc)
	return r2.Add(a, r2.Vec{
		X: (cc.Y*b2 - bb.Y*c2) / d,
		Y: (bb.X*c2 - cc.X*b2) / d,
	})
}

// collinear reports whether all sites lie on one line.
func collinear(sites []Site) bool {
	p0 := sites[0].Pos
	far, dist := 0, 0.0
	for i, s := range sites {
		if d := r2.Norm2(r2.Sub(s.Pos, p0)); d > dist {
			far, dist = i, d
		}
	}
	if dist == 0 {
		return true
	}
	dir := r2.Sub(sites[far].Pos, p0)
	for _, s := range sites {
		if math.Abs(r2.Cross(dir, r2.Sub(s.Pos, p0))) > 1e-12*dist {
			return false
		}
	}
	return true
}

// insertionOrder sorts points along a serpentine path through a coarse grid
// so consecutive insertions stay close and point location walks stay short.
func insertionOrder(pts []r2.Vec) []int {
	n := len(pts)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	lo, hi := pts[0], pts[0]
	for _, p := range pts {
		lo.X, lo.Y = math.Min(lo.X, p.X), math.Min(lo.Y, p.Y)
		hi.X, hi.Y = math.Max(hi.X, p.X), math.Max(hi.Y, p.Y)
	}
	rows := int(math.Sqrt(float64(n))/2) + 1
	height := (hi.Y - lo.Y) / float64(rows)
	row := func(p r2.Vec) int {
		if height == 0 {
			return 0
		}
		r := int((p.Y - lo.Y) / height)
		if r >= rows {
			r = rows - 1
		}
		return r
	}
	sort.SliceStable(order, func(i, j int) bool {
		pi, pj := pts[order[i]], pts[order[j]]
		ri, rj := row(pi), row(pj)
		if ri != rj {
			return ri < rj
		}
		if ri%2 == 0 {
			return pi.X < pj.X
		}
		return pi.X > pj.X
	})
	return order
}
