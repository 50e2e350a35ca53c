// Package vpoly implements the small convex-polygon engine used to measure
// Voronoi cells: a polygon is a ring of boundary vertices ("wings") kept in
// angular order around an interior reference point.
package vpoly

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrNegativeArea reports a ring that is mis-ordered or not convex. It is an
// internal consistency failure, never a property of the input data.
var ErrNegativeArea = errors.New("vpoly: negative triangle area")

// areaTolerance scales the squared polygon extent into the amount of
// negative triangle area accepted as rounding noise.
const areaTolerance = 1e-9

// Wing is one boundary vertex of a polygon together with its polar angle
// about the polygon's reference point. Angle is only meaningful after Sort.
type Wing struct {
	P     r2.Vec
	Angle float64
}

// Poly is a convex polygon described by an interior reference point and
// its boundary vertices.
type Poly struct {
	// Ref is a point strictly inside the polygon. Angles are measured about it.
	Ref r2.Vec

	// Wings holds the boundary vertices, counter-clockwise once sorted.
	Wings []Wing

	// MaxDist is the largest distance from Ref to any vertex added so far.
	MaxDist float64
}

// GeometryError carries the context of a failed area computation.
type GeometryError struct {
	// Triangle is the index of the first wing of the offending triangle.
	Triangle int

	// Area is the signed area of that triangle.
	Area float64

	// Ring is a copy of the polygon boundary.
	Ring []r2.Vec
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("vpoly: triangle %d of %d-gon has signed area %g", e.Triangle, len(e.Ring), e.Area)
}

func (e *GeometryError) Unwrap() error { return ErrNegativeArea }

// New creates an empty polygon around ref with room for capacity vertices.
func New(ref r2.Vec, capacity int) *Poly {
	if capacity < 4 {
		capacity = 4
	}
	return &Poly{
		Ref:   ref,
		Wings: make([]Wing, 0, capacity),
	}
}

// Len returns the number of vertices.
func (p *Poly) Len() int { return len(p.Wings) }

// Add appends a vertex and updates MaxDist.
func (p *Poly) Add(x, y float64) {
	v := r2.Vec{X: x, Y: y}
	p.Wings = append(p.Wings, Wing{P: v})
	if d := r2.Norm(r2.Sub(v, p.Ref)); d > p.MaxDist {
		p.MaxDist = d
	}
}

// Sort computes every wing's angle about Ref and orders the wings by
// increasing angle, which is counter-clockwise for an interior Ref.
func (p *Poly) Sort() {
	for i := range p.Wings {
		w := &p.Wings[i]
		w.Angle = math.Atan2(w.P.Y-p.Ref.Y, w.P.X-p.Ref.X)
	}
	sort.SliceStable(p.Wings, func(i, j int) bool {
		return p.Wings[i].Angle < p.Wings[j].Angle
	})
}

// Centroid returns the mean of the vertices. For a convex ring this point is
// interior (or on the boundary when the ring is degenerate).
func (p *Poly) Centroid() r2.Vec {
	var c r2.Vec
	if len(p.Wings) == 0 {
		return p.Ref
	}
	for _, w := range p.Wings {
		c = r2.Add(c, w.P)
	}
	return r2.Scale(1/float64(len(p.Wings)), c)
}

// Points returns a copy of the boundary in ring order.
func (p *Poly) Points() []r2.Vec {
	pts := make([]r2.Vec, len(p.Wings))
	for i, w := range p.Wings {
		pts[i] = w.P
	}
	return pts
}

// Copy returns a deep copy of the polygon.
func (p *Poly) Copy() *Poly {
	q := &Poly{Ref: p.Ref, MaxDist: p.MaxDist, Wings: make([]Wing, len(p.Wings), cap(p.Wings))}
	copy(q.Wings, p.Wings)
	return q
}

// Area returns the area of a counter-clockwise convex ring by summing the
// triangles fanned out from the vertex mean. Fewer than three vertices give
// zero. A clearly negative triangle means the ring is not a sorted convex
// polygon and is reported as a *GeometryError.
func (p *Poly) Area() (float64, error) {
	n := len(p.Wings)
	if n < 3 {
		return 0, nil
	}

	c := p.Centroid()
	extent := 0.0
	for _, w := range p.Wings {
		if d := r2.Norm2(r2.Sub(w.P, c)); d > extent {
			extent = d
		}
	}
	eps := areaTolerance * extent

	area := 0.0
	for i := 0; i < n; i++ {
		a := r2.Sub(p.Wings[i].P, c)
		b := r2.Sub(p.Wings[(i+1)%n].P, c)
		tri := 0.5 * r2.Cross(a, b)
		if tri < -eps {
			return 0, &GeometryError{Triangle: i, Area: tri, Ring: p.Points()}
		}
		area += tri
	}
	return area, nil
}

// fromRing builds a polygon from vertices already in counter-clockwise ring
// order. Non-degenerate results are re-centred on their vertex mean and
// rotated so the smallest angle comes first, which leaves them sorted.
func fromRing(ring []r2.Vec, ref r2.Vec) *Poly {
	q := New(ref, len(ring))
	for _, v := range ring {
		q.Add(v.X, v.Y)
	}
	if len(ring) < 3 {
		return q
	}

	q.Ref = q.Centroid()
	q.MaxDist = 0
	first := 0
	for i := range q.Wings {
		w := &q.Wings[i]
		d := r2.Sub(w.P, q.Ref)
		w.Angle = math.Atan2(d.Y, d.X)
		if n := r2.Norm(d); n > q.MaxDist {
			q.MaxDist = n
		}
		if w.Angle < q.Wings[first].Angle {
			first = i
		}
	}
	if first > 0 {
		rotated := make([]Wing, 0, len(q.Wings))
		rotated = append(rotated, q.Wings[first:]...)
		rotated = append(rotated, q.Wings[:first]...)
		q.Wings = rotated
	}
	return q
}
