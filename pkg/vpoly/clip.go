package vpoly

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// ClipHalfplane clips the polygon against the directed line p1→p2 and
// returns the part lying on its left (the line itself counts as inside).
// The receiver must be sorted; it is left untouched and a new polygon is
// returned. A polygon entirely outside comes back empty, one entirely
// inside comes back as an equivalent copy.
func (p *Poly) ClipHalfplane(p1, p2 r2.Vec) *Poly {
	n := len(p.Wings)
	if n == 0 {
		return New(p.Ref, 4)
	}

	dir := r2.Sub(p2, p1)
	side := func(v r2.Vec) float64 {
		return r2.Cross(dir, r2.Sub(v, p1))
	}

	ring := make([]r2.Vec, 0, n+2)
	prev := p.Wings[n-1].P
	sPrev := side(prev)
	for _, w := range p.Wings {
		cur := w.P
		sCur := side(cur)
		switch {
		case sCur >= 0:
			// entering: the crossing point coincides with cur when sCur == 0
			if sPrev < 0 && sCur > 0 {
				ring = append(ring, lineIntercept(prev, cur, sPrev, sCur))
			}
			ring = append(ring, cur)
		case sPrev > 0:
			ring = append(ring, lineIntercept(prev, cur, sPrev, sCur))
		}
		prev, sPrev = cur, sCur
	}
	return fromRing(ring, p.Ref)
}

// lineIntercept returns the point where segment a→b crosses the clip line,
// given the signed side values of both ends.
func lineIntercept(a, b r2.Vec, sa, sb float64) r2.Vec {
	t := sa / (sa - sb)
	return r2.Add(a, r2.Scale(t, r2.Sub(b, a)))
}

// Clip intersects poly with the convex region by clipping against each of
// the region's edges in ring order. The region must be sorted; a region with
// fewer than three vertices encloses nothing and yields an empty polygon.
func Clip(poly, region *Poly) *Poly {
	n := len(region.Wings)
	if n < 3 {
		return New(poly.Ref, 4)
	}
	out := poly
	for i := 0; i < n; i++ {
		out = out.ClipHalfplane(region.Wings[i].P, region.Wings[(i+1)%n].P)
		if out.Len() == 0 {
			break
		}
	}
	return out
}

// ClipCircle clips poly against the disc of the given radius. Boundary
// crossings are found by solving the edge/circle quadratic; the arcs between
// crossings are replaced by chords, so the result stays a convex polygon.
func ClipCircle(poly *Poly, center r2.Vec, radius float64) *Poly {
	n := len(poly.Wings)
	if n == 0 || radius <= 0 {
		return New(poly.Ref, 4)
	}

	rr := radius * radius
	inside := func(v r2.Vec) bool {
		return r2.Norm2(r2.Sub(v, center)) <= rr
	}

	ring := make([]r2.Vec, 0, n+4)
	prev := poly.Wings[n-1].P
	pin := inside(prev)
	for _, w := range poly.Wings {
		cur := w.P
		cin := inside(cur)
		t1, t2, ok := circleIntercepts(prev, cur, center, rr)
		seg := r2.Sub(cur, prev)
		switch {
		case pin && cin:
			ring = append(ring, cur)
		case pin && !cin:
			if ok {
				ring = append(ring, r2.Add(prev, r2.Scale(clamp01(t2), seg)))
			}
		case !pin && cin:
			if ok {
				ring = append(ring, r2.Add(prev, r2.Scale(clamp01(t1), seg)))
			}
			ring = append(ring, cur)
		default:
			if ok && t1 > 0 && t2 < 1 && t1 < t2 {
				ring = append(ring,
					r2.Add(prev, r2.Scale(t1, seg)),
					r2.Add(prev, r2.Scale(t2, seg)))
			}
		}
		prev, pin = cur, cin
	}
	return fromRing(ring, poly.Ref)
}

// circleIntercepts solves |a + t(b-a) - c|² = rr for t and returns both
// roots in increasing order.
func circleIntercepts(a, b, c r2.Vec, rr float64) (t1, t2 float64, ok bool) {
	d := r2.Sub(b, a)
	f := r2.Sub(a, c)
	qa := r2.Dot(d, d)
	if qa == 0 {
		return 0, 0, false
	}
	qb := 2 * r2.Dot(f, d)
	qc := r2.Dot(f, f) - rr
	disc := qb*qb - 4*qa*qc
	if disc < 0 {
		return 0, 0, false
	}
	sq := math.Sqrt(disc)
	return (-qb - sq) / (2 * qa), (-qb + sq) / (2 * qa), true
}

func clamp01(t float64) float64 {
	return math.Max(0, math.Min(1, t))
}
