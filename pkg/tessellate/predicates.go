package tessellate

import (
	"math"
	"math/big"

	"gonum.org/v1/gonum/spatial/r2"
)

// Error bound factors for the floating-point filters. Results whose
// magnitude falls below factor·permanent are recomputed exactly.
const (
	orientBound   = 1e-14
	inCircleBound = 1e-13
)

// orient returns a value whose sign is the orientation of (a, b, c):
// positive for counter-clockwise, negative for clockwise, zero for collinear.
func orient(a, b, c r2.Vec) float64 {
	l := (b.X - a.X) * (c.Y - a.Y)
	r := (b.Y - a.Y) * (c.X - a.X)
	det := l - r
	if math.Abs(det) > orientBound*(math.Abs(l)+math.Abs(r)) {
		return det
	}
	return float64(orientExact(a, b, c))
}

// inCircle returns a positive value when d lies strictly inside the
// circumcircle of the counter-clockwise triangle (a, b, c).
func inCircle(a, b, c, d r2.Vec) float64 {
	adx, ady := a.X-d.X, a.Y-d.Y
	bdx, bdy := b.X-d.X, b.Y-d.Y
	cdx, cdy := c.X-d.X, c.Y-d.Y

	alift := adx*adx + ady*ady
	blift := bdx*bdx + bdy*bdy
	clift := cdx*cdx + cdy*cdy

	bc := bdx*cdy - bdy*cdx
	ca := cdx*ady - cdy*adx
	ab := adx*bdy - ady*bdx
	det := alift*bc + blift*ca + clift*ab

	perm := alift*(math.Abs(bdx*cdy)+math.Abs(bdy*cdx)) +
		blift*(math.Abs(cdx*ady)+math.Abs(cdy*adx)) +
		clift*(math.Abs(adx*bdy)+math.Abs(ady*bdx))
	if math.Abs(det) > inCircleBound*perm {
		return det
	}
	return float64(inCircleExact(a, b, c, d))
}

func rat(x float64) *big.Rat {
	return new(big.Rat).SetFloat64(x)
}

func sub(x, y float64) *big.Rat {
	return new(big.Rat).Sub(rat(x), rat(y))
}

func mul(x, y *big.Rat) *big.Rat {
	return new(big.Rat).Mul(x, y)
}

func orientExact(a, b, c r2.Vec) int {
	l := mul(sub(b.X, a.X), sub(c.Y, a.Y))
	r := mul(sub(b.Y, a.Y), sub(c.X, a.X))
	return l.Cmp(r)
}

func inCircleExact(a, b, c, d r2.Vec) int {
	adx, ady := sub(a.X, d.X), sub(a.Y, d.Y)
	bdx, bdy := sub(b.X, d.X), sub(b.Y, d.Y)
	cdx, cdy := sub(c.X, d.X), sub(c.Y, d.Y)

	lift := func(x, y *big.Rat) *big.Rat {
		return new(big.Rat).Add(mul(x, x), mul(y, y))
	}
	cross := func(x1, y1, x2, y2 *big.Rat) *big.Rat {
		return new(big.Rat).Sub(mul(x1, y2), mul(y1, x2))
	}

	det := mul(lift(adx, ady), cross(bdx, bdy, cdx, cdy))
	det.Add(det, mul(lift(bdx, bdy), cross(cdx, cdy, adx, ady)))
	det.Add(det, mul(lift(cdx, cdy), cross(adx, ady, bdx, bdy)))
	return det.Sign()
}
