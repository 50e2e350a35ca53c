package weights

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"

	"spiralrecon/pkg/nufft"
	"spiralrecon/pkg/tessellate"
)

// createTestGrid lays out an n×n unit grid as a single-coil slice with one
// shot per row.
func createTestGrid(n, coils int) *Slice {
	s := &Slice{Coils: coils, Shots: n, Samples: n}
	for c := 0; c < coils; c++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				s.KX = append(s.KX, float64(x))
				s.KY = append(s.KY, float64(y))
			}
		}
	}
	return s
}

func TestConstantWeights(t *testing.T) {
	s := createTestGrid(4, 2)
	res, err := Constant{}.Weigh(s)
	if err != nil {
		t.Fatalf("Weigh failed: %v", err)
	}
	if len(res.Weights) != 32 {
		t.Fatalf("Expected 32 weights, got %d", len(res.Weights))
	}
	if res.Stats.WeightSum != 32 || res.Stats.StdDev != 0 {
		t.Errorf("Expected sum 32 and zero spread, got %+v", res.Stats)
	}
}

func TestVoronoiGridWeights(t *testing.T) {
	s := createTestGrid(5, 1)
	res, err := Voronoi{}.Weigh(s)
	if err != nil {
		t.Fatalf("Weigh failed: %v", err)
	}

	if math.Abs(res.Stats.HullArea-16) > 1e-9 {
		t.Errorf("Expected hull area 16, got %f", res.Stats.HullArea)
	}
	if math.Abs(res.Stats.WeightSum-res.Stats.HullArea) > 1e-9 {
		t.Errorf("Weights sum to %f, hull area is %f", res.Stats.WeightSum, res.Stats.HullArea)
	}

	for i, w := range res.Weights {
		x, y := s.KX[i], s.KY[i]
		edgeX := x == 0 || x == 4
		edgeY := y == 0 || y == 4
		want := 1.0
		switch {
		case edgeX && edgeY:
			want = 0.25
		case edgeX || edgeY:
			want = 0.5
		}
		if math.Abs(w-want) > 1e-9 {
			t.Errorf("Sample (%g,%g): expected weight %g, got %g", x, y, want, w)
		}
	}
	if res.Stats.HullSites != 4 {
		t.Errorf("Expected collinear edge sites dropped from the hull, got %d hull sites", res.Stats.HullSites)
	}
}

// gridImage reconstructs unit samples on a centred n×n grid with the given
// weights into an n×n image.
func gridImage(t *testing.T, s *Slice, w []float64, n int) []complex128 {
	t.Helper()
	nodes := make([]nufft.Node, s.Len())
	values := make([]complex128, s.Len())
	for i := range nodes {
		nodes[i] = nufft.Node{KX: s.KX[i], KY: s.KY[i], Weight: complex(w[i], 0)}
		values[i] = 1
	}
	img := make([]complex128, n*n)
	if err := nufft.NewDirect(n, n).Reconstruct(img, nodes, values, nil); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	return img
}

// On a uniform grid the Voronoi weights differ from constant ones only on
// the hull, where cells are halved (edges) or quartered (corners). The
// largest image difference is the removed weight 2n-1, reached at the
// centre pixel, against a constant-weight peak of n², so the peak-relative
// difference is (2n-1)/n² and falls below 2/n.
func TestVoronoiAgreesWithConstantOnGrid(t *testing.T) {
	prev := math.Inf(1)
	for _, n := range []int{8, 16, 32} {
		s := createTestGrid(n, 1)
		half := float64(n-1) / 2
		for i := range s.KX {
			s.KX[i] -= half
			s.KY[i] -= half
		}

		cons, err := Constant{}.Weigh(s)
		if err != nil {
			t.Fatalf("n=%d: Constant failed: %v", n, err)
		}
		vor, err := Voronoi{Clip: ClipHull}.Weigh(s)
		if err != nil {
			t.Fatalf("n=%d: Voronoi failed: %v", n, err)
		}
		a := gridImage(t, s, cons.Weights, n)
		b := gridImage(t, s, vor.Weights, n)

		var peak, diff float64
		for i := range a {
			peak = math.Max(peak, cmplx.Abs(a[i]))
			diff = math.Max(diff, cmplx.Abs(a[i]-b[i]))
		}
		rel := diff / peak
		want := float64(2*n-1) / float64(n*n)
		if math.Abs(rel-want) > 1e-6 {
			t.Errorf("n=%d: expected relative difference %g, got %g", n, want, rel)
		}
		if rel >= 2/float64(n) {
			t.Errorf("n=%d: relative difference %g exceeds 2/n", n, rel)
		}
		if rel >= prev {
			t.Errorf("n=%d: relative difference %g did not shrink from %g", n, rel, prev)
		}
		prev = rel
	}
}

func TestVoronoiSplitsTwins(t *testing.T) {
	single, err := Voronoi{}.Weigh(createTestGrid(5, 1))
	if err != nil {
		t.Fatalf("Weigh failed: %v", err)
	}
	double, err := Voronoi{}.Weigh(createTestGrid(5, 2))
	if err != nil {
		t.Fatalf("Weigh failed: %v", err)
	}
	if double.Stats.Twins != 25 {
		t.Errorf("Expected 25 twins, got %d", double.Stats.Twins)
	}
	for i, w := range single.Weights {
		if math.Abs(double.Weights[i]-w/2) > 1e-12 || math.Abs(double.Weights[i+25]-w/2) > 1e-12 {
			t.Fatalf("Sample %d: expected both coils to get %g, got %g and %g",
				i, w/2, double.Weights[i], double.Weights[i+25])
		}
	}
}

func TestCircleVoronoiWeights(t *testing.T) {
	s := createTestGrid(5, 1)
	res, err := Voronoi{Clip: ClipCircle}.Weigh(s)
	if err != nil {
		t.Fatalf("Weigh failed: %v", err)
	}
	disc := math.Pi * 8
	if res.Stats.WeightSum <= res.Stats.HullArea || res.Stats.WeightSum > disc {
		t.Errorf("Expected hull area < sum <= %f, got %f", disc, res.Stats.WeightSum)
	}
	for i, w := range res.Weights {
		x, y := s.KX[i], s.KY[i]
		if x > 0 && x < 4 && y > 0 && y < 4 && math.Abs(w-1) > 1e-9 {
			t.Errorf("Interior sample (%g,%g): expected weight 1, got %g", x, y, w)
		}
	}
}

func TestDegenerateSliceFallsBack(t *testing.T) {
	s := &Slice{Coils: 1, Shots: 1, Samples: 4, KX: []float64{0, 0, 0, 0}, KY: []float64{0, 0, 0, 0}}
	res, err := Voronoi{}.Weigh(s)
	if err != nil {
		t.Fatalf("Weigh failed: %v", err)
	}
	if !res.Stats.Fallback {
		t.Error("Expected fallback to constant weights")
	}
	for i, w := range res.Weights {
		if w != 1 {
			t.Errorf("Weight %d: expected 1, got %g", i, w)
		}
	}
}

// brokenTessellator returns a graph whose first cell does not surround its
// site, so the sorted ring comes out clockwise.
type brokenTessellator struct{}

func (brokenTessellator) Tessellate(pts []r2.Vec) (*tessellate.Graph, error) {
	g := &tessellate.Graph{
		Vertices: []r2.Vec{{X: 6, Y: 5}, {X: 5, Y: 5}, {X: 5, Y: 6}},
		Index:    []int{0, 1, 2},
	}
	for i, p := range pts {
		g.Sites = append(g.Sites, tessellate.Site{Pos: p, Neighbors: []int{3}, Twins: []int{i}})
	}
	g.Sites[0].Vertices = []int{0, 1, 2}
	for i := 0; i < 3; i++ {
		g.Sites = append(g.Sites, tessellate.Site{Pos: r2.Vec{X: 1e3 * float64(i)}, Bogus: true})
	}
	return g, nil
}

func TestVoronoiReportsGeometryErrors(t *testing.T) {
	s := &Slice{Index: 3, Coils: 1, Shots: 1, Samples: 3, KX: []float64{0, 10, 0}, KY: []float64{0, 0, 10}}
	_, err := Voronoi{Clip: ClipCircle, Tessellator: brokenTessellator{}}.Weigh(s)
	if !errors.Is(err, ErrGeometry) {
		t.Fatalf("Expected ErrGeometry, got %v", err)
	}
}

func TestSliceID(t *testing.T) {
	s := &Slice{Coils: 2, Shots: 3, Samples: 4}
	if got := s.ID(1*12 + 2*4 + 3); got != (SampleID{Coil: 1, Shot: 2, Sample: 3}) {
		t.Errorf("Unexpected identity %+v", got)
	}
}
