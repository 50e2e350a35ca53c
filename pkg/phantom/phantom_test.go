package phantom

import (
	"math"
	"math/cmplx"
	"path/filepath"
	"testing"

	"spiralrecon/pkg/chunk"
)

func TestBlobSpectrum(t *testing.T) {
	b := Blob{X: 5, Y: -3, Sigma: 2, Amplitude: 1}
	dc := b.Spectrum(0, 0)
	if math.Abs(real(dc)-2*math.Pi*4) > 1e-12 || imag(dc) != 0 {
		t.Errorf("Expected DC value 8π, got %v", dc)
	}
	// The phase encodes the position.
	v := b.Spectrum(0.01, 0)
	if got := cmplx.Phase(v); math.Abs(got-2*math.Pi*0.05) > 1e-12 {
		t.Errorf("Expected phase %g, got %g", 2*math.Pi*0.05, got)
	}
}

func TestSpiralLocations(t *testing.T) {
	sp := Spiral{Shots: 4, Samples: 33, KMax: 16, Turns: 3}
	kx, ky := sp.Locations(1)
	if kx[0] != 0 || ky[0] != 0 {
		t.Errorf("Spiral should start at the origin, got (%g,%g)", kx[0], ky[0])
	}
	if r := math.Hypot(kx[32], ky[32]); math.Abs(r-16) > 1e-12 {
		t.Errorf("Expected final radius 16, got %g", r)
	}
	kx0, ky0 := sp.Locations(0)
	a0 := math.Atan2(ky0[32], kx0[32])
	a1 := math.Atan2(ky[32], kx[32])
	if d := math.Remainder(a1-a0, 2*math.Pi); math.Abs(d-math.Pi/2) > 1e-9 {
		t.Errorf("Expected shots rotated by π/2, got %g", d)
	}
}

func TestDatasetWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "phantom")
	d := &Dataset{
		FOV: 200, Slices: 2, Coils: 2, Times: 3,
		Spiral:     Spiral{Shots: 2, Samples: 8, KMax: 4, Turns: 1},
		Blobs:      []Blob{{Sigma: 10, Amplitude: 1}},
		CoilGains:  []complex128{1, 0.5i},
		SampleTime: 4,
		VoxelX:     3,
	}
	if err := d.Write(dir); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	s, err := chunk.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if fov, _ := s.GetFloat("samples.fov"); fov != 200 {
		t.Errorf("Expected fov 200, got %g", fov)
	}
	if s.Has("samples.voxel_spacing.y") {
		t.Error("Unset voxel spacing should not be written")
	}
	samples, err := s.Chunk("samples")
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if samples.Len() != 2*8*2*2*2*3 {
		t.Errorf("Unexpected sample count %d", samples.Len())
	}

	// First sample of coil 1, shot 0, slice 1, time 2 sits at k = 0.
	off := ((2*2+1)*2*2*8 + (1*2+0)*8) * 2
	got := make([]float64, 2)
	if err := samples.Read(off, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := d.Value(1, 0, 0)
	if math.Abs(got[0]-real(want)) > 1e-3 || math.Abs(got[1]-imag(want)) > 1e-3 {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if err := (&Dataset{}).Write(dir); err == nil {
		t.Error("Expected an error for an empty dataset")
	}
}
