// Package phantom synthesises spiral k-space datasets of analytic objects,
// written in the chunk layout the reconstruction reads.
package phantom

import (
	"fmt"
	"math"
	"math/cmplx"

	"spiralrecon/pkg/chunk"
)

// Blob is a two-dimensional Gaussian. Positions and widths are in mm.
type Blob struct {
	X, Y      float64
	Sigma     float64
	Amplitude complex128
}

// Spectrum returns the continuous Fourier transform of the blob at spatial
// frequency (kx, ky) in cycles per mm, using the exp(+i2πk·x) convention.
func (b Blob) Spectrum(kx, ky float64) complex128 {
	s2 := b.Sigma * b.Sigma
	mag := 2 * math.Pi * s2 * math.Exp(-2*math.Pi*math.Pi*s2*(kx*kx+ky*ky))
	return b.Amplitude * complex(mag, 0) * cmplx.Rect(1, 2*math.Pi*(kx*b.X+ky*b.Y))
}

// Spiral is an interleaved Archimedean spiral trajectory.
type Spiral struct {
	Shots   int
	Samples int

	// KMax is the radius reached at the last sample, in cycles per FOV.
	KMax float64

	// Turns is the number of revolutions per shot.
	Turns float64
}

// Locations returns the trajectory of one shot in cycles per FOV.
func (s Spiral) Locations(shot int) (kx, ky []float64) {
	kx = make([]float64, s.Samples)
	ky = make([]float64, s.Samples)
	last := float64(s.Samples - 1)
	if last < 1 {
		last = 1
	}
	rot := 2 * math.Pi * float64(shot) / float64(s.Shots)
	for p := range kx {
		f := float64(p) / last
		r := s.KMax * f
		theta := 2*math.Pi*s.Turns*f + rot
		kx[p] = r * math.Cos(theta)
		ky[p] = r * math.Sin(theta)
	}
	return kx, ky
}

// Dataset describes a synthetic acquisition.
type Dataset struct {
	// FOV is the field of view in mm.
	FOV float64

	Slices, Coils, Times int
	Spiral               Spiral

	// Blobs make up the object, identical in every slice and timepoint.
	Blobs []Blob

	// CoilGains scale the object per coil. Missing entries are 1.
	CoilGains []complex128

	// SampleTime is the readout sample time in µs. Zero omits the key.
	SampleTime float64

	// VoxelX, VoxelY and VoxelZ are recorded as voxel spacing when positive.
	VoxelX, VoxelY, VoxelZ float64
}

// Value returns the sample of coil c at a location given in cycles per FOV.
func (d *Dataset) Value(c int, kx, ky float64) complex128 {
	var v complex128
	for _, b := range d.Blobs {
		v += b.Spectrum(kx/d.FOV, ky/d.FOV)
	}
	if c < len(d.CoilGains) {
		v *= d.CoilGains[c]
	}
	return v
}

// Write creates a chunk store at dir holding samples, trajectories and
// metadata.
func (d *Dataset) Write(dir string) error {
	if d.FOV <= 0 || d.Slices < 1 || d.Coils < 1 || d.Times < 1 ||
		d.Spiral.Shots < 1 || d.Spiral.Samples < 1 {
		return fmt.Errorf("phantom: invalid dataset %+v", *d)
	}
	sp := d.Spiral
	store, err := chunk.Create(dir)
	if err != nil {
		return err
	}

	samples, err := store.Define("samples", "vpsczt",
		[]int{2, sp.Samples, sp.Shots, d.Coils, d.Slices, d.Times}, chunk.Float32)
	if err != nil {
		store.Close()
		return err
	}
	kxloc, err := store.Define("sample_kxloc", "pscz", []int{sp.Samples, sp.Shots, d.Coils, d.Slices}, chunk.Float64)
	if err != nil {
		store.Close()
		return err
	}
	kyloc, err := store.Define("sample_kyloc", "pscz", []int{sp.Samples, sp.Shots, d.Coils, d.Slices}, chunk.Float64)
	if err != nil {
		store.Close()
		return err
	}

	block := make([]float64, 2*sp.Samples*sp.Shots*d.Coils)
	for c := 0; c < d.Coils; c++ {
		for s := 0; s < sp.Shots; s++ {
			kx, ky := sp.Locations(s)
			off := (c*sp.Shots + s) * sp.Samples
			for z := 0; z < d.Slices; z++ {
				locOff := z*d.Coils*sp.Shots*sp.Samples + off
				if err := kxloc.Write(locOff, kx); err != nil {
					store.Close()
					return err
				}
				if err := kyloc.Write(locOff, ky); err != nil {
					store.Close()
					return err
				}
			}
			for p := range kx {
				v := d.Value(c, kx[p], ky[p])
				block[2*(off+p)] = real(v)
				block[2*(off+p)+1] = imag(v)
			}
		}
	}
	for t := 0; t < d.Times; t++ {
		for z := 0; z < d.Slices; z++ {
			if err := samples.Write((t*d.Slices+z)*len(block), block); err != nil {
				store.Close()
				return err
			}
		}
	}

	store.SetFloat("samples.fov", d.FOV)
	if d.SampleTime > 0 {
		store.SetFloat("samples.sample_time", d.SampleTime)
	}
	for axis, v := range map[string]float64{"x": d.VoxelX, "y": d.VoxelY, "z": d.VoxelZ} {
		if v > 0 {
			store.SetFloat("samples.voxel_spacing."+axis, v)
		}
	}
	store.Set("samples.description", fmt.Sprintf("spiral phantom, %d blobs", len(d.Blobs)))
	return store.Close()
}
