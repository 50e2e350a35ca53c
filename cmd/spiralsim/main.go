package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"spiralrecon/pkg/phantom"
)

func main() {
	fov := flag.Float64("fov", 240, "Field of view in mm")
	slices := flag.Int("slices", 1, "Number of slices")
	coils := flag.Int("coils", 1, "Number of coils")
	times := flag.Int("times", 1, "Number of timepoints")
	shots := flag.Int("shots", 8, "Spiral interleaves")
	samples := flag.Int("samples", 256, "Samples per interleave")
	kmax := flag.Float64("kmax", 32, "Largest k-space radius in cycles per FOV")
	turns := flag.Float64("turns", 8, "Revolutions per interleave")
	sampleTime := flag.Float64("sample-time", 4, "Readout sample time in µs")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <output store>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	// Two offset blobs of different size and phase make orientation and
	// scaling errors visible.
	d := &phantom.Dataset{
		FOV:    *fov,
		Slices: *slices,
		Coils:  *coils,
		Times:  *times,
		Spiral: phantom.Spiral{Shots: *shots, Samples: *samples, KMax: *kmax, Turns: *turns},
		Blobs: []phantom.Blob{
			{X: *fov / 8, Y: -*fov / 10, Sigma: *fov / 20, Amplitude: 1},
			{X: -*fov / 5, Y: *fov / 6, Sigma: *fov / 40, Amplitude: 0.5i},
		},
		SampleTime: *sampleTime,
	}
	for c := 0; c < *coils; c++ {
		d.CoilGains = append(d.CoilGains, complex(1/float64(c+1), 0))
	}

	if err := d.Write(flag.Arg(0)); err != nil {
		log.Fatalf("Failed to write phantom: %v", err)
	}
	log.Printf("Phantom written to %s", flag.Arg(0))
}
