// Package visualization renders reconstructed images as magnitude previews.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"spiralrecon/pkg/chunk"
)

// Viewer holds the magnitudes of a complex image series laid out as
// (x, y, slice, time) with x varying fastest.
type Viewer struct {
	magnitude []float64

	width  int
	height int
	slices int
	times  int

	// peak is the largest magnitude, used to scale every frame alike
	peak float64
}

// NewViewer creates a viewer over interleaved complex values.
func NewViewer(values []float64, width, height, slices, times int) (*Viewer, error) {
	n := width * height * slices * times
	if width < 1 || height < 1 || slices < 1 || times < 1 {
		return nil, fmt.Errorf("visualization: invalid shape %dx%dx%dx%d", width, height, slices, times)
	}
	if len(values) != 2*n {
		return nil, fmt.Errorf("visualization: expected %d values, got %d", 2*n, len(values))
	}
	v := &Viewer{
		magnitude: make([]float64, n),
		width:     width,
		height:    height,
		slices:    slices,
		times:     times,
	}
	for i := range v.magnitude {
		m := math.Hypot(values[2*i], values[2*i+1])
		v.magnitude[i] = m
		if m > v.peak {
			v.peak = m
		}
	}
	return v, nil
}

// OpenViewer reads the named image chunk of the store at dir.
func OpenViewer(dir, name string) (*Viewer, error) {
	store, err := chunk.Open(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	c, err := store.Chunk(name)
	if err != nil {
		return nil, err
	}
	if c.Extent('v') != 2 {
		return nil, fmt.Errorf("visualization: chunk %q is not complex", name)
	}
	values := make([]float64, c.Len())
	if err := c.Read(0, values); err != nil {
		return nil, err
	}
	return NewViewer(values, c.Extent('x'), c.Extent('y'), c.Extent('z'), c.Extent('t'))
}

// Frames returns the number of slices and timepoints.
func (v *Viewer) Frames() (slices, times int) { return v.slices, v.times }

// ExtractSlice returns the magnitude of one slice at one timepoint, scaled
// so the brightest voxel of the whole series maps to white.
func (v *Viewer) ExtractSlice(slice, time int) (*image.Gray16, error) {
	if slice < 0 || slice >= v.slices {
		return nil, fmt.Errorf("slice %d outside [0,%d)", slice, v.slices)
	}
	if time < 0 || time >= v.times {
		return nil, fmt.Errorf("time %d outside [0,%d)", time, v.times)
	}

	scale := 0.0
	if v.peak > 0 {
		scale = 65535 / v.peak
	}
	img := image.NewGray16(image.Rect(0, 0, v.width, v.height))
	base := (time*v.slices + slice) * v.width * v.height
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			value := math.Round(math.Min(65535, v.magnitude[base+y*v.width+x]*scale))
			img.SetGray16(x, y, color.Gray16{Y: uint16(value)})
		}
	}
	return img, nil
}

// SaveSlice writes an image as JPEG or, for a .tif or .tiff name, as a
// lossless 16-bit TIFF.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".tif" || ext == ".tiff" {
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	} else {
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveSliceSequence writes every frame to outputDir as
// slice_<z>_t<t>.<format>, where format is "jpg" or "tif".
func (v *Viewer) SaveSliceSequence(outputDir, format string) error {
	switch format {
	case "jpg", "tif":
	default:
		return fmt.Errorf("invalid format: %s (must be jpg or tif)", format)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for t := 0; t < v.times; t++ {
		for z := 0; z < v.slices; z++ {
			img, err := v.ExtractSlice(z, t)
			if err != nil {
				return err
			}
			filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d_t%03d.%s", z, t, format))
			if err := v.SaveSlice(img, filename); err != nil {
				return err
			}
		}
	}
	return nil
}
