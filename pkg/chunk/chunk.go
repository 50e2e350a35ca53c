package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
)

// DataType is the on-disk element type of a chunk.
type DataType string

const (
	Float32 DataType = "float32"
	Float64 DataType = "float64"
)

// Size returns the element size in bytes, or 0 for an unknown type.
func (d DataType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Chunk is a dense multi-dimensional array stored in one file. Elements are
// addressed by flat offset, the first axis varying fastest.
type Chunk struct {
	Name    string
	Dims    string
	Extents []int
	Type    DataType

	file *os.File
}

func newChunk(name, dims string, extents []int, dt DataType, f *os.File) *Chunk {
	return &Chunk{
		Name:    name,
		Dims:    dims,
		Extents: append([]int(nil), extents...),
		Type:    dt,
		file:    f,
	}
}

// Len returns the number of elements.
func (c *Chunk) Len() int {
	n := 1
	for _, e := range c.Extents {
		n *= e
	}
	return n
}

// Extent returns the length of axis d, or 1 when the chunk has no such axis.
func (c *Chunk) Extent(d byte) int {
	if i := strings.IndexByte(c.Dims, d); i >= 0 {
		return c.Extents[i]
	}
	return 1
}

// HasDims reports whether the chunk's axes are exactly dims.
func (c *Chunk) HasDims(dims string) bool { return c.Dims == dims }

func (c *Chunk) checkRange(off, n int) error {
	if off < 0 || off+n > c.Len() {
		return fmt.Errorf("chunk: %s: range [%d,%d) outside %d elements", c.Name, off, off+n, c.Len())
	}
	return nil
}

// Read fills dst with the elements starting at flat offset off, converting
// from the on-disk type.
func (c *Chunk) Read(off int, dst []float64) error {
	if err := c.checkRange(off, len(dst)); err != nil {
		return err
	}
	size := c.Type.Size()
	buf := make([]byte, len(dst)*size)
	if _, err := c.file.ReadAt(buf, int64(off*size)); err != nil {
		return fmt.Errorf("chunk: reading %s: %w", c.Name, err)
	}
	switch c.Type {
	case Float32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	case Float64:
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		}
	}
	return nil
}

// Write stores src starting at flat offset off, converting to the on-disk
// type.
func (c *Chunk) Write(off int, src []float64) error {
	if err := c.checkRange(off, len(src)); err != nil {
		return err
	}
	size := c.Type.Size()
	buf := make([]byte, len(src)*size)
	switch c.Type {
	case Float32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	case Float64:
		for i, v := range src {
			binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	}
	if _, err := c.file.WriteAt(buf, int64(off*size)); err != nil {
		return fmt.Errorf("chunk: writing %s: %w", c.Name, err)
	}
	return nil
}
