package models

// Geometry holds the extents of one reconstruction run.
type Geometry struct {
	// Slices, Coils, Shots and Samples describe the acquisition: every slice
	// has Coils×Shots readouts of Samples points each.
	Slices  int
	Coils   int
	Shots   int
	Samples int

	// Times is the number of repetitions of the whole acquisition.
	Times int

	// Width and Height are the dimensions of the reconstructed image in pixels.
	Width  int
	Height int
}

// Readouts returns the number of samples acquired per slice and timepoint.
func (g Geometry) Readouts() int {
	return g.Coils * g.Shots * g.Samples
}

// Pixels returns the number of pixels in one output image.
func (g Geometry) Pixels() int {
	return g.Width * g.Height
}

// RunContext holds everything a worker needs to reconstruct any task. It is
// filled once during setup and only read afterwards, so a single instance is
// shared by all workers.
type RunContext struct {
	Geometry

	// VoxelX and VoxelY are the output voxel sizes in mm.
	VoxelX float64
	VoxelY float64

	// FOV is the nominal field of view of the acquisition in mm. Sample
	// locations are expressed in cycles per FOV.
	FOV float64

	// PhaseInc is the phase accrued per readout sample per unit of field
	// (2π times the sample time in seconds).
	PhaseInc float64

	// PhaseScale multiplies every phase correction.
	PhaseScale float64

	// SampleLag is the fraction of a sample by which the effective k-space
	// location trails the nominal one at the end of the readout.
	SampleLag float64

	// LagMap optionally modulates the phase correction per voxel.
	LagMap *LagMap

	// Loc holds the k-space locations indexed by (slice, coil, axis, shot,
	// sample) with axis AxisKX or AxisKY.
	Loc *Tensor

	// Weights mirrors Loc with axis AxisRe or AxisIm.
	Weights *Tensor
}

// ScaleX converts a kx location in cycles per FOV into output grid units.
func (rc *RunContext) ScaleX() float64 {
	return float64(rc.Width) * rc.VoxelX / rc.FOV
}

// ScaleY converts a ky location in cycles per FOV into output grid units.
func (rc *RunContext) ScaleY() float64 {
	return float64(rc.Height) * rc.VoxelY / rc.FOV
}

// LagMap is a real per-voxel field with the spatial extent of the output.
type LagMap struct {
	Width, Height, Slices int

	// Data is stored x fastest, then y, then slice.
	Data []float64
}

// Slice returns the Width×Height plane of one slice.
func (m *LagMap) Slice(z int) []float64 {
	n := m.Width * m.Height
	return m.Data[z*n : (z+1)*n]
}

// Task is one unit of work: the image of one slice at one timepoint.
type Task struct {
	Time  int
	Slice int
}

// Result acknowledges a finished task. The image itself has already been
// written to the output store by the worker.
type Result struct {
	Time  int
	Slice int
}
