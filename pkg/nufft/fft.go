package nufft

// fft2 transforms the plan's oversampled grid in place: rows first, then
// columns. forward selects exp(-i) (gonum Coefficients); otherwise the
// unnormalised exp(+i) transform (gonum Sequence) is applied.
func (p *Plan) fft2(forward bool) {
	mrx, mry := p.ax.mr, p.ay.mr

	for y := 0; y < mry; y++ {
		row := p.grid[y*mrx : (y+1)*mrx]
		if forward {
			p.rowFFT.Coefficients(row, row)
		} else {
			p.rowFFT.Sequence(row, row)
		}
	}

	col := p.col
	for x := 0; x < mrx; x++ {
		for y := 0; y < mry; y++ {
			col[y] = p.grid[y*mrx+x]
		}
		if forward {
			p.colFFT.Coefficients(col, col)
		} else {
			p.colFFT.Sequence(col, col)
		}
		for y := 0; y < mry; y++ {
			p.grid[y*mrx+x] = col[y]
		}
	}
}
