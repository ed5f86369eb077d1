package refocus

import "gonum.org/v1/gonum/floats"

// clampWindow clips a scan window's edges to the physical axis range. The
// edges are clamped rather than the individual points so the resulting grid
// keeps uniform spacing even when it abuts a travel boundary.
func clampWindow(center, halfSize float64, rng [2]float64) (lo, hi float64) {
	lo = clamp(center-halfSize, rng[0], rng[1])
	hi = clamp(center+halfSize, rng[0], rng[1])
	return lo, hi
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// axisSpan builds an evenly spaced coordinate sequence of res points across
// the clamped window.
func axisSpan(center, halfSize float64, rng [2]float64, res int) []float64 {
	lo, hi := clampWindow(center, halfSize, rng)
	return floats.Span(make([]float64, res), lo, hi)
}

// XYGrid holds the coordinates of one XY calibration scan: res points per
// axis, a fixed Z plane, and the reversed X sweep used to reposition the
// probe at the start of the next line without a full retrace move.
type XYGrid struct {
	X       []float64
	Y       []float64
	ReturnX []float64
	Z       float64
}

// BuildXYGrid computes a clamped XY grid of size x size metres centred on
// the current best estimate.
func BuildXYGrid(center [3]float64, size float64, res int, xRange, yRange [2]float64) *XYGrid {
	x := axisSpan(center[0], size/2, xRange, res)
	y := axisSpan(center[1], size/2, yRange, res)
	returnX := make([]float64, res)
	for i, v := range x {
		returnX[res-1-i] = v
	}
	return &XYGrid{X: x, Y: y, ReturnX: returnX, Z: center[2]}
}

// ZLine holds the coordinates of one Z calibration line, forward only.
type ZLine struct {
	Z  []float64
	X0 float64
	Y0 float64
}

// BuildZLine computes a clamped Z line of size metres centred on the
// current best estimate.
func BuildZLine(center [3]float64, size float64, res int, zRange [2]float64) *ZLine {
	return &ZLine{
		Z:  axisSpan(center[2], size/2, zRange, res),
		X0: center[0],
		Y0: center[1],
	}
}

// XYImage is an XY grid plus the per-channel counts recorded while
// scanning it. Counts is indexed [row][col][channel], rows following Y.
type XYImage struct {
	X      []float64
	Y      []float64
	Z      float64
	Counts [][][]float64
}

// NewXYImage allocates a zeroed image over the given grid.
func NewXYImage(grid *XYGrid, channels int) *XYImage {
	counts := make([][][]float64, len(grid.Y))
	for r := range counts {
		counts[r] = make([][]float64, len(grid.X))
		for c := range counts[r] {
			counts[r][c] = make([]float64, channels)
		}
	}
	return &XYImage{
		X:      append([]float64(nil), grid.X...),
		Y:      append([]float64(nil), grid.Y...),
		Z:      grid.Z,
		Counts: counts,
	}
}

// Channel extracts one channel as a [row][col] matrix.
func (img *XYImage) Channel(ch int) [][]float64 {
	out := make([][]float64, len(img.Counts))
	for r, row := range img.Counts {
		out[r] = make([]float64, len(row))
		for c, point := range row {
			if ch < len(point) {
				out[r][c] = point[ch]
			}
		}
	}
	return out
}

// Clone deep-copies the image.
func (img *XYImage) Clone() *XYImage {
	if img == nil {
		return nil
	}
	out := &XYImage{
		X:      append([]float64(nil), img.X...),
		Y:      append([]float64(nil), img.Y...),
		Z:      img.Z,
		Counts: make([][][]float64, len(img.Counts)),
	}
	for r, row := range img.Counts {
		out.Counts[r] = make([][]float64, len(row))
		for c, point := range row {
			out.Counts[r][c] = append([]float64(nil), point...)
		}
	}
	return out
}

// ZProfile is a Z line plus the per-channel counts recorded along it,
// indexed [point][channel].
type ZProfile struct {
	Z      []float64
	Counts [][]float64
}

// NewZProfile allocates a zeroed profile over the given line.
func NewZProfile(line *ZLine, channels int) *ZProfile {
	counts := make([][]float64, len(line.Z))
	for i := range counts {
		counts[i] = make([]float64, channels)
	}
	return &ZProfile{Z: append([]float64(nil), line.Z...), Counts: counts}
}

// Channel extracts one channel of the profile.
func (p *ZProfile) Channel(ch int) []float64 {
	out := make([]float64, len(p.Counts))
	for i, point := range p.Counts {
		if ch < len(point) {
			out[i] = point[ch]
		}
	}
	return out
}

// Clone deep-copies the profile.
func (p *ZProfile) Clone() *ZProfile {
	if p == nil {
		return nil
	}
	out := &ZProfile{
		Z:      append([]float64(nil), p.Z...),
		Counts: make([][]float64, len(p.Counts)),
	}
	for i, point := range p.Counts {
		out.Counts[i] = append([]float64(nil), point...)
	}
	return out
}
