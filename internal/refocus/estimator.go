package refocus

import (
	"log"
	"math"

	"gonum.org/v1/gonum/floats"

	"refocus/internal/fit"
)

// FitResult is the strategy-agnostic outcome of estimating one axis: the
// proposed centre in physical units, its uncertainty, and whether the
// estimation succeeded. Both strategies produce this shape so the bounds
// validator does not care which one ran.
type FitResult struct {
	Center  float64
	Sigma   float64
	Success bool
}

// XYEstimate bundles the two axes of an XY estimation.
type XYEstimate struct {
	X FitResult
	Y FitResult
}

// ZEstimate is the outcome of a Z estimation. PixelShift is only set by
// the template path; it is the raw index shift of the convolution maximum,
// kept so the stored template can be realigned for the reported fit
// profile. FitCurve is the sampled fitted profile for reporting, nil when
// the fit failed.
type ZEstimate struct {
	Fit        FitResult
	PixelShift float64
	FitCurve   []float64
}

// PositionEstimator turns acquired scan data into candidate positions,
// either by parametric Gaussian fitting (delegated to the fit service) or
// by cross-correlating against the stored template.
type PositionEstimator struct {
	fit    fit.Service
	logger *log.Logger
}

// NewPositionEstimator wires an estimator to the fit service.
func NewPositionEstimator(svc fit.Service, logger *log.Logger) *PositionEstimator {
	if logger == nil {
		logger = log.Default()
	}
	return &PositionEstimator{fit: svc, logger: logger}
}

// FitXY estimates the emitter position from a completed XY image with a
// 2D Gaussian fit.
func (e *PositionEstimator) FitXY(img *XYImage, channel int) XYEstimate {
	n := len(img.X) * len(img.Y)
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	data := make([]float64, 0, n)
	for r := range img.Y {
		for c := range img.X {
			xs = append(xs, img.X[c])
			ys = append(ys, img.Y[r])
			v := 0.0
			if channel < len(img.Counts[r][c]) {
				v = img.Counts[r][c][channel]
			}
			data = append(data, v)
		}
	}

	res := e.fit.Gaussian2D(xs, ys, data)
	if !res.Success {
		e.logger.Printf("[estimator] 2D Gaussian fit was not successful")
		return XYEstimate{}
	}
	return XYEstimate{
		X: FitResult{Center: res.Params.CenterX, Sigma: res.Params.SigmaX, Success: true},
		Y: FitResult{Center: res.Params.CenterY, Sigma: res.Params.SigmaY, Success: true},
	}
}

// FitXYTemplate estimates the emitter position by convolving the stored
// template image against the live image and locating the convolution
// maximum. pos is the current best estimate the shift applies to. The
// template path reports success unconditionally; its uncertainty is one
// template pixel.
func (e *PositionEstimator) FitXYTemplate(img, tmpl *XYImage, channel int, pos [3]float64) XYEstimate {
	data := img.Channel(channel)
	template := tmpl.Channel(channel)
	if len(data) != len(template) || (len(data) > 0 && len(template) > 0 && len(data[0]) != len(template[0])) {
		e.logger.Printf("[estimator] xy template fit: data %dx%d and template %dx%d differ in shape; attempting the convolution anyway",
			len(data), cols(data), len(template), cols(template))
	}

	// Flip the template in both dimensions, then take the full
	// convolution. Filling the padded edges with min + 70% of
	// (mean - min) avoids spurious maxima at the borders.
	flipped := flip2D(template)
	fill := matMin(flipped) + 0.7*(matMean(flipped)-matMin(flipped))
	conv := convolveFull2D(flipped, data, fill)

	maxRow, maxCol := argmax2D(conv)
	rows := float64(len(conv))
	colsN := float64(cols(conv))
	// Half a pixel re-centres the index shift on the pixel middle.
	shiftCols := float64(maxCol) - colsN/2 + 0.5
	shiftRows := float64(maxRow) - rows/2 + 0.5

	resX := float64(len(img.X))
	resY := float64(len(img.Y))
	shiftX := shiftCols / resX * (floats.Max(img.X) - floats.Min(img.X))
	shiftY := shiftRows / resY * (floats.Max(img.Y) - floats.Min(img.Y))

	return XYEstimate{
		X: FitResult{
			Center:  pos[0] + shiftX,
			Sigma:   (floats.Max(img.X) - floats.Min(img.X)) / resX,
			Success: true,
		},
		Y: FitResult{
			Center:  pos[1] + shiftY,
			Sigma:   (floats.Max(img.Y) - floats.Min(img.Y)) / resY,
			Success: true,
		},
	}
}

// FitZ estimates the emitter Z position from a scanned profile with a 1D
// Gaussian fit. Under surface subtraction the data can go negative, so the
// offset bound is widened to the observed data range and the
// peak-constrained model is used.
func (e *PositionEstimator) FitZ(p *ZProfile, channel int, surfaceSubtraction bool) ZEstimate {
	data := p.Channel(channel)

	var res fit.Result1D
	if surfaceSubtraction {
		bound := floats.Max(data)
		res = e.fit.Gaussian1DPeak(p.Z, data, -bound, bound)
	} else {
		res = e.fit.Gaussian1D(p.Z, data)
	}
	if !res.Success {
		e.logger.Printf("[estimator] 1D Gaussian fit was not successful")
		return ZEstimate{}
	}
	return ZEstimate{
		Fit:      FitResult{Center: res.Params.Center, Sigma: res.Params.Sigma, Success: true},
		FitCurve: fit.SampleGaussian1D(p.Z, res.Params),
	}
}

// FitZTemplate estimates the Z position by convolving the reversed profile
// against the stored template line, then sub-pixel locating the
// convolution peak with a 1D Gaussian fit in index units. posZ is the
// current best estimate the shift applies to.
func (e *PositionEstimator) FitZTemplate(p, tmpl *ZProfile, channel int, posZ float64) ZEstimate {
	data := p.Channel(channel)
	template := tmpl.Channel(channel)
	if len(data) != len(template) {
		e.logger.Printf("[estimator] z template fit: data length %d and template length %d differ; attempting the convolution anyway",
			len(data), len(template))
	}

	reversed := make([]float64, len(data))
	for i, v := range data {
		reversed[len(data)-1-i] = v
	}
	edge := (reversed[0] + reversed[len(reversed)-1]) / 2
	conv := convolve1DCentered(reversed, template, edge)

	// Sub-pixel peak of the convolution profile, fitted in index units.
	idx := floats.Span(make([]float64, len(conv)), 0, float64(len(conv)-1))
	res := e.fit.Gaussian1D(idx, conv)
	peak := float64(argmax1D(conv))
	if res.Success {
		peak = res.Params.Center
	} else {
		e.logger.Printf("[estimator] z template fit: peak fit failed, using convolution maximum")
	}

	convSize := float64(len(conv))
	indexShift := clamp(peak, 0, convSize) - convSize/2
	shift := indexShift / float64(len(template)) * (floats.Max(p.Z) - floats.Min(p.Z))

	return ZEstimate{
		Fit:        FitResult{Center: posZ - shift, Sigma: 0, Success: true},
		PixelShift: indexShift,
	}
}

// RealignTemplate samples the stored template at indices shifted by the
// convolution's pixel shift, producing the fit profile reported for a
// template match. Linear interpolation, edges clamped.
func RealignTemplate(template []float64, pixelShift float64, n int) []float64 {
	out := make([]float64, n)
	last := float64(len(template) - 1)
	for i := range out {
		x := clamp(float64(i)+pixelShift, 0, last)
		lo := int(math.Floor(x))
		hi := int(math.Ceil(x))
		if lo == hi {
			out[i] = template[lo]
			continue
		}
		frac := x - float64(lo)
		out[i] = template[lo]*(1-frac) + template[hi]*frac
	}
	return out
}

// convolveFull2D computes the full 2D convolution of a and b. Samples of a
// outside its bounds take the fill value, so near the border every data
// sample still meets a constant instead of an implicit zero.
func convolveFull2D(a, b [][]float64, fill float64) [][]float64 {
	ra, ca := len(a), cols(a)
	rb, cb := len(b), cols(b)
	out := make([][]float64, ra+rb-1)
	for m := range out {
		out[m] = make([]float64, ca+cb-1)
		for n := range out[m] {
			var sum float64
			for i := 0; i < rb; i++ {
				ai := m - i
				for j := 0; j < cb; j++ {
					aj := n - j
					v := fill
					if ai >= 0 && ai < ra && aj >= 0 && aj < ca {
						v = a[ai][aj]
					}
					sum += b[i][j] * v
				}
			}
			out[m][n] = sum
		}
	}
	return out
}

// convolve1DCentered convolves data with a centred kernel, same-size
// output, constant padding.
func convolve1DCentered(data, kernel []float64, cval float64) []float64 {
	n := len(data)
	m := len(kernel)
	c := m / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < m; j++ {
			k := i + c - j
			v := cval
			if k >= 0 && k < n {
				v = data[k]
			}
			sum += kernel[j] * v
		}
		out[i] = sum
	}
	return out
}

func flip2D(a [][]float64) [][]float64 {
	r := len(a)
	out := make([][]float64, r)
	for i, row := range a {
		c := len(row)
		flipped := make([]float64, c)
		for j, v := range row {
			flipped[c-1-j] = v
		}
		out[r-1-i] = flipped
	}
	return out
}

func argmax2D(a [][]float64) (row, col int) {
	best := math.Inf(-1)
	for r, rowVals := range a {
		for c, v := range rowVals {
			if v > best {
				best = v
				row, col = r, c
			}
		}
	}
	return row, col
}

func argmax1D(a []float64) int {
	best := math.Inf(-1)
	idx := 0
	for i, v := range a {
		if v > best {
			best = v
			idx = i
		}
	}
	return idx
}

func cols(a [][]float64) int {
	if len(a) == 0 {
		return 0
	}
	return len(a[0])
}

func matMin(a [][]float64) float64 {
	best := math.Inf(1)
	for _, row := range a {
		for _, v := range row {
			if v < best {
				best = v
			}
		}
	}
	return best
}

func matMean(a [][]float64) float64 {
	var sum float64
	var n int
	for _, row := range a {
		for _, v := range row {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
