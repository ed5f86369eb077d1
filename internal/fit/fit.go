package fit

import (
	"io"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Service is the fitting contract the refocus engine consumes. All three
// calls are total: a fit that cannot be performed comes back with
// Success=false rather than an error.
type Service interface {
	// Gaussian2D fits an axis-aligned 2D Gaussian with constant offset to
	// scattered samples. x, y and data must have equal length.
	Gaussian2D(x, y, data []float64) Result2D

	// Gaussian1D fits a 1D Gaussian with linear offset, seeded by a peak
	// estimator.
	Gaussian1D(x, data []float64) Result1D

	// Gaussian1DPeak is the peak-constrained variant with explicit offset
	// bounds, used when background subtraction can push data negative.
	Gaussian1DPeak(x, data []float64, offsetMin, offsetMax float64) Result1D
}

// Fitter implements Service with Nelder-Mead least squares. The simplex
// method needs no gradients and tolerates the flat plateaus a mostly-empty
// scan image produces.
type Fitter struct {
	Logger *log.Logger
}

// NewFitter returns a Fitter that logs fit failures to the default logger.
func NewFitter() *Fitter {
	return &Fitter{Logger: log.Default()}
}

// NewQuietFitter returns a Fitter that discards log output, for tests.
func NewQuietFitter() *Fitter {
	return &Fitter{Logger: log.New(io.Discard, "", 0)}
}

func (f *Fitter) minimize(residual func([]float64) float64, x0 []float64) ([]float64, bool) {
	problem := optimize.Problem{Func: residual}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		f.Logger.Printf("[fit] minimisation failed: %v", err)
		return nil, false
	}
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			f.Logger.Printf("[fit] minimisation produced non-finite parameters")
			return nil, false
		}
	}
	return result.X, true
}

func (f *Fitter) Gaussian2D(x, y, data []float64) Result2D {
	if len(x) != len(y) || len(x) != len(data) || len(x) < 6 {
		f.Logger.Printf("[fit] 2D fit needs matched axes and at least 6 samples, got %d/%d/%d",
			len(x), len(y), len(data))
		return Result2D{}
	}

	est := estimate2D(x, y, data)
	x0 := []float64{est.Amplitude, est.CenterX, est.CenterY, est.SigmaX, est.SigmaY, est.Offset}
	sigmaFloor := minSpacing(x) / 10

	residual := func(p []float64) float64 {
		if p[3] < sigmaFloor || p[4] < sigmaFloor {
			return math.MaxFloat64 / 4
		}
		q := Gaussian2DParams{
			Amplitude: p[0], CenterX: p[1], CenterY: p[2],
			SigmaX: p[3], SigmaY: p[4], Offset: p[5],
		}
		var sse float64
		for i := range data {
			d := data[i] - EvalGaussian2D(x[i], y[i], q)
			sse += d * d
		}
		return sse
	}

	best, ok := f.minimize(residual, x0)
	if !ok {
		return Result2D{}
	}
	return Result2D{
		Success: true,
		Params: Gaussian2DParams{
			Amplitude: best[0], CenterX: best[1], CenterY: best[2],
			SigmaX: math.Abs(best[3]), SigmaY: math.Abs(best[4]), Offset: best[5],
		},
	}
}

func (f *Fitter) Gaussian1D(x, data []float64) Result1D {
	return f.fit1D(x, data, math.Inf(-1), math.Inf(1))
}

func (f *Fitter) Gaussian1DPeak(x, data []float64, offsetMin, offsetMax float64) Result1D {
	return f.fit1D(x, data, offsetMin, offsetMax)
}

func (f *Fitter) fit1D(x, data []float64, offsetMin, offsetMax float64) Result1D {
	if len(x) != len(data) || len(x) < 5 {
		f.Logger.Printf("[fit] 1D fit needs a matched axis and at least 5 samples, got %d/%d",
			len(x), len(data))
		return Result1D{}
	}

	est := estimate1DPeak(x, data)
	if est.Offset < offsetMin {
		est.Offset = offsetMin
	}
	if est.Offset > offsetMax {
		est.Offset = offsetMax
	}
	x0 := []float64{est.Amplitude, est.Center, est.Sigma, est.Slope, est.Offset}
	sigmaFloor := minSpacing(x) / 10

	residual := func(p []float64) float64 {
		if p[2] < sigmaFloor || p[4] < offsetMin || p[4] > offsetMax {
			return math.MaxFloat64 / 4
		}
		q := Gaussian1DParams{Amplitude: p[0], Center: p[1], Sigma: p[2], Slope: p[3], Offset: p[4]}
		var sse float64
		for i := range data {
			d := data[i] - EvalGaussian1D(x[i], q)
			sse += d * d
		}
		return sse
	}

	best, ok := f.minimize(residual, x0)
	if !ok {
		return Result1D{}
	}
	return Result1D{
		Success: true,
		Params: Gaussian1DParams{
			Amplitude: best[0], Center: best[1], Sigma: math.Abs(best[2]),
			Slope: best[3], Offset: best[4],
		},
	}
}

// estimate1DPeak seeds the 1D fit from data moments: the offset from the
// edge samples, the centre from the count-weighted mean above offset, the
// width from the weighted second moment.
func estimate1DPeak(x, data []float64) Gaussian1DParams {
	n := len(data)
	offset := (data[0] + data[n-1]) / 2
	peak := floats.Max(data)

	var wsum, csum float64
	for i, v := range data {
		w := v - offset
		if w < 0 {
			w = 0
		}
		wsum += w
		csum += w * x[i]
	}
	center := x[n/2]
	if wsum > 0 {
		center = csum / wsum
	}

	var vsum float64
	for i, v := range data {
		w := v - offset
		if w < 0 {
			w = 0
		}
		d := x[i] - center
		vsum += w * d * d
	}
	sigma := (x[n-1] - x[0]) / 4
	if wsum > 0 && vsum > 0 {
		sigma = math.Sqrt(vsum / wsum)
	}
	if sigma <= 0 {
		sigma = minSpacing(x)
	}

	return Gaussian1DParams{
		Amplitude: peak - offset,
		Center:    center,
		Sigma:     sigma,
		Slope:     0,
		Offset:    offset,
	}
}

// estimate2D seeds the 2D fit the same way, per axis.
func estimate2D(x, y, data []float64) Gaussian2DParams {
	offset := floats.Min(data)
	peak := floats.Max(data)

	var wsum, cx, cy float64
	for i, v := range data {
		w := v - offset
		wsum += w
		cx += w * x[i]
		cy += w * y[i]
	}
	centerX := floats.Sum(x) / float64(len(x))
	centerY := floats.Sum(y) / float64(len(y))
	if wsum > 0 {
		centerX = cx / wsum
		centerY = cy / wsum
	}

	var vx, vy float64
	for i, v := range data {
		w := v - offset
		dx := x[i] - centerX
		dy := y[i] - centerY
		vx += w * dx * dx
		vy += w * dy * dy
	}
	sigmaX := (floats.Max(x) - floats.Min(x)) / 4
	sigmaY := (floats.Max(y) - floats.Min(y)) / 4
	if wsum > 0 && vx > 0 {
		sigmaX = math.Sqrt(vx / wsum)
	}
	if wsum > 0 && vy > 0 {
		sigmaY = math.Sqrt(vy / wsum)
	}

	return Gaussian2DParams{
		Amplitude: peak - offset,
		CenterX:   centerX,
		CenterY:   centerY,
		SigmaX:    sigmaX,
		SigmaY:    sigmaY,
		Offset:    offset,
	}
}

// minSpacing returns the smallest gap between consecutive axis values,
// falling back to 1 for degenerate axes. Axis values are assumed ordered.
func minSpacing(x []float64) float64 {
	best := math.Inf(1)
	for i := 1; i < len(x); i++ {
		if d := math.Abs(x[i] - x[i-1]); d > 0 && d < best {
			best = d
		}
	}
	if math.IsInf(best, 1) {
		return 1
	}
	return best
}
