package fit

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestGaussian1DRecoversParameters(t *testing.T) {
	truth := Gaussian1DParams{
		Amplitude: 120000,
		Center:    50.2e-6,
		Sigma:     0.5e-6,
		Slope:     0,
		Offset:    3000,
	}
	x := floats.Span(make([]float64, 30), 49e-6, 51e-6)
	data := SampleGaussian1D(x, truth)

	res := NewQuietFitter().Gaussian1D(x, data)
	if !res.Success {
		t.Fatal("fit on noiseless data did not succeed")
	}
	spacing := x[1] - x[0]
	if math.Abs(res.Params.Center-truth.Center) > spacing/2 {
		t.Errorf("centre %g, want %g", res.Params.Center, truth.Center)
	}
	if math.Abs(res.Params.Sigma-truth.Sigma) > truth.Sigma/10 {
		t.Errorf("sigma %g, want %g", res.Params.Sigma, truth.Sigma)
	}
	if math.Abs(res.Params.Amplitude-truth.Amplitude) > truth.Amplitude/10 {
		t.Errorf("amplitude %g, want %g", res.Params.Amplitude, truth.Amplitude)
	}
}

func TestGaussian1DPeakHonoursOffsetBounds(t *testing.T) {
	// Surface-subtracted data: a peak riding on a negative baseline.
	truth := Gaussian1DParams{
		Amplitude: 50000,
		Center:    50.1e-6,
		Sigma:     0.4e-6,
		Offset:    -4000,
	}
	x := floats.Span(make([]float64, 30), 49e-6, 51e-6)
	data := SampleGaussian1D(x, truth)

	bound := floats.Max(data)
	res := NewQuietFitter().Gaussian1DPeak(x, data, -bound, bound)
	if !res.Success {
		t.Fatal("peak fit on noiseless data did not succeed")
	}
	spacing := x[1] - x[0]
	if math.Abs(res.Params.Center-truth.Center) > spacing/2 {
		t.Errorf("centre %g, want %g", res.Params.Center, truth.Center)
	}
	if res.Params.Offset < -bound || res.Params.Offset > bound {
		t.Errorf("offset %g escaped its bounds [%g, %g]", res.Params.Offset, -bound, bound)
	}
}

func TestGaussian2DRecoversParameters(t *testing.T) {
	truth := Gaussian2DParams{
		Amplitude: 150000,
		CenterX:   50.08e-6,
		CenterY:   49.93e-6,
		SigmaX:    0.2e-6,
		SigmaY:    0.25e-6,
		Offset:    2000,
	}
	axis := floats.Span(make([]float64, 12), 49.7e-6, 50.3e-6)

	var xs, ys, data []float64
	for _, y := range axis {
		for _, x := range axis {
			xs = append(xs, x)
			ys = append(ys, y)
			data = append(data, EvalGaussian2D(x, y, truth))
		}
	}

	res := NewQuietFitter().Gaussian2D(xs, ys, data)
	if !res.Success {
		t.Fatal("2D fit on noiseless data did not succeed")
	}
	spacing := axis[1] - axis[0]
	if math.Abs(res.Params.CenterX-truth.CenterX) > spacing/2 {
		t.Errorf("centre x %g, want %g", res.Params.CenterX, truth.CenterX)
	}
	if math.Abs(res.Params.CenterY-truth.CenterY) > spacing/2 {
		t.Errorf("centre y %g, want %g", res.Params.CenterY, truth.CenterY)
	}
	if res.Params.SigmaX <= 0 || res.Params.SigmaY <= 0 {
		t.Errorf("non-positive sigmas %g/%g", res.Params.SigmaX, res.Params.SigmaY)
	}
}

func TestFitRejectsDegenerateInput(t *testing.T) {
	f := NewQuietFitter()

	if res := f.Gaussian1D([]float64{1, 2, 3}, []float64{1, 2, 3}); res.Success {
		t.Error("1D fit on 3 samples must not succeed")
	}
	if res := f.Gaussian1D([]float64{1, 2, 3, 4, 5}, []float64{1, 2, 3}); res.Success {
		t.Error("1D fit on mismatched lengths must not succeed")
	}
	if res := f.Gaussian2D([]float64{1, 2}, []float64{1, 2}, []float64{1, 2}); res.Success {
		t.Error("2D fit on 2 samples must not succeed")
	}
}

func TestEstimate1DPeakSeedsNearTruth(t *testing.T) {
	truth := Gaussian1DParams{Amplitude: 1000, Center: 5, Sigma: 0.8, Offset: 50}
	x := floats.Span(make([]float64, 21), 0, 10)
	data := SampleGaussian1D(x, truth)

	est := estimate1DPeak(x, data)
	if math.Abs(est.Center-truth.Center) > 0.5 {
		t.Errorf("seeded centre %g, want near %g", est.Center, truth.Center)
	}
	if est.Sigma <= 0 {
		t.Errorf("seeded sigma %g, want positive", est.Sigma)
	}
	if math.Abs(est.Offset-truth.Offset) > 1 {
		t.Errorf("seeded offset %g, want near %g", est.Offset, truth.Offset)
	}
}

func TestMinSpacing(t *testing.T) {
	if got := minSpacing([]float64{0, 1, 3, 3.5}); got != 0.5 {
		t.Errorf("minSpacing = %g, want 0.5", got)
	}
	// A degenerate axis falls back to 1.
	if got := minSpacing([]float64{2, 2, 2}); got != 1 {
		t.Errorf("minSpacing on a constant axis = %g, want 1", got)
	}
}
