// Package fit provides the parametric model fitting the refocus engine
// delegates to: 1D and 2D Gaussians with offset terms, fitted by
// derivative-free least squares on top of gonum/optimize.
package fit

import "math"

// Gaussian1DParams parameterises a 1D Gaussian on a linear background:
// f(x) = Amplitude * exp(-(x-Center)^2 / (2 Sigma^2)) + Slope*x + Offset.
type Gaussian1DParams struct {
	Amplitude float64
	Center    float64
	Sigma     float64
	Slope     float64
	Offset    float64
}

// Gaussian2DParams parameterises an axis-aligned 2D Gaussian on a constant
// background.
type Gaussian2DParams struct {
	Amplitude float64
	CenterX   float64
	CenterY   float64
	SigmaX    float64
	SigmaY    float64
	Offset    float64
}

// Result1D is the outcome of a 1D fit. Params are only meaningful when
// Success is true.
type Result1D struct {
	Success bool
	Params  Gaussian1DParams
}

// Result2D is the outcome of a 2D fit.
type Result2D struct {
	Success bool
	Params  Gaussian2DParams
}

// EvalGaussian1D evaluates the 1D model at x.
func EvalGaussian1D(x float64, p Gaussian1DParams) float64 {
	d := x - p.Center
	return p.Amplitude*math.Exp(-d*d/(2*p.Sigma*p.Sigma)) + p.Slope*x + p.Offset
}

// SampleGaussian1D evaluates the 1D model over an axis.
func SampleGaussian1D(xs []float64, p Gaussian1DParams) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = EvalGaussian1D(x, p)
	}
	return out
}

// EvalGaussian2D evaluates the 2D model at (x, y).
func EvalGaussian2D(x, y float64, p Gaussian2DParams) float64 {
	dx := x - p.CenterX
	dy := y - p.CenterY
	return p.Amplitude*math.Exp(-dx*dx/(2*p.SigmaX*p.SigmaX)-dy*dy/(2*p.SigmaY*p.SigmaY)) + p.Offset
}
