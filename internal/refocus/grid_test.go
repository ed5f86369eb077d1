package refocus

import (
	"math"
	"testing"
)

func TestBuildXYGridStaysInRange(t *testing.T) {
	xr := [2]float64{0, 100e-6}
	yr := [2]float64{0, 100e-6}

	testCases := []struct {
		name   string
		center [3]float64
	}{
		{"mid_range", [3]float64{50e-6, 50e-6, 50e-6}},
		{"at_low_edge", [3]float64{0, 0, 50e-6}},
		{"at_high_edge", [3]float64{100e-6, 100e-6, 50e-6}},
		{"near_low_edge", [3]float64{0.1e-6, 0.1e-6, 50e-6}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			grid := BuildXYGrid(tc.center, 0.6e-6, 10, xr, yr)
			for _, v := range grid.X {
				if v < xr[0] || v > xr[1] {
					t.Errorf("X coordinate %g outside range %v", v, xr)
				}
			}
			for _, v := range grid.Y {
				if v < yr[0] || v > yr[1] {
					t.Errorf("Y coordinate %g outside range %v", v, yr)
				}
			}
		})
	}
}

func TestGridSpacingUniformWhenClipped(t *testing.T) {
	xr := [2]float64{0, 100e-6}
	// Window [−0.3µm, 0.3µm] clips to [0, 0.3µm].
	grid := BuildXYGrid([3]float64{0, 50e-6, 50e-6}, 0.6e-6, 10, xr, xr)

	want := 0.3e-6 / 9 // clipped span / (res-1)
	for i := 1; i < len(grid.X); i++ {
		got := grid.X[i] - grid.X[i-1]
		if math.Abs(got-want) > 1e-15 {
			t.Fatalf("spacing between points %d and %d is %g, want %g", i-1, i, got, want)
		}
	}
}

func TestReturnTraceIsReversedForwardSweep(t *testing.T) {
	grid := BuildXYGrid([3]float64{50e-6, 50e-6, 50e-6}, 0.6e-6, 10, [2]float64{0, 100e-6}, [2]float64{0, 100e-6})
	if len(grid.ReturnX) != len(grid.X) {
		t.Fatalf("return trace has %d points, forward has %d", len(grid.ReturnX), len(grid.X))
	}
	for i := range grid.X {
		if grid.ReturnX[i] != grid.X[len(grid.X)-1-i] {
			t.Errorf("ReturnX[%d] = %g, want %g", i, grid.ReturnX[i], grid.X[len(grid.X)-1-i])
		}
	}
}

func TestBuildZLineClamped(t *testing.T) {
	zr := [2]float64{0, 100e-6}
	line := BuildZLine([3]float64{10e-6, 20e-6, 99.5e-6}, 2e-6, 30, zr)

	if line.X0 != 10e-6 || line.Y0 != 20e-6 {
		t.Errorf("lateral position (%g, %g), want (1e-05, 2e-05)", line.X0, line.Y0)
	}
	for _, z := range line.Z {
		if z < zr[0] || z > zr[1] {
			t.Errorf("Z coordinate %g outside range %v", z, zr)
		}
	}
	if got := line.Z[len(line.Z)-1]; got != zr[1] {
		t.Errorf("clipped line should end at range max, got %g", got)
	}

	want := (zr[1] - 98.5e-6) / 29
	for i := 1; i < len(line.Z); i++ {
		if math.Abs((line.Z[i]-line.Z[i-1])-want) > 1e-15 {
			t.Fatalf("Z spacing not uniform after clipping")
		}
	}
}

func TestXYImageChannelExtraction(t *testing.T) {
	grid := BuildXYGrid([3]float64{50e-6, 50e-6, 50e-6}, 0.6e-6, 4, [2]float64{0, 100e-6}, [2]float64{0, 100e-6})
	img := NewXYImage(grid, 2)
	img.Counts[1][2][0] = 7
	img.Counts[1][2][1] = 9

	ch0 := img.Channel(0)
	ch1 := img.Channel(1)
	if ch0[1][2] != 7 || ch1[1][2] != 9 {
		t.Errorf("channel extraction got %g/%g, want 7/9", ch0[1][2], ch1[1][2])
	}

	clone := img.Clone()
	clone.Counts[1][2][0] = 1
	if img.Counts[1][2][0] != 7 {
		t.Errorf("clone shares backing storage with original")
	}
}
