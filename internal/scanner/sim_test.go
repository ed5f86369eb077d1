package scanner

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func emitterLine(dev *SimDevice, n int) [][]float64 {
	// A line through the emitter along X.
	x := floats.Span(make([]float64, n), 45e-6, 55e-6)
	y := make([]float64, n)
	z := make([]float64, n)
	for i := range y {
		y[i] = dev.Emitter[1]
		z[i] = dev.Emitter[2]
	}
	return [][]float64{x, y, z}
}

func TestSimDeviceCountsPeakAtEmitter(t *testing.T) {
	dev := NewSimDevice()
	counts, err := dev.ScanLine(emitterLine(dev, 101))
	if err != nil {
		t.Fatalf("ScanLine: %v", err)
	}

	best, bestIdx := math.Inf(-1), 0
	for i, point := range counts {
		if point[0] > best {
			best, bestIdx = point[0], i
		}
	}
	// The emitter sits at the midpoint of the 45..55µm sweep.
	if bestIdx != 50 {
		t.Errorf("peak at sample %d, want 50", bestIdx)
	}
	if math.Abs(best-(dev.Amplitude+dev.Background)) > 1 {
		t.Errorf("peak count %g, want amplitude plus background %g", best, dev.Amplitude+dev.Background)
	}
	// Far from the emitter only the background remains.
	if math.Abs(counts[0][0]-dev.Background) > 1 {
		t.Errorf("edge count %g, want the background %g", counts[0][0], dev.Background)
	}
}

func TestSimDeviceSentinelInjection(t *testing.T) {
	dev := NewSimDevice()
	dev.FailAfterLines = 2

	counts, err := dev.ScanLine(emitterLine(dev, 10))
	if err != nil {
		t.Fatalf("first ScanLine: %v", err)
	}
	if HasSentinel(counts) {
		t.Error("first line must not carry the sentinel")
	}

	counts, err = dev.ScanLine(emitterLine(dev, 10))
	if err != nil {
		t.Fatalf("second ScanLine: %v", err)
	}
	if !HasSentinel(counts) {
		t.Error("second line must carry the sentinel")
	}
	for i, point := range counts {
		if point[0] != Sentinel {
			t.Fatalf("sample %d is %g, want every sample at the sentinel", i, point[0])
		}
	}
}

func TestSimDeviceParksAtTraceEnd(t *testing.T) {
	dev := NewSimDevice()
	line := emitterLine(dev, 10)
	if _, err := dev.ScanLine(line); err != nil {
		t.Fatalf("ScanLine: %v", err)
	}
	pos := dev.Position()
	if pos[0] != line[0][9] || pos[1] != line[1][9] || pos[2] != line[2][9] {
		t.Errorf("parked at %v, want the last trace point", pos)
	}
}

func TestSimDeviceRejectsMalformedLines(t *testing.T) {
	dev := NewSimDevice()

	// Too few axis rows.
	if _, err := dev.ScanLine([][]float64{{1}, {2}}); err == nil {
		t.Error("a 2-row line must be rejected by a 3-axis device")
	}
	// Ragged rows.
	if _, err := dev.ScanLine([][]float64{{1, 2}, {1, 2}, {1}}); err == nil {
		t.Error("a ragged line must be rejected")
	}

	dev.UseAuxAxis()
	if _, err := dev.ScanLine([][]float64{{1}, {2}, {3}}); err == nil {
		t.Error("a 3-row line must be rejected by a 4-axis device")
	}
}

func TestHasSentinel(t *testing.T) {
	if HasSentinel([][]float64{{1, 2}, {3, 4}}) {
		t.Error("clean counts must not report a sentinel")
	}
	if !HasSentinel([][]float64{{1, 2}, {Sentinel, 4}}) {
		t.Error("a single failed sample must be detected")
	}
}
