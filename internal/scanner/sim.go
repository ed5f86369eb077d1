package scanner

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// SimDevice is an in-memory Device that synthesises counts from a single
// Gaussian emitter. It stands in for real hardware in tests and in the
// simulator binary, and can inject failures at configurable points.
type SimDevice struct {
	mu sync.Mutex

	// Emitter parameters. Counts follow
	// amplitude * exp(-((x-ex)^2+(y-ey)^2)/(2*sigma^2)) * exp(-(z-ez)^2/(2*sigmaZ^2)) + background.
	Emitter    [3]float64
	Amplitude  float64
	Sigma      float64
	SigmaZ     float64
	Background float64

	// Noise, when non-nil, adds uniform counting noise in [0, NoiseLevel).
	Noise      *rand.Rand
	NoiseLevel float64

	// FailAfterLines makes the Nth ScanLine call (1-based) return sentinel
	// counts. Zero disables failure injection.
	FailAfterLines int

	// FailClock / FailScanner make the respective setup call fail.
	FailClock   bool
	FailScanner bool

	ranges   [3][2]float64
	axes     []string
	channels []string
	pos      []float64

	scanCalls    int
	clockSetups  int
	scannerOpen  bool
	CloseCalls   int
	ClockHz      int
	ScannedLines [][][]float64 // every trace handed to ScanLine, for tests
}

// NewSimDevice returns a simulated 3-axis, single-channel device with a
// 100x100x100 micrometre travel and an emitter at the centre of range.
func NewSimDevice() *SimDevice {
	r := [3][2]float64{{0, 100e-6}, {0, 100e-6}, {0, 100e-6}}
	return &SimDevice{
		Emitter:    [3]float64{50e-6, 50e-6, 50e-6},
		Amplitude:  150000,
		Sigma:      0.25e-6,
		SigmaZ:     0.7e-6,
		Background: 2000,
		ranges:     r,
		axes:       []string{"x", "y", "z"},
		channels:   []string{"apd0"},
		pos:        []float64{50e-6, 50e-6, 50e-6},
	}
}

// UseAuxAxis switches the device to four axes, as some scan hardware
// exposes an auxiliary output that must be driven during scans.
func (d *SimDevice) UseAuxAxis() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.axes = []string{"x", "y", "z", "a"}
	d.pos = append(d.pos[:3:3], 0)
}

func (d *SimDevice) PositionRange() [3][2]float64 { return d.ranges }

func (d *SimDevice) ScannerAxes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.axes...)
}

func (d *SimDevice) CountChannels() []string {
	return append([]string(nil), d.channels...)
}

func (d *SimDevice) SetUpClock(frequencyHz int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailClock {
		return fmt.Errorf("sim clock setup failed")
	}
	d.ClockHz = frequencyHz
	d.clockSetups++
	return nil
}

func (d *SimDevice) SetUpScanner() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailScanner {
		return fmt.Errorf("sim scanner setup failed")
	}
	d.scannerOpen = true
	return nil
}

func (d *SimDevice) ScanLine(line [][]float64) ([][]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(line) != len(d.axes) {
		return nil, fmt.Errorf("scan line has %d axis rows, device has %d axes", len(line), len(d.axes))
	}
	n := len(line[0])
	for _, row := range line {
		if len(row) != n {
			return nil, fmt.Errorf("ragged scan line")
		}
	}

	d.scanCalls++
	d.ScannedLines = append(d.ScannedLines, copyLine(line))

	counts := make([][]float64, n)
	failed := d.FailAfterLines > 0 && d.scanCalls >= d.FailAfterLines
	for i := 0; i < n; i++ {
		counts[i] = make([]float64, len(d.channels))
		for c := range d.channels {
			if failed {
				counts[i][c] = Sentinel
				continue
			}
			counts[i][c] = d.countAt(line[0][i], line[1][i], line[2][i])
		}
	}

	// The probe parks at the last point of the trace.
	for ax := range d.pos {
		if ax < len(line) {
			d.pos[ax] = line[ax][n-1]
		}
	}
	return counts, nil
}

func (d *SimDevice) countAt(x, y, z float64) float64 {
	dx := x - d.Emitter[0]
	dy := y - d.Emitter[1]
	dz := z - d.Emitter[2]
	lateral := math.Exp(-(dx*dx + dy*dy) / (2 * d.Sigma * d.Sigma))
	axial := math.Exp(-(dz * dz) / (2 * d.SigmaZ * d.SigmaZ))
	v := d.Amplitude*lateral*axial + d.Background
	if d.Noise != nil && d.NoiseLevel > 0 {
		v += d.Noise.Float64() * d.NoiseLevel
	}
	return v
}

func (d *SimDevice) CloseScanner() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scannerOpen = false
	d.CloseCalls++
	return nil
}

func (d *SimDevice) CloseClock() error { return nil }

func (d *SimDevice) Position() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.pos...)
}

// MoveTo teleports the simulated probe, for test setup.
func (d *SimDevice) MoveTo(pos []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.pos, pos)
}

// ScanCalls returns how many times ScanLine has been invoked.
func (d *SimDevice) ScanCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanCalls
}

func copyLine(line [][]float64) [][]float64 {
	out := make([][]float64, len(line))
	for i, row := range line {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
