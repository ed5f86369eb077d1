package refocus

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/floats"

	"refocus/internal/scanner"
)

// ErrScanFailed is returned when the device reports the error sentinel for
// any sample of a line. A failed line aborts the whole run; there is no
// per-line retry.
var ErrScanFailed = errors.New("scan line reported the device error sentinel")

// LineScanDriver executes scan grids and lines against the device, one
// hardware line at a time. It owns no run state beyond the device handle;
// the sequencer decides which line to scan next.
type LineScanDriver struct {
	dev      scanner.Device
	logger   *log.Logger
	settle   time.Duration
	slowness int
	sleep    func(time.Duration) // overridable for tests
}

// NewLineScanDriver wires a driver to the device. slowness is the point
// count of the reduced-step move-to-start trace, settle the pause after it.
func NewLineScanDriver(dev scanner.Device, slowness int, settle time.Duration, logger *log.Logger) *LineScanDriver {
	if logger == nil {
		logger = log.Default()
	}
	return &LineScanDriver{
		dev:      dev,
		logger:   logger,
		settle:   settle,
		slowness: slowness,
		sleep:    time.Sleep,
	}
}

// buildTrace assembles a coordinate matrix for the device from per-axis
// rows, appending a constant auxiliary row when the device exposes a
// fourth axis.
func (d *LineScanDriver) buildTrace(x, y, z []float64, aux float64) [][]float64 {
	nAxes := len(d.dev.ScannerAxes())
	rows := [][]float64{x, y, z}
	if nAxes <= 3 {
		return rows[:nAxes]
	}
	auxRow := make([]float64, len(x))
	for i := range auxRow {
		auxRow[i] = aux
	}
	return append(rows, auxRow)
}

// MoveToStart moves the probe from wherever it is to the target at reduced
// step count, then pauses for the hardware settle time. Counts recorded
// during the move are discarded.
func (d *LineScanDriver) MoveToStart(target [3]float64) error {
	pos := d.dev.Position()
	n := d.slowness
	x := floats.Span(make([]float64, n), pos[0], target[0])
	y := floats.Span(make([]float64, n), pos[1], target[1])
	z := floats.Span(make([]float64, n), pos[2], target[2])

	aux := 0.0
	if len(pos) > 3 {
		aux = pos[3]
	}
	counts, err := d.dev.ScanLine(d.buildTrace(x, y, z, aux))
	if err != nil {
		return fmt.Errorf("move to start: %w", err)
	}
	if scanner.HasSentinel(counts) {
		return fmt.Errorf("move to start: %w", ErrScanFailed)
	}
	d.sleep(d.settle)
	return nil
}

// ScanXYRow scans one row of the XY grid: the forward trace with counts
// recorded into the image, then the precomputed return trace with counts
// discarded, leaving the probe at the start of the row.
func (d *LineScanDriver) ScanXYRow(grid *XYGrid, img *XYImage, row int) error {
	yRow := make([]float64, len(grid.X))
	zRow := make([]float64, len(grid.X))
	for i := range yRow {
		yRow[i] = grid.Y[row]
		zRow[i] = grid.Z
	}

	counts, err := d.dev.ScanLine(d.buildTrace(grid.X, yRow, zRow, 0))
	if err != nil {
		return fmt.Errorf("xy row %d: %w", row, err)
	}
	if scanner.HasSentinel(counts) {
		return fmt.Errorf("xy row %d: %w", row, ErrScanFailed)
	}
	for col := range grid.X {
		copy(img.Counts[row][col], counts[col])
	}

	retY := make([]float64, len(grid.ReturnX))
	retZ := make([]float64, len(grid.ReturnX))
	for i := range retY {
		retY[i] = grid.Y[row]
		retZ[i] = grid.Z
	}
	retCounts, err := d.dev.ScanLine(d.buildTrace(grid.ReturnX, retY, retZ, 0))
	if err != nil {
		return fmt.Errorf("xy row %d return trace: %w", row, err)
	}
	if scanner.HasSentinel(retCounts) {
		return fmt.Errorf("xy row %d return trace: %w", row, ErrScanFailed)
	}
	return nil
}

// ScanZ moves to the start of the Z line, scans it, and records the counts
// into the profile. When surface subtraction is on, a second line offset
// laterally by surfaceOffset is scanned and the profile becomes the
// elementwise difference (foreground minus background).
func (d *LineScanDriver) ScanZ(line *ZLine, p *ZProfile, surface bool, surfaceOffset float64) error {
	if err := d.MoveToStart([3]float64{line.X0, line.Y0, line.Z[0]}); err != nil {
		return err
	}

	counts, err := d.scanZAt(line, line.X0)
	if err != nil {
		return err
	}
	for i := range counts {
		copy(p.Counts[i], counts[i])
	}

	if !surface {
		return nil
	}

	if err := d.MoveToStart([3]float64{line.X0 + surfaceOffset, line.Y0, line.Z[0]}); err != nil {
		return err
	}
	bg, err := d.scanZAt(line, line.X0+surfaceOffset)
	if err != nil {
		return fmt.Errorf("background line: %w", err)
	}
	for i := range p.Counts {
		for c := range p.Counts[i] {
			p.Counts[i][c] = counts[i][c] - bg[i][c]
		}
	}
	return nil
}

func (d *LineScanDriver) scanZAt(line *ZLine, x0 float64) ([][]float64, error) {
	x := make([]float64, len(line.Z))
	y := make([]float64, len(line.Z))
	for i := range x {
		x[i] = x0
		y[i] = line.Y0
	}
	counts, err := d.dev.ScanLine(d.buildTrace(x, y, line.Z, 0))
	if err != nil {
		return nil, fmt.Errorf("z line: %w", err)
	}
	if scanner.HasSentinel(counts) {
		return nil, fmt.Errorf("z line: %w", ErrScanFailed)
	}
	return counts, nil
}
