// Package scanner defines the contract the refocus engine needs from a
// scanning probe device, together with a simulated device for tests and a
// serial-port backed implementation.
package scanner

// Sentinel is the count value a device reports for a failed sample. Any
// sample at this value invalidates the whole line.
const Sentinel = -1

// Device is a scanning probe with three positioning axes (plus an optional
// auxiliary fourth axis) and one or more counting channels. The engine owns
// the device exclusively for the duration of a run: SetUpClock and
// SetUpScanner are called before the first line, CloseScanner and CloseClock
// after the last.
type Device interface {
	// PositionRange returns the {min, max} travel per axis for the three
	// positioning axes, in metres.
	PositionRange() [3][2]float64

	// ScannerAxes returns the axis names, length 3 or 4.
	ScannerAxes() []string

	// CountChannels returns the names of the counting channels.
	CountChannels() []string

	// SetUpClock configures the pixel clock used to pace line scans.
	SetUpClock(frequencyHz int) error

	// SetUpScanner prepares the device for scanning.
	SetUpScanner() error

	// ScanLine moves the probe along the given trace and records counts.
	// line is indexed [axis][point] and must carry one row per scanner
	// axis. The returned counts are indexed [point][channel]; failed
	// samples carry the Sentinel value.
	ScanLine(line [][]float64) ([][]float64, error)

	// CloseScanner releases the scanning hardware.
	CloseScanner() error

	// CloseClock releases the pixel clock.
	CloseClock() error

	// Position returns the current probe position, one value per axis.
	Position() []float64
}

// HasSentinel reports whether any sample in a scanned line carries the
// device error sentinel.
func HasSentinel(counts [][]float64) bool {
	for _, point := range counts {
		for _, v := range point {
			if v == Sentinel {
				return true
			}
		}
	}
	return false
}
