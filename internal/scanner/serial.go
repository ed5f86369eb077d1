package scanner

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// SerialDevice drives a scan controller over a serial port using a
// line-oriented ASCII protocol:
//
//	RANGE?                  -> "RANGE xmin xmax ymin ymax zmin zmax"
//	AXES?                   -> "AXES x y z [a]"
//	CHANNELS?               -> "CHANNELS apd0 [apd1 ...]"
//	POS?                    -> "POS x y z [a]"
//	CLOCK <hz>              -> "OK" | "ERR <msg>"
//	SETUP / CLOSE / CLOSECLK-> "OK" | "ERR <msg>"
//	LINE <npoints>          -> controller expects npoints coordinate rows
//	  <x> <y> <z> [<a>]     -> one per point
//	                        -> npoints count rows "<c0> [<c1> ...]", then "OK"
//
// Failed samples come back as -1 counts, which the engine treats as the
// scan-failure sentinel.
type SerialDevice struct {
	port   serial.Port
	rd     *bufio.Reader
	ranges [3][2]float64
	axes   []string
	chans  []string
}

// OpenSerialDevice opens the controller at the given port path and queries
// its static geometry.
func OpenSerialDevice(path string) (*SerialDevice, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	d := &SerialDevice{port: port, rd: bufio.NewReader(port)}
	if err := d.describe(); err != nil {
		port.Close()
		return nil, err
	}
	return d, nil
}

func (d *SerialDevice) describe() error {
	fields, err := d.query("RANGE?", "RANGE")
	if err != nil {
		return err
	}
	if len(fields) != 6 {
		return fmt.Errorf("RANGE? returned %d fields, want 6", len(fields))
	}
	for ax := 0; ax < 3; ax++ {
		for i := 0; i < 2; i++ {
			v, err := strconv.ParseFloat(fields[ax*2+i], 64)
			if err != nil {
				return fmt.Errorf("bad range value %q: %w", fields[ax*2+i], err)
			}
			d.ranges[ax][i] = v
		}
	}

	if d.axes, err = d.query("AXES?", "AXES"); err != nil {
		return err
	}
	if n := len(d.axes); n != 3 && n != 4 {
		return fmt.Errorf("controller reports %d axes, want 3 or 4", n)
	}
	if d.chans, err = d.query("CHANNELS?", "CHANNELS"); err != nil {
		return err
	}
	if len(d.chans) == 0 {
		return fmt.Errorf("controller reports no count channels")
	}
	return nil
}

// query sends a command and parses a single "<keyword> v1 v2 ..." reply.
func (d *SerialDevice) query(cmd, keyword string) ([]string, error) {
	if err := d.send(cmd); err != nil {
		return nil, err
	}
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) < 1 || fields[0] != keyword {
		return nil, fmt.Errorf("unexpected reply to %s: %q", cmd, line)
	}
	return fields[1:], nil
}

func (d *SerialDevice) send(s string) error {
	_, err := d.port.Write([]byte(s + "\n"))
	return err
}

func (d *SerialDevice) readLine() (string, error) {
	line, err := d.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// expectOK reads one reply line and maps "ERR <msg>" to an error.
func (d *SerialDevice) expectOK(ctx string) error {
	line, err := d.readLine()
	if err != nil {
		return fmt.Errorf("%s: %w", ctx, err)
	}
	if line == "OK" {
		return nil
	}
	return fmt.Errorf("%s: controller said %q", ctx, line)
}

func (d *SerialDevice) PositionRange() [3][2]float64 { return d.ranges }

func (d *SerialDevice) ScannerAxes() []string { return append([]string(nil), d.axes...) }

func (d *SerialDevice) CountChannels() []string { return append([]string(nil), d.chans...) }

func (d *SerialDevice) SetUpClock(frequencyHz int) error {
	if err := d.send(fmt.Sprintf("CLOCK %d", frequencyHz)); err != nil {
		return err
	}
	return d.expectOK("clock setup")
}

func (d *SerialDevice) SetUpScanner() error {
	if err := d.send("SETUP"); err != nil {
		return err
	}
	return d.expectOK("scanner setup")
}

func (d *SerialDevice) ScanLine(line [][]float64) ([][]float64, error) {
	if len(line) != len(d.axes) {
		return nil, fmt.Errorf("scan line has %d axis rows, controller has %d axes", len(line), len(d.axes))
	}
	n := len(line[0])
	if err := d.send(fmt.Sprintf("LINE %d", n)); err != nil {
		return nil, err
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		for ax := range line {
			if ax > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%.9e", line[ax][i])
		}
		sb.WriteByte('\n')
	}
	if _, err := d.port.Write([]byte(sb.String())); err != nil {
		return nil, err
	}

	counts := make([][]float64, n)
	for i := 0; i < n; i++ {
		reply, err := d.readLine()
		if err != nil {
			return nil, fmt.Errorf("reading counts: %w", err)
		}
		fields := strings.Fields(reply)
		if len(fields) != len(d.chans) {
			return nil, fmt.Errorf("count row %d has %d values, want %d", i, len(fields), len(d.chans))
		}
		counts[i] = make([]float64, len(fields))
		for c, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("bad count %q: %w", f, err)
			}
			counts[i][c] = v
		}
	}
	if err := d.expectOK("line scan"); err != nil {
		return nil, err
	}
	return counts, nil
}

func (d *SerialDevice) CloseScanner() error {
	if err := d.send("CLOSE"); err != nil {
		return err
	}
	return d.expectOK("scanner close")
}

func (d *SerialDevice) CloseClock() error {
	if err := d.send("CLOSECLK"); err != nil {
		return err
	}
	if err := d.expectOK("clock close"); err != nil {
		return err
	}
	return d.port.Close()
}

func (d *SerialDevice) Position() []float64 {
	fields, err := d.query("POS?", "POS")
	if err != nil {
		return make([]float64, len(d.axes))
	}
	pos := make([]float64, len(d.axes))
	for i := 0; i < len(pos) && i < len(fields); i++ {
		pos[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return pos
}
