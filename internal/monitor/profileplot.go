// Package monitor renders diagnostic plots of refocus scans.
package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WriteZProfile renders the scanned Z profile and, when present, the
// fitted curve into a timestamped PNG under dir. It matches the
// refocus.ProfilePlotFunc signature.
func WriteZProfile(dir string, z, data, fitted []float64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Z refocus profile"
	p.X.Label.Text = "z (m)"
	p.Y.Label.Text = "counts"

	dataPts := make(plotter.XYs, 0, len(data))
	for i := range data {
		if i < len(z) {
			dataPts = append(dataPts, plotter.XY{X: z[i], Y: data[i]})
		}
	}
	dataLine, err := plotter.NewLine(dataPts)
	if err != nil {
		return fmt.Errorf("building data line: %w", err)
	}
	dataLine.Width = vg.Points(1)
	dataLine.Color = color.RGBA{B: 200, A: 255}
	p.Add(dataLine)
	p.Legend.Add("scan", dataLine)

	if len(fitted) > 0 {
		fitPts := make(plotter.XYs, 0, len(fitted))
		for i := range fitted {
			if i < len(z) {
				fitPts = append(fitPts, plotter.XY{X: z[i], Y: fitted[i]})
			}
		}
		fitLine, err := plotter.NewLine(fitPts)
		if err != nil {
			return fmt.Errorf("building fit line: %w", err)
		}
		fitLine.Width = vg.Points(1)
		fitLine.Color = color.RGBA{R: 200, A: 255}
		p.Add(fitLine)
		p.Legend.Add("fit", fitLine)
	}

	name := fmt.Sprintf("z_fit_%s.png", time.Now().Format("20060102_150405"))
	file := filepath.Join(dir, name)
	if err := p.Save(8*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("saving %s: %w", file, err)
	}
	return nil
}
