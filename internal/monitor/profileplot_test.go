package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestWriteZProfileCreatesPNG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	z := floats.Span(make([]float64, 30), 49e-6, 51e-6)
	data := make([]float64, 30)
	fitted := make([]float64, 30)
	for i := range data {
		data[i] = float64(1000 + i)
		fitted[i] = float64(990 + i)
	}

	if err := WriteZProfile(dir, z, data, fitted); err != nil {
		t.Fatalf("WriteZProfile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading plot dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("%d files written, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "z_fit_") || !strings.HasSuffix(name, ".png") {
		t.Errorf("plot file named %q, want z_fit_*.png", name)
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatalf("stat plot file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("plot file is empty")
	}
}

func TestWriteZProfileWithoutFitCurve(t *testing.T) {
	dir := t.TempDir()
	z := floats.Span(make([]float64, 10), 0, 1)
	data := make([]float64, 10)

	if err := WriteZProfile(dir, z, data, nil); err != nil {
		t.Fatalf("WriteZProfile without fit curve: %v", err)
	}
}
