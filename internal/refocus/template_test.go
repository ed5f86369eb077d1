package refocus

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTemplateStoreEnsureDoesNotOverwrite(t *testing.T) {
	store := NewTemplateStore()
	xr := [2]float64{0, 100e-6}
	grid := BuildXYGrid([3]float64{50e-6, 50e-6, 50e-6}, 0.6e-6, 4, xr, xr)

	if store.Image() != nil {
		t.Fatal("a fresh store must hold no image")
	}

	store.EnsureImage(grid, 1)
	captured := NewXYImage(grid, 1)
	captured.Counts[1][1][0] = 42
	store.SetImage(captured)

	// Ensure after a capture leaves the captured template alone.
	store.EnsureImage(grid, 1)
	if got := store.Image().Counts[1][1][0]; got != 42 {
		t.Errorf("EnsureImage overwrote the captured template, counts = %g", got)
	}
}

func TestTemplateStoreCopiesOnSetAndGet(t *testing.T) {
	store := NewTemplateStore()
	xr := [2]float64{0, 100e-6}
	grid := BuildXYGrid([3]float64{50e-6, 50e-6, 50e-6}, 0.6e-6, 4, xr, xr)

	img := NewXYImage(grid, 1)
	img.Counts[0][0][0] = 7
	store.SetImage(img)

	// Mutating the caller's image after storing must not leak in.
	img.Counts[0][0][0] = 99
	if got := store.Image().Counts[0][0][0]; got != 7 {
		t.Errorf("stored template shares memory with the caller, counts = %g", got)
	}

	// Mutating a returned copy must not leak back.
	out := store.Image()
	out.Counts[0][0][0] = 55
	if got := store.Image().Counts[0][0][0]; got != 7 {
		t.Errorf("returned template shares memory with the store, counts = %g", got)
	}
}

func TestTemplateStoreLineOffsets(t *testing.T) {
	store := NewTemplateStore()
	zr := [2]float64{0, 100e-6}
	line := BuildZLine([3]float64{50e-6, 50e-6, 50e-6}, 2e-6, 5, zr)

	p := NewZProfile(line, 1)
	store.SetLine(p, 50e-6)

	offsets := store.LineOffsets()
	if len(offsets) != 5 {
		t.Fatalf("got %d offsets, want 5", len(offsets))
	}
	// Offsets are the line's Z axis relative to the capture centre, so the
	// middle point sits at zero.
	if offsets[2] != 0 {
		t.Errorf("centre offset %g, want 0", offsets[2])
	}
	if offsets[0] != line.Z[0]-50e-6 {
		t.Errorf("first offset %g, want %g", offsets[0], line.Z[0]-50e-6)
	}
}

func TestTemplateStoreRestore(t *testing.T) {
	xr := [2]float64{0, 100e-6}
	grid := BuildXYGrid([3]float64{50e-6, 50e-6, 50e-6}, 0.6e-6, 4, xr, xr)
	line := BuildZLine([3]float64{50e-6, 50e-6, 50e-6}, 2e-6, 5, xr)

	img := NewXYImage(grid, 1)
	img.Counts[2][3][0] = 11
	p := NewZProfile(line, 1)
	p.Counts[4][0] = 13
	offsets := []float64{-2, -1, 0, 1, 2}

	store := NewTemplateStore()
	store.Restore(img, p, offsets)

	if diff := cmp.Diff(img, store.Image()); diff != "" {
		t.Errorf("restored image differs:\n%s", diff)
	}
	if diff := cmp.Diff(p, store.Line()); diff != "" {
		t.Errorf("restored line differs:\n%s", diff)
	}
	if diff := cmp.Diff(offsets, store.LineOffsets()); diff != "" {
		t.Errorf("restored offsets differ:\n%s", diff)
	}
}
