package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"refocus/internal/refocus"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "refocus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testImage() *refocus.XYImage {
	xr := [2]float64{0, 100e-6}
	grid := refocus.BuildXYGrid([3]float64{50e-6, 50e-6, 50e-6}, 0.6e-6, 4, xr, xr)
	img := refocus.NewXYImage(grid, 2)
	img.Counts[1][2][0] = 123
	img.Counts[3][0][1] = 456
	return img
}

func testLine() (*refocus.ZProfile, []float64) {
	zr := [2]float64{0, 100e-6}
	line := refocus.BuildZLine([3]float64{50e-6, 50e-6, 50e-6}, 2e-6, 5, zr)
	p := refocus.NewZProfile(line, 1)
	p.Counts[2][0] = 789
	offsets := make([]float64, len(line.Z))
	for i, z := range line.Z {
		offsets[i] = z - 50e-6
	}
	return p, offsets
}

func TestTemplateImageRoundTrip(t *testing.T) {
	db := newTestDB(t)

	// Nothing persisted yet.
	img, err := db.LoadTemplateImage()
	require.NoError(t, err)
	require.Nil(t, img)

	want := testImage()
	require.NoError(t, db.SaveTemplateImage(want))

	got, err := db.LoadTemplateImage()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored image differs (-saved +loaded):\n%s", diff)
	}
}

func TestTemplateLineRoundTrip(t *testing.T) {
	db := newTestDB(t)

	line, offsets, err := db.LoadTemplateLine()
	require.NoError(t, err)
	require.Nil(t, line)
	require.Nil(t, offsets)

	wantLine, wantOffsets := testLine()
	require.NoError(t, db.SaveTemplateLine(wantLine, wantOffsets))

	gotLine, gotOffsets, err := db.LoadTemplateLine()
	require.NoError(t, err)
	if diff := cmp.Diff(wantLine, gotLine); diff != "" {
		t.Errorf("restored line differs:\n%s", diff)
	}
	if diff := cmp.Diff(wantOffsets, gotOffsets); diff != "" {
		t.Errorf("restored offsets differ:\n%s", diff)
	}
}

func TestSaveTemplateOverwrites(t *testing.T) {
	db := newTestDB(t)

	first := testImage()
	require.NoError(t, db.SaveTemplateImage(first))

	second := testImage()
	second.Counts[0][0][0] = 999
	require.NoError(t, db.SaveTemplateImage(second))

	got, err := db.LoadTemplateImage()
	require.NoError(t, err)
	if got.Counts[0][0][0] != 999 {
		t.Errorf("load returned the stale template, counts = %g", got.Counts[0][0][0])
	}
}

func TestRecordAndListRuns(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	older := refocus.RunRecord{
		ID:         "run-1",
		CallerTag:  "cli",
		Status:     "completed",
		Start:      [3]float64{50e-6, 50e-6, 50e-6},
		Final:      [3]float64{50.1e-6, 49.9e-6, 50.2e-6},
		Sigma:      [3]float64{1e-8, 1e-8, 2e-8},
		StartedAt:  base,
		FinishedAt: base.Add(3 * time.Second),
	}
	newer := refocus.RunRecord{
		ID:         "run-2",
		CallerTag:  "tracker",
		Status:     "failed",
		Start:      [3]float64{10e-6, 20e-6, 30e-6},
		Final:      [3]float64{10e-6, 20e-6, 30e-6},
		StartedAt:  base.Add(time.Minute),
		FinishedAt: base.Add(time.Minute + time.Second),
	}
	require.NoError(t, db.RecordRun(older))
	require.NoError(t, db.RecordRun(newer))

	runs, err := db.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first.
	require.Equal(t, "run-2", runs[0].ID)
	require.Equal(t, "run-1", runs[1].ID)
	require.Equal(t, "failed", runs[0].Status)
	require.Equal(t, older.Final, runs[1].Final)
	require.Equal(t, older.Sigma, runs[1].Sigma)
	require.True(t, runs[1].StartedAt.Equal(older.StartedAt))

	// The limit truncates from the old end.
	runs, err = db.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-2", runs[0].ID)
}

func TestRestoreTemplates(t *testing.T) {
	db := newTestDB(t)

	// An empty database leaves the store untouched.
	ts := refocus.NewTemplateStore()
	require.NoError(t, db.RestoreTemplates(ts))
	require.Nil(t, ts.Image())
	require.Nil(t, ts.Line())

	img := testImage()
	line, offsets := testLine()
	require.NoError(t, db.SaveTemplateImage(img))
	require.NoError(t, db.SaveTemplateLine(line, offsets))

	ts = refocus.NewTemplateStore()
	require.NoError(t, db.RestoreTemplates(ts))
	if diff := cmp.Diff(img, ts.Image()); diff != "" {
		t.Errorf("restored image differs:\n%s", diff)
	}
	if diff := cmp.Diff(line, ts.Line()); diff != "" {
		t.Errorf("restored line differs:\n%s", diff)
	}
	if diff := cmp.Diff(offsets, ts.LineOffsets()); diff != "" {
		t.Errorf("restored offsets differ:\n%s", diff)
	}
}
