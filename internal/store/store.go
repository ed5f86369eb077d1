// Package store persists refocus templates and run history in SQLite, so
// captured references and past optimisations survive process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"refocus/internal/refocus"
)

// DB wraps the SQLite handle holding templates and run history.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the refocus database at path.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS templates (
			kind              TEXT PRIMARY KEY,
			payload           TEXT NOT NULL,
			updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS runs (
			id                TEXT PRIMARY KEY,
			caller_tag        TEXT,
			status            TEXT,
			start_x           DOUBLE,
			start_y           DOUBLE,
			start_z           DOUBLE,
			final_x           DOUBLE,
			final_y           DOUBLE,
			final_z           DOUBLE,
			sigma_x           DOUBLE,
			sigma_y           DOUBLE,
			sigma_z           DOUBLE,
			started_at        TIMESTAMP,
			finished_at       TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db}, nil
}

const (
	templateKindImage = "xy_image"
	templateKindLine  = "z_line"
)

// storedLine is the persisted shape of a template line plus its offsets.
type storedLine struct {
	Profile *refocus.ZProfile `json:"profile"`
	Offsets []float64         `json:"offsets"`
}

// SaveTemplateImage persists the XY template image.
func (db *DB) SaveTemplateImage(img *refocus.XYImage) error {
	return db.saveTemplate(templateKindImage, img)
}

// LoadTemplateImage restores the XY template image, or nil when none has
// been persisted.
func (db *DB) LoadTemplateImage() (*refocus.XYImage, error) {
	var img refocus.XYImage
	ok, err := db.loadTemplate(templateKindImage, &img)
	if err != nil || !ok {
		return nil, err
	}
	return &img, nil
}

// SaveTemplateLine persists the Z template line and its capture-relative
// offsets.
func (db *DB) SaveTemplateLine(p *refocus.ZProfile, offsets []float64) error {
	return db.saveTemplate(templateKindLine, storedLine{Profile: p, Offsets: offsets})
}

// LoadTemplateLine restores the Z template line, or nils when none has
// been persisted.
func (db *DB) LoadTemplateLine() (*refocus.ZProfile, []float64, error) {
	var sl storedLine
	ok, err := db.loadTemplate(templateKindLine, &sl)
	if err != nil || !ok {
		return nil, nil, err
	}
	return sl.Profile, sl.Offsets, nil
}

func (db *DB) saveTemplate(kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s template: %w", kind, err)
	}
	_, err = db.Exec(`
		INSERT INTO templates (kind, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, kind, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving %s template: %w", kind, err)
	}
	return nil
}

func (db *DB) loadTemplate(kind string, out interface{}) (bool, error) {
	var payload string
	err := db.QueryRow(`SELECT payload FROM templates WHERE kind = ?`, kind).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading %s template: %w", kind, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("decoding %s template: %w", kind, err)
	}
	return true, nil
}

// RecordRun implements refocus.RunRecorder.
func (db *DB) RecordRun(rec refocus.RunRecord) error {
	_, err := db.Exec(`
		INSERT INTO runs (
			id, caller_tag, status,
			start_x, start_y, start_z,
			final_x, final_y, final_z,
			sigma_x, sigma_y, sigma_z,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.CallerTag, rec.Status,
		rec.Start[0], rec.Start[1], rec.Start[2],
		rec.Final[0], rec.Final[1], rec.Final[2],
		rec.Sigma[0], rec.Sigma[1], rec.Sigma[2],
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", rec.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]refocus.RunRecord, error) {
	rows, err := db.Query(`
		SELECT id, caller_tag, status,
			start_x, start_y, start_z,
			final_x, final_y, final_z,
			sigma_x, sigma_y, sigma_z,
			started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []refocus.RunRecord
	for rows.Next() {
		var rec refocus.RunRecord
		if err := rows.Scan(
			&rec.ID, &rec.CallerTag, &rec.Status,
			&rec.Start[0], &rec.Start[1], &rec.Start[2],
			&rec.Final[0], &rec.Final[1], &rec.Final[2],
			&rec.Sigma[0], &rec.Sigma[1], &rec.Sigma[2],
			&rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RestoreTemplates loads any persisted templates into the sequencer's
// store. Missing templates are not an error.
func (db *DB) RestoreTemplates(ts *refocus.TemplateStore) error {
	img, err := db.LoadTemplateImage()
	if err != nil {
		return err
	}
	line, offsets, err := db.LoadTemplateLine()
	if err != nil {
		return err
	}
	if img != nil || line != nil {
		ts.Restore(img, line, offsets)
	}
	return nil
}
