package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"ai-voice-session-service/internal/models"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the recordings database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets waveform updates run alongside list queries.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Info().Str("path", dbPath).Msg("Recording store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		egress_id TEXT,
		title TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		transcript TEXT,
		waveform_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// SaveRecording inserts or replaces a recording.
func (s *SQLiteStore) SaveRecording(ctx context.Context, rec *models.Recording) error {
	query := `
	INSERT INTO recordings (id, egress_id, title, duration_ms, file_path, created_at, transcript, waveform_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		egress_id = excluded.egress_id,
		title = excluded.title,
		duration_ms = excluded.duration_ms,
		file_path = excluded.file_path,
		transcript = excluded.transcript,
		waveform_json = excluded.waveform_json`

	var waveform any
	if rec.HasWaveform() {
		b, err := json.Marshal(rec.WaveformData)
		if err != nil {
			return fmt.Errorf("encode waveform: %w", err)
		}
		waveform = string(b)
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, nullable(rec.EgressID), rec.Title, rec.DurationMs, rec.FilePath,
		rec.CreatedAt.UnixMilli(), nullable(rec.Transcript), waveform,
	)
	if err != nil {
		return fmt.Errorf("upsert recording: %w", err)
	}
	return nil
}

const selectRecording = `
	SELECT id, egress_id, title, duration_ms, file_path, created_at, transcript, waveform_json
	FROM recordings`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (*models.Recording, error) {
	var rec models.Recording
	var egressID, transcript, waveform sql.NullString
	var createdAt int64

	if err := row.Scan(&rec.ID, &egressID, &rec.Title, &rec.DurationMs, &rec.FilePath,
		&createdAt, &transcript, &waveform); err != nil {
		return nil, err
	}

	rec.EgressID = egressID.String
	rec.Transcript = transcript.String
	rec.CreatedAt = time.UnixMilli(createdAt)
	if waveform.Valid && waveform.String != "" {
		if err := json.Unmarshal([]byte(waveform.String), &rec.WaveformData); err != nil {
			return nil, fmt.Errorf("decode waveform: %w", err)
		}
	}
	return &rec, nil
}

// GetRecording returns the recording or nil.
func (s *SQLiteStore) GetRecording(ctx context.Context, id string) (*models.Recording, error) {
	row := s.db.QueryRowContext(ctx, selectRecording+` WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan recording row: %w", err)
	}
	return rec, nil
}

// ListRecordings returns all recordings, newest first.
func (s *SQLiteStore) ListRecordings(ctx context.Context) ([]*models.Recording, error) {
	rows, err := s.db.QueryContext(ctx, selectRecording+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	var out []*models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateWaveform stores extracted waveform data.
func (s *SQLiteStore) UpdateWaveform(ctx context.Context, id string, waveform []float64) error {
	b, err := json.Marshal(waveform)
	if err != nil {
		return fmt.Errorf("encode waveform: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE recordings SET waveform_json = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return fmt.Errorf("update waveform: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		log.Warn().Str("recordingId", id).Msg("UpdateWaveform affected 0 rows")
	}
	return nil
}

// DeleteRecording removes the row.
func (s *SQLiteStore) DeleteRecording(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}
