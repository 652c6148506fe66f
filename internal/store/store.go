package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Conversion statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound is returned when a conversion id does not exist.
var ErrNotFound = errors.New("conversion not found")

// Store manages the PostgreSQL connection that records conversion history.
type Store struct {
	conn *pgx.Conn
}

// Conversion is one row of the history.
type Conversion struct {
	ID            string
	VideoID       string
	InputPath     string
	OutputPath    string
	Status        string
	Workers       int
	Mode          string
	TotalFrames   int
	FramesRead    int
	FramesWritten int
	SkippedFrames int
	Error         string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// Outcome is what FinishConversion records.
type Outcome struct {
	Status        string
	TotalFrames   int
	FramesRead    int
	FramesWritten int
	SkippedFrames int
	Err           error
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			seen_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS conversions (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES videos(id),
			output_path TEXT NOT NULL,
			status TEXT NOT NULL,
			workers INT NOT NULL,
			mode TEXT NOT NULL,
			total_frames INT NOT NULL DEFAULT 0,
			frames_read INT NOT NULL DEFAULT 0,
			frames_written INT NOT NULL DEFAULT 0,
			skipped_frames INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS conversions_started_at_idx ON conversions (started_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideo registers the video in the database. If it exists, it updates the path and timestamp.
func (s *Store) EnsureVideo(ctx context.Context, videoID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO videos (id, path, seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET seen_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// BeginConversion records a running conversion and returns its id.
func (s *Store) BeginConversion(ctx context.Context, videoID, outputPath string, workers int, mode string) (string, error) {
	id := uuid.NewString()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO conversions (id, video_id, output_path, status, workers, mode)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, videoID, outputPath, StatusRunning, workers, mode)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishConversion stores the final counters and status of a conversion.
func (s *Store) FinishConversion(ctx context.Context, id string, o Outcome) error {
	var msg string
	if o.Err != nil {
		msg = o.Err.Error()
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE conversions
		SET status = $2, total_frames = $3, frames_read = $4, frames_written = $5,
		    skipped_frames = $6, error = $7, finished_at = NOW()
		WHERE id = $1
	`, id, o.Status, o.TotalFrames, o.FramesRead, o.FramesWritten, o.SkippedFrames, msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversions returns the most recent conversions first. limit <= 0 means no limit.
func (s *Store) ListConversions(ctx context.Context, limit int) ([]Conversion, error) {
	query := `
		SELECT c.id::text, c.video_id, v.path, c.output_path, c.status, c.workers, c.mode,
		       c.total_frames, c.frames_read, c.frames_written, c.skipped_frames, c.error,
		       c.started_at, c.finished_at
		FROM conversions c JOIN videos v ON v.id = c.video_id
		ORDER BY c.started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Conversion, error) {
		var c Conversion
		err := row.Scan(&c.ID, &c.VideoID, &c.InputPath, &c.OutputPath, &c.Status, &c.Workers, &c.Mode,
			&c.TotalFrames, &c.FramesRead, &c.FramesWritten, &c.SkippedFrames, &c.Error,
			&c.StartedAt, &c.FinishedAt)
		return c, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS conversions CASCADE;
		DROP TABLE IF EXISTS videos CASCADE;
	`)
	return err
}
