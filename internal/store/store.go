package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/livecap-io/livecapd/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one persisted caption segment.
type Record struct {
	ID          int64
	RecordingID string
	Text        string
	Confidence  float64
	FinalizedAt time.Time
}

// Store persists finalized caption segments in SQLite. In ephemeral mode
// every operation is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the caption store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("caption store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("caption store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    text TEXT NOT NULL,
    confidence REAL,
    finalized_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_recording_finalized ON segments(recording_id, finalized_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSegment writes one finalized segment.
func (s *Store) AppendSegment(ctx context.Context, rec Record) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if rec.FinalizedAt.IsZero() {
		rec.FinalizedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(recording_id, text, confidence, finalized_at)
		 VALUES(?, ?, ?, ?)`,
		rec.RecordingID, rec.Text, rec.Confidence, rec.FinalizedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListRecording retrieves up to limit segments for a recording ordered
// ascending by finalization time.
func (s *Store) ListRecording(ctx context.Context, recordingID string, limit int) ([]Record, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, text, confidence, finalized_at
		 FROM segments WHERE recording_id = ? ORDER BY finalized_at ASC LIMIT ?`, recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var finalized string
		if err := rows.Scan(&r.ID, &r.RecordingID, &r.Text, &r.Confidence, &finalized); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, finalized); err == nil {
			r.FinalizedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention: drop segments older than the
// retention window, then cap the total segment count.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM segments WHERE finalized_at < ?`, cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	if s.cfg.MaxSegments > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id IN (
			SELECT id FROM segments ORDER BY finalized_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSegments); err != nil {
			return err
		}
	}
	return nil
}
