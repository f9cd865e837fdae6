package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
	_ "modernc.org/sqlite"
)

// Stream is the persisted summary of one stream request.
type Stream struct {
	ID        string
	Voice     string
	Speed     float64
	Segments  int
	State     string
	CreatedAt time.Time
}

// Event represents a recorded timeline entry of a stream.
type Event struct {
	ID        int64
	StreamID  string
	Type      string
	Index     int
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed stream timeline and preference store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	// preferences for ephemeral mode
	mu    sync.Mutex
	prefs map[string]string
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, prefs: make(map[string]string)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS streams (
    stream_id TEXT PRIMARY KEY,
    voice TEXT,
    speed REAL,
    segments INTEGER NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    chunk_index INTEGER,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(stream_id) REFERENCES streams(stream_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id, id);
CREATE TABLE IF NOT EXISTS preferences (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendStream records a new stream request.
func (s *Store) AppendStream(ctx context.Context, st Stream) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams(stream_id, voice, speed, segments, state, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(stream_id) DO UPDATE SET voice=excluded.voice, speed=excluded.speed,
		   segments=excluded.segments, state=excluded.state, updated_at=excluded.updated_at`,
		st.ID, st.Voice, st.Speed, st.Segments, st.State, now, now)
	return err
}

// UpdateStreamState stores the latest lifecycle state of a stream.
func (s *Store) UpdateStreamState(ctx context.Context, streamID, state string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE streams SET state = ?, updated_at = ? WHERE stream_id = ?`,
		state, s.clock().UTC(), streamID)
	return err
}

// GetStream loads a stream summary.
func (s *Store) GetStream(ctx context.Context, streamID string) (Stream, bool, error) {
	if s.disabled() {
		return Stream{}, false, nil
	}
	var st Stream
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_id, voice, speed, segments, state, created_at FROM streams WHERE stream_id = ?`, streamID).
		Scan(&st.ID, &st.Voice, &st.Speed, &st.Segments, &st.State, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Stream{}, false, nil
	}
	if err != nil {
		return Stream{}, false, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		st.CreatedAt = ts
	}
	return st, true, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(stream_id, event_type, chunk_index, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.StreamID, evt.Type, evt.Index, evt.Payload, evt.CreatedAt)
	return err
}

// ListStreamEvents retrieves up to limit events for a stream in insertion order.
func (s *Store) ListStreamEvents(ctx context.Context, streamID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_id, event_type, chunk_index, payload, created_at
		 FROM events WHERE stream_id = ? ORDER BY id ASC LIMIT ?`, streamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Type, &e.Index, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxStreams > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE stream_id IN (
			SELECT stream_id FROM streams ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxStreams)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
