package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventSessionStart         = "session.start"
	EventSessionStop          = "session.stop"
	EventTranscriptionSuccess = "transcription.success"
	EventTranscriptionError   = "transcription.error"
)

var ErrNotFound = errors.New("not found")

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Transcript is the latest display transcript of a session. One-shot file
// transcriptions also carry the file and recognizer details.
type Transcript struct {
	SessionID         string
	Text              string
	WordCount         int
	Status            string
	UpdatedAt         time.Time
	Filename          string
	FileSize          int64
	Model             string
	Provider          string
	ProcessingSeconds float64
}

// Store wraps a SQLite-backed session timeline and transcript store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// OpenReadOnly opens an existing store for inspection. It never creates the
// database and skips the schema, vacuum and retention steps of Open.
func OpenReadOnly(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("event store %s: %w", cfg.Path, err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db, cfg: cfg, log: log, clock: time.Now}, nil
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
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
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    content_type TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS transcripts (
    session_id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    word_count INTEGER NOT NULL,
    status TEXT,
    updated_at TIMESTAMP NOT NULL,
    filename TEXT NOT NULL DEFAULT '',
    file_size INTEGER NOT NULL DEFAULT 0,
    model TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    processing_seconds REAL NOT NULL DEFAULT 0,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return s.migrateTranscripts(ctx)
}

// migrateTranscripts adds the file transcription columns to databases
// created before they existed.
func (s *Store) migrateTranscripts(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('transcripts')`)
	if err != nil {
		return fmt.Errorf("inspect transcripts: %w", err)
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect transcripts: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect transcripts: %w", err)
	}

	columns := []struct{ name, def string }{
		{"filename", "TEXT NOT NULL DEFAULT ''"},
		{"file_size", "INTEGER NOT NULL DEFAULT 0"},
		{"model", "TEXT NOT NULL DEFAULT ''"},
		{"provider", "TEXT NOT NULL DEFAULT ''"},
		{"processing_seconds", "REAL NOT NULL DEFAULT 0"},
	}
	for _, col := range columns {
		if have[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE transcripts ADD COLUMN "+col.name+" "+col.def); err != nil {
			return fmt.Errorf("add transcripts.%s: %w", col.name, err)
		}
		s.log.Info("event store column added", slog.String("column", "transcripts."+col.name))
	}
	return nil
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

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, contentType string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, content_type, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET content_type=excluded.content_type`,
		sessionID, contentType, s.clock().UTC())
	return err
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
		`INSERT INTO events(session_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SaveTranscript stores the latest display transcript of a session.
func (s *Store) SaveTranscript(ctx context.Context, tr Transcript) error {
	if s.disabled() {
		return nil
	}
	if tr.UpdatedAt.IsZero() {
		tr.UpdatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, text, word_count, status, updated_at,
		     filename, file_size, model, provider, processing_seconds)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET text=excluded.text, word_count=excluded.word_count,
		     status=excluded.status, updated_at=excluded.updated_at, filename=excluded.filename,
		     file_size=excluded.file_size, model=excluded.model, provider=excluded.provider,
		     processing_seconds=excluded.processing_seconds`,
		tr.SessionID, tr.Text, tr.WordCount, tr.Status, tr.UpdatedAt,
		tr.Filename, tr.FileSize, tr.Model, tr.Provider, tr.ProcessingSeconds)
	return err
}

const transcriptColumns = `session_id, text, word_count, status, updated_at,
	filename, file_size, model, provider, processing_seconds`

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row scanner) (Transcript, error) {
	var (
		tr     Transcript
		status sql.NullString
	)
	err := row.Scan(&tr.SessionID, &tr.Text, &tr.WordCount, &status, &tr.UpdatedAt,
		&tr.Filename, &tr.FileSize, &tr.Model, &tr.Provider, &tr.ProcessingSeconds)
	tr.Status = status.String
	return tr, err
}

// LoadTranscript returns the stored transcript or ErrNotFound.
func (s *Store) LoadTranscript(ctx context.Context, sessionID string) (Transcript, error) {
	if s.disabled() {
		return Transcript{}, ErrNotFound
	}
	tr, err := scanTranscript(s.db.QueryRowContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("load transcript: %w", err)
	}
	return tr, nil
}

// ListTranscripts returns stored transcripts, most recently updated first.
// A non-positive limit defaults to 10.
func (s *Store) ListTranscripts(ctx context.Context, offset, limit int) ([]Transcript, error) {
	if s.disabled() {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts
		 ORDER BY updated_at DESC, session_id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var list []Transcript
	for rows.Next() {
		tr, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("list transcripts: %w", err)
		}
		list = append(list, tr)
	}
	return list, rows.Err()
}

// CountTranscripts returns the number of stored transcripts.
func (s *Store) CountTranscripts(ctx context.Context) (int, error) {
	if s.disabled() {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcripts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transcripts: %w", err)
	}
	return n, nil
}

// DeleteTranscript removes a stored transcript together with its session
// timeline. It returns ErrNotFound when no transcript exists.
func (s *Store) DeleteTranscript(ctx context.Context, sessionID string) (err error) {
	if s.disabled() {
		return ErrNotFound
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

	res, err := tx.ExecContext(ctx, `DELETE FROM transcripts WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE session_id NOT IN (SELECT session_id FROM sessions)`); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}
