package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const writeTimeout = 2 * time.Second

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is one capture run as recorded in the store.
type Session struct {
	ID              string
	EngineID        string
	Device          int
	FrameRate       int
	DurationSeconds int
	Status          string
	Recording       string
	StartedAt       time.Time
	EndedAt         time.Time
}

// Store wraps a SQLite-backed session timeline. It doubles as a transcript
// sink and a controller observer.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

type eventPayload struct {
	EngineID string            `json:"engine_id,omitempty"`
	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
			log.Warn("event store vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slogError(err))
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
    engine_id TEXT,
    device INTEGER,
    frame_rate INTEGER,
    duration_seconds INTEGER,
    status TEXT NOT NULL,
    recording TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    kind TEXT NOT NULL,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS fragments (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    engine_id TEXT,
    text TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY(session_id, seq),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new capture run.
func (s *Store) StartSession(ctx context.Context, info session.Info) error {
	if s.disabled() {
		return nil
	}
	started := info.StartedAt
	if started.IsZero() {
		started = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, engine_id, device, frame_rate, duration_seconds, status, started_at)
		 VALUES(?, ?, ?, ?, ?, 'running', ?)
		 ON CONFLICT(session_id) DO UPDATE SET engine_id=excluded.engine_id, status='running'`,
		info.ID, info.EngineID, info.Device, info.FrameRate, info.DurationSeconds, started.UTC().Format(timeLayout))
	return err
}

// EndSession marks a session stopped or failed.
func (s *Store) EndSession(ctx context.Context, sessionID, status string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = ? WHERE session_id = ?`,
		status, s.now(), sessionID)
	return err
}

func (s *Store) SetRecording(ctx context.Context, sessionID, location string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET recording = ? WHERE session_id = ?`, location, sessionID)
	return err
}

// AppendEvent writes an event into the store. Events without a session are
// kept with a NULL session id.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(timeLayout)
	}
	var sessionID sql.NullString
	if evt.SessionID != "" {
		sessionID = sql.NullString{String: evt.SessionID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, payload, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, evt.Kind, evt.Payload, created)
	return err
}

// Append stores a transcript fragment.
func (s *Store) Append(ctx context.Context, f transcript.Fragment) error {
	if s.disabled() {
		return nil
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fragments(session_id, seq, engine_id, text, created_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, seq) DO NOTHING`,
		f.SessionID, f.Seq, f.EngineID, f.Text, ts.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store fragment: %w", err)
	}
	return nil
}

// Observe mirrors controller events into the timeline.
func (s *Store) Observe(ev session.Event) {
	if s.disabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case session.EventSessionStarted:
		info := session.Info{ID: ev.SessionID, EngineID: ev.EngineID, StartedAt: ev.Time}
		info.Device, _ = strconv.Atoi(ev.Attrs["device"])
		info.FrameRate, _ = strconv.Atoi(ev.Attrs["frame_rate"])
		info.DurationSeconds, _ = strconv.Atoi(ev.Attrs["duration"])
		err = s.StartSession(ctx, info)
	case session.EventSessionStopped:
		err = s.EndSession(ctx, ev.SessionID, "stopped")
	case session.EventSessionFailed:
		err = s.EndSession(ctx, ev.SessionID, "failed")
	case session.EventRecordingSaved:
		err = s.SetRecording(ctx, ev.SessionID, ev.Attrs["path"])
	}
	if err != nil {
		s.log.Warn("failed to record session state", slog.String("kind", string(ev.Kind)), slogError(err))
	}

	payload := eventPayload{EngineID: ev.EngineID, Message: ev.Message, Attrs: ev.Attrs}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to encode event", slogError(err))
		return
	}
	if err := s.AppendEvent(ctx, Event{SessionID: ev.SessionID, Kind: string(ev.Kind), Payload: data, CreatedAt: ev.Time}); err != nil {
		s.log.Warn("failed to append event", slog.String("kind", string(ev.Kind)), slogError(err))
	}
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
		`SELECT id, session_id, kind, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var sid sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &sid, &e.Kind, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.SessionID = sid.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Transcript returns the stored fragments of a session in sequence order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]transcript.Fragment, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, engine_id, text, created_at FROM fragments WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transcript.Fragment
	for rows.Next() {
		f := transcript.Fragment{SessionID: sessionID}
		var engineID sql.NullString
		var created string
		if err := rows.Scan(&f.Seq, &engineID, &f.Text, &created); err != nil {
			return nil, err
		}
		f.EngineID = engineID.String
		f.Timestamp = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetSession loads one session row. It returns sql.ErrNoRows when unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var (
		out                      Session
		engineID, recording, end sql.NullString
		started                  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, engine_id, device, frame_rate, duration_seconds, status, recording, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&out.ID, &engineID, &out.Device, &out.FrameRate, &out.DurationSeconds, &out.Status, &recording, &started, &end)
	if err != nil {
		return Session{}, err
	}
	out.EngineID = engineID.String
	out.Recording = recording.String
	out.StartedAt = parseTime(started)
	if end.Valid {
		out.EndedAt = parseTime(end.String)
	}
	return out, nil
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
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

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
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

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
