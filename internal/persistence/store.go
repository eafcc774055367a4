// Package persistence is the sqlite-backed session store: sessions, their
// message history, per-session tool approval whitelists, and task-state
// snapshots for resume.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoSnapshot is returned when a session has no saved task state.
var ErrNoSnapshot = errors.New("no task snapshot for session")

// Session is one conversation.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn of recorded history.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Tokens    int64
	CreatedAt time.Time
}

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the store at path and applies the schema. The
// connection pool is pinned to one connection; sqlite serializes writers
// anyway and a single connection avoids BUSY churn.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
			content    TEXT NOT NULL,
			tokens     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);`,
		`CREATE TABLE IF NOT EXISTS approval_whitelist (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			tool       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, tool)
		);`,
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			state      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// timeFormat is fixed-width so lexicographic ORDER BY matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateSession inserts a new session with a fresh id.
func (s *Store) CreateSession(ctx context.Context, title string) (Session, error) {
	sess := Session{ID: uuid.NewString(), Title: title}
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?);
	`, sess.ID, sess.Title, ts, ts)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	sess.CreatedAt = parseTime(ts)
	sess.UpdatedAt = sess.CreatedAt
	s.logger.Info("session created", "session_id", sess.ID, "title", title)
	return sess, nil
}

// GetSession looks a session up by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?;
	`, id)
	var sess Session
	var created, updated string
	if err := row.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("select session: %w", err)
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return sess, nil
}

// ListSessions returns the most recently updated sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC, id
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var created, updated string
		if err := rows.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = parseTime(created)
		sess.UpdatedAt = parseTime(updated)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via cascade, its messages, whitelist
// entries, and snapshot.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AddMessage appends one history entry and bumps the session's updated_at.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string, tokens int64) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tokens, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, sessionID, role, content, tokens, ts)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET updated_at = ? WHERE id = ?;
	`, ts, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Messages returns a session's history in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tokens, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Tokens, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveTaskSnapshot stores (or replaces) the session's task-state document.
func (s *Store) SaveTaskSnapshot(ctx context.Context, sessionID, state string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_snapshots (session_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at;
	`, sessionID, state, now())
	if err != nil {
		return fmt.Errorf("save task snapshot: %w", err)
	}
	return nil
}

// TaskSnapshot returns the session's saved task-state document.
func (s *Store) TaskSnapshot(ctx context.Context, sessionID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state FROM task_snapshots WHERE session_id = ?;
	`, sessionID)
	var state string
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoSnapshot
		}
		return "", fmt.Errorf("select task snapshot: %w", err)
	}
	return state, nil
}
