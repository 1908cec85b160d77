// Package history persists finalized chat messages in a local sqlite
// database so past conversations survive restarts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parley-ai/parley/internal/eventbus"
)

const (
	defaultBusyTimeout = 5 * time.Second
	defaultListLimit   = 200
)

// Options describes parameters for opening a history store.
type Options struct {
	DBPath   string // path to history.db; the parent directory is created
	ReadOnly bool
}

// Store provides access to the chat history database.
type Store struct {
	db       *sql.DB
	dbPath   string
	readOnly bool
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Message is one persisted chat entry.
type Message struct {
	ID        string
	Speaker   eventbus.Speaker
	Text      string
	CreatedAt time.Time
}

// Open initialises the history store at the given path.
func Open(opts Options) (*Store, error) {
	if opts.DBPath == "" {
		return nil, errors.New("history: database path required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("history: create data directory: %w", err)
	}

	dsn := opts.DBPath
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", opts.DBPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}
	if !opts.ReadOnly {
		if err := applySchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{db: db, dbPath: opts.DBPath, readOnly: opts.ReadOnly}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
	}
	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("history: apply %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id         TEXT PRIMARY KEY,
    speaker    TEXT NOT NULL,
    text       TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("history: apply schema: %w", err)
	}
	return nil
}

// Close finalises the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.dbPath
}

// SaveMessage inserts or replaces one finalized message.
func (s *Store) SaveMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		return errors.New("history: message without id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, speaker, text, created_at) VALUES (?, ?, ?, ?)`,
		msg.ID, string(msg.Speaker), msg.Text, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: save message: %w", err)
	}
	return nil
}

// GetMessage fetches one message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, speaker, text, created_at FROM messages WHERE id = ?`, id)
	var msg Message
	var speaker string
	if err := row.Scan(&msg.ID, &speaker, &msg.Text, &msg.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, NotFoundError{Entity: "message", Key: id}
		}
		return Message{}, fmt.Errorf("history: get message: %w", err)
	}
	msg.Speaker = eventbus.Speaker(speaker)
	return msg, nil
}

// ListMessages returns up to limit messages in chronological order. A zero or
// negative limit applies the default.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, speaker, text, created_at FROM (
    SELECT id, speaker, text, created_at FROM messages ORDER BY created_at DESC LIMIT ?
) ORDER BY created_at ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var speaker string
		if err := rows.Scan(&msg.ID, &speaker, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		msg.Speaker = eventbus.Speaker(speaker)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Clear removes all persisted messages.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}
