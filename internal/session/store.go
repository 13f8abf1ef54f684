package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrStorageUnavailable marks local persistence I/O failures. The
// controller logs these and keeps the in-memory log authoritative for
// the rest of the session; they are never fatal.
var ErrStorageUnavailable = errors.New("session storage unavailable")

// Store persists the ordered session log.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database at dbPath and
// initializes the schema.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	// WAL mode for durability without blocking the reader side
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	// Single writer; the session log has no concurrent writers anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping session database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL,
		text       TEXT NOT NULL,
		direction  TEXT NOT NULL,
		sent_at    INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Load returns the persisted log in insertion order. Absence of data is
// not an error: a fresh database yields an empty slice.
func (s *Store) Load(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, direction, sent_at FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.Text, &m.Direction, &sentAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorageUnavailable, err)
		}
		m.SentAt = time.Unix(0, sentAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStorageUnavailable, err)
	}

	return messages, nil
}

// Save overwrites the persisted log with the given sequence. The
// overwrite happens in one transaction, so a concurrent Load never sees
// a partial state.
func (s *Store) Save(ctx context.Context, messages []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("%w: save: %v", ErrStorageUnavailable, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, text, direction, sent_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: save: %v", ErrStorageUnavailable, err)
	}
	defer stmt.Close()

	for _, m := range messages {
		if _, err := stmt.ExecContext(ctx, m.ID, m.Text, string(m.Direction), m.SentAt.UnixNano()); err != nil {
			return fmt.Errorf("%w: save: %v", ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Clear removes all persisted messages for the session.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStorageUnavailable, err)
	}
	return nil
}
