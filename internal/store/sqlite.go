package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/talkline/talkline/internal/models"
)

// SQLiteStore implements Store on SQLite. It is the zero-config fallback for
// development and tests; set semantics are provided by composite primary keys
// with INSERT OR IGNORE.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// If dbPath is empty, defaults to "./data/talkline.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/talkline.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		identity TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS connections (
		identity TEXT NOT NULL,
		peer TEXT NOT NULL,
		PRIMARY KEY (identity, peer)
	);

	CREATE TABLE IF NOT EXISTS pending_requests (
		identity TEXT NOT NULL,
		requester TEXT NOT NULL,
		PRIMARY KEY (identity, requester)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		body TEXT NOT NULL,
		ts DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'sent',
		edited INTEGER NOT NULL DEFAULT 0,
		reply_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, ts);
	CREATE INDEX IF NOT EXISTS idx_messages_pair_rev ON messages(receiver, sender, ts);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser upserts a user record by identity, filling placeholder profile
// fields only on first creation.
func (s *SQLiteStore) EnsureUser(ctx context.Context, identity, name string) (*models.User, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (identity, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET updated_at = excluded.updated_at
	`, identity, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert user %q: %w", identity, err)
	}
	return s.GetUser(ctx, identity)
}

// GetUser returns the user record for identity, or (nil, nil) if absent.
func (s *SQLiteStore) GetUser(ctx context.Context, identity string) (*models.User, error) {
	user := &models.User{Identity: identity}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, created_at, updated_at FROM users WHERE identity = ?
	`, identity).Scan(&user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", identity, err)
	}

	user.Connections, err = s.stringSet(ctx,
		`SELECT peer FROM connections WHERE identity = ? ORDER BY peer`, identity)
	if err != nil {
		return nil, err
	}
	user.PendingRequests, err = s.stringSet(ctx,
		`SELECT requester FROM pending_requests WHERE identity = ? ORDER BY requester`, identity)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *SQLiteStore) stringSet(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		set = append(set, v)
	}
	return set, rows.Err()
}

// AddPendingRequest adds from to to's pending-request set. Returns false when
// the recipient is unknown; duplicate requests are no-ops.
func (s *SQLiteStore) AddPendingRequest(ctx context.Context, to, from string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE identity = ?`, to).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("add pending request: %w", err)
	}
	if exists == 0 {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_requests (identity, requester) VALUES (?, ?)
	`, to, from)
	if err != nil {
		return false, fmt.Errorf("add pending request: %w", err)
	}
	return true, nil
}

// AcceptConnection makes the edge between from and to mutual and clears the
// pending request inside a single transaction.
func (s *SQLiteStore) AcceptConnection(ctx context.Context, from, to string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accept connection: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []interface{}
	}{
		{`INSERT OR IGNORE INTO connections (identity, peer) VALUES (?, ?)`, []interface{}{from, to}},
		{`INSERT OR IGNORE INTO connections (identity, peer) VALUES (?, ?)`, []interface{}{to, from}},
		{`DELETE FROM pending_requests WHERE identity = ? AND requester = ?`, []interface{}{to, from}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("accept connection: %w", err)
		}
	}
	return tx.Commit()
}

// RemovePendingRequest clears from from to's pending-request set without
// creating an edge.
func (s *SQLiteStore) RemovePendingRequest(ctx context.Context, to, from string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_requests WHERE identity = ? AND requester = ?
	`, to, from)
	if err != nil {
		return false, fmt.Errorf("remove pending request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SearchUsers matches identities by case-insensitive substring, excluding the
// caller's own record.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query, exclude string) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, name FROM users
		WHERE identity != ? AND instr(lower(identity), lower(?)) > 0
		ORDER BY identity
		LIMIT ?
	`, exclude, query, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.Identity, &u.Name); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of directory records.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// InsertMessage appends a message to the log, assigning the ULID, timestamp
// and initial status if unset.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}

	var replyTo interface{}
	if msg.ReplyTo != "" {
		replyTo = msg.ReplyTo
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, receiver, body, ts, status, edited, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Sender, msg.Receiver, msg.Body, msg.Timestamp, msg.Status, msg.Edited, replyTo)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ConversationMessages returns all messages between a and b, in either
// direction, ordered by timestamp ascending with the ULID as tiebreaker.
// Reply bodies are denormalized via a self-join.
func (s *SQLiteStore) ConversationMessages(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender, m.receiver, m.body, m.ts, m.status, m.edited,
		       COALESCE(m.reply_to, ''), COALESCE(r.body, '')
		FROM messages m
		LEFT JOIN messages r ON m.reply_to = r.id
		WHERE (m.sender = ? AND m.receiver = ?) OR (m.sender = ? AND m.receiver = ?)
		ORDER BY m.ts ASC, m.id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Body, &m.Timestamp,
			&m.Status, &m.Edited, &m.ReplyTo, &m.ReplyBody); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a message by ID, or (nil, nil) if absent.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender, receiver, body, ts, status, edited, COALESCE(reply_to, '')
		FROM messages WHERE id = ?
	`, id).Scan(&m.ID, &m.Sender, &m.Receiver, &m.Body, &m.Timestamp,
		&m.Status, &m.Edited, &m.ReplyTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %q: %w", id, err)
	}
	return &m, nil
}

// MarkMessageRead flips status to read, but only when reader is the receiver
// and the message is still unread.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id, reader string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND receiver = ? AND status = ?
	`, models.StatusRead, id, reader, models.StatusSent)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EditMessage replaces the body and marks the message edited, but only when
// sender authored the message.
func (s *SQLiteStore) EditMessage(ctx context.Context, id, sender, newBody string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body = ?, edited = 1 WHERE id = ? AND sender = ?
	`, newBody, id, sender)
	if err != nil {
		return false, fmt.Errorf("edit message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMessage hard-deletes a message, but only when requester is its sender
// or receiver.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id, requester string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE id = ? AND (sender = ? OR receiver = ?)
	`, id, requester, requester)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountMessages returns the number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
