package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"ask-dora/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    profile_id TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    turn_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id),
    UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_conversations_profile ON conversations(profile_id);`

// SQLiteStore keeps conversations in a local SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// SQLite serializes writers anyway, and an in-memory database only
	// exists on the connection that created it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, profileID, ownerID string) (string, error) {
	id := s.newID()
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conversations (id, profile_id, owner_id, turn_count, created_at, updated_at)
        VALUES (?, ?, ?, 0, ?, ?)`,
		id, profileID, ownerID, now, now)
	if err != nil {
		return "", &domain.StorageError{Op: "Create", Err: err}
	}
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx, `
        SELECT id, profile_id, owner_id, turn_count, created_at, updated_at
        FROM conversations
        WHERE id = ?`, conversationID).
		Scan(&conv.ID, &conv.ProfileID, &conv.OwnerID, &conv.TurnCount, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("repository: Get %q: %w", conversationID, domain.ErrConversationNotFound)
	}
	if err != nil {
		return domain.Conversation{}, &domain.StorageError{Op: "Get", Err: err}
	}
	return conv, nil
}

// Append bumps the conversation's turn counter and inserts the turn in one
// transaction, so the counter doubles as the turn sequence number.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, role domain.Role, text string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("repository: Append: unknown role %q", role)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &domain.StorageError{Op: "Append", Err: err}
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
        UPDATE conversations
        SET turn_count = turn_count + 1, updated_at = ?
        WHERE id = ?
        RETURNING turn_count`, now, conversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("repository: Append %q: %w", conversationID, domain.ErrConversationNotFound)
	}
	if err != nil {
		return "", &domain.StorageError{Op: "Append", Err: err}
	}

	id := s.newID()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO turns (id, conversation_id, seq, role, text, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		id, conversationID, seq, string(role), text, now); err != nil {
		return "", &domain.StorageError{Op: "Append", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", &domain.StorageError{Op: "Append", Err: err}
	}
	return id, nil
}

func (s *SQLiteStore) RecentHistory(ctx context.Context, conversationID string, maxTurns int) ([]domain.Turn, error) {
	if maxTurns <= 0 {
		return []domain.Turn{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, conversation_id, seq, role, text, created_at
        FROM turns
        WHERE conversation_id = ?
        ORDER BY seq DESC
        LIMIT ?`, conversationID, maxTurns)
	if err != nil {
		return nil, &domain.StorageError{Op: "RecentHistory", Err: err}
	}
	defer rows.Close()

	turns := make([]domain.Turn, 0, maxTurns)
	for rows.Next() {
		var (
			t    domain.Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, &domain.StorageError{Op: "RecentHistory", Err: err}
		}
		t.Role = domain.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "RecentHistory", Err: err}
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
