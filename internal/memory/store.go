package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/studyloop/studyloop/internal/log"
)

// DB is the database surface the store consumes; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists memory entries in PostgreSQL. Entries are append-only;
// nothing in this package deletes them.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a Store.
func NewStore(db DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Append inserts one entry for the user. The id and timestamp are assigned
// here.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	concepts, err := json.Marshal(entry.Concepts)
	if err != nil {
		return fmt.Errorf("marshaling concepts: %w", err)
	}
	questions, err := json.Marshal(entry.Questions)
	if err != nil {
		return fmt.Errorf("marshaling questions: %w", err)
	}
	tools, err := json.Marshal(entry.ToolsUsed)
	if err != nil {
		return fmt.Errorf("marshaling tools: %w", err)
	}

	id := uuid.New()
	_, err = s.db.Exec(ctx,
		`INSERT INTO memory_entries (id, user_id, topic, concepts, questions, tools_used, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pgtype.UUID{Bytes: id, Valid: true}, entry.UserID, entry.Topic,
		concepts, questions, tools, entry.Confidence)
	if err != nil {
		return fmt.Errorf("appending memory entry: %w", err)
	}

	s.logger.Debug("appended memory entry",
		"user_id", entry.UserID, "topic", entry.Topic, "confidence", entry.Confidence)
	return nil
}

// Recent returns the user's most recent entries, newest first, bounded by
// limit.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, topic, concepts, questions, tools_used, confidence, created_at
		 FROM memory_entries WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading recent memory for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id                        pgtype.UUID
			e                         Entry
			concepts, questions, used []byte
		)
		if err := rows.Scan(&id, &e.UserID, &e.Topic, &concepts, &questions, &used,
			&e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning memory entry: %w", err)
		}
		e.ID = uuid.UUID(id.Bytes)
		if err := json.Unmarshal(concepts, &e.Concepts); err != nil {
			s.logger.Warn("malformed concepts column", "entry_id", e.ID, "error", err)
		}
		if err := json.Unmarshal(questions, &e.Questions); err != nil {
			s.logger.Warn("malformed questions column", "entry_id", e.ID, "error", err)
		}
		if err := json.Unmarshal(used, &e.ToolsUsed); err != nil {
			s.logger.Warn("malformed tools_used column", "entry_id", e.ID, "error", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading recent memory for %s: %w", userID, err)
	}
	return entries, nil
}
