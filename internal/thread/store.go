package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/studyloop/studyloop/internal/log"
)

var (
	// ErrThreadNotFound indicates the thread id does not exist.
	ErrThreadNotFound = errors.New("thread not found")
)

// DB is the database surface the store consumes. *pgxpool.Pool satisfies it;
// tests substitute a fake. Interface defined by the consumer, not the driver.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists threads and messages in PostgreSQL.
// Safe for concurrent use; write ordering within a thread is serialized by
// a row lock on the thread, which is what keeps sequence numbers gapless
// under concurrent turns.
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

// CreateThread creates a new thread for the given user.
func (s *Store) CreateThread(ctx context.Context, userID, title string) (*Thread, error) {
	id := uuid.New()
	row := s.db.QueryRow(ctx,
		`INSERT INTO threads (id, user_id, title) VALUES ($1, $2, $3)
		 RETURNING id, user_id, title, created_at`,
		uuidToPg(id), userID, title)

	th, err := scanThread(row)
	if err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	s.logger.Debug("created thread", "thread_id", th.ID, "user_id", userID)
	return th, nil
}

// GetThread retrieves a thread by id.
func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, user_id, title, created_at FROM threads WHERE id = $1`,
		uuidToPg(id))

	th, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}
	return th, nil
}

// ListThreads returns the user's threads, most recent first.
func (s *Store) ListThreads(ctx context.Context, userID string, limit int32) ([]*Thread, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, title, created_at FROM threads
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	return threads, nil
}

// UpdateTitle sets the thread title. Titles are the one mutable thread field.
func (s *Store) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE threads SET title = $2 WHERE id = $1`, uuidToPg(id), title)
	if err != nil {
		return fmt.Errorf("updating title for thread %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return nil
}

// Messages returns all messages of a thread ordered by sequence number.
func (s *Store) Messages(ctx context.Context, threadID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, thread_id, role, parts, metadata, sequence_number, created_at
		 FROM messages WHERE thread_id = $1 ORDER BY sequence_number ASC`,
		uuidToPg(threadID))
	if err != nil {
		return nil, fmt.Errorf("getting messages for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			// A single malformed row must not hide the rest of the history.
			s.logger.Warn("skipping malformed message row", "thread_id", threadID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getting messages for thread %s: %w", threadID, err)
	}
	return messages, nil
}

// GetThreadWithMessages loads a thread and its full ordered message history.
func (s *Store) GetThreadWithMessages(ctx context.Context, id uuid.UUID) (*Thread, []*Message, error) {
	th, err := s.GetThread(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.Messages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return th, messages, nil
}

// UpsertMessage inserts a message, or replaces its parts and metadata when
// the id already exists. The replace path is what resumption and resubmitted
// turns rely on: same id, repaired parts, no duplicate log entry.
//
// The thread row is locked for the duration of the transaction so the next
// sequence number is assigned race-free.
func (s *Store) UpsertMessage(ctx context.Context, msg *Message) error {
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshaling message parts: %w", err)
	}
	var metaJSON []byte
	if msg.Metadata != nil {
		if metaJSON, err = json.Marshal(msg.Metadata); err != nil {
			return fmt.Errorf("marshaling message metadata: %w", err)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		// No-op after successful commit.
		_ = tx.Rollback(ctx)
	}()

	// Lock the thread row to serialize sequence assignment.
	var locked pgtype.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM threads WHERE id = $1 FOR UPDATE`,
		uuidToPg(msg.ThreadID)).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, msg.ThreadID)
	}
	if err != nil {
		return fmt.Errorf("locking thread %s: %w", msg.ThreadID, err)
	}

	var maxSeq int32
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE thread_id = $1`,
		uuidToPg(msg.ThreadID)).Scan(&maxSeq); err != nil {
		return fmt.Errorf("reading max sequence: %w", err)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO messages (id, thread_id, role, parts, metadata, sequence_number)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET parts = EXCLUDED.parts, metadata = EXCLUDED.metadata
		 RETURNING sequence_number, created_at`,
		uuidToPg(msg.ID), uuidToPg(msg.ThreadID), string(msg.Role), partsJSON, metaJSON, maxSeq+1)
	if err := row.Scan(&msg.Sequence, &msg.CreatedAt); err != nil {
		return fmt.Errorf("upserting message %s: %w", msg.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message %s: %w", msg.ID, err)
	}

	s.logger.Debug("upserted message",
		"message_id", msg.ID, "thread_id", msg.ThreadID, "sequence", msg.Sequence)
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanThread(row scannable) (*Thread, error) {
	var (
		id pgtype.UUID
		th Thread
	)
	if err := row.Scan(&id, &th.UserID, &th.Title, &th.CreatedAt); err != nil {
		return nil, err
	}
	th.ID = pgToUUID(id)
	return &th, nil
}

func scanMessage(row scannable) (*Message, error) {
	var (
		id, threadID pgtype.UUID
		role         string
		partsJSON    []byte
		metaJSON     []byte
		msg          Message
	)
	if err := row.Scan(&id, &threadID, &role, &partsJSON, &metaJSON,
		&msg.Sequence, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.ID = pgToUUID(id)
	msg.ThreadID = pgToUUID(threadID)
	msg.Role = Role(role)
	if err := json.Unmarshal(partsJSON, &msg.Parts); err != nil {
		return nil, fmt.Errorf("unmarshaling parts: %w", err)
	}
	if len(metaJSON) > 0 {
		msg.Metadata = &Metadata{}
		if err := json.Unmarshal(metaJSON, msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &msg, nil
}

func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgToUUID(id pgtype.UUID) uuid.UUID {
	return uuid.UUID(id.Bytes)
}
