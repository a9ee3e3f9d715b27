// Package prefs reads per-user preferences and per-(user, tool-server)
// customization text. Read-only from the orchestration core's perspective;
// writes happen through the account settings surface, which lives outside
// this repository.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/studyloop/studyloop/internal/log"
)

// Preferences holds what the prompt composer needs to personalize the persona.
type Preferences struct {
	UserID      string
	DisplayName string
	// Values are free-form key/value settings chosen by the student,
	// e.g. "tone" -> "casual", "language" -> "de".
	Values map[string]string
}

// DB is the database surface the store consumes; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads preferences and customizations from PostgreSQL.
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

// Preferences returns the user's stored preferences. A user without a row
// gets empty preferences; that is the common case for new students and is
// not an error.
func (s *Store) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	var (
		displayName string
		valuesJSON  []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT display_name, preferences FROM user_preferences WHERE user_id = $1`,
		userID).Scan(&displayName, &valuesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Preferences{UserID: userID, Values: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting preferences for %s: %w", userID, err)
	}

	p := &Preferences{UserID: userID, DisplayName: displayName, Values: map[string]string{}}
	if len(valuesJSON) > 0 {
		if err := json.Unmarshal(valuesJSON, &p.Values); err != nil {
			// Keep the defaults rather than failing the turn over a bad row.
			s.logger.Warn("malformed preferences row", "user_id", userID, "error", err)
			p.Values = map[string]string{}
		}
	}
	return p, nil
}

// Customizations returns the user's per-tool-server instruction text,
// keyed by server id. Only servers that actually contribute tools to a
// turn end up in the prompt; that filtering happens in the composer.
func (s *Store) Customizations(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT server_id, instructions FROM server_customizations WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("getting customizations for %s: %w", userID, err)
	}
	defer rows.Close()

	custom := make(map[string]string)
	for rows.Next() {
		var serverID, instructions string
		if err := rows.Scan(&serverID, &instructions); err != nil {
			return nil, fmt.Errorf("scanning customization: %w", err)
		}
		custom[serverID] = instructions
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getting customizations for %s: %w", userID, err)
	}
	return custom, nil
}
