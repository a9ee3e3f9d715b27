// Package memory records compact per-user study context from completed
// turns and renders it back into a digest for the prompt composer.
//
// Memory is an enrichment, not a requirement: every failure path here is
// logged and swallowed so it can never affect a user-visible response.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one appended memory record for a user.
type Entry struct {
	ID         uuid.UUID
	UserID     string
	Topic      string
	Concepts   []string
	Questions  []string
	ToolsUsed  []string
	Confidence float64
	CreatedAt  time.Time
}

// Turn is the plain-text view of one completed conversation turn.
type Turn struct {
	UserText      string
	AssistantText string
	ToolsUsed     []string
}

// Extractor derives a memory entry from a completed turn.
//
// The interface exists so the heuristic can be swapped for a classifier
// without touching the recorder's contract.
type Extractor interface {
	Extract(turn Turn) (Entry, error)
}
