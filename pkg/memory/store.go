// Package memory persists the transcripts produced by OmniMind voice sessions.
//
// A [SessionStore] is an append-only, time-ordered log of [TranscriptEntry]
// records keyed by session ID. [NewInMemory] provides the default
// process-local store; package postgres provides a durable one.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEntry is returned by [SessionStore.WriteEntry] for an entry
// without a session ID.
var ErrInvalidEntry = errors.New("memory: entry has no session id")

// SessionStore is a time-ordered, append-only log of [TranscriptEntry]
// records.
type SessionStore interface {
	// WriteEntry appends entry to the log of entry.SessionID. Returns
	// ErrInvalidEntry (possibly wrapped) if the session ID is empty.
	WriteEntry(ctx context.Context, entry TranscriptEntry) error

	// GetSession returns every entry of sessionID in write order. It returns
	// an empty, non-nil slice for an unknown session.
	GetSession(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// GetRecent returns the entries of sessionID whose Timestamp is no
	// earlier than time.Now()-window, in write order.
	GetRecent(ctx context.Context, sessionID string, window time.Duration) ([]TranscriptEntry, error)
}

// Validate reports whether e can be written.
func (e TranscriptEntry) Validate() error {
	if e.SessionID == "" {
		return ErrInvalidEntry
	}
	return nil
}
