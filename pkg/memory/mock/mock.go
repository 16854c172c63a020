// Package mock provides a test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. Written entries are kept so
// that GetSession and GetRecent behave like a real store unless a result is
// configured. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	store.WriteEntryErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("WriteEntry"); got != 1 {
//	    t.Errorf("expected 1 WriteEntry call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/omnimind/pkg/memory"
)

var _ memory.SessionStore = (*SessionStore)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
type SessionStore struct {
	mu sync.Mutex

	calls   []Call
	entries []memory.TranscriptEntry

	// WriteEntryErr is returned by WriteEntry when non-nil; the entry is not
	// kept.
	WriteEntryErr error

	// GetSessionResult, when non-nil, is returned by GetSession instead of
	// the written entries.
	GetSessionResult []memory.TranscriptEntry

	// GetSessionErr is returned by GetSession when non-nil.
	GetSessionErr error

	// GetRecentErr is returned by GetRecent when non-nil.
	GetRecentErr error

	// Written, if non-nil, receives every successfully written entry. Sends
	// do not block; entries are dropped when the channel is full.
	Written chan memory.TranscriptEntry
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Entries returns a copy of every successfully written entry.
func (m *SessionStore) Entries() []memory.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.TranscriptEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{entry}})
	if m.WriteEntryErr != nil {
		err := m.WriteEntryErr
		m.mu.Unlock()
		return err
	}
	if err := entry.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.entries = append(m.entries, entry)
	ch := m.Written
	m.mu.Unlock()

	if ch != nil {
		select {
		case ch <- entry:
		default:
		}
	}
	return nil
}

// GetSession implements [memory.SessionStore].
func (m *SessionStore) GetSession(_ context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetSession", Args: []any{sessionID}})
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	if m.GetSessionResult != nil {
		out := make([]memory.TranscriptEntry, len(m.GetSessionResult))
		copy(out, m.GetSessionResult)
		return out, nil
	}
	out := []memory.TranscriptEntry{}
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetRecent implements [memory.SessionStore].
func (m *SessionStore) GetRecent(_ context.Context, sessionID string, window time.Duration) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRecent", Args: []any{sessionID, window}})
	if m.GetRecentErr != nil {
		return nil, m.GetRecentErr
	}
	cutoff := time.Now().Add(-window)
	out := []memory.TranscriptEntry{}
	for _, e := range m.entries {
		if e.SessionID == sessionID && !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}
