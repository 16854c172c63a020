package memory

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ SessionStore = (*InMemory)(nil)

// InMemory is a process-local [SessionStore]. Entries are lost when the
// process exits.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string][]TranscriptEntry
	now      func() time.Time
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string][]TranscriptEntry), now: time.Now}
}

// WriteEntry implements [SessionStore].
func (m *InMemory) WriteEntry(_ context.Context, entry TranscriptEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[entry.SessionID] = append(m.sessions[entry.SessionID], entry)
	return nil
}

// GetSession implements [SessionStore].
func (m *InMemory) GetSession(_ context.Context, sessionID string) ([]TranscriptEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.sessions[sessionID])
	if out == nil {
		out = []TranscriptEntry{}
	}
	return out, nil
}

// GetRecent implements [SessionStore].
func (m *InMemory) GetRecent(_ context.Context, sessionID string, window time.Duration) ([]TranscriptEntry, error) {
	cutoff := m.now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []TranscriptEntry{}
	for _, e := range m.sessions[sessionID] {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Sessions returns the IDs of every session with at least one entry, sorted.
func (m *InMemory) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
