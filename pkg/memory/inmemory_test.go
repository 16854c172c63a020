package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestInMemory_WriteAndGetSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemory()

	entries := []TranscriptEntry{
		{SessionID: "a", Speaker: SpeakerUser, Text: "hi"},
		{SessionID: "b", Speaker: SpeakerModel, Text: "other session"},
		{SessionID: "a", Speaker: SpeakerModel, Text: "Hello"},
		{SessionID: "a", Speaker: SpeakerModel, Text: "How can I help"},
	}
	for _, e := range entries {
		if err := s.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry(%+v): %v", e, err)
		}
	}

	got, err := s.GetSession(ctx, "a")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	var texts []string
	for _, e := range got {
		texts = append(texts, e.Text)
		if e.Timestamp.IsZero() {
			t.Errorf("entry %q has zero timestamp", e.Text)
		}
	}
	if want := []string{"hi", "Hello", "How can I help"}; !slices.Equal(texts, want) {
		t.Errorf("texts = %v, want %v", texts, want)
	}
	if ids := s.Sessions(); !slices.Equal(ids, []string{"a", "b"}) {
		t.Errorf("Sessions() = %v", ids)
	}
}

func TestInMemory_GetSessionReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemory()
	_ = s.WriteEntry(ctx, TranscriptEntry{SessionID: "a", Text: "one"})

	got, _ := s.GetSession(ctx, "a")
	got[0].Text = "mutated"

	again, _ := s.GetSession(ctx, "a")
	if again[0].Text != "one" {
		t.Errorf("store was mutated through returned slice: %q", again[0].Text)
	}
}

func TestInMemory_UnknownSessionIsEmpty(t *testing.T) {
	t.Parallel()
	got, err := NewInMemory().GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("GetSession(unknown) = %#v, want empty non-nil slice", got)
	}
}

func TestInMemory_RejectsMissingSessionID(t *testing.T) {
	t.Parallel()
	err := NewInMemory().WriteEntry(context.Background(), TranscriptEntry{Text: "orphan"})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("err = %v, want ErrInvalidEntry", err)
	}
}

func TestInMemory_GetRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewInMemory()
	s.now = func() time.Time { return now }

	for _, age := range []time.Duration{10 * time.Minute, 2 * time.Minute, time.Minute, 0} {
		_ = s.WriteEntry(ctx, TranscriptEntry{SessionID: "a", Text: age.String(), Timestamp: now.Add(-age)})
	}

	got, err := s.GetRecent(ctx, "a", 2*time.Minute)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	var texts []string
	for _, e := range got {
		texts = append(texts, e.Text)
	}
	if want := []string{"2m0s", "1m0s", "0s"}; !slices.Equal(texts, want) {
		t.Errorf("texts = %v, want %v", texts, want)
	}
}

func TestInMemory_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewInMemory()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for range 50 {
				_ = s.WriteEntry(ctx, TranscriptEntry{SessionID: "a", Text: string(rune('a' + i))})
			}
		})
	}
	wg.Wait()

	got, _ := s.GetSession(ctx, "a")
	if len(got) != 400 {
		t.Errorf("len = %d, want 400", len(got))
	}
}
