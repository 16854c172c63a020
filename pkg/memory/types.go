package memory

import "time"

// Speaker identifies the side of the conversation an entry belongs to.
type Speaker string

const (
	// SpeakerUser marks a transcription of the user's microphone input.
	SpeakerUser Speaker = "user"

	// SpeakerModel marks a transcription of the model's synthesised speech.
	SpeakerModel Speaker = "model"
)

// TranscriptEntry is one transcription update of a voice session. Live
// transcriptions arrive as a sequence of fragments; every fragment becomes one
// entry, so reading a session back in order reproduces the conversation.
type TranscriptEntry struct {
	// SessionID is the voice session the entry belongs to. Required.
	SessionID string `json:"session_id"`

	// Speaker is who was transcribed.
	Speaker Speaker `json:"speaker"`

	// Text is the transcription fragment.
	Text string `json:"text"`

	// Timestamp is when the fragment was received. A zero Timestamp is set to
	// the current time by [SessionStore.WriteEntry].
	Timestamp time.Time `json:"timestamp"`
}
