package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/omnimind/internal/config"
	"github.com/MrWong99/omnimind/internal/observe"
	"github.com/MrWong99/omnimind/internal/voice"
	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/memory"
	"github.com/MrWong99/omnimind/pkg/provider/live"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a voice
	// session is running.
	ErrSessionActive = errors.New("app: a voice session is already active")

	// ErrNoSession is returned by [SessionManager.Stop] when nothing runs.
	ErrNoSession = errors.New("app: no active voice session")

	// ErrUnavailable is returned by [SessionManager.Start] when every live
	// transport has an open circuit.
	ErrUnavailable = errors.New("app: live transport unavailable")
)

// transcriptBuffer bounds the transcript entries waiting to be persisted.
const transcriptBuffer = 64

// writeTimeout bounds a single transcript write.
const writeTimeout = 5 * time.Second

// Transport is the live provider a [SessionManager] connects through, together
// with a health probe. [resilience.LiveFallback] implements it.
type Transport interface {
	live.Provider

	// Available reports whether a connection attempt would be made at all.
	Available() bool
}

// SessionInfo describes the current or most recent voice session.
type SessionInfo struct {
	SessionID       string    `json:"session_id"`
	Active          bool      `json:"active"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	Transcript      string    `json:"transcript"`
	InputTranscript string    `json:"input_transcript"`
	QueueLen        int       `json:"queue_len"`
	Error           string    `json:"error,omitempty"`
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Host          audio.Host
	Transport     Transport
	Live          config.LiveConfig
	CaptureBuffer int
	Store         memory.SessionStore
	Metrics       *observe.Metrics
	Logger        *slog.Logger
}

// SessionManager runs at most one voice session at a time and persists its
// transcripts. All exported methods are safe for concurrent use.
type SessionManager struct {
	host          audio.Host
	captureBuffer int
	store         memory.SessionStore
	metrics       *observe.Metrics
	log           *slog.Logger

	mu        sync.Mutex
	transport Transport
	live      config.LiveConfig
	current   *voice.Session
	startedAt time.Time
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		host:          cfg.Host,
		captureBuffer: cfg.CaptureBuffer,
		store:         cfg.Store,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
		transport:     cfg.Transport,
		live:          cfg.Live,
	}
}

// SetLive replaces the transport and live settings. A running session keeps
// the ones it was opened with; the change applies to the next [Start].
func (sm *SessionManager) SetLive(lc config.LiveConfig, t Transport) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.live = lc
	sm.transport = t
}

// Start opens a new voice session and returns immediately; the session
// reports its progress through [SessionManager.Info]. The session outlives
// ctx, which only contributes trace and logging values.
func (sm *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != nil && !sm.current.State().Terminal() {
		return sm.infoLocked(), fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.current.ID())
	}
	if !sm.transport.Available() {
		return SessionInfo{}, ErrUnavailable
	}

	id := uuid.NewString()
	log := observe.Logger(ctx, sm.log).With("session_id", id)
	rec := newTranscriptRecorder(sm.store, id, log)

	cfg := voice.Config{
		Host:     sm.host,
		Provider: sm.transport,
		Live: live.Config{
			Model:        sm.live.Model,
			Voice:        sm.live.Voice,
			Instructions: sm.live.Persona,
		},
		CaptureBuffer: sm.captureBuffer,
	}
	onEnded := func(err error) {
		if err != nil {
			log.Warn("voice session ended with error", "err", err)
			return
		}
		log.Info("voice session ended by remote side")
	}
	s := voice.Open(context.WithoutCancel(ctx), cfg, onEnded,
		voice.WithID(id),
		voice.WithLogger(sm.log),
		voice.WithMetrics(sm.metrics),
		voice.WithTranscriptHandler(func(text string) { rec.add(memory.SpeakerModel, text) }),
		voice.WithInputTranscriptHandler(func(text string) { rec.add(memory.SpeakerUser, text) }),
		voice.WithStateHandler(func(st voice.State) { log.Debug("voice state", "state", st) }),
	)
	go rec.run(s.Done())

	sm.current = s
	sm.startedAt = time.Now().UTC()
	log.Info("voice session started", "voice", sm.live.Voice, "model", sm.live.Model)
	return sm.infoLocked(), nil
}

// Stop closes the active session.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	s := sm.current
	sm.mu.Unlock()

	if s == nil || s.State().Terminal() {
		return ErrNoSession
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("app: close voice session: %w", err)
	}
	return nil
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current != nil && !sm.current.State().Terminal()
}

// Info describes the active session, or the most recent one if none is
// active. The zero SessionInfo means no session was ever started.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.infoLocked()
}

func (sm *SessionManager) infoLocked() SessionInfo {
	s := sm.current
	if s == nil {
		return SessionInfo{}
	}
	st := s.State()
	info := SessionInfo{
		SessionID:       s.ID(),
		Active:          !st.Terminal(),
		State:           st.String(),
		StartedAt:       sm.startedAt,
		Transcript:      s.Transcript(),
		InputTranscript: s.InputTranscript(),
		QueueLen:        s.QueueLen(),
	}
	if err := s.Err(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// Done returns a channel closed when the current session has ended. It is
// nil when no session was ever started.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == nil {
		return nil
	}
	return sm.current.Done()
}

// Err returns the terminal error of the current session.
func (sm *SessionManager) Err() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == nil {
		return nil
	}
	return sm.current.Err()
}

// transcriptRecorder persists transcription updates off the session's
// handler goroutines. Entries are dropped when the store falls behind.
type transcriptRecorder struct {
	store     memory.SessionStore
	sessionID string
	log       *slog.Logger
	entries   chan memory.TranscriptEntry

	// mu guards flushed. Once run has started its final flush, late
	// handler calls write their entry themselves.
	mu      sync.Mutex
	flushed bool
}

func newTranscriptRecorder(store memory.SessionStore, sessionID string, log *slog.Logger) *transcriptRecorder {
	return &transcriptRecorder{
		store:     store,
		sessionID: sessionID,
		log:       log,
		entries:   make(chan memory.TranscriptEntry, transcriptBuffer),
	}
}

func (r *transcriptRecorder) add(speaker memory.Speaker, text string) {
	if text == "" {
		return
	}
	e := memory.TranscriptEntry{
		SessionID: r.sessionID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	r.mu.Lock()
	if r.flushed {
		r.mu.Unlock()
		// The session has ended, so blocking its handler is harmless.
		r.write(e)
		return
	}
	select {
	case r.entries <- e:
	default:
		r.log.Warn("transcript buffer full, dropping entry", "speaker", speaker)
	}
	r.mu.Unlock()
}

// run writes entries until done is closed, then flushes what is buffered.
// Entries added after that are written by add.
func (r *transcriptRecorder) run(done <-chan struct{}) {
	for {
		select {
		case e := <-r.entries:
			r.write(e)
		case <-done:
			r.mu.Lock()
			r.flushed = true
			r.mu.Unlock()
			for {
				select {
				case e := <-r.entries:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *transcriptRecorder) write(e memory.TranscriptEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.WriteEntry(ctx, e); err != nil {
		r.log.Warn("failed to persist transcript", "speaker", e.Speaker, "err", err)
	}
}
