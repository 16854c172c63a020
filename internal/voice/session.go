// Package voice implements the live audio session behind OmniMind's voice
// mode.
//
// A [Session] captures microphone audio at 16 kHz, encodes it as base64 PCM16
// frames and streams them to a remote voice model through a [live.Conn].
// Concurrently it decodes the model's 24 kHz speech and schedules it
// back-to-back on the output device, so that bursty delivery still plays
// gaplessly. Server-signalled interruptions (barge-in) silence everything that
// is queued.
//
// A session is opened with [Open], which returns immediately in
// [StateConnecting] and performs setup in the background. Every exit path
// (explicit [Session.Close], remote close, or a fatal error) releases the
// microphone, the output device and the transport exactly once. There is no
// automatic reconnect; open a new Session instead.
//
// This package is internal because it encapsulates application-private voice
// pipeline logic and is not intended for import by external code.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/omnimind/internal/observe"
	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/provider/live"
	"github.com/google/uuid"
)

// Config holds the collaborators and settings of a Session.
type Config struct {
	// Host opens the microphone and the output device. Required.
	Host audio.Host

	// Provider opens the transport to the remote voice model. Required.
	Provider live.Provider

	// Live is the session-open configuration. Response modality is forced to
	// audio and both transcription directions are always requested.
	Live live.Config

	// CaptureBuffer is the number of capture frames that may queue up while
	// the transport is busy before new frames are dropped. Zero selects the
	// audio package default.
	CaptureBuffer int
}

// Session is one live voice conversation. All methods are safe for concurrent
// use.
type Session struct {
	id      string
	cfg     Config
	onEnded func(error)
	log     *slog.Logger
	metrics *observe.Metrics

	onState           func(State)
	onTranscript      func(string)
	onInputTranscript func(string)
	onQueue           func(int)

	// ctx lives until teardown; it bounds in-flight sends and the setup.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	openedAt time.Time

	// streaming is set once capture frames are forwarded to the transport. The
	// capture drop callback reads it on the device thread.
	streaming atomic.Bool

	mu              sync.Mutex
	state           State
	err             error
	transcript      string
	inputTranscript string
	closing         bool
	transmitting    bool

	// PlaybackQueue: scheduled, unfinished units keyed by unit ID.
	queue    map[uint64]audio.Voice
	nextUnit uint64
	nextFree time.Duration

	capture  audio.Capture
	playback audio.Playback
	conn     live.Conn
}

// Open creates a session and starts setting it up in the background. It never
// blocks on devices or the network. ctx bounds the setup and carries trace
// and logging values; cancelling it after setup has no effect.
//
// onEnded, if non-nil, is called at most once when the session ends on its
// own: with nil after a clean remote close, or with the cause after a fatal
// error. It is not called when the session is ended by [Session.Close].
func Open(ctx context.Context, cfg Config, onEnded func(error), opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		onEnded: onEnded,
		state:   StateConnecting,
		queue:   make(map[uint64]audio.Voice),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session_id", s.id)
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	setupCtx, stopSetup := context.WithCancel(s.ctx)
	detach := context.AfterFunc(ctx, stopSetup)

	s.openedAt = time.Now()
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	if s.onState != nil {
		s.onState(StateConnecting)
	}

	go func() {
		defer detach()
		defer stopSetup()
		s.setup(setupCtx)
	}()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of [StateError], or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Transcript returns the latest transcription of the model's speech.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// InputTranscript returns the latest transcription of the user's speech.
func (s *Session) InputTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTranscript
}

// QueueLen returns the number of scheduled, unfinished playback units.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done returns a channel that is closed once every resource of the session
// has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: it stops capture, stops every pending
// playback unit, closes the output device and closes the transport. It
// returns the joined errors of those releases. Calling Close again, or after
// the session ended on its own, returns nil once teardown has finished.
func (s *Session) Close() error {
	started, err := s.teardown(StateClosed, nil, "closed")
	if !started {
		<-s.done
	}
	return err
}

// ── setup ─────────────────────────────────────────────────────────────────────

func (s *Session) setup(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "voice.setup")
	defer span.End()

	pb, err := s.cfg.Host.OpenPlayback(ctx, audio.PlaybackConfig{SampleRate: audio.OutputSampleRate})
	if err != nil {
		s.fail(fmt.Errorf("%w: open playback: %w", ErrPermissionDenied, err), "device")
		return
	}
	if !s.adopt(func() { s.playback = pb }) {
		_ = pb.Close()
		return
	}

	capture, err := s.cfg.Host.OpenCapture(ctx, audio.CaptureConfig{
		SampleRate:   audio.InputSampleRate,
		ChunkSamples: audio.CaptureChunkSamples,
		Buffer:       s.cfg.CaptureBuffer,
		OnDrop:       func() { s.metrics.RecordFrameDropped(s.ctx, s.dropReason()) },
	})
	if err != nil {
		s.fail(fmt.Errorf("%w: open capture: %w", ErrPermissionDenied, err), "device")
		return
	}
	if !s.adopt(func() { s.capture = capture }) {
		_ = capture.Close()
		return
	}

	lc := s.cfg.Live
	lc.ResponseModalities = []live.Modality{live.ModalityAudio}
	lc.InputTranscription = true
	lc.OutputTranscription = true

	conn, err := s.cfg.Provider.Connect(ctx, lc)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrConnectionFailure, err), "connect")
		return
	}
	if !s.adopt(func() { s.conn = conn }) {
		go audio.Drain(conn.Events())
		_ = conn.Close()
		return
	}

	s.log.Debug("voice session transport connected", "model", lc.Model, "voice", lc.Voice)
	go s.receive(conn)
}

// adopt stores a freshly acquired resource unless teardown already began, in
// which case the caller must release it.
func (s *Session) adopt(store func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	store()
	return true
}

// ── receive path ──────────────────────────────────────────────────────────────

// receive consumes the transport's events in arrival order until the channel
// is closed. Events arriving after teardown are drained and ignored.
func (s *Session) receive(conn live.Conn) {
	for ev := range conn.Events() {
		switch ev.Type {
		case live.EventOpened:
			s.handleOpened(conn)
		case live.EventMessage:
			if ev.Message != nil {
				s.handleMessage(ev.Message)
			}
		case live.EventError:
			s.fail(fmt.Errorf("%w: %w", ErrConnectionFailure, ev.Err), "stream")
		case live.EventClosed:
			if ev.Err != nil {
				s.fail(fmt.Errorf("%w: %w", ErrConnectionFailure, ev.Err), "stream")
				continue
			}
			s.handleRemoteClose()
		}
	}
}

func (s *Session) handleOpened(conn live.Conn) {
	var n notes
	s.mu.Lock()
	if s.closing || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	capture := s.capture
	start := !s.transmitting
	s.transmitting = true
	if start {
		if n := discardStale(capture.Frames()); n > 0 {
			s.metrics.RecordFramesDropped(s.ctx, "stale", n)
		}
		s.streaming.Store(true)
	}
	s.setStateLocked(StateListening, &n)
	s.mu.Unlock()

	setup := time.Since(s.openedAt)
	s.metrics.SetupDuration.Record(s.ctx, setup.Seconds())
	s.log.Info("voice session listening", "setup", setup)

	if start {
		go s.transmit(capture, conn)
	}
	n.run()
}

func (s *Session) handleRemoteClose() {
	started, err := s.teardown(StateClosed, nil, "remote_closed")
	if !started {
		return
	}
	if err != nil {
		s.log.Warn("voice session release failed", "err", err)
	}
	s.log.Info("voice session closed by remote")
	if s.onEnded != nil {
		s.onEnded(nil)
	}
}

// handleMessage applies one server message: transcriptions first, then audio,
// then the interruption flag.
func (s *Session) handleMessage(m *live.Message) {
	if err := m.ServerError; err != nil {
		s.metrics.ServerErrors.Add(s.ctx, 1)
		s.log.Warn("live service reported an error", "err", err)
	}

	var n notes
	s.mu.Lock()
	if s.closing || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}

	if t := m.OutputTranscription; t != nil {
		s.transcript = t.Text
		s.metrics.RecordTranscript(s.ctx, "output")
		if fn := s.onTranscript; fn != nil {
			text := t.Text
			n.add(func() { fn(text) })
		}
	}
	if t := m.InputTranscription; t != nil {
		s.inputTranscript = t.Text
		s.metrics.RecordTranscript(s.ctx, "input")
		if fn := s.onInputTranscript; fn != nil {
			text := t.Text
			n.add(func() { fn(text) })
		}
	}
	if len(m.Audio) > 0 {
		s.scheduleLocked(m.Audio[0], &n)
	}
	if m.Interrupted {
		s.interruptLocked(&n)
	}
	if m.TurnComplete {
		s.metrics.TurnsCompleted.Add(s.ctx, 1)
		s.log.Debug("voice turn complete", "queued", len(s.queue))
	}
	s.mu.Unlock()
	n.run()
}

// ── transmit path ─────────────────────────────────────────────────────────────

// discardStale drops the frames captured before the session started
// listening and returns how many there were.
func discardStale(frames <-chan []float32) int {
	n := 0
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// dropReason classifies a frame the capture device could not queue. Before
// the session listens nothing drains the buffer, so a full buffer is expected.
func (s *Session) dropReason() string {
	if s.streaming.Load() {
		return "overflow"
	}
	return "stale"
}

// transmit forwards capture frames to the transport in capture order until the
// capture is closed. Send failures drop the frame; fatal transport errors
// surface through the event stream.
func (s *Session) transmit(capture audio.Capture, conn live.Conn) {
	for frame := range capture.Frames() {
		chunk := live.MediaChunk{
			MIMEType: audio.InputMIMEType,
			Data:     audio.EncodeFrame(frame),
		}
		if err := conn.Send(s.ctx, chunk); err != nil {
			s.metrics.RecordFrameDropped(s.ctx, "send_error")
			if !errors.Is(err, live.ErrClosed) && s.ctx.Err() == nil {
				s.log.Debug("voice frame send failed", "err", err)
			}
			continue
		}
		s.metrics.FramesSent.Add(s.ctx, 1)
	}
}

// ── termination ───────────────────────────────────────────────────────────────

// fail moves a live session to StateError, releases its resources and
// reports err through onEnded. It is a no-op once teardown has begun.
func (s *Session) fail(err error, kind string) {
	started, relErr := s.teardown(StateError, err, "error")
	if !started {
		return
	}
	s.metrics.RecordTransportError(s.ctx, kind)
	s.log.Error("voice session failed", "err", err)
	if relErr != nil {
		s.log.Warn("voice session release failed", "err", relErr)
	}
	if s.onEnded != nil {
		s.onEnded(err)
	}
}

// teardown performs the one-time shutdown. It reports whether this call
// performed it. Resources are released in order: capture, pending playback
// units together with the output device, transport.
func (s *Session) teardown(final State, cause error, outcome string) (bool, error) {
	var n notes
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false, nil
	}
	s.closing = true
	if final == StateError {
		s.err = cause
	}
	s.setStateLocked(final, &n)
	s.stopAllLocked(&n)
	capture, playback, conn := s.capture, s.playback, s.conn
	s.mu.Unlock()

	s.cancel()

	var errs []error
	if capture != nil {
		if err := capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("voice: close capture: %w", err))
		}
	}
	if playback != nil {
		if err := playback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("voice: close playback: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("voice: close transport: %w", err))
		}
	}

	s.metrics.ActiveSessions.Add(s.ctx, -1)
	s.metrics.RecordSessionEnd(s.ctx, outcome)
	close(s.done)

	n.run()
	return true, errors.Join(errs...)
}

// ── state helpers ─────────────────────────────────────────────────────────────

// setStateLocked transitions to st and queues the notification. Terminal
// states are never left. Must be called with s.mu held.
func (s *Session) setStateLocked(st State, n *notes) {
	if s.state == st || s.state.Terminal() {
		return
	}
	s.log.Debug("voice state", "from", s.state, "to", st)
	s.state = st
	if fn := s.onState; fn != nil {
		n.add(func() { fn(st) })
	}
}

func (s *Session) queueChangedLocked(n *notes) {
	if fn := s.onQueue; fn != nil {
		size := len(s.queue)
		n.add(func() { fn(size) })
	}
}

// notes collects observer notifications while the session lock is held so
// they can be delivered in order after it is released.
type notes []func()

func (n *notes) add(fn func()) { *n = append(*n, fn) }

func (n notes) run() {
	for _, fn := range n {
		fn()
	}
}
