// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects PCM16 at 24 kHz in both directions, so outbound
// 16 kHz frames are resampled before they are appended to the input buffer.
// Server-side voice activity detection reports barge-in through
// input_audio_buffer.speech_started, which is surfaced as an interruption.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeSampleRate is the only PCM16 rate the Realtime API accepts.
	realtimeSampleRate = 24000

	readLimit   = 16 << 20
	eventBuffer = 64
)

// voices lists the voice identities the Realtime API accepts. Any other
// configured voice (such as a Gemini voice name) falls back to defaultVoice.
var voices = map[string]bool{
	"alloy": true, "ash": true, "ballad": true, "coral": true,
	"echo": true, "sage": true, "shimmer": true, "verse": true,
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used when live.Config.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new OpenAI Realtime session. The returned Conn emits
// live.EventOpened once the server confirms the session.update.
//
// Gemini model identifiers are meaningless to OpenAI, so cfg.Model is only
// honoured when it looks like an OpenAI realtime model.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	model := p.model
	if strings.HasPrefix(cfg.Model, "gpt-") {
		model = cfg.Model
	}
	cfg = cfg.WithDefaults()

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: live.NewEmitter(eventBuffer),
		ctx:    connCtx,
		cancel: connCancel,
	}

	if err := c.writeJSON(ctx, newSessionUpdate(cfg)); err != nil {
		connCancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go c.receiveLoop()
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

func newSessionUpdate(cfg live.Config) sessionUpdateMessage {
	voice := strings.ToLower(cfg.Voice)
	if !voices[voice] {
		voice = defaultVoice
	}

	// The Realtime API always produces a transcript alongside audio; "text"
	// must be present for audio output to be allowed.
	modalities := []string{"text"}
	for _, m := range cfg.ResponseModalities {
		if m == live.ModalityAudio {
			modalities = append(modalities, "audio")
		}
	}

	params := sessionParams{
		Modalities:        modalities,
		Voice:             voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionConfig{Model: "whisper-1"}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events *live.Emitter

	mu     sync.Mutex
	closed bool

	// outputText accumulates response.audio_transcript.delta events of the
	// current response. Only touched by receiveLoop.
	outputText string

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns the
// event channel and always finishes with EventClosed.
func (c *conn) receiveLoop() {
	var cause error
	defer func() { c.events.Close(cause) }()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			cause = fmt.Errorf("openai: read: %w", err)
			c.events.Error(cause)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *conn) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.updated":
		c.events.Opened()

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		c.events.Message(&live.Message{Audio: []live.InlineAudio{{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", realtimeSampleRate),
			Data:     evt.Delta,
		}}})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		c.outputText += evt.Delta
		c.events.Message(&live.Message{
			OutputTranscription: &live.Transcription{Text: c.outputText},
		})

	case "response.audio_transcript.done":
		c.outputText = ""

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		c.events.Message(&live.Message{
			InputTranscription: &live.Transcription{Text: evt.Transcript},
		})

	case "input_audio_buffer.speech_started":
		c.events.Message(&live.Message{Interrupted: true})

	case "response.done":
		c.events.Message(&live.Message{TurnComplete: true})

	case "error":
		c.events.Message(&live.Message{ServerError: newServerError(evt.Error)})
	}
}

// newServerError formats an in-band error event. OpenAI keeps the session
// open after these, so they are not transport failures.
func newServerError(d *serverErrorDetail) error {
	if d == nil {
		return errors.New("openai: unknown error")
	}
	text := d.Message
	if text == "" {
		text = "unknown error"
	}
	kind := d.Code
	if kind == "" {
		kind = d.Type
	}
	if kind != "" {
		return fmt.Errorf("openai: %s (%s)", text, kind)
	}
	return fmt.Errorf("openai: %s", text)
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

// Send resamples one 16 kHz PCM16 frame to 24 kHz and appends it to the
// server-side input buffer.
func (c *conn) Send(ctx context.Context, chunk live.MediaChunk) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: send: %w", live.ErrClosed)
	}
	c.mu.Unlock()

	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("openai: send: payload: %w", err)
	}
	pcm, err := audio.DecodePCM16(raw)
	if err != nil {
		return fmt.Errorf("openai: send: %w", err)
	}

	out := audio.ResampleMono16(pcm, rateOf(chunk.MIMEType), realtimeSampleRate)

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio.EncodePCM16(out)),
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		if c.ctx.Err() != nil {
			return fmt.Errorf("openai: send: %w", errors.Join(live.ErrClosed, err))
		}
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// rateOf extracts the rate parameter of a PCM MIME type. It defaults to the
// capture rate.
func rateOf(mime string) int {
	_, params, ok := strings.Cut(mime, "rate=")
	if !ok {
		return audio.InputSampleRate
	}
	var rate int
	if _, err := fmt.Sscanf(params, "%d", &rate); err != nil || rate <= 0 {
		return audio.InputSampleRate
	}
	return rate
}

// Events returns the event channel.
func (c *conn) Events() <-chan live.Event { return c.events.Events() }

// Close terminates the connection. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
