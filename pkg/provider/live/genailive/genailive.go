// Package genailive implements live.Provider on top of the official Google Gen
// AI SDK (google.golang.org/genai).
//
// It is an alternative to the hand-written WebSocket transport in package
// gemini. The SDK owns the wire protocol and also supports the Vertex AI
// backend; this package only translates between SDK types and live types.
package genailive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/omnimind/pkg/provider/live"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const eventBuffer = 64

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default model used when live.Config.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the service base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.httpOpts.BaseURL = url }
}

// WithAPIVersion overrides the API version (default "v1beta").
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.httpOpts.APIVersion = v }
}

// WithVertexAI routes the connection through Vertex AI using application
// default credentials for the given project and location.
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.backend = genai.BackendVertexAI
		p.project = project
		p.location = location
	}
}

// Provider implements live.Provider via genai.Client.Live.
type Provider struct {
	apiKey   string
	model    string
	backend  genai.Backend
	project  string
	location string
	httpOpts genai.HTTPOptions
}

// New creates a Provider authenticating with apiKey against the Gemini API.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:   apiKey,
		model:    live.DefaultModel,
		backend:  genai.BackendGeminiAPI,
		httpOpts: genai.HTTPOptions{APIVersion: "v1beta"},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect creates an SDK client, opens a live session and starts the receive
// goroutine.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	cfg = cfg.WithDefaults()

	cc := &genai.ClientConfig{
		Backend:     p.backend,
		HTTPOptions: p.httpOpts,
	}
	if p.backend == genai.BackendVertexAI {
		cc.Project = p.project
		cc.Location = p.location
	} else {
		cc.APIKey = p.apiKey
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}

	session, err := client.Live.Connect(ctx, cfg.Model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	c := &conn{
		session: session,
		events:  live.NewEmitter(eventBuffer),
	}
	go c.receiveLoop()
	return c, nil
}

// connectConfig translates live.Config into the SDK's session configuration.
func connectConfig(cfg live.Config) *genai.LiveConnectConfig {
	modalities := make([]genai.Modality, len(cfg.ResponseModalities))
	for i, m := range cfg.ResponseModalities {
		modalities[i] = genai.Modality(m)
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities: modalities,
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		},
		SystemInstruction: genai.NewContentFromText(cfg.Instructions, genai.RoleUser),
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// translate maps an SDK server message. opened reports a setup
// acknowledgement; msg is nil when nothing actionable was carried.
func translate(sm *genai.LiveServerMessage) (msg *live.Message, opened bool) {
	if sm == nil {
		return nil, false
	}
	opened = sm.SetupComplete != nil

	sc := sm.ServerContent
	if sc == nil {
		return nil, opened
	}
	m := &live.Message{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil {
				continue
			}
			m.Audio = append(m.Audio, live.InlineAudio{
				MIMEType: p.InlineData.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
			})
		}
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		m.InputTranscription = &live.Transcription{Text: t.Text}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		m.OutputTranscription = &live.Transcription{Text: t.Text}
	}
	if len(m.Audio) == 0 && m.InputTranscription == nil && m.OutputTranscription == nil &&
		!m.Interrupted && !m.TurnComplete {
		return nil, opened
	}
	return m, opened
}

// realtimeInput translates a media chunk into the SDK input. The SDK carries
// raw bytes and performs its own base64 encoding.
func realtimeInput(chunk live.MediaChunk) (genai.LiveRealtimeInput, error) {
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return genai.LiveRealtimeInput{}, fmt.Errorf("genailive: chunk payload: %w", err)
	}
	return genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: chunk.MIMEType},
	}, nil
}

type conn struct {
	session *genai.Session
	events  *live.Emitter

	// sendMu serialises writes; the SDK session is not safe for concurrent
	// writers.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) receiveLoop() {
	var cause error
	defer func() { c.events.Close(cause) }()

	for {
		sm, err := c.session.Receive()
		if err != nil {
			if c.isClosed() || isCleanClose(err) {
				return
			}
			cause = fmt.Errorf("genailive: receive: %w", err)
			c.events.Error(cause)
			return
		}
		m, opened := translate(sm)
		if opened {
			c.events.Opened()
		}
		if m != nil {
			c.events.Message(m)
		}
	}
}

// isCleanClose reports whether err is the SDK's websocket reporting a normal
// or going-away close frame from the server.
func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

// Send transmits one realtime audio frame. The SDK call has no context, so
// ctx is only checked before writing.
func (c *conn) Send(ctx context.Context, chunk live.MediaChunk) error {
	if c.isClosed() {
		return fmt.Errorf("genailive: send: %w", live.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("genailive: send: %w", err)
	}
	in, err := realtimeInput(chunk)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.session.SendRealtimeInput(in); err != nil {
		if c.isClosed() {
			return fmt.Errorf("genailive: send: %w", errors.Join(live.ErrClosed, err))
		}
		return fmt.Errorf("genailive: send: %w", err)
	}
	return nil
}

func (c *conn) Events() <-chan live.Event { return c.events.Events() }

// Close closes the SDK session, which unblocks the receive goroutine.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.session.Close()
	return nil
}
