// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out a scripted Conn. Use Conn
// to emit server events from the test goroutine and to inspect the frames the
// code under test sent.
//
// Example:
//
//	conn := mock.NewConn()
//	p := &mock.Provider{Conn: conn}
//	// ... start the code under test ...
//	conn.Open()
//	conn.Message(&live.Message{Audio: []live.InlineAudio{{Data: payload}}})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/omnimind/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*Conn)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect creates a fresh Conn that
	// can be retrieved with LastConn.
	Conn *Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until the channel is closed or
	// the context is cancelled.
	Gate <-chan struct{}

	connectCalls []ConnectCall
	last         *Conn
}

// Connect records the call and returns Conn, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Conn, error) {
	p.mu.Lock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := p.Conn
	if c == nil {
		c = NewConn()
	}
	p.last = c
	return c, nil
}

// ConnectCalls returns a copy of all recorded Connect calls.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.connectCalls...)
}

// LastConn returns the Conn handed out by the most recent successful Connect.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Conn is a scripted live.Conn. All methods are safe for concurrent use.
type Conn struct {
	em *live.Emitter

	// SendErr, if non-nil, is returned from every Send. Set it before the
	// code under test starts sending.
	SendErr error

	sent chan live.MediaChunk

	mu     sync.Mutex
	sends  []live.MediaChunk
	closes int
	ended  bool
}

// NewConn returns a Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{
		em:   live.NewEmitter(64),
		sent: make(chan live.MediaChunk, 256),
	}
}

// emit runs fn on the emitter unless the event stream already ended. Events
// after the end are dropped silently, like a real transport.
func (c *Conn) emit(fn func(em *live.Emitter)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	fn(c.em)
}

// Open emits EventOpened.
func (c *Conn) Open() { c.emit(func(em *live.Emitter) { em.Opened() }) }

// Message emits EventMessage.
func (c *Conn) Message(m *live.Message) { c.emit(func(em *live.Emitter) { em.Message(m) }) }

// Audio emits a message carrying a single inline audio payload.
func (c *Conn) Audio(data string) {
	c.Message(&live.Message{Audio: []live.InlineAudio{{MIMEType: "audio/pcm;rate=24000", Data: data}}})
}

// Fail emits EventError followed by EventClosed with err as cause, the way a
// transport reports a broken connection.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.em.Error(err)
	c.em.Close(err)
}

// RemoteClose ends the event stream cleanly, as if the server hung up.
func (c *Conn) RemoteClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.em.Close(nil)
}

// Send records the chunk. It returns SendErr if set and live.ErrClosed after
// Close.
func (c *Conn) Send(_ context.Context, chunk live.MediaChunk) error {
	c.mu.Lock()
	closed := c.closes > 0
	if !closed && c.SendErr == nil {
		c.sends = append(c.sends, chunk)
	}
	c.mu.Unlock()

	if closed {
		return fmt.Errorf("mock: send: %w", live.ErrClosed)
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	select {
	case c.sent <- chunk:
	default:
	}
	return nil
}

// Sent delivers every successfully sent chunk, for tests that wait on sends.
func (c *Conn) Sent() <-chan live.MediaChunk { return c.sent }

// Sends returns a copy of all recorded chunks in send order.
func (c *Conn) Sends() []live.MediaChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.MediaChunk(nil), c.sends...)
}

// Events returns the event channel.
func (c *Conn) Events() <-chan live.Event { return c.em.Events() }

// Close counts the call and ends the event stream cleanly on the first call.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if !c.ended {
		c.ended = true
		c.em.Close(nil)
	}
	return nil
}

// Closes returns the number of Close calls.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
