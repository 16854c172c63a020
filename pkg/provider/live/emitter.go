package live

import "sync"

// Emitter implements the event side of a [Conn]: an ordered, buffered event
// channel that ends with exactly one [EventClosed]. It is meant to be driven
// by the connection's single receive goroutine.
type Emitter struct {
	ch     chan Event
	opened sync.Once
	closed sync.Once
}

// NewEmitter returns an Emitter whose channel has the given capacity.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events returns the channel consumers read from.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Opened emits EventOpened the first time it is called.
func (e *Emitter) Opened() {
	e.opened.Do(func() { e.ch <- Event{Type: EventOpened} })
}

// Message emits EventMessage.
func (e *Emitter) Message(m *Message) {
	e.ch <- Event{Type: EventMessage, Message: m}
}

// Error emits EventError.
func (e *Emitter) Error(err error) {
	e.ch <- Event{Type: EventError, Err: err}
}

// Close emits EventClosed with the given cause and closes the channel. Only
// the first call has an effect.
func (e *Emitter) Close(cause error) {
	e.closed.Do(func() {
		e.ch <- Event{Type: EventClosed, Err: cause}
		close(e.ch)
	})
}
