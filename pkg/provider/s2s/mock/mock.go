// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable channels.
// Use Channel to inject server events and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	ch, _ := p.Connect(ctx, cfg)       // first event is EventOpen
//	p.LastChannel().Emit(s2s.Event{Kind: s2s.EventText, Text: "Hi"})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
)

// ErrClosed is returned by Send methods after the channel was closed.
var ErrClosed = errors.New("mock: channel closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	channels []*Channel
}

var _ s2s.Provider = (*Provider)(nil)

// Connect records the call and returns a fresh Channel whose first event is
// EventOpen, or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	ch := NewChannel()
	ch.Emit(s2s.Event{Kind: s2s.EventOpen})
	p.channels = append(p.channels, ch)
	return ch, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// LastChannel returns the channel created by the most recent successful
// Connect, or nil.
func (p *Provider) LastChannel() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[len(p.channels)-1]
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Channel is a mock implementation of s2s.Channel.
type Channel struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendAudio and SendTurns.
	SendErr error

	audio      []audio.WireFrame
	turns      [][]s2s.Turn
	events     chan s2s.Event
	closed     bool
	closeCount int
}

var _ s2s.Channel = (*Channel)(nil)

// NewChannel returns an open channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{events: make(chan s2s.Event, 256)}
}

// Emit queues ev on the event stream. It reports false if the channel is
// closed or the buffer is full.
func (c *Channel) Emit(ev s2s.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// Fail simulates a fatal remote error: it emits EventError and EventClose and
// then closes the event stream.
func (c *Channel) Fail(err error) {
	c.Emit(s2s.Event{Kind: s2s.EventError, Err: err})
	c.Emit(s2s.Event{Kind: s2s.EventClose})
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// SendAudio records frame.
func (c *Channel) SendAudio(frame audio.WireFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.audio = append(c.audio, frame)
	return nil
}

// SendTurns records turns.
func (c *Channel) SendTurns(turns []s2s.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.turns = append(c.turns, append([]s2s.Turn(nil), turns...))
	return nil
}

// Events returns the event stream.
func (c *Channel) Events() <-chan s2s.Event { return c.events }

// Close records the call and closes the event stream. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// SentAudio returns a copy of the frames passed to SendAudio.
func (c *Channel) SentAudio() []audio.WireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.WireFrame(nil), c.audio...)
}

// SentTurns returns a copy of every SendTurns batch.
func (c *Channel) SentTurns() [][]s2s.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]s2s.Turn(nil), c.turns...)
}

// Closed reports whether Close or Fail has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCount returns how many times Close was called.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}
