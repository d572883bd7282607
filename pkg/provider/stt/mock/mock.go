// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	p.LastSession().Emit(stt.Transcript{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/sahayhq/sahay/pkg/provider/stt"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock: stt session closed")

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every StartStream invocation in order.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a fresh Session, or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// LastSession returns the most recently started session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	results    chan stt.Transcript
	chunks     [][]byte
	closed     bool
	closeCount int
	err        error
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns an open session with a buffered result stream.
func NewSession() *Session {
	return &Session{results: make(chan stt.Transcript, 64)}
}

// Emit queues t on the result stream and reports whether it was accepted.
func (s *Session) Emit(t stt.Transcript) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.results <- t:
		return true
	default:
		return false
	}
}

// Fail ends the session with err, as a dropped connection would.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.results)
}

// SendAudio records chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

// Results returns the result stream.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the result stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

// SendAudioCallCount returns how many chunks were sent.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
