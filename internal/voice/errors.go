package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned by [Session.Start] and [Session.Dictate]
	// when the session already owns the microphone.
	ErrSessionActive = errors.New("voice: session already active")

	// ErrNotActive is returned by [Session.SendText] when no conversation is
	// running.
	ErrNotActive = errors.New("voice: session not active")

	// ErrStopped is returned by [Session.Start] when Stop was called while
	// the session was still connecting.
	ErrStopped = errors.New("voice: session stopped while starting")

	// ErrRecognizerUnavailable is returned by [Session.Dictate] when no speech
	// recognizer is configured.
	ErrRecognizerUnavailable = errors.New("voice: speech recognition unavailable")

	errRemoteClosed = errors.New("channel closed by remote")
)

// ConnectError reports that the duplex channel could not be opened. The
// session is back in [Idle] when it is returned; the caller may retry.
type ConnectError struct {
	// Provider names the remote endpoint.
	Provider string

	// Err is the underlying dial, handshake or breaker error.
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("voice: connect to %s: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ChannelError reports a runtime failure on an open channel. It is fatal to
// the session that observed it.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("voice: channel failed: %v", e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
