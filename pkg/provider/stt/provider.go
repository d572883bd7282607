// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. Once opened, a session accepts raw
// PCM audio and emits partial and final Transcript values on a single ordered
// channel, so consumers see results exactly in recognition order.
//
// Speech recognition is optional in the voice pipeline. [Capability] models
// whether a provider is configured at all, so callers degrade instead of
// failing when it is not.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider supports;
// see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The voice pipeline sends
	// 16000 Hz mono.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US", "hi-IN").
	// An empty string uses the provider default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition probability
	// for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of little-endian PCM16 bytes to the provider.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Results returns a read-only channel that emits partial and final
	// transcripts in arrival order. The channel is closed when the session
	// ends; call Err afterwards to learn whether it ended cleanly.
	Results() <-chan Transcript

	// Err returns the error that ended the session early, or nil.
	Err() error

	// Close terminates the session, flushes any pending audio, and releases all
	// associated resources. After Close returns, the Results channel will be
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given audio
	// format and recognition configuration. The returned SessionHandle is ready to
	// accept audio immediately.
	//
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Capability is either an available [Provider] or the reason none is
// available. The zero value is unavailable.
type Capability struct {
	provider Provider
	reason   string
}

// Available wraps a configured provider.
func Available(p Provider) Capability {
	if p == nil {
		return Unavailable("no provider")
	}
	return Capability{provider: p}
}

// Unavailable records why speech recognition cannot be used.
func Unavailable(reason string) Capability {
	return Capability{reason: reason}
}

// Provider returns the wrapped provider and whether it is available.
func (c Capability) Provider() (Provider, bool) {
	return c.provider, c.provider != nil
}

// Reason explains an unavailable capability. It is empty when available.
func (c Capability) Reason() string {
	if c.provider != nil {
		return ""
	}
	if c.reason == "" {
		return "speech recognition not configured"
	}
	return c.reason
}
