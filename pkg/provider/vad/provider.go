// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state so
// that independent audio streams never influence one another.
//
// In the voice pipeline VAD detects barge-in: a SpeechStart event while the
// assistant is speaking interrupts playback. ProcessFrame is synchronous and
// returns immediately, so it can run directly on the capture goroutine.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "github.com/sahayhq/sahay/pkg/audio"

// Config holds the parameters for a VAD session. Thresholds are expressed in
// the engine's native scale; see each Engine's documentation for recommended
// starting values.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame.
	SampleRate int

	// SpeechThreshold is the level at or above which a frame counts as
	// speech.
	SpeechThreshold float64

	// SilenceThreshold is the level below which a frame counts as silence
	// once speech has started. Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// SpeechFrames is the number of consecutive speech frames required before
	// SpeechStart is reported.
	SpeechFrames int

	// SilenceFrames is the number of consecutive silent frames required
	// before SpeechEnd is reported.
	SilenceFrames int
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "SPEECH_START"
	case SpeechContinue:
		return "SPEECH_CONTINUE"
	case SpeechEnd:
		return "SPEECH_END"
	case Silence:
		return "SILENCE"
	default:
		return "UNKNOWN"
	}
}

// Event represents a voice activity detection result for a single frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Level is the engine's speech score for the frame.
	Level float64
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. Returns an error if the frame's sample rate does not match the
	// session configuration. It must not block.
	ProcessFrame(frame audio.AudioFrame) (Event, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream restarts so stale state does not
	// affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
