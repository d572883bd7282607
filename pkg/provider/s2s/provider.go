// Package s2s defines the duplex channel contract for speech-to-speech
// backends.
//
// An S2S provider wraps a real-time conversational model that accepts
// streamed audio (and text turns) and answers with streamed audio and text in
// a single, stateful connection. The central abstraction is [Channel]:
// outbound traffic goes through its Send methods, and everything the remote
// end does (open, audio, text, turn boundaries, errors, close) arrives as
// typed [Event] values on one ordered channel.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/sahayhq/sahay/pkg/audio"
)

// Role identifies the speaker of a [Turn].
type Role string

const (
	// RoleUser marks text spoken or typed by the user.
	RoleUser Role = "user"

	// RoleModel marks text produced by the assistant.
	RoleModel Role = "model"
)

// Turn is one complete text utterance in the conversation.
type Turn struct {
	Role Role
	Text string
}

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// SessionConfig is the initial configuration for a new channel.
type SessionConfig struct {
	// Instructions is the system prompt that defines the assistant's persona.
	Instructions string

	// Voice names a provider voice for synthesised speech. Empty selects the
	// provider default.
	Voice string

	// Modalities lists the response modalities. Defaults to audio only.
	Modalities []Modality

	// Transcribe asks the provider to emit text transcripts of both the
	// user's audio ([EventInputTranscript]) and its own speech ([EventText]).
	Transcribe bool

	// History is replayed into the model's context before any new input, so a
	// resumed conversation continues where it left off.
	History []Turn
}

// EventKind classifies an [Event].
type EventKind int

const (
	// EventOpen is the first event on every channel: the remote end accepted
	// the session configuration.
	EventOpen EventKind = iota

	// EventAudio carries one decoded frame of model speech in Event.Audio.
	EventAudio

	// EventText carries an incremental fragment of the model's response text.
	EventText

	// EventInputTranscript carries recognised text of the user's audio.
	EventInputTranscript

	// EventTurnComplete marks the end of the model's current response.
	EventTurnComplete

	// EventInterrupted reports that the remote end detected user speech and
	// abandoned the response it was generating.
	EventInterrupted

	// EventError carries an error in Event.Err. Errors wrapping
	// [*audio.DecodeError] affect only one frame; all others are fatal to the
	// channel and are followed by EventClose.
	EventError

	// EventClose is the last event. The events channel is closed after it.
	EventClose
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "OPEN"
	case EventAudio:
		return "AUDIO"
	case EventText:
		return "TEXT"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventError:
		return "ERROR"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Event is one lifecycle or data notification from a [Channel].
type Event struct {
	Kind  EventKind
	Audio audio.AudioFrame
	Text  string
	Err   error
}

// Channel is an open duplex connection to the remote model. All methods must
// be safe for concurrent use. Callers must call Close when done.
type Channel interface {
	// SendAudio delivers one captured wire frame. Frames are transmitted in
	// call order.
	SendAudio(frame audio.WireFrame) error

	// SendTurns delivers complete text turns and asks the model to respond.
	SendTurns(turns []Turn) error

	// Events returns the channel's ordered event stream. It is closed after
	// the channel ends, whether by Close, a remote close or a fatal error.
	// Consumers must drain it promptly.
	Events() <-chan Event

	// Close terminates the connection. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputRate is the sample rate in Hz the provider expects for SendAudio.
	InputRate int

	// OutputRate is the sample rate in Hz of audio in EventAudio.
	OutputRate int

	// Voices lists the voice names the provider accepts.
	Voices []string
}

// Provider opens channels to a speech-to-speech backend.
type Provider interface {
	// Connect opens a new channel and returns once the remote end has
	// accepted cfg; the first event on the returned channel is EventOpen.
	// The caller owns the Channel and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Channel, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
