package voice

// State is the lifecycle state of a [Session].
type State int

const (
	// Idle: no channel, no microphone.
	Idle State = iota

	// Connecting: the duplex channel is being opened.
	Connecting

	// Active: the channel is open and audio is flowing.
	Active

	// Closing: resources are being released.
	Closing
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Mode selects how user speech reaches the model.
type Mode string

const (
	// ModeAudio streams microphone audio straight to the model, which
	// answers with audio. Local barge-in uses VAD.
	ModeAudio Mode = "audio"

	// ModeText transcribes speech locally, detects turn ends by silence and
	// sends each turn as text. The model still answers with audio.
	ModeText Mode = "text"
)
