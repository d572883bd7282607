// Package audio defines the frame types and pure conversion helpers shared by
// the voice pipeline.
//
// Captured microphone audio arrives as float32 samples at the device rate. It
// is reduced to the wire rate with [Downsample], quantised with
// [FloatToPCM16] and base64-encoded into a [WireFrame]. Inbound model audio
// takes the reverse path through [DecodeWireFrame]. Every helper in this
// package reads and writes 16-bit words in an explicit byte order, never the
// host's native order.
//
// The capture and playback subpackages define the device-facing pipeline
// against small interfaces. The cgo PortAudio backends for them live in the
// portaudio subpackage.
package audio
