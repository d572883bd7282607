package audio

import (
	"encoding/binary"
	"strconv"
	"time"
)

// Standard sample rates used on the duplex wire.
const (
	// WireRate is the sample rate of captured audio sent to the remote model.
	WireRate = 16000

	// ResponseRate is the sample rate of synthesised audio received from the
	// remote model.
	ResponseRate = 24000
)

// AudioFrame is a single block of mono signed 16-bit audio flowing through the
// voice pipeline. Frames are produced by capture or by decoding an inbound
// payload and are consumed exactly once by an encoder or a playback sink.
// Producers must not mutate Samples after handing a frame off.
type AudioFrame struct {
	// Samples holds signed 16-bit PCM samples in playback order.
	Samples []int16

	// SampleRate in Hz (16000 for outbound capture, 24000 for model output).
	SampleRate int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Len returns the number of samples in the frame.
func (f AudioFrame) Len() int { return len(f.Samples) }

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Bytes packs the samples as little-endian PCM16.
func (f AudioFrame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FrameFromBytes unpacks little-endian PCM16 bytes into a frame. A trailing odd
// byte is ignored.
func FrameFromBytes(pcm []byte, sampleRate int) AudioFrame {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return AudioFrame{Samples: samples, SampleRate: sampleRate}
}

// WireFrame is a base64-encoded PCM16 payload as transmitted over the duplex
// channel, tagged with its sample rate.
type WireFrame struct {
	// Data is the standard base64 encoding of little-endian PCM16 mono samples.
	Data string

	// SampleRate in Hz of the encoded samples.
	SampleRate int
}

// MIMEType returns the wire MIME type for the frame, e.g.
// "audio/pcm;rate=16000".
func (w WireFrame) MIMEType() string {
	return "audio/pcm;rate=" + strconv.Itoa(w.SampleRate)
}
