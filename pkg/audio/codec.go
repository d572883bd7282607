package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Downsample reduces samples captured at inRate to outRate by averaging every
// input sample that falls into each output sample's time window. The window
// boundaries are rounded, so non-integer ratios (e.g. 44100→16000) distribute
// the remainder evenly across the output.
//
// The result has round(len(samples)*outRate/inRate) samples. If the rates are
// equal, or outRate is not lower than inRate, samples is returned unchanged.
func Downsample(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || outRate >= inRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(inRate) / float64(outRate)
	outLen := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, outLen)

	start := 0
	for i := range outLen {
		end := int(math.Round(float64(i+1) * ratio))
		if end > len(samples) {
			end = len(samples)
		}
		var sum float64
		n := 0
		for j := start; j < end; j++ {
			sum += float64(samples[j])
			n++
		}
		if n > 0 {
			out[i] = float32(sum / float64(n))
		}
		start = end
	}
	return out
}

// FloatToPCM16 converts float samples in [-1, 1] to signed 16-bit PCM.
// Out-of-range input is clamped and NaN is treated as silence. Positive values
// scale by 32767 and negative values by 32768; the fractional part is
// truncated.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		if v < 0 {
			out[i] = int16(v * 32768)
		} else {
			out[i] = int16(v * 32767)
		}
	}
	return out
}

// PCM16ToFloat decodes raw 16-bit PCM bytes into float samples in [-1, 1)
// by dividing each word by 32768. Words are always read in the requested byte
// order, never the host's native order. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte, littleEndian bool) []float32 {
	var order binary.ByteOrder = binary.BigEndian
	if littleEndian {
		order = binary.LittleEndian
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(order.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// EncodeBase64 returns the standard base64 encoding of b.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a standard base64 string.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// EncodeWireFrame packs frame as little-endian PCM16 and base64-encodes it.
func EncodeWireFrame(frame AudioFrame) WireFrame {
	return WireFrame{
		Data:       EncodeBase64(frame.Bytes()),
		SampleRate: frame.SampleRate,
	}
}

// errOddLength reports a PCM16 payload that does not contain whole samples.
var errOddLength = errors.New("odd byte count in PCM16 payload")

// DecodeWireFrame decodes a base64 PCM16 payload received at sampleRate.
// Malformed payloads yield a [*DecodeError]; the caller is expected to drop
// the frame and continue.
func DecodeWireFrame(data string, sampleRate int) (AudioFrame, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return AudioFrame{}, &DecodeError{Size: len(data), Err: err}
	}
	if len(raw)%2 != 0 {
		return AudioFrame{}, &DecodeError{Size: len(raw), Err: errOddLength}
	}
	return FrameFromBytes(raw, sampleRate), nil
}
