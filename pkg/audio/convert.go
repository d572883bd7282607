package audio

import (
	"log/slog"
	"sync"
)

// Converter resamples frames to a target sample rate. It logs a warning on
// the first rate mismatch so that misconfigured devices are visible without
// flooding the log. Create one per stream; not designed for shared use
// across goroutines.
type Converter struct {
	TargetRate int

	warnedMismatch sync.Once
}

// Convert returns frame at the target rate. If the rates already match the
// frame is returned unchanged (zero allocation).
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	if c.TargetRate <= 0 || frame.SampleRate == c.TargetRate {
		return frame
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio rate mismatch: resampling",
			"from_hz", frame.SampleRate,
			"to_hz", c.TargetRate,
		)
	})
	return AudioFrame{
		Samples:    ResampleMono16(frame.Samples, frame.SampleRate, c.TargetRate),
		SampleRate: c.TargetRate,
		Timestamp:  frame.Timestamp,
	}
}

// ResampleMono16 resamples mono PCM16 samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(samples []int16) []int16 {
	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}
