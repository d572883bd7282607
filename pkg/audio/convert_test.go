package audio_test

import (
	"testing"
	"time"

	"github.com/sahayhq/sahay/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.MonoToStereo([]int16{100, 200, 300})
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	in := []int16{100, 200, 300}
	out := audio.ResampleMono16(in, 24000, 24000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 24kHz → 4 samples at 48kHz (2x)
	got := audio.ResampleMono16([]int16{1000, 2000}, 24000, 48000)
	want := []int16{1000, 1500, 2000, 2000}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	got := audio.ResampleMono16([]int16{100, 200, 300, 400, 500, 600}, 48000, 16000)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample: got %d, want 100", got[0])
	}
}

func TestResampleMono16_InvalidRate(t *testing.T) {
	in := []int16{1, 2}
	if out := audio.ResampleMono16(in, 0, 48000); len(out) != 2 {
		t.Errorf("expected passthrough for invalid rate, got %d samples", len(out))
	}
}

func TestConverter_NoOp(t *testing.T) {
	conv := audio.Converter{TargetRate: 24000}
	frame := audio.AudioFrame{Samples: []int16{100, 200}, SampleRate: 24000}
	result := conv.Convert(frame)
	// Same slice, so compare pointers.
	if &result.Samples[0] != &frame.Samples[0] {
		t.Error("expected same slice (zero allocation) for matching rate")
	}
}

func TestConverter_Resamples(t *testing.T) {
	conv := audio.Converter{TargetRate: 48000}
	frame := audio.AudioFrame{
		Samples:    []int16{1000, 2000, 3000},
		SampleRate: 24000,
		Timestamp:  40 * time.Millisecond,
	}
	result := conv.Convert(frame)
	if result.SampleRate != 48000 {
		t.Errorf("expected 48000Hz, got %d", result.SampleRate)
	}
	if len(result.Samples) != 6 {
		t.Errorf("expected 6 samples, got %d", len(result.Samples))
	}
	if result.Timestamp != frame.Timestamp {
		t.Errorf("timestamp changed: got %v, want %v", result.Timestamp, frame.Timestamp)
	}

	// A second mismatched frame must still convert after the warn-once fired.
	if again := conv.Convert(frame); again.SampleRate != 48000 {
		t.Errorf("second conversion: got %dHz", again.SampleRate)
	}
}
