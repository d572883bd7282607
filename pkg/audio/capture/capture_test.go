package capture_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/audio/capture"
	"github.com/sahayhq/sahay/pkg/audio/mock"
)

func newDownlink(t *testing.T, src *mock.Source, cfg capture.Config) *capture.Downlink {
	t.Helper()
	dl := capture.New(src, cfg)
	t.Cleanup(dl.Stop)
	return dl
}

func waitDone(t *testing.T, dl *capture.Downlink) {
	t.Helper()
	select {
	case <-dl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read loop to exit")
	}
}

func TestDownlink_EmitsWireFrames(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{CaptureRate: 48000, BlockSize: 4096})

	frames := make(chan audio.WireFrame, 4)
	if err := dl.Start(context.Background(), func(f audio.WireFrame) { frames <- f }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(src.OpenCalls) != 1 || src.OpenCalls[0] != (mock.OpenCall{SampleRate: 48000, BlockSize: 4096}) {
		t.Fatalf("unexpected open calls: %+v", src.OpenCalls)
	}

	block := make([]float32, 4096)
	for i := range block {
		block[i] = 0.5
	}
	src.LastStream().Push(block)

	select {
	case f := <-frames:
		if f.MIMEType() != "audio/pcm;rate=16000" {
			t.Errorf("MIMEType = %q", f.MIMEType())
		}
		decoded, err := audio.DecodeWireFrame(f.Data, f.SampleRate)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(decoded.Samples) != 1365 {
			t.Errorf("expected 1365 wire samples, got %d", len(decoded.Samples))
		}
		if decoded.Samples[0] != 16383 {
			t.Errorf("first sample = %d, want 16383", decoded.Samples[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestDownlink_PermissionError(t *testing.T) {
	t.Parallel()

	denied := errors.New("access denied")
	src := &mock.Source{OpenErr: denied}
	dl := newDownlink(t, src, capture.Config{})

	err := dl.Start(context.Background(), func(audio.WireFrame) {})
	var pe *audio.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *audio.PermissionError, got %v", err)
	}
	if !errors.Is(err, denied) {
		t.Error("PermissionError should wrap the source error")
	}
	if dl.Active() {
		t.Error("downlink should not be active after a failed start")
	}
}

func TestDownlink_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{})

	// Before Start.
	dl.Stop()
	dl.Stop()

	if err := dl.Start(context.Background(), func(audio.WireFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dl.Stop()
	dl.Stop()

	if got := src.LastStream().CloseCount(); got != 1 {
		t.Errorf("stream closed %d times, want 1", got)
	}
	if src.OpenStreams() != 0 {
		t.Error("microphone still held after Stop")
	}
	waitDone(t, dl)
}

func TestDownlink_StartTwice(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{})

	if err := dl.Start(context.Background(), func(audio.WireFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := dl.Start(context.Background(), func(audio.WireFrame) {}); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if len(src.OpenCalls) != 1 {
		t.Errorf("second Start must not open the device again, got %d opens", len(src.OpenCalls))
	}
}

func TestDownlink_NoFramesAfterStop(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{CaptureRate: 16000, BlockSize: 160})

	var count atomic.Int32
	if err := dl.Start(context.Background(), func(audio.WireFrame) { count.Add(1) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := src.LastStream()
	dl.Stop()

	// The loop may or may not take this block; either way it must not emit.
	stream.Push(make([]float32, 160))
	waitDone(t, dl)

	if n := count.Load(); n != 0 {
		t.Errorf("expected no frames after Stop, got %d", n)
	}
}

func TestDownlink_TapReceivesPCM(t *testing.T) {
	t.Parallel()

	taps := make(chan audio.AudioFrame, 1)
	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{
		CaptureRate: 16000,
		BlockSize:   4,
		Tap:         func(f audio.AudioFrame) { taps <- f },
	})

	if err := dl.Start(context.Background(), func(audio.WireFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.LastStream().Push([]float32{1, -1, 0, 0.5})

	select {
	case f := <-taps:
		want := []int16{32767, -32768, 0, 16383}
		if f.SampleRate != 16000 || len(f.Samples) != len(want) {
			t.Fatalf("unexpected tap frame: %+v", f)
		}
		for i := range want {
			if f.Samples[i] != want[i] {
				t.Errorf("sample %d: got %d, want %d", i, f.Samples[i], want[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tap")
	}
}

func TestDownlink_ReadFailureStops(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 1)
	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{OnError: func(err error) { errs <- err }})

	if err := dl.Start(context.Background(), func(audio.WireFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	unplugged := errors.New("device unplugged")
	src.LastStream().Fail(unplugged)

	select {
	case err := <-errs:
		if !errors.Is(err, unplugged) {
			t.Errorf("OnError got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}
	if dl.Active() {
		t.Error("downlink should be inactive after a read failure")
	}
	if !src.LastStream().Closed() {
		t.Error("stream should be released after a read failure")
	}
}

func TestDownlink_Restart(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{})

	for range 3 {
		if err := dl.Start(context.Background(), func(audio.WireFrame) {}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if src.OpenStreams() != 1 {
			t.Fatalf("expected exactly one open stream, got %d", src.OpenStreams())
		}
		dl.Stop()
	}
	if len(src.OpenCalls) != 3 {
		t.Errorf("expected 3 opens, got %d", len(src.OpenCalls))
	}
}

func TestDownlink_StartOptionsOverrideConfig(t *testing.T) {
	t.Parallel()

	var configTaps atomic.Int32
	taps := make(chan audio.AudioFrame, 1)
	src := &mock.Source{}
	dl := newDownlink(t, src, capture.Config{
		CaptureRate: 16000,
		BlockSize:   2,
		Tap:         func(audio.AudioFrame) { configTaps.Add(1) },
	})

	err := dl.Start(context.Background(), func(audio.WireFrame) {},
		capture.WithTap(func(f audio.AudioFrame) { taps <- f }),
	)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.LastStream().Push([]float32{0, 0})

	select {
	case <-taps:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for per-start tap")
	}
	if n := configTaps.Load(); n != 0 {
		t.Errorf("Config.Tap called %d times, want 0", n)
	}
}
