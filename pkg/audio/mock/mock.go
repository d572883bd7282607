// Package mock provides in-memory implementations of [capture.Source],
// [capture.Stream] and [playback.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and they expose exported fields that
// control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	dl := capture.New(src, capture.Config{CaptureRate: 48000, BlockSize: 4096})
//	_ = dl.Start(ctx, func(f audio.WireFrame) { frames <- f })
//	src.LastStream().Push(make([]float32, 4096))
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/audio/capture"
	"github.com/sahayhq/sahay/pkg/audio/playback"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	SampleRate int
	BlockSize  int
}

// Source is a mock implementation of [capture.Source].
type Source struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open instead of a stream.
	OpenErr error

	// OpenCalls records every Open invocation in order.
	OpenCalls []OpenCall

	streams []*Stream
}

var _ capture.Source = (*Source)(nil)

// Open implements [capture.Source].
func (s *Source) Open(_ context.Context, sampleRate, blockSize int) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{SampleRate: sampleRate, BlockSize: blockSize})
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := NewStream()
	s.streams = append(s.streams, st)
	return st, nil
}

// LastStream returns the stream returned by the most recent successful Open,
// or nil if there is none.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// OpenStreams returns the number of streams that are open right now.
func (s *Source) OpenStreams() int {
	s.mu.Lock()
	streams := append([]*Stream(nil), s.streams...)
	s.mu.Unlock()

	n := 0
	for _, st := range streams {
		if !st.Closed() {
			n++
		}
	}
	return n
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream]. Blocks handed to
// [Stream.Push] are returned by Read in order.
type Stream struct {
	blocks chan []float32
	errs   chan error
	closed chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	closeCount int
}

var _ capture.Stream = (*Stream)(nil)

// NewStream returns an open stream with no pending blocks.
func NewStream() *Stream {
	return &Stream{
		blocks: make(chan []float32),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Push delivers block to the next Read. It blocks until a reader takes it and
// reports false if the stream was closed first.
func (s *Stream) Push(block []float32) bool {
	select {
	case s.blocks <- block:
		return true
	case <-s.closed:
		return false
	}
}

// Fail makes the next Read return err.
func (s *Stream) Fail(err error) {
	s.errs <- err
}

// Read implements [capture.Stream].
func (s *Stream) Read(ctx context.Context) ([]float32, error) {
	select {
	case b := <-s.blocks:
		return b, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [playback.Sink]. Played frames stay
// pending until the test calls [Sink.Complete]; Halt completes whatever is
// pending, mirroring a device that reports halted frames as done.
type Sink struct {
	mu sync.Mutex

	// Played records every frame passed to Play, in order.
	Played []audio.AudioFrame

	// HaltCount records how many times Halt was called.
	HaltCount int

	// CloseCount records how many times Close was called.
	CloseCount int

	// CloseErr is returned by Close.
	CloseErr error

	pending []func()
	onPlay  func(audio.AudioFrame)
}

var _ playback.Sink = (*Sink)(nil)

// OnPlay registers fn to be called (outside the sink's lock) for each frame
// passed to Play.
func (s *Sink) OnPlay(fn func(audio.AudioFrame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPlay = fn
}

// Play implements [playback.Sink].
func (s *Sink) Play(frame audio.AudioFrame, done func()) {
	s.mu.Lock()
	s.Played = append(s.Played, frame)
	s.pending = append(s.pending, done)
	fn := s.onPlay
	s.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// Complete finishes the oldest pending frame and reports whether there was
// one.
func (s *Sink) Complete() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	done := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	done()
	return true
}

// Pending returns the number of frames that have not completed yet.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// PlayedFrames returns a copy of the frames played so far.
func (s *Sink) PlayedFrames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Played...)
}

// Halt implements [playback.Sink].
func (s *Sink) Halt() {
	s.mu.Lock()
	s.HaltCount++
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, done := range pending {
		done()
	}
}

// Close implements [playback.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return s.CloseErr
}

// Halts returns HaltCount under the sink's lock.
func (s *Sink) Halts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HaltCount
}

// Closes returns CloseCount under the sink's lock.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount
}
