package portaudio

import (
	"fmt"
	"log/slog"
	"sync"

	palib "github.com/gordonklaus/portaudio"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/audio/playback"
)

// Sink plays mono PCM16 frames on the default output device. Frames at other
// rates are resampled to the device rate. Writes happen on a dedicated
// goroutine so Play never blocks the caller.
type Sink struct {
	stream *palib.Stream
	buf    []int16
	conv   audio.Converter

	mu      sync.Mutex
	pending []pendingFrame
	halted  uint64
	closed  bool
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type pendingFrame struct {
	frame audio.AudioFrame
	done  func()
}

var _ playback.Sink = (*Sink)(nil)

// NewSink opens the default output device at sampleRate with
// buffers of framesPerBuffer samples. Device errors are reported as
// [*audio.PermissionError].
func NewSink(sampleRate, framesPerBuffer int) (*Sink, error) {
	if err := palib.Initialize(); err != nil {
		return nil, &audio.PermissionError{Err: fmt.Errorf("initialize portaudio: %w", err)}
	}

	buf := make([]int16, framesPerBuffer)
	stream, err := palib.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		_ = palib.Terminate()
		return nil, &audio.PermissionError{Err: fmt.Errorf("open output stream: %w", err)}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = palib.Terminate()
		return nil, &audio.PermissionError{Err: fmt.Errorf("start output stream: %w", err)}
	}

	s := &Sink{
		stream: stream,
		buf:    buf,
		conv:   audio.Converter{TargetRate: sampleRate},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Play implements [playback.Sink].
func (s *Sink) Play(frame audio.AudioFrame, done func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go done()
		return
	}
	s.pending = append(s.pending, pendingFrame{frame: frame, done: done})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// Halt implements [playback.Sink]. Pending frames are completed without being played
// and the frame being written stops at the next buffer boundary.
func (s *Sink) Halt() {
	s.mu.Lock()
	s.halted++
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range pending {
		p.done()
	}
}

// Close implements [playback.Sink]. It is idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()

		close(s.wake)
		<-s.done
		for _, p := range pending {
			p.done()
		}

		_ = s.stream.Abort()
		s.closeErr = s.stream.Close()
		_ = palib.Terminate()
	})
	return s.closeErr
}

func (s *Sink) writeLoop() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if s.closed || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			p := s.pending[0]
			s.pending = s.pending[1:]
			gen := s.halted
			s.mu.Unlock()

			s.write(p.frame, gen)
			p.done()
		}
	}
}

// write copies frame to the device one buffer at a time, stopping early if
// Halt or Close is called.
func (s *Sink) write(frame audio.AudioFrame, gen uint64) {
	samples := s.conv.Convert(frame).Samples
	for len(samples) > 0 {
		s.mu.Lock()
		stop := s.closed || s.halted != gen
		s.mu.Unlock()
		if stop {
			return
		}

		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil {
			slog.Warn("portaudio: write failed", "err", err)
			return
		}
	}
}
