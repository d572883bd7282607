// Package playback renders inbound model audio as one continuous stream.
//
// A [Queue] serialises frames onto a [Sink] in strict arrival order, plays at
// most one frame at a time, and reports speaking/listening transitions. The
// sink's completion callback drives the queue forward; there is no polling.
package playback

import (
	"log/slog"
	"sync"

	"github.com/sahayhq/sahay/pkg/audio"
)

// Sink renders audio frames on an output device.
type Sink interface {
	// Play starts rendering frame and returns without blocking. done must be
	// called exactly once, when the frame has finished rendering or was
	// halted, and never from within Play itself.
	Play(frame audio.AudioFrame, done func())

	// Halt stops the frame currently rendering. The device may finish the
	// buffer it is writing. Halt may invoke pending done callbacks
	// synchronously.
	Halt()

	// Close releases the output device.
	Close() error
}

// State is the observable playback state.
type State int

const (
	// StateListening means nothing is playing; the assistant is listening.
	StateListening State = iota

	// StateSpeaking means a frame is rendering.
	StateSpeaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Queue is a FIFO of frames waiting to play on a [Sink]. All methods are safe
// for concurrent use.
type Queue struct {
	sink Sink

	// ctl serialises Enqueue and Clear so that a Halt issued by Clear cannot
	// race with a frame started by a concurrent Enqueue.
	ctl sync.Mutex

	mu       sync.Mutex
	frames   []audio.AudioFrame
	playing  bool
	gen      uint64
	listener func(State)
	played   func()
	dropped  int
}

// NewQueue returns an idle queue that plays on sink.
func NewQueue(sink Sink) *Queue {
	return &Queue{sink: sink}
}

// OnStateChange registers fn to be called on every speaking/listening
// transition. fn runs with the queue locked and must not call back into the
// queue. Passing nil removes the listener.
func (q *Queue) OnStateChange(fn func(State)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = fn
}

// OnPlayed registers fn to be called each time a frame finishes rendering.
// Frames cut short by [Queue.Clear] are not reported. fn runs with the queue
// locked and must not call back into the queue.
func (q *Queue) OnPlayed(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.played = fn
}

// Enqueue appends frame to the tail and starts playback if the queue was
// idle. Frames without samples are dropped and Enqueue reports false.
func (q *Queue) Enqueue(frame audio.AudioFrame) bool {
	if len(frame.Samples) == 0 {
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		slog.Debug("playback: dropping empty frame")
		return false
	}

	q.ctl.Lock()
	defer q.ctl.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = append(q.frames, frame)
	if !q.playing {
		q.playing = true
		q.emit(StateSpeaking)
		q.playHead()
	}
	return true
}

// Clear drops all pending frames and halts the frame currently rendering.
// Completions for frames started before Clear are ignored.
func (q *Queue) Clear() {
	q.ctl.Lock()
	defer q.ctl.Unlock()

	q.mu.Lock()
	wasPlaying := q.playing
	q.frames = nil
	q.playing = false
	q.gen++
	if wasPlaying {
		q.emit(StateListening)
	}
	q.mu.Unlock()

	if wasPlaying {
		q.sink.Halt()
	}
}

// Playing reports whether a frame is in flight.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of frames waiting behind the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the number of empty frames rejected by Enqueue.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// playHead pops the head and hands it to the sink. Must be called with q.mu
// held and at least one frame queued.
func (q *Queue) playHead() {
	frame := q.frames[0]
	q.frames[0] = audio.AudioFrame{}
	q.frames = q.frames[1:]

	q.gen++
	gen := q.gen
	q.sink.Play(frame, func() { q.complete(gen) })
}

// complete is the sink's completion callback for the frame started as gen.
func (q *Queue) complete(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if gen != q.gen || !q.playing {
		return
	}
	if q.played != nil {
		q.played()
	}
	if len(q.frames) > 0 {
		q.playHead()
		return
	}
	q.playing = false
	q.emit(StateListening)
}

func (q *Queue) emit(s State) {
	if q.listener != nil {
		q.listener(s)
	}
}
