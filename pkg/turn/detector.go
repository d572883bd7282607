// Package turn decides when a user has finished speaking.
//
// A [Detector] accumulates speech-recognition results and, after a quiet
// period with no new results, dispatches the confirmed text as one user
// turn. A result that arrives while the assistant is speaking is treated as
// barge-in: the detector asks the caller to interrupt and starts the new turn
// from an empty buffer.
package turn

import (
	"strings"
	"sync"
	"time"
)

// DefaultQuietPeriod is how long the user must stay silent before the
// buffered text is dispatched.
const DefaultQuietPeriod = 1200 * time.Millisecond

// Recognition is one speech-recognition result.
type Recognition struct {
	// Text is the recognised text of this result.
	Text string

	// Final is true when the recogniser will not revise Text any more.
	// Partial results reset the silence timer but are not buffered.
	Final bool
}

// Mode selects how a turn ends.
type Mode int

const (
	// Continuous dispatches automatically after the quiet period. Used for
	// hands-free conversation.
	Continuous Mode = iota

	// SingleShot never dispatches on its own; the caller ends the turn with
	// [Detector.Flush]. Used for dictation into a text box. A hook set with
	// [WithUtteranceEnd] tells the caller when the user has gone quiet.
	SingleShot
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case Continuous:
		return "continuous"
	case SingleShot:
		return "single-shot"
	default:
		return "unknown"
	}
}

// Option configures a [Detector].
type Option func(*Detector)

// WithQuietPeriod overrides [DefaultQuietPeriod].
func WithQuietPeriod(d time.Duration) Option {
	return func(t *Detector) {
		if d > 0 {
			t.quiet = d
		}
	}
}

// WithClock replaces the wall clock used for silence timers.
func WithClock(c Clock) Option {
	return func(t *Detector) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithMode selects [Continuous] (default) or [SingleShot].
func WithMode(m Mode) Option {
	return func(t *Detector) { t.mode = m }
}

// WithSpeaking reports whether the assistant is currently rendering a
// response. Results observed while it returns true are interruptions.
func WithSpeaking(fn func() bool) Option {
	return func(t *Detector) { t.speaking = fn }
}

// WithInterrupt is called when a result arrives while the assistant is
// speaking, before the result is buffered.
func WithInterrupt(fn func()) Option {
	return func(t *Detector) { t.interrupt = fn }
}

// WithUtteranceEnd is called when a [SingleShot] detector has confirmed text
// and the quiet period then passes with no new results. The buffer is kept
// for [Detector.Flush]. fn may be called again if results resume.
func WithUtteranceEnd(fn func()) Option {
	return func(t *Detector) { t.ended = fn }
}

// Detector accumulates recognition results into user turns. All methods are
// safe for concurrent use; onTurn and the interrupt hook are never called
// with the detector's lock held.
type Detector struct {
	onTurn    func(string)
	quiet     time.Duration
	clock     Clock
	mode      Mode
	speaking  func() bool
	interrupt func()
	ended     func()

	mu      sync.Mutex
	buf     strings.Builder
	partial string
	timer   Timer
	gen     uint64
	stopped bool
}

// New returns a Detector that calls onTurn with each completed user turn.
func New(onTurn func(string), opts ...Option) *Detector {
	d := &Detector{
		onTurn: onTurn,
		quiet:  DefaultQuietPeriod,
		clock:  RealClock{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Observe feeds one recognition result into the detector.
func (d *Detector) Observe(r Recognition) {
	barge := d.speaking != nil && d.speaking()
	if barge && d.interrupt != nil {
		d.interrupt()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if barge {
		d.buf.Reset()
		d.partial = ""
	}

	if r.Final {
		d.partial = ""
		if strings.TrimSpace(r.Text) != "" {
			if d.buf.Len() > 0 && !startsWithSpace(r.Text) {
				d.buf.WriteByte(' ')
			}
			d.buf.WriteString(r.Text)
		}
	} else {
		d.partial = r.Text
	}

	d.resetTimerLocked()
}

// Flush ends the current turn immediately and returns its trimmed text,
// including the latest partial result. It does not call onTurn. Flush is the
// only way a [SingleShot] detector yields text.
func (d *Detector) Flush() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	text := d.buf.String()
	if p := strings.TrimSpace(d.partial); p != "" {
		if text != "" {
			text += " "
		}
		text += p
	}
	d.clearLocked()
	return strings.TrimSpace(text)
}

// Pending returns the confirmed text buffered so far.
func (d *Detector) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.TrimSpace(d.buf.String())
}

// Stop cancels any pending silence timer and discards buffered text. Later
// Observe calls are ignored. Stop is idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.clearLocked()
}

func (d *Detector) resetTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	if d.mode == SingleShot && (d.ended == nil || d.buf.Len() == 0) {
		d.timer = nil
		return
	}
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.quiet, func() { d.fire(gen) })
}

func (d *Detector) clearLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.buf.Reset()
	d.partial = ""
}

// fire runs when the silence timer scheduled as gen expires.
func (d *Detector) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	if d.mode == SingleShot {
		d.mu.Unlock()
		d.ended()
		return
	}
	text := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	d.partial = ""
	d.mu.Unlock()

	if text != "" && d.onTurn != nil {
		d.onTurn(text)
	}
}

func startsWithSpace(s string) bool {
	return s != "" && (s[0] == ' ' || s[0] == '\t' || s[0] == '\n')
}
