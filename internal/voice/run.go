package voice

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sahayhq/sahay/internal/observe"
	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/audio/capture"
	"github.com/sahayhq/sahay/pkg/audio/playback"
	"github.com/sahayhq/sahay/pkg/history"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
	"github.com/sahayhq/sahay/pkg/provider/stt"
	"github.com/sahayhq/sahay/pkg/provider/vad"
	"github.com/sahayhq/sahay/pkg/turn"
)

const (
	intakeSize     = 64
	persistTimeout = 5 * time.Second
)

// Intake events. Each source converts what it observed into one of these
// and posts it; only the loop acts on them.
type (
	event interface{ isEvent() }

	channelEvent     struct{ ev s2s.Event }
	recognitionEvent struct{ r turn.Recognition }
	recognizerEnded  struct{ err error }
	userTurnEvent    struct {
		text  string
		typed bool
	}
	interruptEvent    struct{ source string }
	captureErrorEvent struct{ err error }
	greetEvent        struct{ text string }
	noticeEvent       struct{ text string }
)

func (channelEvent) isEvent()      {}
func (recognitionEvent) isEvent()  {}
func (recognizerEnded) isEvent()   {}
func (userTurnEvent) isEvent()     {}
func (interruptEvent) isEvent()    {}
func (captureErrorEvent) isEvent() {}
func (greetEvent) isEvent()        {}
func (noticeEvent) isEvent()       {}

// run is the state of one Start..Stop cycle.
type run struct {
	s       *Session
	ctx     context.Context
	cancel  context.CancelFunc
	log     *slog.Logger
	metrics *observe.Metrics

	intake    chan event
	quit      chan struct{}
	persistCh chan []history.ChatMessage
	stopWatch func() bool

	// Handles, guarded by mu. Once closed is set no new handle is attached.
	mu       sync.Mutex
	closed   bool
	active   bool
	ch       s2s.Channel
	sink     playback.Sink
	queue    *playback.Queue
	detector *turn.Detector
	vadSess  vad.SessionHandle
	rec      stt.SessionHandle
	capOn    bool

	// Loop-owned.
	messages     []history.ChatMessage
	responding   bool
	discarding   bool
	aiMsg        MessageHandle
	aiText       strings.Builder
	thinking     MessageHandle
	userMsg      MessageHandle
	userText     strings.Builder
	userFlagged  bool
	dispatchedAt time.Time
}

func newRun(parent context.Context, s *Session) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		s:         s,
		ctx:       ctx,
		cancel:    cancel,
		log:       observe.Logger(parent),
		metrics:   s.deps.Metrics,
		intake:    make(chan event, intakeSize),
		quit:      make(chan struct{}),
		persistCh: make(chan []history.ChatMessage, 1),
		messages:  slices.Clone(s.cfg.History),
	}
	r.stopWatch = context.AfterFunc(ctx, func() { s.stopRun(r) })
	return r
}

func (r *run) attachChannel(ch s2s.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = ch.Close()
		return ErrStopped
	}
	r.ch = ch
	return nil
}

func (r *run) attachSink(sink playback.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = sink.Close()
		return ErrStopped
	}
	r.sink = sink
	r.queue = playback.NewQueue(sink)
	r.queue.OnStateChange(func(st playback.State) {
		r.s.notifySpeaking(st == playback.StateSpeaking)
	})
	r.queue.OnPlayed(func() { r.metrics.FramesPlayed.Add(r.ctx, 1) })
	return nil
}

func (r *run) markActive() {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
	r.metrics.ActiveSessions.Add(r.ctx, 1)
}

func (r *run) playing() bool {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	return q != nil && q.Playing()
}

// startLoop launches the event loop, the channel pump and the persister.
func (r *run) startLoop() {
	go r.loop()
	go r.pumpChannel(r.ch)
	go r.persister()
}

// startInput wires the microphone (and recognizer) for the configured mode.
func (r *run) startInput() error {
	cfg := r.s.cfg
	switch cfg.Mode {
	case ModeText:
		return r.startRecognition()
	default:
		if eng := r.s.deps.VAD; eng != nil {
			vcfg := cfg.VAD
			vcfg.SampleRate = cfg.WireRate
			sess, err := eng.NewSession(vcfg)
			if err != nil {
				r.log.Warn("voice: local barge-in disabled", "err", err)
			} else if !r.setVAD(sess) {
				return ErrStopped
			}
		}
		return r.startCapture(r.sendAudio, r.tapVAD)
	}
}

func (r *run) startRecognition() error {
	det := turn.New(
		func(text string) { r.post(userTurnEvent{text: text}) },
		turn.WithQuietPeriod(r.s.cfg.SilenceTimeout),
		turn.WithClock(r.s.deps.Clock),
		turn.WithSpeaking(r.rendering),
		turn.WithInterrupt(func() { r.interrupt("recognizer") }),
	)
	r.mu.Lock()
	r.detector = det
	r.mu.Unlock()

	prov, ok := r.s.deps.Recognizer.Provider()
	if !ok {
		r.post(noticeEvent{text: fmt.Sprintf(noticeNoDictation, r.s.deps.Recognizer.Reason())})
		return nil
	}
	rec, err := prov.StartStream(r.ctx, r.s.streamConfig())
	if err != nil {
		r.log.Warn("voice: recognizer failed to start", "err", err)
		r.post(noticeEvent{text: fmt.Sprintf(noticeNoDictation, err)})
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = rec.Close()
		return ErrStopped
	}
	r.rec = rec
	r.mu.Unlock()

	go r.pumpRecognizer(rec)
	return r.startCapture(func(audio.WireFrame) {}, func(f audio.AudioFrame) {
		if err := rec.SendAudio(f.Bytes()); err != nil {
			r.log.Debug("voice: recognizer send failed", "err", err)
		}
	})
}

func (r *run) setVAD(sess vad.SessionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = sess.Close()
		return false
	}
	r.vadSess = sess
	return true
}

func (r *run) startCapture(onFrame func(audio.WireFrame), tap func(audio.AudioFrame)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrStopped
	}
	r.capOn = true
	r.mu.Unlock()

	return r.s.deps.Capture.Start(r.ctx, onFrame,
		capture.WithTap(tap),
		capture.WithOnError(func(err error) { r.post(captureErrorEvent{err: err}) }),
	)
}

// sendAudio runs on the capture goroutine.
func (r *run) sendAudio(frame audio.WireFrame) {
	if err := r.ch.SendAudio(frame); err != nil {
		r.log.Debug("voice: send audio failed", "err", err)
		return
	}
	r.metrics.FramesSent.Add(r.ctx, 1)
}

// tapVAD runs on the capture goroutine and must not block.
func (r *run) tapVAD(frame audio.AudioFrame) {
	r.mu.Lock()
	sess := r.vadSess
	r.mu.Unlock()
	if sess == nil {
		return
	}
	ev, err := sess.ProcessFrame(frame)
	if err != nil {
		r.log.Debug("voice: vad", "err", err)
		return
	}
	if ev.Type == vad.SpeechStart && r.playing() {
		r.tryPost(interruptEvent{source: "vad"})
	}
}

// post delivers e to the loop. It returns false once the run is over.
func (r *run) post(e event) bool {
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.intake <- e:
		return true
	case <-r.quit:
		return false
	}
}

// tryPost delivers e without blocking; it is used from audio callbacks.
func (r *run) tryPost(e event) {
	select {
	case r.intake <- e:
	default:
		r.log.Debug("voice: intake full, event dropped")
	}
}

func (r *run) pumpChannel(ch s2s.Channel) {
	for ev := range ch.Events() {
		if !r.post(channelEvent{ev: ev}) {
			return
		}
	}
}

func (r *run) pumpRecognizer(rec stt.SessionHandle) {
	for t := range rec.Results() {
		if !r.post(recognitionEvent{r: turn.Recognition{Text: t.Text, Final: t.IsFinal}}) {
			return
		}
	}
	if err := rec.Err(); err != nil {
		r.post(recognizerEnded{err: err})
	}
}

// persister writes transcript snapshots one at a time, always the newest.
func (r *run) persister() {
	sink := r.s.deps.History
	write := func(msgs []history.ChatMessage) {
		if sink == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), persistTimeout)
		defer cancel()
		if err := sink.PersistTurn(ctx, msgs); err != nil {
			r.log.Warn("voice: persist transcript", "err", err)
		}
	}
	for {
		select {
		case msgs := <-r.persistCh:
			write(msgs)
		case <-r.quit:
			select {
			case msgs := <-r.persistCh:
				write(msgs)
			default:
			}
			return
		}
	}
}

// teardown releases every handle in capture → playback → channel → device
// order. It never waits on the loop, so the loop may call it.
func (r *run) teardown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ch, sink, queue, det, vs, rec := r.ch, r.sink, r.queue, r.detector, r.vadSess, r.rec
	capOn, active := r.capOn, r.active
	r.mu.Unlock()

	r.stopWatch()
	close(r.quit)

	if capOn {
		r.s.deps.Capture.Stop()
	}
	if det != nil {
		det.Stop()
	}
	if queue != nil {
		queue.Clear()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if rec != nil {
		_ = rec.Close()
	}
	if vs != nil {
		_ = vs.Close()
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			r.log.Debug("voice: close sink", "err", err)
		}
	}
	r.cancel()
	if active {
		r.metrics.ActiveSessions.Add(context.WithoutCancel(r.ctx), -1)
	}
}
