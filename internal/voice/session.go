// Package voice implements the conversation session: the state machine that
// ties the microphone, the duplex model channel and the speaker together and
// owns barge-in semantics.
//
// A [Session] moves through Idle → Connecting → Active → Closing → Idle.
// While Active, every asynchronous source (channel events, speech
// recognition results, silence timers, barge-in detection, typed input)
// publishes a typed event onto one intake channel. A single loop goroutine
// consumes it and is the only code that touches the transcript, the turn
// log and the interruption fence, so any interleaving of sources is handled
// in one place.
//
// Interruption is fenced rather than cancelled on the wire: when the user
// talks over a response, queued audio is dropped and every fragment that
// still arrives for the interrupted response is discarded until the model
// reports the response as interrupted or complete.
package voice

import (
	"context"
	"errors"
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

// Notices shown in the transcript.
const (
	NoticeError       = "Sorry, an error occurred. Please try again."
	NoticeThinking    = "Sahay is thinking..."
	noticeNoDictation = "Speech recognition is unavailable (%s). You can still type your message."
)

// Config holds per-session settings.
type Config struct {
	// Mode selects audio-native or text-turn conversation. Default: ModeAudio.
	Mode Mode

	// ProviderName labels metrics and errors. Default: "s2s".
	ProviderName string

	// Instructions is the assistant persona sent in the channel setup.
	Instructions string

	// Voice selects the model's output voice. Empty keeps the default.
	Voice string

	// Greeting, if set, is sent as a hidden user turn once the session is
	// Active so the model opens the conversation.
	Greeting string

	// History is the stored transcript of a resumed chat. It is replayed to
	// the model on connect and prefixes every persisted snapshot.
	History []history.ChatMessage

	// SilenceTimeout ends a spoken turn in ModeText. Default: 1200ms.
	SilenceTimeout time.Duration

	// WireRate is the capture rate sent to the recognizer. Default: 16000.
	WireRate int

	// Language is the recognizer language code.
	Language string

	// Keywords boost recognition of domain words.
	Keywords []stt.KeywordBoost

	// VAD configures local barge-in detection in ModeAudio.
	VAD vad.Config
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAudio
	}
	if c.ProviderName == "" {
		c.ProviderName = "s2s"
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = turn.DefaultQuietPeriod
	}
	if c.WireRate <= 0 {
		c.WireRate = audio.WireRate
	}
}

// Deps are the collaborators a [Session] drives. Provider, Capture, OpenSink
// and Transcript are required.
type Deps struct {
	// Provider opens the duplex channel.
	Provider s2s.Provider

	// Capture owns the microphone.
	Capture *capture.Downlink

	// OpenSink acquires the speaker. It is called once per Start after the
	// channel is open; the sink is closed on Stop.
	OpenSink func() (playback.Sink, error)

	// Recognizer transcribes speech in ModeText and for [Session.Dictate].
	Recognizer stt.Capability

	// VAD detects barge-in in ModeAudio. Nil disables local barge-in; the
	// model's own interruption signal still applies.
	VAD vad.Engine

	// Transcript receives visible messages and notices.
	Transcript Transcript

	// History persists the transcript after each turn. Optional.
	History HistorySink

	// Screen withholds crisis turns from the model. Optional.
	Screen CrisisScreen

	// OnCrisis is called with the withheld text when Screen triggers.
	OnCrisis func(text string)

	// Breaker guards Provider.Connect. Optional.
	Breaker Breaker

	// Metrics records session telemetry. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock drives the silence timer. Default: [turn.RealClock].
	Clock turn.Clock
}

// Session is one conversation with the remote model. It may be started and
// stopped repeatedly; each Start opens fresh channel and speaker handles.
// All exported methods are safe for concurrent use.
type Session struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	state      State
	run        *run
	dictating  bool
	onState    []func(State)
	onSpeaking []func(bool)
}

// New validates deps and returns an Idle session.
func New(cfg Config, deps Deps) (*Session, error) {
	cfg.applyDefaults()

	var errs []error
	if deps.Provider == nil {
		errs = append(errs, errors.New("provider is required"))
	}
	if deps.Capture == nil {
		errs = append(errs, errors.New("capture is required"))
	}
	if deps.OpenSink == nil {
		errs = append(errs, errors.New("sink factory is required"))
	}
	if deps.Transcript == nil {
		errs = append(errs, errors.New("transcript is required"))
	}
	if cfg.Mode != ModeAudio && cfg.Mode != ModeText {
		errs = append(errs, fmt.Errorf("unknown mode %q", cfg.Mode))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("voice: %w", err)
	}

	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = turn.RealClock{}
	}
	return &Session{cfg: cfg, deps: deps}, nil
}

// OnStateChange registers fn to be called on every state transition. fn runs
// under the session lock and must not call back into the Session.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// OnSpeakingChange registers fn to be called when response playback starts
// (true) or drains (false). fn runs on the playback path and must not block.
func (s *Session) OnSpeakingChange(fn func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeaking = append(s.onSpeaking, fn)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the configured conversation mode.
func (s *Session) Mode() Mode { return s.cfg.Mode }

// Speaking reports whether response audio is currently playing.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	return r != nil && r.playing()
}

// DictationAvailable reports whether a speech recognizer is configured.
func (s *Session) DictationAvailable() bool {
	_, ok := s.deps.Recognizer.Provider()
	return ok
}

// setStateLocked must be called with s.mu held.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	for _, fn := range s.onState {
		fn(st)
	}
}

func (s *Session) notifySpeaking(speaking bool) {
	s.mu.Lock()
	fns := slices.Clone(s.onSpeaking)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(speaking)
	}
}

// Start opens the duplex channel and begins streaming. It returns
// [ErrSessionActive] unless the session is Idle, a [*ConnectError] if the
// channel cannot be opened, and an [*audio.PermissionError] if the speaker or
// microphone cannot be acquired. On any error the session is Idle again.
//
// ctx bounds the whole conversation: cancelling it stops the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle || s.dictating {
		s.mu.Unlock()
		return ErrSessionActive
	}
	r := newRun(ctx, s)
	s.run = r
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	log := observe.Logger(ctx).With("mode", string(s.cfg.Mode), "provider", s.cfg.ProviderName)

	ch, err := s.connect(r.ctx)
	if err != nil {
		if !s.stopRun(r) {
			return ErrStopped
		}
		s.deps.Metrics.RecordSessionError(ctx, "connect")
		log.Warn("voice: connect failed", "err", err)
		return &ConnectError{Provider: s.cfg.ProviderName, Err: err}
	}
	if err := r.attachChannel(ch); err != nil {
		return ErrStopped
	}

	sink, err := s.deps.OpenSink()
	if err != nil {
		s.stopRun(r)
		s.deps.Metrics.RecordSessionError(ctx, "permission")
		return asPermission(err)
	}
	if err := r.attachSink(sink); err != nil {
		return ErrStopped
	}

	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return ErrStopped
	}
	r.markActive()
	s.setStateLocked(Active)
	s.mu.Unlock()

	r.startLoop()

	if err := r.startInput(); err != nil {
		s.stopRun(r)
		s.deps.Metrics.RecordSessionError(ctx, "permission")
		log.Warn("voice: microphone unavailable", "err", err)
		return err
	}

	if s.cfg.Greeting != "" {
		r.post(greetEvent{text: s.cfg.Greeting})
	}
	log.Info("voice: session active")
	return nil
}

// connect opens the channel through the breaker and records its latency.
func (s *Session) connect(ctx context.Context) (s2s.Channel, error) {
	cfg := s2s.SessionConfig{
		Instructions: s.cfg.Instructions,
		Voice:        s.cfg.Voice,
		Modalities:   []s2s.Modality{s2s.ModalityAudio},
		Transcribe:   true,
		History:      history.Turns(s.cfg.History),
	}

	var ch s2s.Channel
	dial := func() error {
		var err error
		ch, err = s.deps.Provider.Connect(ctx, cfg)
		return err
	}

	ctx, span := observe.StartConnectSpan(ctx, s.cfg.ProviderName, string(s.cfg.Mode))
	start := time.Now()
	var err error
	if s.deps.Breaker != nil {
		err = s.deps.Breaker.Execute(dial)
	} else {
		err = dial()
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.deps.Metrics.RecordConnect(ctx, s.cfg.ProviderName, status, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	return ch, err
}

// Stop releases every resource the session holds and returns it to Idle. It
// is idempotent, safe before Start and safe from inside any callback.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r != nil {
		s.stopRun(r)
	}
}

// stopRun tears r down if it is still the current run and reports whether it
// was.
func (s *Session) stopRun(r *run) bool {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return false
	}
	s.run = nil
	s.setStateLocked(Closing)
	s.mu.Unlock()

	r.teardown()

	s.mu.Lock()
	if s.run == nil {
		s.setStateLocked(Idle)
	}
	s.mu.Unlock()
	slog.Debug("voice: session stopped")
	return true
}

// SendText dispatches a typed user message. It is screened, appended to the
// transcript and sent as a text turn; a response in progress is interrupted.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	r, st := s.run, s.state
	s.mu.Unlock()
	if r == nil || st != Active {
		return ErrNotActive
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !r.post(userTurnEvent{text: text, typed: true}) {
		return ErrNotActive
	}
	return nil
}

// Dictate captures one spoken utterance for the text input box. It holds the
// microphone until the user stays quiet for the silence timeout after a final
// result, the recognizer ends its stream, or ctx is cancelled. It returns
// everything recognized, partial results included. Dictate needs an Idle
// session.
func (s *Session) Dictate(ctx context.Context) (string, error) {
	prov, ok := s.deps.Recognizer.Provider()
	if !ok {
		return "", ErrRecognizerUnavailable
	}

	s.mu.Lock()
	if s.state != Idle || s.dictating {
		s.mu.Unlock()
		return "", ErrSessionActive
	}
	s.dictating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.dictating = false
		s.mu.Unlock()
	}()

	rec, err := prov.StartStream(ctx, s.streamConfig())
	if err != nil {
		return "", fmt.Errorf("voice: dictate: %w", err)
	}
	defer rec.Close()

	ended := make(chan struct{})
	var once sync.Once
	det := turn.New(nil,
		turn.WithMode(turn.SingleShot),
		turn.WithQuietPeriod(s.cfg.SilenceTimeout),
		turn.WithClock(s.deps.Clock),
		turn.WithUtteranceEnd(func() { once.Do(func() { close(ended) }) }),
	)
	defer det.Stop()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for t := range rec.Results() {
			det.Observe(turn.Recognition{Text: t.Text, Final: t.IsFinal})
		}
	}()

	tap := capture.WithTap(func(f audio.AudioFrame) { _ = rec.SendAudio(f.Bytes()) })
	if err := s.deps.Capture.Start(ctx, func(audio.WireFrame) {}, tap); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
	case <-drained:
	case <-ended:
	}
	s.deps.Capture.Stop()
	_ = rec.Close()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		slog.Warn("voice: dictation results did not drain")
	}
	return det.Flush(), nil
}

func (s *Session) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate: s.cfg.WireRate,
		Channels:   1,
		Language:   s.cfg.Language,
		Keywords:   s.cfg.Keywords,
	}
}

func asPermission(err error) error {
	var pe *audio.PermissionError
	if errors.As(err, &pe) {
		return err
	}
	return &audio.PermissionError{Err: err}
}
