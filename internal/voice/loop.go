package voice

import (
	"errors"
	"strings"
	"time"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/history"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
)

func (r *run) loop() {
	for {
		// Stop wins over queued work.
		select {
		case <-r.quit:
			return
		default:
		}
		select {
		case <-r.quit:
			return
		case e := <-r.intake:
			r.handle(e)
		}
	}
}

func (r *run) handle(e event) {
	switch e := e.(type) {
	case channelEvent:
		r.handleChannel(e.ev)
	case recognitionEvent:
		r.detector.Observe(e.r)
	case userTurnEvent:
		r.dispatch(e.text, e.typed)
	case interruptEvent:
		if r.rendering() {
			r.interrupt(e.source)
		}
	case greetEvent:
		r.greet(e.text)
	case noticeEvent:
		r.s.deps.Transcript.Notice(e.text)
	case recognizerEnded:
		r.log.Warn("voice: speech recognition ended", "err", e.err)
		r.s.deps.Transcript.Notice("Speech recognition stopped. You can still type your message.")
	case captureErrorEvent:
		r.fail("capture", e.err)
	}
}

func (r *run) handleChannel(ev s2s.Event) {
	switch ev.Kind {
	case s2s.EventOpen:
		r.log.Debug("voice: channel open")

	case s2s.EventAudio:
		if r.discarding {
			r.metrics.RecordDropped(r.ctx, "fenced", 1)
			return
		}
		r.beginResponse()
		if !r.queue.Enqueue(ev.Audio) {
			r.metrics.RecordDropped(r.ctx, "empty", 1)
		}

	case s2s.EventText:
		if r.discarding {
			return
		}
		r.beginResponse()
		r.aiText.WriteString(ev.Text)
		if r.aiMsg == nil {
			r.aiMsg = r.s.deps.Transcript.AppendMessage(r.aiText.String(), history.SenderAI)
		} else {
			r.aiMsg.Update(r.aiText.String())
		}

	case s2s.EventInputTranscript:
		r.userText.WriteString(ev.Text)
		text := strings.TrimSpace(r.userText.String())
		if text == "" {
			return
		}
		if r.userMsg == nil {
			r.userMsg = r.s.deps.Transcript.AppendMessage(text, history.SenderUser)
		} else {
			r.userMsg.Update(text)
		}
		if !r.userFlagged && r.screen(text) {
			r.userFlagged = true
			r.withhold()
		}

	case s2s.EventTurnComplete:
		r.closeUserTurn()
		if r.discarding {
			r.discarding = false
			return
		}
		r.finishResponse()

	case s2s.EventInterrupted:
		// The model noticed the barge-in itself and has already abandoned the
		// response, so whatever it sends next is new.
		r.closeUserTurn()
		r.queue.Clear()
		if r.discarding {
			r.discarding = false
		} else {
			r.finishResponse()
		}
		r.metrics.RecordInterruption(r.ctx, "server")

	case s2s.EventError:
		var de *audio.DecodeError
		if errors.As(ev.Err, &de) {
			r.log.Debug("voice: dropping malformed frame", "err", ev.Err)
			r.metrics.RecordDropped(r.ctx, "decode", 1)
			return
		}
		r.fail("channel", ev.Err)

	case s2s.EventClose:
		if r.ctx.Err() != nil {
			return
		}
		r.fail("channel", errRemoteClosed)
	}
}

// rendering reports whether an AI response is being produced or played.
func (r *run) rendering() bool {
	return r.responding || r.queue.Playing()
}

// interrupt handles a barge-in: playback stops and the response so far is
// kept as heard. If the model is still delivering that response, the rest of
// it is fenced off.
func (r *run) interrupt(source string) {
	r.discarding = r.responding
	r.queue.Clear()
	r.closeUserTurn()
	r.finishResponse()
	r.metrics.RecordInterruption(r.ctx, source)
	r.log.Debug("voice: interrupted", "source", source)
}

// beginResponse runs for every accepted response fragment.
func (r *run) beginResponse() {
	if r.thinking != nil {
		r.thinking.Remove()
		r.thinking = nil
	}
	if !r.dispatchedAt.IsZero() {
		r.metrics.FirstResponseDuration.Record(r.ctx, time.Since(r.dispatchedAt).Seconds())
		r.dispatchedAt = time.Time{}
	}
	r.responding = true
}

// finishResponse records the response text streamed so far as one AI turn.
func (r *run) finishResponse() {
	text := strings.TrimSpace(r.aiText.String())
	r.resetResponse()
	if text == "" {
		return
	}
	r.record(history.ChatMessage{Text: text, Sender: history.SenderAI}, "model")
}

func (r *run) resetResponse() {
	if r.thinking != nil {
		r.thinking.Remove()
		r.thinking = nil
	}
	r.aiMsg = nil
	r.aiText.Reset()
	r.responding = false
	r.dispatchedAt = time.Time{}
}

// withhold fences off the answer to a spoken turn the crisis screen
// flagged. What the model said so far is taken back, not recorded.
func (r *run) withhold() {
	r.queue.Clear()
	if r.aiMsg != nil {
		r.aiMsg.Remove()
	}
	r.resetResponse()
	r.discarding = true
	r.metrics.RecordInterruption(r.ctx, "crisis")
}

// closeUserTurn records the spoken turn transcribed by the model. The model
// keeps transcribing after it starts answering, so the turn stays open until
// the response ends or is interrupted.
func (r *run) closeUserTurn() {
	text := strings.TrimSpace(r.userText.String())
	r.userText.Reset()
	r.userMsg = nil
	r.userFlagged = false
	if text == "" {
		return
	}
	r.record(history.ChatMessage{Text: text, Sender: history.SenderUser}, "user")
}

// dispatch sends a user turn that was typed or detected locally.
func (r *run) dispatch(text string, typed bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if r.screen(text) {
		return
	}
	r.closeUserTurn()
	if r.rendering() {
		source := "recognizer"
		if typed {
			source = "typed"
		}
		r.interrupt(source)
	}

	r.s.deps.Transcript.AppendMessage(text, history.SenderUser)
	r.record(history.ChatMessage{Text: text, Sender: history.SenderUser}, "user")

	if err := r.ch.SendTurns([]s2s.Turn{{Role: s2s.RoleUser, Text: text}}); err != nil {
		r.fail("channel", err)
		return
	}
	r.thinking = r.s.deps.Transcript.AppendMessage(NoticeThinking, history.SenderAI)
	r.responding = true
	r.dispatchedAt = time.Now()
}

// greet asks the model to open the conversation. The prompt itself is not
// part of the transcript.
func (r *run) greet(text string) {
	if err := r.ch.SendTurns([]s2s.Turn{{Role: s2s.RoleUser, Text: text}}); err != nil {
		r.fail("channel", err)
		return
	}
	r.responding = true
}

// screen reports whether text was withheld by the crisis screen.
func (r *run) screen(text string) bool {
	sc := r.s.deps.Screen
	if sc == nil || !sc.Check(text) {
		return false
	}
	r.metrics.CrisisScreens.Add(r.ctx, 1)
	r.log.Info("voice: crisis language detected, turn withheld")
	if fn := r.s.deps.OnCrisis; fn != nil {
		fn(text)
	}
	return true
}

// record appends msg to the turn log and hands a snapshot to the persister.
func (r *run) record(msg history.ChatMessage, role string) {
	r.messages = append(r.messages, msg)
	r.metrics.RecordTurn(r.ctx, role)

	snapshot := make([]history.ChatMessage, len(r.messages))
	copy(snapshot, r.messages)
	select {
	case <-r.persistCh:
	default:
	}
	r.persistCh <- snapshot
}

// fail converts an asynchronous failure into a notice and a clean stop.
func (r *run) fail(kind string, err error) {
	cerr := error(&ChannelError{Err: err})
	if kind == "capture" {
		cerr = err
	}
	r.log.Error("voice: session failed", "kind", kind, "err", cerr)
	r.metrics.RecordSessionError(r.ctx, kind)
	r.s.deps.Transcript.Notice(NoticeError)
	r.s.stopRun(r)
}
