package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sahayhq/sahay/internal/observe"
	"github.com/sahayhq/sahay/internal/voice"
	"github.com/sahayhq/sahay/pkg/audio/capture"
	"github.com/sahayhq/sahay/pkg/audio/playback"
	"github.com/sahayhq/sahay/pkg/history"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
	"github.com/sahayhq/sahay/pkg/provider/stt"
	"github.com/sahayhq/sahay/pkg/provider/vad"
	"github.com/sahayhq/sahay/pkg/turn"
)

// stuckAfter is how long the manager may sit in Connecting or Closing before
// the readiness check reports it as stuck.
const stuckAfter = 30 * time.Second

// Settings are the per-conversation knobs. They can change while the process
// runs; a change applies to the next conversation.
type Settings struct {
	Mode           voice.Mode
	ProviderName   string
	Instructions   string
	Voice          string
	Greeting       string
	Language       string
	Keywords       []stt.KeywordBoost
	SilenceTimeout time.Duration
	WireRate       int

	// BargeIn tunes local barge-in detection. BargeInDisabled turns it off.
	BargeIn         vad.Config
	BargeInDisabled bool

	// Screen withholds crisis turns. Helpline is shown when it triggers.
	Screen   voice.CrisisScreen
	Helpline string
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
// Provider, Capture, OpenSink and Transcript are required.
type SessionManagerConfig struct {
	Provider   s2s.Provider
	Breaker    voice.Breaker
	Recognizer stt.Capability
	VAD        vad.Engine
	Capture    *capture.Downlink
	OpenSink   func() (playback.Sink, error)
	Transcript voice.Transcript

	// Store persists chats. Nil keeps the current chat in memory only.
	Store history.Store

	// OnCrisis, if set, is called after the helpline notice is shown.
	OnCrisis func(text string)

	Metrics  *observe.Metrics
	Clock    turn.Clock
	Now      func() time.Time
	Settings Settings
}

// SessionManager runs at most one conversation at a time and owns the chat
// it belongs to. Each Start builds a fresh [voice.Session] from the current
// [Settings] and the chat's transcript, so a stopped conversation can be
// resumed.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	deps SessionManagerConfig
	now  func() time.Time

	mu        sync.Mutex
	settings  Settings
	session   *voice.Session
	starting  bool
	dictating bool

	stateMu    sync.Mutex
	state      voice.State
	stateSince time.Time
	onState    []func(voice.State)

	chatMu sync.Mutex
	chat   history.ChatHistoryItem
	epoch  uint64
}

// NewSessionManager creates an idle manager with an empty chat.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		deps:       cfg,
		now:        now,
		settings:   cfg.Settings,
		stateSince: now(),
	}
}

// Start begins a conversation on the current chat. It returns
// [voice.ErrSessionActive] while another conversation or a dictation owns
// the microphone.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.busyLocked() {
		sm.mu.Unlock()
		return voice.ErrSessionActive
	}
	s, err := sm.newSession(sm.settings)
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.session = s
	sm.starting = true
	sm.mu.Unlock()

	err = s.Start(ctx)

	sm.mu.Lock()
	sm.starting = false
	sm.mu.Unlock()
	if err != nil {
		return err
	}
	slog.Info("conversation started", "chat_id", sm.Chat().ID, "mode", string(s.Mode()))
	return nil
}

// Stop ends the running conversation, if any. It is idempotent.
func (sm *SessionManager) Stop() {
	sm.mu.Lock()
	s := sm.session
	sm.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// SendText sends a typed message into the running conversation. It returns
// [voice.ErrNotActive] when none is running.
func (sm *SessionManager) SendText(text string) error {
	sm.mu.Lock()
	s := sm.session
	sm.mu.Unlock()
	if s == nil {
		return voice.ErrNotActive
	}
	return s.SendText(text)
}

// Dictate recognizes one utterance for the text box. It needs the
// microphone, so it fails with [voice.ErrSessionActive] during a
// conversation.
func (sm *SessionManager) Dictate(ctx context.Context) (string, error) {
	sm.mu.Lock()
	if sm.busyLocked() {
		sm.mu.Unlock()
		return "", voice.ErrSessionActive
	}
	s, err := sm.newSession(sm.settings)
	if err != nil {
		sm.mu.Unlock()
		return "", err
	}
	sm.dictating = true
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		sm.dictating = false
		sm.mu.Unlock()
	}()
	return s.Dictate(ctx)
}

// Active reports whether a conversation or dictation is in progress.
func (sm *SessionManager) Active() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.busyLocked()
}

func (sm *SessionManager) busyLocked() bool {
	if sm.starting || sm.dictating {
		return true
	}
	return sm.session != nil && sm.session.State() != voice.Idle
}

// Speaking reports whether response audio is playing.
func (sm *SessionManager) Speaking() bool {
	sm.mu.Lock()
	s := sm.session
	sm.mu.Unlock()
	return s != nil && s.Speaking()
}

// State returns the state of the current conversation.
func (sm *SessionManager) State() voice.State {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	return sm.state
}

// OnStateChange registers fn to be called on every conversation state
// transition. fn must not call back into the manager.
func (sm *SessionManager) OnStateChange(fn func(voice.State)) {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	sm.onState = append(sm.onState, fn)
}

func (sm *SessionManager) observeState(st voice.State) {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	sm.state = st
	sm.stateSince = sm.now()
	for _, fn := range sm.onState {
		fn(st)
	}
}

// ReadyCheck fails when a conversation has been stuck in Connecting or
// Closing for longer than a connect should ever take.
func (sm *SessionManager) ReadyCheck(context.Context) error {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	if sm.state != voice.Connecting && sm.state != voice.Closing {
		return nil
	}
	if d := sm.now().Sub(sm.stateSince); d > stuckAfter {
		return fmt.Errorf("session stuck in %s for %s", sm.state, d.Round(time.Second))
	}
	return nil
}

// Settings returns a copy of the settings used for the next conversation.
func (sm *SessionManager) Settings() Settings {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.settings
}

// UpdateSettings applies fn to the settings. A running conversation keeps
// the settings it started with.
func (sm *SessionManager) UpdateSettings(fn func(*Settings)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	fn(&sm.settings)
}

// newSession must be called with sm.mu held.
func (sm *SessionManager) newSession(st Settings) (*voice.Session, error) {
	sm.chatMu.Lock()
	chat := sm.chat
	chat.Messages = slices.Clone(chat.Messages)
	epoch := sm.epoch
	sm.chatMu.Unlock()

	cfg := voice.Config{
		Mode:           st.Mode,
		ProviderName:   st.ProviderName,
		Instructions:   st.Instructions,
		Voice:          st.Voice,
		Greeting:       st.Greeting,
		History:        chat.Messages,
		SilenceTimeout: st.SilenceTimeout,
		WireRate:       st.WireRate,
		Language:       st.Language,
		Keywords:       st.Keywords,
		VAD:            st.BargeIn,
	}
	deps := voice.Deps{
		Provider:   sm.deps.Provider,
		Capture:    sm.deps.Capture,
		OpenSink:   sm.deps.OpenSink,
		Recognizer: sm.deps.Recognizer,
		Transcript: sm.deps.Transcript,
		History:    &chatSink{sm: sm, epoch: epoch, item: chat},
		Screen:     st.Screen,
		OnCrisis:   sm.crisisHandler(st.Helpline),
		Breaker:    sm.deps.Breaker,
		Metrics:    sm.deps.Metrics,
		Clock:      sm.deps.Clock,
	}
	if !st.BargeInDisabled {
		deps.VAD = sm.deps.VAD
	}

	s, err := voice.New(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("app: new session: %w", err)
	}
	s.OnStateChange(sm.observeState)
	return s, nil
}

func (sm *SessionManager) crisisHandler(helpline string) func(string) {
	return func(text string) {
		if helpline != "" {
			sm.deps.Transcript.Notice(helpline)
		}
		if fn := sm.deps.OnCrisis; fn != nil {
			fn(text)
		}
	}
}

// ─── Chats ───────────────────────────────────────────────────────────────────

// Chat returns a copy of the current chat. Its ID is empty until the first
// turn has been persisted.
func (sm *SessionManager) Chat() history.ChatHistoryItem {
	sm.chatMu.Lock()
	defer sm.chatMu.Unlock()
	c := sm.chat
	c.Messages = slices.Clone(c.Messages)
	return c
}

// NewChat switches to an empty chat.
func (sm *SessionManager) NewChat() error {
	if sm.Active() {
		return voice.ErrSessionActive
	}
	sm.setChat(history.ChatHistoryItem{})
	return nil
}

// LoadChat makes the stored chat id current so the next conversation resumes
// it.
func (sm *SessionManager) LoadChat(ctx context.Context, id string) error {
	if sm.Active() {
		return voice.ErrSessionActive
	}
	if sm.deps.Store == nil {
		return fmt.Errorf("app: load chat %s: %w", id, history.ErrNotFound)
	}
	item, err := sm.deps.Store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("app: load chat %s: %w", id, err)
	}
	sm.setChat(item)
	slog.Info("chat loaded", "chat_id", id, "messages", len(item.Messages))
	return nil
}

// ListChats returns the stored chats, most recent first.
func (sm *SessionManager) ListChats(ctx context.Context) ([]history.ChatHistoryItem, error) {
	if sm.deps.Store == nil {
		return nil, nil
	}
	return sm.deps.Store.List(ctx)
}

// DeleteChat removes a stored chat. Deleting the current chat switches to an
// empty one, which is refused while it is in use.
func (sm *SessionManager) DeleteChat(ctx context.Context, id string) error {
	current := sm.Chat().ID == id
	if current && sm.Active() {
		return voice.ErrSessionActive
	}
	if sm.deps.Store != nil {
		if err := sm.deps.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("app: delete chat %s: %w", id, err)
		}
	}
	if current {
		sm.setChat(history.ChatHistoryItem{})
	}
	return nil
}

func (sm *SessionManager) setChat(item history.ChatHistoryItem) {
	sm.chatMu.Lock()
	defer sm.chatMu.Unlock()
	sm.chat = item
	sm.epoch++
}

// adopt makes item the current chat unless the user switched chats since the
// session that produced it was built.
func (sm *SessionManager) adopt(epoch uint64, item history.ChatHistoryItem) {
	sm.chatMu.Lock()
	defer sm.chatMu.Unlock()
	if epoch != sm.epoch {
		return
	}
	item.Messages = slices.Clone(item.Messages)
	sm.chat = item
}

// chatSink persists one session's transcript. It keeps its own copy of the
// chat so a final flush after the user moved on still lands in the right
// record.
type chatSink struct {
	sm    *SessionManager
	epoch uint64

	mu   sync.Mutex
	item history.ChatHistoryItem
}

var _ voice.HistorySink = (*chatSink)(nil)

// PersistTurn implements [voice.HistorySink]. The chat gets its ID and title
// on the first save; the title is derived again only while the chat has no
// user message.
func (c *chatSink) PersistTurn(ctx context.Context, messages []history.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.sm.now()
	if c.item.ID == "" {
		c.item.ID = history.NewID(now)
	}
	if c.item.Title == "" || c.item.Title == history.Title(nil) {
		c.item.Title = history.Title(messages)
	}
	c.item.Messages = slices.Clone(messages)
	c.item.UpdatedAt = now
	c.sm.adopt(c.epoch, c.item)

	if c.sm.deps.Store == nil {
		return nil
	}
	if err := c.sm.deps.Store.Save(ctx, c.item); err != nil {
		return fmt.Errorf("app: save chat %s: %w", c.item.ID, err)
	}
	return nil
}
