package app_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sahayhq/sahay/internal/app"
	"github.com/sahayhq/sahay/internal/observe"
	"github.com/sahayhq/sahay/internal/safety"
	"github.com/sahayhq/sahay/internal/voice"
	"github.com/sahayhq/sahay/pkg/audio/capture"
	audiomock "github.com/sahayhq/sahay/pkg/audio/mock"
	"github.com/sahayhq/sahay/pkg/audio/playback"
	"github.com/sahayhq/sahay/pkg/history"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
	s2smock "github.com/sahayhq/sahay/pkg/provider/s2s/mock"
)

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeTranscript struct {
	mu      sync.Mutex
	lines   []string
	notices []string
}

type fakeLine struct{}

func (fakeLine) Update(string) {}
func (fakeLine) Remove()       {}

func (f *fakeTranscript) AppendMessage(text string, sender history.Sender) voice.MessageHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, string(sender)+": "+text)
	return fakeLine{}
}

func (f *fakeTranscript) Notice(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
}

func (f *fakeTranscript) noticeCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.notices {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

type manualNow struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualNow) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualNow) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// blockingProvider never finishes connecting until ctx is cancelled.
type blockingProvider struct {
	entered chan struct{}
	once    sync.Once
}

func (p *blockingProvider) Connect(ctx context.Context, _ s2s.SessionConfig) (s2s.Channel, error) {
	p.once.Do(func() { close(p.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *blockingProvider) Capabilities() s2s.Capabilities { return s2s.Capabilities{} }

// ─── Harness ─────────────────────────────────────────────────────────────────

type smHarness struct {
	sm         *app.SessionManager
	provider   *s2smock.Provider
	transcript *fakeTranscript
	store      *history.MemStore
	now        *manualNow

	mu      sync.Mutex
	crises  []string
	sinkCnt int
}

func newSMHarness(t *testing.T, tweak func(*app.SessionManagerConfig)) *smHarness {
	t.Helper()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &smHarness{
		provider:   &s2smock.Provider{},
		transcript: &fakeTranscript{},
		store:      history.NewMemStore(),
		now:        &manualNow{t: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
	}
	cfg := app.SessionManagerConfig{
		Provider: h.provider,
		Capture:  capture.New(&audiomock.Source{}, capture.Config{CaptureRate: 16000, BlockSize: 160}),
		OpenSink: func() (playback.Sink, error) {
			h.mu.Lock()
			h.sinkCnt++
			h.mu.Unlock()
			return &audiomock.Sink{}, nil
		},
		Transcript: h.transcript,
		Store:      h.store,
		OnCrisis: func(text string) {
			h.mu.Lock()
			h.crises = append(h.crises, text)
			h.mu.Unlock()
		},
		Metrics: metrics,
		Now:     h.now.Now,
		Settings: app.Settings{
			Mode:         voice.ModeAudio,
			ProviderName: "gemini-live",
			Instructions: "Be kind.",
			Screen:       safety.New(nil),
			Helpline:     safety.DefaultHelpline,
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.sm = app.NewSessionManager(cfg)
	t.Cleanup(h.sm.Stop)
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)

	var mu sync.Mutex
	var states []voice.State
	h.sm.OnStateChange(func(s voice.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := h.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := h.sm.State(); got != voice.Active {
		t.Fatalf("State() = %v, want active", got)
	}
	if !h.sm.Active() {
		t.Fatal("Active() = false after Start")
	}
	if got := h.provider.ConnectCalls[0].Cfg.Instructions; got != "Be kind." {
		t.Errorf("connect instructions = %q", got)
	}

	h.sm.Stop()
	eventually(t, "idle", func() bool { return h.sm.State() == voice.Idle })
	if h.sm.Active() {
		t.Error("Active() = true after Stop")
	}
	h.sm.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []voice.State{voice.Connecting, voice.Active, voice.Closing, voice.Idle}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestSessionManager_DoubleStart(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)

	if err := h.sm.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if err := h.sm.Start(context.Background()); !errors.Is(err, voice.ErrSessionActive) {
		t.Fatalf("second Start() = %v, want ErrSessionActive", err)
	}
	if _, err := h.sm.Dictate(context.Background()); !errors.Is(err, voice.ErrSessionActive) {
		t.Fatalf("Dictate() = %v, want ErrSessionActive", err)
	}
	if n := h.provider.ConnectCount(); n != 1 {
		t.Errorf("connect count = %d, want 1", n)
	}
}

func TestSessionManager_SendTextWithoutSession(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)
	if err := h.sm.SendText("hello"); !errors.Is(err, voice.ErrNotActive) {
		t.Fatalf("SendText() = %v, want ErrNotActive", err)
	}
}

func TestSessionManager_PersistsChat(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)
	ctx := context.Background()

	if err := h.sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.sm.SendText("I feel stressed about exams"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}

	var items []history.ChatHistoryItem
	eventually(t, "chat saved", func() bool {
		items, _ = h.store.List(ctx)
		return len(items) == 1
	})
	item := items[0]
	if want := history.NewID(h.now.Now()); item.ID != want {
		t.Errorf("ID = %q, want %q", item.ID, want)
	}
	if item.Title != "I feel stressed about exams..." {
		t.Errorf("Title = %q", item.Title)
	}
	if len(item.Messages) != 1 || item.Messages[0].Sender != history.SenderUser {
		t.Errorf("Messages = %+v", item.Messages)
	}
	if got := h.sm.Chat().ID; got != item.ID {
		t.Errorf("Chat().ID = %q, want %q", got, item.ID)
	}
}

func TestSessionManager_ResumesChatOnRestart(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)
	ctx := context.Background()

	if err := h.sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.sm.SendText("Namaste"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	eventually(t, "chat adopted", func() bool { return len(h.sm.Chat().Messages) == 1 })
	firstID := h.sm.Chat().ID

	h.sm.Stop()
	eventually(t, "idle", func() bool { return h.sm.State() == voice.Idle })

	h.now.Advance(time.Minute)
	if err := h.sm.Start(ctx); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	replayed := h.provider.ConnectCalls[1].Cfg.History
	if len(replayed) != 1 || replayed[0].Role != s2s.RoleUser || replayed[0].Text != "Namaste" {
		t.Fatalf("replayed history = %+v", replayed)
	}

	if err := h.sm.SendText("Again"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	eventually(t, "second turn saved", func() bool {
		item, err := h.store.Get(ctx, firstID)
		return err == nil && len(item.Messages) == 2
	})
	if got := h.sm.Chat().ID; got != firstID {
		t.Errorf("chat ID changed across restart: %q -> %q", firstID, got)
	}
}

func TestSessionManager_ChatSwitching(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)
	ctx := context.Background()

	stored := history.ChatHistoryItem{
		ID:    "1700000000000",
		Title: "Exam anxiety...",
		Messages: []history.ChatMessage{
			{Text: "Exam anxiety", Sender: history.SenderUser},
			{Text: "Let's breathe together.", Sender: history.SenderAI},
		},
	}
	if err := h.store.Save(ctx, stored); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := h.sm.LoadChat(ctx, stored.ID); err != nil {
		t.Fatalf("LoadChat() error: %v", err)
	}
	if got := h.sm.Chat(); got.ID != stored.ID || len(got.Messages) != 2 {
		t.Fatalf("Chat() = %+v", got)
	}
	if err := h.sm.LoadChat(ctx, "missing"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("LoadChat(missing) = %v, want ErrNotFound", err)
	}

	if err := h.sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := h.provider.ConnectCalls[0].Cfg.History; len(got) != 2 || got[1].Role != s2s.RoleModel {
		t.Errorf("replayed history = %+v", got)
	}
	if err := h.sm.NewChat(); !errors.Is(err, voice.ErrSessionActive) {
		t.Errorf("NewChat() while active = %v, want ErrSessionActive", err)
	}
	if err := h.sm.DeleteChat(ctx, stored.ID); !errors.Is(err, voice.ErrSessionActive) {
		t.Errorf("DeleteChat(current) while active = %v, want ErrSessionActive", err)
	}

	h.sm.Stop()
	eventually(t, "idle", func() bool { return !h.sm.Active() })

	if err := h.sm.DeleteChat(ctx, stored.ID); err != nil {
		t.Fatalf("DeleteChat() error: %v", err)
	}
	if got := h.sm.Chat(); got.ID != "" || len(got.Messages) != 0 {
		t.Errorf("Chat() after deleting current = %+v, want empty", got)
	}
	items, err := h.sm.ListChats(ctx)
	if err != nil || len(items) != 0 {
		t.Errorf("ListChats() = %v, %v; want empty", items, err)
	}
}

func TestSessionManager_CrisisShowsHelpline(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)

	if err := h.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.sm.SendText("I want to end my life"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	eventually(t, "helpline notice", func() bool {
		return h.transcript.noticeCount("You are not alone") == 1
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.crises) != 1 || h.crises[0] != "I want to end my life" {
		t.Errorf("OnCrisis calls = %v", h.crises)
	}
	if sent := h.provider.LastChannel().SentTurns(); len(sent) != 0 {
		t.Errorf("crisis turn reached the model: %v", sent)
	}
}

func TestSessionManager_SettingsApplyToNextSession(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)
	ctx := context.Background()

	if err := h.sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h.sm.UpdateSettings(func(s *app.Settings) {
		s.Instructions = "Answer in Hindi."
		s.Voice = "Kore"
	})
	if got := h.sm.Settings().Instructions; got != "Answer in Hindi." {
		t.Errorf("Settings().Instructions = %q", got)
	}

	h.sm.Stop()
	eventually(t, "idle", func() bool { return !h.sm.Active() })
	if err := h.sm.Start(ctx); err != nil {
		t.Fatalf("restart error: %v", err)
	}

	first, second := h.provider.ConnectCalls[0].Cfg, h.provider.ConnectCalls[1].Cfg
	if first.Instructions != "Be kind." {
		t.Errorf("first session instructions = %q", first.Instructions)
	}
	if second.Instructions != "Answer in Hindi." || second.Voice != "Kore" {
		t.Errorf("second session cfg = %+v", second)
	}
}

func TestSessionManager_ReadyCheckDetectsStuckConnect(t *testing.T) {
	t.Parallel()
	bp := &blockingProvider{entered: make(chan struct{})}
	h := newSMHarness(t, func(c *app.SessionManagerConfig) { c.Provider = bp })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- h.sm.Start(ctx) }()
	<-bp.entered

	if err := h.sm.ReadyCheck(context.Background()); err != nil {
		t.Fatalf("ReadyCheck() right after connect began = %v", err)
	}
	h.now.Advance(time.Minute)
	if err := h.sm.ReadyCheck(context.Background()); err == nil || !strings.Contains(err.Error(), "connecting") {
		t.Fatalf("ReadyCheck() = %v, want stuck in connecting", err)
	}

	cancel()
	select {
	case err := <-errCh:
		var ce *voice.ConnectError
		if !errors.As(err, &ce) && !errors.Is(err, context.Canceled) {
			t.Errorf("Start() = %v, want connect failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	eventually(t, "idle", func() bool { return h.sm.State() == voice.Idle })
	if err := h.sm.ReadyCheck(context.Background()); err != nil {
		t.Errorf("ReadyCheck() when idle = %v", err)
	}
}

func TestSessionManager_DictateUnavailable(t *testing.T) {
	t.Parallel()
	h := newSMHarness(t, nil)
	if _, err := h.sm.Dictate(context.Background()); !errors.Is(err, voice.ErrRecognizerUnavailable) {
		t.Fatalf("Dictate() = %v, want ErrRecognizerUnavailable", err)
	}
	if h.sm.Active() {
		t.Error("Active() = true after failed dictation")
	}
}
