// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM16; everything the server sends is
// surfaced as ordered s2s.Event values.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/provider/s2s"
)

// Compile-time assertions that Provider and channel satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Channel = (*channel)(nil)

const (
	defaultModel   = "gemini-live-2.5-flash-preview"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultSetupTimeout = 10 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for the server to accept the
// session configuration.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputRate:  audio.WireRate,
		OutputRate: audio.ResponseRate,
		Voices:     []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the Live endpoint, sends the setup message and waits for the
// server's setupComplete acknowledgement. Persisted history is replayed
// before Connect returns. The first event on the returned channel is
// [s2s.EventOpen].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inbound audio frames are larger than the library's 32 KiB default.
	conn.SetReadLimit(4 << 20)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.handshake(ctx, p.model, cfg, p.setupTimeout); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	ch.events <- s2s.Event{Kind: s2s.EventOpen}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

type blob struct {
	Data     string `json:"data"` // base64-encoded
	MIMEType string `json:"mimeType"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ServerError is an error reported by the Live endpoint itself.
type ServerError struct {
	Code    int
	Status  string
	Message string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return fmt.Sprintf("gemini: %s", msg)
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// handshake sends the setup message, waits for setupComplete and replays
// history.
func (c *channel) handshake(ctx context.Context, model string, cfg s2s.SessionConfig, timeout time.Duration) error {
	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.write(setupCtx, buildSetup(model, cfg)); err != nil {
		return fmt.Errorf("gemini: setup: %w", err)
	}

	for {
		_, data, err := c.conn.Read(setupCtx)
		if err != nil {
			return fmt.Errorf("gemini: await setup: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return toServerError(msg.Error)
		}
		if msg.SetupComplete != nil {
			break
		}
	}

	if len(cfg.History) > 0 {
		msg := clientContentMessage{
			ClientContent: clientContent{Turns: toContentTurns(cfg.History), TurnComplete: false},
		}
		if err := c.write(setupCtx, msg); err != nil {
			return fmt.Errorf("gemini: replay history: %w", err)
		}
	}
	return nil
}

func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	modalities := make([]string, 0, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		modalities = append(modalities, string(m))
	}
	if len(modalities) == 0 {
		modalities = []string{string(s2s.ModalityAudio)}
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

func toContentTurns(turns []s2s.Turn) []contentTurn {
	out := make([]contentTurn, 0, len(turns))
	for _, t := range turns {
		role := string(t.Role)
		if t.Role != s2s.RoleModel {
			role = string(s2s.RoleUser)
		}
		out = append(out, contentTurn{Role: role, Parts: []part{{Text: t.Text}}})
	}
	return out
}

func toServerError(ge *geminiError) *ServerError {
	return &ServerError{Code: ge.Code, Status: ge.Status, Message: ge.Message}
}

// write marshals v and writes it as a text WebSocket message.
func (c *channel) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// emit delivers ev unless the channel has been closed locally.
func (c *channel) emit(ev s2s.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them. It is
// the only sender on events after Connect returns, and closes it on exit.
func (c *channel) receiveLoop() {
	defer c.finish()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// Local Close: exit quietly.
			if c.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				c.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one server message and reports whether the
// receive loop should continue.
func (c *channel) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		c.emit(s2s.Event{Kind: s2s.EventError, Err: toServerError(msg.Error)})
		return false
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server requested disconnect")
	}
	if msg.ServerContent != nil {
		return c.handleServerContent(msg.ServerContent)
	}
	return true
}

func (c *channel) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		if !c.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/pcm") {
				rate := parseRate(p.InlineData.MIMEType, audio.ResponseRate)
				ev := s2s.Event{Kind: s2s.EventAudio}
				frame, err := audio.DecodeWireFrame(p.InlineData.Data, rate)
				if err != nil {
					ev = s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: inbound audio: %w", err)}
				} else {
					ev.Audio = frame
				}
				if !c.emit(ev) {
					return false
				}
			}
			if p.Text != "" {
				if !c.emit(s2s.Event{Kind: s2s.EventText, Text: p.Text}) {
					return false
				}
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.emit(s2s.Event{Kind: s2s.EventInputTranscript, Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.emit(s2s.Event{Kind: s2s.EventText, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete {
		return c.emit(s2s.Event{Kind: s2s.EventTurnComplete})
	}
	return true
}

// parseRate extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000".
func parseRate(mime string, fallback int) int {
	_, params, ok := strings.Cut(mime, "rate=")
	if !ok {
		return fallback
	}
	if i := strings.IndexByte(params, ';'); i >= 0 {
		params = params[:i]
	}
	rate, err := strconv.Atoi(strings.TrimSpace(params))
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}

// finish emits the terminal close event, releases the connection and then
// closes the events channel, so a consumer that sees the channel closed also
// sees Send calls fail.
func (c *channel) finish() {
	if c.ctx.Err() == nil {
		c.emit(s2s.Event{Kind: s2s.EventClose})
	} else {
		select {
		case c.events <- s2s.Event{Kind: s2s.EventClose}:
		default:
		}
	}
	_ = c.Close()
	close(c.events)
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

var errClosed = errors.New("gemini: channel closed")

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers one wire frame of captured audio to the model.
func (c *channel) SendAudio(frame audio.WireFrame) error {
	if c.isClosed() {
		return errClosed
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &blob{Data: frame.Data, MIMEType: frame.MIMEType()},
		},
	}
	if err := c.write(c.ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// SendTurns sends complete text turns as clientContent and asks the model to
// respond.
func (c *channel) SendTurns(turns []s2s.Turn) error {
	if c.isClosed() {
		return errClosed
	}
	if len(turns) == 0 {
		return nil
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        toContentTurns(turns),
			TurnComplete: true,
		},
	}
	if err := c.write(c.ctx, msg); err != nil {
		return fmt.Errorf("gemini: send turns: %w", err)
	}
	return nil
}

// Events returns the ordered event stream.
func (c *channel) Events() <-chan s2s.Event { return c.events }

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close terminates the channel and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
