package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sahayhq/sahay/internal/voice"
	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/history"
)

// controller is the part of [app.SessionManager] the console drives.
type controller interface {
	Start(ctx context.Context) error
	Stop()
	SendText(text string) error
	Dictate(ctx context.Context) (string, error)
	Chat() history.ChatHistoryItem
	NewChat() error
	LoadChat(ctx context.Context, id string) error
	ListChats(ctx context.Context) ([]history.ChatHistoryItem, error)
	DeleteChat(ctx context.Context, id string) error
}

const helpText = `commands:
  /start        start a voice conversation
  /stop         end the conversation
  /dictate      speak a message while idle and send it on the next /start
  /new          begin a new chat
  /chats        list saved chats
  /load ID      switch to a saved chat
  /delete ID    delete a saved chat
  /help         show this help
anything else is sent as a typed message`

// repl reads lines from in until EOF or ctx is done. Typed lines go to the
// running conversation; lines starting with "/" are commands.
func repl(ctx context.Context, ctl controller, con *console, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	r := &replState{ctl: ctl, con: con}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			r.handle(ctx, strings.TrimSpace(line))
		}
	}
}

type replState struct {
	ctl controller
	con *console

	// dictated is sent as the first message of the next conversation.
	dictated string
}

func (r *replState) handle(ctx context.Context, line string) {
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "/") {
		r.send(line)
		return
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "start":
		r.start(ctx)
	case "stop":
		r.ctl.Stop()
	case "dictate":
		r.dictate(ctx)
	case "new":
		r.report(r.ctl.NewChat())
	case "chats":
		r.listChats(ctx)
	case "load":
		if arg == "" {
			r.con.Printf("usage: /load ID\n")
			return
		}
		if r.report(r.ctl.LoadChat(ctx, arg)) {
			c := r.ctl.Chat()
			r.con.Printf("loaded %q (%d messages)\n", c.Title, len(c.Messages))
		}
	case "delete":
		if arg == "" {
			r.con.Printf("usage: /delete ID\n")
			return
		}
		if r.report(r.ctl.DeleteChat(ctx, arg)) {
			r.con.Printf("deleted %s\n", arg)
		}
	case "help":
		r.con.Printf("%s\n", helpText)
	default:
		r.con.Printf("unknown command /%s, try /help\n", cmd)
	}
}

func (r *replState) start(ctx context.Context) {
	if !r.report(r.ctl.Start(ctx)) {
		return
	}
	if r.dictated != "" {
		text := r.dictated
		r.dictated = ""
		r.send(text)
	}
}

func (r *replState) send(text string) {
	err := r.ctl.SendText(text)
	if errors.Is(err, voice.ErrNotActive) {
		r.con.Printf("not connected, type /start first\n")
		return
	}
	r.report(err)
}

// dictateTimeout caps a dictation in which the user never speaks.
const dictateTimeout = 30 * time.Second

func (r *replState) dictate(ctx context.Context) {
	r.con.Printf("listening...\n")
	ctx, cancel := context.WithTimeout(ctx, dictateTimeout)
	defer cancel()
	text, err := r.ctl.Dictate(ctx)
	if !r.report(err) {
		return
	}
	if text == "" {
		r.con.Printf("heard nothing\n")
		return
	}
	r.dictated = text
	r.con.Printf("heard: %s\n", text)
}

func (r *replState) listChats(ctx context.Context) {
	chats, err := r.ctl.ListChats(ctx)
	if !r.report(err) {
		return
	}
	if len(chats) == 0 {
		r.con.Printf("no saved chats\n")
		return
	}
	current := r.ctl.Chat().ID
	for _, c := range chats {
		mark := " "
		if c.ID == current {
			mark = "*"
		}
		r.con.Printf("%s %s  %s  %s\n", mark, c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
	}
}

// report prints err, if any, and reports whether the operation succeeded.
func (r *replState) report(err error) bool {
	if err == nil {
		return true
	}
	var perm *audio.PermissionError
	switch {
	case errors.As(err, &perm):
		r.con.MicUnavailable(err)
	case errors.Is(err, voice.ErrSessionActive):
		r.con.Printf("a conversation is already running, /stop it first\n")
	case errors.Is(err, voice.ErrRecognizerUnavailable):
		r.con.Printf("dictation is unavailable: %v\n", err)
	case errors.Is(err, history.ErrNotFound):
		r.con.Printf("no such chat\n")
	default:
		r.con.Printf("error: %v\n", err)
	}
	return false
}
