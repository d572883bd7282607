package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sahayhq/sahay/internal/voice"
	"github.com/sahayhq/sahay/pkg/history"
)

// console renders the conversation as plain lines on a terminal. Streaming
// updates that extend the last printed line are appended in place; any other
// update reprints the message on a fresh line.
type console struct {
	mu   sync.Mutex
	out  io.Writer
	open *consoleLine // line the cursor is still on, if any

	// after schedules the end of a status placeholder.
	after  func(time.Duration, func())
	status uint64 // bumped on every status line
}

// micHold is how long the microphone placeholder stays before the console
// reports idle again.
const micHold = 5 * time.Second

var _ voice.Transcript = (*console)(nil)

type consoleLine struct {
	c       *console
	sender  history.Sender
	printed string
	removed bool
}

func newConsole(out io.Writer) *console {
	return &console{
		out:   out,
		after: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

func (c *console) AppendMessage(text string, sender history.Sender) voice.MessageHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &consoleLine{c: c, sender: sender}
	c.startLine(l, text)
	return l
}

func (c *console) Notice(text string) {
	c.Printf("* %s\n", text)
}

// Status reports a session state change.
func (c *console) Status(st voice.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status++
	c.closeLine()
	fmt.Fprintf(c.out, "[%s]\n", st)
}

// MicUnavailable shows a placeholder status for a microphone that could not
// be opened. It reverts to idle after micHold unless another status replaced
// it first.
func (c *console) MicUnavailable(err error) {
	c.mu.Lock()
	c.status++
	gen := c.status
	c.closeLine()
	fmt.Fprintf(c.out, "[microphone unavailable] %v\n", err)
	c.mu.Unlock()

	c.after(micHold, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.status != gen {
			return
		}
		c.status++
		c.closeLine()
		fmt.Fprintf(c.out, "[%s]\n", voice.Idle)
	})
}

// Printf writes a complete line, closing any streaming line first.
func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLine()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) startLine(l *consoleLine, text string) {
	c.closeLine()
	fmt.Fprintf(c.out, "%s: %s", l.sender, text)
	l.printed = text
	c.open = l
}

func (c *console) closeLine() {
	if c.open != nil {
		fmt.Fprintln(c.out)
		c.open = nil
	}
}

func (l *consoleLine) Update(text string) {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.removed || text == l.printed {
		return
	}
	if c.open == l && strings.HasPrefix(text, l.printed) {
		fmt.Fprint(c.out, text[len(l.printed):])
		l.printed = text
		return
	}
	c.startLine(l, text)
}

// Remove cannot erase what the terminal already shows; it only stops
// further updates to the line.
func (l *consoleLine) Remove() {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	l.removed = true
	if c.open == l {
		c.closeLine()
	}
}
