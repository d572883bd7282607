package voice

import (
	"context"

	"github.com/sahayhq/sahay/pkg/history"
)

// Transcript is the visible conversation log.
//
// Methods are called from the session's event loop and must not block or
// call back into the [Session].
type Transcript interface {
	// AppendMessage adds a line and returns a handle for streaming updates.
	AppendMessage(text string, sender history.Sender) MessageHandle

	// Notice shows a transient status line that is not part of the chat,
	// such as an error report.
	Notice(text string)
}

// MessageHandle refers to one transcript line.
type MessageHandle interface {
	// Update replaces the line's text.
	Update(text string)

	// Remove deletes the line from the transcript.
	Remove()
}

// HistorySink persists the conversation. PersistTurn receives the full
// transcript after every completed turn. Calls are made from a dedicated
// goroutine, one at a time; a slow sink never stalls audio.
type HistorySink interface {
	PersistTurn(ctx context.Context, messages []history.ChatMessage) error
}

// CrisisScreen decides whether a user turn must be withheld from the model.
type CrisisScreen interface {
	Check(text string) bool
}

// Breaker guards connection attempts. [*resilience.CircuitBreaker]
// satisfies it.
type Breaker interface {
	Execute(fn func() error) error
}
