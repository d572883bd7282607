// Package history defines the chat history model and the [Store] contract
// used to persist conversations between sessions.
//
// A conversation is saved as a [ChatHistoryItem] holding the ordered
// transcript. Items are keyed by an opaque ID and titled from the first thing
// the user said (see [Title]). [Turns] converts a stored transcript back into
// the turn list a new duplex session replays on connect.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/sahayhq/sahay/pkg/provider/s2s"
)

// ErrNotFound is returned by [Store.Get] and [Store.Delete] when no item with
// the requested ID exists.
var ErrNotFound = errors.New("history: chat not found")

// Sender identifies who produced a chat message.
type Sender string

const (
	// SenderUser marks a message spoken or typed by the user.
	SenderUser Sender = "user"

	// SenderAI marks a message produced by the assistant.
	SenderAI Sender = "ai"
)

// ChatMessage is a single line of the transcript.
type ChatMessage struct {
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
}

// ChatHistoryItem is a persisted conversation.
type ChatHistoryItem struct {
	// ID is the opaque identifier assigned when the chat is first saved.
	ID string `json:"id"`

	// Title is derived once, at creation, by [Title].
	Title string `json:"title"`

	// Messages is the full transcript in display order.
	Messages []ChatMessage `json:"messages"`

	// UpdatedAt is set by the store on every Save.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists chat history items.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts item or replaces the stored item with the same ID. The
	// item's ID must be non-empty.
	Save(ctx context.Context, item ChatHistoryItem) error

	// Get returns the item with the given ID, or [ErrNotFound].
	Get(ctx context.Context, id string) (ChatHistoryItem, error)

	// List returns all items, most recently updated first.
	List(ctx context.Context) ([]ChatHistoryItem, error)

	// Delete removes the item with the given ID, or returns [ErrNotFound].
	Delete(ctx context.Context, id string) error
}

// titleLimit is the number of characters kept from the first user message.
const titleLimit = 30

// Title derives a chat title from its transcript: the first user message cut
// to 30 characters and suffixed with "...". A transcript without any user
// message is titled "New Chat".
func Title(messages []ChatMessage) string {
	for _, m := range messages {
		if m.Sender != SenderUser {
			continue
		}
		r := []rune(m.Text)
		if len(r) > titleLimit {
			r = r[:titleLimit]
		}
		return string(r) + "..."
	}
	return "New Chat"
}

// Turns converts a stored transcript into the turn list replayed to the
// remote model when a chat is resumed. Empty messages are skipped.
func Turns(messages []ChatMessage) []s2s.Turn {
	turns := make([]s2s.Turn, 0, len(messages))
	for _, m := range messages {
		if m.Text == "" {
			continue
		}
		role := s2s.RoleModel
		if m.Sender == SenderUser {
			role = s2s.RoleUser
		}
		turns = append(turns, s2s.Turn{Role: role, Text: m.Text})
	}
	return turns
}

// NewID returns a fresh chat ID derived from t (milliseconds since the Unix
// epoch, as a decimal string).
func NewID(t time.Time) string {
	return formatMillis(t.UnixMilli())
}
