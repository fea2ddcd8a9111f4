// ABOUTME: Destination and mention capability interfaces consumed by the relay core
// ABOUTME: Implemented by platform adapters such as internal/matrix

package platform

import (
	"context"
	"errors"
)

// ErrNoDestination is returned when an operation needs a destination that was never set
var ErrNoDestination = errors.New("no destination")

// Attachment is a file delivered alongside a message. Data wins over Path when both are set.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
	Path        string
}

// Message is one outbound platform message.
type Message struct {
	Text        string
	Notice      bool // informational status line rather than agent output
	Attachments []Attachment
}

// Destination is a place messages can be sent to: a channel or a thread within it.
type Destination interface {
	// ID returns the platform identifier of the channel or thread.
	ID() string
	// Send delivers a message and returns the platform id of the sent message.
	Send(ctx context.Context, msg Message) (string, error)
	// Delete removes a previously sent message.
	Delete(ctx context.Context, messageID string) error
	// CreateSubthread opens a named conversation thread under this destination.
	CreateSubthread(ctx context.Context, name string) (Destination, error)
}

// Directory finds destinations by platform id. An empty threadID addresses the channel itself.
type Directory interface {
	Destination(ctx context.Context, channelID, threadID string) (Destination, error)
}

// MentionChecker reports whether text explicitly mentions an account.
type MentionChecker interface {
	IsMentioned(text, accountID string) bool
}

// SendText is shorthand for sending a plain text message.
func SendText(ctx context.Context, dest Destination, text string) (string, error) {
	return dest.Send(ctx, Message{Text: text})
}

// SendNotice is shorthand for sending a notice.
func SendNotice(ctx context.Context, dest Destination, text string) (string, error) {
	return dest.Send(ctx, Message{Text: text, Notice: true})
}
