package transport

import (
	"context"
	"errors"
)

// ErrNotDelivered marks send failures that happened before the receiving
// side accepted the message. Only these may be retried; any other failure
// might have been delivered already.
var ErrNotDelivered = errors.New("notice not delivered")

// Link is a rich share card: title and description over a clickable URL,
// with an optional thumbnail.
type Link struct {
	Title       string
	Description string
	URL         string
	ThumbURL    string
}

// Sender delivers notices to a chat. chatID is the transport's own
// addressing (a room id for the protocol API, a numeric chat for Telegram).
type Sender interface {
	SendText(ctx context.Context, chatID string, text string) error
	SendLink(ctx context.Context, chatID string, link Link) error
}

// Mirror is a secondary Sender that receives a copy of every notice sent to
// a group. It resolves its own target from the source group id.
type Mirror interface {
	Name() string
	Sender
}
