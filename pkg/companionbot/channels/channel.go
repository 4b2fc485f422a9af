// Package channels defines the chat transport contract. A channel turns a
// messaging platform into a stream of inbound messages keyed by numeric
// chat id and a small outbound surface (send, edit, delete, typing).
package channels

import "context"

// Photo is an inbound image reference; the payload is fetched lazily via
// GetFile so oversized files can be rejected before download.
type Photo struct {
	FileID  string
	Caption string
	Size    int64 // bytes when the platform reports it, else 0
}

// Message is one inbound event. Commands arrive with the leading slash
// stripped into Command plus the remaining text in Args; plain messages
// leave Command empty.
type Message struct {
	ChatID    int64
	MessageID int
	Text      string
	Command   string
	Args      string
	Photo     *Photo
}

// Channel is a connected chat transport.
type Channel interface {
	// Name identifies the transport ("telegram", "console").
	Name() string

	// Connect starts the inbound loop. It returns once the transport is
	// ready; delivery continues until ctx is cancelled or Disconnect.
	Connect(ctx context.Context) error

	Disconnect() error
	IsConnected() bool

	// Receive returns the inbound message stream. Closed on disconnect.
	Receive() <-chan Message

	// Send posts a message and returns its platform message id (0 when
	// the platform has none).
	Send(chatID int64, text string) (int, error)

	EditMessage(chatID int64, messageID int, text string) error
	DeleteMessage(chatID int64, messageID int) error
	SendTyping(chatID int64) error

	// GetFile resolves a file reference to a fetchable URL and its size.
	GetFile(fileID string) (url string, size int64, err error)
}
