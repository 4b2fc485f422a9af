// Package console implements the channel contract on stdin/stdout for
// local development. The REPL pushes lines in via Post; replies print to
// the terminal.
package console

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jholhewres/companionbot/pkg/companionbot/channels"
)

// ChatID is the fixed chat id of the local console conversation.
const ChatID int64 = 1

// Channel is a single-conversation console transport.
type Channel struct {
	inbound chan channels.Message

	mu        sync.Mutex
	connected bool
	nextMsgID int
}

// New creates an unconnected console channel.
func New() *Channel {
	return &Channel{inbound: make(chan channels.Message, 16)}
}

func (c *Channel) Name() string { return "console" }

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.inbound)
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Channel) Receive() <-chan channels.Message { return c.inbound }

// Post feeds one user line into the inbound stream, splitting commands
// the same way the Telegram transport does. Serialized with Disconnect
// under the mutex so a late line cannot hit the closed channel; lines
// posted while disconnected (or with the buffer full) are dropped.
func (c *Channel) Post(line string) {
	m := channels.Message{ChatID: ChatID, Text: line}
	if strings.HasPrefix(line, "/") {
		cmd, args, _ := strings.Cut(line[1:], " ")
		m.Command = cmd
		m.Args = strings.TrimSpace(args)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	select {
	case c.inbound <- m:
	default:
	}
}

func (c *Channel) Send(chatID int64, text string) (int, error) {
	c.mu.Lock()
	c.nextMsgID++
	id := c.nextMsgID
	c.mu.Unlock()
	fmt.Println(text)
	return id, nil
}

// EditMessage is a no-op: the console cannot rewrite printed lines, and
// the handler only edits for streaming previews.
func (c *Channel) EditMessage(chatID int64, messageID int, text string) error { return nil }

func (c *Channel) DeleteMessage(chatID int64, messageID int) error { return nil }

func (c *Channel) SendTyping(chatID int64) error { return nil }

func (c *Channel) GetFile(fileID string) (string, int64, error) {
	return "", 0, fmt.Errorf("console channel has no files")
}
