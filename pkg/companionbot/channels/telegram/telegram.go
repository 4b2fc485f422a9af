// Package telegram implements the channel contract over the Telegram Bot
// API with long polling. Only the endpoints the runtime needs are wired;
// no SDK dependency.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/companionbot/pkg/companionbot/channels"
)

const (
	apiBase        = "https://api.telegram.org"
	pollTimeoutSec = 30
	sendTimeout    = 15 * time.Second

	// maxMessageLen is Telegram's hard limit per message.
	maxMessageLen = 4096
)

// Channel is a long-polling Telegram bot connection.
type Channel struct {
	token  string
	base   string
	client *http.Client
	logger *slog.Logger

	inbound chan channels.Message

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	offset    int64
}

// New creates an unconnected Telegram channel.
func New(token string, logger *slog.Logger) *Channel {
	return &Channel{
		token:   token,
		base:    apiBase,
		client:  &http.Client{Timeout: (pollTimeoutSec + 10) * time.Second},
		logger:  logger.With("component", "telegram"),
		inbound: make(chan channels.Message, 64),
	}
}

func (t *Channel) Name() string { return "telegram" }

func (t *Channel) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Channel) Receive() <-chan channels.Message { return t.inbound }

// Connect verifies the token via getMe and starts the polling loop.
func (t *Channel) Connect(ctx context.Context) error {
	var me struct {
		Username string `json:"username"`
	}
	if err := t.call(ctx, "getMe", nil, &me); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.connected = true
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Info("connected", "bot", me.Username)
	go t.pollLoop(pollCtx)
	return nil
}

// Disconnect stops polling. The poll loop owns the inbound channel and
// closes it on exit, so Disconnect only cancels; closing here could race a
// send the loop has in flight.
func (t *Channel) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	t.cancel()
	t.logger.Info("disconnected")
	return nil
}

// update mirrors the subset of the Update object the runtime consumes.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text    string `json:"text"`
		Caption string `json:"caption"`
		Photo   []struct {
			FileID   string `json:"file_id"`
			FileSize int64  `json:"file_size"`
		} `json:"photo"`
	} `json:"message"`
}

func (t *Channel) pollLoop(ctx context.Context) {
	defer close(t.inbound)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var updates []update
		err := t.call(ctx, "getUpdates", map[string]any{
			"offset":          t.offset,
			"timeout":         pollTimeoutSec,
			"allowed_updates": []string{"message"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("poll failed, backing off", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			msg := t.toMessage(u)
			select {
			case t.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toMessage maps an update to the channel message shape, splitting "/cmd
// args" into the command fields.
func (t *Channel) toMessage(u update) channels.Message {
	m := channels.Message{
		ChatID:    u.Message.Chat.ID,
		MessageID: u.Message.MessageID,
		Text:      u.Message.Text,
	}

	if len(u.Message.Photo) > 0 {
		// Telegram sends multiple resolutions; the last is the largest.
		largest := u.Message.Photo[len(u.Message.Photo)-1]
		m.Photo = &channels.Photo{
			FileID:  largest.FileID,
			Caption: u.Message.Caption,
			Size:    largest.FileSize,
		}
		return m
	}

	if strings.HasPrefix(m.Text, "/") {
		cmd, args, _ := strings.Cut(m.Text[1:], " ")
		// Strip the @botname suffix used in groups.
		if at := strings.IndexByte(cmd, '@'); at >= 0 {
			cmd = cmd[:at]
		}
		m.Command = cmd
		m.Args = strings.TrimSpace(args)
	}
	return m
}

func (t *Channel) Send(chatID int64, text string) (int, error) {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-4] + " ..."
	}
	var sent struct {
		MessageID int `json:"message_id"`
	}
	err := t.callTimeout("sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, &sent)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Channel) EditMessage(chatID int64, messageID int, text string) error {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-4] + " ..."
	}
	return t.callTimeout("editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}, nil)
}

func (t *Channel) DeleteMessage(chatID int64, messageID int) error {
	return t.callTimeout("deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

func (t *Channel) SendTyping(chatID int64) error {
	return t.callTimeout("sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}, nil)
}

// GetFile resolves a file_id to a direct download URL.
func (t *Channel) GetFile(fileID string) (string, int64, error) {
	var file struct {
		FilePath string `json:"file_path"`
		FileSize int64  `json:"file_size"`
	}
	if err := t.callTimeout("getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return "", 0, err
	}
	url := fmt.Sprintf("%s/file/bot%s/%s", t.base, t.token, file.FilePath)
	return url, file.FileSize, nil
}

// callTimeout is call with a per-request deadline, for the outbound
// endpoints that must not ride the long-poll timeout.
func (t *Channel) callTimeout(method string, params map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return t.call(ctx, method, params, out)
}

// call posts one Bot API method and decodes the result envelope.
func (t *Channel) call(ctx context.Context, method string, params map[string]any, out any) error {
	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", t.base, t.token, method), body)
	if err != nil {
		return err
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
