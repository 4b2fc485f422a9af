package companion

import (
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is one element of a multimodal message body. Exactly one of the
// variant field groups is populated, selected by Type.
type Block struct {
	Type string `json:"type"` // "text", "image", "tool_use", "tool_result"

	// Text block.
	Text string `json:"text,omitempty"`

	// Image block (base64 payload).
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// Tool use block (assistant → host).
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"` // raw JSON arguments

	// Tool result block (host → assistant).
	ToolResult string `json:"tool_result,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

// ImageBlock builds a base64 image block.
func ImageBlock(mediaType, data string) Block {
	return Block{Type: "image", MediaType: mediaType, Data: data}
}

// Message is one turn of a conversation. Scalar text lives in Content;
// multimodal turns carry Blocks instead and Content holds a textual
// surrogate for persistence.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Blocks    []Block   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a plain text message stamped now.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// TextContent returns the scalar text of the message: Content for plain
// messages, the concatenation of text blocks for multimodal ones.
func (m Message) TextContent() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		case "tool_result":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.ToolResult)
		}
	}
	return sb.String()
}

// IsMultimodal reports whether the message carries non-text blocks.
func (m Message) IsMultimodal() bool {
	for _, b := range m.Blocks {
		if b.Type != "text" {
			return true
		}
	}
	return false
}

// PersistedText returns the text to write to the transcript log. Multimodal
// turns are elided to a textual summary so the log stays line-based.
func (m Message) PersistedText() string {
	if !m.IsMultimodal() {
		return m.TextContent()
	}
	parts := make([]string, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image: "+b.MediaType+"]")
		case "tool_use":
			parts = append(parts, "[tool: "+b.ToolName+"]")
		case "tool_result":
			parts = append(parts, "[tool result]")
		}
	}
	return strings.Join(parts, " ")
}
