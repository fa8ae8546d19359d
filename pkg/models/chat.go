package models

import (
	"encoding/json"
	"strings"
)

// MessageRole is a conversation role.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// PartType is the closed variant set for inbound message parts. Anything the
// client sends outside this set lands in PartOther with its payload kept in
// Extra.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartOther      PartType = "other"
)

// MessagePart is one polymorphic fragment of a client message. The UI sends
// parts with evolving shapes; the fields below are the ones we interpret and
// Extra preserves the rest for forward compatibility.
type MessagePart struct {
	Type       PartType       `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Extra      map[string]any `json:"-"`
}

// UnmarshalJSON folds unknown part types into PartOther and retains the raw
// payload in Extra.
func (p *MessagePart) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type alias MessagePart
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = MessagePart(decoded)
	switch p.Type {
	case PartText, PartToolCall, PartToolResult:
	default:
		if p.Type != "" {
			p.Extra = raw
			p.Type = PartOther
		}
	}
	return nil
}

// ChatMessage is one turn of the conversation as received from or replayed
// to the model.
type ChatMessage struct {
	Role    MessageRole   `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []MessagePart `json:"parts,omitempty"`
}

// Text flattens the message to plain text: concatenated text parts when any
// exist, otherwise the content field.
func (m ChatMessage) Text() string {
	if len(m.Parts) > 0 {
		var b strings.Builder
		for _, part := range m.Parts {
			if part.Type == PartText && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return m.Content
}

// ChatRequest is the POST /api/chat body.
type ChatRequest struct {
	ID       string        `json:"id,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// UploadedFile describes one staged upload available to the chat loop.
type UploadedFile struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Preview string `json:"preview"`
}
