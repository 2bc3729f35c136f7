// Package runner defines the LLM runtime surface: the typed message
// stream a runtime produces while executing a job, and the Runner
// interface every runtime implements. The fleet core consumes Message
// values and never talks to a model API itself.
package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message type tags. Anything else a runtime emits is kept as MessageOther
// so unknown stream entries survive into the job output log.
const (
	MessageAssistant = "assistant"
	MessageUser      = "user"
	MessageSystem    = "system"
	MessageResult    = "result"
	MessageError     = "error"
	MessageOther     = "other"
)

// Message is one entry of a job's output stream. Raw preserves the exact
// bytes received so the output log is a faithful record; typed accessors
// decode on demand.
type Message struct {
	// Type is one of the Message* constants.
	Type string

	// SessionID is the runtime session id, when the message carries one.
	SessionID string

	// Raw is the message exactly as received, one JSON object.
	Raw json.RawMessage
}

// Parse decodes one stream line into a Message. Lines that are not JSON
// objects are rejected; objects without a known type tag come back as
// MessageOther.
func Parse(line []byte) (*Message, error) {
	var head struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	msgType := head.Type
	switch msgType {
	case MessageAssistant, MessageUser, MessageSystem, MessageResult, MessageError:
	default:
		msgType = MessageOther
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	return &Message{
		Type:      msgType,
		SessionID: head.SessionID,
		Raw:       raw,
	}, nil
}

// contentBlock is one element of a message.content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// body models the three content shapes runtimes produce: a string at the
// root, a string under message.content, or an array of blocks under
// message.content.
type body struct {
	Content json.RawMessage `json:"content"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// Text extracts the human-readable text of the message. Handles a string
// at the root `content`, a string at `message.content`, and an array of
// blocks at `message.content` (text blocks joined by newline). Returns ""
// when the message carries no text.
func (m *Message) Text() string {
	var b body
	if err := json.Unmarshal(m.Raw, &b); err != nil {
		return ""
	}

	content := b.Content
	if len(content) == 0 || string(content) == "null" {
		content = b.Message.Content
	}
	if len(content) == 0 || string(content) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, blk := range blocks {
		if blk.Type == "text" && blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUse is a tool invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolUses returns the tool_use blocks of an assistant message.
func (m *Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, blk := range m.blocks() {
		if blk.Type != "tool_use" {
			continue
		}
		uses = append(uses, ToolUse{ID: blk.ID, Name: blk.Name, Input: blk.Input})
	}
	return uses
}

// ToolResult is the outcome of one tool invocation, delivered in a user
// message following the tool_use.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolResults returns the tool_result blocks of the message.
func (m *Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, blk := range m.blocks() {
		if blk.Type != "tool_result" {
			continue
		}
		results = append(results, ToolResult{
			ToolUseID: blk.ToolUseID,
			Content:   blockContentText(blk.Content),
			IsError:   blk.IsError,
		})
	}
	return results
}

func (m *Message) blocks() []contentBlock {
	var b body
	if err := json.Unmarshal(m.Raw, &b); err != nil {
		return nil
	}
	content := b.Content
	if len(content) == 0 || string(content) == "null" {
		content = b.Message.Content
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// blockContentText flattens a tool_result content field, which is either a
// plain string or an array of text blocks.
func blockContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, blk := range blocks {
		if blk.Type == "text" && blk.Text != "" {
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ResultInfo summarizes a result message.
type ResultInfo struct {
	Summary    string
	IsError    bool
	DurationMs int64
	CostUSD    float64
	NumTurns   int
}

// Result decodes a result message's summary fields. Returns nil for other
// message types.
func (m *Message) Result() *ResultInfo {
	if m.Type != MessageResult {
		return nil
	}
	var r struct {
		Result     string  `json:"result"`
		IsError    bool    `json:"is_error"`
		DurationMs int64   `json:"duration_ms"`
		CostUSD    float64 `json:"total_cost_usd"`
		NumTurns   int     `json:"num_turns"`
	}
	if err := json.Unmarshal(m.Raw, &r); err != nil {
		return &ResultInfo{}
	}
	return &ResultInfo{
		Summary:    r.Result,
		IsError:    r.IsError,
		DurationMs: r.DurationMs,
		CostUSD:    r.CostUSD,
		NumTurns:   r.NumTurns,
	}
}

// Subtype returns the message's subtype field, e.g. "init" on the first
// system message of a stream.
func (m *Message) Subtype() string {
	var s struct {
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(m.Raw, &s); err != nil {
		return ""
	}
	return s.Subtype
}

// ErrorText returns the error description of an error message, falling
// back through the common field spellings.
func (m *Message) ErrorText() string {
	var e struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(m.Raw, &e); err == nil {
		if len(e.Error) > 0 {
			var s string
			if err := json.Unmarshal(e.Error, &s); err == nil && s != "" {
				return s
			}
			var obj struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(e.Error, &obj); err == nil && obj.Message != "" {
				return obj.Message
			}
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return m.Text()
}
