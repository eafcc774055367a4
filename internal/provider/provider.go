// Package provider abstracts the external reasoning API. The engine speaks
// in terms of messages, content blocks, and stop reasons; the Anthropic
// adapter translates those to the SDK's wire types and handles retry.
package provider

import (
	"context"
	"strings"
)

// Role of a message in the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates content blocks.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block within a message.
type Block struct {
	Type BlockType

	// Text payload for BlockText.
	Text string

	// Tool invocation fields for BlockToolUse.
	ToolID    string
	ToolName  string
	ToolInput map[string]any

	// Tool outcome fields for BlockToolResult.
	ToolResult string
	IsError    bool
}

// TextBlock builds a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool-result block answering the given tool call.
func ToolResultBlock(toolID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolID: toolID, ToolResult: content, IsError: isError}
}

// Message is one turn of conversation history.
type Message struct {
	Role    Role
	Content []Block
}

// UserText is a single-block user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []Block{TextBlock(text)}}
}

// StopReason is why the provider stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ToolSchema is the tool description offered to the provider:
// {name, description, input_schema}.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is one completion call.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total is input plus output tokens.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Response is the provider's answer.
type Response struct {
	Content    []Block
	StopReason StopReason
	Usage      Usage
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool invocations requested by the response, in order.
func (r *Response) ToolUses() []Block {
	var out []Block
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			out = append(out, block)
		}
	}
	return out
}

// StreamFunc receives text deltas as they arrive. A non-nil return aborts
// the stream.
type StreamFunc func(chunk string) error

// Client is the reasoning provider the engine calls.
type Client interface {
	// Complete issues a blocking completion.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream issues a streaming completion, forwarding text deltas to onText
	// (which may be nil), and returns the accumulated final response.
	Stream(ctx context.Context, req Request, onText StreamFunc) (*Response, error)
}
