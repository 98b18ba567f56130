// Package model abstracts the language model behind mapdraft-chatd as a
// source of streamed text fragments and tool calls.
//
// The chat room never talks to an inference backend directly — it consumes
// a Source, which hides the wire format (OpenAI-compatible SSE, Anthropic
// streaming events) and delivers a uniform event sequence.
package model

import (
	"context"
	"encoding/json"
)

// Turn is one entry in the conversation history sent to the model.
type Turn struct {
	Role       string // "system", "user", "assistant" or "tool"
	Content    string
	ToolCallID string     // set on "tool" turns
	ToolCalls  []ToolCall // set on "assistant" turns that requested tools
}

// ToolCall is a complete function call requested by the model. Backends
// merge streaming argument deltas before emitting one of these.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDef describes a tool the model may call. Parameters is the raw JSON
// Schema for the tool's input.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Event is one item from the model's output stream. Exactly one field is
// set. The channel closes when the model's turn is complete; tool calls are
// emitted before the close, after their arguments are fully assembled.
type Event struct {
	Text     string
	ToolCall *ToolCall
	Err      error
}

// Source yields one model turn as a stream of events. Implementations must
// close the returned channel when the turn ends and must honor context
// cancellation. Errors that occur after streaming has begun are delivered
// as an Event with Err set, followed by channel close.
type Source interface {
	Stream(ctx context.Context, turns []Turn, tools []ToolDef) (<-chan Event, error)
}
