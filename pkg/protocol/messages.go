// Package protocol defines the JSON message types carried over the per-room
// WebSocket connection between mapdraft clients and mapdraft-chatd.
//
// This is the shared contract. Every frame is a JSON object with a "type"
// field; ParseMessage reads the envelope first and then unmarshals into the
// concrete struct.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of message sent over the WebSocket connection.
type MessageType string

const (
	// Client → room
	TypeChatMessage    MessageType = "chat_message"
	TypeToolResult     MessageType = "tool_result"
	TypeRequestHistory MessageType = "request_history"

	// Room → clients
	TypeHistory     MessageType = "history"
	TypeMessage     MessageType = "message"
	TypeAIChunk     MessageType = "ai_chunk"
	TypeToolRequest MessageType = "tool_request"
	TypeError       MessageType = "error"
)

// Envelope is the first-pass parse of any WebSocket message.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatMessage is one message in a room's conversation. Rooms are ephemeral,
// so a ChatMessage only ever lives in memory and broadcast payloads.
type ChatMessage struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	AuthorID  string         `json:"author_id"`
	Role      string         `json:"role"` // "user" or "assistant"
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// --- Client → room messages ---

// ChatMessageIn starts a generation cycle for the room.
type ChatMessageIn struct {
	Type     MessageType    `json:"type"`
	Content  string         `json:"content"`
	UserID   string         `json:"user_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolResultMessage answers an earlier tool_request. Any connected session
// may answer; the first result for a given tool_id wins and later ones are
// silently discarded.
type ToolResultMessage struct {
	Type   MessageType     `json:"type"`
	ToolID string          `json:"tool_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RequestHistoryMessage asks the room to replay its transcript. Rooms keep
// no durable storage; the reply covers the room's in-memory lifetime only.
type RequestHistoryMessage struct {
	Type MessageType `json:"type"`
}

// --- Room → client messages ---

// HistoryMessage is sent to a newly connecting session and in reply to
// request_history.
type HistoryMessage struct {
	Type     MessageType   `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// MessageBroadcast echoes a user message to every session in the room, or
// announces the provisional assistant placeholder that the following
// ai_chunk stream (same message id) replaces.
type MessageBroadcast struct {
	Type    MessageType `json:"type"`
	Message ChatMessage `json:"message"`
}

// AIChunkMessage streams one safe unit of assistant text. The final frame
// has Done=true and carries the complete finalized ChatMessage.
type AIChunkMessage struct {
	Type      MessageType  `json:"type"`
	MessageID string       `json:"message_id"`
	Chunk     string       `json:"chunk"`
	Done      bool         `json:"done"`
	Message   *ChatMessage `json:"message,omitempty"`
}

// ToolRequestMessage asks the connected clients to run a tool on the room's
// behalf (e.g. geocode a place name with the client's mapping provider).
type ToolRequestMessage struct {
	Type     MessageType     `json:"type"`
	ToolID   string          `json:"tool_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
}

// ErrorMessage reports a protocol or generation failure.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// ParseMessage reads a raw WebSocket frame and returns the typed message.
func ParseMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	switch env.Type {
	// Client → room
	case TypeChatMessage:
		var msg ChatMessageIn
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing chat_message: %w", err)
		}
		return msg, nil

	case TypeToolResult:
		var msg ToolResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_result: %w", err)
		}
		return msg, nil

	case TypeRequestHistory:
		return RequestHistoryMessage{Type: TypeRequestHistory}, nil

	// Room → client
	case TypeHistory:
		var msg HistoryMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing history: %w", err)
		}
		return msg, nil

	case TypeMessage:
		var msg MessageBroadcast
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing message broadcast: %w", err)
		}
		return msg, nil

	case TypeAIChunk:
		var msg AIChunkMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing ai_chunk: %w", err)
		}
		return msg, nil

	case TypeToolRequest:
		var msg ToolRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_request: %w", err)
		}
		return msg, nil

	case TypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing error message: %w", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

// MarshalMessage serializes a message to JSON bytes for sending over WebSocket.
func MarshalMessage(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}
