package chatd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mapdraft/mapdraft/pkg/framer"
	"github.com/mapdraft/mapdraft/pkg/htmlpost"
	"github.com/mapdraft/mapdraft/pkg/model"
	"github.com/mapdraft/mapdraft/pkg/protocol"
)

const defaultSystemPrompt = `You are a travel-planning assistant embedded in a collaborative map document.
Answer in simple HTML (paragraphs, lists, emphasis). When you mention a
specific place, call the geocode tool to resolve it so the map can show it.
Keep answers concise and concrete.`

func systemPrompt(cfg *Config) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

// clientTools lists the tools the model may call. They execute on the
// connected clients, which hold the map provider and its credentials; the
// room only correlates requests with results.
func clientTools() []model.ToolDef {
	return []model.ToolDef{{
		Name:        "geocode",
		Description: "Resolve a place name or address to coordinates using the client's mapping provider.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Place name or address to resolve"}
			},
			"required": ["query"]
		}`),
	}}
}

// generate runs one full generation cycle for the user turn at the end of
// turns. It owns no room state: frames go out through the inbox, and the
// turns it produced come back to the actor in evGenDone. At most one
// generate goroutine exists per room.
func (r *Room) generate(ctx context.Context, turns []model.Turn) {
	responseID := uuid.NewString()
	var fr framer.Framer
	var full strings.Builder
	var newTurns []model.Turn

	// Provisional assistant placeholder. It carries the id the ai_chunk
	// stream will use, so clients can render a pending bubble and replace
	// it in place.
	r.enqueue(evBroadcast{msg: protocol.MessageBroadcast{
		Type: protocol.TypeMessage,
		Message: protocol.ChatMessage{
			ID:        responseID,
			RoomID:    r.docID,
			AuthorID:  "assistant",
			Role:      "assistant",
			Metadata:  map[string]any{"pending": true},
			CreatedAt: time.Now().UTC(),
		},
	}})

	emit := func(chunk string) {
		if chunk == "" {
			return
		}
		r.enqueue(evBroadcast{msg: protocol.AIChunkMessage{
			Type:      protocol.TypeAIChunk,
			MessageID: responseID,
			Chunk:     chunk,
		}})
	}

	// fail still finalizes: the placeholder and any partial text need a
	// done=true resolution, and clients need a readable fallback, not just
	// an error frame.
	fail := func(err error) {
		r.logger.Error("generation failed", "response_id", responseID, "error", err)
		r.enqueue(evBroadcast{msg: protocol.ErrorMessage{
			Type:  protocol.TypeError,
			Error: "generation failed",
		}})
		apology := " Something went wrong while writing this answer. Please try again."
		full.WriteString(apology)
		emit(fr.Push(apology))
		r.finish(responseID, &fr, full.String(), newTurns)
	}

	for round := 0; round < r.cfg.MaxToolRounds; round++ {
		events, err := r.source.Stream(ctx, turns, clientTools())
		if err != nil {
			fail(err)
			return
		}

		var roundText strings.Builder
		var calls []model.ToolCall
		var streamErr error
		for ev := range events {
			switch {
			case ev.Err != nil:
				streamErr = ev.Err
			case ev.ToolCall != nil:
				calls = append(calls, *ev.ToolCall)
			case ev.Text != "":
				roundText.WriteString(ev.Text)
				full.WriteString(ev.Text)
				emit(fr.Push(ev.Text))
			}
		}
		if streamErr != nil {
			fail(streamErr)
			return
		}

		turn := model.Turn{Role: "assistant", Content: roundText.String(), ToolCalls: calls}
		turns = append(turns, turn)
		newTurns = append(newTurns, turn)

		if len(calls) == 0 {
			r.finish(responseID, &fr, full.String(), newTurns)
			return
		}

		for _, call := range calls {
			result := r.runClientTool(ctx, call)
			toolTurn := model.Turn{Role: "tool", ToolCallID: call.ID, Content: result}
			turns = append(turns, toolTurn)
			newTurns = append(newTurns, toolTurn)
		}
	}

	// Round bound reached with the model still asking for tools.
	r.logger.Warn("generation hit tool round limit", "response_id", responseID, "rounds", r.cfg.MaxToolRounds)
	giveUp := " I wasn't able to finish looking everything up. Ask again and I'll pick up where I left off."
	full.WriteString(giveUp)
	emit(fr.Push(giveUp))
	r.finish(responseID, &fr, full.String(), newTurns)
}

// runClientTool broadcasts one tool_request and waits for the first
// tool_result (or the broker timeout). The returned string is the JSON the
// model sees as the tool turn: the client's result verbatim, or an error
// object it can recover from.
func (r *Room) runClientTool(ctx context.Context, call model.ToolCall) string {
	args, err := repairArgs(call.Arguments)
	if err != nil {
		r.logger.Warn("dropping tool call with unusable arguments",
			"tool", call.Name, "error", err)
		return toolError(fmt.Sprintf("invalid arguments: %v", err))
	}

	id, done := r.broker.Open(call.Name)
	r.enqueue(evBroadcast{msg: protocol.ToolRequestMessage{
		Type:     protocol.TypeToolRequest,
		ToolID:   id,
		ToolName: call.Name,
		Args:     args,
	}})

	select {
	case out := <-done:
		if out.Err != nil {
			return toolError(out.Err.Error())
		}
		if len(out.Result) == 0 {
			return "{}"
		}
		return string(out.Result)
	case <-ctx.Done():
		return toolError("canceled")
	}
}

func (r *Room) finish(responseID string, fr *framer.Framer, full string, newTurns []model.Turn) {
	if tail := fr.Flush(); tail != "" {
		r.enqueue(evBroadcast{msg: protocol.AIChunkMessage{
			Type:      protocol.TypeAIChunk,
			MessageID: responseID,
			Chunk:     tail,
		}})
	}

	final := protocol.ChatMessage{
		ID:        responseID,
		RoomID:    r.docID,
		AuthorID:  "assistant",
		Role:      "assistant",
		Content:   htmlpost.Finalize(full),
		CreatedAt: time.Now().UTC(),
	}
	r.enqueue(evBroadcast{msg: protocol.AIChunkMessage{
		Type:      protocol.TypeAIChunk,
		MessageID: responseID,
		Done:      true,
		Message:   &final,
	}})
	r.enqueue(evGenDone{final: &final, newTurns: newTurns})
}

// repairArgs validates tool call arguments, salvaging the common failure
// where a backend streams trailing garbage after the closing brace. Returns
// an empty object for calls with no arguments at all.
func repairArgs(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid(trimmed) {
		return trimmed, nil
	}
	if idx := bytes.LastIndexByte(trimmed, '}'); idx >= 0 {
		cut := trimmed[:idx+1]
		if json.Valid(cut) {
			return cut, nil
		}
	}
	return nil, fmt.Errorf("arguments are not valid JSON: %.64s", trimmed)
}

func toolError(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
