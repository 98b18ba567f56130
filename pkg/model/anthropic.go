package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// Anthropic is a Source backed by the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic Source. baseURL may be empty to use the
// public API endpoint.
func NewAnthropic(apiKey, baseURL, modelName string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	if modelName == "" {
		modelName = "claude-sonnet-4-20250514"
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  modelName,
	}, nil
}

// Stream implements Source over the Anthropic streaming events protocol.
// Text deltas are forwarded as they arrive; tool_use blocks are assembled
// from input_json deltas and emitted once complete.
func (a *Anthropic) Stream(ctx context.Context, turns []Turn, tools []ToolDef) (<-chan Event, error) {
	system, messages := buildAnthropicMessages(turns)

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(a.model)),
		MaxTokens: anthropic.F(int64(defaultAnthropicMaxTokens)),
		Messages:  anthropic.F(messages),
	}
	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(system),
		})
	}
	if len(tools) > 0 {
		params.Tools = anthropic.F(buildAnthropicTools(tools))
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	events := make(chan Event, 32)

	go func() {
		defer close(events)
		defer stream.Close()

		var current *ToolCall
		var inputBuf string

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case anthropic.MessageStreamEventTypeContentBlockStart:
				if cb, ok := event.ContentBlock.(anthropic.ContentBlockStartEventContentBlock); ok {
					if cb.Type == anthropic.ContentBlockStartEventContentBlockTypeToolUse {
						current = &ToolCall{ID: cb.ID, Name: cb.Name}
						inputBuf = ""
					}
				}

			case anthropic.MessageStreamEventTypeContentBlockDelta:
				delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
				if !ok {
					continue
				}
				if delta.Type == "text_delta" && delta.Text != "" {
					select {
					case events <- Event{Text: delta.Text}:
					case <-ctx.Done():
						return
					}
				} else if delta.Type == "input_json_delta" {
					inputBuf += delta.PartialJSON
				}

			case anthropic.MessageStreamEventTypeContentBlockStop:
				if current != nil {
					if inputBuf == "" {
						inputBuf = "{}"
					}
					current.Arguments = json.RawMessage(inputBuf)
					select {
					case events <- Event{ToolCall: current}:
					case <-ctx.Done():
						return
					}
					current = nil
					inputBuf = ""
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case events <- Event{Err: fmt.Errorf("anthropic stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return events, nil
}

// buildAnthropicMessages converts turns to the Messages API shape. System
// turns are pulled out (the API carries them as a top-level field); tool
// turns become user-role tool_result blocks keyed by the originating
// tool_use id.
func buildAnthropicMessages(turns []Turn) (system string, messages []anthropic.MessageParam) {
	for _, turn := range turns {
		switch turn.Role {
		case "system":
			system = turn.Content

		case "user":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{
					anthropic.TextBlockParam{
						Type: anthropic.F(anthropic.TextBlockParamTypeText),
						Text: anthropic.F(turn.Content),
					},
				}),
			})

		case "tool":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{
					anthropic.ToolResultBlockParam{
						Type:      anthropic.F(anthropic.ToolResultBlockParamTypeToolResult),
						ToolUseID: anthropic.F(turn.ToolCallID),
						Content: anthropic.F([]anthropic.ToolResultBlockParamContentUnion{
							anthropic.TextBlockParam{
								Type: anthropic.F(anthropic.TextBlockParamTypeText),
								Text: anthropic.F(turn.Content),
							},
						}),
					},
				}),
			})

		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				content = append(content, anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(turn.Content),
				})
			}
			for _, tc := range turn.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.ToolUseBlockParam{
					Type:  anthropic.F(anthropic.ToolUseBlockParamTypeToolUse),
					ID:    anthropic.F(tc.ID),
					Name:  anthropic.F(tc.Name),
					Input: anthropic.F(input),
				})
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.F(anthropic.MessageParamRoleAssistant),
					Content: anthropic.F(content),
				})
			}
		}
	}
	return system, messages
}

func buildAnthropicTools(tools []ToolDef) []anthropic.ToolUnionUnionParam {
	var out []anthropic.ToolUnionUnionParam
	for _, def := range tools {
		var schema map[string]any
		if len(def.Parameters) > 0 {
			_ = json.Unmarshal(def.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out = append(out, anthropic.ToolParam{
			Name:        anthropic.F(def.Name),
			Description: anthropic.F(def.Description),
			InputSchema: anthropic.F[any](schema),
		})
	}
	return out
}
