package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// OpenAI is a Source backed by any OpenAI-compatible streaming endpoint
// (OpenAI itself, llama.cpp, vLLM, LM Studio, ...).
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI-compatible Source. apiKey may be empty for
// local backends that don't check it.
func NewOpenAI(baseURL, apiKey, model string) *OpenAI {
	return &OpenAI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
}

// Request wire types. Only what the chat room needs.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAIRequest struct {
	Model    string          `json:"model,omitempty"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

// Stream implements Source over the /v1/chat/completions SSE protocol.
func (o *OpenAI) Stream(ctx context.Context, turns []Turn, tools []ToolDef) (<-chan Event, error) {
	req := openAIRequest{
		Model:    o.model,
		Messages: buildOpenAIMessages(turns),
		Tools:    buildOpenAITools(tools),
		Stream:   true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to model backend: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model backend returned %d: %s", resp.StatusCode, string(errBody))
	}

	events := make(chan Event, 32) // Buffered to avoid blocking the HTTP read

	go func() {
		defer close(events)
		defer resp.Body.Close()
		parseSSEStream(ctx, resp.Body, events)
	}()

	return events, nil
}

// parseSSEStream reads the SSE body line by line, emitting text deltas as
// they arrive and fully-merged tool calls at end of stream.
//
// Chunk shapes vary across backends (delta.content vs. text, optional
// finish_reason, llama.cpp timing extensions), so fields are recovered with
// gjson path lookups rather than a rigid struct.
func parseSSEStream(ctx context.Context, body io.Reader, events chan<- Event) {
	scanner := bufio.NewScanner(body)
	// Tool call arguments can be large.
	scanner.Buffer(make([]byte, 64*1024), 256*1024)

	// index → partially assembled call. Only the first delta for an index
	// carries id/name; later deltas append argument fragments.
	calls := make(map[int]*ToolCall)

	flushCalls := func() {
		for _, idx := range sortedIndexes(calls) {
			tc := calls[idx]
			if tc.Name == "" {
				continue
			}
			select {
			case events <- Event{ToolCall: tc}:
			case <-ctx.Done():
				return
			}
		}
		calls = make(map[int]*ToolCall)
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue // empty lines, comments, event names
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			flushCalls()
			return
		}

		if errMsg := gjson.Get(data, "error.message"); errMsg.Exists() {
			events <- Event{Err: fmt.Errorf("model backend error: %s", errMsg.String())}
			return
		}

		text := gjson.Get(data, "choices.0.delta.content").String()
		if text == "" {
			// Some backends stream completion-style chunks.
			text = gjson.Get(data, "choices.0.text").String()
		}
		if text != "" {
			select {
			case events <- Event{Text: text}:
			case <-ctx.Done():
				return
			}
		}

		for _, delta := range gjson.Get(data, "choices.0.delta.tool_calls").Array() {
			idx := int(delta.Get("index").Int())
			tc, ok := calls[idx]
			if !ok {
				tc = &ToolCall{}
				calls[idx] = tc
			}
			if id := delta.Get("id").String(); id != "" {
				tc.ID = id
			}
			if name := delta.Get("function.name").String(); name != "" {
				tc.Name = name
			}
			if args := delta.Get("function.arguments").String(); args != "" {
				tc.Arguments = append(tc.Arguments, args...)
			}
		}

		if finish := gjson.Get(data, "choices.0.finish_reason").String(); finish == "tool_calls" {
			flushCalls()
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case events <- Event{Err: fmt.Errorf("reading model stream: %w", err)}:
		case <-ctx.Done():
		}
		return
	}
	// Stream ended without [DONE] — still hand over whatever assembled.
	flushCalls()
}

func buildOpenAIMessages(turns []Turn) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(turns))
	for _, turn := range turns {
		msg := openAIMessage{
			Role:       turn.Role,
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
		}
		for _, tc := range turn.ToolCalls {
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(tc.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func buildOpenAITools(tools []ToolDef) []openAITool {
	out := make([]openAITool, 0, len(tools))
	for _, def := range tools {
		tool := openAITool{Type: "function"}
		tool.Function.Name = def.Name
		tool.Function.Description = def.Description
		tool.Function.Parameters = def.Parameters
		out = append(out, tool)
	}
	return out
}

func sortedIndexes(m map[int]*ToolCall) []int {
	idxs := make([]int, 0, len(m))
	for idx := range m {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	return idxs
}
