package model

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sseServer returns a test server that writes the given SSE lines for any
// /v1/chat/completions request.
func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel never closed")
		}
	}
}

func TestStream_TextDeltas(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	src := NewOpenAI(srv.URL, "", "test-model")
	events, err := src.Stream(context.Background(), []Turn{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got := collect(t, events)
	if len(got) != 2 || got[0].Text != "Hello" || got[1].Text != " world" {
		t.Errorf("got %+v, want two text events", got)
	}
}

func TestStream_CompletionStyleFallback(t *testing.T) {
	// llama.cpp in completion mode streams choices[0].text instead of
	// delta.content.
	srv := sseServer(t,
		`data: {"choices":[{"text":"token"}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	src := NewOpenAI(srv.URL, "", "")
	events, err := src.Stream(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got := collect(t, events)
	if len(got) != 1 || got[0].Text != "token" {
		t.Errorf("got %+v, want one text event", got)
	}
}

func TestStream_ToolCallDeltasMerged(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"geocode","arguments":"{\"query\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	src := NewOpenAI(srv.URL, "", "")
	events, err := src.Stream(context.Background(), nil, []ToolDef{{Name: "geocode"}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got := collect(t, events)
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 merged tool call", len(got))
	}
	tc := got[0].ToolCall
	if tc == nil {
		t.Fatalf("got %+v, want a tool call", got[0])
	}
	if tc.ID != "call_1" || tc.Name != "geocode" {
		t.Errorf("call identity: got %q/%q", tc.ID, tc.Name)
	}
	if string(tc.Arguments) != `{"query":"Paris"}` {
		t.Errorf("arguments not merged: got %s", tc.Arguments)
	}
}

func TestStream_MultipleToolCallsOrderedByIndex(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"b","function":{"name":"geocode","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"a","function":{"name":"geocode","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	src := NewOpenAI(srv.URL, "", "")
	events, err := src.Stream(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got := collect(t, events)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].ToolCall.ID != "a" || got[1].ToolCall.ID != "b" {
		t.Errorf("calls out of index order: %q then %q", got[0].ToolCall.ID, got[1].ToolCall.ID)
	}
}

func TestStream_ErrorChunk(t *testing.T) {
	srv := sseServer(t,
		`data: {"error":{"message":"model overloaded"}}`,
	)
	defer srv.Close()

	src := NewOpenAI(srv.URL, "", "")
	events, err := src.Stream(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	got := collect(t, events)
	if len(got) != 1 || got[0].Err == nil {
		t.Fatalf("got %+v, want one error event", got)
	}
}

func TestStream_Non200IsImmediateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := NewOpenAI(srv.URL, "wrong", "")
	if _, err := src.Stream(context.Background(), nil, nil); err == nil {
		t.Fatal("want error for non-200 response")
	}
}

func TestStream_SendsAuthAndTools(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, 64*1024)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	src := NewOpenAI(srv.URL, "secret", "test-model")
	events, err := src.Stream(context.Background(),
		[]Turn{{Role: "user", Content: "hi"}},
		[]ToolDef{{Name: "geocode", Description: "Resolve a place name"}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, events)

	if gotAuth != "Bearer secret" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	body := string(gotBody)
	for _, want := range []string{`"model":"test-model"`, `"stream":true`, `"name":"geocode"`} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %s: %s", want, body)
		}
	}
}
