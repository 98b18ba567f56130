package chatd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mapdraft/mapdraft/pkg/model"
	"github.com/mapdraft/mapdraft/pkg/protocol"
)

func newTestServer(t *testing.T, source model.Source) *httptest.Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(), source)
}

func newTestServerWithConfig(t *testing.T, cfg *Config, source model.Source) *httptest.Server {
	t.Helper()
	srv := NewServer(cfg, source, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// wsRead reads and parses one frame from a real client connection.
func wsRead(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	parsed, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatalf("parsing frame %s: %v", data, err)
	}
	return parsed
}

func TestServer_PlainHTTPGets426(t *testing.T) {
	ts := newTestServer(t, &scriptedSource{})

	resp, err := http.Get(ts.URL + "/rooms/doc-1/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("got %d, want 426", resp.StatusCode)
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, &scriptedSource{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body: %s", body)
	}
}

func TestServer_EndToEndChat(t *testing.T) {
	source := &scriptedSource{scripts: [][]model.Event{
		{{Text: "Hi "}, {Text: "there"}},
	}}
	ts := newTestServer(t, source)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/rooms/doc-x/ws?user_id=alice"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, ok := wsRead(t, conn).(protocol.HistoryMessage); !ok {
		t.Fatal("want history as the first frame")
	}

	out, _ := json.Marshal(protocol.ChatMessageIn{Type: protocol.TypeChatMessage, Content: "hello"})
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		t.Fatalf("write: %v", err)
	}

	echo, ok := wsRead(t, conn).(protocol.MessageBroadcast)
	if !ok {
		t.Fatal("want the user echo next")
	}
	if echo.Message.AuthorID != "alice" || echo.Message.Content != "hello" {
		t.Errorf("echo: %+v", echo.Message)
	}

	placeholder, ok := wsRead(t, conn).(protocol.MessageBroadcast)
	if !ok || placeholder.Message.Role != "assistant" {
		t.Fatalf("want the assistant placeholder, got %#v", placeholder)
	}

	var streamed strings.Builder
	for {
		frame, ok := wsRead(t, conn).(protocol.AIChunkMessage)
		if !ok {
			t.Fatal("want ai_chunk frames after the echo")
		}
		if frame.Done {
			if frame.Message == nil || frame.Message.Content != "<p>Hi there</p>" {
				t.Errorf("final message: %+v", frame.Message)
			}
			break
		}
		streamed.WriteString(frame.Chunk)
	}
	if streamed.String() != "Hi there" {
		t.Errorf("streamed: %q", streamed.String())
	}
}

func TestServer_TwoClientsShareOneRoom(t *testing.T) {
	source := &scriptedSource{scripts: [][]model.Event{
		{{Text: "shared"}},
	}}
	ts := newTestServer(t, source)

	connA, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/rooms/doc-y/ws?user_id=a"), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	connB, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/rooms/doc-y/ws?user_id=b"), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	wsRead(t, connA) // history
	wsRead(t, connB) // history

	out, _ := json.Marshal(protocol.ChatMessageIn{Type: protocol.TypeChatMessage, Content: "ping"})
	if err := connA.WriteMessage(websocket.TextMessage, out); err != nil {
		t.Fatalf("write: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"a": connA, "b": connB} {
		echo, ok := wsRead(t, conn).(protocol.MessageBroadcast)
		if !ok || echo.Message.Content != "ping" {
			t.Errorf("client %s missed the echo: %#v", name, echo)
		}
	}
}

func TestServer_PingsKeepQuietClientAlive(t *testing.T) {
	// A client that sends nothing must outlive the idle window: the server
	// pings, the client library answers with pongs, and the read deadline
	// keeps moving.
	cfg := testConfig()
	cfg.IdleTimeout = 300 * time.Millisecond
	ts := newTestServerWithConfig(t, cfg, &scriptedSource{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/rooms/doc-quiet/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Pongs are only written while a read is in flight, so pump reads in
	// the background the way a real client would.
	frames := make(chan []byte, 8)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	select {
	case <-frames: // history on join
	case <-time.After(2 * time.Second):
		t.Fatal("no history frame on join")
	}

	// Stay quiet for three idle windows.
	time.Sleep(900 * time.Millisecond)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_history"}`)); err != nil {
		t.Fatalf("connection dropped during quiet period: %v", err)
	}
	select {
	case data, ok := <-frames:
		if !ok {
			t.Fatal("connection closed during quiet period")
		}
		parsed, err := protocol.ParseMessage(data)
		if err != nil {
			t.Fatalf("parsing frame %s: %v", data, err)
		}
		if _, ok := parsed.(protocol.HistoryMessage); !ok {
			t.Fatalf("want a history reply, got %T", parsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply after quiet period")
	}
}

func TestServer_DistinctDocumentsAreIsolated(t *testing.T) {
	source := &scriptedSource{scripts: [][]model.Event{
		{{Text: "only for doc-a"}},
	}}
	ts := newTestServer(t, source)

	connA, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/rooms/doc-a/ws"), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	connB, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/rooms/doc-b/ws"), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	wsRead(t, connA)
	wsRead(t, connB)

	out, _ := json.Marshal(protocol.ChatMessageIn{Type: protocol.TypeChatMessage, Content: "hi"})
	if err := connA.WriteMessage(websocket.TextMessage, out); err != nil {
		t.Fatalf("write: %v", err)
	}
	wsRead(t, connA) // echo for doc-a only

	_ = connB.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := connB.ReadMessage(); err == nil {
		t.Errorf("doc-b client received doc-a traffic: %s", data)
	}
}
