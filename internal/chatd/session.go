package chatd

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mapdraft/mapdraft/pkg/protocol"
)

// sessionConn is the subset of *websocket.Conn the room writes to. Tests
// substitute an in-memory implementation.
type sessionConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one WebSocket connection joined to a room. The room's actor
// goroutine owns membership; the session itself only guards writes, since
// gorilla/websocket allows a single concurrent writer per connection.
type Session struct {
	ID     string
	UserID string

	conn    sessionConn
	writeMu sync.Mutex
}

func newSession(id, userID string, conn sessionConn) *Session {
	return &Session{ID: id, UserID: userID, conn: conn}
}

// send marshals msg and writes it as one text frame.
func (s *Session) send(msg any) error {
	data, err := protocol.MarshalMessage(msg)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

// sendRaw writes pre-marshaled bytes, for broadcasts that marshal once.
func (s *Session) sendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ping writes a control ping. The peer's pong comes back through the
// read loop, which extends the idle deadline.
func (s *Session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *Session) close() {
	_ = s.conn.Close()
}
