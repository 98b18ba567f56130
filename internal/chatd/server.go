package chatd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mapdraft/mapdraft/pkg/model"
)

// Server is the top-level chat server: one HTTP listener exposing the
// per-document WebSocket endpoint and a health check, multiplexing every
// connection onto the room directory.
type Server struct {
	config     *Config
	directory  *Directory
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewServer creates a fully wired chat server from configuration.
func NewServer(cfg *Config, source model.Source, logger *slog.Logger) *Server {
	s := &Server{
		config:    cfg,
		directory: NewDirectory(cfg, source, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Rooms are addressed by unguessable document ids; access
			// control lives in front of this service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{doc}/ws", s.handleRoomWS)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr, "backend", s.config.Backend)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the listener. Hijacked WebSocket connections are not
// tracked by net/http; their read loops end when the peer disconnects or
// the idle deadline passes, which retires the rooms.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpServer.SetKeepAlivesEnabled(false)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Handler exposes the server's mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","rooms":%d}`, s.directory.Len())
}

// handleRoomWS upgrades the connection and joins it to the document's
// room. Plain HTTP requests get 426 so a misconfigured client sees what
// went wrong instead of a hung request.
func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc")
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anon-" + uuid.NewString()[:8]
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "doc_id", docID, "error", err)
		return
	}

	sess := newSession(uuid.NewString(), userID, conn)
	room := s.directory.Join(docID, sess)
	s.logger.Info("connection opened", "doc_id", docID, "session_id", sess.ID, "user_id", userID)

	go s.readLoop(room, sess, conn)
}

// readLoop pumps inbound frames into the room actor. It is the only
// reader for the connection and the only caller of leave.
func (s *Server) readLoop(room *Room, sess *Session, conn *websocket.Conn) {
	defer room.leave(sess)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	})

	// Quiet but healthy clients answer pings, so only dead peers hit the
	// idle deadline.
	stopPings := make(chan struct{})
	defer close(stopPings)
	go s.pingLoop(sess, stopPings)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read ended", "session_id", sess.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		room.receive(sess, data)
	}
}

// pingLoop pings the session at half the idle timeout until the read loop
// returns or a write fails.
func (s *Server) pingLoop(sess *Session, stop <-chan struct{}) {
	interval := s.config.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
