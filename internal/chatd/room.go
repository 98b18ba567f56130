package chatd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mapdraft/mapdraft/pkg/model"
	"github.com/mapdraft/mapdraft/pkg/protocol"
	"github.com/mapdraft/mapdraft/pkg/toolbroker"
)

// Room events. Everything that touches room state flows through the inbox
// and is handled by the single actor goroutine in run, so no room state
// needs locking and outbound frames can never interleave.
type event any

type evJoin struct{ sess *Session }

type evLeave struct{ sess *Session }

type evInbound struct {
	sess *Session
	data []byte
}

// evBroadcast and evSendTo carry frames produced by the generation
// goroutine back through the actor, which is the only writer.
type evBroadcast struct{ msg any }

type evSendTo struct {
	sess *Session
	msg  any
}

type evGenDone struct {
	final    *protocol.ChatMessage // nil when generation failed outright
	newTurns []model.Turn
}

// Room serializes all activity for one document's chat. One goroutine
// drains the inbox; at most one generation runs at a time, in its own
// goroutine, reporting back through the inbox.
type Room struct {
	docID  string
	dir    *Directory
	cfg    *Config
	source model.Source
	broker *toolbroker.Broker
	logger *slog.Logger

	inbox chan event

	// joined counts sessions that joined but have not yet been processed
	// as left. Incremented by Directory.Join under the directory lock,
	// decremented only by the actor, read by Directory.retire.
	joined atomic.Int64

	// Actor-owned state. Never touched outside run.
	sessions     map[*Session]struct{}
	messages     []protocol.ChatMessage
	turns        []model.Turn
	pendingChats []string
	generating   bool
	genCancel    context.CancelFunc
}

func newRoom(docID string, dir *Directory, cfg *Config, source model.Source, logger *slog.Logger) *Room {
	r := &Room{
		docID:    docID,
		dir:      dir,
		cfg:      cfg,
		source:   source,
		broker:   toolbroker.New(cfg.ToolTimeout),
		logger:   logger,
		inbox:    make(chan event, cfg.RoomInboxSize),
		sessions: make(map[*Session]struct{}),
	}
	r.turns = append(r.turns, model.Turn{Role: "system", Content: systemPrompt(cfg)})
	return r
}

func (r *Room) enqueue(ev event) {
	r.inbox <- ev
}

// receive hands a raw inbound frame from sess to the actor.
func (r *Room) receive(sess *Session, data []byte) {
	r.enqueue(evInbound{sess: sess, data: data})
}

// leave is called exactly once per connection, when its read loop ends.
func (r *Room) leave(sess *Session) {
	r.enqueue(evLeave{sess: sess})
}

// run is the actor loop. It returns only after the room has been retired
// from the directory, at which point no producer can reach the inbox.
func (r *Room) run() {
	r.logger.Info("room started")
	for ev := range r.inbox {
		switch ev := ev.(type) {
		case evJoin:
			r.handleJoin(ev.sess)
		case evLeave:
			r.handleLeave(ev.sess)
			if r.maybeRetire() {
				return
			}
		case evInbound:
			r.handleInbound(ev.sess, ev.data)
		case evBroadcast:
			r.broadcast(ev.msg)
		case evSendTo:
			r.sendTo(ev.sess, ev.msg)
		case evGenDone:
			r.handleGenDone(ev)
			if r.maybeRetire() {
				return
			}
		}
	}
}

func (r *Room) handleJoin(sess *Session) {
	r.sessions[sess] = struct{}{}
	r.logger.Info("session joined", "session_id", sess.ID, "sessions", len(r.sessions))

	r.sendTo(sess, protocol.HistoryMessage{
		Type:     protocol.TypeHistory,
		Messages: append([]protocol.ChatMessage(nil), r.messages...),
	})
}

func (r *Room) handleLeave(sess *Session) {
	if _, ok := r.sessions[sess]; !ok {
		return
	}
	delete(r.sessions, sess)
	sess.close()
	r.joined.Add(-1)
	r.logger.Info("session left", "session_id", sess.ID, "sessions", len(r.sessions))
}

func (r *Room) handleInbound(sess *Session, data []byte) {
	parsed, err := protocol.ParseMessage(data)
	if err != nil {
		r.logger.Debug("rejecting malformed frame", "session_id", sess.ID, "error", err)
		r.sendTo(sess, protocol.ErrorMessage{Type: protocol.TypeError, Error: err.Error()})
		return
	}

	switch msg := parsed.(type) {
	case protocol.ChatMessageIn:
		r.handleChat(sess, msg)

	case protocol.ToolResultMessage:
		// First settlement wins; anything for an unknown or already
		// settled id is silently dropped.
		if msg.Error != "" {
			r.broker.Reject(msg.ToolID, errors.New(msg.Error))
		} else {
			r.broker.Resolve(msg.ToolID, msg.Result)
		}

	case protocol.RequestHistoryMessage:
		r.sendTo(sess, protocol.HistoryMessage{
			Type:     protocol.TypeHistory,
			Messages: append([]protocol.ChatMessage(nil), r.messages...),
		})

	default:
		r.logger.Debug("ignoring unexpected message type",
			"session_id", sess.ID, "message_type", fmt.Sprintf("%T", msg))
		r.sendTo(sess, protocol.ErrorMessage{
			Type:  protocol.TypeError,
			Error: "unexpected message type",
		})
	}
}

// handleChat echoes the user message to every session immediately and
// queues a generation cycle. Messages arriving mid-generation wait their
// turn; each gets its own cycle, in arrival order.
func (r *Room) handleChat(sess *Session, msg protocol.ChatMessageIn) {
	if strings.TrimSpace(msg.Content) == "" {
		r.sendTo(sess, protocol.ErrorMessage{Type: protocol.TypeError, Error: "empty chat_message content"})
		return
	}

	authorID := msg.UserID
	if authorID == "" {
		authorID = sess.UserID
	}
	chat := protocol.ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    r.docID,
		AuthorID:  authorID,
		Role:      "user",
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	r.messages = append(r.messages, chat)
	r.broadcast(protocol.MessageBroadcast{Type: protocol.TypeMessage, Message: chat})

	r.pendingChats = append(r.pendingChats, msg.Content)
	if !r.generating {
		r.startNextGeneration()
	}
}

func (r *Room) startNextGeneration() {
	content := r.pendingChats[0]
	r.pendingChats = r.pendingChats[1:]

	r.turns = append(r.turns, model.Turn{Role: "user", Content: content})
	snapshot := append([]model.Turn(nil), r.turns...)

	ctx, cancel := context.WithCancel(context.Background())
	r.generating = true
	r.genCancel = cancel
	go r.generate(ctx, snapshot)
}

func (r *Room) handleGenDone(ev evGenDone) {
	if r.genCancel != nil {
		r.genCancel()
		r.genCancel = nil
	}
	r.generating = false
	r.turns = append(r.turns, ev.newTurns...)
	if ev.final != nil {
		r.messages = append(r.messages, *ev.final)
	}

	if len(r.pendingChats) > 0 {
		r.startNextGeneration()
	}
}

// broadcast marshals once and writes to every session. A failed write
// closes that session's connection; its read loop then delivers the
// evLeave that removes it. Other sessions are unaffected.
func (r *Room) broadcast(msg any) {
	data, err := protocol.MarshalMessage(msg)
	if err != nil {
		r.logger.Error("marshaling broadcast", "error", err)
		return
	}
	for sess := range r.sessions {
		if err := sess.sendRaw(data); err != nil {
			r.logger.Warn("broadcast write failed", "session_id", sess.ID, "error", err)
			sess.close()
		}
	}
}

func (r *Room) sendTo(sess *Session, msg any) {
	if _, ok := r.sessions[sess]; !ok {
		return
	}
	if err := sess.send(msg); err != nil {
		r.logger.Warn("session write failed", "session_id", sess.ID, "error", err)
		sess.close()
	}
}

// maybeRetire asks the directory to drop this room once it is empty and
// idle. The directory refuses if a join raced ahead; the actor then just
// keeps running.
func (r *Room) maybeRetire() bool {
	if len(r.sessions) != 0 || r.generating {
		return false
	}
	if !r.dir.retire(r) {
		return false
	}
	r.logger.Info("room retired")
	return true
}
