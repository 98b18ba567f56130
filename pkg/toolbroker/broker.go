// Package toolbroker correlates tool calls a room delegates to its clients
// with the tool_result messages that may (or may not) come back later.
//
// Each call gets a random correlation id, a one-shot completion channel and
// a timer. Whichever happens first — a matching result, an error, or the
// timeout — settles the call exactly once; the entry is removed from the
// table immediately so late or duplicate results are silent no-ops.
package toolbroker

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrToolTimeout is the outcome of a call no client answered in time.
var ErrToolTimeout = errors.New("tool call timed out")

// DefaultTimeout is how long the broker waits for a client to answer.
const DefaultTimeout = 10 * time.Second

// Outcome is the settled result of one tool call. Exactly one of Result
// and Err is meaningful.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type pendingCall struct {
	tool  string
	done  chan Outcome // buffered 1 — settling never blocks
	timer *time.Timer
}

// Broker owns the pending-call table for one room.
type Broker struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New creates a Broker. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		timeout: timeout,
		pending: make(map[string]*pendingCall),
	}
}

// Open registers a new pending call and returns its correlation id plus the
// channel the caller awaits. The caller is responsible for broadcasting the
// tool_request frame carrying the same id.
func (b *Broker) Open(tool string) (string, <-chan Outcome) {
	id := newCallID()
	pc := &pendingCall{
		tool: tool,
		done: make(chan Outcome, 1),
	}

	b.mu.Lock()
	b.pending[id] = pc
	// Started under the lock so the entry is always visible before the
	// timer can fire.
	pc.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })
	b.mu.Unlock()

	return id, pc.done
}

// Resolve completes the pending call with a client's result. Unknown or
// already-settled ids are ignored.
func (b *Broker) Resolve(id string, result json.RawMessage) {
	if pc := b.take(id); pc != nil {
		pc.done <- Outcome{Result: result}
	}
}

// Reject completes the pending call with an error. Unknown or
// already-settled ids are ignored.
func (b *Broker) Reject(id string, err error) {
	if pc := b.take(id); pc != nil {
		pc.done <- Outcome{Err: err}
	}
}

// Len reports how many calls are still outstanding.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// take removes and returns the pending entry for id, stopping its timer.
// Returns nil if the id is unknown or already settled.
func (b *Broker) take(id string) *pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	pc.timer.Stop()
	return pc
}

func (b *Broker) expire(id string) {
	b.mu.Lock()
	pc, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		pc.done <- Outcome{Err: fmt.Errorf("tool %s: %w", pc.tool, ErrToolTimeout)}
	}
}

// newCallID generates a random hex correlation id.
func newCallID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
