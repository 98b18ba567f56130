package chatd

import (
	"log/slog"
	"sync"

	"github.com/mapdraft/mapdraft/pkg/model"
)

// Directory maps document ids to live rooms. Rooms are created on first
// join and retired when their last session leaves and no generation is in
// flight. All map access happens under one mutex; the join counter is what
// lets a room's own actor retire it without racing a concurrent join.
type Directory struct {
	cfg    *Config
	source model.Source
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewDirectory(cfg *Config, source model.Source, logger *slog.Logger) *Directory {
	return &Directory{
		cfg:    cfg,
		source: source,
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// Join returns the room for docID, starting a new actor if none is live,
// and registers sess with it. The join counter is incremented under the
// directory lock so a concurrent retire attempt sees the arrival.
func (d *Directory) Join(docID string, sess *Session) *Room {
	d.mu.Lock()
	r, ok := d.rooms[docID]
	if !ok {
		r = newRoom(docID, d, d.cfg, d.source, d.logger.With("component", "room", "doc_id", docID))
		d.rooms[docID] = r
		go r.run()
	}
	r.joined.Add(1)
	d.mu.Unlock()

	r.enqueue(evJoin{sess: sess})
	return r
}

// retire removes r from the directory. Called only by r's actor once its
// session set is empty and it is idle. Fails when a session joined since
// the actor last looked, or when the slot already holds a replacement room.
func (d *Directory) retire(r *Room) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rooms[r.docID] != r || r.joined.Load() != 0 {
		return false
	}
	delete(d.rooms, r.docID)
	return true
}

// Len reports the number of live rooms.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}
