// Package sketch holds the live, authoritative state of one sketch while it
// has connected editors: the element set, the room of participants, chat and
// cursors, and the transactional save back to storage.
//
// All methods are safe for concurrent use. Operations on one Session are
// serialized by its mutex, and every broadcast is queued while the mutex is
// held, so members see deltas in the order they were applied.
package sketch

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/UniSketch/UniSketch7-sub001/internal/buffer"
	"github.com/UniSketch/UniSketch7-sub001/internal/model"
	"github.com/UniSketch/UniSketch7-sub001/internal/protocol"
	"github.com/UniSketch/UniSketch7-sub001/internal/repository"
)

// Member is a connection participating in a session's room.
type Member interface {
	ID() string
	Identity() model.Identity
	// Send queues a frame without blocking.
	Send(data []byte)
	// SendPaced queues a frame the writer spaces out from the next one.
	SendPaced(data []byte)
}

// Store runs a save pass atomically.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx repository.ElementTx) error) error
}

// ChatReplay selects which chat history a joining member receives.
type ChatReplay string

const (
	ChatReplayOwn ChatReplay = "own"
	ChatReplayAll ChatReplay = "all"
)

const (
	DefaultBatchSize       = 100
	DefaultChatHistorySize = 200
)

// Options tunes a Session.
type Options struct {
	BatchSize       int
	ChatHistorySize int
	ChatReplay      ChatReplay
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.ChatHistorySize <= 0 {
		o.ChatHistorySize = DefaultChatHistorySize
	}
	if o.ChatReplay == "" {
		o.ChatReplay = ChatReplayOwn
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type chatEntry struct {
	sender  model.Identity
	message string
}

type pendingDelete struct {
	sessionID int64
	storageID int64
}

// Session is the in-memory state of one sketch.
type Session struct {
	store  Store
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	sketch     model.Sketch
	elements   map[int64]model.Element
	storageIDs map[int64]int64 // session id -> storage id
	pending    []pendingDelete
	nextID     int64

	members map[string]Member
	cursors map[string]struct{}
	chat    *buffer.Ring[chatEntry]

	saveDone chan struct{} // non-nil while a save is in flight
	closed   bool
}

// NewSession builds a session from persisted records. Each record receives a
// fresh session id, starting at 1, in the order given.
func NewSession(sketch model.Sketch, records []model.Record, store Store, logger *zap.Logger, opts Options) *Session {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		store:      store,
		logger:     logger.With(zap.Int64("sketch_id", sketch.ID)),
		opts:       opts,
		sketch:     sketch,
		elements:   make(map[int64]model.Element, len(records)),
		storageIDs: make(map[int64]int64, len(records)),
		members:    make(map[string]Member),
		cursors:    make(map[string]struct{}),
		chat:       buffer.NewRing[chatEntry](opts.ChatHistorySize),
	}

	for _, rec := range records {
		el := rec.Element
		el.ID = s.allocID()
		s.elements[el.ID] = el
		if rec.StorageID != 0 {
			s.storageIDs[el.ID] = rec.StorageID
		}
	}

	return s
}

// ID returns the sketch id.
func (s *Session) ID() int64 {
	return s.sketch.ID
}

// Sketch returns a copy of the sketch metadata.
func (s *Session) Sketch() model.Sketch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sketch
}

// Elements returns a snapshot of the live elements ordered by id.
func (s *Session) Elements() []model.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Element returns a snapshot of one live element.
func (s *Session) Element(id int64) (model.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	if !ok {
		return model.Element{}, false
	}
	return el.Clone(), true
}

// StorageID returns the durable id mapped to a session id, if it has been persisted.
func (s *Session) StorageID(id int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.storageIDs[id]
	return sid, ok
}

// MemberCount returns the number of connections in the room.
func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// IsEmpty reports whether no connection remains in the room.
func (s *Session) IsEmpty() bool {
	return s.MemberCount() == 0
}

// Join registers m, sends it the sketch header and the element set in
// batches, replays chat, and announces it to the room.
func (s *Session) Join(m Member, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ErrSessionClosed
	}

	s.members[m.ID()] = m

	s.sendLocked(m, protocol.TypeSketch, protocol.SketchInfo{
		Title:           s.sketch.Title,
		IsPublic:        s.sketch.IsPublic,
		BackgroundColor: s.sketch.BackgroundColor,
		Role:            role,
	})

	elements := s.sortedLocked()
	for start := 0; start < len(elements) || start == 0; start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(elements))
		data, err := protocol.Encode(protocol.TypeSketchPart, protocol.Elements{Elements: elements[start:end]})
		if err != nil {
			s.logger.Error("Failed to encode sketch part", zap.Error(err))
			break
		}
		m.SendPaced(data)
		if end == len(elements) {
			break
		}
	}

	identity := m.Identity()
	for _, entry := range s.chat.Items() {
		own := entry.sender.UserID == identity.UserID
		if !own && s.opts.ChatReplay != ChatReplayAll {
			continue
		}
		s.sendLocked(m, protocol.TypeChat, protocol.ChatMessage{
			Message:  entry.message,
			Username: entry.sender.Name,
			Owner:    own,
		})
	}

	for id, other := range s.members {
		if id == m.ID() {
			continue
		}
		s.sendLocked(m, protocol.TypeUserJoin, protocol.User{ID: id, Name: other.Identity().Name})
	}
	s.broadcastLocked(m, protocol.TypeUserJoin, protocol.User{ID: m.ID(), Name: identity.Name})

	s.logger.Debug("Member joined", zap.String("conn_id", m.ID()), zap.String("user", identity.UserID))
	return nil
}

// Leave unregisters m, clears its cursor and announces the departure.
// It reports whether the room is now empty.
func (s *Session) Leave(m Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[m.ID()]; !ok {
		return len(s.members) == 0
	}
	delete(s.members, m.ID())

	if _, ok := s.cursors[m.ID()]; ok {
		delete(s.cursors, m.ID())
		s.broadcastLocked(nil, protocol.TypeDeleteCursor, protocol.CursorID{ID: m.ID()})
	}
	s.broadcastLocked(nil, protocol.TypeUserLeave, protocol.User{ID: m.ID(), Name: m.Identity().Name})

	return len(s.members) == 0
}

// TryRetire marks the session closed if its room is empty, after which Join
// fails with ErrSessionClosed. It reports whether the session was retired.
func (s *Session) TryRetire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) > 0 {
		return false
	}
	s.closed = true
	return true
}

// allocID returns the next session id. Callers hold mu, except NewSession.
func (s *Session) allocID() int64 {
	s.nextID++
	return s.nextID
}

func (s *Session) sortedLocked() []model.Element {
	ids := make([]int64, 0, len(s.elements))
	for id := range s.elements {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]model.Element, len(ids))
	for i, id := range ids {
		out[i] = s.elements[id].Clone()
	}
	return out
}

// insertLocked stores el under a fresh id and returns a snapshot.
func (s *Session) insertLocked(el model.Element) model.Element {
	el = el.Clone()
	el.ID = s.allocID()
	el.CreatedAt = 0
	el.Touch(s.opts.Now())
	s.elements[el.ID] = el
	return el.Clone()
}

// removeLocked drops an element and queues its storage row for deletion.
func (s *Session) removeLocked(id int64) (model.Element, bool) {
	el, ok := s.elements[id]
	if !ok {
		return model.Element{}, false
	}
	delete(s.elements, id)

	if storageID, ok := s.storageIDs[id]; ok {
		delete(s.storageIDs, id)
		s.pending = append(s.pending, pendingDelete{sessionID: id, storageID: storageID})
	}
	return el, true
}

// restoreLocked puts el back under its own id, reclaiming its storage row if
// the deletion has not been saved yet.
func (s *Session) restoreLocked(el model.Element) (model.Element, bool) {
	old, existed := s.elements[el.ID]
	s.elements[el.ID] = el.Clone()

	for i, p := range s.pending {
		if p.sessionID == el.ID {
			s.storageIDs[el.ID] = p.storageID
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if el.ID > s.nextID {
		s.nextID = el.ID
	}
	return old, existed
}

func (s *Session) sendLocked(m Member, t protocol.MessageType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		s.logger.Error("Failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	m.Send(data)
}

// broadcastLocked sends to every member except the given one (nil for all).
func (s *Session) broadcastLocked(except Member, t protocol.MessageType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		s.logger.Error("Failed to encode broadcast", zap.String("type", string(t)), zap.Error(err))
		return
	}
	for id, m := range s.members {
		if except != nil && id == except.ID() {
			continue
		}
		m.Send(data)
	}
}
