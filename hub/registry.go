// Package hub multiplexes sessions editing the same document. A Registry owns
// one Room per document; a Room owns the document engine and presence table
// shared by its sessions and fans changes out to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/crdt"
	"github.com/burntcarrot/padsync/metrics"
	"github.com/burntcarrot/padsync/presence"
	"github.com/burntcarrot/padsync/relay"
	"github.com/burntcarrot/padsync/session"
)

var (
	// ErrRoomNotFound is returned for a room, or a session in a room, that no
	// longer exists. Sessions close with SESSION_NOT_FOUND.
	ErrRoomNotFound = fmt.Errorf("room not found: %w", commons.ErrSessionNotFound)

	ErrRegistryClosed = errors.New("hub: registry closed")
)

// relayTimeout bounds every call to the relay.
const relayTimeout = 5 * time.Second

// Config holds the settings applied to every session the registry creates.
type Config struct {
	OutboxSize   int
	FlushTimeout time.Duration
}

func DefaultConfig() Config {
	cfg := session.DefaultConfig()
	return Config{OutboxSize: cfg.OutboxSize, FlushTimeout: cfg.FlushTimeout}
}

// EngineFactory returns the engine of a newly created room.
type EngineFactory func(documentID string) (crdt.Engine, error)

type Option func(*Registry)

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = log }
}

func WithEngineFactory(f EngineFactory) Option {
	return func(r *Registry) { r.newEngine = f }
}

// WithRelay shares rooms with the other instances attached to rl.
func WithRelay(rl relay.Relay) Option {
	return func(r *Registry) { r.relay = rl }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithConfig(cfg Config) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// Registry is the process-wide map of document rooms. Rooms are created on the
// first admission and released when their last session leaves.
//
// Locks are taken registry first, then room. Sessions are closed without
// holding either.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	cfg       Config
	log       logrus.FieldLogger
	newEngine EngineFactory
	relay     relay.Relay
	metrics   *metrics.Metrics
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*Room),
		cfg:   DefaultConfig(),
		log:   logrus.StandardLogger(),
		newEngine: func(string) (crdt.Engine, error) {
			return crdt.New(), nil
		},
		metrics: metrics.Default,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect creates an authoritative session over t and admits it to the
// document's room. The caller runs the returned session.
func (r *Registry) Connect(documentID string, t session.Transport, user presence.User, caps session.Capabilities) (*session.Session, error) {
	s := session.New(t, nil, session.Config{
		Authoritative: true,
		Capabilities:  caps,
		OutboxSize:    r.cfg.OutboxSize,
		FlushTimeout:  r.cfg.FlushTimeout,
		Logger:        r.log.WithField("document", documentID),
	})
	if _, err := r.Admit(documentID, s, user); err != nil {
		return nil, err
	}
	return s, nil
}

// Admit binds s to the document's room, creating the room if needed. s must
// not be running yet.
func (r *Registry) Admit(documentID string, s *session.Session, user presence.User) (*Room, error) {
	if !s.Capabilities().Read {
		return nil, fmt.Errorf("read %s: %w", documentID, commons.ErrNotPermitted)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	room, ok := r.rooms[documentID]
	if !ok {
		var err error
		room, err = r.newRoom(documentID)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.rooms[documentID] = room
		r.metrics.RoomsActive.Inc()
	}
	room.mu.Lock()
	r.mu.Unlock()

	overflowed := room.admitLocked(s, user)
	room.mu.Unlock()

	r.metrics.SessionsActive.Inc()
	room.closeOverflowed(overflowed)
	if !ok {
		room.requestSync()
	}
	return room, nil
}

func (r *Registry) newRoom(documentID string) (*Room, error) {
	engine, err := r.newEngine(documentID)
	if err != nil {
		return nil, fmt.Errorf("create engine for %s: %w", documentID, err)
	}
	room := newRoom(r, documentID, engine)

	if r.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		sub, err := r.relay.Subscribe(ctx, documentID, room.receiveRelay)
		if err != nil {
			return nil, fmt.Errorf("subscribe room %s: %w", documentID, err)
		}
		room.sub = sub
	}

	room.log.Info("room created")
	return room, nil
}

// release drops room if it is still empty.
func (r *Registry) release(room *Room) {
	r.mu.Lock()
	room.mu.Lock()
	if room.released || len(room.sessions) > 0 {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.released = true
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	room.mu.Unlock()
	r.mu.Unlock()

	r.metrics.RoomsActive.Dec()
	room.unsubscribe()
	room.log.Info("room released")
}

// Room returns the document's room, if one exists.
func (r *Registry) Room(documentID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[documentID]
	return room, ok
}

// Rooms returns the IDs of the documents with a room, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of sessions admitted to any room.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	n := 0
	for _, room := range rooms {
		n += room.Len()
	}
	return n
}

// BroadcastDocumentDeleted tells every session editing the document that it
// was deleted, closes them and releases the room. Other instances sharing the
// relay do the same for their sessions.
func (r *Registry) BroadcastDocumentDeleted(documentID string) error {
	found := r.deleteRoom(documentID)

	if r.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		err := r.relay.Publish(ctx, documentID, relay.Message{Kind: relay.KindDocumentDeleted})
		if err != nil {
			return fmt.Errorf("relay deletion of %s: %w", documentID, err)
		}
		r.metrics.RelayMessages.WithLabelValues("out").Inc()
		return nil
	}

	if !found {
		return fmt.Errorf("%s: %w", documentID, ErrRoomNotFound)
	}
	return nil
}

func (r *Registry) deleteRoom(documentID string) bool {
	r.mu.Lock()
	room, ok := r.rooms[documentID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.rooms, documentID)
	room.mu.Lock()
	r.mu.Unlock()

	sessions := room.terminateLocked()
	room.mu.Unlock()

	for _, s := range sessions {
		s.Finish(commons.ReasonOK)
		r.metrics.SessionsActive.Dec()
		r.metrics.Disconnects.WithLabelValues(commons.ReasonOK.String()).Inc()
	}
	r.metrics.RoomsActive.Dec()
	room.unsubscribe()
	room.log.WithField("sessions", len(sessions)).Info("document deleted")
	return true
}

// BroadcastServerVersionUpdated advises every session in every room that the
// server was upgraded.
func (r *Registry) BroadcastServerVersionUpdated() {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		room.BroadcastServerVersionUpdated()
	}
}

// Close evicts every session with reason OK and refuses further admissions.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		for _, id := range room.sessionIDs() {
			room.Evict(id, commons.ReasonOK)
		}
	}
}
