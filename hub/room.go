package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/crdt"
	"github.com/burntcarrot/padsync/presence"
	"github.com/burntcarrot/padsync/relay"
	"github.com/burntcarrot/padsync/session"
)

// Room is the set of sessions editing one document. All mutations of its
// engine and presence table are serialized by mu.
type Room struct {
	id       string
	registry *Registry
	log      logrus.FieldLogger

	mu       sync.Mutex
	engine   crdt.Engine
	presence *presence.Tracker
	sessions map[string]*session.Session
	released bool
	sub      relay.Subscription

	// lastBroadcastPresence is the tracker version every session has been sent.
	lastBroadcastPresence uint64
}

func newRoom(r *Registry, documentID string, engine crdt.Engine) *Room {
	return &Room{
		id:       documentID,
		registry: r,
		log:      r.log.WithField("document", documentID),
		engine:   engine,
		presence: presence.NewTracker(),
		sessions: make(map[string]*session.Session),
	}
}

func (room *Room) ID() string {
	return room.id
}

// Len returns the number of admitted sessions.
func (room *Room) Len() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.sessions)
}

// Presence returns the presence entries in admission order.
func (room *Room) Presence() []presence.Entry {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.presence.Snapshot()
}

// StateVector returns the encoded state vector of the room's document.
func (room *Room) StateVector() []byte {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.engine.StateVector()
}

func (room *Room) sessionIDs() []string {
	room.mu.Lock()
	defer room.mu.Unlock()
	ids := make([]string, 0, len(room.sessions))
	for id := range room.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (room *Room) admitLocked(s *session.Session, user presence.User) []*session.Session {
	id := s.ID()
	s.Bind(&binding{room: room, sessionID: id})

	hooks := s.Hooks()
	onClose := hooks.OnClose
	hooks.OnClose = func(reason commons.DisconnectReason) {
		room.Evict(id, reason)
		if onClose != nil {
			onClose(reason)
		}
	}
	s.SetHooks(hooks)

	room.sessions[id] = s
	room.presence.Add(id, user)
	room.log.WithField("session", id).Info("session admitted")

	// The new session is sent the whole table when it asks for it.
	return room.broadcastPresenceLocked(id)
}

// member returns the admitted session with id.
func (room *Room) member(id string) (*session.Session, error) {
	if room.released {
		return nil, fmt.Errorf("%s: %w", room.id, ErrRoomNotFound)
	}
	s, ok := room.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s in %s: %w", id, room.id, ErrRoomNotFound)
	}
	return s, nil
}

// Evict removes the session, closes it with reason and tells the remaining
// sessions. The room is released once empty. Evicting a session that already
// left is a no-op.
func (room *Room) Evict(sessionID string, reason commons.DisconnectReason) {
	room.mu.Lock()
	s, ok := room.sessions[sessionID]
	if !ok {
		room.mu.Unlock()
		return
	}
	delete(room.sessions, sessionID)
	room.presence.Remove(sessionID)
	overflowed := room.broadcastPresenceLocked("")
	empty := len(room.sessions) == 0
	room.mu.Unlock()

	m := room.registry.metrics
	m.SessionsActive.Dec()
	m.Disconnects.WithLabelValues(reason.String()).Inc()
	room.log.WithFields(logrus.Fields{
		"session": sessionID,
		"reason":  reason.String(),
	}).Info("session evicted")

	s.Close(reason)
	room.closeOverflowed(overflowed)
	if empty {
		room.registry.release(room)
	}
}

// PublishUpdate merges an update received from sourceID and forwards what it
// changed to every other session.
func (room *Room) PublishUpdate(sourceID string, update []byte) error {
	room.mu.Lock()
	if _, err := room.member(sourceID); err != nil {
		room.mu.Unlock()
		return err
	}
	delta, err := room.applyLocked(update)
	if err != nil {
		room.mu.Unlock()
		return err
	}
	var overflowed []*session.Session
	if delta != nil {
		overflowed = room.fanOutLocked(sourceID, commons.NewDocumentUpdate(delta))
	}
	room.mu.Unlock()

	room.closeOverflowed(overflowed)
	if delta != nil {
		room.publishRelay(relay.Message{Kind: relay.KindUpdate, Payload: delta})
	}
	return nil
}

// applyLocked merges update and returns the delta it added to the document,
// or nil when the state vector did not move. Operations that were waiting for
// their dependencies are part of the delta once integrated.
func (room *Room) applyLocked(update []byte) ([]byte, error) {
	before := room.engine.StateVector()
	if err := room.engine.ApplyUpdate(update); err != nil {
		return nil, err
	}
	if bytes.Equal(before, room.engine.StateVector()) {
		return nil, nil
	}
	delta, err := room.engine.EncodeStateAsUpdate(before)
	if err != nil {
		return nil, err
	}
	room.registry.metrics.UpdatesApplied.Inc()
	return delta, nil
}

// PublishPresence updates the source session's cursor and activity and
// forwards the change to every other session.
func (room *Room) PublishPresence(sourceID string, cursor *presence.Cursor, active bool) error {
	room.mu.Lock()
	if _, err := room.member(sourceID); err != nil {
		room.mu.Unlock()
		return err
	}
	room.presence.SetCursor(sourceID, cursor)
	room.presence.SetActive(sourceID, active)
	overflowed := room.broadcastPresenceLocked(sourceID)
	room.mu.Unlock()

	room.closeOverflowed(overflowed)
	return nil
}

// broadcastPresenceLocked sends the presence changes since the last broadcast
// to every session except exclude.
func (room *Room) broadcastPresenceLocked(exclude string) []*session.Session {
	diff := room.presence.DiffSince(room.lastBroadcastPresence)
	room.lastBroadcastPresence = room.presence.Version()
	room.presence.Prune(room.lastBroadcastPresence)
	if diff.Empty() {
		return nil
	}
	return room.fanOutLocked(exclude, commons.NewAwarenessUpdate(presence.EncodeDiff(diff)))
}

// fanOutLocked queues msg for every session except exclude and returns the
// sessions whose outbox overflowed.
func (room *Room) fanOutLocked(exclude string, msg commons.Message) []*session.Session {
	frame := commons.Encode(msg)
	sent := room.registry.metrics.FramesSent.WithLabelValues(msg.Type.String())

	var overflowed []*session.Session
	for id, s := range room.sessions {
		if id == exclude {
			continue
		}
		switch err := s.Deliver(frame); {
		case err == nil:
			sent.Inc()
		case errors.Is(err, session.ErrOutboxFull):
			overflowed = append(overflowed, s)
		}
	}
	return overflowed
}

// closeOverflowed disconnects sessions that stopped draining their outbox.
func (room *Room) closeOverflowed(sessions []*session.Session) {
	for _, s := range sessions {
		room.registry.metrics.OutboxOverflows.Inc()
		room.log.WithField("session", s.ID()).Warn("outbox full, disconnecting")
		s.Close(commons.ReasonInternalError)
	}
}

// BroadcastServerVersionUpdated advises every session that the server was upgraded.
func (room *Room) BroadcastServerVersionUpdated() {
	room.mu.Lock()
	overflowed := room.fanOutLocked("", commons.NewServerVersionUpdated())
	room.mu.Unlock()
	room.closeOverflowed(overflowed)
}

// terminateLocked queues DOCUMENT_DELETED for every session and empties the
// room. The caller finishes the returned sessions.
func (room *Room) terminateLocked() []*session.Session {
	room.fanOutLocked("", commons.NewDocumentDeleted())

	sessions := make([]*session.Session, 0, len(room.sessions))
	for id, s := range room.sessions {
		sessions = append(sessions, s)
		room.presence.Remove(id)
	}
	room.sessions = make(map[string]*session.Session)
	room.released = true
	return sessions
}

func (room *Room) publishRelay(m relay.Message) {
	rl := room.registry.relay
	if rl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := rl.Publish(ctx, room.id, m); err != nil {
		room.log.WithError(err).Warn("relay publish failed")
		return
	}
	room.registry.metrics.RelayMessages.WithLabelValues("out").Inc()
}

// requestSync asks the other instances for the updates this room is missing.
func (room *Room) requestSync() {
	if room.registry.relay == nil {
		return
	}
	room.publishRelay(relay.Message{Kind: relay.KindStateRequest, Payload: room.StateVector()})
}

// receiveRelay handles a message published by another instance.
func (room *Room) receiveRelay(m relay.Message) {
	room.registry.metrics.RelayMessages.WithLabelValues("in").Inc()
	log := room.log.WithField("origin", m.Origin)

	switch m.Kind {
	case relay.KindUpdate:
		room.mu.Lock()
		if room.released {
			room.mu.Unlock()
			return
		}
		delta, err := room.applyLocked(m.Payload)
		var overflowed []*session.Session
		if err == nil && delta != nil {
			overflowed = room.fanOutLocked("", commons.NewDocumentUpdate(delta))
		}
		room.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("dropping relayed update")
		}
		room.closeOverflowed(overflowed)

	case relay.KindStateRequest:
		room.mu.Lock()
		if room.released || bytes.Equal(room.engine.StateVector(), m.Payload) {
			room.mu.Unlock()
			return
		}
		update, err := room.engine.EncodeStateAsUpdate(m.Payload)
		room.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("dropping relayed state request")
			return
		}
		room.publishRelay(relay.Message{Kind: relay.KindUpdate, Payload: update})

	case relay.KindDocumentDeleted:
		room.registry.deleteRoom(room.id)
	}
}

func (room *Room) unsubscribe() {
	room.mu.Lock()
	sub := room.sub
	room.sub = nil
	room.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		room.log.WithError(err).Debug("closing relay subscription")
	}
}
