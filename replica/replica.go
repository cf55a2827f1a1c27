// Package replica is the local copy of a document kept by a participant: a
// document engine plus a mirror of the room's presence table. It is the
// backend of a non-authoritative session.
package replica

import (
	"sync"

	"github.com/google/uuid"

	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/crdt"
	"github.com/burntcarrot/padsync/presence"
	"github.com/burntcarrot/padsync/session"
)

// Replica is safe for concurrent use. OnChange, when set, is called after
// every remote change with the replica unlocked.
type Replica struct {
	mu    sync.Mutex
	id    string
	doc   crdt.CRDT
	peers *presence.Tracker
	self  presence.User

	OnChange func()
}

var _ session.Backend = (*Replica)(nil)

// New returns an empty replica for user.
func New(user presence.User) *Replica {
	return NewWithDocument(crdt.New(), user)
}

// NewWithDocument returns a replica editing doc.
func NewWithDocument(doc crdt.CRDT, user presence.User) *Replica {
	return &Replica{
		id:    uuid.New().String(),
		doc:   doc,
		peers: presence.NewTracker(),
		self:  user,
	}
}

func (r *Replica) changed() {
	if r.OnChange != nil {
		r.OnChange()
	}
}

func (r *Replica) StateVector() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.StateVector(), nil
}

func (r *Replica) EncodeStateAsUpdate(vector []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(vector)
}

func (r *Replica) ApplyUpdate(update []byte) error {
	r.mu.Lock()
	err := r.doc.ApplyUpdate(update)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.changed()
	return nil
}

// AnswerAwareness replies with this participant's own entry.
func (r *Replica) AnswerAwareness(reply func(presence.Diff) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return reply(r.selfDiff())
}

func (r *Replica) selfDiff() presence.Diff {
	u := r.self
	return presence.Diff{Entries: []presence.Entry{{SessionID: r.id, User: &u}}}
}

func (r *Replica) ApplyAwareness(diff presence.Diff) error {
	r.mu.Lock()
	r.peers.Apply(diff)
	// A replica never diffs its mirror, so removals need not be remembered.
	r.peers.Prune(r.peers.Version())
	r.mu.Unlock()
	r.changed()
	return nil
}

// Content returns the document text.
func (r *Replica) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Content()
}

// Users returns the room's participants in admission order, as last reported
// by the server.
func (r *Replica) Users() []presence.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers.Users()
}

// Presence returns the mirrored presence entries.
func (r *Replica) Presence() []presence.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers.Snapshot()
}

// Insert inserts value at index and returns the DOCUMENT_UPDATE to send.
// When the insert stops partway, the message carries the characters already
// inserted and must still be sent; it is the zero Message when nothing changed.
func (r *Replica) Insert(index int, value string) (commons.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update, err := r.doc.Insert(index, value)
	return updateMessage(update), err
}

// Delete removes count characters starting at index and returns the
// DOCUMENT_UPDATE to send, with the same partial semantics as Insert.
func (r *Replica) Delete(index, count int) (commons.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update, err := r.doc.Delete(index, count)
	return updateMessage(update), err
}

func updateMessage(update []byte) commons.Message {
	if update == nil {
		return commons.Message{}
	}
	return commons.NewDocumentUpdate(update)
}

// SetCursor records the local cursor and activity and returns the
// AWARENESS_UPDATE to send.
func (r *Replica) SetCursor(cursor *presence.Cursor, active bool) commons.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self.Cursor = cursor
	r.self.Active = active
	return commons.NewAwarenessUpdate(presence.EncodeDiff(r.selfDiff()))
}
