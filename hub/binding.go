package hub

import (
	"github.com/burntcarrot/padsync/presence"
	"github.com/burntcarrot/padsync/session"
)

// binding is the session.Backend of an admitted session: the room, seen from
// that session.
type binding struct {
	room      *Room
	sessionID string
}

var _ session.Backend = (*binding)(nil)

func (b *binding) StateVector() ([]byte, error) {
	b.room.mu.Lock()
	defer b.room.mu.Unlock()
	if _, err := b.room.member(b.sessionID); err != nil {
		return nil, err
	}
	return b.room.engine.StateVector(), nil
}

func (b *binding) EncodeStateAsUpdate(vector []byte) ([]byte, error) {
	b.room.mu.Lock()
	defer b.room.mu.Unlock()
	if _, err := b.room.member(b.sessionID); err != nil {
		return nil, err
	}
	return b.room.engine.EncodeStateAsUpdate(vector)
}

func (b *binding) ApplyUpdate(update []byte) error {
	return b.room.PublishUpdate(b.sessionID, update)
}

// AnswerAwareness replies with the full presence table.
func (b *binding) AnswerAwareness(reply func(presence.Diff) error) error {
	b.room.mu.Lock()
	defer b.room.mu.Unlock()
	if _, err := b.room.member(b.sessionID); err != nil {
		return err
	}
	return reply(b.room.presence.FullDiff())
}

// ApplyAwareness takes the cursor and activity of the last entry the
// participant sent. Identity fields are assigned by the room and ignored.
func (b *binding) ApplyAwareness(diff presence.Diff) error {
	var user *presence.User
	for _, e := range diff.Entries {
		if e.User != nil {
			user = e.User
		}
	}
	if user == nil {
		return nil
	}
	return b.room.PublishPresence(b.sessionID, user.Cursor, user.Active)
}
