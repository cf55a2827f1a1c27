package presence

import "sort"

type tracked struct {
	user    User
	version uint64
}

// Tracker maps session IDs to users, remembering admission order and the
// version at which every entry last changed. A Tracker is not safe for
// concurrent use; the room that owns it serializes access.
type Tracker struct {
	users   map[string]*tracked
	order   []string
	removed map[string]uint64
	version uint64
}

func NewTracker() *Tracker {
	return &Tracker{
		users:   make(map[string]*tracked),
		removed: make(map[string]uint64),
	}
}

// Version returns the version of the most recent change.
func (t *Tracker) Version() uint64 {
	return t.version
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	return len(t.order)
}

func (t *Tracker) bump() uint64 {
	t.version++
	return t.version
}

// Add registers a session as inactive with no cursor and assigns it the least
// used style index. Adding a known session replaces its entry in place.
func (t *Tracker) Add(sessionID string, u User) User {
	u = u.clone()
	u.Active = false
	u.Cursor = nil
	u.StyleIndex = t.nextStyle()

	t.set(sessionID, u)
	return u.clone()
}

func (t *Tracker) set(sessionID string, u User) {
	if entry, ok := t.users[sessionID]; ok {
		entry.user = u
		entry.version = t.bump()
		return
	}
	t.users[sessionID] = &tracked{user: u, version: t.bump()}
	t.order = append(t.order, sessionID)
	delete(t.removed, sessionID)
}

func (t *Tracker) nextStyle() int {
	var used [StyleCount]int
	for _, entry := range t.users {
		used[entry.user.StyleIndex%StyleCount]++
	}
	best := 0
	for i := 1; i < StyleCount; i++ {
		if used[i] < used[best] {
			best = i
		}
	}
	return best
}

// User returns a copy of the session's entry.
func (t *Tracker) User(sessionID string) (User, bool) {
	entry, ok := t.users[sessionID]
	if !ok {
		return User{}, false
	}
	return entry.user.clone(), true
}

// SetCursor replaces the session's cursor. It reports whether the session is tracked.
func (t *Tracker) SetCursor(sessionID string, cursor *Cursor) bool {
	entry, ok := t.users[sessionID]
	if !ok {
		return false
	}
	u := User{Cursor: cursor}.clone()
	entry.user.Cursor = u.Cursor
	entry.version = t.bump()
	return true
}

// SetActive updates the session's activity flag. It reports whether the session is tracked.
func (t *Tracker) SetActive(sessionID string, active bool) bool {
	entry, ok := t.users[sessionID]
	if !ok {
		return false
	}
	entry.user.Active = active
	entry.version = t.bump()
	return true
}

// Remove drops the session's entry. It reports whether the session was tracked.
func (t *Tracker) Remove(sessionID string) bool {
	if _, ok := t.users[sessionID]; !ok {
		return false
	}
	delete(t.users, sessionID)
	for i, id := range t.order {
		if id == sessionID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.removed[sessionID] = t.bump()
	return true
}

// Snapshot returns every entry in admission order.
func (t *Tracker) Snapshot() []Entry {
	entries := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		u := t.users[id].user.clone()
		entries = append(entries, Entry{SessionID: id, User: &u})
	}
	return entries
}

// Users returns the tracked users in admission order.
func (t *Tracker) Users() []User {
	users := make([]User, 0, len(t.order))
	for _, id := range t.order {
		users = append(users, t.users[id].user.clone())
	}
	return users
}

// FullDiff returns a diff that replaces a receiver's view with the snapshot.
func (t *Tracker) FullDiff() Diff {
	return Diff{Full: true, Entries: t.Snapshot()}
}

// DiffSince returns the entries changed or removed after version. Changed
// entries are listed in admission order, followed by removals.
func (t *Tracker) DiffSince(version uint64) Diff {
	var d Diff
	for _, id := range t.order {
		entry := t.users[id]
		if entry.version > version {
			u := entry.user.clone()
			d.Entries = append(d.Entries, Entry{SessionID: id, User: &u})
		}
	}
	var removed []string
	for id, v := range t.removed {
		if v > version {
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return t.removed[removed[i]] < t.removed[removed[j]] })
	for _, id := range removed {
		d.Entries = append(d.Entries, Entry{SessionID: id})
	}
	return d
}

// Removals returns the number of removals still remembered for DiffSince.
func (t *Tracker) Removals() int {
	return len(t.removed)
}

// Prune forgets removals at or before version. Callers prune once every
// receiver has been sent a diff covering them.
func (t *Tracker) Prune(version uint64) {
	for id, v := range t.removed {
		if v <= version {
			delete(t.removed, id)
		}
	}
}

// Apply merges a diff produced by another tracker. It is used by replicas
// that mirror a room's presence.
func (t *Tracker) Apply(d Diff) {
	if d.Full {
		for _, id := range append([]string(nil), t.order...) {
			t.Remove(id)
		}
	}
	for _, e := range d.Entries {
		if e.User == nil {
			t.Remove(e.SessionID)
			continue
		}
		t.set(e.SessionID, e.User.clone())
	}
}
