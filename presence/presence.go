// Package presence tracks the ephemeral per-session metadata (display info,
// cursor, activity) that collaborators in a room show each other.
package presence

// StyleCount is the number of distinct cursor styles handed out in a room.
const StyleCount = 8

// Cursor is a caret (To == nil) or a selection.
type Cursor struct {
	From int
	To   *int
}

// User represents a realtime participant as seen by the other participants.
type User struct {
	DisplayName string
	StyleIndex  int

	// Username is nil for guests.
	Username *string

	Active bool
	Cursor *Cursor
}

func (u User) clone() User {
	if u.Username != nil {
		name := *u.Username
		u.Username = &name
	}
	if u.Cursor != nil {
		c := *u.Cursor
		if c.To != nil {
			to := *c.To
			c.To = &to
		}
		u.Cursor = &c
	}
	return u
}

// Entry is a single session's record in a diff. A nil User removes the session.
type Entry struct {
	SessionID string
	User      *User
}

// Diff is an awareness change set. A full diff replaces the receiver's whole
// view; an incremental one replaces or removes individual entries.
type Diff struct {
	Full    bool
	Entries []Entry
}

// Empty reports whether applying d would change nothing.
func (d Diff) Empty() bool {
	return !d.Full && len(d.Entries) == 0
}
