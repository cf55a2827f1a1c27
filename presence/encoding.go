package presence

import (
	"errors"
	"fmt"

	"github.com/burntcarrot/padsync/wire"
)

var ErrMalformedDiff = errors.New("presence: malformed diff")

const (
	entryRemove byte = 0
	entrySet    byte = 1
)

// EncodeDiff serializes a diff: a full flag, an entry count, then per entry the
// session ID, an op byte and, for set entries, the whole user record.
func EncodeDiff(d Diff) []byte {
	e := wire.NewEncoder()
	e.WriteBool(d.Full)
	e.WriteUvarint(uint64(len(d.Entries)))
	for _, entry := range d.Entries {
		e.WriteString(entry.SessionID)
		if entry.User == nil {
			e.WriteByte(entryRemove)
			continue
		}
		e.WriteByte(entrySet)
		writeUser(e, *entry.User)
	}
	return e.Bytes()
}

func writeUser(e *wire.Encoder, u User) {
	e.WriteString(u.DisplayName)
	e.WriteUvarint(uint64(u.StyleIndex))
	e.WriteBool(u.Username != nil)
	if u.Username != nil {
		e.WriteString(*u.Username)
	}
	e.WriteBool(u.Active)
	e.WriteBool(u.Cursor != nil)
	if u.Cursor != nil {
		e.WriteUvarint(uint64(u.Cursor.From))
		e.WriteBool(u.Cursor.To != nil)
		if u.Cursor.To != nil {
			e.WriteUvarint(uint64(*u.Cursor.To))
		}
	}
}

// DecodeDiff parses a diff produced by EncodeDiff.
func DecodeDiff(b []byte) (Diff, error) {
	d := wire.NewDecoder(b)

	var diff Diff
	var err error
	if diff.Full, err = d.ReadBool(); err != nil {
		return Diff{}, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	count, err := d.ReadUvarint()
	if err != nil {
		return Diff{}, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	if count > uint64(d.Remaining()) {
		return Diff{}, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformedDiff, count, d.Remaining())
	}

	for i := uint64(0); i < count; i++ {
		entry, err := readEntry(d)
		if err != nil {
			return Diff{}, fmt.Errorf("%w: entry %d: %v", ErrMalformedDiff, i, err)
		}
		diff.Entries = append(diff.Entries, entry)
	}
	if err := d.Done(); err != nil {
		return Diff{}, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	return diff, nil
}

func readEntry(d *wire.Decoder) (Entry, error) {
	id, err := d.ReadString()
	if err != nil {
		return Entry{}, err
	}
	op, err := d.ReadByte()
	if err != nil {
		return Entry{}, err
	}
	switch op {
	case entryRemove:
		return Entry{SessionID: id}, nil
	case entrySet:
		u, err := readUser(d)
		if err != nil {
			return Entry{}, err
		}
		return Entry{SessionID: id, User: &u}, nil
	}
	return Entry{}, fmt.Errorf("unknown entry op %d", op)
}

func readUser(d *wire.Decoder) (User, error) {
	var u User
	var err error
	if u.DisplayName, err = d.ReadString(); err != nil {
		return User{}, err
	}
	style, err := d.ReadUvarint()
	if err != nil {
		return User{}, err
	}
	if style >= StyleCount {
		return User{}, fmt.Errorf("style index %d out of range", style)
	}
	u.StyleIndex = int(style)

	hasUsername, err := d.ReadBool()
	if err != nil {
		return User{}, err
	}
	if hasUsername {
		name, err := d.ReadString()
		if err != nil {
			return User{}, err
		}
		u.Username = &name
	}

	if u.Active, err = d.ReadBool(); err != nil {
		return User{}, err
	}

	hasCursor, err := d.ReadBool()
	if err != nil || !hasCursor {
		return u, err
	}
	from, err := readOffset(d)
	if err != nil {
		return User{}, err
	}
	u.Cursor = &Cursor{From: from}
	hasTo, err := d.ReadBool()
	if err != nil {
		return User{}, err
	}
	if hasTo {
		to, err := readOffset(d)
		if err != nil {
			return User{}, err
		}
		u.Cursor.To = &to
	}
	return u, nil
}

// maxOffset bounds cursor offsets to the frame size.
const maxOffset = wire.MaxAllocation

func readOffset(d *wire.Decoder) (int, error) {
	v, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if v > maxOffset {
		return 0, fmt.Errorf("cursor offset %d out of range", v)
	}
	return int(v), nil
}
