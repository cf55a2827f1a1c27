package commons

import (
	"fmt"

	"github.com/burntcarrot/padsync/wire"
)

// MaxFrameSize is the largest frame Decode accepts.
const MaxFrameSize = wire.MaxAllocation

// DecodeError reports a malformed frame.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
	}
	return "decode message: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes a message: a varint type tag followed, for payload-bearing
// types, by the varint length-prefixed payload.
func Encode(msg Message) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(msg.Type))
	if msg.Type.HasPayload() {
		e.WriteLenBytes(msg.Payload)
	}
	return e.Bytes()
}

// Decode parses a single frame. Any malformed input yields a *DecodeError.
func Decode(frame []byte) (Message, error) {
	if len(frame) > MaxFrameSize {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", len(frame))}
	}

	d := wire.NewDecoder(frame)
	tag, err := d.ReadUvarint()
	if err != nil {
		return Message{}, &DecodeError{Reason: "type tag", Err: err}
	}

	t := MessageType(tag)
	if !t.Valid() {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown message type %d", tag)}
	}

	msg := Message{Type: t}
	if t.HasPayload() {
		msg.Payload, err = d.ReadLenBytes()
		if err != nil {
			return Message{}, &DecodeError{Reason: t.String() + " payload", Err: err}
		}
	}

	if err := d.Done(); err != nil {
		return Message{}, &DecodeError{Reason: t.String(), Err: err}
	}

	return msg, nil
}
