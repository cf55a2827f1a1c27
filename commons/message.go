package commons

import "fmt"

// MessageType identifies a message on the wire. It is encoded as the leading
// varint of every frame.
type MessageType uint64

// padsync speaks 7 message types:
// - COMPLETE_DOCUMENT_STATE_REQUEST (state vector of the requester)
// - COMPLETE_DOCUMENT_STATE_ANSWER (update with everything the requester lacks)
// - DOCUMENT_UPDATE (incremental update delta)
// - COMPLETE_AWARENESS_STATE_REQUEST (no payload)
// - AWARENESS_UPDATE (presence diff)
// - DOCUMENT_DELETED (no payload, hub to session)
// - SERVER_VERSION_UPDATED (no payload, hub to session)
const (
	CompleteDocumentStateRequest MessageType = iota
	CompleteDocumentStateAnswer
	DocumentUpdate
	CompleteAwarenessStateRequest
	AwarenessUpdate
	DocumentDeleted
	ServerVersionUpdated
)

var messageTypeNames = map[MessageType]string{
	CompleteDocumentStateRequest:  "COMPLETE_DOCUMENT_STATE_REQUEST",
	CompleteDocumentStateAnswer:   "COMPLETE_DOCUMENT_STATE_ANSWER",
	DocumentUpdate:                "DOCUMENT_UPDATE",
	CompleteAwarenessStateRequest: "COMPLETE_AWARENESS_STATE_REQUEST",
	AwarenessUpdate:               "AWARENESS_UPDATE",
	DocumentDeleted:               "DOCUMENT_DELETED",
	ServerVersionUpdated:          "SERVER_VERSION_UPDATED",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint64(t))
}

// HasPayload reports whether messages of this type carry a byte payload.
func (t MessageType) HasPayload() bool {
	switch t {
	case CompleteDocumentStateRequest, CompleteDocumentStateAnswer, DocumentUpdate, AwarenessUpdate:
		return true
	}
	return false
}

// Valid reports whether t belongs to the known set of message types.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// Message represents one frame sent over the wire.
// Messages are treated as immutable once constructed; constructors copy their payload.
type Message struct {
	// Type represents the message type.
	Type MessageType

	// Payload is the opaque body of payload-bearing types: a state vector, an
	// update delta or a presence diff. It is nil for the other types.
	Payload []byte
}

func newPayloadMessage(t MessageType, payload []byte) Message {
	return Message{Type: t, Payload: append(make([]byte, 0, len(payload)), payload...)}
}

// NewStateRequest builds a COMPLETE_DOCUMENT_STATE_REQUEST carrying the requester's state vector.
func NewStateRequest(stateVector []byte) Message {
	return newPayloadMessage(CompleteDocumentStateRequest, stateVector)
}

// NewStateAnswer builds the reply to a COMPLETE_DOCUMENT_STATE_REQUEST.
func NewStateAnswer(update []byte) Message {
	return newPayloadMessage(CompleteDocumentStateAnswer, update)
}

func NewDocumentUpdate(update []byte) Message {
	return newPayloadMessage(DocumentUpdate, update)
}

func NewAwarenessRequest() Message {
	return Message{Type: CompleteAwarenessStateRequest}
}

func NewAwarenessUpdate(diff []byte) Message {
	return newPayloadMessage(AwarenessUpdate, diff)
}

func NewDocumentDeleted() Message {
	return Message{Type: DocumentDeleted}
}

func NewServerVersionUpdated() Message {
	return Message{Type: ServerVersionUpdated}
}
