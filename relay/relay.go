// Package relay carries room events between server instances that host the
// same documents, so sessions connected to different instances converge.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/burntcarrot/padsync/wire"
)

// Kind is the type of a relayed event.
type Kind byte

const (
	// KindUpdate carries a document update delta.
	KindUpdate Kind = iota + 1
	// KindDocumentDeleted carries no payload.
	KindDocumentDeleted
	// KindStateRequest carries the state vector of a newly created room.
	// Instances hosting the document answer with a KindUpdate.
	KindStateRequest
)

func (k Kind) valid() bool {
	return k >= KindUpdate && k <= KindStateRequest
}

// Message is a room event published by one instance.
type Message struct {
	Origin  string
	Kind    Kind
	Payload []byte
}

var ErrMalformedMessage = errors.New("relay: malformed message")

// Encode serializes a message: kind byte, origin, payload.
func Encode(m Message) []byte {
	e := wire.NewEncoder()
	e.WriteByte(byte(m.Kind))
	e.WriteString(m.Origin)
	e.WriteLenBytes(m.Payload)
	return e.Bytes()
}

func Decode(b []byte) (Message, error) {
	d := wire.NewDecoder(b)
	kind, err := d.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !Kind(kind).valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, kind)
	}
	origin, err := d.ReadString()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	payload, err := d.ReadLenBytes()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := d.Done(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return Message{Origin: origin, Kind: Kind(kind), Payload: payload}, nil
}

// Subscription stops delivery when closed.
type Subscription interface {
	Close() error
}

// Relay publishes room events and delivers the events other instances publish.
// Handlers never see messages whose Origin is the relay's own.
type Relay interface {
	Origin() string
	Publish(ctx context.Context, documentID string, m Message) error
	Subscribe(ctx context.Context, documentID string, handler func(Message)) (Subscription, error)
}

// Bus is an in-process message bus. Each Local relay attached to it behaves as
// a separate instance.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*localSub]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*localSub]struct{})}
}

type localSub struct {
	bus        *Bus
	documentID string
	origin     string
	handler    func(Message)
}

func (s *localSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.documentID], s)
	if len(s.bus.subs[s.documentID]) == 0 {
		delete(s.bus.subs, s.documentID)
	}
	return nil
}

// Local is a Relay backed by a Bus.
type Local struct {
	bus    *Bus
	origin string
}

// Attach returns a relay for a new instance on the bus.
func (b *Bus) Attach() *Local {
	return &Local{bus: b, origin: uuid.New().String()}
}

func (l *Local) Origin() string {
	return l.origin
}

// Publish delivers m synchronously to the subscribers of other instances.
func (l *Local) Publish(_ context.Context, documentID string, m Message) error {
	m.Origin = l.origin

	l.bus.mu.Lock()
	var handlers []func(Message)
	for sub := range l.bus.subs[documentID] {
		if sub.origin != l.origin {
			handlers = append(handlers, sub.handler)
		}
	}
	l.bus.mu.Unlock()

	for _, h := range handlers {
		h(Message{Origin: m.Origin, Kind: m.Kind, Payload: append([]byte(nil), m.Payload...)})
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, documentID string, handler func(Message)) (Subscription, error) {
	sub := &localSub{bus: l.bus, documentID: documentID, origin: l.origin, handler: handler}

	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	if l.bus.subs[documentID] == nil {
		l.bus.subs[documentID] = make(map[*localSub]struct{})
	}
	l.bus.subs[documentID][sub] = struct{}{}
	return sub, nil
}
