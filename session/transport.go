package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/burntcarrot/padsync/commons"
)

// Transport is a bidirectional, ordered byte-message channel for one connection.
// Sessions never know which implementation backs them.
type Transport interface {
	// Send writes a single frame.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next frame arrives. Once the channel is closed
	// it returns an error; a *CloseError when the peer sent a close code.
	Receive(ctx context.Context) ([]byte, error)

	// Close terminates the channel, reporting reason to the peer.
	Close(reason commons.DisconnectReason) error
}

// CloseError is returned by Receive when the peer closed the connection.
type CloseError struct {
	Reason commons.DisconnectReason
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", int(e.Reason), e.Reason)
}

var ErrTransportClosed = errors.New("transport closed")

// loopbackBuffer bounds the number of frames in flight in each direction.
const loopbackBuffer = 1024

// Loopback is an in-process transport. Frames sent on one end are received on
// the other.
type Loopback struct {
	in   chan []byte
	peer *Loopback

	closed *loopbackState
}

type loopbackState struct {
	mu     sync.Mutex
	done   chan struct{}
	reason commons.DisconnectReason
	closer *Loopback
}

// NewLoopback returns the two connected ends of an in-process transport.
func NewLoopback() (*Loopback, *Loopback) {
	state := &loopbackState{done: make(chan struct{})}
	a := &Loopback{in: make(chan []byte, loopbackBuffer), closed: state}
	b := &Loopback{in: make(chan []byte, loopbackBuffer), closed: state}
	a.peer, b.peer = b, a
	return a, b
}

func (l *Loopback) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.closed.done:
		return ErrTransportClosed
	default:
	}

	b := append([]byte(nil), frame...)
	select {
	case l.peer.in <- b:
		return nil
	case <-l.closed.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns buffered frames before reporting the close.
func (l *Loopback) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-l.in:
		return frame, nil
	default:
	}

	select {
	case frame := <-l.in:
		return frame, nil
	case <-l.closed.done:
		select {
		case frame := <-l.in:
			return frame, nil
		default:
		}
		return nil, l.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loopback) closeError() error {
	l.closed.mu.Lock()
	defer l.closed.mu.Unlock()
	if l.closed.closer == l {
		return ErrTransportClosed
	}
	return &CloseError{Reason: l.closed.reason}
}

// Close closes both ends. Only the first call's reason is kept.
func (l *Loopback) Close(reason commons.DisconnectReason) error {
	l.closed.mu.Lock()
	defer l.closed.mu.Unlock()
	select {
	case <-l.closed.done:
		return nil
	default:
	}
	l.closed.reason = reason
	l.closed.closer = l
	close(l.closed.done)
	return nil
}

// Closed reports whether either end closed the transport, and with which reason.
func (l *Loopback) Closed() (commons.DisconnectReason, bool) {
	l.closed.mu.Lock()
	defer l.closed.mu.Unlock()
	select {
	case <-l.closed.done:
		return l.closed.reason, true
	default:
		return 0, false
	}
}
