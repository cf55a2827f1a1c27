// Package session implements the per-connection synchronization state machine.
//
// A session starts in StateConnecting, requests the peer's document and
// awareness state, waits in StateAwaitingInitialSync until a full-state answer
// has been both sent and received, and then stays in StateSynced until it is
// closed. An authoritative (server) session has no peer to wait for and enters
// StateSynced as soon as its requests are sent.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/presence"
)

// State is a session's position in the synchronization state machine.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingInitialSync
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingInitialSync:
		return "AWAITING_INITIAL_SYNC"
	case StateSynced:
		return "SYNCED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Capabilities is what an admitted participant may do with the document.
type Capabilities struct {
	Read  bool
	Write bool
}

// Backend is the document and presence state a session synchronizes.
// On a server it is the shared room; on a client, the local replica.
type Backend interface {
	StateVector() ([]byte, error)
	EncodeStateAsUpdate(vector []byte) ([]byte, error)
	ApplyUpdate(update []byte) error

	// AnswerAwareness calls reply with the presence diff answering a
	// COMPLETE_AWARENESS_STATE_REQUEST. A backend shared by several sessions
	// calls reply while its presence state is locked, so the answer is queued
	// in order with the diffs it broadcasts.
	AnswerAwareness(reply func(presence.Diff) error) error
	ApplyAwareness(diff presence.Diff) error
}

// Hooks are optional callbacks through which a session signals events upward.
// They run on the goroutine that caused the event and must not block.
type Hooks struct {
	OnStateChange          func(State)
	OnDocumentDeleted      func()
	OnServerVersionUpdated func()
	OnClose                func(commons.DisconnectReason)
}

// Config parameterizes a session.
type Config struct {
	// Authoritative sessions run on the server: they enter StateSynced right
	// after the handshake requests and enforce Capabilities on inbound updates.
	Authoritative bool

	Capabilities Capabilities

	// OutboxSize bounds the frames queued for the transport.
	OutboxSize int

	// FlushTimeout bounds how long a graceful close waits for queued frames.
	FlushTimeout time.Duration

	Logger logrus.FieldLogger
	Hooks  Hooks
}

// DefaultConfig returns the configuration of a client session with full capabilities.
func DefaultConfig() Config {
	return Config{
		Capabilities: Capabilities{Read: true, Write: true},
		OutboxSize:   256,
		FlushTimeout: 5 * time.Second,
		Logger:       logrus.StandardLogger(),
	}
}

var (
	ErrClosed            = errors.New("session closed")
	ErrOutboxFull        = errors.New("session outbox full")
	ErrNotBound          = errors.New("session has no backend")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// EngineApplyError reports that the backend rejected an update or state vector.
type EngineApplyError struct {
	Err error
}

func (e *EngineApplyError) Error() string {
	return "apply to document engine: " + e.Err.Error()
}

func (e *EngineApplyError) Unwrap() error {
	return e.Err
}

// Session is one connected participant's protocol state machine.
type Session struct {
	id        string
	transport Transport
	cfg       Config
	log       logrus.FieldLogger

	mu             sync.Mutex
	backend        Backend
	answerSent     bool
	answerReceived bool

	state   atomic.Int32
	outbox  chan []byte
	running atomic.Bool

	closeOnce     sync.Once
	transportOnce sync.Once
	stop          chan struct{}
	graceful      bool
	reason        commons.DisconnectReason
}

// New creates a session with a random ID. The session needs a backend, given
// here or later through Bind, before Run is called.
func New(transport Transport, backend Backend, cfg Config) *Session {
	return NewWithID(uuid.New().String(), transport, backend, cfg)
}

func NewWithID(id string, transport Transport, backend Backend, cfg Config) *Session {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultConfig().OutboxSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Session{
		id:        id,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.WithField("session", id),
		backend:   backend,
		outbox:    make(chan []byte, cfg.OutboxSize),
		stop:      make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Capabilities() Capabilities {
	return s.cfg.Capabilities
}

// Reason returns the reason the session was closed with.
func (s *Session) Reason() commons.DisconnectReason {
	<-s.stop
	return s.reason
}

// Done is closed once the session enters StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.stop
}

// Bind sets the backend the session synchronizes.
func (s *Session) Bind(b Backend) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// SetHooks replaces the session's hooks. It must be called before Run.
func (s *Session) SetHooks(h Hooks) {
	s.mu.Lock()
	s.cfg.Hooks = h
	s.mu.Unlock()
}

// Hooks returns the session's current hooks.
func (s *Session) Hooks() Hooks {
	return s.hooks()
}

func (s *Session) hooks() Hooks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Hooks
}

func (s *Session) getBackend() (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil, ErrNotBound
	}
	return s.backend, nil
}

// setState moves the session forward. CLOSED is terminal and states never go back.
func (s *Session) setState(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.log.WithField("state", next.String()).Debug("session state changed")
			if h := s.hooks().OnStateChange; h != nil {
				h(next)
			}
			return true
		}
	}
}

// Run performs the handshake and processes inbound frames until the session
// is closed. It returns the error that terminated the session, or nil when it
// was closed by either side without a fault.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == StateClosed {
		s.closeTransport()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.running.Store(true)
	writer := make(chan struct{})
	go func() {
		defer close(writer)
		s.writeLoop(ctx)
	}()
	// Every return below follows a close, so the writer is already finishing.
	defer s.awaitWriter(writer)

	if err := s.start(); err != nil {
		s.fail(err)
		return err
	}

	for {
		frame, err := s.transport.Receive(ctx)
		if err != nil {
			return s.receiveFailed(err)
		}

		if err := s.Handle(frame); err != nil {
			s.fail(err)
			return err
		}
		if s.State() == StateClosed {
			return nil
		}
	}
}

// awaitWriter waits for the write loop to flush and close the transport. A
// writer stuck in Send past FlushTimeout is cut off by closing the transport.
func (s *Session) awaitWriter(writer <-chan struct{}) {
	select {
	case <-writer:
	case <-time.After(s.cfg.FlushTimeout):
		s.log.Debug("write loop did not finish, closing transport")
		s.closeTransport()
		<-writer
	}
	s.closeTransport()
}

func (s *Session) receiveFailed(err error) error {
	select {
	case <-s.stop:
		// Closed locally; the transport error is a consequence.
		return nil
	default:
	}

	var de *commons.DecodeError
	if errors.As(err, &de) {
		s.fail(err)
		return err
	}

	var ce *CloseError
	if errors.As(err, &ce) {
		s.log.WithField("reason", ce.Reason.String()).Debug("peer closed connection")
		s.Close(ce.Reason)
		if ce.Reason == commons.ReasonOK {
			return nil
		}
		return err
	}

	s.log.WithError(err).Debug("transport failed")
	s.Close(commons.ReasonOK)
	return err
}

// start sends the handshake requests.
func (s *Session) start() error {
	b, err := s.getBackend()
	if err != nil {
		return err
	}
	vector, err := b.StateVector()
	if err != nil {
		return &EngineApplyError{Err: err}
	}

	if err := s.Send(commons.NewStateRequest(vector)); err != nil {
		return err
	}
	if err := s.Send(commons.NewAwarenessRequest()); err != nil {
		return err
	}
	s.setState(StateAwaitingInitialSync)

	if s.cfg.Authoritative {
		s.setState(StateSynced)
	}
	return nil
}

// Handle processes one inbound frame. Frames arriving after the session is
// closed are ignored. A returned error must terminate the session with
// commons.ReasonFor(err).
func (s *Session) Handle(frame []byte) error {
	if s.State() == StateClosed {
		return nil
	}

	msg, err := commons.Decode(frame)
	if err != nil {
		return err
	}

	b, err := s.getBackend()
	if err != nil {
		return err
	}

	log := s.log.WithField("type", msg.Type.String())
	log.Trace("message received")

	switch msg.Type {
	case commons.CompleteDocumentStateRequest:
		update, err := b.EncodeStateAsUpdate(msg.Payload)
		if err != nil {
			return &EngineApplyError{Err: err}
		}
		if err := s.Send(commons.NewStateAnswer(update)); err != nil {
			return err
		}
		s.mu.Lock()
		s.answerSent = true
		s.mu.Unlock()
		s.checkSynced()

	case commons.CompleteDocumentStateAnswer:
		if s.cfg.Authoritative && !s.cfg.Capabilities.Write {
			log.Debug("discarding state answer from read-only participant")
		} else if err := s.apply(b, msg.Payload); err != nil {
			return err
		}
		s.mu.Lock()
		s.answerReceived = true
		s.mu.Unlock()
		s.checkSynced()

	case commons.DocumentUpdate:
		if s.cfg.Authoritative && !s.cfg.Capabilities.Write {
			return fmt.Errorf("document update from read-only participant: %w", commons.ErrNotPermitted)
		}
		return s.apply(b, msg.Payload)

	case commons.CompleteAwarenessStateRequest:
		return b.AnswerAwareness(func(diff presence.Diff) error {
			return s.Send(commons.NewAwarenessUpdate(presence.EncodeDiff(diff)))
		})

	case commons.AwarenessUpdate:
		diff, err := presence.DecodeDiff(msg.Payload)
		if err != nil {
			return &commons.DecodeError{Reason: "awareness diff", Err: err}
		}
		return b.ApplyAwareness(diff)

	case commons.DocumentDeleted:
		if s.cfg.Authoritative {
			return fmt.Errorf("%w: %s from participant", ErrUnexpectedMessage, msg.Type)
		}
		if h := s.hooks().OnDocumentDeleted; h != nil {
			h()
		}
		s.Close(commons.ReasonOK)

	case commons.ServerVersionUpdated:
		if s.cfg.Authoritative {
			return fmt.Errorf("%w: %s from participant", ErrUnexpectedMessage, msg.Type)
		}
		if h := s.hooks().OnServerVersionUpdated; h != nil {
			h()
		}
	}
	return nil
}

func (s *Session) apply(b Backend, update []byte) error {
	if err := b.ApplyUpdate(update); err != nil {
		// Permission and lookup failures keep their own disconnect reason.
		if errors.Is(err, commons.ErrNotPermitted) || errors.Is(err, commons.ErrSessionNotFound) {
			return err
		}
		return &EngineApplyError{Err: err}
	}
	return nil
}

func (s *Session) checkSynced() {
	s.mu.Lock()
	synced := s.answerSent && s.answerReceived
	s.mu.Unlock()
	if synced {
		s.setState(StateSynced)
	}
}

// Send encodes and queues a message.
func (s *Session) Send(msg commons.Message) error {
	return s.Deliver(commons.Encode(msg))
}

// Deliver queues an encoded frame without blocking. It fails with ErrOutboxFull
// when the peer is not draining its queue.
func (s *Session) Deliver(frame []byte) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// writeLoop owns the transport's write side. Once the session is closed it
// flushes the outbox if the close was graceful and always closes the transport.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.closeTransport()
	for {
		// A closed session wins over a cancelled context.
		select {
		case <-s.stop:
			if s.graceful {
				s.flush()
			}
			return
		default:
		}

		select {
		case frame := <-s.outbox:
			if err := s.transport.Send(ctx, frame); err != nil {
				s.log.WithError(err).Debug("write failed")
				s.Close(commons.ReasonOK)
				return
			}
		case <-s.stop:
		case <-ctx.Done():
			s.Close(commons.ReasonOK)
		}
	}
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	for {
		select {
		case frame := <-s.outbox:
			if err := s.transport.Send(ctx, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) fail(err error) {
	reason := commons.ReasonFor(err)
	s.log.WithError(err).WithField("reason", reason.String()).Warn("closing session")
	s.Close(reason)
}

func (s *Session) shutdown(reason commons.DisconnectReason, graceful bool) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.reason = reason
		s.graceful = graceful
		s.setState(StateClosed)
		close(s.stop)
	})
	return first
}

// Close terminates the session immediately and closes its transport with reason.
// Only the first call has an effect.
func (s *Session) Close(reason commons.DisconnectReason) {
	if !s.shutdown(reason, false) {
		return
	}
	s.closeTransport()
	s.closed()
}

// Finish terminates the session after the frames already queued have been
// written, then closes the transport with reason.
func (s *Session) Finish(reason commons.DisconnectReason) {
	if !s.shutdown(reason, true) {
		return
	}
	if !s.running.Load() {
		s.closeTransport()
	}
	s.closed()
}

func (s *Session) closeTransport() {
	s.transportOnce.Do(func() {
		if err := s.transport.Close(s.reason); err != nil {
			s.log.WithError(err).Debug("closing transport")
		}
	})
}

func (s *Session) closed() {
	s.log.WithField("reason", s.reason.String()).Info("session closed")
	if h := s.hooks().OnClose; h != nil {
		h(s.reason)
	}
}
