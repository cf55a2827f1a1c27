package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/crdt"
	"github.com/burntcarrot/padsync/presence"
	"github.com/burntcarrot/padsync/replica"
	"github.com/burntcarrot/padsync/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// stubBackend accepts everything, except updates when applyErr is set.
type stubBackend struct {
	applyErr error
}

func (b *stubBackend) StateVector() ([]byte, error) { return []byte{0}, nil }

func (b *stubBackend) EncodeStateAsUpdate([]byte) ([]byte, error) { return []byte{0}, nil }

func (b *stubBackend) ApplyUpdate([]byte) error { return b.applyErr }

func (b *stubBackend) AnswerAwareness(reply func(presence.Diff) error) error {
	return reply(presence.Diff{Full: true})
}

func (b *stubBackend) ApplyAwareness(presence.Diff) error { return nil }

// stateLog records the states a session goes through.
type stateLog struct {
	mu     sync.Mutex
	states []session.State
}

func (l *stateLog) record(s session.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.State(nil), l.states...)
}

func config(authoritative bool, caps session.Capabilities) session.Config {
	cfg := session.DefaultConfig()
	cfg.Authoritative = authoritative
	cfg.Capabilities = caps
	cfg.Logger = discardLogger()
	return cfg
}

// run starts s and returns a channel receiving the error Run returned.
func run(t *testing.T, s *session.Session) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

// closeReason drains end until the session closes it.
func closeReason(t *testing.T, end *session.Loopback) commons.DisconnectReason {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		_, err := end.Receive(ctx)
		if err == nil {
			continue
		}
		var ce *session.CloseError
		require.True(t, errors.As(err, &ce), "unexpected error %v", err)
		return ce.Reason
	}
}

func send(t *testing.T, end *session.Loopback, frame []byte) {
	t.Helper()
	require.NoError(t, end.Send(context.Background(), frame))
}

func TestHandshake(t *testing.T) {
	doc := crdt.New()
	_, err := doc.Insert(0, "hello")
	require.NoError(t, err)
	server := replica.NewWithDocument(doc, presence.User{DisplayName: "server"})
	client := replica.New(presence.User{DisplayName: "client"})

	serverEnd, clientEnd := session.NewLoopback()
	var serverStates, clientStates stateLog

	serverCfg := config(true, session.Capabilities{Read: true, Write: true})
	serverCfg.Hooks.OnStateChange = serverStates.record
	clientCfg := config(false, session.Capabilities{Read: true, Write: true})
	clientCfg.Hooks.OnStateChange = clientStates.record

	srv := session.New(serverEnd, server, serverCfg)
	cli := session.New(clientEnd, client, clientCfg)
	run(t, srv)
	run(t, cli)

	require.Eventually(t, func() bool { return cli.State() == session.StateSynced }, waitFor, tick)
	assert.Equal(t, "hello", client.Content())

	synced := []session.State{session.StateAwaitingInitialSync, session.StateSynced}
	assert.Equal(t, synced, serverStates.get())
	assert.Equal(t, synced, clientStates.get())
	assert.Equal(t, session.StateSynced, srv.State())
}

func TestClientWaitsForAnswer(t *testing.T) {
	end, peer := session.NewLoopback()
	s := session.New(end, &stubBackend{}, config(false, session.Capabilities{Read: true, Write: true}))
	run(t, s)

	// The client answers the peer's request but still lacks the peer's answer.
	send(t, peer, commons.Encode(commons.NewStateRequest([]byte{0})))
	require.Eventually(t, func() bool { return s.State() == session.StateAwaitingInitialSync }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.StateAwaitingInitialSync, s.State())

	send(t, peer, commons.Encode(commons.NewStateAnswer([]byte{0})))
	require.Eventually(t, func() bool { return s.State() == session.StateSynced }, waitFor, tick)
}

func TestCloseReasons(t *testing.T) {
	readWrite := session.Capabilities{Read: true, Write: true}
	readOnly := session.Capabilities{Read: true}
	gone := fmt.Errorf("room gone: %w", commons.ErrSessionNotFound)

	tests := []struct {
		description string
		caps        session.Capabilities
		applyErr    error
		frame       []byte
		expected    commons.DisconnectReason
	}{
		{
			description: "unknown type",
			caps:        readWrite,
			frame:       []byte{0x7f, 0x01, 0x02},
			expected:    commons.ReasonInternalError,
		},
		{
			description: "truncated payload",
			caps:        readWrite,
			frame:       []byte{byte(commons.DocumentUpdate), 0x05, 0x01},
			expected:    commons.ReasonInternalError,
		},
		{
			description: "update from read-only participant",
			caps:        readOnly,
			frame:       commons.Encode(commons.NewDocumentUpdate([]byte{0})),
			expected:    commons.ReasonUserNotPermitted,
		},
		{
			description: "engine rejects update",
			caps:        readWrite,
			applyErr:    errors.New("bad update"),
			frame:       commons.Encode(commons.NewDocumentUpdate([]byte{0})),
			expected:    commons.ReasonInternalError,
		},
		{
			description: "room no longer exists",
			caps:        readWrite,
			applyErr:    gone,
			frame:       commons.Encode(commons.NewDocumentUpdate([]byte{0})),
			expected:    commons.ReasonSessionNotFound,
		},
		{
			description: "deletion sent by a participant",
			caps:        readWrite,
			frame:       commons.Encode(commons.NewDocumentDeleted()),
			expected:    commons.ReasonInternalError,
		},
		{
			description: "malformed awareness diff",
			caps:        readWrite,
			frame:       commons.Encode(commons.NewAwarenessUpdate([]byte{0x07})),
			expected:    commons.ReasonInternalError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			end, peer := session.NewLoopback()
			s := session.New(end, &stubBackend{applyErr: tc.applyErr}, config(true, tc.caps))
			done := run(t, s)

			send(t, peer, tc.frame)
			assert.Equal(t, tc.expected, closeReason(t, peer))
			assert.Equal(t, tc.expected, s.Reason())
			assert.Equal(t, session.StateClosed, s.State())

			select {
			case err := <-done:
				assert.Error(t, err)
			case <-time.After(waitFor):
				t.Fatal("Run did not return")
			}
		})
	}
}

func TestReadOnlyAnswerIsDiscarded(t *testing.T) {
	end, peer := session.NewLoopback()
	backend := &stubBackend{applyErr: errors.New("must not be applied")}
	s := session.New(end, backend, config(true, session.Capabilities{Read: true}))
	run(t, s)

	send(t, peer, commons.Encode(commons.NewStateAnswer([]byte{0})))
	send(t, peer, commons.Encode(commons.NewAwarenessRequest()))

	// The awareness answer proves the state answer was processed without closing.
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		frame, err := peer.Receive(ctx)
		require.NoError(t, err)
		msg, err := commons.Decode(frame)
		require.NoError(t, err)
		if msg.Type == commons.AwarenessUpdate {
			break
		}
	}
	assert.Equal(t, session.StateSynced, s.State())
}

func TestDocumentDeletedClosesClient(t *testing.T) {
	end, peer := session.NewLoopback()
	deleted := make(chan struct{})
	cfg := config(false, session.Capabilities{Read: true, Write: true})
	cfg.Hooks.OnDocumentDeleted = func() { close(deleted) }
	s := session.New(end, &stubBackend{}, cfg)
	done := run(t, s)

	send(t, peer, commons.Encode(commons.NewDocumentDeleted()))

	select {
	case <-deleted:
	case <-time.After(waitFor):
		t.Fatal("OnDocumentDeleted not called")
	}
	assert.NoError(t, <-done)
	assert.Equal(t, session.StateClosed, s.State())
	assert.Equal(t, commons.ReasonOK, s.Reason())
}

func TestServerVersionUpdatedOnlySignals(t *testing.T) {
	end, peer := session.NewLoopback()
	updated := make(chan struct{}, 1)
	cfg := config(false, session.Capabilities{Read: true, Write: true})
	cfg.Hooks.OnServerVersionUpdated = func() { updated <- struct{}{} }
	s := session.New(end, &stubBackend{}, cfg)
	run(t, s)

	send(t, peer, commons.Encode(commons.NewServerVersionUpdated()))

	select {
	case <-updated:
	case <-time.After(waitFor):
		t.Fatal("OnServerVersionUpdated not called")
	}
	assert.NotEqual(t, session.StateClosed, s.State())
}

func TestPeerCloseReason(t *testing.T) {
	end, peer := session.NewLoopback()
	var closedWith commons.DisconnectReason
	closed := make(chan struct{})
	cfg := config(false, session.Capabilities{Read: true, Write: true})
	cfg.Hooks.OnClose = func(r commons.DisconnectReason) {
		closedWith = r
		close(closed)
	}
	s := session.New(end, &stubBackend{}, cfg)
	done := run(t, s)

	// Let the handshake requests go out before the peer hangs up.
	for i := 0; i < 2; i++ {
		_, err := peer.Receive(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, peer.Close(commons.ReasonUserNotPermitted))

	err := <-done
	var ce *session.CloseError
	require.True(t, errors.As(err, &ce), "unexpected error %v", err)
	assert.Equal(t, commons.ReasonUserNotPermitted, ce.Reason)
	<-closed
	assert.Equal(t, commons.ReasonUserNotPermitted, closedWith)
	assert.Equal(t, commons.ReasonUserNotPermitted, s.Reason())
}

func TestFramesAfterCloseAreIgnored(t *testing.T) {
	end, _ := session.NewLoopback()
	s := session.New(end, &stubBackend{}, config(true, session.Capabilities{Read: true, Write: true}))
	s.Close(commons.ReasonOK)

	assert.NoError(t, s.Handle([]byte{0x7f}))
	assert.ErrorIs(t, s.Send(commons.NewAwarenessRequest()), session.ErrClosed)
	assert.Equal(t, commons.ReasonOK, s.Reason())

	// Only the first close counts.
	s.Close(commons.ReasonInternalError)
	assert.Equal(t, commons.ReasonOK, s.Reason())
}

func TestDeliverOutboxFull(t *testing.T) {
	end, _ := session.NewLoopback()
	cfg := config(true, session.Capabilities{Read: true, Write: true})
	cfg.OutboxSize = 2
	s := session.New(end, &stubBackend{}, cfg)

	frame := commons.Encode(commons.NewAwarenessRequest())
	require.NoError(t, s.Deliver(frame))
	require.NoError(t, s.Deliver(frame))
	assert.ErrorIs(t, s.Deliver(frame), session.ErrOutboxFull)
}

func TestFinishFlushesQueuedFrames(t *testing.T) {
	end, peer := session.NewLoopback()
	s := session.New(end, &stubBackend{}, config(true, session.Capabilities{Read: true, Write: true}))
	run(t, s)
	require.Eventually(t, func() bool { return s.State() == session.StateSynced }, waitFor, tick)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(commons.NewDocumentUpdate([]byte{byte(i)})))
	}
	s.Finish(commons.ReasonOK)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var updates int
	for {
		frame, err := peer.Receive(ctx)
		if err != nil {
			var ce *session.CloseError
			require.True(t, errors.As(err, &ce), "unexpected error %v", err)
			assert.Equal(t, commons.ReasonOK, ce.Reason)
			break
		}
		msg, err := commons.Decode(frame)
		require.NoError(t, err)
		if msg.Type == commons.DocumentUpdate {
			updates++
		}
	}
	assert.Equal(t, 3, updates)
}

func TestRunWithoutBackend(t *testing.T) {
	end, peer := session.NewLoopback()
	s := session.New(end, nil, config(true, session.Capabilities{Read: true, Write: true}))
	done := run(t, s)

	assert.ErrorIs(t, <-done, session.ErrNotBound)
	assert.Equal(t, commons.ReasonInternalError, closeReason(t, peer))
}

// stallingTransport blocks its first Send until release is closed.
type stallingTransport struct {
	inbound chan []byte
	stalled chan struct{}
	release chan struct{}
	closed  chan struct{}

	mu     sync.Mutex
	sent   int
	reason commons.DisconnectReason
	once   sync.Once
}

func newStallingTransport() *stallingTransport {
	return &stallingTransport{
		inbound: make(chan []byte, 1),
		stalled: make(chan struct{}),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (t *stallingTransport) Send(ctx context.Context, _ []byte) error {
	t.mu.Lock()
	first := t.sent == 0
	t.mu.Unlock()
	if first {
		close(t.stalled)
		select {
		case <-t.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	return nil
}

func (t *stallingTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.closed:
		return nil, session.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *stallingTransport) Close(reason commons.DisconnectReason) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func TestFinishDuringSlowSendClosesTransport(t *testing.T) {
	for i := 0; i < 50; i++ {
		tr := newStallingTransport()
		s := session.New(tr, &stubBackend{}, config(true, session.Capabilities{Read: true, Write: true}))
		done := run(t, s)

		<-tr.stalled
		s.Finish(commons.ReasonOK)
		// Run returns once it sees the closed state after this frame.
		tr.inbound <- commons.Encode(commons.NewAwarenessRequest())
		time.Sleep(time.Millisecond)
		close(tr.release)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Run did not return")
		}

		// Run only returns after the writer flushed and closed the transport.
		select {
		case <-tr.closed:
		default:
			t.Fatalf("run %d: transport left open after Finish", i)
		}
		tr.mu.Lock()
		assert.Equal(t, 2, tr.sent, "both handshake frames are written")
		assert.Equal(t, commons.ReasonOK, tr.reason)
		tr.mu.Unlock()
	}
}
