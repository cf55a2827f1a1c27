package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/presence"
	"github.com/burntcarrot/padsync/replica"
	"github.com/burntcarrot/padsync/session"
	"github.com/burntcarrot/padsync/tui"
)

// outcome is how one connection to the server ended.
type outcome struct {
	dialErr  error
	synced   bool
	deleted  bool
	upgraded bool
	reason   commons.DisconnectReason
}

// next decides whether the client reconnects after o, and what to tell the user.
func next(o outcome) (reconnect bool, message string) {
	switch {
	case o.dialErr != nil:
		return true, "server unreachable"
	case o.deleted:
		return false, "The document was deleted."
	case o.upgraded:
		return true, "server updated"
	case o.reason == commons.ReasonUserNotPermitted:
		return false, "You are not permitted to open this document."
	case o.reason.Retryable():
		return true, fmt.Sprintf("disconnected (%s)", o.reason)
	}
	return true, "connection lost"
}

// client owns the local replica and the session currently carrying it to
// the server. The replica outlives sessions, so offline edits merge on the
// next handshake.
type client struct {
	flags Flags
	log   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan tea.Msg

	mu      sync.Mutex
	replica *replica.Replica
	session *session.Session
}

func newClient(flags Flags, log *logrus.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{flags: flags, log: log, ctx: ctx, cancel: cancel, events: make(chan tea.Msg, 64)}
}

func (c *client) getReplica() *replica.Replica {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica
}

func (c *client) getSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *client) setSession(s *session.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Content implements tui.Source.
func (c *client) Content() string {
	rep := c.getReplica()
	if rep == nil {
		return ""
	}
	return rep.Content()
}

// Users implements tui.Source.
func (c *client) Users() []presence.User {
	rep := c.getReplica()
	if rep == nil {
		return nil
	}
	return rep.Users()
}

// notify queues msg for the terminal UI. It never blocks once the client
// is stopped, since the program no longer reads messages then.
func (c *client) notify(msg tea.Msg) {
	select {
	case c.events <- msg:
	case <-c.ctx.Done():
	}
}

// forward hands queued messages to program until the client stops.
func (c *client) forward(program *tea.Program) {
	for {
		select {
		case msg := <-c.events:
			program.Send(msg)
		case <-c.ctx.Done():
			return
		}
	}
}

// login creates the replica for name and starts syncing it.
func (c *client) login(name string) {
	rep := replica.New(presence.User{DisplayName: name})
	rep.OnChange = func() { c.notify(tui.RefreshMsg{}) }

	c.mu.Lock()
	c.replica = rep
	c.mu.Unlock()

	go c.run(name)
}

// edit applies a local edit to the replica and forwards it to the server.
func (c *client) edit(e tui.Edit) {
	rep := c.getReplica()
	if rep == nil {
		return
	}

	if e.Deleted > 0 {
		msg, err := rep.Delete(e.Index, e.Deleted)
		c.sendUpdate(msg)
		if err != nil {
			c.log.WithError(err).Error("delete failed")
			return
		}
	}
	if e.Inserted != "" {
		msg, err := rep.Insert(e.Index, e.Inserted)
		c.sendUpdate(msg)
		if err != nil {
			c.log.WithError(err).Error("insert failed")
			return
		}
	}
	c.send(rep.SetCursor(&presence.Cursor{From: e.Cursor()}, true))

	printDoc(c.log, c.flags.Debug, rep)
}

// send forwards msg on the current session. Without one the change stays in
// the replica and reaches the server with the next handshake.
func (c *client) send(msg commons.Message) {
	s := c.getSession()
	if s == nil {
		c.log.WithField("type", msg.Type).Debug("offline, keeping change local")
		return
	}
	if err := s.Send(msg); err != nil {
		c.log.WithError(err).Warn("sending message")
	}
}

// sendUpdate sends msg unless the edit changed nothing.
func (c *client) sendUpdate(msg commons.Message) {
	if msg.Type == commons.DocumentUpdate {
		c.send(msg)
	}
}

// run keeps the replica connected until the user quits or the server ends
// the document for good.
func (c *client) run(name string) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	for {
		o := c.connect(name)
		if c.ctx.Err() != nil {
			return
		}

		reconnect, message := next(o)
		if !reconnect {
			c.notify(tui.QuitMsg{Reason: message})
			return
		}

		if o.synced || o.upgraded {
			b.Reset()
		}
		wait := time.Duration(0)
		if !o.upgraded {
			wait = b.NextBackOff()
		}
		c.log.WithFields(logrus.Fields{"reason": message, "wait": wait}).Info("reconnecting")
		c.notify(tui.StatusMsg(fmt.Sprintf("%s, reconnecting in %s", message, wait.Round(time.Second))))

		select {
		case <-time.After(wait):
		case <-c.ctx.Done():
			return
		}
	}
}

// connect runs a single session against the server until it closes.
func (c *client) connect(name string) outcome {
	rep := c.getReplica()

	conn, _, err := createConn(c.flags, name)
	if err != nil {
		c.log.WithError(err).Warn("connection failed")
		return outcome{dialErr: err}
	}

	var synced, deleted, upgraded atomic.Bool
	var s *session.Session

	cfg := session.DefaultConfig()
	cfg.Logger = c.log
	cfg.Hooks = session.Hooks{
		OnStateChange: func(state session.State) {
			if state == session.StateSynced {
				synced.Store(true)
			}
			c.notify(tui.StatusMsg(state.String()))
		},
		OnDocumentDeleted: func() {
			deleted.Store(true)
		},
		OnServerVersionUpdated: func() {
			// Reconnect so the next session speaks to the new version.
			upgraded.Store(true)
			s.Finish(commons.ReasonOK)
		},
	}

	s = session.New(session.NewWebsocketTransport(conn), rep, cfg)
	c.setSession(s)
	defer c.setSession(nil)

	if err := s.Run(c.ctx); err != nil {
		c.log.WithError(err).Debug("session ended")
	}

	return outcome{
		synced:   synced.Load(),
		deleted:  deleted.Load(),
		upgraded: upgraded.Load(),
		reason:   s.Reason(),
	}
}

// stop ends the current session and the reconnect loop.
func (c *client) stop() {
	c.cancel()
	if s := c.getSession(); s != nil {
		s.Close(commons.ReasonOK)
	}
}
