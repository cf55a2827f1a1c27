package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burntcarrot/padsync/commons"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 10 * time.Second

// WebsocketTransport adapts a gorilla websocket connection to Transport.
// Frames travel as binary messages.
type WebsocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebsocketTransport wraps conn. Inbound messages larger than
// commons.MaxFrameSize are refused before they are buffered.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	conn.SetReadLimit(int64(commons.MaxFrameSize))
	return &WebsocketTransport{conn: conn, writeTimeout: DefaultWriteTimeout}
}

func (t *WebsocketTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Receive ignores ctx; closing the transport unblocks it.
func (t *WebsocketTransport) Receive(_ context.Context) ([]byte, error) {
	for {
		kind, frame, err := t.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, &commons.DecodeError{Reason: "frame exceeds size limit", Err: err}
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Reason: commons.DisconnectReason(ce.Code)}
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return frame, nil
		}
	}
}

// Close sends a close frame carrying reason and closes the connection.
func (t *WebsocketTransport) Close(reason commons.DisconnectReason) error {
	var err error
	t.closeOnce.Do(func() {
		// WriteControl may run concurrently with a blocked Send.
		msg := websocket.FormatCloseMessage(int(reason), reason.String())
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
