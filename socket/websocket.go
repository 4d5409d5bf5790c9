package socket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pgavlin/wharf/wasi"
)

// webSocket carries discrete binary messages over an established
// WebSocket connection. Message boundaries are preserved: like UDP, a
// short read truncates and discards the rest of the message.
type webSocket struct {
	conn *websocket.Conn
}

// NewWebSocket dials url and wraps the connection as a socket.
func NewWebSocket(ctx context.Context, url string, headers http.Header) (*InodeSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &InodeSocket{kind: &webSocket{conn: conn}}, nil
}

// WrapWebSocket wraps an already-established connection, e.g. one
// accepted server-side.
func WrapWebSocket(conn *websocket.Conn) *InodeSocket {
	return &InodeSocket{kind: &webSocket{conn: conn}}
}

func (w *webSocket) send(data []byte) (int, wasi.Errno) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, wasi.ErrnoIo
	}
	return len(data), wasi.ErrnoSuccess
}

func (w *webSocket) fill() ([]byte, wasi.Errno) {
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return nil, wasi.ErrnoIo
	}
	return msg, wasi.ErrnoSuccess
}
