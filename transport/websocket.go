package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// WebSocket carries one envelope per WebSocket text message.
type WebSocket struct {
	conn *websocket.Conn
}

// NewWebSocket wraps an established connection. maxMessageBytes bounds incoming messages
// (the library default of 32 KiB is far too small for full state syncs); 0 keeps the default.
func NewWebSocket(conn *websocket.Conn, maxMessageBytes int64) *WebSocket {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	return &WebSocket{conn: conn}
}

// AcceptWebSocket upgrades an HTTP request.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions, maxMessageBytes int64) (*WebSocket, error) {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket accept: %w", err)
	}
	return NewWebSocket(conn, maxMessageBytes), nil
}

// DialWebSocket opens a client connection to url.
func DialWebSocket(ctx context.Context, url string, header http.Header, maxMessageBytes int64) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return NewWebSocket(conn, maxMessageBytes), nil
}

func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *WebSocket) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// CloseWith closes the connection with an explicit status, e.g. StatusPolicyViolation for a
// consumer that fell too far behind.
func (w *WebSocket) CloseWith(code websocket.StatusCode, reason string) error {
	return w.conn.Close(code, reason)
}
