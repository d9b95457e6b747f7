// Package transport provides the persistent, ordered, duplex channels that carry encoded
// envelopes between the authority and its replicas.
//
// Two implementations exist:
//
//   - WebSocket: one WebSocket message per envelope (nhooyr.io/websocket). This is what
//     the server mounts on an HTTP listener and what clients dial.
//   - Stream: length-prefixed protocol frames over any net.Conn, with optional heartbeats.
//     Used for raw TCP listeners and, through Pipe, for in-process tests.
//
// Both deliver messages in send order and never interleave two messages.
package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"nhooyr.io/websocket"
)

// ErrClosed is returned by Send and Recv after Close.
var ErrClosed = errors.New("transport: channel closed")

// Channel is an ordered, message-oriented duplex connection.
//
// Send may be called from one goroutine while another goroutine is blocked in Recv.
// Implementations serialize concurrent Send calls themselves.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// IsClosed reports whether err means the peer or the local side closed the channel in an
// orderly way, as opposed to a protocol or I/O failure worth logging.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
