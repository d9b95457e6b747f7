package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"mini-sync/codec"
	"mini-sync/protocol"
)

// StreamChannel carries envelopes over a byte stream using protocol frames.
//
// A single TCP connection is a byte stream, so reads must be sequential to parse frame
// boundaries and whole frames must be written under a lock so two senders never
// interleave (req A's header + req B's body = corruption).
type StreamChannel struct {
	conn      net.Conn
	codecType byte
	maxBody   uint32
	sending   sync.Mutex // Write lock, held for one whole frame
	closeOnce sync.Once
	closed    chan struct{}
}

// StreamOption configures a StreamChannel.
type StreamOption func(*streamOptions)

type streamOptions struct {
	heartbeat time.Duration
	maxBody   uint32
}

// WithHeartbeat sends an empty heartbeat frame every interval so idle connections are
// not reaped by intermediaries and dead peers are noticed on the next write.
func WithHeartbeat(interval time.Duration) StreamOption {
	return func(o *streamOptions) { o.heartbeat = interval }
}

// WithMaxFrameBytes bounds the body size accepted by Recv.
func WithMaxFrameBytes(n uint32) StreamOption {
	return func(o *streamOptions) { o.maxBody = n }
}

// NewStreamChannel wraps conn. If a heartbeat is configured, a background goroutine keeps
// sending heartbeat frames until the channel is closed.
func NewStreamChannel(conn net.Conn, opts ...StreamOption) *StreamChannel {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}
	c := &StreamChannel{
		conn:      conn,
		codecType: protocol.CodecTypeJSON,
		maxBody:   o.maxBody,
		closed:    make(chan struct{}),
	}
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	return c
}

// Pipe returns two connected in-memory channels.
func Pipe() (*StreamChannel, *StreamChannel) {
	a, b := net.Pipe()
	return NewStreamChannel(a), NewStreamChannel(b)
}

func (c *StreamChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	header := protocol.Header{CodecType: c.codecType, Kind: protocol.FrameEnvelope}
	return protocol.Encode(c.conn, &header, data)
}

// Recv returns the next envelope frame, skipping heartbeats.
func (c *StreamChannel) Recv(ctx context.Context) ([]byte, error) {
	// A blocked Read cannot observe ctx, so cancellation pulls the read deadline in
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		header, body, err := protocol.DecodeLimit(c.conn, c.maxBody)
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if header.Kind == protocol.FrameHeartbeat {
			continue
		}
		if _, err := codec.GetCodec(codec.CodecType(header.CodecType)); err != nil {
			return nil, err
		}
		return body, nil
	}
}

func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *StreamChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *StreamChannel) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		// Heartbeat writes also need the sending lock to avoid frame interleaving
		c.sending.Lock()
		err := protocol.Encode(c.conn, &protocol.Header{Kind: protocol.FrameHeartbeat}, nil)
		c.sending.Unlock()
		if err != nil {
			return // Connection broken, the reader will notice
		}
	}
}
