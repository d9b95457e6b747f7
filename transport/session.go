package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"mini-sync/codec"
	"mini-sync/message"
)

// ErrQueueFull closes a session whose peer does not drain its outbound queue fast enough.
var ErrQueueFull = errors.New("transport: send queue full")

// MessageHandler processes one decoded incoming message.
type MessageHandler func(ctx context.Context, msg *message.Message)

// Session runs one connection: a single reader goroutine decodes envelopes in arrival
// order, and a single writer goroutine drains a bounded queue of encoded envelopes.
//
//	Send → Encode → queue ──► writer goroutine ──► Channel.Send
//	Channel.Recv ──► Run (reader) → Decode → handler
//
// Overflowing the queue closes the session instead of dropping messages; for state
// patches a gap would silently corrupt the replica.
type Session struct {
	ch     Channel
	codec  codec.Codec
	queue  chan []byte
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error // first cause of closing
}

func NewSession(ch Channel, c codec.Codec, queueSize int, logger *zap.Logger) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		ch:     ch,
		codec:  c,
		queue:  make(chan []byte, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send encodes msg and queues it without blocking. Safe for concurrent use; messages
// queued by one goroutine are written in the order it queued them.
func (s *Session) Send(ctx context.Context, msg *message.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.queue <- data:
		return nil
	default:
		s.closeWith(ErrQueueFull)
		return ErrQueueFull
	}
}

// Run starts the writer and reads until the channel fails, ctx ends or Close is called.
// It returns the cause, which is nil for an orderly close.
func (s *Session) Run(ctx context.Context, handle MessageHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			s.closeWith(ctx.Err())
		case <-s.done:
		}
	}()

	for {
		data, err := s.ch.Recv(ctx)
		if err != nil {
			s.closeWith(err)
			break
		}
		msg, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		handle(ctx, msg)
	}

	<-s.done
	return s.Err()
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-s.queue:
			if err := s.ch.Send(ctx, data); err != nil {
				s.closeWith(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close shuts the session down; Run returns nil.
func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed, or nil for an orderly close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		if cause != nil && !IsClosed(cause) {
			s.mu.Lock()
			s.err = cause
			s.mu.Unlock()
			s.logger.Debug("session closed", zap.Error(cause))
		}
		close(s.done)
		// A WebSocket close handshake can take seconds; Send may be running under
		// the state lock.
		go func() {
			if err := s.closeChannel(cause); err != nil && !IsClosed(err) {
				s.logger.Debug("close channel", zap.Error(err))
			}
		}()
	})
}

// closeChannel tells a WebSocket peer that it was dropped for falling behind.
func (s *Session) closeChannel(cause error) error {
	if ws, ok := s.ch.(*WebSocket); ok && errors.Is(cause, ErrQueueFull) {
		return ws.CloseWith(websocket.StatusPolicyViolation, "send queue full")
	}
	return s.ch.Close()
}
