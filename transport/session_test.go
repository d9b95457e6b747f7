package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-sync/codec"
	"mini-sync/message"
)

// stuckChannel never completes a Send, like a peer that stopped reading.
type stuckChannel struct {
	closed chan struct{}
}

func (c *stuckChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *stuckChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stuckChannel) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func runSession(s *Session, handle MessageHandler) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background(), handle) }()
	return errc
}

func TestSessionDeliversInOrder(t *testing.T) {
	a, b := Pipe()
	sa := NewSession(a, codec.Default, 16, nil)
	sb := NewSession(b, codec.Default, 16, nil)

	got := make(chan *message.Message, 10)
	runSession(sa, func(context.Context, *message.Message) {})
	errc := runSession(sb, func(_ context.Context, msg *message.Message) { got <- msg })

	for i := 0; i < 5; i++ {
		require.NoError(t, sa.Send(context.Background(), message.New(&message.RPCReturn{RPCCallID: string(rune('a' + i))})))
	}
	for i := 0; i < 5; i++ {
		select {
		case msg := <-got:
			assert.Equal(t, string(rune('a'+i)), msg.Data.(*message.RPCReturn).RPCCallID)
		case <-time.After(time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	require.NoError(t, sb.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, sb.Send(context.Background(), message.New(&message.RPCReturn{})), ErrClosed)
}

func TestSessionSkipsMalformed(t *testing.T) {
	a, b := Pipe()
	sb := NewSession(b, codec.Default, 4, nil)

	got := make(chan *message.Message, 1)
	runSession(sb, func(_ context.Context, msg *message.Message) { got <- msg })

	require.NoError(t, a.Send(context.Background(), []byte(`{"type":"nope","data":{}}`)))
	require.NoError(t, a.Send(context.Background(), []byte(`{"type":"state_sync","data":{"state":1}}`)))

	select {
	case msg := <-got:
		assert.Equal(t, message.TypeStateSync, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("valid message after a malformed one was not delivered")
	}
	sb.Close()
}

func TestSessionOverflowCloses(t *testing.T) {
	ch := &stuckChannel{closed: make(chan struct{})}
	s := NewSession(ch, codec.Default, 2, nil)
	errc := runSession(s, func(context.Context, *message.Message) {})

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = s.Send(context.Background(), message.New(&message.StatePatch{}))
	}
	assert.True(t, errors.Is(err, ErrQueueFull))

	select {
	case runErr := <-errc:
		assert.ErrorIs(t, runErr, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after overflow")
	}
}

func TestSessionEncodeError(t *testing.T) {
	ch := &stuckChannel{closed: make(chan struct{})}
	s := NewSession(ch, codec.Default, 2, nil)
	err := s.Send(context.Background(), message.New(&message.RPCReturn{RPCCallID: "1", Value: make(chan int)}))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrQueueFull))
	s.Close()
}
