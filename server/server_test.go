package server

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-sync/codec"
	"mini-sync/message"
	"mini-sync/procedure"
	"mini-sync/rpc"
	"mini-sync/state"
	"mini-sync/transport"
)

// peer speaks the wire protocol by hand, the way a replica would.
type peer struct {
	t  *testing.T
	ch transport.Channel
}

func (p *peer) send(msg *message.Message) {
	p.t.Helper()
	data, err := codec.Default.Encode(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.ch.Send(context.Background(), data))
}

func (p *peer) recv() *message.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := p.ch.Recv(ctx)
	require.NoError(p.t, err)
	msg, err := codec.Default.Decode(data)
	require.NoError(p.t, err)
	return msg
}

func newCounterServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(map[string]any{"count": 0}, procedure.Tree{
		"math": procedure.Tree{
			"add": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
				a, _ := args.Float(0)
				b, _ := args.Float(1)
				return a + b, nil
			}),
		},
		"whoami": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
			return string(caller), nil
		}),
	}, opts...)
	require.NoError(t, err)
	return s
}

// connectPipe serves one end of an in-memory pipe and returns the other as a peer.
func connectPipe(t *testing.T, s *Server, id procedure.ClientID) (*peer, <-chan error) {
	t.Helper()
	a, b := transport.Pipe()
	errc := make(chan error, 1)
	go func() { errc <- s.ServeChannel(context.Background(), a, id) }()
	return &peer{t: t, ch: b}, errc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestFullSyncThenPatches(t *testing.T) {
	s := newCounterServer(t)
	p, _ := connectPipe(t, s, "c1")

	sync := p.recv()
	require.Equal(t, message.TypeStateSync, sync.Type)
	assert.Equal(t, map[string]any{"count": 0.0}, sync.Data.(*message.StateSync).State)

	_, err := s.SetState(func(d *state.Draft) error { return d.Set(message.Path{"count"}, 1) })
	require.NoError(t, err)

	patch := p.recv()
	require.Equal(t, message.TypeStatePatch, patch.Type)
	assert.Equal(t, []message.PatchOp{{Op: message.OpReplace, Path: message.Path{"count"}, Value: 1.0}},
		patch.Data.(*message.StatePatch).Patch)
	assert.Equal(t, map[string]any{"count": 1.0}, s.State())
}

func TestIncomingCalls(t *testing.T) {
	s := newCounterServer(t)
	p, _ := connectPipe(t, s, "c1")
	p.recv() // state_sync

	p.send(message.New(&message.RPCCall{RPCCallID: "1", ProcedurePath: []string{"math", "add"}, Parameters: []any{2, 3}}))
	ret := p.recv()
	require.Equal(t, message.TypeRPCReturn, ret.Type)
	assert.Equal(t, &message.RPCReturn{RPCCallID: "1", Value: 5.0}, ret.Data)

	p.send(message.New(&message.RPCCall{RPCCallID: "2", ProcedurePath: []string{"whoami"}}))
	assert.Equal(t, "c1", p.recv().Data.(*message.RPCReturn).Value)

	p.send(message.New(&message.RPCCall{RPCCallID: "3", ProcedurePath: []string{"increment"}}))
	exc := p.recv()
	require.Equal(t, message.TypeRPCException, exc.Type)
	assert.Equal(t, "PROCEDURE_NOT_FOUND", exc.Data.(*message.RPCException).Error.Kind)
}

func TestServerCallsReplica(t *testing.T) {
	s := newCounterServer(t)
	p, _ := connectPipe(t, s, "c1")
	p.recv() // state_sync

	result := make(chan any, 1)
	go func() {
		v, err := s.Call(context.Background(), "c1", []string{"ui", "confirm"}, "delete?")
		if err != nil {
			result <- err
			return
		}
		result <- v
	}()

	call := p.recv().Data.(*message.RPCCall)
	assert.Equal(t, []string{"ui", "confirm"}, call.ProcedurePath)
	assert.Equal(t, []any{"delete?"}, call.Parameters)
	p.send(message.New(&message.RPCReturn{RPCCallID: call.RPCCallID, Value: true}))

	select {
	case v := <-result:
		assert.Equal(t, true, v)
	case <-time.After(2 * time.Second):
		t.Fatal("server call did not settle")
	}

	_, err := s.Call(context.Background(), "ghost", []string{"x"})
	assert.ErrorIs(t, err, rpc.ErrConnectionLost)
}

func TestDisconnectRejectsServerCalls(t *testing.T) {
	var disconnected atomic.Int32
	s := newCounterServer(t, WithOnDisconnect(func(procedure.ClientID, error) { disconnected.Add(1) }))
	p, errc := connectPipe(t, s, "c1")
	p.recv() // state_sync

	result := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "c1", []string{"slow"})
		result <- err
	}()
	p.recv() // the rpc_call
	require.NoError(t, p.ch.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, rpc.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected on disconnect")
	}
	<-errc
	assert.Empty(t, s.Clients())
	assert.Equal(t, int32(1), disconnected.Load())
	assert.Equal(t, map[string]any{"count": 0.0}, s.State(), "disconnect leaves state untouched")
}

func TestReconnectWithSameIDReplacesConnection(t *testing.T) {
	s := newCounterServer(t)
	first, firstDone := connectPipe(t, s, "c1")
	first.recv()

	second, _ := connectPipe(t, s, "c1")
	second.recv()

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("old connection was not closed")
	}
	assert.Equal(t, []procedure.ClientID{"c1"}, s.Clients())

	_, err := s.SetState(func(d *state.Draft) error { return d.Set(message.Path{"count"}, 2) })
	require.NoError(t, err)
	assert.Equal(t, message.TypeStatePatch, second.recv().Type)
}

func TestSlowReplicaIsDropped(t *testing.T) {
	s := newCounterServer(t, WithSendQueueSize(2))
	_, errc := connectPipe(t, s, "c1") // never reads
	waitFor(t, func() bool { return len(s.Clients()) == 1 })

	for i := 1; i <= 10; i++ {
		_, err := s.SetState(func(d *state.Draft) error { return d.Set(message.Path{"count"}, i) })
		require.NoError(t, err)
	}

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, transport.ErrQueueFull)
	case <-time.After(2 * time.Second):
		t.Fatal("slow replica was not disconnected")
	}
	waitFor(t, func() bool { return len(s.Clients()) == 0 })
}

func TestWebSocketClientID(t *testing.T) {
	s := newCounterServer(t)
	hs := httptest.NewServer(s)
	defer hs.Close()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")

	ch, err := transport.DialWebSocket(context.Background(), wsURL+"?client_id=alice", nil, 0)
	require.NoError(t, err)
	p := &peer{t: t, ch: ch}
	assert.Equal(t, message.TypeStateSync, p.recv().Type)

	header := map[string][]string{ClientIDHeader: {"bob"}}
	ch2, err := transport.DialWebSocket(context.Background(), wsURL, header, 0)
	require.NoError(t, err)
	(&peer{t: t, ch: ch2}).recv()

	ch3, err := transport.DialWebSocket(context.Background(), wsURL, nil, 0)
	require.NoError(t, err)
	(&peer{t: t, ch: ch3}).recv()

	clients := s.Clients()
	require.Len(t, clients, 3)
	assert.Contains(t, clients, procedure.ClientID("alice"))
	assert.Contains(t, clients, procedure.ClientID("bob"))

	p.send(message.New(&message.RPCCall{RPCCallID: "w", ProcedurePath: []string{"whoami"}}))
	assert.Equal(t, "alice", p.recv().Data.(*message.RPCReturn).Value)

	for _, c := range []transport.Channel{ch, ch2, ch3} {
		require.NoError(t, c.Close())
	}
	waitFor(t, func() bool { return len(s.Clients()) == 0 })
	require.NoError(t, s.Shutdown(2*time.Second))
}

func TestServeStream(t *testing.T) {
	s := newCounterServer(t, WithHeartbeat(20*time.Millisecond))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.ServeStream(l) }()

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	p := &peer{t: t, ch: transport.NewStreamChannel(nc)}
	assert.Equal(t, message.TypeStateSync, p.recv().Type)

	time.Sleep(60 * time.Millisecond) // let heartbeats flow; Recv skips them
	p.send(message.New(&message.RPCCall{RPCCallID: "1", ProcedurePath: []string{"math", "add"}, Parameters: []any{1, 1}}))
	assert.Equal(t, 2.0, p.recv().Data.(*message.RPCReturn).Value)

	require.NoError(t, s.Shutdown(2*time.Second))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStream did not return after Shutdown")
	}
}

func TestShutdownWaitsForInFlightCalls(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	var finished atomic.Bool
	s, err := New(nil, procedure.Tree{
		"work": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
			close(started)
			<-release
			finished.Store(true)
			return "done", nil
		}),
	})
	require.NoError(t, err)

	p, _ := connectPipe(t, s, "c1")
	p.recv()
	p.send(message.New(&message.RPCCall{RPCCallID: "1", ProcedurePath: []string{"work"}}))
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	go func() {
		// drain the reply so the writer never blocks
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for {
			if _, err := p.ch.Recv(ctx); err != nil {
				return
			}
		}
	}()

	require.NoError(t, s.Shutdown(2*time.Second))
	assert.True(t, finished.Load())

	a, _ := transport.Pipe()
	assert.ErrorIs(t, s.ServeChannel(context.Background(), a, "late"), ErrServerClosed)
}

func TestServeChannelRacingShutdown(t *testing.T) {
	s := newCounterServer(t)

	var served sync.WaitGroup
	for i := 0; i < 20; i++ {
		a, b := transport.Pipe()
		go func() {
			for {
				if _, err := b.Recv(context.Background()); err != nil {
					return
				}
			}
		}()
		served.Add(1)
		go func(id procedure.ClientID) {
			defer served.Done()
			s.ServeChannel(context.Background(), a, id)
		}(procedure.ClientID(fmt.Sprintf("c%d", i)))
	}

	require.NoError(t, s.Shutdown(2*time.Second))

	done := make(chan struct{})
	go func() {
		served.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeChannel outlived Shutdown")
	}
	assert.Empty(t, s.Clients())
}

func TestNewRejectsBadTree(t *testing.T) {
	_, err := New(nil, procedure.Tree{"bad": 42})
	assert.ErrorIs(t, err, procedure.ErrInvalidTree)
}
