package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-sync/config"
	"mini-sync/message"
	"mini-sync/procedure"
	"mini-sync/registry"
	"mini-sync/rpc"
	"mini-sync/server"
	"mini-sync/state"
)

type Arith struct{}

func (a *Arith) Add(ctx context.Context, caller procedure.ClientID, x, y int) (int, error) {
	return x + y, nil
}

func (a *Arith) Multiply(ctx context.Context, caller procedure.ClientID, x, y int) (int, error) {
	return x * y, nil
}

// newAuthority starts a counter server with procedures that mutate its own state.
func newAuthority(t testing.TB, initial int, opts ...server.Option) *server.Server {
	t.Helper()
	var s *server.Server
	var err error
	s, err = server.New(map[string]any{"count": initial}, procedure.Tree{
		"increment": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
			_, err := s.SetState(func(d *state.Draft) error {
				return d.Update(message.Path{"count"}, func(old any) (any, error) {
					n, _ := old.(float64)
					return n + 1, nil
				})
			})
			return nil, err
		}),
		"math": procedure.MustService(&Arith{}),
		"fail": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
			return nil, errors.New("boom")
		}),
	}, opts...)
	require.NoError(t, err)
	return s
}

// serveWS mounts h on an httptest server and returns its ws:// url.
func serveWS(t testing.TB, h http.Handler) string {
	t.Helper()
	hs := httptest.NewServer(h)
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func newClient(t testing.TB, target Resolver, procedures procedure.Tree, opts ...Option) *Client {
	t.Helper()
	c, err := New(target, procedures, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func connectAndSync(t testing.TB, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.WaitForSync(ctx))
}

func TestSyncAndCalls(t *testing.T) {
	s := newAuthority(t, 0)
	url := serveWS(t, s)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	c := newClient(t, URL(url), nil)
	var changes atomic.Int32
	c.OnStateChange(func(any) { changes.Add(1) })

	connectAndSync(t, c)
	assert.True(t, c.IsConnected())
	assert.Equal(t, map[string]any{"count": 0.0}, c.State())

	ctx := context.Background()
	_, err := c.Call(ctx, []string{"increment"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		var st struct{ Count int }
		return c.Decode(&st) == nil && st.Count == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, changes.Load(), int32(2), "sync and patch both notify")

	v, err := c.Call(ctx, []string{"math", "add"}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = c.Remote().At("math").At("multiply").Call(ctx, 4, 6)
	require.NoError(t, err)
	assert.Equal(t, 24.0, v)

	n, err := Invoke[int](ctx, c, []string{"math", "add"}, 40, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = c.Call(ctx, []string{"nope"})
	assert.ErrorIs(t, err, rpc.ErrProcedureNotFound)

	_, err = c.Remote().Dotted("fail").Call(ctx)
	require.ErrorIs(t, err, rpc.ErrRemoteThrew)
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "boom", rerr.Message)
	assert.Equal(t, []string{"fail"}, rerr.Path)

	assert.True(t, c.IsConnected(), "a failing procedure leaves the connection up")
}

func TestServerCallsClientProcedure(t *testing.T) {
	s := newAuthority(t, 0)
	url := serveWS(t, s)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	c := newClient(t, URL(url), procedure.Tree{
		"ui": procedure.Tree{
			"confirm": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
				q, err := args.String(0)
				if err != nil {
					return nil, err
				}
				return map[string]any{"caller": string(caller), "question": q, "ok": true}, nil
			}),
		},
	}, WithClientID("alice"))
	connectAndSync(t, c)
	assert.Equal(t, procedure.ClientID("alice"), c.ID())
	assert.Equal(t, []procedure.ClientID{"alice"}, s.Clients())

	v, err := s.Call(context.Background(), "alice", []string{"ui", "confirm"}, "delete?")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"caller": string(ServerID), "question": "delete?", "ok": true}, v)

	_, err = s.Call(context.Background(), "alice", []string{"ui", "missing"})
	assert.ErrorIs(t, err, rpc.ErrProcedureNotFound)
}

// Three calls are in flight when the client drops. All are rejected and the replica
// falls back; the authority changes while the client is away, and reconnecting to it
// resyncs the replica exactly.
func TestReconnectResyncsAfterDroppedCalls(t *testing.T) {
	started, release := make(chan struct{}, 3), make(chan struct{})
	defer close(release)
	s, err := server.New(map[string]any{"count": 3, "log": []any{}}, procedure.Tree{
		"block": procedure.Handler(func(ctx context.Context, caller procedure.ClientID, args procedure.Args) (any, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		}),
	})
	require.NoError(t, err)
	url := serveWS(t, s)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	c, err := New(URL(url), nil, map[string]any{"count": -1})
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var events []bool
	c.OnConnectionChange(func(connected bool) {
		mu.Lock()
		events = append(events, connected)
		mu.Unlock()
	})
	connectAndSync(t, c)
	assert.Equal(t, map[string]any{"count": 3.0, "log": []any{}}, c.State())

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Call(context.Background(), []string{"block"})
			results <- err
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d calls reached the server", i)
		}
	}

	c.Disconnect()
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, rpc.ErrConnectionLost)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not rejected")
		}
	}
	assert.False(t, c.IsConnected())
	assert.Equal(t, map[string]any{"count": -1.0}, c.State(), "replica falls back on disconnect")

	_, err = c.Call(context.Background(), []string{"block"})
	assert.ErrorIs(t, err, rpc.ErrConnectionLost)

	_, err = s.SetState(func(d *state.Draft) error {
		if err := d.Set(message.Path{"count"}, 10); err != nil {
			return err
		}
		return d.Append(message.Path{"log"}, "while away")
	})
	require.NoError(t, err)

	connectAndSync(t, c)
	assert.Equal(t, map[string]any{"count": 10.0, "log": []any{"while away"}}, c.State())
	assert.Equal(t, s.State(), c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, events)
}

// swappable routes to whichever server is current, standing in for a restarted authority.
type swappable struct {
	current atomic.Pointer[server.Server]
}

func (sw *swappable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw.current.Load().ServeHTTP(w, r)
}

func TestRunReconnectsAndResyncs(t *testing.T) {
	first := newAuthority(t, 1)
	sw := &swappable{}
	sw.current.Store(first)
	url := serveWS(t, sw)

	c := newClient(t, URL(url), nil, WithReconnect(config.ReconnectConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	require.NoError(t, c.WaitForSync(ctx))
	assert.Equal(t, map[string]any{"count": 1.0}, c.State())

	// the authority restarts with different state while the replica is away
	second := newAuthority(t, 7)
	sw.current.Store(second)
	require.NoError(t, first.Shutdown(time.Second))

	require.Eventually(t, func() bool {
		st, ok := c.State().(map[string]any)
		return ok && st["count"] == 7.0
	}, 3*time.Second, 10*time.Millisecond)

	_, err := c.Call(context.Background(), []string{"increment"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := c.State().(map[string]any)
		return ok && st["count"] == 8.0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.IsConnected())
	require.NoError(t, second.Shutdown(time.Second))
}

func TestRunGivesUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := newClient(t, URL("ws://"+addr), nil, WithReconnect(config.ReconnectConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     2,
	}))

	select {
	case err := <-runAsync(c, context.Background()):
		require.Error(t, err)
		assert.Contains(t, err.Error(), "giving up")
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept retrying past max attempts")
	}
}

func TestCloseStopsRun(t *testing.T) {
	s := newAuthority(t, 0)
	url := serveWS(t, s)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	c, err := New(URL(url), nil, nil)
	require.NoError(t, err)
	errc := runAsync(c, context.Background())
	require.NoError(t, c.WaitForSync(context.Background()))

	require.NoError(t, c.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func runAsync(c *Client, ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	return errc
}

func TestStreamTransport(t *testing.T) {
	s := newAuthority(t, 5)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeStream(l)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	c := newClient(t, URL("tcp://"+l.Addr().String()), nil)
	connectAndSync(t, c)
	assert.Equal(t, map[string]any{"count": 5.0}, c.State())

	n, err := Invoke[int](context.Background(), c, []string{"math", "multiply"}, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestUnsupportedScheme(t *testing.T) {
	c := newClient(t, URL("http://localhost:1"), nil)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrUnsupportedURL)
	assert.False(t, c.IsConnected())
}

func TestDiscoveryResolver(t *testing.T) {
	s := newAuthority(t, 2)
	url := serveWS(t, s)
	t.Cleanup(func() { s.Shutdown(time.Second) })

	reg := registry.NewMemoryRegistry()
	resolver := &DiscoveryResolver{Registry: reg, Service: "counter"}

	_, err := resolver.Resolve(context.Background(), "x")
	assert.ErrorIs(t, err, registry.ErrNoEndpoints)

	require.NoError(t, s.Advertise(context.Background(), reg, "counter", registry.Endpoint{URL: url, Weight: 1}, 10))

	c := newClient(t, resolver, nil)
	connectAndSync(t, c)
	assert.Equal(t, map[string]any{"count": 2.0}, c.State())
	assert.Equal(t, "RoundRobin", resolver.Balancer.Name())

	require.NoError(t, s.Shutdown(time.Second))
	eps, err := reg.Discover(context.Background(), "counter")
	require.NoError(t, err)
	assert.Empty(t, eps, "Shutdown deregisters")
}

type recordingCaller struct {
	path []string
	args []any
}

func (r *recordingCaller) Call(ctx context.Context, path []string, args ...any) (any, error) {
	r.path, r.args = path, args
	return "ok", nil
}

func TestProxyBuildsPaths(t *testing.T) {
	rc := &recordingCaller{}
	root := Proxy{caller: rc}

	math := root.At("math")
	add := math.At("add")
	sub := math.At("sub")
	assert.Equal(t, []string{"math", "add"}, add.Path())
	assert.Equal(t, []string{"math", "sub"}, sub.Path(), "siblings do not share backing arrays")

	_, err := root.Dotted("a.b..c").Call(context.Background(), 1, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rc.path)
	assert.Equal(t, []any{1, "x"}, rc.args)

	s, err := Invoke[string](context.Background(), rc, []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", s)

	_, err = Invoke[int](context.Background(), rc, []string{"x"})
	assert.Error(t, err)
}

func TestNewRejectsBadTree(t *testing.T) {
	_, err := New(URL("ws://x"), procedure.Tree{"bad": 1}, nil)
	assert.ErrorIs(t, err, procedure.ErrInvalidTree)
}
