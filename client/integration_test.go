package client

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-sync/loadbalance"
	"mini-sync/registry"
	"mini-sync/server"
)

func newEtcdOrSkip(t *testing.T) *registry.EtcdRegistry {
	t.Helper()
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second, nil)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "probe"); err != nil {
		reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// startAuthority serves s on a real listener, the way cmd/syncd does.
func startAuthority(t *testing.T, s *server.Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := s.Serve(l, "/sync"); err != nil && err != http.ErrServerClosed {
			t.Logf("serve: %v", err)
		}
	}()
	return "ws://" + l.Addr().String() + "/sync"
}

// Full path with etcd: advertise, discover, sync, call.
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg := newEtcdOrSkip(t)
	ctx := context.Background()

	s := newAuthority(t, 10)
	url := startAuthority(t, s)
	require.NoError(t, s.Advertise(ctx, reg, "counter-it", registry.Endpoint{URL: url, Weight: 10}, 10))

	c := newClient(t, &DiscoveryResolver{Registry: reg, Service: "counter-it"}, nil)
	connectAndSync(t, c)
	assert.Equal(t, map[string]any{"count": 10.0}, c.State())

	n, err := Invoke[int](ctx, c, []string{"math", "add"}, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	n, err = Invoke[int](ctx, c, []string{"math", "multiply"}, 4, 6)
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	require.NoError(t, s.Shutdown(3*time.Second))
	eps, err := reg.Discover(ctx, "counter-it")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

// Two authorities behind etcd; the replica fails over when its server goes away.
func TestFailoverWithEtcd(t *testing.T) {
	reg := newEtcdOrSkip(t)
	ctx := context.Background()

	s1, s2 := newAuthority(t, 1), newAuthority(t, 2)
	url1, url2 := startAuthority(t, s1), startAuthority(t, s2)
	require.NoError(t, s1.Advertise(ctx, reg, "counter-failover", registry.Endpoint{URL: url1, Weight: 10}, 10))
	require.NoError(t, s2.Advertise(ctx, reg, "counter-failover", registry.Endpoint{URL: url2, Weight: 10}, 10))
	t.Cleanup(func() {
		s1.Shutdown(3 * time.Second)
		s2.Shutdown(3 * time.Second)
	})

	c := newClient(t, &DiscoveryResolver{
		Registry: reg,
		Service:  "counter-failover",
		Balancer: loadbalance.NewConsistentHashBalancer(),
	}, nil)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.Run(runCtx)
	require.NoError(t, c.WaitForSync(runCtx))

	var first map[string]any
	require.NoError(t, c.Decode(&first))

	// shut down whichever server the hash picked
	picked, other := s1, 2.0
	if first["count"] == 2.0 {
		picked, other = s2, 1.0
	}
	require.NoError(t, picked.Shutdown(3*time.Second))

	require.Eventually(t, func() bool {
		st, ok := c.State().(map[string]any)
		return ok && st["count"] == other
	}, 5*time.Second, 20*time.Millisecond)

	for i := 1; i <= 10; i++ {
		n, err := Invoke[int](ctx, c, []string{"math", "add"}, i, i*10)
		require.NoError(t, err)
		assert.Equal(t, i+i*10, n)
	}
}
