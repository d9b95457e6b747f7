package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mini-sync/message"
	"mini-sync/state"
)

func setupAuthorityAndClient(b *testing.B) *Client {
	s := newAuthority(b, 0)
	url := serveWS(b, s)
	b.Cleanup(func() { s.Shutdown(3 * time.Second) })

	c := newClient(b, URL(url), nil)
	connectAndSync(b, c)
	return c
}

// Serial calls from one goroutine
func BenchmarkSerialCall(b *testing.B) {
	c := setupAuthorityAndClient(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call(ctx, []string{"math", "add"}, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// Concurrent calls multiplexed over one connection
func BenchmarkConcurrentCall(b *testing.B) {
	c := setupAuthorityAndClient(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Call(ctx, []string{"math", "add"}, 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Mutation on the authority until the replica has applied the patch
func BenchmarkPatchRoundTrip(b *testing.B) {
	s := newAuthority(b, 0)
	url := serveWS(b, s)
	b.Cleanup(func() { s.Shutdown(3 * time.Second) })

	c := newClient(b, URL(url), nil)
	applied := make(chan struct{}, 1)
	c.OnStateChange(func(any) {
		select {
		case applied <- struct{}{}:
		default:
		}
	})
	connectAndSync(b, c)
	<-applied

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("k%d", i%64)
		if _, err := s.SetState(func(d *state.Draft) error { return d.Set(message.Path{key}, i) }); err != nil {
			b.Fatal(err)
		}
		<-applied
	}
}
