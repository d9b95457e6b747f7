package cli

import (
	"context"
	"fmt"
	"time"

	"mini-sync/message"
	"mini-sync/procedure"
	"mini-sync/server"
	"mini-sync/state"
)

// CounterState is the demo state served by syncd serve.
type CounterState struct {
	Count      float64   `json:"count"`
	LastCaller string    `json:"lastCaller"`
	UpdatedAt  time.Time `json:"updatedAt"`
	History    []Change  `json:"history"`
}

type Change struct {
	Caller string  `json:"caller"`
	Delta  float64 `json:"delta"`
}

const historyLimit = 20

// Counter exposes the demo procedures increment, add and reset.
type Counter struct {
	srv *server.Server
	now func() time.Time
}

func NewCounter() *Counter {
	return &Counter{now: time.Now}
}

// Bind attaches the counter to the server whose state it mutates.
func (c *Counter) Bind(srv *server.Server) {
	c.srv = srv
}

func (c *Counter) Increment(ctx context.Context, caller procedure.ClientID) (float64, error) {
	return c.apply(caller, func(float64) float64 { return 1 })
}

func (c *Counter) Add(ctx context.Context, caller procedure.ClientID, n float64) (float64, error) {
	return c.apply(caller, func(float64) float64 { return n })
}

func (c *Counter) Reset(ctx context.Context, caller procedure.ClientID) error {
	_, err := c.apply(caller, func(cur float64) float64 { return -cur })
	return err
}

// apply adds delta(current) to the count and records the change.
func (c *Counter) apply(caller procedure.ClientID, delta func(float64) float64) (float64, error) {
	if c.srv == nil {
		return 0, fmt.Errorf("counter: not bound to a server")
	}

	var count float64
	_, err := c.srv.SetState(func(d *state.Draft) error {
		cur, _ := d.Get(message.Path{"count"})
		n, _ := cur.(float64)
		dv := delta(n)
		count = n + dv

		if err := d.Set(message.Path{"count"}, count); err != nil {
			return err
		}
		if err := d.Set(message.Path{"lastCaller"}, string(caller)); err != nil {
			return err
		}
		if err := d.Set(message.Path{"updatedAt"}, c.now()); err != nil {
			return err
		}
		if err := d.Append(message.Path{"history"}, Change{Caller: string(caller), Delta: dv}); err != nil {
			return err
		}
		hist, _ := d.Get(message.Path{"history"})
		if list, ok := hist.([]any); ok && len(list) > historyLimit {
			return d.Delete(message.Path{"history", 0})
		}
		return nil
	})
	return count, err
}
