// Package registry lets sync servers advertise where replicas can reach them.
package registry

import (
	"context"
	"errors"
)

// ErrNoEndpoints is returned when a service has no live endpoint.
var ErrNoEndpoints = errors.New("registry: no endpoints available")

// Endpoint is one reachable sync server.
type Endpoint struct {
	URL     string `json:"url"`     // ws://host:port/sync or tcp://host:port
	Weight  int    `json:"weight"`  // Weight for load balancing
	Version string `json:"version"` // Free-form build or protocol version
}

type Registry interface {
	Register(ctx context.Context, service string, endpoint Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, url string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
