package client

import (
	"context"
	"fmt"

	"mini-sync/loadbalance"
	"mini-sync/registry"
)

// Resolver chooses the URL to dial for a connection attempt. clientID lets resolvers with
// affinity keep a client on the same server.
type Resolver interface {
	Resolve(ctx context.Context, clientID string) (string, error)
}

// URL is a fixed endpoint.
type URL string

func (u URL) Resolve(context.Context, string) (string, error) {
	return string(u), nil
}

// DiscoveryResolver looks endpoints up in a registry on every attempt and lets a balancer
// pick one, so reconnects follow servers coming and going.
type DiscoveryResolver struct {
	Registry registry.Registry
	Service  string
	Balancer loadbalance.Balancer // defaults to round robin
}

func (d *DiscoveryResolver) Resolve(ctx context.Context, clientID string) (string, error) {
	endpoints, err := d.Registry.Discover(ctx, d.Service)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", fmt.Errorf("%w: service %q", registry.ErrNoEndpoints, d.Service)
	}

	b := d.Balancer
	if b == nil {
		b = &loadbalance.RoundRobinBalancer{}
		d.Balancer = b
	}
	ep, err := b.Pick(endpoints, clientID)
	if err != nil {
		return "", err
	}
	return ep.URL, nil
}
