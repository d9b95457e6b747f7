// Package loadbalance chooses which sync server a replica connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread reconnects evenly over equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - ConsistentHash:  keep a client id on the same server across reconnects
package loadbalance

import (
	"mini-sync/registry"
)

// Balancer picks one endpoint. key is the client id; strategies without affinity ignore it.
// Implementations must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint, key string) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, or round robin for an empty name.
func New(name string) (Balancer, bool) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, true
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, true
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), true
	default:
		return nil, false
	}
}
