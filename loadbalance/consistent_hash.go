package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mini-sync/registry"
)

// ConsistentHashBalancer maps client ids to endpoints using a hash ring, so a reconnecting
// client lands on the same server while the endpoint set is stable.
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per endpoint ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real endpoint

	mu    sync.Mutex
	sig   string                        // endpoint set the ring was built from
	ring  []uint32                      // Sorted hash values on the ring
	nodes map[uint32]*registry.Endpoint // Hash value → endpoint mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

// Add places an endpoint onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{url}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(endpoint *registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(endpoint)
}

func (b *ConsistentHashBalancer) add(endpoint *registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", endpoint.URL, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = endpoint
	}
	// Keep the ring sorted for binary search in lookup()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick rebuilds the ring when the endpoint set changed, then finds the endpoint
// responsible for key.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint, key string) (*registry.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if endpoints != nil {
		if sig := signature(endpoints); sig != b.sig {
			b.sig = sig
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]*registry.Endpoint)
			for i := range endpoints {
				ep := endpoints[i]
				b.add(&ep)
			}
		}
	}
	if len(b.ring) == 0 {
		return nil, registry.ErrNoEndpoints
	}
	return b.lookup(key), nil
}

// lookup hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
func (b *ConsistentHashBalancer) lookup(key string) *registry.Endpoint {
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func signature(endpoints []registry.Endpoint) string {
	urls := make([]string, len(endpoints))
	for i, ep := range endpoints {
		urls[i] = ep.URL
	}
	sort.Strings(urls)
	return strings.Join(urls, "\n")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
