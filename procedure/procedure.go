// Package procedure holds the namespaces of remotely invokable operations.
//
// A Tree nests names arbitrarily deep:
//
//	procedure.Tree{
//	    "echo": echoHandler,
//	    "math": procedure.Tree{
//	        "add": addHandler,
//	        "stats": procedure.Tree{"mean": meanHandler},
//	    },
//	}
//
// Extract flattens a Tree into "math.add"-style keys so dispatch is a single map lookup.
// Resolve walks a Tree segment by segment and reports "not found" for anything that is not
// a handler at the end of the path; it never panics on malformed paths.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ClientID identifies the peer that invoked a procedure. Handlers registered on the
// authority receive the calling replica's id; handlers on a replica receive
// client.ServerID ("server").
type ClientID string

// Handler runs one procedure invocation.
type Handler func(ctx context.Context, caller ClientID, args Args) (any, error)

// handlerFunc is the unnamed form of Handler; func literals stored in a Tree have this type.
type handlerFunc = func(ctx context.Context, caller ClientID, args Args) (any, error)

// Tree maps names to a Handler or to a nested Tree (or map[string]any with the same shape).
type Tree map[string]any

const separator = "."

var ErrInvalidTree = errors.New("procedure: invalid tree")

// Key renders a path as the flat registry key.
func Key(path []string) string {
	return strings.Join(path, separator)
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, separator)
}

func asHandler(v any) (Handler, bool) {
	switch h := v.(type) {
	case Handler:
		return h, h != nil
	case handlerFunc:
		return Handler(h), h != nil
	}
	return nil, false
}

func asTree(v any) (Tree, bool) {
	switch t := v.(type) {
	case Tree:
		return t, true
	case map[string]any:
		return Tree(t), true
	}
	return nil, false
}

// Extract flattens tree into a key → handler map. Entries that are neither handlers nor
// sub-trees, and names that are empty or contain the separator, are rejected.
func Extract(tree Tree) (map[string]Handler, error) {
	out := make(map[string]Handler)
	if err := extract(tree, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func extract(tree Tree, prefix []string, out map[string]Handler) error {
	for name, v := range tree {
		path := append(append([]string(nil), prefix...), name)
		if !validName(name) {
			return fmt.Errorf("%w: bad name %q at %s", ErrInvalidTree, name, Key(prefix))
		}
		if h, ok := asHandler(v); ok {
			out[Key(path)] = h
			continue
		}
		if sub, ok := asTree(v); ok {
			if err := extract(sub, path, out); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("%w: %s is %T, want handler or tree", ErrInvalidTree, Key(path), v)
	}
	return nil
}

// Resolve walks tree along path. A missing key, a handler in the middle of the path or a
// tree at the end of it all yield (nil, false).
func Resolve(tree Tree, path []string) (Handler, bool) {
	if len(path) == 0 {
		return nil, false
	}
	node := any(tree)
	for _, seg := range path {
		t, ok := asTree(node)
		if !ok {
			return nil, false
		}
		node, ok = t[seg]
		if !ok {
			return nil, false
		}
	}
	return asHandler(node)
}

// Registry is the flattened, concurrency-safe dispatch table used by the RPC manager.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler at path.
func (r *Registry) Register(path []string, h Handler) error {
	if len(path) == 0 || h == nil {
		return fmt.Errorf("%w: empty path or nil handler", ErrInvalidTree)
	}
	for _, seg := range path {
		if !validName(seg) {
			return fmt.Errorf("%w: bad name %q in %v", ErrInvalidTree, seg, path)
		}
	}
	r.mu.Lock()
	r.handlers[Key(path)] = h
	r.mu.Unlock()
	return nil
}

// RegisterTree adds every handler of tree.
func (r *Registry) RegisterTree(tree Tree) error {
	flat, err := Extract(tree)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for k, h := range flat {
		r.handlers[k] = h
	}
	r.mu.Unlock()
	return nil
}

// Lookup finds the handler at path in O(1).
func (r *Registry) Lookup(path []string) (Handler, bool) {
	for _, seg := range path {
		if !validName(seg) {
			return nil, false
		}
	}
	if len(path) == 0 {
		return nil, false
	}
	r.mu.RLock()
	h, ok := r.handlers[Key(path)]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.handlers = make(map[string]Handler)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Paths lists registered keys in sorted order.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
