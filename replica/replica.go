// Package replica keeps a client's read-only copy of the authoritative state in step with
// state_sync and state_patch messages.
package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"

	"mini-sync/codec"
	"mini-sync/message"
	"mini-sync/state"
)

// ErrNoBaseline is returned for a patch that arrives before any full sync.
var ErrNoBaseline = errors.New("replica: patch before state_sync")

// ChangeFunc observes every replica update.
type ChangeFunc func(state any)

type Manager struct {
	mu       sync.RWMutex
	fallback any
	current  any
	baseline bool
	logger   *zap.Logger
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager starts out holding fallback, the value shown until the first sync.
func NewManager(fallback any, opts ...Option) (*Manager, error) {
	fb, err := codec.Normalize(fallback)
	if err != nil {
		return nil, err
	}
	m := &Manager{fallback: fb, current: codec.Clone(fb), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the replica value. Treat it as read-only.
func (m *Manager) State() any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Decode converts the replica value into the value pointed to by into.
func (m *Manager) Decode(into any) error {
	return codec.Convert(m.State(), into)
}

// Synced reports whether a full sync has arrived since the last Reset.
func (m *Manager) Synced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline
}

// Reset reverts to the fallback and forgets the baseline.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = codec.Clone(m.fallback)
	m.baseline = false
}

// HandleMessage applies state messages and reports whether msg was one. onChange, when not
// nil, is called with the new state after each successful update.
func (m *Manager) HandleMessage(msg *message.Message, onChange ChangeFunc) (bool, error) {
	var next any
	switch p := msg.Data.(type) {
	case *message.StateSync:
		m.mu.Lock()
		m.current = p.State
		m.baseline = true
		next = m.current
		m.mu.Unlock()
	case *message.StatePatch:
		m.mu.Lock()
		if !m.baseline {
			m.mu.Unlock()
			m.logger.Warn("dropping patch received before full sync", zap.Int("ops", len(p.Patch)))
			return true, ErrNoBaseline
		}
		applied, err := ApplyPatch(m.current, p.Patch)
		if err != nil {
			m.mu.Unlock()
			return true, err
		}
		m.current = applied
		next = applied
		m.mu.Unlock()
	default:
		return false, nil
	}

	if onChange != nil {
		onChange(next)
	}
	return true, nil
}

type jsonOp struct {
	Op    message.Op      `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// rootKey wraps documents so the JSON Patch target is always an object, whatever the
// type of the state root.
const rootKey = "root"

// ApplyPatch applies ops to a copy of tree, in order. Each op runs as an RFC 6902 JSON
// Patch over the rich-encoded document. Ops that reshape the encoding itself, a swap of
// the root or a write to a map's rich key, are applied directly.
func ApplyPatch(tree any, ops []message.PatchOp) (any, error) {
	current := tree
	for i, op := range ops {
		var err error
		if reshapes(op.Path) {
			current, err = state.Apply(current, []message.PatchOp{op})
		} else {
			current, err = applyJSONPatch(current, op)
		}
		if err != nil {
			return nil, fmt.Errorf("replica: op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return current, nil
}

func reshapes(path message.Path) bool {
	if len(path) == 0 {
		return true
	}
	key, ok := path[len(path)-1].(string)
	return ok && key == codec.RichKey
}

// pointer renders path against the encoded form of tree. A map holding the rich key is
// encoded as {"$rich":"escaped","value":{...}}, so the pointer steps through its value.
func pointer(tree any, path message.Path) string {
	var b strings.Builder
	b.WriteString("/" + rootKey)
	node := tree
	for _, seg := range path {
		switch n := node.(type) {
		case map[string]any:
			if _, escaped := n[codec.RichKey]; escaped {
				b.WriteString("/value")
			}
			key, _ := seg.(string)
			node = n[key]
		case []any:
			idx, ok := seg.(int)
			if ok && idx >= 0 && idx < len(n) {
				node = n[idx]
			} else {
				node = nil
			}
		default:
			node = nil
		}
		b.WriteString(message.Path{seg}.Pointer())
	}
	return b.String()
}

func applyJSONPatch(tree any, op message.PatchOp) (any, error) {
	jop := jsonOp{Op: op.Op, Path: pointer(tree, op.Path)}
	if op.Op != message.OpRemove {
		raw, err := codec.MarshalValue(op.Value)
		if err != nil {
			return nil, err
		}
		jop.Value = raw
	}

	doc, err := codec.MarshalValue(map[string]any{rootKey: tree})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal([]jsonOp{jop})
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	v, err := codec.UnmarshalValue(out)
	if err != nil {
		return nil, err
	}
	wrapped, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("patched document is %T", v)
	}
	return wrapped[rootKey], nil
}
