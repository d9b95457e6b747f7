// Package state holds the authoritative state tree. Every mutation is diffed against the
// previous snapshot and the resulting patch is published to subscribers.
package state

import (
	"sync"

	"go.uber.org/zap"

	"mini-sync/codec"
	"mini-sync/message"
)

// Recipe edits a draft of the state. Returning an error discards the draft.
type Recipe func(d *Draft) error

// Listener receives state_sync and state_patch messages. It is called with the manager
// lock held and must not block or call back into the manager.
type Listener func(msg *message.Message)

type Manager struct {
	mu        sync.Mutex
	current   any
	listeners map[uint64]Listener
	nextID    uint64
	logger    *zap.Logger
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager normalizes initial and stores it as the first snapshot.
func NewManager(initial any, opts ...Option) (*Manager, error) {
	snapshot, err := codec.Normalize(initial)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		current:   snapshot,
		listeners: make(map[uint64]Listener),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current snapshot. Snapshots are shared; treat it as read-only.
func (m *Manager) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Decode converts the current snapshot into the value pointed to by into.
func (m *Manager) Decode(into any) error {
	return codec.Convert(m.State(), into)
}

// SetState runs recipe on a draft and publishes the difference. It returns the patch that
// was published, which is empty when the recipe changed nothing.
func (m *Manager) SetState(recipe Recipe) ([]message.PatchOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := NewDraft(m.current)
	if err := recipe(draft); err != nil {
		return nil, err
	}
	next, err := codec.Normalize(draft.root)
	if err != nil {
		return nil, err
	}

	patch := Diff(m.current, next)
	if len(patch) == 0 {
		return nil, nil
	}
	m.current = next

	msg := message.New(&message.StatePatch{Patch: patch})
	for _, l := range m.listeners {
		l(msg)
	}
	m.logger.Debug("state changed", zap.Int("ops", len(patch)), zap.Int("listeners", len(m.listeners)))
	return patch, nil
}

// FullSyncMessage builds a state_sync carrying the current snapshot.
func (m *Manager) FullSyncMessage() *message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return message.New(&message.StateSync{State: m.current})
}

// Subscribe registers l for future patches. The returned func unsubscribes.
func (m *Manager) Subscribe(l Listener) (leave func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribe(l)
}

// Join sends l a full sync and subscribes it in one step, so no patch can fall between
// the snapshot and the subscription.
func (m *Manager) Join(l Listener) (leave func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l(message.New(&message.StateSync{State: m.current}))
	return m.subscribe(l)
}

func (m *Manager) subscribe(l Listener) func() {
	id := m.nextID
	m.nextID++
	m.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Listeners reports how many subscribers are registered.
func (m *Manager) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
