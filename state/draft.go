package state

import (
	"errors"
	"fmt"

	"mini-sync/codec"
	"mini-sync/message"
)

// ErrPath is returned when a path does not address an existing container slot.
var ErrPath = errors.New("invalid state path")

// Draft is a private, mutable copy of the state handed to a recipe. Recipes may mutate the
// maps returned by Root and Get directly, or go through the helpers, which also handle
// arrays that need re-slicing.
type Draft struct {
	root any
}

// NewDraft wraps a deep copy of v.
func NewDraft(v any) *Draft {
	return &Draft{root: codec.Clone(v)}
}

// Root returns the draft's root value.
func (d *Draft) Root() any {
	return d.root
}

// Replace swaps the whole tree.
func (d *Draft) Replace(v any) error {
	nv, err := codec.Normalize(v)
	if err != nil {
		return err
	}
	d.root = nv
	return nil
}

// Get returns the value at path.
func (d *Draft) Get(path message.Path) (any, bool) {
	node := d.root
	for _, key := range path {
		next, err := child(node, key)
		if err != nil {
			return nil, false
		}
		node = next
	}
	return node, true
}

// Set stores v at path. The parent must exist; an array index equal to the length appends.
func (d *Draft) Set(path message.Path, v any) error {
	nv, err := codec.Normalize(v)
	if err != nil {
		return err
	}
	if len(path) == 0 {
		d.root = nv
		return nil
	}
	return d.edit(path, func(parent any, key any) (any, error) {
		return put(parent, key, nv, true)
	})
}

// Delete removes the map entry or array element at path. Array elements after it shift down.
func (d *Draft) Delete(path message.Path) error {
	if len(path) == 0 {
		d.root = nil
		return nil
	}
	return d.edit(path, remove)
}

// Append adds v to the end of the array at path.
func (d *Draft) Append(path message.Path, v any) error {
	nv, err := codec.Normalize(v)
	if err != nil {
		return err
	}
	return d.Update(path, func(old any) (any, error) {
		list, ok := old.([]any)
		if !ok && old != nil {
			return nil, fmt.Errorf("%w: %s is %T, not an array", ErrPath, path, old)
		}
		return append(list, nv), nil
	})
}

// Update replaces the value at path with fn(old). A missing map key passes nil.
func (d *Draft) Update(path message.Path, fn func(old any) (any, error)) error {
	if len(path) == 0 {
		v, err := fn(d.root)
		if err != nil {
			return err
		}
		return d.Replace(v)
	}
	return d.edit(path, func(parent any, key any) (any, error) {
		old, _ := child(parent, key)
		v, err := fn(old)
		if err != nil {
			return nil, err
		}
		nv, err := codec.Normalize(v)
		if err != nil {
			return nil, err
		}
		return put(parent, key, nv, true)
	})
}

func (d *Draft) edit(path message.Path, leaf func(parent any, key any) (any, error)) error {
	root, err := editAt(d.root, path, leaf)
	if err != nil {
		return err
	}
	d.root = root
	return nil
}

// editAt walks to the parent of the last path element, applies leaf there and writes the
// (possibly re-sliced) containers back up the path.
func editAt(node any, path message.Path, leaf func(parent any, key any) (any, error)) (any, error) {
	if len(path) == 1 {
		return leaf(node, path[0])
	}
	next, err := child(node, path[0])
	if err != nil {
		return nil, err
	}
	updated, err := editAt(next, path[1:], leaf)
	if err != nil {
		return nil, err
	}
	return put(node, path[0], updated, false)
}

func child(node any, key any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map key %v is not a string", ErrPath, key)
		}
		v, ok := n[k]
		if !ok {
			return nil, fmt.Errorf("%w: no key %q", ErrPath, k)
		}
		return v, nil
	case []any:
		i, ok := key.(int)
		if !ok || i < 0 || i >= len(n) {
			return nil, fmt.Errorf("%w: index %v out of range [0,%d)", ErrPath, key, len(n))
		}
		return n[i], nil
	default:
		return nil, fmt.Errorf("%w: cannot index %T with %v", ErrPath, node, key)
	}
}

// put stores v under key in parent and returns the parent. With grow set, an array index
// equal to the length appends.
func put(parent any, key any, v any, grow bool) (any, error) {
	switch n := parent.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map key %v is not a string", ErrPath, key)
		}
		n[k] = v
		return n, nil
	case []any:
		i, ok := key.(int)
		switch {
		case !ok || i < 0 || i > len(n):
			return nil, fmt.Errorf("%w: index %v out of range [0,%d]", ErrPath, key, len(n))
		case i == len(n) && grow:
			return append(n, v), nil
		case i == len(n):
			return nil, fmt.Errorf("%w: index %d out of range", ErrPath, i)
		}
		n[i] = v
		return n, nil
	default:
		return nil, fmt.Errorf("%w: cannot index %T with %v", ErrPath, parent, key)
	}
}

// insert places v at index key of an array, shifting later elements up.
func insert(parent any, key any, v any) (any, error) {
	list, ok := parent.([]any)
	if !ok {
		return put(parent, key, v, true)
	}
	i, ok := key.(int)
	if !ok || i < 0 || i > len(list) {
		return nil, fmt.Errorf("%w: index %v out of range [0,%d]", ErrPath, key, len(list))
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list, nil
}

func remove(parent any, key any) (any, error) {
	switch n := parent.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map key %v is not a string", ErrPath, key)
		}
		if _, ok := n[k]; !ok {
			return nil, fmt.Errorf("%w: no key %q", ErrPath, k)
		}
		delete(n, k)
		return n, nil
	case []any:
		i, ok := key.(int)
		if !ok || i < 0 || i >= len(n) {
			return nil, fmt.Errorf("%w: index %v out of range [0,%d)", ErrPath, key, len(n))
		}
		return append(n[:i], n[i+1:]...), nil
	default:
		return nil, fmt.Errorf("%w: cannot index %T with %v", ErrPath, parent, key)
	}
}
