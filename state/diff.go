package state

import (
	"fmt"

	"mini-sync/codec"
	"mini-sync/message"
)

// Diff returns the ordered edits that turn old into new. Both trees must be normalized.
//
// Maps are compared key by key in sorted order. Arrays are compared index by index over
// their common length, followed by ascending adds when new is longer or descending removes
// when it is shorter, so every op stays valid when applied in sequence. A change of
// container type is a single replace.
func Diff(old, new any) []message.PatchOp {
	var ops []message.PatchOp
	diff(message.Path{}, old, new, &ops)
	return ops
}

func diff(path message.Path, a, b any, ops *[]message.PatchOp) {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			diffMap(path, av, bv, ops)
			return
		}
	case []any:
		if bv, ok := b.([]any); ok {
			diffList(path, av, bv, ops)
			return
		}
	}
	if !codec.Equal(a, b) {
		*ops = append(*ops, message.PatchOp{Op: message.OpReplace, Path: path, Value: b})
	}
}

func diffMap(path message.Path, a, b map[string]any, ops *[]message.PatchOp) {
	for _, k := range codec.SortedKeys(a) {
		bv, ok := b[k]
		if !ok {
			*ops = append(*ops, message.PatchOp{Op: message.OpRemove, Path: path.Append(k)})
			continue
		}
		diff(path.Append(k), a[k], bv, ops)
	}
	for _, k := range codec.SortedKeys(b) {
		if _, ok := a[k]; !ok {
			*ops = append(*ops, message.PatchOp{Op: message.OpAdd, Path: path.Append(k), Value: b[k]})
		}
	}
}

func diffList(path message.Path, a, b []any, ops *[]message.PatchOp) {
	common := min(len(a), len(b))
	for i := 0; i < common; i++ {
		diff(path.Append(i), a[i], b[i], ops)
	}
	for i := common; i < len(b); i++ {
		*ops = append(*ops, message.PatchOp{Op: message.OpAdd, Path: path.Append(i), Value: b[i]})
	}
	for i := len(a) - 1; i >= common; i-- {
		*ops = append(*ops, message.PatchOp{Op: message.OpRemove, Path: path.Append(i)})
	}
}

// Apply returns a copy of tree with ops applied in order. tree itself is not modified.
func Apply(tree any, ops []message.PatchOp) (any, error) {
	root := codec.Clone(tree)
	for i, op := range ops {
		next, err := applyOp(root, op)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
		root = next
	}
	return root, nil
}

func applyOp(root any, op message.PatchOp) (any, error) {
	value := codec.Clone(op.Value)
	if len(op.Path) == 0 {
		switch op.Op {
		case message.OpAdd, message.OpReplace:
			return value, nil
		case message.OpRemove:
			return nil, nil
		}
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}

	var leaf func(parent any, key any) (any, error)
	switch op.Op {
	case message.OpAdd:
		leaf = func(parent any, key any) (any, error) { return insert(parent, key, value) }
	case message.OpReplace:
		leaf = func(parent any, key any) (any, error) {
			if _, err := child(parent, key); err != nil {
				return nil, err
			}
			return put(parent, key, value, false)
		}
	case message.OpRemove:
		leaf = remove
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
	return editAt(root, op.Path, leaf)
}
