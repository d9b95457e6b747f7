package client

import (
	"context"
	"strings"

	"mini-sync/codec"
)

// Caller is anything that can invoke a remote procedure by path.
type Caller interface {
	Call(ctx context.Context, path []string, args ...any) (any, error)
}

// Proxy builds procedure paths step by step:
//
//	c.Remote().At("math").At("add").Call(ctx, 2, 3)
//	c.Remote().Dotted("math.add").Call(ctx, 2, 3)
//
// On the wire this is always an explicit (path, args) call.
type Proxy struct {
	caller Caller
	path   []string
}

// At returns a proxy one level deeper.
func (p Proxy) At(name string) Proxy {
	path := make([]string, len(p.path), len(p.path)+1)
	copy(path, p.path)
	return Proxy{caller: p.caller, path: append(path, name)}
}

// Dotted appends every segment of a dotted path.
func (p Proxy) Dotted(path string) Proxy {
	for _, seg := range strings.Split(path, ".") {
		if seg != "" {
			p = p.At(seg)
		}
	}
	return p
}

// Path returns the segments collected so far.
func (p Proxy) Path() []string {
	return append([]string(nil), p.path...)
}

// Call invokes the procedure at the proxy's path.
func (p Proxy) Call(ctx context.Context, args ...any) (any, error) {
	return p.caller.Call(ctx, p.path, args...)
}

// Invoke calls path and converts the result into T.
func Invoke[T any](ctx context.Context, c Caller, path []string, args ...any) (T, error) {
	var out T
	v, err := c.Call(ctx, path, args...)
	if err != nil {
		return out, err
	}
	if err := codec.Convert(v, &out); err != nil {
		return out, err
	}
	return out, nil
}
