package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"
)

const richKey = "$rich"

// RichKey tags rich values on the wire. A user map holding this key is sent escaped.
const RichKey = richKey

// Rich kinds.
const (
	richDate    = "date"
	richBytes   = "bytes"
	richBigInt  = "bigint"
	richNumber  = "number"
	richEscaped = "escaped"
)

func richValue(kind string, value any) map[string]any {
	return map[string]any{richKey: kind, "value": value}
}

// toWire normalizes v and replaces rich leaves with their tagged JSON form.
func toWire(v any) (any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return tag(n), nil
}

func tag(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			out[k] = tag(elem)
		}
		if _, collides := x[richKey]; collides {
			return richValue(richEscaped, out)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = tag(elem)
		}
		return out
	case time.Time:
		return richValue(richDate, x.Format(time.RFC3339Nano))
	case []byte:
		return richValue(richBytes, base64.StdEncoding.EncodeToString(x))
	case *big.Int:
		return richValue(richBigInt, x.String())
	case float64:
		switch {
		case math.IsNaN(x):
			return richValue(richNumber, "NaN")
		case math.IsInf(x, 1):
			return richValue(richNumber, "Infinity")
		case math.IsInf(x, -1):
			return richValue(richNumber, "-Infinity")
		}
	}
	return v
}

// fromWire reverses tag on a tree produced by encoding/json.
func fromWire(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if kind, ok := x[richKey].(string); ok && len(x) == 2 {
			if raw, ok := x["value"]; ok {
				return untag(kind, raw)
			}
		}
		return fromWireMap(x)
	case []any:
		for i, elem := range x {
			n, err := fromWire(elem)
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	}
	return v, nil
}

func fromWireMap(m map[string]any) (map[string]any, error) {
	for k, elem := range m {
		n, err := fromWire(elem)
		if err != nil {
			return nil, err
		}
		m[k] = n
	}
	return m, nil
}

func untag(kind string, raw any) (any, error) {
	if kind == richEscaped {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("codec: escaped value is %T, want object", raw)
		}
		return fromWireMap(m)
	}

	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("codec: %s value is %T, want string", kind, raw)
	}
	switch kind {
	case richDate:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("codec: decode date: %w", err)
		}
		return t, nil
	case richBytes:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("codec: decode bytes: %w", err)
		}
		return b, nil
	case richBigInt:
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("codec: decode bigint %q", s)
		}
		return n, nil
	case richNumber:
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return nil, fmt.Errorf("codec: decode number %q", s)
	}
	return nil, fmt.Errorf("codec: unknown rich kind %q", kind)
}

// MarshalValue encodes a single value tree with rich tagging.
func MarshalValue(v any) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalValue decodes bytes produced by MarshalValue.
func UnmarshalValue(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: unmarshal value: %w", err)
	}
	return fromWire(raw)
}
