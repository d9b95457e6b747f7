package codec

import (
	"encoding/json"
	"fmt"
	"math"

	"mini-sync/message"
)

// JSONCodec encodes envelopes as JSON text with rich-value tagging applied to every
// user-supplied value (parameters, return values, state, patch values, error extras).
type JSONCodec struct{}

type envelope struct {
	Type message.Type    `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireCall struct {
	RPCCallID     string   `json:"rpcCallId"`
	ProcedurePath []string `json:"procedurePath"`
	Parameters    []any    `json:"parameters"`
}

type wireReturn struct {
	RPCCallID string `json:"rpcCallId"`
	Value     any    `json:"value"`
}

type wireException struct {
	RPCCallID string         `json:"rpcCallId"`
	Error     map[string]any `json:"error"`
}

type wireSync struct {
	State any `json:"state"`
}

type wireOp struct {
	Op    message.Op      `json:"op"`
	Path  []any           `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

type wirePatch struct {
	Patch []wireOp `json:"patch"`
}

func (c *JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	if msg == nil || msg.Data == nil {
		return nil, fmt.Errorf("codec: encode empty message")
	}
	if msg.Type != msg.Data.MessageType() {
		return nil, fmt.Errorf("codec: envelope type %q does not match payload %T", msg.Type, msg.Data)
	}

	data, err := encodePayload(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", msg.Type, err)
	}
	return json.Marshal(envelope{Type: msg.Type, Data: data})
}

func encodePayload(p message.Payload) ([]byte, error) {
	switch x := p.(type) {
	case *message.RPCCall:
		params := make([]any, len(x.Parameters))
		for i, v := range x.Parameters {
			w, err := toWire(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i, err)
			}
			params[i] = w
		}
		path := x.ProcedurePath
		if path == nil {
			path = []string{}
		}
		return json.Marshal(wireCall{RPCCallID: x.RPCCallID, ProcedurePath: path, Parameters: params})

	case *message.RPCReturn:
		w, err := toWire(x.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireReturn{RPCCallID: x.RPCCallID, Value: w})

	case *message.RPCException:
		obj := make(map[string]any, len(x.Error.Extra)+4)
		for k, v := range x.Error.Extra {
			if message.IsReservedErrorKey(k) {
				continue
			}
			w, err := toWire(v)
			if err != nil {
				return nil, fmt.Errorf("error field %s: %w", k, err)
			}
			obj[k] = w
		}
		obj["kind"] = x.Error.Kind
		obj["name"] = x.Error.Name
		obj["message"] = x.Error.Message
		obj["stack"] = x.Error.Stack
		return json.Marshal(wireException{RPCCallID: x.RPCCallID, Error: obj})

	case *message.StateSync:
		w, err := toWire(x.State)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireSync{State: w})

	case *message.StatePatch:
		ops := make([]wireOp, len(x.Patch))
		for i, op := range x.Patch {
			wo, err := encodeOp(op)
			if err != nil {
				return nil, fmt.Errorf("patch op %d: %w", i, err)
			}
			ops[i] = wo
		}
		return json.Marshal(wirePatch{Patch: ops})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownType, p)
}

func encodeOp(op message.PatchOp) (wireOp, error) {
	wo := wireOp{Op: op.Op, Path: []any(op.Path)}
	if wo.Path == nil {
		wo.Path = []any{}
	}
	if op.Op == message.OpRemove {
		return wo, nil
	}
	value, err := MarshalValue(op.Value)
	if err != nil {
		return wo, err
	}
	wo.Value = value
	return wo, nil
}

func (c *JSONCodec) Decode(data []byte) (*message.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("codec: decode envelope: %w", err)
	}

	payload, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return nil, fmt.Errorf("codec: decode %s: %w", env.Type, err)
	}
	return &message.Message{Type: env.Type, Data: payload}, nil
}

func decodePayload(t message.Type, data json.RawMessage) (message.Payload, error) {
	switch t {
	case message.TypeRPCCall:
		var w wireCall
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		for i, v := range w.Parameters {
			n, err := fromWire(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i, err)
			}
			w.Parameters[i] = n
		}
		if w.Parameters == nil {
			w.Parameters = []any{}
		}
		return &message.RPCCall{RPCCallID: w.RPCCallID, ProcedurePath: w.ProcedurePath, Parameters: w.Parameters}, nil

	case message.TypeRPCReturn:
		var w wireReturn
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		v, err := fromWire(w.Value)
		if err != nil {
			return nil, err
		}
		return &message.RPCReturn{RPCCallID: w.RPCCallID, Value: v}, nil

	case message.TypeRPCException:
		var w wireException
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		info := message.ErrorInfo{}
		for k, v := range w.Error {
			switch k {
			case "kind":
				info.Kind, _ = v.(string)
			case "name":
				info.Name, _ = v.(string)
			case "message":
				info.Message, _ = v.(string)
			case "stack":
				info.Stack, _ = v.(string)
			default:
				n, err := fromWire(v)
				if err != nil {
					return nil, fmt.Errorf("error field %s: %w", k, err)
				}
				if info.Extra == nil {
					info.Extra = make(map[string]any)
				}
				info.Extra[k] = n
			}
		}
		return &message.RPCException{RPCCallID: w.RPCCallID, Error: info}, nil

	case message.TypeStateSync:
		var w wireSync
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		state, err := fromWire(w.State)
		if err != nil {
			return nil, err
		}
		return &message.StateSync{State: state}, nil

	case message.TypeStatePatch:
		var w wirePatch
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		ops := make([]message.PatchOp, len(w.Patch))
		for i, wo := range w.Patch {
			op, err := decodeOp(wo)
			if err != nil {
				return nil, fmt.Errorf("patch op %d: %w", i, err)
			}
			ops[i] = op
		}
		return &message.StatePatch{Patch: ops}, nil
	}
	return nil, ErrUnknownType
}

func decodeOp(wo wireOp) (message.PatchOp, error) {
	op := message.PatchOp{Op: wo.Op, Path: make(message.Path, len(wo.Path))}
	switch wo.Op {
	case message.OpAdd, message.OpReplace, message.OpRemove:
	default:
		return op, fmt.Errorf("unknown op %q", wo.Op)
	}

	for i, seg := range wo.Path {
		switch s := seg.(type) {
		case string:
			op.Path[i] = s
		case float64:
			if s != math.Trunc(s) || s < 0 {
				return op, fmt.Errorf("invalid array index %v", s)
			}
			op.Path[i] = int(s)
		default:
			return op, fmt.Errorf("invalid path segment %v", seg)
		}
	}

	if wo.Op != message.OpRemove && len(wo.Value) > 0 {
		v, err := UnmarshalValue(wo.Value)
		if err != nil {
			return op, err
		}
		op.Value = v
	}
	return op, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
