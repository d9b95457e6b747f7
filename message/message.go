// Package message defines the envelope exchanged between the authority and its replicas.
//
// Every frame on the wire is a Message: a type tag plus exactly one payload. The payload
// set is closed (RPCCall, RPCReturn, RPCException, StateSync, StatePatch), so consumers
// dispatch with an exhaustive type switch on Message.Data.
//
//	{"type":"rpc_call",      "data":{"rpcCallId":"...","procedurePath":["math","add"],"parameters":[2,3]}}
//	{"type":"rpc_return",    "data":{"rpcCallId":"...","value":5}}
//	{"type":"rpc_exception", "data":{"rpcCallId":"...","error":{"kind":"REMOTE_THREW","name":"...","message":"..."}}}
//	{"type":"state_sync",    "data":{"state":{...}}}
//	{"type":"state_patch",   "data":{"patch":[{"op":"replace","path":["count"],"value":1}]}}
package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the envelope tag.
type Type string

const (
	TypeRPCCall      Type = "rpc_call"      // Invoke a procedure on the peer
	TypeRPCReturn    Type = "rpc_return"    // Successful result of an earlier rpc_call
	TypeRPCException Type = "rpc_exception" // Failed result of an earlier rpc_call
	TypeStateSync    Type = "state_sync"    // Full snapshot of the canonical state
	TypeStatePatch   Type = "state_patch"   // Ordered edits against the previous snapshot
)

// Valid reports whether t is one of the five known envelope tags.
func (t Type) Valid() bool {
	switch t {
	case TypeRPCCall, TypeRPCReturn, TypeRPCException, TypeStateSync, TypeStatePatch:
		return true
	}
	return false
}

// Payload is implemented by the five payload structs and nothing else.
type Payload interface {
	MessageType() Type
}

// Message is the tagged union carried by every frame.
type Message struct {
	Type Type
	Data Payload
}

// New wraps a payload in an envelope with the matching tag.
func New(p Payload) *Message {
	return &Message{Type: p.MessageType(), Data: p}
}

// RPCCall asks the peer to run the procedure at ProcedurePath.
type RPCCall struct {
	RPCCallID     string   `json:"rpcCallId"`
	ProcedurePath []string `json:"procedurePath"`
	Parameters    []any    `json:"parameters"`
}

func (*RPCCall) MessageType() Type { return TypeRPCCall }

// RPCReturn resolves the call identified by RPCCallID.
type RPCReturn struct {
	RPCCallID string `json:"rpcCallId"`
	Value     any    `json:"value"`
}

func (*RPCReturn) MessageType() Type { return TypeRPCReturn }

// RPCException rejects the call identified by RPCCallID.
type RPCException struct {
	RPCCallID string    `json:"rpcCallId"`
	Error     ErrorInfo `json:"error"`
}

func (*RPCException) MessageType() Type { return TypeRPCException }

// ErrorInfo is the serialized form of a failure. Extra holds any additional fields the
// original error carried; they are flattened next to the fixed fields on the wire.
type ErrorInfo struct {
	Kind    string
	Name    string
	Message string
	Stack   string
	Extra   map[string]any
}

// Reserved ErrorInfo keys. Extra entries using these names are ignored.
var errorInfoKeys = map[string]bool{"kind": true, "name": true, "message": true, "stack": true}

// IsReservedErrorKey reports whether key is one of the fixed ErrorInfo fields.
func IsReservedErrorKey(key string) bool { return errorInfoKeys[key] }

// StateSync carries the whole canonical state.
type StateSync struct {
	State any `json:"state"`
}

func (*StateSync) MessageType() Type { return TypeStateSync }

// StatePatch carries the edits produced by one state mutation, in application order.
type StatePatch struct {
	Patch []PatchOp `json:"patch"`
}

func (*StatePatch) MessageType() Type { return TypeStatePatch }

// Op is a structural edit kind.
type Op string

const (
	OpAdd     Op = "add"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// PatchOp is one structural edit. Value is unused for OpRemove.
type PatchOp struct {
	Op    Op   `json:"op"`
	Path  Path `json:"path"`
	Value any  `json:"value,omitempty"`
}

// Path addresses a node in a state tree. Elements are string map keys or int array indices.
type Path []any

// Append returns a copy of p extended with key. The receiver is never aliased.
func (p Path) Append(key any) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, key)
}

// Pointer renders p as an RFC 6901 JSON pointer.
func (p Path) Pointer() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		switch s := seg.(type) {
		case string:
			s = strings.ReplaceAll(s, "~", "~0")
			b.WriteString(strings.ReplaceAll(s, "/", "~1"))
		case int:
			b.WriteString(strconv.Itoa(s))
		default:
			b.WriteString(fmt.Sprint(s))
		}
	}
	return b.String()
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = fmt.Sprint(seg)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
