// Package codec serializes message envelopes and the value trees they carry.
//
// State trees and call parameters are built from map[string]any, []any, string, float64,
// bool and nil, plus a small set of rich leaves that JSON cannot represent natively:
//
//	time.Time   {"$rich":"date",   "value":"2024-05-01T10:00:00.123Z"}
//	[]byte      {"$rich":"bytes",  "value":"aGVsbG8="}
//	*big.Int    {"$rich":"bigint", "value":"123456789012345678901234567890"}
//	NaN / ±Inf  {"$rich":"number", "value":"NaN"}
//
// A user map that itself contains the "$rich" key is wrapped as {"$rich":"escaped"} so the
// encoding stays unambiguous. Encode and Decode are symmetric: a decoded tree is Equal to
// the normalized tree that was encoded.
package codec

import (
	"errors"
	"fmt"

	"mini-sync/message"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

var (
	ErrUnknownCodec = errors.New("codec: unknown codec type")
	ErrUnknownType  = errors.New("codec: unknown message type")
)

// Codec turns envelopes into bytes and back. Implementations must be safe for concurrent use.
type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() CodecType
}

// Default is the codec used when none is configured.
var Default Codec = &JSONCodec{}

// GetCodec returns the codec registered for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return Default, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codecType)
}
