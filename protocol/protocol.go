// Package protocol implements the binary frame used to carry envelopes over raw byte streams
// (TCP connections, pipes). WebSocket channels do not need it: the WebSocket layer already
// preserves message boundaries.
//
// It solves TCP's sticky packet problem by using a fixed-size 10-byte header followed by a
// variable-length body. The receiver reads the header first to determine the body length,
// then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│fk│ bodyLen │    body ...    │
//	│ mss  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mss" (mini-sync stream).
// Used to quickly reject non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x73 // 's'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (kind) + 4 (bodyLen)
)

// FrameKind distinguishes envelope frames from keep-alive frames.
type FrameKind byte

const (
	FrameEnvelope  FrameKind = 0 // Body is one encoded message.Message
	FrameHeartbeat FrameKind = 1 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid an import cycle.
const (
	CodecTypeJSON byte = 0
)

// ErrFrameTooLarge is returned when a header announces a body above the reader's limit.
var ErrFrameTooLarge = errors.New("frame body exceeds limit")

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte      // Serialization format of the body
	Kind      FrameKind // Envelope or Heartbeat
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.Kind)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))

	// One Write per frame so a concurrent reader on the other end never sees half a header
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame with no body size limit.
func Decode(r io.Reader) (*Header, []byte, error) {
	return DecodeLimit(r, 0)
}

// DecodeLimit reads a complete frame (header + body) from r.
// It validates the magic number, version and frame kind, and refuses bodies larger than
// maxBody bytes (0 means unlimited). Uses io.ReadFull to guarantee exactly N bytes are read.
func DecodeLimit(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	// Step 1: Read the fixed header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Step 2: Validate magic number, reject non-protocol connections
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	// Step 3: Validate version
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	// Step 4: Validate frame kind
	kind := FrameKind(headerBuf[5])
	if kind != FrameEnvelope && kind != FrameHeartbeat {
		return nil, nil, fmt.Errorf("unsupported frame kind: %d", kind)
	}

	// Step 5: Read exactly bodyLen bytes
	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if maxBody > 0 && bodyLen > maxBody {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, maxBody)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		Kind:      kind,
		BodyLen:   bodyLen,
	}, body, nil
}
