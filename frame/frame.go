// Package frame implements the 16-byte binary header codec for the Bilibili
// live-room channel protocol. See the wire package for payload definitions.
//
// Header layout (16 bytes, big-endian):
//
//	[0-3]   packet_len  uint32  (header + body)
//	[4-5]   header_len  uint16  (always 16)
//	[6-7]   version     uint16  (see Ver* constants)
//	[8-11]  operation   uint32  (see Op* constants)
//	[12-15] sequence    uint32
//
// Version 2 and 3 bodies are compressed blobs that, once inflated, contain
// one or more concatenated frames and are decoded recursively.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize      = 16
	MaxPacketLen    = 16 * 1024 * 1024 // 16 MB hard limit
	maxInflateDepth = 4                // nesting guard for compressed bodies
)

// Operations. Client→server: heartbeat, join. Server→client: the rest.
const (
	OpHeartbeat      uint32 = 2
	OpHeartbeatReply uint32 = 3
	OpNotification   uint32 = 5
	OpJoin           uint32 = 7
	OpJoinAck        uint32 = 8
)

// Body versions.
const (
	VerPlain      uint16 = 0 // raw JSON
	VerPopularity uint16 = 1 // uint32 popularity counter (heartbeat reply)
	VerZlib       uint16 = 2 // zlib-compressed concatenated frames
	VerBrotli     uint16 = 3 // brotli-compressed concatenated frames
)

var (
	ErrShortFrame   = errors.New("frame: truncated frame")
	ErrBadHeader    = errors.New("frame: invalid header")
	ErrPacketTooBig = errors.New("frame: packet exceeds maximum size")
)

// Frame is one decoded unit. For compressed packets the container is
// discarded and only the inner frames are returned.
type Frame struct {
	Op   uint32
	Ver  uint16
	Seq  uint32
	Body []byte
}

// Encode serialises a single plain frame.
func Encode(op uint32, seq uint32, body []byte) []byte {
	return encode(op, VerPlain, seq, body)
}

// EncodeRaw serialises a frame with an explicit body version. Used by test
// doubles that stand in for the server side of the protocol.
func EncodeRaw(op uint32, ver uint16, seq uint32, body []byte) []byte {
	return encode(op, ver, seq, body)
}

func encode(op uint32, ver uint16, seq uint32, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(HeaderSize+len(body)))
	binary.BigEndian.PutUint16(out[4:6], HeaderSize)
	binary.BigEndian.PutUint16(out[6:8], ver)
	binary.BigEndian.PutUint32(out[8:12], op)
	binary.BigEndian.PutUint32(out[12:16], seq)
	copy(out[HeaderSize:], body)
	return out
}

// decodeOne parses the frame at the head of data and returns it along with
// the number of bytes consumed.
func decodeOne(data []byte) (Frame, int, error) {
	if len(data) < HeaderSize {
		return Frame{}, 0, ErrShortFrame
	}
	packetLen := binary.BigEndian.Uint32(data[0:4])
	headerLen := binary.BigEndian.Uint16(data[4:6])
	if packetLen > MaxPacketLen {
		return Frame{}, 0, ErrPacketTooBig
	}
	if uint32(headerLen) > packetLen || headerLen < HeaderSize {
		return Frame{}, 0, fmt.Errorf("%w: header_len %d, packet_len %d", ErrBadHeader, headerLen, packetLen)
	}
	if int(packetLen) > len(data) {
		return Frame{}, 0, fmt.Errorf("%w: want %d bytes, have %d", ErrShortFrame, packetLen, len(data))
	}
	f := Frame{
		Ver:  binary.BigEndian.Uint16(data[6:8]),
		Op:   binary.BigEndian.Uint32(data[8:12]),
		Seq:  binary.BigEndian.Uint32(data[12:16]),
		Body: data[headerLen:packetLen],
	}
	return f, int(packetLen), nil
}

// DecodeAll decodes every frame in data, inflating compressed bodies and
// recursing into the inner frames they carry. A corrupt sub-frame drops only
// itself: frames parsed before the failure are still returned and all
// sub-frame failures are joined into the returned error, so frames may be
// non-empty even when err is non-nil.
func DecodeAll(data []byte) ([]Frame, error) {
	return decodeAll(data, 0)
}

func decodeAll(data []byte, depth int) ([]Frame, error) {
	if depth > maxInflateDepth {
		return nil, fmt.Errorf("%w: nesting too deep", ErrBadHeader)
	}

	var frames []Frame
	var errs []error
	for len(data) > 0 {
		f, n, err := decodeOne(data)
		if err != nil {
			// Without a trustworthy length there is no next boundary;
			// keep what we have and report the tail as one failure.
			errs = append(errs, err)
			break
		}
		data = data[n:]

		switch f.Ver {
		case VerZlib, VerBrotli:
			inflated, err := inflate(f.Ver, f.Body)
			if err != nil {
				errs = append(errs, fmt.Errorf("frame op %d: %w", f.Op, err))
				continue
			}
			inner, err := decodeAll(inflated, depth+1)
			frames = append(frames, inner...)
			if err != nil {
				errs = append(errs, err)
			}
		default:
			frames = append(frames, f)
		}
	}
	return frames, errors.Join(errs...)
}

// Popularity decodes the numeric body of a heartbeat reply.
func Popularity(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, ErrShortFrame
	}
	return binary.BigEndian.Uint32(body[:4]), nil
}
