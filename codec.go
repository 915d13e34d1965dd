package pollnet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the length prefix preceding every payload.
const HeaderSize = 4

// DefaultMaxMessageSize is the largest payload accepted on the wire unless
// configured otherwise.
const DefaultMaxMessageSize = 4096

// ErrPayloadTooLarge is returned when a payload exceeds the maximum message size.
var ErrPayloadTooLarge = errors.New("payload too large")

// byteOrder is the order of the length prefix: host order, so peers must
// share the server's endianness.
var byteOrder = binary.NativeEndian

// DecodeStatus is the outcome of a TryDecode call.
type DecodeStatus int

const (
	// NeedMoreData means the buffer does not yet hold a complete message.
	NeedMoreData DecodeStatus = iota
	// Malformed means the declared length exceeds the maximum message size.
	// The stream cannot be resynchronized and must be dropped.
	Malformed
	// Decoded means a complete message was found at the front of the buffer.
	Decoded
)

func (s DecodeStatus) String() string {
	switch s {
	case NeedMoreData:
		return "need more data"
	case Malformed:
		return "malformed"
	case Decoded:
		return "decoded"
	default:
		return "unknown"
	}
}

// Frame is the result of decoding the front of a buffer.
type Frame struct {
	Status DecodeStatus
	// Payload aliases the decoded buffer; copy it before the buffer is reused.
	Payload []byte
	// Consumed is the number of bytes to drop from the front of the buffer.
	Consumed int
	// Declared is the length announced by the prefix, valid when at least
	// HeaderSize bytes were available.
	Declared int
}

// Encode returns the length prefix followed by payload.
func Encode(payload []byte, maxSize int) ([]byte, error) {
	return AppendEncode(nil, payload, maxSize)
}

// AppendEncode appends the framed payload to dst and returns the extended slice.
func AppendEncode(dst, payload []byte, maxSize int) ([]byte, error) {
	if len(payload) > maxSize {
		return dst, ErrPayloadTooLarge
	}
	dst = byteOrder.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// TryDecode inspects the front of buf for one complete message.
// It never blocks and never modifies buf.
func TryDecode(buf []byte, maxSize int) Frame {
	if len(buf) < HeaderSize {
		return Frame{Status: NeedMoreData}
	}

	declared := byteOrder.Uint32(buf[:HeaderSize])
	if uint64(declared) > uint64(maxSize) {
		return Frame{Status: Malformed, Declared: int(declared)}
	}

	total := HeaderSize + int(declared)
	if len(buf) < total {
		return Frame{Status: NeedMoreData, Declared: int(declared)}
	}

	return Frame{
		Status:   Decoded,
		Payload:  buf[HeaderSize:total:total],
		Consumed: total,
		Declared: int(declared),
	}
}

// Codec frames and unframes messages.
// Implementations must be pure: no I/O and no retained state between calls.
type Codec interface {
	// Encode appends the framed payload to dst.
	Encode(dst, payload []byte) ([]byte, error)
	// TryDecode inspects the front of buf for one complete message.
	TryDecode(buf []byte) Frame
	// MaxMessageSize returns the largest payload the codec accepts.
	MaxMessageSize() int
}

// LengthPrefixCodec is the Codec for the 4-byte length-prefixed wire format.
type LengthPrefixCodec struct {
	MaxSize int
}

// NewLengthPrefixCodec returns a codec accepting payloads up to maxSize bytes.
// A non-positive maxSize selects DefaultMaxMessageSize.
func NewLengthPrefixCodec(maxSize int) LengthPrefixCodec {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return LengthPrefixCodec{MaxSize: maxSize}
}

func (c LengthPrefixCodec) Encode(dst, payload []byte) ([]byte, error) {
	return AppendEncode(dst, payload, c.MaxSize)
}

func (c LengthPrefixCodec) TryDecode(buf []byte) Frame {
	return TryDecode(buf, c.MaxSize)
}

func (c LengthPrefixCodec) MaxMessageSize() int {
	return c.MaxSize
}
