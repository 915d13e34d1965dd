package pollnet

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, payload string) []byte {
	t.Helper()
	b, err := Encode([]byte(payload), DefaultMaxMessageSize)
	require.NoError(t, err)
	return b
}

func header(length uint32) []byte {
	return binary.NativeEndian.AppendUint32(nil, length)
}

func TestEncode_Layout(t *testing.T) {
	b, err := Encode([]byte("hello"), DefaultMaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, append(header(5), "hello"...), b)
	assert.Equal(t, uint32(5), binary.NativeEndian.Uint32(b[:HeaderSize]))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 5, 255, 256, 1000, DefaultMaxMessageSize} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i)
		}

		b, err := Encode(payload, DefaultMaxMessageSize)
		require.NoError(t, err, "size %d", size)

		frame := TryDecode(b, DefaultMaxMessageSize)
		require.Equal(t, Decoded, frame.Status, "size %d", size)
		assert.Equal(t, HeaderSize+size, frame.Consumed)
		assert.Equal(t, size, frame.Declared)
		assert.True(t, bytes.Equal(payload, frame.Payload), "size %d", size)
	}
}

func TestEncode_TooLarge(t *testing.T) {
	_, err := Encode(make([]byte, DefaultMaxMessageSize+1), DefaultMaxMessageSize)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	dst := []byte("keep")
	out, err := AppendEncode(dst, make([]byte, 9), 8)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, []byte("keep"), out)
}

func TestAppendEncode_Appends(t *testing.T) {
	b, err := AppendEncode([]byte{0xff}, []byte("ab"), DefaultMaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{0xff}, header(2)...), 'a', 'b'), b)
}

func TestTryDecode_Malformed(t *testing.T) {
	buf := header(DefaultMaxMessageSize + 1)
	frame := TryDecode(buf, DefaultMaxMessageSize)
	assert.Equal(t, Malformed, frame.Status)
	assert.Equal(t, DefaultMaxMessageSize+1, frame.Declared)

	// Regardless of what follows the prefix.
	buf = append(header(0xffffffff), make([]byte, 100)...)
	assert.Equal(t, Malformed, TryDecode(buf, DefaultMaxMessageSize).Status)
}

func TestTryDecode_ShortHeader(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		frame := TryDecode(make([]byte, n), DefaultMaxMessageSize)
		assert.Equal(t, NeedMoreData, frame.Status, "len %d", n)
		assert.Zero(t, frame.Consumed)
	}
}

func TestTryDecode_SplitAtEveryBoundary(t *testing.T) {
	b := mustEncode(t, "split me across reads")

	for k := 1; k < len(b); k++ {
		buf := append([]byte(nil), b[:k]...)
		frame := TryDecode(buf, DefaultMaxMessageSize)
		require.Equal(t, NeedMoreData, frame.Status, "k=%d", k)

		buf = append(buf, b[k:]...)
		frame = TryDecode(buf, DefaultMaxMessageSize)
		require.Equal(t, Decoded, frame.Status, "k=%d", k)
		assert.Equal(t, "split me across reads", string(frame.Payload))
		assert.Equal(t, len(b), frame.Consumed)
	}
}

func TestTryDecode_Pipelined(t *testing.T) {
	var buf []byte
	for _, p := range []string{"p1", "p22", ""} {
		buf = append(buf, mustEncode(t, p)...)
	}

	var got []string
	for {
		frame := TryDecode(buf, DefaultMaxMessageSize)
		if frame.Status != Decoded {
			require.Equal(t, NeedMoreData, frame.Status)
			break
		}
		got = append(got, string(frame.Payload))
		assert.Equal(t, HeaderSize+len(frame.Payload), frame.Consumed)
		buf = buf[frame.Consumed:]
	}

	assert.Equal(t, []string{"p1", "p22", ""}, got)
	assert.Empty(t, buf)
}

func TestTryDecode_DoesNotModifyBuffer(t *testing.T) {
	b := mustEncode(t, "abc")
	orig := append([]byte(nil), b...)
	TryDecode(b, DefaultMaxMessageSize)
	assert.Equal(t, orig, b)
}

func TestLengthPrefixCodec(t *testing.T) {
	c := NewLengthPrefixCodec(0)
	assert.Equal(t, DefaultMaxMessageSize, c.MaxMessageSize())

	c = NewLengthPrefixCodec(8)
	_, err := c.Encode(nil, make([]byte, 9))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	b, err := c.Encode(nil, []byte("12345678"))
	require.NoError(t, err)
	assert.Equal(t, Decoded, c.TryDecode(b).Status)
	assert.Equal(t, Malformed, c.TryDecode(header(9)).Status)
}

func TestDecodeStatus_String(t *testing.T) {
	assert.Equal(t, "need more data", NeedMoreData.String())
	assert.Equal(t, "malformed", Malformed.String())
	assert.Equal(t, "decoded", Decoded.String())
	assert.Equal(t, "unknown", DecodeStatus(42).String())
}
