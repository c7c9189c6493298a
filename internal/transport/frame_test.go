package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{ChannelID: ChannelMessage, PacketUniqueID: 42, Payload: []byte("hello cluster")}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, want.ChannelID, got.ChannelID)
	require.Equal(t, want.PacketUniqueID, got.PacketUniqueID)
	require.Equal(t, want.Payload, got.Payload)
}

func TestFrameNoPacketID(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{ChannelID: ChannelAuth, PacketUniqueID: 0, Payload: []byte{1, 2, 3}}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Zero(t, got.PacketUniqueID)
	require.Equal(t, want.Payload, got.Payload)
}

func TestFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	// A length prefix alone, absurdly large, with no backing payload.
	lenBuf := make([]byte, 0, 10)
	lenBuf = appendUvarintForTest(lenBuf, MaxFrameLength+1)
	buf.Write(lenBuf)

	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestMultipleFramesSequentialRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{ChannelID: 2, PacketUniqueID: 1, Payload: []byte("a")}))
	require.NoError(t, WriteFrame(&buf, Frame{ChannelID: 2, PacketUniqueID: 2, Payload: []byte("b")}))

	r := bufio.NewReader(&buf)
	f1, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), f1.Payload)

	f2, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), f2.Payload)
}

func appendUvarintForTest(buf []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	return append(buf, tmp[:n]...)
}
